// Package session keeps one playback controller per guild and exposes the
// commands the front end calls.
package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/app/filter"
	"github.com/osa030/voicebox/internal/app/notification"
	"github.com/osa030/voicebox/internal/app/playback"
	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/domain/track"
	"github.com/osa030/voicebox/internal/infra/metrics"
)

var (
	ErrNotInVoice = errors.New("requester is not in a voice channel")
	ErrEmptyQuery = errors.New("empty query")
	ErrNoResults  = errors.New("no results")
)

// maxAutoplayMisses bounds consecutive refills that started nothing.
const maxAutoplayMisses = 3

// Config holds session manager configuration.
type Config struct {
	Playback        playback.Config
	ExpandLimit     int           // Max references produced by one request (default 50)
	Autoplay        bool          // Autoplay default for new channels
	AutoplayCount   int           // References per refill (default 3)
	AutoplayTimeout time.Duration // default 30s
}

func (c *Config) setDefaults() {
	if c.ExpandLimit <= 0 {
		c.ExpandLimit = 50
	}
	if c.AutoplayCount <= 0 {
		c.AutoplayCount = 3
	}
	if c.AutoplayTimeout <= 0 {
		c.AutoplayTimeout = 30 * time.Second
	}
}

// Resolver resolves references for playback and expands user input.
type Resolver interface {
	playback.Resolver
	Expand(ctx context.Context, input string, requester track.Requester, limit int) ([]*track.Reference, error)
}

// AutoplaySource supplies references when a queue runs dry.
type AutoplaySource interface {
	Candidates(ctx context.Context, count int, seed *track.Reference, exclude map[string]bool) ([]*track.Reference, error)
}

// TransportFactory returns the voice transport of a guild.
type TransportFactory func(guildID string) playback.Transport

// Request is a play request from the front end.
type Request struct {
	GuildID        string
	VoiceChannelID string // Requester's voice channel, empty if not in one
	TextChannelID  string
	Query          string
	Requester      track.Requester
}

// Result reports what happened to a play request.
type Result struct {
	Admitted int
	Rejected int
	Filtered []filter.Rejection
	Titles   []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithFilters sets the admission filter chain shared by all channels.
func WithFilters(chain *filter.Chain) Option {
	return func(m *Manager) { m.filters = chain }
}

// WithAutoplay sets the autoplay source.
func WithAutoplay(src AutoplaySource) Option {
	return func(m *Manager) { m.autoplay = src }
}

// WithNotifier sets the notification manager events are forwarded to.
func WithNotifier(n *notification.Manager) Option {
	return func(m *Manager) { m.notifier = n }
}

type channelState struct {
	guildID string
	ctrl    *playback.Controller

	// life is held shared while connecting and exclusively while retiring,
	// so a channel is never torn down under a fresh connection.
	life    sync.RWMutex
	retired bool

	mu            sync.Mutex
	textChannelID string
	autoplay      bool

	// event loop only
	misses int
}

func (c *channelState) textChannel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.textChannelID
}

func (c *channelState) setTextChannel(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.textChannelID = id
}

func (c *channelState) autoplayEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoplay
}

func (c *channelState) setAutoplay(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoplay = on
}

// Manager owns the per-guild controllers.
type Manager struct {
	config     Config
	transports TransportFactory
	resolver   Resolver
	filters    *filter.Chain
	autoplay   AutoplaySource
	notifier   *notification.Manager

	mu            sync.Mutex
	channels      map[string]*channelState
	autoplayPrefs map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(config Config, transports TransportFactory, resolver Resolver, opts ...Option) *Manager {
	config.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:        config,
		transports:    transports,
		resolver:      resolver,
		channels:      make(map[string]*channelState),
		autoplayPrefs: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.notifier == nil {
		m.notifier = notification.NewManager()
	}
	return m
}

// Notifier returns the notification manager.
func (m *Manager) Notifier() *notification.Manager {
	return m.notifier
}

// Enqueue joins the requester's voice channel if needed, expands the query
// and queues the result. Playback starts when the channel is idle.
func (m *Manager) Enqueue(ctx context.Context, req Request) (Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Result{}, ErrEmptyQuery
	}
	if req.VoiceChannelID == "" {
		return Result{}, ErrNotInVoice
	}

	ch, err := m.connect(ctx, req.GuildID, req.VoiceChannelID)
	if err != nil {
		return Result{}, err
	}
	ch.setTextChannel(req.TextChannelID)

	refs, err := m.resolver.Expand(ctx, query, req.Requester, m.config.ExpandLimit)
	if err != nil {
		return Result{}, err
	}
	if len(refs) == 0 {
		return Result{}, ErrNoResults
	}

	res := ch.ctrl.Enqueue(ctx, refs)
	out := Result{
		Admitted: res.Admitted,
		Rejected: res.Rejected,
		Filtered: res.Filtered,
		Titles:   res.Titles,
	}
	zlog.Info().Msgf("session: enqueued: guild=%s user=%s query=%q admitted=%d rejected=%d filtered=%d",
		req.GuildID, req.Requester.ID, query, res.Admitted, res.Rejected, len(res.Filtered))

	if res.Admitted == 0 && res.Rejected > 0 {
		return out, playerr.ErrQueueFull
	}
	return out, nil
}

// connect returns the guild's channel with a live session.
func (m *Manager) connect(ctx context.Context, guildID, voiceChannelID string) (*channelState, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ch, created := m.getOrCreate(guildID)

		ch.life.RLock()
		if ch.retired {
			ch.life.RUnlock()
			continue
		}
		err := ch.ctrl.Connect(ctx, voiceChannelID)
		ch.life.RUnlock()

		if err == nil {
			return ch, nil
		}
		if errors.Is(err, playback.ErrClosed) {
			// torn down between lookup and connect
			continue
		}
		if created {
			m.remove(ch)
		}
		return nil, err
	}
	return nil, playback.ErrClosed
}

func (m *Manager) lookup(guildID string) *channelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[guildID]
}

func (m *Manager) getOrCreate(guildID string) (*channelState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[guildID]; ok {
		return ch, false
	}

	autoplay := m.config.Autoplay
	if pref, ok := m.autoplayPrefs[guildID]; ok {
		autoplay = pref
	}
	ch := &channelState{
		guildID:  guildID,
		ctrl:     playback.NewController(guildID, m.config.Playback, m.transports(guildID), m.resolver, playback.WithFilters(m.filters)),
		autoplay: autoplay,
	}
	m.channels[guildID] = ch
	metrics.SetActiveChannels(len(m.channels))

	m.wg.Add(1)
	go m.watch(ch)

	zlog.Debug().Msgf("session: channel created: guild=%s", guildID)
	return ch, true
}

// remove forgets ch and closes its controller, unless it was connected
// again since it went away.
func (m *Manager) remove(ch *channelState) {
	ch.life.Lock()
	if ch.retired || ch.ctrl.Connected() {
		ch.life.Unlock()
		return
	}
	ch.retired = true
	m.mu.Lock()
	if m.channels[ch.guildID] == ch {
		delete(m.channels, ch.guildID)
	}
	metrics.SetActiveChannels(len(m.channels))
	m.mu.Unlock()
	ch.life.Unlock()

	ch.ctrl.Close()
	zlog.Debug().Msgf("session: channel removed: guild=%s", ch.guildID)
}

// watch runs the channel's event loop, restarting it after a panic.
func (m *Manager) watch(ch *channelState) {
	defer m.wg.Done()
	for !m.watchOnce(ch) {
		zlog.Info().Msgf("session: restarting event loop: guild=%s", ch.guildID)
	}
}

func (m *Manager) watchOnce(ch *channelState) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("session: event loop panicked: guild=%s panic=%v", ch.guildID, r)
			done = false
		}
	}()

	for {
		select {
		case <-m.ctx.Done():
			return true
		case <-ch.ctrl.Done():
			return true
		case e := <-ch.ctrl.Events():
			m.handleEvent(ch, e)
		}
	}
}

func (m *Manager) handleEvent(ch *channelState, e playback.Event) {
	zlog.Debug().Msgf("session: playback event: guild=%s type=%s state=%s", ch.guildID, e.Type, e.State)

	m.notify(ch, e)

	switch e.Type {
	case playback.EventTrackStarted:
		ch.misses = 0
	case playback.EventQueueEmpty:
		m.refill(ch)
	case playback.EventDisconnected:
		m.remove(ch)
	}
}

func (m *Manager) notify(ch *channelState, e playback.Event) {
	n := &notification.Notification{
		ChannelID:     e.ChannelID,
		TextChannelID: ch.textChannel(),
		Type:          e.Type.String(),
		At:            e.At,
	}
	if e.Track != nil {
		n.Title = e.Track.Title()
		n.Requester = e.Track.Requester.Name
	}
	switch {
	case e.Err != nil:
		n.Detail = e.Err.Error()
	case e.Reason != "":
		n.Detail = e.Reason
	case e.Type == playback.EventStateChanged:
		n.Detail = e.State.String()
	}
	m.notifier.Broadcast(n)
}

// refill queues autoplay picks on an empty, connected channel.
func (m *Manager) refill(ch *channelState) {
	if m.autoplay == nil || !ch.autoplayEnabled() || !ch.ctrl.Connected() {
		return
	}
	if ch.misses >= maxAutoplayMisses {
		zlog.Warn().Msgf("session: autoplay gave up after repeated misses: guild=%s", ch.guildID)
		return
	}
	ch.misses++

	snap := ch.ctrl.Snapshot()
	if snap.Current != nil || snap.PendingCount > 0 {
		return
	}
	exclude := make(map[string]bool, len(snap.History))
	for _, ref := range snap.History {
		exclude[ref.Key()] = true
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.AutoplayTimeout)
	defer cancel()

	refs, err := m.autoplay.Candidates(ctx, m.config.AutoplayCount, ch.ctrl.LastPlayed(), exclude)
	if err != nil {
		zlog.Warn().Msgf("session: autoplay failed: guild=%s err=%v", ch.guildID, err)
		return
	}
	if len(refs) == 0 {
		zlog.Info().Msgf("session: no autoplay candidates: guild=%s", ch.guildID)
		return
	}

	res := ch.ctrl.Enqueue(ctx, refs)
	zlog.Info().Msgf("session: autoplay queued: guild=%s admitted=%d", ch.guildID, res.Admitted)
}

// Skip skips the current track.
func (m *Manager) Skip(guildID string) (*track.Reference, error) {
	ch := m.lookup(guildID)
	if ch == nil {
		return nil, playerr.ErrNothingPlaying
	}
	return ch.ctrl.Skip()
}

// Pause pauses the current track.
func (m *Manager) Pause(guildID string) error {
	ch := m.lookup(guildID)
	if ch == nil {
		return playerr.ErrNothingPlaying
	}
	return ch.ctrl.Pause()
}

// Resume resumes a paused track.
func (m *Manager) Resume(guildID string) error {
	ch := m.lookup(guildID)
	if ch == nil {
		return playerr.ErrNothingPlaying
	}
	return ch.ctrl.Resume()
}

// PauseOrResume toggles pause and returns the new state.
func (m *Manager) PauseOrResume(guildID string) (playback.State, error) {
	ch := m.lookup(guildID)
	if ch == nil {
		return playback.StateIdle, playerr.ErrNothingPlaying
	}
	return ch.ctrl.PauseOrResume()
}

// Stop stops playback and leaves the voice channel.
func (m *Manager) Stop(ctx context.Context, guildID string) error {
	ch := m.lookup(guildID)
	if ch == nil {
		return playerr.ErrNotConnected
	}
	return ch.ctrl.Stop(ctx)
}

// Shuffle shuffles the pending entries.
func (m *Manager) Shuffle(guildID string) error {
	ch := m.lookup(guildID)
	if ch == nil {
		return playerr.ErrNotEnoughTracks
	}
	return ch.ctrl.Shuffle()
}

// Clear drops the pending entries and returns how many were removed.
func (m *Manager) Clear(guildID string) int {
	ch := m.lookup(guildID)
	if ch == nil {
		return 0
	}
	return ch.ctrl.Clear()
}

// Snapshot returns the state of one guild.
func (m *Manager) Snapshot(guildID string) (playback.Snapshot, bool) {
	ch := m.lookup(guildID)
	if ch == nil {
		return playback.Snapshot{}, false
	}
	return ch.ctrl.Snapshot(), true
}

// Snapshots returns the state of every active guild, ordered by ID.
func (m *Manager) Snapshots() []playback.Snapshot {
	m.mu.Lock()
	chans := make([]*channelState, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	out := make([]playback.Snapshot, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.ctrl.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// SetAutoplay turns autoplay on or off for a guild.
func (m *Manager) SetAutoplay(guildID string, on bool) {
	m.mu.Lock()
	m.autoplayPrefs[guildID] = on
	ch := m.channels[guildID]
	m.mu.Unlock()

	if ch != nil {
		ch.setAutoplay(on)
	}
	zlog.Info().Msgf("session: autoplay set: guild=%s enabled=%t", guildID, on)
}

// Autoplay reports whether autoplay is on for a guild.
func (m *Manager) Autoplay(guildID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pref, ok := m.autoplayPrefs[guildID]; ok {
		return pref
	}
	return m.config.Autoplay
}

// OccupancyChanged reports the number of humans sharing the guild's voice
// channel with the bot.
func (m *Manager) OccupancyChanged(guildID string, humans int) {
	if ch := m.lookup(guildID); ch != nil {
		ch.ctrl.OccupancyChanged(humans)
	}
}

// VoiceChannel returns the voice channel the bot is in for a guild.
func (m *Manager) VoiceChannel(guildID string) string {
	ch := m.lookup(guildID)
	if ch == nil {
		return ""
	}
	return ch.ctrl.Snapshot().VoiceChannelID
}

// Close disconnects every channel and stops the event loops.
func (m *Manager) Close() {
	m.mu.Lock()
	chans := make([]*channelState, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.channels = make(map[string]*channelState)
	metrics.SetActiveChannels(0)
	m.mu.Unlock()

	for _, ch := range chans {
		ch.ctrl.Close()
	}
	m.cancel()
	m.wg.Wait()
}
