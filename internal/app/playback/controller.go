package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/app/filter"
	"github.com/osa030/voicebox/internal/app/queue"
	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/domain/track"
	"github.com/osa030/voicebox/internal/infra/metrics"
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("controller closed")

// Disconnect reasons.
const (
	ReasonStopped  = "stopped"
	ReasonAlone    = "alone"
	ReasonShutdown = "shutdown"
)

// Config holds controller configuration.
type Config struct {
	Queue           queue.Config
	ResolveTimeout  time.Duration // Per entry (default 30s)
	ConnectAttempts int           // Transport connect attempts (default 3)
	ConnectBackoff  time.Duration // First retry delay, doubled per attempt (default 500ms)
	AloneGrace      time.Duration // Time alone before disconnecting (default 60s)
	EventBuffer     int           // Event channel size (default 64)
}

func (c *Config) setDefaults() {
	if c.Queue.MaxQueueSize <= 0 {
		c.Queue.MaxQueueSize = 100
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = 30 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = 500 * time.Millisecond
	}
	if c.AloneGrace <= 0 {
		c.AloneGrace = 60 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
}

// EnqueueResult reports what happened to a batch.
type EnqueueResult struct {
	queue.Admission
	Filtered []filter.Rejection
	Titles   []string // Titles of the admitted entries
}

// Snapshot is a read-only view of a channel.
type Snapshot struct {
	queue.Snapshot
	ChannelID      string
	VoiceChannelID string
	State          State
	Resolving      *track.Reference
}

// inbox messages
type (
	finished struct {
		playID uint64
		err    error
	}
	aloneExpired struct{ gen uint64 }
	kick         struct{}
)

// Option configures a Controller.
type Option func(*Controller)

// WithFilters sets the admission filter chain.
func WithFilters(chain *filter.Chain) Option {
	return func(c *Controller) { c.filters = chain }
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller runs playback for one channel. Control flow is serialized by a
// single loop goroutine that receives completion callbacks and timers, and
// by a try-lock held for a whole advance cycle.
type Controller struct {
	channelID string
	config    Config
	transport Transport
	resolver  Resolver
	filters   *filter.Chain
	now       func() time.Time

	mu             sync.Mutex
	queue          *queue.Queue
	state          State
	session        Session
	voiceChannelID string
	connCtx        context.Context
	connCancel     context.CancelFunc
	resolving      *track.Reference
	playID         uint64
	autoPaused     bool
	aloneTimer     *time.Timer
	aloneGen       uint64

	advancing  sync.Mutex
	connecting sync.Mutex

	events    chan Event
	inbox     chan any
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewController creates a controller and starts its loop.
func NewController(channelID string, config Config, transport Transport, resolver Resolver, opts ...Option) *Controller {
	config.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		channelID: channelID,
		config:    config,
		transport: transport,
		resolver:  resolver,
		now:       time.Now,
		queue:     queue.New(config.Queue),
		state:     StateIdle,
		events:    make(chan Event, config.EventBuffer),
		inbox:     make(chan any, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.wg.Add(1)
	go c.loop()
	return c
}

// ChannelID returns the channel this controller serves.
func (c *Controller) ChannelID() string {
	return c.channelID
}

// Events returns the event channel.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Done is closed when the controller is closed.
func (c *Controller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a voice session exists.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Connect joins voiceChannelID. An existing session is kept as is.
// Transport failures are retried with exponential backoff and surface as
// a playerr.ConnectionError.
func (c *Controller) Connect(ctx context.Context, voiceChannelID string) error {
	c.connecting.Lock()
	defer c.connecting.Unlock()

	if c.ctx.Err() != nil {
		return ErrClosed
	}

	c.mu.Lock()
	if c.session != nil {
		if c.voiceChannelID != voiceChannelID {
			zlog.Debug().Msgf("playback: already connected elsewhere: channel=%s voice=%s requested=%s",
				c.channelID, c.voiceChannelID, voiceChannelID)
		}
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = StateConnecting
	c.mu.Unlock()

	sess, attempts, err := c.dial(ctx, voiceChannelID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = prev
		return &playerr.ConnectionError{ChannelID: voiceChannelID, Attempts: attempts, Err: err}
	}

	c.session = sess
	c.voiceChannelID = voiceChannelID
	c.connCtx, c.connCancel = context.WithCancel(c.ctx)
	c.state = StateIdle
	c.sendEventLocked(Event{Type: EventStateChanged, State: StateIdle})
	zlog.Info().Msgf("playback: connected: channel=%s voice=%s attempts=%d", c.channelID, voiceChannelID, attempts)

	if c.queue.Len() > 0 {
		c.kickLocked()
	}
	return nil
}

func (c *Controller) dial(ctx context.Context, voiceChannelID string) (Session, int, error) {
	var lastErr error
	for i := 0; i < c.config.ConnectAttempts; i++ {
		if i > 0 {
			delay := c.config.ConnectBackoff * time.Duration(1<<uint(i-1))
			select {
			case <-ctx.Done():
				return nil, i, ctx.Err()
			case <-c.ctx.Done():
				return nil, i, ErrClosed
			case <-time.After(delay):
			}
		}

		sess, err := c.transport.Connect(ctx, voiceChannelID)
		if err == nil {
			metrics.ConnectAttempt("success")
			return sess, i + 1, nil
		}
		lastErr = err
		metrics.ConnectAttempt("failure")
		zlog.Warn().Msgf("playback: connect failed: channel=%s voice=%s attempt=%d err=%v",
			c.channelID, voiceChannelID, i+1, err)
	}
	return nil, c.config.ConnectAttempts, lastErr
}

// Enqueue filters refs and appends the survivors, within the batch and
// capacity limits. Playback starts if the channel is idle.
func (c *Controller) Enqueue(ctx context.Context, refs []*track.Reference) EnqueueResult {
	c.mu.Lock()
	accepted, filtered := c.filters.Apply(ctx, refs, c.queue)
	adm := c.queue.EnqueueMany(accepted)

	titles := make([]string, 0, adm.Admitted)
	for _, ref := range accepted[:adm.Admitted] {
		titles = append(titles, ref.Title())
	}
	if adm.Admitted > 0 && c.session != nil && c.queue.Current() == nil {
		c.kickLocked()
	}
	c.mu.Unlock()

	metrics.Enqueued(adm.Admitted, adm.Rejected, len(filtered))
	return EnqueueResult{Admission: adm, Filtered: filtered, Titles: titles}
}

// Advance starts the next playable entry when nothing is current. Failing
// entries are dropped and the next one is tried, at most as many times as
// there were pending entries when the cycle began. It returns false when an
// advance for this channel is already running; that advance picks up any
// work left behind.
func (c *Controller) Advance() bool {
	if !c.advancing.TryLock() {
		zlog.Debug().Msgf("playback: advance already running: channel=%s", c.channelID)
		return false
	}
	for {
		c.cycle()

		// release the try-lock under mu so an Enqueue racing with the end of
		// the cycle either is seen here or can start its own advance
		c.mu.Lock()
		again := c.session != nil && c.queue.Current() == nil && c.queue.Len() > 0
		if !again {
			c.advancing.Unlock()
			c.mu.Unlock()
			return true
		}
		c.mu.Unlock()
	}
}

func (c *Controller) cycle() {
	c.mu.Lock()
	if c.session == nil || c.queue.Current() != nil {
		c.mu.Unlock()
		return
	}
	budget := c.queue.Len()
	c.mu.Unlock()

	for i := 0; i < budget; i++ {
		c.mu.Lock()
		sess, ctx := c.session, c.connCtx
		if sess == nil {
			c.mu.Unlock()
			return
		}
		ref, ok := c.queue.TakeNext()
		if !ok {
			c.mu.Unlock()
			break
		}
		ref.MarkResolving()
		c.resolving = ref
		c.state = StateResolving
		c.mu.Unlock()

		if c.start(ctx, sess, ref) {
			return
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.queue.Current() != nil {
		return
	}
	c.state = StateIdle
	if c.queue.Len() == 0 {
		c.sendEventLocked(Event{Type: EventQueueEmpty, State: StateIdle})
	}
}

// start resolves and plays ref. It reports whether the cycle is over,
// either because playback started or because the session went away.
func (c *Controller) start(ctx context.Context, sess Session, ref *track.Reference) bool {
	rctx, cancel := context.WithTimeout(ctx, c.config.ResolveTimeout)
	md, err := c.resolver.Resolve(rctx, ref)
	cancel()

	c.mu.Lock()
	c.resolving = nil
	if c.session != sess {
		c.mu.Unlock()
		return true
	}
	if err != nil {
		c.failLocked(ref, err)
		c.mu.Unlock()
		return false
	}

	ref.MarkResolved(md)
	c.playID++
	id := c.playID
	c.queue.SetCurrent(ref)
	c.state = StatePlaying
	c.autoPaused = false
	c.mu.Unlock()

	if err := sess.Play(ctx, md.StreamURL, c.finisher(id)); err != nil {
		// the cached address may be the reason
		c.resolver.ForgetStream(md)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.playID != id || c.queue.Current() != ref {
			return true
		}
		c.queue.DropCurrent()
		c.state = StateResolving
		c.failLocked(ref, &playerr.ExtractionError{Locator: md.SourcePageURL, Reason: "playback failed to start", Err: err})
		return false
	}

	c.mu.Lock()
	var next *track.Reference
	if c.playID == id && c.queue.Current() == ref {
		zlog.Info().Msgf("playback: started: channel=%s title=%s requester=%s",
			c.channelID, ref.Title(), ref.Requester.Name)
		c.sendEventLocked(Event{Type: EventTrackStarted, Track: ref.Clone(), State: c.state})
		if c.aloneTimer != nil {
			if err := c.pauseLocked(true); err != nil {
				zlog.Warn().Msgf("playback: auto pause failed: channel=%s err=%v", c.channelID, err)
			}
		}
		if n, ok := c.queue.Peek(); ok {
			next = n.Clone()
		}
	}
	c.mu.Unlock()

	if next != nil && c.resolver != nil {
		c.resolver.Prefetch(next)
	}
	return true
}

func (c *Controller) failLocked(ref *track.Reference, err error) {
	ref.MarkFailed(err)
	if playerr.IsExtraction(err) {
		zlog.Warn().Msgf("playback: dropping entry: channel=%s title=%s err=%v", c.channelID, ref.Title(), err)
	} else {
		zlog.Error().Msgf("playback: dropping entry: channel=%s title=%s err=%v", c.channelID, ref.Title(), err)
	}
	c.sendEventLocked(Event{Type: EventTrackFailed, Track: ref.Clone(), Err: err, State: c.state})
}

// finisher returns the completion callback for one play.
func (c *Controller) finisher(id uint64) func(error) {
	var once sync.Once
	return func(err error) {
		once.Do(func() { c.post(finished{playID: id, err: err}) })
	}
}

// Skip stops the current track; the completion callback advances.
func (c *Controller) Skip() (*track.Reference, error) {
	c.mu.Lock()
	cur, sess := c.queue.Current(), c.session
	if cur == nil || sess == nil {
		c.mu.Unlock()
		return nil, playerr.ErrNothingPlaying
	}
	skipped := cur.Clone()
	c.mu.Unlock()

	if err := sess.Stop(); err != nil {
		return nil, errors.Wrap(err, "stop stream")
	}
	zlog.Info().Msgf("playback: skipped: channel=%s title=%s", c.channelID, skipped.Title())
	return skipped, nil
}

// Pause pauses the current track.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseLocked(false)
}

// Resume resumes a paused track.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeLocked()
}

// PauseOrResume toggles between playing and paused and returns the new state.
func (c *Controller) PauseOrResume() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.state == StatePaused {
		err = c.resumeLocked()
	} else {
		err = c.pauseLocked(false)
	}
	return c.state, err
}

func (c *Controller) pauseLocked(auto bool) error {
	cur := c.queue.Current()
	if cur == nil || c.session == nil || c.state != StatePlaying {
		return playerr.ErrNothingPlaying
	}
	if err := c.session.Pause(); err != nil {
		return errors.Wrap(err, "pause")
	}
	c.state = StatePaused
	c.autoPaused = auto
	c.sendEventLocked(Event{Type: EventStateChanged, Track: cur.Clone(), State: StatePaused})
	return nil
}

func (c *Controller) resumeLocked() error {
	cur := c.queue.Current()
	if cur == nil || c.session == nil || c.state != StatePaused {
		return playerr.ErrNothingPlaying
	}
	if err := c.session.Resume(); err != nil {
		return errors.Wrap(err, "resume")
	}
	c.state = StatePlaying
	c.autoPaused = false
	c.sendEventLocked(Event{Type: EventStateChanged, Track: cur.Clone(), State: StatePlaying})
	return nil
}

// Stop stops playback, disconnects and clears the queue. Without a session
// it returns playerr.ErrNotConnected.
func (c *Controller) Stop(ctx context.Context) error {
	return c.stop(ctx, ReasonStopped)
}

func (c *Controller) stop(ctx context.Context, reason string) error {
	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return playerr.ErrNotConnected
	}
	c.session = nil
	c.voiceChannelID = ""
	c.playID++
	c.connCancel()
	c.cancelAloneLocked()
	c.autoPaused = false
	c.resolving = nil
	c.queue.Clear()
	c.state = StateDisconnected
	c.sendEventLocked(Event{Type: EventDisconnected, State: StateDisconnected, Reason: reason})
	c.mu.Unlock()

	if err := sess.Stop(); err != nil {
		zlog.Warn().Msgf("playback: stop stream failed: channel=%s err=%v", c.channelID, err)
	}
	if err := sess.Disconnect(ctx); err != nil {
		zlog.Warn().Msgf("playback: disconnect failed: channel=%s err=%v", c.channelID, err)
	}
	zlog.Info().Msgf("playback: disconnected: channel=%s reason=%s", c.channelID, reason)
	return nil
}

// OccupancyChanged reports how many humans share the voice channel with
// the bot. When nobody is left playback pauses and a grace timer starts;
// the channel is stopped if it expires. A returning human cancels the
// timer and resumes a pause made for this reason.
func (c *Controller) OccupancyChanged(humans int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}

	if humans <= 0 {
		if c.aloneTimer != nil {
			return
		}
		if c.state == StatePlaying {
			if err := c.pauseLocked(true); err != nil {
				zlog.Warn().Msgf("playback: auto pause failed: channel=%s err=%v", c.channelID, err)
			}
		}
		c.aloneGen++
		gen := c.aloneGen
		c.aloneTimer = time.AfterFunc(c.config.AloneGrace, func() {
			c.post(aloneExpired{gen: gen})
		})
		zlog.Info().Msgf("playback: alone in channel: channel=%s grace=%s", c.channelID, c.config.AloneGrace)
		return
	}

	c.cancelAloneLocked()
	if c.autoPaused && c.state == StatePaused {
		if err := c.resumeLocked(); err != nil {
			zlog.Warn().Msgf("playback: auto resume failed: channel=%s err=%v", c.channelID, err)
		}
	}
	c.autoPaused = false
}

func (c *Controller) cancelAloneLocked() {
	if c.aloneTimer != nil {
		c.aloneTimer.Stop()
		c.aloneTimer = nil
	}
	c.aloneGen++
}

// Shuffle shuffles the pending entries.
func (c *Controller) Shuffle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Shuffle()
}

// Clear drops every pending entry and returns how many were removed.
// The current track keeps playing.
func (c *Controller) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.ClearPending()
}

// Remove drops the pending entry at index.
func (c *Controller) Remove(index int) (*track.Reference, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Remove(index)
}

// LastPlayed returns a copy of the current track, or else the most recent
// history entry.
func (c *Controller) LastPlayed() *track.Reference {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.queue.Current(); cur != nil {
		return cur.Clone()
	}
	return c.queue.LastPlayed().Clone()
}

// Snapshot returns a copy of the channel state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Snapshot:       c.queue.Snapshot(),
		ChannelID:      c.channelID,
		VoiceChannelID: c.voiceChannelID,
		State:          c.state,
		Resolving:      c.resolving.Clone(),
	}
}

// Close disconnects if needed and stops the loop. It must not be called
// from an event handler running on the controller loop.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if err := c.stop(context.Background(), ReasonShutdown); err != nil && !errors.Is(err, playerr.ErrNotConnected) {
			zlog.Warn().Msgf("playback: close: channel=%s err=%v", c.channelID, err)
		}
		c.mu.Lock()
		c.cancelAloneLocked()
		c.mu.Unlock()
		c.cancel()
		c.wg.Wait()
	})
}

func (c *Controller) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.inbox:
			c.handle(m)
		}
	}
}

func (c *Controller) handle(m any) {
	switch m := m.(type) {
	case kick:
		c.Advance()

	case finished:
		c.mu.Lock()
		cur := c.queue.Current()
		if m.playID != c.playID || cur == nil {
			c.mu.Unlock()
			return
		}
		c.queue.SetCurrent(nil)
		c.state = StateIdle
		c.autoPaused = false
		if m.err != nil {
			zlog.Warn().Msgf("playback: stream ended with error: channel=%s title=%s err=%v", c.channelID, cur.Title(), m.err)
		}
		c.sendEventLocked(Event{Type: EventTrackEnded, Track: cur.Clone(), Err: m.err, State: StateIdle})
		c.mu.Unlock()
		c.Advance()

	case aloneExpired:
		c.mu.Lock()
		stale := m.gen != c.aloneGen || c.aloneTimer == nil
		if !stale {
			c.aloneTimer = nil
		}
		c.mu.Unlock()
		if stale {
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		defer cancel()
		if err := c.stop(ctx, ReasonAlone); err != nil && !errors.Is(err, playerr.ErrNotConnected) {
			zlog.Warn().Msgf("playback: auto disconnect failed: channel=%s err=%v", c.channelID, err)
		}
	}
}

// post delivers m to the loop.
func (c *Controller) post(m any) {
	select {
	case c.inbox <- m:
	case <-c.ctx.Done():
	}
}

// kickLocked asks the loop to advance. A full inbox already holds work that
// ends in an advance, so the request may be dropped.
func (c *Controller) kickLocked() {
	select {
	case c.inbox <- kick{}:
	default:
	}
}

// sendEventLocked sends an event without blocking.
// Must be called with mu held.
func (c *Controller) sendEventLocked(e Event) {
	e.ChannelID = c.channelID
	e.At = c.now()
	metrics.PlaybackEvent(e.Type.String())

	select {
	case c.events <- e:
	case <-c.ctx.Done():
	default:
		zlog.Warn().Msgf("playback: event dropped: channel=%s type=%s", c.channelID, e.Type)
	}
}
