package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voicebox/internal/app/notification"
	"github.com/osa030/voicebox/internal/app/playback"
	"github.com/osa030/voicebox/internal/app/queue"
	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/domain/track"
)

type fakeSession struct {
	mu         sync.Mutex
	onFinished func(error)
}

func (s *fakeSession) Play(ctx context.Context, streamURL string, onFinished func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinished = onFinished
	return nil
}

func (s *fakeSession) end() {
	s.mu.Lock()
	fn := s.onFinished
	s.onFinished = nil
	s.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

func (s *fakeSession) Pause() error                         { return nil }
func (s *fakeSession) Resume() error                        { return nil }
func (s *fakeSession) Stop() error                          { s.end(); return nil }
func (s *fakeSession) Disconnect(ctx context.Context) error { return nil }
func (s *fakeSession) IsPlaying() bool                      { return true }
func (s *fakeSession) IsPaused() bool                       { return false }

type fakeTransport struct {
	mu      sync.Mutex
	fail    bool
	session *fakeSession
}

func (t *fakeTransport) Connect(ctx context.Context, voiceChannelID string) (playback.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return nil, errors.New("voice gateway down")
	}
	t.session = &fakeSession{}
	return t.session, nil
}

func (t *fakeTransport) current() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// fakeResolver expands "a,b,c" into three references.
type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, ref *track.Reference) (track.Metadata, error) {
	return track.Metadata{Title: ref.DisplayTitle, StreamURL: "stream://" + ref.DisplayTitle}, nil
}

func (fakeResolver) Prefetch(ref *track.Reference) {}

func (fakeResolver) ForgetStream(md track.Metadata) {}

func (fakeResolver) Expand(ctx context.Context, input string, requester track.Requester, limit int) ([]*track.Reference, error) {
	if input == "nothing" {
		return nil, nil
	}
	var out []*track.Reference
	for _, name := range strings.Split(input, ",") {
		out = append(out, track.NewReference(track.Locator{URL: "https://youtu.be/" + name}, name, requester, time.Now()))
	}
	return out, nil
}

type stubAutoplay struct {
	mu    sync.Mutex
	calls int
	names []string
}

func (s *stubAutoplay) Candidates(ctx context.Context, count int, seed *track.Reference, exclude map[string]bool) ([]*track.Reference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	var out []*track.Reference
	for _, name := range s.names {
		ref := track.NewReference(track.Locator{URL: "https://youtu.be/" + name}, name,
			track.Requester{ID: "autoplay", Name: "Radio", Type: track.RequesterTypeAutoplay}, time.Now())
		if !exclude[ref.Key()] {
			out = append(out, ref)
		}
	}
	s.names = nil
	return out, nil
}

type recorder struct {
	mu  sync.Mutex
	got []notification.Notification
}

func (r *recorder) Send(n *notification.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, *n)
	return nil
}

// started returns the titles of TRACK_STARTED notifications.
func (r *recorder) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.got {
		if n.Type == playback.EventTrackStarted.String() {
			out = append(out, n.Title)
		}
	}
	return out
}

func newTestManager(t *testing.T, tr *fakeTransport, config Config, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	if config.Playback.Queue.MaxQueueSize == 0 {
		config.Playback.Queue = queue.Config{MaxQueueSize: 50, MaxBatchSize: 50}
	}
	config.Playback.ConnectBackoff = time.Millisecond
	m := NewManager(config, func(string) playback.Transport { return tr }, fakeResolver{}, opts...)
	rec := &recorder{}
	m.Notifier().Subscribe(rec)
	t.Cleanup(m.Close)
	return m, rec
}

func request(query string) Request {
	return Request{
		GuildID:        "g1",
		VoiceChannelID: "v1",
		TextChannelID:  "t1",
		Query:          query,
		Requester:      track.Requester{ID: "u1", Name: "alice", Type: track.RequesterTypeUser},
	}
}

func TestManager_EnqueueValidation(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, Config{})

	_, err := m.Enqueue(context.Background(), request("   "))
	assert.ErrorIs(t, err, ErrEmptyQuery)

	req := request("a")
	req.VoiceChannelID = ""
	_, err = m.Enqueue(context.Background(), req)
	assert.ErrorIs(t, err, ErrNotInVoice)

	_, err = m.Enqueue(context.Background(), request("nothing"))
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestManager_EnqueueAndPlay(t *testing.T) {
	tr := &fakeTransport{}
	m, rec := newTestManager(t, tr, Config{})

	res, err := m.Enqueue(context.Background(), request("a,b,c"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Admitted)
	assert.Equal(t, []string{"a", "b", "c"}, res.Titles)

	require.Eventually(t, func() bool { return len(rec.started()) == 1 }, 2*time.Second, 5*time.Millisecond)
	snap, ok := m.Snapshot("g1")
	require.True(t, ok)
	assert.Equal(t, "a", snap.Current.Title())
	assert.Equal(t, "v1", m.VoiceChannel("g1"))

	rec.mu.Lock()
	assert.Equal(t, "t1", rec.got[len(rec.got)-1].TextChannelID)
	rec.mu.Unlock()

	tr.current().end()
	require.Eventually(t, func() bool { return len(rec.started()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, rec.started())
}

func TestManager_UnknownGuild(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, Config{})

	_, err := m.Skip("nope")
	assert.ErrorIs(t, err, playerr.ErrNothingPlaying)
	assert.ErrorIs(t, m.Pause("nope"), playerr.ErrNothingPlaying)
	assert.ErrorIs(t, m.Resume("nope"), playerr.ErrNothingPlaying)
	_, err = m.PauseOrResume("nope")
	assert.ErrorIs(t, err, playerr.ErrNothingPlaying)
	assert.ErrorIs(t, m.Stop(context.Background(), "nope"), playerr.ErrNotConnected)
	assert.ErrorIs(t, m.Shuffle("nope"), playerr.ErrNotEnoughTracks)
	assert.Zero(t, m.Clear("nope"))
	_, ok := m.Snapshot("nope")
	assert.False(t, ok)
	assert.Empty(t, m.Snapshots())
}

func TestManager_ConnectFailureRemovesChannel(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{fail: true}, Config{})

	_, err := m.Enqueue(context.Background(), request("a"))
	var ce *playerr.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Empty(t, m.Snapshots())
}

func TestManager_StopTearsDown(t *testing.T) {
	m, rec := newTestManager(t, &fakeTransport{}, Config{})

	_, err := m.Enqueue(context.Background(), request("a,b"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.started()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background(), "g1"))
	require.Eventually(t, func() bool { return len(m.Snapshots()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Stop(context.Background(), "g1"), playerr.ErrNotConnected)

	// a new request builds a fresh channel
	_, err = m.Enqueue(context.Background(), request("c"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.started()) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_PlayRightAfterStop(t *testing.T) {
	m, rec := newTestManager(t, &fakeTransport{}, Config{})
	// a slow subscriber delays the handling of the stop
	m.Notifier().Subscribe(notification.StreamFunc(func(*notification.Notification) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}))

	_, err := m.Enqueue(context.Background(), request("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.started()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background(), "g1"))
	res, err := m.Enqueue(context.Background(), request("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Admitted)

	require.Eventually(t, func() bool { return len(rec.started()) == 2 }, 3*time.Second, 5*time.Millisecond)
	// let the disconnect of the first session be handled
	time.Sleep(300 * time.Millisecond)

	snaps := m.Snapshots()
	require.Len(t, snaps, 1)
	require.NotNil(t, snaps[0].Current)
	assert.Equal(t, "b", snaps[0].Current.Title())
	assert.Equal(t, "v1", m.VoiceChannel("g1"))
	_, err = m.Skip("g1")
	assert.NoError(t, err)
}

func TestManager_QueueFull(t *testing.T) {
	m, _ := newTestManager(t, &fakeTransport{}, Config{
		Playback: playback.Config{Queue: queue.Config{MaxQueueSize: 3, MaxBatchSize: 3}},
	})

	res, err := m.Enqueue(context.Background(), request("a,b,c,d,e"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Admitted)
	assert.Equal(t, 2, res.Rejected)

	// "a" moved to current, so only one slot is free
	require.Eventually(t, func() bool {
		snap, _ := m.Snapshot("g1")
		return snap.Current != nil
	}, 2*time.Second, 5*time.Millisecond)

	res, err = m.Enqueue(context.Background(), request("f,g"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Admitted)

	res, err = m.Enqueue(context.Background(), request("h"))
	assert.ErrorIs(t, err, playerr.ErrQueueFull)
	assert.Equal(t, 1, res.Rejected)
}

func TestManager_Autoplay(t *testing.T) {
	tr := &fakeTransport{}
	ap := &stubAutoplay{names: []string{"a", "radio1"}}
	m, rec := newTestManager(t, tr, Config{}, WithAutoplay(ap))

	assert.False(t, m.Autoplay("g1"))
	m.SetAutoplay("g1", true)
	assert.True(t, m.Autoplay("g1"))

	_, err := m.Enqueue(context.Background(), request("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.started()) == 1 }, 2*time.Second, 5*time.Millisecond)

	tr.current().end()

	// "a" is in the history and excluded from the refill
	require.Eventually(t, func() bool { return len(rec.started()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "radio1"}, rec.started())

	snap, _ := m.Snapshot("g1")
	assert.Equal(t, track.RequesterTypeAutoplay, snap.Current.Requester.Type)
}

func TestManager_AutoplayDisabled(t *testing.T) {
	tr := &fakeTransport{}
	ap := &stubAutoplay{names: []string{"radio1"}}
	m, rec := newTestManager(t, tr, Config{}, WithAutoplay(ap))

	_, err := m.Enqueue(context.Background(), request("a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.started()) == 1 }, 2*time.Second, 5*time.Millisecond)

	tr.current().end()
	time.Sleep(50 * time.Millisecond)

	ap.mu.Lock()
	defer ap.mu.Unlock()
	assert.Zero(t, ap.calls)
}
