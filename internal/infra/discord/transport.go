package discord

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/voicebox/internal/app/playback"
	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/infra/audio"
)

const (
	// frameBuffer is the number of Opus frames buffered ahead (20ms each).
	frameBuffer = 150
	// startTimeout bounds how long Play waits for the first frame.
	startTimeout = 20 * time.Second
)

// StreamFunc transcodes input into p until the input ends or ctx is done.
type StreamFunc func(ctx context.Context, input string, p *audio.Provider) error

// voiceConn is the part of voice.Conn a session drives.
type voiceConn interface {
	SetOpusFrameProvider(p voice.OpusFrameProvider)
	SetSpeaking(ctx context.Context, flags voice.SpeakingFlags) error
	Close(ctx context.Context)
}

// transport joins voice channels of one guild.
type transport struct {
	client  *bot.Client
	guildID snowflake.ID
	stream  StreamFunc
}

// Connect opens a voice connection to voiceChannelID.
func (t *transport) Connect(ctx context.Context, voiceChannelID string) (playback.Session, error) {
	channelID, err := snowflake.Parse(voiceChannelID)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid voice channel id %q", voiceChannelID)
	}

	conn := t.client.VoiceManager.CreateConn(t.guildID)
	if err := conn.Open(ctx, channelID, false, false); err != nil {
		conn.Close(ctx)
		return nil, errors.Wrapf(err, "failed to open voice connection: guild=%s channel=%s", t.guildID, channelID)
	}
	zlog.Info().Msgf("discord: voice connected: guild=%s channel=%s", t.guildID, channelID)
	return newVoiceSession(conn, t.stream), nil
}

// stream is one playing track.
type stream struct {
	provider *audio.Provider
	cancel   context.CancelFunc
	stopped  atomic.Bool
	// claimed is set by whoever reports the outcome: Play on a start
	// timeout, otherwise watch through onFinished.
	claimed atomic.Bool
	// ran is closed when the transcoder returned. startErr is set before
	// that when it failed without producing audio.
	ran      chan struct{}
	startErr error
}

// voiceSession plays one stream at a time on a voice connection.
type voiceSession struct {
	conn         voiceConn
	run          StreamFunc
	startTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc

	mu      sync.Mutex
	current *stream
	closed  bool
}

func newVoiceSession(conn voiceConn, run StreamFunc) *voiceSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &voiceSession{
		conn:         conn,
		run:          run,
		startTimeout: startTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Play starts streaming streamURL, replacing any current stream. It returns
// once the first frame is buffered. An input that fails before that is
// reported by the returned error and onFinished is not called.
func (s *voiceSession) Play(ctx context.Context, streamURL string, onFinished func(error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return playerr.ErrNotConnected
	}
	s.stopLocked()

	streamCtx, cancel := context.WithCancel(s.ctx)
	st := &stream{
		provider: audio.NewProvider(frameBuffer),
		cancel:   cancel,
		ran:      make(chan struct{}),
	}
	s.current = st
	s.conn.SetOpusFrameProvider(st.provider)
	if err := s.conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone); err != nil {
		zlog.Warn().Msgf("discord: set speaking failed: err=%v", err)
	}
	go s.watch(streamCtx, st, streamURL, onFinished)
	s.mu.Unlock()

	waitCtx, waitCancel := context.WithTimeout(ctx, s.startTimeout)
	defer waitCancel()

	select {
	case <-st.provider.Started():
		return nil
	case <-st.ran:
		if st.startErr != nil {
			return errors.Wrap(st.startErr, "stream failed to start")
		}
		return nil
	case <-waitCtx.Done():
		if !st.claimed.CompareAndSwap(false, true) {
			// watch already reported the end
			return nil
		}
		s.mu.Lock()
		if s.current == st {
			s.stopLocked()
		}
		s.mu.Unlock()
		return errors.Wrap(waitCtx.Err(), "stream did not start")
	}
}

// watch runs the transcoder and reports the end of the stream once.
func (s *voiceSession) watch(ctx context.Context, st *stream, streamURL string, onFinished func(error)) {
	err := s.run(ctx, streamURL, st.provider)
	if st.stopped.Load() || ctx.Err() != nil {
		err = nil
	}

	started := false
	select {
	case <-st.provider.Started():
		started = true
	default:
	}
	if err != nil && !started {
		st.startErr = err
		st.cancel()
		s.release(st)
		close(st.ran)
		return
	}
	close(st.ran)

	if err == nil {
		select {
		case <-st.provider.Drained():
		case <-ctx.Done():
		}
	}
	st.cancel()
	s.release(st)

	if st.claimed.CompareAndSwap(false, true) {
		onFinished(err)
	}
}

// release drops st as the current stream.
func (s *voiceSession) release(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != st {
		return
	}
	s.current = nil
	if !s.closed {
		if err := s.conn.SetSpeaking(context.Background(), 0); err != nil {
			zlog.Debug().Msgf("discord: clear speaking failed: err=%v", err)
		}
	}
}

// Pause holds the current stream, sending silence.
func (s *voiceSession) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return playerr.ErrNothingPlaying
	}
	s.current.provider.Pause()
	return nil
}

// Resume continues the current stream.
func (s *voiceSession) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return playerr.ErrNothingPlaying
	}
	s.current.provider.Resume()
	return nil
}

// Stop ends the current stream. onFinished still fires with a nil error.
func (s *voiceSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *voiceSession) stopLocked() {
	if s.current == nil {
		return
	}
	s.current.stopped.Store(true)
	s.current.provider.Stop()
	s.current.cancel()
}

// Disconnect stops playback and closes the voice connection.
func (s *voiceSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()

	s.cancel()
	s.conn.SetOpusFrameProvider(nil)
	s.conn.Close(ctx)
	return nil
}

// IsPlaying reports whether a stream is active and not paused.
func (s *voiceSession) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && !s.current.provider.Paused()
}

// IsPaused reports whether the current stream is paused.
func (s *voiceSession) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.provider.Paused()
}
