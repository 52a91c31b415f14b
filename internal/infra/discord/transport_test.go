package discord

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo/voice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/infra/audio"
)

type fakeConn struct {
	mu       sync.Mutex
	provider voice.OpusFrameProvider
	speaking []voice.SpeakingFlags
	closed   bool
}

func (c *fakeConn) SetOpusFrameProvider(p voice.OpusFrameProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = p
}

func (c *fakeConn) SetSpeaking(ctx context.Context, flags voice.SpeakingFlags) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speaking = append(c.speaking, flags)
	return nil
}

func (c *fakeConn) Close(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// drain reads frames like the voice sender until EOF.
func (c *fakeConn) drain(t *testing.T) [][]byte {
	t.Helper()
	c.mu.Lock()
	p := c.provider
	c.mu.Unlock()
	require.NotNil(t, p)

	var frames [][]byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f, err := p.ProvideOpusFrame()
		if errors.Is(err, io.EOF) {
			return frames
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
	t.Fatal("provider never reached EOF")
	return nil
}

func finishedChan() (func(error), <-chan error) {
	ch := make(chan error, 1)
	return func(err error) { ch <- err }, ch
}

func waitFinished(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("onFinished was not called")
		return nil
	}
}

func TestVoiceSession_PlaysToEnd(t *testing.T) {
	conn := &fakeConn{}
	s := newVoiceSession(conn, func(ctx context.Context, input string, p *audio.Provider) error {
		defer p.End()
		for _, f := range [][]byte{{1}, {2}, {3}} {
			if !p.Push(ctx, f) {
				return ctx.Err()
			}
		}
		return nil
	})

	onFinished, done := finishedChan()
	require.NoError(t, s.Play(context.Background(), "stream://a", onFinished))
	assert.True(t, s.IsPlaying())

	assert.Equal(t, [][]byte{{1}, {2}, {3}}, conn.drain(t))
	assert.NoError(t, waitFinished(t, done))
	assert.False(t, s.IsPlaying())

	conn.mu.Lock()
	assert.Equal(t, []voice.SpeakingFlags{voice.SpeakingFlagMicrophone, 0}, conn.speaking)
	conn.mu.Unlock()
}

func TestVoiceSession_StreamError(t *testing.T) {
	boom := errors.New("decoder failed")

	t.Run("before the first frame", func(t *testing.T) {
		conn := &fakeConn{}
		s := newVoiceSession(conn, func(ctx context.Context, input string, p *audio.Provider) error {
			p.End()
			return errors.Wrap(boom, "ffmpeg: 403 Forbidden")
		})

		called := make(chan error, 1)
		err := s.Play(context.Background(), "stream://a", func(err error) { called <- err })
		assert.ErrorIs(t, err, boom)
		assert.False(t, s.IsPlaying())

		select {
		case <-called:
			t.Fatal("onFinished must not be called when Play fails")
		case <-time.After(50 * time.Millisecond):
		}

		conn.mu.Lock()
		assert.Equal(t, []voice.SpeakingFlags{voice.SpeakingFlagMicrophone, 0}, conn.speaking)
		conn.mu.Unlock()
	})

	t.Run("after audio started", func(t *testing.T) {
		conn := &fakeConn{}
		s := newVoiceSession(conn, func(ctx context.Context, input string, p *audio.Provider) error {
			p.Push(ctx, []byte{1})
			p.End()
			return boom
		})

		onFinished, done := finishedChan()
		require.NoError(t, s.Play(context.Background(), "stream://a", onFinished))
		assert.ErrorIs(t, waitFinished(t, done), boom)
	})
}

func TestVoiceSession_StartTimeout(t *testing.T) {
	conn := &fakeConn{}
	s := newVoiceSession(conn, func(ctx context.Context, input string, p *audio.Provider) error {
		<-ctx.Done()
		return ctx.Err()
	})
	s.startTimeout = 30 * time.Millisecond

	called := make(chan error, 1)
	err := s.Play(context.Background(), "stream://a", func(err error) { called <- err })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-called:
		t.Fatal("onFinished must not be called when Play fails")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, s.IsPlaying())
}

func TestVoiceSession_StopAndPause(t *testing.T) {
	conn := &fakeConn{}
	s := newVoiceSession(conn, blockingStream)

	assert.ErrorIs(t, s.Pause(), playerr.ErrNothingPlaying)
	assert.ErrorIs(t, s.Resume(), playerr.ErrNothingPlaying)

	onFinished, done := finishedChan()
	require.NoError(t, s.Play(context.Background(), "stream://a", onFinished))

	require.NoError(t, s.Pause())
	assert.True(t, s.IsPaused())
	assert.False(t, s.IsPlaying())
	require.NoError(t, s.Resume())
	assert.True(t, s.IsPlaying())

	require.NoError(t, s.Stop())
	assert.NoError(t, waitFinished(t, done))
	assert.False(t, s.IsPlaying())
}

func TestVoiceSession_Disconnect(t *testing.T) {
	conn := &fakeConn{}
	s := newVoiceSession(conn, blockingStream)

	onFinished, done := finishedChan()
	require.NoError(t, s.Play(context.Background(), "stream://a", onFinished))

	require.NoError(t, s.Disconnect(context.Background()))
	assert.NoError(t, waitFinished(t, done))

	conn.mu.Lock()
	assert.True(t, conn.closed)
	assert.Nil(t, conn.provider)
	conn.mu.Unlock()

	assert.ErrorIs(t, s.Play(context.Background(), "stream://b", func(error) {}), playerr.ErrNotConnected)
	require.NoError(t, s.Disconnect(context.Background()))
}
