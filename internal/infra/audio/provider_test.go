package audio

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_DeliversThenEOF(t *testing.T) {
	p := NewProvider(4)
	ctx := context.Background()

	require.True(t, p.Push(ctx, []byte{1}))
	require.True(t, p.Push(ctx, []byte{2}))
	p.End()

	f, err := p.ProvideOpusFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, f)

	f, err = p.ProvideOpusFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, f)

	_, err = p.ProvideOpusFrame()
	assert.ErrorIs(t, err, io.EOF)

	select {
	case <-p.Drained():
	default:
		t.Fatal("provider should be drained")
	}
}

func TestProvider_SilenceWhenEmpty(t *testing.T) {
	p := NewProvider(1)

	f, err := p.ProvideOpusFrame()
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestProvider_PauseHoldsFrames(t *testing.T) {
	p := NewProvider(2)
	require.True(t, p.Push(context.Background(), []byte{9}))

	p.Pause()
	assert.True(t, p.Paused())
	f, err := p.ProvideOpusFrame()
	assert.NoError(t, err)
	assert.Nil(t, f)

	p.Resume()
	f, err = p.ProvideOpusFrame()
	assert.NoError(t, err)
	assert.Equal(t, []byte{9}, f)
}

func TestProvider_StopUnblocksPush(t *testing.T) {
	p := NewProvider(1)
	ctx := context.Background()
	require.True(t, p.Push(ctx, []byte{1}))

	done := make(chan bool)
	go func() { done <- p.Push(ctx, []byte{2}) }()

	p.Stop()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Push did not return after Stop")
	}

	_, err := p.ProvideOpusFrame()
	assert.ErrorIs(t, err, io.EOF)
	<-p.Drained()

	// End after Stop must not block
	p.End()
}

func TestProvider_PushHonoursContext(t *testing.T) {
	p := NewProvider(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, p.Push(ctx, []byte{1}))
	cancel()
	assert.False(t, p.Push(ctx, []byte{2}))
}

func TestProvider_Started(t *testing.T) {
	p := NewProvider(2)

	// nil frames are not audio
	require.True(t, p.Push(context.Background(), nil))
	select {
	case <-p.Started():
		t.Fatal("provider started without a frame")
	default:
	}

	require.True(t, p.Push(context.Background(), []byte{1}))
	select {
	case <-p.Started():
	default:
		t.Fatal("provider should be started")
	}
	require.True(t, p.Push(context.Background(), []byte{2}))
}
