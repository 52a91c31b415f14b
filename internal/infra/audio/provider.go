// Package audio buffers Opus frames for a voice connection.
package audio

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// silenceWait is how long ProvideOpusFrame waits before reporting silence.
const silenceWait = 100 * time.Millisecond

// Provider buffers encoded frames between a transcoder and a voice
// connection. It satisfies the disgo voice.OpusFrameProvider interface.
type Provider struct {
	frames  chan []byte
	started chan struct{}
	stopped chan struct{}
	drained chan struct{}
	paused  atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	drainOnce sync.Once
	endOnce   sync.Once
}

// NewProvider creates a provider buffering up to size frames.
func NewProvider(size int) *Provider {
	if size <= 0 {
		size = 100
	}
	return &Provider{
		frames:  make(chan []byte, size),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
		drained: make(chan struct{}),
	}
}

// Push blocks until frame is buffered. It returns false once the provider
// is stopped or ctx is done.
func (p *Provider) Push(ctx context.Context, frame []byte) bool {
	if frame == nil {
		return true
	}
	select {
	case p.frames <- frame:
		p.startOnce.Do(func() { close(p.started) })
		return true
	case <-p.stopped:
		return false
	case <-ctx.Done():
		return false
	}
}

// Started is closed once the first frame was buffered.
func (p *Provider) Started() <-chan struct{} {
	return p.started
}

// End marks the end of input. Buffered frames are still delivered.
func (p *Provider) End() {
	p.endOnce.Do(func() {
		select {
		case p.frames <- nil:
		case <-p.stopped:
		}
	})
}

// ProvideOpusFrame returns the next frame. A nil frame with a nil error is
// silence; io.EOF means playback is over.
func (p *Provider) ProvideOpusFrame() ([]byte, error) {
	select {
	case <-p.stopped:
		return nil, io.EOF
	default:
	}

	if p.paused.Load() {
		select {
		case <-p.stopped:
			return nil, io.EOF
		case <-time.After(silenceWait):
			return nil, nil
		}
	}

	select {
	case f := <-p.frames:
		if f == nil {
			p.markDrained()
			return nil, io.EOF
		}
		return f, nil
	case <-p.stopped:
		return nil, io.EOF
	case <-time.After(silenceWait):
		return nil, nil
	}
}

// Close is called by the voice connection when it drops the provider.
func (p *Provider) Close() {
	p.Stop()
}

// Pause makes the provider emit silence without consuming frames.
func (p *Provider) Pause() { p.paused.Store(true) }

// Resume continues delivering buffered frames.
func (p *Provider) Resume() { p.paused.Store(false) }

// Paused reports whether the provider is paused.
func (p *Provider) Paused() bool { return p.paused.Load() }

// Stop ends playback immediately and unblocks Push.
func (p *Provider) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.markDrained()
}

// Drained is closed once every frame was delivered or the provider was
// stopped.
func (p *Provider) Drained() <-chan struct{} {
	return p.drained
}

func (p *Provider) markDrained() {
	p.drainOnce.Do(func() { close(p.drained) })
}
