// Package resolver turns track references into playable stream addresses
// through a bounded extraction pool and the cache.
package resolver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/osa030/voicebox/internal/domain/playerr"
	"github.com/osa030/voicebox/internal/infra/metrics"
)

// ErrPoolClosed is returned for work submitted to, or pending in, a closed pool.
var ErrPoolClosed = errors.New("resolver pool closed")

// Work is a blocking extraction call. It must honour ctx.
type Work func(ctx context.Context) (any, error)

// PoolConfig holds pool configuration.
type PoolConfig struct {
	Workers       int           // Fixed worker count
	QueueDepth    int           // Buffered jobs before submitters block
	Timeout       time.Duration // Per-job timeout
	RatePerSecond float64       // Extraction starts per second (0 = unlimited)
	Burst         int
}

type job struct {
	key  string
	work Work
	done chan jobResult
}

type jobResult struct {
	val any
	err error
}

// Pool runs work on a fixed set of workers. Jobs queue FIFO behind the
// running ones, and identical keys in flight share one execution.
type Pool struct {
	config  PoolConfig
	sf      singleflight.Group
	jobs    chan *job
	limiter *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewPool starts the workers.
func NewPool(config PoolConfig) *Pool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: config,
		jobs:   make(chan *job, config.QueueDepth),
		ctx:    ctx,
		cancel: cancel,
	}
	if config.RatePerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), burst)
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	zlog.Debug().Msgf("resolver: pool started: workers=%d queue_depth=%d timeout=%v",
		config.Workers, config.QueueDepth, config.Timeout)
	return p
}

// Handle is the pending result of a submission. Wait must not be called
// from several goroutines at once.
type Handle struct {
	key string
	ch  <-chan singleflight.Result

	mu   sync.Mutex
	done bool
	res  singleflight.Result
}

// Key returns the task key.
func (h *Handle) Key() string { return h.key }

// Wait blocks until the result is available or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	h.mu.Lock()
	if h.done {
		res := h.res
		h.mu.Unlock()
		return res.Val, res.Err
	}
	h.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-h.ch:
		h.mu.Lock()
		h.done = true
		h.res = res
		h.mu.Unlock()
		if res.Shared {
			metrics.PoolCoalesced()
		}
		return res.Val, res.Err
	}
}

// Shared reports whether the result was delivered to more than one caller.
// It is only meaningful after Wait returned a result.
func (h *Handle) Shared() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done && h.res.Shared
}

// Submit schedules work under key, or joins the in-flight task with the
// same key. Finished keys are forgotten, so a later submit runs again.
func (p *Pool) Submit(key string, work Work) *Handle {
	ch := p.sf.DoChan(key, func() (any, error) {
		return p.schedule(key, work)
	})
	return &Handle{key: key, ch: ch}
}

func (p *Pool) schedule(key string, work Work) (any, error) {
	if p.ctx.Err() != nil {
		return nil, ErrPoolClosed
	}

	j := &job{key: key, work: work, done: make(chan jobResult, 1)}
	metrics.PoolQueued(1)
	select {
	case p.jobs <- j:
	case <-p.ctx.Done():
		metrics.PoolQueued(-1)
		return nil, ErrPoolClosed
	}

	select {
	case r := <-j.done:
		return r.val, r.err
	case <-p.ctx.Done():
		return nil, ErrPoolClosed
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.jobs:
			metrics.PoolQueued(-1)
			metrics.PoolRunning(1)
			val, err := p.run(j)
			metrics.PoolRunning(-1)
			j.done <- jobResult{val: val, err: err}
			zlog.Debug().Msgf("resolver: job done: worker=%d key=%s err=%v", id, j.key, err)
		}
	}
}

func (p *Pool) run(j *job) (val any, err error) {
	if p.ctx.Err() != nil {
		return nil, ErrPoolClosed
	}

	ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			zlog.Error().Msgf("resolver: panic in job: key=%s panic=%v", j.key, r)
			val = nil
			err = &playerr.ExtractionError{Locator: j.key, Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, p.classify(ctx, j.key, err)
		}
	}

	val, err = j.work(ctx)
	if err != nil {
		return nil, p.classify(ctx, j.key, err)
	}
	return val, nil
}

// classify turns deadline expiry into a timeout extraction error.
func (p *Pool) classify(ctx context.Context, key string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return playerr.NewTimeoutError(key, err)
	}
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	return err
}

// Close stops the workers and waits for them. Running jobs see their
// context cancelled.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		zlog.Debug().Msg("resolver: pool stopped")
	})
}
