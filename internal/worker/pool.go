package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PoolOptions tune the supervisor.
type PoolOptions struct {
	Concurrency      int
	DrainGracePeriod time.Duration
	Worker           Options
}

func (o *PoolOptions) fill() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.DrainGracePeriod <= 0 {
		o.DrainGracePeriod = 30 * time.Second
	}
}

// Pool supervises a fixed set of workers. A crashed worker's slot is
// logged and left empty; the pool never restarts slots, so a persistent
// crash loop surfaces as shrinking capacity instead of log spam.
type Pool struct {
	name    string
	logger  *slog.Logger
	opts    PoolOptions
	newWork func(id string) *Worker

	wg       sync.WaitGroup
	live     atomic.Int64
	running  atomic.Bool
	stopDeq  context.CancelFunc
	stopHard context.CancelFunc
}

// NewPool builds a supervisor that constructs workers via the factory.
func NewPool(name string, factory func(id string) *Worker, logger *slog.Logger, opts PoolOptions) *Pool {
	opts.fill()
	return &Pool{
		name:    name,
		logger:  logger.With("pool", name),
		opts:    opts,
		newWork: factory,
	}
}

// Start spawns the configured number of workers.
func (p *Pool) Start(ctx context.Context) {
	dequeueCtx, stopDeq := context.WithCancel(ctx)
	buildCtx, stopHard := context.WithCancel(ctx)
	p.stopDeq = stopDeq
	p.stopHard = stopHard
	p.running.Store(true)

	for i := 0; i < p.opts.Concurrency; i++ {
		id := fmt.Sprintf("%s-%d-%s", p.name, i, uuid.NewString()[:8])
		w := p.newWork(id)
		p.wg.Add(1)
		p.live.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			defer p.live.Add(-1)
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("worker crashed, slot abandoned", "worker_id", w.ID(), "panic", r)
				}
			}()
			w.Run(dequeueCtx, buildCtx)
		}(w)
	}
	p.logger.Info("worker pool started", "concurrency", p.opts.Concurrency)
}

// IsRunning reports whether the pool has live workers.
func (p *Pool) IsRunning() bool {
	return p.running.Load() && p.live.Load() > 0
}

// LiveSlots returns the current number of live workers.
func (p *Pool) LiveSlots() int {
	return int(p.live.Load())
}

// Drain stops dequeuing, waits up to the grace period for in-flight
// builds, then cancels the rest. Cancelled workers release their leases
// so the jobs are reassigned without waiting for lease expiry.
func (p *Pool) Drain() {
	if p.stopDeq == nil {
		return
	}
	p.logger.Info("draining worker pool", "grace", p.opts.DrainGracePeriod)
	p.stopDeq()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(p.opts.DrainGracePeriod):
		p.logger.Warn("drain grace exceeded, cancelling in-flight builds")
		p.stopHard()
		<-done
		p.logger.Info("worker pool stopped")
	}
	p.running.Store(false)
}
