// Package scheduler drives the periodic pipeline passes: discovery scans and
// prediction cycles. Each task runs on its own ticker in a background
// goroutine, fires once immediately on start, and skips a tick if the
// previous run is still in flight so a slow pass never stacks up behind
// itself.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// TaskFunc is one periodic unit of work. Errors are logged, never fatal: a
// failed pass leaves the previous state in place and the next tick retries.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	run      TaskFunc
	inFlight atomic.Bool
}

// Runner owns a set of periodic tasks and their goroutines.
type Runner struct {
	mu      sync.Mutex
	tasks   []*task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates an empty runner. Tasks must be added before Start.
func NewRunner() *Runner {
	return &Runner{}
}

// Add registers a named task. Intervals below one second are clamped so a
// misconfigured interval cannot spin a hot loop.
func (r *Runner) Add(name string, interval time.Duration, fn TaskFunc) {
	if interval < time.Second {
		interval = time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, &task{name: name, interval: interval, run: fn})
}

// Start launches one goroutine per task. Each task runs once immediately,
// then on every tick. Calling Start twice is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	tasks := r.tasks
	r.mu.Unlock()

	for _, t := range tasks {
		r.wg.Add(1)
		go func(t *task) {
			defer r.wg.Done()
			r.loop(ctx, t)
		}(t)
	}
	log.Info().Int("tasks", len(tasks)).Msg("Scheduler started")
}

// Stop cancels all task goroutines and blocks until they return.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	log.Info().Msg("Scheduler stopped")
}

func (r *Runner) loop(ctx context.Context, t *task) {
	log.Info().Str("task", t.name).Dur("interval", t.interval).Msg("Scheduler task started")

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	r.fire(ctx, t)

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("task", t.name).Msg("Scheduler task stopped")
			return
		case <-ticker.C:
			r.fire(ctx, t)
		}
	}
}

// fire runs the task unless the previous run is still going.
func (r *Runner) fire(ctx context.Context, t *task) {
	if !t.inFlight.CompareAndSwap(false, true) {
		log.Warn().Str("task", t.name).Msg("Scheduler tick skipped, previous run still in flight")
		return
	}
	defer t.inFlight.Store(false)

	start := time.Now()
	if err := t.run(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn().Err(err).Str("task", t.name).Msg("Scheduler task failed")
		return
	}
	log.Debug().Str("task", t.name).Dur("elapsed", time.Since(start)).Msg("Scheduler task complete")
}
