// Package task runs best-effort background work (embedding writeback,
// document ingest) outside the request lifetime.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/smallnest/chatgraph/log"
)

const maxAttempts = 3

// Runner executes submitted functions on its own context, so a client
// disconnect never cancels queued work. Failures are retried with
// exponential backoff up to three attempts, then logged and dropped.
type Runner struct {
	logger  log.Logger
	backoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithBackoff sets the initial retry delay. It doubles per attempt.
func WithBackoff(d time.Duration) Option {
	return func(r *Runner) { r.backoff = d }
}

// NewRunner creates a runner.
func NewRunner(opts ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		logger:  log.GetDefaultLogger(),
		backoff: time.Second,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit schedules fn. The name is only used in logs.
func (r *Runner) Submit(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		delay := r.backoff
		for attempt := 1; attempt <= maxAttempts; attempt++ {
			err := fn(r.ctx)
			if err == nil {
				return
			}
			if r.ctx.Err() != nil {
				return
			}
			if attempt == maxAttempts {
				r.logger.Error("task %s failed after %d attempts: %v", name, attempt, err)
				return
			}
			r.logger.Warn("task %s attempt %d failed, retrying in %s: %v", name, attempt, delay, err)

			select {
			case <-time.After(delay):
			case <-r.ctx.Done():
				return
			}
			delay *= 2
		}
	}()
}

// Shutdown waits for in-flight tasks up to the context deadline, then
// cancels whatever is left.
func (r *Runner) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	r.cancel()
}
