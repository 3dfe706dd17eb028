package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekho-app/ekho/errors"
)

// maxRecordedFailures bounds the failure history kept for inspection
const maxRecordedFailures = 100

// pulseLogger wraps zap.SugaredLogger with lifecycle helpers
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs a lifecycle start at debug level
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

// Closing logs a lifecycle stop at warn level so shutdowns stand out
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(msg, keysAndValues...)
}

// TaskFailure records one background task that returned an error or panicked
type TaskFailure struct {
	Name string
	Err  error
	At   time.Time
}

// RunnerStats summarizes background task outcomes
type RunnerStats struct {
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Runner owns fire-and-forget tasks: each runs on its own goroutine with a
// timeout, failures are logged and kept for inspection, and Close drains
// everything still in flight.
type Runner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	logger  pulseLogger

	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	stats    RunnerStats
	failures []TaskFailure
}

// NewRunner creates a runner whose tasks inherit parent's cancellation and
// each get at most timeout to finish.
func NewRunner(parent context.Context, timeout time.Duration, logger *zap.SugaredLogger) *Runner {
	ctx, cancel := context.WithCancel(parent)
	r := &Runner{
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		logger:  pulseLogger{logger.Named("runner")},
	}
	r.logger.Starting("Background runner started", "task_timeout", timeout.String())
	return r
}

// Go starts fn in the background. It reports false when the runner is closed.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warnw("Background task rejected, runner closed", "task", name)
		return false
	}
	r.wg.Add(1)
	r.stats.Running++
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()

		err := r.run(ctx, name, fn)
		r.finish(name, err)
	}()
	return true
}

func (r *Runner) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Newf("task %s panicked: %s", name, fmt.Sprint(p))
		}
	}()
	return fn(ctx)
}

func (r *Runner) finish(name string, err error) {
	r.mu.Lock()
	r.stats.Running--
	if err == nil {
		r.stats.Succeeded++
		r.mu.Unlock()
		return
	}
	r.stats.Failed++
	r.failures = append(r.failures, TaskFailure{Name: name, Err: err, At: time.Now()})
	if len(r.failures) > maxRecordedFailures {
		r.failures = r.failures[len(r.failures)-maxRecordedFailures:]
	}
	r.mu.Unlock()

	r.logger.Warnw("Background task failed", "task", name, "error", err)
}

// Wait blocks until every task started so far has finished
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Failures returns a copy of the recorded failures, oldest first
func (r *Runner) Failures() []TaskFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskFailure(nil), r.failures...)
}

// Stats returns current task counters
func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close stops accepting tasks and waits for in-flight ones until ctx is
// done, at which point the remaining tasks are cancelled.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	running := r.stats.Running
	r.mu.Unlock()

	r.logger.Closing("Draining background tasks", "running", running)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return errors.Wrap(ctx.Err(), "background tasks cancelled before finishing")
	}
}
