package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrLoopClosed is returned when work is submitted to a closed loop.
var ErrLoopClosed = errors.New("event loop closed")

// DefaultQueueSize is the work queue capacity used when none is configured.
const DefaultQueueSize = 100

// Work is a unit of work executed on the loop goroutine.
type Work func(ctx context.Context)

// Loop runs submitted work one item at a time on a single goroutine.
// State owned by a loop must only be touched from work running on it.
type Loop struct {
	name   string
	queue  chan Work
	logger zerolog.Logger

	// sendMu is held for reading around every send and for writing when closing,
	// so no send can land after Run has started its final drain.
	sendMu    sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a loop. Work is not executed until Run is called.
func New(name string, queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Loop{
		name:    name,
		queue:   make(chan Work, queueSize),
		logger:  log.With().Str("loop", name).Logger(),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Close stops accepting new work. Run drains what is already queued and returns.
// Once Close returns, every Do/DoSync call is rejected.
func (l *Loop) Close() {
	l.closeOnce.Do(func() {
		// Wakes senders blocked on a full queue so they release sendMu
		close(l.closing)

		l.sendMu.Lock()
		l.closed = true
		l.sendMu.Unlock()
	})
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Do queues work without blocking.
// Returns false if the loop is closed, the queue is full, or ctx is cancelled.
func (l *Loop) Do(ctx context.Context, work Work) bool {
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()

	if l.closed {
		l.logger.Warn().Msg("Loop closed, dropping work")
		return false
	}

	select {
	case <-ctx.Done():
		l.logger.Warn().Msg("Context cancelled, dropping work")
		return false
	case l.queue <- work:
		return true
	default:
		l.logger.Warn().Msg("Work queue full, dropping work")
		return false
	}
}

// DoSync queues work, blocking until there is space.
func (l *Loop) DoSync(ctx context.Context, work Work) error {
	return l.send(ctx, work)
}

// send blocks until work is queued, the loop closes, or ctx is cancelled.
// Work queued here is always executed: Close waits for in-flight sends and
// Run drains only after Close.
func (l *Loop) send(ctx context.Context, work Work) error {
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()

	if l.closed {
		return ErrLoopClosed
	}

	select {
	case <-l.closing:
		return ErrLoopClosed
	case <-ctx.Done():
		return ctx.Err()
	case l.queue <- work:
		return nil
	}
}

// DoSyncWithResult queues work and waits for it to finish.
func (l *Loop) DoSyncWithResult(ctx context.Context, work func(context.Context) error) error {
	done := make(chan error, 1)
	wrapped := Work(func(c context.Context) {
		done <- work(c)
	})

	if err := l.send(ctx, wrapped); err != nil {
		return err
	}

	select {
	case <-l.done:
		// Run drains before closing done, so the result is already there
		select {
		case err := <-done:
			return err
		default:
			return ErrLoopClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Run executes queued work until ctx is cancelled or the loop is closed.
// On exit the loop is closed and the queue drained, so accepted work always runs.
// It includes panic recovery so one failing item does not kill the loop.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
		case <-l.closing:
		case work := <-l.queue:
			l.execute(ctx, work)
			continue
		}

		l.Close()
		l.drain(ctx)
		return
	}
}

// drain processes any remaining work in the queue before exiting
func (l *Loop) drain(ctx context.Context) {
	for {
		select {
		case work := <-l.queue:
			l.execute(ctx, work)
		default:
			return
		}
	}
}

func (l *Loop) execute(ctx context.Context, work Work) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error().
				Interface("panic", rec).
				Msg("Work panicked - loop continuing")
		}
	}()
	work(ctx)
}

// Timer is a single-shot timer whose callback runs on the loop.
type Timer struct {
	timer   *time.Timer
	stopped bool // only accessed on the loop
}

// Stop cancels the timer. A callback that was already queued is dropped.
// Must be called on the loop.
func (t *Timer) Stop() {
	t.stopped = true
	t.timer.Stop()
}

// AfterFunc arms a timer that queues fn onto the loop after d.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		err := l.DoSync(context.Background(), func(context.Context) {
			if t.stopped {
				return
			}
			t.stopped = true
			fn()
		})
		if err != nil {
			l.logger.Debug().Err(err).Msg("Dropping timer callback")
		}
	})
	return t
}
