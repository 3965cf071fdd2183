// Package eventloop runs tasks one at a time in the order they were posted.
package eventloop

import (
	"context"
	"sync"

	"sipvideoroom/native/internal/domain"
)

// Loop is a cooperative single-goroutine executor with an unbounded queue.
// Post never blocks, so tasks may post further tasks.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// New creates a stopped-until-Run loop.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. It returns false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits until it has run.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return domain.ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed after Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run executes tasks until ctx is cancelled. Tasks still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}
