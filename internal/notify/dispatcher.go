package notify

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"niyya/api/internal/logging"
)

// Dispatcher runs notification work off the request path. Tasks get their
// own context so a finished HTTP request does not cancel them.
type Dispatcher struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	timeout time.Duration
	log     logging.Logger
}

func NewDispatcher(timeout time.Duration, log logging.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Dispatcher{timeout: timeout, log: log.With("component", "dispatcher")}
}

// Go schedules fn. It reports false once Close has been called.
func (d *Dispatcher) Go(name string, fn func(ctx context.Context)) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Warn(context.Background(), "dispatcher closed, task dropped", "task", name)
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				d.log.Error(ctx, "notification task panicked", "task", name, "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			}
		}()
		fn(ctx)
	}()
	return true
}

// Close stops accepting tasks and waits for in-flight ones until ctx ends.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain notifications: %w", ctx.Err())
	}
}
