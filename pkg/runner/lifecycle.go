package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDrainTimeout is returned when active sessions fail to wind down within
// the configured drain window.
var ErrDrainTimeout = errors.New("drain timeout")

// LifecycleRunner blocks in Run until its context is cancelled or Stop is
// called, then asks the drainer to finish in-flight sessions within a bounded
// window. Stop may be called from any goroutine, any number of times; the
// drain happens exactly once.
type LifecycleRunner struct {
	drainer Drainer
	hooks   Hooks
	window  time.Duration

	state    atomic.Int32
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error
}

// NewLifecycleRunner wires a runner around drainer. A non-positive window
// falls back to 10 seconds.
func NewLifecycleRunner(drainer Drainer, hooks Hooks, window time.Duration) *LifecycleRunner {
	if window <= 0 {
		window = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &LifecycleRunner{
		drainer: drainer,
		hooks:   hooks,
		window:  window,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.state.Store(int32(StateNew))
	return r
}

// Run fires the start hook and blocks until shutdown. It returns the drain
// error, if any. A runner cannot be reused after it has run.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateNew), int32(StateStarting)) {
		return errors.New("invalid state transition")
	}
	PrintBanner()
	if ctx != nil {
		r.ctx, r.cancel = context.WithCancel(ctx)
	}
	if r.hooks.OnStart != nil {
		r.hooks.OnStart()
	}
	r.state.Store(int32(StateRunning))
	<-r.ctx.Done()
	return r.shutdown()
}

// Stop unblocks Run and performs the drain inline if Run has not already
// started it.
func (r *LifecycleRunner) Stop() error {
	r.cancel()
	return r.shutdown()
}

func (r *LifecycleRunner) State() State {
	return State(r.state.Load())
}

func (r *LifecycleRunner) shutdown() error {
	r.stopOnce.Do(func() {
		r.state.Store(int32(StateDraining))
		r.stopErr = r.drain()
		if r.hooks.OnStop != nil {
			r.hooks.OnStop()
		}
		r.state.Store(int32(StateStopped))
	})
	return r.stopErr
}

func (r *LifecycleRunner) drain() error {
	if r.drainer == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- r.drainer.Drain() }()
	select {
	case err := <-done:
		return err
	case <-time.After(r.window):
		return ErrDrainTimeout
	}
}
