// Package mock provides a scriptable engine for tests.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/stentorlabs/stentor/pkg/engines"
)

type Config struct {
	// ConnectErr makes Connect fail.
	ConnectErr error
	// ConnectDelay stalls Connect; combined with a short session connect
	// timeout this simulates a handshake that never completes.
	ConnectDelay time.Duration
	// Script is emitted on Results after the first audio chunk arrives.
	Script []engines.Result
	// EmitOnDrain holds results back until CloseForDrain.
	EmitOnDrain bool
	// HangOnDrain never closes Results after CloseForDrain, forcing the
	// session's drain timeout to fire.
	HangOnDrain bool
}

type Engine struct {
	cfg Config

	mu        sync.Mutex
	connected bool
	chunks    [][]byte
	emitted   bool
	drained   bool
	closed    bool

	out       chan engines.Result
	closeOnce sync.Once
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, out: make(chan engines.Result, 64)}
}

func (e *Engine) Name() string { return "mock" }

func (e *Engine) Connect(ctx context.Context) error {
	if e.cfg.ConnectDelay > 0 {
		select {
		case <-time.After(e.cfg.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e.cfg.ConnectErr != nil {
		return e.cfg.ConnectErr
	}
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) SendAudio(chunk []byte) error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return errors.New("not connected")
	}
	if e.drained || e.closed {
		e.mu.Unlock()
		return errors.New("stream closed")
	}
	e.chunks = append(e.chunks, append([]byte(nil), chunk...))
	first := !e.emitted
	e.emitted = true
	e.mu.Unlock()

	if first && !e.cfg.EmitOnDrain {
		e.playScript()
	}
	return nil
}

func (e *Engine) CloseForDrain() error {
	e.mu.Lock()
	wasDrained := e.drained
	e.drained = true
	pending := e.cfg.EmitOnDrain && !wasDrained
	e.mu.Unlock()

	if pending {
		e.playScript()
	}
	if !e.cfg.HangOnDrain {
		e.closeOnce.Do(func() { close(e.out) })
	}
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.closeOnce.Do(func() { close(e.out) })
	return nil
}

func (e *Engine) Results() <-chan engines.Result { return e.out }

// Chunks returns a copy of every audio chunk sent so far, in send order.
func (e *Engine) Chunks() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]byte, len(e.chunks))
	copy(out, e.chunks)
	return out
}

func (e *Engine) playScript() {
	for _, r := range e.cfg.Script {
		e.out <- r
		if r.Kind == engines.ResultError {
			e.closeOnce.Do(func() { close(e.out) })
			return
		}
	}
}

var _ engines.StreamingEngine = (*Engine)(nil)
