package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stentorlabs/stentor/pkg/bus"
	"github.com/stentorlabs/stentor/pkg/engines"
	"github.com/stentorlabs/stentor/pkg/errorsx"
	"github.com/stentorlabs/stentor/pkg/frames"
	"github.com/stentorlabs/stentor/pkg/logging"
	"github.com/stentorlabs/stentor/pkg/metrics"
)

// Registry tracks active sessions by call ID and enforces the worker limit.
// Admission is a single check-and-reserve under one lock; nothing holds that
// lock during steady-state streaming.
type Registry struct {
	factory    engines.Factory
	publisher  bus.Publisher
	mets       *metrics.Metrics
	defaults   Config
	maxWorkers int
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
}

func NewRegistry(maxWorkers int, defaults Config, factory engines.Factory, publisher bus.Publisher, mets *metrics.Metrics) *Registry {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Registry{
		factory:    factory,
		publisher:  publisher,
		mets:       mets,
		defaults:   defaults.withDefaults(),
		maxWorkers: maxWorkers,
		logger:     logging.NewComponentLogger(slog.Default(), "session_registry"),
		sessions:   make(map[string]*Session),
	}
}

// Start admits a call and establishes its engine connection. The slot is
// reserved atomically before the dial so two concurrent starts for the same
// call cannot both win, and a full pool rejects before any engine work.
func (r *Registry) Start(callID string, useAI bool) (*Session, error) {
	if callID == "" {
		return nil, errorsx.New(errorsx.ReasonSessionNotFound, "call_id is required")
	}

	cfg := r.defaults
	cfg.UseAI = useAI
	traceID := uuid.NewString()

	engine := r.factory(engines.Params{
		CallID:     callID,
		TraceID:    traceID,
		Language:   cfg.Language,
		SampleRate: cfg.SampleRate,
		UseAI:      cfg.UseAI,
	})

	sess := newSession(callID, traceID, cfg, engine, r.publisher, r.mets, func(outcome State) {
		r.remove(callID, outcome)
	})

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, errorsx.New(errorsx.ReasonCapacityExceeded, "registry is draining")
	}
	if _, exists := r.sessions[callID]; exists {
		r.mu.Unlock()
		r.mets.AdmissionRejects.WithLabelValues(string(errorsx.ReasonDuplicateSession)).Inc()
		return nil, errorsx.New(errorsx.ReasonDuplicateSession, "session already active for call "+callID)
	}
	if len(r.sessions) >= r.maxWorkers {
		r.mu.Unlock()
		r.mets.AdmissionRejects.WithLabelValues(string(errorsx.ReasonCapacityExceeded)).Inc()
		return nil, errorsx.New(errorsx.ReasonCapacityExceeded, "worker limit reached")
	}
	r.sessions[callID] = sess
	r.mu.Unlock()
	r.mets.ActiveSessions.Inc()

	if err := sess.connect(); err != nil {
		// connect already released the slot via the session's finish path.
		return nil, err
	}

	r.logger.Info("session_started",
		slog.String("call_id", callID),
		slog.String("trace_id", traceID),
		slog.String("engine", engine.Name()),
		slog.Bool("use_ai", useAI))
	return sess, nil
}

// Stop delivers a stop signal. Stopping an unknown or already terminal call
// is a no-op success, mirroring the deactivation endpoint's idempotency.
func (r *Registry) Stop(callID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("stop_without_session", slog.String("call_id", callID))
		return nil
	}
	sess.Stop()
	return nil
}

// Feed routes one audio frame to the call's session.
func (r *Registry) Feed(callID string, frame frames.AudioFrame) error {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	r.mu.Unlock()
	if !ok {
		return errorsx.New(errorsx.ReasonSessionNotFound, "no session for call "+callID)
	}
	return sess.Feed(frame)
}

func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[callID]
	return sess, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// remove frees a call's slot. Reached exactly once per session through its
// release hook.
func (r *Registry) remove(callID string, outcome State) {
	r.mu.Lock()
	_, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	if ok {
		r.mets.ActiveSessions.Dec()
		r.mets.SessionsTotal.WithLabelValues(outcome.String()).Inc()
	}
}

// CloseAll stops every session and refuses new admissions.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.draining = true
	active := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		active = append(active, sess)
	}
	r.mu.Unlock()
	for _, sess := range active {
		sess.Stop()
	}
}

// WaitForEmpty blocks until every session has terminated or ctx expires.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
