// Package session owns the per-call transcription lifecycle: one state
// machine per call bridging the media feed to an engine connection and the
// engine's results to the bus.
package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/stentorlabs/stentor/pkg/bus"
	"github.com/stentorlabs/stentor/pkg/engines"
	"github.com/stentorlabs/stentor/pkg/errorsx"
	"github.com/stentorlabs/stentor/pkg/frames"
	"github.com/stentorlabs/stentor/pkg/logging"
	"github.com/stentorlabs/stentor/pkg/metrics"
	"github.com/stentorlabs/stentor/pkg/redact"
)

// transcriptTailLimit bounds the rolling transcript kept on a session,
// matching the platform channel-variable cap of 1020 characters.
const transcriptTailLimit = 1020

// Config fixes a session's behaviour at start. Immutable afterwards.
type Config struct {
	Language       string
	SampleRate     int
	UseAI          bool
	QueueDepth     int
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en-US"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
	return c
}

// Session runs one call's transcription. All internal mutation happens on
// the session's own goroutines; external actors only Feed audio and send
// Stop signals.
type Session struct {
	callID    string
	traceID   string
	cfg       Config
	engine    engines.StreamingEngine
	publisher bus.Publisher
	mets      *metrics.Metrics
	logger    *slog.Logger
	createdAt time.Time

	mu    sync.Mutex
	state State

	audioQ  chan frames.AudioFrame
	dropped atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	forwarded sync.WaitGroup
	done      chan struct{}

	transcriptMu sync.Mutex
	transcript   string

	release     func(outcome State)
	releaseOnce sync.Once
}

func newSession(callID, traceID string, cfg Config, engine engines.StreamingEngine, publisher bus.Publisher, mets *metrics.Metrics, release func(outcome State)) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		callID:    callID,
		traceID:   traceID,
		cfg:       cfg,
		engine:    engine,
		publisher: publisher,
		mets:      mets,
		logger: logging.NewComponentLogger(slog.Default(), "session").With(
			slog.String("call_id", callID),
			slog.String("trace_id", traceID),
			slog.String("engine", engine.Name())),
		createdAt: time.Now(),
		state:     StatePending,
		audioQ:    make(chan frames.AudioFrame, cfg.QueueDepth),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		release:   release,
	}
}

func (s *Session) CallID() string      { return s.callID }
func (s *Session) TraceID() string     { return s.traceID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Engine() string      { return s.engine.Name() }
func (s *Session) Dropped() int64      { return s.dropped.Load() }

// Done is closed once the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the rolling tail of everything transcribed so far.
func (s *Session) Transcript() string {
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	return s.transcript
}

func (s *Session) transition(to State, reason string) error {
	s.mu.Lock()
	from := s.state
	if !transitionValid(from, to) {
		s.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	s.state = to
	s.mu.Unlock()

	s.logger.Info("session_transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	return nil
}

// fail moves the session to Failed from whatever non-terminal state it is
// in. Safe to call from multiple paths; only the first wins.
func (s *Session) fail(reason string) {
	s.mu.Lock()
	from := s.state
	if from.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.mu.Unlock()

	s.logger.Warn("session_failed",
		slog.String("from", from.String()),
		slog.String("reason", reason))
}

// connect dials the engine under the connect timeout. Called synchronously
// from Start so an activation request observes handshake failures.
func (s *Session) connect() error {
	if err := s.transition(StateConnecting, "admitted"); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.engine.Connect(ctx); err != nil {
		s.fail("engine connect: " + err.Error())
		_ = s.engine.Close()
		s.mets.EngineErrors.WithLabelValues(s.engine.Name(), string(errorsx.ReasonEngineConnect)).Inc()
		s.finish()
		return errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}
	if err := s.transition(StateActive, "engine connected"); err != nil {
		// A racing Stop already failed the session during the handshake.
		_ = s.engine.Close()
		s.finish()
		return errorsx.New(errorsx.ReasonEngineConnect, "session cancelled during connect")
	}

	s.forwarded.Add(1)
	go s.forwardLoop()
	go s.run()
	return nil
}

// Feed enqueues one audio frame for forwarding. Never blocks: on overflow
// the oldest queued frame is dropped so live speech stays current.
func (s *Session) Feed(frame frames.AudioFrame) error {
	if s.State() != StateActive {
		return errorsx.New(errorsx.ReasonSessionNotActive, "session not active")
	}
	for {
		select {
		case s.audioQ <- frame:
			return nil
		default:
		}
		// Queue full: evict the oldest frame and retry until the incoming
		// one lands, so the newest audio always wins over stale backlog.
		select {
		case old := <-s.audioQ:
			frames.ReleaseAudioFrame(old)
			s.dropped.Add(1)
			s.mets.DroppedFrames.Inc()
		default:
		}
	}
}

// Stop requests teardown. Idempotent; the session drains in-flight results
// before terminating.
func (s *Session) Stop() {
	s.cancel()
}

// forwardLoop pushes queued audio to the engine in arrival order. It is the
// only goroutine calling SendAudio, which keeps per-call ordering strict.
func (s *Session) forwardLoop() {
	defer s.forwarded.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.audioQ:
			err := s.engine.SendAudio(frame.RawPayload())
			frames.ReleaseAudioFrame(frame)
			if err != nil {
				s.logger.Error("audio_forward_error", slog.String("error", err.Error()))
				s.mets.EngineErrors.WithLabelValues(s.engine.Name(), string(errorsx.Reason(err))).Inc()
				s.fail("audio forward: " + err.Error())
				s.cancel()
				return
			}
		}
	}
}

// drainLoop publishes engine results in emission order until the engine
// closes its channel. Returns a closed channel signal via the returned chan.
func (s *Session) drainLoop() <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for result := range s.engine.Results() {
			switch result.Kind {
			case engines.ResultTranscription:
				s.logger.Debug("transcription_result",
					slog.String("text", redact.Text(result.Text)))
				s.appendTranscript(result.Text)
				s.publish(bus.STTEvent(s.callID, result.Text))
			case engines.ResultAIResponse:
				s.publish(bus.AIResponseEvent(s.callID, result.Text))
			case engines.ResultError:
				s.logger.Error("engine_stream_error", slog.String("error", result.Err.Error()))
				s.mets.EngineErrors.WithLabelValues(s.engine.Name(), string(errorsx.Reason(result.Err))).Inc()
				s.fail("engine stream: " + result.Err.Error())
				s.cancel()
			}
		}
	}()
	return finished
}

// run supervises the session from Active to a terminal state: it waits for
// a cancellation signal (Stop, call end, or stream error), drains the
// engine under the drain timeout, then releases the registry slot.
func (s *Session) run() {
	drained := s.drainLoop()

	<-s.ctx.Done()
	s.forwarded.Wait()
	s.flushQueue()

	if err := s.transition(StateDraining, "stop signal"); err == nil {
		if err := s.engine.CloseForDrain(); err != nil {
			s.logger.Warn("engine_drain_close_error", slog.String("error", err.Error()))
		}
	}

	select {
	case <-drained:
	case <-time.After(s.cfg.DrainTimeout):
		s.logger.Warn("drain_timeout_force_close",
			slog.Duration("timeout", s.cfg.DrainTimeout))
		_ = s.engine.Close()
		<-drained
	}
	_ = s.engine.Close()

	// Fails only when the session already reached Failed, which is the
	// terminal state we want to keep in that case.
	_ = s.transition(StateTerminated, "drained")
	s.finish()
}

// flushQueue releases frames left behind once no forwarder will consume them.
func (s *Session) flushQueue() {
	for {
		select {
		case frame := <-s.audioQ:
			frames.ReleaseAudioFrame(frame)
		default:
			return
		}
	}
}

// finish releases the registry slot exactly once and closes Done.
func (s *Session) finish() {
	s.releaseOnce.Do(func() {
		outcome := s.State()
		if s.release != nil {
			s.release(outcome)
		}
		if s.dropped.Load() > 0 {
			s.logger.Warn("session_dropped_frames", slog.Int64("count", s.dropped.Load()))
		}
		s.logger.Info("session_finished",
			slog.String("outcome", outcome.String()),
			slog.Duration("lifetime", time.Since(s.createdAt)))
		close(s.done)
	})
}

func (s *Session) appendTranscript(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	if s.transcript == "" {
		s.transcript = text
	} else {
		s.transcript += " " + text
	}
	if over := len(s.transcript) - transcriptTailLimit; over > 0 {
		// Advance to the next rune boundary so the tail stays valid UTF-8.
		for over < len(s.transcript) && !utf8.RuneStart(s.transcript[over]) {
			over++
		}
		s.transcript = s.transcript[over:]
	}
}

func (s *Session) publish(event bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		// Best-effort sink: log, count, move on.
		s.logger.Warn("bus_publish_failed",
			slog.String("routing_key", event.RoutingKey),
			slog.String("error", err.Error()))
		s.mets.PublishErrors.Inc()
		return
	}
	s.mets.PublishedEvents.WithLabelValues(event.RoutingKey).Inc()
}
