// Package stentor composes the transcription service: registry, engine
// factory, media feed, call-event listener, and bus publisher.
package stentor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stentorlabs/stentor/pkg/bus"
	"github.com/stentorlabs/stentor/pkg/frames"
	"github.com/stentorlabs/stentor/pkg/logging"
	"github.com/stentorlabs/stentor/pkg/media"
	"github.com/stentorlabs/stentor/pkg/metrics"
	"github.com/stentorlabs/stentor/pkg/redact"
	"github.com/stentorlabs/stentor/pkg/session"
)

type Service struct {
	cfg       Config
	mets      *metrics.Metrics
	registry  *session.Registry
	feed      *media.Feed
	listener  *media.Listener
	publisher bus.Publisher
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg Config, publisher bus.Publisher, mets *metrics.Metrics) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	redact.SetEnabled(cfg.Privacy.RedactPII)
	factory, err := buildEngineFactory(cfg.STT)
	if err != nil {
		return nil, err
	}
	if mets == nil {
		mets = metrics.New("stentor")
	}

	defaults := session.Config{
		Language:       cfg.STT.Language,
		SampleRate:     cfg.Media.SampleRate,
		UseAI:          cfg.STT.UseAI,
		QueueDepth:     cfg.STT.QueueDepth,
		ConnectTimeout: time.Duration(cfg.STT.ConnectTimeoutMS) * time.Millisecond,
		DrainTimeout:   time.Duration(cfg.STT.DrainTimeoutMS) * time.Millisecond,
	}
	registry := session.NewRegistry(cfg.STT.Workers, defaults, factory, publisher, mets)

	svc := &Service{
		cfg:       cfg,
		mets:      mets,
		registry:  registry,
		publisher: publisher,
		logger:    logging.NewComponentLogger(slog.Default(), "stt_service"),
	}
	svc.ctx, svc.cancel = context.WithCancel(context.Background())
	svc.feed = media.NewFeed(cfg.feedConfig(), registrySink{registry}, mets)
	if cfg.STT.Stasis {
		svc.listener = media.NewListener(cfg.listenerConfig())
	}
	return svc, nil
}

// registrySink adapts the registry to the media feed's sink surface.
type registrySink struct {
	registry *session.Registry
}

func (s registrySink) Feed(callID string, frame frames.AudioFrame) error {
	return s.registry.Feed(callID, frame)
}

func (s registrySink) Stop(callID string) error {
	return s.registry.Stop(callID)
}

// Start activates transcription for one call: admission, engine handshake,
// then the call's media feed. The error carries the admission/connect reason
// for the API layer to map onto a response.
func (s *Service) Start(callID string, useAI bool) error {
	sess, err := s.registry.Start(callID, useAI)
	if err != nil {
		return err
	}

	feedCtx, feedCancel := context.WithCancel(s.ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer feedCancel()
		_ = s.feed.Run(feedCtx, callID)
	}()
	// Detach the feed once the session is gone, whichever path ended it.
	go func() {
		select {
		case <-sess.Done():
		case <-s.ctx.Done():
		}
		feedCancel()
	}()
	return nil
}

// Stop deactivates transcription for one call. Unknown calls are a no-op.
func (s *Service) Stop(callID string) error {
	return s.registry.Stop(callID)
}

func (s *Service) Registry() *session.Registry { return s.registry }
func (s *Service) Metrics() *metrics.Metrics   { return s.mets }

// Run blocks consuming platform call events until ctx is cancelled. Without
// the stasis listener it just waits for cancellation.
func (s *Service) Run(ctx context.Context) {
	if s.listener == nil {
		<-ctx.Done()
		return
	}
	lctx, lcancel := context.WithCancel(ctx)
	defer lcancel()
	go s.listener.Run(lctx)

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.listener.Events():
			if !ok {
				return
			}
			sf, isSystem := f.(frames.SystemFrame)
			if !isSystem {
				continue
			}
			switch sf.Name() {
			case media.EventCallStart:
				if err := s.Start(sf.CallID(), s.cfg.STT.UseAI); err != nil {
					s.logger.Warn("auto_start_failed",
						slog.String("call_id", sf.CallID()),
						slog.String("error", err.Error()))
				}
			case media.EventCallEnd:
				_ = s.Stop(sf.CallID())
			}
		}
	}
}

// Shutdown stops every session and waits for drains to finish.
func (s *Service) Shutdown(ctx context.Context) {
	s.registry.CloseAll()
	s.registry.WaitForEmpty(ctx, 100*time.Millisecond)
	s.cancel()
	s.wg.Wait()
}
