// Package media connects the host call platform's streams to sessions: the
// per-call audio feed, the optional raw-PCM dump writer, and the call-event
// listener used for automatic activation.
package media

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stentorlabs/stentor/pkg/errorsx"
	"github.com/stentorlabs/stentor/pkg/frames"
	"github.com/stentorlabs/stentor/pkg/logging"
	"github.com/stentorlabs/stentor/pkg/metrics"
)

// Sink is the session-side surface the feed pushes into. Feed must never
// block beyond the sink's own backpressure policy; Stop signals call end.
type Sink interface {
	Feed(callID string, frame frames.AudioFrame) error
	Stop(callID string) error
}

type FeedConfig struct {
	// StreamURL is the platform's per-call media websocket endpoint.
	StreamURL string `mapstructure:"stream_url"`
	// Subprotocol negotiated with the platform media server.
	Subprotocol string `mapstructure:"subprotocol"`
	// ChunkSize aggregates raw media messages before a frame is handed to
	// the session, matching the platform's delivery granularity.
	ChunkSize  int `mapstructure:"chunk_size"`
	SampleRate int `mapstructure:"sample_rate"`
	// DumpDir, when set, mirrors each call's raw PCM to disk.
	DumpDir string `mapstructure:"dump_dir"`
}

func (c FeedConfig) withDefaults() FeedConfig {
	if c.Subprotocol == "" {
		c.Subprotocol = "stream-channel"
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 64 * 1024
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	return c
}

// Feed subscribes to one call's media stream and converts it into ordered
// audio frames for the owning session.
type Feed struct {
	cfg    FeedConfig
	sink   Sink
	mets   *metrics.Metrics
	ptsGen *frames.PTSGen
	dump   *DumpWriter
	logger *slog.Logger
}

func NewFeed(cfg FeedConfig, sink Sink, mets *metrics.Metrics) *Feed {
	cfg = cfg.withDefaults()
	var dump *DumpWriter
	if cfg.DumpDir != "" {
		dump = NewDumpWriter(cfg.DumpDir)
	}
	return &Feed{
		cfg:    cfg,
		sink:   sink,
		mets:   mets,
		ptsGen: frames.NewPTSGen(),
		dump:   dump,
		logger: logging.NewComponentLogger(slog.Default(), "media_feed"),
	}
}

// Run streams one call's audio until the platform closes the stream or ctx
// is cancelled, then signals the session to drain. It blocks; callers run
// it on its own goroutine per call.
func (f *Feed) Run(ctx context.Context, callID string) error {
	header := http.Header{"Channel-ID": []string{callID}}
	dialer := websocket.Dialer{
		Subprotocols:     []string{f.cfg.Subprotocol},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, f.cfg.StreamURL, header)
	if err != nil {
		f.logger.Error("media_stream_dial_failed",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
		_ = f.sink.Stop(callID)
		return errorsx.Wrap(err, errorsx.ReasonMediaConnect)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	var dump io.WriteCloser
	if f.dump != nil {
		if w, err := f.dump.Open(callID); err != nil {
			f.logger.Warn("dump_open_failed",
				slog.String("call_id", callID),
				slog.String("error", err.Error()))
		} else {
			dump = w
			defer dump.Close()
		}
	}

	f.logger.Info("media_stream_attached", slog.String("call_id", callID))

	buf := make([]byte, 0, f.cfg.ChunkSize)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			f.flush(callID, buf, dump)
			f.ptsGen.Forget(callID)
			f.logger.Info("media_stream_ended",
				slog.String("call_id", callID),
				slog.String("reason", err.Error()))
			_ = f.sink.Stop(callID)
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return errorsx.Wrap(err, errorsx.ReasonMediaConnect)
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		f.mets.MediaBytesReceived.Add(float64(len(data)))
		buf = append(buf, data...)
		for len(buf) >= f.cfg.ChunkSize {
			f.deliver(callID, buf[:f.cfg.ChunkSize], dump)
			buf = append(buf[:0], buf[f.cfg.ChunkSize:]...)
		}
	}
}

func (f *Feed) flush(callID string, buf []byte, dump io.Writer) {
	if len(buf) > 0 {
		f.deliver(callID, buf, dump)
	}
}

func (f *Feed) deliver(callID string, chunk []byte, dump io.Writer) {
	if dump != nil {
		if _, err := dump.Write(chunk); err != nil {
			f.logger.Warn("dump_write_failed",
				slog.String("call_id", callID),
				slog.String("error", err.Error()))
		}
	}
	frame := frames.NewAudioFrameFromPool(callID, f.ptsGen.Next(callID), chunk, f.cfg.SampleRate,
		map[string]string{frames.MetaSource: "media_stream"})
	if err := f.sink.Feed(callID, frame); err != nil {
		f.logger.Debug("media_feed_rejected",
			slog.String("call_id", callID),
			slog.String("error", err.Error()))
	}
}
