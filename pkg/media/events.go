package media

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stentorlabs/stentor/pkg/frames"
	"github.com/stentorlabs/stentor/pkg/logging"
)

const (
	EventCallStart = "call_start"
	EventCallEnd   = "call_end"
)

type ListenerConfig struct {
	// URL of the platform's call-event websocket.
	URL string `mapstructure:"url"`
	// ReconnectDelay between attempts after the event stream drops.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

func (c ListenerConfig) withDefaults() ListenerConfig {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	return c
}

// platformEvent is the shape of one call-signaling event from the host.
type platformEvent struct {
	Type    string `json:"type"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
}

// Listener follows the platform's call-event stream and republishes call
// starts and ends as system frames, used to auto-activate transcription.
type Listener struct {
	cfg    ListenerConfig
	out    chan frames.Frame
	logger *slog.Logger
}

func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{
		cfg:    cfg.withDefaults(),
		out:    make(chan frames.Frame, 64),
		logger: logging.NewComponentLogger(slog.Default(), "call_events"),
	}
}

func (l *Listener) Events() <-chan frames.Frame { return l.out }

// Run follows the event stream until ctx is cancelled, reconnecting after
// transport drops. The out channel closes when Run returns.
func (l *Listener) Run(ctx context.Context) {
	defer close(l.out)
	for {
		if err := l.follow(ctx); err != nil {
			l.logger.Warn("event_stream_dropped", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.ReconnectDelay):
		}
	}
}

func (l *Listener) follow(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	l.logger.Info("event_stream_attached", slog.String("url", l.cfg.URL))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		var evt platformEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			l.logger.Debug("event_decode_skipped", slog.String("error", err.Error()))
			continue
		}
		if evt.Channel.ID == "" {
			continue
		}
		var name string
		switch evt.Type {
		case "StasisStart", "ChannelCreated":
			name = EventCallStart
		case "StasisEnd", "ChannelDestroyed", "ChannelHangupRequest":
			name = EventCallEnd
		default:
			continue
		}
		frame := frames.NewSystemFrame(evt.Channel.ID, time.Now().UnixNano(), name,
			map[string]string{frames.MetaSource: "call_events"})
		select {
		case l.out <- frame:
		default:
			l.logger.Warn("event_channel_full", slog.String("call_id", evt.Channel.ID))
		}
	}
}
