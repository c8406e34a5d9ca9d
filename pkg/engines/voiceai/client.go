// Package voiceai implements the voice-AI engine protocol: a config
// handshake over WebSocket followed by binary audio upstream and line-JSON
// results downstream.
package voiceai

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stentorlabs/stentor/pkg/engines"
	"github.com/stentorlabs/stentor/pkg/errorsx"
	"github.com/stentorlabs/stentor/pkg/logging"
)

// eofMarker trails every audio chunk on the wire.
var eofMarker = []byte("EOF")

type Config struct {
	URI              string
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

type configMessage struct {
	Type       string `json:"type"`
	Language   string `json:"language"`
	UseAI      bool   `json:"use_ai"`
	SampleRate int    `json:"sample_rate"`
}

type serverMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Message string `json:"message"`
}

type Client struct {
	cfg    Config
	params engines.Params
	out    chan engines.Result
	logger *slog.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	closed    atomic.Bool
}

func New(cfg Config, p engines.Params) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		params: p,
		out:    make(chan engines.Result, 256),
		logger: logging.NewComponentLogger(slog.Default(), "voiceai_engine"),
	}
}

func (c *Client) Name() string { return "voice_ai" }

func (c *Client) Results() <-chan engines.Result { return c.out }

// Connect dials the service, sends the config message and waits for the
// acknowledgment before declaring the stream usable.
func (c *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URI, nil)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}

	cfg := configMessage{
		Type:       "config",
		Language:   c.params.Language,
		UseAI:      c.params.UseAI,
		SampleRate: c.params.SampleRate,
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(cfg); err != nil {
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}

	_ = conn.SetReadDeadline(deadline)
	var ack serverMessage
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}
	if ack.Type == "error" {
		_ = conn.Close()
		return errorsx.New(errorsx.ReasonEngineConnect, "voice ai config rejected: "+ack.Message)
	}

	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})
	c.conn = conn

	c.logger.Info("voiceai_connected",
		slog.String("call_id", c.params.CallID),
		slog.String("trace_id", c.params.TraceID),
		slog.String("language", c.params.Language),
		slog.Bool("use_ai", c.params.UseAI),
		slog.Int("sample_rate", c.params.SampleRate))

	go c.receiver()
	return nil
}

// SendAudio writes one chunk followed by the EOF marker the service expects
// after every chunk.
func (c *Client) SendAudio(chunk []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return errorsx.New(errorsx.ReasonEngineSend, "voice ai not connected")
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEngineSend)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, eofMarker); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEngineSend)
	}
	return nil
}

// CloseForDrain sends a close frame so the service flushes whatever it still
// holds; results keep arriving until the peer closes.
func (c *Client) CloseForDrain() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err != nil && err != websocket.ErrCloseSent {
		return errorsx.Wrap(err, errorsx.ReasonEngineSend)
	}
	return nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
	return nil
}

// receiver drains server messages onto the result channel until the
// connection ends. A clean close just closes the channel; anything
// unexpected surfaces as a stream error first.
func (c *Client) receiver() {
	defer close(c.out)
	for {
		var msg serverMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("voiceai_stream_closed",
					slog.String("call_id", c.params.CallID))
				return
			}
			// A read error after Close tore the connection down locally is
			// the expected end of stream, not an engine failure.
			if c.closed.Load() {
				c.logger.Info("voiceai_stream_closed_locally",
					slog.String("call_id", c.params.CallID))
				return
			}
			c.logger.Error("voiceai_read_error",
				slog.String("call_id", c.params.CallID),
				slog.String("error", err.Error()))
			c.out <- engines.StreamError(c.params.CallID, errorsx.Wrap(err, errorsx.ReasonEngineStream))
			return
		}
		switch msg.Type {
		case "transcription":
			c.out <- engines.Transcription(c.params.CallID, msg.Text)
		case "ai_response":
			c.out <- engines.AIResponse(c.params.CallID, msg.Text)
		case "error":
			c.logger.Error("voiceai_service_error",
				slog.String("call_id", c.params.CallID),
				slog.String("message", msg.Message))
			c.out <- engines.StreamError(c.params.CallID,
				errorsx.New(errorsx.ReasonEngineStream, "voice ai service error: "+msg.Message))
			return
		default:
			c.out <- engines.StreamError(c.params.CallID,
				errorsx.New(errorsx.ReasonEngineStream,
					fmt.Sprintf("unexpected voice ai message type %q", msg.Type)))
			return
		}
	}
}

var _ engines.StreamingEngine = (*Client)(nil)
