// Package deepgram implements the cloud streaming-recognition engine on the
// Deepgram live transcription API. It has no AI-agent capability; use_ai is
// ignored for this variant.
package deepgram

import (
	"context"
	"io"
	"log/slog"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/stentorlabs/stentor/pkg/engines"
	"github.com/stentorlabs/stentor/pkg/errorsx"
	"github.com/stentorlabs/stentor/pkg/logging"
	"github.com/stentorlabs/stentor/pkg/redact"
)

type Config struct {
	APIKey   string
	Model    string
	Encoding string
}

type Client struct {
	cfg    Config
	params engines.Params
	out    chan engines.Result
	logger *slog.Logger

	dgClient   *client.WSCallback
	ctx        context.Context
	cancel     context.CancelFunc
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	closeOut   sync.Once
	metaLogged bool
}

func New(cfg Config, p engines.Params) *Client {
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if p.SampleRate == 0 {
		p.SampleRate = 16000
	}
	return &Client{
		cfg:    cfg,
		params: p,
		out:    make(chan engines.Result, 256),
		logger: logging.NewComponentLogger(slog.Default(), "cloud_asr"),
	}
}

func (c *Client) Name() string { return "cloud_asr" }

func (c *Client) Results() <-chan engines.Result { return c.out }

func (c *Client) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.pipeReader, c.pipeWriter = io.Pipe()

	clientOptions := &interfaces.ClientOptions{
		EnableKeepAlive: true,
	}
	transcriptOptions := &interfaces.LiveTranscriptionOptions{
		Model:       c.cfg.Model,
		Language:    c.params.Language,
		Encoding:    c.cfg.Encoding,
		SampleRate:  c.params.SampleRate,
		SmartFormat: true,
	}

	c.logger.Info("cloud_asr_connecting",
		slog.String("call_id", c.params.CallID),
		slog.String("trace_id", c.params.TraceID),
		slog.String("model", c.cfg.Model),
		slog.Int("sample_rate", c.params.SampleRate))

	cb := &callback{parent: c}
	dgClient, err := client.NewWSUsingCallback(c.ctx, c.cfg.APIKey, clientOptions, transcriptOptions, cb)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEngineConnect)
	}
	c.dgClient = dgClient

	if connected := c.dgClient.Connect(); !connected {
		return errorsx.New(errorsx.ReasonEngineConnect, "cloud asr connection failed")
	}

	go func() {
		if err := c.dgClient.Stream(c.pipeReader); err != nil && c.ctx.Err() == nil {
			c.logger.Error("cloud_asr_stream_error",
				slog.String("call_id", c.params.CallID),
				slog.String("error", err.Error()))
		}
	}()
	return nil
}

func (c *Client) SendAudio(chunk []byte) error {
	if c.pipeWriter == nil {
		return errorsx.New(errorsx.ReasonEngineSend, "cloud asr not connected")
	}
	if _, err := c.pipeWriter.Write(chunk); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEngineSend)
	}
	return nil
}

// CloseForDrain ends the audio stream. Deepgram flushes pending transcripts
// and then closes the websocket, which lands in the Close callback.
func (c *Client) CloseForDrain() error {
	if c.pipeWriter != nil {
		_ = c.pipeWriter.Close()
	}
	return nil
}

func (c *Client) Close() error {
	if c.pipeWriter != nil {
		_ = c.pipeWriter.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.dgClient != nil {
		c.dgClient.Stop()
	}
	c.finish()
	return nil
}

func (c *Client) finish() {
	c.closeOut.Do(func() { close(c.out) })
}

func (c *Client) emit(r engines.Result) {
	select {
	case c.out <- r:
	default:
		c.logger.Warn("cloud_asr_result_channel_full",
			slog.String("call_id", c.params.CallID))
	}
}

// --- Deepgram callback implementation ---

type callback struct {
	parent *Client
}

func (cb *callback) Open(or *msginterfaces.OpenResponse) error {
	cb.parent.logger.Info("cloud_asr_connection_opened",
		slog.String("call_id", cb.parent.params.CallID))
	return nil
}

// Message surfaces final transcripts only, matching the engine contract of
// one TranscriptionResult per finalized utterance.
func (cb *callback) Message(mr *msginterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	transcript := mr.Channel.Alternatives[0].Transcript
	if transcript == "" {
		return nil
	}
	if !mr.IsFinal && !mr.SpeechFinal {
		return nil
	}
	cb.parent.logger.Debug("cloud_asr_transcript",
		slog.String("call_id", cb.parent.params.CallID),
		slog.String("transcript", redact.Text(transcript)))
	cb.parent.emit(engines.Transcription(cb.parent.params.CallID, transcript))
	return nil
}

func (cb *callback) Metadata(md *msginterfaces.MetadataResponse) error {
	if !cb.parent.metaLogged {
		cb.parent.metaLogged = true
		cb.parent.logger.Info("cloud_asr_metadata",
			slog.String("call_id", cb.parent.params.CallID),
			slog.String("request_id", md.RequestID))
	}
	return nil
}

func (cb *callback) SpeechStarted(ssr *msginterfaces.SpeechStartedResponse) error {
	return nil
}

func (cb *callback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	return nil
}

func (cb *callback) Close(cr *msginterfaces.CloseResponse) error {
	cb.parent.logger.Info("cloud_asr_connection_closed",
		slog.String("call_id", cb.parent.params.CallID))
	cb.parent.finish()
	return nil
}

func (cb *callback) Error(er *msginterfaces.ErrorResponse) error {
	cb.parent.logger.Error("cloud_asr_error",
		slog.String("call_id", cb.parent.params.CallID),
		slog.String("error_code", er.ErrCode),
		slog.String("error_message", er.ErrMsg))
	cb.parent.emit(engines.StreamError(cb.parent.params.CallID,
		errorsx.New(errorsx.ReasonEngineStream, er.ErrMsg)))
	cb.parent.finish()
	return nil
}

func (cb *callback) UnhandledEvent(byData []byte) error {
	cb.parent.logger.Debug("cloud_asr_unhandled_event",
		slog.String("call_id", cb.parent.params.CallID),
		slog.String("data", string(byData)))
	return nil
}

var _ engines.StreamingEngine = (*Client)(nil)
