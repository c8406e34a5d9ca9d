// Package engines defines the contract between a transcription session and
// the speech engine carrying it. Implementations live in subpackages, one per
// vendor protocol.
package engines

import "context"

// Kind selects the engine variant for a deployment.
type Kind string

const (
	KindCloudASR Kind = "cloud_asr"
	KindVoiceAI  Kind = "voice_ai"
)

// ParseKind validates a config string and maps it onto a Kind.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindCloudASR, KindVoiceAI:
		return Kind(s), true
	default:
		return "", false
	}
}

// Params carries the per-session engine settings fixed at session start.
type Params struct {
	CallID     string
	TraceID    string
	Language   string
	SampleRate int
	UseAI      bool
}

// StreamingEngine is one call's connection to a speech engine.
//
// The owning session calls Connect once, then drives SendAudio from its
// forward loop while draining Results concurrently. CloseForDrain signals
// end-of-stream without tearing the receive side down; Close force-closes
// everything. SendAudio and the Results channel must never block each other.
type StreamingEngine interface {
	// Name returns the engine name for logging/metrics.
	Name() string
	// Connect dials the engine and completes any handshake. It respects
	// ctx cancellation and deadline.
	Connect(ctx context.Context) error
	// SendAudio forwards one audio chunk in call order.
	SendAudio(chunk []byte) error
	// CloseForDrain sends end-of-stream; results still in flight keep
	// arriving on Results until the engine closes the channel.
	CloseForDrain() error
	// Close tears the connection down. Safe to call more than once and
	// after CloseForDrain.
	Close() error
	// Results returns the engine output stream. The channel is closed by
	// the engine once no further results will be produced.
	Results() <-chan Result
}

// Factory builds one engine connection per admitted session.
type Factory func(p Params) StreamingEngine
