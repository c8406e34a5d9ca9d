package engines

// ResultKind tags one engine output value.
type ResultKind string

const (
	// ResultTranscription is a final transcript fragment.
	ResultTranscription ResultKind = "transcription"
	// ResultAIResponse is an agent reply, produced only by engines that
	// support use_ai.
	ResultAIResponse ResultKind = "ai_response"
	// ResultError reports an unrecoverable stream error; the engine closes
	// its Results channel right after emitting it.
	ResultError ResultKind = "error"
)

// Result is one engine output value. Exactly one of Text or Err is
// meaningful, depending on Kind.
type Result struct {
	Kind   ResultKind
	CallID string
	Text   string
	Err    error
}

func Transcription(callID, text string) Result {
	return Result{Kind: ResultTranscription, CallID: callID, Text: text}
}

func AIResponse(callID, text string) Result {
	return Result{Kind: ResultAIResponse, CallID: callID, Text: text}
}

func StreamError(callID string, err error) Result {
	return Result{Kind: ResultError, CallID: callID, Err: err}
}
