// Package bus publishes transcription events to the platform message bus.
// Delivery is fire-and-forget: a failed publish is logged and dropped, never
// surfaced to the session that produced the event.
package bus

import "encoding/json"

const (
	RoutingKeySTT        = "applications.stt.event"
	RoutingKeyAIResponse = "applications.ai_response.event"
)

// Event is one bus message: a routing key plus a JSON body.
type Event struct {
	RoutingKey string
	Body       any
}

type sttBody struct {
	CallID    string `json:"call_id"`
	ResultSTT string `json:"result_stt"`
}

type aiResponseBody struct {
	CallID     string `json:"call_id"`
	AIResponse string `json:"ai_response"`
}

// STTEvent builds the event for one final transcript fragment.
func STTEvent(callID, transcription string) Event {
	return Event{
		RoutingKey: RoutingKeySTT,
		Body:       sttBody{CallID: callID, ResultSTT: transcription},
	}
}

// AIResponseEvent builds the event for one agent reply.
func AIResponseEvent(callID, response string) Event {
	return Event{
		RoutingKey: RoutingKeyAIResponse,
		Body:       aiResponseBody{CallID: callID, AIResponse: response},
	}
}

// EncodeBody marshals the event body for transport.
func (e Event) EncodeBody() ([]byte, error) {
	return json.Marshal(e.Body)
}
