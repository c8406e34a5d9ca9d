package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonCapacityExceeded ReasonCode = "capacity_exceeded"
	ReasonDuplicateSession ReasonCode = "duplicate_session"
	ReasonSessionNotActive ReasonCode = "session_not_active"
	ReasonSessionNotFound  ReasonCode = "session_not_found"

	ReasonEngineConnect ReasonCode = "engine_connect"
	ReasonEngineSend    ReasonCode = "engine_send"
	ReasonEngineStream  ReasonCode = "engine_stream"

	ReasonMediaConnect ReasonCode = "media_connect"
	ReasonBusPublish   ReasonCode = "bus_publish"
)
