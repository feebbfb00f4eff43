package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect ReasonCode = "stt_connect"
	ReasonSTTAuth    ReasonCode = "stt_auth"
	ReasonSTTSend    ReasonCode = "stt_send"

	ReasonAnalysisRequest ReasonCode = "analysis_request"
	ReasonAnalysisDecode  ReasonCode = "analysis_decode"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"

	ReasonDialCreate ReasonCode = "dial_create"
)
