package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect      ReasonCode = "stt_connect"
	ReasonSTTSend         ReasonCode = "stt_send"
	ReasonSTTRecv         ReasonCode = "stt_recv"
	ReasonSTTCloseTimeout ReasonCode = "stt_close_timeout"

	ReasonEventDecode ReasonCode = "event_decode"

	ReasonCaptureWrite ReasonCode = "capture_write"

	ReasonDetectionUpload  ReasonCode = "detection_upload"
	ReasonDetectionPoll    ReasonCode = "detection_poll"
	ReasonDetectionTimeout ReasonCode = "detection_timeout"

	ReasonNotifySend  ReasonCode = "notify_send"
	ReasonPublishSend ReasonCode = "publish_send"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportRead             ReasonCode = "transport_read"
	ReasonTransportDial             ReasonCode = "transport_dial"
)
