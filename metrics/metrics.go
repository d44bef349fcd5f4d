package metrics

import "time"

// Event names recorded by the payment flow.
const (
	EventRequest         = "request"
	EventPaymentRequired = "payment_required"
	EventPaymentSigned   = "payment_signed"
	EventPaymentRejected = "payment_rejected"
	EventPaymentFailed   = "payment_failed"
	EventStreamChunk     = "stream_chunk"
	EventStreamError     = "stream_error"
)

// Recorder receives counters and latencies. Labels are optional.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
