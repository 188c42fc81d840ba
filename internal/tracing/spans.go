package tracing

// Span attribute keys. These are the semantic conventions for cursord
// traces; keep them stable, dashboards key on them.
const (
	// Job attributes.
	AttrRequestID      = "job.request_id"
	AttrJobMode        = "job.mode"
	AttrRepository     = "job.repository"
	AttrConversationID = "conversation.id"
	AttrIterations     = "job.iterations"
	AttrSuccess        = "job.success"

	// Invocation attributes.
	AttrInvocationLabel = "invocation.label"
	AttrExitCode        = "invocation.exit_code"
	AttrOutputBytes     = "invocation.output_bytes"

	// Review attributes.
	AttrCodeComplete   = "review.code_complete"
	AttrBreakIteration = "review.break_iteration"

	// HTTP attributes.
	AttrHTTPMethod = "http.method"
	AttrHTTPRoute  = "http.route"
	AttrHTTPStatus = "http.status_code"

	// Error attributes.
	AttrErrorMessage = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixHTTP       = "http."
	SpanPrefixJob        = "job."
	SpanPrefixInvocation = "invocation."
)

// Event names for span events.
const (
	EventSlotWaiting      = "runner.slot_waiting"
	EventSummarization    = "memory.summarized"
	EventReviewVerdict    = "review.verdict"
	EventWebhookDelivered = "webhook.delivered"
	EventWebhookFailed    = "webhook.failed"
	EventOverflowDetected = "memory.overflow_detected"
)
