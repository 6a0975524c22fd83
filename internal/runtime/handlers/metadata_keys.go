package handlers

// Reserved metadata keys.
const (
	// MetadataKeyCorrelationID links every message produced while handling
	// one network event.
	MetadataKeyCorrelationID = "correlation_id"

	// MetadataKeyEventSchema names the Go type of a JSON payload.
	MetadataKeyEventSchema = "event_message_schema"

	// MetadataKeyHandler is set on poisoned messages.
	MetadataKeyHandler = "isoflow_handler"
)
