package domain

import "time"

// Point is the normalized time series sample produced by the transform
// registry and consumed by the dedup cache and the ts writer. Field and tag
// maps are exported so the dedup fingerprint can walk them directly, unlike
// the private-attribute access the pipeline this is modeled on relies on.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Time        time.Time
}

// RawPayload is the decoded body of an inbound ingest request, captured
// before JSON parsing so the archive can store it verbatim.
type RawPayload struct {
	ID      string
	Topic   string
	Payload []byte
	Ts      time.Time
}

// ArchiveEntry is one line read back out of a rotated archive file.
type ArchiveEntry struct {
	ID      string
	Topic   string
	Ts      time.Time
	Payload []byte
}

// DLQCategory classifies why an item was dead-lettered.
type DLQCategory string

const (
	CategoryJSONParseError    DLQCategory = "json_parse_error"
	CategoryUnicodeDecodeError DLQCategory = "unicode_decode_error"
	CategoryValidationError  DLQCategory = "validation_error"
	CategoryTransformError   DLQCategory = "transform_error"
	CategoryWriteError       DLQCategory = "write_error"
	CategoryUnknownError     DLQCategory = "unknown_error"
)

// DLQEntry is a single dead-lettered item, persisted and replayable.
type DLQEntry struct {
	ID             string
	Category       DLQCategory
	Topic          string
	Payload        []byte
	ErrorMessage   string
	ErrorTraceback string
	ArchiveID      string
	RetryCount     int
	CreatedAt      time.Time
	LastRetryAt    *time.Time
}

// IngestionEvent is what the orchestrator's worker pool consumes: a raw
// body plus the metadata recorded while archiving and authenticating it.
type IngestionEvent struct {
	Topic     string
	Payload   []byte
	ArchiveID string
	ReceivedAt time.Time
}
