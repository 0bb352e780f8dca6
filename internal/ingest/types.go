// Package ingest defines core types shared across the ingestion subsystems.
package ingest

import (
	"time"
)

// EnvelopeVersion is the only envelope schema version the gateway accepts.
const EnvelopeVersion = "1.0.0"

// MaxEnvelopeBytes caps the serialized size of a submitted envelope.
const MaxEnvelopeBytes = 64 * 1024

// DefaultMaxPayloadBytes applies when a source spec does not set its own cap.
const DefaultMaxPayloadBytes = 64 * 1024 * 1024

// PayloadRefPrefix is the scheme under which accepted payloads are addressed.
const PayloadRefPrefix = "cas:sha256:"

// DataPolicy classifies how payloads from a source may be used downstream.
type DataPolicy string

// Data policy values allowed in source specs.
const (
	DataPolicyPublic     DataPolicy = "public"
	DataPolicyRestricted DataPolicy = "restricted"
	DataPolicyInternal   DataPolicy = "internal"
)

// SourceSpec declares what may be fetched from one external source and
// under what rules. Specs are loaded at startup and never mutated.
type SourceSpec struct {
	SourceID         string     `json:"source_id"`
	Endpoint         string     `json:"endpoint"`
	Method           string     `json:"method"`
	ContentTypes     []string   `json:"content_types"`
	RateLimitRPM     int        `json:"rate_limit_rpm"`
	RateLimitRPH     int        `json:"rate_limit_rph"`
	TimeoutMs        int        `json:"timeout_ms"`
	DataPolicy       DataPolicy `json:"data_policy"`
	LicenseID        string     `json:"license_id"`
	MaxPayloadBytes  int64      `json:"max_payload_bytes"`
	Enabled          bool       `json:"enabled"`
	RenderJS         bool       `json:"render_js"`
	CadenceFloorSecs int64      `json:"cadence_floor_secs"`
	ParsePlanRef     string     `json:"parse_plan_ref"`
}

// Timeout returns the per-request deadline for this source.
func (s SourceSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// PayloadCap returns the configured payload cap or the default.
func (s SourceSpec) PayloadCap() int64 {
	if s.MaxPayloadBytes > 0 {
		return s.MaxPayloadBytes
	}
	return DefaultMaxPayloadBytes
}

// ChecksumMeta carries content digests of the payload.
type ChecksumMeta struct {
	SHA256 string `json:"sha256"`
}

// PayloadMeta describes the payload bytes attached to a submission.
type PayloadMeta struct {
	SizeBytes int64        `json:"size_bytes"`
	Checksum  ChecksumMeta `json:"checksum"`
	MimeType  string       `json:"mime_type"`
}

// RequestMeta records the HTTP request that produced the payload.
type RequestMeta struct {
	URL          string `json:"url"`
	Method       string `json:"method"`
	StatusCode   int    `json:"status_code"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
}

// TimingMeta records when the payload was fetched.
type TimingMeta struct {
	FetchedAt time.Time `json:"fetched_at"`
}

// LegalMeta records the license under which the payload was obtained.
type LegalMeta struct {
	LicenseID string `json:"license_id"`
}

// ContentMeta gives downstream parsers a hint about the payload shape.
type ContentMeta struct {
	SchemaHint string `json:"schema_hint,omitempty"`
}

// TraceMeta carries request tracing identifiers through the pipeline.
type TraceMeta struct {
	TraceID string `json:"trace_id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// Envelope is the unit appended to the ingest log. Submission fields are
// filled by the scheduler (or an out-of-process adapter); envelope_id,
// gateway_received_at, and payload_ref are assigned by the gateway when the
// envelope is sealed. A sealed envelope is never mutated.
type Envelope struct {
	EnvelopeVersion string         `json:"envelope_version"`
	SourceID        string         `json:"source_id"`
	IdempotencyKey  string         `json:"idempotency_key"`
	PayloadMeta     PayloadMeta    `json:"payload_meta"`
	Request         RequestMeta    `json:"request"`
	Timing          TimingMeta     `json:"timing"`
	Legal           LegalMeta      `json:"legal"`
	GeoHint         string         `json:"geo_hint,omitempty"`
	Content         *ContentMeta   `json:"content,omitempty"`
	Trace           *TraceMeta     `json:"trace,omitempty"`
	Ext             map[string]any `json:"ext,omitempty"`

	EnvelopeID        string     `json:"envelope_id,omitempty"`
	GatewayReceivedAt *time.Time `json:"gateway_received_at,omitempty"`
	PayloadRef        string     `json:"payload_ref,omitempty"`
}

// Sealed reports whether the gateway has stamped this envelope.
func (e Envelope) Sealed() bool {
	return e.EnvelopeID != "" && e.PayloadRef != "" && e.GatewayReceivedAt != nil
}

// AcceptStatus is the terminal disposition of a gateway submission.
type AcceptStatus string

// Accept statuses returned by the gateway.
const (
	StatusAccepted     AcceptStatus = "accepted"
	StatusDeduplicated AcceptStatus = "deduplicated"
	StatusRejected     AcceptStatus = "rejected"
)

// AcceptResult is the gateway's answer to a submission.
type AcceptResult struct {
	Status     AcceptStatus
	EnvelopeID string
	PayloadRef string
	Reason     string
	Position   *LogPosition
}

// FetchDisposition classifies the outcome of a scheduler cycle.
type FetchDisposition string

// Fetch dispositions.
const (
	FetchAccepted       FetchDisposition = "accepted"
	FetchDeduplicated   FetchDisposition = "deduplicated"
	FetchSkippedCadence FetchDisposition = "skipped_cadence"
	FetchRejected       FetchDisposition = "rejected"
	FetchFailed         FetchDisposition = "failed"
)

// FetchOutcome is returned by Scheduler.FetchOnce.
type FetchOutcome struct {
	Disposition FetchDisposition
	EnvelopeID  string
	PayloadRef  string
	StatusCode  int
	Reason      string
}

// LogPosition identifies one record in the date-partitioned ingest log.
// FileDate is the UTC day in YYYY-MM-DD form; ByteOffset is the offset of
// the byte immediately after the record's trailing newline.
type LogPosition struct {
	FileDate   string
	ByteOffset int64
}

// Less orders positions by (file_date, byte_offset).
func (p LogPosition) Less(other LogPosition) bool {
	if p.FileDate != other.FileDate {
		return p.FileDate < other.FileDate
	}
	return p.ByteOffset < other.ByteOffset
}

// ConsumerOffset is a named consumer's committed progress in one log file.
type ConsumerOffset struct {
	ConsumerID string
	FileDate   string
	ByteOffset int64
}

// DedupRecord maps an idempotency key to the envelope that owns it.
type DedupRecord struct {
	IdempotencyKey string
	EnvelopeID     string
	FirstSeenAt    time.Time
}
