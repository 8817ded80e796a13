package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Envelope is the record wrapping every business event. EventID is the
// dedup key; Payload is kept opaque and evolves independently of the envelope.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	EventTime     time.Time       `json:"event_time"`
	IngestTime    time.Time       `json:"ingest_time"`
	TenantID      string          `json:"tenant_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	SourceSystem  string          `json:"source_system,omitempty"`
	Environment   string          `json:"environment,omitempty"`
	RecordSource  string          `json:"record_source,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Checksum      string          `json:"checksum,omitempty"`
}

// envelopeWire mirrors Envelope with pointers on the required fields so a
// missing key can be told apart from a zero value.
type envelopeWire struct {
	EventID       *string         `json:"event_id"`
	EventType     *string         `json:"event_type"`
	SchemaVersion *int            `json:"schema_version"`
	EventTime     *time.Time      `json:"event_time"`
	IngestTime    *time.Time      `json:"ingest_time"`
	TenantID      string          `json:"tenant_id"`
	UserID        string          `json:"user_id"`
	SessionID     string          `json:"session_id"`
	SourceSystem  string          `json:"source_system"`
	Environment   string          `json:"environment"`
	RecordSource  string          `json:"record_source"`
	Payload       json.RawMessage `json:"payload"`
	Checksum      string          `json:"checksum"`
}

// DecodeError reports a record that could not be turned into an Envelope,
// either because it is not valid JSON or because a required field is absent.
type DecodeError struct {
	Field string // missing required field, empty for syntax errors
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode envelope: missing required field %q", e.Field)
	}
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ErrMissingField is wrapped by every DecodeError raised for an absent field.
var ErrMissingField = errors.New("missing required field")

// Decode parses one JSON envelope. All of event_id, event_type,
// schema_version, event_time and ingest_time must be present.
func Decode(raw []byte) (*Envelope, error) {
	return decode(raw, true)
}

// DecodeIncoming parses an envelope as it arrives from the broker. The
// producer is not expected to set ingest_time; the sink stamps it.
func DecodeIncoming(raw []byte) (*Envelope, error) {
	return decode(raw, false)
}

func decode(raw []byte, requireIngestTime bool) (*Envelope, error) {
	var w envelopeWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Err: err}
	}

	switch {
	case w.EventID == nil || *w.EventID == "":
		return nil, missing("event_id")
	case w.EventType == nil || *w.EventType == "":
		return nil, missing("event_type")
	case w.SchemaVersion == nil:
		return nil, missing("schema_version")
	case *w.SchemaVersion < math.MinInt32 || *w.SchemaVersion > math.MaxInt32:
		return nil, &DecodeError{Err: fmt.Errorf("schema_version %d does not fit in int32", *w.SchemaVersion)}
	case w.EventTime == nil:
		return nil, missing("event_time")
	case requireIngestTime && w.IngestTime == nil:
		return nil, missing("ingest_time")
	}

	env := &Envelope{
		EventID:       *w.EventID,
		EventType:     *w.EventType,
		SchemaVersion: *w.SchemaVersion,
		EventTime:     w.EventTime.UTC(),
		TenantID:      w.TenantID,
		UserID:        w.UserID,
		SessionID:     w.SessionID,
		SourceSystem:  w.SourceSystem,
		Environment:   w.Environment,
		RecordSource:  w.RecordSource,
		Checksum:      w.Checksum,
	}
	if w.IngestTime != nil {
		env.IngestTime = w.IngestTime.UTC()
	}

	if len(w.Payload) > 0 && !bytes.Equal(w.Payload, []byte("null")) {
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, w.Payload); err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("payload: %w", err)}
		}
		env.Payload = compacted.Bytes()
	}

	return env, nil
}

func missing(field string) *DecodeError {
	return &DecodeError{Field: field, Err: ErrMissingField}
}

// Encode renders the envelope as compact JSON without a trailing newline.
// Payload text is written as the producer sent it, with no HTML escaping.
func Encode(env *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.EventID, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// EncodeLine renders the envelope as a single NDJSON line.
func EncodeLine(env *Envelope) ([]byte, error) {
	data, err := Encode(env)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
