// Package segment decodes raw trace records into Go values. A trace record
// is itself a two-layer document: an outer wrapper identifying the trace and
// listing opaque segment envelopes, and an inner JSON document per segment
// that the wrapper stores as a string. Package segment peels both layers.
package segment

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedTrace is returned when the outer trace wrapper, or any inner
// segment document it references, fails to decode as JSON.
var ErrMalformedTrace = errors.New("segment: malformed trace")

// ErrMissingDuration is returned when a trace's Duration field is absent.
// It is used as a coarse completeness gate before any graph work begins.
var ErrMissingDuration = errors.New("segment: missing duration")

// rawTrace mirrors the on-disk JSONL wrapper shape.
type rawTrace struct {
	ID            string        `json:"Id"`
	Duration      *float64      `json:"Duration"`
	LimitExceeded bool          `json:"LimitExceeded"`
	Segments      []rawEnvelope `json:"Segments"`
}

// rawEnvelope is one entry of a trace's Segments array. The actual segment
// document is carried pre-encoded in Document, a nested JSON string.
type rawEnvelope struct {
	ID       string `json:"Id"`
	Document string `json:"Document"`
}

// Doc is a single decoded segment (or subsegment) document. It models the
// known shapes described by the original tracing schema as a flat struct
// with a Raw fallback, rather than a full tagged union: callers that need a
// field absent here can still reach it through Raw.
type Doc struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id,omitempty"`
	Name        string          `json:"name"`
	Origin      string          `json:"origin,omitempty"`
	StartTime   float64         `json:"start_time"`
	EndTime     float64         `json:"end_time"`
	InProgress  bool            `json:"in_progress,omitempty"`
	Error       bool            `json:"error,omitempty"`
	Fault       bool            `json:"fault,omitempty"`
	Throttle    bool            `json:"throttle,omitempty"`
	HTTP        *HTTPInfo       `json:"http,omitempty"`
	Subsegments []Doc           `json:"subsegments,omitempty"`
	Raw         json.RawMessage `json:"-"`
}

// RootTraceID returns the custom "root_trace_id" annotation value, if the
// segment's raw document carries one, and whether it was present. The
// trigger correlator uses this to identify a trace as a correlated child.
func (d Doc) RootTraceID() (string, bool) {
	if len(d.Raw) == 0 {
		return "", false
	}

	var annotated struct {
		Annotations struct {
			RootTraceID string `json:"root_trace_id"`
		} `json:"annotations"`
	}

	if err := json.Unmarshal(d.Raw, &annotated); err != nil {
		return "", false
	}

	if annotated.Annotations.RootTraceID == "" {
		return "", false
	}

	return annotated.Annotations.RootTraceID, true
}

// HTTPInfo captures the subset of the HTTP block the breakdown analyzer
// inspects (the API-Gateway stage URL).
type HTTPInfo struct {
	Request struct {
		URL string `json:"url,omitempty"`
	} `json:"request"`
}

// Trace is a fully decoded trace record: the wrapper metadata plus every
// segment document, inner layer already decoded.
type Trace struct {
	ID            string
	Duration      float64
	LimitExceeded bool
	Segments      []Doc

	// Line is the original raw JSONL line, retained so the trigger
	// correlator can re-emit or re-scan it without re-encoding.
	Line []byte
}

// Decode parses one JSONL line into a Trace, decoding both the outer
// wrapper and every inner segment document.
func Decode(line []byte) (Trace, error) {
	var raw rawTrace

	if err := json.Unmarshal(line, &raw); err != nil {
		return Trace{}, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
	}

	if raw.Duration == nil {
		return Trace{}, fmt.Errorf("%w: trace %q", ErrMissingDuration, raw.ID)
	}

	segments := make([]Doc, 0, len(raw.Segments))

	for _, env := range raw.Segments {
		doc, err := decodeDoc(env.Document)
		if err != nil {
			return Trace{}, fmt.Errorf("%w: segment %q: %w", ErrMalformedTrace, env.ID, err)
		}

		segments = append(segments, doc)
	}

	return Trace{
		ID:            raw.ID,
		Duration:      *raw.Duration,
		LimitExceeded: raw.LimitExceeded,
		Segments:      segments,
		Line:          line,
	}, nil
}

func decodeDoc(document string) (Doc, error) {
	var doc Doc

	if err := json.Unmarshal([]byte(document), &doc); err != nil {
		return Doc{}, err
	}

	doc.Raw = json.RawMessage(document)

	return doc, nil
}
