package segment

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// ErrSchemaValidation is returned when a raw JSONL line fails the outer
// envelope schema check: malformed lines are rejected here, at the parser
// boundary, before the nested Document strings are ever touched. Ground
// truth for the gojsonschema usage pattern: cmd/uast/validate.go.
var ErrSchemaValidation = errors.New("segment: envelope failed schema validation")

// envelopeSchemaJSON describes the outer trace wrapper shape only — Id,
// Duration, LimitExceeded, and a Segments array of {Id, Document} envelopes.
// It deliberately does not reach into Document (an opaque pre-encoded JSON
// string at this layer): the inner segment shape is the tagged-union-with-
// raw-fallback Doc type, decoded and validated structurally by Decode
// itself, not by schema.
const envelopeSchemaJSON = `{
	"type": "object",
	"required": ["Id", "Duration", "Segments"],
	"properties": {
		"Id": {"type": "string", "minLength": 1},
		"Duration": {"type": "number"},
		"LimitExceeded": {"type": "boolean"},
		"Segments": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["Id", "Document"],
				"properties": {
					"Id": {"type": "string"},
					"Document": {"type": "string"}
				}
			}
		}
	}
}`

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *gojsonschema.Schema
	envelopeSchemaErr  error
)

func loadEnvelopeSchema() (*gojsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		loader := gojsonschema.NewStringLoader(envelopeSchemaJSON)

		envelopeSchema, envelopeSchemaErr = gojsonschema.NewSchema(loader)
	})

	return envelopeSchema, envelopeSchemaErr
}

// ValidateEnvelope checks line against the outer trace wrapper schema,
// independently of Decode's own JSON unmarshaling. Callers that want a hard
// schema gate at the input boundary (rather than Decode's looser
// "unmarshal and let missing-field checks fail individually" behavior) run
// this first.
func ValidateEnvelope(line []byte) error {
	schema, err := loadEnvelopeSchema()
	if err != nil {
		return fmt.Errorf("segment: load envelope schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(line))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaValidation, err)
	}

	if !result.Valid() {
		return fmt.Errorf("%w: %s", ErrSchemaValidation, joinValidationErrors(result.Errors()))
	}

	return nil
}

func joinValidationErrors(errs []gojsonschema.ResultError) string {
	if len(errs) == 0 {
		return "unknown validation failure"
	}

	msg := errs[0].String()

	for _, e := range errs[1:] {
		msg += "; " + e.String()
	}

	return msg
}
