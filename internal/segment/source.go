package segment

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// Source yields Trace values one at a time, lazily and non-restartably.
// Implementations read from a JSONL stream or a legacy single-object file.
type Source interface {
	// Next returns the next trace. The final call returns ok == false
	// with a nil error. A non-nil error wrapping ErrMalformedTrace,
	// ErrMissingDuration or ErrSchemaValidation concerns only the line
	// just read, and Next may be called again for the following one; any
	// other non-nil error means the source itself failed.
	Next() (trace Trace, ok bool, err error)
}

// jsonlSource reads one trace per line from a JSONL stream.
type jsonlSource struct {
	scanner *bufio.Scanner
}

// NewJSONLSource wraps r as a Source that decodes one trace per line.
func NewJSONLSource(r io.Reader) Source {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &jsonlSource{scanner: scanner}
}

func (s *jsonlSource) Next() (Trace, bool, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		// Bytes() is reused by the scanner; copy before decoding since
		// Trace.Line retains a reference beyond this call.
		owned := make([]byte, len(line))
		copy(owned, line)

		trace, err := Decode(owned)
		if err != nil {
			return Trace{}, false, err
		}

		return trace, true, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Trace{}, false, fmt.Errorf("segment: read jsonl: %w", err)
	}

	return Trace{}, false, nil
}

// validatingJSONLSource wraps jsonlSource, running ValidateEnvelope against
// each raw line before decoding it. A schema failure is reported the same
// way a decode failure is: a non-nil error from Next for that one line,
// after which the next call moves on to the following line.
type validatingJSONLSource struct {
	inner *jsonlSource
}

// NewValidatingJSONLSource wraps r as a Source that checks every line
// against the outer envelope schema before decoding it — the "schema gate
// at the edge, permissive decoding inside" split described for the segment
// parser boundary.
func NewValidatingJSONLSource(r io.Reader) Source {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	return &validatingJSONLSource{inner: &jsonlSource{scanner: scanner}}
}

func (s *validatingJSONLSource) Next() (Trace, bool, error) {
	for s.inner.scanner.Scan() {
		line := s.inner.scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		owned := make([]byte, len(line))
		copy(owned, line)

		if err := ValidateEnvelope(owned); err != nil {
			return Trace{}, false, err
		}

		trace, err := Decode(owned)
		if err != nil {
			return Trace{}, false, err
		}

		return trace, true, nil
	}

	if err := s.inner.scanner.Err(); err != nil {
		return Trace{}, false, fmt.Errorf("segment: read jsonl: %w", err)
	}

	return Trace{}, false, nil
}

// legacySource reads a single JSON object mapping trace id to trace payload,
// decoded once up front, then replayed as a sequence.
type legacySource struct {
	ids    []string
	traces map[string]Trace
	pos    int
}

// NewLegacySource decodes the legacy single-object format from r: a JSON
// object whose values are trace payloads shaped like individual JSONL
// lines. It is provided only for migration; batch analysis should prefer
// NewJSONLSource.
func NewLegacySource(r io.Reader) (Source, error) {
	var raw map[string]json.RawMessage

	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedTrace, err)
	}

	ids := make([]string, 0, len(raw))
	traces := make(map[string]Trace, len(raw))

	for id, payload := range raw {
		trace, err := Decode(payload)
		if err != nil {
			return nil, err
		}

		ids = append(ids, id)
		traces[id] = trace
	}

	return &legacySource{ids: ids, traces: traces}, nil
}

func (s *legacySource) Next() (Trace, bool, error) {
	if s.pos >= len(s.ids) {
		return Trace{}, false, nil
	}

	id := s.ids[s.pos]
	s.pos++

	return s.traces[id], true, nil
}

// Migrate rewrites a legacy single-object trace file read from r into JSONL
// form, writing one compact trace-per-line to w.
func Migrate(r io.Reader, w io.Writer) error {
	var raw map[string]json.RawMessage

	dec := json.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedTrace, err)
	}

	bw := bufio.NewWriter(w)

	for _, payload := range raw {
		if _, err := bw.Write(payload); err != nil {
			return fmt.Errorf("segment: write jsonl: %w", err)
		}

		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("segment: write jsonl: %w", err)
		}
	}

	return bw.Flush()
}

// MigrateFile migrates the legacy file at path into JSONL. When replace is
// true the original file is overwritten in place; otherwise the result is
// written to path with a ".jsonl" suffix.
func MigrateFile(path string, replace bool) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("segment: open %s: %w", path, err)
	}
	defer src.Close()

	outPath := path + ".jsonl"
	if replace {
		outPath = path + ".tmp"
	}

	dst, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("segment: create %s: %w", outPath, err)
	}

	if err := Migrate(src, dst); err != nil {
		dst.Close()
		return err
	}

	if err := dst.Close(); err != nil {
		return fmt.Errorf("segment: close %s: %w", outPath, err)
	}

	if !replace {
		return nil
	}

	if err := src.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("segment: close %s: %w", path, err)
	}

	if err := os.Rename(outPath, path); err != nil {
		return fmt.Errorf("segment: rename %s: %w", outPath, err)
	}

	return nil
}
