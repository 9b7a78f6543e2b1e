package segment_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joe4dev/trigger-bench/internal/segment"
)

const sampleLine = `{"Id":"1-abc","Duration":0.05,"LimitExceeded":false,"Segments":[{"Id":"s1","Document":"{\"id\":\"s1\",\"name\":\"gateway\",\"start_time\":1.0,\"end_time\":1.05}"}]}`

func TestDecode(t *testing.T) {
	t.Parallel()

	trace, err := segment.Decode([]byte(sampleLine))
	require.NoError(t, err)

	assert.Equal(t, "1-abc", trace.ID)
	assert.InDelta(t, 0.05, trace.Duration, 0)
	require.Len(t, trace.Segments, 1)
	assert.Equal(t, "gateway", trace.Segments[0].Name)
}

func TestDecode_MissingDuration(t *testing.T) {
	t.Parallel()

	_, err := segment.Decode([]byte(`{"Id":"1-abc","Segments":[]}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, segment.ErrMissingDuration)
}

func TestDecode_MalformedWrapper(t *testing.T) {
	t.Parallel()

	_, err := segment.Decode([]byte(`not json`))
	require.Error(t, err)
	assert.ErrorIs(t, err, segment.ErrMalformedTrace)
}

func TestDecode_MalformedSegmentDocument(t *testing.T) {
	t.Parallel()

	line := `{"Id":"1-abc","Duration":0.05,"Segments":[{"Id":"s1","Document":"not json"}]}`

	_, err := segment.Decode([]byte(line))
	require.Error(t, err)
	assert.ErrorIs(t, err, segment.ErrMalformedTrace)
}

func TestJSONLSource(t *testing.T) {
	t.Parallel()

	r := strings.NewReader(sampleLine + "\n" + sampleLine + "\n")
	src := segment.NewJSONLSource(r)

	count := 0

	for {
		trace, ok, err := src.Next()
		require.NoError(t, err)

		if !ok {
			break
		}

		assert.Equal(t, "1-abc", trace.ID)
		count++
	}

	assert.Equal(t, 2, count)
}

func TestMigrate_RoundTrip(t *testing.T) {
	t.Parallel()

	legacy := `{"1-abc":{"Id":"1-abc","Duration":0.05,"Segments":[]}}`

	var out bytes.Buffer
	require.NoError(t, segment.Migrate(strings.NewReader(legacy), &out))

	src := segment.NewJSONLSource(&out)

	trace, ok, err := src.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1-abc", trace.ID)

	_, ok, err = src.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDoc_RootTraceID(t *testing.T) {
	t.Parallel()

	doc := `{"id":"s1","name":"child","annotations":{"root_trace_id":"1-parent"}}`

	trace, err := segment.Decode([]byte(
		`{"Id":"1-child","Duration":0.01,"Segments":[{"Id":"s1","Document":` +
			quoteJSON(doc) + `}]}`))
	require.NoError(t, err)
	require.Len(t, trace.Segments, 1)

	rootID, ok := trace.Segments[0].RootTraceID()
	assert.True(t, ok)
	assert.Equal(t, "1-parent", rootID)
}

func quoteJSON(s string) string {
	var b bytes.Buffer

	b.WriteByte('"')

	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}

	b.WriteByte('"')

	return b.String()
}
