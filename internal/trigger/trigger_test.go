package trigger_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joe4dev/trigger-bench/internal/segment"
	"github.com/joe4dev/trigger-bench/internal/trigger"
)

func decodeLine(t *testing.T, line string) segment.Trace {
	t.Helper()

	trace, err := segment.Decode([]byte(line))
	require.NoError(t, err)

	return trace
}

func traceLine(id string, duration float64, segs string) string {
	return fmt.Sprintf(`{"Id":"%s","Duration":%g,"LimitExceeded":false,"Segments":[%s]}`, id, duration, segs)
}

func envelope(id, doc string) string {
	return fmt.Sprintf(`{"Id":%q,"Document":%q}`, id, doc)
}

// (vi) Disconnected trigger pair: a parent trace with a *_trigger span, and
// a child trace carrying a root_trace_id annotation plus a receiver0 span.
func TestCorrelator_DisconnectedPair(t *testing.T) {
	t.Parallel()

	parentID := "1-aaaaaaaa-aaaaaaaaaaaaaaaaaaaaaaaa"
	childID := "1-bbbbbbbb-bbbbbbbbbbbbbbbbbbbbbbbb"

	parentDoc := `{"id":"s1","name":"s3_trigger","start_time":1.000,"end_time":1.005}`
	parentLine := traceLine(parentID, 0.010, envelope("s1", parentDoc))

	childDocInner := fmt.Sprintf(
		`{"id":"s2","name":"receiver0","start_time":1.120,"end_time":1.130,`+
			`"annotations":{"root_trace_id":%q}}`, parentID)
	childLine := traceLine(childID, 0.010, envelope("s2", childDocInner))

	corr := trigger.NewCorrelator(64, 5)

	parentResult, err := corr.Feed(decodeLine(t, parentLine))
	require.NoError(t, err)
	assert.Equal(t, trigger.FeedCached, parentResult.Outcome)

	childResult, err := corr.Feed(decodeLine(t, childLine))
	require.NoError(t, err)
	require.Equal(t, trigger.FeedMerged, childResult.Outcome)

	row := childResult.Row
	assert.Equal(t, parentID, row.RootTraceID)
	assert.Equal(t, childID, row.ChildTraceID)

	t1, ok := row.T(1)
	require.True(t, ok)
	assert.InDelta(t, 1.000, t1, 1e-9)

	t2, ok := row.T(2)
	require.True(t, ok)
	assert.InDelta(t, 1.005, t2, 1e-9)

	t4, ok := row.T(4)
	require.True(t, ok)
	assert.InDelta(t, 1.120, t4, 1e-9)

	_, ok = row.T(3)
	assert.False(t, ok, "t3 requires a TriggerLambda segment, which this fixture doesn't have")
}

// Invariant 6: trigger merge is commutative — whichever half arrives first,
// the emitted landmark columns are the same.
func TestCorrelator_MergeIsOrderIndependent(t *testing.T) {
	t.Parallel()

	parentID := "1-cccccccc-cccccccccccccccccccccc"
	childID := "1-dddddddd-dddddddddddddddddddddd"

	parentDoc := `{"id":"p1","name":"sns_trigger","start_time":2.000,"end_time":2.004}`
	parentLine := traceLine(parentID, 0.010, envelope("p1", parentDoc))

	childDocInner := fmt.Sprintf(
		`{"id":"c1","name":"receiver0","start_time":2.050,"end_time":2.060,`+
			`"annotations":{"root_trace_id":%q}}`, parentID)
	childLine := traceLine(childID, 0.010, envelope("c1", childDocInner))

	// parent first
	corrA := trigger.NewCorrelator(64, 5)

	_, err := corrA.Feed(decodeLine(t, parentLine))
	require.NoError(t, err)

	resA, err := corrA.Feed(decodeLine(t, childLine))
	require.NoError(t, err)
	require.Equal(t, trigger.FeedMerged, resA.Outcome)

	// child first
	corrB := trigger.NewCorrelator(64, 5)

	_, err = corrB.Feed(decodeLine(t, childLine))
	require.NoError(t, err)

	resB, err := corrB.Feed(decodeLine(t, parentLine))
	require.NoError(t, err)
	require.Equal(t, trigger.FeedMerged, resB.Outcome)

	for n := 1; n <= 9; n++ {
		va, oka := resA.Row.T(n)
		vb, okb := resB.Row.T(n)
		assert.Equal(t, oka, okb, "t%d presence should match regardless of arrival order", n)
		assert.InDelta(t, va, vb, 1e-9, "t%d value should match regardless of arrival order", n)
	}
}

func TestCorrelator_ColdStartFlags(t *testing.T) {
	t.Parallel()

	parentID := "1-eeeeeeee-eeeeeeeeeeeeeeeeeeeeeeee"
	childID := "1-ffffffff-ffffffffffffffffffffffff"

	parentDoc := `{"id":"p1","name":"InfraLambdaFunction","origin":"AWS::Lambda::Function",` +
		`"start_time":1.000,"end_time":1.500,"subsegments":[` +
		`{"id":"init","name":"Initialization","start_time":1.000,"end_time":1.400}]}`
	parentLine := traceLine(parentID, 0.500, envelope("p1", parentDoc))

	childDocInner := fmt.Sprintf(
		`{"id":"c1","name":"TriggerLambdaFunction","origin":"AWS::Lambda::Function",`+
			`"start_time":2.000,"end_time":2.010,`+
			`"annotations":{"root_trace_id":%q}}`, parentID)
	childLine := traceLine(childID, 0.010, envelope("c1", childDocInner))

	corr := trigger.NewCorrelator(64, 5)

	_, err := corr.Feed(decodeLine(t, parentLine))
	require.NoError(t, err)

	res, err := corr.Feed(decodeLine(t, childLine))
	require.NoError(t, err)
	require.Equal(t, trigger.FeedMerged, res.Outcome)

	assert.True(t, res.Row.ColdStartF1)
	assert.False(t, res.Row.ColdStartF2, "child function has no Initialization subsegment")
}

func TestCorrelator_CacheEvictionAnalyzesOrphanStandalone(t *testing.T) {
	t.Parallel()

	corr := trigger.NewCorrelator(1, 5)

	firstID := "1-10101010-101010101010101010101010"
	secondID := "1-20202020-202020202020202020202020"

	firstDoc := `{"id":"a","name":"api_trigger","start_time":1.000,"end_time":1.001}`
	firstLine := traceLine(firstID, 0.001, envelope("a", firstDoc))

	secondDoc := `{"id":"b","name":"api_trigger","start_time":2.000,"end_time":2.001}`
	secondLine := traceLine(secondID, 0.001, envelope("b", secondDoc))

	res1, err := corr.Feed(decodeLine(t, firstLine))
	require.NoError(t, err)
	assert.Equal(t, trigger.FeedCached, res1.Outcome)
	assert.Nil(t, res1.Evicted)

	res2, err := corr.Feed(decodeLine(t, secondLine))
	require.NoError(t, err)
	assert.Equal(t, trigger.FeedCached, res2.Outcome)
	require.NotNil(t, res2.Evicted, "inserting beyond capacity should evict the first entry")
	assert.Equal(t, firstID, res2.Evicted.RootTraceID)
}

func TestCorrelator_FlushAnalyzesRemainingParentsAsFullyConnected(t *testing.T) {
	t.Parallel()

	corr := trigger.NewCorrelator(64, 5)

	id := "1-30303030-303030303030303030303030"
	doc := `{"id":"a","name":"api_trigger","start_time":1.000,"end_time":1.002}`
	line := traceLine(id, 0.002, envelope("a", doc))

	_, err := corr.Feed(decodeLine(t, line))
	require.NoError(t, err)

	rows, errs := corr.Flush()
	require.Empty(t, errs)
	require.Len(t, rows, 1)
	assert.Equal(t, id, rows[0].RootTraceID)
	assert.Empty(t, rows[0].ChildTraceID)

	t1, ok := rows[0].T(1)
	require.True(t, ok)
	assert.InDelta(t, 1.000, t1, 1e-9)
}

func TestCorrelator_CacheHitMissCounters(t *testing.T) {
	t.Parallel()

	corr := trigger.NewCorrelator(64, 5)

	parentID := "1-40404040-404040404040404040404040"
	childID := "1-50505050-505050505050505050505050"

	parentDoc := `{"id":"p1","name":"api_trigger","start_time":1.000,"end_time":1.001}`
	parentLine := traceLine(parentID, 0.001, envelope("p1", parentDoc))

	childDocInner := fmt.Sprintf(
		`{"id":"c1","name":"receiver0","start_time":1.010,"end_time":1.020,`+
			`"annotations":{"root_trace_id":%q}}`, parentID)
	childLine := traceLine(childID, 0.010, envelope("c1", childDocInner))

	assert.Equal(t, int64(0), corr.CacheHits())
	assert.Equal(t, int64(0), corr.CacheMisses())

	_, err := corr.Feed(decodeLine(t, parentLine))
	require.NoError(t, err)
	assert.Equal(t, int64(1), corr.CacheMisses())

	_, err = corr.Feed(decodeLine(t, childLine))
	require.NoError(t, err)
	assert.Equal(t, int64(1), corr.CacheHits())
	assert.Equal(t, int64(1), corr.CacheMisses())
}

func TestExtractRootTraceID(t *testing.T) {
	t.Parallel()

	id, ok := trigger.ExtractRootTraceID([]byte(`{"Document":"{\"annotations\":{\"root_trace_id\":\"1-abcdefab-abcdefabcdefabcdefabcdef\"}}"}`))
	require.True(t, ok)
	assert.Equal(t, "1-abcdefab-abcdefabcdefabcdefabcdef", id)

	_, ok = trigger.ExtractRootTraceID([]byte(`{"Id":"1-abcdefab-abcdefabcdefabcdefabcdef"}`))
	assert.False(t, ok)
}

func TestExtractTraceID(t *testing.T) {
	t.Parallel()

	id, ok := trigger.ExtractTraceID([]byte(`{"Id":"1-abcdefab-abcdefabcdefabcdefabcdef","Duration":1.0}`))
	require.True(t, ok)
	assert.Equal(t, "1-abcdefab-abcdefabcdefabcdefabcdef", id)

	_, ok = trigger.ExtractTraceID([]byte(`{"Duration":1.0,"Id":"1-abcdefab-abcdefabcdefabcdefabcdef"}`))
	assert.False(t, ok, "regex only matches when Id is serialized first")
}
