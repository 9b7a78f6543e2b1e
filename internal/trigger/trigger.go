// Package trigger correlates pairs of otherwise-disconnected traces that
// together describe one cross-function benchmark invocation: a function F1
// calling an external service that the tracing provider does not
// automatically propagate trace context through (e.g. S3, SQS), followed by
// a function F2 triggered by that service. A custom instrumentation
// annotation on F2's trace (root_trace_id) carries F1's trace id so the two
// halves can be matched and merged into one row of landmark timestamps.
//
// Ground truth: aws_trace_trigger_analyzer.py's AwsTraceTriggerAnalyzer,
// merge_and_analyze_traces, and extract_result.
package trigger

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/joe4dev/trigger-bench/internal/segment"
)

// ErrInvalidSegment is returned when a segment inspected during landmark
// extraction is in progress or carries an error flag — the trigger
// correlator's analogue of the breakdown analyzer's completeness checks.
var ErrInvalidSegment = errors.New("trigger: invalid segment")

// ErrEvictedOrphanInvalid is returned when a trace evicted from the bounded
// cache (its correlation partner never arrived, and the cache ran out of
// room) fails analysis as a standalone fully-connected trace.
var ErrEvictedOrphanInvalid = errors.New("trigger: evicted orphan trace invalid")

// numLandmarks is the number of t1..t9 landmark timestamps a Row carries:
// t1/t2 (trigger span), t3 (downstream infra arrival), t4..t9 (receiver0
// through receiver5, NUM_RECEIVER_TIMESTAMPS=5 by default).
const numLandmarks = 9

// rootTraceIDPattern extracts a child trace's root_trace_id annotation.
// The annotation lives inside a segment's Document, which is itself a
// JSON-encoded string within the outer trace line, so its quotes appear
// backslash-escaped in the raw bytes — matched literally here, exactly as
// SEARCH_ROOT_TRACE_ID_COMPILED does against the raw line instead of a
// parsed document ("searching with a pre-compiled regex is much faster
// than parsing the nested trace JSON").
var rootTraceIDPattern = regexp.MustCompile(`\\"root_trace_id\\":\\"(\d-[a-z0-9]{8}-[a-z0-9]{24})`)

// traceIDPattern extracts a trace's own top-level Id field, anchored to the
// start of the line: the wrapper always serializes Id first.
var traceIDPattern = regexp.MustCompile(`^\{"Id":\s?"(\d-[a-z0-9]{8}-[a-z0-9]{24})"`)

// ExtractRootTraceID reports the root_trace_id annotation carried by line,
// if any. Its presence identifies line as a correlated child trace.
func ExtractRootTraceID(line []byte) (string, bool) {
	m := rootTraceIDPattern.FindSubmatch(line)
	if m == nil {
		return "", false
	}

	return string(m[1]), true
}

// ExtractTraceID reports line's own top-level Id field, if the wrapper
// happens to serialize it first (the common case for this tool's inputs).
func ExtractTraceID(line []byte) (string, bool) {
	m := traceIDPattern.FindSubmatch(line)
	if m == nil {
		return "", false
	}

	return string(m[1]), true
}

// Row is one correlated (or fully-connected) trigger summary: the landmark
// timestamps the breakdown can't see because the two function traces never
// shared a graph.
type Row struct {
	RootTraceID  string
	ChildTraceID string

	ts    [numLandmarks]float64
	hasTS [numLandmarks]bool

	ColdStartF1 bool
	ColdStartF2 bool
}

// T returns landmark timestamp n (1..9) and whether it was observed.
func (r Row) T(n int) (float64, bool) {
	return r.ts[n-1], r.hasTS[n-1]
}

func (r *Row) setT(n int, v float64) {
	r.ts[n-1] = v
	r.hasTS[n-1] = true
}

// FeedOutcome reports what Feed did with the trace it was given.
type FeedOutcome int

const (
	// FeedCached means the trace was buffered; its correlation partner
	// has not been seen yet.
	FeedCached FeedOutcome = iota
	// FeedMerged means the trace completed a pending pair; Row holds the
	// merged result.
	FeedMerged
)

// FeedResult is the outcome of feeding one trace to a Correlator.
type FeedResult struct {
	Outcome FeedOutcome
	Row     Row

	// Evicted is non-nil when inserting this trace evicted an older,
	// still-unmatched entry from the bounded cache. The evicted trace is
	// analyzed standalone as a fully-connected trace, matching the
	// documented end-of-input fallback generalized to apply on capacity
	// eviction too.
	Evicted *Row

	// CacheHit reports whether this trace completed a pending pair
	// (true) or was newly cached (false) — driver-level cache hit/miss
	// metrics are derived from this.
	CacheHit bool
}

// Correlator matches parent (F1-side) and child (F2-side, carrying
// root_trace_id) trace halves and merges them. It must be fed every trace
// from a single input file in order, single-threaded: its caches are
// bounded LRU caches (boundedCache), not synchronized (§5 — "the trigger correlator's cache
// requires all lines from a single input pass, so it is single-threaded
// within one file").
type Correlator struct {
	parents      *boundedCache
	children     *boundedCache
	numReceivers int

	hits   int64
	misses int64
}

// NewCorrelator creates a Correlator whose caches hold at most
// cacheCapacity unmatched traces each, and which looks for up to
// numReceivers "receiverN" landmark segments per trace.
func NewCorrelator(cacheCapacity, numReceivers int) *Correlator {
	return &Correlator{
		parents:      newBoundedCache(cacheCapacity),
		children:     newBoundedCache(cacheCapacity),
		numReceivers: numReceivers,
	}
}

// CacheHits returns the cumulative count of traces that completed a pending
// pair. Satisfies observability.CacheStatsProvider.
func (c *Correlator) CacheHits() int64 { return c.hits }

// CacheMisses returns the cumulative count of traces buffered awaiting a
// correlation partner. Satisfies observability.CacheStatsProvider.
func (c *Correlator) CacheMisses() int64 { return c.misses }

// Feed processes one decoded trace. A trace carrying a root_trace_id
// annotation is a child; otherwise it is treated as a parent, keyed by its
// own trace id (preferring the fast regex extraction over the decoded id,
// falling back to the decoded id when the regex doesn't match — a small
// robustness improvement over the original, which left the cache key nil
// in that case).
func (c *Correlator) Feed(trace segment.Trace) (FeedResult, error) {
	if rootID, ok := ExtractRootTraceID(trace.Line); ok {
		return c.feedChild(rootID, trace)
	}

	return c.feedParent(traceKey(trace), trace)
}

func traceKey(trace segment.Trace) string {
	if id, ok := ExtractTraceID(trace.Line); ok {
		return id
	}

	return trace.ID
}

func (c *Correlator) feedChild(rootID string, child segment.Trace) (FeedResult, error) {
	if parent, ok := c.parents.get(rootID); ok {
		c.parents.delete(rootID)
		c.hits++

		row, err := merge(parent, child, c.numReceivers)
		if err != nil {
			return FeedResult{}, err
		}

		return FeedResult{Outcome: FeedMerged, Row: row, CacheHit: true}, nil
	}

	c.misses++

	evictedKey, evictedTrace, evicted := c.children.put(rootID, child)

	return c.cachedResult(evictedKey, evictedTrace, evicted)
}

func (c *Correlator) feedParent(traceID string, parent segment.Trace) (FeedResult, error) {
	if child, ok := c.children.get(traceID); ok {
		c.children.delete(traceID)
		c.hits++

		row, err := merge(parent, child, c.numReceivers)
		if err != nil {
			return FeedResult{}, err
		}

		return FeedResult{Outcome: FeedMerged, Row: row, CacheHit: true}, nil
	}

	c.misses++

	evictedKey, evictedTrace, evicted := c.parents.put(traceID, parent)

	return c.cachedResult(evictedKey, evictedTrace, evicted)
}

func (c *Correlator) cachedResult(evictedKey string, evictedTrace segment.Trace, evicted bool) (FeedResult, error) {
	result := FeedResult{Outcome: FeedCached}

	if !evicted {
		return result, nil
	}

	row, err := analyzeFullyConnected(evictedTrace, c.numReceivers)
	if err != nil {
		return FeedResult{}, fmt.Errorf("%w: %q: %w", ErrEvictedOrphanInvalid, evictedKey, err)
	}

	result.Evicted = &row

	return result, nil
}

// Flush analyzes every trace still held in the parent cache as a
// fully-connected single trace (the provider propagated context natively,
// e.g. plain HTTP, so it never needed a correlated child) and drains the
// cache. Children with no matching parent are not recoverable this way —
// the original analyzer has no fallback for them either, and the landmark
// timestamps they'd offer alone are known to be incomplete (t1-t3 live on
// the parent side).
func (c *Correlator) Flush() ([]Row, []error) {
	values := c.parents.values()

	rows := make([]Row, 0, len(values))

	var errs []error

	for key, trace := range values {
		row, err := analyzeFullyConnected(trace, c.numReceivers)
		if err != nil {
			errs = append(errs, fmt.Errorf("trace %q: %w", key, err))

			continue
		}

		rows = append(rows, row)
	}

	c.parents = newBoundedCache(c.parents.capacity)

	return rows, errs
}

// merge walks every segment and subsegment of both trace halves and
// extracts landmark timestamps into a single Row. Ground truth:
// merge_and_analyze_traces (child segments first, then parent segments,
// matching the original's iteration order — immaterial here since every
// landmark is keyed by name/origin rather than position, but preserved for
// fidelity).
func merge(parent, child segment.Trace, numReceivers int) (Row, error) {
	row := Row{RootTraceID: parent.ID, ChildTraceID: child.ID}

	for _, doc := range child.Segments {
		if err := extractLandmarks(doc, &row, numReceivers); err != nil {
			return Row{}, fmt.Errorf("child trace %q: %w", child.ID, err)
		}
	}

	for _, doc := range parent.Segments {
		if err := extractLandmarks(doc, &row, numReceivers); err != nil {
			return Row{}, fmt.Errorf("parent trace %q: %w", parent.ID, err)
		}
	}

	return row, nil
}

// analyzeFullyConnected extracts landmarks from a single trace that carried
// its own complete causal chain (no disconnection to correlate across).
// Ground truth: analyze_trace.
func analyzeFullyConnected(trace segment.Trace, numReceivers int) (Row, error) {
	row := Row{RootTraceID: trace.ID}

	for _, doc := range trace.Segments {
		if err := extractLandmarks(doc, &row, numReceivers); err != nil {
			return Row{}, fmt.Errorf("trace %q: %w", trace.ID, err)
		}
	}

	return row, nil
}

// extractLandmarks recurses through doc and its subsegments, setting
// whichever landmark timestamps and cold-start flags it recognizes. Ground
// truth: extract_result + search_subsegments_rec, collapsed into one
// recursive walk since Go doesn't need the original's separate "handle this
// node" / "recurse into children" split.
func extractLandmarks(doc segment.Doc, row *Row, numReceivers int) error {
	if doc.InProgress {
		return fmt.Errorf("%w: segment %q is in progress", ErrInvalidSegment, doc.ID)
	}

	if doc.Error {
		return fmt.Errorf("%w: segment %q has an error", ErrInvalidSegment, doc.ID)
	}

	if strings.HasSuffix(doc.Name, "_trigger") {
		// Function1: before and after the external-service call.
		row.setT(1, doc.StartTime)
		row.setT(2, doc.EndTime)
	}

	if doc.Origin == "AWS::Lambda" && strings.Contains(doc.Name, "TriggerLambda") {
		// Function2: infrastructure-visible arrival.
		row.setT(3, doc.StartTime)
	}

	if doc.Name == "receiver0" {
		// Function2: first line of the downstream handler.
		row.setT(4, doc.StartTime)
	}

	for n := 1; n <= numReceivers; n++ {
		if doc.Name == fmt.Sprintf("receiver%d", n) {
			row.setT(n+4, doc.StartTime)
		}
	}

	if doc.Origin == "AWS::Lambda::Function" && strings.HasPrefix(doc.Name, "InfraLambda") {
		row.ColdStartF1 = hasInitialization(doc)
	}

	if doc.Origin == "AWS::Lambda::Function" && strings.Contains(doc.Name, "TriggerLambda") {
		row.ColdStartF2 = hasInitialization(doc)
	}

	for _, sub := range doc.Subsegments {
		if err := extractLandmarks(sub, row, numReceivers); err != nil {
			return err
		}
	}

	return nil
}

// hasInitialization reports whether a Lambda function segment contains an
// Initialization subsegment — the cold-start signal.
func hasInitialization(doc segment.Doc) bool {
	for _, sub := range doc.Subsegments {
		if sub.Name == "Initialization" {
			return true
		}
	}

	return false
}
