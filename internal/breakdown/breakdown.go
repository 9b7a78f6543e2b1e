// Package breakdown computes the critical path through a span graph and
// walks it to emit a categorized latency breakdown covering the entire
// trace duration.
package breakdown

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/joe4dev/trigger-bench/internal/segment"
	"github.com/joe4dev/trigger-bench/internal/spangraph"
)

// ErrInfiniteLoop is returned when walking parent links from the trace's
// end node revisits a node already on the stack.
var ErrInfiniteLoop = errors.New("breakdown: infinite loop detected")

// ErrNegativeTimeDifference is returned when an asynchronous transition
// would produce a negative interval beyond TIMESTAMP_THRESHOLD, a sign of
// clock-skew corruption rather than a genuine race.
var ErrNegativeTimeDifference = errors.New("breakdown: negative time difference")

// ErrInvariantViolation is returned when the completed breakdown fails one
// of its closing checks: durations not summing to the trace duration, the
// critical path's last target not matching the trace's end, or the
// cold-start count disagreeing with the number of Initialization segments
// on the path.
var ErrInvariantViolation = errors.New("breakdown: invariant violation")

// Interval is one categorized slice of the critical path, covering
// [StartTime, EndTime]. ResourceIdx/SourceIdx/TargetIdx reference node
// indices in the Graph the breakdown was computed from; -1 (spangraph.NoParent)
// means "not applicable" (e.g. the resource-less async-send interval).
type Interval struct {
	StartTime float64
	EndTime   float64
	Duration  float64
	Type      string
	Category  string

	ResourceIdx int32
	SourceIdx   int32
	TargetIdx   int32
}

// Result is the outcome of a completed breakdown analysis.
type Result struct {
	LongestPath      []int32
	LongestPathNames []string
	NumColdStarts    int
	Intervals        []Interval
	// Totals sums Interval.Duration per category, keyed by the category
	// strings produced by categoryForDoc/categoryForOrigin.
	Totals map[string]float64
}

// CallStack walks parent links from g.End back toward the root, returning
// the visited node indices in that order (end first, root last). A
// revisited node indicates a cycle in the parent chain.
func CallStack(g *spangraph.Graph) ([]int32, error) {
	stack := make([]int32, 0, g.NodeCount())
	seen := make(map[int32]bool, g.NodeCount())

	node := g.End

	for {
		if seen[node] {
			return nil, fmt.Errorf("%w: starting from node %q", ErrInfiniteLoop, g.ID(node))
		}

		seen[node] = true
		stack = append(stack, node)

		parent := g.Parent(node)
		if parent == spangraph.NoParent {
			return stack, nil
		}

		node = parent
	}
}

// pendingStack tracks the nodes still expected along the direct path from
// root to the trace's end node, used to gate which async branch the
// critical-path search is allowed to continue into.
type pendingStack struct {
	nodes []int32
}

func (p *pendingStack) top() (int32, bool) {
	if len(p.nodes) == 0 {
		return 0, false
	}

	return p.nodes[len(p.nodes)-1], true
}

func (p *pendingStack) popIfTop(node int32) {
	if top, ok := p.top(); ok && top == node {
		p.nodes = p.nodes[:len(p.nodes)-1]
	}
}

// LongestPath finds the critical path through g: a single sequence of node
// indices from the logical start to the time-latest end node, preferring
// the branch that actually reaches the end over any shorter synchronous
// sibling.
func LongestPath(g *spangraph.Graph, margin time.Duration) ([]int32, error) {
	stack, err := CallStack(g)
	if err != nil {
		return nil, err
	}

	ps := &pendingStack{nodes: stack}

	return longestPathFrom(g, ps, g.Start, margin), nil
}

func longestPathFrom(g *spangraph.Graph, ps *pendingStack, node int32, margin time.Duration) []int32 {
	path := []int32{node}

	children := g.Children(node)
	if len(children) == 0 {
		return path
	}

	ps.popIfTop(node)

	sorted := g.SortedChildren(node)
	last := sorted[len(sorted)-1]
	parentDoc := g.Doc(node)

	for _, child := range sorted {
		if !happensBefore(g, child, last) {
			continue
		}

		tailDoc := g.Doc(path[len(path)-1])
		if tailDoc.EndTime <= parentDoc.EndTime {
			path = append(path, longestPathFrom(g, ps, child, margin)...)
		}
	}

	lastDoc := g.Doc(last)

	if spangraph.IsAsync(parentDoc, lastDoc, margin) {
		if top, ok := ps.top(); ok && top == last {
			path = append(path, longestPathFrom(g, ps, last, margin)...)
		}
	} else {
		tailDoc := g.Doc(path[len(path)-1])
		if tailDoc.EndTime <= parentDoc.EndTime {
			path = append(path, longestPathFrom(g, ps, last, margin)...)
		}
	}

	return path
}

// happensBefore reports whether node first finishes at or before node
// second starts.
func happensBefore(g *spangraph.Graph, first, second int32) bool {
	return g.Doc(first).EndTime <= g.Doc(second).StartTime
}

// Breakdown walks path (as produced by LongestPath) and emits the
// categorized intervals covering the entire trace duration, then validates
// the closing invariants from §8.
func Breakdown(g *spangraph.Graph, path []int32, margin, threshold time.Duration) (*Result, error) {
	it := &pathCursor{path: path}

	var (
		intervals     []Interval
		numColdStarts int
	)

	for {
		node, ok := it.next()
		if !ok {
			break
		}

		nextNode, hasNext := it.peek()
		if hasNext {
			ivs, err := pairPath(g, it, node, nextNode, &numColdStarts, margin, threshold)
			if err != nil {
				return nil, err
			}

			intervals = append(intervals, ivs...)

			continue
		}

		doc := g.Doc(node)
		intervals = append(intervals, Interval{
			StartTime: doc.StartTime, EndTime: doc.EndTime, Duration: doc.EndTime - doc.StartTime,
			Type: "span", Category: categoryForDoc(g, node), ResourceIdx: node,
			SourceIdx: spangraph.NoParent, TargetIdx: spangraph.NoParent,
		})
		intervals = append(intervals, addSyncReturn(g, node)...)
	}

	names := make([]string, len(path))
	for i, idx := range path {
		names[i] = g.Doc(idx).Name
	}

	result := &Result{
		LongestPath:      path,
		LongestPathNames: names,
		NumColdStarts:    numColdStarts,
		Intervals:        intervals,
		Totals:           totalsByCategory(intervals),
	}

	if err := validate(g, result, margin); err != nil {
		return nil, err
	}

	return result, nil
}

func totalsByCategory(intervals []Interval) map[string]float64 {
	totals := make(map[string]float64, len(intervals))
	for _, iv := range intervals {
		totals[iv.Category] += iv.Duration
	}

	return totals
}

func validate(g *spangraph.Graph, result *Result, margin time.Duration) error {
	var sum float64
	for _, iv := range result.Intervals {
		sum += iv.Duration
	}

	if diff := sum - g.Duration; math.Abs(diff) >= margin.Seconds() {
		return fmt.Errorf("%w: trace duration %.6f does not match breakdown sum %.6f within margin",
			ErrInvariantViolation, g.Duration, sum)
	}

	last := result.Intervals[len(result.Intervals)-1]
	if last.TargetIdx != spangraph.NoParent &&
		last.TargetIdx != g.End && last.TargetIdx != g.Start &&
		g.Doc(last.TargetIdx).EndTime != g.EndTime {
		return fmt.Errorf("%w: segment with latest end time (%q) does not match last target (%q) of critical path",
			ErrInvariantViolation, g.ID(g.End), g.ID(last.TargetIdx))
	}

	numInit := 0

	for _, idx := range result.LongestPath {
		if g.Doc(idx).Name == "Initialization" {
			numInit++
		}
	}

	if numInit != result.NumColdStarts {
		return fmt.Errorf("%w: num_cold_starts (%d) does not match initialization segments on path (%d)",
			ErrInvariantViolation, result.NumColdStarts, numInit)
	}

	return nil
}

// pathCursor is a one-step-lookahead iterator over a node-index slice.
type pathCursor struct {
	path []int32
	pos  int
}

func (c *pathCursor) next() (int32, bool) {
	if c.pos >= len(c.path) {
		return 0, false
	}

	v := c.path[c.pos]
	c.pos++

	return v, true
}

func (c *pathCursor) peek() (int32, bool) {
	if c.pos >= len(c.path) {
		return 0, false
	}

	return c.path[c.pos], true
}

func addSyncReturn(g *spangraph.Graph, idx int32) []Interval {
	parentIdx := g.Parent(idx)
	if parentIdx == spangraph.NoParent {
		return nil
	}

	if g.InvocationType(idx) != spangraph.InvocationSync {
		return nil
	}

	doc := g.Doc(idx)
	parentDoc := g.Doc(parentIdx)

	iv := Interval{
		StartTime: doc.EndTime, EndTime: parentDoc.EndTime, Duration: parentDoc.EndTime - doc.EndTime,
		Type: "sync-receive", Category: categoryForDoc(g, parentIdx),
		ResourceIdx: parentIdx, SourceIdx: idx, TargetIdx: parentIdx,
	}

	return append([]Interval{iv}, addSyncReturn(g, parentIdx)...)
}

// pairPath returns the critical sub-path covering the gap between two
// consecutive longest-path nodes, consuming extra cursor elements when a
// cold start is detected (the Lambda::Function span and its Initialization
// subsegment are folded into this single pairing).
func pairPath(
	g *spangraph.Graph, it *pathCursor, nodeIdx, nextIdx int32, numColdStarts *int,
	margin, threshold time.Duration,
) ([]Interval, error) {
	doc := g.Doc(nodeIdx)
	nextDoc := g.Doc(nextIdx)

	switch {
	case isColdStartLambdaFunction(g, nextIdx):
		return pairColdStart(g, it, nodeIdx, nextIdx, numColdStarts, margin, threshold)

	case g.InvocationType(nextIdx) == spangraph.InvocationAsync:
		return pairAsync(doc, nextDoc, nodeIdx, nextIdx, threshold, g)

	case g.Parent(nextIdx) == nodeIdx:
		return []Interval{{
			StartTime: doc.StartTime, EndTime: nextDoc.StartTime, Duration: nextDoc.StartTime - doc.StartTime,
			Type: "sync-send", Category: categoryForDoc(g, nodeIdx),
			ResourceIdx: nodeIdx, SourceIdx: nodeIdx, TargetIdx: nextIdx,
		}}, nil

	default:
		return pairSyncAcrossSibling(g, doc, nextDoc, nodeIdx, nextIdx), nil
	}
}

func pairColdStart(
	g *spangraph.Graph, it *pathCursor, nodeIdx, nextIdx int32, numColdStarts *int,
	margin, threshold time.Duration,
) ([]Interval, error) {
	doc := g.Doc(nodeIdx)
	nextDoc := g.Doc(nextIdx)

	*numColdStarts++

	initIdx := initLambdaSegment(g, nextIdx)
	initDoc := g.Doc(initIdx)

	intervals := []Interval{
		{
			StartTime: doc.StartTime, EndTime: initDoc.StartTime, Duration: initDoc.StartTime - doc.StartTime,
			Type: "span-parent", Category: "container_initialization",
			ResourceIdx: nodeIdx, SourceIdx: spangraph.NoParent, TargetIdx: spangraph.NoParent,
		},
		{
			StartTime: initDoc.StartTime, EndTime: initDoc.EndTime, Duration: initDoc.EndTime - initDoc.StartTime,
			Type: "span", Category: "runtime_initialization",
			ResourceIdx: initIdx, SourceIdx: spangraph.NoParent, TargetIdx: spangraph.NoParent,
		},
		{
			StartTime: initDoc.EndTime, EndTime: nextDoc.StartTime, Duration: nextDoc.StartTime - initDoc.EndTime,
			Type: "span-parent", Category: categoryForDoc(g, nodeIdx),
			ResourceIdx: nodeIdx, SourceIdx: initIdx, TargetIdx: nextIdx,
		},
	}

	// The function span and its Initialization subsegment are already
	// accounted for above; advance past both in the cursor.
	it.next()
	it.next()

	postInitIdx, hasPost := it.peek()
	if hasPost {
		sub, err := pairPath(g, it, nextIdx, postInitIdx, numColdStarts, margin, threshold)
		if err != nil {
			return nil, err
		}

		return append(intervals, sub...), nil
	}

	intervals = append(intervals, Interval{
		StartTime: nextDoc.StartTime, EndTime: nextDoc.EndTime, Duration: nextDoc.EndTime - nextDoc.StartTime,
		Type: "span", Category: categoryForDoc(g, nextIdx),
		ResourceIdx: nextIdx, SourceIdx: spangraph.NoParent, TargetIdx: spangraph.NoParent,
	})

	currentIdx := nextIdx
	parentIdx := g.Parent(currentIdx)

	for parentIdx != spangraph.NoParent && g.Doc(parentIdx).EndTime >= g.Doc(currentIdx).EndTime {
		parentDoc := g.Doc(parentIdx)
		intervals = append(intervals, Interval{
			StartTime: g.Doc(currentIdx).EndTime, EndTime: parentDoc.EndTime,
			Duration: parentDoc.EndTime - g.Doc(currentIdx).EndTime,
			Type:     "sync-receive", Category: categoryForDoc(g, parentIdx),
			ResourceIdx: parentIdx, SourceIdx: currentIdx, TargetIdx: parentIdx,
		})
		currentIdx = parentIdx
		parentIdx = g.Parent(currentIdx)
	}

	return intervals, nil
}

func pairAsync(doc, nextDoc segment.Doc, nodeIdx, nextIdx int32, threshold time.Duration, g *spangraph.Graph) ([]Interval, error) {
	earlyEnd := doc.EndTime
	if nextDoc.StartTime < earlyEnd {
		earlyEnd = nextDoc.StartTime
	}

	intervals := []Interval{{
		StartTime: doc.StartTime, EndTime: earlyEnd, Duration: earlyEnd - doc.StartTime,
		Type: "span", Category: categoryForDoc(g, nodeIdx),
		ResourceIdx: nodeIdx, SourceIdx: spangraph.NoParent, TargetIdx: spangraph.NoParent,
	}}

	if nextDoc.StartTime-doc.StartTime+threshold.Seconds() < 0 {
		return nil, fmt.Errorf("%w: between %q and %q", ErrNegativeTimeDifference, g.ID(nodeIdx), g.ID(nextIdx))
	}

	intervals = append(intervals, Interval{
		StartTime: earlyEnd, EndTime: nextDoc.StartTime, Duration: nextDoc.StartTime - earlyEnd,
		Type: "async-send", Category: "trigger",
		ResourceIdx: spangraph.NoParent, SourceIdx: nodeIdx, TargetIdx: nextIdx,
	})

	return intervals, nil
}

func pairSyncAcrossSibling(g *spangraph.Graph, doc, nextDoc segment.Doc, nodeIdx, nextIdx int32) []Interval {
	intervals := []Interval{{
		StartTime: doc.StartTime, EndTime: doc.EndTime, Duration: doc.EndTime - doc.StartTime,
		Type: "span", Category: categoryForDoc(g, nodeIdx),
		ResourceIdx: nodeIdx, SourceIdx: spangraph.NoParent, TargetIdx: spangraph.NoParent,
	}}

	currentIdx := nodeIdx
	parentIdx := g.Parent(currentIdx)

	for parentIdx != spangraph.NoParent && g.Doc(parentIdx).EndTime <= nextDoc.StartTime {
		parentDoc := g.Doc(parentIdx)
		intervals = append(intervals, Interval{
			StartTime: g.Doc(currentIdx).EndTime, EndTime: parentDoc.EndTime,
			Duration: parentDoc.EndTime - g.Doc(currentIdx).EndTime,
			Type:     "sync-receive", Category: categoryForDoc(g, parentIdx),
			ResourceIdx: parentIdx, SourceIdx: currentIdx, TargetIdx: parentIdx,
		})
		currentIdx = parentIdx
		parentIdx = g.Parent(currentIdx)
	}

	finalParentIdx := g.Parent(nextIdx)
	finalParentDoc := g.Doc(finalParentIdx)

	intervals = append(intervals, Interval{
		StartTime: g.Doc(currentIdx).EndTime, EndTime: nextDoc.StartTime,
		Duration: nextDoc.StartTime - g.Doc(currentIdx).EndTime,
		Type:     "span-parent", Category: categoryForDoc(g, finalParentIdx),
		ResourceIdx: finalParentIdx, SourceIdx: currentIdx, TargetIdx: nextIdx,
	})

	return intervals
}

func isColdStartLambdaFunction(g *spangraph.Graph, idx int32) bool {
	doc := g.Doc(idx)
	return doc.Origin == "AWS::Lambda::Function" && initLambdaSegment(g, idx) != spangraph.NoParent
}

// initLambdaSegment returns the Initialization subsegment index of a Lambda
// function node, or spangraph.NoParent on a warm start.
func initLambdaSegment(g *spangraph.Graph, lambdaFunctionIdx int32) int32 {
	for _, child := range g.Children(lambdaFunctionIdx) {
		if g.Doc(child).Name == "Initialization" {
			return child
		}
	}

	return spangraph.NoParent
}
