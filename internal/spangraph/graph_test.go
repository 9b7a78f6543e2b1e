package spangraph_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joe4dev/trigger-bench/internal/segment"
	"github.com/joe4dev/trigger-bench/internal/spangraph"
)

const defaultMargin = 1001 * time.Microsecond

func TestBuild_SimpleSyncChain(t *testing.T) {
	t.Parallel()

	trace := segment.Trace{
		ID:       "1-sync",
		Duration: 0.050,
		Segments: []segment.Doc{
			{ID: "gw", Name: "gateway", Origin: "AWS::ApiGateway::Stage", StartTime: 1.000, EndTime: 1.050},
			{ID: "lambda", ParentID: "gw", Name: "Lambda", Origin: "AWS::Lambda", StartTime: 1.001, EndTime: 1.049,
				Subsegments: []segment.Doc{
					{ID: "fn", Name: "Lambda::Function", Origin: "AWS::Lambda::Function", StartTime: 1.002, EndTime: 1.048},
				}},
		},
	}

	g, err := spangraph.Build(trace, defaultMargin)
	require.NoError(t, err)

	assert.Equal(t, "gw", g.ID(g.Start))
	assert.Equal(t, spangraph.InvocationClient, g.InvocationType(g.Start))
	assert.Contains(t, g.Services, "AWS::Lambda")
}

func TestBuild_MissingLogicalRoot(t *testing.T) {
	t.Parallel()

	trace := segment.Trace{
		ID:       "1-broken",
		Duration: 0.01,
		Segments: []segment.Doc{
			{ID: "a", ParentID: "ghost", StartTime: 1.0, EndTime: 1.01},
		},
	}

	_, err := spangraph.Build(trace, defaultMargin)
	require.Error(t, err)
	assert.ErrorIs(t, err, spangraph.ErrIncompleteGraph)
}

func TestBuild_InProgressSegmentFails(t *testing.T) {
	t.Parallel()

	trace := segment.Trace{
		ID:       "1-inprogress",
		Duration: 0.01,
		Segments: []segment.Doc{
			{ID: "a", StartTime: 1.0, InProgress: true},
		},
	}

	_, err := spangraph.Build(trace, defaultMargin)
	require.Error(t, err)
	assert.ErrorIs(t, err, spangraph.ErrInProgressSegment)
}

func TestIsAsync_ClockSkewBoundary(t *testing.T) {
	t.Parallel()

	parent := segment.Doc{Origin: "AWS::SNS", EndTime: 1.000}

	withinMargin := segment.Doc{Origin: "AWS::Lambda", EndTime: 1.000999}
	assert.False(t, spangraph.IsAsync(parent, withinMargin, defaultMargin), "999us skew should stay sync")

	beyondMargin := segment.Doc{Origin: "AWS::Lambda", EndTime: 1.001001}
	assert.True(t, spangraph.IsAsync(parent, beyondMargin, defaultMargin), "1001us skew should flip async")
}

func TestIsAsync_LambdaFunctionAlwaysSync(t *testing.T) {
	t.Parallel()

	parent := segment.Doc{Origin: "AWS::Lambda", EndTime: 1.000}
	child := segment.Doc{Origin: "AWS::Lambda::Function", EndTime: 5.000}

	assert.False(t, spangraph.IsAsync(parent, child, defaultMargin),
		"Lambda::Function beneath AWS::Lambda is always sync")
}

func TestSortedChildren_TiedEndTimes(t *testing.T) {
	t.Parallel()

	trace := segment.Trace{
		ID:       "1-tied",
		Duration: 0.10,
		Segments: []segment.Doc{
			{ID: "root", Name: "root", StartTime: 1.000, EndTime: 1.100},
			{ID: "a", ParentID: "root", Name: "a", StartTime: 1.010, EndTime: 1.050},
			{ID: "b", ParentID: "root", Name: "b", StartTime: 1.005, EndTime: 1.050},
		},
	}

	g, err := spangraph.Build(trace, defaultMargin)
	require.NoError(t, err)

	kids := g.SortedChildren(g.Start)
	require.Len(t, kids, 2)
	assert.Equal(t, "b", g.ID(kids[0]), "earlier-starting sibling with tied end time sorts first")
}
