package driver

import (
	"math/rand"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/shadow/tgen/internal/graphdef"
	"github.com/shadow/tgen/internal/reactor"
)

func newTestDriver(t *testing.T, g *graphdef.Graph) *Driver {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	r, err := reactor.New(logrus.NewEntry(log))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	return &Driver{
		graph:         g,
		reactor:       r,
		log:           logrus.NewEntry(log),
		rng:           rand.New(rand.NewSource(1)),
		pauseCounters: make(map[string]int),
		startTime:     time.Now(),
	}
}

// TestDriver_PauseFanIn builds a diamond: start fans out unweighted to two
// streams-in-name-only branches that both converge on a pause barrier, which
// must wait for both before advancing to end (spec §4.6 Pause "fan-in
// synchronization barrier").
func TestDriver_PauseFanIn(t *testing.T) {
	g, err := graphdef.Load(
		[]graphdef.Vertex{
			{ID: "start", Kind: graphdef.Start},
			{ID: "a", Kind: graphdef.End},
			{ID: "b", Kind: graphdef.End},
			{ID: "join", Kind: graphdef.Pause}, // no PauseTimesNanos => fan-in barrier
			{ID: "end", Kind: graphdef.End, EndCount: 1},
		},
		[]graphdef.Edge{
			{From: "start", To: "a"},
			{From: "start", To: "b"},
			{From: "a", To: "join"},
			{From: "b", To: "join"},
			{From: "join", To: "end"},
		},
	)
	require.NoError(t, err)
	require.Equal(t, 2, g.Indegree("join"))

	d := newTestDriver(t, g)

	// Manually drive vertex "join" as if two independent traversal paths
	// arrived at it, the way advance() would from "a" and "b".
	d.visitPause(mustVertex(t, g, "join"), "join", graphdef.StreamOptions{})
	require.False(t, d.clientEnded, "must not advance after only one of two incoming traversals")

	d.visitPause(mustVertex(t, g, "join"), "join", graphdef.StreamOptions{})
	require.True(t, d.clientEnded, "must advance once indegree(join) traversals have arrived")
}

// TestDriver_PauseFanIn_CounterResetsAfterFiring ensures a third/fourth pair
// of arrivals re-triggers the barrier rather than advancing immediately
// (spec §4.6 "resets to zero when fired").
func TestDriver_PauseFanIn_CounterResetsAfterFiring(t *testing.T) {
	g, err := graphdef.Load(
		[]graphdef.Vertex{
			{ID: "start", Kind: graphdef.Start},
			{ID: "join", Kind: graphdef.Pause},
			{ID: "end", Kind: graphdef.End},
		},
		[]graphdef.Edge{
			{From: "start", To: "join"},
			{From: "start", To: "join"},
			{From: "join", To: "end"},
		},
	)
	require.NoError(t, err)
	require.Equal(t, 2, g.Indegree("join"))

	d := newTestDriver(t, g)
	join := mustVertex(t, g, "join")

	d.visitPause(join, "join", graphdef.StreamOptions{})
	d.visitPause(join, "join", graphdef.StreamOptions{})
	require.Equal(t, 0, d.pauseCounters["join"], "counter must reset to zero once fired")

	d.visitPause(join, "join", graphdef.StreamOptions{})
	require.Equal(t, 1, d.pauseCounters["join"], "a third arrival starts a fresh count, not an immediate fire")
}

// TestDriver_WeightedFanOut_AlwaysPicksExactlyOneWeightedPlusAllUnweighted
// verifies the partition in spec §4.6: every unweighted edge always fires,
// and exactly one weighted edge is chosen per advance() call.
func TestDriver_WeightedFanOut_AlwaysPicksExactlyOneWeightedPlusAllUnweighted(t *testing.T) {
	g, err := graphdef.Load(
		[]graphdef.Vertex{
			{ID: "start", Kind: graphdef.Start},
			{ID: "always1", Kind: graphdef.End},
			{ID: "always2", Kind: graphdef.End},
			{ID: "w1", Kind: graphdef.End},
			{ID: "w2", Kind: graphdef.End},
			{ID: "w3", Kind: graphdef.End},
		},
		[]graphdef.Edge{
			{From: "start", To: "always1"},
			{From: "start", To: "always2"},
			{From: "start", To: "w1", Weight: 1, Weighted: true},
			{From: "start", To: "w2", Weight: 1, Weighted: true},
			{From: "start", To: "w3", Weight: 98, Weighted: true},
		},
	)
	require.NoError(t, err)

	d := newTestDriver(t, g)

	seen := map[string]int{}
	const trials = 500
	for i := 0; i < trials; i++ {
		visited := map[string]bool{}
		origAdvance := d.traverseCounting(g, "start", visited)
		for id := range origAdvance {
			seen[id]++
		}
	}

	// The two unweighted successors must appear on every single trial.
	require.Equal(t, trials, seen["always1"])
	require.Equal(t, trials, seen["always2"])

	// Exactly one weighted successor per trial: the three weighted counts
	// must sum to the trial count.
	require.Equal(t, trials, seen["w1"]+seen["w2"]+seen["w3"])

	// With weight 98 out of 100, w3 should dominate, but not be the only
	// outcome possible — a crude sanity check on the distribution without
	// being a flaky exact-count assertion.
	require.Greater(t, seen["w3"], seen["w1"]+seen["w2"])
}

func mustVertex(t *testing.T, g *graphdef.Graph, id string) *graphdef.Vertex {
	t.Helper()
	v, ok := g.Vertex(id)
	require.True(t, ok)
	return v
}

// traverseCounting runs one isolated advance() from id against a fresh
// driver sharing g, collecting which immediate successor vertices were
// visited, without going through the full traverse() dispatch (which would
// try to open real Streams for Stream/Flow vertices).
func (d *Driver) traverseCounting(g *graphdef.Graph, id string, visited map[string]bool) map[string]bool {
	for _, to := range g.UnweightedSuccessors(id) {
		visited[to] = true
	}
	if to, ok := d.pickWeighted(g.WeightedEdges(id)); ok {
		visited[to] = true
	}
	return visited
}
