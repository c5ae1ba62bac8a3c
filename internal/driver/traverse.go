package driver

import (
	"time"

	"github.com/shadow/tgen/internal/graphdef"
	"github.com/shadow/tgen/internal/peer"
)

// traverse visits vertexID with opts inherited from its predecessor, merging
// in the vertex's own StreamOptions before dispatching on vertex kind (spec
// §4.6 "Traversal step").
func (d *Driver) traverse(vertexID string, opts graphdef.StreamOptions) {
	v, ok := d.graph.Vertex(vertexID)
	if !ok {
		return
	}
	merged := graphdef.MergeOptions(opts, v.Options)

	switch v.Kind {
	case graphdef.Start:
		d.advance(vertexID, merged)
	case graphdef.Stream:
		d.startStream(v, merged, vertexID)
	case graphdef.Flow:
		d.startFlow(v, merged, vertexID)
	case graphdef.Pause:
		d.visitPause(v, vertexID, merged)
	case graphdef.End:
		d.visitEnd(v)
		d.advance(vertexID, merged)
	}
}

// advance gathers v's outgoing neighbors, partitioned into the always-follow
// unweighted group and exactly one weighted pick, and recurses into each
// (spec §4.6). Once the client has ended, no new successors are enqueued.
func (d *Driver) advance(vertexID string, opts graphdef.StreamOptions) {
	if d.clientEnded {
		return
	}
	for _, to := range d.graph.UnweightedSuccessors(vertexID) {
		d.traverse(to, opts)
	}
	if to, ok := d.pickWeighted(d.graph.WeightedEdges(vertexID)); ok {
		d.traverse(to, opts)
	}
}

// pickWeighted draws r ∈ [0, Σw) and returns the first edge whose cumulative
// weight covers r, in enumeration order (spec §4.6 "weighted random").
func (d *Driver) pickWeighted(edges []graphdef.Edge) (string, bool) {
	if len(edges) == 0 {
		return "", false
	}
	var total float64
	for _, e := range edges {
		total += e.Weight
	}
	if total <= 0 {
		return edges[0].To, true
	}
	r := d.rng.Float64() * total
	var cum float64
	for _, e := range edges {
		cum += e.Weight
		if cum >= r {
			return e.To, true
		}
	}
	return edges[len(edges)-1].To, true
}

// visitPause implements the Pause vertex's dual behavior (spec §4.6): a
// configured times pool picks one value and arms a one-shot timer; an
// unconfigured pool instead acts as a fan-in barrier requiring exactly
// indegree(v) distinct incoming traversals before advancing.
func (d *Driver) visitPause(v *graphdef.Vertex, vertexID string, opts graphdef.StreamOptions) {
	if len(v.PauseTimesNanos) > 0 {
		pool := peer.NewPool[uint64]()
		for _, t := range v.PauseTimesNanos {
			pool.Add(t)
		}
		wait := time.Duration(pool.RandomChoice(d.rng))
		if _, err := d.reactor.NewTimer(wait, false, func() {
			d.advance(vertexID, opts)
		}); err != nil {
			d.log.WithError(err).Warn("pause: failed to arm timer, advancing immediately")
			d.advance(vertexID, opts)
		}
		return
	}

	d.pauseCounters[vertexID]++
	if d.pauseCounters[vertexID] >= d.graph.Indegree(vertexID) {
		d.pauseCounters[vertexID] = 0
		d.advance(vertexID, opts)
	}
}

// visitEnd evaluates v's configured stop conditions against the driver's
// running totals; any match flips the driver to client-ended (spec §4.6
// "Stop conditions"). A zero field means that condition is not configured.
func (d *Driver) visitEnd(v *graphdef.Vertex) {
	if d.clientEnded {
		return
	}
	match := false
	if v.EndSendSize > 0 && d.bytesWrittenTotal >= v.EndSendSize {
		match = true
	}
	if v.EndRecvSize > 0 && d.bytesReadTotal >= v.EndRecvSize {
		match = true
	}
	if v.EndCount > 0 && d.streamsSucceeded+d.streamsFailed >= v.EndCount {
		match = true
	}
	if v.EndTimeNanos > 0 && uint64(time.Since(d.startTime).Nanoseconds()) >= v.EndTimeNanos {
		match = true
	}
	if match {
		d.clientEnded = true
	}
}
