package markov

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// maxDelay is the observed upper bound a single emission delay is capped at
// (spec §4.4 step 3).
const maxDelay = 60 * time.Second

// NextObservation draws the model's next (observation, delay) pair per spec
// §4.4 "Sampling": first a weighted transition among outgoing transition
// edges of the current state, then a weighted emission among outgoing
// emission edges of the new state. Once End has been observed, every
// subsequent call short-circuits to (End, 0) without consuming further PRNG
// draws, so logs of an ended model stay deterministic.
func (m *Model) NextObservation() (Observation, time.Duration) {
	if m.ended {
		return End, 0
	}

	if edges := m.transitionsOut[m.current]; len(edges) > 0 {
		m.current = weightedPick(edges, m.rng.Float64()).To
	}

	emissions := m.emissionsOut[m.current]
	if len(emissions) == 0 {
		// No emission available from this state: treat as an immediate end,
		// matching the original's fallback when a graph author left a dead
		// end state reachable.
		m.ended = true
		return End, 0
	}

	e := weightedPick(emissions, m.rng.Float64())
	delay := m.drawDelay(e)

	obs, _ := ParseObservation(e.To)
	if obs == End {
		m.ended = true
	}
	return obs, delay
}

// weightedPick draws from edges proportional to weight, using u in [0,1) as
// the uniform input. Matches spec §4.4: "draw u ∈ [0, sum_w); scan in
// enumeration order, first cumulative weight ≥ u wins."
func weightedPick(edges []*Edge, u01 float64) *Edge {
	var total float64
	for _, e := range edges {
		total += e.Weight
	}
	if total <= 0 {
		return edges[0]
	}
	target := u01 * total
	var cumulative float64
	for _, e := range edges {
		cumulative += e.Weight
		if cumulative >= target {
			return e
		}
	}
	return edges[len(edges)-1]
}

func (m *Model) drawDelay(e *Edge) time.Duration {
	var micros float64
	switch e.Dist {
	case DistNormal:
		d := distuv.Normal{Mu: e.Params.Location, Sigma: e.Params.Scale, Src: m.rng}
		micros = d.Rand()
	case DistLogNormal:
		d := distuv.LogNormal{Mu: e.Params.Location, Sigma: e.Params.Scale, Src: m.rng}
		micros = d.Rand()
	case DistExponential:
		d := distuv.Exponential{Rate: e.Params.Rate, Src: m.rng}
		micros = d.Rand()
	case DistPareto:
		d := distuv.Pareto{Xm: e.Params.Scale, Alpha: e.Params.Shape, Src: m.rng}
		micros = d.Rand()
	}

	if micros < 0 || math.IsNaN(micros) {
		micros = 0
	}
	delay := time.Duration(math.Round(micros)) * time.Microsecond
	if delay > maxDelay {
		delay = maxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
