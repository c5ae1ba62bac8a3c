package markov

// DefaultVertices and DefaultEdges describe tgen's built-in packet model,
// used by a Stream vertex that configures no packet-model path (spec §4.6
// "Stream ... build a Markov model (either from a configured packet-model
// path... or from an internal default graphml)"). It is a minimal
// three-state model: start, a single transmitting state and a single
// receiving state, each emitting its own direction before occasionally
// ending.
var (
	DefaultVertices = []Vertex{
		{ID: "start", Type: VertexState},
		{ID: "s_send", Type: VertexState},
		{ID: "s_recv", Type: VertexState},
		{ID: "+", Type: VertexObservation, Obs: ToServer},
		{ID: "-", Type: VertexObservation, Obs: ToOrigin},
		{ID: "F", Type: VertexObservation, Obs: End},
	}

	DefaultEdges = []Edge{
		{From: "start", To: "s_send", Type: EdgeTransition, Weight: 1},
		{From: "s_send", To: "s_recv", Type: EdgeTransition, Weight: 8},
		{From: "s_send", To: "s_send", Type: EdgeTransition, Weight: 1},
		{From: "s_recv", To: "s_send", Type: EdgeTransition, Weight: 8},
		{From: "s_recv", To: "s_recv", Type: EdgeTransition, Weight: 1},

		{From: "s_send", To: "+", Type: EdgeEmission, Weight: 99,
			Dist: DistExponential, Params: Params{Rate: 1.0 / 5000}},
		{From: "s_send", To: "F", Type: EdgeEmission, Weight: 1,
			Dist: DistExponential, Params: Params{Rate: 1}},
		{From: "s_recv", To: "-", Type: EdgeEmission, Weight: 99,
			Dist: DistExponential, Params: Params{Rate: 1.0 / 5000}},
		{From: "s_recv", To: "F", Type: EdgeEmission, Weight: 1,
			Dist: DistExponential, Params: Params{Rate: 1}},
	}
)

// NewDefault builds the built-in packet model with the given per-stream
// seed.
func NewDefault(seed uint32) (*Model, error) {
	return New("internal-default", seed, DefaultVertices, DefaultEdges)
}
