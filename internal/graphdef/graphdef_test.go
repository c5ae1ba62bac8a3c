package graphdef

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresExactlyOneStart(t *testing.T) {
	_, err := Load([]Vertex{{ID: "a", Kind: End}}, nil)
	require.Error(t, err)

	_, err = Load([]Vertex{
		{ID: "s1", Kind: Start},
		{ID: "s2", Kind: Start},
	}, nil)
	require.Error(t, err)
}

func TestLoad_RejectsStartSelfLoop(t *testing.T) {
	_, err := Load(
		[]Vertex{{ID: "start", Kind: Start}},
		[]Edge{{From: "start", To: "start"}},
	)
	require.Error(t, err)
}

func TestLoad_RejectsUnknownEdgeEndpoints(t *testing.T) {
	_, err := Load(
		[]Vertex{{ID: "start", Kind: Start}},
		[]Edge{{From: "start", To: "nope"}},
	)
	require.Error(t, err)
}

func TestLoad_PartitionsWeightedAndUnweighted(t *testing.T) {
	g, err := Load(
		[]Vertex{
			{ID: "start", Kind: Start},
			{ID: "a", Kind: Stream},
			{ID: "b", Kind: Stream},
			{ID: "end", Kind: End},
		},
		[]Edge{
			{From: "start", To: "a"},
			{From: "start", To: "b", Weight: 3, Weighted: true},
			{From: "a", To: "end"},
			{From: "b", To: "end"},
		},
	)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"a"}, g.UnweightedSuccessors("start"))
	require.Len(t, g.WeightedEdges("start"), 1)
	require.Equal(t, 2, g.Indegree("end"))
}

func TestDecodeEncode_RoundTrip(t *testing.T) {
	doc := `<?xml version="1.0"?>
<graphml>
<graph edgedefault="directed">
  <node id="start">
    <data key="type">start</data>
    <data key="time">1 second</data>
    <data key="serverport">8888</data>
  </node>
  <node id="s1">
    <data key="type">stream</data>
    <data key="sendsize">~</data>
    <data key="recvsize">2048</data>
    <data key="socksproxy">127.0.0.1:9050</data>
  </node>
  <node id="p1">
    <data key="type">pause</data>
    <data key="time">1 second,2 seconds</data>
  </node>
  <node id="end">
    <data key="type">end</data>
    <data key="count">10</data>
  </node>
  <edge source="start" target="s1"/>
  <edge source="s1" target="p1"/>
  <edge source="p1" target="end"/>
</graph>
</graphml>`

	g, err := Decode([]byte(doc))
	require.NoError(t, err)

	start := g.StartVertex()
	require.Equal(t, uint64(1_000_000_000), start.StartDelayNanos)
	require.EqualValues(t, 8888, start.ServerPort)

	s1, ok := g.Vertex("s1")
	require.True(t, ok)
	require.True(t, s1.Options.SendSizeExplicit)
	require.Equal(t, uint64(2048), s1.Options.RecvSize)
	require.Equal(t, "127.0.0.1:9050", s1.Options.SocksProxy)

	p1, ok := g.Vertex("p1")
	require.True(t, ok)
	require.Equal(t, []uint64{1_000_000_000, 2_000_000_000}, p1.PauseTimesNanos)

	end, ok := g.Vertex("end")
	require.True(t, ok)
	require.Equal(t, uint64(10), end.EndCount)

	reencoded, err := g.Encode()
	require.NoError(t, err)

	g2, err := Decode(reencoded)
	require.NoError(t, err)
	require.Equal(t, g.StartVertex().StartDelayNanos, g2.StartVertex().StartDelayNanos)
}

func TestParseTimeNanos_Units(t *testing.T) {
	cases := map[string]uint64{
		"5":         5_000_000_000,
		"5 seconds": 5_000_000_000,
		"5s":        5_000_000_000,
		"500ms":     500_000_000,
		"10 usec":   10_000,
		"2 min":     120_000_000_000,
		"1 hour":    3_600_000_000_000,
	}
	for in, want := range cases {
		got, err := parseTimeNanos(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}
