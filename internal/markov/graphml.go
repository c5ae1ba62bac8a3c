package markov

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// GraphML encode/decode for tgen's own markov-model vocabulary (spec §4.4
// "Serialization", §6 "Markov-model file"). Full general-purpose GraphML
// parsing (arbitrary key schemas, yEd extensions, etc.) is explicitly
// out-of-scope per spec §1 ("the graphml parser... assumed to return a typed
// graph"); this is the minimal codec tgen needs for its own fixed attribute
// set, using the key id as the attribute name directly so no external
// <key> resolution table is required.

type xmlGraphML struct {
	XMLName xml.Name  `xml:"graphml"`
	Graph   xmlGraph  `xml:"graph"`
}

type xmlGraph struct {
	EdgeDefault string     `xml:"edgedefault,attr"`
	Nodes       []xmlNode  `xml:"node"`
	Edges       []xmlEdge  `xml:"edge"`
}

type xmlNode struct {
	ID   string    `xml:"id,attr"`
	Data []xmlData `xml:"data"`
}

type xmlEdge struct {
	Source string    `xml:"source,attr"`
	Target string    `xml:"target,attr"`
	Data   []xmlData `xml:"data"`
}

type xmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

func findData(data []xmlData, key string) (string, bool) {
	for _, d := range data {
		if d.Key == key {
			return d.Value, true
		}
	}
	return "", false
}

// DecodeGraphML parses raw as a tgen markov-model graph and validates it,
// building a ready-to-sample Model named name with the given seed.
func DecodeGraphML(name string, seed uint32, raw []byte) (*Model, error) {
	var doc xmlGraphML
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("markov: graphml parse: %w", err)
	}

	vertices := make([]Vertex, 0, len(doc.Graph.Nodes))
	for _, n := range doc.Graph.Nodes {
		typeStr, _ := findData(n.Data, "type")
		v := Vertex{ID: n.ID}
		switch typeStr {
		case "state":
			v.Type = VertexState
		case "observation":
			v.Type = VertexObservation
			obs, err := ParseObservation(n.ID)
			if err != nil {
				return nil, err
			}
			v.Obs = obs
		default:
			return nil, fmt.Errorf("markov: vertex %q has unrecognized type %q", n.ID, typeStr)
		}
		vertices = append(vertices, v)
	}

	edges := make([]Edge, 0, len(doc.Graph.Edges))
	for _, e := range doc.Graph.Edges {
		typeStr, _ := findData(e.Data, "type")
		weightStr, _ := findData(e.Data, "weight")
		weight, err := strconv.ParseFloat(weightStr, 64)
		if err != nil {
			return nil, fmt.Errorf("markov: edge %s->%s has invalid weight %q", e.Source, e.Target, weightStr)
		}

		edge := Edge{From: e.Source, To: e.Target, Weight: weight}
		switch typeStr {
		case "transition":
			edge.Type = EdgeTransition
		case "emission":
			edge.Type = EdgeEmission
			distStr, _ := findData(e.Data, "distribution")
			edge.Dist, err = parseDistribution(distStr)
			if err != nil {
				return nil, fmt.Errorf("markov: edge %s->%s: %w", e.Source, e.Target, err)
			}
			edge.Params = parseParams(e.Data)
		default:
			return nil, fmt.Errorf("markov: edge %s->%s has unrecognized type %q", e.Source, e.Target, typeStr)
		}
		edges = append(edges, edge)
	}

	return New(name, seed, vertices, edges)
}

func parseDistribution(s string) (Distribution, error) {
	switch s {
	case "normal":
		return DistNormal, nil
	case "lognormal":
		return DistLogNormal, nil
	case "exponential":
		return DistExponential, nil
	case "pareto":
		return DistPareto, nil
	default:
		return 0, fmt.Errorf("unrecognized distribution %q", s)
	}
}

func distributionName(d Distribution) string {
	switch d {
	case DistNormal:
		return "normal"
	case DistLogNormal:
		return "lognormal"
	case DistExponential:
		return "exponential"
	case DistPareto:
		return "pareto"
	default:
		return "unknown"
	}
}

func parseParams(data []xmlData) Params {
	var p Params
	if v, ok := findData(data, "param_location"); ok {
		p.Location, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := findData(data, "param_scale"); ok {
		p.Scale, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := findData(data, "param_rate"); ok {
		p.Rate, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := findData(data, "param_shape"); ok {
		p.Shape, _ = strconv.ParseFloat(v, 64)
	}
	return p
}

// EncodeGraphML renders the model back to a graphml document, the inverse
// of DecodeGraphML, so a commander can embed a model in a stream handshake
// (spec §4.3 MODEL_MODE=graphml).
func (m *Model) EncodeGraphML() ([]byte, error) {
	g := xmlGraph{EdgeDefault: "directed"}

	for id, v := range m.vertices {
		typeStr := "state"
		if v.Type == VertexObservation {
			typeStr = "observation"
		}
		g.Nodes = append(g.Nodes, xmlNode{
			ID:   id,
			Data: []xmlData{{Key: "type", Value: typeStr}},
		})
	}

	for _, edges := range m.transitionsOut {
		for _, e := range edges {
			g.Edges = append(g.Edges, xmlEdge{
				Source: e.From, Target: e.To,
				Data: []xmlData{
					{Key: "type", Value: "transition"},
					{Key: "weight", Value: strconv.FormatFloat(e.Weight, 'g', -1, 64)},
				},
			})
		}
	}
	for _, edges := range m.emissionsOut {
		for _, e := range edges {
			data := []xmlData{
				{Key: "type", Value: "emission"},
				{Key: "weight", Value: strconv.FormatFloat(e.Weight, 'g', -1, 64)},
				{Key: "distribution", Value: distributionName(e.Dist)},
			}
			data = append(data, encodeParams(e.Dist, e.Params)...)
			g.Edges = append(g.Edges, xmlEdge{Source: e.From, Target: e.To, Data: data})
		}
	}

	doc := xmlGraphML{Graph: g}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("markov: graphml encode: %w", err)
	}
	return out, nil
}

func encodeParams(d Distribution, p Params) []xmlData {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	switch d {
	case DistNormal, DistLogNormal:
		return []xmlData{{Key: "param_location", Value: f(p.Location)}, {Key: "param_scale", Value: f(p.Scale)}}
	case DistExponential:
		return []xmlData{{Key: "param_rate", Value: f(p.Rate)}}
	case DistPareto:
		return []xmlData{{Key: "param_scale", Value: f(p.Scale)}, {Key: "param_shape", Value: f(p.Shape)}}
	default:
		return nil
	}
}
