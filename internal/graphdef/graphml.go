package graphdef

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// GraphML encode/decode for the action-graph vocabulary (spec §3 "Action
// graph", §4.6). The attribute names below are the same ones the upstream
// generator's graph loader recognizes (vertex: id, serverport, time,
// heartbeat, loglevel, packetmodelpath, packetmodelseed, peers, socksproxy,
// socksusername, sockspassword, sendsize, recvsize, timeout, stallout,
// streammodelpath, streammodelseed, count; edge: weight), kept so existing
// action-graph files need no translation. As with the markov-model codec,
// this is the minimal reader this one fixed vocabulary needs, not a
// general-purpose GraphML library.

type xmlGraphML struct {
	XMLName xml.Name `xml:"graphml"`
	Graph   xmlGraph `xml:"graph"`
}

type xmlGraph struct {
	EdgeDefault string    `xml:"edgedefault,attr"`
	Nodes       []xmlNode `xml:"node"`
	Edges       []xmlEdge `xml:"edge"`
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

// Decode parses raw as an action-graph document and validates it into a
// traversal-ready Graph.
func Decode(raw []byte) (*Graph, error) {
	var doc xmlGraphML
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("graphdef: graphml parse: %w", err)
	}

	vertices := make([]Vertex, 0, len(doc.Graph.Nodes))
	for _, n := range doc.Graph.Nodes {
		typeStr, _ := findData(n.Data, "type")
		kind, err := parseVertexKind(typeStr)
		if err != nil {
			return nil, fmt.Errorf("graphdef: vertex %q: %w", n.ID, err)
		}
		v := Vertex{ID: n.ID, Kind: kind}

		if err := decodeVertexAttrs(&v, n.Data); err != nil {
			return nil, fmt.Errorf("graphdef: vertex %q: %w", n.ID, err)
		}
		vertices = append(vertices, v)
	}

	edges := make([]Edge, 0, len(doc.Graph.Edges))
	for _, e := range doc.Graph.Edges {
		edge := Edge{From: e.Source, To: e.Target}
		if w, ok := findData(e.Data, "weight"); ok && strings.TrimSpace(w) != "" {
			weight, err := strconv.ParseFloat(w, 64)
			if err != nil {
				return nil, fmt.Errorf("graphdef: edge %s->%s has invalid weight %q", e.Source, e.Target, w)
			}
			edge.Weight, edge.Weighted = weight, true
		}
		edges = append(edges, edge)
	}

	return Load(vertices, edges)
}

func decodeVertexAttrs(v *Vertex, data []xmlData) error {
	opts := &v.Options

	if s, ok := findData(data, "serverport"); ok && s != "" {
		p, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid serverport %q: %w", s, err)
		}
		v.ServerPort = uint16(p)
	}
	if s, ok := findData(data, "loglevel"); ok {
		v.LogLevel = s
	}
	if s, ok := findData(data, "heartbeat"); ok && s != "" {
		n, err := parseTimeNanos(s)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		v.HeartbeatNanos = n
	}

	if s, ok := findData(data, "time"); ok && s != "" {
		switch v.Kind {
		case Start:
			n, err := parseTimeNanos(s)
			if err != nil {
				return fmt.Errorf("time: %w", err)
			}
			v.StartDelayNanos = n
		case End:
			n, err := parseTimeNanos(s)
			if err != nil {
				return fmt.Errorf("time: %w", err)
			}
			v.EndTimeNanos = n
		case Pause:
			times, err := parseTimeNanosList(s)
			if err != nil {
				return fmt.Errorf("time: %w", err)
			}
			v.PauseTimesNanos = times
		}
	}

	if s, ok := findData(data, "count"); ok && s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid count %q: %w", s, err)
		}
		v.EndCount = n
	}

	if s, ok := findData(data, "packetmodelpath"); ok {
		opts.PacketModelPath = s
	}
	if s, ok := findData(data, "packetmodelseed"); ok && s != "" {
		seed, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid packetmodelseed %q: %w", s, err)
		}
		opts.PacketModelSeed, opts.HasPacketSeed = uint32(seed), true
	}
	if s, ok := findData(data, "streammodelpath"); ok {
		v.StreamModelPath = s
	}
	if s, ok := findData(data, "streammodelseed"); ok && s != "" {
		seed, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid streammodelseed %q: %w", s, err)
		}
		v.StreamModelSeed, v.HasStreamSeed = uint32(seed), true
	}
	if s, ok := findData(data, "peers"); ok && s != "" {
		opts.Peers = splitNonEmpty(s, ',')
	}
	if s, ok := findData(data, "socksproxy"); ok {
		opts.SocksProxy = s
	}
	if s, ok := findData(data, "socksusername"); ok {
		opts.SocksUsername = s
	}
	if s, ok := findData(data, "sockspassword"); ok {
		opts.SocksPassword = s
	}

	if s, ok := findData(data, "sendsize"); ok && s != "" {
		n, explicit, err := parseSizeSpec(s)
		if err != nil {
			return fmt.Errorf("sendsize: %w", err)
		}
		if v.Kind == End {
			v.EndSendSize = n
		} else {
			opts.SendSize, opts.SendSizeExplicit = n, explicit
		}
	}
	if s, ok := findData(data, "recvsize"); ok && s != "" {
		n, explicit, err := parseSizeSpec(s)
		if err != nil {
			return fmt.Errorf("recvsize: %w", err)
		}
		if v.Kind == End {
			v.EndRecvSize = n
		} else {
			opts.RecvSize, opts.RecvSizeExplicit = n, explicit
		}
	}
	if s, ok := findData(data, "timeout"); ok && s != "" {
		n, err := parseTimeNanos(s)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		opts.TimeoutNanos = n
	}
	if s, ok := findData(data, "stallout"); ok && s != "" {
		n, err := parseTimeNanos(s)
		if err != nil {
			return fmt.Errorf("stallout: %w", err)
		}
		opts.StalloutNanos = n
	}

	return nil
}

// parseSizeSpec parses a sendsize/recvsize value: "~" names the
// explicit-zero case (spec §4.3's "size 0, explicit"), anything else is a
// plain byte count.
func parseSizeSpec(s string) (value uint64, explicit bool, err error) {
	if s == "~" {
		return 0, true, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid size %q", s)
	}
	return n, false, nil
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	for _, part := range strings.Split(s, string(sep)) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseTimeNanos parses strings like "10", "10 seconds", "500ms" into a
// nanosecond count, matching the unit suffixes the original generator's
// option parser accepts (ns/us/ms/s/min/hour, long or short form); a bare
// number is seconds (spec is silent on units, original_source/tgen-optionparser.c
// is the grounding for this format).
func parseTimeNanos(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	numEnd := 0
	for numEnd < len(s) && s[numEnd] >= '0' && s[numEnd] <= '9' {
		numEnd++
	}
	if numEnd == 0 {
		return 0, fmt.Errorf("invalid time string %q", s)
	}
	n, err := strconv.ParseUint(s[:numEnd], 10, 64)
	if err != nil {
		return 0, err
	}
	suffix := strings.ToLower(strings.TrimSpace(s[numEnd:]))
	var mult uint64
	switch suffix {
	case "", "second", "seconds", "sec", "secs", "s":
		mult = 1_000_000_000
	case "nanosecond", "nanoseconds", "nsec", "nsecs", "ns":
		mult = 1
	case "microsecond", "microseconds", "usec", "usecs", "us":
		mult = 1_000
	case "millisecond", "milliseconds", "msec", "msecs", "ms":
		mult = 1_000_000
	case "minute", "minutes", "min", "mins", "m":
		mult = 1_000_000_000 * 60
	case "hour", "hours", "hr", "hrs", "h":
		mult = 1_000_000_000 * 60 * 60
	default:
		return 0, fmt.Errorf("invalid time suffix %q in %q", suffix, s)
	}
	return n * mult, nil
}

// parseTimeNanosList parses a comma-separated pool of time values (spec §3
// Pause's "times" option).
func parseTimeNanosList(s string) ([]uint64, error) {
	var out []uint64
	for _, part := range splitNonEmpty(s, ',') {
		n, err := parseTimeNanos(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Encode renders g back to a graphml document (the inverse of Decode),
// mainly useful for round-trip tests and for tooling that generates action
// graphs programmatically.
func (g *Graph) Encode() ([]byte, error) {
	xg := xmlGraph{EdgeDefault: "directed"}

	for _, id := range g.order {
		v := g.vertices[id]
		data := []xmlData{{Key: "type", Value: v.Kind.String()}}
		data = append(data, encodeVertexAttrs(v)...)
		xg.Nodes = append(xg.Nodes, xmlNode{ID: id, Data: data})
	}

	for _, id := range g.order {
		for _, e := range g.outWeighted[id] {
			xg.Edges = append(xg.Edges, xmlEdge{
				Source: e.From, Target: e.To,
				Data: []xmlData{{Key: "weight", Value: strconv.FormatFloat(e.Weight, 'g', -1, 64)}},
			})
		}
		for _, to := range g.outUnweighted[id] {
			xg.Edges = append(xg.Edges, xmlEdge{Source: id, Target: to})
		}
	}

	doc := xmlGraphML{Graph: xg}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("graphdef: graphml encode: %w", err)
	}
	return out, nil
}

func encodeVertexAttrs(v *Vertex) []xmlData {
	var data []xmlData
	put := func(key, value string) {
		if value != "" {
			data = append(data, xmlData{Key: key, Value: value})
		}
	}
	switch v.Kind {
	case Start:
		if v.StartDelayNanos != 0 {
			put("time", strconv.FormatUint(v.StartDelayNanos, 10)+"ns")
		}
		if v.ServerPort != 0 {
			put("serverport", strconv.Itoa(int(v.ServerPort)))
		}
		if v.HeartbeatNanos != 0 {
			put("heartbeat", strconv.FormatUint(v.HeartbeatNanos, 10)+"ns")
		}
		put("loglevel", v.LogLevel)
	case End:
		if v.EndTimeNanos != 0 {
			put("time", strconv.FormatUint(v.EndTimeNanos, 10)+"ns")
		}
		if v.EndCount != 0 {
			put("count", strconv.FormatUint(v.EndCount, 10))
		}
		if v.EndSendSize != 0 {
			put("sendsize", strconv.FormatUint(v.EndSendSize, 10))
		}
		if v.EndRecvSize != 0 {
			put("recvsize", strconv.FormatUint(v.EndRecvSize, 10))
		}
	case Pause:
		if len(v.PauseTimesNanos) > 0 {
			parts := make([]string, len(v.PauseTimesNanos))
			for i, n := range v.PauseTimesNanos {
				parts[i] = strconv.FormatUint(n, 10) + "ns"
			}
			put("time", strings.Join(parts, ","))
		}
	case Stream, Flow:
		o := v.Options
		put("packetmodelpath", o.PacketModelPath)
		if o.HasPacketSeed {
			put("packetmodelseed", strconv.FormatUint(uint64(o.PacketModelSeed), 10))
		}
		if len(o.Peers) > 0 {
			put("peers", strings.Join(o.Peers, ","))
		}
		put("socksproxy", o.SocksProxy)
		put("socksusername", o.SocksUsername)
		put("sockspassword", o.SocksPassword)
		if o.SendSizeExplicit {
			put("sendsize", "~")
		} else if o.SendSize != 0 {
			put("sendsize", strconv.FormatUint(o.SendSize, 10))
		}
		if o.RecvSizeExplicit {
			put("recvsize", "~")
		} else if o.RecvSize != 0 {
			put("recvsize", strconv.FormatUint(o.RecvSize, 10))
		}
		if o.TimeoutNanos != 0 {
			put("timeout", strconv.FormatUint(o.TimeoutNanos, 10)+"ns")
		}
		if o.StalloutNanos != 0 {
			put("stallout", strconv.FormatUint(o.StalloutNanos, 10)+"ns")
		}
		if v.Kind == Flow {
			put("streammodelpath", v.StreamModelPath)
			if v.HasStreamSeed {
				put("streammodelseed", strconv.FormatUint(uint64(v.StreamModelSeed), 10))
			}
		}
	}
	return data
}
