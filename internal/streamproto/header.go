package streamproto

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AuthToken is the 20-byte fixed ASCII preamble every endpoint sends before
// its header line (spec §4.3 "Authentication preamble").
const AuthToken = "T8nNx9L95LATtckJkR5n"

// ProtocolVersionMajor is the major version the HEADER_VERSION check
// enforces (spec §4.3 "major must match constant 1").
const ProtocolVersionMajor = 1

// ProtocolVersionMinor is advertised in PROTOCOL_VERSION but not enforced.
const ProtocolVersionMinor = 0

// explicitZero is the literal header value meaning "zero, explicitly",
// distinguished from an absent SEND_SIZE/RECV_SIZE key (spec §4.3).
const explicitZero = "~"

// ModelMode selects how a model is transferred in the command header.
type ModelMode int

const (
	ModelModeNone ModelMode = iota
	ModelModePath
	ModelModeGraphML
)

// Header is the parsed form of a stream handshake's key=value line (spec
// §4.3 "Header line").
type Header struct {
	ProtocolMajor, ProtocolMinor int
	Hostname                     string
	TransferID                   string
	Code                         string

	SendSize        uint64
	SendSizeExplicit bool // "~" was given
	RecvSize        uint64
	RecvSizeExplicit bool

	ModelName string
	ModelSeed uint32
	ModelMode ModelMode
	ModelPath string
	ModelSize uint64

	seen map[string]bool
}

// maxModelSize bounds an embedded graphml model per spec §4.3 ("0 <
// size ≤ 10 MiB").
const maxModelSize = 10 * 1024 * 1024

// Encode renders h as the space-separated key=value line, newline
// terminated, in the order the original tgen wire format uses: protocol
// info first, then size/model keys.
func (h *Header) Encode(isResponse bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PROTOCOL_VERSION=%d.%d", h.ProtocolMajor, h.ProtocolMinor)
	fmt.Fprintf(&b, " HOSTNAME=%s", h.Hostname)

	if isResponse {
		code := h.Code
		if code == "" {
			code = "NONE"
		}
		fmt.Fprintf(&b, " CODE=%s", code)
	} else {
		if h.TransferID != "" {
			fmt.Fprintf(&b, " TRANSFER_ID=%s", h.TransferID)
		}
		b.WriteString(" SEND_SIZE=")
		b.WriteString(sizeField(h.SendSize, h.SendSizeExplicit))
		b.WriteString(" RECV_SIZE=")
		b.WriteString(sizeField(h.RecvSize, h.RecvSizeExplicit))

		fmt.Fprintf(&b, " MODEL_NAME=%s", h.ModelName)
		fmt.Fprintf(&b, " MODEL_SEED=%d", h.ModelSeed)
		switch h.ModelMode {
		case ModelModePath:
			b.WriteString(" MODEL_MODE=path")
			fmt.Fprintf(&b, " MODEL_PATH=%s", h.ModelPath)
		case ModelModeGraphML:
			b.WriteString(" MODEL_MODE=graphml")
			fmt.Fprintf(&b, " MODEL_SIZE=%d", h.ModelSize)
		}
	}

	b.WriteString("\n")
	return b.String()
}

func sizeField(size uint64, explicit bool) string {
	if explicit && size == 0 {
		return explicitZero
	}
	return strconv.FormatUint(size, 10)
}

// ParseHeader parses one header line (without the trailing \n). Unknown
// keys are returned in a separate slice so the caller can log-and-ignore
// them (spec §4.3 "Unknown keys are logged and ignored").
func ParseHeader(line string) (*Header, []string, error) {
	h := &Header{seen: make(map[string]bool)}
	var unknown []string

	fields := strings.Fields(line)
	for _, field := range fields {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return nil, nil, newErr(ErrHeader, "malformed key=value pair %q", field)
		}
		key := strings.ToUpper(kv[0])
		value := kv[1]
		h.seen[key] = true

		switch key {
		case "PROTOCOL_VERSION":
			maj, min, err := parseVersion(value)
			if err != nil {
				return nil, nil, newErr(ErrHeader, "bad PROTOCOL_VERSION %q: %v", value, err)
			}
			h.ProtocolMajor, h.ProtocolMinor = maj, min
		case "HOSTNAME":
			h.Hostname = value
		case "TRANSFER_ID":
			h.TransferID = value
		case "CODE":
			h.Code = value
		case "SEND_SIZE":
			n, explicit, err := parseSize(value)
			if err != nil {
				return nil, nil, newErr(ErrHeader, "bad SEND_SIZE %q: %v", value, err)
			}
			h.SendSize, h.SendSizeExplicit = n, explicit
		case "RECV_SIZE":
			n, explicit, err := parseSize(value)
			if err != nil {
				return nil, nil, newErr(ErrHeader, "bad RECV_SIZE %q: %v", value, err)
			}
			h.RecvSize, h.RecvSizeExplicit = n, explicit
		case "MODEL_NAME":
			h.ModelName = value
		case "MODEL_SEED":
			seed, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, nil, newErr(ErrHeader, "bad MODEL_SEED %q: %v", value, err)
			}
			h.ModelSeed = uint32(seed)
		case "MODEL_MODE":
			switch strings.ToLower(value) {
			case "path":
				h.ModelMode = ModelModePath
			case "graphml":
				h.ModelMode = ModelModeGraphML
			default:
				return nil, nil, newErr(ErrHeaderModelMode, "unrecognized MODEL_MODE %q", value)
			}
		case "MODEL_PATH":
			h.ModelPath = value
		case "MODEL_SIZE":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, nil, newErr(ErrHeaderModelSize, "bad MODEL_SIZE %q: %v", value, err)
			}
			if n == 0 || n > maxModelSize {
				return nil, nil, newErr(ErrHeaderModelSize, "MODEL_SIZE %d out of range (0, %d]", n, maxModelSize)
			}
			h.ModelSize = n
		default:
			unknown = append(unknown, key)
		}
	}

	sort.Strings(unknown)
	return h, unknown, nil
}

func parseVersion(s string) (maj, min int, err error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected maj.min")
	}
	maj64, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	min64, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return maj64, min64, nil
}

func parseSize(s string) (value uint64, explicit bool, err error) {
	if s == explicitZero {
		return 0, true, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, false, nil
}

// RequireKeys validates that every key in required was present on the
// parsed header, returning ErrHeaderIncomplete naming the first missing key
// (spec §4.3 "Missing required keys → HEADER_INCOMPLETE").
func (h *Header) RequireKeys(required ...string) error {
	for _, k := range required {
		if !h.seen[k] {
			return newErr(ErrHeaderIncomplete, "missing required key %s", k)
		}
	}
	return nil
}

// CommanderRequiredKeys are the keys spec §4.3 requires on a response the
// commander receives.
var CommanderRequiredKeys = []string{"PROTOCOL_VERSION", "HOSTNAME", "CODE"}

// ResponderRequiredKeys are the keys spec §4.3 requires on a command the
// responder receives, before the MODEL_MODE-dependent key.
var ResponderRequiredKeys = []string{
	"PROTOCOL_VERSION", "HOSTNAME", "TRANSFER_ID",
	"SEND_SIZE", "RECV_SIZE", "MODEL_NAME", "MODEL_SEED", "MODEL_MODE",
}
