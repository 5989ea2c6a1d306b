package tds

import (
	"encoding/binary"
	"fmt"
)

// TDS protocol versions.
const (
	VerTDS70     uint32 = 0x70000000
	VerTDS71     uint32 = 0x71000000
	VerTDS71Rev1 uint32 = 0x71000001
	VerTDS72     uint32 = 0x72090002
	VerTDS73A    uint32 = 0x730A0003
	VerTDS73B    uint32 = 0x730B0003
	VerTDS74     uint32 = 0x74000004
	VerTDS80     uint32 = 0x08000000 // TDS 8.0 (strict encryption)
)

// VersionString returns a human-readable version string.
func VersionString(ver uint32) string {
	switch ver {
	case VerTDS70:
		return "7.0"
	case VerTDS71:
		return "7.1"
	case VerTDS71Rev1:
		return "7.1 Rev 1"
	case VerTDS72:
		return "7.2"
	case VerTDS73A:
		return "7.3A"
	case VerTDS73B:
		return "7.3B"
	case VerTDS74:
		return "7.4"
	case VerTDS80:
		return "8.0"
	default:
		return fmt.Sprintf("unknown (0x%08X)", ver)
	}
}

// Prelogin option tokens.
const (
	PreloginVersion    uint8 = 0x00
	PreloginEncryption uint8 = 0x01
	PreloginInstOpt    uint8 = 0x02
	PreloginThreadID   uint8 = 0x03
	PreloginMARS       uint8 = 0x04
	PreloginTraceID    uint8 = 0x05
	PreloginFedAuth    uint8 = 0x06
	PreloginNonceOpt   uint8 = 0x07
	PreloginTerminator uint8 = 0xFF
)

// Encryption options for prelogin.
const (
	EncryptOff    uint8 = 0x00 // Encryption available but off
	EncryptOn     uint8 = 0x01 // Encryption available and on
	EncryptNotSup uint8 = 0x02 // Encryption not supported
	EncryptReq    uint8 = 0x03 // Encryption required
	EncryptStrict uint8 = 0x04 // Strict encryption (TDS 8.0)
)

// ClientVersion is the version this module advertises in PRELOGIN.
var ClientVersion = [6]byte{0, 0, 0, 1, 0, 0}

// PreloginRequest is the option set a client sends to open a session.
type PreloginRequest struct {
	Version    [6]byte
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8
}

// DefaultPreloginRequest builds a request advertising this module's
// version, the requested encryption mode, and MARS support.
func DefaultPreloginRequest(encryption uint8, mars bool) PreloginRequest {
	marsFlag := uint8(0)
	if mars {
		marsFlag = 1
	}
	return PreloginRequest{
		Version:    ClientVersion,
		Encryption: encryption,
		Instance:   "MSSQLServer",
		ThreadID:   0,
		MARS:       marsFlag,
	}
}

// preloginOptionSpec describes one outgoing option's token and payload,
// used by both PreloginRequest.Encode and the response encoder that tests
// exercise against a fake server.
type preloginOptionSpec struct {
	token uint8
	data  []byte
}

// Encode serialises the request as the option-header-table-then-values
// layout every PRELOGIN message uses, terminated by PreloginTerminator.
func (r PreloginRequest) Encode() []byte {
	instance := append([]byte(r.Instance), 0)
	threadID := make([]byte, 4)
	binary.BigEndian.PutUint32(threadID, r.ThreadID)

	specs := []preloginOptionSpec{
		{PreloginVersion, r.Version[:]},
		{PreloginEncryption, []byte{r.Encryption}},
		{PreloginInstOpt, instance},
		{PreloginThreadID, threadID},
		{PreloginMARS, []byte{r.MARS}},
	}
	return encodePreloginOptions(specs)
}

func encodePreloginOptions(specs []preloginOptionSpec) []byte {
	headerSize := len(specs)*5 + 1
	offset := uint16(headerSize)
	offsets := make([]uint16, len(specs))
	for i, s := range specs {
		offsets[i] = offset
		offset += uint16(len(s.data))
	}

	buf := make([]byte, int(offset))
	pos := 0
	for i, s := range specs {
		buf[pos] = s.token
		binary.BigEndian.PutUint16(buf[pos+1:pos+3], offsets[i])
		binary.BigEndian.PutUint16(buf[pos+3:pos+5], uint16(len(s.data)))
		pos += 5
	}
	buf[pos] = PreloginTerminator
	pos++
	for _, s := range specs {
		pos += copy(buf[pos:], s.data)
	}
	return buf
}

// PreloginOption is a single parsed option header (token, offset, length).
type PreloginOption struct {
	Token  uint8
	Offset uint16
	Length uint16
}

// ServerVersion is the server's advertised product version.
type ServerVersion struct {
	Major    uint8
	Minor    uint8
	Build    uint16
	SubBuild uint16
}

// PreloginResponse is the server's answer to a client's PRELOGIN request.
type PreloginResponse struct {
	Version    ServerVersion
	Encryption uint8
	Instance   string
	ThreadID   uint32
	MARS       uint8
	FedAuth    uint8
	Nonce      []byte
}

// ParsePreloginResponse decodes a PRELOGIN reply received from the
// server, mirroring the option-table-then-values layout of the request.
func ParsePreloginResponse(data []byte) (*PreloginResponse, error) {
	if len(data) == 0 {
		return nil, protoViolation("empty prelogin response")
	}

	resp := &PreloginResponse{}
	options := make(map[uint8]PreloginOption)
	offset := 0
	for {
		if offset >= len(data) {
			return nil, protoViolation("prelogin response truncated reading options")
		}
		token := data[offset]
		if token == PreloginTerminator {
			break
		}
		if offset+5 > len(data) {
			return nil, protoViolation("prelogin option header truncated")
		}
		options[token] = PreloginOption{
			Token:  token,
			Offset: binary.BigEndian.Uint16(data[offset+1 : offset+3]),
			Length: binary.BigEndian.Uint16(data[offset+3 : offset+5]),
		}
		offset += 5
	}

	for token, opt := range options {
		start := int(opt.Offset)
		end := start + int(opt.Length)
		if end > len(data) || start < 0 {
			return nil, protoViolation("prelogin option %d data out of bounds", token)
		}
		value := data[start:end]

		switch token {
		case PreloginVersion:
			if len(value) >= 6 {
				resp.Version = ServerVersion{
					Major:    value[0],
					Minor:    value[1],
					Build:    binary.BigEndian.Uint16(value[2:4]),
					SubBuild: binary.BigEndian.Uint16(value[4:6]),
				}
			}
		case PreloginEncryption:
			if len(value) >= 1 {
				resp.Encryption = value[0]
			}
		case PreloginInstOpt:
			resp.Instance = string(trimNull(value))
		case PreloginThreadID:
			if len(value) >= 4 {
				resp.ThreadID = binary.BigEndian.Uint32(value)
			}
		case PreloginMARS:
			if len(value) >= 1 {
				resp.MARS = value[0]
			}
		case PreloginFedAuth:
			if len(value) >= 1 {
				resp.FedAuth = value[0]
			}
		case PreloginNonceOpt:
			if len(value) >= 32 {
				resp.Nonce = append([]byte(nil), value[:32]...)
			}
		}
	}

	return resp, nil
}

func trimNull(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// RequiresTLS reports whether the negotiated encryption mode means the
// handshake must run a full TLS session before LOGIN7.
func (r *PreloginResponse) RequiresTLS() bool {
	return r.Encryption == EncryptOn || r.Encryption == EncryptReq || r.Encryption == EncryptStrict
}

// LoginOnlyEncryption reports whether the negotiated mode encrypts only
// the LOGIN7 exchange, reverting to plain text afterward.
func (r *PreloginResponse) LoginOnlyEncryption() bool {
	return r.Encryption == EncryptOff
}
