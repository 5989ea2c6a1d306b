// Package tds implements the client side of the TDS (Tabular Data Stream) 7.4
// protocol spoken by Microsoft SQL Server and compatible engines.
//
// It owns the wire: packet framing, the login handshake, TLS interleaving,
// MARS session multiplexing, the token stream codec and the typed value
// codec, plus the query/RPC/bulkcopy/transaction front-end built on top of
// them. It does not parse SQL beyond counting placeholder markers, and it
// does not implement a cursor API.
package tds

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PacketType identifies the type of TDS packet.
type PacketType uint8

const (
	PacketSQLBatch     PacketType = 1
	PacketRPCRequest   PacketType = 3
	PacketReply        PacketType = 4
	PacketAttention    PacketType = 6
	PacketBulkLoad     PacketType = 7
	PacketFedAuthToken PacketType = 8
	PacketTransMgrReq  PacketType = 14
	PacketLogin7       PacketType = 16
	PacketSSPIMessage  PacketType = 17
	PacketPrelogin     PacketType = 18
)

func (p PacketType) String() string {
	switch p {
	case PacketSQLBatch:
		return "SQL_BATCH"
	case PacketRPCRequest:
		return "RPC_REQUEST"
	case PacketReply:
		return "REPLY"
	case PacketAttention:
		return "ATTENTION"
	case PacketBulkLoad:
		return "BULK_LOAD"
	case PacketFedAuthToken:
		return "FEDAUTH_TOKEN"
	case PacketTransMgrReq:
		return "TRANS_MGR_REQ"
	case PacketLogin7:
		return "LOGIN7"
	case PacketSSPIMessage:
		return "SSPI_MESSAGE"
	case PacketPrelogin:
		return "PRELOGIN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(p))
	}
}

// PacketStatus are the bit flags of the header's status byte.
type PacketStatus uint8

const (
	StatusNormal                  PacketStatus = 0x00
	StatusEOM                     PacketStatus = 0x01
	StatusIgnore                  PacketStatus = 0x02
	StatusResetConnection         PacketStatus = 0x08
	StatusResetConnectionSkipTran PacketStatus = 0x10
)

const (
	// HeaderSize is the size of a TDS packet header in bytes.
	HeaderSize = 8

	DefaultPacketSize = 4096
	MaxPacketSize     = 32767
	MinPacketSize     = 512
)

// Header is the fixed 8-byte TDS packet header.
type Header struct {
	Type     PacketType
	Status   PacketStatus
	Length   uint16 // total packet length, including header
	SPID     uint16
	PacketID uint8
	Window   uint8
}

// ReadHeader reads a TDS packet header from r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	return Header{
		Type:     PacketType(buf[0]),
		Status:   PacketStatus(buf[1]),
		Length:   binary.BigEndian.Uint16(buf[2:4]),
		SPID:     binary.BigEndian.Uint16(buf[4:6]),
		PacketID: buf[6],
		Window:   buf[7],
	}, nil
}

// Write writes the header to w.
func (h Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	buf[0] = byte(h.Type)
	buf[1] = byte(h.Status)
	binary.BigEndian.PutUint16(buf[2:4], h.Length)
	binary.BigEndian.PutUint16(buf[4:6], h.SPID)
	buf[6] = h.PacketID
	buf[7] = h.Window
	_, err := w.Write(buf[:])
	return err
}

// PayloadLength returns the length of the packet payload, excluding the header.
func (h Header) PayloadLength() int {
	if h.Length <= HeaderSize {
		return 0
	}
	return int(h.Length) - HeaderSize
}

// IsLastPacket reports whether this packet ends its message.
func (h Header) IsLastPacket() bool {
	return h.Status&StatusEOM != 0
}

// splitPayload splits body into chunks no larger than maxPayload bytes each,
// used by the framer to produce one or more packets for a message.
func splitPayload(body []byte, maxPayload int) [][]byte {
	if maxPayload <= 0 {
		maxPayload = DefaultPacketSize - HeaderSize
	}
	if len(body) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(body) > 0 {
		n := maxPayload
		if n > len(body) {
			n = len(body)
		}
		chunks = append(chunks, body[:n])
		body = body[n:]
	}
	return chunks
}

// writeMessage frames body as one or more packets of the given type and
// writes them to w, setting packetID sequentially starting at startID and
// setting the EOM bit only on the final packet. It returns the next free
// packet id.
func writeMessage(w io.Writer, typ PacketType, spid uint16, packetSize int, startID uint8, body []byte) (uint8, error) {
	maxPayload := packetSize - HeaderSize
	chunks := splitPayload(body, maxPayload)
	id := startID
	for i, chunk := range chunks {
		status := StatusNormal
		if i == len(chunks)-1 {
			status = StatusEOM
		}
		hdr := Header{
			Type:     typ,
			Status:   status,
			Length:   uint16(HeaderSize + len(chunk)),
			SPID:     spid,
			PacketID: id,
			Window:   0,
		}
		if err := hdr.Write(w); err != nil {
			return id, err
		}
		if len(chunk) > 0 {
			if _, err := w.Write(chunk); err != nil {
				return id, err
			}
		}
		id++
		if id == 0 {
			id = 1
		}
	}
	return id, nil
}
