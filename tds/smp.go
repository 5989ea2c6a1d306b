package tds

import "encoding/binary"

// SMPMessageType is the SMP frame kind: connection control (SYN/ACK/FIN)
// or a carrier for an embedded TDS packet (DATA).
type SMPMessageType uint8

const (
	SMPSyn  SMPMessageType = 0x01
	SMPACK  SMPMessageType = 0x02
	SMPFin  SMPMessageType = 0x04
	SMPData SMPMessageType = 0x08
)

// smpIdentifier is the fixed "SMP session multiplexer protocol" magic
// byte every SMP header starts with.
const smpIdentifier uint8 = 0x53

// smpHeaderSize is the fixed 16-byte SMP header: {smid, flags, sid u16,
// length u32, seqnum u32, window u32}.
const smpHeaderSize = 16

// SMPHeader is one parsed SMP frame header.
type SMPHeader struct {
	Flags  SMPMessageType
	SID    uint16
	Length uint32
	SeqNum uint32
	Window uint32
}

func (h SMPHeader) encode() []byte {
	buf := make([]byte, smpHeaderSize)
	buf[0] = smpIdentifier
	buf[1] = byte(h.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], h.SID)
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	binary.LittleEndian.PutUint32(buf[8:12], h.SeqNum)
	binary.LittleEndian.PutUint32(buf[12:16], h.Window)
	return buf
}

// ParseSMPHeader decodes the fixed 16-byte SMP header at the start of b.
func ParseSMPHeader(b []byte) (SMPHeader, error) {
	if len(b) < smpHeaderSize {
		return SMPHeader{}, protoViolation("SMP header truncated: %d bytes", len(b))
	}
	if b[0] != smpIdentifier {
		return SMPHeader{}, protoViolation("bad SMP identifier byte 0x%02x", b[0])
	}
	return SMPHeader{
		Flags:  SMPMessageType(b[1]),
		SID:    binary.LittleEndian.Uint16(b[2:4]),
		Length: binary.LittleEndian.Uint32(b[4:8]),
		SeqNum: binary.LittleEndian.Uint32(b[8:12]),
		Window: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// EncodeSMPSyn builds the SYN frame a MARS sub-session sends on open,
// advertising its initial receive window.
func EncodeSMPSyn(sid uint16, window uint32) []byte {
	return SMPHeader{Flags: SMPSyn, SID: sid, Length: smpHeaderSize, Window: window}.encode()
}

// EncodeSMPFin builds the FIN frame sent when a MARS sub-session closes.
func EncodeSMPFin(sid uint16, lastSeqNum, window uint32) []byte {
	return SMPHeader{Flags: SMPFin, SID: sid, Length: smpHeaderSize, SeqNum: lastSeqNum, Window: window}.encode()
}

// EncodeSMPAck builds an ACK frame advancing the receive window.
func EncodeSMPAck(sid uint16, lastSeqNum, window uint32) []byte {
	return SMPHeader{Flags: SMPACK, SID: sid, Length: smpHeaderSize, SeqNum: lastSeqNum, Window: window}.encode()
}

// EncodeSMPData wraps one TDS packet (already carrying its own 8-byte
// packet header) in an SMP DATA frame for a MARS sub-session.
func EncodeSMPData(sid uint16, seqNum, window uint32, tdsPacket []byte) []byte {
	h := SMPHeader{Flags: SMPData, SID: sid, Length: uint32(smpHeaderSize + len(tdsPacket)), SeqNum: seqNum, Window: window}
	buf := h.encode()
	return append(buf, tdsPacket...)
}

// marsSession tracks one MARS sub-session's SMP sequence/window state,
// mirroring the reference client's seqnum/recv_wndw pair: every DATA send
// increments seqnum; every time the peer's seqnum reaches our advertised
// window we extend it by 4 and ACK.
type marsSession struct {
	sid      uint16
	seqNum   uint32
	recvWndw uint32
}

func newMarsSession(sid uint16, initialWindow uint32) *marsSession {
	return &marsSession{sid: sid, recvWndw: initialWindow}
}

// onDataReceived advances the session's receive window when the peer's
// sequence number catches up to it, returning an ACK frame to send (or
// nil if no window extension is due yet).
func (m *marsSession) onDataReceived(peerSeqNum uint32) []byte {
	if peerSeqNum != m.recvWndw {
		return nil
	}
	m.recvWndw += 4
	return EncodeSMPAck(m.sid, peerSeqNum, m.recvWndw)
}

// nextDataFrame wraps a TDS packet for this session and advances seqNum.
func (m *marsSession) nextDataFrame(tdsPacket []byte) []byte {
	frame := EncodeSMPData(m.sid, m.seqNum, m.recvWndw, tdsPacket)
	m.seqNum++
	return frame
}

