package tds

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ha1tch/tdsgo/pkg/tdserr"
)

// outboundMsg is one queued send: a complete logical message tagged with
// the session it belongs to. The writer pump SMP-wraps it itself when sid
// is a MARS sub-session id.
type outboundMsg struct {
	sid     uint16
	pktType PacketType
	data    []byte
	done    chan error
}

// inboundMsg is one complete message delivered to a session's waiter,
// tagged with the MARS session id it belongs to (0 for the main session
// when MARS is off).
type inboundMsg struct {
	sid  uint16
	typ  PacketType
	data []byte
}

// reactor runs one goroutine pair (reader pump, writer pump) per
// Connection: all network I/O goes through it, so sessions never touch
// the net.Conn directly. This mirrors the accept-loop/handle-connection
// goroutine-per-unit-of-work shape used elsewhere in this codebase,
// reshaped from accepting many client connections to pumping one
// dialed connection's reads and writes.
type reactor struct {
	conn        *Conn
	marsEnabled bool
	marsWindow  uint32
	rateLimit   int // per-session inbound queue depth; see registerRoute

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	outbound chan outboundMsg

	mu           sync.Mutex
	routes       map[uint16]chan inboundMsg // sid -> session inbound queue
	marsSessions map[uint16]*marsSession    // sid -> SMP sequence/window state, sid 0 excluded
	err          error
	poisoned     bool
}

// defaultRateLimit is the per-session inbound queue depth used when
// Config.RateLimit is left at its zero value.
const defaultRateLimit = 16

func newReactor(parent context.Context, conn *Conn, marsEnabled bool, marsWindow uint32, rateLimit int) *reactor {
	ctx, cancel := context.WithCancel(parent)
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	r := &reactor{
		conn:         conn,
		marsEnabled:  marsEnabled,
		marsWindow:   marsWindow,
		rateLimit:    rateLimit,
		ctx:          ctx,
		cancel:       cancel,
		outbound:     make(chan outboundMsg, 64),
		routes:       make(map[uint16]chan inboundMsg),
		marsSessions: make(map[uint16]*marsSession),
	}
	return r
}

// openMARSSession registers sid's SMP sequence/window state and sends the
// SYN frame opening it, per spec.md's MARS sub-session lifecycle.
func (r *reactor) openMARSSession(sid uint16) error {
	r.mu.Lock()
	r.marsSessions[sid] = newMarsSession(sid, r.marsWindow)
	r.mu.Unlock()
	return r.conn.writeRaw(EncodeSMPSyn(sid, r.marsWindow))
}

// closeMARSSession sends FIN for sid and drops its SMP state, called from
// Session.Close for every MARS sub-session ("FIN is sent on destructor").
func (r *reactor) closeMARSSession(sid uint16) error {
	r.mu.Lock()
	ms, ok := r.marsSessions[sid]
	delete(r.marsSessions, sid)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.conn.writeRaw(EncodeSMPFin(sid, ms.seqNum, ms.recvWndw))
}

// start launches the reader and writer pumps.
func (r *reactor) start() {
	r.wg.Add(2)
	go r.writeLoop()
	go r.readLoop()
}

// registerRoute gives sid its own inbound queue so SMP-demultiplexed
// messages for that MARS sub-session land in the right place. The queue
// is buffered to r.rateLimit (Config.RateLimit): once that many messages
// are queued and undrained, the reader pump's send to this channel
// blocks, which is the back-pressure spec.md §4.1/§5 describes.
func (r *reactor) registerRoute(sid uint16) chan inboundMsg {
	ch := make(chan inboundMsg, r.rateLimit)
	r.mu.Lock()
	r.routes[sid] = ch
	r.mu.Unlock()
	return ch
}

func (r *reactor) unregisterRoute(sid uint16) {
	r.mu.Lock()
	ch, ok := r.routes[sid]
	delete(r.routes, sid)
	r.mu.Unlock()
	if ok {
		close(ch)
	}
}

// poison records the error that killed the connection and broadcasts it
// to every waiting route by closing their channels, per the "poisoned
// flag plus concurrent broadcast to all waiters" error model.
func (r *reactor) poison(err error) {
	r.mu.Lock()
	if r.poisoned {
		r.mu.Unlock()
		return
	}
	r.poisoned = true
	r.err = err
	routes := r.routes
	r.routes = make(map[uint16]chan inboundMsg)
	r.mu.Unlock()

	for _, ch := range routes {
		close(ch)
	}
	r.cancel()
}

func (r *reactor) poisonErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// send enqueues data for the writer pump and blocks until it has been
// written (or the connection is poisoned), giving send_msg a synchronous
// call shape while keeping all wire writes on one goroutine.
func (r *reactor) send(sid uint16, pktType PacketType, data []byte) error {
	done := make(chan error, 1)
	select {
	case r.outbound <- outboundMsg{sid: sid, pktType: pktType, data: data, done: done}:
	case <-r.ctx.Done():
		return r.connError()
	}
	select {
	case err := <-done:
		return err
	case <-r.ctx.Done():
		return r.connError()
	}
}

func (r *reactor) connError() error {
	if err := r.poisonErr(); err != nil {
		return err
	}
	return tdserr.New(tdserr.KindDisconnected, "connection closed").Err()
}

func (r *reactor) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case msg := <-r.outbound:
			err := r.writeOne(msg)
			msg.done <- err
			if err != nil {
				r.poison(err)
				return
			}
		case <-r.ctx.Done():
			return
		}
	}
}

// writeOne frames msg as the main session's plain TDS packets, or as one
// SMP DATA frame per physical packet when it belongs to a MARS sub-session
// — spec.md's "main session has sid=0 and no SMP framing; MARS
// sub-sessions have unique ids and SMP headers".
func (r *reactor) writeOne(msg outboundMsg) error {
	if !r.marsEnabled || msg.sid == 0 {
		return r.conn.WritePacket(msg.pktType, msg.data)
	}

	r.mu.Lock()
	ms, ok := r.marsSessions[msg.sid]
	r.mu.Unlock()
	if !ok {
		return tdserr.New(tdserr.KindLogicError, "unknown MARS session").WithField("sid", msg.sid).Err()
	}

	maxPayload := r.conn.PacketSize() - HeaderSize - smpHeaderSize
	chunks := splitPayload(msg.data, maxPayload)
	spid := r.conn.SPID()
	packetID := uint8(1)
	for i, chunk := range chunks {
		status := StatusNormal
		if i == len(chunks)-1 {
			status = StatusEOM
		}
		var pkt bytes.Buffer
		hdr := Header{Type: msg.pktType, Status: status, Length: uint16(HeaderSize + len(chunk)), SPID: spid, PacketID: packetID}
		if err := hdr.Write(&pkt); err != nil {
			return err
		}
		pkt.Write(chunk)

		r.mu.Lock()
		frame := ms.nextDataFrame(pkt.Bytes())
		r.mu.Unlock()

		if err := r.conn.writeRaw(frame); err != nil {
			return err
		}
		packetID++
		if packetID == 0 {
			packetID = 1
		}
	}
	return nil
}

func (r *reactor) readLoop() {
	defer r.wg.Done()
	for {
		sid, pktType, body, err := r.readMessage()
		if err != nil {
			r.poison(tdserr.Wrap(err, tdserr.KindTransportIO, "reading packet").Err())
			return
		}
		if body == nil && pktType == 0 {
			continue // SMP control frame (SYN/ACK/FIN), already handled
		}

		r.mu.Lock()
		ch, ok := r.routes[sid]
		r.mu.Unlock()
		if !ok {
			// No registered waiter (e.g. an out-of-band ATTENTION ack);
			// drop rather than block the read pump.
			continue
		}

		select {
		case ch <- inboundMsg{sid: sid, typ: pktType, data: body}:
		case <-r.ctx.Done():
			return
		}
	}
}

// stop cancels the reactor and waits for both pumps to exit.
func (r *reactor) stop() {
	r.cancel()
	r.wg.Wait()
}

// readMessage reads the next complete inbound message, demultiplexing SMP
// framing when MARS is enabled. A nil body with pktType 0 signals a control
// frame (SYN/ACK/FIN) that the reactor has already consumed and which
// carries nothing for a session waiter.
func (r *reactor) readMessage() (sid uint16, pktType PacketType, body []byte, err error) {
	if !r.marsEnabled {
		pktType, body, err = r.conn.ReadPacket()
		return 0, pktType, body, err
	}

	isSMP, err := r.conn.peekIsSMP()
	if err != nil {
		return 0, 0, nil, err
	}
	if !isSMP {
		pktType, body, err = r.conn.ReadPacket()
		return 0, pktType, body, err
	}

	hdr, payload, err := r.conn.readSMPFrame()
	if err != nil {
		return 0, 0, nil, err
	}

	switch {
	case hdr.Flags&SMPACK != 0:
		r.mu.Lock()
		if ms, ok := r.marsSessions[hdr.SID]; ok {
			ms.recvWndw = hdr.Window
		}
		r.mu.Unlock()
		return 0, 0, nil, nil
	case hdr.Flags&SMPFin != 0:
		r.mu.Lock()
		delete(r.marsSessions, hdr.SID)
		r.mu.Unlock()
		return 0, 0, nil, nil
	case hdr.Flags&SMPSyn != 0:
		return 0, 0, nil, nil
	case hdr.Flags&SMPData == 0:
		return 0, 0, nil, protoViolation("SMP frame for sid %d carries no recognized flag", hdr.SID)
	}

	sid = hdr.SID
	innerHdr, chunk, err := decodeEmbeddedTDSPacket(payload)
	if err != nil {
		return 0, 0, nil, err
	}
	pktType = innerHdr.Type
	body = append([]byte(nil), chunk...)
	r.ackMARSData(hdr)

	for !innerHdr.IsLastPacket() {
		nextHdr, nextPayload, err := r.conn.readSMPFrame()
		if err != nil {
			return 0, 0, nil, err
		}
		if nextHdr.Flags&SMPData == 0 || nextHdr.SID != sid {
			return 0, 0, nil, protoViolation("expected SMP DATA continuation for sid %d", sid)
		}
		innerHdr, chunk, err = decodeEmbeddedTDSPacket(nextPayload)
		if err != nil {
			return 0, 0, nil, err
		}
		body = append(body, chunk...)
		r.ackMARSData(nextHdr)
	}

	return sid, pktType, body, nil
}

// decodeEmbeddedTDSPacket parses the plain TDS packet (header plus
// payload) an SMP DATA frame carries as its body.
func decodeEmbeddedTDSPacket(frame []byte) (Header, []byte, error) {
	r := bytes.NewReader(frame)
	hdr, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, fmt.Errorf("reading embedded TDS header: %w", err)
	}
	chunk := make([]byte, hdr.PayloadLength())
	if _, err := io.ReadFull(r, chunk); err != nil {
		return Header{}, nil, fmt.Errorf("reading embedded TDS payload: %w", err)
	}
	return hdr, chunk, nil
}

// ackMARSData extends this sub-session's advertised receive window and
// sends an ACK once the peer's sequence number catches up to it, mirroring
// marsSession.onDataReceived's window bookkeeping.
func (r *reactor) ackMARSData(hdr SMPHeader) {
	r.mu.Lock()
	ms, ok := r.marsSessions[hdr.SID]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	ack := ms.onDataReceived(hdr.SeqNum)
	r.mu.Unlock()
	if ack != nil {
		r.conn.writeRaw(ack)
	}
}
