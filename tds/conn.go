package tds

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Conn is the packet-framing transport underlying a Connection: it owns
// the net.Conn, the negotiated packet size, and the packet-id sequence,
// and turns byte messages into wire packets and back.
type Conn struct {
	mu         sync.Mutex
	netConn    net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	packetSize int
	spid       uint16
	packetSeq  uint8

	// TLS connection (set after TLS handshake)
	tlsConn *tls.Conn

	// Connection state
	database    string
	user        string
	appName     string
	clientHost  string
	tdsVersion  uint32

	// Settings
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// ConnOption configures a TDS connection.
type ConnOption func(*Conn)

// WithPacketSize sets the TDS packet size.
func WithPacketSize(size int) ConnOption {
	return func(c *Conn) {
		if size >= MinPacketSize && size <= MaxPacketSize {
			c.packetSize = size
		}
	}
}

// WithSPID sets the server process ID for this connection.
func WithSPID(spid uint16) ConnOption {
	return func(c *Conn) {
		c.spid = spid
	}
}

// WithReadTimeout sets the read timeout.
func WithReadTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.readTimeout = d
	}
}

// WithWriteTimeout sets the write timeout.
func WithWriteTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		c.writeTimeout = d
	}
}

// NewConn wraps a net.Conn as a TDS connection.
func NewConn(netConn net.Conn, opts ...ConnOption) *Conn {
	c := &Conn{
		netConn:    netConn,
		reader:     bufio.NewReaderSize(netConn, MaxPacketSize),
		writer:     bufio.NewWriterSize(netConn, MaxPacketSize),
		packetSize: DefaultPacketSize,
		spid:       1,
		packetSeq:  1,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// NetConn returns the underlying net.Conn.
func (c *Conn) NetConn() net.Conn {
	return c.netConn
}

// SPID returns the server process ID.
func (c *Conn) SPID() uint16 {
	return c.spid
}

// PacketSize returns the negotiated packet size.
func (c *Conn) PacketSize() int {
	return c.packetSize
}

// SetPacketSize updates the packet size (called after negotiation).
func (c *Conn) SetPacketSize(size int) {
	if size >= MinPacketSize && size <= MaxPacketSize {
		c.packetSize = size
	}
}

// Database returns the current database.
func (c *Conn) Database() string {
	return c.database
}

// SetDatabase sets the current database.
func (c *Conn) SetDatabase(db string) {
	c.database = db
}

// User returns the authenticated user.
func (c *Conn) User() string {
	return c.user
}

// SetUser sets the authenticated user.
func (c *Conn) SetUser(user string) {
	c.user = user
}

// AppName returns the client application name.
func (c *Conn) AppName() string {
	return c.appName
}

// SetAppName sets the client application name.
func (c *Conn) SetAppName(name string) {
	c.appName = name
}

// ClientHost returns the client hostname.
func (c *Conn) ClientHost() string {
	return c.clientHost
}

// SetClientHost sets the client hostname.
func (c *Conn) SetClientHost(host string) {
	c.clientHost = host
}

// TDSVersion returns the negotiated TDS version.
func (c *Conn) TDSVersion() uint32 {
	return c.tdsVersion
}

// SetTDSVersion sets the TDS version.
func (c *Conn) SetTDSVersion(ver uint32) {
	c.tdsVersion = ver
}

// RemoteAddr returns the remote address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() net.Addr {
	return c.netConn.LocalAddr()
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// ReadPacket reads a complete TDS packet (possibly spanning multiple network packets).
func (c *Conn) ReadPacket() (PacketType, []byte, error) {
	pktType, _, data, err := c.ReadPacketWithStatus()
	return pktType, data, err
}

// ReadPacketWithStatus reads a complete TDS packet and returns the status byte.
// This is needed to detect connection reset requests (StatusResetConnection).
func (c *Conn) ReadPacketWithStatus() (PacketType, PacketStatus, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	// Read first header
	hdr, err := ReadHeader(c.reader)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("reading packet header: %w", err)
	}

	// Capture the status from the first packet
	status := hdr.Status

	// Validate header
	if hdr.Length < HeaderSize {
		return 0, 0, nil, fmt.Errorf("invalid packet length: %d", hdr.Length)
	}
	if hdr.Length > uint16(c.packetSize) {
		return 0, 0, nil, fmt.Errorf("packet too large: %d > %d", hdr.Length, c.packetSize)
	}

	// Allocate buffer for message
	var data []byte
	payloadLen := hdr.PayloadLength()
	if payloadLen > 0 {
		data = make([]byte, 0, payloadLen)
		chunk := make([]byte, payloadLen)
		if _, err := io.ReadFull(c.reader, chunk); err != nil {
			return 0, 0, nil, fmt.Errorf("reading packet payload: %w", err)
		}
		data = append(data, chunk...)
	}

	// Read continuation packets if not EOM
	for !hdr.IsLastPacket() {
		if c.readTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}

		hdr, err = ReadHeader(c.reader)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("reading continuation header: %w", err)
		}

		payloadLen = hdr.PayloadLength()
		if payloadLen > 0 {
			chunk := make([]byte, payloadLen)
			if _, err := io.ReadFull(c.reader, chunk); err != nil {
				return 0, 0, nil, fmt.Errorf("reading continuation payload: %w", err)
			}
			data = append(data, chunk...)
		}
	}

	return hdr.Type, status, data, nil
}

// ResetConnection flag check
func (s PacketStatus) IsResetConnection() bool {
	return s&StatusResetConnection != 0
}

// ResetConnectionSkipTran flag check
func (s PacketStatus) IsResetConnectionSkipTran() bool {
	return s&StatusResetConnectionSkipTran != 0
}

// WritePacket writes a TDS packet, splitting into multiple packets if
// needed; the chunking and per-packet header framing is writeMessage's
// job, shared with any other caller that needs to frame a message at a
// given starting packet id.
func (c *Conn) WritePacket(pktType PacketType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	nextID, err := writeMessage(c.writer, pktType, c.spid, c.packetSize, c.packetSeq, data)
	if err != nil {
		return fmt.Errorf("writing packet: %w", err)
	}
	c.packetSeq = nextID

	return c.writer.Flush()
}

// ReadTokens reads one complete response message (a run of packets up to
// and including the next EOM) and decodes it into tokens, maintaining
// colCtx as the current COLMETADATA across ROW/NBCROW tokens within the
// message.
func (c *Conn) ReadTokens(colCtx *[]Column) ([]interface{}, error) {
	_, body, err := c.ReadPacket()
	if err != nil {
		return nil, err
	}
	dec := newTokenDecoder(body)
	var tokens []interface{}
	for {
		tok, err := dec.Next(colCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return tokens, err
		}
		if tok != nil {
			tokens = append(tokens, tok)
		}
	}
	return tokens, nil
}

// Flush flushes any buffered data.
func (c *Conn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.Flush()
}

// ResetPacketSequence resets the packet sequence number.
func (c *Conn) ResetPacketSequence() {
	c.mu.Lock()
	c.packetSeq = 1
	c.mu.Unlock()
}

// peekIsSMP reports whether the next byte on the wire is the SMP frame
// identifier, letting a MARS-aware reader distinguish a sub-session's
// SMP-wrapped traffic from the main session's plain TDS packets without
// consuming it.
func (c *Conn) peekIsSMP() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.reader.Peek(1)
	if err != nil {
		return false, err
	}
	return b[0] == smpIdentifier, nil
}

// readSMPFrame reads one complete SMP frame (header plus whatever payload
// its Length field declares, which for a DATA frame is one embedded TDS
// packet).
func (c *Conn) readSMPFrame() (SMPHeader, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readTimeout > 0 {
		c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	var hdrBuf [smpHeaderSize]byte
	if _, err := io.ReadFull(c.reader, hdrBuf[:]); err != nil {
		return SMPHeader{}, nil, fmt.Errorf("reading SMP header: %w", err)
	}
	hdr, err := ParseSMPHeader(hdrBuf[:])
	if err != nil {
		return SMPHeader{}, nil, err
	}
	if hdr.Length < smpHeaderSize {
		return SMPHeader{}, nil, fmt.Errorf("invalid SMP frame length: %d", hdr.Length)
	}
	payloadLen := int(hdr.Length) - smpHeaderSize
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			return SMPHeader{}, nil, fmt.Errorf("reading SMP payload: %w", err)
		}
	}
	return hdr, payload, nil
}

// writeRaw writes b directly to the connection, bypassing the TDS packet
// framer. Used for SMP control frames (SYN/ACK/FIN) and SMP-wrapped DATA
// frames, which carry their own framing.
func (c *Conn) writeRaw(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.writer.Write(b); err != nil {
		return fmt.Errorf("writing SMP frame: %w", err)
	}
	return c.writer.Flush()
}
