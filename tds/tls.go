package tds

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"time"
)

// TLSConfig holds the client's TLS configuration.
type TLSConfig struct {
	// ServerName is used for SNI and certificate hostname verification.
	ServerName string

	// InsecureSkipVerify disables certificate verification entirely; set
	// when Config.CheckCertificate is false.
	InsecureSkipVerify bool

	// RootCAs, if non-nil, overrides the system trust store.
	RootCAs *x509.CertPool

	// ClientCertificate optionally identifies the client (see
	// tds/clientcert.go, loaded from a PKCS#12 bundle).
	ClientCertificate *tls.Certificate

	MinVersion uint16
}

// DefaultTLSConfig returns a TLSConfig with sensible defaults for
// connecting to SQL Server: TLS 1.2 minimum, certificate verification on.
func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{MinVersion: tls.VersionTLS12}
}

func (c *TLSConfig) toStdlib() *tls.Config {
	cfg := &tls.Config{
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         c.MinVersion,
	}
	if c.RootCAs != nil {
		cfg.RootCAs = c.RootCAs
	}
	if c.ClientCertificate != nil {
		cfg.Certificates = []tls.Certificate{*c.ClientCertificate}
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	return cfg
}

// tlsHandshakeConn adapts a Conn so that crypto/tls.Client can run its
// handshake with every TLS record wrapped in a TDS PRELOGIN packet, per
// the classic TDS encryption negotiation: the handshake itself always
// travels inside PRELOGIN packets regardless of whether the session ends
// up fully encrypted or login-only. Once the handshake completes the
// caller discards this adapter and talks to the resulting tls.Conn (or,
// for login-only encryption, to the Conn's raw net.Conn) directly.
type tlsHandshakeConn struct {
	conn    *Conn
	readBuf []byte
	readPos int
}

func newTLSHandshakeConn(conn *Conn) *tlsHandshakeConn {
	return &tlsHandshakeConn{conn: conn}
}

func (c *tlsHandshakeConn) Read(b []byte) (int, error) {
	if c.readPos < len(c.readBuf) {
		n := copy(b, c.readBuf[c.readPos:])
		c.readPos += n
		return n, nil
	}
	pktType, data, err := c.conn.ReadPacket()
	if err != nil {
		return 0, fmt.Errorf("reading PRELOGIN packet during TLS handshake: %w", err)
	}
	if pktType != PacketPrelogin {
		return 0, fmt.Errorf("expected PRELOGIN packet during TLS handshake, got %s", pktType)
	}
	c.readBuf = data
	c.readPos = 0
	n := copy(b, c.readBuf)
	c.readPos = n
	return n, nil
}

func (c *tlsHandshakeConn) Write(b []byte) (int, error) {
	if err := c.conn.WritePacket(PacketPrelogin, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *tlsHandshakeConn) Close() error                       { return nil }
func (c *tlsHandshakeConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *tlsHandshakeConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }
func (c *tlsHandshakeConn) SetDeadline(t time.Time) error      { return c.conn.netConn.SetDeadline(t) }
func (c *tlsHandshakeConn) SetReadDeadline(t time.Time) error  { return c.conn.netConn.SetReadDeadline(t) }
func (c *tlsHandshakeConn) SetWriteDeadline(t time.Time) error { return c.conn.netConn.SetWriteDeadline(t) }

// switchableConn lets the handshake conn be swapped for the raw net.Conn
// once the TLS handshake completes, without reconstructing the tls.Conn
// that was built around it.
type switchableConn struct {
	conn io.ReadWriteCloser
}

func (s *switchableConn) Read(b []byte) (int, error)  { return s.conn.Read(b) }
func (s *switchableConn) Write(b []byte) (int, error) { return s.conn.Write(b) }
func (s *switchableConn) Close() error                { return s.conn.Close() }

func (s *switchableConn) LocalAddr() net.Addr {
	if nc, ok := s.conn.(net.Conn); ok {
		return nc.LocalAddr()
	}
	return nil
}
func (s *switchableConn) RemoteAddr() net.Addr {
	if nc, ok := s.conn.(net.Conn); ok {
		return nc.RemoteAddr()
	}
	return nil
}
func (s *switchableConn) SetDeadline(t time.Time) error {
	if nc, ok := s.conn.(net.Conn); ok {
		return nc.SetDeadline(t)
	}
	return nil
}
func (s *switchableConn) SetReadDeadline(t time.Time) error {
	if nc, ok := s.conn.(net.Conn); ok {
		return nc.SetReadDeadline(t)
	}
	return nil
}
func (s *switchableConn) SetWriteDeadline(t time.Time) error {
	if nc, ok := s.conn.(net.Conn); ok {
		return nc.SetWriteDeadline(t)
	}
	return nil
}

// UpgradeToTLS runs the client side of the TLS handshake, with handshake
// records carried inside PRELOGIN packets, then rewires c's reader/writer
// onto the resulting tls.Conn. For a login-only negotiation the login
// sequence calls DowngradeAfterLogin once LOGIN7 and its response have
// gone over the encrypted channel, reverting subsequent traffic to plain
// text as the classic ENCRYPT_OFF-after-LOGIN7 negotiation requires.
func (c *Conn) UpgradeToTLS(cfg *TLSConfig) error {
	handshakeConn := newTLSHandshakeConn(c)
	passthrough := &switchableConn{conn: handshakeConn}

	tlsConn := tls.Client(passthrough, cfg.toStdlib())

	c.netConn.SetDeadline(time.Now().Add(30 * time.Second))
	if err := tlsConn.Handshake(); err != nil {
		c.netConn.SetDeadline(time.Time{})
		return fmt.Errorf("TLS handshake failed: %w", err)
	}
	c.netConn.SetDeadline(time.Time{})

	passthrough.conn = c.netConn

	c.mu.Lock()
	c.tlsConn = tlsConn
	c.reader = bufio.NewReaderSize(tlsConn, MaxPacketSize)
	c.writer = bufio.NewWriterSize(tlsConn, MaxPacketSize)
	c.mu.Unlock()

	return nil
}

// DowngradeAfterLogin reverts c to its plain-text net.Conn, used after a
// login-only-encryption handshake once LOGIN7 and LOGINACK have crossed
// the wire under TLS.
func (c *Conn) DowngradeAfterLogin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tlsConn = nil
	c.reader = bufio.NewReaderSize(c.netConn, MaxPacketSize)
	c.writer = bufio.NewWriterSize(c.netConn, MaxPacketSize)
}
