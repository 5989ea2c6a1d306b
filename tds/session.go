package tds

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ha1tch/tdsgo/pkg/tdserr"
	"github.com/ha1tch/tdsgo/pkg/tdslog"
)

// Connection is the top-level client handle: one dialed, logged-in TDS
// connection, its negotiated state (database, collation, packet size),
// and the reactor pumping its wire traffic. Batch, Rpc, PreparedQuery and
// Bulkcopy all operate through its default Session; MARS sub-sessions
// are obtained via NewSession.
type Connection struct {
	cfg    Config
	conn   *Conn
	r      *reactor
	log    *tdslog.Logger
	prep   *PreparedStatementCache

	mu           sync.Mutex
	database     string
	collation    Collation
	txDescriptor uint64
	nextSID      uint32

	mainSession *Session
}

// Session is one logical request/response stream: the main session (sid
// 0) when MARS is off, or a MARS sub-session sharing the connection's
// socket. Batch, Rpc, PreparedQuery and Bulkcopy are all built on top of
// SendMsg/WaitMsg.
type Session struct {
	c       *Connection
	sid     uint16
	inbound chan inboundMsg
	colCtx  []Column
}

// Dial resolves, connects, negotiates encryption, and logs into a
// server, returning a ready-to-use Connection.
func Dial(ctx context.Context, cfg Config, logger *tdslog.Logger) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = tdslog.Discard()
	}

	if pipePath, ok := namedPipePath(cfg.Server); ok {
		netConn, err := dialNamedPipeUnix(ctx, pipePath, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		logger.Info(tdslog.CategoryTransport, "dialed named pipe", "path", pipePath)
		return dialWithConn(ctx, cfg, logger, netConn)
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultTCPPort
	}
	if cfg.Instance != "" {
		resolved, err := ResolveInstancePort(cfg.Server, cfg.Instance, cfg.ConnectTimeout)
		if err != nil {
			return nil, tdserr.Wrap(err, tdserr.KindTransportIO, "resolving instance").Err()
		}
		port = resolved
	}

	addr := net.JoinHostPort(cfg.Server, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, tdserr.Wrap(err, tdserr.KindTransportIO, "dialing server").WithField("addr", addr).Err()
	}
	logger.Info(tdslog.CategoryTransport, "dialed server", "addr", addr)
	return dialWithConn(ctx, cfg, logger, netConn)
}

// namedPipePath recognizes the three named-pipe address forms spec'd for
// Server ("\\host\pipe\...", "np:...", "lpc:...") and returns the local
// path to dial as a Unix-domain socket standing in for the pipe.
func namedPipePath(server string) (string, bool) {
	switch {
	case strings.HasPrefix(server, `\\`):
		return server, true
	case strings.HasPrefix(server, "np:"):
		return strings.TrimPrefix(server, "np:"), true
	case strings.HasPrefix(server, "lpc:"):
		return strings.TrimPrefix(server, "lpc:"), true
	default:
		return "", false
	}
}

// dialWithConn finishes connection setup (packet framing, handshake,
// login) once a transport-level net.Conn exists, shared by both the
// TCP/instance-name dial path and the named-pipe dial path above.
func dialWithConn(ctx context.Context, cfg Config, logger *tdslog.Logger, netConn net.Conn) (*Connection, error) {

	packetSize := cfg.PacketSize
	if packetSize == 0 {
		packetSize = DefaultPacketSize
	}
	conn := NewConn(netConn,
		WithPacketSize(packetSize),
		WithReadTimeout(cfg.ReadTimeout),
		WithWriteTimeout(cfg.WriteTimeout),
	)

	c := &Connection{
		cfg:       cfg,
		conn:      conn,
		log:       logger,
		prep:      NewPreparedStatementCache(100),
		collation: DefaultCollation,
	}

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	window := cfg.InitialMarsWindow
	if window == 0 {
		window = 4
	}
	c.r = newReactor(ctx, conn, cfg.MARS, window, cfg.RateLimit)
	c.r.start()
	c.mainSession = &Session{c: c, sid: 0, inbound: c.r.registerRoute(0)}

	return c, nil
}

// handshake runs PRELOGIN, the optional TLS upgrade, LOGIN7, and the
// response loop, per the classic TDS connection sequence.
func (c *Connection) handshake(ctx context.Context) error {
	req := DefaultPreloginRequest(c.cfg.Encrypt.wireValue(), c.cfg.MARS)
	if err := c.conn.WritePacket(PacketPrelogin, req.Encode()); err != nil {
		return tdserr.Wrap(err, tdserr.KindTransportIO, "sending PRELOGIN").Err()
	}

	_, body, err := c.conn.ReadPacket()
	if err != nil {
		return tdserr.Wrap(err, tdserr.KindTransportIO, "reading PRELOGIN response").Err()
	}
	resp, err := ParsePreloginResponse(body)
	if err != nil {
		return err
	}
	c.log.Debug(tdslog.CategoryProtocol, "prelogin negotiated", "encryption", resp.Encryption, "mars", resp.MARS)

	loginOnlyTLS := false
	if resp.RequiresTLS() {
		tlsCfg, err := c.buildTLSConfig()
		if err != nil {
			return err
		}
		if err := c.conn.UpgradeToTLS(tlsCfg); err != nil {
			return tdserr.Wrap(err, tdserr.KindTLS, "TLS handshake").Err()
		}
	} else if resp.LoginOnlyEncryption() {
		tlsCfg, err := c.buildTLSConfig()
		if err != nil {
			return err
		}
		if err := c.conn.UpgradeToTLS(tlsCfg); err != nil {
			return tdserr.Wrap(err, tdserr.KindTLS, "login-only TLS handshake").Err()
		}
		loginOnlyTLS = true
	}

	login := LoginRequest{
		HostName:   clientHostName(),
		UserName:   c.cfg.User,
		Password:   c.cfg.Password,
		AppName:    c.cfg.AppName,
		ServerName: c.cfg.Server,
		CtlIntName: "tdsgo",
		Language:   "",
		Database:   c.cfg.Database,

		PacketSize:     uint32(c.conn.PacketSize()),
		ClientPID:      uint32(clientPID()),
		ClientLCID:     0x0409,
		ReadOnlyIntent: c.cfg.ReadOnlyIntent,
		UseUTF8:        c.cfg.UseUTF8,
	}
	if err := c.conn.WritePacket(PacketLogin7, EncodeLogin7(login)); err != nil {
		return tdserr.Wrap(err, tdserr.KindTransportIO, "sending LOGIN7").Err()
	}

	if err := c.loginResponseLoop(); err != nil {
		return err
	}

	if loginOnlyTLS {
		c.conn.DowngradeAfterLogin()
	}

	return nil
}

func (c *Connection) buildTLSConfig() (*TLSConfig, error) {
	tlsCfg := DefaultTLSConfig()
	tlsCfg.ServerName = c.cfg.Server
	tlsCfg.InsecureSkipVerify = !c.cfg.CheckCertificate
	if c.cfg.ClientCertPath != "" {
		cert, err := LoadClientCertificate(c.cfg.ClientCertPath, c.cfg.ClientCertPassword)
		if err != nil {
			return nil, tdserr.Wrap(err, tdserr.KindTLS, "loading client certificate").Err()
		}
		tlsCfg.ClientCertificate = cert
	}
	return tlsCfg, nil
}

// loginResponseLoop accumulates LOGIN7's response packets, dispatching
// tokens until a DONE with LOGINACK already seen, or failing on the
// first ERROR token or version mismatch.
func (c *Connection) loginResponseLoop() error {
	var colCtx []Column
	sawLoginAck := false

	for {
		_, body, err := c.conn.ReadPacket()
		if err != nil {
			return tdserr.Wrap(err, tdserr.KindTransportIO, "reading login response").Err()
		}
		dec := newTokenDecoder(body)
		for {
			tok, err := dec.Next(&colCtx)
			if err != nil {
				if err == io.EOF {
					break
				}
				return err
			}
			switch t := tok.(type) {
			case LoginAckToken:
				if t.TDSVersion != VerTDS74 {
					return tdserr.New(tdserr.KindVersionMismatch, "unexpected TDS version").
						WithField("got", fmt.Sprintf("0x%08X", t.TDSVersion)).Err()
				}
				sawLoginAck = true
			case ErrorToken:
				if c.cfg.MessageHandler != nil {
					c.cfg.MessageHandler(&t)
				}
				return tdserr.New(tdserr.KindLoginFailed, t.Message).
					WithField("number", t.Number).WithField("severity", t.Severity).Err()
			case EnvChangeToken:
				c.applyEnvChange(t)
			case SSPIToken:
				return tdserr.New(tdserr.KindAuthUnavailable, "SSPI authentication not implemented").Err()
			case DoneToken:
				if sawLoginAck && !t.More() {
					return nil
				}
			}
			if tok == nil {
				break
			}
		}
	}
}

func (c *Connection) applyEnvChange(t EnvChangeToken) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch t.Type {
	case EnvDatabase:
		c.database = string(t.NewValue)
	case EnvPacketSize:
		if n, err := strconv.Atoi(string(t.NewValue)); err == nil {
			c.conn.SetPacketSize(n)
		}
	case EnvSQLCollation:
		if len(t.NewValue) >= 5 {
			c.collation = parseCollation(t.NewValue)
		}
	case EnvBeginTran:
		if len(t.NewValue) >= 8 {
			c.txDescriptor = binary.LittleEndian.Uint64(t.NewValue)
		}
	case EnvCommitTran, EnvRollbackTran:
		c.txDescriptor = 0
	}
}

// Database returns the current database, as last reported by ENVCHANGE.
func (c *Connection) Database() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.database
}

// Collation returns the connection's negotiated default collation.
func (c *Connection) Collation() Collation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collation
}

// TransactionDescriptor returns the active transaction descriptor (0 if
// none), used as the ALL_HEADERS value on subsequent requests.
func (c *Connection) TransactionDescriptor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txDescriptor
}

// PreparedStatements returns the connection's prepared-statement cache.
func (c *Connection) PreparedStatements() *PreparedStatementCache {
	return c.prep
}

// MainSession returns the connection's default (non-MARS) session.
func (c *Connection) MainSession() *Session {
	return c.mainSession
}

// NewSession opens a MARS sub-session: registers its inbound route and
// sends the SMP SYN frame that opens it on the wire. Only valid on a
// connection dialed with Config.MARS set; the caller must call Close on
// the returned Session when done, which sends the FIN frame.
func (c *Connection) NewSession() (*Session, error) {
	if !c.cfg.MARS {
		return nil, tdserr.New(tdserr.KindLogicError, "MARS not enabled on this connection").Err()
	}
	sid := uint16(atomic.AddUint32(&c.nextSID, 1))
	s := &Session{c: c, sid: sid, inbound: c.r.registerRoute(sid)}
	if err := c.r.openMARSSession(sid); err != nil {
		c.r.unregisterRoute(sid)
		return nil, tdserr.Wrap(err, tdserr.KindTransportIO, "opening MARS session").Err()
	}
	return s, nil
}

// Close sends FIN (for a MARS sub-session) and releases its route.
func (s *Session) Close() {
	if s.sid != 0 {
		s.c.r.closeMARSSession(s.sid)
		s.c.r.unregisterRoute(s.sid)
	}
}

// SendMsg splits data into packets of at most the negotiated packet
// size and writes them as one logical message of the given type.
func (s *Session) SendMsg(pktType PacketType, data []byte) error {
	return s.c.r.send(s.sid, pktType, data)
}

// WaitMsg blocks until the next inbound message for this session
// arrives, or the connection is closed/poisoned.
func (s *Session) WaitMsg(ctx context.Context) (PacketType, []byte, error) {
	select {
	case m, ok := <-s.inbound:
		if !ok {
			return 0, nil, s.c.r.connError()
		}
		return m.typ, m.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

// ReadTokens decodes one inbound message's token stream, maintaining
// this session's COLMETADATA context across ROW/NBCROW tokens.
func (s *Session) ReadTokens(ctx context.Context) ([]interface{}, error) {
	_, body, err := s.WaitMsg(ctx)
	if err != nil {
		return nil, err
	}
	dec := newTokenDecoder(body)
	var tokens []interface{}
	for {
		tok, err := dec.Next(&s.colCtx)
		if err != nil {
			if err == io.EOF {
				break
			}
			return tokens, err
		}
		if tok != nil {
			tokens = append(tokens, tok)
		}
	}
	return tokens, nil
}

// Close shuts the connection down: closes the socket first so the
// reactor's blocked read pump unblocks with an error, then stops the
// reactor. Any in-flight transaction is left to the server's own
// disconnect-triggered rollback.
func (c *Connection) Close() error {
	err := c.conn.Close()
	if c.r != nil {
		c.r.stop()
	}
	return err
}

func clientHostName() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func clientPID() int {
	return os.Getpid()
}
