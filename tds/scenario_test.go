package tds

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ha1tch/tdsgo/pkg/tdslog"
)

// encodeFakePreloginResponse builds a PRELOGIN response body recognized by
// ParsePreloginResponse, negotiating EncryptNotSup so the handshake never
// enters a TLS path.
func encodeFakePreloginResponse() []byte {
	return encodeFakePreloginResponseMARS(0)
}

// encodeFakePreloginResponseMARS is encodeFakePreloginResponse with the
// server's advertised MARS support set explicitly, for tests that dial
// with Config.MARS enabled.
func encodeFakePreloginResponseMARS(mars uint8) []byte {
	specs := []preloginOptionSpec{
		{PreloginVersion, []byte{12, 0, 0, 1, 0, 0}},
		{PreloginEncryption, []byte{EncryptNotSup}},
		{PreloginInstOpt, append([]byte("MSSQLServer"), 0)},
		{PreloginThreadID, []byte{0, 0, 0, 0}},
		{PreloginMARS, []byte{mars}},
	}
	return encodePreloginOptions(specs)
}

// encodeFakeLoginAck builds a LOGINACK token: interface byte, 4-byte BE TDS
// version, BVarchar program name, 4-byte BE program version.
func encodeFakeLoginAck() []byte {
	var body bytes.Buffer
	body.WriteByte(1) // SQL_TDS interface
	verBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(verBytes, VerTDS74)
	body.Write(verBytes)
	body.Write(bVarchar("fakeserver"))
	body.Write([]byte{0, 0, 0, 1})

	var out bytes.Buffer
	out.WriteByte(byte(TokenLoginAck))
	out.Write([]byte{byte(body.Len()), byte(body.Len() >> 8)})
	out.Write(body.Bytes())
	return out.Bytes()
}

// encodeFakeEnvChange builds an ENVCHANGE token for one of the string-typed
// sub-types (database name, packet size) as BVarchar newVal/oldVal pairs.
func encodeFakeEnvChange(envType uint8, newVal, oldVal string) []byte {
	var body bytes.Buffer
	body.WriteByte(envType)
	body.Write(bVarchar(newVal))
	body.Write(bVarchar(oldVal))

	var out bytes.Buffer
	out.WriteByte(byte(TokenEnvChange))
	out.Write([]byte{byte(body.Len()), byte(body.Len() >> 8)})
	out.Write(body.Bytes())
	return out.Bytes()
}

func encodeFakeDone() []byte {
	var out bytes.Buffer
	out.WriteByte(byte(TokenDone))
	out.Write(make([]byte, 12))
	return out.Bytes()
}

// encodeFakeColMetaRowDone builds a one-column, one-row, int4 result set:
// COLMETADATA naming col, ROW with value, DONE.
func encodeFakeColMetaRowDone(col string, value int32) []byte {
	var out bytes.Buffer
	out.WriteByte(byte(TokenColMetadata))
	out.Write([]byte{1, 0}) // column count
	out.Write([]byte{0, 0, 0, 0})
	out.Write([]byte{0, 0})
	out.WriteByte(byte(TypeInt4))
	out.Write(bVarchar(col))

	out.WriteByte(byte(TokenRow))
	valBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(valBytes, uint32(value))
	out.Write(valBytes)

	out.Write(encodeFakeDone())
	return out.Bytes()
}

// encodeFakeReturnValue builds a RETURNVALUE token carrying one IntN output
// parameter, used for sp_prepare's @handle.
func encodeFakeReturnValue(name string, handle int32) []byte {
	var out bytes.Buffer
	out.WriteByte(byte(TokenReturnValue))
	out.Write([]byte{0, 0}) // ordinal
	out.Write(bVarchar(name))
	out.WriteByte(ParamByRefValue) // status: output parameter
	out.Write([]byte{0, 0, 0, 0})  // user type
	out.Write([]byte{0, 0})        // flags
	out.WriteByte(byte(TypeIntN))
	out.WriteByte(4) // declared length
	out.WriteByte(4) // value length
	valBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(valBytes, uint32(handle))
	out.Write(valBytes)
	return out.Bytes()
}

// rpcProcID extracts the well-known procedure id from an encoded
// RPC_REQUEST body: the TDS 7.2+ ALL_HEADERS block is a fixed 22 bytes,
// immediately followed by the 0xFFFF/ProcID pair EncodeRPCRequest writes
// for every system procedure call this client makes.
func rpcProcID(t *testing.T, body []byte) uint16 {
	t.Helper()
	const allHeadersSize = 22
	if len(body) < allHeadersSize+4 {
		t.Fatalf("RPC_REQUEST body too short: %d bytes", len(body))
	}
	sentinel := binary.LittleEndian.Uint16(body[allHeadersSize : allHeadersSize+2])
	if sentinel != 0xFFFF {
		t.Fatalf("RPC_REQUEST names its procedure instead of using ProcID; got sentinel 0x%04x", sentinel)
	}
	return binary.LittleEndian.Uint16(body[allHeadersSize+2 : allHeadersSize+4])
}

// runFakeLoginServer plays the server side of PRELOGIN/LOGIN7 over sConn,
// then, when queryResponse is non-nil, answers one SQL_BATCH request with
// that canned response (the one TestLoginAndQueryRoundtrip uses).
func runFakeLoginServer(t *testing.T, sConn *Conn, queryResponse []byte) {
	t.Helper()
	runFakeLoginServerMARS(t, sConn, queryResponse, 0)
}

// runFakeLoginServerMARS is runFakeLoginServer with the server's
// advertised MARS support set explicitly.
func runFakeLoginServerMARS(t *testing.T, sConn *Conn, queryResponse []byte, mars uint8) {
	t.Helper()

	if _, _, err := sConn.ReadPacket(); err != nil { // PRELOGIN
		t.Errorf("fake server: reading PRELOGIN: %v", err)
		return
	}
	if err := sConn.WritePacket(PacketPrelogin, encodeFakePreloginResponseMARS(mars)); err != nil {
		t.Errorf("fake server: writing PRELOGIN response: %v", err)
		return
	}

	if _, _, err := sConn.ReadPacket(); err != nil { // LOGIN7
		t.Errorf("fake server: reading LOGIN7: %v", err)
		return
	}

	var loginResp bytes.Buffer
	loginResp.Write(encodeFakeLoginAck())
	loginResp.Write(encodeFakeEnvChange(EnvDatabase, "master", ""))
	loginResp.Write(encodeFakeEnvChange(EnvPacketSize, "4096", "512"))
	loginResp.Write(encodeFakeDone())
	if err := sConn.WritePacket(PacketReply, loginResp.Bytes()); err != nil {
		t.Errorf("fake server: writing login response: %v", err)
		return
	}

	if queryResponse == nil {
		return
	}
	if _, _, err := sConn.ReadPacket(); err != nil { // SQL_BATCH
		t.Errorf("fake server: reading SQL_BATCH: %v", err)
		return
	}
	if err := sConn.WritePacket(PacketReply, queryResponse); err != nil {
		t.Errorf("fake server: writing query response: %v", err)
		return
	}
}

// TestDialLoginRoundtrip is literal scenario 1: after login the connection
// reports db_name "master" and packet_size 4096, negotiated entirely from
// the server's ENVCHANGE tokens.
func TestDialLoginRoundtrip(t *testing.T) {
	client, server := pipeConnPair(t)
	defer client.Close()

	sConn := NewConn(server, WithPacketSize(512))
	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeLoginServer(t, sConn, nil)
	}()

	cfg := DefaultConfig()
	cfg.Server = "fakehost"
	cfg.User = "sa"
	cfg.Password = "pw"
	cfg.Database = "ignored"
	cfg.PacketSize = 512
	cfg.ConnectTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialWithConn(ctx, cfg, tdslog.Discard(), client)
	if err != nil {
		t.Fatalf("dialWithConn: %v", err)
	}
	defer conn.Close()

	if got := conn.Database(); got != "master" {
		t.Errorf("Database() = %q, want %q", got, "master")
	}
	if got := conn.conn.PacketSize(); got != 4096 {
		t.Errorf("PacketSize() = %d, want 4096", got)
	}

	<-done
}

// TestDialLoginThenQuery is literal scenario 2 layered on top of the
// scenario 1 login: "SELECT 42 AS answer" executed through the real
// Session.ExecBatch/Batch.Next surface, not just the raw token decoder.
func TestDialLoginThenQuery(t *testing.T) {
	client, server := pipeConnPair(t)
	defer client.Close()

	var queryResp bytes.Buffer
	queryResp.WriteByte(byte(TokenColMetadata))
	queryResp.Write([]byte{1, 0})
	queryResp.Write([]byte{0, 0, 0, 0})
	queryResp.Write([]byte{0, 0})
	queryResp.WriteByte(byte(TypeInt4))
	queryResp.Write(bVarchar("answer"))
	queryResp.WriteByte(byte(TokenRow))
	queryResp.Write([]byte{0x2a, 0, 0, 0})
	queryResp.WriteByte(byte(TokenDone))
	queryResp.Write(make([]byte, 12))

	sConn := NewConn(server, WithPacketSize(512))
	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeLoginServer(t, sConn, queryResp.Bytes())
	}()

	cfg := DefaultConfig()
	cfg.Server = "fakehost"
	cfg.User = "sa"
	cfg.Password = "pw"
	cfg.PacketSize = 512
	cfg.ConnectTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialWithConn(ctx, cfg, tdslog.Discard(), client)
	if err != nil {
		t.Fatalf("dialWithConn: %v", err)
	}
	defer conn.Close()

	batch, err := conn.MainSession().ExecBatch(ctx, "SELECT 42 AS answer")
	if err != nil {
		t.Fatalf("ExecBatch: %v", err)
	}
	more, err := batch.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !more {
		t.Fatalf("Next() = false, want a row")
	}
	if len(batch.Columns()) != 1 || batch.Columns()[0].Name != "answer" {
		t.Fatalf("columns = %+v, want one column named answer", batch.Columns())
	}
	if got := batch.Value(0).Int64(); got != 42 {
		t.Errorf("value = %d, want 42", got)
	}

	<-done
}

// TestDialLoginThenPreparedQuery is literal scenario 4: a parametrised
// query rewrites its '?' placeholder to @P1, prepares via sp_prepare on
// first use (its own round trip, no result set), runs it via sp_execute,
// caches the handle the server hands back, reuses it via sp_execute on
// the next call with different parameter values, and releases it with
// sp_unprepare on Unprepare.
func TestDialLoginThenPreparedQuery(t *testing.T) {
	client, server := pipeConnPair(t)
	defer client.Close()

	sConn := NewConn(server, WithPacketSize(512))
	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeLoginServer(t, sConn, nil)

		// First Execute: cache miss, expect sp_prepare as its own round
		// trip, carrying only the @handle output parameter.
		_, prepareBody, err := sConn.ReadPacket()
		if err != nil {
			t.Errorf("fake server: reading sp_prepare RPC: %v", err)
			return
		}
		if got := rpcProcID(t, prepareBody); got != ProcIDPrepare {
			t.Errorf("prepare ProcID = %d, want ProcIDPrepare (%d)", got, ProcIDPrepare)
		}
		if err := sConn.WritePacket(PacketReply, encodeFakeReturnValue("handle", 42)); err != nil {
			t.Errorf("fake server: writing sp_prepare response: %v", err)
			return
		}

		// Still the first Execute: sp_execute runs the statement with
		// the first call's parameter values.
		_, firstExecBody, err := sConn.ReadPacket()
		if err != nil {
			t.Errorf("fake server: reading first sp_execute RPC: %v", err)
			return
		}
		if got := rpcProcID(t, firstExecBody); got != ProcIDExecute {
			t.Errorf("first Execute ProcID = %d, want ProcIDExecute (%d)", got, ProcIDExecute)
		}
		if err := sConn.WritePacket(PacketReply, encodeFakeColMetaRowDone("x", 7)); err != nil {
			t.Errorf("fake server: writing first sp_execute response: %v", err)
			return
		}

		// Second Execute with the same statement/parameter signature:
		// cache hit, expect sp_execute reusing the handle.
		_, execBody, err := sConn.ReadPacket()
		if err != nil {
			t.Errorf("fake server: reading sp_execute RPC: %v", err)
			return
		}
		if got := rpcProcID(t, execBody); got != ProcIDExecute {
			t.Errorf("second Execute ProcID = %d, want ProcIDExecute (%d)", got, ProcIDExecute)
		}
		if err := sConn.WritePacket(PacketReply, encodeFakeColMetaRowDone("x", 9)); err != nil {
			t.Errorf("fake server: writing sp_execute response: %v", err)
			return
		}

		// Unprepare: expect sp_unprepare releasing the cached handle.
		_, unprepBody, err := sConn.ReadPacket()
		if err != nil {
			t.Errorf("fake server: reading sp_unprepare RPC: %v", err)
			return
		}
		if got := rpcProcID(t, unprepBody); got != ProcIDUnprepare {
			t.Errorf("Unprepare ProcID = %d, want ProcIDUnprepare (%d)", got, ProcIDUnprepare)
		}
		if err := sConn.WritePacket(PacketReply, encodeFakeDone()); err != nil {
			t.Errorf("fake server: writing sp_unprepare response: %v", err)
			return
		}
	}()

	cfg := DefaultConfig()
	cfg.Server = "fakehost"
	cfg.User = "sa"
	cfg.Password = "pw"
	cfg.PacketSize = 512
	cfg.ConnectTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialWithConn(ctx, cfg, tdslog.Discard(), client)
	if err != nil {
		t.Fatalf("dialWithConn: %v", err)
	}
	defer conn.Close()

	session := conn.MainSession()
	param := RPCParam{Name: "P1", Type: TypeInt4}
	pq := session.Prepare("SELECT ? AS x", param)

	rpc, err := pq.Execute(ctx, RPCParam{Name: "P1", Type: TypeInt4, Value: int64(7)})
	if err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	more, err := rpc.Next(ctx)
	if err != nil || !more {
		t.Fatalf("first Execute Next: more=%v err=%v", more, err)
	}
	if got := rpc.Value(0).Int64(); got != 7 {
		t.Errorf("first Execute value = %d, want 7", got)
	}

	rpc2, err := pq.Execute(ctx, RPCParam{Name: "P1", Type: TypeInt4, Value: int64(9)})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	more, err = rpc2.Next(ctx)
	if err != nil || !more {
		t.Fatalf("second Execute Next: more=%v err=%v", more, err)
	}
	if got := rpc2.Value(0).Int64(); got != 9 {
		t.Errorf("second Execute value = %d, want 9", got)
	}

	if err := session.Unprepare(ctx); err != nil {
		t.Fatalf("Unprepare: %v", err)
	}

	<-done
}

// TestDialLoginThenMARSSessions is literal scenario 5: on a MARS
// connection, creating a sub-session yields sid 1 (the main session is
// sid 0); each session's query returns its own column set without
// mutual interference, and closing the sub-session sends FIN.
func TestDialLoginThenMARSSessions(t *testing.T) {
	client, server := pipeConnPair(t)
	defer client.Close()

	sConn := NewConn(server, WithPacketSize(512))
	done := make(chan struct{})
	go func() {
		defer close(done)
		runFakeLoginServerMARS(t, sConn, nil, 1)

		// Main session query: plain TDS, no SMP framing.
		if _, _, err := sConn.ReadPacket(); err != nil {
			t.Errorf("fake server: reading main session SQL_BATCH: %v", err)
			return
		}
		if err := sConn.WritePacket(PacketReply, encodeFakeColMetaRowDone("a", 1)); err != nil {
			t.Errorf("fake server: writing main session response: %v", err)
			return
		}

		// Sub-session SYN.
		synHdr, _, err := sConn.readSMPFrame()
		if err != nil {
			t.Errorf("fake server: reading sub-session SYN: %v", err)
			return
		}
		if synHdr.Flags&SMPSyn == 0 || synHdr.SID != 1 {
			t.Errorf("expected SYN for sid 1, got %+v", synHdr)
			return
		}

		// Sub-session query, SMP DATA framed both ways.
		dataHdr, dataPayload, err := sConn.readSMPFrame()
		if err != nil {
			t.Errorf("fake server: reading sub-session DATA: %v", err)
			return
		}
		if dataHdr.Flags&SMPData == 0 || dataHdr.SID != 1 {
			t.Errorf("expected DATA for sid 1, got %+v", dataHdr)
			return
		}
		if _, _, err := decodeEmbeddedTDSPacket(dataPayload); err != nil {
			t.Errorf("fake server: decoding sub-session query: %v", err)
			return
		}

		var respPkt bytes.Buffer
		respHdr := Header{Type: PacketReply, Status: StatusEOM, SPID: 1, PacketID: 1}
		respBody := encodeFakeColMetaRowDone("b", 2)
		respHdr.Length = uint16(HeaderSize + len(respBody))
		if err := respHdr.Write(&respPkt); err != nil {
			t.Errorf("fake server: writing sub-session response header: %v", err)
			return
		}
		respPkt.Write(respBody)
		ms := newMarsSession(1, 4)
		if err := sConn.writeRaw(ms.nextDataFrame(respPkt.Bytes())); err != nil {
			t.Errorf("fake server: writing sub-session DATA frame: %v", err)
			return
		}

		// Sub-session FIN on Close.
		finHdr, _, err := sConn.readSMPFrame()
		if err != nil {
			t.Errorf("fake server: reading sub-session FIN: %v", err)
			return
		}
		if finHdr.Flags&SMPFin == 0 || finHdr.SID != 1 {
			t.Errorf("expected FIN for sid 1, got %+v", finHdr)
		}
	}()

	cfg := DefaultConfig()
	cfg.Server = "fakehost"
	cfg.User = "sa"
	cfg.Password = "pw"
	cfg.PacketSize = 512
	cfg.MARS = true
	cfg.ConnectTimeout = 5 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := dialWithConn(ctx, cfg, tdslog.Discard(), client)
	if err != nil {
		t.Fatalf("dialWithConn: %v", err)
	}
	defer conn.Close()

	mainBatch, err := conn.MainSession().ExecBatch(ctx, "SELECT 1 AS a")
	if err != nil {
		t.Fatalf("main session ExecBatch: %v", err)
	}
	more, err := mainBatch.Next(ctx)
	if err != nil || !more {
		t.Fatalf("main session Next: more=%v err=%v", more, err)
	}
	if got := mainBatch.Columns()[0].Name; got != "a" {
		t.Errorf("main session column = %q, want %q", got, "a")
	}

	sub, err := conn.NewSession()
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if sub.sid != 1 {
		t.Fatalf("sub-session sid = %d, want 1", sub.sid)
	}

	subBatch, err := sub.ExecBatch(ctx, "SELECT 2 AS b")
	if err != nil {
		t.Fatalf("sub-session ExecBatch: %v", err)
	}
	more, err = subBatch.Next(ctx)
	if err != nil || !more {
		t.Fatalf("sub-session Next: more=%v err=%v", more, err)
	}
	if got := subBatch.Columns()[0].Name; got != "b" {
		t.Errorf("sub-session column = %q, want %q", got, "b")
	}
	if got := subBatch.Value(0).Int64(); got != 2 {
		t.Errorf("sub-session value = %d, want 2", got)
	}

	// Main session's columns must be untouched by the sub-session's query.
	if got := mainBatch.Columns()[0].Name; got != "a" {
		t.Errorf("main session column after sub-session query = %q, want %q (mutual interference)", got, "a")
	}

	sub.Close()
	<-done
}
