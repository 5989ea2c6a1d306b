package tds

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/ha1tch/tdsgo/pkg/tdserr"
)

// TokenType identifies a token in a TDS response stream.
type TokenType uint8

const (
	TokenReturnStatus  TokenType = 0x79
	TokenColMetadata   TokenType = 0x81
	TokenOrder         TokenType = 0xA9
	TokenError         TokenType = 0xAA
	TokenInfo          TokenType = 0xAB
	TokenReturnValue   TokenType = 0xAC
	TokenLoginAck      TokenType = 0xAD
	TokenFeatureExtAck TokenType = 0xAE
	TokenRow           TokenType = 0xD1
	TokenNBCRow        TokenType = 0xD2
	TokenSSPI          TokenType = 0xED
	TokenFedAuthInfo   TokenType = 0xEE
	TokenEnvChange     TokenType = 0xE3
	TokenDone          TokenType = 0xFD
	TokenDoneProc      TokenType = 0xFE
	TokenDoneInProc    TokenType = 0xFF
	TokenColInfo       TokenType = 0xA5
	TokenTabName       TokenType = 0xA4
)

// DONE status flags.
const (
	DoneFinal    uint16 = 0x0000
	DoneMore     uint16 = 0x0001
	DoneError    uint16 = 0x0002
	DoneInxact   uint16 = 0x0004
	DoneCount    uint16 = 0x0010
	DoneAttn     uint16 = 0x0020
	DoneSrvError uint16 = 0x0100
)

// ENVCHANGE types.
const (
	EnvDatabase            uint8 = 1
	EnvLanguage            uint8 = 2
	EnvCharset             uint8 = 3
	EnvPacketSize          uint8 = 4
	EnvSortID              uint8 = 5
	EnvSortFlags           uint8 = 6
	EnvSQLCollation        uint8 = 7
	EnvBeginTran           uint8 = 8
	EnvCommitTran          uint8 = 9
	EnvRollbackTran        uint8 = 10
	EnvEnlistDTC           uint8 = 11
	EnvDefectTran          uint8 = 12
	EnvMirrorPartner       uint8 = 13
	EnvPromoteTran         uint8 = 15
	EnvTranMgrAddr         uint8 = 16
	EnvTranEnded           uint8 = 17
	EnvResetConnAck        uint8 = 18
	EnvStartedInstanceName uint8 = 19
	EnvRouting             uint8 = 20
)

// LoginAckInterface identifies the TDS interface dialect in a LOGINACK.
type LoginAckInterface uint8

const (
	LoginAckSQL70   LoginAckInterface = 0x70
	LoginAckSQL2000 LoginAckInterface = 0x71
	LoginAckSQL2005 LoginAckInterface = 0x72
	LoginAckSQL2008 LoginAckInterface = 0x73
	LoginAckSQL2012 LoginAckInterface = 0x74
)

// Token kinds decoded from the response stream. Each is produced by
// tokenDecoder.Next.
type DoneToken struct {
	Kind     TokenType // Done, DoneProc, or DoneInProc
	Status   uint16
	CurCmd   uint16
	RowCount uint64
}

func (t DoneToken) More() bool  { return t.Status&DoneMore != 0 }
func (t DoneToken) HasError() bool { return t.Status&DoneError != 0 }
func (t DoneToken) HasCount() bool { return t.Status&DoneCount != 0 }

type ColMetadataToken struct {
	Columns []Column
}

type RowToken struct {
	Values []Value
}

type NBCRowToken struct {
	Values []Value // Null entries have Value.Null == true
}

type ReturnStatusToken struct {
	Status int32
}

type ReturnValueToken struct {
	Ordinal  uint16
	Name     string
	Status   uint8
	Column   Column
	Value    Value
}

type EnvChangeToken struct {
	Type     uint8
	NewValue []byte
	OldValue []byte
}

type LoginAckToken struct {
	Interface  LoginAckInterface
	TDSVersion uint32
	ProgName   string
	ProgVer    uint32
}

type ErrorToken struct {
	Number   int32
	State    uint8
	Severity uint8
	Message  string
	ServerName string
	ProcName string
	LineNo   int32
}

type InfoToken ErrorToken

type FeatureExtAckToken struct {
	Features map[uint8][]byte
}

type SSPIToken struct {
	Data []byte
}

type OrderToken struct {
	ColumnIDs []uint16
}

// tokenDecoder streams tokens out of one fully-reassembled TDS message body.
type tokenDecoder struct {
	r *bufio.Reader
}

func newTokenDecoder(body []byte) *tokenDecoder {
	return &tokenDecoder{r: bufio.NewReader(bytes.NewReader(body))}
}

func protoViolation(format string, args ...interface{}) error {
	return tdserr.Newf(tdserr.KindProtocolViolation, format, args...).Err()
}

func (d *tokenDecoder) readN(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *tokenDecoder) readUint16() (uint16, error) {
	b, err := d.readN(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (d *tokenDecoder) readUint32() (uint32, error) {
	b, err := d.readN(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *tokenDecoder) readUint64() (uint64, error) {
	b, err := d.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readBVarchar reads a B_VARCHAR: one-byte character count followed by
// that many UTF-16LE characters.
func (d *tokenDecoder) readBVarchar() (string, error) {
	n, err := d.r.ReadByte()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b, err := d.readN(int(n) * 2)
	if err != nil {
		return "", err
	}
	return decodeUTF16(b), nil
}

// readUsVarchar reads a US_VARCHAR: two-byte character count followed by
// that many UTF-16LE characters.
func (d *tokenDecoder) readUsVarchar() (string, error) {
	n, err := d.readUint16()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b, err := d.readN(int(n) * 2)
	if err != nil {
		return "", err
	}
	return decodeUTF16(b), nil
}

// readBVarbyte reads a one-byte-length-prefixed raw byte string (used for
// ENVCHANGE's binary payloads: transaction descriptors, collation bytes,
// DTC cookies).
func (d *tokenDecoder) readBVarbyte() ([]byte, error) {
	n, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	return d.readN(int(n))
}

// Next reads and decodes the next token from the stream. At end of stream
// it returns io.EOF.
func (d *tokenDecoder) Next(colCtx *[]Column) (interface{}, error) {
	tb, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}
	tt := TokenType(tb)

	switch tt {
	case TokenDone, TokenDoneProc, TokenDoneInProc:
		return d.readDone(tt)
	case TokenColMetadata:
		return d.readColMetadata(colCtx)
	case TokenRow:
		return d.readRow(*colCtx)
	case TokenNBCRow:
		return d.readNBCRow(*colCtx)
	case TokenReturnStatus:
		v, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		return ReturnStatusToken{Status: int32(v)}, nil
	case TokenReturnValue:
		return d.readReturnValue()
	case TokenEnvChange:
		return d.readEnvChange()
	case TokenLoginAck:
		return d.readLoginAck()
	case TokenError:
		e, err := d.readErrorInfo()
		if err != nil {
			return nil, err
		}
		return ErrorToken(e), nil
	case TokenInfo:
		e, err := d.readErrorInfo()
		if err != nil {
			return nil, err
		}
		return InfoToken(e), nil
	case TokenFeatureExtAck:
		return d.readFeatureExtAck()
	case TokenSSPI:
		return d.readSSPI()
	case TokenOrder:
		return d.readOrder()
	case TokenFedAuthInfo, TokenColInfo, TokenTabName:
		return d.skipUsVarbyte(tt)
	default:
		return nil, protoViolation("unknown token type 0x%02x", tb)
	}
}

func (d *tokenDecoder) readDone(kind TokenType) (DoneToken, error) {
	var buf [12]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return DoneToken{}, err
	}
	return DoneToken{
		Kind:     kind,
		Status:   binary.LittleEndian.Uint16(buf[0:2]),
		CurCmd:   binary.LittleEndian.Uint16(buf[2:4]),
		RowCount: binary.LittleEndian.Uint64(buf[4:12]),
	}, nil
}

func (d *tokenDecoder) readColMetadata(colCtx *[]Column) (ColMetadataToken, error) {
	n, err := d.readUint16()
	if err != nil {
		return ColMetadataToken{}, err
	}
	cols := make([]Column, 0, n)
	for i := uint16(0); i < n; i++ {
		var col Column
		userType, err := d.readUint32()
		if err != nil {
			return ColMetadataToken{}, err
		}
		col.UserType = userType
		flags, err := d.readUint16()
		if err != nil {
			return ColMetadataToken{}, err
		}
		col.Flags = flags
		if err := d.readTypeInfo(&col); err != nil {
			return ColMetadataToken{}, err
		}
		name, err := d.readBVarchar()
		if err != nil {
			return ColMetadataToken{}, err
		}
		col.Name = name
		cols = append(cols, col)
	}
	*colCtx = cols
	return ColMetadataToken{Columns: cols}, nil
}

func (d *tokenDecoder) readRow(cols []Column) (RowToken, error) {
	values := make([]Value, len(cols))
	for i, col := range cols {
		v, err := d.readValue(col)
		if err != nil {
			return RowToken{}, err
		}
		values[i] = v
	}
	return RowToken{Values: values}, nil
}

func (d *tokenDecoder) readNBCRow(cols []Column) (NBCRowToken, error) {
	bitmapLen := (len(cols) + 7) / 8
	bitmap, err := d.readN(bitmapLen)
	if err != nil {
		return NBCRowToken{}, err
	}
	values := make([]Value, len(cols))
	for i, col := range cols {
		if isNullInBitmap(bitmap, i) {
			values[i] = Value{Type: col.Type, Null: true}
			continue
		}
		v, err := d.readValue(col)
		if err != nil {
			return NBCRowToken{}, err
		}
		values[i] = v
	}
	return NBCRowToken{Values: values}, nil
}

func (d *tokenDecoder) readReturnValue() (ReturnValueToken, error) {
	ordinal, err := d.readUint16()
	if err != nil {
		return ReturnValueToken{}, err
	}
	name, err := d.readBVarchar()
	if err != nil {
		return ReturnValueToken{}, err
	}
	status, err := d.r.ReadByte()
	if err != nil {
		return ReturnValueToken{}, err
	}
	userType, err := d.readUint32()
	if err != nil {
		return ReturnValueToken{}, err
	}
	flags, err := d.readUint16()
	if err != nil {
		return ReturnValueToken{}, err
	}
	col := Column{UserType: userType, Flags: flags}
	if err := d.readTypeInfo(&col); err != nil {
		return ReturnValueToken{}, err
	}
	val, err := d.readValue(col)
	if err != nil {
		return ReturnValueToken{}, err
	}
	return ReturnValueToken{Ordinal: ordinal, Name: name, Status: status, Column: col, Value: val}, nil
}

func (d *tokenDecoder) readEnvChange() (EnvChangeToken, error) {
	length, err := d.readUint16()
	if err != nil {
		return EnvChangeToken{}, err
	}
	body, err := d.readN(int(length))
	if err != nil {
		return EnvChangeToken{}, err
	}
	sub := newTokenDecoder(body)
	envType, err := sub.r.ReadByte()
	if err != nil {
		return EnvChangeToken{}, err
	}
	var newVal, oldVal []byte
	switch envType {
	case EnvSQLCollation, EnvBeginTran, EnvCommitTran, EnvRollbackTran, EnvEnlistDTC, EnvDefectTran, EnvTranMgrAddr, EnvResetConnAck:
		// These carry raw B_VARBYTE payloads (transaction descriptors,
		// collation bytes, DTC cookies) rather than UTF-16 text.
		newVal, err = sub.readBVarbyte()
		if err != nil {
			return EnvChangeToken{}, err
		}
		oldVal, err = sub.readBVarbyte()
		if err != nil {
			return EnvChangeToken{}, err
		}
	default:
		newStr, err := sub.readBVarchar()
		if err != nil {
			return EnvChangeToken{}, err
		}
		oldStr, err := sub.readBVarchar()
		if err != nil {
			return EnvChangeToken{}, err
		}
		newVal, oldVal = []byte(newStr), []byte(oldStr)
	}
	return EnvChangeToken{Type: envType, NewValue: newVal, OldValue: oldVal}, nil
}

func (d *tokenDecoder) readLoginAck() (LoginAckToken, error) {
	length, err := d.readUint16()
	if err != nil {
		return LoginAckToken{}, err
	}
	body, err := d.readN(int(length))
	if err != nil {
		return LoginAckToken{}, err
	}
	sub := newTokenDecoder(body)
	iface, err := sub.r.ReadByte()
	if err != nil {
		return LoginAckToken{}, err
	}
	verBytes, err := sub.readN(4)
	if err != nil {
		return LoginAckToken{}, err
	}
	tdsVer := binary.BigEndian.Uint32(verBytes)
	progName, err := sub.readBVarchar()
	if err != nil {
		return LoginAckToken{}, err
	}
	progVerBytes, err := sub.readN(4)
	if err != nil {
		return LoginAckToken{}, err
	}
	progVer := binary.BigEndian.Uint32(progVerBytes)
	return LoginAckToken{Interface: LoginAckInterface(iface), TDSVersion: tdsVer, ProgName: progName, ProgVer: progVer}, nil
}

func (d *tokenDecoder) readErrorInfo() (ErrorToken, error) {
	length, err := d.readUint16()
	if err != nil {
		return ErrorToken{}, err
	}
	body, err := d.readN(int(length))
	if err != nil {
		return ErrorToken{}, err
	}
	sub := newTokenDecoder(body)
	number, err := sub.readUint32()
	if err != nil {
		return ErrorToken{}, err
	}
	state, err := sub.r.ReadByte()
	if err != nil {
		return ErrorToken{}, err
	}
	severity, err := sub.r.ReadByte()
	if err != nil {
		return ErrorToken{}, err
	}
	msg, err := sub.readUsVarchar()
	if err != nil {
		return ErrorToken{}, err
	}
	server, err := sub.readBVarchar()
	if err != nil {
		return ErrorToken{}, err
	}
	proc, err := sub.readBVarchar()
	if err != nil {
		return ErrorToken{}, err
	}
	lineBytes, err := sub.readN(4)
	if err != nil {
		return ErrorToken{}, err
	}
	return ErrorToken{
		Number:     int32(number),
		State:      state,
		Severity:   severity,
		Message:    msg,
		ServerName: server,
		ProcName:   proc,
		LineNo:     int32(binary.LittleEndian.Uint32(lineBytes)),
	}, nil
}

func (d *tokenDecoder) readFeatureExtAck() (FeatureExtAckToken, error) {
	out := FeatureExtAckToken{Features: make(map[uint8][]byte)}
	for {
		featID, err := d.r.ReadByte()
		if err != nil {
			return out, err
		}
		if featID == 0xFF {
			break
		}
		length, err := d.readUint32()
		if err != nil {
			return out, err
		}
		data, err := d.readN(int(length))
		if err != nil {
			return out, err
		}
		out.Features[featID] = data
	}
	return out, nil
}

func (d *tokenDecoder) readSSPI() (SSPIToken, error) {
	length, err := d.readUint16()
	if err != nil {
		return SSPIToken{}, err
	}
	data, err := d.readN(int(length))
	if err != nil {
		return SSPIToken{}, err
	}
	return SSPIToken{Data: data}, nil
}

func (d *tokenDecoder) readOrder() (OrderToken, error) {
	length, err := d.readUint16()
	if err != nil {
		return OrderToken{}, err
	}
	count := int(length) / 2
	ids := make([]uint16, count)
	for i := range ids {
		v, err := d.readUint16()
		if err != nil {
			return OrderToken{}, err
		}
		ids[i] = v
	}
	return OrderToken{ColumnIDs: ids}, nil
}

// skipUsVarbyte consumes (and discards) a u16-length-prefixed token body;
// used for tokens the front-end doesn't need to interpret.
func (d *tokenDecoder) skipUsVarbyte(tt TokenType) (interface{}, error) {
	length, err := d.readUint16()
	if err != nil {
		return nil, err
	}
	if _, err := d.readN(int(length)); err != nil {
		return nil, err
	}
	return nil, nil
}
