package tds

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// System stored procedure IDs used in RPC requests. A client invokes one of
// these by id (RPCRequest.ProcID, with ProcName left empty) instead of
// spelling the procedure name out: the request carries the two-byte 0xFFFF
// sentinel and the id in place of the name bytes.
const (
	ProcIDCursor          uint16 = 1
	ProcIDCursorOpen      uint16 = 2
	ProcIDCursorPrepare   uint16 = 3
	ProcIDCursorExecute   uint16 = 4
	ProcIDCursorPrepExec  uint16 = 5
	ProcIDCursorUnprepare uint16 = 6
	ProcIDCursorFetch     uint16 = 7
	ProcIDCursorOption    uint16 = 8
	ProcIDCursorClose     uint16 = 9
	ProcIDExecuteSQL      uint16 = 10
	ProcIDPrepare         uint16 = 11
	ProcIDExecute         uint16 = 12
	ProcIDPrepExec        uint16 = 13
	ProcIDPrepExecRPC     uint16 = 14
	ProcIDUnprepare       uint16 = 15
)

// RPC option flags.
const (
	RPCOptionWithRecomp  uint16 = 0x0001
	RPCOptionNoMetaData  uint16 = 0x0002
	RPCOptionReuseCursor uint16 = 0x0004
)

// Parameter status flags.
const (
	ParamByRefValue   uint8 = 0x01 // output parameter
	ParamDefaultValue uint8 = 0x02
	ParamEncrypted    uint8 = 0x08
)

// RPCParam is one parameter of an outgoing RPC_REQUEST: a name (or empty
// for sp_executesql's leading @statement/@params arguments), a SQL type to
// encode it as, and its value.
type RPCParam struct {
	Name     string
	Type     SQLType
	Length   uint32 // declared max length for variable-length types
	Scale    uint8
	Output   bool
	Null     bool
	Value    interface{} // int64, float64, bool, string, []byte, decimal.Decimal, Date, Time, DateTime2, DateTimeOffset
}

// RPCRequest is one outgoing RPC_REQUEST message: either a named procedure
// (ProcName set) or a well-known system procedure (ProcID set, ProcName
// empty), with positional/named parameters following.
type RPCRequest struct {
	ProcID     uint16
	ProcName   string
	Options    uint16
	Parameters []RPCParam
}

// EncodeRPCRequest serialises req into an RPC_REQUEST message body
// (everything after the packet header, including the TDS 7.2+
// ALL_HEADERS block that carries the transaction descriptor).
func EncodeRPCRequest(req RPCRequest, transactionDescriptor uint64) ([]byte, error) {
	var buf bytes.Buffer

	writeAllHeaders(&buf, transactionDescriptor)

	if req.ProcName != "" {
		name := encodeUTF16(req.ProcName)
		writeUint16Raw(&buf, uint16(len(name)/2))
		buf.Write(name)
	} else {
		writeUint16Raw(&buf, 0xFFFF)
		writeUint16Raw(&buf, req.ProcID)
	}
	writeUint16Raw(&buf, req.Options)

	for _, p := range req.Parameters {
		if err := writeRPCParam(&buf, p); err != nil {
			return nil, fmt.Errorf("encoding parameter %q: %w", p.Name, err)
		}
	}

	return buf.Bytes(), nil
}

// writeAllHeaders writes the TDS 7.2+ ALL_HEADERS block: a total-length
// prefix followed by the transaction-descriptor header (the only header
// kind a client needs to send on every RPC/SQL batch).
func writeAllHeaders(buf *bytes.Buffer, transactionDescriptor uint64) {
	const headerLen = 4 + 2 + 8 + 4 // length + type + descriptor + outstanding-request-count
	const totalLen = 4 + headerLen
	writeUint32(buf, totalLen)
	writeUint32(buf, headerLen)
	writeUint16Raw(buf, 2) // header type: transaction descriptor
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], transactionDescriptor)
	buf.Write(tmp[:])
	writeUint32(buf, 1) // outstanding request count
}

func writeUint16Raw(buf *bytes.Buffer, v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.Write(tmp[:])
}

func writeBVarchar(buf *bytes.Buffer, s string) {
	b := encodeUTF16(s)
	buf.WriteByte(byte(len(b) / 2))
	buf.Write(b)
}

func writeRPCParam(buf *bytes.Buffer, p RPCParam) error {
	writeBVarchar(buf, p.Name)

	status := uint8(0)
	if p.Output {
		status |= ParamByRefValue
	}
	buf.WriteByte(status)

	if err := writeParamTypeInfo(buf, p); err != nil {
		return err
	}
	return writeParamValue(buf, p)
}

// writeParamTypeInfo writes the TYPE_INFO for one RPC parameter, mirroring
// the COLMETADATA TYPE_INFO layout decoded by tokenDecoder.readTypeInfo.
func writeParamTypeInfo(buf *bytes.Buffer, p RPCParam) error {
	buf.WriteByte(byte(p.Type))
	switch p.Type {
	case TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeInt8,
		TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4,
		TypeDateTime, TypeDateTime4, TypeDateN:
		// fixed: no trailer
	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN, TypeGUID:
		buf.WriteByte(byte(fixedLenFor(p.Type)))
	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		buf.WriteByte(p.Scale)
	case TypeDecimalN, TypeNumericN:
		buf.WriteByte(byte(decimalByteLen(p.Length)))
		buf.WriteByte(byte(p.Length)) // precision reuses Length for params
		buf.WriteByte(p.Scale)
	case TypeBigVarChar, TypeBigChar, TypeBigVarBin, TypeBigBinary:
		writeUint16Raw(buf, uint16(p.Length))
		if p.Type == TypeBigVarChar || p.Type == TypeBigChar {
			buf.Write(DefaultCollation.Bytes())
		}
	case TypeNVarChar, TypeNChar:
		writeUint16Raw(buf, uint16(p.Length))
		buf.Write(DefaultCollation.Bytes())
	case TypeXML, TypeUDT:
		buf.WriteByte(0) // no schema
	default:
		return fmt.Errorf("rpc: unsupported parameter type %s", p.Type)
	}
	return nil
}

func fixedLenFor(t SQLType) int {
	switch t {
	case TypeIntN:
		return 4
	case TypeBitN:
		return 1
	case TypeFloatN:
		return 8
	case TypeMoneyN:
		return 8
	case TypeDateTimeN:
		return 8
	case TypeGUID:
		return 16
	default:
		return 0
	}
}

func decimalByteLen(precision uint32) int {
	switch {
	case precision <= 9:
		return 5
	case precision <= 19:
		return 9
	case precision <= 28:
		return 13
	default:
		return 17
	}
}

func writeParamValue(buf *bytes.Buffer, p RPCParam) error {
	if p.Null {
		return writeParamNull(buf, p.Type)
	}
	switch p.Type {
	case TypeInt1:
		buf.WriteByte(byte(p.Value.(int64)))
	case TypeBit:
		if p.Value.(bool) {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TypeInt2:
		writeUint16Raw(buf, uint16(int16(p.Value.(int64))))
	case TypeInt4:
		writeUint32(buf, uint32(int32(p.Value.(int64))))
	case TypeInt8:
		writeUint64(buf, uint64(p.Value.(int64)))
	case TypeIntN:
		buf.WriteByte(4)
		writeUint32(buf, uint32(int32(p.Value.(int64))))
	case TypeBitN:
		buf.WriteByte(1)
		if p.Value.(bool) {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case TypeFloat4:
		writeUint32(buf, float32Bits(float32(p.Value.(float64))))
	case TypeFloat8:
		writeUint64(buf, floatBits(p.Value.(float64)))
	case TypeFloatN:
		buf.WriteByte(8)
		writeUint64(buf, floatBits(p.Value.(float64)))
	case TypeMoney, TypeMoney4, TypeMoneyN:
		return writeMoneyParam(buf, p)
	case TypeDateN:
		buf.Write(encodeDate(p.Value.(Date)))
	case TypeTimeN:
		b := encodeTime(p.Value.(Time))
		buf.WriteByte(byte(len(b)))
		buf.Write(b)
	case TypeDateTime2N:
		b := encodeDateTime2(p.Value.(DateTime2))
		buf.WriteByte(byte(len(b)))
		buf.Write(b)
	case TypeDateTimeOffsetN:
		b := encodeDateTimeOffset(p.Value.(DateTimeOffset))
		buf.WriteByte(byte(len(b)))
		buf.Write(b)
	case TypeDateTime:
		buf.Write(encodeDateTimeLegacy(p.Value.(DateTime)))
	case TypeDateTimeN:
		buf.WriteByte(8)
		buf.Write(encodeDateTimeLegacy(p.Value.(DateTime)))
	case TypeDateTime4:
		buf.Write(encodeSmallDateTime(p.Value.(SmallDateTime)))
	case TypeDecimalN, TypeNumericN:
		n := decimalByteLen(p.Length)
		buf.WriteByte(byte(n))
		buf.Write(encodeNumeric(p.Value.(decimal.Decimal), p.Scale, n))
	case TypeGUID:
		buf.WriteByte(16)
		buf.Write(p.Value.([]byte))
	case TypeBigVarChar, TypeBigChar:
		b := encodeCollatedString(p.Value.(string), DefaultCollation)
		writeUint16Raw(buf, uint16(len(b)))
		buf.Write(b)
	case TypeNVarChar, TypeNChar:
		b := encodeUTF16(p.Value.(string))
		writeUint16Raw(buf, uint16(len(b)))
		buf.Write(b)
	case TypeBigVarBin, TypeBigBinary:
		b := p.Value.([]byte)
		writeUint16Raw(buf, uint16(len(b)))
		buf.Write(b)
	default:
		return fmt.Errorf("rpc: unsupported parameter value type %s", p.Type)
	}
	return nil
}

func writeParamNull(buf *bytes.Buffer, t SQLType) error {
	switch t {
	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN, TypeGUID,
		TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN, TypeDecimalN, TypeNumericN:
		buf.WriteByte(0)
	case TypeBigVarChar, TypeBigChar, TypeBigVarBin, TypeBigBinary, TypeNVarChar, TypeNChar:
		writeUint16Raw(buf, 0xFFFF)
	case TypeDateN:
		buf.WriteByte(0)
	default:
		return fmt.Errorf("rpc: type %s has no nullable wire form", t)
	}
	return nil
}

func writeMoneyParam(buf *bytes.Buffer, p RPCParam) error {
	dec := p.Value.(decimal.Decimal)
	units := dec.Shift(4).IntPart()
	if p.Type == TypeMoneyN {
		buf.WriteByte(8)
	}
	n := 8
	if p.Type == TypeMoney4 {
		n = 4
	}
	if n == 4 {
		writeUint32(buf, uint32(int32(units)))
	} else {
		writeUint32(buf, uint32(units>>32))
		writeUint32(buf, uint32(units))
	}
	return nil
}

func floatBits(f float64) uint64   { return math.Float64bits(f) }
func float32Bits(f float32) uint32 { return math.Float32bits(f) }
