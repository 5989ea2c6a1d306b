package tds

import (
	"encoding/binary"
	"math"
)

// decodeVariant decodes a SQL_VARIANT value body: a one-byte base type, a
// one-byte property-bytes count, that many bytes of base-type-specific
// metadata (collation, max length, precision/scale — whatever the base
// type's TYPE_INFO normally carries), and finally the value itself with no
// further length prefix (its length is implied by what's left).
func decodeVariant(b []byte) (Value, error) {
	if len(b) < 2 {
		return Value{}, protoViolation("variant: body too short")
	}
	baseType := SQLType(b[0])
	propLen := int(b[1])
	if len(b) < 2+propLen {
		return Value{}, protoViolation("variant: truncated property bytes")
	}
	props := b[2 : 2+propLen]
	val := b[2+propLen:]

	col := Column{Type: baseType}
	switch baseType {
	case TypeDecimalN, TypeNumericN:
		if len(props) >= 2 {
			col.Precision = props[0]
			col.Scale = props[1]
		}
	case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		if len(props) >= 5 {
			col.Collation = parseCollation(props[len(props)-5:])
		}
	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		if len(props) >= 1 {
			col.Scale = props[0]
		}
	}

	switch baseType {
	case TypeInt1:
		return Value{Type: baseType, i64: int64(val[0])}, nil
	case TypeInt2:
		return Value{Type: baseType, i64: int64(int16(binary.LittleEndian.Uint16(val)))}, nil
	case TypeInt4:
		return Value{Type: baseType, i64: int64(int32(binary.LittleEndian.Uint32(val)))}, nil
	case TypeInt8:
		return Value{Type: baseType, i64: int64(binary.LittleEndian.Uint64(val))}, nil
	case TypeBit:
		return Value{Type: baseType, b: val[0] != 0}, nil
	case TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4:
		return decodeMoneyOrFloatVariant(baseType, val)
	case TypeDateN:
		return Value{Type: baseType, t: decodeDate(val)}, nil
	case TypeTimeN:
		return Value{Type: baseType, t: decodeTime(val, col.Scale)}, nil
	case TypeDateTime2N:
		return Value{Type: baseType, t: decodeDateTime2(val, col.Scale)}, nil
	case TypeDateTimeOffsetN:
		return Value{Type: baseType, t: decodeDateTimeOffset(val, col.Scale)}, nil
	case TypeDecimalN, TypeNumericN:
		dec, err := decodeNumeric(val, col.Precision, col.Scale)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: baseType, dec: dec}, nil
	case TypeGUID:
		return Value{Type: baseType, raw: val, s: formatGUID(val)}, nil
	case TypeBigVarChar, TypeBigChar:
		return Value{Type: baseType, s: decodeCollatedString(val, col.Collation)}, nil
	case TypeNVarChar, TypeNChar:
		return Value{Type: baseType, s: decodeUTF16(val)}, nil
	case TypeBigVarBin, TypeBigBinary:
		return Value{Type: baseType, raw: val}, nil
	default:
		return Value{Type: baseType, raw: val}, nil
	}
}

func decodeMoneyOrFloatVariant(t SQLType, val []byte) (Value, error) {
	switch t {
	case TypeFloat4:
		return Value{Type: t, f64: float64(math.Float32frombits(binary.LittleEndian.Uint32(val)))}, nil
	case TypeFloat8:
		return Value{Type: t, f64: math.Float64frombits(binary.LittleEndian.Uint64(val))}, nil
	case TypeMoney, TypeMoney4:
		return decodeMoneyBytes(t, val)
	}
	return Value{}, protoViolation("variant: unreachable float/money type")
}
