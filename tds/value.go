package tds

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Value is one decoded column value. Exactly one of the typed fields below
// is meaningful, selected by Type; Null overrides all of them.
type Value struct {
	Type SQLType
	Null bool

	i64 int64
	f64 float64
	b   bool
	s   string
	raw []byte
	dec decimal.Decimal
	t   interface{} // Date/Time/DateTime2/DateTimeOffset/DateTime/SmallDateTime
}

func (v Value) Int64() int64            { return v.i64 }
func (v Value) Float64() float64        { return v.f64 }
func (v Value) Bool() bool              { return v.b }
func (v Value) String() string          { return v.s }
func (v Value) Bytes() []byte           { return v.raw }
func (v Value) Decimal() decimal.Decimal { return v.dec }
func (v Value) Time() interface{}       { return v.t }

func nullValue(t SQLType) Value { return Value{Type: t, Null: true} }

// readValue decodes one column value per its TYPE_INFO, following the
// fixed/nullable-length-prefixed/PLP/text-pointer layout rules.
func (d *tokenDecoder) readValue(col Column) (Value, error) {
	switch col.Type {
	case TypeNull:
		return nullValue(col.Type), nil

	case TypeInt1:
		b, err := d.r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, i64: int64(b)}, nil

	case TypeBit:
		b, err := d.r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, b: b != 0}, nil

	case TypeInt2:
		v, err := d.readUint16()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, i64: int64(int16(v))}, nil

	case TypeInt4:
		v, err := d.readUint32()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, i64: int64(int32(v))}, nil

	case TypeInt8:
		v, err := d.readUint64()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, i64: int64(v)}, nil

	case TypeFloat4:
		v, err := d.readUint32()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, f64: float64(math.Float32frombits(v))}, nil

	case TypeFloat8:
		v, err := d.readUint64()
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, f64: math.Float64frombits(v)}, nil

	case TypeMoney, TypeMoney4:
		return d.readMoney(col)

	case TypeDateTime:
		return d.readDateTimeLegacy(col, 8)

	case TypeDateTime4:
		return d.readDateTimeLegacy(col, 4)

	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN:
		n, err := d.r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		if n == 0 {
			return nullValue(col.Type), nil
		}
		return d.readNullableFixed(col, int(n))

	case TypeDateN:
		n, err := d.r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		if n == 0 {
			return nullValue(col.Type), nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, t: decodeDate(b)}, nil

	case TypeTimeN:
		n, err := d.r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		if n == 0 {
			return nullValue(col.Type), nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, t: decodeTime(b, col.Scale)}, nil

	case TypeDateTime2N:
		n, err := d.r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		if n == 0 {
			return nullValue(col.Type), nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, t: decodeDateTime2(b, col.Scale)}, nil

	case TypeDateTimeOffsetN:
		n, err := d.r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		if n == 0 {
			return nullValue(col.Type), nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, t: decodeDateTimeOffset(b, col.Scale)}, nil

	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		n, err := d.r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		if n == 0 {
			return nullValue(col.Type), nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		dec, err := decodeNumeric(b, col.Precision, col.Scale)
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, dec: dec}, nil

	case TypeGUID:
		n, err := d.r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		if n == 0 {
			return nullValue(col.Type), nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, raw: b, s: formatGUID(b)}, nil

	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		n, err := d.readUint16()
		if err != nil {
			return Value{}, err
		}
		if n == 0xFFFF {
			return nullValue(col.Type), nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		return d.materializeBytes(col, b), nil

	case TypeBigVarChar, TypeBigChar, TypeBigVarBin, TypeBigBinary:
		if col.Length == plpMaxLenSentinel {
			// PLP form (VARCHAR(max)/VARBINARY(max)).
			b, err := d.readPLP()
			if err != nil {
				return Value{}, err
			}
			if b == nil {
				return nullValue(col.Type), nil
			}
			return d.materializeBytes(col, b), nil
		}
		n, err := d.readUint16()
		if err != nil {
			return Value{}, err
		}
		if n == 0xFFFF {
			return nullValue(col.Type), nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		return d.materializeBytes(col, b), nil

	case TypeNVarChar, TypeNChar:
		if col.Length == plpMaxLenSentinel {
			// PLP form (NVARCHAR(max)).
			b, err := d.readPLP()
			if err != nil {
				return Value{}, err
			}
			if b == nil {
				return nullValue(col.Type), nil
			}
			return Value{Type: col.Type, s: decodeUTF16(b)}, nil
		}
		n, err := d.readUint16()
		if err != nil {
			return Value{}, err
		}
		if n == 0xFFFF {
			return nullValue(col.Type), nil
		}
		if n == 0 {
			return Value{Type: col.Type, s: ""}, nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		return Value{Type: col.Type, s: decodeUTF16(b)}, nil

	case TypeXML, TypeUDT:
		b, err := d.readPLP()
		if err != nil {
			return Value{}, err
		}
		if b == nil {
			return nullValue(col.Type), nil
		}
		v := Value{Type: col.Type, raw: b}
		if col.Type == TypeUDT && strings.EqualFold(lastNamePart(col.UDTName), "hierarchyid") {
			if s, err := decodeHierarchyID(b); err == nil {
				v.s = s
			}
		}
		return v, nil

	case TypeText, TypeNText, TypeImage:
		return d.readTextPointerValue(col)

	case TypeSSVariant:
		n, err := d.readUint32()
		if err != nil {
			return Value{}, err
		}
		if n == 0 {
			return nullValue(col.Type), nil
		}
		b, err := d.readN(int(n))
		if err != nil {
			return Value{}, err
		}
		return decodeVariant(b)

	default:
		return Value{}, protoViolation("readValue: unhandled type %s", col.Type)
	}
}

// readNullableFixed decodes the body of an IntN/BitN/FloatN/MoneyN/
// DateTimeN value once its non-zero length byte has been consumed.
func (d *tokenDecoder) readNullableFixed(col Column, n int) (Value, error) {
	b, err := d.readN(n)
	if err != nil {
		return Value{}, err
	}
	switch col.Type {
	case TypeIntN:
		switch n {
		case 1:
			return Value{Type: col.Type, i64: int64(b[0])}, nil
		case 2:
			return Value{Type: col.Type, i64: int64(int16(binary.LittleEndian.Uint16(b)))}, nil
		case 4:
			return Value{Type: col.Type, i64: int64(int32(binary.LittleEndian.Uint32(b)))}, nil
		case 8:
			return Value{Type: col.Type, i64: int64(binary.LittleEndian.Uint64(b))}, nil
		}
	case TypeBitN:
		return Value{Type: col.Type, b: b[0] != 0}, nil
	case TypeFloatN:
		switch n {
		case 4:
			return Value{Type: col.Type, f64: float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))}, nil
		case 8:
			return Value{Type: col.Type, f64: math.Float64frombits(binary.LittleEndian.Uint64(b))}, nil
		}
	case TypeMoneyN:
		return decodeMoneyBytes(col.Type, b)
	case TypeDateTimeN:
		return decodeDateTimeLegacyBytes(col.Type, b)
	}
	return Value{}, protoViolation("readNullableFixed: bad length %d for %s", n, col.Type)
}

func (d *tokenDecoder) readMoney(col Column) (Value, error) {
	n := 8
	if col.Type == TypeMoney4 {
		n = 4
	}
	b, err := d.readN(n)
	if err != nil {
		return Value{}, err
	}
	return decodeMoneyBytes(col.Type, b)
}

func decodeMoneyBytes(t SQLType, b []byte) (Value, error) {
	var units int64
	if t == TypeMoney4 {
		units = int64(int32(binary.LittleEndian.Uint32(b)))
	} else {
		hi := int32(binary.LittleEndian.Uint32(b[0:4]))
		lo := binary.LittleEndian.Uint32(b[4:8])
		units = int64(hi)<<32 | int64(lo)
	}
	dec := decimal.New(units, -4)
	return Value{Type: t, dec: dec}, nil
}

func (d *tokenDecoder) readDateTimeLegacy(col Column, n int) (Value, error) {
	b, err := d.readN(n)
	if err != nil {
		return Value{}, err
	}
	return decodeDateTimeLegacyBytes(col.Type, b)
}

// materializeBytes turns a raw byte slice into a Value, decoding it as a
// collated string for the character types and leaving it raw for binary.
func (d *tokenDecoder) materializeBytes(col Column, b []byte) Value {
	switch col.Type {
	case TypeChar, TypeVarChar, TypeBigVarChar, TypeBigChar:
		return Value{Type: col.Type, s: decodeCollatedString(b, col.Collation)}
	default:
		return Value{Type: col.Type, raw: b}
	}
}

// readTextPointerValue decodes the legacy TEXT/NTEXT/IMAGE wire layout: a
// text pointer length byte, the pointer bytes themselves, an 8-byte
// timestamp, then a 4-byte data length and the data.
func (d *tokenDecoder) readTextPointerValue(col Column) (Value, error) {
	ptrLen, err := d.r.ReadByte()
	if err != nil {
		return Value{}, err
	}
	if ptrLen == 0 {
		return nullValue(col.Type), nil
	}
	if _, err := d.readN(int(ptrLen)); err != nil {
		return Value{}, err
	}
	if _, err := d.readN(8); err != nil { // timestamp
		return Value{}, err
	}
	dataLen, err := d.readUint32()
	if err != nil {
		return Value{}, err
	}
	b, err := d.readN(int(dataLen))
	if err != nil {
		return Value{}, err
	}
	if col.Type == TypeNText {
		return Value{Type: col.Type, s: decodeUTF16(b)}, nil
	}
	if col.Type == TypeText {
		return Value{Type: col.Type, s: decodeCollatedString(b, col.Collation)}, nil
	}
	return Value{Type: col.Type, raw: b}, nil
}

// readPLP reads a partially length-prefixed value: an 8-byte total-length
// field (0xFFFFFFFFFFFFFFFF means SQL NULL, 0xFFFFFFFFFFFFFFFE means
// "unknown length, chunk until a zero-length chunk terminator") followed by
// a sequence of {4-byte chunk length, chunk bytes} with a final zero-length
// chunk as terminator.
func (d *tokenDecoder) readPLP() ([]byte, error) {
	total, err := d.readUint64()
	if err != nil {
		return nil, err
	}
	const plpNull = 0xFFFFFFFFFFFFFFFF
	const plpUnknownLen = 0xFFFFFFFFFFFFFFFE
	if total == plpNull {
		return nil, nil
	}
	var out []byte
	if total != plpUnknownLen && total <= uint64(1<<32) {
		out = make([]byte, 0, total)
	}
	for {
		chunkLen, err := d.readUint32()
		if err != nil {
			return nil, err
		}
		if chunkLen == 0 {
			break
		}
		chunk, err := d.readN(int(chunkLen))
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}
