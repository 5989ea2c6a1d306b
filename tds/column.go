package tds

// ColumnFlags are the COLMETADATA per-column flag bits.
const (
	ColFlagNullable        uint16 = 0x0001
	ColFlagCaseSen         uint16 = 0x0002
	ColFlagUpdateable      uint16 = 0x0008
	ColFlagIdentity        uint16 = 0x0010
	ColFlagComputed        uint16 = 0x0020
	ColFlagFixedLenCLR     uint16 = 0x0100
	ColFlagSparseColumn    uint16 = 0x0400
	ColFlagEncrypted       uint16 = 0x0800
	ColFlagHidden          uint16 = 0x2000
	ColFlagKey             uint16 = 0x4000
	ColFlagNullableUnknown uint16 = 0x8000
)

// Column is the decoded metadata for one result-set column, built from a
// COLMETADATA entry.
type Column struct {
	Name      string
	Type      SQLType
	UserType  uint32
	Flags     uint16
	Length    uint32 // max length in bytes (0 for fixed-length types)
	Precision uint8
	Scale     uint8
	Collation Collation
	UDTName   string // UDT three-part type name, when Type == TypeUDT
	CLRName   string // CLR assembly-qualified name, when Type == TypeUDT
}

func (c Column) Nullable() bool { return c.Flags&ColFlagNullable != 0 }

// readTypeInfo reads the TYPE_INFO trailer for one column (or RETURNVALUE,
// or an RPC parameter), populating everything but Name. The byte at the
// current reader position is the SQLType tag itself.
func (d *tokenDecoder) readTypeInfo(col *Column) error {
	b, err := d.r.ReadByte()
	if err != nil {
		return err
	}
	col.Type = SQLType(b)

	switch col.Type {
	case TypeNull,
		TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeInt8,
		TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4,
		TypeDateTime, TypeDateTime4:
		// fixed-length: no trailer

	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN:
		n, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		col.Length = uint32(n)

	case TypeDateN:
		// no trailer

	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		scale, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		col.Scale = scale

	case TypeDecimalN, TypeNumericN, TypeDecimal, TypeNumeric:
		n, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		col.Length = uint32(n)
		prec, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		col.Precision = prec
		scale, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		col.Scale = scale

	case TypeGUID:
		n, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		col.Length = uint32(n)

	case TypeChar, TypeVarChar, TypeBinary, TypeVarBinary:
		n, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		col.Length = uint32(n)
		if col.Type == TypeChar || col.Type == TypeVarChar {
			collBytes, err := d.readN(5)
			if err != nil {
				return err
			}
			col.Collation = parseCollation(collBytes)
		}

	case TypeBigVarChar, TypeBigChar, TypeBigVarBin, TypeBigBinary:
		n, err := d.readUint16()
		if err != nil {
			return err
		}
		col.Length = uint32(n)
		if col.Type == TypeBigVarChar || col.Type == TypeBigChar {
			collBytes, err := d.readN(5)
			if err != nil {
				return err
			}
			col.Collation = parseCollation(collBytes)
		}

	case TypeNVarChar, TypeNChar:
		n, err := d.readUint16()
		if err != nil {
			return err
		}
		col.Length = uint32(n)
		collBytes, err := d.readN(5)
		if err != nil {
			return err
		}
		col.Collation = parseCollation(collBytes)

	case TypeXML:
		// schema-present flag then optional {dbname, owner, xml collection}
		flag, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		if flag != 0 {
			if _, err := d.readBVarchar(); err != nil {
				return err
			}
			if _, err := d.readBVarchar(); err != nil {
				return err
			}
			if _, err := d.readUsVarchar(); err != nil {
				return err
			}
		}

	case TypeUDT:
		n, err := d.readUint16()
		if err != nil {
			return err
		}
		col.Length = uint32(n)
		dbName, err := d.readBVarchar()
		if err != nil {
			return err
		}
		ownerName, err := d.readBVarchar()
		if err != nil {
			return err
		}
		typeName, err := d.readBVarchar()
		if err != nil {
			return err
		}
		col.UDTName = dbName + "." + ownerName + "." + typeName
		clrName, err := d.readUsVarchar()
		if err != nil {
			return err
		}
		col.CLRName = clrName

	case TypeText, TypeNText, TypeImage:
		n, err := d.readUint32()
		if err != nil {
			return err
		}
		col.Length = n
		if col.Type != TypeImage {
			collBytes, err := d.readN(5)
			if err != nil {
				return err
			}
			col.Collation = parseCollation(collBytes)
		}
		numParts, err := d.r.ReadByte()
		if err != nil {
			return err
		}
		for i := uint8(0); i < numParts; i++ {
			if _, err := d.readUsVarchar(); err != nil {
				return err
			}
		}

	case TypeSSVariant:
		n, err := d.readUint32()
		if err != nil {
			return err
		}
		col.Length = n

	default:
		return protoViolation("unrecognised column type 0x%02x", byte(col.Type))
	}

	return nil
}
