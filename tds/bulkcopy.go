package tds

import (
	"bytes"
	"context"
	"strings"

	"github.com/ha1tch/tdsgo/pkg/tdserr"
)

// BulkColumn describes one destination column for a Bulkcopy load: its
// name, wire type, and the TYPE_INFO details EncodeSQLBatch's
// INSERT BULK statement and the COLMETADATA header both need.
type BulkColumn struct {
	Name      string
	Type      SQLType
	Length    uint32
	Precision uint8
	Scale     uint8
	Nullable  bool
}

// BulkRow is one row of input values, positional against Bulkcopy's
// column list.
type BulkRow []Value

// Bulkcopy drives the INSERT BULK sequence: place the server in
// bulk-insert mode for a table and column list, then stream rows as a
// COLMETADATA token followed by one ROW token per row (NBCROW for a row
// holding a null).
type Bulkcopy struct {
	s       *Session
	table   ObjectName
	columns []BulkColumn
}

// NewBulkcopy starts a bulk load into table, with a pre-validated column
// list (typically discovered via a sys.columns query against the
// destination, per the normal bcp workflow).
func (s *Session) NewBulkcopy(table string, columns []BulkColumn) (*Bulkcopy, error) {
	if len(columns) == 0 {
		return nil, tdserr.New(tdserr.KindLogicError, "bulkcopy requires at least one column").Err()
	}
	return &Bulkcopy{s: s, table: ParseObjectName(table), columns: columns}, nil
}

// Begin issues the INSERT BULK statement that places the connection in
// bulk-insert mode for this table and column list.
func (b *Bulkcopy) Begin(ctx context.Context) error {
	stmt := b.insertBulkStatement()
	batch, err := b.s.ExecBatch(ctx, stmt)
	if err != nil {
		return err
	}
	for batch.pos < len(batch.tokens) {
		if _, err := batch.Next(ctx); err != nil {
			return err
		}
	}
	return nil
}

// insertBulkStatement renders "INSERT BULK <table>(col TYPE, ...) WITH
// (TABLOCK)", the statement that switches the connection into
// bulk-insert mode for the rows that follow.
func (b *Bulkcopy) insertBulkStatement() string {
	var sb strings.Builder
	sb.WriteString("INSERT BULK ")
	sb.WriteString(b.table.String())
	sb.WriteByte('(')
	for i, c := range b.columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(EscapeIdentifier(c.Name))
		sb.WriteByte(' ')
		sb.WriteString(sqlTypeDecl(RPCParam{Type: c.Type, Length: c.Length, Scale: c.Scale}))
		if !c.Nullable {
			sb.WriteString(" NOT NULL")
		}
	}
	sb.WriteString(") WITH (TABLOCK)")
	return sb.String()
}

// SendRows streams rows as a COLMETADATA token describing this
// Bulkcopy's column list followed by one ROW token per row (NBCROW for a
// row holding a null), all in a single bulk-load message.
func (b *Bulkcopy) SendRows(ctx context.Context, rows []BulkRow) error {
	var buf bytes.Buffer
	b.encodeColMetadata(&buf)
	for _, row := range rows {
		if len(row) != len(b.columns) {
			return tdserr.New(tdserr.KindLogicError, "bulkcopy row arity mismatch").
				WithField("got", len(row)).WithField("want", len(b.columns)).Err()
		}
		if err := b.encodeRow(&buf, row); err != nil {
			return err
		}
	}
	return b.s.SendMsg(PacketBulkLoad, buf.Bytes())
}

// End closes out the bulk load: the EOM flag on SendRows' last packet
// is itself the end-of-data signal, so End only drains the server's
// resulting DONE/rowcount response.
func (b *Bulkcopy) End(ctx context.Context) (rowsAffected uint64, err error) {
	tokens, err := b.s.ReadTokens(ctx)
	if err != nil {
		return 0, err
	}
	for _, tok := range tokens {
		if d, ok := tok.(DoneToken); ok && d.HasCount() {
			rowsAffected += d.RowCount
		}
		if e, ok := tok.(ErrorToken); ok {
			return rowsAffected, tdserr.ServerInfo(e.Number, e.State, e.Severity, e.Message)
		}
	}
	return rowsAffected, nil
}

// encodeColMetadata writes the COLMETADATA token describing this
// Bulkcopy's destination columns, the same TYPE_INFO shape readTypeInfo
// decodes on a result set.
func (b *Bulkcopy) encodeColMetadata(buf *bytes.Buffer) {
	buf.WriteByte(byte(TokenColMetadata))
	writeUint16Raw(buf, uint16(len(b.columns)))
	for _, c := range b.columns {
		writeUint32(buf, 0) // UserType
		flags := uint16(0)
		if c.Nullable {
			flags |= ColFlagNullable
		}
		writeUint16Raw(buf, flags)
		writeColumnTypeInfo(buf, c)
		writeBVarchar(buf, c.Name)
	}
}

// writeColumnTypeInfo writes one column's TYPE_INFO trailer for bulk
// load, following the same per-type layout as writeParamTypeInfo.
func writeColumnTypeInfo(buf *bytes.Buffer, c BulkColumn) {
	buf.WriteByte(byte(c.Type))
	switch c.Type {
	case TypeInt1, TypeBit, TypeInt2, TypeInt4, TypeInt8,
		TypeFloat4, TypeFloat8, TypeMoney, TypeMoney4,
		TypeDateTime, TypeDateTime4, TypeDateN:
	case TypeIntN, TypeBitN, TypeFloatN, TypeMoneyN, TypeDateTimeN, TypeGUID:
		buf.WriteByte(byte(fixedLenFor(c.Type)))
	case TypeTimeN, TypeDateTime2N, TypeDateTimeOffsetN:
		buf.WriteByte(c.Scale)
	case TypeDecimalN, TypeNumericN:
		buf.WriteByte(byte(decimalByteLen(c.Length)))
		buf.WriteByte(byte(c.Length))
		buf.WriteByte(c.Scale)
	case TypeBigVarChar, TypeBigChar, TypeBigVarBin, TypeBigBinary:
		writeUint16Raw(buf, uint16(c.Length))
		if c.Type == TypeBigVarChar || c.Type == TypeBigChar {
			buf.Write(DefaultCollation.Bytes())
		}
	case TypeNVarChar, TypeNChar:
		writeUint16Raw(buf, uint16(c.Length))
		buf.Write(DefaultCollation.Bytes())
	}
}

// encodeRow writes one ROW or NBCROW token for the bulk-load stream,
// preferring NBCROW whenever at least one column in the row is null:
// the bitmap then lets the null columns themselves be skipped on the
// wire instead of written out as zero-length values.
func (b *Bulkcopy) encodeRow(buf *bytes.Buffer, row BulkRow) error {
	nullFlags := make([]bool, len(row))
	for i, v := range row {
		nullFlags[i] = v.Null
	}

	if shouldUseNBCRow(nullFlags) {
		buf.WriteByte(byte(TokenNBCRow))
		buf.Write(buildNullBitmap(nullFlags))
		for i, v := range row {
			if v.Null {
				continue
			}
			col := b.columns[i]
			p := RPCParam{Type: col.Type, Length: col.Length, Scale: col.Scale, Null: false, Value: valueAsParam(v)}
			if err := writeParamValue(buf, p); err != nil {
				return err
			}
		}
		return nil
	}

	buf.WriteByte(byte(TokenRow))
	for i, v := range row {
		col := b.columns[i]
		p := RPCParam{Type: col.Type, Length: col.Length, Scale: col.Scale, Null: v.Null, Value: valueAsParam(v)}
		if err := writeParamValue(buf, p); err != nil {
			return err
		}
	}
	return nil
}

// valueAsParam unwraps a decoded Value back into the interface{} shape
// writeParamValue expects, the inverse of readValue's typed fields.
func valueAsParam(v Value) interface{} {
	switch v.Type {
	case TypeInt1, TypeInt2, TypeInt4, TypeInt8, TypeIntN:
		return v.Int64()
	case TypeBit, TypeBitN:
		return v.Bool()
	case TypeFloat4, TypeFloat8, TypeFloatN:
		return v.Float64()
	case TypeMoney, TypeMoney4, TypeMoneyN, TypeDecimalN, TypeNumericN:
		return v.Decimal()
	case TypeBigVarChar, TypeBigChar, TypeNVarChar, TypeNChar:
		return v.String()
	case TypeBigVarBin, TypeBigBinary, TypeGUID:
		return v.Bytes()
	default:
		return v.Time()
	}
}
