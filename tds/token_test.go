package tds

import (
	"bytes"
	"testing"
	"unicode/utf16"
)

// bVarchar renders a B_VARCHAR (one-byte char count + UTF-16LE bytes),
// the wire form COLMETADATA names and similar short strings use.
func bVarchar(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := []byte{byte(len(units))}
	for _, u := range units {
		out = append(out, byte(u), byte(u>>8))
	}
	return out
}

// TestDecodeQueryScenario is literal scenario 2: "SELECT 42 AS answer"
// decodes to one int column named "answer" with value 42.
func TestDecodeQueryScenario(t *testing.T) {
	var body bytes.Buffer

	// COLMETADATA: one column, no flags, INT4 (fixed, no TYPE_INFO trailer), name "answer".
	body.WriteByte(byte(TokenColMetadata))
	body.Write([]byte{1, 0}) // column count = 1
	body.Write([]byte{0, 0, 0, 0})   // UserType
	body.Write([]byte{0, 0})         // Flags
	body.WriteByte(byte(TypeInt4))
	body.Write(bVarchar("answer"))

	// ROW: int4 value 42.
	body.WriteByte(byte(TokenRow))
	body.Write([]byte{0x2a, 0, 0, 0})

	// DONE, final.
	body.WriteByte(byte(TokenDone))
	body.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})

	dec := newTokenDecoder(body.Bytes())
	var colCtx []Column

	tok, err := dec.Next(&colCtx)
	if err != nil {
		t.Fatalf("decoding COLMETADATA: %v", err)
	}
	cm, ok := tok.(ColMetadataToken)
	if !ok {
		t.Fatalf("got %T, want ColMetadataToken", tok)
	}
	if len(cm.Columns) != 1 || cm.Columns[0].Name != "answer" {
		t.Fatalf("columns = %+v, want one column named answer", cm.Columns)
	}

	tok, err = dec.Next(&colCtx)
	if err != nil {
		t.Fatalf("decoding ROW: %v", err)
	}
	row, ok := tok.(RowToken)
	if !ok {
		t.Fatalf("got %T, want RowToken", tok)
	}
	if got := row.Values[0].Int64(); got != 42 {
		t.Errorf("value = %d, want 42", got)
	}

	tok, err = dec.Next(&colCtx)
	if err != nil {
		t.Fatalf("decoding DONE: %v", err)
	}
	done, ok := tok.(DoneToken)
	if !ok {
		t.Fatalf("got %T, want DoneToken", tok)
	}
	if done.More() {
		t.Errorf("DONE.More() = true, want false")
	}
}

// TestDecodeNBCRowScenario is literal scenario 3: columns {INT, NVARCHAR},
// NBCROW with bitset 0b00000010 marking column 1 null and column 0 = 1.
func TestDecodeNBCRowScenario(t *testing.T) {
	cols := []Column{
		{Name: "a", Type: TypeInt4},
		{Name: "b", Type: TypeNVarChar, Length: 100, Collation: DefaultCollation},
	}

	var body bytes.Buffer
	body.WriteByte(byte(TokenNBCRow))
	body.WriteByte(0b00000010) // bit 1 set -> column 1 (index 1) is null
	body.Write([]byte{0x01, 0, 0, 0})

	dec := newTokenDecoder(body.Bytes())
	tok, err := dec.Next(&cols)
	if err != nil {
		t.Fatalf("decoding NBCROW: %v", err)
	}
	nbc, ok := tok.(NBCRowToken)
	if !ok {
		t.Fatalf("got %T, want NBCRowToken", tok)
	}
	if nbc.Values[0].Null {
		t.Errorf("column 0 should not be null")
	}
	if got := nbc.Values[0].Int64(); got != 1 {
		t.Errorf("column 0 = %d, want 1", got)
	}
	if !nbc.Values[1].Null {
		t.Errorf("column 1 should be null")
	}
}

func TestNBCRowMatchesROWForNonNullColumns(t *testing.T) {
	cols := []Column{{Name: "a", Type: TypeInt4}, {Name: "b", Type: TypeInt4}}

	var rowBody, nbcBody bytes.Buffer
	rowBody.WriteByte(byte(TokenRow))
	rowBody.Write([]byte{5, 0, 0, 0})
	rowBody.Write([]byte{9, 0, 0, 0})

	nbcBody.WriteByte(byte(TokenNBCRow))
	nbcBody.WriteByte(0) // no nulls
	nbcBody.Write([]byte{5, 0, 0, 0})
	nbcBody.Write([]byte{9, 0, 0, 0})

	rd := newTokenDecoder(rowBody.Bytes())
	rowTok, err := rd.Next(&cols)
	if err != nil {
		t.Fatalf("decoding ROW: %v", err)
	}
	nd := newTokenDecoder(nbcBody.Bytes())
	nbcTok, err := nd.Next(&cols)
	if err != nil {
		t.Fatalf("decoding NBCROW: %v", err)
	}

	row := rowTok.(RowToken)
	nbc := nbcTok.(NBCRowToken)
	for i := range cols {
		if row.Values[i].Int64() != nbc.Values[i].Int64() {
			t.Errorf("column %d: ROW=%d NBCROW=%d", i, row.Values[i].Int64(), nbc.Values[i].Int64())
		}
	}
}

func TestDoneTokenFlags(t *testing.T) {
	d := DoneToken{Status: DoneMore | DoneCount}
	if !d.More() {
		t.Error("More() = false, want true")
	}
	if d.HasError() {
		t.Error("HasError() = true, want false")
	}
	if !d.HasCount() {
		t.Error("HasCount() = false, want true")
	}
}

func TestErrorTokenDecode(t *testing.T) {
	var inner bytes.Buffer
	inner.Write([]byte{0x01, 0, 0, 0}) // Number = 1
	inner.WriteByte(5)                 // State
	inner.WriteByte(16)                // Severity
	msg := utf16.Encode([]rune("boom"))
	inner.Write([]byte{byte(len(msg)), byte(len(msg) >> 8)})
	for _, u := range msg {
		inner.Write([]byte{byte(u), byte(u >> 8)})
	}
	inner.Write(bVarchar("srv"))
	inner.Write(bVarchar("proc"))
	inner.Write([]byte{7, 0, 0, 0}) // LineNo

	var body bytes.Buffer
	body.WriteByte(byte(TokenError))
	body.Write([]byte{byte(inner.Len()), byte(inner.Len() >> 8)})
	body.Write(inner.Bytes())

	dec := newTokenDecoder(body.Bytes())
	var colCtx []Column
	tok, err := dec.Next(&colCtx)
	if err != nil {
		t.Fatalf("decoding ERROR: %v", err)
	}
	e, ok := tok.(ErrorToken)
	if !ok {
		t.Fatalf("got %T, want ErrorToken", tok)
	}
	if e.Number != 1 || e.State != 5 || e.Severity != 16 || e.Message != "boom" || e.ServerName != "srv" || e.ProcName != "proc" || e.LineNo != 7 {
		t.Errorf("decoded = %+v", e)
	}
}
