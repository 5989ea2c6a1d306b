package tds

import (
	"bytes"
	"context"

	"github.com/ha1tch/tdsgo/pkg/tdserr"
)

// ResultReader is the common iteration surface over a server response:
// zero or more result sets, each a sequence of rows over a fixed column
// set. Batch implements it, driven off its token slice, and Rpc gets the
// same implementation through its embedded *Batch.
type ResultReader interface {
	Columns() []Column
	Next(ctx context.Context) (bool, error)
	NextResultSet(ctx context.Context) (bool, error)
	Value(i int) Value
	RowsAffected() uint64
	Messages() []InfoToken
}

// Batch is the result of executing one SQL_BATCH: a script of one or more
// statements, each potentially producing its own result set, ending in a
// final DONE whose RowCount/status rolls the whole batch up.
type Batch struct {
	tokens       []interface{}
	pos          int
	columns      []Column
	row          []Value
	rowsAffected uint64
	messages     []InfoToken
	returnStatus *int32
}

// EncodeSQLBatch builds a SQL_BATCH message body: the ALL_HEADERS block
// (carrying the active transaction descriptor) followed by the batch
// text as UCS-2.
func EncodeSQLBatch(sql string, transactionDescriptor uint64) []byte {
	var buf bytes.Buffer
	writeAllHeaders(&buf, transactionDescriptor)
	buf.Write(encodeUTF16(sql))
	return buf.Bytes()
}

// ExecBatch sends sql as a SQL_BATCH and returns a Batch positioned at
// its first result set (if any). Use Next/NextResultSet to walk the
// response the way database/sql drivers walk a rows cursor.
func (s *Session) ExecBatch(ctx context.Context, sql string) (*Batch, error) {
	body := EncodeSQLBatch(sql, s.c.TransactionDescriptor())
	if err := s.SendMsg(PacketSQLBatch, body); err != nil {
		return nil, err
	}
	tokens, err := s.ReadTokens(ctx)
	if err != nil {
		return nil, err
	}
	b := newBatch(tokens)
	return b, b.firstError()
}

// newBatch wraps a decoded token stream and positions it at the first
// result set, consuming the leading COLMETADATA token the same way
// NextResultSet consumes every later one — without this, Next would see
// that token first and report "no row yet" before ever reaching one.
func newBatch(tokens []interface{}) *Batch {
	b := &Batch{tokens: tokens}
	b.NextResultSet(context.Background())
	return b
}

// firstError surfaces the first ERROR token in the response as a Go
// error, since a batch that fails partway still returns a readable
// token stream up to the failure.
func (b *Batch) firstError() error {
	for _, tok := range b.tokens {
		if t, ok := tok.(ErrorToken); ok {
			return tdserr.ServerInfo(t.Number, t.State, t.Severity, t.Message)
		}
	}
	return nil
}

// Columns returns the current result set's column metadata, or nil
// before the first COLMETADATA has been seen.
func (b *Batch) Columns() []Column { return b.columns }

// Value returns the i'th column of the row last returned by Next.
func (b *Batch) Value(i int) Value { return b.row[i] }

// RowsAffected returns the row count accumulated from DONE tokens that
// carry DoneCount, summed across every statement in the batch.
func (b *Batch) RowsAffected() uint64 { return b.rowsAffected }

// Messages returns any INFO tokens (PRINT output, RAISERROR below the
// connection's severity threshold) the batch produced.
func (b *Batch) Messages() []InfoToken { return b.messages }

// ReturnStatus returns the batch's RETURNSTATUS value, if a statement
// emitted one (only meaningful when the batch wraps a stored procedure
// call via EXEC).
func (b *Batch) ReturnStatus() *int32 { return b.returnStatus }

// Next advances to the next row of the current result set, decoding
// ENVCHANGE/INFO/DONE tokens encountered along the way. It returns
// false at the end of the current result set (not the whole batch) —
// call NextResultSet to move on.
func (b *Batch) Next(ctx context.Context) (bool, error) {
	for b.pos < len(b.tokens) {
		tok := b.tokens[b.pos]
		b.pos++
		switch t := tok.(type) {
		case RowToken:
			b.row = t.Values
			return true, nil
		case NBCRowToken:
			b.row = t.Values
			return true, nil
		case ColMetadataToken:
			b.columns = t.Columns
			b.pos--
			return false, nil
		case DoneToken:
			if t.HasCount() {
				b.rowsAffected += t.RowCount
			}
			if t.HasError() {
				return false, tdserr.New(tdserr.KindServerInfo, "batch statement failed").Err()
			}
			return false, nil
		case InfoToken:
			b.messages = append(b.messages, t)
		case ReturnStatusToken:
			s := t.Status
			b.returnStatus = &s
		}
	}
	return false, nil
}

// NextResultSet skips any remaining rows of the current result set and
// advances to the next one, reporting whether another result set
// exists in this batch's response.
func (b *Batch) NextResultSet(ctx context.Context) (bool, error) {
	for {
		more, err := b.Next(ctx)
		if err != nil {
			return false, err
		}
		if more {
			continue // drain remaining rows of the current set
		}
		if b.pos >= len(b.tokens) {
			return false, nil
		}
		if _, ok := b.tokens[b.pos].(ColMetadataToken); ok {
			b.pos++
			b.columns = b.tokens[b.pos-1].(ColMetadataToken).Columns
			return true, nil
		}
		return false, nil
	}
}
