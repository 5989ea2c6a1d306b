package tds

import (
	"context"
	"strconv"
	"strings"
)

// PreparedQuery is a SQL statement executed through the server's
// sp_prepare/sp_execute RPC pair: the statement text is parsed once,
// and subsequent Execute calls reuse the resulting handle. The handle
// itself is cached in the owning Connection's PreparedStatementCache,
// keyed by statement text and parameter signature, so two PreparedQuery
// values built from the same SQL share one prepare round trip.
type PreparedQuery struct {
	s         *Session
	sql       string
	paramDefs string
}

// Prepare returns a PreparedQuery for sql against the given parameter
// shape. Each non-quoted '?' placeholder in sql is rewritten to a
// positional @P1, @P2, … marker before storage, since that is the form
// sp_prepare/sp_execute expect in the statement text. It does not touch
// the network itself — the first Execute call issues sp_prepare if the
// cache has no handle yet, or reuses one if it does.
func (s *Session) Prepare(sql string, params ...RPCParam) *PreparedQuery {
	return &PreparedQuery{s: s, sql: rewritePlaceholders(sql), paramDefs: buildParamDefs(params)}
}

// rewritePlaceholders replaces each '?' outside a single-quoted string
// literal with the next positional @Pn marker, in order. A '?' between
// a pair of single quotes is part of the literal text, not a parameter
// marker, so it is left untouched.
func rewritePlaceholders(sql string) string {
	var out strings.Builder
	inString := false
	n := 0
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '\'':
			inString = !inString
			out.WriteByte(c)
		case c == '?' && !inString:
			n++
			out.WriteString("@P")
			out.WriteString(strconv.Itoa(n))
		default:
			out.WriteByte(c)
		}
	}
	return out.String()
}

// Execute runs the prepared statement with the given parameter values.
// The first call for this SQL/parameter-signature pair issues sp_prepare
// to obtain a handle, then sp_execute to run it; every later call reuses
// the cached handle and goes straight to sp_execute.
func (q *PreparedQuery) Execute(ctx context.Context, params ...RPCParam) (*Rpc, error) {
	cache := q.s.c.PreparedStatements()
	ps, ok := cache.Lookup(q.sql, q.paramDefs)
	if !ok {
		handle, err := q.prepare(ctx)
		if err != nil {
			return nil, err
		}
		cache.Store(q.sql, q.paramDefs, handle, nil)
		ps, _ = cache.Lookup(q.sql, q.paramDefs)
	}
	return q.execHandle(ctx, ps.Handle, params)
}

// prepare issues sp_prepare(@handle OUTPUT, paramDefs, sql, 1), parsing
// the statement against its parameter signature and returning the
// handle the server hands back in @handle for subsequent sp_execute
// calls to reuse. It carries no result set of its own.
func (q *PreparedQuery) prepare(ctx context.Context) (int32, error) {
	params := []RPCParam{
		{Name: "handle", Type: TypeIntN, Length: 4, Output: true, Value: int64(0)},
		{Type: TypeNVarChar, Length: uint32(len(q.paramDefs) * 2), Value: q.paramDefs},
		{Type: TypeNVarChar, Length: uint32(len(q.sql) * 2), Value: q.sql},
		{Type: TypeInt4, Value: int64(1)},
	}

	rpc, err := q.s.ExecRPC(ctx, RPCRequest{ProcID: ProcIDPrepare, Parameters: params})
	if err != nil {
		return 0, err
	}
	handle := findOutputHandle(rpc.tokens)
	if handle == 0 {
		return 0, errUnknownHandle(0)
	}
	return handle, nil
}

// execHandle runs an already-prepared statement via sp_execute.
func (q *PreparedQuery) execHandle(ctx context.Context, handle int32, params []RPCParam) (*Rpc, error) {
	all := make([]RPCParam, 0, len(params)+1)
	all = append(all, RPCParam{Type: TypeIntN, Length: 4, Value: int64(handle)})
	all = append(all, params...)
	return q.s.ExecRPC(ctx, RPCRequest{ProcID: ProcIDExecute, Parameters: all})
}

// Unprepare releases every handle this connection's prepared-statement
// cache currently holds, via sp_unprepare, typically called on
// connection reset or shutdown.
func (s *Session) Unprepare(ctx context.Context) error {
	for _, handle := range s.c.PreparedStatements().Evict() {
		params := []RPCParam{{Type: TypeIntN, Length: 4, Value: int64(handle)}}
		if _, err := s.ExecRPC(ctx, RPCRequest{ProcID: ProcIDUnprepare, Parameters: params}); err != nil {
			return err
		}
	}
	return nil
}

// findOutputHandle scans an sp_prepare response for the @handle output
// parameter's RETURNVALUE token.
func findOutputHandle(tokens []interface{}) int32 {
	for _, tok := range tokens {
		if rv, ok := tok.(ReturnValueToken); ok && !rv.Value.Null {
			return int32(rv.Value.Int64())
		}
	}
	return 0
}
