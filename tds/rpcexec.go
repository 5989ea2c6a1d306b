package tds

import (
	"context"
	"strconv"
)

// Rpc is the result of executing one RPC_REQUEST: a call to a named or
// well-known stored procedure, with the same result-set/rowcount/
// message/return-status shape as a Batch. It reuses Batch's token-walk
// machinery rather than duplicating it, since RPC_REQUEST and SQL_BATCH
// share an identical response grammar.
type Rpc struct {
	*Batch
}

// ExecRPC sends req as an RPC_REQUEST and returns an Rpc positioned
// before its first result set.
func (s *Session) ExecRPC(ctx context.Context, req RPCRequest) (*Rpc, error) {
	body, err := EncodeRPCRequest(req, s.c.TransactionDescriptor())
	if err != nil {
		return nil, err
	}
	if err := s.SendMsg(PacketRPCRequest, body); err != nil {
		return nil, err
	}
	tokens, err := s.ReadTokens(ctx)
	if err != nil {
		return nil, err
	}
	b := newBatch(tokens)
	return &Rpc{Batch: b}, b.firstError()
}

// ExecSQL runs sql through sp_executesql as a one-shot parameterised
// call, the RPC equivalent of a SQL_BATCH that also accepts bind
// parameters without a prepare/execute round trip.
func (s *Session) ExecSQL(ctx context.Context, sql string, params ...RPCParam) (*Rpc, error) {
	paramDefs := buildParamDefs(params)
	all := make([]RPCParam, 0, len(params)+2)
	all = append(all,
		RPCParam{Type: TypeNVarChar, Length: uint32(len(sql) * 2), Value: sql},
		RPCParam{Type: TypeNVarChar, Length: uint32(len(paramDefs) * 2), Value: paramDefs},
	)
	all = append(all, params...)
	return s.ExecRPC(ctx, RPCRequest{ProcID: ProcIDExecuteSQL, Parameters: all})
}

// buildParamDefs renders the "@p1 int, @p2 nvarchar(4000)"-style
// declaration string sp_executesql needs to match positional
// parameters against the @params it declares.
func buildParamDefs(params []RPCParam) string {
	var defs string
	for i, p := range params {
		if i > 0 {
			defs += ", "
		}
		defs += "@" + p.Name + " " + sqlTypeDecl(p)
	}
	return defs
}

// sqlTypeDecl renders the T-SQL type declaration for a parameter,
// covering the shapes ExecSQL/PreparedQuery actually produce.
func sqlTypeDecl(p RPCParam) string {
	switch p.Type {
	case TypeNVarChar, TypeNChar:
		if p.Length == 0 || p.Length > 4000 {
			return "nvarchar(max)"
		}
		return "nvarchar(" + strconv.Itoa(int(p.Length/2)) + ")"
	case TypeBigVarChar, TypeBigChar:
		if p.Length == 0 || p.Length > 8000 {
			return "varchar(max)"
		}
		return "varchar(" + strconv.Itoa(int(p.Length)) + ")"
	case TypeInt4, TypeIntN:
		return "int"
	case TypeInt8:
		return "bigint"
	case TypeInt2:
		return "smallint"
	case TypeInt1:
		return "tinyint"
	case TypeBit, TypeBitN:
		return "bit"
	case TypeFloat8, TypeFloatN:
		return "float"
	case TypeFloat4:
		return "real"
	case TypeDecimalN, TypeNumericN:
		return "decimal(" + strconv.Itoa(int(p.Length)) + "," + strconv.Itoa(int(p.Scale)) + ")"
	case TypeDateN:
		return "date"
	case TypeTimeN:
		return "time"
	case TypeDateTime2N:
		return "datetime2"
	case TypeDateTimeOffsetN:
		return "datetimeoffset"
	case TypeBigVarBin, TypeBigBinary:
		if p.Length == 0 || p.Length > 8000 {
			return "varbinary(max)"
		}
		return "varbinary(" + strconv.Itoa(int(p.Length)) + ")"
	default:
		return "sql_variant"
	}
}
