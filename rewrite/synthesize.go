package rewrite

import (
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/natew/orez/wire"
)

// SynthesizeSimpleQueryResponse builds the locally-synthesized response
// for a no-op SET TRANSACTION/SET SESSION sent as a simple Query:
// CommandComplete('SET') + ReadyForQuery('T') (spec.md §4.4). txStatus is
// the status byte of the trailing ReadyForQuery; the proxy passes 'T'.
func SynthesizeSimpleQueryResponse(txStatus byte) ([]byte, error) {
	return wire.EncodeBackendMessages(
		&pgproto3.CommandComplete{CommandTag: []byte("SET")},
		&pgproto3.ReadyForQuery{TxStatus: txStatus},
	)
}

// SynthesizeParseResponse builds the locally-synthesized response for a
// no-op SET TRANSACTION/SET SESSION sent as an extended-protocol Parse:
// ParseComplete only (spec.md §4.4).
func SynthesizeParseResponse() ([]byte, error) {
	return wire.EncodeBackendMessages(&pgproto3.ParseComplete{})
}

// RewriteMessageBody applies Apply to the SQL text carried by a Query or
// Parse frontend message and returns a new message of the same type with
// the rewritten text, so the caller can re-encode it with the recomputed
// length field pgproto3's Encode already handles.
func RewriteMessageBody(msg pgproto3.FrontendMessage) (pgproto3.FrontendMessage, string, bool) {
	switch m := msg.(type) {
	case *pgproto3.Query:
		rewritten := Apply(m.String)
		return &pgproto3.Query{String: rewritten}, rewritten, true
	case *pgproto3.Parse:
		rewritten := Apply(m.Query)
		return &pgproto3.Parse{Name: m.Name, Query: rewritten, ParameterOIDs: m.ParameterOIDs}, rewritten, true
	default:
		return msg, "", false
	}
}
