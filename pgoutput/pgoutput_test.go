package pgoutput

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/stretchr/testify/require"
)

func TestOIDAssignerStableAndLazy(t *testing.T) {
	a := NewOIDAssigner()
	first := a.OIDFor("public.widgets")
	require.Equal(t, uint32(firstTableOID), first)

	second := a.OIDFor("public.gadgets")
	require.Equal(t, uint32(firstTableOID+1), second)

	require.Equal(t, first, a.OIDFor("public.widgets"))
}

func TestEncodeDecodeBeginRoundTrip(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := EncodeBegin(pglogrepl.LSN(0x01000100), ts, 42)

	decoded, err := DecodeBegin(msg)
	require.NoError(t, err)
	require.Equal(t, pglogrepl.LSN(0x01000100), decoded.FinalLSN)
	require.Equal(t, uint32(42), decoded.TransactionID)
	require.WithinDuration(t, ts, decoded.CommitTime, time.Microsecond)
}

func TestEncodeDecodeCommitRoundTrip(t *testing.T) {
	ts := time.Now().UTC()
	msg := EncodeCommit(0, pglogrepl.LSN(0x0100), pglogrepl.LSN(0x0200), ts)

	decoded, err := DecodeCommit(msg)
	require.NoError(t, err)
	require.Equal(t, byte(0), decoded.Flags)
	require.Equal(t, pglogrepl.LSN(0x0100), decoded.LSN)
	require.Equal(t, pglogrepl.LSN(0x0200), decoded.EndLSN)
	require.WithinDuration(t, ts, decoded.CommitTime, time.Microsecond)
}

func TestCommitInvariantBeginLSNLessThanEndLSN(t *testing.T) {
	begin := pglogrepl.LSN(0x0100)
	end := pglogrepl.LSN(0x0200)
	msg := EncodeCommit(0, begin, end, time.Now().UTC())

	decoded, err := DecodeCommit(msg)
	require.NoError(t, err)
	require.Less(t, uint64(decoded.LSN), uint64(decoded.EndLSN))
}

func TestEncodeDecodeRelationRoundTrip(t *testing.T) {
	cols := []ColumnDescriptor{
		{Name: "id", TypeOID: 25, TypeModVal: -1},
		{Name: "active", TypeOID: 16, TypeModVal: -1},
	}
	msg := EncodeRelation(16384, "public", "widgets", ReplicaIdentityDefault, cols)

	decoded, err := DecodeRelation(msg)
	require.NoError(t, err)
	require.Equal(t, uint32(16384), decoded.OID)
	require.Equal(t, "public", decoded.Schema)
	require.Equal(t, "widgets", decoded.Name)
	require.Equal(t, byte(ReplicaIdentityDefault), decoded.ReplicaIdentity)
	require.Equal(t, cols, decoded.Columns)
}

func TestInferColumnsBooleanOID(t *testing.T) {
	row := NewRow([]string{"id", "active"}, map[string]any{"id": "1", "active": true})
	cols := InferColumns(row)
	require.Equal(t, int32(25), cols[0].TypeOID)
	require.Equal(t, int32(16), cols[1].TypeOID)
}

func TestEncodeDecodeInsertRoundTrip(t *testing.T) {
	row := NewRow([]string{"id", "name", "deleted"}, map[string]any{"id": "1", "name": "gear", "deleted": nil})
	msg := EncodeInsert(16384, row)

	oid, tuple, err := DecodeInsert(msg)
	require.NoError(t, err)
	require.Equal(t, uint32(16384), oid)
	require.Len(t, tuple.Values, 3)
	require.Equal(t, "1", *tuple.Values[0])
	require.Equal(t, "gear", *tuple.Values[1])
	require.Nil(t, tuple.Values[2])
}

func TestEncodeDecodeUpdateRoundTripWithOldRow(t *testing.T) {
	oldRow := NewRow([]string{"id", "name"}, map[string]any{"id": "1", "name": "old"})
	newRow := NewRow([]string{"id", "name"}, map[string]any{"id": "1", "name": "new"})
	msg := EncodeUpdate(99, newRow, &oldRow)

	oid, old, newTuple, err := DecodeUpdate(msg)
	require.NoError(t, err)
	require.Equal(t, uint32(99), oid)
	require.NotNil(t, old)
	require.Equal(t, "old", *old.Values[1])
	require.Equal(t, "new", *newTuple.Values[1])
}

func TestEncodeDecodeUpdateRoundTripWithoutOldRow(t *testing.T) {
	newRow := NewRow([]string{"id"}, map[string]any{"id": "1"})
	msg := EncodeUpdate(99, newRow, nil)

	_, old, newTuple, err := DecodeUpdate(msg)
	require.NoError(t, err)
	require.Nil(t, old)
	require.Equal(t, "1", *newTuple.Values[0])
}

func TestEncodeDecodeDeleteRoundTrip(t *testing.T) {
	oldRow := NewRow([]string{"id"}, map[string]any{"id": "1"})
	msg := EncodeDelete(7, oldRow)

	oid, tuple, err := DecodeDelete(msg)
	require.NoError(t, err)
	require.Equal(t, uint32(7), oid)
	require.Equal(t, "1", *tuple.Values[0])
}

func TestEncodeKeepaliveShape(t *testing.T) {
	ts := time.Now().UTC()
	inner := EncodeKeepalive(pglogrepl.LSN(0x0100), ts, true)
	require.Equal(t, byte('k'), inner[0])
	require.Equal(t, byte(1), inner[len(inner)-1])

	wrapped := WrapCopyData(inner)
	require.Equal(t, byte('d'), wrapped[0])
}

func TestWrapXLogDataEmbedsPayload(t *testing.T) {
	payload := []byte{'B', 1, 2, 3}
	wrapped := WrapXLogData(pglogrepl.LSN(1), pglogrepl.LSN(2), time.Now(), payload)
	require.Equal(t, byte('w'), wrapped[0])
	require.Contains(t, string(wrapped), string(payload))
}

func TestStringifyValueBooleanAndJSON(t *testing.T) {
	require.Equal(t, "t", stringifyValue(true))
	require.Equal(t, "f", stringifyValue(false))
	require.Equal(t, `{"a":1}`, stringifyValue(map[string]any{"a": 1}))
}
