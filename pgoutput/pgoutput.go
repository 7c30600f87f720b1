// Package pgoutput produces bit-exact PostgreSQL logical-replication
// binary messages (spec component B). Every function here is pure: given
// the same inputs it returns the same bytes, and none of them can fail.
// It is grounded on the teacher's pgserver/logrepl/decode.go, which
// consumes the inverse of this encoding, and on github.com/jackc/pglogrepl
// for the LSN type shared with the replication package.
package pgoutput

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
)

// PGEpochMicros is the number of microseconds between the Unix epoch and
// the Postgres epoch (2000-01-01), the origin every timestamp field in
// the pgoutput wire format is relative to.
const PGEpochMicros = 946684800000000

// firstTableOID is the first OID handed out by the lazy table-OID
// assignment policy (spec.md §4.2): "assigned lazily from an internal
// counter starting at 16384".
const firstTableOID = 16384

// OIDAssigner hands out stable OIDs for schema-qualified table names,
// lazily, starting at 16384. The proxy server shares one assigner across
// all of its replication connections, so a table keeps the same OID for
// the server's lifetime and Relation messages stay consistent.
type OIDAssigner struct {
	mu     sync.Mutex
	next   uint32
	byName map[string]uint32
}

// NewOIDAssigner returns an assigner with an empty table.
func NewOIDAssigner() *OIDAssigner {
	return &OIDAssigner{next: firstTableOID, byName: map[string]uint32{}}
}

// OIDFor returns the stable OID for name, assigning a new one the first
// time it is seen.
func (a *OIDAssigner) OIDFor(name string) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if oid, ok := a.byName[name]; ok {
		return oid
	}
	oid := a.next
	a.next++
	a.byName[name] = oid
	return oid
}

// Row is a column-name-to-value map in iteration order. Use NewRow to
// build one with a deterministic column order; a plain map literal has
// randomized iteration order in Go and would make Relation/tuple columns
// disagree across calls.
type Row struct {
	cols []string
	vals map[string]any
}

// NewRow builds a Row from an ordered column list and a value map.
func NewRow(cols []string, vals map[string]any) Row {
	return Row{cols: cols, vals: vals}
}

// Columns returns the row's columns in order.
func (r Row) Columns() []string { return r.cols }

// ReplicaIdentityDefault is the only replica-identity value this system
// reports (spec.md §4.2).
const ReplicaIdentityDefault = 'd'

func writeInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func writeInt32(buf []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(buf, b[:]...)
}

func writeInt16(buf []byte, v int16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	return append(buf, b[:]...)
}

func writeCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func adjustedMicros(ts time.Time) int64 {
	return ts.UnixMicro() - PGEpochMicros
}

// EncodeBegin renders a Begin message: 'B' + int64(finalLSN) +
// int64(commitTime adjusted) + int32(xid).
func EncodeBegin(finalLSN pglogrepl.LSN, commitTime time.Time, xid uint32) []byte {
	buf := []byte{'B'}
	buf = writeInt64(buf, int64(finalLSN))
	buf = writeInt64(buf, adjustedMicros(commitTime))
	buf = writeInt32(buf, int32(xid))
	return buf
}

// EncodeCommit renders a Commit message: 'C' + byte(flags) + three int64
// fields (LSN, end LSN, ts), ts adjusted to the Postgres epoch.
func EncodeCommit(flags byte, lsn, endLSN pglogrepl.LSN, commitTime time.Time) []byte {
	buf := []byte{'C', flags}
	buf = writeInt64(buf, int64(lsn))
	buf = writeInt64(buf, int64(endLSN))
	buf = writeInt64(buf, adjustedMicros(commitTime))
	return buf
}

// ColumnDescriptor describes one reported column of a Relation message.
type ColumnDescriptor struct {
	Name       string
	TypeOID    int32
	TypeModVal int32
	KeyColumn  bool
}

// typeOIDForValue implements spec.md §4.2's column-inference policy: every
// column is reported as text (OID 25), except boolean-valued columns
// which report OID 16.
func typeOIDForValue(v any) int32 {
	if _, ok := v.(bool); ok {
		return 16
	}
	return 25
}

// InferColumns builds the Relation column list from a row's column order
// and values, applying the boolean/text OID policy.
func InferColumns(row Row) []ColumnDescriptor {
	out := make([]ColumnDescriptor, len(row.cols))
	for i, name := range row.cols {
		oid := typeOIDForValue(row.vals[name])
		out[i] = ColumnDescriptor{Name: name, TypeOID: oid, TypeModVal: -1}
	}
	return out
}

// EncodeRelation renders a Relation message: 'R' + int32(oid) +
// cstr(schema) + cstr(name) + byte(replicaIdentity) + int16(n) + for each
// column: byte(flags) + cstr(name) + int32(typeOid) + int32(typeMod).
func EncodeRelation(oid uint32, schema, name string, replicaIdentity byte, cols []ColumnDescriptor) []byte {
	buf := []byte{'R'}
	buf = writeInt32(buf, int32(oid))
	buf = writeCString(buf, schema)
	buf = writeCString(buf, name)
	buf = append(buf, replicaIdentity)
	buf = writeInt16(buf, int16(len(cols)))
	for _, c := range cols {
		flags := byte(0)
		if c.KeyColumn {
			flags = 1
		}
		buf = append(buf, flags)
		buf = writeCString(buf, c.Name)
		buf = writeInt32(buf, c.TypeOID)
		buf = writeInt32(buf, c.TypeModVal)
	}
	return buf
}

// stringifyValue renders a column value as pgoutput text: bool as
// 't'/'f', object/array values JSON-serialized, everything else via
// fmt.Sprintf (spec.md §4.2: "non-string values are stringified").
func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		if t {
			return "t"
		}
		return "f"
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// encodeTuple renders int16(n) followed by each value as either 'n'
// (null) or 't' + int32(len) + bytes.
func encodeTuple(row Row) []byte {
	buf := writeInt16(nil, int16(len(row.cols)))
	for _, name := range row.cols {
		v, present := row.vals[name]
		if !present || v == nil {
			buf = append(buf, 'n')
			continue
		}
		s := stringifyValue(v)
		buf = append(buf, 't')
		buf = writeInt32(buf, int32(len(s)))
		buf = append(buf, s...)
	}
	return buf
}

// EncodeInsert renders an Insert message: 'I' + int32(oid) + 'N' + tuple.
func EncodeInsert(oid uint32, row Row) []byte {
	buf := []byte{'I'}
	buf = writeInt32(buf, int32(oid))
	buf = append(buf, 'N')
	buf = append(buf, encodeTuple(row)...)
	return buf
}

// EncodeUpdate renders an Update message: 'U' + int32(oid) + optional
// ['O' + old tuple] + 'N' + new tuple.
func EncodeUpdate(oid uint32, newRow Row, oldRow *Row) []byte {
	buf := []byte{'U'}
	buf = writeInt32(buf, int32(oid))
	if oldRow != nil {
		buf = append(buf, 'O')
		buf = append(buf, encodeTuple(*oldRow)...)
	}
	buf = append(buf, 'N')
	buf = append(buf, encodeTuple(newRow)...)
	return buf
}

// EncodeDelete renders a Delete message: 'D' + int32(oid) + 'K' + tuple.
func EncodeDelete(oid uint32, oldRow Row) []byte {
	buf := []byte{'D'}
	buf = writeInt32(buf, int32(oid))
	buf = append(buf, 'K')
	buf = append(buf, encodeTuple(oldRow)...)
	return buf
}

// EncodeKeepalive renders the inner pgoutput-protocol keepalive payload:
// 'k' + int64(walEnd) + int64(ts adjusted) + byte(replyRequested). The
// caller wraps this with WrapCopyData before sending, matching the real
// protocol's Primary keepalive message.
func EncodeKeepalive(walEnd pglogrepl.LSN, ts time.Time, replyRequested bool) []byte {
	buf := []byte{'k'}
	buf = writeInt64(buf, int64(walEnd))
	buf = writeInt64(buf, adjustedMicros(ts))
	if replyRequested {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// WrapXLogData renders the XLogData envelope: 'w' + int64(walStart) +
// int64(walEnd) + int64(ts adjusted) + payload.
func WrapXLogData(walStart, walEnd pglogrepl.LSN, ts time.Time, payload []byte) []byte {
	buf := []byte{'w'}
	buf = writeInt64(buf, int64(walStart))
	buf = writeInt64(buf, int64(walEnd))
	buf = writeInt64(buf, adjustedMicros(ts))
	buf = append(buf, payload...)
	return buf
}

// WrapCopyData renders the CopyData frame: 'd' + int32(4 + len(inner)) +
// inner.
func WrapCopyData(inner []byte) []byte {
	buf := []byte{'d'}
	buf = writeInt32(buf, int32(4+len(inner)))
	buf = append(buf, inner...)
	return buf
}

// SortedColumns is a small helper for tests and callers that build a Row
// from an unordered map and want deterministic column order.
func SortedColumns(vals map[string]any) []string {
	cols := make([]string, 0, len(vals))
	for k := range vals {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
