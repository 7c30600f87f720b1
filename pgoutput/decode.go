package pgoutput

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pglogrepl"
)

// DecodedBegin, DecodedCommit, DecodedRelation, and DecodedTuple are the
// standalone-decoder counterparts used by tests to assert the round-trip
// property: a message encoded by this package and re-parsed here yields
// the same logical fields.

type DecodedBegin struct {
	FinalLSN     pglogrepl.LSN
	CommitTime   time.Time
	TransactionID uint32
}

type DecodedCommit struct {
	Flags      byte
	LSN        pglogrepl.LSN
	EndLSN     pglogrepl.LSN
	CommitTime time.Time
}

type DecodedRelation struct {
	OID             uint32
	Schema          string
	Name            string
	ReplicaIdentity byte
	Columns         []ColumnDescriptor
}

type DecodedTuple struct {
	Values []*string // nil means SQL NULL
}

func readInt64(b []byte) (int64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errors.New("pgoutput: truncated int64")
	}
	return int64(binary.BigEndian.Uint64(b[:8])), b[8:], nil
}

func readInt32(b []byte) (int32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, errors.New("pgoutput: truncated int32")
	}
	return int32(binary.BigEndian.Uint32(b[:4])), b[4:], nil
}

func readInt16(b []byte) (int16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, errors.New("pgoutput: truncated int16")
	}
	return int16(binary.BigEndian.Uint16(b[:2])), b[2:], nil
}

func readCString(b []byte) (string, []byte, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), b[i+1:], nil
		}
	}
	return "", nil, errors.New("pgoutput: unterminated cstring")
}

func fromAdjustedMicros(adjusted int64) time.Time {
	return time.UnixMicro(adjusted + PGEpochMicros).UTC()
}

// DecodeBegin parses a Begin message produced by EncodeBegin.
func DecodeBegin(msg []byte) (DecodedBegin, error) {
	if len(msg) == 0 || msg[0] != 'B' {
		return DecodedBegin{}, errors.New("pgoutput: not a Begin message")
	}
	b := msg[1:]
	lsn, b, err := readInt64(b)
	if err != nil {
		return DecodedBegin{}, err
	}
	ts, b, err := readInt64(b)
	if err != nil {
		return DecodedBegin{}, err
	}
	xid, _, err := readInt32(b)
	if err != nil {
		return DecodedBegin{}, err
	}
	return DecodedBegin{
		FinalLSN:      pglogrepl.LSN(lsn),
		CommitTime:    fromAdjustedMicros(ts),
		TransactionID: uint32(xid),
	}, nil
}

// DecodeCommit parses a Commit message produced by EncodeCommit.
func DecodeCommit(msg []byte) (DecodedCommit, error) {
	if len(msg) == 0 || msg[0] != 'C' {
		return DecodedCommit{}, errors.New("pgoutput: not a Commit message")
	}
	if len(msg) < 2 {
		return DecodedCommit{}, errors.New("pgoutput: truncated Commit message")
	}
	flags := msg[1]
	b := msg[2:]
	lsn, b, err := readInt64(b)
	if err != nil {
		return DecodedCommit{}, err
	}
	endLSN, b, err := readInt64(b)
	if err != nil {
		return DecodedCommit{}, err
	}
	ts, _, err := readInt64(b)
	if err != nil {
		return DecodedCommit{}, err
	}
	return DecodedCommit{
		Flags:      flags,
		LSN:        pglogrepl.LSN(lsn),
		EndLSN:     pglogrepl.LSN(endLSN),
		CommitTime: fromAdjustedMicros(ts),
	}, nil
}

// DecodeRelation parses a Relation message produced by EncodeRelation.
func DecodeRelation(msg []byte) (DecodedRelation, error) {
	if len(msg) == 0 || msg[0] != 'R' {
		return DecodedRelation{}, errors.New("pgoutput: not a Relation message")
	}
	b := msg[1:]
	oid, b, err := readInt32(b)
	if err != nil {
		return DecodedRelation{}, err
	}
	schema, b, err := readCString(b)
	if err != nil {
		return DecodedRelation{}, err
	}
	name, b, err := readCString(b)
	if err != nil {
		return DecodedRelation{}, err
	}
	if len(b) < 1 {
		return DecodedRelation{}, errors.New("pgoutput: truncated relation identity byte")
	}
	ri := b[0]
	b = b[1:]
	n, b, err := readInt16(b)
	if err != nil {
		return DecodedRelation{}, err
	}
	cols := make([]ColumnDescriptor, 0, n)
	for i := 0; i < int(n); i++ {
		if len(b) < 1 {
			return DecodedRelation{}, errors.New("pgoutput: truncated column flags")
		}
		flags := b[0]
		b = b[1:]
		var cname string
		cname, b, err = readCString(b)
		if err != nil {
			return DecodedRelation{}, err
		}
		var typeOID, typeMod int32
		typeOID, b, err = readInt32(b)
		if err != nil {
			return DecodedRelation{}, err
		}
		typeMod, b, err = readInt32(b)
		if err != nil {
			return DecodedRelation{}, err
		}
		cols = append(cols, ColumnDescriptor{Name: cname, TypeOID: typeOID, TypeModVal: typeMod, KeyColumn: flags&1 != 0})
	}
	return DecodedRelation{
		OID:             uint32(oid),
		Schema:          schema,
		Name:            name,
		ReplicaIdentity: ri,
		Columns:         cols,
	}, nil
}

// decodeTupleBytes parses the int16(n) + ('n' | 't' + len + bytes)*
// tuple format shared by Insert/Update/Delete.
func decodeTupleBytes(b []byte) (DecodedTuple, []byte, error) {
	n, b, err := readInt16(b)
	if err != nil {
		return DecodedTuple{}, nil, err
	}
	values := make([]*string, 0, n)
	for i := 0; i < int(n); i++ {
		if len(b) < 1 {
			return DecodedTuple{}, nil, errors.New("pgoutput: truncated tuple value tag")
		}
		tag := b[0]
		b = b[1:]
		switch tag {
		case 'n':
			values = append(values, nil)
		case 't':
			var l int32
			l, b, err = readInt32(b)
			if err != nil {
				return DecodedTuple{}, nil, err
			}
			if len(b) < int(l) {
				return DecodedTuple{}, nil, errors.New("pgoutput: truncated tuple value bytes")
			}
			s := string(b[:l])
			b = b[l:]
			values = append(values, &s)
		default:
			return DecodedTuple{}, nil, errors.Newf("pgoutput: unknown tuple value tag %q", tag)
		}
	}
	return DecodedTuple{Values: values}, b, nil
}

// DecodeInsert parses an Insert message, returning the table OID and new
// tuple.
func DecodeInsert(msg []byte) (uint32, DecodedTuple, error) {
	if len(msg) == 0 || msg[0] != 'I' {
		return 0, DecodedTuple{}, errors.New("pgoutput: not an Insert message")
	}
	oid, b, err := readInt32(msg[1:])
	if err != nil {
		return 0, DecodedTuple{}, err
	}
	if len(b) < 1 || b[0] != 'N' {
		return 0, DecodedTuple{}, errors.New("pgoutput: insert missing 'N' tag")
	}
	tuple, _, err := decodeTupleBytes(b[1:])
	return uint32(oid), tuple, err
}

// DecodeUpdate parses an Update message, returning the table OID, the
// optional old tuple, and the new tuple.
func DecodeUpdate(msg []byte) (oid uint32, oldTuple *DecodedTuple, newTuple DecodedTuple, err error) {
	if len(msg) == 0 || msg[0] != 'U' {
		return 0, nil, DecodedTuple{}, errors.New("pgoutput: not an Update message")
	}
	o, b, err := readInt32(msg[1:])
	if err != nil {
		return 0, nil, DecodedTuple{}, err
	}
	oid = uint32(o)
	if len(b) < 1 {
		return 0, nil, DecodedTuple{}, errors.New("pgoutput: truncated update")
	}
	if b[0] == 'O' {
		var old DecodedTuple
		old, b, err = decodeTupleBytes(b[1:])
		if err != nil {
			return 0, nil, DecodedTuple{}, err
		}
		oldTuple = &old
	}
	if len(b) < 1 || b[0] != 'N' {
		return 0, nil, DecodedTuple{}, errors.New("pgoutput: update missing 'N' tag")
	}
	newTuple, _, err = decodeTupleBytes(b[1:])
	return oid, oldTuple, newTuple, err
}

// DecodeDelete parses a Delete message, returning the table OID and old
// tuple.
func DecodeDelete(msg []byte) (uint32, DecodedTuple, error) {
	if len(msg) == 0 || msg[0] != 'D' {
		return 0, DecodedTuple{}, errors.New("pgoutput: not a Delete message")
	}
	oid, b, err := readInt32(msg[1:])
	if err != nil {
		return 0, DecodedTuple{}, err
	}
	if len(b) < 1 || b[0] != 'K' {
		return 0, DecodedTuple{}, errors.New("pgoutput: delete missing 'K' tag")
	}
	tuple, _, err := decodeTupleBytes(b[1:])
	return uint32(oid), tuple, err
}

// String renders a decoded tuple value for assertions, mirroring
// fmt.Stringer without implementing it on the exported type.
func (t DecodedTuple) String() string {
	parts := make([]string, len(t.Values))
	for i, v := range t.Values {
		if v == nil {
			parts[i] = "<nil>"
		} else {
			parts[i] = *v
		}
	}
	return fmt.Sprintf("%v", parts)
}
