package replication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/natew/orez/changelog"
	"github.com/natew/orez/engine"
	"github.com/natew/orez/pgoutput"
	"github.com/natew/orez/wire"
)

// DefaultPollInterval is the streaming loop's poll interval when no
// notification wakes it early (spec.md §4.5: "≈500 ms").
const DefaultPollInterval = 500 * time.Millisecond

// BatchSize is how many changes the streaming loop reads per iteration
// (spec.md §4.5).
const BatchSize = 100

// StreamState is the per-connection state the streaming loop maintains
// across iterations (spec.md §4.5 step 3): the watermark high-water mark
// and the set of tables a Relation has already been emitted for on this
// connection.
type StreamState struct {
	LastWatermark int64
	SeenRelation  map[string]bool
}

// NewStreamState returns a fresh state with last_watermark = 0.
func NewStreamState() *StreamState {
	return &StreamState{SeenRelation: map[string]bool{}}
}

// Sender delivers one fully-framed CopyData message to the replication
// client. Implementations must not block indefinitely (backpressure is
// expected, but a destroyed socket must surface as an error promptly).
type Sender func(frame []byte) error

// Locker serializes one engine call against an instance, mirroring
// instance.Manager.WithInstance's signature without this package
// depending on the instance package. A nil Locker runs fn unlocked,
// matching the direct driver access the tests here exercise.
type Locker func(fn func() error) error

// Run executes the START_REPLICATION streaming loop (spec.md §4.5) until
// ctx is canceled (connection close) or send returns an unrecoverable
// error. notify, if non-nil, is read from to wake the loop early instead
// of sleeping the full poll interval; it is never required for
// correctness, only latency. lock, if non-nil, wraps each per-iteration
// engine read so a long-lived replication connection never holds the
// instance's exclusive mutex across its idle poll interval (spec.md §3.2:
// "no two operations touch the same instance concurrently" applies per
// call, not for the connection's lifetime).
func Run(ctx context.Context, d engine.Driver, inst engine.Instance, lsns *LSNGenerator, oids *pgoutput.OIDAssigner, state *StreamState, send Sender, notify <-chan struct{}, lock Locker) error {
	frame, err := copyBothResponseFrame()
	if err != nil {
		return errors.Wrap(err, "replication: encode CopyBothResponse")
	}
	if err := send(frame); err != nil {
		return errors.Wrap(err, "replication: send CopyBothResponse")
	}
	if lock == nil {
		lock = func(fn func() error) error { return fn() }
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var batch []changelog.ChangeRecord
		err := lock(func() error {
			var readErr error
			batch, readErr = changelog.ChangesSince(ctx, d, inst, state.LastWatermark, BatchSize)
			return readErr
		})
		if err != nil {
			return errors.Wrap(err, "replication: read batch")
		}

		if len(batch) > 0 {
			if err := emitBatch(oids, lsns, batch, state, send); err != nil {
				return err
			}
			state.LastWatermark = batch[len(batch)-1].Watermark
		}

		if err := send(keepaliveFrame(lsns.Current())); err != nil {
			return errors.Wrap(err, "replication: send keepalive")
		}

		if !sleepOrWake(ctx, notify, DefaultPollInterval) {
			return nil
		}
	}
}

func sleepOrWake(ctx context.Context, notify <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-notify:
		return true
	}
}

func copyBothResponseFrame() ([]byte, error) {
	return wire.EncodeBackendMessages(&pgproto3.CopyBothResponse{OverallFormat: 0})
}

func keepaliveFrame(current pglogrepl.LSN) []byte {
	inner := pgoutput.EncodeKeepalive(current, nowMicros(), false)
	return pgoutput.WrapCopyData(inner)
}

func emitBatch(oids *pgoutput.OIDAssigner, lsns *LSNGenerator, batch []changelog.ChangeRecord, state *StreamState, send Sender) error {
	beginLSN := lsns.Next()
	now := nowMicros()
	xid := uint32(beginLSN & 0xFFFFFFFF)

	if err := send(wrapLogical(beginLSN, pgoutput.EncodeBegin(beginLSN, now, xid))); err != nil {
		return errors.Wrap(err, "replication: send Begin")
	}

	for _, change := range batch {
		if !state.SeenRelation[change.TableName] {
			cols, err := relationColumns(change)
			if err != nil {
				return err
			}
			oid := oids.OIDFor(change.TableName)
			schema, name := splitTableName(change.TableName)
			rel := pgoutput.EncodeRelation(oid, schema, name, pgoutput.ReplicaIdentityDefault, cols)
			if err := send(wrapLogical(beginLSN, rel)); err != nil {
				return errors.Wrap(err, "replication: send Relation")
			}
			state.SeenRelation[change.TableName] = true
		}

		msg, err := encodeChange(oids, change)
		if err != nil {
			return err
		}
		if err := send(wrapLogical(beginLSN, msg)); err != nil {
			return errors.Wrap(err, "replication: send change")
		}
	}

	endLSN := lsns.Next()
	commit := pgoutput.EncodeCommit(0, beginLSN, endLSN, now)
	if err := send(wrapLogical(endLSN, commit)); err != nil {
		return errors.Wrap(err, "replication: send Commit")
	}
	return nil
}

func wrapLogical(lsn pglogrepl.LSN, msg []byte) []byte {
	xlog := pgoutput.WrapXLogData(lsn, lsn, nowMicros(), msg)
	return pgoutput.WrapCopyData(xlog)
}

func relationColumns(change changelog.ChangeRecord) ([]pgoutput.ColumnDescriptor, error) {
	row, err := anyRow(change)
	if err != nil {
		return nil, err
	}
	return pgoutput.InferColumns(row), nil
}

func anyRow(change changelog.ChangeRecord) (pgoutput.Row, error) {
	data := change.RowData
	if data == "" {
		data = change.OldData
	}
	return decodeRow(data)
}

func decodeRow(data string) (pgoutput.Row, error) {
	if data == "" {
		return pgoutput.NewRow(nil, nil), nil
	}
	var vals map[string]any
	if err := json.Unmarshal([]byte(data), &vals); err != nil {
		return pgoutput.Row{}, errors.Wrap(err, "replication: decode row JSON")
	}
	cols := pgoutput.SortedColumns(vals)
	return pgoutput.NewRow(cols, vals), nil
}

func encodeChange(oids *pgoutput.OIDAssigner, change changelog.ChangeRecord) ([]byte, error) {
	oid := oids.OIDFor(change.TableName)
	switch change.Op {
	case changelog.OpInsert:
		row, err := decodeRow(change.RowData)
		if err != nil {
			return nil, err
		}
		return pgoutput.EncodeInsert(oid, row), nil
	case changelog.OpUpdate:
		newRow, err := decodeRow(change.RowData)
		if err != nil {
			return nil, err
		}
		if change.OldData == "" {
			return pgoutput.EncodeUpdate(oid, newRow, nil), nil
		}
		oldRow, err := decodeRow(change.OldData)
		if err != nil {
			return nil, err
		}
		return pgoutput.EncodeUpdate(oid, newRow, &oldRow), nil
	case changelog.OpDelete:
		oldRow, err := decodeRow(change.OldData)
		if err != nil {
			return nil, err
		}
		return pgoutput.EncodeDelete(oid, oldRow), nil
	default:
		return nil, errors.Newf("replication: unknown change op %q", change.Op)
	}
}

func splitTableName(qualified string) (schema, name string) {
	for i := len(qualified) - 1; i >= 0; i-- {
		if qualified[i] == '.' {
			return qualified[:i], qualified[i+1:]
		}
	}
	return "public", qualified
}
