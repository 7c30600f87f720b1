// Package changelog implements the durable, ordered capture of row
// mutations (spec component A): the internal schema, the trigger
// install/diff logic, and the read/purge operations the replication
// handler consumes. It talks to the embedded engine only through
// engine.Driver, so it carries no dependency on any concrete SQL engine.
package changelog

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/engine"
)

// InternalPrefix marks every table this package owns. Tables whose name
// starts with this prefix, plus the table literally named "migrations",
// are never triggered and are excluded from the published set.
const InternalPrefix = "_zero_"

const (
	tableWatermark = InternalPrefix + "watermark"
	tableChanges   = InternalPrefix + "changes"
	tableSlots     = InternalPrefix + "replication_slots"
	tableTriggers  = InternalPrefix + "triggers"
)

// ChangeRecord is the transient shape read from the change log (spec.md
// §3.8).
type ChangeRecord struct {
	ID        int64
	Watermark int64
	TableName string
	Op        string
	RowData   string
	OldData   string
	ChangedAt time.Time
}

// Op values stored in _zero_changes.
const (
	OpInsert = "INSERT"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// IsExcluded reports whether table is never tracked: a table whose name,
// after any schema qualifier, is "migrations" or starts with
// InternalPrefix.
func IsExcluded(table string) bool {
	if i := strings.LastIndex(table, "."); i >= 0 {
		table = table[i+1:]
	}
	if table == "migrations" {
		return true
	}
	return strings.HasPrefix(table, InternalPrefix)
}

// CreateInternalSchema creates the watermark counter, change log,
// replication-slot, and trigger-tracking tables if they do not already
// exist. Safe to call repeatedly.
func CreateInternalSchema(ctx context.Context, d engine.Driver, inst engine.Instance) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tableWatermark + ` (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			value BIGINT NOT NULL
		)`,
		`INSERT INTO ` + tableWatermark + ` (id, value)
			SELECT 1, 0 WHERE NOT EXISTS (SELECT 1 FROM ` + tableWatermark + ` WHERE id = 1)`,
		`CREATE TABLE IF NOT EXISTS ` + tableChanges + ` (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			watermark BIGINT NOT NULL,
			table_name TEXT NOT NULL,
			op TEXT NOT NULL,
			row_data TEXT,
			old_data TEXT,
			changed_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tableSlots + ` (
			slot_name TEXT PRIMARY KEY,
			restart_lsn TEXT NOT NULL,
			confirmed_flush_lsn TEXT NOT NULL,
			wal_status TEXT NOT NULL,
			plugin TEXT NOT NULL,
			slot_type TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			active_pid INTEGER,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + tableTriggers + ` (
			table_name TEXT PRIMARY KEY
		)`,
	}
	for _, stmt := range stmts {
		if err := d.Exec(ctx, inst, stmt); err != nil {
			return errors.Wrapf(err, "changelog: create internal schema")
		}
	}
	return nil
}

// nextWatermark atomically advances and returns the watermark counter.
// UPDATE ... RETURNING keeps this to a single round trip and a single
// source of ordering truth, portable across SQLite and Postgres-family
// engines alike.
func nextWatermark(ctx context.Context, d engine.Driver, inst engine.Instance) (int64, error) {
	rows, err := d.Query(ctx, inst, `UPDATE `+tableWatermark+` SET value = value + 1 WHERE id = 1 RETURNING value`)
	if err != nil {
		return 0, errors.Wrap(err, "changelog: advance watermark")
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, errors.New("changelog: watermark row missing")
	}
	var value int64
	if err := rows.Scan(&value); err != nil {
		return 0, errors.Wrap(err, "changelog: scan watermark")
	}
	return value, nil
}

// RecordChange inserts one row into the change log, assigning the next
// watermark. It is the Go-side equivalent of what the installed trigger
// does inside the engine; exposed directly for tests and for engines
// where trigger support is unavailable.
func RecordChange(ctx context.Context, d engine.Driver, inst engine.Instance, table, op, rowData, oldData string) error {
	watermark, err := nextWatermark(ctx, d, inst)
	if err != nil {
		return err
	}
	err = d.Exec(ctx, inst,
		`INSERT INTO `+tableChanges+` (watermark, table_name, op, row_data, old_data, changed_at) VALUES (?, ?, ?, ?, ?, ?)`,
		watermark, table, op, nullable(rowData), nullable(oldData), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "changelog: record change")
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CurrentWatermark returns 0 before any insert, otherwise the value last
// assigned by nextWatermark.
func CurrentWatermark(ctx context.Context, d engine.Driver, inst engine.Instance) (int64, error) {
	rows, err := d.Query(ctx, inst, `SELECT value FROM `+tableWatermark+` WHERE id = 1`)
	if err != nil {
		return 0, errors.Wrap(err, "changelog: current watermark")
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, nil
	}
	var value int64
	if err := rows.Scan(&value); err != nil {
		return 0, errors.Wrap(err, "changelog: scan current watermark")
	}
	return value, nil
}

// ChangesSince returns at most limit change records with watermark
// strictly greater than since, ordered by watermark ascending.
func ChangesSince(ctx context.Context, d engine.Driver, inst engine.Instance, since int64, limit int) ([]ChangeRecord, error) {
	rows, err := d.Query(ctx, inst,
		`SELECT id, watermark, table_name, op, COALESCE(row_data, ''), COALESCE(old_data, ''), changed_at
			FROM `+tableChanges+`
			WHERE watermark > ?
			ORDER BY watermark ASC
			LIMIT ?`,
		since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "changelog: changes since")
	}
	defer rows.Close()

	var out []ChangeRecord
	for rows.Next() {
		var rec ChangeRecord
		if err := rows.Scan(&rec.ID, &rec.Watermark, &rec.TableName, &rec.Op, &rec.RowData, &rec.OldData, &rec.ChangedAt); err != nil {
			return nil, errors.Wrap(err, "changelog: scan change")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "changelog: iterate changes")
	}
	return out, nil
}

// PurgeUpTo deletes every change with watermark <= upTo and returns the
// number of rows removed. Callers must only purge watermarks already
// consumed by every replication connection.
func PurgeUpTo(ctx context.Context, d engine.Driver, inst engine.Instance, upTo int64) (int64, error) {
	before, err := countChanges(ctx, d, inst)
	if err != nil {
		return 0, err
	}
	if err := d.Exec(ctx, inst, `DELETE FROM `+tableChanges+` WHERE watermark <= ?`, upTo); err != nil {
		return 0, errors.Wrap(err, "changelog: purge")
	}
	after, err := countChanges(ctx, d, inst)
	if err != nil {
		return 0, err
	}
	return before - after, nil
}

func countChanges(ctx context.Context, d engine.Driver, inst engine.Instance) (int64, error) {
	rows, err := d.Query(ctx, inst, `SELECT COUNT(*) FROM `+tableChanges)
	if err != nil {
		return 0, errors.Wrap(err, "changelog: count")
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, nil
	}
	var n int64
	if err := rows.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "changelog: scan count")
	}
	return n, nil
}

// ResetWatermarkSequence sets the watermark counter back to zero and
// truncates the change log and slot tables. Used by the supervisor's full
// reset operation.
func ResetWatermarkSequence(ctx context.Context, d engine.Driver, inst engine.Instance) error {
	stmts := []string{
		`DELETE FROM ` + tableChanges,
		`DELETE FROM ` + tableSlots,
		`UPDATE ` + tableWatermark + ` SET value = 0 WHERE id = 1`,
	}
	for _, stmt := range stmts {
		if err := d.Exec(ctx, inst, stmt); err != nil {
			return errors.Wrap(err, "changelog: reset watermark sequence")
		}
	}
	return nil
}
