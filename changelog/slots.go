package changelog

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/engine"
)

// Slot is a durable replication-slot record (spec.md §3.5), also the shape
// returned by the _zero_replication_slots view redirect (spec.md §4.4).
type Slot struct {
	SlotName          string
	RestartLSN        string
	ConfirmedFlushLSN string
	WALStatus         string
	Plugin            string
	SlotType          string
	Active            bool
	ActivePID         int
	CreatedAt         time.Time
}

// UpsertSlot inserts or updates a slot row by primary key.
func UpsertSlot(ctx context.Context, d engine.Driver, inst engine.Instance, s Slot) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	err := d.Exec(ctx, inst, `
		INSERT INTO `+tableSlots+` (slot_name, restart_lsn, confirmed_flush_lsn, wal_status, plugin, slot_type, active, active_pid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slot_name) DO UPDATE SET
			restart_lsn = excluded.restart_lsn,
			confirmed_flush_lsn = excluded.confirmed_flush_lsn,
			wal_status = excluded.wal_status,
			active = excluded.active,
			active_pid = excluded.active_pid`,
		s.SlotName, s.RestartLSN, s.ConfirmedFlushLSN, s.WALStatus, s.Plugin, s.SlotType, s.Active, s.ActivePID, s.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "changelog: upsert slot %q", s.SlotName)
	}
	return nil
}

// DeleteSlot removes a slot row by name.
func DeleteSlot(ctx context.Context, d engine.Driver, inst engine.Instance, name string) error {
	if err := d.Exec(ctx, inst, `DELETE FROM `+tableSlots+` WHERE slot_name = ?`, name); err != nil {
		return errors.Wrapf(err, "changelog: delete slot %q", name)
	}
	return nil
}

// GetSlot returns the slot row for name, or nil if it does not exist.
func GetSlot(ctx context.Context, d engine.Driver, inst engine.Instance, name string) (*Slot, error) {
	rows, err := d.Query(ctx, inst, `
		SELECT slot_name, restart_lsn, confirmed_flush_lsn, wal_status, plugin, slot_type, active, active_pid, created_at
		FROM `+tableSlots+` WHERE slot_name = ?`, name)
	if err != nil {
		return nil, errors.Wrapf(err, "changelog: get slot %q", name)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	var s Slot
	var activePID *int
	if err := rows.Scan(&s.SlotName, &s.RestartLSN, &s.ConfirmedFlushLSN, &s.WALStatus, &s.Plugin, &s.SlotType, &s.Active, &activePID, &s.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "changelog: scan slot")
	}
	if activePID != nil {
		s.ActivePID = *activePID
	}
	return &s, nil
}

// ListSlots returns every slot row, ordered by name. It backs the
// supplemented operational-visibility read path described in
// SPEC_FULL.md §3.1, used by the supervisor to confirm a slot was
// actually dropped before recreating instances.
func ListSlots(ctx context.Context, d engine.Driver, inst engine.Instance) ([]Slot, error) {
	rows, err := d.Query(ctx, inst, `
		SELECT slot_name, restart_lsn, confirmed_flush_lsn, wal_status, plugin, slot_type, active, active_pid, created_at
		FROM `+tableSlots+` ORDER BY slot_name`)
	if err != nil {
		return nil, errors.Wrap(err, "changelog: list slots")
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		var s Slot
		var activePID *int
		if err := rows.Scan(&s.SlotName, &s.RestartLSN, &s.ConfirmedFlushLSN, &s.WALStatus, &s.Plugin, &s.SlotType, &s.Active, &activePID, &s.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "changelog: scan slot row")
		}
		if activePID != nil {
			s.ActivePID = *activePID
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
