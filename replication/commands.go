package replication

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/natew/orez/changelog"
	"github.com/natew/orez/engine"
	"github.com/natew/orez/wire"
)

// Row is a single result row of a synthesized command response, column
// order significant.
type Row struct {
	Columns []string
	Values  []string
}

// CommandResult is what the replication command table returns for a
// recognized command: either a row set (IDENTIFY_SYSTEM-shaped) or a bare
// CommandComplete tag, never both.
type CommandResult struct {
	Handled bool
	Rows    []Row
	Tag     string
}

var (
	createSlotPattern = regexp.MustCompile(`(?i)^CREATE_REPLICATION_SLOT\s+"?([A-Za-z0-9_]+)"?\s*(TEMPORARY)?\s*LOGICAL\s+pgoutput(\s+NOEXPORT_SNAPSHOT)?`)
	dropSlotPattern   = regexp.MustCompile(`(?i)^DROP_REPLICATION_SLOT\s+"?([A-Za-z0-9_]+)"?`)
	alterRolePattern  = regexp.MustCompile(`(?i)^ALTER\s+ROLE\b.*\bREPLICATION\b`)
	walLevelPattern   = regexp.MustCompile(`(?i)WAL_LEVEL`)
	currentSetting    = regexp.MustCompile(`(?i)CURRENT_SETTING`)
)

// HandleCommand implements the replication command table of spec.md §4.5.
// sql is the raw query text; surrounding whitespace and one trailing
// semicolon are stripped here before matching.
func HandleCommand(ctx context.Context, d engine.Driver, inst engine.Instance, lsns *LSNGenerator, sql string) (CommandResult, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))

	switch {
	case strings.EqualFold(trimmed, "IDENTIFY_SYSTEM"):
		return CommandResult{
			Handled: true,
			Rows: []Row{{
				Columns: []string{"systemid", "timeline", "xlogpos", "dbname"},
				Values:  []string{"1234567890", "1", FormatLSN(lsns.Current()), "postgres"},
			}},
		}, nil

	case createSlotPattern.MatchString(trimmed):
		m := createSlotPattern.FindStringSubmatch(trimmed)
		name := m[1]
		lsn := lsns.Next()
		err := changelog.UpsertSlot(ctx, d, inst, changelog.Slot{
			SlotName:          name,
			RestartLSN:        FormatLSN(lsn),
			ConfirmedFlushLSN: FormatLSN(lsn),
			WALStatus:         "reserved",
			Plugin:            "pgoutput",
			SlotType:          "logical",
			Active:            true,
		})
		if err != nil {
			return CommandResult{}, errors.Wrap(err, "replication: create slot")
		}
		return CommandResult{
			Handled: true,
			Rows: []Row{{
				Columns: []string{"slot_name", "consistent_point", "snapshot_name", "output_plugin"},
				Values:  []string{name, FormatLSN(lsn), uuid.NewString(), "pgoutput"},
			}},
		}, nil

	case dropSlotPattern.MatchString(trimmed):
		m := dropSlotPattern.FindStringSubmatch(trimmed)
		name := m[1]
		if err := changelog.DeleteSlot(ctx, d, inst, name); err != nil {
			return CommandResult{}, errors.Wrap(err, "replication: drop slot")
		}
		return CommandResult{Handled: true, Tag: "DROP_REPLICATION_SLOT"}, nil

	case alterRolePattern.MatchString(trimmed):
		return CommandResult{Handled: true, Tag: "ALTER ROLE"}, nil

	case walLevelPattern.MatchString(trimmed) && currentSetting.MatchString(trimmed):
		return CommandResult{
			Handled: true,
			Rows: []Row{{
				Columns: []string{"walLevel", "version"},
				Values:  []string{"logical", "160004"},
			}},
		}, nil

	default:
		return CommandResult{Handled: false}, nil
	}
}

// EncodeRowsResponse renders a CommandResult's Rows as
// RowDescription+DataRow(s)+CommandComplete, the shape every row-returning
// replication command (IDENTIFY_SYSTEM, CREATE_REPLICATION_SLOT, the
// wal_level probe) shares.
func EncodeRowsResponse(result CommandResult, tag string) ([]byte, error) {
	if len(result.Rows) == 0 {
		return wire.EncodeBackendMessages(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
	}
	cols := result.Rows[0].Columns
	fields := make([]pgproto3.FieldDescription, len(cols))
	for i, name := range cols {
		fields[i] = pgproto3.FieldDescription{Name: []byte(name), DataTypeOID: 25, DataTypeSize: -1, TypeModifier: -1}
	}

	msgs := []pgproto3.BackendMessage{&pgproto3.RowDescription{Fields: fields}}
	for _, row := range result.Rows {
		values := make([][]byte, len(row.Values))
		for i, v := range row.Values {
			values[i] = []byte(v)
		}
		msgs = append(msgs, &pgproto3.DataRow{Values: values})
	}
	msgs = append(msgs, &pgproto3.CommandComplete{CommandTag: []byte(tag)})
	return wire.EncodeBackendMessages(msgs...)
}

// EncodeTagResponse renders a tag-only CommandResult as a bare
// CommandComplete.
func EncodeTagResponse(result CommandResult) ([]byte, error) {
	return wire.EncodeBackendMessages(&pgproto3.CommandComplete{CommandTag: []byte(result.Tag)})
}

// nowMicros is a small seam kept separate from time.Now so tests can
// control the clock if ever needed; currently a direct passthrough.
func nowMicros() time.Time {
	return time.Now().UTC()
}
