// Package enginetest provides a pure-Go fake of engine.Driver backed by
// modernc.org/sqlite, so changelog/instance/replication tests exercise a
// real SQL engine without depending on the out-of-scope production
// embedded engine. It is grounded on the teacher's catalog.DatabaseProvider
// (one connection pool per named instance) and on
// github.com/jackc/pgx/v5/pgproto3 for the minimal protocol passthrough
// ExecProtocolRaw needs to support.
package enginetest

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/natew/orez/engine"
	"github.com/natew/orez/wire"
)

// Driver is an engine.Driver backed by one in-memory SQLite database per
// instance name.
type Driver struct{}

// NewDriver returns a fresh sqlite-backed fake driver.
func NewDriver() *Driver {
	return &Driver{}
}

type instance struct {
	name string
	db   *sqlx.DB
}

func (i *instance) Name() string { return i.name }

// Open creates a new in-memory (or file-backed, if dir is a real path with
// a dsn-shaped suffix) SQLite database. dir is used verbatim as the DSN
// suffix so tests can request either ":memory:" or a temp-file path.
func (d *Driver) Open(ctx context.Context, dir string, opts engine.Options) (engine.Instance, error) {
	dsn := dir
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "enginetest: open %q", dsn)
	}
	// sqlite's driver does not support real concurrent writers; a single
	// connection keeps test behavior deterministic and mirrors the
	// instance package's single-mutex-per-instance discipline anyway.
	db.SetMaxOpenConns(1)
	// Callers address user tables as public.<name>; attaching an in-memory
	// database under that name lets such references resolve. Tables
	// created under public do not persist past the connection.
	if _, err := db.ExecContext(ctx, `ATTACH DATABASE ':memory:' AS public`); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "enginetest: attach public schema for %q", dsn)
	}
	return &instance{name: dsn, db: db}, nil
}

func (d *Driver) WaitReady(ctx context.Context, inst engine.Instance) error {
	i := inst.(*instance)
	return i.db.PingContext(ctx)
}

func (d *Driver) Exec(ctx context.Context, inst engine.Instance, sqlText string, args ...any) error {
	i := inst.(*instance)
	_, err := i.db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return errors.Wrapf(err, "enginetest: exec")
	}
	return nil
}

func (d *Driver) Query(ctx context.Context, inst engine.Instance, sqlText string, args ...any) (engine.Rows, error) {
	i := inst.(*instance)
	rows, err := i.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "enginetest: query")
	}
	return &rowsAdapter{rows: rows}, nil
}

func (d *Driver) Close(ctx context.Context, inst engine.Instance) error {
	i := inst.(*instance)
	return i.db.Close()
}

// ExecProtocolRaw decodes exactly one client-framed message (Query,
// Parse+Bind+Describe+Execute are not supported by this fake — Query is
// enough to exercise the proxy's passthrough path in tests) and returns a
// minimal RowDescription/DataRow*/CommandComplete backend framing.
func (d *Driver) ExecProtocolRaw(ctx context.Context, inst engine.Instance, wireBytes []byte, opts engine.Options) ([]byte, error) {
	i := inst.(*instance)

	frontend := pgproto3.NewFrontend(bytes.NewReader(wireBytes), io.Discard)
	msg, err := frontend.Receive()
	if err != nil {
		return nil, errors.Wrapf(err, "enginetest: decode client message")
	}

	query, ok := msg.(*pgproto3.Query)
	if !ok {
		return nil, errors.Newf("enginetest: unsupported message type %T", msg)
	}

	rows, err := i.db.QueryxContext(ctx, query.String)
	if err != nil {
		return wire.EncodeBackendMessages(
			&pgproto3.ErrorResponse{Severity: "ERROR", Code: "XX000", Message: err.Error()},
			&pgproto3.ReadyForQuery{TxStatus: 'I'},
		)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "enginetest: columns")
	}

	fields := make([]pgproto3.FieldDescription, len(cols))
	for idx, name := range cols {
		fields[idx] = pgproto3.FieldDescription{
			Name:         []byte(name),
			DataTypeOID:  25, // text
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       0,
		}
	}
	msgs := []pgproto3.BackendMessage{&pgproto3.RowDescription{Fields: fields}}

	n := 0
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, errors.Wrap(err, "enginetest: scan")
		}
		values := make([][]byte, len(vals))
		for idx, v := range vals {
			values[idx] = stringify(v)
		}
		msgs = append(msgs, &pgproto3.DataRow{Values: values})
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "enginetest: rows")
	}

	msgs = append(msgs,
		&pgproto3.CommandComplete{CommandTag: []byte("SELECT " + strconv.Itoa(n))},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	return wire.EncodeBackendMessages(msgs...)
}

func stringify(v any) []byte {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case []byte:
		return t
	case string:
		return []byte(t)
	default:
		return []byte(fmt.Sprintf("%v", t))
	}
}

type rowsAdapter struct {
	rows *sql.Rows
}

func (r *rowsAdapter) Next() bool                        { return r.rows.Next() }
func (r *rowsAdapter) Scan(dest ...any) error             { return r.rows.Scan(dest...) }
func (r *rowsAdapter) Columns() ([]string, error)         { return r.rows.Columns() }
func (r *rowsAdapter) Err() error                         { return r.rows.Err() }
func (r *rowsAdapter) Close() error                       { return r.rows.Close() }
