// Package engine defines the opaque boundary to the embedded SQL engine.
// Nothing in this repository depends on a concrete engine implementation;
// every other package talks to an engine.Driver and an engine.Instance,
// both interfaces, so the storage/query layer can be swapped without
// touching the proxy, replication, or supervisor code.
package engine

import "context"

// Options carries engine-specific startup parameters. The zero value
// means "defaults".
type Options struct {
	// ReadOnly opens the instance without allowing writes. No caller in
	// this repository sets it, and the enginetest fake ignores it.
	ReadOnly bool
}

// Instance is an opaque handle to one running embedded-engine instance.
// Callers never inspect it; they only pass it back to the Driver that
// produced it.
type Instance interface {
	// Name returns the instance's configured name, e.g. "postgres",
	// "cvr", "cdb" — used only for logging.
	Name() string
}

// Rows is the typed result of a Query call. It follows the same
// Next/Scan/Close shape as database/sql.Rows so adapters can wrap a real
// driver with minimal glue.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Driver is the consumed interface to the embedded SQL engine (spec.md
// §6). Every method may block and must be safe to call from multiple
// goroutines provided the caller does not issue overlapping calls against
// the same Instance — serializing per-instance access is component G's
// (instance package) job, not the Driver's.
type Driver interface {
	// Open starts or attaches to an instance rooted at dir.
	Open(ctx context.Context, dir string, opts Options) (Instance, error)

	// WaitReady blocks until the instance can accept statements.
	WaitReady(ctx context.Context, inst Instance) error

	// Exec runs one or more statements and discards any result rows.
	Exec(ctx context.Context, inst Instance, sql string, args ...any) error

	// Query runs a statement expected to return rows.
	Query(ctx context.Context, inst Instance, sql string, args ...any) (Rows, error)

	// ExecProtocolRaw consumes a client-framed wire message (Query, Parse,
	// Bind, Describe, or Execute) and returns the backend-framed response
	// bytes, for direct protocol passthrough. opts is engine-specific and
	// may be nil.
	ExecProtocolRaw(ctx context.Context, inst Instance, wireBytes []byte, opts Options) ([]byte, error)

	// Close shuts the instance down.
	Close(ctx context.Context, inst Instance) error
}
