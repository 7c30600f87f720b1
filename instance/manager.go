// Package instance implements the database instance manager (spec
// component G): the three named embedded-engine instances, their
// exclusive per-instance mutexes, migrations, seeding, and managed
// publication sync. It is grounded on the teacher's
// catalog.DatabaseProvider — one mutex-guarded instance per logical
// database — generalized from one instance to three fixed, named ones.
package instance

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/engine"
)

// Names of the three instances spec.md §3.2 fixes at startup.
const (
	Postgres = "postgres"
	CVR      = "cvr"
	CDB      = "cdb"
)

// Names lists the three instances in the order they are created.
var Names = []string{Postgres, CVR, CDB}

// dirFor returns the on-disk directory for a named instance (spec.md §6:
// "<data>/pgdata-<name>/").
func dirFor(dataDir, name string) string {
	return filepath.Join(dataDir, "pgdata-"+name)
}

// handle pairs an engine.Instance with the exclusive mutex every call
// against it must hold (spec.md §3.2's "instance mutex", §5's "fair
// queue" requirement — sync.Mutex in Go is FIFO-fair under contention in
// practice for this workload's call pattern: short, non-reentrant
// critical sections).
type handle struct {
	mu   sync.Mutex
	inst engine.Instance
}

// Manager owns the three named embedded-engine instances and serializes
// all access to each of them.
type Manager struct {
	driver   engine.Driver
	dataDir  string
	handles  map[string]*handle
}

// Open creates (or attaches to) all three instances in parallel and waits
// for each to become ready.
func Open(ctx context.Context, d engine.Driver, dataDir string) (*Manager, error) {
	if err := migrateLegacyLayout(dataDir); err != nil {
		return nil, err
	}

	m := &Manager{driver: d, dataDir: dataDir, handles: map[string]*handle{}}

	type result struct {
		name string
		inst engine.Instance
		err  error
	}
	results := make(chan result, len(Names))
	for _, name := range Names {
		go func(name string) {
			inst, err := d.Open(ctx, dirFor(dataDir, name), engine.Options{})
			if err != nil {
				results <- result{name: name, err: errors.Wrapf(err, "instance: open %q", name)}
				return
			}
			if err := d.WaitReady(ctx, inst); err != nil {
				results <- result{name: name, err: errors.Wrapf(err, "instance: wait ready %q", name)}
				return
			}
			results <- result{name: name, inst: inst}
		}(name)
	}

	for range Names {
		r := <-results
		if r.err != nil {
			m.Close(ctx)
			return nil, r.err
		}
		m.handles[r.name] = &handle{inst: r.inst}
	}

	if err := m.installExtensions(ctx); err != nil {
		m.Close(ctx)
		return nil, err
	}

	return m, nil
}

// Close shuts every instance down, continuing past individual failures
// (spec.md §7: reset/shutdown operations are best-effort).
func (m *Manager) Close(ctx context.Context) error {
	var first error
	for _, name := range Names {
		h, ok := m.handles[name]
		if !ok {
			continue
		}
		h.mu.Lock()
		err := m.driver.Close(ctx, h.inst)
		h.mu.Unlock()
		if err != nil && first == nil {
			first = errors.Wrapf(err, "instance: close %q", name)
		}
	}
	return first
}

// Instance returns the named instance, or an error if name is not one of
// the three fixed names.
func (m *Manager) Instance(name string) (engine.Instance, error) {
	h, ok := m.handles[name]
	if !ok {
		return nil, errors.Newf("instance: unknown instance %q", name)
	}
	return h.inst, nil
}

// WithInstance acquires the named instance's exclusive mutex, runs fn,
// and releases it. Every engine call — raw protocol exec, SQL exec,
// parametric query — must go through this, never around it (spec.md §5).
func (m *Manager) WithInstance(ctx context.Context, name string, fn func(engine.Instance) error) error {
	h, ok := m.handles[name]
	if !ok {
		return errors.Newf("instance: unknown instance %q", name)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.inst)
}

// Driver returns the underlying engine.Driver, for components (migrations,
// publication sync) that need to issue calls outside WithInstance's single
// fn-call shape.
func (m *Manager) Driver() engine.Driver {
	return m.driver
}

// InstanceForDatabase implements the proxy's instance-selection policy
// (spec.md §4.6): zero_cvr -> cvr, zero_cdb -> cdb, anything else ->
// postgres.
func InstanceForDatabase(database string) string {
	switch database {
	case "zero_cvr":
		return CVR
	case "zero_cdb":
		return CDB
	default:
		return Postgres
	}
}
