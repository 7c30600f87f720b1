package instance

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/changelog"
	"github.com/natew/orez/engine"
)

// publicationMembersTable tracks which tables this system has added to
// the managed publication. The production embedded engine is assumed
// Postgres-compatible and does carry a real CREATE/ALTER PUBLICATION, but
// discovering current membership portably (without depending on
// pg_publication_tables, which an opaque test engine won't have) is done
// by tracking membership here instead of re-deriving it from the engine.
const publicationMembersTable = changelog.InternalPrefix + "publication_members"

// TableLister enumerates candidate tables to publish, schema-qualified.
// The instance package does not know how to introspect the embedded
// engine's catalog itself (spec.md §6 keeps the Driver interface to
// open/wait_ready/exec/query/exec_protocol_raw/close); callers supply
// this via a query appropriate to the concrete engine in use (e.g. an
// information_schema.tables scan for a real Postgres-compatible engine).
type TableLister func(ctx context.Context) ([]string, error)

// SyncPublication creates the named publication if it does not exist and
// adds every table TableLister returns that is not internal and not
// already a member (spec.md §4.7, §3.4). User-supplied publications
// (userSupplied=true) are read-only to the system: SyncPublication
// becomes a no-op.
func (m *Manager) SyncPublication(ctx context.Context, name string, userSupplied bool, tables TableLister) error {
	if userSupplied {
		return nil
	}

	return m.WithInstance(ctx, Postgres, func(inst engine.Instance) error {
		if err := ensurePublicationTracking(ctx, m.driver, inst); err != nil {
			return err
		}
		if err := ensurePublicationExists(ctx, m.driver, inst, name); err != nil {
			return err
		}

		candidates, err := tables(ctx)
		if err != nil {
			return errors.Wrap(err, "instance: list candidate tables")
		}

		members, err := publicationMembers(ctx, m.driver, inst)
		if err != nil {
			return err
		}

		for _, table := range candidates {
			if changelog.IsExcluded(table) || members[table] {
				continue
			}
			if err := addPublicationTable(ctx, m.driver, inst, name, table); err != nil {
				return err
			}
		}
		return nil
	})
}

func ensurePublicationTracking(ctx context.Context, d engine.Driver, inst engine.Instance) error {
	return d.Exec(ctx, inst, `CREATE TABLE IF NOT EXISTS `+publicationMembersTable+` (
		publication_name TEXT NOT NULL,
		table_name TEXT NOT NULL,
		PRIMARY KEY (publication_name, table_name)
	)`)
}

func ensurePublicationExists(ctx context.Context, d engine.Driver, inst engine.Instance, name string) error {
	return d.Exec(ctx, inst, `CREATE PUBLICATION `+quoteIdent(name)+` FOR TABLES IN SCHEMA NONE`)
}

func publicationMembers(ctx context.Context, d engine.Driver, inst engine.Instance) (map[string]bool, error) {
	rows, err := d.Query(ctx, inst, `SELECT table_name FROM `+publicationMembersTable)
	if err != nil {
		return nil, errors.Wrap(err, "instance: list publication members")
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out[t] = true
	}
	return out, rows.Err()
}

func addPublicationTable(ctx context.Context, d engine.Driver, inst engine.Instance, publication, table string) error {
	if err := d.Exec(ctx, inst, `ALTER PUBLICATION `+quoteIdent(publication)+` ADD TABLE `+table); err != nil {
		return errors.Wrapf(err, "instance: add %q to publication %q", table, publication)
	}
	return d.Exec(ctx, inst, `INSERT INTO `+publicationMembersTable+` (publication_name, table_name) VALUES (?, ?)`, publication, table)
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
