package instance

import (
	"context"
	"os"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/engine"
)

// seedProbeQuery is the emptiness check spec.md §4.7 names: the database
// is considered unseeded whenever this query fails (table does not exist
// yet) or returns zero.
const seedProbeQuery = `select count(*) from public."user"`

// Seed applies file's contents against the postgres instance iff
// seedProbeQuery returns a zero count (or no row) or errors. It is a no-op if file is
// empty or the database already looks seeded.
func (m *Manager) Seed(ctx context.Context, file string) error {
	if file == "" {
		return nil
	}

	empty, err := m.isUnseeded(ctx)
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return errors.Wrapf(err, "instance: read seed file %q", file)
	}

	return m.WithInstance(ctx, Postgres, func(inst engine.Instance) error {
		for _, stmt := range splitStatements(string(data)) {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if err := m.driver.Exec(ctx, inst, stmt); err != nil {
				return errors.Wrap(err, "instance: apply seed file")
			}
		}
		return nil
	})
}

// isUnseeded runs the probe query. A query error (most commonly: the
// table does not exist yet) counts as unseeded, same as a literal zero
// count (spec.md §4.7).
func (m *Manager) isUnseeded(ctx context.Context) (bool, error) {
	var unseeded bool
	err := m.WithInstance(ctx, Postgres, func(inst engine.Instance) error {
		rows, err := m.driver.Query(ctx, inst, seedProbeQuery)
		if err != nil {
			unseeded = true
			return nil
		}
		defer rows.Close()

		if !rows.Next() {
			unseeded = true
			return rows.Err()
		}
		var count int64
		if err := rows.Scan(&count); err != nil {
			unseeded = true
			return nil
		}
		unseeded = count == 0
		return rows.Err()
	})
	return unseeded, err
}
