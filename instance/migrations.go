package instance

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/natew/orez/engine"
)

// statementBreakpoint is the literal marker migration files are split on
// (spec.md §4.7).
const statementBreakpoint = "--> statement-breakpoint"

// migrationsTrackingTable records applied migration names on the postgres
// instance. Named "migrations" exactly, matching the one name
// changelog.IsExcluded always excludes from change capture.
const migrationsTrackingTable = "migrations"

// journalFile is the optional ordered-list-of-stems index a migrations
// directory may provide instead of relying on sorted filename order.
const journalFile = "journal.json"

type journal struct {
	Entries []struct {
		Tag string `json:"tag"`
	} `json:"entries"`
}

// RunMigrations applies every not-yet-applied SQL file under dir, in
// order, against the postgres instance. Order comes from a journal file
// if present, otherwise a sorted filename scan. Each file is split on
// statementBreakpoint and each resulting statement executed individually.
func (m *Manager) RunMigrations(ctx context.Context, dir string) error {
	if dir == "" {
		return nil
	}

	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	stems, err := migrationStems(dir)
	if err != nil {
		return err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, stem := range stems {
		if applied[stem] {
			continue
		}
		if err := m.applyMigrationFile(ctx, dir, stem); err != nil {
			return errors.Wrapf(err, "instance: apply migration %q", stem)
		}
	}
	return nil
}

func migrationStems(dir string) ([]string, error) {
	if data, err := os.ReadFile(filepath.Join(dir, journalFile)); err == nil {
		var j journal
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, errors.Wrap(err, "instance: parse migrations journal")
		}
		stems := make([]string, 0, len(j.Entries))
		for _, e := range j.Entries {
			stems = append(stems, e.Tag)
		}
		return stems, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "instance: read migrations directory")
	}
	var stems []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		stems = append(stems, strings.TrimSuffix(e.Name(), ".sql"))
	}
	sort.Strings(stems)
	return stems, nil
}

func (m *Manager) ensureMigrationsTable(ctx context.Context) error {
	return m.WithInstance(ctx, Postgres, func(inst engine.Instance) error {
		return m.driver.Exec(ctx, inst, `CREATE TABLE IF NOT EXISTS `+migrationsTrackingTable+` (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`)
	})
}

func (m *Manager) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	out := map[string]bool{}
	err := m.WithInstance(ctx, Postgres, func(inst engine.Instance) error {
		rows, err := m.driver.Query(ctx, inst, `SELECT name FROM `+migrationsTrackingTable)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			out[name] = true
		}
		return rows.Err()
	})
	return out, err
}

func (m *Manager) applyMigrationFile(ctx context.Context, dir, stem string) error {
	path := filepath.Join(dir, stem+".sql")
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "instance: read migration file %q", path)
	}

	return m.WithInstance(ctx, Postgres, func(inst engine.Instance) error {
		for _, stmt := range splitStatements(string(data)) {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if err := m.driver.Exec(ctx, inst, stmt); err != nil {
				return err
			}
		}
		return m.driver.Exec(ctx, inst,
			`INSERT INTO `+migrationsTrackingTable+` (name, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, stem)
	})
}

// splitStatements splits file contents on the literal statement-breakpoint
// marker.
func splitStatements(contents string) []string {
	parts := strings.Split(contents, statementBreakpoint)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
