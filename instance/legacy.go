package instance

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/natew/orez/engine"
)

// legacyDataDirName is the data directory name used before instances were
// split into three named subdirectories (spec.md §4.7).
const legacyDataDirName = "pgdata"

// migrateLegacyLayout renames dataDir/pgdata to dataDir/pgdata-postgres the
// first time a process sees it, so an existing single-instance deployment
// keeps its data under the postgres instance rather than starting fresh.
// It never touches a directory that already holds the named layout.
func migrateLegacyLayout(dataDir string) error {
	legacy := filepath.Join(dataDir, legacyDataDirName)
	target := dirFor(dataDir, Postgres)

	legacyInfo, err := os.Stat(legacy)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "instance: stat legacy data directory %q", legacy)
	}
	if !legacyInfo.IsDir() {
		return nil
	}

	if _, err := os.Stat(target); err == nil {
		// Named layout already exists; leave the legacy directory alone
		// rather than guess which one is authoritative.
		return nil
	}

	if err := os.Rename(legacy, target); err != nil {
		return errors.Wrapf(err, "instance: migrate legacy data directory %q to %q", legacy, target)
	}
	return nil
}

// extensionsToInstall lists the extensions the postgres instance needs at
// startup. Only the postgres instance carries application schema and
// user-facing SQL functions; cvr and cdb are internal bookkeeping
// instances and never need these.
var extensionsToInstall = []string{
	"pgcrypto",
	"uuid-ossp",
}

// installExtensions creates extensionsToInstall on the postgres instance
// only. Not every embedded engine speaks Postgres's CREATE EXTENSION
// syntax (DuckDB's own INSTALL/LOAD differs, and a bare test fake has
// neither), so a failure here is logged and swallowed rather than
// treated as fatal startup failure.
func (m *Manager) installExtensions(ctx context.Context) error {
	return m.WithInstance(ctx, Postgres, func(inst engine.Instance) error {
		for _, ext := range extensionsToInstall {
			if err := m.driver.Exec(ctx, inst, `CREATE EXTENSION IF NOT EXISTS "`+ext+`"`); err != nil {
				logrus.WithError(err).WithField("extension", ext).Debug("instance: extension install skipped")
			}
		}
		return nil
	})
}
