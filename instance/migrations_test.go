package instance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeMigrationFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".sql"), []byte(contents), 0o644))
}

func TestRunMigrationsAppliesInFilenameOrderWithoutJournal(t *testing.T) {
	migDir := t.TempDir()
	writeMigrationFile(t, migDir, "0001_create_widgets", `CREATE TABLE public.widgets (id TEXT PRIMARY KEY)`)
	writeMigrationFile(t, migDir, "0002_seed_widget", `INSERT INTO public.widgets (id) VALUES ('1')`+"\n"+statementBreakpoint+"\n"+`INSERT INTO public.widgets (id) VALUES ('2')`)

	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.RunMigrations(ctx, migDir))

	applied, err := m.appliedMigrations(ctx)
	require.NoError(t, err)
	require.True(t, applied["0001_create_widgets"])
	require.True(t, applied["0002_seed_widget"])
}

func TestRunMigrationsSkipsAlreadyApplied(t *testing.T) {
	migDir := t.TempDir()
	writeMigrationFile(t, migDir, "0001_create_widgets", `CREATE TABLE public.widgets (id TEXT PRIMARY KEY)`)

	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.RunMigrations(ctx, migDir))
	// Re-running must not attempt to re-create the table (which would error).
	require.NoError(t, m.RunMigrations(ctx, migDir))
}

func TestRunMigrationsUsesJournalOrderWhenPresent(t *testing.T) {
	migDir := t.TempDir()
	writeMigrationFile(t, migDir, "b_second", `CREATE TABLE public.second (id TEXT)`)
	writeMigrationFile(t, migDir, "a_first", `CREATE TABLE public.first (id TEXT)`)
	journal := `{"entries":[{"tag":"b_second"},{"tag":"a_first"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(migDir, journalFile), []byte(journal), 0o644))

	stems, err := migrationStems(migDir)
	require.NoError(t, err)
	require.Equal(t, []string{"b_second", "a_first"}, stems)
}

func TestSplitStatementsTrimsAndSplitsOnBreakpoint(t *testing.T) {
	contents := "ALTER TABLE t ADD COLUMN x TEXT;\n" + statementBreakpoint + "\nALTER TABLE t ADD COLUMN y TEXT;"
	stmts := splitStatements(contents)
	require.Len(t, stmts, 2)
	require.Equal(t, "ALTER TABLE t ADD COLUMN x TEXT;", stmts[0])
	require.Equal(t, "ALTER TABLE t ADD COLUMN y TEXT;", stmts[1])
}

func TestRunMigrationsNoopForEmptyDir(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.RunMigrations(context.Background(), ""))
}
