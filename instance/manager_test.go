package instance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natew/orez/engine"
	"github.com/natew/orez/enginetest"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	d := enginetest.NewDriver()
	m, err := Open(context.Background(), d, dir)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m, dir
}

func TestOpenCreatesAllThreeInstances(t *testing.T) {
	m, _ := newTestManager(t)
	for _, name := range Names {
		inst, err := m.Instance(name)
		require.NoError(t, err)
		require.NotNil(t, inst)
	}
}

func TestInstanceUnknownName(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Instance("bogus")
	require.Error(t, err)
}

func TestWithInstanceRunsAgainstNamedInstance(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var seen string
	err := m.WithInstance(ctx, CVR, func(inst engine.Instance) error {
		seen = inst.Name()
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
}

func TestWithInstanceUnknownName(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.WithInstance(context.Background(), "bogus", func(inst engine.Instance) error {
		return nil
	})
	require.Error(t, err)
}

func TestInstanceForDatabase(t *testing.T) {
	require.Equal(t, CVR, InstanceForDatabase("zero_cvr"))
	require.Equal(t, CDB, InstanceForDatabase("zero_cdb"))
	require.Equal(t, Postgres, InstanceForDatabase("postgres"))
	require.Equal(t, Postgres, InstanceForDatabase("anything_else"))
}

func TestDirForNaming(t *testing.T) {
	require.Equal(t, filepath.Join("/data", "pgdata-postgres"), dirFor("/data", Postgres))
}

func TestMigrateLegacyLayoutRenamesExistingDir(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, legacyDataDirName)
	require.NoError(t, os.MkdirAll(legacy, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(legacy, "marker"), []byte("x"), 0o644))

	require.NoError(t, migrateLegacyLayout(dir))

	target := dirFor(dir, Postgres)
	_, err := os.Stat(filepath.Join(target, "marker"))
	require.NoError(t, err)
	_, err = os.Stat(legacy)
	require.True(t, os.IsNotExist(err))
}

func TestMigrateLegacyLayoutNoopWhenNoLegacyDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, migrateLegacyLayout(dir))
}

func TestMigrateLegacyLayoutLeavesBothWhenTargetAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, legacyDataDirName)
	target := dirFor(dir, Postgres)
	require.NoError(t, os.MkdirAll(legacy, 0o755))
	require.NoError(t, os.MkdirAll(target, 0o755))

	require.NoError(t, migrateLegacyLayout(dir))

	_, err := os.Stat(legacy)
	require.NoError(t, err)
}
