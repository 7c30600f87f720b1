package instance

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natew/orez/changelog"
	"github.com/natew/orez/engine"
	"github.com/natew/orez/enginetest"
)

// skipPublicationDDLDriver no-ops the real CREATE/ALTER PUBLICATION
// statements SyncPublication issues, which no test engine understands
// natively, while passing the tracking-table bookkeeping through to a
// real SQLite instance.
type skipPublicationDDLDriver struct {
	engine.Driver
}

func (d skipPublicationDDLDriver) Exec(ctx context.Context, inst engine.Instance, sql string, args ...any) error {
	trimmed := strings.TrimSpace(sql)
	if strings.HasPrefix(trimmed, "CREATE PUBLICATION") || strings.HasPrefix(trimmed, "ALTER PUBLICATION") {
		return nil
	}
	return d.Driver.Exec(ctx, inst, sql, args...)
}

func newPublicationTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	d := skipPublicationDDLDriver{Driver: enginetest.NewDriver()}
	m, err := Open(context.Background(), d, dir)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close(context.Background()) })
	return m
}

func TestSyncPublicationAddsCandidateTables(t *testing.T) {
	m := newPublicationTestManager(t)
	ctx := context.Background()

	lister := func(ctx context.Context) ([]string, error) {
		return []string{"public.widgets", "migrations", changelog.InternalPrefix + "changes"}, nil
	}

	require.NoError(t, m.SyncPublication(ctx, "zero_app_public", false, lister))

	var members map[string]bool
	require.NoError(t, m.WithInstance(ctx, Postgres, func(inst engine.Instance) error {
		var err error
		members, err = publicationMembers(ctx, m.driver, inst)
		return err
	}))
	require.Equal(t, map[string]bool{"public.widgets": true}, members)
}

func TestSyncPublicationIsIdempotent(t *testing.T) {
	m := newPublicationTestManager(t)
	ctx := context.Background()
	lister := func(ctx context.Context) ([]string, error) { return []string{"public.widgets"}, nil }

	require.NoError(t, m.SyncPublication(ctx, "zero_app_public", false, lister))
	require.NoError(t, m.SyncPublication(ctx, "zero_app_public", false, lister))

	var members map[string]bool
	require.NoError(t, m.WithInstance(ctx, Postgres, func(inst engine.Instance) error {
		var err error
		members, err = publicationMembers(ctx, m.driver, inst)
		return err
	}))
	require.Len(t, members, 1)
}

func TestSyncPublicationNoopForUserSuppliedPublication(t *testing.T) {
	m := newPublicationTestManager(t)
	ctx := context.Background()
	called := false
	lister := func(ctx context.Context) ([]string, error) {
		called = true
		return nil, nil
	}

	require.NoError(t, m.SyncPublication(ctx, "existing_publication", true, lister))
	require.False(t, called)
}
