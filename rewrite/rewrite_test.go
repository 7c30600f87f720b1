package rewrite

import (
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/require"
)

func TestApplyVersionFunction(t *testing.T) {
	out := Apply("select version()")
	require.Contains(t, out, "PostgreSQL 16.4 on x86_64-pc-linux-gnu")
}

func TestApplyWalLevelSetting(t *testing.T) {
	out := Apply("select current_setting('wal_level')")
	require.Equal(t, "select 'logical'::text", out)
}

func TestApplyStripsReadOnly(t *testing.T) {
	out := Apply("BEGIN TRANSACTION READ ONLY")
	require.NotContains(t, out, "READ ONLY")
}

func TestApplyStripsIsolationLevel(t *testing.T) {
	out := Apply("SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	require.NotContains(t, out, "ISOLATION LEVEL")
}

func TestApplyCollapsesEmptySetTransaction(t *testing.T) {
	out := Apply("SET TRANSACTION ISOLATION LEVEL REPEATABLE READ;")
	require.Equal(t, ";", out)
}

func TestApplyRedirectsReplicationSlotsView(t *testing.T) {
	out := Apply("select * from pg_replication_slots")
	require.Contains(t, out, "_zero_replication_slots")
	require.NotContains(t, out, "pg_replication_slots")
}

func TestIsNoOpMatchesSetTransactionAndSession(t *testing.T) {
	require.True(t, IsNoOp("  SET TRANSACTION ISOLATION LEVEL READ COMMITTED"))
	require.True(t, IsNoOp("SET SESSION CHARACTERISTICS AS TRANSACTION READ WRITE"))
	require.False(t, IsNoOp("SELECT 1"))
}

func TestIsSubscriptionNoOp(t *testing.T) {
	require.True(t, IsSubscriptionNoOp("ALTER SUBSCRIPTION zero_sub REFRESH PUBLICATION"))
	require.True(t, IsSubscriptionNoOp("DROP SUBSCRIPTION zero_sub"))
	require.False(t, IsSubscriptionNoOp("CREATE SUBSCRIPTION zero_sub CONNECTION '' PUBLICATION p"))
}

func TestRewriteMessageBodyQuery(t *testing.T) {
	msg := &pgproto3.Query{String: "select version()"}
	rewritten, text, ok := RewriteMessageBody(msg)
	require.True(t, ok)
	require.Contains(t, text, "PostgreSQL 16.4")
	q, ok := rewritten.(*pgproto3.Query)
	require.True(t, ok)
	require.Equal(t, text, q.String)
}

func TestRewriteMessageBodyParse(t *testing.T) {
	msg := &pgproto3.Parse{Name: "s1", Query: "select version()"}
	rewritten, text, ok := RewriteMessageBody(msg)
	require.True(t, ok)
	p, ok := rewritten.(*pgproto3.Parse)
	require.True(t, ok)
	require.Equal(t, "s1", p.Name)
	require.Equal(t, text, p.Query)
}

func TestRewriteMessageBodyPassesThroughOtherTypes(t *testing.T) {
	msg := &pgproto3.Sync{}
	_, _, ok := RewriteMessageBody(msg)
	require.False(t, ok)
}

func TestSynthesizeSimpleQueryResponseShape(t *testing.T) {
	buf, err := SynthesizeSimpleQueryResponse('T')
	require.NoError(t, err)
	require.Equal(t, byte('C'), buf[0])
}

func TestSynthesizeParseResponseShape(t *testing.T) {
	buf, err := SynthesizeParseResponse()
	require.NoError(t, err)
	require.Equal(t, byte('1'), buf[0])
}
