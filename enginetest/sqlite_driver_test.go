package enginetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/natew/orez/engine"
)

func TestDriverExecAndQuery(t *testing.T) {
	ctx := context.Background()
	var d engine.Driver = NewDriver()

	inst, err := d.Open(ctx, ":memory:", engine.Options{})
	require.NoError(t, err)
	require.NoError(t, d.WaitReady(ctx, inst))
	defer d.Close(ctx, inst)

	require.NoError(t, d.Exec(ctx, inst, "create table widgets (id integer primary key, name text)"))
	require.NoError(t, d.Exec(ctx, inst, "insert into widgets (id, name) values (1, 'gear')"))

	rows, err := d.Query(ctx, inst, "select id, name from widgets")
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var id int
	var name string
	require.NoError(t, rows.Scan(&id, &name))
	require.Equal(t, 1, id)
	require.Equal(t, "gear", name)
	require.False(t, rows.Next())
}

func TestDriverExecProtocolRaw(t *testing.T) {
	ctx := context.Background()
	d := NewDriver()

	inst, err := d.Open(ctx, ":memory:", engine.Options{})
	require.NoError(t, err)
	defer d.Close(ctx, inst)

	require.NoError(t, d.Exec(ctx, inst, "create table t (v text)"))
	require.NoError(t, d.Exec(ctx, inst, "insert into t (v) values ('hello')"))

	wire := encodeQuery("select v from t")
	resp, err := d.ExecProtocolRaw(ctx, inst, wire, engine.Options{})
	require.NoError(t, err)
	require.Contains(t, string(resp), "hello")
	require.Contains(t, string(resp), "SELECT 1")
}

func encodeQuery(sql string) []byte {
	body := append([]byte(sql), 0)
	msg := make([]byte, 0, 5+len(body))
	msg = append(msg, 'Q')
	length := 4 + len(body)
	msg = append(msg, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	msg = append(msg, body...)
	return msg
}
