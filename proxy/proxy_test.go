package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/natew/orez/enginetest"
	"github.com/natew/orez/instance"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	d := enginetest.NewDriver()
	mgr, err := instance.Open(ctx, d, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close(ctx) })

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	s := NewServer(d, mgr, "orez", "secret", log.WithField("component", "F"))
	_, err = s.Listen("127.0.0.1", 0)
	require.NoError(t, err)

	go s.Serve(ctx)
	t.Cleanup(func() { s.Close() })
	return s
}

func dialAndHandshake(t *testing.T, s *Server, database string) (net.Conn, *pgproto3.Frontend) {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	frontend := pgproto3.NewFrontend(conn, conn)
	params := map[string]string{"user": "orez", "database": database}
	frontend.Send(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: params})
	require.NoError(t, frontend.Flush())

	// AuthenticationCleartextPassword
	msg, err := frontend.Receive()
	require.NoError(t, err)
	require.IsType(t, &pgproto3.AuthenticationCleartextPassword{}, msg)

	frontend.Send(&pgproto3.PasswordMessage{Password: "secret"})
	require.NoError(t, frontend.Flush())

	for {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}
	return conn, frontend
}

func TestServerAcceptsConnectionAndRunsSimpleQuery(t *testing.T) {
	s := newTestServer(t)
	conn, frontend := dialAndHandshake(t, s, "postgres")
	defer conn.Close()

	frontend.Send(&pgproto3.Query{String: "CREATE TABLE public.widgets (id TEXT)"})
	require.NoError(t, frontend.Flush())

	sawCommandComplete := false
	for {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.CommandComplete); ok {
			sawCommandComplete = true
		}
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}
	require.True(t, sawCommandComplete)
}

func TestServerSynthesizesNoOpSetTransactionResponse(t *testing.T) {
	s := newTestServer(t)
	conn, frontend := dialAndHandshake(t, s, "postgres")
	defer conn.Close()

	frontend.Send(&pgproto3.Query{String: "SET TRANSACTION READ ONLY"})
	require.NoError(t, frontend.Flush())

	msg, err := frontend.Receive()
	require.NoError(t, err)
	cc, ok := msg.(*pgproto3.CommandComplete)
	require.True(t, ok)
	require.Equal(t, "SET", string(cc.CommandTag))
}

func TestServerRejectsBadPassword(t *testing.T) {
	s := newTestServer(t)
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	frontend := pgproto3.NewFrontend(conn, conn)
	frontend.Send(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{"user": "orez", "database": "postgres"}})
	require.NoError(t, frontend.Flush())

	msg, err := frontend.Receive()
	require.NoError(t, err)
	require.IsType(t, &pgproto3.AuthenticationCleartextPassword{}, msg)

	frontend.Send(&pgproto3.PasswordMessage{Password: "wrong"})
	require.NoError(t, frontend.Flush())

	msg, err = frontend.Receive()
	require.NoError(t, err)
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok)
	require.Equal(t, "08006", errResp.Code)
}

func TestRegistryTracksLastCloser(t *testing.T) {
	r := newRegistry()
	require.Equal(t, 1, r.Increment("zero_cvr"))
	require.Equal(t, 2, r.Increment("zero_cvr"))
	require.False(t, r.Decrement("zero_cvr"))
	require.True(t, r.Decrement("zero_cvr"))
}

func TestServerReplicationIdentifySystem(t *testing.T) {
	s := newTestServer(t)
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	frontend := pgproto3.NewFrontend(conn, conn)
	params := map[string]string{"user": "orez", "database": "postgres", "replication": "database"}
	frontend.Send(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: params})
	require.NoError(t, frontend.Flush())

	msg, err := frontend.Receive()
	require.NoError(t, err)
	require.IsType(t, &pgproto3.AuthenticationCleartextPassword{}, msg)
	frontend.Send(&pgproto3.PasswordMessage{Password: "secret"})
	require.NoError(t, frontend.Flush())
	for {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}

	frontend.Send(&pgproto3.Query{String: "IDENTIFY_SYSTEM"})
	require.NoError(t, frontend.Flush())

	sawRowDescription := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		if _, ok := msg.(*pgproto3.RowDescription); ok {
			sawRowDescription = true
		}
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			break
		}
	}
	require.True(t, sawRowDescription)
}
