package wire

import (
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/require"
)

func TestPerformHandshakeSuccess(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	backend := pgproto3.NewBackend(server, server)
	auth := func(user, password string) bool {
		return user == "orez" && password == "secret"
	}

	done := make(chan StartupInfo, 1)
	errCh := make(chan error, 1)
	go func() {
		info, err := PerformHandshake(server, backend, auth, 1, 1)
		done <- info
		errCh <- err
	}()

	frontend := pgproto3.NewFrontend(client, client)
	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "orez", "database": "zero_cvr"},
	})
	require.NoError(t, frontend.Flush())

	msg, err := frontend.Receive()
	require.NoError(t, err)
	_, ok := msg.(*pgproto3.AuthenticationCleartextPassword)
	require.True(t, ok)

	frontend.Send(&pgproto3.PasswordMessage{Password: "secret"})
	require.NoError(t, frontend.Flush())

	_, ok = receiveUntil(t, frontend, &pgproto3.AuthenticationOk{})
	require.True(t, ok)

	select {
	case info := <-done:
		require.Equal(t, "orez", info.User)
		require.Equal(t, "zero_cvr", info.Database)
		require.False(t, info.IsReplication)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
	require.NoError(t, <-errCh)
}

func TestPerformHandshakeAuthFailure(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	backend := pgproto3.NewBackend(server, server)
	auth := func(user, password string) bool { return false }

	errCh := make(chan error, 1)
	go func() {
		_, err := PerformHandshake(server, backend, auth, 1, 1)
		errCh <- err
	}()

	frontend := pgproto3.NewFrontend(client, client)
	frontend.Send(&pgproto3.StartupMessage{ProtocolVersion: pgproto3.ProtocolVersionNumber, Parameters: map[string]string{"user": "orez"}})
	require.NoError(t, frontend.Flush())

	_, _ = frontend.Receive() // AuthenticationCleartextPassword
	frontend.Send(&pgproto3.PasswordMessage{Password: "wrong"})
	require.NoError(t, frontend.Flush())

	msg, err := frontend.Receive()
	require.NoError(t, err)
	errResp, ok := msg.(*pgproto3.ErrorResponse)
	require.True(t, ok)
	require.Equal(t, "08006", errResp.Code)

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake goroutine did not return")
	}
}

func TestPerformHandshakeReplicationFlag(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	backend := pgproto3.NewBackend(server, server)
	auth := func(user, password string) bool { return true }

	done := make(chan StartupInfo, 1)
	go func() {
		info, _ := PerformHandshake(server, backend, auth, 1, 1)
		done <- info
	}()

	frontend := pgproto3.NewFrontend(client, client)
	frontend.Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "orez", "replication": "database"},
	})
	require.NoError(t, frontend.Flush())
	_, _ = frontend.Receive()
	frontend.Send(&pgproto3.PasswordMessage{Password: ""})
	require.NoError(t, frontend.Flush())

	info := <-done
	require.True(t, info.IsReplication)
}

// receiveUntil drains frontend messages until one matches the type of
// want (by a type switch; only AuthenticationOk is handled so far),
// or returns false if the stream ends first.
func receiveUntil(t *testing.T, frontend *pgproto3.Frontend, want pgproto3.BackendMessage) (pgproto3.BackendMessage, bool) {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg, err := frontend.Receive()
		require.NoError(t, err)
		switch want.(type) {
		case *pgproto3.AuthenticationOk:
			if _, ok := msg.(*pgproto3.AuthenticationOk); ok {
				return msg, true
			}
		}
	}
	return nil, false
}
