// Package wire implements the PostgreSQL v3 wire-protocol codec (spec
// component C): the startup/TLS/auth handshake and the length-prefixed
// message framing the rewrite and proxy packages build on. It is a thin
// layer over github.com/jackc/pgx/v5/pgproto3, grounded on the teacher's
// pgserver/connection_handler.go handleStartup/sendClientStartupMessages.
package wire

import (
	"io"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgproto3"
)

// ServerVersion is the version string this proxy claims in both
// ParameterStatus and the version() rewrite (spec.md §4.3, §4.4).
const ServerVersion = "16.4"

// startupParameters the handshake reports to every client, in order
// (spec.md §4.3).
var startupParameters = []struct{ Name, Value string }{
	{"server_version", ServerVersion},
	{"server_encoding", "UTF8"},
	{"client_encoding", "UTF8"},
	{"DateStyle", "ISO, MDY"},
	{"integer_datetimes", "on"},
	{"standard_conforming_strings", "on"},
	{"TimeZone", "UTC"},
	{"IntervalStyle", "postgres"},
}

// StartupInfo is what the handshake extracts from the client's startup
// parameters (spec.md §3.6).
type StartupInfo struct {
	User          string
	Database      string
	IsReplication bool
}

// Authenticator validates a cleartext username/password pair.
type Authenticator func(user, password string) bool

// ErrTerminated is returned by PerformHandshake when the client closes the
// connection before completing the startup phase (an EOF at that point is
// not itself an error condition).
var ErrTerminated = errors.New("wire: client terminated during startup")

// PerformHandshake runs the startup phase on backend: TLS refusal,
// protocol negotiation, cleartext password authentication, the fixed
// ParameterStatus list, BackendKeyData, and the initial ReadyForQuery.
// processID/secretKey are echoed back verbatim in BackendKeyData so a
// client's CancelRequest can be correlated later if ever implemented.
func PerformHandshake(conn net.Conn, backend *pgproto3.Backend, auth Authenticator, processID, secretKey uint32) (StartupInfo, error) {
	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return StartupInfo{}, ErrTerminated
			}
			return StartupInfo{}, errors.Wrap(err, "wire: receive startup message")
		}

		switch sm := msg.(type) {
		case *pgproto3.StartupMessage:
			info := StartupInfo{
				User:     sm.Parameters["user"],
				Database: sm.Parameters["database"],
			}
			if info.Database == "" {
				info.Database = "postgres"
			}
			info.IsReplication = sm.Parameters["replication"] == "database"

			if err := authenticate(backend, auth, info.User); err != nil {
				return StartupInfo{}, err
			}
			if err := sendStartupMessages(backend, processID, secretKey); err != nil {
				return StartupInfo{}, err
			}
			backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
			if err := backend.Flush(); err != nil {
				return StartupInfo{}, errors.Wrap(err, "wire: flush initial ReadyForQuery")
			}
			return info, nil

		case *pgproto3.SSLRequest:
			// TLS is out of scope (spec.md §1 Non-goals): always refuse.
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return StartupInfo{}, errors.Wrap(err, "wire: refuse TLS request")
			}
			continue

		case *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return StartupInfo{}, errors.Wrap(err, "wire: refuse GSSAPI request")
			}
			continue

		default:
			return StartupInfo{}, errors.Newf("wire: unexpected startup message %#v", msg)
		}
	}
}

func authenticate(backend *pgproto3.Backend, auth Authenticator, user string) error {
	backend.Send(&pgproto3.AuthenticationCleartextPassword{})
	if err := backend.Flush(); err != nil {
		return errors.Wrap(err, "wire: flush auth request")
	}

	msg, err := backend.Receive()
	if err != nil {
		return errors.Wrap(err, "wire: receive password message")
	}
	pw, ok := msg.(*pgproto3.PasswordMessage)
	if !ok {
		return SendAuthFailure(backend, "expected password message")
	}

	if auth == nil || !auth(user, pw.Password) {
		return SendAuthFailure(backend, "password authentication failed")
	}

	backend.Send(&pgproto3.AuthenticationOk{})
	return nil
}

func sendStartupMessages(backend *pgproto3.Backend, processID, secretKey uint32) error {
	for _, p := range startupParameters {
		backend.Send(&pgproto3.ParameterStatus{Name: p.Name, Value: p.Value})
	}
	backend.Send(&pgproto3.BackendKeyData{ProcessID: processID, SecretKey: secretKey})
	return nil
}

// SendAuthFailure emits the minimal handshake-failure ErrorResponse
// (spec.md §4.3: S=ERROR, C=08006) followed by ReadyForQuery, then
// returns an error the caller should use to close the connection.
func SendAuthFailure(backend *pgproto3.Backend, message string) error {
	backend.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: "08006", Message: message})
	backend.Send(&pgproto3.ReadyForQuery{TxStatus: 'I'})
	_ = backend.Flush()
	return errors.Newf("wire: auth failed: %s", message)
}
