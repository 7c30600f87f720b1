// Package proxy implements the PostgreSQL wire-protocol proxy server
// (spec component F): accept connections, perform the startup handshake,
// track per-database active-connection counts, dispatch each message to
// the regular or replication path, and run the last-closer session reset.
// It is grounded on the teacher's pgserver/server.go accept loop and
// connection_handler.go's per-connection dispatch.
package proxy

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/natew/orez/engine"
	"github.com/natew/orez/instance"
	"github.com/natew/orez/pgoutput"
	"github.com/natew/orez/replication"
)

// Server accepts PostgreSQL wire-protocol connections and dispatches them
// against a set of named embedded-engine instances.
type Server struct {
	driver    engine.Driver
	instances *instance.Manager
	log       *logrus.Entry

	authUser     string
	authPassword string

	oids     *pgoutput.OIDAssigner
	lsns     *replication.LSNGenerator
	registry *registry

	listener net.Listener
}

// NewServer builds a Server bound to no listener yet; call Listen to bind
// and Serve to accept.
func NewServer(driver engine.Driver, instances *instance.Manager, authUser, authPassword string, log *logrus.Entry) *Server {
	return &Server{
		driver:       driver,
		instances:    instances,
		log:          log,
		authUser:     authUser,
		authPassword: authPassword,
		oids:         pgoutput.NewOIDAssigner(),
		lsns:         replication.NewLSNGenerator(),
		registry:     newRegistry(),
	}
}

// Listen binds the TCP listener. Separated from Serve so the supervisor
// can discover the bound port (after auto-increment, spec.md §3.1) before
// accepting connections.
func (s *Server) Listen(host string, port int) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, errors.Wrap(err, "proxy: listen")
	}
	s.listener = l
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Serve accepts connections until ctx is canceled or the listener is
// closed. Each accepted connection is handled on its own goroutine
// (spec.md §4.6 step order runs per connection, independent of others).
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "proxy: accept")
			}
		}
		go s.handle(ctx, conn)
	}
}

// Close closes the listener, causing Serve to return.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Addr returns the bound listener address, or nil if Listen has not been
// called.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// applySocketOptions applies the platform connection options spec.md
// §4.6 step 1 names: keep-alive on, no read/write timeout, Nagle off.
// TCPConn is the only concrete type these apply to; a non-TCP net.Conn
// (used by tests over net.Pipe) is left untouched.
func applySocketOptions(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetKeepAlive(true)
	_ = tcp.SetNoDelay(true)
	_ = tcp.SetDeadline(time.Time{})
}
