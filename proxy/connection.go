package proxy

import (
	"context"
	"net"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/sirupsen/logrus"

	"github.com/natew/orez/engine"
	"github.com/natew/orez/instance"
	"github.com/natew/orez/replication"
	"github.com/natew/orez/rewrite"
	"github.com/natew/orez/wire"
)

// sessionResetStatements run, in order, on the shared engine session when
// the last connection for a database closes (spec.md §4.6).
var sessionResetStatements = []string{
	"ROLLBACK",
	"SET search_path TO public",
	"RESET statement_timeout",
	"RESET lock_timeout",
	"RESET idle_in_transaction_session_timeout",
}

// connection is one accepted TCP connection's state for the lifetime of
// the message loop (spec.md §3.6).
type connection struct {
	server   *Server
	codec    *wire.Codec
	id       uint32
	database string
	replication bool
	instanceName string
	inst     engine.Instance
	log      *logrus.Entry
}

var connIDCounter uint32

func nextConnID() uint32 {
	return atomic.AddUint32(&connIDCounter, 1)
}

// handle runs one connection end to end: handshake, registration,
// message loop, and close-time session reset (spec.md §4.6).
func (s *Server) handle(ctx context.Context, raw net.Conn) {
	applySocketOptions(raw)

	backend := pgproto3.NewBackend(raw, raw)
	id := nextConnID()

	info, err := wire.PerformHandshake(raw, backend, s.authenticate, id, id)
	if err != nil {
		if !errors.Is(err, wire.ErrTerminated) {
			s.log.WithError(err).WithField("conn", id).Warn("handshake failed")
		}
		raw.Close()
		return
	}

	instName := instance.InstanceForDatabase(info.Database)
	if info.IsReplication {
		instName = instance.Postgres
	}
	inst, err := s.instances.Instance(instName)
	if err != nil {
		s.log.WithError(err).WithField("conn", id).Error("unknown instance")
		raw.Close()
		return
	}
	if err := s.driver.WaitReady(ctx, inst); err != nil {
		s.log.WithError(err).WithField("conn", id).Error("instance not ready")
		raw.Close()
		return
	}

	s.registry.Increment(info.Database)

	c := &connection{
		server:       s,
		codec:        &wire.Codec{Backend: backend, Conn: raw},
		id:           id,
		database:     info.Database,
		replication:  info.IsReplication,
		instanceName: instName,
		inst:         inst,
		log:          s.log.WithField("conn", id).WithField("database", info.Database),
	}

	c.loop(ctx)

	raw.Close()
	if s.registry.Decrement(info.Database) {
		c.resetSession(context.Background())
	}
}

// authenticate checks a cleartext username/password pair against the
// single configured credential (spec.md §4.3).
func (s *Server) authenticate(user, password string) bool {
	return user == s.authUser && password == s.authPassword
}

// resetSession runs the best-effort statement sequence spec.md §4.6
// requires when the last connection for a database closes.
func (c *connection) resetSession(ctx context.Context) {
	_ = c.server.instances.WithInstance(ctx, c.instanceName, func(inst engine.Instance) error {
		for _, stmt := range sessionResetStatements {
			if err := c.server.driver.Exec(ctx, inst, stmt); err != nil {
				c.log.WithError(err).WithField("statement", stmt).Debug("session reset statement failed")
			}
		}
		return nil
	})
}

// loop accumulates and dispatches frontend messages one at a time until
// Terminate, connection close, or an unrecoverable replication-stream
// error (spec.md §4.6).
func (c *connection) loop(ctx context.Context) {
	for {
		msg, err := c.codec.Receive()
		if err != nil {
			return
		}

		if _, ok := msg.(*pgproto3.Terminate); ok {
			return
		}

		var dispatchErr error
		if c.replication {
			dispatchErr = c.dispatchReplication(ctx, msg)
		} else {
			dispatchErr = c.dispatchRegular(ctx, msg)
		}
		if dispatchErr != nil {
			return
		}
	}
}

// dispatchRegular implements the regular-connection message handling of
// spec.md §4.6: no-op interception, query rewrite, raw engine submission,
// and trailing-ReadyForQuery stripping for the extended protocol.
func (c *connection) dispatchRegular(ctx context.Context, msg pgproto3.FrontendMessage) error {
	rewritten, text, isTextual := rewrite.RewriteMessageBody(msg)

	if isTextual && (rewrite.IsNoOp(text) || rewrite.IsSubscriptionNoOp(text)) {
		return c.sendNoOpResponse(msg)
	}

	wireBytes, err := wire.EncodeFrontendMessages(rewritten)
	if err != nil {
		return errors.Wrap(err, "proxy: encode rewritten message")
	}

	var resp []byte
	err = c.server.instances.WithInstance(ctx, c.instanceName, func(inst engine.Instance) error {
		var execErr error
		resp, execErr = c.server.driver.ExecProtocolRaw(ctx, inst, wireBytes, engine.Options{})
		return execErr
	})
	if err != nil {
		return c.codec.SendError("XX000", err.Error(), 'I')
	}

	return c.forwardEngineResponse(msg, resp)
}

// sendNoOpResponse synthesizes the local response for a no-op
// SET TRANSACTION/SET SESSION/ALTER|DROP SUBSCRIPTION statement without
// calling the engine (spec.md §4.4).
func (c *connection) sendNoOpResponse(msg pgproto3.FrontendMessage) error {
	switch msg.(type) {
	case *pgproto3.Query:
		buf, err := rewrite.SynthesizeSimpleQueryResponse('T')
		if err != nil {
			return errors.Wrap(err, "proxy: synthesize simple query response")
		}
		return c.codec.SendRaw(buf)
	case *pgproto3.Parse:
		buf, err := rewrite.SynthesizeParseResponse()
		if err != nil {
			return errors.Wrap(err, "proxy: synthesize parse response")
		}
		return c.codec.SendRaw(buf)
	default:
		return nil
	}
}

// forwardEngineResponse strips a trailing ReadyForQuery from extended
// protocol responses (everything except Sync and simple Query, which
// carry their own terminal ReadyForQuery) before writing it to the
// socket.
func (c *connection) forwardEngineResponse(msg pgproto3.FrontendMessage, resp []byte) error {
	switch msg.(type) {
	case *pgproto3.Query, *pgproto3.Sync:
		return c.codec.SendRaw(resp)
	default:
		frames, err := wire.SplitBackendMessages(resp)
		if err != nil {
			return c.codec.SendRaw(resp)
		}
		return c.codec.SendRaw(wire.JoinFrames(wire.StripTrailingReadyForQuery(frames)))
	}
}

// dispatchReplication implements the replication-connection message
// handling of spec.md §4.5/§4.6: only 'Q' messages are meaningful.
func (c *connection) dispatchReplication(ctx context.Context, msg pgproto3.FrontendMessage) error {
	query, ok := msg.(*pgproto3.Query)
	if !ok {
		return nil
	}

	trimmed := strings.TrimSpace(query.String)
	if strings.HasPrefix(strings.ToUpper(trimmed), "START_REPLICATION") {
		return c.runReplicationStream(ctx)
	}

	var result replication.CommandResult
	err := c.server.instances.WithInstance(ctx, c.instanceName, func(inst engine.Instance) error {
		var cmdErr error
		result, cmdErr = replication.HandleCommand(ctx, c.server.driver, inst, c.server.lsns, trimmed)
		return cmdErr
	})
	if err != nil {
		return c.codec.SendError("XX000", err.Error(), 'I')
	}

	if result.Handled {
		var resp []byte
		var encErr error
		if len(result.Rows) > 0 {
			resp, encErr = replication.EncodeRowsResponse(result, commandTag(trimmed))
		} else {
			resp, encErr = replication.EncodeTagResponse(result)
		}
		if encErr != nil {
			return errors.Wrap(encErr, "proxy: encode replication command response")
		}
		rfq, err := wire.EncodeBackendMessages(&pgproto3.ReadyForQuery{TxStatus: 'I'})
		if err != nil {
			return errors.Wrap(err, "proxy: encode ReadyForQuery")
		}
		resp = append(resp, rfq...)
		return c.codec.SendRaw(resp)
	}

	return c.dispatchRegular(ctx, msg)
}

// commandTag derives the CommandComplete tag for a row-returning
// replication command from its leading keyword, since the replication
// command table itself only fills CommandResult.Tag for the tag-only
// commands (DROP_REPLICATION_SLOT, ALTER ROLE).
func commandTag(trimmed string) string {
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "IDENTIFY_SYSTEM"):
		return "IDENTIFY_SYSTEM"
	case strings.HasPrefix(upper, "CREATE_REPLICATION_SLOT"):
		return "CREATE_REPLICATION_SLOT"
	default:
		return "SELECT"
	}
}

// runReplicationStream hands off to the streaming loop for the remainder
// of the connection's lifetime; the message loop never resumes after this
// returns (spec.md §4.5).
func (c *connection) runReplicationStream(ctx context.Context) error {
	oids := c.server.oids
	state := replication.NewStreamState()
	send := func(frame []byte) error {
		return c.codec.SendRaw(frame)
	}
	lock := func(fn func() error) error {
		return c.server.instances.WithInstance(ctx, c.instanceName, func(engine.Instance) error {
			return fn()
		})
	}
	if err := replication.Run(ctx, c.server.driver, c.inst, c.server.lsns, oids, state, send, nil, lock); err != nil {
		c.log.WithError(err).Warn("replication stream ended")
	}
	return errors.New("proxy: replication stream ended")
}
