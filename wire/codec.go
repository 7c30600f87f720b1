package wire

import (
	"bytes"
	"net"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Codec pairs a pgproto3.Backend with the net.Conn it frames, mirroring
// the teacher's ConnectionHandler.backend/h.send pairing. Writes go
// through Conn's normal blocking semantics, which is what gives this
// codec its backpressure behavior (spec.md §4.3): a full kernel send
// buffer simply blocks the calling goroutine until space frees up.
type Codec struct {
	Backend *pgproto3.Backend
	Conn    net.Conn
}

// NewCodec wraps conn in a pgproto3.Backend reading and writing the same
// socket.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		Backend: pgproto3.NewBackend(conn, conn),
		Conn:    conn,
	}
}

// Send writes msg and flushes immediately, matching the teacher's
// one-message-in-flight-per-socket discipline.
func (c *Codec) Send(msg pgproto3.BackendMessage) error {
	c.Backend.Send(msg)
	return c.Backend.Flush()
}

// Receive reads the next frontend message.
func (c *Codec) Receive() (pgproto3.FrontendMessage, error) {
	return c.Backend.Receive()
}

// SendRaw writes an already-framed sequence of backend messages directly
// to the socket, bypassing pgproto3 message construction. Used to forward
// the embedded engine's raw protocol responses and locally-synthesized
// response bytes without re-decoding them.
func (c *Codec) SendRaw(buf []byte) error {
	_, err := c.Conn.Write(buf)
	return err
}

// SendError emits an ErrorResponse followed by ReadyForQuery(txStatus)
// (spec.md §7's Engine-exec-failed / Auth-failed policy).
func (c *Codec) SendError(sqlState, message string, txStatus byte) error {
	c.Backend.Send(&pgproto3.ErrorResponse{Severity: "ERROR", Code: sqlState, Message: message})
	c.Backend.Send(&pgproto3.ReadyForQuery{TxStatus: txStatus})
	return c.Backend.Flush()
}

// EncodeBackendMessages frames one or more backend messages into a single
// buffer without touching a socket, for callers that synthesize a response
// locally (no-op interception, replication command responses) and hand the
// result to SendRaw. It runs the messages through a throwaway
// pgproto3.Backend's own Send/Flush so the framing logic is never
// duplicated outside pgproto3.
func EncodeBackendMessages(msgs ...pgproto3.BackendMessage) ([]byte, error) {
	var buf bytes.Buffer
	b := pgproto3.NewBackend(nil, &buf)
	for _, msg := range msgs {
		b.Send(msg)
	}
	if err := b.Flush(); err != nil {
		return nil, errors.Wrap(err, "wire: encode backend messages")
	}
	return buf.Bytes(), nil
}

// EncodeFrontendMessages frames one or more frontend messages into a
// single buffer without touching a socket, for the rewrite path's
// re-encoding of a patched Query/Parse before handing it to the engine's
// raw protocol entrypoint.
func EncodeFrontendMessages(msgs ...pgproto3.FrontendMessage) ([]byte, error) {
	var buf bytes.Buffer
	f := pgproto3.NewFrontend(nil, &buf)
	for _, msg := range msgs {
		f.Send(msg)
	}
	if err := f.Flush(); err != nil {
		return nil, errors.Wrap(err, "wire: encode frontend messages")
	}
	return buf.Bytes(), nil
}

// CommandComplete builds a CommandComplete message for the given tag,
// mirroring the teacher's makeCommandComplete.
func CommandComplete(tag string) *pgproto3.CommandComplete {
	return &pgproto3.CommandComplete{CommandTag: []byte(tag)}
}

// SplitBackendMessages splits a buffer of one or more concatenated
// length-prefixed backend messages (type byte + int32 length + body) into
// individual frames. It is used to post-process raw engine responses
// (component D's response post-processing) without re-parsing them into
// pgproto3 structs. Any trailing partial frame is an error: the embedded
// engine's raw-protocol responses are always complete.
func SplitBackendMessages(buf []byte) ([][]byte, error) {
	var frames [][]byte
	for len(buf) > 0 {
		if len(buf) < 5 {
			return nil, errors.New("wire: truncated backend message header")
		}
		length := int(buf[1])<<24 | int(buf[2])<<16 | int(buf[3])<<8 | int(buf[4])
		total := 1 + length
		if len(buf) < total {
			return nil, errors.New("wire: truncated backend message body")
		}
		frames = append(frames, buf[:total])
		buf = buf[total:]
	}
	return frames, nil
}

// StripTrailingReadyForQuery removes a trailing ReadyForQuery frame from a
// sequence of backend messages, per spec.md §4.3: "the extended protocol
// delivers ReadyForQuery only in response to Sync". frames is expected to
// come from SplitBackendMessages.
func StripTrailingReadyForQuery(frames [][]byte) [][]byte {
	if len(frames) == 0 {
		return frames
	}
	last := frames[len(frames)-1]
	if len(last) > 0 && last[0] == 'Z' {
		return frames[:len(frames)-1]
	}
	return frames
}

// JoinFrames concatenates frames back into a single buffer.
func JoinFrames(frames [][]byte) []byte {
	var total int
	for _, f := range frames {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
