package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/securestore/internal/protocol"
	"github.com/danmuck/securestore/internal/protocol/frame"
	"github.com/danmuck/securestore/internal/protocol/schema"
)

var (
	ErrClosed            = errors.New("transport: connection closed")
	ErrOpIDMismatch      = errors.New("transport: response op_id mismatch")
	ErrUnexpectedCommand = errors.New("transport: unexpected response command")
)

// Conn is one port-bound storage channel. Each Send is a full blocking
// round trip; the first I/O failure closes the connection for good.
type Conn struct {
	conn    net.Conn
	reader  *bufio.Reader
	cfg     Config
	limits  frame.Limits
	service string
	connID  string

	mu       sync.Mutex
	nextOpID uint32
	closed   bool
}

// NewConn wraps a connection whose handshake already completed. reader must
// be the buffered reader used for the handshake, or nil.
func NewConn(conn net.Conn, reader *bufio.Reader, service string, cfg Config) *Conn {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	return &Conn{
		conn:    conn,
		reader:  reader,
		cfg:     cfg,
		limits:  cfg.Limits(),
		service: service,
	}
}

// Service is the port name this connection is bound to.
func (c *Conn) Service() string {
	return c.service
}

// ConnID is the identifier the service assigned during the handshake.
func (c *Conn) ConnID() string {
	return c.connID
}

// MaxChunk is the most file data one request on c can carry.
func (c *Conn) MaxChunk() int {
	return protocol.MaxChunk(c.limits)
}

// Send writes req with a fresh op_id and blocks for the matching response.
// A request over the message limit fails with frame.ErrMessageTooLarge
// before anything is written; the connection stays usable.
func (c *Conn) Send(req protocol.Message) (protocol.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.Message{}, ErrClosed
	}

	c.nextOpID++
	req.OpID = c.nextOpID
	if err := c.setDeadline(c.cfg.WriteTimeout, c.conn.SetWriteDeadline); err != nil {
		return protocol.Message{}, c.fail(err, "set write deadline")
	}
	if err := frame.WriteFrame(c.conn, req.Frame(), c.limits); err != nil {
		if errors.Is(err, frame.ErrMessageTooLarge) {
			return protocol.Message{}, err
		}
		return protocol.Message{}, c.fail(err, "write request")
	}

	if err := c.setDeadline(c.cfg.ReadTimeout, c.conn.SetReadDeadline); err != nil {
		return protocol.Message{}, c.fail(err, "set read deadline")
	}
	fr, err := frame.ReadFrame(c.reader, c.limits)
	if err != nil {
		return protocol.Message{}, c.fail(err, "read response")
	}
	resp := protocol.FromFrame(fr)
	if resp.OpID != req.OpID {
		return protocol.Message{}, c.fail(ErrOpIDMismatch, "correlate response")
	}
	if resp.Cmd != req.Cmd.Response() && resp.Cmd != protocol.CmdRespMsgErr {
		return protocol.Message{}, c.fail(ErrUnexpectedCommand, resp.Cmd.String())
	}
	if err := schema.ValidateResponse(resp); err != nil {
		return protocol.Message{}, c.fail(err, "validate response")
	}
	log.Debug().
		Str("service", c.service).
		Str("cmd", req.Cmd.String()).
		Uint32("op_id", req.OpID).
		Str("result", resp.Result.String()).
		Msg("transport.Conn.Send")
	return resp, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Conn) fail(err error, op string) error {
	log.Warn().Str("service", c.service).Err(err).Msgf("transport.Conn %s", op)
	c.closed = true
	_ = c.conn.Close()
	return errors.Wrapf(err, "transport: %s", op)
}

func (c *Conn) setDeadline(timeout time.Duration, set func(time.Time) error) error {
	if timeout <= 0 {
		return set(time.Time{})
	}
	return set(time.Now().Add(timeout))
}
