package storage

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/securestore/internal/observability"
	"github.com/danmuck/securestore/internal/protocol"
	"github.com/danmuck/securestore/internal/protocol/frame"
	"github.com/danmuck/securestore/internal/protocol/transport"
)

const defaultChunkSize = 1 << 20

type Option func(*Session)

// WithLogger sets the logger used for per-request debug output.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.log = logger
	}
}

// WithMetrics toggles prometheus recording of requests and transactions.
func WithMetrics(enabled bool) Option {
	return func(s *Session) {
		s.metrics = enabled
	}
}

// WithChunkSize bounds the data carried by one read or write request. A
// size above what the channel's message limit allows is lowered to fit.
func WithChunkSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.chunk = n
		}
	}
}

// Session owns one connection to a storage port.
//
// Every direct operation is finalized on its own. BeginTransaction hands the
// connection to a Transaction; until it commits or discards, direct
// operations panic. A Session is not safe for concurrent use.
type Session struct {
	port    Port
	ch      Channel
	log     zerolog.Logger
	metrics bool
	chunk   int

	inTx   bool
	closed bool
	lost   bool

	// mu guards files and orphans, which SecureFile finalizers touch.
	mu      sync.Mutex
	files   map[uint32]*fileState
	orphans []uint32
}

// Connect dials the service variant selected by port. ctx bounds dialing
// only; operations on the returned Session are not cancellable.
func Connect(ctx context.Context, dialer Dialer, port Port, opts ...Option) (*Session, error) {
	if !port.Valid() {
		return nil, codeError(CodeNotValid, fmt.Errorf("unknown port %d", int(port)))
	}
	ch, err := dialer.Dial(ctx, port.ServiceName())
	if err != nil {
		return nil, dialError(err)
	}
	return NewSession(ch, port, opts...), nil
}

// NewSession wraps an already connected channel.
func NewSession(ch Channel, port Port, opts ...Option) *Session {
	s := &Session{
		port:    port,
		ch:      ch,
		log:     log.Logger,
		metrics: true,
		chunk:   defaultChunkSize,
		files:   make(map[uint32]*fileState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("port", port.String()).Logger()
	if l, ok := ch.(chunkLimiter); ok {
		if limit := l.MaxChunk(); limit > 0 && s.chunk > limit {
			s.log.Debug().Int("requested", s.chunk).Int("chunk", limit).Msg("storage.Session chunk size lowered to message limit")
			s.chunk = limit
		}
	}
	runtime.SetFinalizer(s, (*Session).finalize)
	s.log.Debug().Msg("storage.Session connected")
	return s
}

func dialError(err error) error {
	var rejected *transport.RejectedError
	if errors.As(err, &rejected) {
		return codeError(statusCode(protocol.Status(rejected.Code)), err)
	}
	return codeError(CodeConnectionLost, err)
}

func (s *Session) Port() Port {
	return s.port
}

// Close releases open handles and the connection. Closing while a
// Transaction is open is fatal. Close is idempotent.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	if s.inTx && !s.lost {
		fatalf("storage: session on port %s closed while a transaction is open", s.port)
		return nil
	}
	s.closed = true
	runtime.SetFinalizer(s, nil)

	s.mu.Lock()
	handles := make([]uint32, 0, len(s.files)+len(s.orphans))
	for h, st := range s.files {
		st.closed = true
		handles = append(handles, h)
	}
	handles = append(handles, s.orphans...)
	s.files = map[uint32]*fileState{}
	s.orphans = nil
	s.mu.Unlock()

	if !s.lost {
		for _, h := range handles {
			if _, err := s.roundTrip(protocol.CmdFileClose, false, protocol.CloseRequest{Handle: h}.Encode()); err != nil {
				break
			}
		}
	}
	s.log.Debug().Int("released", len(handles)).Msg("storage.Session closed")
	if s.lost {
		return nil
	}
	if err := s.ch.Close(); err != nil {
		return codeError(CodeConnectionLost, err)
	}
	return nil
}

// finalize runs when a Session is dropped without Close. The service drops
// staged state and handles when the connection goes away.
func (s *Session) finalize() {
	if s.closed {
		return
	}
	s.closed = true
	s.log.Warn().Msg("storage.Session dropped without Close")
	if !s.lost {
		_ = s.ch.Close()
	}
}

// direct returns the auto-finalizing operation context.
func (s *Session) direct() exchange {
	if s.closed {
		panic("storage: session used after Close")
	}
	if s.inTx && !s.lost {
		panic("storage: session used while a transaction is open")
	}
	return exchange{s: s, finalize: true}
}

// OpenFile opens name with mode; the open is finalized immediately.
func (s *Session) OpenFile(name string, mode OpenMode) (*SecureFile, error) {
	return s.direct().openFile(name, mode, true)
}

// Read returns the full contents of name in a prefix of buf.
func (s *Session) Read(name string, buf []byte) ([]byte, error) {
	return s.direct().read(name, buf)
}

// Write replaces the contents of name with data, creating it if needed. The
// create and the write finalize together.
func (s *Session) Write(name string, data []byte) error {
	return s.direct().write(name, data)
}

// ReadAll reads f from offset 0 into buf. A file larger than buf fails with
// CodeInsufficientBuffer before any data is read.
func (s *Session) ReadAll(f *SecureFile, buf []byte) ([]byte, error) {
	return s.direct().readAll(f, buf)
}

// WriteAll truncates f and writes data at offset 0 as one finalized unit.
func (s *Session) WriteAll(f *SecureFile, data []byte) error {
	return s.direct().writeAll(f, data)
}

func (s *Session) GetSize(f *SecureFile) (uint64, error) {
	return s.direct().getSize(f)
}

// SetSize truncates or zero-extends f.
func (s *Session) SetSize(f *SecureFile, size uint64) error {
	return s.direct().setSize(f, size)
}

// Rename moves from to to, replacing to when it exists.
func (s *Session) Rename(from, to string) error {
	return s.direct().rename(from, to)
}

func (s *Session) Remove(name string) error {
	return s.direct().remove(name)
}

// ListFiles returns every committed file on the port.
func (s *Session) ListFiles() ([]FileInfo, error) {
	return s.direct().listFiles()
}

// BeginTransaction stages every following operation until Commit or
// Discard. No request is sent.
func (s *Session) BeginTransaction() *Transaction {
	s.direct()
	s.inTx = true
	t := &Transaction{s: s, started: time.Now()}
	runtime.SetFinalizer(t, (*Transaction).finalize)
	s.log.Debug().Msg("storage.Transaction begin")
	return t
}

// Update runs fn inside a transaction. It commits when fn returns nil and
// discards when fn fails or panics; a panic is re-raised after the discard.
// fn may end the transaction itself, in which case Update only returns fn's
// result.
func (s *Session) Update(fn func(tx *Transaction) error) (err error) {
	tx := s.BeginTransaction()
	defer func() {
		if r := recover(); r != nil {
			if !tx.done {
				_ = tx.Discard()
			}
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		if !tx.done {
			_ = tx.Discard()
		}
		return err
	}
	if tx.done {
		return nil
	}
	return tx.Commit()
}

// roundTrip sends one request on the session channel. Service failures come
// back as KindCode errors with the response still returned.
func (s *Session) roundTrip(cmd protocol.Command, complete bool, payload []byte) (protocol.Message, error) {
	if s.lost {
		return protocol.Message{}, codeError(CodeConnectionLost, nil)
	}
	start := time.Now()
	resp, err := s.ch.Send(protocol.NewRequest(cmd, protocol.CompleteFlag(complete), payload))
	elapsed := time.Since(start)
	if errors.Is(err, frame.ErrMessageTooLarge) {
		s.record(cmd, "too_large", complete, elapsed)
		return protocol.Message{}, codeError(CodeNotValid, err)
	}
	if err != nil {
		s.connectionLost(err)
		s.record(cmd, "connection_lost", complete, elapsed)
		return protocol.Message{}, codeError(CodeConnectionLost, err)
	}
	s.record(cmd, resp.Result.String(), complete, elapsed)
	s.log.Debug().
		Str("cmd", cmd.String()).
		Uint32("op_id", resp.OpID).
		Bool("finalize", complete).
		Str("result", resp.Result.String()).
		Dur("elapsed", elapsed).
		Msg("storage request")
	if resp.Result != protocol.StatusOK {
		return resp, codeError(statusCode(resp.Result), nil)
	}
	return resp, nil
}

func (s *Session) record(cmd protocol.Command, result string, complete bool, elapsed time.Duration) {
	if s.metrics {
		observability.RecordClientRequest(s.port.String(), cmd.String(), result, complete, elapsed)
	}
}

func (s *Session) connectionLost(err error) {
	if s.lost {
		return
	}
	s.lost = true
	s.log.Warn().Err(err).Bool("in_transaction", s.inTx).Msg("storage.Session connection lost")
	_ = s.ch.Close()
}

// reapOrphans closes handles whose SecureFile was dropped without Close.
func (s *Session) reapOrphans() {
	s.mu.Lock()
	handles := s.orphans
	s.orphans = nil
	s.mu.Unlock()
	for _, h := range handles {
		if _, err := s.roundTrip(protocol.CmdFileClose, false, protocol.CloseRequest{Handle: h}.Encode()); err != nil {
			s.log.Warn().Err(err).Uint32("handle", h).Msg("storage.Session release dropped handle")
		}
	}
}
