package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrAddressRequired = errors.New("transport: service address required")
	ErrPortRejected    = errors.New("transport: port rejected")
)

// RejectedError reports a port the service refused during the handshake.
type RejectedError struct {
	Port    string
	Code    int32
	Message string
}

func (e *RejectedError) Error() string {
	return "transport: port rejected: " + e.Port + ": " + e.Message
}

func (e *RejectedError) Unwrap() error {
	return ErrPortRejected
}

// DialFunc opens the raw byte stream to the service.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type DialerOption func(*Dialer)

// WithClock replaces the clock driving retry backoff.
func WithClock(clock clockwork.Clock) DialerOption {
	return func(d *Dialer) {
		d.clock = clock
	}
}

// WithDialFunc replaces the TCP dialer.
func WithDialFunc(fn DialFunc) DialerOption {
	return func(d *Dialer) {
		d.dial = fn
	}
}

// Dialer connects to the storage service and binds the connection to a port.
type Dialer struct {
	addr  string
	cfg   Config
	clock clockwork.Clock
	dial  DialFunc

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewDialer(addr string, cfg Config, opts ...DialerOption) (*Dialer, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, ErrAddressRequired
	}
	cfg = cfg.WithDefaults()
	d := &Dialer{
		addr:  addr,
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	netDialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	d.dial = netDialer.DialContext
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Dialer) Addr() string {
	return d.addr
}

// Dial connects and performs the port handshake, retrying transient failures
// with backoff. A rejected port is never retried.
func (d *Dialer) Dial(ctx context.Context, service string) (*Conn, error) {
	if err := d.cfg.ValidateClientTransport(); err != nil {
		return nil, err
	}
	return retry.DoWithData(
		func() (*Conn, error) {
			conn, err := d.dialOnce(ctx, service)
			if err != nil {
				var rejected *RejectedError
				if errors.As(err, &rejected) {
					return nil, retry.Unrecoverable(err)
				}
				return nil, err
			}
			return conn, nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(max(d.cfg.MaxConnectAttempts, 0))),
		retry.DelayType(d.delay),
		retry.WithTimer(d.clock),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().
				Uint("attempt", n+1).
				Str("addr", d.addr).
				Str("service", service).
				Err(err).
				Msg("transport.Dialer dial failed")
		}),
	)
}

// delay is called with the 1-based number of the upcoming retry.
func (d *Dialer) delay(n uint, _ error, _ *retry.Config) time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return NextBackoffDelay(d.cfg.Backoff, int(n), d.rng)
}

func (d *Dialer) dialOnce(ctx context.Context, service string) (*Conn, error) {
	rawConn, err := d.dial(ctx, "tcp", d.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dial %s", d.addr)
	}
	conn := rawConn
	if d.cfg.TLS.Enabled {
		tlsCfg, err := d.cfg.ClientTLSConfig(d.addr)
		if err != nil {
			_ = rawConn.Close()
			return nil, retry.Unrecoverable(err)
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return nil, errors.Wrap(err, "transport: tls handshake")
		}
		conn = tlsConn
	}

	c, err := Handshake(conn, service, d.cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Handshake binds an open connection to service and returns the channel.
func Handshake(conn net.Conn, service string, cfg Config) (*Conn, error) {
	if cfg.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	reader := bufio.NewReader(conn)
	if err := WriteConnect(conn, ConnectRequest{Port: service}); err != nil {
		return nil, err
	}
	ack, err := ReadConnectAck(reader)
	if err != nil {
		return nil, errors.Wrap(err, "transport: read connect ack")
	}
	if ack.Status != AckStatusAccepted {
		return nil, &RejectedError{Port: service, Code: ack.Code, Message: ack.Message}
	}
	_ = conn.SetDeadline(time.Time{})
	c := NewConn(conn, reader, service, cfg)
	c.connID = ack.ConnID
	log.Debug().Str("service", service).Str("conn_id", ack.ConnID).Msg("transport.Handshake accepted")
	return c, nil
}
