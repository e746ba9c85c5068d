package storage

import (
	"context"

	"github.com/danmuck/securestore/internal/protocol"
	"github.com/danmuck/securestore/internal/protocol/transport"
)

// Channel is the blocking request/response primitive a Session owns.
// Any error from Send means the connection is gone, except
// frame.ErrMessageTooLarge, which is reported before anything is written.
type Channel interface {
	Send(req protocol.Message) (protocol.Message, error)
	Close() error
}

// chunkLimiter is implemented by channels with a message size limit.
// transport.Conn implements it.
type chunkLimiter interface {
	MaxChunk() int
}

// Dialer opens a Channel bound to a storage service name.
type Dialer interface {
	Dial(ctx context.Context, service string) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, service string) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, service string) (Channel, error) {
	return f(ctx, service)
}

type transportDialer struct {
	d *transport.Dialer
}

func (t transportDialer) Dial(ctx context.Context, service string) (Channel, error) {
	conn, err := t.d.Dial(ctx, service)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewDialer connects over TCP or TLS to a storage service at addr.
func NewDialer(addr string, cfg transport.Config, opts ...transport.DialerOption) (Dialer, error) {
	d, err := transport.NewDialer(addr, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return transportDialer{d: d}, nil
}
