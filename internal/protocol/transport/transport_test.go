package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danmuck/securestore/internal/protocol"
	"github.com/danmuck/securestore/internal/protocol/frame"
	"github.com/danmuck/securestore/internal/testutil/testlog"
	"github.com/danmuck/securestore/internal/testutil/tlstest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// servePeer answers the handshake on conn and then echoes every request as
// an OK response with the same payload, until the client hangs up.
func servePeer(conn net.Conn, accept bool, mutate func(*protocol.Message)) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	req, err := ReadConnect(reader)
	if err != nil {
		return
	}
	ack := ConnectAck{
		Status:      AckStatusAccepted,
		Port:        req.Port,
		ConnID:      "conn-1",
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
	if !accept {
		ack.Status = AckStatusRejected
		ack.Code = int32(protocol.StatusNotFound)
		ack.Message = "unknown port"
	}
	if err := WriteConnectAck(conn, ack); err != nil || !accept {
		return
	}
	for {
		fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			return
		}
		msg := protocol.FromFrame(fr)
		resp := msg.Reply(protocol.StatusOK, protocol.OpenResponse{Handle: msg.OpID}.Encode())
		if mutate != nil {
			mutate(&resp)
		}
		if err := frame.WriteFrame(conn, resp.Frame(), frame.DefaultLimits()); err != nil {
			return
		}
	}
}

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	assert.Equal(t, 250*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 500*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 3, nil))
	assert.Equal(t, 5*time.Second, NextBackoffDelay(cfg, 6, nil))
	assert.Equal(t, time.Duration(0), NextBackoffDelay(BackoffConfig{}, 3, nil))
}

func TestConnectRoundTrip(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	require.NoError(t, WriteConnect(&buf, ConnectRequest{Port: "com.android.trusty.storage.client.td"}))
	got, err := ReadConnect(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, "com.android.trusty.storage.client.td", got.Port)

	err = WriteConnect(&buf, ConnectRequest{Port: "  "})
	require.ErrorIs(t, err, ErrInvalidConnect)
}

func TestConnectAckValidation(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	err := WriteConnectAck(&buf, ConnectAck{Status: "maybe", Port: "p", TimestampMS: 1})
	require.ErrorIs(t, err, ErrInvalidConnectAck)
	err = WriteConnectAck(&buf, ConnectAck{Status: AckStatusAccepted, Port: "p"})
	require.ErrorIs(t, err, ErrInvalidConnectAck)

	require.NoError(t, WriteConnect(&buf, ConnectRequest{Port: "p"}))
	_, err = ReadConnectAck(bufio.NewReader(&buf))
	require.ErrorIs(t, err, ErrInvalidConnectAck)
}

func TestReadControlRejectsOversizedLine(t *testing.T) {
	testlog.Start(t)
	line := bytes.Repeat([]byte("x"), maxControlLine+10)
	_, err := ReadConnect(bufio.NewReader(bytes.NewReader(append(line, '\n'))))
	require.ErrorIs(t, err, ErrControlMessageTooLarge)
}

func TestHandshakeAndSendCorrelatesOpIDs(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	go servePeer(server, true, nil)

	conn, err := Handshake(client, "svc", DefaultConfig())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "svc", conn.Service())
	assert.Equal(t, "conn-1", conn.ConnID())

	for want := uint32(1); want <= 3; want++ {
		payload, err := protocol.OpenRequest{Name: "f"}.Encode()
		require.NoError(t, err)
		resp, err := conn.Send(protocol.NewRequest(protocol.CmdFileOpen, 0, payload))
		require.NoError(t, err)
		assert.Equal(t, protocol.CmdFileOpen.Response(), resp.Cmd)
		assert.Equal(t, want, resp.OpID)
		open, err := protocol.DecodeOpenResponse(resp.Payload)
		require.NoError(t, err)
		assert.Equal(t, want, open.Handle)
	}
}

func TestHandshakeRejectedPort(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	go servePeer(server, false, nil)
	defer client.Close()

	_, err := Handshake(client, "nope", DefaultConfig())
	require.ErrorIs(t, err, ErrPortRejected)
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, int32(protocol.StatusNotFound), rejected.Code)
}

func TestSendOpIDMismatchClosesConn(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	go servePeer(server, true, func(m *protocol.Message) { m.OpID += 7 })

	conn, err := Handshake(client, "svc", DefaultConfig())
	require.NoError(t, err)
	_, err = conn.Send(protocol.NewRequest(protocol.CmdFileClose, 0, protocol.CloseRequest{Handle: 1}.Encode()))
	require.ErrorIs(t, err, ErrOpIDMismatch)

	_, err = conn.Send(protocol.NewRequest(protocol.CmdFileClose, 0, protocol.CloseRequest{Handle: 1}.Encode()))
	require.ErrorIs(t, err, ErrClosed)
	require.NoError(t, conn.Close())
}

func TestSendAfterPeerHangupFails(t *testing.T) {
	testlog.Start(t)
	client, server := net.Pipe()
	go func() {
		reader := bufio.NewReader(server)
		req, _ := ReadConnect(reader)
		_ = WriteConnectAck(server, ConnectAck{
			Status:      AckStatusAccepted,
			Port:        req.Port,
			TimestampMS: 1,
		})
		_ = server.Close()
	}()

	conn, err := Handshake(client, "svc", DefaultConfig())
	require.NoError(t, err)
	_, err = conn.Send(protocol.NewRequest(protocol.CmdEndTransaction, 0, nil))
	require.Error(t, err)
	_, err = conn.Send(protocol.NewRequest(protocol.CmdEndTransaction, 0, nil))
	require.ErrorIs(t, err, ErrClosed)
}

func TestDialerRetriesWithBackoff(t *testing.T) {
	testlog.Start(t)
	clock := clockwork.NewFakeClock()
	var calls atomic.Int32
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		client, server := net.Pipe()
		go servePeer(server, true, nil)
		return client, nil
	}
	cfg := DefaultConfig()
	cfg.Backoff.Jitter = false
	d, err := NewDialer("127.0.0.1:7300", cfg, WithClock(clock), WithDialFunc(dial))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		conn *Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := d.Dial(ctx, "svc")
		done <- result{conn, err}
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(cfg.Backoff.InitialDelay)
	res := <-done
	require.NoError(t, res.err)
	defer res.conn.Close()
	assert.Equal(t, int32(2), calls.Load())
}

func TestDialerDoesNotRetryRejectedPort(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls.Add(1)
		client, server := net.Pipe()
		go servePeer(server, false, nil)
		return client, nil
	}
	d, err := NewDialer("127.0.0.1:7300", DefaultConfig(), WithDialFunc(dial))
	require.NoError(t, err)

	_, err = d.Dial(context.Background(), "bad")
	require.ErrorIs(t, err, ErrPortRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDialerGivesUpAfterMaxAttempts(t *testing.T) {
	testlog.Start(t)
	var calls atomic.Int32
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}
	cfg := DefaultConfig()
	cfg.MaxConnectAttempts = 3
	cfg.Backoff = BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1}
	d, err := NewDialer("127.0.0.1:7300", cfg, WithDialFunc(dial))
	require.NoError(t, err)

	_, err = d.Dial(context.Background(), "svc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, int32(3), calls.Load())
}

func TestNewDialerRequiresAddress(t *testing.T) {
	testlog.Start(t)
	_, err := NewDialer(" ", DefaultConfig())
	require.ErrorIs(t, err, ErrAddressRequired)
}

func TestValidateTransportPolicy(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.SecurityMode = SecurityModeProduction
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSRequired)
	require.ErrorIs(t, cfg.ValidateServerTransport(), ErrTLSRequired)

	cfg.TLS.Enabled = true
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrMTLSRequired)

	cfg.SecurityMode = "staging"
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrInvalidSecurityMode)

	cfg = DefaultConfig()
	cfg.TLS.Enabled = true
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSCAFileRequired)
	require.ErrorIs(t, cfg.ValidateServerTransport(), ErrTLSCertFileRequired)
	_, err := cfg.ClientTLSConfig("127.0.0.1:7900")
	require.ErrorIs(t, err, ErrTLSCAFileRequired)
	_, err = cfg.ServerTLSConfig()
	require.ErrorIs(t, err, ErrTLSCertFileRequired)
	assert.False(t, cfg.RequiresClientCert())

	cfg.SecurityMode = SecurityModeProduction
	cfg.TLS = TLSConfig{Enabled: true, Mutual: true, InsecureSkipVerify: true}
	require.ErrorIs(t, cfg.ValidateClientTransport(), ErrTLSInsecureSkipNotAllow)
	require.ErrorIs(t, cfg.ValidateServerTransport(), ErrTLSCertFileRequired)
	assert.True(t, cfg.RequiresClientCert())
}

func TestDialerMutualTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "storage-ca")
	serverCert, serverKey := ca.IssueServerCert(t, dir, "storaged", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	clientCert, clientKey := ca.IssueClientCert(t, dir, "storagectl")

	serverCfg := DefaultConfig()
	serverCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: serverCert, KeyFile: serverKey, CAFile: ca.CAFile()}
	require.NoError(t, serverCfg.ValidateServerTransport())
	tlsCfg, err := serverCfg.ServerTLSConfig()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peerID := make(chan string, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			peerID <- ""
			return
		}
		conn := tls.Server(raw, tlsCfg)
		if err := conn.Handshake(); err != nil {
			_ = raw.Close()
			peerID <- ""
			return
		}
		state := conn.ConnectionState()
		peerID <- PeerIdentity(state.PeerCertificates[0])
		servePeer(conn, true, nil)
	}()

	clientCfg := DefaultConfig()
	clientCfg.TLS = TLSConfig{Enabled: true, Mutual: true, CertFile: clientCert, KeyFile: clientKey, CAFile: ca.CAFile()}
	d, err := NewDialer(ln.Addr().String(), clientCfg)
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), "svc")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "storagectl", <-peerID)
	resp, err := conn.Send(protocol.NewRequest(protocol.CmdFileGetSize, 0, protocol.GetSizeRequest{Handle: 1}.Encode()))
	require.Error(t, err, "open-shaped echo must fail get_size response validation")
	assert.Equal(t, protocol.Message{}, resp)
}
