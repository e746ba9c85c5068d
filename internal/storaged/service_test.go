package storaged

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danmuck/securestore/internal/protocol"
	"github.com/danmuck/securestore/internal/protocol/transport"
	"github.com/danmuck/securestore/internal/storage"
	"github.com/danmuck/securestore/internal/testutil/testlog"
	"github.com/danmuck/securestore/internal/testutil/tlstest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func pipeConn(t *testing.T, svc *Service, service string) (*transport.Conn, error) {
	t.Helper()
	client, server := net.Pipe()
	go svc.ServeConn(server)
	conn, err := transport.Handshake(client, service, transport.DefaultConfig())
	if err != nil {
		_ = client.Close()
	}
	return conn, err
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	require.Eventually(t, func() bool { return svc.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServeConnHandshakeAndRequests(t *testing.T) {
	testlog.Start(t)
	svc := NewService(ServiceConfig{})
	conn, err := pipeConn(t, svc, storage.PortTamperProof.ServiceName())
	require.NoError(t, err)
	assert.NotEmpty(t, conn.ConnID())

	payload, err := protocol.OpenRequest{Flags: protocol.OpenCreate, Name: "boot"}.Encode()
	require.NoError(t, err)
	resp, err := conn.Send(protocol.NewRequest(protocol.CmdFileOpen, protocol.FlagTransactComplete, payload))
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, resp.Result)
	assert.Equal(t, int64(1), svc.Active())

	_, ok := svc.Store(storage.PortTamperProof).Get("boot")
	assert.True(t, ok)
	_, ok = svc.Store(storage.PortTamperDetect).Get("boot")
	assert.False(t, ok, "ports do not share state")

	require.NoError(t, conn.Close())
	waitIdle(t, svc)
	assert.Equal(t, 0, svc.Store(storage.PortTamperProof).Stats().Open)
}

func TestServeConnRejectsUnknownPort(t *testing.T) {
	testlog.Start(t)
	svc := NewService(ServiceConfig{Ports: []storage.Port{storage.PortTamperProof}})

	_, err := pipeConn(t, svc, "com.example.bogus")
	var rejected *transport.RejectedError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	assert.Equal(t, int32(protocol.StatusNotFound), rejected.Code)

	_, err = pipeConn(t, svc, storage.PortTamperDetect.ServiceName())
	require.ErrorIs(t, err, transport.ErrPortRejected)
	assert.Nil(t, svc.Store(storage.PortTamperDetect))
}

func TestDisconnectDiscardsStagedState(t *testing.T) {
	testlog.Start(t)
	svc := NewService(ServiceConfig{})
	conn, err := pipeConn(t, svc, storage.PortTamperDetect.ServiceName())
	require.NoError(t, err)

	payload, err := protocol.OpenRequest{Flags: protocol.OpenCreate, Name: "pending"}.Encode()
	require.NoError(t, err)
	resp, err := conn.Send(protocol.NewRequest(protocol.CmdFileOpen, 0, payload))
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, resp.Result)

	require.NoError(t, conn.Close())
	waitIdle(t, svc)
	store := svc.Store(storage.PortTamperDetect)
	_, ok := store.Get("pending")
	assert.False(t, ok)
	assert.Equal(t, 0, store.Stats().Open)
}

func TestServeOverTCPUntilCanceled(t *testing.T) {
	testlog.Start(t)
	svc := NewService(ServiceConfig{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()

	d, err := transport.NewDialer(ln.Addr().String(), transport.DefaultConfig())
	require.NoError(t, err)
	conn, err := d.Dial(context.Background(), storage.PortTamperDetectPersist.ServiceName())
	require.NoError(t, err)
	defer conn.Close()

	resp, err := conn.Send(protocol.NewRequest(protocol.CmdEndTransaction, protocol.FlagTransactComplete, nil))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, resp.Result)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
	_, err = conn.Send(protocol.NewRequest(protocol.CmdEndTransaction, 0, nil))
	require.Error(t, err)
}

func TestServeMutualTLSPeerPolicy(t *testing.T) {
	testlog.Start(t)
	pki := tlstest.NewBundle(t, "storaged", "storagectl")
	serverTransport := transport.DefaultConfig()
	serverTransport.TLS = transport.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: pki.ServerCert,
		KeyFile:  pki.ServerKey,
		CAFile:   pki.CAFile,
	}
	clientTransport := transport.DefaultConfig()
	clientTransport.TLS = transport.TLSConfig{
		Enabled:  true,
		Mutual:   true,
		CertFile: pki.ClientCert,
		KeyFile:  pki.ClientKey,
		CAFile:   pki.CAFile,
	}
	clientTransport.MaxConnectAttempts = 1

	run := func(allowed []string) error {
		svc := NewService(ServiceConfig{AllowedPeers: allowed, Transport: serverTransport})
		tlsCfg, err := serverTransport.ServerTLSConfig()
		require.NoError(t, err)
		raw, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx, tls.NewListener(raw, tlsCfg)) }()
		defer func() {
			cancel()
			require.NoError(t, <-done)
		}()

		d, err := transport.NewDialer(raw.Addr().String(), clientTransport)
		require.NoError(t, err)
		conn, err := d.Dial(context.Background(), storage.PortTamperDetect.ServiceName())
		if err != nil {
			return err
		}
		return conn.Close()
	}

	require.NoError(t, run([]string{"storagectl"}))

	err := run([]string{"someone-else"})
	var rejected *transport.RejectedError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	assert.Equal(t, int32(protocol.StatusAccess), rejected.Code)
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	svc := NewService(ServiceConfig{})
	c := newTestConn(svc.Store(storage.PortTamperDetect))
	put(t, c, "settings", []byte("{}"))
	h := svc.AdminHandler()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusServiceUnavailable, get("/ready").Code)

	rec = get("/ports")
	require.Equal(t, http.StatusOK, rec.Code)
	var ports struct {
		Ports []PortInfo `json:"ports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ports))
	require.Len(t, ports.Ports, 4)
	assert.Equal(t, "td", ports.Ports[0].Port)
	assert.Equal(t, 1, ports.Ports[0].Files)
	assert.Equal(t, storage.PortTamperDetect.ServiceName(), ports.Ports[0].Service)

	rec = get("/ports/td/files")
	require.Equal(t, http.StatusOK, rec.Code)
	var files struct {
		Port  string     `json:"port"`
		Files []FileStat `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files.Files, 1)
	assert.Equal(t, FileStat{Name: "settings", Size: 2, Version: 1}, files.Files[0])

	assert.Equal(t, http.StatusBadRequest, get("/ports/zz/files").Code)
	assert.Equal(t, http.StatusOK, get("/metrics").Code)
}

func TestAdminTokenGuardsPortViews(t *testing.T) {
	testlog.Start(t)
	svc := NewService(ServiceConfig{AdminToken: "s3cret"})
	h := svc.AdminHandler()

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/health", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/ports", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/ports/td/files", "wrong"))
	assert.Equal(t, http.StatusOK, get("/ports", "s3cret"))
	assert.Equal(t, http.StatusOK, get("/ports/td/files", "s3cret"))
}
