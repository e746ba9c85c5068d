package storaged

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/securestore/internal/observability"
	"github.com/danmuck/securestore/internal/protocol"
	"github.com/danmuck/securestore/internal/protocol/frame"
	"github.com/danmuck/securestore/internal/protocol/transport"
	"github.com/danmuck/securestore/internal/storage"
)

// Connect rejection codes carried in ConnectAck.Code.
const (
	rejectInvalidConnect = int32(protocol.StatusNotValid)
	rejectUnknownPort    = int32(protocol.StatusNotFound)
	rejectIdentity       = int32(protocol.StatusAccess)
)

// ServiceConfig configures the sandbox listener and admin surface.
type ServiceConfig struct {
	ListenAddr  string
	AdminAddr   string
	AdminToken  string
	CorsOrigins []string
	Ports       []storage.Port
	// Capacity caps committed bytes per port; zero is unlimited.
	Capacity int64
	// IdleTimeout closes connections that send nothing; zero disables it.
	IdleTimeout time.Duration
	// AllowedPeers restricts mTLS client identities when non-empty.
	AllowedPeers []string
	Transport    transport.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: "127.0.0.1:7800",
		AdminAddr:  "127.0.0.1:7801",
		Ports:      storage.Ports(),
		Transport:  transport.DefaultConfig(),
	}
}

// Service is the sandbox storage daemon: one Store per enabled port and a
// connection loop speaking the storage wire protocol.
type Service struct {
	cfg    ServiceConfig
	stores map[string]*Store
	log    zerolog.Logger

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	active atomic.Int64
	ready  atomic.Bool
}

func NewService(cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = def.Ports
	}
	cfg.Transport = cfg.Transport.WithDefaults()
	s := &Service{
		cfg:    cfg,
		stores: make(map[string]*Store, len(cfg.Ports)),
		log:    log.With().Str("component", "storaged").Logger(),
		conns:  make(map[net.Conn]struct{}),
	}
	for _, p := range cfg.Ports {
		s.stores[p.ServiceName()] = NewStore(p.String(), cfg.Capacity)
	}
	return s
}

// Store returns the committed state of port, or nil when it is disabled.
func (s *Service) Store(p storage.Port) *Store {
	return s.stores[p.ServiceName()]
}

// Active is the number of connected clients.
func (s *Service) Active() int64 {
	return s.active.Load()
}

// Run listens on the storage and admin addresses until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.cfg.Transport.ValidateServerTransport(); err != nil {
		return err
	}
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.Transport.TLS.Enabled).Msg("storaged listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.Serve(ctx, ln)
	})
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.log.Info().Str("addr", addr).Msg("storaged admin listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "storaged: admin server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func (s *Service) listen() (net.Listener, error) {
	if !s.cfg.Transport.TLS.Enabled {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		return ln, errors.Wrapf(err, "storaged: listen %s", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Transport.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
	return ln, errors.Wrapf(err, "storaged: listen tls %s", s.cfg.ListenAddr)
}

// Serve accepts connections on ln until ctx is done, then closes every
// open connection and waits for their handlers.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.cfg.Transport.ValidateServerTransport(); err != nil {
		return err
	}
	defer ln.Close()
	defer s.wg.Wait()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		s.ready.Store(false)
		_ = ln.Close()
		s.closeAllConns()
	}()

	s.ready.Store(true)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "storaged: accept")
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(conn)
		}()
	}
}

// ServeConn runs the handshake and request loop for one connection and
// closes it on return.
func (s *Service) ServeConn(conn net.Conn) {
	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.log.With().Str("conn_id", connID).Str("remote", conn.RemoteAddr().String()).Logger()

	peer, err := s.authenticateConn(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("storaged transport auth failed")
		return
	}
	reader := bufio.NewReader(conn)
	store, ack := s.handshake(conn, reader, connID, peer)
	if err := transport.WriteConnectAck(conn, ack); err != nil {
		logger.Warn().Err(err).Msg("storaged write connect ack")
		return
	}
	if store == nil {
		logger.Warn().Str("port", ack.Port).Str("reason", ack.Message).Msg("storaged connect rejected")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	logger = logger.With().Str("port", store.Port()).Logger()
	if peer != "" {
		logger = logger.With().Str("peer", peer).Logger()
	}
	active := s.active.Add(1)
	observability.AddServiceConnection(store.Port(), 1)
	logger.Info().Int64("active_clients", active).Msg("storaged client connected")

	state := newConnState(store, logger)
	defer func() {
		state.release()
		remaining := s.active.Add(-1)
		observability.AddServiceConnection(store.Port(), -1)
		logger.Info().Int64("active_clients", remaining).Msg("storaged client disconnected")
	}()

	limits := s.cfg.Transport.Limits()
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		fr, err := frame.ReadFrame(reader, limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn().Err(err).Msg("storaged read frame")
			}
			return
		}
		resp := state.handle(protocol.FromFrame(fr))
		if s.cfg.Transport.WriteTimeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Transport.WriteTimeout))
		}
		if err := frame.WriteFrame(conn, resp.Frame(), limits); err != nil {
			logger.Warn().Err(err).Msg("storaged write frame")
			return
		}
	}
}

// handshake binds the connection to a port. A nil store means the ack is
// a rejection.
func (s *Service) handshake(conn net.Conn, reader *bufio.Reader, connID, peer string) (*Store, transport.ConnectAck) {
	if s.cfg.Transport.HandshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.Transport.HandshakeTimeout))
	}
	now := uint64(time.Now().UnixMilli())
	reject := func(port string, code int32, msg string) (*Store, transport.ConnectAck) {
		if port == "" {
			port = "unknown"
		}
		return nil, transport.ConnectAck{
			Status:      transport.AckStatusRejected,
			Code:        code,
			Message:     msg,
			Port:        port,
			TimestampMS: now,
		}
	}

	req, err := transport.ReadConnect(reader)
	if err != nil {
		return reject("", rejectInvalidConnect, "invalid connect payload")
	}
	if len(s.cfg.AllowedPeers) > 0 && !containsPeer(s.cfg.AllowedPeers, peer) {
		return reject(req.Port, rejectIdentity, "peer not allowed")
	}
	store, ok := s.stores[req.Port]
	if !ok {
		return reject(req.Port, rejectUnknownPort, "unknown port")
	}
	return store, transport.ConnectAck{
		Status:      transport.AckStatusAccepted,
		Port:        req.Port,
		ConnID:      connID,
		TimestampMS: now,
	}
}

func containsPeer(allowed []string, peer string) bool {
	for _, p := range allowed {
		if strings.TrimSpace(p) == peer {
			return true
		}
	}
	return false
}

// authenticateConn enforces the TLS policy and returns the verified peer
// identity, if any.
func (s *Service) authenticateConn(conn net.Conn) (string, error) {
	cfg := s.cfg.Transport
	mode := transport.NormalizeSecurityMode(cfg.SecurityMode)
	if !cfg.TLS.Enabled {
		if mode == transport.SecurityModeProduction {
			return "", transport.ErrTLSRequired
		}
		return "", nil
	}
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", errors.New("storaged: expected tls connection")
	}
	if cfg.HandshakeTimeout > 0 {
		_ = tlsConn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	}
	if err := tlsConn.Handshake(); err != nil {
		return "", errors.Wrap(err, "storaged: tls handshake")
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		if cfg.RequiresClientCert() {
			return "", transport.ErrMTLSRequired
		}
		return "", nil
	}
	peer := transport.PeerIdentity(state.PeerCertificates[0])
	if peer == "" {
		return "", errors.New("storaged: empty peer identity from certificate")
	}
	return peer, nil
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
