package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/securestore/internal/protocol/transport"
	"github.com/danmuck/securestore/internal/storage"
	"github.com/danmuck/securestore/internal/storaged"
)

const (
	EnvAddr   = "STORAGE_ADDR"
	EnvPort   = "STORAGE_PORT"
	EnvChunk  = "STORAGE_CHUNK_SIZE"
	EnvConfig = "STORAGE_CONFIG"
)

func DefaultClient() Client {
	return Client{
		Addr:      storaged.DefaultServiceConfig().ListenAddr,
		Port:      storage.PortTamperDetect,
		Metrics:   true,
		Transport: transportFile(transport.DefaultConfig()),
	}
}

func DefaultDaemon() Daemon {
	svc := storaged.DefaultServiceConfig()
	return Daemon{
		Listen:      svc.ListenAddr,
		Admin:       svc.AdminAddr,
		CorsOrigins: svc.CorsOrigins,
		Ports:       svc.Ports,
		Capacity:    svc.Capacity,
		IdleTimeout: Duration{svc.IdleTimeout},
		Transport:   transportFile(svc.Transport),
	}
}

// ApplyEnv overrides client settings from the environment. lookup is
// usually os.LookupEnv.
func (c *Client) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAddr); ok && strings.TrimSpace(v) != "" {
		c.Addr = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPort); ok && strings.TrimSpace(v) != "" {
		p, err := storage.ParsePort(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Port = p
	}
	if v, ok := lookup(EnvChunk); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvChunk, err)
		}
		c.ChunkSize = n
	}
	return ValidateClient(*c)
}

// SessionOptions maps client settings onto storage.Session options. The
// chunk size never exceeds what the transport message limit can carry.
func (c Client) SessionOptions() []storage.Option {
	opts := []storage.Option{storage.WithMetrics(c.Metrics)}
	if c.ChunkSize > 0 {
		opts = append(opts, storage.WithChunkSize(min(c.ChunkSize, c.TransportConfig().MaxChunk())))
	}
	return opts
}

func (c Client) TransportConfig() transport.Config {
	return c.Transport.config()
}

func (d Daemon) ServiceConfig() storaged.ServiceConfig {
	return storaged.ServiceConfig{
		ListenAddr:   d.Listen,
		AdminAddr:    d.Admin,
		AdminToken:   d.AdminToken,
		CorsOrigins:  d.CorsOrigins,
		Ports:        d.Ports,
		Capacity:     d.Capacity,
		IdleTimeout:  d.IdleTimeout.Duration,
		AllowedPeers: d.AllowedPeers,
		Transport:    d.Transport.config(),
	}
}

func (t Transport) config() transport.Config {
	cfg := transport.Config{
		ConnectTimeout:     t.ConnectTimeout.Duration,
		HandshakeTimeout:   t.HandshakeTimeout.Duration,
		ReadTimeout:        t.ReadTimeout.Duration,
		WriteTimeout:       t.WriteTimeout.Duration,
		MaxConnectAttempts: t.MaxConnectAttempts,
		MaxMessageBytes:    t.MaxMessageBytes,
		SecurityMode:       transport.SecurityMode(t.SecurityMode),
		TLS: transport.TLSConfig{
			Enabled:            t.TLS.Enabled,
			Mutual:             t.TLS.Mutual,
			CertFile:           t.TLS.CertFile,
			KeyFile:            t.TLS.KeyFile,
			CAFile:             t.TLS.CAFile,
			ServerName:         t.TLS.ServerName,
			InsecureSkipVerify: t.TLS.InsecureSkipVerify,
		},
		Backoff: transport.DefaultConfig().Backoff,
	}
	return cfg.WithDefaults()
}

func transportFile(cfg transport.Config) Transport {
	return Transport{
		ConnectTimeout:     Duration{cfg.ConnectTimeout},
		HandshakeTimeout:   Duration{cfg.HandshakeTimeout},
		ReadTimeout:        Duration{cfg.ReadTimeout},
		WriteTimeout:       Duration{cfg.WriteTimeout},
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		MaxMessageBytes:    cfg.MaxMessageBytes,
		SecurityMode:       string(cfg.SecurityMode),
		TLS: TLS{
			Enabled:            cfg.TLS.Enabled,
			Mutual:             cfg.TLS.Mutual,
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			CAFile:             cfg.TLS.CAFile,
			ServerName:         cfg.TLS.ServerName,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		},
	}
}
