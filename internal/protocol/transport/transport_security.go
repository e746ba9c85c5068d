package transport

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidSecurityMode     = errors.New("transport: invalid security mode")
	ErrTLSRequired             = errors.New("transport: tls required")
	ErrMTLSRequired            = errors.New("transport: mtls required")
	ErrTLSCertFileRequired     = errors.New("transport: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("transport: tls key file required")
	ErrTLSCAFileRequired       = errors.New("transport: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("transport: insecure skip verify not allowed")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// tlsRule is one transport policy check; the first broken rule wins.
type tlsRule struct {
	broken bool
	err    error
}

// policy checks c for the dialing side or, with server set, the listening
// side. Production mode demands mutual TLS on both.
func (c Config) policy(server bool) error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	if mode != SecurityModeDevelopment && mode != SecurityModeProduction {
		return errors.Wrapf(ErrInvalidSecurityMode, "%q", c.SecurityMode)
	}
	t := c.TLS
	strict := mode == SecurityModeProduction
	needPair := t.Enabled && (server || t.Mutual)
	needCA := t.Enabled && ((server && t.Mutual) || (!server && !t.InsecureSkipVerify))
	rules := []tlsRule{
		{strict && !t.Enabled, ErrTLSRequired},
		{strict && !t.Mutual, ErrMTLSRequired},
		{strict && !server && t.InsecureSkipVerify, ErrTLSInsecureSkipNotAllow},
		{t.Mutual && !t.Enabled, ErrTLSRequired},
		{needPair && blank(t.CertFile), ErrTLSCertFileRequired},
		{needPair && blank(t.KeyFile), ErrTLSKeyFileRequired},
		{needCA && blank(t.CAFile), ErrTLSCAFileRequired},
	}
	for _, r := range rules {
		if r.broken {
			return r.err
		}
	}
	return nil
}

// ValidateClientTransport reports whether c can dial under its security mode.
func (c Config) ValidateClientTransport() error {
	return c.policy(false)
}

// ValidateServerTransport reports whether c can listen under its security
// mode.
func (c Config) ValidateServerTransport() error {
	return c.policy(true)
}

// RequiresClientCert reports whether a listener must verify peer
// certificates.
func (c Config) RequiresClientCert() bool {
	return c.TLS.Mutual || NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// ClientTLSConfig checks the dialing policy and builds the dialer TLS config.
// ServerName falls back to the host part of addr.
func (c Config) ClientTLSConfig(addr string) (*tls.Config, error) {
	if err := c.policy(false); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "transport: split address %q", addr)
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if !blank(c.TLS.CAFile) {
		pool, err := loadCertPool(strings.TrimSpace(c.TLS.CAFile))
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "transport: load client key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLSConfig checks the listening policy and builds the listener TLS
// config, requiring client certificates under mTLS or production mode.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	if err := c.policy(true); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "transport: load server key pair")
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}

	if c.RequiresClientCert() {
		pool, err := loadCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// PeerIdentity extracts a stable identity from a verified certificate using
// CN, then URI, then DNS SAN.
func PeerIdentity(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	if v := strings.TrimSpace(cert.Subject.CommonName); v != "" {
		return v
	}
	if len(cert.URIs) > 0 {
		if v := strings.TrimSpace(cert.URIs[0].String()); v != "" {
			return v
		}
	}
	if len(cert.DNSNames) > 0 {
		return strings.TrimSpace(cert.DNSNames[0])
	}
	return ""
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: read tls ca bundle %s", path)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, errors.Errorf("transport: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
