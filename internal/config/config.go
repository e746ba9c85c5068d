package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/danmuck/securestore/internal/storage"
)

// Duration is a time.Duration written as "5s" in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Client is the storagectl config file.
type Client struct {
	Addr      string       `toml:"addr" validate:"required,hostname_port"`
	Port      storage.Port `toml:"port" validate:"storage_port"`
	ChunkSize int          `toml:"chunk_size" validate:"gte=0,lte=67108864"`
	Metrics   bool         `toml:"metrics"`
	Transport Transport    `toml:"transport"`
}

// Daemon is the storaged config file.
type Daemon struct {
	Listen       string         `toml:"listen" validate:"required,hostname_port"`
	Admin        string         `toml:"admin" validate:"omitempty,hostname_port"`
	AdminToken   string         `toml:"admin_token"`
	CorsOrigins  []string       `toml:"cors_origins" validate:"dive,url"`
	Ports        []storage.Port `toml:"ports" validate:"min=1,unique,dive,storage_port"`
	Capacity     int64          `toml:"capacity" validate:"gte=0"`
	IdleTimeout  Duration       `toml:"idle_timeout"`
	AllowedPeers []string       `toml:"allowed_peers" validate:"dive,required"`
	Transport    Transport      `toml:"transport"`
}

// Transport mirrors transport.Config with TOML names.
type Transport struct {
	ConnectTimeout     Duration `toml:"connect_timeout"`
	HandshakeTimeout   Duration `toml:"handshake_timeout"`
	ReadTimeout        Duration `toml:"read_timeout"`
	WriteTimeout       Duration `toml:"write_timeout"`
	MaxConnectAttempts int      `toml:"max_connect_attempts" validate:"gte=0"`
	MaxMessageBytes    uint32   `toml:"max_message_bytes" validate:"omitempty,gte=4096"`
	SecurityMode       string   `toml:"security_mode" validate:"omitempty,oneof=development production"`
	TLS                TLS      `toml:"tls"`
}

type TLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file" validate:"omitempty,file"`
	KeyFile            string `toml:"key_file" validate:"omitempty,file"`
	CAFile             string `toml:"ca_file" validate:"omitempty,file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("storage_port", func(fl validator.FieldLevel) bool {
		return storage.Port(fl.Field().Int()).Valid()
	})
	return v
}

func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	meta, err := decodeFile(path, &cfg)
	if err != nil {
		return Client{}, err
	}
	defaultSecurityMode(meta, &cfg.Transport)
	if err := ValidateClient(cfg); err != nil {
		return Client{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func LoadDaemon(path string) (Daemon, error) {
	cfg := DefaultDaemon()
	meta, err := decodeFile(path, &cfg)
	if err != nil {
		return Daemon{}, err
	}
	defaultSecurityMode(meta, &cfg.Transport)
	if err := ValidateDaemon(cfg); err != nil {
		return Daemon{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// decodeFile overlays the file onto out. Unknown keys are an error.
func decodeFile(path string, out any) (toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return meta, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return meta, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return meta, nil
}

// defaultSecurityMode turns on production checks when a file enables TLS
// without choosing a mode.
func defaultSecurityMode(meta toml.MetaData, t *Transport) {
	if t.TLS.Enabled && !meta.IsDefined("transport", "security_mode") {
		t.SecurityMode = "production"
	}
}

func ValidateClient(cfg Client) error {
	if err := validate.Struct(cfg); err != nil {
		return validationError(err)
	}
	if limit := cfg.TransportConfig().MaxChunk(); cfg.ChunkSize > limit {
		return fmt.Errorf("chunk_size %d exceeds %d bytes allowed by transport.max_message_bytes", cfg.ChunkSize, limit)
	}
	return validateTLS(cfg.Transport.TLS, false)
}

func ValidateDaemon(cfg Daemon) error {
	if err := validate.Struct(cfg); err != nil {
		return validationError(err)
	}
	if len(cfg.AllowedPeers) > 0 && !(cfg.Transport.TLS.Enabled && cfg.Transport.TLS.Mutual) {
		return fmt.Errorf("allowed_peers requires transport.tls.mutual")
	}
	return validateTLS(cfg.Transport.TLS, true)
}

func validateTLS(t TLS, server bool) error {
	if !t.Enabled {
		return nil
	}
	needPair := server || t.Mutual
	if needPair && (t.CertFile == "" || t.KeyFile == "") {
		return fmt.Errorf("transport.tls requires cert_file and key_file")
	}
	if (t.Mutual || !server) && t.CAFile == "" && !t.InsecureSkipVerify {
		return fmt.Errorf("transport.tls requires ca_file")
	}
	return nil
}

func validationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(parts, "; "))
}
