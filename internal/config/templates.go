package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	KindClient = "client"
	KindDaemon = "daemon"
)

var headers = map[string]string{
	KindClient: "# storagectl client config\n# STORAGE_ADDR, STORAGE_PORT and STORAGE_CHUNK_SIZE override these values.\n\n",
	KindDaemon: "# storaged sandbox config\n# capacity is bytes per port; 0 is unlimited.\n\n",
}

// Template renders the defaults for kind as TOML.
func Template(kind string) (string, error) {
	var v any
	kind = strings.ToLower(strings.TrimSpace(kind))
	switch kind {
	case KindClient:
		v = DefaultClient()
	case KindDaemon:
		v = DefaultDaemon()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	var buf bytes.Buffer
	buf.WriteString(headers[kind])
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return buf.String(), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
