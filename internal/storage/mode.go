package storage

import (
	"fmt"
	"strings"

	"github.com/danmuck/securestore/internal/protocol"
)

// OpenMode is the closed set of create/truncate combinations an open may use.
type OpenMode int

const (
	// Open fails with NotFound when the file is missing.
	Open OpenMode = iota
	// Create opens the file, creating it when missing.
	Create
	// CreateExclusive creates the file and fails with AlreadyExists when present.
	CreateExclusive
	// TruncateExisting opens and truncates; fails with NotFound when missing.
	TruncateExisting
	// TruncateOrCreate truncates an existing file or creates a new one.
	TruncateOrCreate
)

var modeNames = map[OpenMode]string{
	Open:             "open",
	Create:           "create",
	CreateExclusive:  "create-exclusive",
	TruncateExisting: "truncate-existing",
	TruncateOrCreate: "truncate-or-create",
}

// Flags maps the mode to its wire open flags.
func (m OpenMode) Flags() uint32 {
	switch m {
	case Create:
		return protocol.OpenCreate
	case CreateExclusive:
		return protocol.OpenCreate | protocol.OpenCreateExclusive
	case TruncateExisting:
		return protocol.OpenTruncate
	case TruncateOrCreate:
		return protocol.OpenCreate | protocol.OpenTruncate
	default:
		return 0
	}
}

func (m OpenMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

func (m OpenMode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

func ParseOpenMode(raw string) (OpenMode, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Open, nil
	}
	s = strings.ReplaceAll(s, "_", "-")
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return Open, fmt.Errorf("storage: unknown open mode %q", raw)
}

func (m OpenMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("storage: invalid open mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *OpenMode) UnmarshalText(b []byte) error {
	parsed, err := ParseOpenMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
