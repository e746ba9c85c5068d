package protocol

import (
	"bytes"
	"strings"
)

// ValidateName reports whether name can be converted to wire form.
func ValidateName(name string) error {
	if strings.IndexByte(name, 0) >= 0 {
		return ErrEmbeddedNul
	}
	return nil
}

// EncodeName converts name to its NUL-terminated wire form.
func EncodeName(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	return buf, nil
}

// decodeName reads one NUL-terminated name from b and returns the remainder.
func decodeName(b []byte) (string, []byte, error) {
	idx := bytes.IndexByte(b, 0)
	if idx < 0 {
		return "", nil, ErrNameNotTerminated
	}
	return string(b[:idx]), b[idx+1:], nil
}
