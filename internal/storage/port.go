package storage

import (
	"fmt"
	"strings"
)

// Port selects the storage service variant a Session connects to.
type Port int

const (
	// PortTamperDetect is cleared by factory reset.
	PortTamperDetect Port = iota
	// PortTamperDetectPersist survives factory reset.
	PortTamperDetectPersist
	// PortTamperDetectEarlyAccess is available before the non-secure OS boots.
	PortTamperDetectEarlyAccess
	// PortTamperProof is backed by replay-protected storage.
	PortTamperProof
)

const servicePrefix = "com.android.trusty.storage.client."

var ports = []Port{
	PortTamperDetect,
	PortTamperDetectPersist,
	PortTamperDetectEarlyAccess,
	PortTamperProof,
}

// Ports lists every port in declaration order.
func Ports() []Port {
	out := make([]Port, len(ports))
	copy(out, ports)
	return out
}

func (p Port) short() string {
	switch p {
	case PortTamperDetect:
		return "td"
	case PortTamperDetectPersist:
		return "tdp"
	case PortTamperDetectEarlyAccess:
		return "tdea"
	case PortTamperProof:
		return "tp"
	default:
		return ""
	}
}

// ServiceName is the fixed service-selection tag sent during connect.
func (p Port) ServiceName() string {
	s := p.short()
	if s == "" {
		return ""
	}
	return servicePrefix + s
}

func (p Port) String() string {
	if s := p.short(); s != "" {
		return s
	}
	return fmt.Sprintf("port(%d)", int(p))
}

func (p Port) Description() string {
	switch p {
	case PortTamperDetect:
		return "tamper-detect"
	case PortTamperDetectPersist:
		return "tamper-detect, persistent across wipe"
	case PortTamperDetectEarlyAccess:
		return "tamper-detect, early boot access"
	case PortTamperProof:
		return "tamper-proof"
	default:
		return "unknown"
	}
}

func (p Port) Valid() bool {
	return p.short() != ""
}

// ParsePort accepts a short name (td, tdp, tdea, tp) or a full service name.
func ParsePort(raw string) (Port, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, servicePrefix)
	for _, p := range ports {
		if p.short() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("storage: unknown port %q", raw)
}

// PortForService is the inverse of ServiceName.
func PortForService(service string) (Port, bool) {
	for _, p := range ports {
		if p.ServiceName() == service {
			return p, true
		}
	}
	return 0, false
}

func (p Port) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("storage: invalid port %d", int(p))
	}
	return []byte(p.short()), nil
}

func (p *Port) UnmarshalText(b []byte) error {
	parsed, err := ParsePort(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
