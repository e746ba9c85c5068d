package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const (
	controlTypeConnect    = "storage.connect"
	controlTypeConnectAck = "storage.connect.ack"

	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	maxControlLine = 16 * 1024
)

var (
	ErrInvalidConnect         = errors.New("transport: invalid connect request")
	ErrInvalidConnectAck      = errors.New("transport: invalid connect ack")
	ErrControlMessageTooLarge = errors.New("transport: control message too large")
)

// ConnectRequest selects the storage port a connection is bound to.
type ConnectRequest struct {
	Port string `json:"port"`
}

func (r ConnectRequest) Validate() error {
	if strings.TrimSpace(r.Port) == "" {
		return errors.Wrap(ErrInvalidConnect, "missing port")
	}
	return nil
}

// ConnectAck is the service answer to a ConnectRequest. Code carries a
// storage status when the port is rejected.
type ConnectAck struct {
	Status      string `json:"status"`
	Code        int32  `json:"code"`
	Message     string `json:"message"`
	Port        string `json:"port"`
	ConnID      string `json:"conn_id,omitempty"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a ConnectAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return errors.Wrap(ErrInvalidConnectAck, "invalid status")
	}
	if strings.TrimSpace(a.Port) == "" {
		return errors.Wrap(ErrInvalidConnectAck, "missing port")
	}
	if a.TimestampMS == 0 {
		return errors.Wrap(ErrInvalidConnectAck, "missing timestamp_ms")
	}
	return nil
}

type controlEnvelope struct {
	Type    string          `json:"type"`
	Connect *ConnectRequest `json:"connect,omitempty"`
	Ack     *ConnectAck     `json:"connect_ack,omitempty"`
}

func WriteConnect(w io.Writer, req ConnectRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type:    controlTypeConnect,
		Connect: &req,
	})
}

func ReadConnect(r *bufio.Reader) (ConnectRequest, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return ConnectRequest{}, err
	}
	if env.Type != controlTypeConnect || env.Connect == nil {
		return ConnectRequest{}, errors.Wrap(ErrInvalidConnect, "unexpected control type")
	}
	if err := env.Connect.Validate(); err != nil {
		return ConnectRequest{}, err
	}
	return *env.Connect, nil
}

func WriteConnectAck(w io.Writer, ack ConnectAck) error {
	if err := ack.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{
		Type: controlTypeConnectAck,
		Ack:  &ack,
	})
}

func ReadConnectAck(r *bufio.Reader) (ConnectAck, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return ConnectAck{}, err
	}
	if env.Type != controlTypeConnectAck || env.Ack == nil {
		return ConnectAck{}, errors.Wrap(ErrInvalidConnectAck, "unexpected control type")
	}
	if err := env.Ack.Validate(); err != nil {
		return ConnectAck{}, err
	}
	return *env.Ack, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "transport: marshal control envelope")
	}
	payload = append(payload, '\n')
	if _, err := w.Write(payload); err != nil {
		return errors.Wrap(err, "transport: write control envelope")
	}
	return nil
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxControlLine {
			return controlEnvelope{}, ErrControlMessageTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return controlEnvelope{}, err
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, errors.Wrap(err, "transport: decode control envelope")
	}
	return env, nil
}
