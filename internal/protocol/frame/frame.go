package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderLen is the fixed size of a storage message header on the wire.
const HeaderLen = 24

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrSizeTooSmall    = errors.New("frame: size smaller than fixed header")
	ErrMessageTooLarge = errors.New("frame: message too large")
	ErrReservedSet     = errors.New("frame: reserved header bits set")
)

// Header is the fixed storage message header.
//
// Size covers the header and the payload. Result is only meaningful on
// responses.
type Header struct {
	Cmd      uint32
	OpID     uint32
	Flags    uint32
	Size     uint32
	Result   int32
	Reserved uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxMessageBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 8 * 1024 * 1024,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Size < HeaderLen {
		return Frame{}, ErrSizeTooSmall
	}
	if h.Size > limits.MaxMessageBytes {
		return Frame{}, ErrMessageTooLarge
	}
	if h.Reserved != 0 {
		return Frame{}, ErrReservedSet
	}

	payload := make([]byte, h.Size-HeaderLen)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	total := uint64(HeaderLen) + uint64(len(f.Payload))
	if total > uint64(limits.MaxMessageBytes) {
		return ErrMessageTooLarge
	}

	h := f.Header
	h.Size = uint32(total)
	h.Reserved = 0

	buf := make([]byte, 0, total)
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(buf[0:4], h.Cmd)
	binary.LittleEndian.PutUint32(buf[4:8], h.OpID)
	binary.LittleEndian.PutUint32(buf[8:12], h.Flags)
	binary.LittleEndian.PutUint32(buf[12:16], h.Size)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.Result))
	binary.LittleEndian.PutUint32(buf[20:24], h.Reserved)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Cmd:      binary.LittleEndian.Uint32(b[0:4]),
		OpID:     binary.LittleEndian.Uint32(b[4:8]),
		Flags:    binary.LittleEndian.Uint32(b[8:12]),
		Size:     binary.LittleEndian.Uint32(b[12:16]),
		Result:   int32(binary.LittleEndian.Uint32(b[16:20])),
		Reserved: binary.LittleEndian.Uint32(b[20:24]),
	}, nil
}
