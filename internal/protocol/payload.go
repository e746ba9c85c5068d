package protocol

import (
	"encoding/binary"

	"github.com/danmuck/securestore/internal/protocol/frame"
)

// Payload layouts are packed little-endian. Names are NUL-terminated.

// WriteRequestOverhead is the fixed part of a WriteRequest ahead of its data.
const WriteRequestOverhead = 16

// MaxChunk is the largest data block that fits one write request or read
// response under limits.
func MaxChunk(limits frame.Limits) int {
	n := int(limits.MaxMessageBytes) - frame.HeaderLen - WriteRequestOverhead
	return max(n, 0)
}

// DeleteRequest is the STORAGE_FILE_DELETE payload.
type DeleteRequest struct {
	Flags uint32
	Name  string
}

// OpenRequest is the STORAGE_FILE_OPEN payload.
type OpenRequest struct {
	Flags uint32
	Name  string
}

// OpenResponse carries the handle of a successfully opened file.
type OpenResponse struct {
	Handle uint32
}

// CloseRequest is the STORAGE_FILE_CLOSE payload.
type CloseRequest struct {
	Handle uint32
}

// ReadRequest asks for up to Size bytes at Offset.
type ReadRequest struct {
	Handle uint32
	Size   uint32
	Offset uint64
}

// WriteRequest writes Data at Offset.
type WriteRequest struct {
	Offset uint64
	Handle uint32
	Data   []byte
}

// WriteResponse reports how many bytes the service accepted.
type WriteResponse struct {
	Written uint32
}

// GetSizeRequest is the STORAGE_FILE_GET_SIZE payload.
type GetSizeRequest struct {
	Handle uint32
}

// GetSizeResponse carries the current file length.
type GetSizeResponse struct {
	Size uint64
}

// SetSizeRequest truncates or zero-extends a file.
type SetSizeRequest struct {
	Size   uint64
	Handle uint32
}

// MoveRequest renames OldName to NewName. Handle is only read when Flags
// contains MoveOpenFile.
type MoveRequest struct {
	Flags   uint32
	Handle  uint32
	OldName string
	NewName string
}

// ListRequest resumes a listing after Name, or starts one when Flags is ListStart.
type ListRequest struct {
	MaxCount uint8
	Flags    ListFlag
	Name     string
}

// ListEntry is one file in a listing response.
type ListEntry struct {
	Flags ListFlag
	Name  string
}

func (r DeleteRequest) Encode() ([]byte, error) {
	return encodeFlagsName(r.Flags, r.Name)
}

func DecodeDeleteRequest(b []byte) (DeleteRequest, error) {
	flags, name, err := decodeFlagsName(b)
	if err != nil {
		return DeleteRequest{}, err
	}
	return DeleteRequest{Flags: flags, Name: name}, nil
}

func (r OpenRequest) Encode() ([]byte, error) {
	return encodeFlagsName(r.Flags, r.Name)
}

func DecodeOpenRequest(b []byte) (OpenRequest, error) {
	flags, name, err := decodeFlagsName(b)
	if err != nil {
		return OpenRequest{}, err
	}
	return OpenRequest{Flags: flags, Name: name}, nil
}

func (r OpenResponse) Encode() []byte {
	return putU32(r.Handle)
}

func DecodeOpenResponse(b []byte) (OpenResponse, error) {
	v, err := exactU32(b)
	if err != nil {
		return OpenResponse{}, err
	}
	return OpenResponse{Handle: v}, nil
}

func (r CloseRequest) Encode() []byte {
	return putU32(r.Handle)
}

func DecodeCloseRequest(b []byte) (CloseRequest, error) {
	v, err := exactU32(b)
	if err != nil {
		return CloseRequest{}, err
	}
	return CloseRequest{Handle: v}, nil
}

func (r ReadRequest) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], r.Handle)
	binary.LittleEndian.PutUint32(buf[4:8], r.Size)
	binary.LittleEndian.PutUint64(buf[8:16], r.Offset)
	return buf
}

func DecodeReadRequest(b []byte) (ReadRequest, error) {
	if err := exactLen(b, 16); err != nil {
		return ReadRequest{}, err
	}
	return ReadRequest{
		Handle: binary.LittleEndian.Uint32(b[0:4]),
		Size:   binary.LittleEndian.Uint32(b[4:8]),
		Offset: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

func (r WriteRequest) Encode() []byte {
	buf := make([]byte, WriteRequestOverhead+len(r.Data))
	binary.LittleEndian.PutUint64(buf[0:8], r.Offset)
	binary.LittleEndian.PutUint32(buf[8:12], r.Handle)
	copy(buf[WriteRequestOverhead:], r.Data)
	return buf
}

func DecodeWriteRequest(b []byte) (WriteRequest, error) {
	if len(b) < 16 {
		return WriteRequest{}, ErrTruncated
	}
	if binary.LittleEndian.Uint32(b[12:16]) != 0 {
		return WriteRequest{}, ErrInvalidFlags
	}
	data := make([]byte, len(b)-16)
	copy(data, b[16:])
	return WriteRequest{
		Offset: binary.LittleEndian.Uint64(b[0:8]),
		Handle: binary.LittleEndian.Uint32(b[8:12]),
		Data:   data,
	}, nil
}

func (r WriteResponse) Encode() []byte {
	return putU32(r.Written)
}

func DecodeWriteResponse(b []byte) (WriteResponse, error) {
	v, err := exactU32(b)
	if err != nil {
		return WriteResponse{}, err
	}
	return WriteResponse{Written: v}, nil
}

func (r GetSizeRequest) Encode() []byte {
	return putU32(r.Handle)
}

func DecodeGetSizeRequest(b []byte) (GetSizeRequest, error) {
	v, err := exactU32(b)
	if err != nil {
		return GetSizeRequest{}, err
	}
	return GetSizeRequest{Handle: v}, nil
}

func (r GetSizeResponse) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, r.Size)
	return buf
}

func DecodeGetSizeResponse(b []byte) (GetSizeResponse, error) {
	if err := exactLen(b, 8); err != nil {
		return GetSizeResponse{}, err
	}
	return GetSizeResponse{Size: binary.LittleEndian.Uint64(b)}, nil
}

func (r SetSizeRequest) Encode() []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf[0:8], r.Size)
	binary.LittleEndian.PutUint32(buf[8:12], r.Handle)
	return buf
}

func DecodeSetSizeRequest(b []byte) (SetSizeRequest, error) {
	if err := exactLen(b, 12); err != nil {
		return SetSizeRequest{}, err
	}
	return SetSizeRequest{
		Size:   binary.LittleEndian.Uint64(b[0:8]),
		Handle: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// Encode lays out both names back to back; old_name_len counts the old
// name's terminator.
func (r MoveRequest) Encode() ([]byte, error) {
	oldName, err := EncodeName(r.OldName)
	if err != nil {
		return nil, err
	}
	newName, err := EncodeName(r.NewName)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 12, 12+len(oldName)+len(newName))
	binary.LittleEndian.PutUint32(buf[0:4], r.Flags)
	binary.LittleEndian.PutUint32(buf[4:8], r.Handle)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(oldName)))
	buf = append(buf, oldName...)
	buf = append(buf, newName...)
	return buf, nil
}

func DecodeMoveRequest(b []byte) (MoveRequest, error) {
	if len(b) < 12 {
		return MoveRequest{}, ErrTruncated
	}
	req := MoveRequest{
		Flags:  binary.LittleEndian.Uint32(b[0:4]),
		Handle: binary.LittleEndian.Uint32(b[4:8]),
	}
	oldLen := binary.LittleEndian.Uint32(b[8:12])
	rest := b[12:]
	if uint64(oldLen) > uint64(len(rest)) {
		return MoveRequest{}, ErrTruncated
	}
	oldName, tail, err := decodeName(rest[:oldLen])
	if err != nil {
		return MoveRequest{}, err
	}
	if len(tail) != 0 {
		return MoveRequest{}, ErrNameLenMismatch
	}
	newName, tail, err := decodeName(rest[oldLen:])
	if err != nil {
		return MoveRequest{}, err
	}
	if len(tail) != 0 {
		return MoveRequest{}, ErrTrailingBytes
	}
	req.OldName = oldName
	req.NewName = newName
	return req, nil
}

func (r ListRequest) Encode() ([]byte, error) {
	name, err := EncodeName(r.Name)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2+len(name))
	buf = append(buf, r.MaxCount, byte(r.Flags))
	return append(buf, name...), nil
}

func DecodeListRequest(b []byte) (ListRequest, error) {
	if len(b) < 2 {
		return ListRequest{}, ErrTruncated
	}
	name, tail, err := decodeName(b[2:])
	if err != nil {
		return ListRequest{}, err
	}
	if len(tail) != 0 {
		return ListRequest{}, ErrTrailingBytes
	}
	return ListRequest{MaxCount: b[0], Flags: ListFlag(b[1]), Name: name}, nil
}

// EncodeListResponse concatenates entries in order.
func EncodeListResponse(entries []ListEntry) ([]byte, error) {
	buf := make([]byte, 0, 16*len(entries))
	for _, e := range entries {
		name, err := EncodeName(e.Name)
		if err != nil {
			return nil, err
		}
		buf = append(buf, byte(e.Flags))
		buf = append(buf, name...)
	}
	return buf, nil
}

func DecodeListResponse(b []byte) ([]ListEntry, error) {
	entries := make([]ListEntry, 0)
	for len(b) > 0 {
		flags := ListFlag(b[0])
		name, tail, err := decodeName(b[1:])
		if err != nil {
			return nil, err
		}
		entries = append(entries, ListEntry{Flags: flags, Name: name})
		b = tail
	}
	return entries, nil
}

func encodeFlagsName(flags uint32, name string) ([]byte, error) {
	encoded, err := EncodeName(name)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4, 4+len(encoded))
	binary.LittleEndian.PutUint32(buf, flags)
	return append(buf, encoded...), nil
}

func decodeFlagsName(b []byte) (uint32, string, error) {
	if len(b) < 4 {
		return 0, "", ErrTruncated
	}
	name, tail, err := decodeName(b[4:])
	if err != nil {
		return 0, "", err
	}
	if len(tail) != 0 {
		return 0, "", ErrTrailingBytes
	}
	return binary.LittleEndian.Uint32(b[0:4]), name, nil
}

func putU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func exactU32(b []byte) (uint32, error) {
	if err := exactLen(b, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func exactLen(b []byte, n int) error {
	if len(b) < n {
		return ErrTruncated
	}
	if len(b) > n {
		return ErrTrailingBytes
	}
	return nil
}
