package storage

import (
	"errors"
	"fmt"

	"github.com/danmuck/securestore/internal/protocol"
)

var errEmptyName = errors.New("empty file name")

// exchange carries one operation onto the wire. Direct Session calls
// finalize; Transaction calls leave everything staged.
type exchange struct {
	s        *Session
	finalize bool
}

// fin reports whether a request that would finalize a direct operation
// should carry the complete flag in this context.
func (x exchange) fin(last bool) bool {
	return x.finalize && last
}

func (x exchange) send(cmd protocol.Command, complete bool, payload []byte) (protocol.Message, error) {
	x.s.reapOrphans()
	return x.s.roundTrip(cmd, complete, payload)
}

// abort drops whatever a failed direct operation staged. Inside a
// transaction the caller owns that decision.
func (x exchange) abort() {
	if !x.finalize || x.s.lost {
		return
	}
	if _, err := x.s.roundTrip(protocol.CmdEndTransaction, false, nil); err != nil {
		x.s.log.Warn().Err(err).Msg("storage discard after failed operation")
	}
}

func (x exchange) file(f *SecureFile) *fileState {
	if f == nil || f.st == nil {
		panic("storage: nil SecureFile")
	}
	if f.s != x.s {
		panic("storage: SecureFile used with a session that did not open it")
	}
	if f.st.closed {
		panic("storage: SecureFile used after Close")
	}
	return f.st
}

func checkName(name string) error {
	if name == "" {
		return encodingError(errEmptyName)
	}
	if err := protocol.ValidateName(name); err != nil {
		return encodingError(err)
	}
	return nil
}

func (x exchange) openFile(name string, mode OpenMode, complete bool) (*SecureFile, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	if !mode.Valid() {
		return nil, codeError(CodeNotValid, fmt.Errorf("open mode %d", int(mode)))
	}
	payload, err := protocol.OpenRequest{Flags: mode.Flags(), Name: name}.Encode()
	if err != nil {
		return nil, encodingError(err)
	}
	resp, err := x.send(protocol.CmdFileOpen, complete, payload)
	if err != nil {
		return nil, err
	}
	out, err := protocol.DecodeOpenResponse(resp.Payload)
	if err != nil {
		return nil, codeError(CodeGeneric, err)
	}
	return x.s.track(name, out.Handle), nil
}

func (x exchange) read(name string, buf []byte) ([]byte, error) {
	f, err := x.openFile(name, Open, x.finalize)
	if err != nil {
		return nil, err
	}
	out, err := x.readAll(f, buf)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (x exchange) write(name string, data []byte) error {
	if err := checkName(name); err != nil {
		return err
	}
	f, err := x.openFile(name, Create, false)
	if err != nil {
		x.abort()
		return err
	}
	err = x.writeAll(f, data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (x exchange) readAll(f *SecureFile, buf []byte) ([]byte, error) {
	st := x.file(f)
	size, err := x.getSize(f)
	if err != nil {
		return nil, err
	}
	if size > uint64(len(buf)) {
		return nil, codeError(CodeInsufficientBuffer, fmt.Errorf("%q is %d bytes, buffer holds %d", st.name, size, len(buf)))
	}
	n := int(size)
	off := 0
	for off < n {
		want := min(n-off, x.s.chunk)
		req := protocol.ReadRequest{Handle: st.handle, Size: uint32(want), Offset: uint64(off)}
		resp, err := x.send(protocol.CmdFileRead, false, req.Encode())
		if err != nil {
			return nil, err
		}
		if len(resp.Payload) > want {
			return nil, codeError(CodeGeneric, fmt.Errorf("read returned %d bytes, asked for %d", len(resp.Payload), want))
		}
		off += copy(buf[off:], resp.Payload)
		if len(resp.Payload) < want {
			break
		}
	}
	return buf[:off], nil
}

func (x exchange) writeAll(f *SecureFile, data []byte) error {
	st := x.file(f)
	truncate := protocol.SetSizeRequest{Handle: st.handle}
	if _, err := x.send(protocol.CmdFileSetSize, false, truncate.Encode()); err != nil {
		x.abort()
		return err
	}
	off := 0
	for {
		end := min(off+x.s.chunk, len(data))
		last := end == len(data)
		req := protocol.WriteRequest{Offset: uint64(off), Handle: st.handle, Data: data[off:end]}
		resp, err := x.send(protocol.CmdFileWrite, x.fin(last), req.Encode())
		if err != nil {
			x.abort()
			return err
		}
		out, err := protocol.DecodeWriteResponse(resp.Payload)
		if err != nil {
			x.abort()
			return codeError(CodeGeneric, err)
		}
		if int(out.Written) != end-off {
			fatalf("storage: short write to %q at offset %d: %d of %d bytes", st.name, off, out.Written, end-off)
			return codeError(CodeGeneric, fmt.Errorf("short write: %d of %d bytes", out.Written, end-off))
		}
		if last {
			return nil
		}
		off = end
	}
}

func (x exchange) getSize(f *SecureFile) (uint64, error) {
	st := x.file(f)
	resp, err := x.send(protocol.CmdFileGetSize, false, protocol.GetSizeRequest{Handle: st.handle}.Encode())
	if err != nil {
		return 0, err
	}
	out, err := protocol.DecodeGetSizeResponse(resp.Payload)
	if err != nil {
		return 0, codeError(CodeGeneric, err)
	}
	return out.Size, nil
}

func (x exchange) setSize(f *SecureFile, size uint64) error {
	st := x.file(f)
	req := protocol.SetSizeRequest{Size: size, Handle: st.handle}
	_, err := x.send(protocol.CmdFileSetSize, x.fin(true), req.Encode())
	return err
}

func (x exchange) rename(from, to string) error {
	if err := checkName(from); err != nil {
		return err
	}
	if err := checkName(to); err != nil {
		return err
	}
	payload, err := protocol.MoveRequest{Flags: protocol.MoveCreate, OldName: from, NewName: to}.Encode()
	if err != nil {
		return encodingError(err)
	}
	_, err = x.send(protocol.CmdFileMove, x.fin(true), payload)
	return err
}

func (x exchange) remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	payload, err := protocol.DeleteRequest{Name: name}.Encode()
	if err != nil {
		return encodingError(err)
	}
	_, err = x.send(protocol.CmdFileDelete, x.fin(true), payload)
	return err
}
