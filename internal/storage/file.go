package storage

import (
	"runtime"

	"github.com/danmuck/securestore/internal/protocol"
)

// SecureFile is an open handle scoped to the Session that opened it.
// There is no cursor; reads and writes address offset 0.
type SecureFile struct {
	s  *Session
	st *fileState
}

// fileState is the part of a file the Session tracks. It holds no pointer
// back to the Session so dropped files can still be finalized.
type fileState struct {
	handle uint32
	name   string
	closed bool
}

func (s *Session) track(name string, handle uint32) *SecureFile {
	st := &fileState{handle: handle, name: name}
	s.mu.Lock()
	s.files[handle] = st
	s.mu.Unlock()
	f := &SecureFile{s: s, st: st}
	runtime.SetFinalizer(f, (*SecureFile).finalize)
	return f
}

func (f *SecureFile) Name() string {
	return f.st.name
}

func (f *SecureFile) Handle() uint32 {
	return f.st.handle
}

// Close releases the handle at the service. It is safe to call while a
// Transaction is open and a second call is a no-op.
func (f *SecureFile) Close() error {
	s := f.s
	s.mu.Lock()
	if f.st.closed {
		s.mu.Unlock()
		return nil
	}
	f.st.closed = true
	delete(s.files, f.st.handle)
	s.mu.Unlock()
	runtime.SetFinalizer(f, nil)

	_, err := s.roundTrip(protocol.CmdFileClose, false, protocol.CloseRequest{Handle: f.st.handle}.Encode())
	return err
}

// finalize queues the handle for release on the next request.
func (f *SecureFile) finalize() {
	s := f.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.st.closed {
		return
	}
	f.st.closed = true
	delete(s.files, f.st.handle)
	s.orphans = append(s.orphans, f.st.handle)
}
