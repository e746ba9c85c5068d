package storage

import (
	"runtime"
	"time"

	"github.com/danmuck/securestore/internal/observability"
	"github.com/danmuck/securestore/internal/protocol"
)

// Transaction stages operations on its Session's connection until Commit or
// Discard. Letting one become unreachable without either is fatal.
type Transaction struct {
	s       *Session
	started time.Time
	done    bool
}

func (t *Transaction) op() exchange {
	if t.done {
		panic("storage: transaction used after Commit or Discard")
	}
	return exchange{s: t.s}
}

func (t *Transaction) OpenFile(name string, mode OpenMode) (*SecureFile, error) {
	return t.op().openFile(name, mode, false)
}

// Read sees the staged state of name, not only what is committed.
func (t *Transaction) Read(name string, buf []byte) ([]byte, error) {
	return t.op().read(name, buf)
}

func (t *Transaction) Write(name string, data []byte) error {
	return t.op().write(name, data)
}

func (t *Transaction) ReadAll(f *SecureFile, buf []byte) ([]byte, error) {
	return t.op().readAll(f, buf)
}

func (t *Transaction) WriteAll(f *SecureFile, data []byte) error {
	return t.op().writeAll(f, data)
}

func (t *Transaction) GetSize(f *SecureFile) (uint64, error) {
	return t.op().getSize(f)
}

func (t *Transaction) SetSize(f *SecureFile, size uint64) error {
	return t.op().setSize(f, size)
}

func (t *Transaction) Rename(from, to string) error {
	return t.op().rename(from, to)
}

func (t *Transaction) Remove(name string) error {
	return t.op().remove(name)
}

// ListFiles includes staged additions and removals.
func (t *Transaction) ListFiles() ([]FileInfo, error) {
	return t.op().listFiles()
}

// Commit applies every staged operation as one unit. A conflict or an
// earlier failed operation fails the whole batch with CodeTransaction.
func (t *Transaction) Commit() error {
	return t.end(true)
}

// Discard drops every staged operation.
func (t *Transaction) Discard() error {
	return t.end(false)
}

func (t *Transaction) end(commit bool) error {
	if t.done {
		panic("storage: transaction already finished")
	}
	t.done = true
	runtime.SetFinalizer(t, nil)
	s := t.s
	s.inTx = false

	s.reapOrphans()
	_, err := s.roundTrip(protocol.CmdEndTransaction, commit, nil)

	outcome := "discarded"
	if commit {
		outcome = "committed"
	}
	if err != nil {
		switch code, _ := CodeOf(err); code {
		case CodeConnectionLost:
			outcome = "lost"
		case CodeTransaction:
			outcome = "conflict"
		default:
			outcome = "failed"
		}
	}
	if s.metrics {
		observability.RecordClientTransaction(s.port.String(), outcome)
	}
	s.log.Debug().
		Str("outcome", outcome).
		Dur("elapsed", time.Since(t.started)).
		Err(err).
		Msg("storage.Transaction end")
	return err
}

func (t *Transaction) finalize() {
	if t.done || t.s.lost {
		return
	}
	fatalf("storage: transaction on port %s dropped without Commit or Discard", t.s.port)
}
