package storaged

import (
	"sort"

	"github.com/danmuck/securestore/internal/protocol"
)

// stagedFile is a file touched by the current batch. base is the committed
// version seen when the file was first staged.
type stagedFile struct {
	data    []byte
	deleted bool
	base    uint64
}

// batch is the per-connection staged state. A failed batch has dropped its
// changes and rejects work until the client ends the transaction.
type batch struct {
	files  map[string]*stagedFile
	failed bool
}

func newBatch() *batch {
	return &batch{files: make(map[string]*stagedFile)}
}

func (b *batch) reset() {
	b.files = make(map[string]*stagedFile)
	b.failed = false
}

// fail drops staged changes. When the failing request finalized, the batch
// ends with it instead of lingering in the failed state.
func (b *batch) fail(finalized bool) {
	b.files = make(map[string]*stagedFile)
	b.failed = !finalized
}

// view resolves name against staged changes first, then committed state.
func (b *batch) view(st *Store, name string) ([]byte, bool) {
	if f, ok := b.files[name]; ok {
		if f.deleted {
			return nil, false
		}
		return f.data, true
	}
	data, _, ok := st.snapshot(name)
	return data, ok
}

// stage returns the staged entry for name, copying committed contents on
// first touch.
func (b *batch) stage(st *Store, name string) *stagedFile {
	if f, ok := b.files[name]; ok {
		return f
	}
	data, version, ok := st.snapshot(name)
	f := &stagedFile{data: data, base: version, deleted: !ok}
	b.files[name] = f
	return f
}

// listing merges committed names with staged changes, sorted by name.
func (b *batch) listing(st *Store) []protocol.ListEntry {
	names := st.committedNames()
	out := make([]protocol.ListEntry, 0, len(names)+len(b.files))
	for name := range names {
		state := protocol.ListCommitted
		if f, ok := b.files[name]; ok && f.deleted {
			state = protocol.ListRemoved
		}
		out = append(out, protocol.ListEntry{Flags: state, Name: name})
	}
	for name, f := range b.files {
		if names[name] || f.deleted {
			continue
		}
		out = append(out, protocol.ListEntry{Flags: protocol.ListAdded, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
