package storaged

import (
	"sort"
	"sync"

	"github.com/danmuck/securestore/internal/protocol"
)

// blob is one committed file. version is assigned at commit; zero means the
// file does not exist.
type blob struct {
	data    []byte
	version uint64
}

// Store is the committed filesystem of one port, shared by every
// connection bound to it.
type Store struct {
	port     string
	capacity int64

	mu      sync.Mutex
	files   map[string]*blob
	open    map[string]int
	used    int64
	version uint64
}

// FileStat is a committed file as the admin surface reports it.
type FileStat struct {
	Name    string `json:"name"`
	Size    int    `json:"size"`
	Version uint64 `json:"version"`
}

// StoreStats summarises a port for the admin surface.
type StoreStats struct {
	Port     string `json:"port"`
	Files    int    `json:"files"`
	Bytes    int64  `json:"bytes"`
	Capacity int64  `json:"capacity"`
	Open     int    `json:"open_handles"`
}

func NewStore(port string, capacity int64) *Store {
	return &Store{
		port:     port,
		capacity: capacity,
		files:    make(map[string]*blob),
		open:     make(map[string]int),
	}
}

func (st *Store) Port() string {
	return st.port
}

// snapshot copies the committed contents of name and its version.
func (st *Store) snapshot(name string) ([]byte, uint64, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	b, ok := st.files[name]
	if !ok {
		return nil, 0, false
	}
	return append([]byte(nil), b.data...), b.version, true
}

func (st *Store) committedNames() map[string]bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]bool, len(st.files))
	for name := range st.files {
		out[name] = true
	}
	return out
}

// acquire marks name open. A name holds at most one handle at a time.
func (st *Store) acquire(name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.open[name] > 0 {
		return false
	}
	st.open[name]++
	return true
}

func (st *Store) release(name string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.open[name] <= 1 {
		delete(st.open, name)
		return
	}
	st.open[name]--
}

func (st *Store) isOpen(name string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.open[name] > 0
}

// projectedLocked is the committed usage if b were applied.
func (st *Store) projectedLocked(b *batch) int64 {
	used := st.used
	for name, f := range b.files {
		if cur, ok := st.files[name]; ok {
			used -= int64(len(cur.data))
		}
		if !f.deleted {
			used += int64(len(f.data))
		}
	}
	return used
}

// fits reports whether staging size bytes for name keeps b within capacity.
func (st *Store) fits(b *batch, name string, size int) bool {
	if st.capacity <= 0 {
		return true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	used := st.projectedLocked(b)
	if f, ok := b.files[name]; ok {
		if !f.deleted {
			used -= int64(len(f.data))
		}
	} else if cur, ok := st.files[name]; ok {
		used -= int64(len(cur.data))
	}
	return used+int64(size) <= st.capacity
}

// commit applies b atomically. Any staged file whose committed version moved
// since it was staged fails the whole batch.
func (st *Store) commit(b *batch) protocol.Status {
	if len(b.files) == 0 {
		return protocol.StatusOK
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for name, f := range b.files {
		var cur uint64
		if c, ok := st.files[name]; ok {
			cur = c.version
		}
		if cur != f.base {
			return protocol.StatusTransact
		}
	}
	used := st.projectedLocked(b)
	if st.capacity > 0 && used > st.capacity {
		return protocol.StatusNoSpace
	}
	for name, f := range b.files {
		if f.deleted {
			delete(st.files, name)
			continue
		}
		st.version++
		st.files[name] = &blob{data: f.data, version: st.version}
	}
	st.used = used
	return protocol.StatusOK
}

// List returns committed files sorted by name.
func (st *Store) List() []FileStat {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]FileStat, 0, len(st.files))
	for name, b := range st.files {
		out = append(out, FileStat{Name: name, Size: len(b.data), Version: b.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (st *Store) Stats() StoreStats {
	st.mu.Lock()
	defer st.mu.Unlock()
	open := 0
	for _, n := range st.open {
		open += n
	}
	return StoreStats{
		Port:     st.port,
		Files:    len(st.files),
		Bytes:    st.used,
		Capacity: st.capacity,
		Open:     open,
	}
}

// Get returns a copy of the committed contents of name.
func (st *Store) Get(name string) ([]byte, bool) {
	data, _, ok := st.snapshot(name)
	return data, ok
}
