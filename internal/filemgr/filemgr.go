// Package filemgr owns the open-file table: path → descriptor,
// reference-counted across position blocks, plus the session-generation
// check that rejects stale handles once their descriptor slot is closed.
//
// Grounded loosely on SimonWaldherr-tinySQL's internal/storage/pager/backend.go
// table-handle bookkeeping (LoadTable/SaveTable/refcounting), repurposed
// from SQL table handles to Btrieve file handles (see DESIGN.md).
package filemgr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xtrieve/xtrieve/internal/btree"
	"github.com/xtrieve/xtrieve/internal/keydesc"
	"github.com/xtrieve/xtrieve/internal/pagestore"
	"github.com/xtrieve/xtrieve/internal/recordstore"
)

// Errors surfaced by the file manager; internal/dispatch maps these to
// wire status codes.
var (
	ErrFileNotOpen  = errors.New("filemgr: file not open")
	ErrFileNotFound = errors.New("filemgr: file not found")
	ErrAlreadyOpen  = errors.New("filemgr: file already open exclusively")
)

// OpenMode mirrors the key_number field Open overloads (spec.md §6).
type OpenMode int16

const (
	ModeNormal    OpenMode = -1
	ModeReadOnly  OpenMode = -2
	ModeExclusive OpenMode = -3
)

// Descriptor is the in-memory representation of one opened data file,
// shared by every session with a position block pointing at it.
type Descriptor struct {
	mu       sync.Mutex
	Path     string
	Pager    *pagestore.Pager
	Store    *recordstore.Store
	Indexes  []*btree.Tree // parallel to the FCR's key descriptors
	Keys     []keydesc.Descriptor
	refcount int
	exclusive bool
}

// FCR returns the descriptor's current FCR snapshot.
func (d *Descriptor) FCR() pagestore.FCR { return d.Pager.FCR() }

// SetFCR stages a new FCR value, persisted at the next Commit.
func (d *Descriptor) SetFCR(fcr pagestore.FCR) { d.Pager.SetFCR(fcr) }

// Lock/Unlock serialize structural access to the descriptor's indexes
// and record store across sessions that are not separately coordinated
// by internal/lockmgr (page-level mutation ordering).
func (d *Descriptor) Lock()   { d.mu.Lock() }
func (d *Descriptor) Unlock() { d.mu.Unlock() }

type slot struct {
	desc       *Descriptor
	generation uint32
	active     bool
}

// Metrics receives open-file-table and page-cache events. internal/xmetrics's
// Metrics satisfies both this and pagestore.Instrumentation.
type Metrics interface {
	pagestore.Instrumentation
	SetOpenFiles(n int)
}

// Manager is the process-wide open-file table.
type Manager struct {
	mu      sync.Mutex
	byPath  map[string]uint32 // path -> slot index
	slots   []slot
	open    int

	// Metrics, if set, is wired into every pager this manager opens and
	// kept current with the live open-file count.
	Metrics Metrics
	// CacheSize overrides pagestore's default clean-page cache size when
	// non-zero.
	CacheSize int
}

// New constructs an empty file manager.
func New() *Manager {
	return &Manager{byPath: make(map[string]uint32)}
}

// Open resolves path to a descriptor, creating one if this is the first
// open, and returns a fresh position handle referencing it.
func (m *Manager) Open(path string, mode OpenMode, pageSize int) (uint32, uint32, *Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.byPath[path]; ok {
		sl := &m.slots[idx]
		if sl.desc.exclusive {
			return 0, 0, nil, ErrAlreadyOpen
		}
		if mode == ModeExclusive && sl.desc.refcount > 0 {
			return 0, 0, nil, ErrAlreadyOpen
		}
		sl.desc.refcount++
		return idx, sl.generation, sl.desc, nil
	}

	cacheCfg := pagestore.DefaultConfig()
	if m.CacheSize > 0 {
		cacheCfg.CacheSize = m.CacheSize
	}
	pager, err := pagestore.Open(path, cacheCfg)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrFileNotFound, err)
	}
	if m.Metrics != nil {
		pager.Metrics = m.Metrics
	}
	fcr := pager.FCR()
	desc := &Descriptor{
		Path:      path,
		Pager:     pager,
		Keys:      fcr.Keys,
		exclusive: mode == ModeExclusive,
		refcount:  1,
	}
	desc.Store = recordstore.New(pager)
	desc.Indexes = make([]*btree.Tree, len(fcr.Keys))
	for i, k := range fcr.Keys {
		cmp := keydesc.BuildComparator(k)
		desc.Indexes[i] = btree.New(pager, btree.Comparator(cmp), fcr.RootPages[i])
	}

	idx := uint32(len(m.slots))
	m.slots = append(m.slots, slot{desc: desc, generation: 1, active: true})
	m.byPath[path] = idx
	m.open++
	if m.Metrics != nil {
		m.Metrics.SetOpenFiles(m.open)
	}
	return idx, 1, desc, nil
}

// OpenCount returns the number of distinct data files currently open.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// Resolve validates a position block's descriptor index/generation and
// returns the live descriptor, or ErrFileNotOpen for a stale handle.
func (m *Manager) Resolve(descIndex, generation uint32) (*Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(descIndex) >= len(m.slots) {
		return nil, ErrFileNotOpen
	}
	sl := &m.slots[descIndex]
	if !sl.active || sl.generation != generation {
		return nil, ErrFileNotOpen
	}
	return sl.desc, nil
}

// Close decrements the descriptor's refcount, flushing and closing the
// underlying pager when the last handle is released.
func (m *Manager) Close(descIndex, generation uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(descIndex) >= len(m.slots) {
		return ErrFileNotOpen
	}
	sl := &m.slots[descIndex]
	if !sl.active || sl.generation != generation {
		return ErrFileNotOpen
	}
	sl.desc.refcount--
	if sl.desc.refcount > 0 {
		return nil
	}
	sl.active = false
	delete(m.byPath, sl.desc.Path)
	// Bump the generation so a future Open of the same path (new slot
	// reuse is not done here; slots grow monotonically) never aliases
	// this stale handle even if byPath is repopulated at the same index
	// by coincidence of future growth.
	sl.generation++
	m.open--
	if m.Metrics != nil {
		m.Metrics.SetOpenFiles(m.open)
	}
	return sl.desc.Pager.Close()
}
