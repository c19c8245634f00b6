package pagestore

import (
	"bytes"
	"container/list"
	"fmt"
	"os"
	"sync"

	atomicfile "github.com/natefinch/atomic"
)

// Config controls a Pager's behavior.
type Config struct {
	// CacheSize is the number of clean pages kept in the LRU cache.
	CacheSize int
}

// DefaultConfig returns sane defaults for a production file.
func DefaultConfig() Config {
	return Config{CacheSize: 4096}
}

// frame is one cached, clean (already-durable) page.
type frame struct {
	id     PageID
	buf    []byte
	pinned int
	elem   *list.Element
}

// Pager owns a single open data file: durable reads through a bounded
// LRU cache of clean pages, and an in-memory overlay of pages dirtied by
// the transaction currently in flight (steal-never: nothing in the
// overlay reaches disk until Commit; force-at-commit: Commit fsyncs
// everything before acknowledging).
//
// Grounded on SimonWaldherr-tinySQL's internal/storage/pager.Pager, with
// its WAL/redo-log machinery replaced by this overlay-and-fsync scheme
// (see DESIGN.md).
type Pager struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	pageSize int
	cfg      Config

	cache    map[PageID]*frame
	lru      *list.List // front = most recently used
	dirty    map[PageID][]byte
	freed    []PageID // pages freed by the in-flight transaction
	allocd   []PageID // pages allocated by the in-flight transaction

	fcr      FCR
	nextPage PageID // one past the highest page ever allocated
	closed   bool

	// Metrics, if set, is notified of clean-page cache hits, misses, and
	// evictions.
	Metrics Instrumentation
}

// Instrumentation receives page-cache events. internal/xmetrics's
// Metrics satisfies this without pagestore importing it directly.
type Instrumentation interface {
	RecordPageCacheHit()
	RecordPageCacheMiss()
	RecordPageCacheEviction()
}

// CreateFile atomically creates a new, empty Xtrieve data file with the
// given initial FCR and returns a Pager open on it.
func CreateFile(path string, pageSize int, fcr FCR) (*Pager, error) {
	if pageSize < MinPageSize || pageSize > MaxPageSize {
		return nil, fmt.Errorf("pagestore: invalid page size %d", pageSize)
	}
	fcr.PageSize = pageSize
	buf := MarshalFCR(pageSize, fcr)
	if err := atomicfile.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return nil, fmt.Errorf("pagestore: create %s: %w", path, err)
	}
	return Open(path, DefaultConfig())
}

// Open opens an existing Xtrieve data file.
func Open(path string, cfg Config) (*Pager, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pagestore: open %s: %w", path, err)
	}
	p := &Pager{
		file:  f,
		path:  path,
		cfg:   cfg,
		cache: make(map[PageID]*frame),
		lru:   list.New(),
		dirty: make(map[PageID][]byte),
	}
	pageZero := make([]byte, HeaderSize+fcrFixedHeaderSize)
	if _, err := f.ReadAt(pageZero, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagestore: read FCR header: %w", err)
	}
	ps := int(leUint32(pageZero[HeaderSize+4 : HeaderSize+8]))
	if ps < MinPageSize {
		f.Close()
		return nil, fmt.Errorf("pagestore: %w", ErrCorrupt)
	}
	p.pageSize = ps
	full := make([]byte, ps)
	if _, err := f.ReadAt(full, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagestore: read FCR: %w", err)
	}
	fcr, err := UnmarshalFCR(full)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.fcr = fcr
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	p.nextPage = PageID(info.Size() / int64(ps))
	if p.nextPage < 1 {
		p.nextPage = 1
	}
	return p, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// PageSize returns the file's fixed page size.
func (p *Pager) PageSize() int { return p.pageSize }

// FCR returns a copy of the current (possibly in-flight-modified) FCR.
func (p *Pager) FCR() FCR {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fcr
}

// SetFCR stages a new FCR value; it becomes durable at the next Commit.
func (p *Pager) SetFCR(fcr FCR) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fcr = fcr
}

// ReadPage returns a copy of the page's current bytes (overlay if
// dirty, else the clean cache/disk), or ErrIO/ErrCorrupt.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if id == FCRPageID {
		return MarshalFCR(p.pageSize, p.fcr), nil
	}
	if buf, ok := p.dirty[id]; ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	if fr, ok := p.cache[id]; ok {
		p.lru.MoveToFront(fr.elem)
		if p.Metrics != nil {
			p.Metrics.RecordPageCacheHit()
		}
		out := make([]byte, len(fr.buf))
		copy(out, fr.buf)
		return out, nil
	}
	if p.Metrics != nil {
		p.Metrics.RecordPageCacheMiss()
	}
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, int64(id)*int64(p.pageSize)); err != nil {
		return nil, fmt.Errorf("pagestore: read page %d: %w", id, ErrIO)
	}
	if !VerifyCRC(buf) {
		return nil, fmt.Errorf("pagestore: page %d: %w", id, ErrCorrupt)
	}
	p.cacheInsert(id, buf)
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func (p *Pager) cacheInsert(id PageID, buf []byte) {
	if fr, ok := p.cache[id]; ok {
		fr.buf = buf
		p.lru.MoveToFront(fr.elem)
		return
	}
	fr := &frame{id: id, buf: buf}
	fr.elem = p.lru.PushFront(fr)
	p.cache[id] = fr
	for p.lru.Len() > p.cfg.CacheSize {
		back := p.lru.Back()
		victim := back.Value.(*frame)
		if victim.pinned > 0 {
			break
		}
		p.lru.Remove(back)
		delete(p.cache, victim.id)
		if p.Metrics != nil {
			p.Metrics.RecordPageCacheEviction()
		}
	}
}

// WritePage stages a mutation to id in the in-flight transaction's
// overlay. It is not written to disk until Commit.
func (p *Pager) WritePage(id PageID, buf []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	SetCRC(cp)
	p.dirty[id] = cp
	return nil
}

// Allocate returns a fresh page id, popping the free chain if non-empty,
// else extending the file. The returned page is not durable until Commit.
func (p *Pager) Allocate() (PageID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fcr.FreeChainHead != InvalidPageID {
		head := p.fcr.FreeChainHead
		buf, err := p.readLocked(head)
		if err != nil {
			return 0, err
		}
		if id, ok := freeListPop(buf); ok {
			if freeListCount(buf) == 0 {
				p.fcr.FreeChainHead = freeListNext(buf)
			} else {
				SetCRC(buf)
				p.dirty[head] = buf
			}
			p.allocd = append(p.allocd, id)
			return id, nil
		}
		// Empty node itself becomes reusable as the popped page.
		p.fcr.FreeChainHead = freeListNext(buf)
		p.allocd = append(p.allocd, head)
		return head, nil
	}
	id := p.nextPage
	p.nextPage++
	p.allocd = append(p.allocd, id)
	return id, nil
}

func (p *Pager) readLocked(id PageID) ([]byte, error) {
	if buf, ok := p.dirty[id]; ok {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out, nil
	}
	if fr, ok := p.cache[id]; ok {
		out := make([]byte, len(fr.buf))
		copy(out, fr.buf)
		return out, nil
	}
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, int64(id)*int64(p.pageSize)); err != nil {
		return nil, fmt.Errorf("pagestore: read page %d: %w", id, ErrIO)
	}
	return buf, nil
}

// Free pushes id onto the free-page chain. Not durable until Commit.
func (p *Pager) Free(id PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := NewPage(p.pageSize, TypeFree, id)
	initFreeListPage(buf, id, p.fcr.FreeChainHead)
	SetCRC(buf)
	p.dirty[id] = buf
	p.fcr.FreeChainHead = id
	p.freed = append(p.freed, id)
	return nil
}

// Commit flushes the overlay to disk in ascending page-id order (the
// FCR last), fsyncing between the data/index flush and the FCR flush so
// a crash can never observe a new FCR pointing at unflushed pages.
func (p *Pager) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	ids := make([]PageID, 0, len(p.dirty))
	for id := range p.dirty {
		ids = append(ids, id)
	}
	sortPageIDs(ids)
	for _, id := range ids {
		buf := p.dirty[id]
		if _, err := p.file.WriteAt(buf, int64(id)*int64(p.pageSize)); err != nil {
			return fmt.Errorf("pagestore: commit page %d: %w", id, ErrIO)
		}
		p.cacheInsert(id, buf)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("pagestore: fsync: %w", ErrIO)
	}
	p.fcr.Version++
	fcrBuf := MarshalFCR(p.pageSize, p.fcr)
	if _, err := p.file.WriteAt(fcrBuf, 0); err != nil {
		return fmt.Errorf("pagestore: commit FCR: %w", ErrIO)
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("pagestore: fsync FCR: %w", ErrIO)
	}
	p.dirty = make(map[PageID][]byte)
	p.freed = nil
	p.allocd = nil
	return nil
}

// Abort discards the in-flight overlay and any allocation/free bookkeeping,
// restoring the pager to the state as of the last Commit/Open.
func (p *Pager) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = make(map[PageID][]byte)
	full := make([]byte, HeaderSize+fcrFixedHeaderSize)
	if _, err := p.file.ReadAt(full, 0); err != nil {
		return fmt.Errorf("pagestore: reload FCR: %w", ErrIO)
	}
	fullPage := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(fullPage, 0); err != nil {
		return fmt.Errorf("pagestore: reload FCR: %w", ErrIO)
	}
	fcr, err := UnmarshalFCR(fullPage)
	if err != nil {
		return err
	}
	p.fcr = fcr
	info, err := p.file.Stat()
	if err != nil {
		return fmt.Errorf("pagestore: reload FCR: %w", ErrIO)
	}
	p.nextPage = PageID(info.Size() / int64(p.pageSize))
	p.freed = nil
	p.allocd = nil
	return nil
}

// Close flushes nothing extra (Commit is the only durability point) and
// closes the underlying file.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.file.Close()
}

func sortPageIDs(ids []PageID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}
