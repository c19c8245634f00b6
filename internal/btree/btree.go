package btree

import (
	"bytes"
	"fmt"

	"github.com/xtrieve/xtrieve/internal/pagestore"
)

// Comparator orders two raw key byte-strings. Obtained from
// keydesc.BuildComparator for a given index's descriptor.
type Comparator func(a, b []byte) int

// Pager is the subset of *pagestore.Pager the tree needs.
type Pager interface {
	Allocate() (pagestore.PageID, error)
	Free(pagestore.PageID) error
	ReadPage(pagestore.PageID) ([]byte, error)
	WritePage(pagestore.PageID, []byte) error
	PageSize() int
}

// Tree is a B+Tree index rooted at Root. Root is owned by the caller
// (stored in the file's FCR) and may change across Insert/Delete.
type Tree struct {
	p    Pager
	cmp  Comparator
	Root pagestore.PageID
}

// New constructs a Tree view over an existing root page.
func New(p Pager, cmp Comparator, root pagestore.PageID) *Tree {
	return &Tree{p: p, cmp: cmp, Root: root}
}

// CreateEmpty allocates a brand-new empty leaf root and returns a Tree
// bound to it.
func CreateEmpty(p Pager, cmp Comparator) (*Tree, error) {
	id, err := p.Allocate()
	if err != nil {
		return nil, err
	}
	buf := pagestore.NewPage(p.PageSize(), pagestore.TypeIndex, id)
	initPage(buf, id, true)
	if err := p.WritePage(id, buf); err != nil {
		return nil, err
	}
	return &Tree{p: p, cmp: cmp, Root: id}, nil
}

func (t *Tree) childAt(buf []byte, idx int) pagestore.PageID {
	if idx >= keyCount(buf) {
		return rightChild(buf)
	}
	return getEntry(buf, idx).child
}

// findChildIndex returns the index of the first separator strictly
// greater than key; entries before it (and their associated left
// children) hold keys less than key.
func (t *Tree) findChildIndex(buf []byte, key []byte) int {
	n := keyCount(buf)
	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if t.cmp(getEntry(buf, mid).key, key) > 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// Get returns the RecordID for key, honoring spec.md's partial-key edge
// policy: a key shorter than the descriptor's declared length matches as
// if the remainder were equal to the leftmost stored key sharing that
// prefix. It finds the first entry whose key is >= key under the index's
// comparator and confirms key is actually a prefix of it, rather than
// requiring byte-for-byte equality, so both an exact match and a partial
// one resolve to the same (leftmost, insertion-order-first for
// duplicates) entry.
func (t *Tree) Get(key []byte) (RecordID, bool, error) {
	leafPage, idx, ok, err := t.SeekGE(key)
	if err != nil || !ok {
		return RecordID{}, false, err
	}
	entryKey, rid, err := t.EntryAt(leafPage, idx)
	if err != nil {
		return RecordID{}, false, err
	}
	if len(entryKey) < len(key) || !bytes.Equal(entryKey[:len(key)], key) {
		return RecordID{}, false, nil
	}
	return rid, true, nil
}

// SeekGE positions at the first leaf entry with key >= target, for
// range/duplicate scans.
func (t *Tree) SeekGE(key []byte) (leafPage pagestore.PageID, idx int, found bool, err error) {
	buf, _, id, err := t.descend(key)
	if err != nil {
		return 0, 0, false, err
	}
	n := keyCount(buf)
	for i := 0; i < n; i++ {
		if t.cmp(getEntry(buf, i).key, key) >= 0 {
			return id, i, true, nil
		}
	}
	next := nextLeaf(buf)
	if next == pagestore.InvalidPageID {
		return id, n, false, nil
	}
	return next, 0, true, nil
}

// EntryAt returns the key/record at a specific (leafPage, idx) cursor
// position, as produced by SeekGE/CursorNext/CursorPrev.
func (t *Tree) EntryAt(leafPage pagestore.PageID, idx int) (key []byte, rid RecordID, err error) {
	buf, err := t.p.ReadPage(leafPage)
	if err != nil {
		return nil, RecordID{}, err
	}
	if idx < 0 || idx >= keyCount(buf) {
		return nil, RecordID{}, fmt.Errorf("btree: cursor index out of range")
	}
	e := getEntry(buf, idx)
	return e.key, e.rid, nil
}

// CursorNext advances a leaf cursor, crossing to the sibling leaf at the
// end of the page. ok is false at end of index.
func (t *Tree) CursorNext(leafPage pagestore.PageID, idx int) (pagestore.PageID, int, bool, error) {
	buf, err := t.p.ReadPage(leafPage)
	if err != nil {
		return 0, 0, false, err
	}
	if idx+1 < keyCount(buf) {
		return leafPage, idx + 1, true, nil
	}
	next := nextLeaf(buf)
	if next == pagestore.InvalidPageID {
		return 0, 0, false, nil
	}
	nbuf, err := t.p.ReadPage(next)
	if err != nil {
		return 0, 0, false, err
	}
	if keyCount(nbuf) == 0 {
		return t.CursorNext(next, -1)
	}
	return next, 0, true, nil
}

// CursorPrev retreats a leaf cursor across leaf boundaries.
func (t *Tree) CursorPrev(leafPage pagestore.PageID, idx int) (pagestore.PageID, int, bool, error) {
	buf, err := t.p.ReadPage(leafPage)
	if err != nil {
		return 0, 0, false, err
	}
	if idx-1 >= 0 {
		return leafPage, idx - 1, true, nil
	}
	prev := prevLeaf(buf)
	if prev == pagestore.InvalidPageID {
		return 0, 0, false, nil
	}
	pbuf, err := t.p.ReadPage(prev)
	if err != nil {
		return 0, 0, false, err
	}
	n := keyCount(pbuf)
	if n == 0 {
		return t.CursorPrev(prev, 0)
	}
	return prev, n - 1, true, nil
}

// First returns the cursor position of the index's first entry.
func (t *Tree) First() (pagestore.PageID, int, bool, error) {
	id := t.Root
	for {
		buf, err := t.p.ReadPage(id)
		if err != nil {
			return 0, 0, false, err
		}
		if isLeaf(buf) {
			if keyCount(buf) == 0 {
				return id, 0, false, nil
			}
			return id, 0, true, nil
		}
		id = t.childAt(buf, 0)
	}
}

// Last returns the cursor position of the index's last entry.
func (t *Tree) Last() (pagestore.PageID, int, bool, error) {
	id := t.Root
	for {
		buf, err := t.p.ReadPage(id)
		if err != nil {
			return 0, 0, false, err
		}
		if isLeaf(buf) {
			n := keyCount(buf)
			if n == 0 {
				return id, 0, false, nil
			}
			return id, n - 1, true, nil
		}
		id = rightChild(buf)
	}
}

// descend walks from the root to the leaf that would contain key,
// returning the leaf's buffer, the stack of ancestor (pageID, childIdx)
// steps taken, and the leaf's own page id.
func (t *Tree) descend(key []byte) (leafBuf []byte, path []pathStep, leafID pagestore.PageID, err error) {
	id := t.Root
	for {
		buf, err := t.p.ReadPage(id)
		if err != nil {
			return nil, nil, 0, err
		}
		if isLeaf(buf) {
			return buf, path, id, nil
		}
		idx := t.findChildIndex(buf, key)
		path = append(path, pathStep{page: id, childIdx: idx})
		id = t.childAt(buf, idx)
	}
}

type pathStep struct {
	page     pagestore.PageID
	childIdx int
}

// Insert adds (key, rid) to the tree, splitting nodes as needed.
func (t *Tree) Insert(key []byte, rid RecordID) error {
	leafBuf, path, leafID, err := t.descend(key)
	if err != nil {
		return err
	}
	pos := t.findChildIndex(leafBuf, key) // insertion point: first key > target
	raw := encodeLeafEntry(key, rid)
	if insertSlotAt(leafBuf, pos, raw) {
		return t.p.WritePage(leafID, leafBuf)
	}
	// Split the leaf.
	return t.splitAndInsert(leafBuf, leafID, path, pos, raw, true)
}

func (t *Tree) splitAndInsert(buf []byte, id pagestore.PageID, path []pathStep, pos int, raw []byte, leaf bool) error {
	n := keyCount(buf)
	// Collect all existing raw entries plus the new one at pos.
	raws := make([][]byte, 0, n+1)
	for i := 0; i < n; i++ {
		if i == pos {
			raws = append(raws, raw)
		}
		off, l := getSlot(buf, i)
		cp := make([]byte, l)
		copy(cp, buf[off:off+l])
		raws = append(raws, cp)
	}
	if pos == n {
		raws = append(raws, raw)
	}

	mid := len(raws) / 2
	newID, err := t.p.Allocate()
	if err != nil {
		return err
	}
	newBuf := pagestore.NewPage(t.p.PageSize(), pagestore.TypeIndex, newID)
	initPage(newBuf, newID, leaf)

	var sepKey []byte
	if leaf {
		// Right page gets [mid:], left keeps [:mid]; separator is right's first key.
		rebuild(buf, id, raws[:mid], leaf)
		rebuild(newBuf, newID, raws[mid:], leaf)
		setNextLeaf(newBuf, nextLeaf(buf))
		setPrevLeaf(newBuf, id)
		oldNext := nextLeaf(buf)
		setNextLeaf(buf, newID)
		if oldNext != pagestore.InvalidPageID {
			onbuf, err := t.p.ReadPage(oldNext)
			if err != nil {
				return err
			}
			setPrevLeaf(onbuf, newID)
			if err := t.p.WritePage(oldNext, onbuf); err != nil {
				return err
			}
		}
		sepKey = decodeEntry(raws[mid], true).key
	} else {
		// Internal split: promote raws[mid]'s key, drop it from both sides.
		origRight := rightChild(buf)
		sepKey = decodeEntry(raws[mid], false).key
		sepChild := decodeEntry(raws[mid], false).child
		left := raws[:mid]
		right := raws[mid+1:]
		rebuild(buf, id, left, leaf)
		setRightChild(buf, sepChild)
		rebuild(newBuf, newID, right, leaf)
		setRightChild(newBuf, origRight)
	}

	if err := t.p.WritePage(id, buf); err != nil {
		return err
	}
	if err := t.p.WritePage(newID, newBuf); err != nil {
		return err
	}

	if len(path) == 0 {
		// Root split: create a new root with one separator.
		rootID, err := t.p.Allocate()
		if err != nil {
			return err
		}
		rootBuf := pagestore.NewPage(t.p.PageSize(), pagestore.TypeIndex, rootID)
		initPage(rootBuf, rootID, false)
		entryRaw := encodeInternalEntry(sepKey, id)
		insertSlotAt(rootBuf, 0, entryRaw)
		setRightChild(rootBuf, newID)
		if err := t.p.WritePage(rootID, rootBuf); err != nil {
			return err
		}
		t.Root = rootID
		return nil
	}

	// Propagate the separator into the parent. id (left) keeps covering
	// keys below sepKey; the entry or rightChild that used to point at
	// the pre-split page must now point at newID (right) instead, and a
	// fresh entry (sepKey, id) is inserted just before it.
	parentStep := path[len(path)-1]
	parentBuf, err := t.p.ReadPage(parentStep.page)
	if err != nil {
		return err
	}
	entryRaw := encodeInternalEntry(sepKey, id)
	ppos := parentStep.childIdx
	if ppos >= keyCount(parentBuf) {
		setRightChild(parentBuf, newID)
	} else {
		off, l := getSlot(parentBuf, ppos)
		old := decodeEntry(parentBuf[off:off+l], false)
		rewritten := encodeInternalEntry(old.key, newID)
		if len(rewritten) == l {
			copy(parentBuf[off:off+l], rewritten)
		} else {
			// Child id width never changes, so this path is unreachable
			// in practice; fall back to a full rebuild defensively.
			raws := collectRaws(parentBuf)
			raws[ppos] = rewritten
			rebuild(parentBuf, parentStep.page, raws, false)
		}
	}
	if insertSlotAt(parentBuf, ppos, entryRaw) {
		return t.p.WritePage(parentStep.page, parentBuf)
	}
	// Parent also needs to split.
	return t.splitAndInsert(parentBuf, parentStep.page, path[:len(path)-1], ppos, entryRaw, false)
}

func collectRaws(buf []byte) [][]byte {
	n := keyCount(buf)
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		off, l := getSlot(buf, i)
		cp := make([]byte, l)
		copy(cp, buf[off:off+l])
		out[i] = cp
	}
	return out
}

// rebuild clears dst and repopulates it with raws in order.
func rebuild(dst []byte, id pagestore.PageID, raws [][]byte, leaf bool) {
	initPage(dst, id, leaf)
	for i, r := range raws {
		insertSlotAt(dst, i, r)
	}
}
