package btree

import (
	"github.com/xtrieve/xtrieve/internal/pagestore"
)

// underflow reports whether a page's slot directory + entry data is
// below one quarter of its capacity.
func underflow(buf []byte) bool {
	used := len(buf) - freeEnd(buf) + slotDirStart + keyCount(buf)*slotEntrySz
	capacity := len(buf) - pagestore.HeaderSize
	return used*4 < capacity
}

// Delete removes the leaf entry with the given exact key and record id,
// merging or redistributing ancestor nodes that fall below one quarter
// full. It is a no-op (returns false) if the entry is absent, matching
// the teacher's split logic run in reverse (see DESIGN.md).
func (t *Tree) Delete(key []byte, rid RecordID) (bool, error) {
	leafBuf, path, leafID, err := t.descend(key)
	if err != nil {
		return false, err
	}
	n := keyCount(leafBuf)
	found := -1
	for i := 0; i < n; i++ {
		e := getEntry(leafBuf, i)
		if t.cmp(e.key, key) == 0 && e.rid == rid {
			found = i
			break
		}
	}
	if found == -1 {
		return false, nil
	}
	removeSlotAt(leafBuf, found)
	compactPage(leafBuf)
	if err := t.p.WritePage(leafID, leafBuf); err != nil {
		return false, err
	}

	if len(path) == 0 {
		return true, nil // root is the leaf; never merges with anything
	}
	if !underflow(leafBuf) {
		return true, nil
	}
	if err := t.rebalance(leafID, leafBuf, path, true); err != nil {
		return false, err
	}
	return true, nil
}

// rebalance fixes underflow at node (id, buf) using its parent chain in
// path, recursing upward as merges propagate underflow to ancestors.
func (t *Tree) rebalance(id pagestore.PageID, buf []byte, path []pathStep, leaf bool) error {
	if len(path) == 0 {
		// Root collapse: an internal root with zero separators has a
		// single remaining child (its rightChild) and can be discarded.
		if !leaf && keyCount(buf) == 0 && rightChild(buf) != pagestore.InvalidPageID {
			t.Root = rightChild(buf)
			return t.p.Free(id)
		}
		return nil
	}
	parentStep := path[len(path)-1]
	parentBuf, err := t.p.ReadPage(parentStep.page)
	if err != nil {
		return err
	}
	idx := parentStep.childIdx
	leftID, rightID := pagestore.InvalidPageID, pagestore.InvalidPageID
	if idx > 0 {
		leftID = t.childAt(parentBuf, idx-1)
	}
	if idx < keyCount(parentBuf) {
		rightID = t.childAt(parentBuf, idx+1)
	} else if idx == keyCount(parentBuf) {
		// node is the rightChild; its only sibling is to the left.
	}

	// Try redistributing from the right sibling first, then the left.
	if rightID != pagestore.InvalidPageID {
		rbuf, err := t.p.ReadPage(rightID)
		if err != nil {
			return err
		}
		if keyCount(rbuf) > 1 {
			if err := t.redistributeFromRight(parentBuf, parentStep.page, idx, id, buf, rightID, rbuf, leaf); err != nil {
				return err
			}
			return nil
		}
	}
	if leftID != pagestore.InvalidPageID {
		lbuf, err := t.p.ReadPage(leftID)
		if err != nil {
			return err
		}
		if keyCount(lbuf) > 1 {
			if err := t.redistributeFromLeft(parentBuf, parentStep.page, idx, leftID, lbuf, id, buf, leaf); err != nil {
				return err
			}
			return nil
		}
	}
	// No sibling can spare an entry: merge with whichever sibling exists.
	if rightID != pagestore.InvalidPageID {
		rbuf, err := t.p.ReadPage(rightID)
		if err != nil {
			return err
		}
		return t.mergeNodes(parentBuf, parentStep.page, idx, id, buf, rightID, rbuf, leaf, path[:len(path)-1])
	}
	if leftID != pagestore.InvalidPageID {
		lbuf, err := t.p.ReadPage(leftID)
		if err != nil {
			return err
		}
		return t.mergeNodes(parentBuf, parentStep.page, idx-1, leftID, lbuf, id, buf, leaf, path[:len(path)-1])
	}
	return nil // sole child: nothing to rebalance against
}

// redistributeFromRight moves the right sibling's first entry into node,
// adjusting the separating key in the parent.
func (t *Tree) redistributeFromRight(parentBuf []byte, parentID pagestore.PageID, idx int, id pagestore.PageID, buf []byte, rightID pagestore.PageID, rbuf []byte, leaf bool) error {
	moved := getEntry(rbuf, 0)
	off, l := getSlot(rbuf, 0)
	raw := make([]byte, l)
	copy(raw, rbuf[off:off+l])
	removeSlotAt(rbuf, 0)
	compactPage(rbuf)

	if leaf {
		insertSlotAt(buf, keyCount(buf), raw)
		newSep := getEntry(rbuf, 0).key
		if keyCount(rbuf) == 0 {
			newSep = moved.key
		}
		updateSeparatorKey(parentBuf, idx, newSep)
	} else {
		// Pull the parent's separator down as node's new last entry
		// pointing at node's old rightChild, then promote the moved
		// entry's key to the parent and its child becomes node's new
		// rightChild.
		sep := parentSeparatorKey(parentBuf, idx)
		downEntry := encodeInternalEntry(sep, rightChild(buf))
		insertSlotAt(buf, keyCount(buf), downEntry)
		setRightChild(buf, moved.child)
		updateSeparatorKey(parentBuf, idx, moved.key)
	}
	if err := t.p.WritePage(id, buf); err != nil {
		return err
	}
	if err := t.p.WritePage(rightID, rbuf); err != nil {
		return err
	}
	return t.p.WritePage(parentID, parentBuf)
}

// redistributeFromLeft moves the left sibling's last entry into node.
func (t *Tree) redistributeFromLeft(parentBuf []byte, parentID pagestore.PageID, idx int, leftID pagestore.PageID, lbuf []byte, id pagestore.PageID, buf []byte, leaf bool) error {
	ln := keyCount(lbuf)
	moved := getEntry(lbuf, ln-1)
	off, l := getSlot(lbuf, ln-1)
	raw := make([]byte, l)
	copy(raw, lbuf[off:off+l])
	removeSlotAt(lbuf, ln-1)
	compactPage(lbuf)

	sepIdx := idx - 1
	if leaf {
		insertSlotAt(buf, 0, raw)
		updateSeparatorKey(parentBuf, sepIdx, moved.key)
	} else {
		sep := parentSeparatorKey(parentBuf, sepIdx)
		// moved.child holds keys below moved.key and becomes left's
		// new rightChild; left's old rightChild (keys from moved.key
		// up to sep) moves to node, with node's old leftmost boundary
		// (sep) dropping down as node's new first separator pointing
		// at it.
		leftOldRight := rightChild(lbuf)
		downEntry := encodeInternalEntry(sep, leftOldRight)
		insertSlotAt(buf, 0, downEntry)
		setRightChild(lbuf, moved.child)
		updateSeparatorKey(parentBuf, sepIdx, moved.key)
	}
	if err := t.p.WritePage(id, buf); err != nil {
		return err
	}
	if err := t.p.WritePage(leftID, lbuf); err != nil {
		return err
	}
	return t.p.WritePage(parentID, parentBuf)
}

// mergeNodes combines left and right (adjacent siblings, left first)
// into left, removes the separator at parent index sepIdx, and recurses
// upward if the parent itself now underflows.
func (t *Tree) mergeNodes(parentBuf []byte, parentID pagestore.PageID, sepIdx int, leftID pagestore.PageID, lbuf []byte, rightID pagestore.PageID, rbuf []byte, leaf bool, ancestorPath []pathStep) error {
	if leaf {
		for i := 0; i < keyCount(rbuf); i++ {
			off, l := getSlot(rbuf, i)
			raw := make([]byte, l)
			copy(raw, rbuf[off:off+l])
			insertSlotAt(lbuf, keyCount(lbuf), raw)
		}
		setNextLeaf(lbuf, nextLeaf(rbuf))
		if nn := nextLeaf(rbuf); nn != pagestore.InvalidPageID {
			nbuf, err := t.p.ReadPage(nn)
			if err != nil {
				return err
			}
			setPrevLeaf(nbuf, leftID)
			if err := t.p.WritePage(nn, nbuf); err != nil {
				return err
			}
		}
	} else {
		sep := parentSeparatorKey(parentBuf, sepIdx)
		downEntry := encodeInternalEntry(sep, rightChild(lbuf))
		insertSlotAt(lbuf, keyCount(lbuf), downEntry)
		for i := 0; i < keyCount(rbuf); i++ {
			off, l := getSlot(rbuf, i)
			raw := make([]byte, l)
			copy(raw, rbuf[off:off+l])
			insertSlotAt(lbuf, keyCount(lbuf), raw)
		}
		setRightChild(lbuf, rightChild(rbuf))
	}
	removeSeparatorAndChild(parentBuf, sepIdx)
	if err := t.p.WritePage(leftID, lbuf); err != nil {
		return err
	}
	if err := t.p.Free(rightID); err != nil {
		return err
	}
	if err := t.p.WritePage(parentID, parentBuf); err != nil {
		return err
	}
	if !underflow(parentBuf) && len(ancestorPath) > 0 {
		return nil
	}
	return t.rebalance(parentID, parentBuf, ancestorPath, false)
}

// parentSeparatorKey returns the separator key at index idx, where idx
// may equal keyCount (there is no such key; callers guard against this).
func parentSeparatorKey(buf []byte, idx int) []byte {
	return getEntry(buf, idx).key
}

// updateSeparatorKey rewrites the key field of the separator entry at
// idx. If idx == keyCount, there is no separator to rewrite (the node's
// right boundary is the parent's own right edge) and this is a no-op.
func updateSeparatorKey(buf []byte, idx int, newKey []byte) {
	if idx >= keyCount(buf) {
		return
	}
	off, l := getSlot(buf, idx)
	e := decodeEntry(buf[off:off+l], isLeaf(buf))
	var raw []byte
	if isLeaf(buf) {
		raw = encodeLeafEntry(newKey, e.rid)
	} else {
		raw = encodeInternalEntry(newKey, e.child)
	}
	if len(raw) <= cap(buf[off:]) && len(raw) == l {
		copy(buf[off:off+l], raw)
		return
	}
	// Key length changed: remove and reinsert.
	removeSlotAt(buf, idx)
	insertSlotAt(buf, idx, raw)
}

// removeSeparatorAndChild deletes separator idx from an internal node;
// the child that was to its left stays (it was already merged into).
func removeSeparatorAndChild(buf []byte, idx int) {
	left := getEntry(buf, idx).child
	removeSlotAt(buf, idx)
	compactPage(buf)
	// The pointer that followed the removed separator referenced the
	// merged-away right node; repoint it at the surviving left child.
	if idx >= keyCount(buf) {
		setRightChild(buf, left)
		return
	}
	off, l := getSlot(buf, idx)
	e := decodeEntry(buf[off:off+l], false)
	copy(buf[off:off+l], encodeInternalEntry(e.key, left))
}
