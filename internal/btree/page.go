// Package btree implements Xtrieve's B+Tree index pages: point lookup,
// insert with split propagation, delete with merge/redistribute on
// underflow, and a bidirectional leaf cursor for range scans.
//
// Grounded on SimonWaldherr-tinySQL's internal/storage/pager/btree.go and
// btree_page.go, generalized to typed, possibly-segmented keys (see
// internal/keydesc) and extended with the merge/redistribute logic the
// teacher's Delete omits.
package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/xtrieve/xtrieve/internal/pagestore"
)

const (
	offIsLeaf    = pagestore.HeaderSize
	offKeyCount  = pagestore.HeaderSize + 2
	offRightChld = pagestore.HeaderSize + 4 // rightmost child for internal nodes
	offNextLeaf  = pagestore.HeaderSize + 8
	offPrevLeaf  = pagestore.HeaderSize + 12
	offFreeEnd   = pagestore.HeaderSize + 16
	slotDirStart = pagestore.HeaderSize + 18
	slotEntrySz  = 4

	recordIDSize = 6 // 4-byte PageID + 2-byte slot index
)

// RecordID is the (page, slot) pair a leaf entry points at.
type RecordID struct {
	Page pagestore.PageID
	Slot uint16
}

func encodeRecordID(r RecordID) []byte {
	b := make([]byte, recordIDSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.Page))
	binary.LittleEndian.PutUint16(b[4:6], r.Slot)
	return b
}

func decodeRecordID(b []byte) RecordID {
	return RecordID{Page: pagestore.PageID(binary.LittleEndian.Uint32(b[0:4])), Slot: binary.LittleEndian.Uint16(b[4:6])}
}

func initPage(buf []byte, id pagestore.PageID, isLeaf bool) {
	pagestore.PutHeader(buf, pagestore.Header{Type: pagestore.TypeIndex, ID: id})
	if isLeaf {
		buf[offIsLeaf] = 1
	} else {
		buf[offIsLeaf] = 0
	}
	binary.LittleEndian.PutUint16(buf[offKeyCount:offKeyCount+2], 0)
	binary.LittleEndian.PutUint32(buf[offRightChld:offRightChld+4], uint32(pagestore.InvalidPageID))
	binary.LittleEndian.PutUint32(buf[offNextLeaf:offNextLeaf+4], uint32(pagestore.InvalidPageID))
	binary.LittleEndian.PutUint32(buf[offPrevLeaf:offPrevLeaf+4], uint32(pagestore.InvalidPageID))
	binary.LittleEndian.PutUint16(buf[offFreeEnd:offFreeEnd+2], uint16(len(buf)))
}

func isLeaf(buf []byte) bool { return buf[offIsLeaf] == 1 }

func keyCount(buf []byte) int { return int(binary.LittleEndian.Uint16(buf[offKeyCount : offKeyCount+2])) }
func setKeyCount(buf []byte, n int) {
	binary.LittleEndian.PutUint16(buf[offKeyCount:offKeyCount+2], uint16(n))
}

func rightChild(buf []byte) pagestore.PageID {
	return pagestore.PageID(binary.LittleEndian.Uint32(buf[offRightChld : offRightChld+4]))
}
func setRightChild(buf []byte, id pagestore.PageID) {
	binary.LittleEndian.PutUint32(buf[offRightChld:offRightChld+4], uint32(id))
}
func nextLeaf(buf []byte) pagestore.PageID {
	return pagestore.PageID(binary.LittleEndian.Uint32(buf[offNextLeaf : offNextLeaf+4]))
}
func setNextLeaf(buf []byte, id pagestore.PageID) {
	binary.LittleEndian.PutUint32(buf[offNextLeaf:offNextLeaf+4], uint32(id))
}
func prevLeaf(buf []byte) pagestore.PageID {
	return pagestore.PageID(binary.LittleEndian.Uint32(buf[offPrevLeaf : offPrevLeaf+4]))
}
func setPrevLeaf(buf []byte, id pagestore.PageID) {
	binary.LittleEndian.PutUint32(buf[offPrevLeaf:offPrevLeaf+4], uint32(id))
}

func freeEnd(buf []byte) int { return int(binary.LittleEndian.Uint16(buf[offFreeEnd : offFreeEnd+2])) }
func setFreeEnd(buf []byte, v int) {
	binary.LittleEndian.PutUint16(buf[offFreeEnd:offFreeEnd+2], uint16(v))
}

func slotOff(i int) int { return slotDirStart + i*slotEntrySz }

func getSlot(buf []byte, i int) (off, length int) {
	o := slotOff(i)
	return int(binary.LittleEndian.Uint16(buf[o : o+2])), int(binary.LittleEndian.Uint16(buf[o+2 : o+4]))
}
func setSlot(buf []byte, i, off, length int) {
	o := slotOff(i)
	binary.LittleEndian.PutUint16(buf[o:o+2], uint16(off))
	binary.LittleEndian.PutUint16(buf[o+2:o+4], uint16(length))
}

func freeSpace(buf []byte) int {
	dirEnd := slotDirStart + keyCount(buf)*slotEntrySz
	return freeEnd(buf) - dirEnd
}

// entry is a decoded leaf or internal entry.
type entry struct {
	key   []byte
	rid   RecordID      // leaf only
	child pagestore.PageID // internal only
}

func encodeLeafEntry(key []byte, rid RecordID) []byte {
	out := make([]byte, 2+len(key)+recordIDSize)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(key)))
	copy(out[2:], key)
	copy(out[2+len(key):], encodeRecordID(rid))
	return out
}

func encodeInternalEntry(key []byte, child pagestore.PageID) []byte {
	out := make([]byte, 2+len(key)+4)
	binary.LittleEndian.PutUint16(out[0:2], uint16(len(key)))
	copy(out[2:], key)
	binary.LittleEndian.PutUint32(out[2+len(key):], uint32(child))
	return out
}

func decodeEntry(raw []byte, leaf bool) entry {
	kl := int(binary.LittleEndian.Uint16(raw[0:2]))
	key := raw[2 : 2+kl]
	e := entry{key: key}
	if leaf {
		e.rid = decodeRecordID(raw[2+kl : 2+kl+recordIDSize])
	} else {
		e.child = pagestore.PageID(binary.LittleEndian.Uint32(raw[2+kl : 2+kl+4]))
	}
	return e
}

func getEntry(buf []byte, i int) entry {
	off, l := getSlot(buf, i)
	return decodeEntry(buf[off:off+l], isLeaf(buf))
}

// insertSlotAt inserts a pre-encoded entry's bytes at slot index i,
// shifting later slot-directory entries up. Reports success.
func insertSlotAt(buf []byte, i int, raw []byte) bool {
	n := keyCount(buf)
	dirEnd := slotDirStart + (n+1)*slotEntrySz
	if dirEnd+len(raw) > freeEnd(buf) {
		return false
	}
	newOff := freeEnd(buf) - len(raw)
	copy(buf[newOff:newOff+len(raw)], raw)
	setFreeEnd(buf, newOff)
	for j := n; j > i; j-- {
		o, l := getSlot(buf, j-1)
		setSlot(buf, j, o, l)
	}
	setSlot(buf, i, newOff, len(raw))
	setKeyCount(buf, n+1)
	return true
}

func removeSlotAt(buf []byte, i int) {
	n := keyCount(buf)
	for j := i; j < n-1; j++ {
		o, l := getSlot(buf, j+1)
		setSlot(buf, j, o, l)
	}
	setKeyCount(buf, n-1)
}

// compactPage rewrites all live entries from the page end, reclaiming
// space left by removed slots.
func compactPage(buf []byte) {
	n := keyCount(buf)
	raws := make([][]byte, n)
	for i := 0; i < n; i++ {
		off, l := getSlot(buf, i)
		cp := make([]byte, l)
		copy(cp, buf[off:off+l])
		raws[i] = cp
	}
	end := len(buf)
	for i := 0; i < n; i++ {
		end -= len(raws[i])
		copy(buf[end:end+len(raws[i])], raws[i])
		setSlot(buf, i, end, len(raws[i]))
	}
	setFreeEnd(buf, end)
}

func fmtErr(format string, a ...interface{}) error { return fmt.Errorf(format, a...) }
