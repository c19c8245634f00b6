// Package recordstore implements Xtrieve's DATA and VARIABLE page
// formats: slotted data pages linked into a physical-order chain, and
// overflow chains for records too large to fit on one page.
//
// Grounded on SimonWaldherr-tinySQL's internal/storage/pager/slotted_page.go
// and overflow.go, generalized from SQL rows to opaque Btrieve records.
package recordstore

import (
	"encoding/binary"
	"fmt"

	"github.com/xtrieve/xtrieve/internal/pagestore"
)

// Slot identifies a record's physical location.
type Slot struct {
	Page pagestore.PageID
	Idx  uint16
}

const (
	offNext       = pagestore.HeaderSize
	offPrev       = pagestore.HeaderSize + 4
	offSlotCount  = pagestore.HeaderSize + 8
	offFreeEnd    = pagestore.HeaderSize + 10
	slotDirOffset = pagestore.HeaderSize + 12
	slotEntrySize = 4

	tombstoneLen = 0xFFFF
)

// InitDataPage stamps buf as an empty data page linked between prev and
// next in the file's physical-order chain.
func InitDataPage(buf []byte, id, prev, next pagestore.PageID) {
	pagestore.PutHeader(buf, pagestore.Header{Type: pagestore.TypeData, ID: id})
	binary.LittleEndian.PutUint32(buf[offNext:offNext+4], uint32(next))
	binary.LittleEndian.PutUint32(buf[offPrev:offPrev+4], uint32(prev))
	binary.LittleEndian.PutUint16(buf[offSlotCount:offSlotCount+2], 0)
	binary.LittleEndian.PutUint16(buf[offFreeEnd:offFreeEnd+2], uint16(len(buf)))
}

func NextPage(buf []byte) pagestore.PageID {
	return pagestore.PageID(binary.LittleEndian.Uint32(buf[offNext : offNext+4]))
}
func SetNextPage(buf []byte, id pagestore.PageID) {
	binary.LittleEndian.PutUint32(buf[offNext:offNext+4], uint32(id))
}
func PrevPage(buf []byte) pagestore.PageID {
	return pagestore.PageID(binary.LittleEndian.Uint32(buf[offPrev : offPrev+4]))
}
func SetPrevPage(buf []byte, id pagestore.PageID) {
	binary.LittleEndian.PutUint32(buf[offPrev:offPrev+4], uint32(id))
}

func slotCount(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[offSlotCount : offSlotCount+2]))
}
func setSlotCount(buf []byte, n int) {
	binary.LittleEndian.PutUint16(buf[offSlotCount:offSlotCount+2], uint16(n))
}
func freeEnd(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[offFreeEnd : offFreeEnd+2]))
}
func setFreeEnd(buf []byte, v int) {
	binary.LittleEndian.PutUint16(buf[offFreeEnd:offFreeEnd+2], uint16(v))
}

func slotOff(i int) int { return slotDirOffset + i*slotEntrySize }

func getSlot(buf []byte, i int) (offset, length int) {
	o := slotOff(i)
	return int(binary.LittleEndian.Uint16(buf[o : o+2])), int(binary.LittleEndian.Uint16(buf[o+2 : o+4]))
}

func setSlot(buf []byte, i, offset, length int) {
	o := slotOff(i)
	binary.LittleEndian.PutUint16(buf[o:o+2], uint16(offset))
	binary.LittleEndian.PutUint16(buf[o+2:o+4], uint16(length))
}

// FreeSpace returns how many bytes are available for a new slot+record.
func FreeSpace(buf []byte) int {
	dirEnd := slotDirOffset + slotCount(buf)*slotEntrySize
	return freeEnd(buf) - dirEnd
}

// SlotCount returns the number of slot entries (including tombstones).
func SlotCount(buf []byte) int { return slotCount(buf) }

// IsLive reports whether slot i holds a live (non-tombstoned) record.
func IsLive(buf []byte, i int) bool {
	_, l := getSlot(buf, i)
	return l != tombstoneLen
}

// GetRecord returns a copy of the record stored at slot i.
func GetRecord(buf []byte, i int) ([]byte, error) {
	if i < 0 || i >= slotCount(buf) {
		return nil, fmt.Errorf("recordstore: slot %d out of range", i)
	}
	off, l := getSlot(buf, i)
	if l == tombstoneLen {
		return nil, fmt.Errorf("recordstore: slot %d deleted", i)
	}
	out := make([]byte, l)
	copy(out, buf[off:off+l])
	return out, nil
}

// InsertRecord appends rec to buf, reusing a tombstoned slot if one
// exists, and reports the new slot index or false if there is no room.
// A tombstone's directory entry is reused immediately, but its data
// bytes are dead space in the middle of the page until a Compact packs
// the live records back together; InsertRecord compacts and retries
// once before reporting the page full, so deletes actually free space
// for later inserts instead of only growing freeEnd monotonically.
func InsertRecord(buf []byte, rec []byte) (int, bool) {
	if idx, ok := tryInsertRecord(buf, rec); ok {
		return idx, true
	}
	Compact(buf)
	return tryInsertRecord(buf, rec)
}

func tryInsertRecord(buf []byte, rec []byte) (int, bool) {
	needed := len(rec)
	reuseIdx := -1
	for i := 0; i < slotCount(buf); i++ {
		if _, l := getSlot(buf, i); l == tombstoneLen {
			reuseIdx = i
			break
		}
	}
	available := FreeSpace(buf)
	if reuseIdx == -1 {
		available -= slotEntrySize
	}
	if available < needed {
		return 0, false
	}
	newOff := freeEnd(buf) - needed
	copy(buf[newOff:newOff+needed], rec)
	setFreeEnd(buf, newOff)
	if reuseIdx == -1 {
		idx := slotCount(buf)
		setSlotCount(buf, idx+1)
		setSlot(buf, idx, newOff, needed)
		return idx, true
	}
	setSlot(buf, reuseIdx, newOff, needed)
	return reuseIdx, true
}

// DeleteRecord tombstones slot i; its bytes are reclaimed on Compact.
func DeleteRecord(buf []byte, i int) error {
	if i < 0 || i >= slotCount(buf) {
		return fmt.Errorf("recordstore: slot %d out of range", i)
	}
	setSlot(buf, i, 0, tombstoneLen)
	return nil
}

// UpdateRecord replaces slot i's bytes in place when it fits in the
// original footprint, else tombstones it and appends the new bytes,
// reporting the record's slot (unchanged unless relocated).
func UpdateRecord(buf []byte, i int, rec []byte) (int, bool) {
	if i < 0 || i >= slotCount(buf) {
		return 0, false
	}
	off, l := getSlot(buf, i)
	if l != tombstoneLen && len(rec) <= l {
		copy(buf[off:off+len(rec)], rec)
		setSlot(buf, i, off, len(rec))
		return i, true
	}
	_ = DeleteRecord(buf, i)
	return InsertRecord(buf, rec)
}

// Compact rewrites buf's live records contiguously from the page end,
// reclaiming space left by tombstones and in-place shrinks.
func Compact(buf []byte) {
	type live struct {
		idx  int
		data []byte
	}
	var lives []live
	for i := 0; i < slotCount(buf); i++ {
		if off, l := getSlot(buf, i); l != tombstoneLen {
			cp := make([]byte, l)
			copy(cp, buf[off:off+l])
			lives = append(lives, live{i, cp})
		}
	}
	end := len(buf)
	for _, r := range lives {
		end -= len(r.data)
		copy(buf[end:end+len(r.data)], r.data)
		setSlot(buf, r.idx, end, len(r.data))
	}
	setFreeEnd(buf, end)
}

// LiveSlots returns the indices of all non-tombstoned slots in order.
func LiveSlots(buf []byte) []int {
	var out []int
	for i := 0; i < slotCount(buf); i++ {
		if IsLive(buf, i) {
			out = append(out, i)
		}
	}
	return out
}
