package pagestore

import "encoding/binary"

// freeListNextOff and freeListCountOff locate the chain's own
// next-pointer and count, right after the common header; the page ids
// start at freeListDataOff.
const (
	freeListNextOff  = HeaderSize
	freeListCountOff = HeaderSize + 4
	freeListDataOff  = HeaderSize + 6
)

// freeListCapacity returns how many page ids a single free-list page of
// the given size can hold.
func freeListCapacity(pageSize int) int {
	return (pageSize - freeListDataOff) / 4
}

// initFreeListPage stamps buf (already page-sized) as an empty free-list
// node pointing at next.
func initFreeListPage(buf []byte, id, next PageID) {
	PutHeader(buf, Header{Type: TypeFree, ID: id})
	binary.LittleEndian.PutUint32(buf[freeListNextOff:freeListNextOff+4], uint32(next))
	binary.LittleEndian.PutUint16(buf[freeListCountOff:freeListCountOff+2], 0)
}

func freeListNext(buf []byte) PageID {
	return PageID(binary.LittleEndian.Uint32(buf[freeListNextOff : freeListNextOff+4]))
}

func freeListSetNext(buf []byte, next PageID) {
	binary.LittleEndian.PutUint32(buf[freeListNextOff:freeListNextOff+4], uint32(next))
}

func freeListCount(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[freeListCountOff : freeListCountOff+2]))
}

func freeListSetCount(buf []byte, n int) {
	binary.LittleEndian.PutUint16(buf[freeListCountOff:freeListCountOff+2], uint16(n))
}

func freeListGet(buf []byte, i int) PageID {
	o := freeListDataOff + i*4
	return PageID(binary.LittleEndian.Uint32(buf[o : o+4]))
}

func freeListSet(buf []byte, i int, id PageID) {
	o := freeListDataOff + i*4
	binary.LittleEndian.PutUint32(buf[o:o+4], uint32(id))
}

// freeListPush appends id to buf's entry list, reporting whether there
// was room.
func freeListPush(buf []byte, id PageID) bool {
	n := freeListCount(buf)
	if n >= freeListCapacity(len(buf)) {
		return false
	}
	freeListSet(buf, n, id)
	freeListSetCount(buf, n+1)
	return true
}

// freeListPop removes and returns the last entry, reporting whether the
// page had any.
func freeListPop(buf []byte) (PageID, bool) {
	n := freeListCount(buf)
	if n == 0 {
		return InvalidPageID, false
	}
	id := freeListGet(buf, n-1)
	freeListSetCount(buf, n-1)
	return id, true
}
