package recordstore

import (
	"encoding/binary"

	"github.com/xtrieve/xtrieve/internal/pagestore"
)

const (
	ovNextOff = pagestore.HeaderSize
	ovLenOff  = pagestore.HeaderSize + 4
	ovDataOff = pagestore.HeaderSize + 6
)

// OverflowCapacity returns how many payload bytes a single overflow
// page of pageSize can carry.
func OverflowCapacity(pageSize int) int {
	return pageSize - ovDataOff
}

// InitOverflowPage stamps buf as a VARIABLE page carrying up to
// OverflowCapacity(len(buf)) bytes of chunk, with next chained onward.
func InitOverflowPage(buf []byte, id pagestore.PageID, chunk []byte, next pagestore.PageID) {
	pagestore.PutHeader(buf, pagestore.Header{Type: pagestore.TypeVariable, ID: id})
	binary.LittleEndian.PutUint32(buf[ovNextOff:ovNextOff+4], uint32(next))
	binary.LittleEndian.PutUint16(buf[ovLenOff:ovLenOff+2], uint16(len(chunk)))
	copy(buf[ovDataOff:], chunk)
}

func OverflowNext(buf []byte) pagestore.PageID {
	return pagestore.PageID(binary.LittleEndian.Uint32(buf[ovNextOff : ovNextOff+4]))
}

func OverflowData(buf []byte) []byte {
	n := int(binary.LittleEndian.Uint16(buf[ovLenOff : ovLenOff+2]))
	out := make([]byte, n)
	copy(out, buf[ovDataOff:ovDataOff+n])
	return out
}

// Pager is the subset of *pagestore.Pager the overflow chain helpers need.
type Pager interface {
	Allocate() (pagestore.PageID, error)
	Free(pagestore.PageID) error
	ReadPage(pagestore.PageID) ([]byte, error)
	WritePage(pagestore.PageID, []byte) error
	PageSize() int
}

// WriteOverflowChain stores data across as many overflow pages as
// needed and returns the head page id.
func WriteOverflowChain(p Pager, data []byte) (pagestore.PageID, error) {
	cap := OverflowCapacity(p.PageSize())
	var chunks [][]byte
	for off := 0; off < len(data); off += cap {
		end := off + cap
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	var head pagestore.PageID
	next := pagestore.InvalidPageID
	ids := make([]pagestore.PageID, len(chunks))
	for i := range chunks {
		id, err := p.Allocate()
		if err != nil {
			return 0, err
		}
		ids[i] = id
	}
	for i := len(chunks) - 1; i >= 0; i-- {
		buf := pagestore.NewPage(p.PageSize(), pagestore.TypeVariable, ids[i])
		InitOverflowPage(buf, ids[i], chunks[i], next)
		if err := p.WritePage(ids[i], buf); err != nil {
			return 0, err
		}
		next = ids[i]
	}
	head = ids[0]
	return head, nil
}

// ReadOverflowChain reassembles the full payload starting at head.
func ReadOverflowChain(p Pager, head pagestore.PageID) ([]byte, error) {
	var out []byte
	for id := head; id != pagestore.InvalidPageID; {
		buf, err := p.ReadPage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, OverflowData(buf)...)
		id = OverflowNext(buf)
	}
	return out, nil
}

// FreeOverflowChain frees every page in the chain rooted at head.
func FreeOverflowChain(p Pager, head pagestore.PageID) error {
	for id := head; id != pagestore.InvalidPageID; {
		buf, err := p.ReadPage(id)
		if err != nil {
			return err
		}
		next := OverflowNext(buf)
		if err := p.Free(id); err != nil {
			return err
		}
		id = next
	}
	return nil
}
