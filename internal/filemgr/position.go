package filemgr

import (
	"encoding/binary"
	"errors"

	"github.com/zeebo/xxh3"
)

// PositionBlockSize is the fixed, client-opaque handle size.
const PositionBlockSize = 128

// ErrCorruptPositionBlock is returned when a position block's checksum
// does not match its contents — a garbled or foreign 128-byte blob.
var ErrCorruptPositionBlock = errors.New("filemgr: corrupt position block")

// Position identifies a session's open file and cursor. DescIndex and
// Generation together form the stale-handle check described in
// spec.md §3 ("Position block"); CursorPage/CursorSlot/KeyNumber are
// the current cursor, mutated on every positioning operation.
type Position struct {
	DescIndex  uint32
	Generation uint32
	CursorPage uint32
	CursorSlot uint16
	KeyNumber  int16
}

const nullCursor = ^uint32(0)

// Unpositioned reports whether the cursor has no current record.
func (p Position) Unpositioned() bool { return p.CursorPage == nullCursor }

// NewPosition returns a freshly opened, unpositioned handle.
func NewPosition(descIndex, generation uint32) Position {
	return Position{DescIndex: descIndex, Generation: generation, CursorPage: nullCursor, KeyNumber: -1}
}

// Encode serializes p into a 128-byte client-opaque blob with a
// trailing xxh3 integrity checksum (grounded on jpl-au-folio's hash.go
// use of zeebo/xxh3), so a foreign or corrupted blob is rejected before
// it is trusted as an index into the handle table.
func Encode(p Position) [PositionBlockSize]byte {
	var buf [PositionBlockSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], p.DescIndex)
	binary.LittleEndian.PutUint32(buf[4:8], p.Generation)
	binary.LittleEndian.PutUint32(buf[8:12], p.CursorPage)
	binary.LittleEndian.PutUint16(buf[12:14], p.CursorSlot)
	binary.LittleEndian.PutUint16(buf[14:16], uint16(p.KeyNumber))
	sum := xxh3.Hash(buf[:16])
	binary.LittleEndian.PutUint64(buf[16:24], sum)
	return buf
}

// Decode parses and validates a position block's checksum.
func Decode(buf [PositionBlockSize]byte) (Position, error) {
	sum := binary.LittleEndian.Uint64(buf[16:24])
	if xxh3.Hash(buf[:16]) != sum {
		return Position{}, ErrCorruptPositionBlock
	}
	return Position{
		DescIndex:  binary.LittleEndian.Uint32(buf[0:4]),
		Generation: binary.LittleEndian.Uint32(buf[4:8]),
		CursorPage: binary.LittleEndian.Uint32(buf[8:12]),
		CursorSlot: binary.LittleEndian.Uint16(buf[12:14]),
		KeyNumber:  int16(binary.LittleEndian.Uint16(buf[14:16])),
	}, nil
}
