// Package pagestore implements the fixed-size page file underlying an
// Xtrieve data file: page headers, CRC32 integrity, the free-page chain,
// and the file control record (FCR) that anchors everything else.
package pagestore

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// DefaultPageSize matches the Btrieve 5.1 default page size.
	DefaultPageSize = 4096
	// MinPageSize is the smallest page size a file may be created with.
	MinPageSize = 512
	// MaxPageSize is the largest page size a file may be created with.
	MaxPageSize = 4096 * 8

	// HeaderSize is the size in bytes of the common page header.
	//
	//	[0]     Type            (1 byte)
	//	[1]     Flags           (1 byte)
	//	[2:4]   Reserved        (2 bytes)
	//	[4:8]   PageID          (4 bytes, uint32 LE)
	//	[8:16]  FCRVersion      (8 bytes, uint64 LE)
	//	[16:20] CRC32           (4 bytes, uint32 LE)
	//	[20:32] Reserved        (12 bytes)
	HeaderSize = 32

	// InvalidPageID marks a null page pointer (e.g. end of a chain).
	InvalidPageID PageID = 0

	// FCRPageID is the fixed location of the file control record.
	FCRPageID PageID = 0
)

// PageID identifies a page within a file.
type PageID uint32

// PageType identifies the kind of content a page holds.
type PageType uint8

const (
	TypeFCR      PageType = 0x01
	TypeData     PageType = 0x02
	TypeIndex    PageType = 0x03
	TypeVariable PageType = 0x04
	TypeFree     PageType = 0x05
)

func (t PageType) String() string {
	switch t {
	case TypeFCR:
		return "FCR"
	case TypeData:
		return "DATA"
	case TypeIndex:
		return "INDEX"
	case TypeVariable:
		return "VARIABLE"
	case TypeFree:
		return "FREE"
	default:
		return fmt.Sprintf("PageType(%d)", t)
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Header is the common 32-byte header present at the start of every page.
type Header struct {
	Type       PageType
	Flags      uint8
	ID         PageID
	FCRVersion uint64
}

// PutHeader writes h into the first HeaderSize bytes of buf.
func PutHeader(buf []byte, h Header) {
	_ = buf[HeaderSize-1]
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	buf[2], buf[3] = 0, 0
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ID))
	binary.LittleEndian.PutUint64(buf[8:16], h.FCRVersion)
	binary.LittleEndian.PutUint32(buf[16:20], 0) // CRC zeroed until SetCRC
	for i := 20; i < HeaderSize; i++ {
		buf[i] = 0
	}
}

// GetHeader reads the common header out of buf.
func GetHeader(buf []byte) Header {
	_ = buf[HeaderSize-1]
	return Header{
		Type:       PageType(buf[0]),
		Flags:      buf[1],
		ID:         PageID(binary.LittleEndian.Uint32(buf[4:8])),
		FCRVersion: binary.LittleEndian.Uint64(buf[8:16]),
	}
}

// ComputeCRC computes the Castagnoli CRC32 of buf with the CRC field
// (bytes [16:20]) treated as zero.
func ComputeCRC(buf []byte) uint32 {
	saved := [4]byte{buf[16], buf[17], buf[18], buf[19]}
	buf[16], buf[17], buf[18], buf[19] = 0, 0, 0, 0
	sum := crc32.Checksum(buf, crcTable)
	buf[16], buf[17], buf[18], buf[19] = saved[0], saved[1], saved[2], saved[3]
	return sum
}

// SetCRC stamps buf's CRC field with its own checksum.
func SetCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf[16:20], ComputeCRC(buf))
}

// VerifyCRC reports whether buf's stored CRC matches its contents.
func VerifyCRC(buf []byte) bool {
	want := binary.LittleEndian.Uint32(buf[16:20])
	return want == ComputeCRC(buf)
}

// NewPage allocates a zeroed page buffer of size pageSize stamped with
// the given type and id.
func NewPage(pageSize int, pt PageType, id PageID) []byte {
	buf := make([]byte, pageSize)
	PutHeader(buf, Header{Type: pt, ID: id})
	return buf
}
