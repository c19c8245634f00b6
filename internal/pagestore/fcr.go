package pagestore

import (
	"encoding/binary"
	"fmt"

	"github.com/xtrieve/xtrieve/internal/keydesc"
)

// Magic identifies an Xtrieve data file.
const Magic uint32 = 0x58545256 // "XTRV"

// FCR is the in-memory view of the file control record held at page 0.
// Immutable fields (PageSize, RecordLength, FixedRecordLength, Keys) are
// set at create time; mutable fields change on every structural update
// and are only made durable at commit (see internal/txmgr).
type FCR struct {
	PageSize          int
	RecordLength      int // declared/maximum record length
	FixedRecordLength bool
	Keys              []keydesc.Descriptor

	// Mutable:
	RootPages     []PageID // parallel to Keys, one B+Tree root per index
	FreeChainHead PageID
	DataHead      PageID // head of the physical-order data page chain
	DataTail      PageID // tail of the physical-order data page chain
	RecordCount   uint64
	NextRecordID  uint64
	Version       uint64 // bumped on every committed structural change
}

const fcrFixedHeaderSize = 64

// MarshalFCR serializes fcr into a full page-sized buffer.
func MarshalFCR(pageSize int, fcr FCR) []byte {
	buf := NewPage(pageSize, TypeFCR, FCRPageID)
	PutHeader(buf, Header{Type: TypeFCR, ID: FCRPageID, FCRVersion: fcr.Version})

	h := buf[HeaderSize:]
	binary.LittleEndian.PutUint32(h[0:4], Magic)
	binary.LittleEndian.PutUint32(h[4:8], uint32(fcr.PageSize))
	binary.LittleEndian.PutUint32(h[8:12], uint32(fcr.RecordLength))
	if fcr.FixedRecordLength {
		h[12] = 1
	}
	binary.LittleEndian.PutUint16(h[13:15], uint16(len(fcr.Keys)))
	binary.LittleEndian.PutUint32(h[16:20], uint32(fcr.FreeChainHead))
	binary.LittleEndian.PutUint64(h[20:28], fcr.RecordCount)
	binary.LittleEndian.PutUint64(h[28:36], fcr.NextRecordID)
	binary.LittleEndian.PutUint64(h[36:44], fcr.Version)
	binary.LittleEndian.PutUint32(h[44:48], uint32(fcr.DataHead))
	binary.LittleEndian.PutUint32(h[48:52], uint32(fcr.DataTail))

	off := HeaderSize + fcrFixedHeaderSize
	for _, rp := range fcr.RootPages {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(rp))
		off += 4
	}
	for _, k := range fcr.Keys {
		enc := keydesc.Encode(k)
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(enc)))
		off += 2
		copy(buf[off:], enc)
		off += len(enc)
	}
	SetCRC(buf)
	return buf
}

// UnmarshalFCR parses a page-0 buffer into an FCR.
func UnmarshalFCR(buf []byte) (FCR, error) {
	if len(buf) < HeaderSize+fcrFixedHeaderSize {
		return FCR{}, fmt.Errorf("pagestore: short FCR page")
	}
	if !VerifyCRC(buf) {
		return FCR{}, fmt.Errorf("pagestore: FCR checksum mismatch: %w", ErrCorrupt)
	}
	hdr := GetHeader(buf)
	if hdr.Type != TypeFCR {
		return FCR{}, fmt.Errorf("pagestore: page 0 is not an FCR")
	}
	h := buf[HeaderSize:]
	if binary.LittleEndian.Uint32(h[0:4]) != Magic {
		return FCR{}, fmt.Errorf("pagestore: bad magic: %w", ErrCorrupt)
	}
	fcr := FCR{
		PageSize:          int(binary.LittleEndian.Uint32(h[4:8])),
		RecordLength:      int(binary.LittleEndian.Uint32(h[8:12])),
		FixedRecordLength: h[12] == 1,
		FreeChainHead:     PageID(binary.LittleEndian.Uint32(h[16:20])),
		RecordCount:       binary.LittleEndian.Uint64(h[20:28]),
		NextRecordID:      binary.LittleEndian.Uint64(h[28:36]),
		Version:           binary.LittleEndian.Uint64(h[36:44]),
		DataHead:          PageID(binary.LittleEndian.Uint32(h[44:48])),
		DataTail:          PageID(binary.LittleEndian.Uint32(h[48:52])),
	}
	numKeys := int(binary.LittleEndian.Uint16(h[13:15]))

	off := HeaderSize + fcrFixedHeaderSize
	fcr.RootPages = make([]PageID, numKeys)
	for i := 0; i < numKeys; i++ {
		fcr.RootPages[i] = PageID(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	fcr.Keys = make([]keydesc.Descriptor, numKeys)
	for i := 0; i < numKeys; i++ {
		l := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		d, _, err := keydesc.Decode(buf[off : off+l])
		if err != nil {
			return FCR{}, fmt.Errorf("pagestore: key %d: %w", i, err)
		}
		fcr.Keys[i] = d
		off += l
	}
	return fcr, nil
}
