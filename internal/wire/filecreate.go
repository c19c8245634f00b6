package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/xtrieve/xtrieve/internal/keydesc"
)

// FileCreationSpec is the decoded data_buffer payload for opcode 14
// (Create), per spec.md §6.
type FileCreationSpec struct {
	RecordLength uint16
	PageSize     uint16
	Keys         []keydesc.Descriptor
}

const keySpecSize = 2 + 2 + 2 + 1 + 1 + 8 // position,length,flags,type,null_value,reserved

// DecodeFileCreationSpec parses opcode 14's data_buffer.
func DecodeFileCreationSpec(buf []byte) (FileCreationSpec, error) {
	if len(buf) < 10 {
		return FileCreationSpec{}, fmt.Errorf("wire: short file-creation spec")
	}
	spec := FileCreationSpec{
		RecordLength: binary.LittleEndian.Uint16(buf[0:2]),
		PageSize:     binary.LittleEndian.Uint16(buf[2:4]),
	}
	numKeys := int(binary.LittleEndian.Uint16(buf[4:6]))
	off := 10
	spec.Keys = make([]keydesc.Descriptor, numKeys)
	for i := 0; i < numKeys; i++ {
		if off+keySpecSize > len(buf) {
			return FileCreationSpec{}, fmt.Errorf("wire: short key spec %d", i)
		}
		pos := binary.LittleEndian.Uint16(buf[off : off+2])
		length := binary.LittleEndian.Uint16(buf[off+2 : off+4])
		flags := binary.LittleEndian.Uint16(buf[off+4 : off+6])
		typ := buf[off+6]
		nullVal := buf[off+7]
		spec.Keys[i] = keydesc.Descriptor{
			Number: int16(i),
			Segments: []keydesc.Segment{{
				Offset:        pos,
				Length:        length,
				Type:          keydesc.Type(typ),
				Flags:         keydesc.Flag(flags),
				NullValueByte: nullVal,
			}},
		}
		off += keySpecSize
	}
	return spec, nil
}

// EncodeFileCreationSpec is the inverse of DecodeFileCreationSpec, used
// by cmd/xtrievectl to build a Create request.
func EncodeFileCreationSpec(spec FileCreationSpec) []byte {
	buf := make([]byte, 10+len(spec.Keys)*keySpecSize)
	binary.LittleEndian.PutUint16(buf[0:2], spec.RecordLength)
	binary.LittleEndian.PutUint16(buf[2:4], spec.PageSize)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(spec.Keys)))
	off := 10
	for _, k := range spec.Keys {
		seg := k.Segments[0]
		binary.LittleEndian.PutUint16(buf[off:off+2], seg.Offset)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], seg.Length)
		binary.LittleEndian.PutUint16(buf[off+4:off+6], uint16(seg.Flags))
		buf[off+6] = byte(seg.Type)
		buf[off+7] = seg.NullValueByte
		off += keySpecSize
	}
	return buf
}
