// Package keydesc describes Xtrieve key descriptors and provides the
// pluggable comparators that the B+Tree index uses to order them.
package keydesc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Type identifies the data type of a key segment.
type Type uint8

const (
	TypeString    Type = 0
	TypeInt       Type = 1 // signed integer, little-endian two's complement
	TypeUnsigned  Type = 2 // unsigned integer, little-endian
	TypeFloat     Type = 3 // IEEE-754 binary64
	TypeBFloat    Type = 4 // Btrieve "binary float", IEEE-754 binary32
	TypeDecimal   Type = 5 // packed decimal, most significant byte first
	TypeMoney     Type = 6 // fixed-point, stored as int64 cents, LE
	TypeZString   Type = 7 // NUL-terminated string
	TypeAutoincr  Type = 8 // unsigned integer maintained by the engine
)

// Flags on a segment.
type Flag uint16

const (
	FlagDuplicates  Flag = 1 << 0
	FlagModifiable  Flag = 1 << 1
	FlagBinary      Flag = 1 << 2
	FlagNullable    Flag = 1 << 3
	FlagSegmented   Flag = 1 << 4
	FlagDescending  Flag = 1 << 5
	FlagSupplemental Flag = 1 << 6
)

// Segment is one component of a (possibly segmented) key.
type Segment struct {
	Offset uint16
	Length uint16
	Type   Type
	Flags  Flag
	NullValueByte byte // the byte that, filling the whole segment, marks it null
}

// Descriptor fully describes one index's key.
type Descriptor struct {
	Number   int16
	Segments []Segment
}

// Duplicates reports whether this key allows duplicate values.
func (d Descriptor) Duplicates() bool {
	return len(d.Segments) > 0 && d.Segments[0].Flags&FlagDuplicates != 0
}

// Segmented reports whether this key is composed of more than one segment.
func (d Descriptor) Segmented() bool {
	return len(d.Segments) > 1
}

const segmentEncodedSize = 10

// Encode serializes a descriptor into the FCR's key descriptor table.
func Encode(d Descriptor) []byte {
	buf := make([]byte, 4+segmentEncodedSize*len(d.Segments))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(d.Number))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(d.Segments)))
	for i, s := range d.Segments {
		o := 4 + i*segmentEncodedSize
		binary.LittleEndian.PutUint16(buf[o:o+2], s.Offset)
		binary.LittleEndian.PutUint16(buf[o+2:o+4], s.Length)
		buf[o+4] = byte(s.Type)
		binary.LittleEndian.PutUint16(buf[o+5:o+7], uint16(s.Flags))
		buf[o+7] = s.NullValueByte
	}
	return buf
}

// Decode parses a descriptor previously written by Encode.
func Decode(buf []byte) (Descriptor, int, error) {
	if len(buf) < 4 {
		return Descriptor{}, 0, fmt.Errorf("keydesc: short buffer")
	}
	d := Descriptor{Number: int16(binary.LittleEndian.Uint16(buf[0:2]))}
	n := int(binary.LittleEndian.Uint16(buf[2:4]))
	need := 4 + n*segmentEncodedSize
	if len(buf) < need {
		return Descriptor{}, 0, fmt.Errorf("keydesc: short segment table")
	}
	d.Segments = make([]Segment, n)
	for i := 0; i < n; i++ {
		o := 4 + i*segmentEncodedSize
		d.Segments[i] = Segment{
			Offset:        binary.LittleEndian.Uint16(buf[o : o+2]),
			Length:        binary.LittleEndian.Uint16(buf[o+2 : o+4]),
			Type:          Type(buf[o+4]),
			Flags:         Flag(binary.LittleEndian.Uint16(buf[o+5 : o+7])),
			NullValueByte: buf[o+7],
		}
	}
	return d, need, nil
}

// Extract pulls this descriptor's key bytes out of a full record buffer,
// concatenating segments in descriptor order for segmented keys.
func Extract(d Descriptor, record []byte) ([]byte, bool) {
	out := make([]byte, 0, 16)
	anyNull := false
	for _, s := range d.Segments {
		if int(s.Offset)+int(s.Length) > len(record) {
			return nil, false
		}
		seg := record[s.Offset : s.Offset+s.Length]
		if s.Flags&FlagNullable != 0 && isAllByte(seg, s.NullValueByte) {
			anyNull = true
		}
		out = append(out, seg...)
	}
	return out, anyNull
}

func isAllByte(b []byte, v byte) bool {
	for _, c := range b {
		if c != v {
			return false
		}
	}
	return true
}

// Comparator orders two extracted key byte-strings of this descriptor.
type Comparator func(a, b []byte) int

// BuildComparator constructs the comparator for a descriptor, honoring
// per-segment type and the whole-key descending flag.
func BuildComparator(d Descriptor) Comparator {
	descending := len(d.Segments) > 0 && d.Segments[0].Flags&FlagDescending != 0
	segs := d.Segments
	cmp := func(a, b []byte) int {
		off := 0
		for _, s := range segs {
			segLen := int(s.Length)
			aAvail, bAvail := len(a)-off, len(b)-off
			if aAvail <= 0 && bAvail <= 0 {
				break
			}
			if aAvail < segLen || bAvail < segLen {
				// One side ran out of bytes mid-segment: a query key
				// shorter than the declared key length sorts immediately
				// before any full key sharing its prefix, so GetEqual with
				// a partial key lands on the leftmost stored key with that
				// prefix (spec.md's partial-key edge policy) once combined
				// with a forward seek.
				n := segLen
				if aAvail < n {
					n = aAvail
				}
				if bAvail < n {
					n = bAvail
				}
				if n < 0 {
					n = 0
				}
				if c := bytes.Compare(a[off:off+n], b[off:off+n]); c != 0 {
					return c
				}
				switch {
				case aAvail < bAvail:
					return -1
				case aAvail > bAvail:
					return 1
				default:
					return 0
				}
			}
			sa, sb := a[off:off+segLen], b[off:off+segLen]
			if c := compareSegment(s.Type, sa, sb); c != 0 {
				return c
			}
			off += segLen
		}
		// Tie across all declared segments: compare any trailing bytes.
		// The only thing ever appended past the declared segments is the
		// duplicate-key index layer's 6-byte little-endian RecordID
		// tiebreaker (4-byte PageID, 2-byte Slot); compare it numerically
		// rather than lexicographically so insertion order is preserved
		// across a PageID byte boundary (e.g. PageID 1 vs 256).
		return compareTrailing(a[min(off, len(a)):], b[min(off, len(b)):])
	}
	if descending {
		return func(a, b []byte) int { return -cmp(a, b) }
	}
	return cmp
}

func compareTrailing(a, b []byte) int {
	if len(a) == 6 && len(b) == 6 {
		return compareRID(a, b)
	}
	return bytes.Compare(a, b)
}

// compareRID orders two 6-byte little-endian RecordID suffixes (4-byte
// PageID, 2-byte Slot) numerically.
func compareRID(a, b []byte) int {
	pa, pb := leUint(a[0:4]), leUint(b[0:4])
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	}
	sa, sb := leUint(a[4:6]), leUint(b[4:6])
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func compareSegment(t Type, a, b []byte) int {
	switch t {
	case TypeString, TypeZString, TypeDecimal:
		return bytes.Compare(a, b)
	case TypeInt:
		return compareInt(a, b)
	case TypeUnsigned, TypeAutoincr:
		return compareUint(a, b)
	case TypeMoney:
		return compareInt(a, b)
	case TypeFloat:
		return compareFloat64(a, b)
	case TypeBFloat:
		return compareFloat32(a, b)
	default:
		return bytes.Compare(a, b)
	}
}

func compareUint(a, b []byte) int {
	ua, ub := leUint(a), leUint(b)
	switch {
	case ua < ub:
		return -1
	case ua > ub:
		return 1
	default:
		return 0
	}
}

func leUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func compareInt(a, b []byte) int {
	ia, ib := signExtend(a), signExtend(b)
	switch {
	case ia < ib:
		return -1
	case ia > ib:
		return 1
	default:
		return 0
	}
}

func signExtend(b []byte) int64 {
	if len(b) == 0 {
		return 0
	}
	u := leUint(b)
	bits := uint(len(b)) * 8
	if bits < 64 && u&(1<<(bits-1)) != 0 {
		u |= ^uint64(0) << bits
	}
	return int64(u)
}

func compareFloat64(a, b []byte) int {
	if len(a) < 8 || len(b) < 8 {
		return bytes.Compare(a, b)
	}
	fa := math.Float64frombits(binary.LittleEndian.Uint64(a))
	fb := math.Float64frombits(binary.LittleEndian.Uint64(b))
	return cmpFloat(fa, fb)
}

func compareFloat32(a, b []byte) int {
	if len(a) < 4 || len(b) < 4 {
		return bytes.Compare(a, b)
	}
	fa := math.Float32frombits(binary.LittleEndian.Uint32(a))
	fb := math.Float32frombits(binary.LittleEndian.Uint32(b))
	return cmpFloat(float64(fa), float64(fb))
}

func cmpFloat(a, b float64) int {
	aNaN, bNaN := math.IsNaN(a), math.IsNaN(b)
	switch {
	case aNaN && bNaN:
		return 0
	case aNaN: // NaN sorts last
		return 1
	case bNaN:
		return -1
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
