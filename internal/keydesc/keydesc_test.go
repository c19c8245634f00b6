package keydesc_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtrieve/xtrieve/internal/keydesc"
)

func intSeg(offset, length uint16, flags keydesc.Flag) keydesc.Segment {
	return keydesc.Segment{Offset: offset, Length: length, Type: keydesc.TypeInt, Flags: flags}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := keydesc.Descriptor{
		Number: 2,
		Segments: []keydesc.Segment{
			{Offset: 0, Length: 4, Type: keydesc.TypeInt, Flags: keydesc.FlagDuplicates},
			{Offset: 4, Length: 8, Type: keydesc.TypeString, Flags: keydesc.FlagSegmented, NullValueByte: ' '},
		},
	}
	buf := keydesc.Encode(d)
	got, n, err := keydesc.Decode(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, d, got)
}

func TestDuplicatesAndSegmented(t *testing.T) {
	single := keydesc.Descriptor{Segments: []keydesc.Segment{intSeg(0, 4, keydesc.FlagDuplicates)}}
	require.True(t, single.Duplicates())
	require.False(t, single.Segmented())

	composite := keydesc.Descriptor{Segments: []keydesc.Segment{intSeg(0, 4, 0), intSeg(4, 4, 0)}}
	require.False(t, composite.Duplicates())
	require.True(t, composite.Segmented())
}

func TestExtractDetectsNullSegment(t *testing.T) {
	d := keydesc.Descriptor{Segments: []keydesc.Segment{
		{Offset: 0, Length: 4, Type: keydesc.TypeString, Flags: keydesc.FlagNullable, NullValueByte: 0},
	}}
	key, isNull := keydesc.Extract(d, []byte{0, 0, 0, 0})
	require.True(t, isNull)
	require.Equal(t, []byte{0, 0, 0, 0}, key)

	key, isNull = keydesc.Extract(d, []byte{1, 0, 0, 0})
	require.False(t, isNull)
	require.Equal(t, []byte{1, 0, 0, 0}, key)
}

func TestExtractShortRecordFails(t *testing.T) {
	d := keydesc.Descriptor{Segments: []keydesc.Segment{{Offset: 4, Length: 4, Type: keydesc.TypeInt}}}
	_, ok := keydesc.Extract(d, []byte{1, 2, 3})
	require.False(t, ok)
}

func leInt32(n int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(n))
	return b
}

func TestComparatorInt(t *testing.T) {
	d := keydesc.Descriptor{Segments: []keydesc.Segment{intSeg(0, 4, 0)}}
	cmp := keydesc.BuildComparator(d)
	require.Negative(t, cmp(leInt32(-5), leInt32(3)))
	require.Positive(t, cmp(leInt32(10), leInt32(-10)))
	require.Zero(t, cmp(leInt32(7), leInt32(7)))
}

func TestComparatorDescending(t *testing.T) {
	d := keydesc.Descriptor{Segments: []keydesc.Segment{intSeg(0, 4, keydesc.FlagDescending)}}
	cmp := keydesc.BuildComparator(d)
	require.Positive(t, cmp(leInt32(1), leInt32(2)))
	require.Negative(t, cmp(leInt32(2), leInt32(1)))
}

func TestComparatorString(t *testing.T) {
	d := keydesc.Descriptor{Segments: []keydesc.Segment{
		{Offset: 0, Length: 5, Type: keydesc.TypeString},
	}}
	cmp := keydesc.BuildComparator(d)
	require.Negative(t, cmp([]byte("alice"), []byte("bob!!")))
}

// leRID builds the 6-byte little-endian RecordID tiebreaker
// (4-byte PageID, 2-byte Slot) that internal/dispatch/keys.go's
// encodeRID appends past a duplicate-permitting index's declared
// segments.
func leRID(page uint32, slot uint16) []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint32(b[0:4], page)
	binary.LittleEndian.PutUint16(b[4:6], slot)
	return b
}

func TestComparatorTieBreaksOnTrailingRecordID(t *testing.T) {
	d := keydesc.Descriptor{Segments: []keydesc.Segment{intSeg(0, 4, keydesc.FlagDuplicates)}}
	cmp := keydesc.BuildComparator(d)
	a := append(leInt32(9), leRID(1, 1)...)
	b := append(leInt32(9), leRID(1, 2)...)
	require.Negative(t, cmp(a, b))
	require.Positive(t, cmp(b, a))
	require.Zero(t, cmp(a, a))
}

// TestComparatorTieBreaksAcrossPageIDByteBoundary guards against
// comparing the RecordID suffix with raw bytes.Compare, which does not
// preserve numeric order once PageID crosses a byte boundary: PageID 1
// encodes as [1,0,0,0], which sorts lexicographically *after* PageID
// 256's [0,1,0,0] even though 1 < 256.
func TestComparatorTieBreaksAcrossPageIDByteBoundary(t *testing.T) {
	d := keydesc.Descriptor{Segments: []keydesc.Segment{intSeg(0, 4, keydesc.FlagDuplicates)}}
	cmp := keydesc.BuildComparator(d)
	lowPage := append(leInt32(9), leRID(1, 0)...)
	highPage := append(leInt32(9), leRID(256, 0)...)
	require.Negative(t, cmp(lowPage, highPage))
	require.Positive(t, cmp(highPage, lowPage))
}

func TestComparatorFloat(t *testing.T) {
	d := keydesc.Descriptor{Segments: []keydesc.Segment{
		{Offset: 0, Length: 8, Type: keydesc.TypeFloat},
	}}
	cmp := keydesc.BuildComparator(d)
	le := func(f float64) []byte {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(f))
		return b
	}
	require.Negative(t, cmp(le(1.5), le(2.5)))
}
