package btree_test

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtrieve/xtrieve/internal/btree"
	"github.com/xtrieve/xtrieve/internal/pagestore"
)

func newPager(t *testing.T) *pagestore.Pager {
	t.Helper()
	dir := t.TempDir()
	p, err := pagestore.CreateFile(filepath.Join(dir, "idx.btr"), pagestore.DefaultPageSize, pagestore.FCR{
		PageSize:     pagestore.DefaultPageSize,
		RecordLength: 32,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func u32key(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

func TestInsertGetManyKeys(t *testing.T) {
	p := newPager(t)
	tr, err := btree.CreateEmpty(p, bytes.Compare)
	require.NoError(t, err)

	const n = 500
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tr.Insert(u32key(i), btree.RecordID{Page: pagestore.PageID(i + 1), Slot: 0}))
	}
	require.NoError(t, p.Commit())

	for i := uint32(0); i < n; i++ {
		rid, ok, err := tr.Get(u32key(i))
		require.NoError(t, err)
		require.True(t, ok, "key %d missing", i)
		require.Equal(t, pagestore.PageID(i+1), rid.Page)
	}
}

func TestCursorForwardScan(t *testing.T) {
	p := newPager(t)
	tr, err := btree.CreateEmpty(p, bytes.Compare)
	require.NoError(t, err)

	const n = 200
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tr.Insert(u32key(i), btree.RecordID{Page: pagestore.PageID(i + 1)}))
	}
	require.NoError(t, p.Commit())

	page, idx, ok, err := tr.First()
	require.NoError(t, err)
	require.True(t, ok)
	count := 0
	for ok {
		_, _, err := tr.EntryAt(page, idx)
		require.NoError(t, err)
		count++
		page, idx, ok, err = tr.CursorNext(page, idx)
		require.NoError(t, err)
	}
	require.Equal(t, n, count)
}

func TestGetMatchesPartialKeyPrefix(t *testing.T) {
	p := newPager(t)
	tr, err := btree.CreateEmpty(p, bytes.Compare)
	require.NoError(t, err)

	full := append(u32key(7), []byte("extra")...)
	require.NoError(t, tr.Insert(full, btree.RecordID{Page: 1}))
	require.NoError(t, tr.Insert(append(u32key(8), []byte("extra")...), btree.RecordID{Page: 2}))
	require.NoError(t, p.Commit())

	rid, ok, err := tr.Get(u32key(7))
	require.NoError(t, err)
	require.True(t, ok, "partial key shorter than the indexed key should match its leftmost extension")
	require.Equal(t, pagestore.PageID(1), rid.Page)

	_, ok, err = tr.Get(u32key(9))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetOnNonUniqueIndexPositionsOnLeftmostDuplicate(t *testing.T) {
	p := newPager(t)
	tr, err := btree.CreateEmpty(p, bytes.Compare)
	require.NoError(t, err)

	base := u32key(42)
	withRID := func(rid uint32) []byte { return append(append([]byte{}, base...), u32key(rid)...) }
	require.NoError(t, tr.Insert(withRID(1), btree.RecordID{Page: pagestore.PageID(1)}))
	require.NoError(t, tr.Insert(withRID(5), btree.RecordID{Page: pagestore.PageID(5)}))
	require.NoError(t, tr.Insert(withRID(3), btree.RecordID{Page: pagestore.PageID(3)}))
	require.NoError(t, p.Commit())

	rid, ok, err := tr.Get(base)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pagestore.PageID(1), rid.Page, "GetEqual on a duplicate key should land on the lowest-RID (first-inserted) entry")
}

func TestDeleteAndRebalance(t *testing.T) {
	p := newPager(t)
	tr, err := btree.CreateEmpty(p, bytes.Compare)
	require.NoError(t, err)

	const n = 300
	for i := uint32(0); i < n; i++ {
		require.NoError(t, tr.Insert(u32key(i), btree.RecordID{Page: pagestore.PageID(i + 1)}))
	}
	require.NoError(t, p.Commit())

	for i := uint32(0); i < n-10; i++ {
		ok, err := tr.Delete(u32key(i), btree.RecordID{Page: pagestore.PageID(i + 1)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, p.Commit())

	for i := uint32(n - 10); i < n; i++ {
		_, ok, err := tr.Get(u32key(i))
		require.NoError(t, err)
		require.True(t, ok, "surviving key %d missing after rebalance", i)
	}
}
