package filemgr_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtrieve/xtrieve/internal/filemgr"
	"github.com/xtrieve/xtrieve/internal/keydesc"
	"github.com/xtrieve/xtrieve/internal/pagestore"
)

func createTestFile(t *testing.T, path string) {
	t.Helper()
	p, err := pagestore.CreateFile(path, pagestore.DefaultPageSize, pagestore.FCR{
		PageSize:     pagestore.DefaultPageSize,
		RecordLength: 64,
		Keys: []keydesc.Descriptor{
			{Number: 0, Segments: []keydesc.Segment{{Offset: 0, Length: 4, Type: keydesc.TypeUnsigned}}},
		},
		RootPages: []pagestore.PageID{0},
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestOpenCloseRefcounting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	createTestFile(t, path)

	m := filemgr.New()
	idx1, gen1, _, err := m.Open(path, filemgr.ModeNormal, pagestore.DefaultPageSize)
	require.NoError(t, err)
	idx2, gen2, _, err := m.Open(path, filemgr.ModeNormal, pagestore.DefaultPageSize)
	require.NoError(t, err)
	require.Equal(t, idx1, idx2)
	require.Equal(t, gen1, gen2)

	_, err = m.Resolve(idx1, gen1)
	require.NoError(t, err)

	require.NoError(t, m.Close(idx1, gen1))
	// second handle still open
	_, err = m.Resolve(idx2, gen2)
	require.NoError(t, err)

	require.NoError(t, m.Close(idx2, gen2))
	_, err = m.Resolve(idx2, gen2)
	require.ErrorIs(t, err, filemgr.ErrFileNotOpen)
}

func TestStalePositionBlockRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	createTestFile(t, path)

	m := filemgr.New()
	idx, gen, _, err := m.Open(path, filemgr.ModeNormal, pagestore.DefaultPageSize)
	require.NoError(t, err)
	require.NoError(t, m.Close(idx, gen))

	_, err = m.Resolve(idx, gen)
	require.ErrorIs(t, err, filemgr.ErrFileNotOpen)
}
