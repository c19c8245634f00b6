package dispatch_test

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtrieve/xtrieve/internal/btree"
	"github.com/xtrieve/xtrieve/internal/dispatch"
	"github.com/xtrieve/xtrieve/internal/filemgr"
	"github.com/xtrieve/xtrieve/internal/keydesc"
	"github.com/xtrieve/xtrieve/internal/pagestore"
	"github.com/xtrieve/xtrieve/internal/wire"
)

// appendRID mirrors internal/dispatch/keys.go's encodeRID layout
// (4-byte little-endian PageID, 2-byte little-endian Slot) so tests can
// fabricate duplicate-index entries at specific physical locations
// without driving the record store through hundreds of real inserts.
func appendRID(key []byte, rid btree.RecordID) []byte {
	out := append([]byte{}, key...)
	out = append(out, 0, 0, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(out[len(key):], uint32(rid.Page))
	binary.LittleEndian.PutUint16(out[len(key)+4:], rid.Slot)
	return out
}

// recordLen is fixed for these tests: 4-byte unique key followed by
// padding, matching SPEC_FULL.md's §4.2 fixed-offset key segment model.
const recordLen = 16

func createFile(t *testing.T, d *dispatch.Dispatcher, path string, dup bool) {
	t.Helper()
	flags := keydesc.Flag(0)
	if dup {
		flags = keydesc.FlagDuplicates
	}
	spec := wire.FileCreationSpec{
		RecordLength: recordLen,
		PageSize:     4096,
		Keys: []keydesc.Descriptor{
			{Number: 0, Segments: []keydesc.Segment{{Offset: 0, Length: 4, Type: keydesc.TypeString, Flags: flags}}},
		},
	}
	resp := d.Handle(dispatch.NewSession(), wire.Request{
		Operation:  wire.OpCreate,
		FilePath:   path,
		DataBuffer: wire.EncodeFileCreationSpec(spec),
	})
	require.Equal(t, wire.StatusSuccess, resp.Status)
}

func openFile(t *testing.T, d *dispatch.Dispatcher, s *dispatch.Session, path string) [wire.PositionBlockSize]byte {
	t.Helper()
	resp := d.Handle(s, wire.Request{Operation: wire.OpOpen, FilePath: path, KeyNumber: -1})
	require.Equal(t, wire.StatusSuccess, resp.Status)
	return resp.PositionBlock
}

func rec(key string, fill byte) []byte {
	buf := make([]byte, recordLen)
	copy(buf, key)
	for i := 4; i < recordLen; i++ {
		buf[i] = fill
	}
	return buf
}

func TestInsertAndGetEqual(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	insertResp := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: pb, DataBuffer: rec("abcd", 'x')})
	require.Equal(t, wire.StatusSuccess, insertResp.Status)

	getResp := d.Handle(s, wire.Request{
		Operation:     wire.OpGetEqual,
		PositionBlock: insertResp.PositionBlock,
		KeyNumber:     0,
		KeyBuffer:     []byte("abcd"),
	})
	require.Equal(t, wire.StatusSuccess, getResp.Status)
	require.Equal(t, rec("abcd", 'x'), getResp.DataBuffer)
}

func TestGetEqualMissingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	resp := d.Handle(s, wire.Request{Operation: wire.OpGetEqual, PositionBlock: pb, KeyNumber: 0, KeyBuffer: []byte("zzzz")})
	require.Equal(t, wire.StatusKeyNotFound, resp.Status)
}

func TestDuplicateKeyRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	first := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: pb, DataBuffer: rec("abcd", 'x')})
	require.Equal(t, wire.StatusSuccess, first.Status)

	second := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: first.PositionBlock, DataBuffer: rec("abcd", 'y')})
	require.Equal(t, wire.StatusDuplicateKey, second.Status)
}

func TestGetNextWalksAscendingKeyOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	for _, k := range []string{"ccc0", "aaa0", "bbb0"} {
		resp := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: pb, DataBuffer: rec(k, 0)})
		require.Equal(t, wire.StatusSuccess, resp.Status)
		pb = resp.PositionBlock
	}

	first := d.Handle(s, wire.Request{Operation: wire.OpGetFirst, PositionBlock: pb, KeyNumber: 0})
	require.Equal(t, wire.StatusSuccess, first.Status)
	require.Equal(t, "aaa0", string(first.DataBuffer[:4]))

	next := d.Handle(s, wire.Request{Operation: wire.OpGetNext, PositionBlock: first.PositionBlock, KeyNumber: 0})
	require.Equal(t, wire.StatusSuccess, next.Status)
	require.Equal(t, "bbb0", string(next.DataBuffer[:4]))

	last := d.Handle(s, wire.Request{Operation: wire.OpGetLast, PositionBlock: next.PositionBlock, KeyNumber: 0})
	require.Equal(t, wire.StatusSuccess, last.Status)
	require.Equal(t, "ccc0", string(last.DataBuffer[:4]))

	end := d.Handle(s, wire.Request{Operation: wire.OpGetNext, PositionBlock: last.PositionBlock, KeyNumber: 0})
	require.Equal(t, wire.StatusEndOfFile, end.Status)
}

func TestUpdatePreservesPositionAndReindexes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	insertResp := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: pb, DataBuffer: rec("abcd", 'x')})
	require.Equal(t, wire.StatusSuccess, insertResp.Status)

	getResp := d.Handle(s, wire.Request{Operation: wire.OpGetEqual, PositionBlock: insertResp.PositionBlock, KeyNumber: 0, KeyBuffer: []byte("abcd")})
	require.Equal(t, wire.StatusSuccess, getResp.Status)

	updateResp := d.Handle(s, wire.Request{Operation: wire.OpUpdate, PositionBlock: getResp.PositionBlock, DataBuffer: rec("abcd", 'y')})
	require.Equal(t, wire.StatusSuccess, updateResp.Status)

	reread := d.Handle(s, wire.Request{Operation: wire.OpGetEqual, PositionBlock: updateResp.PositionBlock, KeyNumber: 0, KeyBuffer: []byte("abcd")})
	require.Equal(t, wire.StatusSuccess, reread.Status)
	require.Equal(t, rec("abcd", 'y'), reread.DataBuffer)
}

func TestGetEqualOnDuplicateIndexPositionsOnFirstInsertion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, true)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	for _, fill := range []byte{'x', 'y', 'z'} {
		resp := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: pb, DataBuffer: rec("abcd", fill)})
		require.Equal(t, wire.StatusSuccess, resp.Status)
		pb = resp.PositionBlock
	}

	getResp := d.Handle(s, wire.Request{Operation: wire.OpGetEqual, PositionBlock: pb, KeyNumber: 0, KeyBuffer: []byte("abcd")})
	require.Equal(t, wire.StatusSuccess, getResp.Status)
	require.Equal(t, rec("abcd", 'x'), getResp.DataBuffer)

	next := d.Handle(s, wire.Request{Operation: wire.OpGetNext, PositionBlock: getResp.PositionBlock, KeyNumber: 0})
	require.Equal(t, wire.StatusSuccess, next.Status)
	require.Equal(t, rec("abcd", 'y'), next.DataBuffer)
}

// TestDuplicateIndexSurvivesPageIDByteBoundary reproduces the regression
// where the index comparator tie-broke same-key duplicates with a raw
// bytes.Compare over their RecordID suffix: PageID 1 encodes as
// [1,0,0,0], which sorts lexicographically *after* PageID 256's
// [0,1,0,0], so an older (smaller-PageID) duplicate inserted before the
// file grew past page 256 would wrongly be positioned after a newer
// one. It drives the real index a file's Open resolves to directly at
// the two RecordIDs a long insert sequence would eventually produce,
// rather than physically growing the file to page 256.
func TestDuplicateIndexSurvivesPageIDByteBoundary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, true)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	pos, err := filemgr.Decode(pb)
	require.NoError(t, err)
	desc, err := d.Files.Resolve(pos.DescIndex, pos.Generation)
	require.NoError(t, err)

	key := []byte("abcd")
	earlier := btree.RecordID{Page: pagestore.PageID(1), Slot: 0}
	later := btree.RecordID{Page: pagestore.PageID(256), Slot: 0}
	require.NoError(t, desc.Indexes[0].Insert(appendRID(key, earlier), earlier))
	require.NoError(t, desc.Indexes[0].Insert(appendRID(key, later), later))

	rid, found, err := desc.Indexes[0].Get(key)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, earlier, rid)
}

func TestDeleteUnpositionsCursor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	insertResp := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: pb, DataBuffer: rec("abcd", 'x')})
	getResp := d.Handle(s, wire.Request{Operation: wire.OpGetEqual, PositionBlock: insertResp.PositionBlock, KeyNumber: 0, KeyBuffer: []byte("abcd")})
	require.Equal(t, wire.StatusSuccess, getResp.Status)

	deleteResp := d.Handle(s, wire.Request{Operation: wire.OpDelete, PositionBlock: getResp.PositionBlock})
	require.Equal(t, wire.StatusSuccess, deleteResp.Status)

	// Deleting again while unpositioned must fail rather than re-deleting.
	deleteAgain := d.Handle(s, wire.Request{Operation: wire.OpDelete, PositionBlock: deleteResp.PositionBlock})
	require.Equal(t, wire.StatusInvalidPositioning, deleteAgain.Status)

	missing := d.Handle(s, wire.Request{Operation: wire.OpGetEqual, PositionBlock: deleteResp.PositionBlock, KeyNumber: 0, KeyBuffer: []byte("abcd")})
	require.Equal(t, wire.StatusKeyNotFound, missing.Status)
}

// TestSessionResumesAfterReconnectWithValidPositionBlock reproduces the
// scenario a dropped TCP connection leaves behind: the server hands the
// next connection a brand-new Session with no in-memory record of any
// open file, but the client still holds a PositionBlock from before the
// disconnect. Since dispatch resolves the open file from that block via
// filemgr.Decode + Files.Resolve rather than from session-local state,
// the new session should resume on the file rather than drawing
// StatusFileNotOpen.
func TestSessionResumesAfterReconnectWithValidPositionBlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	original := dispatch.NewSession()
	pb := openFile(t, d, original, path)
	insertResp := d.Handle(original, wire.Request{Operation: wire.OpInsert, PositionBlock: pb, DataBuffer: rec("abcd", 'x')})
	require.Equal(t, wire.StatusSuccess, insertResp.Status)

	// Simulate a reconnect: a fresh Session, same Dispatcher, presenting
	// the last PositionBlock the old connection returned.
	reconnected := dispatch.NewSession()
	getResp := d.Handle(reconnected, wire.Request{
		Operation:     wire.OpGetEqual,
		PositionBlock: insertResp.PositionBlock,
		KeyNumber:     0,
		KeyBuffer:     []byte("abcd"),
	})
	require.Equal(t, wire.StatusSuccess, getResp.Status)
	require.Equal(t, rec("abcd", 'x'), getResp.DataBuffer)
}

// TestPositionBlockAfterCloseIsRejected guards the other side of the same
// fix: once a file is closed, a PositionBlock minted before the close must
// not keep resolving just because it still checksums cleanly.
func TestPositionBlockAfterCloseIsRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)
	closeResp := d.Handle(s, wire.Request{Operation: wire.OpClose, PositionBlock: pb})
	require.Equal(t, wire.StatusSuccess, closeResp.Status)

	fresh := dispatch.NewSession()
	resp := d.Handle(fresh, wire.Request{Operation: wire.OpGetEqual, PositionBlock: pb, KeyNumber: 0, KeyBuffer: []byte("abcd")})
	require.Equal(t, wire.StatusFileNotOpen, resp.Status)
}

// TestExclusiveOpenBlocksOtherSessionThenReleasesOnClose drives comment
// 4's fix end to end through the real Open/Close handlers: ModeExclusive
// now wires LockFile (observable to LockRecord from other sessions, see
// lockmgr's own tests) in addition to filemgr's pre-existing admission
// check, which is what actually rejects the second session's Open here;
// Close releases both on the way out, so a later Open succeeds.
func TestExclusiveOpenBlocksOtherSessionThenReleasesOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	owner := dispatch.NewSession()
	ownerResp := d.Handle(owner, wire.Request{Operation: wire.OpOpen, FilePath: path, KeyNumber: int16(filemgr.ModeExclusive)})
	require.Equal(t, wire.StatusSuccess, ownerResp.Status)

	other := dispatch.NewSession()
	blockedResp := d.Handle(other, wire.Request{Operation: wire.OpOpen, FilePath: path, KeyNumber: -1})
	require.Equal(t, wire.StatusFileAlreadyOpen, blockedResp.Status)

	closeResp := d.Handle(owner, wire.Request{Operation: wire.OpClose, PositionBlock: ownerResp.PositionBlock})
	require.Equal(t, wire.StatusSuccess, closeResp.Status)

	laterResp := d.Handle(other, wire.Request{Operation: wire.OpOpen, FilePath: path, KeyNumber: -1})
	require.Equal(t, wire.StatusSuccess, laterResp.Status)
}

func TestTransactionAbortReversesInsert(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	begin := d.Handle(s, wire.Request{Operation: wire.OpBegin, PositionBlock: pb})
	require.Equal(t, wire.StatusSuccess, begin.Status)

	insertResp := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: begin.PositionBlock, DataBuffer: rec("abcd", 'x')})
	require.Equal(t, wire.StatusSuccess, insertResp.Status)

	abort := d.Handle(s, wire.Request{Operation: wire.OpAbort, PositionBlock: insertResp.PositionBlock})
	require.Equal(t, wire.StatusSuccess, abort.Status)

	missing := d.Handle(s, wire.Request{Operation: wire.OpGetEqual, PositionBlock: abort.PositionBlock, KeyNumber: 0, KeyBuffer: []byte("abcd")})
	require.Equal(t, wire.StatusKeyNotFound, missing.Status)
}

func TestTransactionCommitPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	begin := d.Handle(s, wire.Request{Operation: wire.OpBegin, PositionBlock: pb})
	require.Equal(t, wire.StatusSuccess, begin.Status)

	insertResp := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: begin.PositionBlock, DataBuffer: rec("abcd", 'x')})
	require.Equal(t, wire.StatusSuccess, insertResp.Status)

	end := d.Handle(s, wire.Request{Operation: wire.OpEnd, PositionBlock: insertResp.PositionBlock})
	require.Equal(t, wire.StatusSuccess, end.Status)

	found := d.Handle(s, wire.Request{Operation: wire.OpGetEqual, PositionBlock: end.PositionBlock, KeyNumber: 0, KeyBuffer: []byte("abcd")})
	require.Equal(t, wire.StatusSuccess, found.Status)
}

func TestEndWithNoActiveTransactionFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	end := d.Handle(s, wire.Request{Operation: wire.OpEnd, PositionBlock: pb})
	require.Equal(t, wire.StatusTxNotActive, end.Status)
}

func TestStatReportsRecordCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	s := dispatch.NewSession()
	pb := openFile(t, d, s, path)

	insertResp := d.Handle(s, wire.Request{Operation: wire.OpInsert, PositionBlock: pb, DataBuffer: rec("abcd", 'x')})
	require.Equal(t, wire.StatusSuccess, insertResp.Status)

	stat := d.Handle(s, wire.Request{Operation: wire.OpStat, PositionBlock: insertResp.PositionBlock})
	require.Equal(t, wire.StatusSuccess, stat.Status)
	require.Len(t, stat.DataBuffer, 20)
	require.EqualValues(t, 1, leUint64(stat.DataBuffer[0:8]))
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// TestConcurrentTransactionsDeadlockAborts exercises SPEC_FULL.md §8's
// deadlock scenario end to end: two sessions each hold a write lock the
// other needs, and the detector fails one of the two blocked updates with
// status 78 while the other proceeds. It does not call End on either
// session afterwards.
func TestConcurrentTransactionsDeadlockAborts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.btr")
	d := dispatch.New()
	createFile(t, d, path, false)

	seed := dispatch.NewSession()
	pb := openFile(t, d, seed, path)
	insA := d.Handle(seed, wire.Request{Operation: wire.OpInsert, PositionBlock: pb, DataBuffer: rec("aaaa", 0)})
	require.Equal(t, wire.StatusSuccess, insA.Status)
	insB := d.Handle(seed, wire.Request{Operation: wire.OpInsert, PositionBlock: insA.PositionBlock, DataBuffer: rec("bbbb", 0)})
	require.Equal(t, wire.StatusSuccess, insB.Status)
	d.Handle(seed, wire.Request{Operation: wire.OpClose, PositionBlock: insB.PositionBlock})

	s1 := dispatch.NewSession()
	s2 := dispatch.NewSession()
	pb1 := openFile(t, d, s1, path)
	pb2 := openFile(t, d, s2, path)

	require.Equal(t, wire.StatusSuccess, d.Handle(s1, wire.Request{Operation: wire.OpBegin, PositionBlock: pb1}).Status)
	require.Equal(t, wire.StatusSuccess, d.Handle(s2, wire.Request{Operation: wire.OpBegin, PositionBlock: pb2}).Status)

	getA1 := d.Handle(s1, wire.Request{Operation: wire.OpGetEqual, PositionBlock: pb1, KeyNumber: 0, KeyBuffer: []byte("aaaa")})
	require.Equal(t, wire.StatusSuccess, getA1.Status)
	getB2 := d.Handle(s2, wire.Request{Operation: wire.OpGetEqual, PositionBlock: pb2, KeyNumber: 0, KeyBuffer: []byte("bbbb")})
	require.Equal(t, wire.StatusSuccess, getB2.Status)

	// The Gets above used lock_bias 0 and took no lock, so each session
	// takes its write lock by updating its own record.
	upd1 := d.Handle(s1, wire.Request{Operation: wire.OpUpdate, PositionBlock: getA1.PositionBlock, DataBuffer: rec("aaaa", 1)})
	require.Equal(t, wire.StatusSuccess, upd1.Status)
	upd2 := d.Handle(s2, wire.Request{Operation: wire.OpUpdate, PositionBlock: getB2.PositionBlock, DataBuffer: rec("bbbb", 1)})
	require.Equal(t, wire.StatusSuccess, upd2.Status)

	// Now each session tries to write the record the other is holding.
	// s2 blocks in a goroutine waiting on "aaaa"; s1 then requests "bbbb",
	// closing the wait-for cycle and triggering deadlock detection.
	getA2 := d.Handle(s2, wire.Request{Operation: wire.OpGetEqual, PositionBlock: upd2.PositionBlock, KeyNumber: 0, KeyBuffer: []byte("aaaa")})
	require.Equal(t, wire.StatusSuccess, getA2.Status)

	done := make(chan wire.Response, 1)
	go func() {
		done <- d.Handle(s2, wire.Request{Operation: wire.OpUpdate, PositionBlock: getA2.PositionBlock, DataBuffer: rec("aaaa", 2)})
	}()
	time.Sleep(20 * time.Millisecond)

	getB1 := d.Handle(s1, wire.Request{Operation: wire.OpGetEqual, PositionBlock: upd1.PositionBlock, KeyNumber: 0, KeyBuffer: []byte("bbbb")})
	require.Equal(t, wire.StatusSuccess, getB1.Status)
	upd1b := d.Handle(s1, wire.Request{Operation: wire.OpUpdate, PositionBlock: getB1.PositionBlock, DataBuffer: rec("bbbb", 2)})

	select {
	case resp := <-done:
		// One of the two racing writers is the younger waiter aborted with
		// StatusDeadlock; the other proceeds normally.
		if resp.Status == wire.StatusDeadlock {
			require.NotEqual(t, wire.StatusDeadlock, upd1b.Status)
		} else {
			require.Equal(t, wire.StatusDeadlock, upd1b.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deadlock was never detected; both sessions hung")
	}
}
