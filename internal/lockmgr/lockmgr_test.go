package lockmgr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xtrieve/xtrieve/internal/lockmgr"
)

func TestSingleRecordLockReplacesPrevious(t *testing.T) {
	m := lockmgr.New()
	r1 := lockmgr.RecordID{Page: 1}
	r2 := lockmgr.RecordID{Page: 2}
	require.NoError(t, m.LockRecord(1, 10, r1, lockmgr.BiasSingleWait, nil))
	require.NoError(t, m.LockRecord(1, 10, r2, lockmgr.BiasSingleWait, nil))
	// r1 should now be free for another session.
	require.NoError(t, m.LockRecord(2, 10, r1, lockmgr.BiasSingleNoWait, nil))
}

func TestNoWaitFailsWhenHeld(t *testing.T) {
	m := lockmgr.New()
	r1 := lockmgr.RecordID{Page: 1}
	require.NoError(t, m.LockRecord(1, 10, r1, lockmgr.BiasSingleWait, nil))
	err := m.LockRecord(2, 10, r1, lockmgr.BiasSingleNoWait, nil)
	require.ErrorIs(t, err, lockmgr.ErrRecordLocked)
}

func TestUnlockCurrentWhenUnpositionedFails(t *testing.T) {
	m := lockmgr.New()
	err := m.ReleaseCurrent(1, 10)
	require.ErrorIs(t, err, lockmgr.ErrInvalidPositioning)
}

func TestWaitThenGrantOnRelease(t *testing.T) {
	m := lockmgr.New()
	r1 := lockmgr.RecordID{Page: 1}
	require.NoError(t, m.LockRecord(1, 10, r1, lockmgr.BiasMultipleWait, nil))

	done := make(chan error, 1)
	go func() {
		done <- m.LockRecord(2, 10, r1, lockmgr.BiasMultipleWait, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	m.ReleaseAll(1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never granted the lock")
	}
}

func TestLockFileBlocksOtherSessionsRecordLocks(t *testing.T) {
	m := lockmgr.New()
	require.NoError(t, m.LockFile(1, 10, false, nil))

	r1 := lockmgr.RecordID{Page: 1}
	err := m.LockRecord(2, 10, r1, lockmgr.BiasSingleNoWait, nil)
	require.ErrorIs(t, err, lockmgr.ErrFileLocked)

	// The holder of the file lock may still take record locks on its
	// own file.
	require.NoError(t, m.LockRecord(1, 10, r1, lockmgr.BiasSingleNoWait, nil))
}

func TestLockFileFailsWhenAlreadyHeld(t *testing.T) {
	m := lockmgr.New()
	require.NoError(t, m.LockFile(1, 10, false, nil))
	err := m.LockFile(2, 10, false, nil)
	require.ErrorIs(t, err, lockmgr.ErrFileLocked)
}

func TestReleaseAllFreesFileLockForOtherSessions(t *testing.T) {
	m := lockmgr.New()
	require.NoError(t, m.LockFile(1, 10, false, nil))
	m.ReleaseAll(1)
	require.NoError(t, m.LockFile(2, 10, false, nil))
}

func TestDeadlockAbortsYoungestWaiter(t *testing.T) {
	m := lockmgr.New()
	rA := lockmgr.RecordID{Page: 1}
	rB := lockmgr.RecordID{Page: 2}
	require.NoError(t, m.LockRecord(1, 10, rA, lockmgr.BiasMultipleWait, nil))
	require.NoError(t, m.LockRecord(2, 10, rB, lockmgr.BiasMultipleWait, nil))

	go func() {
		_ = m.LockRecord(1, 10, rB, lockmgr.BiasMultipleWait, nil)
	}()
	time.Sleep(20 * time.Millisecond)

	err := m.LockRecord(2, 10, rA, lockmgr.BiasMultipleWait, nil)
	require.ErrorIs(t, err, lockmgr.ErrDeadlock)
}
