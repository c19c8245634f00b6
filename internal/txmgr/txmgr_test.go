package txmgr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtrieve/xtrieve/internal/txmgr"
)

type fakePager struct {
	committed, aborted int
}

func (f *fakePager) Commit() error { f.committed++; return nil }
func (f *fakePager) Abort() error  { f.aborted++; return nil }

func TestBeginTwiceFails(t *testing.T) {
	m := txmgr.New()
	require.NoError(t, m.Begin(1))
	require.ErrorIs(t, m.Begin(1), txmgr.ErrAlreadyActive)
}

func TestEndCommitsTouchedPagers(t *testing.T) {
	m := txmgr.New()
	require.NoError(t, m.Begin(1))
	p := &fakePager{}
	m.Touch(1, p)
	require.NoError(t, m.End(1))
	require.Equal(t, 1, p.committed)
	require.False(t, m.Active(1))
}

func TestAbortReversesTouchedPagers(t *testing.T) {
	m := txmgr.New()
	require.NoError(t, m.Begin(1))
	p := &fakePager{}
	m.Touch(1, p)
	require.NoError(t, m.Abort(1))
	require.Equal(t, 1, p.aborted)
}

func TestEndWithoutBeginFails(t *testing.T) {
	m := txmgr.New()
	require.ErrorIs(t, m.End(1), txmgr.ErrNoActiveTransaction)
}

func TestFailedTransactionAbortsOnEnd(t *testing.T) {
	m := txmgr.New()
	require.NoError(t, m.Begin(1))
	p := &fakePager{}
	m.Touch(1, p)
	m.Fail(1, errDeadlockStub)
	require.ErrorIs(t, m.End(1), txmgr.ErrTxFailed)
	require.Equal(t, 1, p.aborted)
	require.Equal(t, 0, p.committed)
	require.False(t, m.Active(1))
}

var errDeadlockStub = txmgr.ErrAlreadyActive // any sentinel works as the reason stub
