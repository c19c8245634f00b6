// Package txmgr tracks the one active transaction per session and
// drives commit/abort across every file pager the transaction touched.
//
// The durability mechanism itself — write-set overlay, ordered flush,
// fsync barrier before the FCR write — lives in internal/pagestore
// (Pager.Commit/Abort), grounded on SimonWaldherr-tinySQL's
// BeginTx/CommitTx/AbortTx in pager.go but re-pointed at a no-WAL,
// steal-never/force-at-commit design (see DESIGN.md). This package owns
// only the session-scoped bookkeeping spec.md §4.5 describes: one
// active transaction per session, spanning however many files it
// touches, ended by End/Abort/implicit-abort-on-Close.
package txmgr

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyActive is returned by Begin when the session already has an
// open transaction.
var ErrAlreadyActive = errors.New("txmgr: transaction already active")

// ErrNoActiveTransaction is returned by End/Abort/Touch when the session
// has no open transaction.
var ErrNoActiveTransaction = errors.New("txmgr: no active transaction")

// ErrTxFailed is returned by End when the transaction was forced to fail
// before the client asked to End it (e.g. the deadlock detector aborted
// one of its lock waits). End still reverses the write-set; the status
// this carries tells the client its changes did not land.
var ErrTxFailed = errors.New("txmgr: transaction forced to abort")

// Pager is the subset of *pagestore.Pager a transaction commits/aborts.
type Pager interface {
	Commit() error
	Abort() error
}

// SessionID identifies the owning session.
type SessionID uint64

type txState struct {
	pagers map[Pager]struct{}
	failed error
}

// Manager tracks the single active transaction per session, per spec.md
// §4.5 ("Begin... failing if one is already active").
type Manager struct {
	mu   sync.Mutex
	txns map[SessionID]*txState
}

// New constructs an empty transaction manager.
func New() *Manager {
	return &Manager{txns: make(map[SessionID]*txState)}
}

// Begin opens a transaction for session.
func (m *Manager) Begin(session SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txns[session]; ok {
		return ErrAlreadyActive
	}
	m.txns[session] = &txState{pagers: make(map[Pager]struct{})}
	return nil
}

// Active reports whether session currently has an open transaction.
func (m *Manager) Active(session SessionID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txns[session]
	return ok
}

// Touch registers that session's in-flight transaction has dirtied
// pages in p, so End/Abort know to drive it. A no-op outside a
// transaction (auto-commit mode commits each operation on its own).
func (m *Manager) Touch(session SessionID, p Pager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.txns[session]; ok {
		st.pagers[p] = struct{}{}
	}
}

// End commits every pager the transaction touched, in the order data
// and index pages land before each file's FCR (enforced inside
// Pager.Commit itself), acknowledging only once every participating
// file is durable. If the transaction was previously Failed (e.g. by a
// deadlock abort on one of its lock waits), End instead reverses every
// pager's write-set and returns the failure reason wrapped in
// ErrTxFailed.
func (m *Manager) End(session SessionID) error {
	m.mu.Lock()
	st, ok := m.txns[session]
	delete(m.txns, session)
	m.mu.Unlock()
	if !ok {
		return ErrNoActiveTransaction
	}
	if st.failed != nil {
		for p := range st.pagers {
			_ = p.Abort()
		}
		return fmt.Errorf("%w: %w", ErrTxFailed, st.failed)
	}
	for p := range st.pagers {
		if err := p.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Fail marks session's active transaction as forced to abort, for a
// reason that happened mid-transaction (outside of End/Abort) — notably
// a deadlock-detector abort during a lock wait. It is a no-op if the
// session has no active transaction (auto-commit mode has nothing to
// mark; the caller already rolled back the single operation itself).
func (m *Manager) Fail(session SessionID, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.txns[session]; ok {
		st.failed = reason
	}
}

// Abort reverses every pager's in-flight write-set and discards the
// transaction.
func (m *Manager) Abort(session SessionID) error {
	m.mu.Lock()
	st, ok := m.txns[session]
	delete(m.txns, session)
	m.mu.Unlock()
	if !ok {
		return ErrNoActiveTransaction
	}
	var firstErr error
	for p := range st.pagers {
		if err := p.Abort(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ImplicitAbort is called when a participating file is Closed while a
// transaction is active on it, per spec.md §4.5 ("Transactions ending
// by Close of a participating file are implicitly aborted").
func (m *Manager) ImplicitAbort(session SessionID) {
	_ = m.Abort(session)
}
