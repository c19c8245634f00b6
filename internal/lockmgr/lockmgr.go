// Package lockmgr implements Xtrieve's file- and record-scope lock
// table, the lock_bias request semantics, and wait-for-graph deadlock
// detection that aborts the youngest waiter on a cycle.
//
// New code: no example repo in the retrieval pack implements
// multi-session record locking (SimonWaldherr-tinySQL's concurrency.go
// and mvcc.go give MVCC snapshot isolation, a different model — see
// DESIGN.md). The stats/config struct shape is grounded on
// concurrency.go's ConcurrencyConfig.
package lockmgr

import (
	"errors"
	"fmt"
	"sync"
)

// SessionID identifies a connected session for lock ownership.
type SessionID uint64

// Bias mirrors the wire protocol's lock_bias field.
type Bias int32

const (
	BiasNone              Bias = 0
	BiasSingleWait        Bias = 100
	BiasSingleNoWait      Bias = 200
	BiasMultipleWait      Bias = 300
	BiasMultipleNoWait    Bias = 400
	BiasUnlockCurrent     Bias = -2
	BiasUnlockAll         Bias = -1
)

func (b Bias) single() bool {
	return b == BiasSingleWait || b == BiasSingleNoWait
}
func (b Bias) multiple() bool {
	return b == BiasMultipleWait || b == BiasMultipleNoWait
}
func (b Bias) wait() bool {
	return b == BiasSingleWait || b == BiasMultipleWait
}

// Errors surfaced by the lock manager; internal/dispatch maps these to
// wire status codes.
var (
	ErrRecordLocked    = errors.New("lockmgr: record locked by another session")
	ErrFileLocked      = errors.New("lockmgr: file locked by another session")
	ErrDeadlock        = errors.New("lockmgr: deadlock detected")
	ErrInvalidPositioning = errors.New("lockmgr: invalid positioning")
	ErrCancelled       = errors.New("lockmgr: wait cancelled")
)

// RecordID identifies a locked record.
type RecordID struct {
	Page uint32
	Slot uint16
}

// resource is either a whole-file lock or a single record lock.
type resource struct {
	file   uint64
	record RecordID
	isFile bool
}

type lockState struct {
	holders map[SessionID]struct{} // exclusive-only model: at most one holder
	waiters []*waiter
}

type waiter struct {
	session SessionID
	age     uint64
	ch      chan error
}

// Instrumentation receives lock-wait notifications. internal/xmetrics's
// Metrics satisfies this without lockmgr importing it directly.
type Instrumentation interface {
	RecordLockWait()
}

// Manager is the process-wide lock table.
type Manager struct {
	mu       sync.Mutex
	locks    map[resource]*lockState
	heldBy   map[SessionID]map[resource]struct{}
	current  map[SessionID]RecordID // single-record lock held by a session
	hasCurrent map[SessionID]bool
	ageCtr   uint64

	// Metrics, if set, is notified whenever a request has to wait for a
	// lock instead of acquiring it immediately.
	Metrics Instrumentation
}

// New constructs an empty lock manager.
func New() *Manager {
	return &Manager{
		locks:      make(map[resource]*lockState),
		heldBy:     make(map[SessionID]map[resource]struct{}),
		current:    make(map[SessionID]RecordID),
		hasCurrent: make(map[SessionID]bool),
	}
}

func fileResource(fileID uint64) resource { return resource{file: fileID, isFile: true} }
func recordResource(fileID uint64, rid RecordID) resource {
	return resource{file: fileID, record: rid}
}

// LockRecord acquires a record lock per bias. BiasNone is a no-op.
// Single-record biases replace any single-record lock already held by
// the session. Returns ErrRecordLocked/ErrDeadlock/ErrCancelled.
func (m *Manager) LockRecord(session SessionID, fileID uint64, rid RecordID, bias Bias, cancel <-chan struct{}) error {
	if bias == BiasNone {
		return nil
	}
	if !bias.single() && !bias.multiple() {
		return fmt.Errorf("lockmgr: invalid bias %d", bias)
	}
	res := recordResource(fileID, rid)

	m.mu.Lock()
	if fst, ok := m.locks[fileResource(fileID)]; ok {
		if _, held := fst.holders[session]; !held && len(fst.holders) > 0 {
			m.mu.Unlock()
			return ErrFileLocked
		}
	}
	m.mu.Unlock()

	if bias.single() {
		m.mu.Lock()
		if had, ok := m.current[session]; ok && m.hasCurrent[session] {
			m.releaseLocked(session, recordResource(fileID, had))
		}
		m.mu.Unlock()
	}

	if err := m.acquire(session, res, bias.wait(), cancel); err != nil {
		return err
	}
	if bias.single() {
		m.mu.Lock()
		m.current[session] = rid
		m.hasCurrent[session] = true
		m.mu.Unlock()
	}
	return nil
}

// LockFile acquires the whole-file lock.
func (m *Manager) LockFile(session SessionID, fileID uint64, wait bool, cancel <-chan struct{}) error {
	return m.acquire(session, fileResource(fileID), wait, cancel)
}

func (m *Manager) acquire(session SessionID, res resource, wait bool, cancel <-chan struct{}) error {
	m.mu.Lock()
	st, ok := m.locks[res]
	if !ok {
		st = &lockState{holders: make(map[SessionID]struct{})}
		m.locks[res] = st
	}
	if len(st.holders) == 0 {
		st.holders[session] = struct{}{}
		m.markHeld(session, res)
		m.mu.Unlock()
		return nil
	}
	if _, already := st.holders[session]; already {
		m.mu.Unlock()
		return nil
	}
	if !wait {
		m.mu.Unlock()
		if res.isFile {
			return ErrFileLocked
		}
		return ErrRecordLocked
	}
	m.ageCtr++
	w := &waiter{session: session, age: m.ageCtr, ch: make(chan error, 1)}
	st.waiters = append(st.waiters, w)
	if m.Metrics != nil {
		m.Metrics.RecordLockWait()
	}
	if cyc := m.detectDeadlock(session, res); cyc {
		// Abort the youngest waiter in the cycle, which is this request
		// (it just created the new edge).
		m.removeWaiter(st, w)
		m.mu.Unlock()
		return ErrDeadlock
	}
	m.mu.Unlock()

	select {
	case err := <-w.ch:
		return err
	case <-cancel:
		m.mu.Lock()
		m.removeWaiter(st, w)
		m.mu.Unlock()
		return ErrCancelled
	}
}

func (m *Manager) removeWaiter(st *lockState, w *waiter) {
	for i, ww := range st.waiters {
		if ww == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) markHeld(session SessionID, res resource) {
	set, ok := m.heldBy[session]
	if !ok {
		set = make(map[resource]struct{})
		m.heldBy[session] = set
	}
	set[res] = struct{}{}
}

// detectDeadlock reports whether granting session a wait-edge on res
// would close a cycle in the wait-for graph, by checking whether any
// holder of res is (transitively) waiting on something session holds.
func (m *Manager) detectDeadlock(session SessionID, res resource) bool {
	st := m.locks[res]
	visited := map[SessionID]bool{session: true}
	var stack []SessionID
	for h := range st.holders {
		stack = append(stack, h)
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == session {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		for _, ls := range m.locks {
			for _, w := range ls.waiters {
				if w.session != cur {
					continue
				}
				for h := range ls.holders {
					stack = append(stack, h)
				}
			}
		}
	}
	return false
}

// ReleaseCurrent releases the session's single-record lock (bias -2).
// Returns ErrInvalidPositioning if none is held, per the spec's
// suggested resolution of this open question.
func (m *Manager) ReleaseCurrent(session SessionID, fileID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rid, ok := m.current[session]
	if !ok || !m.hasCurrent[session] {
		return ErrInvalidPositioning
	}
	m.releaseLocked(session, recordResource(fileID, rid))
	delete(m.current, session)
	m.hasCurrent[session] = false
	return nil
}

// ReleaseAll releases every lock the session holds (bias -1, Close, or
// transaction end).
func (m *Manager) ReleaseAll(session SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for res := range m.heldBy[session] {
		m.releaseLocked(session, res)
	}
	delete(m.current, session)
	m.hasCurrent[session] = false
}

func (m *Manager) releaseLocked(session SessionID, res resource) {
	st, ok := m.locks[res]
	if !ok {
		return
	}
	delete(st.holders, session)
	if set, ok := m.heldBy[session]; ok {
		delete(set, res)
	}
	if len(st.holders) == 0 && len(st.waiters) > 0 {
		next := st.waiters[0]
		st.waiters = st.waiters[1:]
		st.holders[next.session] = struct{}{}
		m.markHeld(next.session, res)
		next.ch <- nil
	}
	if len(st.holders) == 0 && len(st.waiters) == 0 {
		delete(m.locks, res)
	}
}
