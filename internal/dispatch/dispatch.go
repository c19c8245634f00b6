// Package dispatch maps wire.Request opcodes onto the engine's
// file manager, lock manager, transaction manager, B+Tree index, and
// record store, and maps their errors onto wire.Status codes.
//
// New code: no example repo implements an opcode-driven dispatcher; the
// style of small sentinel errors mapped onto status integers is
// grounded on jpl-au-folio/errors.go (see DESIGN.md).
package dispatch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtrieve/xtrieve/internal/btree"
	"github.com/xtrieve/xtrieve/internal/filemgr"
	"github.com/xtrieve/xtrieve/internal/keydesc"
	"github.com/xtrieve/xtrieve/internal/lockmgr"
	"github.com/xtrieve/xtrieve/internal/pagestore"
	"github.com/xtrieve/xtrieve/internal/recordstore"
	"github.com/xtrieve/xtrieve/internal/txmgr"
	"github.com/xtrieve/xtrieve/internal/wire"
	"github.com/xtrieve/xtrieve/internal/xmetrics"
)

var sessionSeq uint64

// Session holds the per-connection cursor state machine (spec.md §4.7)
// and the transaction/lock identity tied to one live connection. The
// open file handle itself is NOT session state: it is resolved fresh
// from the client's position block on every request (see dispatch),
// so a session surviving a reconnect with a still-valid block resumes
// instead of being forced to reopen.
type Session struct {
	ID  txmgr.SessionID
	mu  sync.Mutex
	pos filemgr.Position
}

// NewSession allocates a fresh, globally unique session id.
func NewSession() *Session {
	id := atomic.AddUint64(&sessionSeq, 1)
	return &Session{ID: txmgr.SessionID(id)}
}

// Dispatcher is the single entry point dispatch(request) -> response.
type Dispatcher struct {
	Files    *filemgr.Manager
	Locks    *lockmgr.Manager
	Txns     *txmgr.Manager
	Metrics  *xmetrics.Metrics
}

// New constructs a Dispatcher over fresh managers.
func New() *Dispatcher {
	return &Dispatcher{
		Files: filemgr.New(),
		Locks: lockmgr.New(),
		Txns:  txmgr.New(),
	}
}

// WithMetrics wires m into the dispatcher itself, its file manager's
// page-cache/open-file instrumentation, and its lock manager's
// wait counter.
func (d *Dispatcher) WithMetrics(m *xmetrics.Metrics) *Dispatcher {
	d.Metrics = m
	d.Files.Metrics = m
	d.Locks.Metrics = m
	return d
}

// WithPageCacheSize overrides the clean-page cache size used by files
// this dispatcher opens from now on.
func (d *Dispatcher) WithPageCacheSize(n int) *Dispatcher {
	d.Files.CacheSize = n
	return d
}

// Handle decodes, validates, and executes one request, never returning
// an error itself: every failure is surfaced as a status code in the
// response, per spec.md §7 ("the transport never fails in a way the
// client sees as engine failure").
func (d *Dispatcher) Handle(s *Session, req wire.Request) wire.Response {
	if d.Metrics != nil {
		stop := d.Metrics.ObserveDispatch(uint16(req.Operation))
		defer stop()
	}
	resp := d.dispatch(s, req)
	if d.Metrics != nil {
		d.Metrics.RecordStatus(uint16(req.Operation), uint16(resp.Status))
	}
	return resp
}

func (d *Dispatcher) dispatch(s *Session, req wire.Request) wire.Response {
	resp := wire.Response{PositionBlock: req.PositionBlock}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Open and Create do not require a previously-resolved handle.
	switch req.Operation {
	case wire.OpOpen:
		return d.handleOpen(s, req)
	case wire.OpCreate:
		return d.handleCreate(req)
	}

	// Resolve the handle from the client's own position block rather
	// than session-local state: filemgr.Decode rejects a foreign or
	// corrupted blob by checksum, and Manager.Resolve rejects a stale
	// DescIndex/Generation pair (the file was closed, or reused by a
	// later Open). A session that reconnects with a block that still
	// passes both checks resumes on this connection instead of always
	// drawing FileNotOpen, per spec.md §3's session generation check.
	pos, err := filemgr.Decode(req.PositionBlock)
	if err != nil {
		resp.Status = wire.StatusFileNotOpen
		return resp
	}
	desc, err := d.Files.Resolve(pos.DescIndex, pos.Generation)
	if err != nil {
		resp.Status = wire.StatusFileNotOpen
		return resp
	}
	s.pos = pos

	switch req.Operation {
	case wire.OpClose:
		return d.handleClose(s)
	case wire.OpInsert:
		return d.handleInsert(s, desc, req)
	case wire.OpUpdate:
		return d.handleUpdate(s, desc, req)
	case wire.OpDelete:
		return d.handleDelete(s, desc, req)
	case wire.OpGetEqual:
		return d.handleGetEqual(s, desc, req)
	case wire.OpGetNext, wire.OpGetPrev, wire.OpGetGreater, wire.OpGetGE, wire.OpGetLess, wire.OpGetLE:
		return d.handleKeyStep(s, desc, req)
	case wire.OpGetFirst, wire.OpGetLast:
		return d.handleKeyEndpoint(s, desc, req)
	case wire.OpStat:
		return d.handleStat(s, desc)
	case wire.OpBegin:
		return d.handleBegin(s)
	case wire.OpEnd:
		return d.handleEnd(s)
	case wire.OpAbort:
		return d.handleAbort(s)
	case wire.OpStepFirst, wire.OpStepNext, wire.OpStepLast, wire.OpStepPrev:
		return d.handlePhysicalStep(s, desc, req)
	case wire.OpUnlock:
		return d.handleUnlock(s, desc, req)
	default:
		resp.Status = wire.StatusInvalidOp
		return resp
	}
}

func (d *Dispatcher) handleOpen(s *Session, req wire.Request) wire.Response {
	mode := filemgr.OpenMode(req.KeyNumber)
	idx, gen, desc, err := d.Files.Open(req.FilePath, mode, pagestore.DefaultPageSize)
	if err != nil {
		return statusOnly(mapFileErr(err))
	}
	if mode == filemgr.ModeExclusive {
		// Exclusive open claims the whole-file lock scope (spec.md §4.4)
		// through the same table record locks go through, so a later
		// LockRecord against this file by another session sees it held
		// and fails with FileLocked rather than only racing filemgr's
		// own admission check. Released by ReleaseAll on Close.
		if err := d.Locks.LockFile(s.ID, fileIdentity(desc), false, nil); err != nil {
			d.Files.Close(idx, gen)
			return statusOnly(mapLockErr(err))
		}
	}
	s.pos = filemgr.NewPosition(idx, gen)
	resp := wire.Response{Status: wire.StatusSuccess}
	pb := filemgr.Encode(s.pos)
	resp.PositionBlock = pb
	return resp
}

func (d *Dispatcher) handleCreate(req wire.Request) wire.Response {
	spec, err := wire.DecodeFileCreationSpec(req.DataBuffer)
	if err != nil {
		return statusOnly(wire.StatusBufferTooShort)
	}
	pageSize := int(spec.PageSize)
	if pageSize == 0 {
		pageSize = pagestore.DefaultPageSize
	}
	rootPages := make([]pagestore.PageID, len(spec.Keys))
	fcr := pagestore.FCR{
		PageSize:     pageSize,
		RecordLength: int(spec.RecordLength),
		Keys:         spec.Keys,
		RootPages:    rootPages,
	}
	p, err := pagestore.CreateFile(req.FilePath, pageSize, fcr)
	if err != nil {
		return statusOnly(wire.StatusIO)
	}
	for i := range spec.Keys {
		tr, err := btree.CreateEmpty(p, btree.Comparator(keydesc.BuildComparator(spec.Keys[i])))
		if err != nil {
			p.Close()
			return statusOnly(wire.StatusIO)
		}
		rootPages[i] = tr.Root
	}
	fcr.RootPages = rootPages
	p.SetFCR(fcr)
	if err := p.Commit(); err != nil {
		p.Close()
		return statusOnly(wire.StatusIO)
	}
	if err := p.Close(); err != nil {
		return statusOnly(wire.StatusIO)
	}
	return statusOnly(wire.StatusSuccess)
}

func (d *Dispatcher) handleClose(s *Session) wire.Response {
	if d.Txns.Active(s.ID) {
		d.Txns.ImplicitAbort(s.ID)
		if d.Metrics != nil {
			d.Metrics.RecordTxAbort()
		}
	}
	d.Locks.ReleaseAll(s.ID)
	if err := d.Files.Close(s.pos.DescIndex, s.pos.Generation); err != nil {
		return statusOnly(mapFileErr(err))
	}
	return statusOnly(wire.StatusSuccess)
}

func (d *Dispatcher) handleBegin(s *Session) wire.Response {
	if err := d.Txns.Begin(s.ID); err != nil {
		return statusOnly(wire.StatusTxAlreadyActive)
	}
	return statusOnly(wire.StatusSuccess)
}

func (d *Dispatcher) handleEnd(s *Session) wire.Response {
	err := d.Txns.End(s.ID)
	defer d.Locks.ReleaseAll(s.ID)
	switch {
	case err == nil:
		if d.Metrics != nil {
			d.Metrics.RecordTxCommit()
		}
		return statusOnly(wire.StatusSuccess)
	case errors.Is(err, txmgr.ErrNoActiveTransaction):
		return statusOnly(wire.StatusTxNotActive)
	case errors.Is(err, lockmgr.ErrDeadlock):
		if d.Metrics != nil {
			d.Metrics.RecordTxAbort()
		}
		return statusOnly(wire.StatusDeadlock)
	default:
		if d.Metrics != nil {
			d.Metrics.RecordTxAbort()
		}
		return statusOnly(wire.StatusTxFailed)
	}
}

func (d *Dispatcher) handleAbort(s *Session) wire.Response {
	defer d.Locks.ReleaseAll(s.ID)
	if err := d.Txns.Abort(s.ID); err != nil {
		return statusOnly(wire.StatusTxNotActive)
	}
	if d.Metrics != nil {
		d.Metrics.RecordTxAbort()
	}
	return statusOnly(wire.StatusSuccess)
}

func (d *Dispatcher) handleUnlock(s *Session, desc *filemgr.Descriptor, req wire.Request) wire.Response {
	fileID := fileIdentity(desc)
	bias := lockmgr.Bias(int32(int16(req.LockBias)))
	switch bias {
	case lockmgr.BiasUnlockAll:
		d.Locks.ReleaseAll(s.ID)
		return statusOnly(wire.StatusSuccess)
	case lockmgr.BiasUnlockCurrent:
		if err := d.Locks.ReleaseCurrent(s.ID, fileID); err != nil {
			return statusOnly(wire.StatusInvalidPositioning)
		}
		return statusOnly(wire.StatusSuccess)
	default:
		return statusOnly(wire.StatusInvalidOp)
	}
}

func (d *Dispatcher) handleStat(s *Session, desc *filemgr.Descriptor) wire.Response {
	fcr := desc.FCR()
	buf := make([]byte, 20)
	putU64(buf[0:8], fcr.RecordCount)
	putU32(buf[8:12], uint32(fcr.RecordLength))
	putU32(buf[12:16], uint32(fcr.PageSize))
	putU32(buf[16:20], uint32(len(fcr.Keys)))
	resp := statusOnly(wire.StatusSuccess)
	resp.DataBuffer = buf
	return resp
}

func fileIdentity(desc *filemgr.Descriptor) uint64 {
	// The path is already the unique identity filemgr keys files by;
	// fold it into a stable numeric id for the lock table.
	var h uint64 = 1469598103934665603
	for i := 0; i < len(desc.Path); i++ {
		h ^= uint64(desc.Path[i])
		h *= 1099511628211
	}
	return h
}

func statusOnly(st wire.Status) wire.Response { return wire.Response{Status: st} }

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func mapFileErr(err error) wire.Status {
	switch {
	case errors.Is(err, filemgr.ErrFileNotFound):
		return wire.StatusFileNotFound
	case errors.Is(err, filemgr.ErrAlreadyOpen):
		return wire.StatusFileAlreadyOpen
	case errors.Is(err, filemgr.ErrFileNotOpen):
		return wire.StatusFileNotOpen
	case errors.Is(err, pagestore.ErrDiskFull):
		return wire.StatusDiskFull
	case errors.Is(err, pagestore.ErrCorrupt):
		return wire.StatusInternal
	case err == nil:
		return wire.StatusSuccess
	default:
		return wire.StatusIO
	}
}

func mapLockErr(err error) wire.Status {
	switch {
	case errors.Is(err, lockmgr.ErrRecordLocked):
		return wire.StatusRecordLocked
	case errors.Is(err, lockmgr.ErrFileLocked):
		return wire.StatusFileLocked
	case errors.Is(err, lockmgr.ErrDeadlock):
		return wire.StatusDeadlock
	case errors.Is(err, lockmgr.ErrInvalidPositioning):
		return wire.StatusInvalidPositioning
	default:
		return wire.StatusInternal
	}
}

var errRecordTooLarge = errors.New("dispatch: record exceeds declared record length")

func validateRecordLength(desc *filemgr.Descriptor, rec []byte) error {
	fcr := desc.FCR()
	if fcr.FixedRecordLength && len(rec) != fcr.RecordLength {
		return fmt.Errorf("%w: want %d got %d", errRecordTooLarge, fcr.RecordLength, len(rec))
	}
	if !fcr.FixedRecordLength && len(rec) > fcr.RecordLength && fcr.RecordLength != 0 {
		return fmt.Errorf("%w: max %d got %d", errRecordTooLarge, fcr.RecordLength, len(rec))
	}
	return nil
}

var _ = recordstore.ErrEOF // referenced by sibling files in this package
