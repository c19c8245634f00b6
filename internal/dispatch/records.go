package dispatch

import (
	"errors"

	"github.com/xtrieve/xtrieve/internal/btree"
	"github.com/xtrieve/xtrieve/internal/filemgr"
	"github.com/xtrieve/xtrieve/internal/lockmgr"
	"github.com/xtrieve/xtrieve/internal/pagestore"
	"github.com/xtrieve/xtrieve/internal/recordstore"
	"github.com/xtrieve/xtrieve/internal/wire"
)

func slotToRID(s recordstore.Slot) btree.RecordID {
	return btree.RecordID{Page: s.Page, Slot: s.Idx}
}
func ridToSlot(r btree.RecordID) recordstore.Slot {
	return recordstore.Slot{Page: r.Page, Idx: r.Slot}
}

func (d *Dispatcher) finishResponse(s *Session, st wire.Status) wire.Response {
	resp := wire.Response{Status: st}
	resp.PositionBlock = filemgr.Encode(s.pos)
	return resp
}

func (d *Dispatcher) positionAt(s *Session, slot recordstore.Slot, keyNumber int16) {
	s.pos.CursorPage = uint32(slot.Page)
	s.pos.CursorSlot = slot.Idx
	s.pos.KeyNumber = keyNumber
}

func (d *Dispatcher) unposition(s *Session) {
	s.pos.CursorPage = ^uint32(0)
	s.pos.CursorSlot = 0
}

func (d *Dispatcher) currentSlot(s *Session) (recordstore.Slot, bool) {
	if s.pos.Unpositioned() {
		return recordstore.Slot{}, false
	}
	return recordstore.Slot{Page: pagestore.PageID(s.pos.CursorPage), Idx: s.pos.CursorSlot}, true
}

// lockRecordForRead acquires a record lock per req.LockBias before a Get*
// family operation hands the record back to the client (spec.md §4.4:
// "no read ... through an operation with lock_bias∈{100,200,300,400}
// succeeds without waiting"). BiasNone is a no-op.
func (d *Dispatcher) lockRecordForRead(s *Session, desc *filemgr.Descriptor, slot recordstore.Slot, bias uint16) error {
	b := lockmgr.Bias(int32(int16(bias)))
	if b == lockmgr.BiasNone {
		return nil
	}
	rid := lockmgr.RecordID{Page: uint32(slot.Page), Slot: slot.Idx}
	err := d.Locks.LockRecord(s.ID, fileIdentity(desc), rid, b, nil)
	if d.Metrics != nil {
		switch {
		case errors.Is(err, lockmgr.ErrDeadlock):
			d.Metrics.RecordDeadlock()
		case err == nil:
			d.Metrics.RecordLockGrant()
		}
	}
	return err
}

func (d *Dispatcher) handleInsert(s *Session, desc *filemgr.Descriptor, req wire.Request) wire.Response {
	if err := validateRecordLength(desc, req.DataBuffer); err != nil {
		return d.finishResponse(s, wire.StatusBufferTooShort)
	}
	desc.Lock()
	defer desc.Unlock()

	slot, err := desc.Store.Insert(req.DataBuffer)
	if err != nil {
		return d.finishResponse(s, mapFileErr(err))
	}
	rid := slotToRID(slot)
	if err := checkUniqueConstraints(desc, req.DataBuffer, rid); err != nil {
		_ = desc.Store.Delete(slot)
		return d.finishResponse(s, wire.StatusDuplicateKey)
	}
	if err := indexAllKeys(desc, req.DataBuffer, rid); err != nil {
		return d.finishResponse(s, wire.StatusInternal)
	}
	fcr := desc.FCR()
	fcr.RecordCount++
	fcr.NextRecordID++
	desc.SetFCR(fcr)
	d.Txns.Touch(s.ID, desc.Pager)
	if !d.Txns.Active(s.ID) {
		if err := desc.Pager.Commit(); err != nil {
			return d.finishResponse(s, wire.StatusIO)
		}
	}
	d.positionAt(s, slot, -1)
	return d.finishResponse(s, wire.StatusSuccess)
}

func checkUniqueConstraints(desc *filemgr.Descriptor, rec []byte, rid btree.RecordID) error {
	for i, tr := range desc.Indexes {
		kd := desc.Keys[i]
		if kd.Duplicates() {
			continue
		}
		key, ok := buildIndexKey(desc, i, rec, rid)
		if !ok {
			continue
		}
		if _, found, err := tr.Get(key); err != nil {
			return err
		} else if found {
			return errDuplicateKey
		}
	}
	return nil
}

var errDuplicateKey = errors.New("dispatch: duplicate key")

// lockRecordForWrite acquires an accumulating exclusive lock on the
// record a transactional Update/Delete is about to mutate (spec.md §4.5:
// a transaction's writes are held until End/Abort). Outside a
// transaction it is a no-op — an auto-commit mutation is already
// serialized by desc.Lock(). On ErrDeadlock it marks the session's
// transaction Failed so a later End reports the loss (status 78),
// and releases every lock the session holds so the other sessions in
// the cycle can proceed; this call fails immediately too.
func (d *Dispatcher) lockRecordForWrite(s *Session, desc *filemgr.Descriptor, slot recordstore.Slot) error {
	if !d.Txns.Active(s.ID) {
		return nil
	}
	rid := lockmgr.RecordID{Page: uint32(slot.Page), Slot: slot.Idx}
	err := d.Locks.LockRecord(s.ID, fileIdentity(desc), rid, lockmgr.BiasMultipleWait, nil)
	if err == nil {
		if d.Metrics != nil {
			d.Metrics.RecordLockGrant()
		}
		return nil
	}
	if errors.Is(err, lockmgr.ErrDeadlock) {
		d.Txns.Fail(s.ID, err)
		d.Locks.ReleaseAll(s.ID)
		if d.Metrics != nil {
			d.Metrics.RecordDeadlock()
		}
	}
	return err
}

func (d *Dispatcher) handleUpdate(s *Session, desc *filemgr.Descriptor, req wire.Request) wire.Response {
	slot, ok := d.currentSlot(s)
	if !ok {
		return d.finishResponse(s, wire.StatusInvalidPositioning)
	}
	if err := validateRecordLength(desc, req.DataBuffer); err != nil {
		return d.finishResponse(s, wire.StatusBufferTooShort)
	}
	if err := d.lockRecordForWrite(s, desc, slot); err != nil {
		return d.finishResponse(s, mapLockErr(err))
	}
	desc.Lock()
	defer desc.Unlock()

	oldRec, err := desc.Store.Read(slot)
	if err != nil {
		return d.finishResponse(s, mapFileErr(err))
	}
	oldRID := slotToRID(slot)
	if err := unindexAllKeys(desc, oldRec, oldRID); err != nil {
		return d.finishResponse(s, wire.StatusInternal)
	}

	newSlot, err := desc.Store.Update(slot, req.DataBuffer)
	if err != nil {
		_ = indexAllKeys(desc, oldRec, oldRID)
		return d.finishResponse(s, mapFileErr(err))
	}
	newRID := slotToRID(newSlot)
	if err := checkUniqueConstraints(desc, req.DataBuffer, newRID); err != nil {
		_ = indexAllKeys(desc, oldRec, oldRID)
		return d.finishResponse(s, wire.StatusDuplicateKey)
	}
	if err := indexAllKeys(desc, req.DataBuffer, newRID); err != nil {
		return d.finishResponse(s, wire.StatusInternal)
	}
	d.Txns.Touch(s.ID, desc.Pager)
	if !d.Txns.Active(s.ID) {
		if err := desc.Pager.Commit(); err != nil {
			return d.finishResponse(s, wire.StatusIO)
		}
	}
	d.positionAt(s, newSlot, s.pos.KeyNumber)
	return d.finishResponse(s, wire.StatusSuccess)
}

func (d *Dispatcher) handleDelete(s *Session, desc *filemgr.Descriptor, req wire.Request) wire.Response {
	slot, ok := d.currentSlot(s)
	if !ok {
		return d.finishResponse(s, wire.StatusInvalidPositioning)
	}
	if err := d.lockRecordForWrite(s, desc, slot); err != nil {
		return d.finishResponse(s, mapLockErr(err))
	}
	desc.Lock()
	defer desc.Unlock()

	rec, err := desc.Store.Read(slot)
	if err != nil {
		return d.finishResponse(s, mapFileErr(err))
	}
	rid := slotToRID(slot)
	if err := unindexAllKeys(desc, rec, rid); err != nil {
		return d.finishResponse(s, wire.StatusInternal)
	}
	if err := desc.Store.Delete(slot); err != nil {
		return d.finishResponse(s, mapFileErr(err))
	}
	fcr := desc.FCR()
	if fcr.RecordCount > 0 {
		fcr.RecordCount--
	}
	desc.SetFCR(fcr)
	d.Txns.Touch(s.ID, desc.Pager)
	if !d.Txns.Active(s.ID) {
		if err := desc.Pager.Commit(); err != nil {
			return d.finishResponse(s, wire.StatusIO)
		}
	}
	d.unposition(s)
	return d.finishResponse(s, wire.StatusSuccess)
}

func (d *Dispatcher) handleGetEqual(s *Session, desc *filemgr.Descriptor, req wire.Request) wire.Response {
	kn := int(req.KeyNumber)
	if kn < 0 || kn >= len(desc.Indexes) {
		return d.finishResponse(s, wire.StatusInvalidKeyNumber)
	}
	rid, found, err := desc.Indexes[kn].Get(req.KeyBuffer)
	if err != nil {
		return d.finishResponse(s, wire.StatusInternal)
	}
	if !found {
		return d.finishResponse(s, wire.StatusKeyNotFound)
	}
	slot := ridToSlot(rid)
	if err := d.lockRecordForRead(s, desc, slot, req.LockBias); err != nil {
		return d.finishResponse(s, mapLockErr(err))
	}
	rec, err := desc.Store.Read(slot)
	if err != nil {
		return d.finishResponse(s, mapFileErr(err))
	}
	d.positionAt(s, slot, req.KeyNumber)
	resp := d.finishResponse(s, wire.StatusSuccess)
	resp.DataBuffer = rec
	resp.KeyBuffer = req.KeyBuffer
	return resp
}

// handleKeyStep implements GetNext/GetPrev/GetGreater/GetGE/GetLess/GetLE:
// all reposition the cursor relative to the current record's key value
// on key_number, re-seeking the index since the position block (per
// spec.md §9) carries only the record's physical slot, not a live leaf
// cursor.
func (d *Dispatcher) handleKeyStep(s *Session, desc *filemgr.Descriptor, req wire.Request) wire.Response {
	kn := int(req.KeyNumber)
	if kn < 0 || kn >= len(desc.Indexes) {
		return d.finishResponse(s, wire.StatusInvalidKeyNumber)
	}
	tr := desc.Indexes[kn]

	switch req.Operation {
	case wire.OpGetNext, wire.OpGetPrev:
		slot, ok := d.currentSlot(s)
		if !ok {
			return d.finishResponse(s, wire.StatusInvalidPositioning)
		}
		rec, err := desc.Store.Read(slot)
		if err != nil {
			return d.finishResponse(s, mapFileErr(err))
		}
		curKey, keyOK := buildIndexKey(desc, kn, rec, slotToRID(slot))
		if !keyOK {
			return d.finishResponse(s, wire.StatusKeyNotFound)
		}
		leafPage, idx, found, err := tr.SeekGE(curKey)
		if err != nil || !found {
			return d.finishResponse(s, wire.StatusEndOfFile)
		}
		var nextPage pagestore.PageID
		var nextIdx int
		var ok2 bool
		if req.Operation == wire.OpGetNext {
			nextPage, nextIdx, ok2, err = tr.CursorNext(leafPage, idx)
		} else {
			nextPage, nextIdx, ok2, err = tr.CursorPrev(leafPage, idx)
		}
		if err != nil {
			return d.finishResponse(s, wire.StatusInternal)
		}
		if !ok2 {
			return d.finishResponse(s, wire.StatusEndOfFile)
		}
		return d.positionFromLeaf(s, desc, tr, nextPage, nextIdx, req.KeyNumber, req.LockBias)

	case wire.OpGetGreater, wire.OpGetGE:
		leafPage, idx, found, err := tr.SeekGE(req.KeyBuffer)
		if err != nil {
			return d.finishResponse(s, wire.StatusInternal)
		}
		if found && req.Operation == wire.OpGetGreater {
			key, _, err := tr.EntryAt(leafPage, idx)
			if err == nil && cmpEqual(key, req.KeyBuffer) {
				leafPage, idx, found, err = tr.CursorNext(leafPage, idx)
				if err != nil {
					return d.finishResponse(s, wire.StatusInternal)
				}
			}
		}
		if !found {
			return d.finishResponse(s, wire.StatusEndOfFile)
		}
		return d.positionFromLeaf(s, desc, tr, leafPage, idx, req.KeyNumber, req.LockBias)

	case wire.OpGetLess, wire.OpGetLE:
		leafPage, idx, found, err := tr.SeekGE(req.KeyBuffer)
		if err != nil {
			return d.finishResponse(s, wire.StatusInternal)
		}
		if found {
			key, _, err := tr.EntryAt(leafPage, idx)
			if !(err == nil && req.Operation == wire.OpGetLE && cmpEqual(key, req.KeyBuffer)) {
				// GetLE stays on an equal key; otherwise step back to
				// the last entry below the search key.
				leafPage, idx, found, err = tr.CursorPrev(leafPage, idx)
				if err != nil {
					return d.finishResponse(s, wire.StatusInternal)
				}
			}
		} else {
			leafPage, idx, found, err = tr.Last()
			if err != nil {
				return d.finishResponse(s, wire.StatusInternal)
			}
		}
		if !found {
			return d.finishResponse(s, wire.StatusEndOfFile)
		}
		return d.positionFromLeaf(s, desc, tr, leafPage, idx, req.KeyNumber, req.LockBias)
	}
	return d.finishResponse(s, wire.StatusInvalidOp)
}

func cmpEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return len(a) >= len(b) && string(a[:len(b)]) == string(b)
	}
	return string(a) == string(b)
}

func (d *Dispatcher) handleKeyEndpoint(s *Session, desc *filemgr.Descriptor, req wire.Request) wire.Response {
	kn := int(req.KeyNumber)
	if kn < 0 || kn >= len(desc.Indexes) {
		return d.finishResponse(s, wire.StatusInvalidKeyNumber)
	}
	tr := desc.Indexes[kn]
	var leafPage pagestore.PageID
	var idx int
	var found bool
	var err error
	if req.Operation == wire.OpGetFirst {
		leafPage, idx, found, err = tr.First()
	} else {
		leafPage, idx, found, err = tr.Last()
	}
	if err != nil {
		return d.finishResponse(s, wire.StatusInternal)
	}
	if !found {
		return d.finishResponse(s, wire.StatusEndOfFile)
	}
	return d.positionFromLeaf(s, desc, tr, leafPage, idx, req.KeyNumber, req.LockBias)
}

func (d *Dispatcher) positionFromLeaf(s *Session, desc *filemgr.Descriptor, tr *btree.Tree, leafPage pagestore.PageID, idx int, keyNumber int16, bias uint16) wire.Response {
	_, rid, err := tr.EntryAt(leafPage, idx)
	if err != nil {
		return d.finishResponse(s, wire.StatusInternal)
	}
	slot := ridToSlot(rid)
	if err := d.lockRecordForRead(s, desc, slot, bias); err != nil {
		return d.finishResponse(s, mapLockErr(err))
	}
	rec, err := desc.Store.Read(slot)
	if err != nil {
		return d.finishResponse(s, mapFileErr(err))
	}
	d.positionAt(s, slot, keyNumber)
	resp := d.finishResponse(s, wire.StatusSuccess)
	resp.DataBuffer = rec
	return resp
}

func (d *Dispatcher) handlePhysicalStep(s *Session, desc *filemgr.Descriptor, req wire.Request) wire.Response {
	var slot recordstore.Slot
	var err error
	switch req.Operation {
	case wire.OpStepFirst:
		slot, err = desc.Store.First()
	case wire.OpStepLast:
		slot, err = desc.Store.Last()
	case wire.OpStepNext, wire.OpStepPrev:
		cur, ok := d.currentSlot(s)
		if !ok {
			return d.finishResponse(s, wire.StatusInvalidPositioning)
		}
		if req.Operation == wire.OpStepNext {
			slot, err = desc.Store.Next(cur)
		} else {
			slot, err = desc.Store.Prev(cur)
		}
	}
	if err == recordstore.ErrEOF {
		return d.finishResponse(s, wire.StatusEndOfFile)
	}
	if err != nil {
		return d.finishResponse(s, mapFileErr(err))
	}
	if err := d.lockRecordForRead(s, desc, slot, req.LockBias); err != nil {
		return d.finishResponse(s, mapLockErr(err))
	}
	rec, err := desc.Store.Read(slot)
	if err != nil {
		return d.finishResponse(s, mapFileErr(err))
	}
	d.positionAt(s, slot, -1)
	resp := d.finishResponse(s, wire.StatusSuccess)
	resp.DataBuffer = rec
	return resp
}
