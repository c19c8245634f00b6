package recordstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/xtrieve/xtrieve/internal/pagestore"
)

// ErrNotPositioned is returned by Next/Prev when there is no current
// record to step from.
var ErrNotPositioned = errors.New("recordstore: not positioned")

// ErrEOF is returned when stepping runs off either end of the chain.
var ErrEOF = errors.New("recordstore: end of file")

const (
	envelopeInline   = 0
	envelopeOverflow = 1
	inlineThresholdFrac = 4 // records larger than pageSize/4 go to overflow
)

// Store drives the physical-order data page chain rooted at the file's
// FCR (DataHead/DataTail) plus overflow chains for oversized records.
type Store struct {
	p Pager
}

// FCRAccess is the subset of the pager's FCR handling the store needs;
// internal/txmgr/internal/filemgr own the actual FCR lifecycle, so the
// store only reads/writes through these two calls.
type FCRAccess interface {
	FCR() pagestore.FCR
	SetFCR(pagestore.FCR)
}

// New constructs a Store bound to a pager (which is also an FCRAccess).
func New(p interface {
	Pager
	FCRAccess
}) *Store {
	return &Store{p: p}
}

func (s *Store) fcrAccess() FCRAccess { return s.p.(FCRAccess) }

func envelopeWrap(rec []byte, pageSize int) (env []byte, needOverflow bool) {
	if len(rec) <= pageSize/inlineThresholdFrac {
		out := make([]byte, 1+len(rec))
		out[0] = envelopeInline
		copy(out[1:], rec)
		return out, false
	}
	return nil, true
}

func envelopeUnwrap(p Pager, env []byte) ([]byte, error) {
	if len(env) == 0 {
		return nil, fmt.Errorf("recordstore: empty envelope")
	}
	switch env[0] {
	case envelopeInline:
		out := make([]byte, len(env)-1)
		copy(out, env[1:])
		return out, nil
	case envelopeOverflow:
		head := pagestore.PageID(binary.LittleEndian.Uint32(env[1:5]))
		return ReadOverflowChain(p, head)
	default:
		return nil, fmt.Errorf("recordstore: bad envelope tag %d", env[0])
	}
}

// Insert stores rec and returns its physical slot.
func (s *Store) Insert(rec []byte) (Slot, error) {
	fcr := s.fcrAccess().FCR()
	env, overflow := envelopeWrap(rec, s.p.PageSize())
	if overflow {
		head, err := WriteOverflowChain(s.p, rec)
		if err != nil {
			return Slot{}, err
		}
		env = make([]byte, 9)
		env[0] = envelopeOverflow
		binary.LittleEndian.PutUint32(env[1:5], uint32(head))
		binary.LittleEndian.PutUint32(env[5:9], uint32(len(rec)))
	}

	if fcr.DataTail != pagestore.InvalidPageID {
		buf, err := s.p.ReadPage(fcr.DataTail)
		if err != nil {
			return Slot{}, err
		}
		if idx, ok := InsertRecord(buf, env); ok {
			if err := s.p.WritePage(fcr.DataTail, buf); err != nil {
				return Slot{}, err
			}
			return Slot{Page: fcr.DataTail, Idx: uint16(idx)}, nil
		}
	}

	// Need a new tail page.
	id, err := s.p.Allocate()
	if err != nil {
		return Slot{}, err
	}
	buf := pagestore.NewPage(s.p.PageSize(), pagestore.TypeData, id)
	InitDataPage(buf, id, fcr.DataTail, pagestore.InvalidPageID)
	idx, ok := InsertRecord(buf, env)
	if !ok {
		return Slot{}, fmt.Errorf("recordstore: record too large for an empty page")
	}
	if err := s.p.WritePage(id, buf); err != nil {
		return Slot{}, err
	}
	if fcr.DataTail != pagestore.InvalidPageID {
		prevBuf, err := s.p.ReadPage(fcr.DataTail)
		if err != nil {
			return Slot{}, err
		}
		SetNextPage(prevBuf, id)
		if err := s.p.WritePage(fcr.DataTail, prevBuf); err != nil {
			return Slot{}, err
		}
	} else {
		fcr.DataHead = id
	}
	fcr.DataTail = id
	s.fcrAccess().SetFCR(fcr)
	return Slot{Page: id, Idx: uint16(idx)}, nil
}

// Read returns the record stored at slot.
func (s *Store) Read(slot Slot) ([]byte, error) {
	buf, err := s.p.ReadPage(slot.Page)
	if err != nil {
		return nil, err
	}
	env, err := GetRecord(buf, int(slot.Idx))
	if err != nil {
		return nil, err
	}
	return envelopeUnwrap(s.p, env)
}

// Update replaces the record at slot, possibly relocating it within the
// same page (slot index may change; the page never does).
func (s *Store) Update(slot Slot, rec []byte) (Slot, error) {
	buf, err := s.p.ReadPage(slot.Page)
	if err != nil {
		return Slot{}, err
	}
	oldEnv, err := GetRecord(buf, int(slot.Idx))
	if err != nil {
		return Slot{}, err
	}
	if oldEnv[0] == envelopeOverflow {
		head := pagestore.PageID(binary.LittleEndian.Uint32(oldEnv[1:5]))
		if err := FreeOverflowChain(s.p, head); err != nil {
			return Slot{}, err
		}
	}
	env, overflow := envelopeWrap(rec, s.p.PageSize())
	if overflow {
		head, err := WriteOverflowChain(s.p, rec)
		if err != nil {
			return Slot{}, err
		}
		env = make([]byte, 9)
		env[0] = envelopeOverflow
		binary.LittleEndian.PutUint32(env[1:5], uint32(head))
		binary.LittleEndian.PutUint32(env[5:9], uint32(len(rec)))
	}
	idx, ok := UpdateRecord(buf, int(slot.Idx), env)
	if !ok {
		return Slot{}, fmt.Errorf("recordstore: no room to update record on its page")
	}
	if err := s.p.WritePage(slot.Page, buf); err != nil {
		return Slot{}, err
	}
	return Slot{Page: slot.Page, Idx: uint16(idx)}, nil
}

// Delete removes the record at slot, freeing any overflow chain it owns.
func (s *Store) Delete(slot Slot) error {
	buf, err := s.p.ReadPage(slot.Page)
	if err != nil {
		return err
	}
	env, err := GetRecord(buf, int(slot.Idx))
	if err != nil {
		return err
	}
	if env[0] == envelopeOverflow {
		head := pagestore.PageID(binary.LittleEndian.Uint32(env[1:5]))
		if err := FreeOverflowChain(s.p, head); err != nil {
			return err
		}
	}
	if err := DeleteRecord(buf, int(slot.Idx)); err != nil {
		return err
	}
	return s.p.WritePage(slot.Page, buf)
}

// First returns the physically-first live record's slot.
func (s *Store) First() (Slot, error) {
	fcr := s.fcrAccess().FCR()
	return s.firstLiveFrom(fcr.DataHead, true)
}

// Last returns the physically-last live record's slot.
func (s *Store) Last() (Slot, error) {
	fcr := s.fcrAccess().FCR()
	return s.firstLiveFrom(fcr.DataTail, false)
}

func (s *Store) firstLiveFrom(start pagestore.PageID, forward bool) (Slot, error) {
	id := start
	for id != pagestore.InvalidPageID {
		buf, err := s.p.ReadPage(id)
		if err != nil {
			return Slot{}, err
		}
		n := SlotCount(buf)
		if forward {
			for i := 0; i < n; i++ {
				if IsLive(buf, i) {
					return Slot{Page: id, Idx: uint16(i)}, nil
				}
			}
			id = NextPage(buf)
		} else {
			for i := n - 1; i >= 0; i-- {
				if IsLive(buf, i) {
					return Slot{Page: id, Idx: uint16(i)}, nil
				}
			}
			id = PrevPage(buf)
		}
	}
	return Slot{}, ErrEOF
}

// Next returns the next live record after slot in physical order.
func (s *Store) Next(slot Slot) (Slot, error) {
	buf, err := s.p.ReadPage(slot.Page)
	if err != nil {
		return Slot{}, err
	}
	n := SlotCount(buf)
	for i := int(slot.Idx) + 1; i < n; i++ {
		if IsLive(buf, i) {
			return Slot{Page: slot.Page, Idx: uint16(i)}, nil
		}
	}
	return s.firstLiveFrom(NextPage(buf), true)
}

// Prev returns the previous live record before slot in physical order.
func (s *Store) Prev(slot Slot) (Slot, error) {
	buf, err := s.p.ReadPage(slot.Page)
	if err != nil {
		return Slot{}, err
	}
	for i := int(slot.Idx) - 1; i >= 0; i-- {
		if IsLive(buf, i) {
			return Slot{Page: slot.Page, Idx: uint16(i)}, nil
		}
	}
	return s.firstLiveFrom(PrevPage(buf), false)
}
