package dispatch

import (
	"github.com/xtrieve/xtrieve/internal/btree"
	"github.com/xtrieve/xtrieve/internal/filemgr"
	"github.com/xtrieve/xtrieve/internal/keydesc"
)

// buildIndexKey extracts keyNum's key bytes from rec and, for
// duplicate-permitting indexes, appends rid as an insertion-order
// tiebreaker (see SPEC_FULL.md §4.3). ok is false if the key is null
// (excluded from the index per spec.md's data-model invariants).
func buildIndexKey(desc *filemgr.Descriptor, keyNum int, rec []byte, rid btree.RecordID) (key []byte, ok bool) {
	kd := desc.Keys[keyNum]
	raw, isNull := keydesc.Extract(kd, rec)
	if isNull {
		return nil, false
	}
	if !kd.Duplicates() {
		return raw, true
	}
	out := make([]byte, len(raw)+6)
	copy(out, raw)
	encodeRID(out[len(raw):], rid)
	return out, true
}

func encodeRID(b []byte, rid btree.RecordID) {
	b[0] = byte(rid.Page)
	b[1] = byte(rid.Page >> 8)
	b[2] = byte(rid.Page >> 16)
	b[3] = byte(rid.Page >> 24)
	b[4] = byte(rid.Slot)
	b[5] = byte(rid.Slot >> 8)
}

// indexAllKeys inserts rec's record id into every one of desc's indexes
// that does not exclude it for being null.
func indexAllKeys(desc *filemgr.Descriptor, rec []byte, rid btree.RecordID) error {
	for i, tr := range desc.Indexes {
		key, ok := buildIndexKey(desc, i, rec, rid)
		if !ok {
			continue
		}
		if err := tr.Insert(key, rid); err != nil {
			return err
		}
	}
	return nil
}

// unindexAllKeys removes rec's record id from every index it appears in.
func unindexAllKeys(desc *filemgr.Descriptor, rec []byte, rid btree.RecordID) error {
	for i, tr := range desc.Indexes {
		key, ok := buildIndexKey(desc, i, rec, rid)
		if !ok {
			continue
		}
		if _, err := tr.Delete(key, rid); err != nil {
			return err
		}
	}
	return nil
}
