// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"github.com/google/btree"
)

// Dirty entry state: kind in the high nibble, durability ladder in the low
// nibble, flags above.
type dirtyState uint32

const (
	stateKindMask  dirtyState = 0xf0
	stateDurMask   dirtyState = 0x0f
	stateFlagsMask dirtyState = ^dirtyState(0xff)

	kindSmallWrite dirtyState = 0x10
	kindBigWrite   dirtyState = 0x20
	kindDelete     dirtyState = 0x30

	durIn         dirtyState = 0x01
	durSubmitted  dirtyState = 0x02
	durWritten    dirtyState = 0x03
	durDSynced    dirtyState = 0x04
	durSynced     dirtyState = 0x05
	durMetaSynced dirtyState = 0x06
	durStable     dirtyState = 0x07

	// The entry is to be promoted to the clean DB as soon as it is
	// durable.
	flagStable dirtyState = 0x100
)

func (s dirtyState) kind() dirtyState  { return s & stateKindMask }
func (s dirtyState) dur() dirtyState   { return s & stateDurMask }
func (s dirtyState) stable() bool      { return s&flagStable != 0 }
func (s dirtyState) withDur(d dirtyState) dirtyState {
	return s&^stateDurMask | d
}

// Returns true once the durability ladder allows the flusher to move this
// entry to its final home.
func (s dirtyState) flushable() bool {
	switch s.kind() {
	case kindBigWrite:
		return s.dur() >= durMetaSynced
	default:
		return s.dur() >= durSynced
	}
}

// DirtyEntry is the in-memory record of one not-yet-promoted write.
type DirtyEntry struct {
	state dirtyState

	// Big write: index of the data block. Small write: byte offset of the
	// inline data inside the journal region.
	location uint64

	// Range written inside the object's block.
	offset uint32
	len    uint32

	// Journal bookkeeping: sector holding the entry and the sector range
	// holding inline data (small writes only; dataSectorCount == 0 otherwise).
	journalSector   int
	dataSector      int
	dataSectorCount int
	hasJournalEntry bool
}

type dirtyItem struct {
	ObjVer
	entry *DirtyEntry
}

func dirtyLess(a, b dirtyItem) bool {
	return a.ObjVer.Less(b.ObjVer)
}

// dirtyDB is the ordered (object, version) -> dirty entry mapping.
type dirtyDB struct {
	tree *btree.BTreeG[dirtyItem]
}

func newDirtyDB() *dirtyDB {
	return &dirtyDB{tree: btree.NewG[dirtyItem](8, dirtyLess)}
}

func (d *dirtyDB) get(ov ObjVer) *DirtyEntry {
	item, ok := d.tree.Get(dirtyItem{ObjVer: ov})
	if !ok {
		return nil
	}
	return item.entry
}

func (d *dirtyDB) insert(ov ObjVer, e *DirtyEntry) {
	d.tree.ReplaceOrInsert(dirtyItem{ObjVer: ov, entry: e})
}

func (d *dirtyDB) delete(ov ObjVer) {
	d.tree.Delete(dirtyItem{ObjVer: ov})
}

func (d *dirtyDB) len() int {
	return d.tree.Len()
}

// lastVersion returns the greatest dirty version of the object, or false.
func (d *dirtyDB) lastVersion(oid ObjectID) (uint64, bool) {
	var found bool
	var version uint64
	pivot := dirtyItem{ObjVer: ObjVer{Oid: oid, Version: ^uint64(0)}}
	d.tree.DescendLessOrEqual(pivot, func(it dirtyItem) bool {
		if it.Oid == oid {
			version = it.Version
			found = true
		}
		return false
	})
	return version, found
}

// descendObject walks the object's dirty versions at or below version, newest
// first, until iter returns false.
func (d *dirtyDB) descendObject(oid ObjectID, version uint64, iter func(ov ObjVer, e *DirtyEntry) bool) {
	pivot := dirtyItem{ObjVer: ObjVer{Oid: oid, Version: version}}
	d.tree.DescendLessOrEqual(pivot, func(it dirtyItem) bool {
		if it.Oid != oid {
			return false
		}
		return iter(it.ObjVer, it.entry)
	})
}

// ascendObject walks the object's dirty versions at or above version, oldest
// first, until iter returns false.
func (d *dirtyDB) ascendObject(oid ObjectID, version uint64, iter func(ov ObjVer, e *DirtyEntry) bool) {
	pivot := dirtyItem{ObjVer: ObjVer{Oid: oid, Version: version}}
	d.tree.AscendGreaterOrEqual(pivot, func(it dirtyItem) bool {
		if it.Oid != oid {
			return false
		}
		return iter(it.ObjVer, it.entry)
	})
}

// ascend walks the whole dirty DB in (object, version) order.
func (d *dirtyDB) ascend(iter func(ov ObjVer, e *DirtyEntry) bool) {
	d.tree.Ascend(func(it dirtyItem) bool {
		return iter(it.ObjVer, it.entry)
	})
}

// CleanEntry is the in-memory image of one stabilized object version living
// on the data device.
type CleanEntry struct {
	Version  uint64
	Location uint64
}
