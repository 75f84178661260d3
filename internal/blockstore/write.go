// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"encoding/binary"
	"hash/crc32"

	"golang.org/x/sys/unix"

	"github.com/asch/jbs/internal/blockstore/ring"
)

// prepareWrite creates the dirty entry on the op's first dispatch: version
// assignment and kind classification. The unsynced lists are joined later,
// when the dequeue handler submits the I/O. Returns false when the op was
// completed with an argument error.
func (bs *Blockstore) prepareWrite(op *Op) bool {
	if op.priv.enqueued {
		return true
	}

	lastVer := uint64(0)
	exists := false
	if v, ok := bs.dirty.lastVersion(op.Oid); ok {
		lastVer = v
		exists = true
	} else if ce, ok := bs.clean[op.Oid]; ok {
		lastVer = ce.Version
		exists = true
	}

	if op.Opcode == OpDelete && !exists {
		bs.finishOp(op, -int(unix.ENOENT))
		return false
	}

	if op.Version == 0 {
		op.Version = lastVer + 1
	} else if op.Version <= lastVer {
		bs.finishOp(op, -int(unix.EINVAL))
		return false
	}

	var state dirtyState
	switch {
	case op.Opcode == OpDelete:
		state = kindDelete | durIn
	case uint64(op.Len) == bs.dsk.blockSize:
		state = kindBigWrite | durIn
	default:
		state = kindSmallWrite | durIn
	}
	if op.Opcode == OpWriteStable {
		state |= flagStable
	}

	e := &DirtyEntry{
		state:  state,
		offset: op.Offset,
		len:    op.Len,
	}

	ov := ObjVer{Oid: op.Oid, Version: op.Version}
	bs.dirty.insert(ov, e)

	op.priv.enqueued = true
	return true
}

func (bs *Blockstore) dequeueWrite(op *Op) int {
	ov := ObjVer{Oid: op.Oid, Version: op.Version}
	e := bs.dirty.get(ov)

	// A not-yet-dispatched older version (parked on a resource) must hit
	// the devices first, or reads could observe a version gap.
	undispatched := false
	bs.dirty.descendObject(op.Oid, op.Version-1, func(_ ObjVer, prev *DirtyEntry) bool {
		undispatched = prev.state.dur() < durSubmitted
		return false
	})
	if undispatched {
		return submitBusy
	}

	switch e.state.kind() {
	case kindBigWrite:
		return bs.dequeueBigWrite(op, ov, e)
	case kindDelete:
		return bs.dequeueDelete(op, ov, e)
	default:
		return bs.dequeueSmallWrite(op, ov, e)
	}
}

// Small write: the data goes inline into the journal. One SQE per touched
// journal sector; the entry becomes WRITTEN when every sector write has
// completed. Durability comes only with the next journal fsync.
func (bs *Blockstore) dequeueSmallWrite(op *Op, ov ObjVer, e *DirtyEntry) int {
	dataSectors := int((uint64(op.Len) + bs.jrn.sectorSize - 1) / bs.jrn.sectorSize)
	need := 1 + dataSectors
	if bs.rng.SpaceLeft() < need {
		return op.park(waitSQE, uint64(need))
	}

	if w, det := bs.jrn.checkSpace(1, jeSmallWriteSize, uint64(op.Len)); w != waitNone {
		return op.park(w, det)
	}

	entryOff := bs.jrn.allocEntry(jeSmallWriteSize)
	dataOff, dataSec, dataCnt := bs.jrn.allocData(op.Buf[:op.Len])

	ebuf := bs.jrn.buffer[entryOff : entryOff+jeSmallWriteSize]
	bs.jrn.fillHeader(ebuf, jeSmallWrite)
	body := ebuf[jeHeaderSize:]
	encodeObjVer(body, ov)
	binary.LittleEndian.PutUint32(body[24:], op.Offset)
	binary.LittleEndian.PutUint32(body[28:], op.Len)
	binary.LittleEndian.PutUint64(body[32:], dataOff)
	binary.LittleEndian.PutUint32(body[40:], crc32.ChecksumIEEE(op.Buf[:op.Len]))
	bs.jrn.finishEntry(ebuf)

	entrySec := bs.jrn.sectorOf(entryOff)
	e.location = dataOff
	e.journalSector = entrySec
	e.dataSector = dataSec
	e.dataSectorCount = dataCnt
	e.hasJournalEntry = true
	e.state = e.state.withDur(durSubmitted)

	bs.jrn.use(entrySec)
	for i := 0; i < dataCnt; i++ {
		bs.jrn.use(bs.jrn.secAt(dataSec, i))
	}

	cb := func(res int64) { bs.onWriteIO(op, ov, res) }

	op.priv.pendingOps = 1 + dataCnt
	bs.jrn.prepareSectorWrite(bs.rng, entrySec, cb)
	for i := 0; i < dataCnt; i++ {
		bs.jrn.prepareSectorWrite(bs.rng, bs.jrn.secAt(dataSec, i), cb)
	}

	bs.unsyncedSmall = append(bs.unsyncedSmall, ov)

	return submitInProgress
}

// Big write: the data goes straight to a freshly allocated block on the
// data device. Journal space for the matching BIG_WRITE entry is verified
// now but the entry itself is only written by the next sync.
func (bs *Blockstore) dequeueBigWrite(op *Op, ov ObjVer, e *DirtyEntry) int {
	if bs.rng.SpaceLeft() < 1 {
		return op.park(waitSQE, 1)
	}
	if w, det := bs.jrn.checkSpace(1, jeBigWriteSize, 0); w != waitNone {
		return op.park(w, det)
	}

	loc, ok := bs.alloc.Allocate()
	if !ok {
		if bs.fl.isActive() || bs.stabilizationPending() {
			return op.park(waitFree, 1)
		}
		bs.cancelDirty(ov)
		bs.finishOp(op, -int(unix.ENOSPC))
		return submitDone
	}

	e.location = loc
	e.state = e.state.withDur(durSubmitted)

	sqe := bs.rng.GetSQE()
	sqe.Opcode = ring.OpWrite
	sqe.FD = bs.dsk.dataFD
	sqe.Offset = bs.dsk.dataBlockOffset(loc) + int64(op.Offset)
	sqe.Buf = op.Buf[:op.Len]
	sqe.Callback = func(res int64) { bs.onWriteIO(op, ov, res) }

	op.priv.pendingOps = 1

	bs.unsyncedBig = append(bs.unsyncedBig, ov)

	return submitInProgress
}

// Delete: a journal-only tombstone.
func (bs *Blockstore) dequeueDelete(op *Op, ov ObjVer, e *DirtyEntry) int {
	if bs.rng.SpaceLeft() < 1 {
		return op.park(waitSQE, 1)
	}
	if w, det := bs.jrn.checkSpace(1, jeDeleteSize, 0); w != waitNone {
		return op.park(w, det)
	}

	entryOff := bs.jrn.allocEntry(jeDeleteSize)
	ebuf := bs.jrn.buffer[entryOff : entryOff+jeDeleteSize]
	bs.jrn.fillHeader(ebuf, jeDelete)
	encodeObjVer(ebuf[jeHeaderSize:], ov)
	bs.jrn.finishEntry(ebuf)

	entrySec := bs.jrn.sectorOf(entryOff)
	e.journalSector = entrySec
	e.hasJournalEntry = true
	e.state = e.state.withDur(durSubmitted)
	bs.jrn.use(entrySec)

	op.priv.pendingOps = 1
	bs.jrn.prepareSectorWrite(bs.rng, entrySec, func(res int64) { bs.onWriteIO(op, ov, res) })

	bs.unsyncedSmall = append(bs.unsyncedSmall, ov)

	return submitInProgress
}

// Completion of one of the write's device I/Os. The client is acknowledged
// at WRITTEN; durability still requires a SYNC.
func (bs *Blockstore) onWriteIO(op *Op, ov ObjVer, res int64) {
	if res < 0 {
		bs.fatal("write", res)
	}

	op.priv.pendingOps--
	if op.priv.pendingOps > 0 {
		return
	}

	if e := bs.dirty.get(ov); e != nil {
		e.state = e.state.withDur(durWritten)
	}

	bs.finishOp(op, 0)
	bs.rng.Wakeup()
}

// cancelDirty erases a dirty entry, releasing everything it pinned: its
// journal sectors, its data block and its place in the unsynced lists.
func (bs *Blockstore) cancelDirty(ov ObjVer) {
	e := bs.dirty.get(ov)
	if e == nil {
		return
	}

	bs.releaseEntrySectors(e)
	if e.state.kind() == kindBigWrite && e.state.dur() >= durSubmitted {
		bs.alloc.Free(e.location)
	}

	bs.unsyncedBig = removeObjVer(bs.unsyncedBig, ov)
	bs.unsyncedSmall = removeObjVer(bs.unsyncedSmall, ov)
	bs.dirty.delete(ov)
}

// releaseEntrySectors drops the journal sector pins held by a dirty entry.
func (bs *Blockstore) releaseEntrySectors(e *DirtyEntry) {
	if !e.hasJournalEntry {
		return
	}
	bs.jrn.release(e.journalSector)
	for i := 0; i < e.dataSectorCount; i++ {
		bs.jrn.release(bs.jrn.secAt(e.dataSector, i))
	}
	e.hasJournalEntry = false
	e.dataSectorCount = 0
}

func removeObjVer(list []ObjVer, ov ObjVer) []ObjVer {
	for i := range list {
		if list[i] == ov {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
