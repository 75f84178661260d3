// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"encoding/binary"

	"github.com/asch/jbs/internal/blockstore/ring"
)

// continueSync advances one SYNC (or SYNC_STAB_ALL) state machine. The op
// stays in the submit queue until it acknowledges; completions re-run the
// machine through the loop.
//
// The protocol is three-phase: fsync the data device for captured big
// writes, write their journal entries, fsync the journal. Small writes skip
// the first two phases since their data already sits in journal sectors.
func (bs *Blockstore) continueSync(op *Op) int {
	p := &op.priv

	if !p.enqueued {
		// Capture: everything unsynced at dispatch belongs to this
		// sync, later writes to a later one.
		p.syncBig = bs.unsyncedBig
		p.syncSmall = bs.unsyncedSmall
		bs.unsyncedBig = nil
		bs.unsyncedSmall = nil

		switch {
		case len(p.syncBig) > 0:
			p.syncState = syncHasBig
		case len(p.syncSmall) > 0:
			p.syncState = syncHasSmall
		default:
			p.syncState = syncDone
		}

		p.enqueued = true
		bs.inProgressSyncs = append(bs.inProgressSyncs, op)
	}

	switch p.syncState {
	case syncHasBig:
		if !bs.capturedWritten(p.syncBig) {
			return submitInProgress
		}
		if bs.rng.SpaceLeft() < 1 {
			return op.park(waitSQE, 1)
		}

		sqe := bs.rng.GetSQE()
		sqe.Opcode = ring.OpFsync
		sqe.FD = bs.dsk.dataFD
		sqe.Callback = func(res int64) { bs.onDataSyncDone(op, res) }

		p.pendingOps = 1
		p.syncState = syncDataSyncSent
		return submitInProgress

	case syncDataSyncSent, syncJournalSyncSent:
		return submitInProgress

	case syncDataSyncDone:
		return bs.syncWriteBigEntries(op)

	case syncHasSmall:
		if !bs.capturedWritten(p.syncSmall) {
			return submitInProgress
		}
		return bs.syncSubmitJournalFsync(op)

	case syncDone:
		return bs.finishSyncChain(op)
	}

	return submitInProgress
}

// All captured entries have reached at least WRITTEN, so their device I/O
// has completed. Entries erased by a rollback in the meantime count as done.
func (bs *Blockstore) capturedWritten(list []ObjVer) bool {
	for _, ov := range list {
		if e := bs.dirty.get(ov); e != nil && e.state.dur() < durWritten {
			return false
		}
	}
	return true
}

func (bs *Blockstore) onDataSyncDone(op *Op, res int64) {
	if res < 0 {
		bs.fatal("data fsync", res)
	}

	p := &op.priv
	p.pendingOps--
	for _, ov := range p.syncBig {
		if e := bs.dirty.get(ov); e != nil && e.state.dur() < durDSynced {
			e.state = e.state.withDur(durDSynced)
		}
	}
	p.syncState = syncDataSyncDone
	bs.rng.Wakeup()
}

// Writes one BIG_WRITE journal entry per captured big write, batched by
// available ring space, then hands over to the journal fsync.
func (bs *Blockstore) syncWriteBigEntries(op *Op) int {
	p := &op.priv

	if p.pendingOps > 0 {
		return submitInProgress
	}

	if p.syncBigDone < len(p.syncBig) {
		remaining := len(p.syncBig) - p.syncBigDone
		m := bs.rng.SpaceLeft()
		if m < 2 {
			return op.park(waitSQE, 2)
		}
		if m > remaining {
			m = remaining
		}

		if w, det := bs.jrn.checkSpace(m, jeBigWriteSize, 0); w != waitNone {
			return op.park(w, det)
		}

		var secs []int
		lastSec := -1
		for i := 0; i < m; i++ {
			ov := p.syncBig[p.syncBigDone+i]
			e := bs.dirty.get(ov)
			if e == nil {
				// Rolled back between capture and here.
				continue
			}

			off := bs.jrn.allocEntry(jeBigWriteSize)
			ebuf := bs.jrn.buffer[off : off+jeBigWriteSize]
			bs.jrn.fillHeader(ebuf, jeBigWrite)
			body := ebuf[jeHeaderSize:]
			encodeObjVer(body, ov)
			binary.LittleEndian.PutUint32(body[24:], e.offset)
			binary.LittleEndian.PutUint32(body[28:], e.len)
			binary.LittleEndian.PutUint64(body[32:], e.location)
			bs.jrn.finishEntry(ebuf)

			sec := bs.jrn.sectorOf(off)
			e.journalSector = sec
			e.hasJournalEntry = true
			bs.jrn.use(sec)

			if sec != lastSec {
				secs = append(secs, sec)
				lastSec = sec
			}
		}

		for _, sec := range secs {
			bs.jrn.prepareSectorWrite(bs.rng, sec, func(res int64) { bs.onSyncIO(op, res) })
			p.pendingOps++
		}
		p.syncBigDone += m

		return submitInProgress
	}

	return bs.syncSubmitJournalFsync(op)
}

func (bs *Blockstore) onSyncIO(op *Op, res int64) {
	if res < 0 {
		bs.fatal("journal write", res)
	}
	op.priv.pendingOps--
	bs.rng.Wakeup()
}

func (bs *Blockstore) syncSubmitJournalFsync(op *Op) int {
	p := &op.priv

	if p.pendingOps > 0 {
		return submitInProgress
	}
	// Captured small writes own their journal sector I/O; the fsync must
	// not overtake it.
	if !bs.capturedWritten(p.syncSmall) {
		return submitInProgress
	}
	if bs.rng.SpaceLeft() < 1 {
		return op.park(waitSQE, 1)
	}

	bs.jrn.prepareFsync(bs.rng, func(res int64) { bs.onJournalSyncDone(op, res) })
	p.pendingOps = 1
	p.syncState = syncJournalSyncSent

	return submitInProgress
}

// The journal fsync completed: every captured write is durable now. Big
// writes reach META_SYNCED, small writes and deletes reach SYNCED; stable
// flagged entries go straight to the flusher, the rest are remembered as
// unstable for SYNC_STAB_ALL.
func (bs *Blockstore) onJournalSyncDone(op *Op, res int64) {
	if res < 0 {
		bs.fatal("journal fsync", res)
	}

	p := &op.priv
	p.pendingOps--

	settle := func(ov ObjVer, dur dirtyState) {
		e := bs.dirty.get(ov)
		if e == nil {
			return
		}
		if e.state.dur() < dur {
			e.state = e.state.withDur(dur)
		}
		if e.state.stable() {
			bs.fl.enqueue(ov)
		} else {
			bs.noteUnstable(ov)
		}
	}

	for _, ov := range p.syncBig {
		settle(ov, durMetaSynced)
	}
	for _, ov := range p.syncSmall {
		settle(ov, durSynced)
	}

	p.syncState = syncDone
	bs.rng.Wakeup()
}

func (bs *Blockstore) noteUnstable(ov ObjVer) {
	if v, ok := bs.unstableWrites[ov.Oid]; !ok || ov.Version > v {
		bs.unstableWrites[ov.Oid] = ov.Version
	}
}

// finishSyncChain delivers the acknowledgment, but only once every earlier
// sync has acknowledged: clients observe sync completions in submission
// order. SYNC_STAB_ALL additionally stabilizes everything unstable first.
func (bs *Blockstore) finishSyncChain(op *Op) int {
	p := &op.priv

	if len(bs.inProgressSyncs) == 0 || bs.inProgressSyncs[0] != op {
		return submitInProgress
	}

	if op.Opcode == OpSyncStabAll {
		if p.stabPhase == 0 {
			p.stabPhase = 1
			p.stabItems = p.stabItems[:0]
			for oid, ver := range bs.unstableWrites {
				p.stabItems = append(p.stabItems, ObjVer{Oid: oid, Version: ver})
			}
		}
		if len(p.stabItems) > 0 {
			if st := bs.continueListEntry(op, jeStable, p.stabItems); st != submitDone {
				return st
			}
		}
	}

	bs.inProgressSyncs = bs.inProgressSyncs[1:]
	bs.finishOp(op, 0)
	bs.rng.Wakeup()

	return submitDone
}
