// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// dequeueStable handles both STABLE and ROLLBACK: validate the item list,
// write the matching journal entries, fsync, then apply the effect. The
// entry must be durable before the in-memory promotion or discard happens,
// otherwise an acknowledged promotion could be lost in replay.
func (bs *Blockstore) dequeueStable(op *Op) int {
	p := &op.priv

	if !p.enqueued {
		var items []ObjVer
		var errno int
		var retry bool
		if op.Opcode == OpStable {
			items, errno = bs.filterStable(op.Items)
		} else {
			items, errno, retry = bs.filterRollback(op.Items)
		}
		if retry {
			// Some listed version still has its write I/O in
			// flight; try again once it completes.
			return submitBusy
		}
		if errno != 0 {
			bs.finishOp(op, -errno)
			return submitDone
		}
		if len(items) == 0 {
			// Everything already stable: a no-op.
			bs.finishOp(op, 0)
			return submitDone
		}
		p.stabItems = items
		p.enqueued = true
	}

	typ := jeStable
	if op.Opcode == OpRollback {
		typ = jeRollback
	}

	st := bs.continueListEntry(op, typ, p.stabItems)
	if st == submitDone {
		bs.finishOp(op, 0)
	}
	return st
}

// filterStable verifies a STABLE item list and drops the no-op items.
func (bs *Blockstore) filterStable(items []ObjVer) ([]ObjVer, int) {
	var out []ObjVer
	for _, ov := range items {
		e := bs.dirty.get(ov)
		if e == nil {
			if ce, ok := bs.clean[ov.Oid]; ok && ce.Version >= ov.Version {
				continue
			}
			if bs.hasStableDirtyAtOrAbove(ov) {
				continue
			}
			return nil, int(unix.ENOENT)
		}
		if e.state.stable() {
			continue
		}
		if !e.state.flushable() {
			// Stabilizing something unsynced would promote data
			// that is not durable yet.
			return nil, int(unix.EBUSY)
		}
		out = append(out, ov)
	}
	return out, 0
}

func (bs *Blockstore) hasStableDirtyAtOrAbove(ov ObjVer) bool {
	stable := false
	bs.dirty.ascendObject(ov.Oid, ov.Version, func(_ ObjVer, e *DirtyEntry) bool {
		if e.state.stable() {
			stable = true
			return false
		}
		return true
	})
	return stable
}

// filterRollback expands each (object, version) item to every dirty version
// at or above it, so a rollback discards the whole unstable tail and
// versions stay a prefix of the submitted sequence. Versions whose write
// I/O is still in flight make the whole op retry.
func (bs *Blockstore) filterRollback(items []ObjVer) ([]ObjVer, int, bool) {
	seen := make(map[ObjVer]bool)
	var out []ObjVer
	var errno int
	var retry bool

	for _, item := range items {
		found := false
		bs.dirty.ascendObject(item.Oid, item.Version, func(ov ObjVer, e *DirtyEntry) bool {
			found = true
			if e.state.stable() {
				errno = int(unix.EBUSY)
				return false
			}
			if e.state.dur() < durWritten {
				retry = true
				return false
			}
			if !seen[ov] {
				seen[ov] = true
				out = append(out, ov)
			}
			return true
		})
		if errno != 0 || retry {
			return nil, errno, retry
		}
		if !found {
			return nil, int(unix.ENOENT), false
		}
	}
	return out, 0, false
}

// continueListEntry writes STABLE or ROLLBACK journal entries for the item
// list, batched to the sector payload, fsyncs the journal and applies the
// effect from the fsync completion. Shared by the client opcodes and the
// stabilize phase of SYNC_STAB_ALL.
func (bs *Blockstore) continueListEntry(op *Op, typ uint16, items []ObjVer) int {
	p := &op.priv
	maxItems := int((bs.jrn.sectorSize - jeListBaseSize) / jeListItemSize)

	switch p.stabState {
	case 0:
		for p.stabDone < len(items) {
			if p.pendingOps > 0 {
				return submitInProgress
			}

			batch := len(items) - p.stabDone
			if batch > maxItems {
				batch = maxItems
			}
			if bs.rng.SpaceLeft() < 2 {
				return op.park(waitSQE, 2)
			}
			size := uint64(jeListBaseSize + batch*jeListItemSize)
			if w, det := bs.jrn.checkSpace(1, size, 0); w != waitNone {
				return op.park(w, det)
			}

			off := bs.jrn.allocEntry(size)
			ebuf := bs.jrn.buffer[off : off+size]
			bs.jrn.fillHeader(ebuf, typ)
			body := ebuf[jeHeaderSize:]
			binary.LittleEndian.PutUint32(body[0:], uint32(batch))
			for i := 0; i < batch; i++ {
				encodeObjVer(body[4+i*jeListItemSize:], items[p.stabDone+i])
			}
			bs.jrn.finishEntry(ebuf)

			bs.jrn.prepareSectorWrite(bs.rng, bs.jrn.sectorOf(off), func(res int64) { bs.onSyncIO(op, res) })
			p.pendingOps++
			p.stabDone += batch
		}
		if p.pendingOps > 0 {
			return submitInProgress
		}
		p.stabState = 1
		fallthrough

	case 1:
		if bs.rng.SpaceLeft() < 1 {
			return op.park(waitSQE, 1)
		}
		bs.jrn.prepareFsync(bs.rng, func(res int64) { bs.onListEntryDurable(op, typ, res) })
		p.pendingOps = 1
		p.stabState = 2
		return submitInProgress

	case 2:
		return submitInProgress
	}

	return submitDone
}

func (bs *Blockstore) onListEntryDurable(op *Op, typ uint16, res int64) {
	if res < 0 {
		bs.fatal("journal fsync", res)
	}

	p := &op.priv
	p.pendingOps--

	if typ == jeStable {
		bs.applyStable(p.stabItems)
	} else {
		bs.applyRollback(p.stabItems)
	}

	p.stabState = 3
	bs.rng.Wakeup()
}

// applyStable promotes the listed dirty entries: flag them stable and hand
// them to the flusher.
func (bs *Blockstore) applyStable(items []ObjVer) {
	for _, ov := range items {
		e := bs.dirty.get(ov)
		if e == nil || e.state.stable() {
			continue
		}
		e.state |= flagStable
		if e.state.flushable() {
			bs.fl.enqueue(ov)
		}
		if uv, ok := bs.unstableWrites[ov.Oid]; ok && uv <= ov.Version {
			delete(bs.unstableWrites, ov.Oid)
		}
	}
}

// applyRollback discards the listed dirty entries, releasing their journal
// sectors and data blocks.
func (bs *Blockstore) applyRollback(items []ObjVer) {
	for _, ov := range items {
		if bs.dirty.get(ov) == nil {
			continue
		}
		bs.cancelDirty(ov)

		if uv, ok := bs.unstableWrites[ov.Oid]; ok && uv >= ov.Version {
			delete(bs.unstableWrites, ov.Oid)
			bs.dirty.descendObject(ov.Oid, ov.Version, func(ov2 ObjVer, e2 *DirtyEntry) bool {
				if !e2.state.stable() && e2.state.dur() >= durSynced {
					bs.noteUnstable(ov2)
					return false
				}
				return true
			})
		}
	}
}
