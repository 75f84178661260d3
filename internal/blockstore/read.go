// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"golang.org/x/sys/unix"

	"github.com/asch/jbs/internal/blockstore/ring"
)

// dequeueRead serves a read layered over the dirty DB and the clean DB:
// newest dirty version first, each entry contributing the parts of the
// requested range nothing newer has covered yet, then the clean block
// guided by its allocation bitmap, then zeros.
//
// Version zero requests the latest acknowledged data; an explicit version
// pins the view to that version.
func (bs *Blockstore) dequeueRead(op *Op) int {
	oid := op.Oid
	target := op.Version
	if target == 0 {
		target = ^uint64(0)
	}

	_, hasDirty := bs.dirty.lastVersion(oid)
	ce, hasClean := bs.clean[oid]
	if !hasDirty && !hasClean {
		bs.finishOp(op, -int(unix.ENOENT))
		return submitDone
	}

	prevPos := bs.rng.Save()
	op.priv.fulfilled = op.priv.fulfilled[:0]
	op.priv.pendingOps = 0

	reqStart := op.Offset
	reqEnd := op.Offset + op.Len

	found := false
	deleted := false
	sqeFail := false

	bs.dirty.descendObject(oid, target, func(ov ObjVer, e *DirtyEntry) bool {
		if e.state.dur() < durWritten {
			// Not yet readable, look at an older version.
			return true
		}
		found = true
		if e.state.kind() == kindDelete {
			deleted = true
			return false
		}

		s, en := e.offset, e.offset+e.len
		if s < reqStart {
			s = reqStart
		}
		if en > reqEnd {
			en = reqEnd
		}
		if s >= en {
			return true
		}

		for _, g := range gaps(op.priv.fulfilled, s, en) {
			dst := op.Buf[g.offset-reqStart : g.offset-reqStart+g.len]
			if e.state.kind() == kindSmallWrite {
				bs.jrn.readDataAt(e.location, uint64(g.offset-e.offset), dst)
			} else {
				sqe := bs.rng.GetSQE()
				if sqe == nil {
					sqeFail = true
					return false
				}
				sqe.Opcode = ring.OpRead
				sqe.FD = bs.dsk.dataFD
				sqe.Offset = bs.dsk.dataBlockOffset(e.location) + int64(g.offset)
				sqe.Buf = dst
				sqe.Callback = func(res int64) { bs.onReadIO(op, res) }
				op.priv.pendingOps++
			}
			op.priv.fulfilled = coverAdd(op.priv.fulfilled, g)
		}
		return true
	})

	if sqeFail {
		bs.rng.Restore(prevPos)
		op.priv.pendingOps = 0
		return op.park(waitSQE, uint64(op.Len/uint32(bs.dsk.diskAlignment))+1)
	}

	if !deleted && hasClean && ce.Version <= target {
		found = true
		if sqeFail = !bs.readCleanRanges(op, ce, reqStart, reqEnd); sqeFail {
			bs.rng.Restore(prevPos)
			op.priv.pendingOps = 0
			return op.park(waitSQE, uint64(op.Len/uint32(bs.dsk.diskAlignment))+1)
		}
	}

	if !found {
		bs.rng.Restore(prevPos)
		op.priv.pendingOps = 0
		bs.finishOp(op, -int(unix.ENOENT))
		return submitDone
	}

	// Whatever nothing covered was never written: zeros.
	for _, g := range gaps(op.priv.fulfilled, reqStart, reqEnd) {
		dst := op.Buf[g.offset-reqStart : g.offset-reqStart+g.len]
		for i := range dst {
			dst[i] = 0
		}
		op.priv.fulfilled = coverAdd(op.priv.fulfilled, g)
	}

	if op.priv.pendingOps == 0 {
		bs.finishOp(op, int(op.Len))
		return submitDone
	}
	return submitInProgress
}

// readCleanRanges fills the still-uncovered gaps from the clean block,
// reading only the granules the bitmap marks as written and zeroing the
// rest. Returns false when the ring ran out of SQEs.
func (bs *Blockstore) readCleanRanges(op *Op, ce CleanEntry, reqStart, reqEnd uint32) bool {
	gran := uint32(bs.dsk.bitmapGranularity)
	reqOff := op.Offset

	for _, g := range gaps(op.priv.fulfilled, reqStart, reqEnd) {
		pos := g.offset
		for pos < g.offset+g.len {
			written := bs.granuleWritten(ce.Location, pos/gran)
			run := pos + gran - pos%gran
			if run > g.offset+g.len {
				run = g.offset + g.len
			}
			for run < g.offset+g.len && bs.granuleWritten(ce.Location, run/gran) == written {
				run += gran
				if run > g.offset+g.len {
					run = g.offset + g.len
				}
			}

			dst := op.Buf[pos-reqOff : run-reqOff]
			if written {
				sqe := bs.rng.GetSQE()
				if sqe == nil {
					return false
				}
				sqe.Opcode = ring.OpRead
				sqe.FD = bs.dsk.dataFD
				sqe.Offset = bs.dsk.dataBlockOffset(ce.Location) + int64(pos)
				sqe.Buf = dst
				sqe.Callback = func(res int64) { bs.onReadIO(op, res) }
				op.priv.pendingOps++
			} else {
				for i := range dst {
					dst[i] = 0
				}
			}
			pos = run
		}
		op.priv.fulfilled = coverAdd(op.priv.fulfilled, g)
	}

	return true
}

// granuleWritten consults the first bitmap half of a block. The legacy
// metadata layout has no bitmap, so everything counts as written.
func (bs *Blockstore) granuleWritten(block uint64, granule uint32) bool {
	if bs.dsk.legacy {
		return true
	}
	bm := bs.blockBitmap(block)
	return bm[granule/8]&(1<<(granule%8)) != 0
}

// blockBitmap returns the block's own bitmap half.
func (bs *Blockstore) blockBitmap(block uint64) []byte {
	bms := bs.dsk.cleanEntryBitmapSize
	return bs.cleanBitmap[block*2*bms : block*2*bms+bms]
}

// ExternalBitmap returns the upper-layer bitmap half of a block's clean
// entry.
func (bs *Blockstore) ExternalBitmap(block uint64) []byte {
	bms := bs.dsk.cleanEntryBitmapSize
	return bs.cleanBitmap[block*2*bms+bms : block*2*bms+2*bms]
}

func (bs *Blockstore) onReadIO(op *Op, res int64) {
	if res < 0 {
		bs.fatal("read", res)
	}
	op.priv.pendingOps--
	if op.priv.pendingOps > 0 {
		return
	}
	bs.finishOp(op, int(op.Len))
	bs.rng.Wakeup()
}

// gaps returns the subranges of [start, end) not yet covered by the sorted,
// non-overlapping fulfilled list.
func gaps(covered []readRange, start, end uint32) []readRange {
	var out []readRange
	pos := start
	for _, c := range covered {
		ce := c.offset + c.len
		if ce <= pos {
			continue
		}
		if c.offset >= end {
			break
		}
		if c.offset > pos {
			hi := c.offset
			if hi > end {
				hi = end
			}
			out = append(out, readRange{offset: pos, len: hi - pos})
		}
		if ce > pos {
			pos = ce
		}
		if pos >= end {
			return out
		}
	}
	if pos < end {
		out = append(out, readRange{offset: pos, len: end - pos})
	}
	return out
}

// coverAdd merges a range into the sorted fulfilled list.
func coverAdd(covered []readRange, r readRange) []readRange {
	out := make([]readRange, 0, len(covered)+1)
	rs, re := r.offset, r.offset+r.len
	inserted := false
	for _, c := range covered {
		cs, ce := c.offset, c.offset+c.len
		if ce < rs || cs > re {
			if cs > re && !inserted {
				out = append(out, readRange{offset: rs, len: re - rs})
				inserted = true
			}
			out = append(out, c)
			continue
		}
		if cs < rs {
			rs = cs
		}
		if ce > re {
			re = ce
		}
	}
	if !inserted {
		out = append(out, readRange{offset: rs, len: re - rs})
	}
	return out
}
