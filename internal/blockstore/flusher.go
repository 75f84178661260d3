// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"encoding/binary"

	"github.com/ncw/directio"
	"github.com/rs/zerolog/log"

	"github.com/asch/jbs/internal/blockstore/ring"
)

// Flusher worker states.
const (
	flIdle = iota
	flDataWriteWait
	flDataFsync
	flDataFsyncWait
	flMetaRead
	flMetaReadWait
	flMetaWrite
	flMetaWriteWait
	flMetaFsync
	flMetaFsyncWait
	flCleanup
)

// flusher moves stabilized dirty entries to their final metadata-block
// homes and trims the journal tail. A pool of cooperative workers is ticked
// once per loop iteration; each worker owns one object flush at a time.
type flusher struct {
	bs      *Blockstore
	workers []*flusherWorker

	queue    []ObjVer
	flushing map[ObjectID]bool

	// Meta blocks under read-modify-write by some worker. Serializes
	// flushes of objects sharing a metadata block.
	metaLocked map[uint64]bool

	active int

	trimWanted  bool
	trimState   int
	trimPending int
	trimTarget  uint64
	trimFreed   int
}

type flusherWorker struct {
	bs *Blockstore
	f  *flusher

	state int

	ov ObjVer
	e  *DirtyEntry

	loc      uint64
	newAlloc bool
	oldLoc   uint64
	hasOld   bool

	metaBlock    uint64
	oldMetaBlock uint64
	lockedBlocks []uint64

	metaBuf    []byte
	oldMetaBuf []byte
	dataBuf    []byte
	bitmap     []byte

	pending int
}

func newFlusher(bs *Blockstore, count int) *flusher {
	f := &flusher{
		bs:         bs,
		flushing:   make(map[ObjectID]bool),
		metaLocked: make(map[uint64]bool),
	}
	for i := 0; i < count; i++ {
		f.workers = append(f.workers, &flusherWorker{
			bs:         bs,
			f:          f,
			metaBuf:    directio.AlignedBlock(int(bs.dsk.metaBlockSize)),
			oldMetaBuf: directio.AlignedBlock(int(bs.dsk.metaBlockSize)),
			dataBuf:    directio.AlignedBlock(int(bs.dsk.blockSize)),
			bitmap:     make([]byte, bs.dsk.cleanEntryBitmapSize),
		})
	}
	return f
}

// enqueue adds a stabilized, durable dirty entry to the flush queue.
func (f *flusher) enqueue(ov ObjVer) {
	f.queue = append(f.queue, ov)
}

// isActive is consulted by the submit loop: while true, a parked wait-free
// or wait-journal op can still hope for resources.
func (f *flusher) isActive() bool {
	return f.active > 0 || len(f.queue) > 0
}

func (f *flusher) pending() int {
	return f.active + len(f.queue)
}

func (f *flusher) requestTrim() {
	f.trimWanted = true
}

// loop ticks every worker and the trim machine once per loop iteration. A
// readonly engine never flushes: the dirty DB stays as replay built it.
func (f *flusher) loop() {
	if f.bs.readonly {
		return
	}
	for _, w := range f.workers {
		w.step()
	}
	f.maybeTrim()
}

func (w *flusherWorker) step() {
	for w.advance() {
	}
}

// advance runs one state transition. Returns false when the worker is
// waiting for I/O, for resources or has nothing to do.
func (w *flusherWorker) advance() bool {
	switch w.state {
	case flIdle:
		return w.pick()
	case flDataWriteWait, flDataFsyncWait, flMetaReadWait, flMetaWriteWait, flMetaFsyncWait:
		if w.pending > 0 {
			return false
		}
		w.state++
		return true
	case flDataFsync:
		return w.submitDataFsync()
	case flMetaRead:
		return w.submitMetaRead()
	case flMetaWrite:
		return w.submitMetaWrite()
	case flMetaFsync:
		return w.submitMetaFsync()
	case flCleanup:
		w.cleanup()
		return true
	}
	return false
}

// pick claims the oldest flushable queue item whose object and metadata
// blocks are not being worked on by a peer.
func (w *flusherWorker) pick() bool {
	bs := w.bs
	f := w.f

	for i := 0; i < len(f.queue); i++ {
		ov := f.queue[i]
		if f.flushing[ov.Oid] {
			continue
		}

		e := bs.dirty.get(ov)
		if e == nil || !e.state.stable() || !e.state.flushable() {
			// Superseded, rolled back or no longer eligible.
			f.queue = append(f.queue[:i], f.queue[i+1:]...)
			i--
			continue
		}

		if !w.setup(ov, e) {
			continue
		}

		f.queue = append(f.queue[:i], f.queue[i+1:]...)
		f.flushing[ov.Oid] = true
		f.active++
		return true
	}
	return false
}

// setup computes the flush plan: target block, superseded block, metadata
// blocks. Returns false when a resource (data block, meta block lock) is
// unavailable right now.
func (w *flusherWorker) setup(ov ObjVer, e *DirtyEntry) bool {
	bs := w.bs
	ce, hasClean := bs.clean[ov.Oid]

	w.ov = ov
	w.e = e
	w.newAlloc = false
	w.hasOld = false
	w.lockedBlocks = w.lockedBlocks[:0]

	switch e.state.kind() {
	case kindDelete:
		if !hasClean {
			// Nothing on disk, the tombstone erases memory only.
			w.state = flCleanup
			return true
		}
		w.oldLoc = ce.Location
		w.hasOld = true
		w.metaBlock, _ = bs.dsk.metaEntryPos(w.oldLoc)
		if !w.lockMeta(w.metaBlock) {
			return false
		}
		w.state = flMetaRead
		return true

	case kindBigWrite:
		w.loc = e.location
		if hasClean && ce.Location != w.loc {
			w.oldLoc = ce.Location
			w.hasOld = true
		}
		w.metaBlock, _ = bs.dsk.metaEntryPos(w.loc)
		if w.hasOld {
			w.oldMetaBlock, _ = bs.dsk.metaEntryPos(w.oldLoc)
		}
		if !w.lockMeta(w.metaBlock) {
			return false
		}
		if w.hasOld && w.oldMetaBlock != w.metaBlock && !w.lockMeta(w.oldMetaBlock) {
			w.unlockMeta()
			return false
		}
		w.state = flMetaRead
		return true

	default:
		if hasClean {
			w.loc = ce.Location
		} else {
			loc, ok := bs.alloc.Allocate()
			if !ok {
				// The queue may hold big flushes that free
				// blocks; retry later.
				return false
			}
			w.loc = loc
			w.newAlloc = true
		}
		w.metaBlock, _ = bs.dsk.metaEntryPos(w.loc)
		if !w.lockMeta(w.metaBlock) {
			if w.newAlloc {
				bs.alloc.Free(w.loc)
			}
			return false
		}
		// Copy the journal-inline data to its final block first.
		return w.submitDataWrite()
	}
}

func (w *flusherWorker) lockMeta(mb uint64) bool {
	if w.f.metaLocked[mb] {
		return false
	}
	w.f.metaLocked[mb] = true
	w.lockedBlocks = append(w.lockedBlocks, mb)
	return true
}

func (w *flusherWorker) unlockMeta() {
	for _, mb := range w.lockedBlocks {
		delete(w.f.metaLocked, mb)
	}
	w.lockedBlocks = w.lockedBlocks[:0]
}

func (w *flusherWorker) trySQE() *ring.SQE {
	return w.bs.rng.GetSQE()
}

func (w *flusherWorker) ioDone(res int64) {
	if res < 0 {
		w.bs.fatal("flush", res)
	}
	w.pending--
	w.bs.rng.Wakeup()
}

// submitDataWrite copies the small write's journal-inline data to the
// object's data block.
func (w *flusherWorker) submitDataWrite() bool {
	sqe := w.trySQE()
	if sqe == nil {
		w.state = flIdle
		if w.newAlloc {
			w.bs.alloc.Free(w.loc)
		}
		w.unlockMeta()
		return false
	}

	e := w.e
	w.bs.jrn.readDataAt(e.location, 0, w.dataBuf[:e.len])

	sqe.Opcode = ring.OpWrite
	sqe.FD = w.bs.dsk.dataFD
	sqe.Offset = w.bs.dsk.dataBlockOffset(w.loc) + int64(e.offset)
	sqe.Buf = w.dataBuf[:e.len]
	sqe.Callback = w.ioDone

	w.pending = 1
	w.state = flDataWriteWait
	return true
}

func (w *flusherWorker) submitDataFsync() bool {
	sqe := w.trySQE()
	if sqe == nil {
		return false
	}
	sqe.Opcode = ring.OpFsync
	sqe.FD = w.bs.dsk.dataFD
	sqe.Callback = w.ioDone

	w.pending = 1
	w.state = flDataFsyncWait
	return true
}

// submitMetaRead fetches the metadata blocks that are about to be updated.
// With inmemory metadata the cache already holds them.
func (w *flusherWorker) submitMetaRead() bool {
	bs := w.bs
	if bs.metaCache != nil {
		w.state = flMetaWrite
		return true
	}

	need := 1
	if w.hasOld && w.oldMetaBlock != w.metaBlock {
		need = 2
	}
	if bs.rng.SpaceLeft() < need {
		return false
	}

	sqe := bs.rng.GetSQE()
	sqe.Opcode = ring.OpRead
	sqe.FD = bs.dsk.metaFD
	sqe.Offset = bs.dsk.metaBlockOffset(w.metaBlock)
	sqe.Buf = w.metaBuf
	sqe.Callback = w.ioDone
	w.pending = 1

	if need == 2 {
		sqe = bs.rng.GetSQE()
		sqe.Opcode = ring.OpRead
		sqe.FD = bs.dsk.metaFD
		sqe.Offset = bs.dsk.metaBlockOffset(w.oldMetaBlock)
		sqe.Buf = w.oldMetaBuf
		sqe.Callback = w.ioDone
		w.pending++
	}

	w.state = flMetaReadWait
	return true
}

// submitMetaWrite updates the clean entry slots and writes the blocks back.
func (w *flusherWorker) submitMetaWrite() bool {
	bs := w.bs

	need := 1
	if w.hasOld && w.oldMetaBlock != w.metaBlock {
		need = 2
	}
	if bs.rng.SpaceLeft() < need {
		return false
	}

	target := w.metaBuf
	oldTarget := w.oldMetaBuf
	if bs.metaCache != nil {
		target = bs.metaCache[w.metaBlock*bs.dsk.metaBlockSize : (w.metaBlock+1)*bs.dsk.metaBlockSize]
		if w.hasOld {
			oldTarget = bs.metaCache[w.oldMetaBlock*bs.dsk.metaBlockSize : (w.oldMetaBlock+1)*bs.dsk.metaBlockSize]
		}
	}

	switch w.e.state.kind() {
	case kindDelete:
		_, slot := bs.dsk.metaEntryPos(w.oldLoc)
		zeroSlot(target[slot : slot+bs.dsk.cleanEntrySize])

	default:
		w.buildBitmap()
		_, slot := bs.dsk.metaEntryPos(w.loc)
		bs.encodeCleanEntry(target[slot:slot+bs.dsk.cleanEntrySize], w.ov, w.bitmap, w.loc)

		if w.hasOld {
			old := target
			if w.oldMetaBlock != w.metaBlock {
				old = oldTarget
			}
			_, oldSlot := bs.dsk.metaEntryPos(w.oldLoc)
			zeroSlot(old[oldSlot : oldSlot+bs.dsk.cleanEntrySize])
		}
	}

	sqe := bs.rng.GetSQE()
	sqe.Opcode = ring.OpWrite
	sqe.FD = bs.dsk.metaFD
	sqe.Offset = bs.dsk.metaBlockOffset(w.metaBlock)
	sqe.Buf = target
	sqe.Callback = w.ioDone
	w.pending = 1

	if need == 2 {
		sqe = bs.rng.GetSQE()
		sqe.Opcode = ring.OpWrite
		sqe.FD = bs.dsk.metaFD
		sqe.Offset = bs.dsk.metaBlockOffset(w.oldMetaBlock)
		sqe.Buf = oldTarget
		sqe.Callback = w.ioDone
		w.pending++
	}

	w.state = flMetaWriteWait
	return true
}

// buildBitmap computes the block's allocation bitmap after this flush: the
// existing bits when writing in place, fresh bits otherwise, plus the
// granules this entry covers.
func (w *flusherWorker) buildBitmap() {
	bs := w.bs
	e := w.e

	inPlace := e.state.kind() == kindSmallWrite && !w.newAlloc
	if inPlace {
		copy(w.bitmap, bs.blockBitmap(w.loc))
	} else {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
	}

	gran := uint32(bs.dsk.bitmapGranularity)
	for g := e.offset / gran; g < (e.offset+e.len+gran-1)/gran; g++ {
		w.bitmap[g/8] |= 1 << (g % 8)
	}
}

func (w *flusherWorker) submitMetaFsync() bool {
	sqe := w.trySQE()
	if sqe == nil {
		return false
	}
	sqe.Opcode = ring.OpFsync
	sqe.FD = w.bs.dsk.metaFD
	sqe.Callback = w.ioDone

	w.pending = 1
	w.state = flMetaFsyncWait
	return true
}

// cleanup commits the flush to the in-memory databases: update the clean
// DB and bitmaps, free superseded blocks, drop every dirty version at or
// below the flushed one and release their journal sectors.
func (w *flusherWorker) cleanup() {
	bs := w.bs
	oid := w.ov.Oid

	switch w.e.state.kind() {
	case kindDelete:
		delete(bs.clean, oid)
		if w.hasOld {
			zeroSlot(bs.cleanBitmap[w.oldLoc*2*bs.dsk.cleanEntryBitmapSize : (w.oldLoc+1)*2*bs.dsk.cleanEntryBitmapSize])
			bs.alloc.Free(w.oldLoc)
		}

	default:
		bs.clean[oid] = CleanEntry{Version: w.ov.Version, Location: w.loc}
		copy(bs.blockBitmap(w.loc), w.bitmap)
		if w.hasOld {
			zeroSlot(bs.cleanBitmap[w.oldLoc*2*bs.dsk.cleanEntryBitmapSize : (w.oldLoc+1)*2*bs.dsk.cleanEntryBitmapSize])
			bs.alloc.Free(w.oldLoc)
		}
	}

	// Drop the flushed version and everything below it.
	var drop []ObjVer
	bs.dirty.descendObject(oid, w.ov.Version, func(ov ObjVer, _ *DirtyEntry) bool {
		drop = append(drop, ov)
		return true
	})
	for _, ov := range drop {
		e := bs.dirty.get(ov)
		bs.releaseEntrySectors(e)
		if ov != w.ov && e.state.kind() == kindBigWrite && e.state.dur() >= durSubmitted && e.location != w.loc {
			bs.alloc.Free(e.location)
		}
		bs.dirty.delete(ov)
		if uv, ok := bs.unstableWrites[oid]; ok && uv <= ov.Version {
			delete(bs.unstableWrites, oid)
		}
	}

	w.unlockMeta()
	delete(w.f.flushing, oid)
	w.f.active--
	w.f.trimWanted = true
	w.state = flIdle

	bs.rng.Wakeup()
}

// maybeTrim persists a fresh anchor for every trim opportunity: write
// sector zero, fsync it, only then publish the new usedStart. The freed
// sectors stay unusable until the anchor is durable, otherwise a crash
// could replay over reused sectors.
func (f *flusher) maybeTrim() {
	bs := f.bs

	switch f.trimState {
	case 0:
		if !f.trimWanted {
			return
		}
		target, freed, ok := bs.jrn.trimPeek()
		if !ok {
			f.trimWanted = false
			return
		}
		if bs.rng.SpaceLeft() < 1 {
			return
		}
		f.trimTarget = target
		f.trimFreed = freed
		bs.jrn.seq++
		bs.jrn.encodeAnchor(target)
		f.trimPending = 1
		bs.jrn.prepareSectorWrite(bs.rng, 0, func(res int64) {
			if res < 0 {
				bs.fatal("journal anchor write", res)
			}
			f.trimPending--
			bs.rng.Wakeup()
		})
		f.trimState = 1

	case 1:
		if f.trimPending > 0 || bs.rng.SpaceLeft() < 1 {
			return
		}
		f.trimPending = 1
		bs.jrn.prepareFsync(bs.rng, func(res int64) {
			if res < 0 {
				bs.fatal("journal anchor fsync", res)
			}
			bs.jrn.trimCommit(f.trimTarget, f.trimFreed)
			f.trimPending--
			f.trimState = 0
			f.trimWanted = false
			log.Trace().Uint64("used_start", bs.jrn.usedStart).Uint64("seq", bs.jrn.seq).Msg("Journal trimmed.")
			bs.rng.Wakeup()
		})
		f.trimState = 2

	case 2:
		// Fsync in flight.
	}
}

// encodeCleanEntry serializes one clean entry slot.
func (bs *Blockstore) encodeCleanEntry(slot []byte, ov ObjVer, bitmap []byte, block uint64) {
	binary.LittleEndian.PutUint64(slot[0:], ov.Oid.Inode)
	binary.LittleEndian.PutUint64(slot[8:], ov.Oid.Stripe)
	binary.LittleEndian.PutUint64(slot[16:], ov.Version)
	if !bs.dsk.legacy {
		bms := bs.dsk.cleanEntryBitmapSize
		copy(slot[cleanEntryHeaderSize:cleanEntryHeaderSize+bms], bitmap)
		copy(slot[cleanEntryHeaderSize+bms:cleanEntryHeaderSize+2*bms], bs.ExternalBitmap(block))
	}
}

func zeroSlot(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
