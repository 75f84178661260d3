// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package blockstore implements a write-ahead-journaled, versioned,
// object-addressable block store over three storage regions: a data device
// holding fixed-size blocks, a metadata device holding one clean entry per
// stabilized block and a circular journal. All engine state is owned by a
// single loop goroutine; the only concurrency is the I/O worker pool behind
// the submission ring.
package blockstore

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/jbs/internal/blockstore/allocator"
	"github.com/asch/jbs/internal/blockstore/ring"
	"github.com/asch/jbs/internal/config"
)

// Submission results of the per-opcode handlers.
const (
	submitBusy = iota
	submitInProgress
	submitDone
)

// Wait check results.
const (
	stillWaiting = iota
	waitResolved
	waitFailed
)

// Blockstore is one engine instance. Construct with Open, drive with Run on
// a dedicated goroutine, feed with EnqueueOp from anywhere.
type Blockstore struct {
	cfg config.Disk
	dsk *disk
	rng *ring.Ring
	jrn *journal

	alloc *allocator.Allocator
	dirty *dirtyDB
	clean map[ObjectID]CleanEntry

	// Per-block sub-allocation bitmaps, two halves per block: the
	// engine's own bits and the external half reserved for upper layers.
	cleanBitmap []byte

	// Whole metadata region cached in memory when inmemory_metadata is
	// set.
	metaCache []byte

	fl *flusher

	intakeMu sync.Mutex
	intake   []*Op

	submitQueue []*Op

	unsyncedBig     []ObjVer
	unsyncedSmall   []ObjVer
	unstableWrites  map[ObjectID]uint64
	inProgressSyncs []*Op

	queueStall bool
	readonly   bool

	queuedOps    atomic.Int64
	unsyncedCnt  atomic.Int64
	flusherBusy  atomic.Int64
	stopInjected atomic.Bool
	stopping     atomic.Bool
}

// Open validates the configuration, opens the devices, reads the metadata
// region and replays the journal. The engine is ready for EnqueueOp when
// Open returns; Run must be started to make progress.
func Open(cfg config.Disk) (*Blockstore, error) {
	dsk, err := openDisk(cfg)
	if err != nil {
		return nil, err
	}

	bs := &Blockstore{
		cfg:            cfg,
		dsk:            dsk,
		rng:            ring.New(cfg.QueueDepth, ioWorkers(cfg.QueueDepth)),
		jrn:            newJournal(dsk),
		dirty:          newDirtyDB(),
		clean:          make(map[ObjectID]CleanEntry),
		unstableWrites: make(map[ObjectID]uint64),
		readonly:       cfg.Readonly,
	}
	bs.alloc = allocator.New(dsk.blockCount)
	bs.cleanBitmap = make([]byte, dsk.blockCount*2*dsk.cleanEntryBitmapSize)
	bs.fl = newFlusher(bs, cfg.FlusherCount)

	if err := bs.initStore(); err != nil {
		bs.rng.Close()
		dsk.close()
		return nil, err
	}

	bs.rng.RegisterConsumer(bs.loop)

	log.Info().
		Str("data", cfg.DataDevice).
		Uint64("blocks", dsk.blockCount).
		Uint64("block_size", dsk.blockSize).
		Uint64("journal_size", cfg.JournalSize).
		Msg("Blockstore opened.")

	return bs, nil
}

func ioWorkers(depth int) int {
	w := depth / 8
	if w < 4 {
		w = 4
	}
	if w > 32 {
		w = 32
	}
	return w
}

// Run drives the engine until Stop is called. Completion callbacks and all
// state transitions happen on this goroutine.
func (bs *Blockstore) Run() {
	for !bs.stopping.Load() {
		bs.rng.Loop()
	}
}

// Stop makes Run return after the current iteration. It does not wait for
// in-flight operations; see IsSafeToStop.
func (bs *Blockstore) Stop() {
	bs.stopping.Store(true)
	bs.rng.Wakeup()
}

// Close releases the ring workers and the device descriptors.
func (bs *Blockstore) Close() {
	bs.rng.Close()
	bs.dsk.close()
}

// IsStalled reports that the last iteration made no progress while
// operations were queued, so the host may back off.
func (bs *Blockstore) IsStalled() bool {
	return bs.queueStall
}

// IsSafeToStop returns true when no operation is queued, nothing is
// unsynced and the flusher has no pending work. On the first call that finds unsynced writes it injects one
// terminal SYNC so a subsequent call can succeed.
func (bs *Blockstore) IsSafeToStop() bool {
	if bs.queuedOps.Load() > 0 || bs.unsyncedCnt.Load() > 0 || bs.flusherBusy.Load() > 0 {
		if bs.unsyncedCnt.Load() > 0 && !bs.stopInjected.Swap(true) {
			bs.EnqueueOp(&Op{Opcode: OpSync, Callback: func(*Op) {}})
		}
		return false
	}
	return true
}

// EnqueueOp validates the operation and hands it to the loop. Argument
// errors are reported through the callback before the op is queued. Once
// EnqueueOp returns without such an error the op is not cancellable.
func (bs *Blockstore) EnqueueOp(op *Op) {
	if errno := bs.validateOp(op); errno != 0 {
		op.Retval = -errno
		if op.Callback != nil {
			op.Callback(op)
		}
		return
	}

	bs.queuedOps.Add(1)
	bs.intakeMu.Lock()
	bs.intake = append(bs.intake, op)
	bs.intakeMu.Unlock()
	bs.rng.Wakeup()
}

// validateOp performs the stateless argument checks. Returns a positive
// errno, or zero when the op may be queued.
func (bs *Blockstore) validateOp(op *Op) int {
	switch op.Opcode {
	case OpRead, OpWrite, OpWriteStable:
		align := uint32(bs.dsk.diskAlignment)
		if op.Offset%align != 0 || op.Len%align != 0 {
			return int(unix.EINVAL)
		}
		if uint64(op.Offset)+uint64(op.Len) > bs.dsk.blockSize {
			return int(unix.EINVAL)
		}
		if op.Len > 0 && uint32(len(op.Buf)) < op.Len {
			return int(unix.EINVAL)
		}
		if op.Opcode != OpRead && bs.readonly {
			return int(unix.EINVAL)
		}
		if op.Opcode != OpRead && op.Len == 0 {
			return int(unix.EINVAL)
		}
	case OpDelete, OpSync, OpSyncStabAll:
		if bs.readonly {
			return int(unix.EINVAL)
		}
	case OpStable, OpRollback:
		if bs.readonly {
			return int(unix.EINVAL)
		}
		if len(op.Items) == 0 {
			return int(unix.EINVAL)
		}
	case OpList:
	default:
		return int(unix.EINVAL)
	}
	return 0
}

func (bs *Blockstore) drainIntake() {
	bs.intakeMu.Lock()
	if len(bs.intake) > 0 {
		bs.submitQueue = append(bs.submitQueue, bs.intake...)
		bs.intake = bs.intake[:0]
	}
	bs.intakeMu.Unlock()
}

// finishOp fires the client callback and releases queue accounting.
func (bs *Blockstore) finishOp(op *Op, retval int) {
	op.Retval = retval
	bs.queuedOps.Add(-1)
	if op.Callback != nil {
		op.Callback(op)
	}
}

// loop is the cooperative scheduler: one pass over the submit queue, then a
// flusher tick. Registered as a ring consumer, so it runs every ring
// iteration before submission.
func (bs *Blockstore) loop() {
	bs.drainIntake()

	spaceBefore := bs.rng.SpaceLeft()

	// hasWrites: 0 none encountered, 1 at least one submitted, 2 a write
	// could not submit, so later writes and syncs must hold back.
	hasWrites := 0

	i := 0
	for i < len(bs.submitQueue) {
		op := bs.submitQueue[i]

		if op.priv.waitFor != waitNone {
			switch bs.checkWait(op) {
			case stillWaiting:
				if op.priv.waitFor == waitSQE {
					i = len(bs.submitQueue)
					continue
				}
				// A parked write does not gate later syncs: it
				// was never dispatched, so no sync captures it.
				// Same-object ordering is enforced at dispatch.
				i++
				continue
			case waitFailed:
				bs.submitQueue = append(bs.submitQueue[:i], bs.submitQueue[i+1:]...)
				continue
			}
		}

		remove := false
		stop := false

		switch op.Opcode {
		case OpRead:
			if bs.dequeueRead(op) == submitBusy {
				stop = true
			} else {
				remove = true
			}

		case OpWrite, OpWriteStable, OpDelete:
			if hasWrites == 2 {
				i++
				continue
			}
			if !bs.prepareWrite(op) {
				remove = true
				break
			}
			if bs.dequeueWrite(op) == submitBusy {
				hasWrites = 2
				i++
				continue
			}
			hasWrites = 1
			remove = true

		case OpSync, OpSyncStabAll:
			if hasWrites != 0 {
				i++
				continue
			}
			switch bs.continueSync(op) {
			case submitBusy:
				stop = true
			case submitInProgress:
				i++
			case submitDone:
				remove = true
			}

		case OpStable, OpRollback:
			st := bs.dequeueStable(op)
			if st == submitBusy {
				stop = true
			} else if st == submitInProgress {
				i++
			} else {
				remove = true
			}

		case OpList:
			bs.dequeueList(op)
			remove = true
		}

		if remove {
			bs.submitQueue = append(bs.submitQueue[:i], bs.submitQueue[i+1:]...)
		}
		if stop {
			break
		}
	}

	bs.fl.loop()

	queued := len(bs.submitQueue) > 0
	bs.queueStall = queued && bs.rng.SpaceLeft() == spaceBefore && !bs.rng.HasInflight()

	bs.unsyncedCnt.Store(int64(len(bs.unsyncedBig) + len(bs.unsyncedSmall) + len(bs.inProgressSyncs)))
	bs.flusherBusy.Store(int64(bs.fl.pending()))
}

// checkWait re-examines a parked op's suspension reason.
func (bs *Blockstore) checkWait(op *Op) int {
	switch op.priv.waitFor {
	case waitSQE:
		need := op.priv.waitDetail
		if need > uint64(bs.cfg.QueueDepth) {
			need = uint64(bs.cfg.QueueDepth)
		}
		if bs.rng.SpaceLeft() < int(need) {
			return stillWaiting
		}

	case waitJournal:
		if bs.jrn.usedStart == op.priv.waitDetail {
			bs.fl.requestTrim()
			return stillWaiting
		}

	case waitJournalBuffer:
		if bs.jrn.sectors[op.priv.waitDetail].flushCount > 0 {
			return stillWaiting
		}

	case waitFree:
		if bs.alloc.GetFreeCount() == 0 {
			if !bs.fl.isActive() && !bs.stabilizationPending() {
				bs.cancelDirty(ObjVer{Oid: op.Oid, Version: op.Version})
				bs.finishOp(op, -int(unix.ENOSPC))
				return waitFailed
			}
			return stillWaiting
		}
	}

	op.priv.waitFor = waitNone
	op.priv.waitDetail = 0
	return waitResolved
}

// stabilizationPending reports whether anything in flight could still free
// data blocks: an unfinished sync chain, or a queued sync/stable op. While
// true, an allocator-empty condition is transient, not ENOSPC.
func (bs *Blockstore) stabilizationPending() bool {
	if len(bs.inProgressSyncs) > 0 {
		return true
	}
	for _, op := range bs.submitQueue {
		switch op.Opcode {
		case OpSync, OpSyncStabAll, OpStable:
			return true
		}
	}
	return false
}

// park suspends the op on a wait reason.
func (op *Op) park(reason int, detail uint64) int {
	op.priv.waitFor = reason
	op.priv.waitDetail = detail
	return submitBusy
}

// fatal aborts the engine on an unrecoverable device error: in-memory state
// may already diverge from disk, so no partial recovery is attempted.
func (bs *Blockstore) fatal(what string, res int64) {
	log.Fatal().Str("io", what).Int64("result", res).Msg("Unrecoverable device error.")
}
