// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ncw/directio"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// initStore is the one-shot reader run by Open before the loop starts: it
// recognizes a fresh device and formats it, otherwise it rebuilds the clean
// DB from the metadata region and the dirty DB from the journal. All I/O
// here is synchronous; the ring is not involved yet.
func (bs *Blockstore) initStore() error {
	d := bs.dsk

	sb := directio.AlignedBlock(int(d.metaBlockSize))
	err := preadFull(d.metaFD, sb, int64(d.cfg.MetaOffset))
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF) || err == nil && zeroed(sb):
		if bs.readonly {
			return fmt.Errorf("device is not formatted")
		}
		return bs.formatStore()
	case err != nil:
		return fmt.Errorf("reading superblock: %w", err)
	}

	if binary.LittleEndian.Uint64(sb[8:]) != superblockMagic {
		// Legacy layout: no superblock, entries from block zero, no
		// bitmap.
		d.legacy = true
		d.calcLengths()
		log.Warn().Msg("No superblock found, assuming legacy metadata layout.")
	} else if err := d.checkSuperblock(sb); err != nil {
		return err
	}

	if err := bs.loadMeta(); err != nil {
		return fmt.Errorf("reading metadata: %w", err)
	}
	if err := bs.replayJournal(); err != nil {
		return fmt.Errorf("replaying journal: %w", err)
	}

	// Everything recovered from the journal is already durable; entries
	// stabilized before the crash go back to the flusher, the rest wait
	// for an explicit STABLE. A readonly engine keeps the replayed state
	// frozen as-is.
	bs.dirty.ascend(func(ov ObjVer, e *DirtyEntry) bool {
		if e.state.stable() {
			if !bs.readonly {
				bs.fl.enqueue(ov)
			}
		} else {
			bs.noteUnstable(ov)
		}
		return true
	})

	return nil
}

// formatStore initializes a fresh store: an empty journal with its anchor,
// a zeroed metadata region, the superblock last so a crashed format is
// retried from scratch.
func (bs *Blockstore) formatStore() error {
	d := bs.dsk
	j := bs.jrn

	log.Info().Msg("Formatting a fresh store.")

	j.encodeAnchor(j.usedStart)
	if err := pwriteFull(j.fd, j.buffer, int64(j.offset)); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	if err := unix.Fdatasync(j.fd); err != nil {
		return fmt.Errorf("syncing journal: %w", err)
	}
	j.sectors[0].dirty = false

	zero := directio.AlignedBlock(int(d.metaBlockSize))
	for mb := uint64(1); mb < d.metaLen/d.metaBlockSize; mb++ {
		if err := pwriteFull(d.metaFD, zero, d.metaBlockOffset(mb)); err != nil {
			return fmt.Errorf("zeroing metadata: %w", err)
		}
	}

	d.encodeSuperblock(zero)
	if err := pwriteFull(d.metaFD, zero, d.metaBlockOffset(0)); err != nil {
		return fmt.Errorf("writing superblock: %w", err)
	}
	if err := unix.Fdatasync(d.metaFD); err != nil {
		return fmt.Errorf("syncing metadata: %w", err)
	}

	return nil
}

// loadMeta scans the metadata region and rebuilds the clean DB, the block
// allocator and the bitmaps. Duplicate entries for one object keep the
// higher version; the loser's block stays free and its stale slot is
// overwritten on next reuse.
func (bs *Blockstore) loadMeta() error {
	d := bs.dsk

	// Allocated only now: the legacy detection above may have shrunk the
	// region layout.
	if d.cfg.InmemoryMetadata && bs.metaCache == nil {
		bs.metaCache = directio.AlignedBlock(int(d.metaLen))
	}

	region := bs.metaCache
	if region == nil {
		region = directio.AlignedBlock(int(d.metaLen))
	}
	if err := preadFull(d.metaFD, region, int64(d.cfg.MetaOffset)); err != nil {
		return err
	}

	owner := make(map[ObjectID]uint64)

	for block := uint64(0); block < d.blockCount; block++ {
		mb, slotOff := d.metaEntryPos(block)
		slot := region[mb*d.metaBlockSize+slotOff : mb*d.metaBlockSize+slotOff+d.cleanEntrySize]
		if zeroed(slot[:cleanEntryHeaderSize]) {
			continue
		}

		oid := ObjectID{
			Inode:  binary.LittleEndian.Uint64(slot[0:]),
			Stripe: binary.LittleEndian.Uint64(slot[8:]),
		}
		version := binary.LittleEndian.Uint64(slot[16:])

		if prev, ok := owner[oid]; ok {
			if version <= prev {
				continue
			}
			// The older duplicate loses its block.
			bs.alloc.Free(bs.clean[oid].Location)
			zeroSlot(bs.cleanBitmap[bs.clean[oid].Location*2*d.cleanEntryBitmapSize : (bs.clean[oid].Location+1)*2*d.cleanEntryBitmapSize])
		}

		owner[oid] = version
		bs.clean[oid] = CleanEntry{Version: version, Location: block}
		bs.alloc.Set(block)

		bm := bs.cleanBitmap[block*2*d.cleanEntryBitmapSize : (block+1)*2*d.cleanEntryBitmapSize]
		if d.legacy {
			for i := uint64(0); i < d.cleanEntryBitmapSize; i++ {
				bm[i] = 0xff
			}
		} else {
			copy(bm, slot[cleanEntryHeaderSize:cleanEntryHeaderSize+2*d.cleanEntryBitmapSize])
		}
	}

	log.Info().Int("objects", len(bs.clean)).Msg("Metadata loaded.")
	return nil
}

// replayJournal walks the CRC chain from the anchor and reconstructs the
// dirty DB. The walk truncates at the first chain break; everything before
// it was covered by a journal fsync or is harmlessly replayed again.
func (bs *Blockstore) replayJournal() error {
	j := bs.jrn

	if err := preadFull(j.fd, j.buffer, int64(j.offset)); err != nil {
		return err
	}

	anchor, ok := decodeEntry(j.buffer[:j.sectorSize])
	if !ok || anchor.typ != jeStart {
		return fmt.Errorf("corrupt journal anchor")
	}
	if anchor.dataStart%j.sectorSize != 0 || anchor.dataStart < j.sectorSize || anchor.dataStart >= j.len {
		return fmt.Errorf("journal anchor points outside the journal")
	}

	j.seq = anchor.seq
	j.usedStart = anchor.dataStart

	crcChain := anchor.startCRC
	pos := anchor.dataStart
	j.sectors[j.sectorOf(pos)].startCRC = crcChain

	visited := 0
	resume := -1
	entries := 0

	for {
		sectorEnd := j.sectorAlign(pos) + j.sectorSize
		rec, ok := decodeEntry(j.buffer[pos:sectorEnd])

		if ok && rec.typ != jeStart && rec.prev == crcChain {
			if !bs.applyReplayed(rec, pos) {
				break
			}
			crcChain = rec.crc
			entries++
			if rec.typ == jeSmallWrite {
				cnt := int((uint64(rec.dataLen) + j.sectorSize - 1) / j.sectorSize)
				resume = j.secAt(j.sectorOf(rec.dataOff), cnt-1)
			}
			pos += uint64(rec.size)
			if pos < sectorEnd {
				continue
			}
		} else if ok {
			// A valid entry from an older epoch: end of log.
			break
		} else if pos%j.sectorSize == 0 {
			// Nothing valid at a sector start: end of log.
			break
		}

		// Sector exhausted or padded out: continue at the next one,
		// skipping inline data sectors.
		next := j.secAfter(j.sectorOf(j.sectorAlign(pos)))
		if resume >= 0 {
			next = j.secAfter(resume)
			resume = -1
		}
		visited++
		if visited >= j.sectorCount() {
			break
		}
		pos = uint64(next) * j.sectorSize
		j.sectors[next].startCRC = crcChain
	}

	j.nextFree = pos
	j.crc32Last = crcChain

	frontier := j.sectorOf(j.sectorAlign(j.wrap(j.nextFree)))
	used := j.sectorOf(j.usedStart)
	j.usedSectors = (frontier - used + j.sectorCount() - 1) % (j.sectorCount() - 1)
	if j.nextFree%j.sectorSize != 0 {
		j.usedSectors++
	}

	log.Info().Int("entries", entries).Uint64("used_start", j.usedStart).Uint64("next_free", j.nextFree).Msg("Journal replayed.")
	return nil
}

// applyReplayed applies one chained journal record to the in-memory state.
// Returns false when the record fails deep validation and replay must
// truncate before it.
func (bs *Blockstore) applyReplayed(rec *jrecord, pos uint64) bool {
	j := bs.jrn

	switch rec.typ {
	case jeSmallWrite:
		if rec.dataLen == 0 || uint64(rec.offset)+uint64(rec.dataLen) > bs.dsk.blockSize ||
			rec.dataOff%j.sectorSize != 0 || rec.dataOff < j.sectorSize || rec.dataOff >= j.len {
			return false
		}
		data := make([]byte, rec.dataLen)
		j.readDataAt(rec.dataOff, 0, data)
		if crc32.ChecksumIEEE(data) != rec.dataCRC {
			return false
		}

		cnt := int((uint64(rec.dataLen) + j.sectorSize - 1) / j.sectorSize)
		e := &DirtyEntry{
			state:           kindSmallWrite | durSynced,
			location:        rec.dataOff,
			offset:          rec.offset,
			len:             rec.dataLen,
			journalSector:   j.sectorOf(pos),
			dataSector:      j.sectorOf(rec.dataOff),
			dataSectorCount: cnt,
			hasJournalEntry: true,
		}
		bs.dirty.insert(ObjVer{Oid: rec.ov.Oid, Version: rec.ov.Version}, e)
		j.use(e.journalSector)
		for i := 0; i < cnt; i++ {
			j.use(j.secAt(e.dataSector, i))
		}

	case jeBigWrite:
		if rec.location >= bs.dsk.blockCount {
			return false
		}
		e := &DirtyEntry{
			state:           kindBigWrite | durMetaSynced,
			location:        rec.location,
			offset:          rec.offset,
			len:             rec.dataLen,
			journalSector:   j.sectorOf(pos),
			hasJournalEntry: true,
		}
		bs.dirty.insert(ObjVer{Oid: rec.ov.Oid, Version: rec.ov.Version}, e)
		bs.alloc.Set(rec.location)
		j.use(e.journalSector)

	case jeDelete:
		e := &DirtyEntry{
			state:           kindDelete | durSynced,
			journalSector:   j.sectorOf(pos),
			hasJournalEntry: true,
		}
		bs.dirty.insert(ObjVer{Oid: rec.ov.Oid, Version: rec.ov.Version}, e)
		j.use(e.journalSector)

	case jeStable:
		for _, ov := range rec.items {
			if e := bs.dirty.get(ov); e != nil {
				e.state |= flagStable
			}
		}

	case jeRollback:
		for _, item := range rec.items {
			var drop []ObjVer
			bs.dirty.ascendObject(item.Oid, item.Version, func(ov ObjVer, _ *DirtyEntry) bool {
				drop = append(drop, ov)
				return true
			})
			for _, ov := range drop {
				bs.cancelDirty(ov)
			}
		}

	default:
		return false
	}

	return true
}
