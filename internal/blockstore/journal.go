// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/ncw/directio"

	"github.com/asch/jbs/internal/blockstore/ring"
)

// Journal entry types.
const (
	jeStart      uint16 = 1
	jeSmallWrite uint16 = 2
	jeBigWrite   uint16 = 3
	jeStable     uint16 = 4
	jeDelete     uint16 = 5
	jeRollback   uint16 = 6
)

const (
	jeMagic uint16 = 0x6a62

	// crc32 u32 + magic u16 + type u16 + size u32 + crc32_prev u32.
	jeHeaderSize = 16

	// seq u64 + data_start u64 + start_crc u32.
	jeStartSize = jeHeaderSize + 20

	// oid 16 + version 8 + offset 4 + len 4 + data_offset 8 + data_crc 4.
	jeSmallWriteSize = jeHeaderSize + 44

	// oid 16 + version 8 + offset 4 + len 4 + location 8.
	jeBigWriteSize = jeHeaderSize + 40

	// oid 16 + version 8.
	jeDeleteSize = jeHeaderSize + 24

	// count u32 + count * (oid 16 + version 8).
	jeListBaseSize = jeHeaderSize + 4
	jeListItemSize = 24
)

// In-memory bookkeeping for one journal sector. The sector cannot be reused
// while usageCount is nonzero and cannot be appended to or rewritten while
// flushCount is nonzero.
type journalSector struct {
	usageCount uint32
	dirty      bool
	flushCount uint32

	// CRC chain value at the first entry of this sector, recorded so a
	// trim anchor can point recovery at any sector boundary.
	startCRC uint32
}

// journal is the circular write-ahead log. Sector zero holds the START
// anchor; sectors 1..n-1 form the circular entry space. The whole region is
// mirrored in an aligned memory buffer; usedStart and nextFree are byte
// offsets relative to the region start. Entries never straddle a sector
// boundary; inline small-write data always starts on one.
type journal struct {
	fd         int
	offset     uint64
	len        uint64
	sectorSize uint64

	buffer  []byte
	sectors []journalSector

	usedStart uint64
	nextFree  uint64

	// Number of circular sectors inside [usedStart, nextFree). Appends
	// grow it, trimming shrinks it; one sector always stays free so the
	// frontier can never run into the tail.
	usedSectors int

	crc32Last uint32
	seq       uint64
}

func newJournal(d *disk) *journal {
	j := &journal{
		fd:         d.journalFD,
		offset:     d.cfg.JournalOffset,
		len:        d.cfg.JournalSize,
		sectorSize: d.metaBlockSize,
	}
	j.buffer = directio.AlignedBlock(int(j.len))
	j.sectors = make([]journalSector, j.len/j.sectorSize)
	j.usedStart = j.sectorSize
	j.nextFree = j.sectorSize
	j.seq = 1

	return j
}

func (j *journal) sectorCount() int {
	return len(j.sectors)
}

func (j *journal) sectorOf(off uint64) int {
	return int(off / j.sectorSize)
}

func (j *journal) sectorAlign(off uint64) uint64 {
	return off - off%j.sectorSize
}

// secAfter returns the next circular sector, skipping the anchor.
func (j *journal) secAfter(sec int) int {
	sec++
	if sec >= j.sectorCount() {
		sec = 1
	}
	return sec
}

// secAt returns the i-th sector of a run starting at sector start, wrapping
// around the circular space.
func (j *journal) secAt(start, i int) int {
	return (start-1+i)%(j.sectorCount()-1) + 1
}

// use pins a sector for a dirty entry; release drops the pin once the entry
// has been flushed to its final home.
func (j *journal) use(sec int) {
	j.sectors[sec].usageCount++
}

func (j *journal) release(sec int) {
	j.sectors[sec].usageCount--
}

// Normalizes a relative offset that ran past the region end back to the
// first circular sector.
func (j *journal) wrap(off uint64) uint64 {
	if off >= j.len {
		return j.sectorSize
	}
	return off
}

// checkSpace verifies that `entries` entries of entrySize bytes each plus
// dataLen bytes of sector-aligned inline data can be appended right now.
// Returns waitNone, or the suspension reason with its detail: the usedStart
// that has to move for wait-journal, the busy sector for wait-journal-buffer.
func (j *journal) checkSpace(entries int, entrySize, dataLen uint64) (int, uint64) {
	pos := j.wrap(j.nextFree)

	// The frontier sector must not be mid-write.
	if fc := j.sectors[j.sectorOf(j.sectorAlign(pos))].flushCount; fc > 0 {
		return waitJournalBuffer, uint64(j.sectorOf(j.sectorAlign(pos)))
	}

	entered := 0
	enter := func(sec int) (int, uint64) {
		entered++
		if j.usedSectors+entered > j.sectorCount()-2 {
			return waitJournal, j.usedStart
		}
		if j.sectors[sec].flushCount > 0 {
			return waitJournalBuffer, uint64(sec)
		}
		return waitNone, 0
	}

	if pos%j.sectorSize == 0 {
		if w, det := enter(j.sectorOf(pos)); w != waitNone {
			return w, det
		}
	}

	for i := 0; i < entries; i++ {
		if j.sectorSize-pos%j.sectorSize < entrySize {
			pos = j.wrap(j.sectorAlign(pos) + j.sectorSize)
			if w, det := enter(j.sectorOf(pos)); w != waitNone {
				return w, det
			}
		}
		pos += entrySize
	}

	for done := uint64(0); done < dataLen; done += j.sectorSize {
		if pos%j.sectorSize != 0 {
			pos = j.sectorAlign(pos) + j.sectorSize
		}
		pos = j.wrap(pos)
		if w, det := enter(j.sectorOf(pos)); w != waitNone {
			return w, det
		}
		pos += j.sectorSize
	}

	return waitNone, 0
}

// allocEntry reserves size bytes for an entry, padding out the current
// sector when the entry would not fit. Returns the buffer offset. Space must
// have been verified by checkSpace.
func (j *journal) allocEntry(size uint64) uint64 {
	j.nextFree = j.wrap(j.nextFree)

	rem := j.sectorSize - j.nextFree%j.sectorSize
	if j.nextFree%j.sectorSize == 0 {
		j.sectors[j.sectorOf(j.nextFree)].startCRC = j.crc32Last
		j.usedSectors++
	} else if rem < size {
		pad := j.buffer[j.nextFree : j.nextFree+rem]
		for i := range pad {
			pad[i] = 0
		}
		j.sectors[j.sectorOf(j.nextFree)].dirty = true
		j.nextFree = j.wrap(j.nextFree + rem)
		j.sectors[j.sectorOf(j.nextFree)].startCRC = j.crc32Last
		j.usedSectors++
	}

	off := j.nextFree
	j.nextFree += size
	j.sectors[j.sectorOf(off)].dirty = true

	return off
}

// allocData reserves whole sectors for small-write inline data and copies
// the data in, zero-padding the last sector. The abandoned tail of the
// current entry sector is zeroed so replay sees a clean terminator. Returns
// the data offset and the first sector plus sector count; the run may wrap.
func (j *journal) allocData(data []byte) (uint64, int, int) {
	if j.nextFree%j.sectorSize != 0 {
		tail := j.buffer[j.nextFree : j.sectorAlign(j.nextFree)+j.sectorSize]
		for i := range tail {
			tail[i] = 0
		}
		j.nextFree = j.sectorAlign(j.nextFree) + j.sectorSize
	}
	j.nextFree = j.wrap(j.nextFree)

	off := j.nextFree
	first := j.sectorOf(off)
	count := int((uint64(len(data)) + j.sectorSize - 1) / j.sectorSize)

	remaining := data
	for i := 0; i < count; i++ {
		sec := j.secAt(first, i)
		dst := j.buffer[uint64(sec)*j.sectorSize : (uint64(sec)+1)*j.sectorSize]
		n := copy(dst, remaining)
		for t := n; t < len(dst); t++ {
			dst[t] = 0
		}
		remaining = remaining[n:]

		j.sectors[sec].dirty = true
		j.sectors[sec].startCRC = j.crc32Last
		j.usedSectors++
	}

	last := j.secAt(first, count-1)
	j.nextFree = j.wrap(uint64(last+1) * j.sectorSize)

	return off, first, count
}

// readDataAt copies inline data from the circular sector run starting at
// the sector-aligned offset base, skipping skip bytes into the run.
func (j *journal) readDataAt(base uint64, skip uint64, out []byte) {
	first := j.sectorOf(base)
	i := int(skip / j.sectorSize)
	off := skip % j.sectorSize
	for len(out) > 0 {
		sec := j.secAt(first, i)
		src := j.buffer[uint64(sec)*j.sectorSize+off : (uint64(sec)+1)*j.sectorSize]
		n := copy(out, src)
		out = out[n:]
		off = 0
		i++
	}
}

// fillHeader writes everything of the entry header except the CRC.
func (j *journal) fillHeader(e []byte, typ uint16) {
	binary.LittleEndian.PutUint32(e[0:], 0)
	binary.LittleEndian.PutUint16(e[4:], jeMagic)
	binary.LittleEndian.PutUint16(e[6:], typ)
	binary.LittleEndian.PutUint32(e[8:], uint32(len(e)))
	binary.LittleEndian.PutUint32(e[12:], j.crc32Last)
}

// finishEntry seals the entry CRC and links the running chain to it.
func (j *journal) finishEntry(e []byte) {
	binary.LittleEndian.PutUint32(e[0:], 0)
	crc := crc32.ChecksumIEEE(e)
	binary.LittleEndian.PutUint32(e[0:], crc)
	j.crc32Last = crc
}

// prepareSectorWrite queues an SQE flushing one sector of the in-memory
// journal image to the device. The caller must have verified SQE
// availability.
func (j *journal) prepareSectorWrite(r *ring.Ring, sec int, cb ring.CompletionFn) {
	sqe := r.GetSQE()
	sqe.Opcode = ring.OpWrite
	sqe.FD = j.fd
	sqe.Offset = int64(j.offset + uint64(sec)*j.sectorSize)
	sqe.Buf = j.buffer[uint64(sec)*j.sectorSize : (uint64(sec)+1)*j.sectorSize]
	sqe.Callback = func(res int64) {
		j.sectors[sec].flushCount--
		cb(res)
	}

	j.sectors[sec].dirty = false
	j.sectors[sec].flushCount++
}

// prepareFsync queues a journal device fsync SQE.
func (j *journal) prepareFsync(r *ring.Ring, cb ring.CompletionFn) {
	sqe := r.GetSQE()
	sqe.Opcode = ring.OpFsync
	sqe.FD = j.fd
	sqe.Callback = cb
}

// encodeAnchor rebuilds sector zero with a fresh START entry pointing
// recovery at target, the usedStart a pending trim will commit.
func (j *journal) encodeAnchor(target uint64) {
	sector := j.buffer[:j.sectorSize]
	for i := range sector {
		sector[i] = 0
	}

	e := sector[:jeStartSize]
	binary.LittleEndian.PutUint16(e[4:], jeMagic)
	binary.LittleEndian.PutUint16(e[6:], jeStart)
	binary.LittleEndian.PutUint32(e[8:], uint32(len(e)))
	binary.LittleEndian.PutUint32(e[12:], 0)
	startCRC := j.sectors[j.sectorOf(target)].startCRC
	if target == j.wrap(j.nextFree) && j.nextFree%j.sectorSize == 0 {
		// The journal drains empty: the next entry chains off the
		// current running CRC, not off whatever the frontier sector
		// last held.
		startCRC = j.crc32Last
	}

	binary.LittleEndian.PutUint64(e[16:], j.seq)
	binary.LittleEndian.PutUint64(e[24:], target)
	binary.LittleEndian.PutUint32(e[32:], startCRC)

	crc := crc32.ChecksumIEEE(e)
	binary.LittleEndian.PutUint32(e[0:], crc)

	j.sectors[0].dirty = true
}

// trimPeek computes how far usedStart could move over fully released
// sectors, without committing: the freed sectors must not be reused until
// the anchor recording the move is durable. The frontier sector holding
// nextFree is never passed.
func (j *journal) trimPeek() (uint64, int, bool) {
	frontier := j.sectorAlign(j.wrap(j.nextFree))

	target := j.usedStart
	freed := 0
	for target != frontier {
		if j.sectors[j.sectorOf(target)].usageCount > 0 {
			break
		}
		target = j.wrap(target + j.sectorSize)
		freed++
	}
	return target, freed, freed > 0
}

// trimCommit publishes a trim whose anchor has been fsynced: the freed
// sectors become reusable.
func (j *journal) trimCommit(target uint64, freed int) {
	j.usedStart = target
	j.usedSectors -= freed
}

// Decoded journal record used by replay.
type jrecord struct {
	typ  uint16
	crc  uint32
	prev uint32
	size uint32

	ov       ObjVer
	offset   uint32
	dataLen  uint32
	dataOff  uint64
	dataCRC  uint32
	location uint64

	seq       uint64
	dataStart uint64
	startCRC  uint32

	items []ObjVer
}

// decodeEntry parses and CRC-verifies one journal entry at the head of buf.
// buf extends at most to the end of the sector; a zeroed or foreign header
// terminates the sector.
func decodeEntry(buf []byte) (*jrecord, bool) {
	if len(buf) < jeHeaderSize {
		return nil, false
	}
	if binary.LittleEndian.Uint16(buf[4:]) != jeMagic {
		return nil, false
	}

	r := &jrecord{
		crc:  binary.LittleEndian.Uint32(buf[0:]),
		typ:  binary.LittleEndian.Uint16(buf[6:]),
		size: binary.LittleEndian.Uint32(buf[8:]),
		prev: binary.LittleEndian.Uint32(buf[12:]),
	}
	if r.size < jeHeaderSize || uint64(r.size) > uint64(len(buf)) {
		return nil, false
	}

	e := make([]byte, r.size)
	copy(e, buf[:r.size])
	binary.LittleEndian.PutUint32(e[0:], 0)
	if crc32.ChecksumIEEE(e) != r.crc {
		return nil, false
	}

	body := buf[jeHeaderSize:r.size]
	switch r.typ {
	case jeStart:
		if r.size != jeStartSize {
			return nil, false
		}
		r.seq = binary.LittleEndian.Uint64(body[0:])
		r.dataStart = binary.LittleEndian.Uint64(body[8:])
		r.startCRC = binary.LittleEndian.Uint32(body[16:])
	case jeSmallWrite:
		if r.size != jeSmallWriteSize {
			return nil, false
		}
		r.ov = decodeObjVer(body)
		r.offset = binary.LittleEndian.Uint32(body[24:])
		r.dataLen = binary.LittleEndian.Uint32(body[28:])
		r.dataOff = binary.LittleEndian.Uint64(body[32:])
		r.dataCRC = binary.LittleEndian.Uint32(body[40:])
	case jeBigWrite:
		if r.size != jeBigWriteSize {
			return nil, false
		}
		r.ov = decodeObjVer(body)
		r.offset = binary.LittleEndian.Uint32(body[24:])
		r.dataLen = binary.LittleEndian.Uint32(body[28:])
		r.location = binary.LittleEndian.Uint64(body[32:])
	case jeDelete:
		if r.size != jeDeleteSize {
			return nil, false
		}
		r.ov = decodeObjVer(body)
	case jeStable, jeRollback:
		if r.size < jeListBaseSize {
			return nil, false
		}
		count := binary.LittleEndian.Uint32(body[0:])
		if count > uint32(len(body)-4)/jeListItemSize {
			return nil, false
		}
		r.items = make([]ObjVer, count)
		for i := range r.items {
			r.items[i] = decodeObjVer(body[4+i*jeListItemSize:])
		}
	default:
		return nil, false
	}

	return r, true
}

func decodeObjVer(b []byte) ObjVer {
	return ObjVer{
		Oid: ObjectID{
			Inode:  binary.LittleEndian.Uint64(b[0:]),
			Stripe: binary.LittleEndian.Uint64(b[8:]),
		},
		Version: binary.LittleEndian.Uint64(b[16:]),
	}
}

func encodeObjVer(b []byte, ov ObjVer) {
	binary.LittleEndian.PutUint64(b[0:], ov.Oid.Inode)
	binary.LittleEndian.PutUint64(b[8:], ov.Oid.Stripe)
	binary.LittleEndian.PutUint64(b[16:], ov.Version)
}
