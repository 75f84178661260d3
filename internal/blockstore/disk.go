// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"

	"github.com/asch/jbs/internal/config"
)

const (
	superblockMagic   uint64 = 0x6a62732d73757062
	superblockVersion uint32 = 1

	// Object id (16) + version (8).
	cleanEntryHeaderSize = 24

	// zero u64 + magic u64 + version u32 + meta_block_size u32 +
	// data_block_size u32 + bitmap_granularity u32.
	superblockSize = 32
)

// disk owns the file descriptors and the derived geometry of the three
// storage regions. The data, metadata and journal devices may share a
// physical file at different offsets; descriptors are deduplicated by path.
type disk struct {
	cfg config.Disk

	dataFile    *os.File
	metaFile    *os.File
	journalFile *os.File

	dataFD    int
	metaFD    int
	journalFD int

	blockSize         uint64
	metaBlockSize     uint64
	blockCount        uint64
	bitmapGranularity uint64
	diskAlignment     uint64

	// Bytes per bitmap half in one clean entry.
	cleanEntryBitmapSize uint64
	cleanEntrySize       uint64
	entriesPerMetaBlock  uint64
	metaBlocks           uint64
	metaLen              uint64

	// The metadata region predates the superblock format: entries start
	// at block zero and carry no bitmap.
	legacy bool
}

func openDisk(cfg config.Disk) (*disk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d := &disk{
		cfg:               cfg,
		blockSize:         uint64(cfg.DataBlockSize),
		metaBlockSize:     uint64(cfg.MetaBlockSize),
		bitmapGranularity: uint64(cfg.BitmapGranularity),
		diskAlignment:     uint64(cfg.DiskAlignment),
	}

	files := make(map[string]*os.File)
	open := func(path string) (*os.File, error) {
		if f, ok := files[path]; ok {
			return f, nil
		}
		f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		files[path] = f
		return f, nil
	}

	var err error
	if d.dataFile, err = open(cfg.DataDevice); err != nil {
		return nil, err
	}
	if d.metaFile, err = open(cfg.MetaDevice); err != nil {
		d.close()
		return nil, err
	}
	if d.journalFile, err = open(cfg.JournalDevice); err != nil {
		d.close()
		return nil, err
	}
	d.dataFD = int(d.dataFile.Fd())
	d.metaFD = int(d.metaFile.Fd())
	d.journalFD = int(d.journalFile.Fd())

	d.blockCount = cfg.BlockCount
	if d.blockCount == 0 {
		size, err := d.dataFile.Seek(0, io.SeekEnd)
		if err != nil {
			d.close()
			return nil, err
		}
		if uint64(size) <= cfg.DataOffset {
			d.close()
			return nil, fmt.Errorf("data device is empty and block_count is not set")
		}
		d.blockCount = (uint64(size) - cfg.DataOffset) / d.blockSize
	}
	if d.blockCount == 0 {
		d.close()
		return nil, fmt.Errorf("data region holds no blocks")
	}

	d.calcLengths()

	return d, nil
}

// Derives the metadata region layout from the block geometry.
func (d *disk) calcLengths() {
	d.cleanEntryBitmapSize = d.blockSize / d.bitmapGranularity / 8
	if d.legacy {
		d.cleanEntrySize = cleanEntryHeaderSize
	} else {
		d.cleanEntrySize = cleanEntryHeaderSize + 2*d.cleanEntryBitmapSize
	}
	d.entriesPerMetaBlock = d.metaBlockSize / d.cleanEntrySize
	d.metaBlocks = (d.blockCount + d.entriesPerMetaBlock - 1) / d.entriesPerMetaBlock

	d.metaLen = d.metaBlocks * d.metaBlockSize
	if !d.legacy {
		d.metaLen += d.metaBlockSize
	}
}

// metaEntryPos returns the metadata block index and the byte offset of the
// clean entry slot for a data block.
func (d *disk) metaEntryPos(block uint64) (uint64, uint64) {
	mb := block / d.entriesPerMetaBlock
	if !d.legacy {
		mb++
	}
	return mb, (block % d.entriesPerMetaBlock) * d.cleanEntrySize
}

// metaBlockOffset returns the device byte offset of a metadata block.
func (d *disk) metaBlockOffset(mb uint64) int64 {
	return int64(d.cfg.MetaOffset + mb*d.metaBlockSize)
}

// dataBlockOffset returns the device byte offset of a data block.
func (d *disk) dataBlockOffset(block uint64) int64 {
	return int64(d.cfg.DataOffset + block*d.blockSize)
}

func (d *disk) close() {
	closed := make(map[*os.File]bool)
	for _, f := range []*os.File{d.dataFile, d.metaFile, d.journalFile} {
		if f != nil && !closed[f] {
			f.Close()
			closed[f] = true
		}
	}
}

// encodeSuperblock fills a metadata block with the superblock record.
func (d *disk) encodeSuperblock(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:], 0)
	binary.LittleEndian.PutUint64(buf[8:], superblockMagic)
	binary.LittleEndian.PutUint32(buf[16:], superblockVersion)
	binary.LittleEndian.PutUint32(buf[20:], uint32(d.metaBlockSize))
	binary.LittleEndian.PutUint32(buf[24:], uint32(d.blockSize))
	binary.LittleEndian.PutUint32(buf[28:], uint32(d.bitmapGranularity))
}

// checkSuperblock validates a read superblock against the configured
// geometry.
func (d *disk) checkSuperblock(buf []byte) error {
	if binary.LittleEndian.Uint64(buf[0:]) != 0 {
		return fmt.Errorf("bad superblock: leading word is not zero")
	}
	if binary.LittleEndian.Uint64(buf[8:]) != superblockMagic {
		return fmt.Errorf("bad superblock magic")
	}
	if v := binary.LittleEndian.Uint32(buf[16:]); v != superblockVersion {
		return fmt.Errorf("unsupported metadata format version %d", v)
	}
	if v := binary.LittleEndian.Uint32(buf[20:]); uint64(v) != d.metaBlockSize {
		return fmt.Errorf("meta_block_size mismatch: disk has %d", v)
	}
	if v := binary.LittleEndian.Uint32(buf[24:]); uint64(v) != d.blockSize {
		return fmt.Errorf("data_block_size mismatch: disk has %d", v)
	}
	if v := binary.LittleEndian.Uint32(buf[28:]); uint64(v) != d.bitmapGranularity {
		return fmt.Errorf("bitmap_granularity mismatch: disk has %d", v)
	}
	return nil
}

// Synchronous helpers used only during one-shot initialization, before the
// ring starts.

func preadFull(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pread(fd, buf, off)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

func pwriteFull(fd int, buf []byte, off int64) error {
	for len(buf) > 0 {
		n, err := unix.Pwrite(fd, buf, off)
		if err != nil {
			return err
		}
		buf = buf[n:]
		off += int64(n)
	}
	return nil
}

func zeroed(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
