// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ncw/directio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/asch/jbs/internal/config"
)

func testConfig(t *testing.T) config.Disk {
	dir := t.TempDir()
	return config.Disk{
		MetaDevice:        filepath.Join(dir, "meta.img"),
		DataDevice:        filepath.Join(dir, "data.img"),
		JournalDevice:     filepath.Join(dir, "journal.img"),
		JournalSize:       1 << 20,
		MetaBlockSize:     4096,
		DataBlockSize:     131072,
		BitmapGranularity: 4096,
		DiskAlignment:     4096,
		BlockCount:        16,
		FlusherCount:      2,
		QueueDepth:        128,
	}
}

type testStore struct {
	t    *testing.T
	bs   *Blockstore
	done chan struct{}
	once sync.Once
}

func openStore(t *testing.T, cfg config.Disk) *testStore {
	bs, err := Open(cfg)
	if err != nil {
		if errors.Is(err, unix.EINVAL) {
			t.Skipf("O_DIRECT not supported here: %v", err)
		}
		require.NoError(t, err)
	}

	s := &testStore{t: t, bs: bs, done: make(chan struct{})}
	go func() {
		bs.Run()
		close(s.done)
	}()
	t.Cleanup(s.stop)

	return s
}

// stop halts the loop goroutine so the test may inspect engine internals.
func (s *testStore) stop() {
	s.once.Do(func() {
		s.bs.Stop()
		<-s.done
		s.bs.Close()
	})
}

// do runs one operation to completion and returns its result code.
func (s *testStore) do(op *Op) int {
	s.t.Helper()
	done := make(chan int, 1)
	op.Callback = func(op *Op) { done <- op.Retval }
	s.bs.EnqueueOp(op)

	select {
	case r := <-done:
		return r
	case <-time.After(30 * time.Second):
		s.t.Fatal("operation timed out")
		return 0
	}
}

func (s *testStore) waitQuiescent() {
	s.t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for !s.bs.IsSafeToStop() {
		if time.Now().After(deadline) {
			s.t.Fatal("engine did not quiesce")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func pattern(b byte, n int) []byte {
	buf := directio.AlignedBlock(n)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestWriteSyncRead(t *testing.T) {
	s := openStore(t, testConfig(t))
	oid := ObjectID{Inode: 1, Stripe: 0}

	ret := s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Offset: 0, Len: 4096, Buf: pattern(0xaa, 4096)})
	assert.Equal(t, 0, ret)

	assert.Equal(t, 0, s.do(&Op{Opcode: OpSync}))

	buf := directio.AlignedBlock(4096)
	ret = s.do(&Op{Opcode: OpRead, Oid: oid, Version: 1, Offset: 0, Len: 4096, Buf: buf})
	assert.Equal(t, 4096, ret)
	assert.Equal(t, pattern(0xaa, 4096), buf)
}

func TestCrashReplay(t *testing.T) {
	cfg := testConfig(t)

	small := ObjectID{Inode: 1, Stripe: 0}
	big := ObjectID{Inode: 2, Stripe: 0}

	s := openStore(t, cfg)
	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: small, Version: 1, Len: 4096, Buf: pattern(0x11, 4096)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: big, Version: 1, Len: 131072, Buf: pattern(0x22, 131072)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSync}))
	// Simulated crash: no stabilization, no graceful drain.
	s.stop()

	r := openStore(t, cfg)
	buf := directio.AlignedBlock(4096)
	require.Equal(t, 4096, r.do(&Op{Opcode: OpRead, Oid: small, Version: 1, Len: 4096, Buf: buf}))
	assert.Equal(t, pattern(0x11, 4096), buf)

	bigBuf := directio.AlignedBlock(131072)
	require.Equal(t, 131072, r.do(&Op{Opcode: OpRead, Oid: big, Version: 1, Len: 131072, Buf: bigBuf}))
	assert.Equal(t, pattern(0x22, 131072), bigBuf)

	r.stop()
	assert.Empty(t, r.bs.unsyncedSmall)
	assert.Empty(t, r.bs.unsyncedBig)

	se := r.bs.dirty.get(ObjVer{Oid: small, Version: 1})
	require.NotNil(t, se)
	assert.Equal(t, durSynced, se.state.dur())

	be := r.bs.dirty.get(ObjVer{Oid: big, Version: 1})
	require.NotNil(t, be)
	assert.Equal(t, durMetaSynced, be.state.dur())
}

func TestRollback(t *testing.T) {
	s := openStore(t, testConfig(t))
	oid := ObjectID{Inode: 1, Stripe: 0}

	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Len: 4096, Buf: pattern(0x01, 4096)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 2, Len: 4096, Buf: pattern(0x02, 4096)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpRollback, Items: []ObjVer{{Oid: oid, Version: 2}}}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSync}))

	buf := directio.AlignedBlock(4096)
	require.Equal(t, 4096, s.do(&Op{Opcode: OpRead, Oid: oid, Len: 4096, Buf: buf}))
	assert.Equal(t, pattern(0x01, 4096), buf)

	s.stop()
	assert.Nil(t, s.bs.dirty.get(ObjVer{Oid: oid, Version: 2}))
	require.NotNil(t, s.bs.dirty.get(ObjVer{Oid: oid, Version: 1}))
}

func TestRollbackMissingVersion(t *testing.T) {
	s := openStore(t, testConfig(t))
	ret := s.do(&Op{Opcode: OpRollback, Items: []ObjVer{{Oid: ObjectID{Inode: 9}, Version: 1}}})
	assert.Equal(t, -int(unix.ENOENT), ret)
}

func TestSyncAckOrdering(t *testing.T) {
	const n = 100

	s := openStore(t, testConfig(t))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		s.bs.EnqueueOp(&Op{
			Opcode: OpWrite,
			Oid:    ObjectID{Inode: 1, Stripe: uint64(i)},
			Len:    4096,
			Buf:    pattern(byte(i), 4096),
		})

		idx := i
		wg.Add(1)
		s.bs.EnqueueOp(&Op{
			Opcode: OpSync,
			Callback: func(op *Op) {
				mu.Lock()
				order = append(order, idx)
				mu.Unlock()
				wg.Done()
			},
		})
	}

	wg.Wait()

	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, i, order[i], "sync acknowledgments must follow submission order")
	}
}

func TestBackToBackSyncs(t *testing.T) {
	s := openStore(t, testConfig(t))
	assert.Equal(t, 0, s.do(&Op{Opcode: OpSync}))
	assert.Equal(t, 0, s.do(&Op{Opcode: OpSync}))
	assert.Equal(t, 0, s.do(&Op{Opcode: OpSync}))
}

func TestSafeToStopInjectsSync(t *testing.T) {
	s := openStore(t, testConfig(t))

	require.Equal(t, 0, s.do(&Op{
		Opcode: OpWrite,
		Oid:    ObjectID{Inode: 1, Stripe: 0},
		Len:    4096,
		Buf:    pattern(0x42, 4096),
	}))

	assert.False(t, s.bs.IsSafeToStop(), "an unsynced write must hold up shutdown")
	s.waitQuiescent()
	assert.True(t, s.bs.IsSafeToStop())
}

func TestWaitFreeResolvesAfterStabilize(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockCount = 8
	s := openStore(t, cfg)

	full := pattern(0x33, 131072)
	for i := 0; i < 4; i++ {
		require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: ObjectID{Inode: 1, Stripe: uint64(i)}, Len: 131072, Buf: full}))
	}
	require.Equal(t, 0, s.do(&Op{Opcode: OpSyncStabAll}))
	s.waitQuiescent()

	// Version 2 of each object claims the remaining four blocks.
	for i := 0; i < 4; i++ {
		require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: ObjectID{Inode: 1, Stripe: uint64(i)}, Len: 131072, Buf: full}))
	}

	// Stabilizing v2 will let the flusher free the superseded v1
	// blocks; the write right behind it has to park on the free list
	// until that happens.
	stabbed := make(chan int, 1)
	s.bs.EnqueueOp(&Op{
		Opcode:   OpSyncStabAll,
		Callback: func(op *Op) { stabbed <- op.Retval },
	})

	parked := make(chan int, 1)
	s.bs.EnqueueOp(&Op{
		Opcode:   OpWrite,
		Oid:      ObjectID{Inode: 2, Stripe: 0},
		Len:      131072,
		Buf:      pattern(0x44, 131072),
		Callback: func(op *Op) { parked <- op.Retval },
	})

	select {
	case ret := <-stabbed:
		require.Equal(t, 0, ret)
	case <-time.After(30 * time.Second):
		t.Fatal("stabilize never completed")
	}

	select {
	case ret := <-parked:
		assert.Equal(t, 0, ret)
	case <-time.After(30 * time.Second):
		t.Fatal("parked write never completed")
	}

	buf := directio.AlignedBlock(131072)
	require.Equal(t, 131072, s.do(&Op{Opcode: OpRead, Oid: ObjectID{Inode: 2, Stripe: 0}, Len: 131072, Buf: buf}))
	assert.Equal(t, pattern(0x44, 131072), buf)
}

func TestBigWriteENOSPC(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlockCount = 2
	s := openStore(t, cfg)

	full := pattern(0x55, 131072)
	for i := 0; i < 2; i++ {
		require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: ObjectID{Inode: 1, Stripe: uint64(i)}, Len: 131072, Buf: full}))
	}

	// Nothing to flush, nothing to free: a hard error.
	ret := s.do(&Op{Opcode: OpWrite, Oid: ObjectID{Inode: 2, Stripe: 0}, Len: 131072, Buf: full})
	assert.Equal(t, -int(unix.ENOSPC), ret)
}

func TestStableIdempotent(t *testing.T) {
	s := openStore(t, testConfig(t))
	oid := ObjectID{Inode: 1, Stripe: 0}

	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Len: 4096, Buf: pattern(0x66, 4096)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSync}))

	items := []ObjVer{{Oid: oid, Version: 1}}
	assert.Equal(t, 0, s.do(&Op{Opcode: OpStable, Items: items}))
	assert.Equal(t, 0, s.do(&Op{Opcode: OpStable, Items: items}), "stabilizing a stable entry is a no-op")
}

func TestStableUnsyncedIsBusy(t *testing.T) {
	s := openStore(t, testConfig(t))
	oid := ObjectID{Inode: 1, Stripe: 0}

	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Len: 4096, Buf: pattern(0x66, 4096)}))
	ret := s.do(&Op{Opcode: OpStable, Items: []ObjVer{{Oid: oid, Version: 1}}})
	assert.Equal(t, -int(unix.EBUSY), ret)
}

func TestDeleteLifecycle(t *testing.T) {
	s := openStore(t, testConfig(t))
	oid := ObjectID{Inode: 1, Stripe: 0}

	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Len: 4096, Buf: pattern(0x77, 4096)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSyncStabAll}))
	s.waitQuiescent()

	require.Equal(t, 0, s.do(&Op{Opcode: OpDelete, Oid: oid}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSyncStabAll}))
	s.waitQuiescent()

	buf := directio.AlignedBlock(4096)
	ret := s.do(&Op{Opcode: OpRead, Oid: oid, Len: 4096, Buf: buf})
	assert.Equal(t, -int(unix.ENOENT), ret)
}

func TestDeleteMissingObject(t *testing.T) {
	s := openStore(t, testConfig(t))
	ret := s.do(&Op{Opcode: OpDelete, Oid: ObjectID{Inode: 42, Stripe: 0}})
	assert.Equal(t, -int(unix.ENOENT), ret)
}

func TestList(t *testing.T) {
	s := openStore(t, testConfig(t))

	objs := []ObjectID{
		{Inode: 1, Stripe: 0},
		{Inode: 1, Stripe: 1},
		{Inode: 2, Stripe: 0},
	}
	for _, oid := range objs {
		require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Len: 4096, Buf: pattern(0x01, 4096)}))
	}
	require.Equal(t, 0, s.do(&Op{Opcode: OpSync}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpStable, Items: []ObjVer{{Oid: objs[0], Version: 1}}}))

	op := &Op{Opcode: OpList}
	require.Equal(t, 0, s.do(op))

	require.Equal(t, 1, op.StableCount)
	wantStable := []ObjVer{{Oid: objs[0], Version: 1}}
	wantUnstable := []ObjVer{
		{Oid: objs[1], Version: 1},
		{Oid: objs[2], Version: 1},
	}
	if diff := cmp.Diff(wantStable, op.Items[:op.StableCount]); diff != "" {
		t.Errorf("stable prefix mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantUnstable, op.Items[op.StableCount:]); diff != "" {
		t.Errorf("unstable suffix mismatch (-want +got):\n%s", diff)
	}
}

func TestListInodeFilter(t *testing.T) {
	s := openStore(t, testConfig(t))

	for _, oid := range []ObjectID{{Inode: 1}, {Inode: 2}, {Inode: 3}} {
		require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Len: 4096, Buf: pattern(0x01, 4096)}))
	}
	require.Equal(t, 0, s.do(&Op{Opcode: OpSync}))

	op := &Op{Opcode: OpList, MinInode: 2, MaxInode: 2}
	require.Equal(t, 0, s.do(op))
	require.Len(t, op.Items, 1)
	assert.Equal(t, uint64(2), op.Items[0].Oid.Inode)
}

func TestInvalidArguments(t *testing.T) {
	s := openStore(t, testConfig(t))
	oid := ObjectID{Inode: 1, Stripe: 0}

	// Misaligned offset.
	ret := s.do(&Op{Opcode: OpWrite, Oid: oid, Offset: 17, Len: 4096, Buf: pattern(0, 4096)})
	assert.Equal(t, -int(unix.EINVAL), ret)

	// Range past the block end.
	ret = s.do(&Op{Opcode: OpRead, Oid: oid, Offset: 131072, Len: 4096, Buf: pattern(0, 4096)})
	assert.Equal(t, -int(unix.EINVAL), ret)

	// Unknown opcode.
	ret = s.do(&Op{Opcode: 99})
	assert.Equal(t, -int(unix.EINVAL), ret)

	// Stale version.
	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 5, Len: 4096, Buf: pattern(0, 4096)}))
	ret = s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 3, Len: 4096, Buf: pattern(0, 4096)})
	assert.Equal(t, -int(unix.EINVAL), ret)
}

func TestReadonly(t *testing.T) {
	cfg := testConfig(t)

	s := openStore(t, cfg)
	oid := ObjectID{Inode: 1, Stripe: 0}
	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Len: 4096, Buf: pattern(0x99, 4096)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSyncStabAll}))
	s.waitQuiescent()
	s.stop()

	cfg.Readonly = true
	r := openStore(t, cfg)

	ret := r.do(&Op{Opcode: OpWrite, Oid: oid, Len: 4096, Buf: pattern(0, 4096)})
	assert.Equal(t, -int(unix.EINVAL), ret)

	buf := directio.AlignedBlock(4096)
	require.Equal(t, 4096, r.do(&Op{Opcode: OpRead, Oid: oid, Len: 4096, Buf: buf}))
	assert.Equal(t, pattern(0x99, 4096), buf)
}

func TestAutoVersioning(t *testing.T) {
	s := openStore(t, testConfig(t))
	oid := ObjectID{Inode: 1, Stripe: 0}

	w1 := &Op{Opcode: OpWrite, Oid: oid, Len: 4096, Buf: pattern(0x01, 4096)}
	require.Equal(t, 0, s.do(w1))
	assert.Equal(t, uint64(1), w1.Version)

	w2 := &Op{Opcode: OpWrite, Oid: oid, Len: 4096, Buf: pattern(0x02, 4096)}
	require.Equal(t, 0, s.do(w2))
	assert.Equal(t, uint64(2), w2.Version)
}

func TestPartialBlockReadsZeros(t *testing.T) {
	s := openStore(t, testConfig(t))
	oid := ObjectID{Inode: 1, Stripe: 0}

	// Write only the second 4 KiB of the block.
	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Offset: 4096, Len: 4096, Buf: pattern(0xcc, 4096)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSyncStabAll}))
	s.waitQuiescent()

	buf := directio.AlignedBlock(12288)
	require.Equal(t, 12288, s.do(&Op{Opcode: OpRead, Oid: oid, Offset: 0, Len: 12288, Buf: buf}))
	assert.True(t, bytes.Equal(buf[:4096], make([]byte, 4096)), "unwritten granule reads as zeros")
	assert.Equal(t, pattern(0xcc, 4096), buf[4096:8192])
	assert.True(t, bytes.Equal(buf[8192:], make([]byte, 4096)))
}

func TestWriteStable(t *testing.T) {
	s := openStore(t, testConfig(t))
	oid := ObjectID{Inode: 1, Stripe: 0}

	require.Equal(t, 0, s.do(&Op{Opcode: OpWriteStable, Oid: oid, Version: 1, Len: 4096, Buf: pattern(0xdd, 4096)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSync}))
	s.waitQuiescent()
	s.stop()

	// The entry went through the flusher without an explicit STABLE.
	ce, ok := s.bs.clean[oid]
	require.True(t, ok)
	assert.Equal(t, uint64(1), ce.Version)
	assert.Nil(t, s.bs.dirty.get(ObjVer{Oid: oid, Version: 1}))
}

func TestCrashReplayAfterStabilize(t *testing.T) {
	cfg := testConfig(t)
	oid := ObjectID{Inode: 1, Stripe: 0}

	s := openStore(t, cfg)
	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Len: 4096, Buf: pattern(0xe1, 4096)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSyncStabAll}))
	s.waitQuiescent()
	s.stop()

	r := openStore(t, cfg)
	buf := directio.AlignedBlock(4096)
	require.Equal(t, 4096, r.do(&Op{Opcode: OpRead, Oid: oid, Len: 4096, Buf: buf}))
	assert.Equal(t, pattern(0xe1, 4096), buf)

	r.stop()
	ce, ok := r.bs.clean[oid]
	require.True(t, ok, "the stabilized version must come back from the metadata region")
	assert.Equal(t, uint64(1), ce.Version)
}

func TestInmemoryMetadata(t *testing.T) {
	cfg := testConfig(t)
	cfg.InmemoryMetadata = true
	s := openStore(t, cfg)
	oid := ObjectID{Inode: 1, Stripe: 0}

	require.Equal(t, 0, s.do(&Op{Opcode: OpWrite, Oid: oid, Version: 1, Len: 131072, Buf: pattern(0xf0, 131072)}))
	require.Equal(t, 0, s.do(&Op{Opcode: OpSyncStabAll}))
	s.waitQuiescent()

	buf := directio.AlignedBlock(131072)
	require.Equal(t, 131072, s.do(&Op{Opcode: OpRead, Oid: oid, Len: 131072, Buf: buf}))
	assert.Equal(t, pattern(0xf0, 131072), buf)
}
