// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ring

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFile(t *testing.T) *os.File {
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "ring.dat"), os.O_RDWR|os.O_CREATE, 0644)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// Drives the ring until done reports true.
func drive(t *testing.T, r *Ring, done func() bool) {
	for i := 0; i < 1000 && !done(); i++ {
		r.Wakeup()
		r.Loop()
	}
	require.True(t, done())
}

func TestWriteReadRoundtrip(t *testing.T) {
	f := testFile(t)
	r := New(16, 2)
	defer r.Close()

	payload := bytes.Repeat([]byte{0xab}, 4096)
	var wrote, read bool

	sqe := r.GetSQE()
	require.NotNil(t, sqe)
	sqe.Opcode = OpWrite
	sqe.FD = int(f.Fd())
	sqe.Offset = 8192
	sqe.Buf = payload
	sqe.Callback = func(res int64) {
		assert.Equal(t, int64(len(payload)), res)
		wrote = true
	}

	drive(t, r, func() bool { return wrote })

	got := make([]byte, 4096)
	sqe = r.GetSQE()
	require.NotNil(t, sqe)
	sqe.Opcode = OpRead
	sqe.FD = int(f.Fd())
	sqe.Offset = 8192
	sqe.Buf = got
	sqe.Callback = func(res int64) {
		assert.Equal(t, int64(len(got)), res)
		read = true
	}

	drive(t, r, func() bool { return read })
	assert.Equal(t, payload, got)
}

func TestFsync(t *testing.T) {
	f := testFile(t)
	r := New(16, 2)
	defer r.Close()

	var synced bool
	sqe := r.GetSQE()
	require.NotNil(t, sqe)
	sqe.Opcode = OpFsync
	sqe.FD = int(f.Fd())
	sqe.Callback = func(res int64) {
		assert.Equal(t, int64(0), res)
		synced = true
	}

	drive(t, r, func() bool { return synced })
}

func TestRingFull(t *testing.T) {
	r := New(4, 1)
	defer r.Close()

	for i := 0; i < 4; i++ {
		require.NotNil(t, r.GetSQE())
	}
	assert.Nil(t, r.GetSQE(), "a full ring must hand out nil, not block")
	assert.Equal(t, 0, r.SpaceLeft())

	r.Restore(0)
	assert.Equal(t, 4, r.SpaceLeft())
}

func TestSaveRestore(t *testing.T) {
	f := testFile(t)
	r := New(8, 1)
	defer r.Close()

	executed := 0
	prep := func() {
		sqe := r.GetSQE()
		require.NotNil(t, sqe)
		sqe.Opcode = OpFsync
		sqe.FD = int(f.Fd())
		sqe.Callback = func(int64) { executed++ }
	}

	prep()
	saved := r.Save()
	prep()
	prep()
	// Abandon the second and third preparation atomically.
	r.Restore(saved)

	drive(t, r, func() bool { return !r.HasInflight() && executed > 0 })
	assert.Equal(t, 1, executed)
}

func TestConsumersRunEachIteration(t *testing.T) {
	r := New(4, 1)
	defer r.Close()

	runs := 0
	r.RegisterConsumer(func() { runs++ })

	r.Wakeup()
	r.Loop()
	r.Wakeup()
	r.Loop()

	assert.Equal(t, 2, runs)
}
