// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAll(t *testing.T) {
	const size = 1000

	a := New(size)
	require.Equal(t, uint64(size), a.GetFreeCount())

	seen := make(map[uint64]bool)
	for i := 0; i < size; i++ {
		idx, ok := a.Allocate()
		require.True(t, ok)
		require.Less(t, idx, uint64(size))
		require.False(t, seen[idx], "block %d allocated twice", idx)
		seen[idx] = true
	}

	assert.Equal(t, uint64(0), a.GetFreeCount())
	_, ok := a.Allocate()
	assert.False(t, ok)
}

func TestFreeAndReuse(t *testing.T) {
	a := New(128)

	var blocks []uint64
	for i := 0; i < 128; i++ {
		idx, ok := a.Allocate()
		require.True(t, ok)
		blocks = append(blocks, idx)
	}

	a.Free(blocks[17])
	a.Free(blocks[99])
	assert.Equal(t, uint64(2), a.GetFreeCount())

	first, ok := a.Allocate()
	require.True(t, ok)
	second, ok := a.Allocate()
	require.True(t, ok)
	assert.ElementsMatch(t, []uint64{blocks[17], blocks[99]}, []uint64{first, second})

	_, ok = a.Allocate()
	assert.False(t, ok)
}

func TestDoubleFreeIsIgnored(t *testing.T) {
	a := New(64)
	idx, ok := a.Allocate()
	require.True(t, ok)

	a.Free(idx)
	a.Free(idx)
	assert.Equal(t, uint64(64), a.GetFreeCount())
}

func TestSet(t *testing.T) {
	a := New(300)

	a.Set(7)
	a.Set(7)
	a.Set(299)
	assert.Equal(t, uint64(298), a.GetFreeCount())

	seen := make(map[uint64]bool)
	for {
		idx, ok := a.Allocate()
		if !ok {
			break
		}
		seen[idx] = true
	}
	assert.False(t, seen[7])
	assert.False(t, seen[299])
	assert.Len(t, seen, 298)
}

func TestUnevenSize(t *testing.T) {
	// Sizes straddling word boundaries must not hand out phantom blocks.
	for _, size := range []uint64{1, 63, 64, 65, 4097} {
		a := New(size)
		count := uint64(0)
		for {
			idx, ok := a.Allocate()
			if !ok {
				break
			}
			require.Less(t, idx, size)
			count++
		}
		assert.Equal(t, size, count, "size %d", size)
	}
}
