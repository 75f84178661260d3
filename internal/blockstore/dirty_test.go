// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirtyDBOrdering(t *testing.T) {
	d := newDirtyDB()

	a := ObjectID{Inode: 1, Stripe: 0}
	b := ObjectID{Inode: 1, Stripe: 1}

	for _, ov := range []ObjVer{
		{Oid: b, Version: 1},
		{Oid: a, Version: 3},
		{Oid: a, Version: 1},
		{Oid: a, Version: 2},
	} {
		d.insert(ov, &DirtyEntry{state: kindSmallWrite | durIn})
	}

	var walked []ObjVer
	d.ascend(func(ov ObjVer, _ *DirtyEntry) bool {
		walked = append(walked, ov)
		return true
	})

	want := []ObjVer{
		{Oid: a, Version: 1},
		{Oid: a, Version: 2},
		{Oid: a, Version: 3},
		{Oid: b, Version: 1},
	}
	if diff := cmp.Diff(want, walked); diff != "" {
		t.Errorf("ascend order mismatch (-want +got):\n%s", diff)
	}
}

func TestDirtyDBLastVersion(t *testing.T) {
	d := newDirtyDB()
	a := ObjectID{Inode: 1, Stripe: 0}
	b := ObjectID{Inode: 1, Stripe: 1}

	_, ok := d.lastVersion(a)
	assert.False(t, ok)

	d.insert(ObjVer{Oid: a, Version: 2}, &DirtyEntry{})
	d.insert(ObjVer{Oid: a, Version: 7}, &DirtyEntry{})
	d.insert(ObjVer{Oid: b, Version: 9}, &DirtyEntry{})

	v, ok := d.lastVersion(a)
	require.True(t, ok)
	assert.Equal(t, uint64(7), v)

	// The neighbour object's versions must not leak in.
	v, ok = d.lastVersion(b)
	require.True(t, ok)
	assert.Equal(t, uint64(9), v)
}

func TestDirtyDBDescendObject(t *testing.T) {
	d := newDirtyDB()
	a := ObjectID{Inode: 1, Stripe: 0}

	for v := uint64(1); v <= 5; v++ {
		d.insert(ObjVer{Oid: a, Version: v}, &DirtyEntry{})
	}
	d.insert(ObjVer{Oid: ObjectID{Inode: 2}, Version: 1}, &DirtyEntry{})

	var got []uint64
	d.descendObject(a, 3, func(ov ObjVer, _ *DirtyEntry) bool {
		got = append(got, ov.Version)
		return true
	})
	assert.Equal(t, []uint64{3, 2, 1}, got)

	got = nil
	d.ascendObject(a, 4, func(ov ObjVer, _ *DirtyEntry) bool {
		got = append(got, ov.Version)
		return true
	})
	assert.Equal(t, []uint64{4, 5}, got)
}

func TestStateTransitions(t *testing.T) {
	s := kindBigWrite | durIn
	assert.Equal(t, kindBigWrite, s.kind())
	assert.Equal(t, durIn, s.dur())
	assert.False(t, s.stable())
	assert.False(t, s.flushable())

	s = s.withDur(durMetaSynced)
	assert.Equal(t, kindBigWrite, s.kind())
	assert.True(t, s.flushable())

	s |= flagStable
	assert.True(t, s.stable())

	small := kindSmallWrite | durSynced
	assert.True(t, small.flushable())
	assert.False(t, (kindSmallWrite | durDSynced).flushable())
}
