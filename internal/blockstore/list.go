// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockstore

import (
	"sort"
)

// dequeueList answers a LIST synchronously from the in-memory maps: all
// object versions matching the inode-range and placement-group filter,
// split into a stable prefix and an unstable suffix.
//
// A stable dirty version replaces the clean version of the same object in
// the prefix; a stable delete removes it; every unstable version is
// reported in the suffix.
func (bs *Blockstore) dequeueList(op *Op) {
	minInode := op.MinInode
	maxInode := op.MaxInode
	if maxInode == 0 {
		maxInode = ^uint64(0)
	}
	pgStripe := op.PGStripeSize
	if pgStripe == 0 {
		pgStripe = 1
	}

	match := func(oid ObjectID) bool {
		if oid.Inode < minInode || oid.Inode > maxInode {
			return false
		}
		if op.PGCount != 0 && oid.Stripe/pgStripe%op.PGCount != op.PG {
			return false
		}
		return true
	}

	stable := make(map[ObjectID]uint64)
	for oid, ce := range bs.clean {
		if match(oid) {
			stable[oid] = ce.Version
		}
	}

	var unstable []ObjVer
	bs.dirty.ascend(func(ov ObjVer, e *DirtyEntry) bool {
		if !match(ov.Oid) {
			return true
		}
		if e.state.stable() {
			if e.state.kind() == kindDelete {
				delete(stable, ov.Oid)
			} else if stable[ov.Oid] < ov.Version {
				stable[ov.Oid] = ov.Version
			}
		} else {
			unstable = append(unstable, ov)
		}
		return true
	})

	items := make([]ObjVer, 0, len(stable)+len(unstable))
	for oid, ver := range stable {
		items = append(items, ObjVer{Oid: oid, Version: ver})
	}
	sort.Slice(items, func(i, k int) bool { return items[i].Less(items[k]) })

	op.Items = append(items, unstable...)
	op.StableCount = len(stable)

	bs.finishOp(op, 0)
}
