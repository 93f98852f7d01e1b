package snapshot

import (
	"github.com/RoaringBitmap/roaring/roaring64"
)

// Delta is the applied operation set between two snapshots of one tile.
type Delta struct {
	Inserts []PKRecord
	Updates []PKRecord
	Deletes []PKRecord
}

func (d Delta) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// Diff computes the head/tail delta: inserts are tail\head, deletes are
// head\tail, updates are the pk intersection where the tail writetime
// advanced. Updates are generated only when the writetime column is
// configured; without it re-appearing keys fold into inserts on the
// target's INSERT semantics.
func Diff(head, tail []PKRecord, withTs bool) Delta {
	headSet := roaring64.New()
	headTs := make(map[uint64]int64, len(head))
	for _, rec := range head {
		h := HashPK(rec.Vals)
		headSet.Add(h)
		headTs[h] = rec.Ts
	}
	tailSet := roaring64.New()
	for _, rec := range tail {
		tailSet.Add(HashPK(rec.Vals))
	}

	var delta Delta
	for _, rec := range tail {
		h := HashPK(rec.Vals)
		if !headSet.Contains(h) {
			delta.Inserts = append(delta.Inserts, rec)
			continue
		}
		if withTs && rec.Ts > headTs[h] {
			delta.Updates = append(delta.Updates, rec)
		}
	}
	for _, rec := range head {
		if !tailSet.Contains(HashPK(rec.Vals)) {
			delta.Deletes = append(delta.Deletes, rec)
		}
	}
	return delta
}
