package catalog

import (
	"sort"

	"github.com/signalsfoundry/star-tracker/model"
)

// Pair is two catalog entries and their angular separation.
type Pair struct {
	A, B  int // entry indices, A < B
	Angle float64
}

// pairIndex is the pair list sorted by separation angle, so a
// tolerance query is two binary searches plus a linear walk over the
// hits: O(log P + k) instead of scanning every pair.
type pairIndex []Pair

func buildPairIndex(entries []model.CatalogEntry, maxAngle float64) pairIndex {
	var pairs pairIndex
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			angle := entries[i].Unit.AngleTo(entries[j].Unit)
			if angle <= maxAngle {
				pairs = append(pairs, Pair{A: i, B: j, Angle: angle})
			}
		}
	}
	sort.Slice(pairs, func(a, b int) bool { return pairs[a].Angle < pairs[b].Angle })
	return pairs
}

// QueryPairsNear returns every catalog pair whose separation lies
// within tol of angle. Results are ordered by separation; the slice
// aliases the index and must not be modified.
func (c *Catalog) QueryPairsNear(angle, tol float64) []Pair {
	lo := sort.Search(len(c.pairs), func(i int) bool {
		return c.pairs[i].Angle >= angle-tol
	})
	hi := sort.Search(len(c.pairs), func(i int) bool {
		return c.pairs[i].Angle > angle+tol
	})
	return c.pairs[lo:hi]
}

// PairCount returns the number of indexed pairs.
func (c *Catalog) PairCount() int { return len(c.pairs) }
