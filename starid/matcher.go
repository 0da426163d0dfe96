// Package starid identifies which catalog stars correspond to which
// observed centroids. Identification is purely geometric: pairwise
// angular separations vote for candidate assignments, and a candidate
// is only believed once a third centroid forms a mutually consistent
// triangle with it. Single-pair agreement is statistically worthless
// with a realistic catalog, so it is never enough on its own.
package starid

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/signalsfoundry/star-tracker/catalog"
	"github.com/signalsfoundry/star-tracker/model"
)

// ErrInsufficientStars reports that too few centroids were detected or
// too few identifications survived confirmation. A cycle hitting this
// publishes an invalid solution; it is not an escalating fault.
var ErrInsufficientStars = errors.New("insufficient stars for identification")

// Matcher identifies centroids against a loaded catalog. The catalog
// is read-only and shared; Matcher itself is stateless between calls.
type Matcher struct {
	Catalog *catalog.Catalog

	// PairTolerance is the separation slack (radians) within which
	// an observed pair matches a catalog pair. It absorbs centroid
	// noise and optical distortion; its value is sensor calibration.
	PairTolerance float64

	// MinMatches is the number of confirmed identifications required
	// for a usable result. Never below 3: two matches cannot fix the
	// roll about the axis through them.
	MinMatches int
}

// candidateStatus tags each centroid's identification progress.
type candidateStatus int

const (
	statusUnmatched candidateStatus = iota // no consistent triangle found
	statusTentative                        // pair votes only
	statusConfirmed                        // at least one consistent triangle
	statusDropped                          // ambiguous; excluded rather than guessed
)

// candidate tracks per-centroid voting state. One candidate exists per
// (centroid, catalog star) combination that received at least one pair
// vote.
type candidate struct {
	star      int // catalog entry index
	pairVotes int
	triangles int
}

// Identify returns the confirmed centroid-to-star matches for one
// frame. The result is a partial bijection: every centroid and every
// star appears at most once. Centroids whose identification stays
// ambiguous after triangle voting are dropped, never guessed.
func (m *Matcher) Identify(centroids []model.Centroid) ([]model.Match, error) {
	minMatches := m.MinMatches
	if minMatches < 3 {
		minMatches = 3
	}
	if len(centroids) < minMatches {
		return nil, fmt.Errorf("%w: %d centroids detected, need %d", ErrInsufficientStars, len(centroids), minMatches)
	}

	candidates := m.collectPairVotes(centroids)
	m.confirmTriangles(centroids, candidates)

	matches := m.resolve(centroids, candidates)
	if len(matches) < minMatches {
		return nil, fmt.Errorf("%w: %d confirmed matches, need %d", ErrInsufficientStars, len(matches), minMatches)
	}
	return matches, nil
}

// collectPairVotes runs the separation search for every centroid pair.
// Each catalog pair within tolerance votes for both assignments of its
// two stars onto the two centroids; orientation is unknown at this
// stage.
func (m *Matcher) collectPairVotes(centroids []model.Centroid) []map[int]*candidate {
	candidates := make([]map[int]*candidate, len(centroids))
	for i := range candidates {
		candidates[i] = make(map[int]*candidate)
	}

	vote := func(centroidIdx, starIdx int) {
		c, ok := candidates[centroidIdx][starIdx]
		if !ok {
			c = &candidate{star: starIdx}
			candidates[centroidIdx][starIdx] = c
		}
		c.pairVotes++
	}

	for i := 0; i < len(centroids); i++ {
		for j := i + 1; j < len(centroids); j++ {
			angle := centroids[i].Unit.AngleTo(centroids[j].Unit)
			for _, pair := range m.Catalog.QueryPairsNear(angle, m.PairTolerance) {
				vote(i, pair.A)
				vote(j, pair.B)
				vote(i, pair.B)
				vote(j, pair.A)
			}
		}
	}
	return candidates
}

// confirmTriangles walks every centroid triple and every candidate
// assignment of distinct catalog stars onto it. An assignment whose
// three pairwise separations all agree with the catalog within
// tolerance is a consistent triangle, and each of its three legs earns
// a confirmation.
func (m *Matcher) confirmTriangles(centroids []model.Centroid, candidates []map[int]*candidate) {
	consistent := func(obs, cat float64) bool {
		return math.Abs(obs-cat) <= m.PairTolerance
	}

	for i := 0; i < len(centroids); i++ {
		for j := i + 1; j < len(centroids); j++ {
			angleIJ := centroids[i].Unit.AngleTo(centroids[j].Unit)
			for _, ci := range sortedCandidates(candidates[i]) {
				for _, cj := range sortedCandidates(candidates[j]) {
					if ci.star == cj.star || !consistent(angleIJ, m.Catalog.Angle(ci.star, cj.star)) {
						continue
					}
					for k := j + 1; k < len(centroids); k++ {
						angleIK := centroids[i].Unit.AngleTo(centroids[k].Unit)
						angleJK := centroids[j].Unit.AngleTo(centroids[k].Unit)
						for _, ck := range sortedCandidates(candidates[k]) {
							if ck.star == ci.star || ck.star == cj.star {
								continue
							}
							if consistent(angleIK, m.Catalog.Angle(ci.star, ck.star)) &&
								consistent(angleJK, m.Catalog.Angle(cj.star, ck.star)) {
								ci.triangles++
								cj.triangles++
								ck.triangles++
							}
						}
					}
				}
			}
		}
	}
}

// resolve picks one confirmed star per centroid and enforces the
// bijection. Ambiguity handling: a centroid whose two best candidates
// are tied drops out, and when two centroids claim the same star the
// weaker claim loses (a tie drops both).
func (m *Matcher) resolve(centroids []model.Centroid, candidates []map[int]*candidate) []model.Match {
	type claim struct {
		centroid int
		cand     *candidate
	}

	var claims []claim
	for i := range centroids {
		best, status := bestCandidate(candidates[i])
		if status != statusConfirmed {
			continue
		}
		claims = append(claims, claim{centroid: i, cand: best})
	}

	// Strongest claims first so a contested star goes to the
	// identification with the most triangle support. Deterministic
	// order: ties fall back to centroid index.
	sort.Slice(claims, func(a, b int) bool {
		if claims[a].cand.triangles != claims[b].cand.triangles {
			return claims[a].cand.triangles > claims[b].cand.triangles
		}
		return claims[a].centroid < claims[b].centroid
	})

	winners := make(map[int]claim) // star index -> winning claim
	contested := make(map[int]bool)
	for _, cl := range claims {
		if prev, taken := winners[cl.cand.star]; taken {
			if prev.cand.triangles == cl.cand.triangles {
				// Equal evidence for two centroids on one star:
				// drop both rather than keep a guess.
				contested[cl.cand.star] = true
			}
			continue
		}
		winners[cl.cand.star] = cl
	}

	var matches []model.Match
	for star, cl := range winners {
		if contested[star] {
			continue
		}
		matches = append(matches, model.Match{
			Centroid:  centroids[cl.centroid],
			Star:      m.Catalog.Entry(star),
			Triangles: cl.cand.triangles,
		})
	}
	// Stable output order for identical inputs.
	sort.Slice(matches, func(a, b int) bool { return matches[a].Star.ID < matches[b].Star.ID })
	return matches
}

// bestCandidate reduces a centroid's candidate set to a single
// confirmed pick, or reports why there is none.
func bestCandidate(cands map[int]*candidate) (*candidate, candidateStatus) {
	var best, second *candidate
	for _, c := range sortedCandidates(cands) {
		if c.triangles == 0 {
			continue
		}
		switch {
		case best == nil || c.triangles > best.triangles:
			second = best
			best = c
		case second == nil || c.triangles > second.triangles:
			second = c
		}
	}
	if best == nil {
		if len(cands) > 0 {
			return nil, statusTentative
		}
		return nil, statusUnmatched
	}
	if second != nil && second.triangles == best.triangles {
		return nil, statusDropped
	}
	return best, statusConfirmed
}

// sortedCandidates returns a map's candidates in star-index order so
// iteration, and therefore the whole identification, is deterministic.
func sortedCandidates(cands map[int]*candidate) []*candidate {
	out := make([]*candidate, 0, len(cands))
	for _, c := range cands {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].star < out[b].star })
	return out
}
