package reconstruct

import (
	"slices"
	"sort"

	"github.com/ethosengine/elohim/internal/core"
)

// Rank orders candidate assignments: higher trust tier first, then lower
// latency, then custodians whose region is not yet represented. It works
// on a copy so callers can re-rank a fresh ledger snapshot every wave.
func Rank(candidates []core.FragmentAssignment, represented map[string]bool) []core.FragmentAssignment {
	out := slices.Clone(candidates)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Custodian, out[j].Custodian
		if a.TrustTier != b.TrustTier {
			return a.TrustTier > b.TrustTier
		}
		if a.Latency != b.Latency {
			return a.Latency < b.Latency
		}
		if na, nb := !represented[a.Region], !represented[b.Region]; na != nb {
			return na
		}
		return out[i].FragmentIndex < out[j].FragmentIndex
	})
	return out
}

// selectWave picks up to n assignments, re-ranking after each pick so the
// wave itself spreads across regions.
func selectWave(candidates []core.FragmentAssignment, represented map[string]bool, n int) []core.FragmentAssignment {
	seen := make(map[string]bool, len(represented))
	for r := range represented {
		seen[r] = true
	}
	var wave []core.FragmentAssignment
	for len(wave) < n && len(candidates) > 0 {
		ranked := Rank(candidates, seen)
		pick := ranked[0]
		wave = append(wave, pick)
		if pick.Custodian.Region != "" {
			seen[pick.Custodian.Region] = true
		}
		candidates = ranked[1:]
	}
	return wave
}
