package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/wisbric/contentcore/pkg/domain"
)

// selectionKey is the full tuple the cache must be keyed on (spec §9
// Design Notes: "implementations must not collapse entries that differ
// only in seed").
type selectionKey struct {
	avatarID string
	mix      domain.TierMix
	k        int
	seed     int64
	hasSeed  bool
}

func (k selectionKey) String() string {
	seedPart := "none"
	if k.hasSeed {
		seedPart = fmt.Sprintf("%d", k.seed)
	}
	return fmt.Sprintf("%s|%v|%d|%s", k.avatarID, k.mix, k.k, seedPart)
}

// Select returns k (template-or-custom-prompt, tier) pairs biased by
// avatar.Niche, with per-tier counts derived from mix via largest-remainder
// rounding so they sum to exactly k (spec §4.3, §8 invariant 1). Selection
// is a pure function of its inputs including seed; results are cached.
func (c *Catalog) Select(avatar domain.Avatar, mix domain.TierMix, k int, seed *int64) ([]Template, error) {
	if err := mix.Validate(); err != nil {
		return nil, fmt.Errorf("template select: %w", err)
	}
	if k < 1 {
		return nil, fmt.Errorf("template select: k must be positive, got %d", k)
	}

	key := selectionKey{avatarID: avatar.ID.String(), mix: mix, k: k}
	if seed != nil {
		key.hasSeed = true
		key.seed = *seed
	}

	if cached, ok := c.cache.get(key); ok {
		return cached, nil
	}

	counts := largestRemainderCounts(mix, k)

	result := make([]Template, 0, k)
	for _, tierCount := range []struct {
		tier  domain.Tier
		count int
	}{
		{domain.TierT1, counts[0]},
		{domain.TierT2, counts[1]},
		{domain.TierT3, counts[2]},
	} {
		picks := c.pickTier(avatar.Niche, tierCount.tier, tierCount.count)
		result = append(result, picks...)
	}

	c.cache.put(key, result)
	return result, nil
}

// pickTier selects count templates of the given tier, preferring niche
// matches, breaking ties by stable id (spec §4.3).
func (c *Catalog) pickTier(niche string, tier domain.Tier, count int) []Template {
	if count <= 0 {
		return nil
	}

	var matched, other []Template
	for _, t := range c.order {
		if t.Tier != tier {
			continue
		}
		if strings.EqualFold(t.Niche, niche) {
			matched = append(matched, t)
		} else {
			other = append(other, t)
		}
	}
	sortByID(matched)
	sortByID(other)

	candidates := append(matched, other...)
	out := make([]Template, 0, count)
	for i := 0; i < count; i++ {
		if len(candidates) == 0 {
			break
		}
		out = append(out, candidates[i%len(candidates)])
	}
	return out
}

func sortByID(ts []Template) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

// largestRemainderCounts turns fractional tier shares into integer counts
// summing exactly to k (spec §4.3, Glossary "Largest-remainder rounding").
func largestRemainderCounts(mix domain.TierMix, k int) [3]int {
	shares := [3]float64{mix.T1 * float64(k), mix.T2 * float64(k), mix.T3 * float64(k)}
	floors := [3]int{int(shares[0]), int(shares[1]), int(shares[2])}
	remainders := [3]float64{shares[0] - float64(floors[0]), shares[1] - float64(floors[1]), shares[2] - float64(floors[2])}

	assigned := floors[0] + floors[1] + floors[2]
	remaining := k - assigned

	type idxRem struct {
		idx int
		rem float64
	}
	ordered := []idxRem{{0, remainders[0]}, {1, remainders[1]}, {2, remainders[2]}}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].rem > ordered[j].rem })

	for i := 0; i < remaining; i++ {
		floors[ordered[i%3].idx]++
	}

	return floors
}
