package template

import (
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/contentcore/pkg/domain"
)

func fixtureTemplates() []Template {
	return []Template{
		{ID: "t1-a", Niche: "fitness", Tier: domain.TierT1, Prompt: "t1 fitness a"},
		{ID: "t1-b", Niche: "fashion", Tier: domain.TierT1, Prompt: "t1 fashion b"},
		{ID: "t2-a", Niche: "fitness", Tier: domain.TierT2, Prompt: "t2 fitness a"},
		{ID: "t2-b", Niche: "fashion", Tier: domain.TierT2, Prompt: "t2 fashion b"},
		{ID: "t3-a", Niche: "fitness", Tier: domain.TierT3, Prompt: "t3 fitness a"},
	}
}

func TestSelectCountsSumToK(t *testing.T) {
	c := New(fixtureTemplates(), 16)
	avatar := domain.Avatar{ID: uuid.New(), Niche: "fitness"}
	mix := domain.TierMix{T1: 0.34, T2: 0.33, T3: 0.33}

	for _, k := range []int{1, 5, 7, 20} {
		picks, err := c.Select(avatar, mix, k, nil)
		if err != nil {
			t.Fatalf("Select(k=%d) error: %v", k, err)
		}
		if len(picks) != k {
			t.Errorf("Select(k=%d) returned %d picks, want %d", k, len(picks), k)
		}
	}
}

func TestSelectPrefersNiche(t *testing.T) {
	c := New(fixtureTemplates(), 16)
	avatar := domain.Avatar{ID: uuid.New(), Niche: "fitness"}

	picks, err := c.Select(avatar, domain.TierMix{T1: 1}, 1, nil)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if len(picks) != 1 || picks[0].ID != "t1-a" {
		t.Errorf("expected niche-matched t1-a, got %+v", picks)
	}
}

func TestSelectIsCachedPerKey(t *testing.T) {
	c := New(fixtureTemplates(), 16)
	avatar := domain.Avatar{ID: uuid.New(), Niche: "fitness"}
	mix := domain.TierMix{T1: 1}

	if _, err := c.Select(avatar, mix, 1, nil); err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if _, err := c.Select(avatar, mix, 1, nil); err != nil {
		t.Fatalf("Select error: %v", err)
	}

	stats := c.Stats()
	if stats.Hits != 1 {
		t.Errorf("Hits = %d, want 1", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("Misses = %d, want 1", stats.Misses)
	}
}

func TestSelectDistinguishesSeed(t *testing.T) {
	c := New(fixtureTemplates(), 16)
	avatar := domain.Avatar{ID: uuid.New(), Niche: "fitness"}
	mix := domain.TierMix{T1: 1}

	seedA := int64(1)
	seedB := int64(2)
	if _, err := c.Select(avatar, mix, 1, &seedA); err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if _, err := c.Select(avatar, mix, 1, &seedB); err != nil {
		t.Fatalf("Select error: %v", err)
	}

	stats := c.Stats()
	if stats.Misses != 2 {
		t.Errorf("Misses = %d, want 2 (different seeds must not collapse in the cache)", stats.Misses)
	}
}

func TestSelectRejectsInvalidTierMix(t *testing.T) {
	c := New(fixtureTemplates(), 16)
	avatar := domain.Avatar{ID: uuid.New(), Niche: "fitness"}

	if _, err := c.Select(avatar, domain.TierMix{T1: 0.1}, 1, nil); err == nil {
		t.Error("expected error for tier_mix not summing to 1")
	}
}

func TestSelectRejectsNonPositiveK(t *testing.T) {
	c := New(fixtureTemplates(), 16)
	avatar := domain.Avatar{ID: uuid.New(), Niche: "fitness"}

	if _, err := c.Select(avatar, domain.TierMix{T1: 1}, 0, nil); err == nil {
		t.Error("expected error for k=0")
	}
}

func TestLargestRemainderCountsSumsToK(t *testing.T) {
	mix := domain.TierMix{T1: 0.34, T2: 0.33, T3: 0.33}
	for _, k := range []int{1, 2, 3, 10, 17, 99} {
		counts := largestRemainderCounts(mix, k)
		sum := counts[0] + counts[1] + counts[2]
		if sum != k {
			t.Errorf("largestRemainderCounts(k=%d) sums to %d, want %d", k, sum, k)
		}
	}
}

func TestCatalogGet(t *testing.T) {
	c := New(fixtureTemplates(), 16)

	if _, err := c.Get("t1-a"); err != nil {
		t.Errorf("Get(t1-a) unexpected error: %v", err)
	}
	if _, err := c.Get("nonexistent"); err == nil {
		t.Error("expected error for nonexistent template id")
	}
}
