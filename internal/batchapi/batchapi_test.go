package batchapi

import (
	"testing"

	"github.com/wisbric/contentcore/pkg/domain"
)

func TestSubmitRequestToBatchConfigDefaults(t *testing.T) {
	req := submitRequest{
		AvatarID:  "11111111-1111-1111-1111-111111111111",
		NumPieces: 10,
		TierMix:   tierMixWire{T1: 0.5, T2: 0.3, T3: 0.2},
		Platform:  "instagram",
	}

	cfg := req.toBatchConfig()

	if cfg.NumPieces != 10 {
		t.Errorf("NumPieces = %d, want 10", cfg.NumPieces)
	}
	if cfg.TierMix != (domain.TierMix{T1: 0.5, T2: 0.3, T3: 0.2}) {
		t.Errorf("TierMix = %+v, want {0.5 0.3 0.2}", cfg.TierMix)
	}
	if !cfg.AllowDegradedFallback {
		t.Error("AllowDegradedFallback should default to true when unset")
	}
}

func TestSubmitRequestToBatchConfigExplicitFalseAllowDegraded(t *testing.T) {
	f := false
	req := submitRequest{
		NumPieces:             5,
		TierMix:                tierMixWire{T1: 1},
		AllowDegradedFallback: &f,
	}

	cfg := req.toBatchConfig()
	if cfg.AllowDegradedFallback {
		t.Error("AllowDegradedFallback should respect explicit false")
	}
}

func TestSubmitRequestToBatchConfigCustomPrompts(t *testing.T) {
	req := submitRequest{
		NumPieces:     2,
		TierMix:       tierMixWire{T1: 1},
		CustomPrompts: []string{"a", "b"},
		CustomTiers:   []domain.Tier{domain.TierT1, domain.TierT2},
	}

	cfg := req.toBatchConfig()
	if len(cfg.CustomPrompts) != 2 || cfg.CustomPrompts[1] != "b" {
		t.Errorf("CustomPrompts = %v", cfg.CustomPrompts)
	}
	if len(cfg.CustomTiers) != 2 || cfg.CustomTiers[0] != domain.TierT1 {
		t.Errorf("CustomTiers = %v", cfg.CustomTiers)
	}
}
