package domain

import "testing"

func TestAvatarHasWeights(t *testing.T) {
	withWeights := Avatar{WeightsURI: "s3://bucket/avatar-1/weights.safetensors"}
	if !withWeights.HasWeights() {
		t.Error("expected HasWeights to be true when WeightsURI is set")
	}

	withoutWeights := Avatar{}
	if withoutWeights.HasWeights() {
		t.Error("expected HasWeights to be false when WeightsURI is empty")
	}
}

func TestGenerationConfigMerge(t *testing.T) {
	base := GenerationConfig{Steps: 30, CFG: 7.0, Scheduler: "dpmpp_2m", Width: 1024, Height: 1024}

	t.Run("empty override keeps base", func(t *testing.T) {
		out := base.Merge(GenerationConfig{})
		if out != base {
			t.Errorf("Merge() = %+v, want base %+v", out, base)
		}
	})

	t.Run("override replaces non-zero fields only", func(t *testing.T) {
		out := base.Merge(GenerationConfig{Steps: 40})
		if out.Steps != 40 {
			t.Errorf("Steps = %d, want 40", out.Steps)
		}
		if out.CFG != base.CFG || out.Scheduler != base.Scheduler {
			t.Error("unset override fields should keep base values")
		}
	})

	t.Run("seed override", func(t *testing.T) {
		seed := int64(42)
		out := base.Merge(GenerationConfig{Seed: &seed})
		if out.Seed == nil || *out.Seed != 42 {
			t.Errorf("Seed = %v, want 42", out.Seed)
		}
	})
}
