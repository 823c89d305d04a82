// Package domain holds the shared entity and configuration types that flow
// between the Content Production Core's components. Its behavior is limited
// to small accessors, validation, and config merging — the operations that
// act on these types live in the package for the component that owns them.
package domain

import "github.com/google/uuid"

// Avatar is the trained identity this core generates content for. It is
// produced and owned by the avatar-training system; this core only reads it.
type Avatar struct {
	ID                     uuid.UUID
	Niche                  string
	BasePrompt             string
	NegativePrompt         string
	TriggerToken           string
	WeightsURI             string // blob-store path; empty means generation must refuse
	DefaultScale           float64
	DefaultGenerationConfig GenerationConfig
}

// HasWeights reports whether the avatar has fine-tuned weights attached.
// A batch cannot be generated for an avatar without weights (MissingWeights).
func (a Avatar) HasWeights() bool {
	return a.WeightsURI != ""
}

// GenerationConfig is the set of generation knobs a provider accepts,
// either as an avatar default or overridden per template.
type GenerationConfig struct {
	Steps     int
	CFG       float64
	Scheduler string
	Width     int
	Height    int
	Seed      *int64
}

// Merge overrides base with any non-zero field set in override, returning
// the effective config used for one generation request.
func (base GenerationConfig) Merge(override GenerationConfig) GenerationConfig {
	out := base
	if override.Steps != 0 {
		out.Steps = override.Steps
	}
	if override.CFG != 0 {
		out.CFG = override.CFG
	}
	if override.Scheduler != "" {
		out.Scheduler = override.Scheduler
	}
	if override.Width != 0 {
		out.Width = override.Width
	}
	if override.Height != 0 {
		out.Height = override.Height
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	return out
}
