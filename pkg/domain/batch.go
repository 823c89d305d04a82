package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchState is the terminal-or-in-flight lifecycle state of a Batch.
type BatchState string

const (
	BatchQueued             BatchState = "queued"
	BatchRunning             BatchState = "running"
	BatchSucceeded           BatchState = "succeeded"
	BatchPartiallySucceeded  BatchState = "partially_succeeded"
	BatchFailed              BatchState = "failed"
	BatchCancelled           BatchState = "cancelled"
)

// IsTerminal reports whether the state will never transition further.
func (s BatchState) IsTerminal() bool {
	switch s {
	case BatchSucceeded, BatchPartiallySucceeded, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// TierMix is the target ratio of pieces per tier for a batch. Ratios must
// be in [0,1] and sum to 1 within a small epsilon (spec.md §3 invariant).
type TierMix struct {
	T1 float64
	T2 float64
	T3 float64
}

const tierMixEpsilon = 1e-6

// Validate checks the tier-mix invariant.
func (m TierMix) Validate() error {
	for _, v := range []float64{m.T1, m.T2, m.T3} {
		if v < 0 || v > 1 {
			return fmt.Errorf("tier_mix ratio %v out of [0,1]", v)
		}
	}
	sum := m.T1 + m.T2 + m.T3
	if sum < 1-tierMixEpsilon || sum > 1+tierMixEpsilon {
		return fmt.Errorf("tier_mix ratios sum to %v, want 1.0 +/- %v", sum, tierMixEpsilon)
	}
	return nil
}

// BatchConfig is the closed configuration record for one batch request
// (spec.md Design Notes: "dynamic prompts with optional keys become a
// closed configuration record"). Callers may not add unknown keys — this
// struct is exhaustive.
type BatchConfig struct {
	NumPieces      int
	TierMix        TierMix
	Platform       string // instagram, tiktok, x, onlyfans — consumed by C5
	DoCaptions     bool
	DoSafety       bool
	DoUpload       bool
	CustomPrompts  []string // optional, len must equal NumPieces if present
	CustomTiers    []Tier   // optional, len must equal NumPieces if present
	ProviderHint   string   // optional; stored with the batch, not read by the provider router
	Seed           *int64   // optional: determinism for template selection
	AllowDegradedFallback bool // default true; copied into StageConfig, but the router applies its own process-wide setting
	Workers        int      // per-batch concurrency W; 0 means use configured default
	DeadlineSeconds int     // 0 means use configured default (batch_deadline_s)
}

const (
	MinNumPieces = 1
	MaxNumPieces = 200
)

// Validate checks the preconditions of spec.md §4.8 that do not require an
// Avatar (avatar existence/weights is checked by the orchestrator).
func (c BatchConfig) Validate() error {
	if c.NumPieces < MinNumPieces || c.NumPieces > MaxNumPieces {
		return fmt.Errorf("num_pieces %d out of range [%d,%d]", c.NumPieces, MinNumPieces, MaxNumPieces)
	}
	if err := c.TierMix.Validate(); err != nil {
		return fmt.Errorf("tier_mix: %w", err)
	}
	if c.CustomPrompts != nil && len(c.CustomPrompts) != c.NumPieces {
		return fmt.Errorf("custom_prompts has %d entries, want %d", len(c.CustomPrompts), c.NumPieces)
	}
	if c.CustomTiers != nil && len(c.CustomTiers) != c.NumPieces {
		return fmt.Errorf("custom_tiers has %d entries, want %d", len(c.CustomTiers), c.NumPieces)
	}
	return nil
}

// Batch is the transient record describing one production run. Only ID
// persists on each resulting ContentPiece (spec.md §3) — the Batch value
// itself is held in memory / in the job record for progress reporting.
type Batch struct {
	ID         uuid.UUID
	AvatarID   uuid.UUID
	Config     BatchConfig
	State      BatchState
	StartedAt  time.Time
	FinishedAt *time.Time
	Progress   int // 0..100
	Stage      string
	FailReason string
}

// DropReason enumerates why a piece did not survive the pipeline.
type DropReason string

const (
	DropAllProvidersFailed DropReason = "all_providers_failed"
	DropRejectedBySafety   DropReason = "rejected_by_safety"
	DropUploadFailed       DropReason = "upload_failed"
)

// FailReason enumerates why a batch ended in a non-success terminal state.
const (
	FailMissingWeights      = "MissingWeights"
	FailFractionExceeded    = "failed_fraction_exceeded"
	FailDeadlineExceeded    = "deadline_exceeded"
	FailCancelled           = "cancelled"
	FailPersistence         = "persistence_failure"
	FailValidation          = "validation_error"
)
