// Package orchestrator implements the Batch Orchestrator (C8): the
// seven-stage pipeline that drives one batch from template selection to
// persisted content pieces.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/wisbric/contentcore/internal/telemetry"
	"github.com/wisbric/contentcore/pkg/blobstore"
	"github.com/wisbric/contentcore/pkg/caption"
	"github.com/wisbric/contentcore/pkg/costaccount"
	"github.com/wisbric/contentcore/pkg/domain"
	"github.com/wisbric/contentcore/pkg/persistence"
	"github.com/wisbric/contentcore/pkg/provider"
	"github.com/wisbric/contentcore/pkg/safety"
	"github.com/wisbric/contentcore/pkg/template"
	"github.com/wisbric/contentcore/pkg/urlbroker"
)

// Progress is one (stage, completed, total) snapshot published to the
// caller-supplied sink (spec §9 Design Notes: "progress via mutable
// counters" reified as message passing).
type Progress struct {
	Stage     string
	Completed int
	Total     int
}

// Deps are the Orchestrator's collaborators, constructed once at process
// startup and shared across batches.
type Deps struct {
	Templates  *template.Catalog
	Router     *provider.Router
	Captions   *caption.Service // nil disables captioning regardless of config
	Safety     *safety.Classifier // nil disables safety classification
	Blobs      *blobstore.Store
	URLBroker  *urlbroker.Broker
	Persist    *persistence.Store
	Cost       *costaccount.Accountant
	CostWriter *costaccount.AsyncWriter // nil disables durable attempt logging
	Logger     *slog.Logger
}

// StageConfig carries the per-batch-overridable knobs from spec §6.5.
type StageConfig struct {
	Workers               int
	DeadlineS             int
	MaxFailedFraction     float64
	WeightsURLTTLS        int
	StorageUploadEnabled  bool
	CaptionsEnabled       bool
	SafetyEnabled         bool
	AllowDegradedFallback bool
}

// Orchestrator drives batches to a terminal state.
type Orchestrator struct {
	deps    Deps
	default_ StageConfig
}

// New creates an Orchestrator with process-wide defaults, overridable per
// batch by BatchConfig fields.
func New(deps Deps, defaults StageConfig) *Orchestrator {
	return &Orchestrator{deps: deps, default_: defaults}
}

// draftPiece is an in-flight generation result before it survives captions,
// safety, and upload (spec §4.8 stage 2 "draft piece").
type draftPiece struct {
	index        int
	template     template.Template
	piece        domain.ContentPiece
}

// pieceOutcome is the tagged result variant from spec §9 Design Notes:
// Ok(piece) | PieceDropped(reason) at the stage boundary.
type pieceOutcome struct {
	index  int
	draft  *draftPiece
	dropped bool
	reason  domain.DropReason
}

// Run drives avatar's batch through all seven stages, publishing progress
// to sink (may be nil), and returns the terminal Batch plus any persisted
// pieces.
func (o *Orchestrator) Run(ctx context.Context, avatar domain.Avatar, batchID uuid.UUID, cfg domain.BatchConfig, sink chan<- Progress) (*domain.Batch, []domain.ContentPiece, error) {
	batch := &domain.Batch{
		ID:        batchID,
		AvatarID:  avatar.ID,
		Config:    cfg,
		State:     domain.BatchRunning,
		StartedAt: time.Now(),
	}

	stageCfg := o.resolveStageConfig(cfg)

	if err := o.checkPreconditions(avatar, cfg); err != nil {
		return o.fail(batch, err), nil, err
	}

	deadline := batch.StartedAt.Add(time.Duration(stageCfg.DeadlineS) * time.Second)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	publish := func(stage string, completed, total int) {
		if sink == nil {
			return
		}
		select {
		case sink <- Progress{Stage: stage, Completed: completed, Total: total}:
		default:
		}
	}

	// Stage 1: template selection (serial, pure).
	batch.Stage = "template_selection"
	entries, err := o.selectTemplates(avatar, cfg)
	if err != nil {
		return o.fail(batch, err), nil, err
	}
	publish("template_selection", cfg.NumPieces, cfg.NumPieces)

	if runCtx.Err() != nil {
		return o.terminal(batch, runCtx.Err()), nil, runCtx.Err()
	}

	// Stage 2: image generation (concurrent, bounded by W).
	batch.Stage = "image_generation"
	drafts, dropped, err := o.generateImages(runCtx, avatar, batchID, cfg, stageCfg, entries, func(c, t int) { publish("image_generation", c, t) })
	if err != nil {
		return o.terminal(batch, err), nil, err
	}

	if failFrac := float64(len(dropped)) / float64(cfg.NumPieces); failFrac > stageCfg.MaxFailedFraction {
		batch.FailReason = domain.FailFractionExceeded
		batch.State = domain.BatchFailed
		o.finish(batch)
		return batch, nil, fmt.Errorf("orchestrator: %d/%d pieces failed, exceeds max_failed_fraction %.2f", len(dropped), cfg.NumPieces, stageCfg.MaxFailedFraction)
	}

	// Stage 3: captions (concurrent, optional, non-fatal).
	if stageCfg.CaptionsEnabled && o.deps.Captions != nil {
		batch.Stage = "captioning"
		o.captionDrafts(runCtx, avatar, cfg, stageCfg, drafts, func(c, t int) { publish("captioning", c, t) })
		if runCtx.Err() != nil {
			return o.terminal(batch, runCtx.Err()), nil, runCtx.Err()
		}
	}

	// Stage 4: safety classification (concurrent, optional).
	batch.Stage = "safety_classification"
	drafts, rejected := o.classifySafety(runCtx, cfg, stageCfg, drafts, func(c, t int) { publish("safety_classification", c, t) })
	dropped = append(dropped, rejected...)
	if runCtx.Err() != nil {
		return o.terminal(batch, runCtx.Err()), nil, runCtx.Err()
	}

	// Stage 5: storage upload (concurrent, optional).
	if stageCfg.StorageUploadEnabled && o.deps.Blobs != nil {
		batch.Stage = "storage_upload"
		var uploadDropped []domain.DropReason
		drafts, uploadDropped = o.uploadDrafts(runCtx, avatar, stageCfg, drafts, func(c, t int) { publish("storage_upload", c, t) })
		for range uploadDropped {
			dropped = append(dropped, domain.DropUploadFailed)
		}
		if runCtx.Err() != nil {
			return o.terminal(batch, runCtx.Err()), nil, runCtx.Err()
		}
	}

	if runCtx.Err() != nil {
		return o.terminal(batch, runCtx.Err()), nil, runCtx.Err()
	}

	// Stage 6: persistence (single transaction).
	batch.Stage = "persistence"
	pieces := make([]domain.ContentPiece, 0, len(drafts))
	for _, d := range drafts {
		pieces = append(pieces, d.piece)
	}
	if err := o.persistPieces(ctx, pieces); err != nil {
		batch.FailReason = domain.FailPersistence
		batch.State = domain.BatchFailed
		o.finish(batch)
		return batch, nil, fmt.Errorf("orchestrator: persisting pieces: %w", err)
	}
	for _, p := range pieces {
		telemetry.PiecesGeneratedTotal.WithLabelValues(string(p.Tier)).Inc()
	}
	publish("persistence", len(pieces), len(pieces))

	// Stage 7: statistics and terminal state.
	batch.Stage = "statistics"
	if len(dropped) == 0 {
		batch.State = domain.BatchSucceeded
	} else {
		batch.State = domain.BatchPartiallySucceeded
	}
	o.finish(batch)

	if o.deps.Cost != nil {
		o.deps.Cost.Forget(batchID)
	}

	return batch, pieces, nil
}

func (o *Orchestrator) resolveStageConfig(cfg domain.BatchConfig) StageConfig {
	sc := o.default_
	if cfg.Workers > 0 {
		sc.Workers = cfg.Workers
	}
	if cfg.DeadlineSeconds > 0 {
		sc.DeadlineS = cfg.DeadlineSeconds
	}
	sc.StorageUploadEnabled = cfg.DoUpload
	sc.CaptionsEnabled = cfg.DoCaptions
	sc.SafetyEnabled = cfg.DoSafety
	sc.AllowDegradedFallback = cfg.AllowDegradedFallback
	if sc.Workers <= 0 {
		sc.Workers = 5
	}
	if sc.DeadlineS <= 0 {
		sc.DeadlineS = 900
	}
	return sc
}

func (o *Orchestrator) checkPreconditions(avatar domain.Avatar, cfg domain.BatchConfig) error {
	if !avatar.HasWeights() {
		return fmt.Errorf("%s: avatar %s has no weights_uri", domain.FailMissingWeights, avatar.ID)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", domain.FailValidation, err)
	}
	return nil
}

func (o *Orchestrator) fail(batch *domain.Batch, err error) *domain.Batch {
	batch.State = domain.BatchFailed
	batch.FailReason = err.Error()
	o.finish(batch)
	return batch
}

func (o *Orchestrator) cancelled(batch *domain.Batch) *domain.Batch {
	batch.State = domain.BatchCancelled
	batch.FailReason = domain.FailCancelled
	o.finish(batch)
	return batch
}

// terminal resolves a run-context error into the appropriate terminal
// state: a missed deadline is a failure (spec §5, §7), distinct from an
// operator-requested cancellation.
func (o *Orchestrator) terminal(batch *domain.Batch, err error) *domain.Batch {
	if errors.Is(err, context.DeadlineExceeded) {
		batch.State = domain.BatchFailed
		batch.FailReason = domain.FailDeadlineExceeded
		o.finish(batch)
		return batch
	}
	return o.cancelled(batch)
}

func (o *Orchestrator) finish(batch *domain.Batch) {
	now := time.Now()
	batch.FinishedAt = &now
	batch.Progress = 100
	telemetry.BatchesTotal.WithLabelValues(string(batch.State)).Inc()
}

// newSemaphore is a small helper around golang.org/x/sync/semaphore for the
// bounded-worker-pool pattern every concurrent stage shares.
func newSemaphore(workers int) *semaphore.Weighted {
	if workers <= 0 {
		workers = 1
	}
	return semaphore.NewWeighted(int64(workers))
}
