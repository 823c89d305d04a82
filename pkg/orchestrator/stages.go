package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/contentcore/pkg/caption"
	"github.com/wisbric/contentcore/pkg/domain"
	"github.com/wisbric/contentcore/pkg/provider"
	"github.com/wisbric/contentcore/pkg/template"
	"github.com/wisbric/contentcore/pkg/urlbroker"
)

const weightsURLTTL = 15 * time.Minute

// selectTemplates resolves the per-piece (template, tier, prompt) either
// from the catalog or from the batch's custom_prompts/custom_tiers
// override (spec §4.8 stage 1).
func (o *Orchestrator) selectTemplates(avatar domain.Avatar, cfg domain.BatchConfig) ([]template.Template, error) {
	if cfg.CustomPrompts != nil {
		out := make([]template.Template, len(cfg.CustomPrompts))
		for i, p := range cfg.CustomPrompts {
			tier := domain.TierT1
			if cfg.CustomTiers != nil {
				tier = cfg.CustomTiers[i]
			}
			out[i] = template.Template{
				ID:     fmt.Sprintf("custom-%d", i),
				Niche:  avatar.Niche,
				Tier:   tier,
				Prompt: p,
				Knobs:  avatar.DefaultGenerationConfig,
			}
		}
		return out, nil
	}

	return o.deps.Templates.Select(avatar, cfg.TierMix, cfg.NumPieces, cfg.Seed)
}

// generateImages runs stage 2 concurrently, bounded by stageCfg.Workers.
// It mints the weights URL once up front and hands the Router a refresher
// closure that re-mints on demand (spec §4.4 "URL re-minting").
func (o *Orchestrator) generateImages(ctx context.Context, avatar domain.Avatar, batchID uuid.UUID, cfg domain.BatchConfig, stageCfg StageConfig, entries []template.Template, progress func(completed, total int)) ([]*draftPiece, []domain.DropReason, error) {
	total := len(entries)

	minted, err := o.deps.URLBroker.MintRead(ctx, avatar.WeightsURI, weightsURLTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("minting weights url: %w", err)
	}

	refresh := func(rctx context.Context) (string, time.Time, error) {
		m, err := o.deps.URLBroker.MintRead(rctx, avatar.WeightsURI, weightsURLTTL)
		if err != nil {
			return "", time.Time{}, err
		}
		return m.URL, m.IssuedAt, nil
	}

	sem := newSemaphore(stageCfg.Workers)
	results := make([]*pieceOutcome, total)
	var completed int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, tmpl := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(idx int, tmpl template.Template) {
			defer wg.Done()
			defer sem.Release(1)

			outcome := o.generateOne(ctx, avatar, batchID, idx, tmpl, minted, refresh)
			results[idx] = outcome

			mu.Lock()
			completed++
			c := completed
			mu.Unlock()
			progress(c, total)
		}(i, tmpl)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	drafts := make([]*draftPiece, 0, total)
	var dropped []domain.DropReason
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.dropped {
			dropped = append(dropped, r.reason)
			continue
		}
		drafts = append(drafts, r.draft)
	}
	return drafts, dropped, nil
}

func (o *Orchestrator) generateOne(ctx context.Context, avatar domain.Avatar, batchID uuid.UUID, idx int, tmpl template.Template, minted urlbroker.MintedURL, refresh provider.WeightsRefresher) *pieceOutcome {
	knobs := avatar.DefaultGenerationConfig.Merge(tmpl.Knobs)
	body := strings.NewReplacer("{trigger_token}", avatar.TriggerToken, "{niche}", avatar.Niche).Replace(tmpl.Prompt)
	prompt := fmt.Sprintf("%s, %s %s", avatar.TriggerToken, avatar.BasePrompt, body)

	req := provider.Request{
		Prompt:         prompt,
		NegativePrompt: avatar.NegativePrompt,
		WeightsURL:     minted.URL,
		WeightsScale:   avatar.DefaultScale,
		Width:          knobs.Width,
		Height:         knobs.Height,
		Steps:          knobs.Steps,
		CFG:            knobs.CFG,
		Seed:           knobs.Seed,
		Timeout:        60 * time.Second,
	}

	result, err := o.deps.Router.Route(ctx, req, minted.IssuedAt, weightsURLTTL, refresh)

	if o.deps.CostWriter != nil && result != nil {
		for _, a := range result.Attempts {
			o.deps.CostWriter.Log(domain.ProviderAttempt{
				BatchID:    batchID,
				PieceIndex: idx,
				Provider:   a.Provider,
				AttemptNo:  a.AttemptNo,
				StartedAt:  a.StartedAt,
				DurationMS: a.Duration.Milliseconds(),
				Outcome:    domain.AttemptOutcome(a.Outcome),
				ErrorCode:  string(a.ErrorCode),
				CostUSD:    a.CostUSD,
			})
		}
	}
	if o.deps.Cost != nil && result != nil {
		for _, a := range result.Attempts {
			o.deps.Cost.Record(batchID, "generation", a.Provider, a.CostUSD)
		}
	}

	if err != nil {
		return &pieceOutcome{index: idx, dropped: true, reason: domain.DropAllProvidersFailed}
	}

	piece := domain.ContentPiece{
		ID:                uuid.New(),
		AvatarID:          avatar.ID,
		BatchID:           batchID,
		PieceIndex:        idx,
		Kind:              domain.KindImage,
		Tier:              tmpl.Tier,
		URL:               dataURLFor(result.ImageBytes),
		GenerationParams:  knobs,
		GenerationCostUSD: result.CostUSD,
		GenerationTimeMS:  result.GenerationMS,
		CreatedAt:         time.Now(),
	}

	return &pieceOutcome{index: idx, draft: &draftPiece{index: idx, template: tmpl, piece: piece}}
}

// captionDrafts runs stage 3 concurrently; captioning failures are logged
// and skipped, never fatal (spec §4.5).
func (o *Orchestrator) captionDrafts(ctx context.Context, avatar domain.Avatar, cfg domain.BatchConfig, stageCfg StageConfig, drafts []*draftPiece, progress func(completed, total int)) {
	total := len(drafts)
	sem := newSemaphore(stageCfg.Workers)
	var wg sync.WaitGroup
	var completed int
	var mu sync.Mutex

	for _, d := range drafts {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(d *draftPiece) {
			defer wg.Done()
			defer sem.Release(1)

			text, err := o.deps.Captions.Caption(ctx, avatar.Niche, d.template.Prompt, caption.Platform(cfg.Platform))
			if err == nil {
				d.piece.Caption = &text
			} else if o.deps.Logger != nil {
				o.deps.Logger.Warn("caption generation failed", "error", err, "piece_index", d.index)
			}

			mu.Lock()
			completed++
			c := completed
			mu.Unlock()
			progress(c, total)
		}(d)
	}
	wg.Wait()
}

// classifySafety runs stage 4 concurrently, dropping pieces the classifier
// rejects (spec §4.6).
func (o *Orchestrator) classifySafety(ctx context.Context, cfg domain.BatchConfig, stageCfg StageConfig, drafts []*draftPiece, progress func(completed, total int)) ([]*draftPiece, []domain.DropReason) {
	if !stageCfg.SafetyEnabled || o.deps.Safety == nil {
		progress(len(drafts), len(drafts))
		return drafts, nil
	}

	total := len(drafts)
	sem := newSemaphore(stageCfg.Workers)
	kept := make([]*draftPiece, len(drafts))
	dropped := make([]bool, len(drafts))
	var wg sync.WaitGroup
	var completed int
	var mu sync.Mutex

	for i, d := range drafts {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, d *draftPiece) {
			defer wg.Done()
			defer sem.Release(1)

			rating, tier, keep, err := o.deps.Safety.Classify(ctx, d.template.Prompt, nil)
			if err != nil {
				if o.deps.Logger != nil {
					o.deps.Logger.Warn("safety classification failed", "error", err, "piece_index", d.index)
				}
				dropped[i] = true
				mu.Lock()
				completed++
				c := completed
				mu.Unlock()
				progress(c, total)
				return
			}
			if !keep {
				dropped[i] = true
			} else {
				d.piece.SafetyRating = &rating
				d.piece.Tier = tier
				kept[i] = d
			}

			mu.Lock()
			completed++
			c := completed
			mu.Unlock()
			progress(c, total)
		}(i, d)
	}
	wg.Wait()

	out := make([]*draftPiece, 0, len(kept))
	var reasons []domain.DropReason
	for i, d := range kept {
		if dropped[i] {
			reasons = append(reasons, domain.DropRejectedBySafety)
			continue
		}
		if d != nil {
			out = append(out, d)
		}
	}
	return out, reasons
}

// uploadDrafts runs stage 5 concurrently, replacing each draft's inline
// data URL with a CDN-fronted blobstore URL, retrying each upload once
// after a short delay before dropping the piece (spec §4.2).
func (o *Orchestrator) uploadDrafts(ctx context.Context, avatar domain.Avatar, stageCfg StageConfig, drafts []*draftPiece, progress func(completed, total int)) ([]*draftPiece, []domain.DropReason) {
	total := len(drafts)
	sem := newSemaphore(stageCfg.Workers)
	ok := make([]bool, len(drafts))
	var wg sync.WaitGroup
	var completed int
	var mu sync.Mutex

	for i, d := range drafts {
		if ctx.Err() != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, d *draftPiece) {
			defer wg.Done()
			defer sem.Release(1)

			path := fmt.Sprintf("pieces/%s/%d.png", avatar.ID, d.index)
			data := dataURLDecode(d.piece.URL)

			var url string
			var err error
			for attempt := 1; attempt <= 2; attempt++ {
				url, err = o.deps.Blobs.Put(ctx, path, data, "image/png")
				if err == nil {
					break
				}
				if attempt < 2 {
					select {
					case <-ctx.Done():
						break
					case <-time.After(time.Second):
					}
				}
			}

			if err == nil {
				d.piece.URL = url
				ok[i] = true
			} else if o.deps.Logger != nil {
				o.deps.Logger.Warn("storage upload failed", "error", err, "piece_index", d.index)
			}

			mu.Lock()
			completed++
			c := completed
			mu.Unlock()
			progress(c, total)
		}(i, d)
	}
	wg.Wait()

	out := make([]*draftPiece, 0, len(drafts))
	var dropped []domain.DropReason
	for i, d := range drafts {
		if ok[i] {
			out = append(out, d)
		} else {
			dropped = append(dropped, domain.DropUploadFailed)
		}
	}
	return out, dropped
}

// persistPieces commits stage 6: a single transaction writing every piece,
// idempotent on (batch_id, piece_index) (spec §4.9, §8 invariant 5).
func (o *Orchestrator) persistPieces(ctx context.Context, pieces []domain.ContentPiece) error {
	if o.deps.Persist == nil {
		return nil
	}
	return o.deps.Persist.InsertPieces(ctx, pieces)
}
