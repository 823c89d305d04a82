// Package persistence implements the Persistence Layer (C10): the
// Postgres-backed store of avatars and content pieces, written in a
// hand-rolled query style rather than a generated one since this core has
// no sqlc toolchain step of its own.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/contentcore/internal/httpserver"
	"github.com/wisbric/contentcore/pkg/domain"
)

// ErrAvatarNotFound is returned by GetAvatar when no row matches.
var ErrAvatarNotFound = errors.New("persistence: avatar not found")

// Store is the Postgres-backed persistence layer.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetAvatar loads one avatar by id.
func (s *Store) GetAvatar(ctx context.Context, id string) (domain.Avatar, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, niche, base_prompt, negative_prompt, trigger_token, weights_uri,
		       default_scale, default_steps, default_cfg, default_scheduler,
		       default_width, default_height
		FROM avatars WHERE id = $1`, id)

	var a domain.Avatar
	var cfg domain.GenerationConfig
	err := row.Scan(&a.ID, &a.Niche, &a.BasePrompt, &a.NegativePrompt, &a.TriggerToken, &a.WeightsURI,
		&a.DefaultScale, &cfg.Steps, &cfg.CFG, &cfg.Scheduler, &cfg.Width, &cfg.Height)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Avatar{}, ErrAvatarNotFound
	}
	if err != nil {
		return domain.Avatar{}, fmt.Errorf("persistence: get avatar: %w", err)
	}
	a.DefaultGenerationConfig = cfg
	return a, nil
}

// InsertPieces writes every piece in one transaction, idempotent on
// (batch_id, piece_index) via ON CONFLICT DO NOTHING (spec §4.9, §8
// invariant 5: a retried persistence stage never double-writes).
func (s *Store) InsertPieces(ctx context.Context, pieces []domain.ContentPiece) error {
	if len(pieces) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("persistence: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, p := range pieces {
		params, err := json.Marshal(p.GenerationParams)
		if err != nil {
			return fmt.Errorf("persistence: marshal generation params: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO content_pieces
			    (id, avatar_id, batch_id, piece_index, kind, tier, url, caption,
			     safety_rating, generation_params, generation_cost_usd, generation_time_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (batch_id, piece_index) DO NOTHING`,
			p.ID, p.AvatarID, p.BatchID, p.PieceIndex, p.Kind, p.Tier, p.URL, p.Caption,
			p.SafetyRating, params, p.GenerationCostUSD, p.GenerationTimeMS, p.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("persistence: insert piece %d: %w", p.PieceIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("persistence: commit tx: %w", err)
	}
	return nil
}

// ListPiecesByAvatar returns pieces for avatarID in reverse-chronological
// order, using the same keyset cursor convention as the rest of this
// service's HTTP surface.
func (s *Store) ListPiecesByAvatar(ctx context.Context, avatarID string, params httpserver.CursorParams) ([]domain.ContentPiece, error) {
	var rows pgx.Rows
	var err error

	if params.After != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, avatar_id, batch_id, piece_index, kind, tier, url, caption,
			       safety_rating, generation_params, generation_cost_usd, generation_time_ms, created_at
			FROM content_pieces
			WHERE avatar_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, avatarID, params.After.CreatedAt, params.After.ID, params.Limit+1)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, avatar_id, batch_id, piece_index, kind, tier, url, caption,
			       safety_rating, generation_params, generation_cost_usd, generation_time_ms, created_at
			FROM content_pieces
			WHERE avatar_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, avatarID, params.Limit+1)
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: list pieces: %w", err)
	}
	defer rows.Close()

	var out []domain.ContentPiece
	for rows.Next() {
		var p domain.ContentPiece
		var rawParams []byte
		if err := rows.Scan(&p.ID, &p.AvatarID, &p.BatchID, &p.PieceIndex, &p.Kind, &p.Tier, &p.URL, &p.Caption,
			&p.SafetyRating, &rawParams, &p.GenerationCostUSD, &p.GenerationTimeMS, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("persistence: scan piece: %w", err)
		}
		if len(rawParams) > 0 {
			_ = json.Unmarshal(rawParams, &p.GenerationParams)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persistence: list pieces: %w", err)
	}
	return out, nil
}

// PieceStats is the spec §4.8 stage-7 statistics summary for one batch.
type PieceStats struct {
	Total        int
	ByTier        map[domain.Tier]int
	TotalCostUSD  float64
	AvgGenerationMS float64
}

// PieceStatsForBatch aggregates the persisted pieces for one batch.
func (s *Store) PieceStatsForBatch(ctx context.Context, batchID string) (PieceStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tier, generation_cost_usd, generation_time_ms
		FROM content_pieces WHERE batch_id = $1`, batchID)
	if err != nil {
		return PieceStats{}, fmt.Errorf("persistence: piece stats: %w", err)
	}
	defer rows.Close()

	stats := PieceStats{ByTier: make(map[domain.Tier]int)}
	var totalMS int64
	for rows.Next() {
		var tier domain.Tier
		var cost float64
		var ms int64
		if err := rows.Scan(&tier, &cost, &ms); err != nil {
			return PieceStats{}, fmt.Errorf("persistence: scan stats row: %w", err)
		}
		stats.Total++
		stats.ByTier[tier]++
		stats.TotalCostUSD += cost
		totalMS += ms
	}
	if err := rows.Err(); err != nil {
		return PieceStats{}, fmt.Errorf("persistence: piece stats: %w", err)
	}
	if stats.Total > 0 {
		stats.AvgGenerationMS = float64(totalMS) / float64(stats.Total)
	}
	return stats, nil
}
