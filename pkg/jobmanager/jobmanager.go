// Package jobmanager implements the Job Manager (C9): a Postgres-backed
// queue around the Orchestrator, giving batches crash-tolerant, at-least-
// once execution via lease-based reclaim.
package jobmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/contentcore/internal/httpserver"
	"github.com/wisbric/contentcore/internal/telemetry"
	"github.com/wisbric/contentcore/pkg/domain"
	"github.com/wisbric/contentcore/pkg/orchestrator"
	"github.com/wisbric/contentcore/pkg/persistence"
)

const cancelChannel = "contentcore:job:cancel"

// Status is a job's queue-level lifecycle, distinct from the batch's own
// domain.BatchState: a job can be "queued" before any orchestrator run has
// started.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ErrNotFound is returned when a job id has no matching row.
var ErrNotFound = errors.New("jobmanager: job not found")

// ErrTimeout is returned by SubmitSync when the job does not reach a
// terminal state within the hard 30-second cap (spec §4.9 "submit_sync").
var ErrTimeout = errors.New("jobmanager: submit_sync deadline exceeded")

const submitSyncCap = 30 * time.Second

// AvatarLoader resolves an avatar by id for a queued job at execution
// time, keeping the jobs table itself avatar-agnostic.
type AvatarLoader func(ctx context.Context, avatarID uuid.UUID) (domain.Avatar, error)

// Manager polls the jobs table, leases work, and drives it through the
// Orchestrator, tolerating process crashes via lease expiry.
type Manager struct {
	pool         *pgxpool.Pool
	rdb          *redis.Client
	logger       *slog.Logger
	orch         *orchestrator.Orchestrator
	persist      *persistence.Store
	loadAvatar   AvatarLoader
	workerID     string
	leaseTTL     time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

// Config carries the tunables from spec §6.5.
type Config struct {
	WorkerID     string
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

// New creates a Manager. Call Run to start polling.
func New(pool *pgxpool.Pool, rdb *redis.Client, logger *slog.Logger, orch *orchestrator.Orchestrator, persist *persistence.Store, loadAvatar AvatarLoader, cfg Config) *Manager {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	return &Manager{
		pool:         pool,
		rdb:          rdb,
		logger:       logger,
		orch:         orch,
		persist:      persist,
		loadAvatar:   loadAvatar,
		workerID:     cfg.WorkerID,
		leaseTTL:     cfg.LeaseTTL,
		pollInterval: cfg.PollInterval,
		cancels:      make(map[uuid.UUID]context.CancelFunc),
	}
}

// Submit enqueues a new batch and returns its job id immediately (spec
// §4.9 "submit").
func (m *Manager) Submit(ctx context.Context, avatarID uuid.UUID, cfg domain.BatchConfig) (uuid.UUID, error) {
	jobID := uuid.New()
	batchID := uuid.New()

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("jobmanager: marshal batch config: %w", err)
	}

	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("jobmanager: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO batches (id, avatar_id, num_pieces, tier_mix_t1, tier_mix_t2, tier_mix_t3, platform, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		batchID, avatarID, cfg.NumPieces, cfg.TierMix.T1, cfg.TierMix.T2, cfg.TierMix.T3, cfg.Platform, domain.BatchQueued,
	); err != nil {
		return uuid.Nil, fmt.Errorf("jobmanager: insert batch: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, batch_id, batch_config, status) VALUES ($1, $2, $3, $4)`,
		jobID, batchID, cfgJSON, StatusQueued,
	); err != nil {
		return uuid.Nil, fmt.Errorf("jobmanager: insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("jobmanager: commit: %w", err)
	}

	return jobID, nil
}

// SubmitSync submits a batch and blocks until it reaches a terminal state
// or submitSyncCap elapses, whichever comes first (spec §4.9).
func (m *Manager) SubmitSync(ctx context.Context, avatarID uuid.UUID, cfg domain.BatchConfig) (uuid.UUID, domain.BatchState, error) {
	jobID, err := m.Submit(ctx, avatarID, cfg)
	if err != nil {
		return uuid.Nil, "", err
	}

	deadline := time.Now().Add(submitSyncCap)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return jobID, "", ctx.Err()
		case <-ticker.C:
			status, state, err := m.Status(ctx, jobID)
			if err != nil {
				return jobID, "", err
			}
			if status == StatusSucceeded || status == StatusFailed || status == StatusCancelled {
				return jobID, state, nil
			}
			if time.Now().After(deadline) {
				return jobID, state, ErrTimeout
			}
		}
	}
}

// Status returns the job's queue status and its batch's domain state.
func (m *Manager) Status(ctx context.Context, jobID uuid.UUID) (Status, domain.BatchState, error) {
	var status Status
	var state domain.BatchState
	err := m.pool.QueryRow(ctx, `
		SELECT j.status, b.state
		FROM jobs j JOIN batches b ON b.id = j.batch_id
		WHERE j.id = $1`, jobID).Scan(&status, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("jobmanager: status: %w", err)
	}
	return status, state, nil
}

// Result returns the persisted pieces for jobID's batch. Callers should
// check Status first: pieces only exist once the batch has passed its
// persistence stage (spec §4.9 "result").
func (m *Manager) Result(ctx context.Context, jobID uuid.UUID) ([]domain.ContentPiece, error) {
	var batchID, avatarID uuid.UUID
	err := m.pool.QueryRow(ctx, `
		SELECT b.id, b.avatar_id FROM jobs j JOIN batches b ON b.id = j.batch_id
		WHERE j.id = $1`, jobID).Scan(&batchID, &avatarID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("jobmanager: result: %w", err)
	}

	out := make([]domain.ContentPiece, 0)
	params := httpserver.CursorParams{Limit: httpserver.MaxPageSize}
	for {
		page, err := m.persist.ListPiecesByAvatar(ctx, avatarID.String(), params)
		if err != nil {
			return nil, fmt.Errorf("jobmanager: result: %w", err)
		}
		more := len(page) > params.Limit
		if more {
			page = page[:params.Limit]
		}
		for _, p := range page {
			if p.BatchID == batchID {
				out = append(out, p)
			}
		}
		if !more {
			return out, nil
		}
		last := page[len(page)-1]
		params.After = &httpserver.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

// Cancel marks jobID for cancellation and notifies any process currently
// running it via Redis pub/sub, so cancellation works across the worker
// fleet, not just the process that happens to hold the lease. A job that
// is still queued has no live process subscribed to the pub/sub channel,
// so it is marked cancelled outright rather than left in "cancelling"
// waiting for an acknowledgement that will never come.
func (m *Manager) Cancel(ctx context.Context, jobID uuid.UUID) error {
	tag, err := m.pool.Exec(ctx, `UPDATE jobs SET status = 'cancelled', completed_at = now() WHERE id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return fmt.Errorf("jobmanager: cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := m.pool.Exec(ctx, `UPDATE batches SET state = $2, finished_at = now() WHERE id = (SELECT batch_id FROM jobs WHERE id = $1)`, jobID, domain.BatchCancelled); err != nil {
			return fmt.Errorf("jobmanager: cancel: marking batch cancelled: %w", err)
		}
		return nil
	}

	if _, err := m.pool.Exec(ctx, `UPDATE jobs SET status = 'cancelling' WHERE id = $1 AND status = 'running'`, jobID); err != nil {
		return fmt.Errorf("jobmanager: cancel: %w", err)
	}
	m.rdb.Publish(ctx, cancelChannel, jobID.String())
	return nil
}

// Run starts the poll-and-lease loop. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("job manager started", "worker_id", m.workerID, "lease_ttl", m.leaseTTL)

	pubsub := m.rdb.Subscribe(ctx, cancelChannel)
	defer pubsub.Close()
	cancelCh := pubsub.Channel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job manager stopped")
			return nil
		case msg := <-cancelCh:
			m.handleCancelEvent(msg.Payload)
		case <-ticker.C:
			if err := m.tick(ctx); err != nil {
				m.logger.Error("job manager tick", "error", err)
			}
		}
	}
}

func (m *Manager) handleCancelEvent(payload string) {
	jobID, err := uuid.Parse(payload)
	if err != nil {
		return
	}
	m.mu.Lock()
	cancel, ok := m.cancels[jobID]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// tick leases one batch of due jobs and executes each in its own
// goroutine; the lease UPDATE re-checks that the job is still due, so a
// job another worker leased in the meantime is skipped rather than
// double-leased.
func (m *Manager) tick(ctx context.Context) error {
	var depth int64
	if err := m.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE status = 'queued'`).Scan(&depth); err == nil {
		telemetry.JobsQueueDepth.Set(float64(depth))
	}

	rows, err := m.pool.Query(ctx, `
		SELECT j.id, j.batch_id
		FROM jobs j
		WHERE j.status = 'queued'
		   OR (j.status = 'running' AND j.leased_until < now())
		ORDER BY j.submitted_at
		LIMIT 10
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return fmt.Errorf("jobmanager: querying due jobs: %w", err)
	}

	type due struct {
		jobID, batchID uuid.UUID
	}
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.jobID, &d.batchID); err != nil {
			rows.Close()
			return fmt.Errorf("jobmanager: scanning due job: %w", err)
		}
		dues = append(dues, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("jobmanager: due jobs: %w", err)
	}

	for _, d := range dues {
		leased, err := m.lease(ctx, d.jobID)
		if err != nil {
			m.logger.Error("leasing job", "job_id", d.jobID, "error", err)
			continue
		}
		if !leased {
			continue
		}
		go m.execute(d.jobID, d.batchID)
	}
	return nil
}

func (m *Manager) lease(ctx context.Context, jobID uuid.UUID) (bool, error) {
	tag, err := m.pool.Exec(ctx, `
		UPDATE jobs SET status = 'running', leased_by = $2, leased_until = now() + $3::interval, attempt_count = attempt_count + 1
		WHERE id = $1 AND (status = 'queued' OR (status = 'running' AND leased_until < now()))`,
		jobID, m.workerID, fmt.Sprintf("%d seconds", int(m.leaseTTL.Seconds())),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// execute runs the orchestrator for one leased job and records its
// terminal state. It is idempotent: a crash mid-run simply lets another
// worker re-lease the job after leaseTTL and re-run it, reading batch_config
// back from the jobs row rather than any in-process state; InsertPieces's
// ON CONFLICT DO NOTHING makes the retried persistence stage a no-op for
// pieces already written.
func (m *Manager) execute(jobID, batchID uuid.UUID) {
	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[jobID] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, jobID)
		m.mu.Unlock()
		cancel()
	}()

	go func() {
		ticker := time.NewTicker(m.leaseTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if _, err := m.pool.Exec(runCtx, `UPDATE jobs SET leased_until = now() + $2::interval WHERE id = $1 AND leased_by = $3`, jobID, fmt.Sprintf("%d seconds", int(m.leaseTTL.Seconds())), m.workerID); err != nil {
					m.logger.Warn("renewing job lease", "job_id", jobID, "error", err)
				}
			}
		}
	}()

	avatarID, cfg, err := m.loadJobConfig(runCtx, jobID, batchID)
	if err != nil {
		m.logger.Error("execute: loading batch config", "job_id", jobID, "error", err)
		m.markTerminal(context.Background(), jobID, StatusFailed, domain.BatchFailed)
		return
	}

	avatar, err := m.loadAvatar(runCtx, avatarID)
	if err != nil {
		m.logger.Error("execute: loading avatar", "job_id", jobID, "error", err)
		m.markTerminal(context.Background(), jobID, StatusFailed, domain.BatchFailed)
		return
	}

	batch, _, err := m.orch.Run(runCtx, avatar, batchID, cfg, nil)
	if err != nil {
		m.logger.Warn("batch run ended with error", "job_id", jobID, "error", err)
	}

	status := StatusSucceeded
	switch {
	case batch == nil:
		status = StatusFailed
	case batch.State == domain.BatchFailed:
		status = StatusFailed
	case batch.State == domain.BatchCancelled:
		status = StatusCancelled
	}

	state := domain.BatchFailed
	if batch != nil {
		state = batch.State
	}
	m.markTerminal(context.Background(), jobID, status, state)
}

func (m *Manager) markTerminal(ctx context.Context, jobID uuid.UUID, status Status, state domain.BatchState) {
	if _, err := m.pool.Exec(ctx, `UPDATE jobs SET status = $2, completed_at = now() WHERE id = $1`, jobID, status); err != nil {
		m.logger.Error("recording terminal job status", "job_id", jobID, "error", err)
	}
	if _, err := m.pool.Exec(ctx, `UPDATE batches SET state = $2, finished_at = now() WHERE id = (SELECT batch_id FROM jobs WHERE id = $1)`, jobID, state); err != nil {
		m.logger.Error("recording terminal batch state", "job_id", jobID, "error", err)
	}
}

// loadJobConfig reads back the avatar id (via the batch row) and the
// persisted batch_config for jobID, so any worker can pick up a reclaimed
// lease with no dependency on which process originally accepted Submit.
func (m *Manager) loadJobConfig(ctx context.Context, jobID, batchID uuid.UUID) (uuid.UUID, domain.BatchConfig, error) {
	var avatarID uuid.UUID
	var rawCfg []byte
	err := m.pool.QueryRow(ctx, `
		SELECT b.avatar_id, j.batch_config
		FROM jobs j JOIN batches b ON b.id = j.batch_id
		WHERE j.id = $1 AND j.batch_id = $2`, jobID, batchID).Scan(&avatarID, &rawCfg)
	if err != nil {
		return uuid.Nil, domain.BatchConfig{}, fmt.Errorf("loading job config: %w", err)
	}

	var cfg domain.BatchConfig
	if err := json.Unmarshal(rawCfg, &cfg); err != nil {
		return uuid.Nil, domain.BatchConfig{}, fmt.Errorf("unmarshalling batch config: %w", err)
	}
	return avatarID, cfg, nil
}
