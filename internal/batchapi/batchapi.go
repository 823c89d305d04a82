// Package batchapi mounts the HTTP surface for submitting and inspecting
// batches: a thin translation layer over the Job Manager (C9), in the
// same handler-struct-with-Routes()-method shape this codebase uses for
// its other domain handlers.
package batchapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/contentcore/internal/audit"
	"github.com/wisbric/contentcore/internal/httpserver"
	"github.com/wisbric/contentcore/pkg/domain"
	"github.com/wisbric/contentcore/pkg/jobmanager"
)

// Handler serves /batches.
type Handler struct {
	logger *slog.Logger
	jobs   *jobmanager.Manager
	audit  *audit.Writer
}

// New creates a Handler. audit may be nil, in which case submissions and
// cancellations are not recorded to the audit log.
func New(logger *slog.Logger, jobs *jobmanager.Manager, auditWriter *audit.Writer) *Handler {
	return &Handler{logger: logger, jobs: jobs, audit: auditWriter}
}

func (h *Handler) logAudit(r *http.Request, action string, jobID uuid.UUID) {
	if h.audit == nil {
		return
	}
	h.audit.LogFromRequest(r, action, "batch", jobID, nil)
}

// Routes returns the chi.Router to mount at /batches.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleSubmit)
	r.Post("/sync", h.handleSubmitSync)
	r.Get("/{jobID}", h.handleStatus)
	r.Get("/{jobID}/pieces", h.handleResult)
	r.Post("/{jobID}/cancel", h.handleCancel)
	return r
}

// submitRequest is the wire shape of a batch submission (spec §6.1).
type submitRequest struct {
	AvatarID              string        `json:"avatar_id" validate:"required,uuid"`
	NumPieces             int           `json:"num_pieces" validate:"required,min=1,max=200"`
	TierMix               tierMixWire   `json:"tier_mix" validate:"required"`
	Platform              string        `json:"platform"`
	DoCaptions            bool          `json:"do_captions"`
	DoSafety              bool          `json:"do_safety"`
	DoUpload              bool          `json:"do_upload"`
	CustomPrompts         []string      `json:"custom_prompts,omitempty"`
	CustomTiers           []domain.Tier `json:"custom_tiers,omitempty"`
	ProviderHint          string        `json:"provider_hint,omitempty"`
	Seed                  *int64        `json:"seed,omitempty"`
	AllowDegradedFallback *bool         `json:"allow_degraded_fallback,omitempty"`
	Workers               int          `json:"workers,omitempty"`
	DeadlineSeconds        int          `json:"deadline_seconds,omitempty"`
}

type tierMixWire struct {
	T1 float64 `json:"t1"`
	T2 float64 `json:"t2"`
	T3 float64 `json:"t3"`
}

func (req submitRequest) toBatchConfig() domain.BatchConfig {
	allowDegraded := true
	if req.AllowDegradedFallback != nil {
		allowDegraded = *req.AllowDegradedFallback
	}
	return domain.BatchConfig{
		NumPieces:             req.NumPieces,
		TierMix:               domain.TierMix{T1: req.TierMix.T1, T2: req.TierMix.T2, T3: req.TierMix.T3},
		Platform:              req.Platform,
		DoCaptions:            req.DoCaptions,
		DoSafety:              req.DoSafety,
		DoUpload:              req.DoUpload,
		CustomPrompts:         req.CustomPrompts,
		CustomTiers:           req.CustomTiers,
		ProviderHint:          req.ProviderHint,
		Seed:                  req.Seed,
		AllowDegradedFallback: allowDegraded,
		Workers:               req.Workers,
		DeadlineSeconds:       req.DeadlineSeconds,
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	avatarID, err := uuid.Parse(req.AvatarID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "avatar_id must be a uuid")
		return
	}

	jobID, err := h.jobs.Submit(r.Context(), avatarID, req.toBatchConfig())
	if err != nil {
		h.logger.Error("submitting batch", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to submit batch")
		return
	}

	h.logAudit(r, "submit", jobID)
	httpserver.Respond(w, http.StatusAccepted, map[string]string{"job_id": jobID.String()})
}

func (h *Handler) handleSubmitSync(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	avatarID, err := uuid.Parse(req.AvatarID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "avatar_id must be a uuid")
		return
	}

	jobID, state, err := h.jobs.SubmitSync(r.Context(), avatarID, req.toBatchConfig())
	if errors.Is(err, jobmanager.ErrTimeout) {
		h.logAudit(r, "submit_sync_timeout", jobID)
		httpserver.Respond(w, http.StatusAccepted, map[string]string{"job_id": jobID.String(), "state": string(state), "note": "still running, poll /batches/{job_id}"})
		return
	}
	if err != nil {
		h.logger.Error("submit_sync", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to run batch")
		return
	}

	h.logAudit(r, "submit_sync", jobID)
	httpserver.Respond(w, http.StatusOK, map[string]string{"job_id": jobID.String(), "state": string(state)})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	status, state, err := h.jobs.Status(r.Context(), jobID)
	if errors.Is(err, jobmanager.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		h.logger.Error("job status", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to read job status")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": string(status), "state": string(state)})
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	pieces, err := h.jobs.Result(r.Context(), jobID)
	if errors.Is(err, jobmanager.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		h.logger.Error("job result", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to read job result")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"pieces": pieces})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid job id")
		return
	}

	if err := h.jobs.Cancel(r.Context(), jobID); err != nil {
		h.logger.Error("cancelling job", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}

	h.logAudit(r, "cancel", jobID)
	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}
