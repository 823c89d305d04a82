package domain

import (
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the artifact type of a ContentPiece. This core
// generates images; video is a variant of the same flow (spec.md §3) and
// is represented but not implemented end-to-end here.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Tier is the ascending-explicitness distribution class assigned to a piece.
type Tier string

const (
	TierT1 Tier = "T1"
	TierT2 Tier = "T2"
	TierT3 Tier = "T3"
)

// SafetyRating is the outcome of the safety classifier (C6).
type SafetyRating string

const (
	SafetySafe        SafetyRating = "safe"
	SafetySuggestive   SafetyRating = "suggestive"
	SafetyBorderline   SafetyRating = "borderline"
	SafetyRejected     SafetyRating = "rejected"
)

// ContentPiece is a single generated artifact, persisted once it survives
// every pipeline stage. Never mutated after persistence except that the
// storage-upload stage may replace a data-URL Url with a CDN Url before
// the piece is ever written to persistence (spec.md §3 lifecycle).
type ContentPiece struct {
	ID                uuid.UUID
	AvatarID          uuid.UUID
	BatchID           uuid.UUID
	PieceIndex        int
	Kind              Kind
	Tier              Tier
	URL               string
	Caption           *string
	SafetyRating      *SafetyRating
	GenerationParams  GenerationConfig
	GenerationCostUSD float64
	GenerationTimeMS  int64
	CreatedAt         time.Time
}

// IsDataURL reports whether Url is an inline base64 data URL rather than a
// CDN-fronted object storage URL. See spec.md §9 Open Questions — this
// core allows it when storage upload is disabled.
func (p ContentPiece) IsDataURL() bool {
	return len(p.URL) >= 5 && p.URL[:5] == "data:"
}
