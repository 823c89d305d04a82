package domain

import (
	"time"

	"github.com/google/uuid"
)

// AttemptOutcome classifies the result of one provider call for telemetry.
type AttemptOutcome string

const (
	OutcomeOK             AttemptOutcome = "ok"
	OutcomeRetryableError AttemptOutcome = "retryable_error"
	OutcomeFatalError     AttemptOutcome = "fatal_error"
	OutcomeTimeout        AttemptOutcome = "timeout"
)

// ProviderAttempt is the telemetry record for a single provider call,
// persisted or logged per spec.md §3.
type ProviderAttempt struct {
	BatchID    uuid.UUID
	PieceIndex int
	Provider   string
	AttemptNo  int
	StartedAt  time.Time
	DurationMS int64
	Outcome    AttemptOutcome
	ErrorCode  string
	CostUSD    float64
}
