// Package provider implements the image-generation Provider Router (C4):
// an ordered fallback chain of remote backends, each retried with full
// jitter backoff and guarded by a circuit breaker, honoring the wire
// contract described in spec §6.2.
package provider

import (
	"context"
	"time"
)

// ErrorCode classifies a provider's reported failure (spec §4.4).
type ErrorCode string

const (
	ErrLoraDownloadFailed ErrorCode = "LORA_DOWNLOAD_FAILED"
	ErrLoraLoadFailed     ErrorCode = "LORA_LOAD_FAILED"
	ErrModelLoadFailed    ErrorCode = "MODEL_LOAD_FAILED"
	ErrGenerationFailed   ErrorCode = "GENERATION_FAILED"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrCUDAOOM            ErrorCode = "CUDA_OOM"
	ErrInvalidPrompt      ErrorCode = "INVALID_PROMPT"
	ErrUnclassified       ErrorCode = "UNCLASSIFIED"
)

// Class is the retry disposition derived from an ErrorCode.
type Class int

const (
	// ClassRetrySameProvider retries the same provider without advancing
	// to the next one (e.g. a transient weights-URL fetch failure).
	ClassRetrySameProvider Class = iota
	// ClassFatalProvider abandons this provider and moves to the next.
	ClassFatalProvider
	// ClassTerminal fails the request outright; no provider can recover it.
	ClassTerminal
)

// Classify maps a provider error code to its retry disposition.
func Classify(code ErrorCode) Class {
	switch code {
	case ErrLoraDownloadFailed, ErrTimeout:
		return ClassRetrySameProvider
	case ErrGenerationFailed:
		// First occurrence retries once; the router itself enforces the
		// "retry once, then next provider" rule using attempt counting.
		return ClassRetrySameProvider
	case ErrLoraLoadFailed, ErrModelLoadFailed, ErrCUDAOOM:
		return ClassFatalProvider
	case ErrInvalidPrompt:
		return ClassTerminal
	default:
		return ClassRetrySameProvider
	}
}

// CallError is the structured failure a Backend reports for one attempt.
type CallError struct {
	Code       ErrorCode
	Message    string
	Details    string
	RetryAfter time.Duration // floor on backoff, zero if unset
	CostUSD    float64       // cost actually incurred before failing, if known
}

func (e *CallError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	SupportsWeights bool
	SupportsSeed    bool
}

// Request is the generation request passed to a Backend, mirroring the
// outbound wire shape in spec §6.2.
type Request struct {
	Prompt         string
	NegativePrompt string
	WeightsURL     string // presigned URL from C1; empty if none
	WeightsScale   float64
	Width          int
	Height         int
	Steps          int
	CFG            float64
	Seed           *int64
	Timeout        time.Duration
}

// CallResult is a successful backend response.
type CallResult struct {
	ImageBytes     []byte
	Width          int
	Height         int
	GenerationMS   int64
	ModelInfo      map[string]any
	CostUSD        float64
}

// Backend is one named remote image-generation service.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	MaxAttempts() int
	BackoffBaseMS() int
	// CostPerSecond prices a failed attempt when CallError.CostUSD is
	// unset: compute time is billed whether or not the call succeeded
	// (spec §4.4, §8 invariant 8).
	CostPerSecond() float64
	Generate(ctx context.Context, req Request) (*CallResult, error)
}

// Attempt records one call made against one backend, for telemetry and
// cost accounting (spec §8, invariant 2).
type Attempt struct {
	Provider  string
	AttemptNo int
	StartedAt time.Time
	Duration  time.Duration
	Outcome   string // "ok", "retryable_error", "fatal_error", "timeout"
	ErrorCode ErrorCode
	CostUSD   float64
}

// Result is the outcome of routing one Request through the chain.
type Result struct {
	ImageBytes   []byte
	Width        int
	Height       int
	GenerationMS int64
	ProviderUsed string
	Attempts     []Attempt
	CostUSD      float64
}

// WeightsRefresher re-mints the weights URL mid-retry when the original is
// close to expiry (spec §4.4 "URL re-minting"). Supplied by the
// Orchestrator; the Router never talks to C1 directly.
type WeightsRefresher func(ctx context.Context) (url string, issuedAt time.Time, err error)

const maxInlineImageBytes = 100 << 20 // 100 MB, spec §4.4 edge case
