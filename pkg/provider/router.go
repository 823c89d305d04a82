package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/wisbric/contentcore/internal/telemetry"
)

// ErrNoProviderAvailable is returned when the chain is empty.
var ErrNoProviderAvailable = errors.New("provider: no provider configured")

// AllProvidersFailedError carries the last error observed from every
// provider in the chain (spec §4.4 "All providers exhausted").
type AllProvidersFailedError struct {
	LastErrors map[string]error
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("provider: all %d providers exhausted", len(e.LastErrors))
}

// Cancelled is returned when the request's cancellation signal fired.
var Cancelled = errors.New("provider: cancelled")

// entry pairs a backend with its circuit breaker.
type entry struct {
	backend Backend
	breaker *gobreaker.CircuitBreaker
}

// Router tries backends in a configured order, retrying each per its own
// budget before falling through to the next (spec §4.4).
type Router struct {
	chain                 []entry
	allowDegradedFallback bool
	logger                *slog.Logger
}

// Config holds the degraded-fallback flag and the circuit-breaker settings
// applied to each backend's own breaker.
type Config struct {
	AllowDegradedFallback bool
	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
}

// NewRouter builds a Router over backends in priority order. The first
// element is the primary; the rest are fallbacks.
func NewRouter(cfg Config, logger *slog.Logger, backends ...Backend) *Router {
	r := &Router{
		allowDegradedFallback: cfg.AllowDegradedFallback,
		logger:                logger,
	}
	for _, b := range backends {
		name := b.Name()
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("provider circuit breaker state change", "provider", name, "from", from.String(), "to", to.String())
			},
		}
		r.chain = append(r.chain, entry{
			backend: b,
			breaker: gobreaker.NewCircuitBreaker(settings),
		})
	}
	return r
}

// Route attempts req against the chain in order, honoring weights
// requirements, retry/backoff per backend, and cancellation. refresh is
// called to re-mint the weights URL when it is close to expiry; it may be
// nil if req.WeightsURL is empty. On a terminal CallError or an
// AllProvidersFailedError the Result is still returned, carrying every
// attempt made and its cost.
func (r *Router) Route(ctx context.Context, req Request, weightsIssuedAt time.Time, weightsTTL time.Duration, refresh WeightsRefresher) (*Result, error) {
	if len(r.chain) == 0 {
		return nil, ErrNoProviderAvailable
	}

	result := &Result{}
	lastErrors := make(map[string]error)

	for _, e := range r.chain {
		if ctx.Err() != nil {
			return nil, Cancelled
		}

		caps := e.backend.Capabilities()
		if req.WeightsURL != "" && !caps.SupportsWeights && !r.allowDegradedFallback {
			lastErrors[e.backend.Name()] = fmt.Errorf("provider %q does not support weights and degraded fallback is disabled", e.backend.Name())
			continue
		}

		callReq := req
		if !caps.SupportsWeights {
			callReq.WeightsURL = ""
		}
		if !caps.SupportsSeed {
			callReq.Seed = nil
		}

		callResult, attempts, err := r.callWithRetry(ctx, e, callReq, weightsIssuedAt, weightsTTL, refresh)
		result.Attempts = append(result.Attempts, attempts...)
		for _, a := range attempts {
			result.CostUSD += a.CostUSD
		}

		if err == nil {
			result.ImageBytes = callResult.ImageBytes
			result.Width = callResult.Width
			result.Height = callResult.Height
			result.GenerationMS = callResult.GenerationMS
			result.ProviderUsed = e.backend.Name()
			return result, nil
		}

		if errors.Is(err, Cancelled) {
			return nil, Cancelled
		}

		var ce *CallError
		if errors.As(err, &ce) && Classify(ce.Code) == ClassTerminal {
			return result, ce
		}

		lastErrors[e.backend.Name()] = err
		r.logger.Info("provider exhausted, trying next", "provider", e.backend.Name(), "error", err)
	}

	return result, &AllProvidersFailedError{LastErrors: lastErrors}
}

// callWithRetry drives the per-provider retry loop described in spec §4.4:
// exponential backoff with full jitter, classification-driven continuation,
// and URL re-minting when the weights URL is near expiry.
func (r *Router) callWithRetry(ctx context.Context, e entry, req Request, weightsIssuedAt time.Time, weightsTTL time.Duration, refresh WeightsRefresher) (*CallResult, []Attempt, error) {
	maxAttempts := e.backend.MaxAttempts()
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	bo := &fullJitterBackOff{baseMS: e.backend.BackoffBaseMS()}
	var attempts []Attempt

	generationFailedRetried := false

	operation := func() (*CallResult, error) {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(Cancelled)
		}

		attemptNo := len(attempts) + 1
		started := time.Now()

		raw, cbErr := e.breaker.Execute(func() (interface{}, error) {
			return e.backend.Generate(ctx, req)
		})
		var callResult *CallResult
		if raw != nil {
			callResult = raw.(*CallResult)
		}

		duration := time.Since(started)
		telemetry.ProviderAttemptDuration.WithLabelValues(e.backend.Name()).Observe(duration.Seconds())

		if cbErr == nil {
			attempts = append(attempts, Attempt{
				Provider: e.backend.Name(), AttemptNo: attemptNo, StartedAt: started,
				Duration: duration, Outcome: "ok", CostUSD: callResult.CostUSD,
			})
			telemetry.ProviderAttemptsTotal.WithLabelValues(e.backend.Name(), "ok").Inc()
			return callResult, nil
		}

		if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
			telemetry.ProviderAttemptsTotal.WithLabelValues(e.backend.Name(), "breaker_open").Inc()
			return nil, backoff.Permanent(cbErr)
		}

		var ce *CallError
		if !errors.As(cbErr, &ce) {
			ce = &CallError{Code: ErrUnclassified, Message: cbErr.Error()}
		}

		cost := ce.CostUSD
		if cost == 0 {
			cost = e.backend.CostPerSecond() * duration.Seconds()
		}
		class := Classify(ce.Code)
		if ce.Code == ErrGenerationFailed {
			if generationFailedRetried {
				class = ClassFatalProvider
			}
			generationFailedRetried = true
		}

		outcome := "retryable_error"
		switch {
		case ce.Code == ErrTimeout:
			outcome = "timeout"
		case class == ClassTerminal || class == ClassFatalProvider:
			outcome = "fatal_error"
		}
		attempts = append(attempts, Attempt{
			Provider: e.backend.Name(), AttemptNo: attemptNo, StartedAt: started,
			Duration: duration, Outcome: outcome, ErrorCode: ce.Code, CostUSD: cost,
		})

		switch class {
		case ClassTerminal:
			telemetry.ProviderAttemptsTotal.WithLabelValues(e.backend.Name(), "terminal").Inc()
			return nil, backoff.Permanent(ce)
		case ClassFatalProvider:
			telemetry.ProviderAttemptsTotal.WithLabelValues(e.backend.Name(), "fatal").Inc()
			return nil, backoff.Permanent(ce)
		}

		telemetry.ProviderAttemptsTotal.WithLabelValues(e.backend.Name(), "retryable").Inc()

		if ce.Code == ErrLoraDownloadFailed && refresh != nil && weightsTTL > 0 {
			if time.Since(weightsIssuedAt) > (weightsTTL*8)/10 {
				newURL, issuedAt, rerr := refresh(ctx)
				if rerr == nil {
					req.WeightsURL = newURL
					weightsIssuedAt = issuedAt
				}
			}
		}

		if ce.RetryAfter > 0 {
			bo.floor = ce.RetryAfter
		}

		return nil, ce
	}

	result, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(maxAttempts)))
	if err != nil {
		if errors.Is(err, Cancelled) {
			return nil, attempts, Cancelled
		}
		return nil, attempts, err
	}
	return result, attempts, nil
}

// fullJitterBackOff implements backoff.BackOff with the wait formula
// required by spec §4.4: attempt n waits uniform(0, base*2^(n-1)).
type fullJitterBackOff struct {
	baseMS  int
	attempt int
	floor   time.Duration
}

func (b *fullJitterBackOff) NextBackOff() time.Duration {
	b.attempt++
	capMS := b.baseMS * (1 << (b.attempt - 1))
	if capMS <= 0 {
		capMS = b.baseMS
	}
	wait := time.Duration(rand.Intn(capMS+1)) * time.Millisecond
	if wait < b.floor {
		wait = b.floor
	}
	return wait
}

func (b *fullJitterBackOff) Reset() {
	b.attempt = 0
	b.floor = 0
}
