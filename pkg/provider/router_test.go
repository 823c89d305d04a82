package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeBackend struct {
	name       string
	caps       Capabilities
	maxAttempts int
	costPerSecond float64
	calls      atomic.Int32
	// behavior is invoked per call; returning (nil, err) simulates failure.
	behavior func(callNo int) (*CallResult, error)
}

func (f *fakeBackend) Name() string               { return f.name }
func (f *fakeBackend) Capabilities() Capabilities { return f.caps }
func (f *fakeBackend) MaxAttempts() int           { return f.maxAttempts }
func (f *fakeBackend) BackoffBaseMS() int         { return 1 }
func (f *fakeBackend) CostPerSecond() float64     { return f.costPerSecond }

func (f *fakeBackend) Generate(ctx context.Context, req Request) (*CallResult, error) {
	n := int(f.calls.Add(1))
	return f.behavior(n)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRouteSucceedsOnFirstBackend(t *testing.T) {
	b := &fakeBackend{
		name: "primary", maxAttempts: 1, caps: Capabilities{SupportsWeights: true, SupportsSeed: true},
		behavior: func(int) (*CallResult, error) { return &CallResult{ImageBytes: []byte("img"), CostUSD: 0.01}, nil },
	}
	r := NewRouter(Config{BreakerFailureThreshold: 5, BreakerOpenTimeout: time.Second}, testLogger(), b)

	result, err := r.Route(context.Background(), Request{Prompt: "a prompt"}, time.Now(), time.Minute, nil)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if result.ProviderUsed != "primary" {
		t.Errorf("ProviderUsed = %q, want primary", result.ProviderUsed)
	}
	if string(result.ImageBytes) != "img" {
		t.Errorf("ImageBytes = %q, want img", result.ImageBytes)
	}
}

func TestRouteFallsBackToSecondProvider(t *testing.T) {
	failing := &fakeBackend{
		name: "primary", maxAttempts: 1, caps: Capabilities{SupportsWeights: true, SupportsSeed: true},
		behavior: func(int) (*CallResult, error) {
			return nil, &CallError{Code: ErrModelLoadFailed}
		},
	}
	working := &fakeBackend{
		name: "fallback", maxAttempts: 1, caps: Capabilities{SupportsWeights: true, SupportsSeed: true},
		behavior: func(int) (*CallResult, error) { return &CallResult{ImageBytes: []byte("ok")}, nil },
	}
	r := NewRouter(Config{BreakerFailureThreshold: 5, BreakerOpenTimeout: time.Second}, testLogger(), failing, working)

	result, err := r.Route(context.Background(), Request{Prompt: "a prompt"}, time.Now(), time.Minute, nil)
	if err != nil {
		t.Fatalf("Route error: %v", err)
	}
	if result.ProviderUsed != "fallback" {
		t.Errorf("ProviderUsed = %q, want fallback", result.ProviderUsed)
	}
}

func TestRouteTerminalErrorStopsImmediately(t *testing.T) {
	failing := &fakeBackend{
		name: "primary", maxAttempts: 3, caps: Capabilities{SupportsWeights: true, SupportsSeed: true},
		behavior: func(int) (*CallResult, error) {
			return nil, &CallError{Code: ErrInvalidPrompt}
		},
	}
	neverCalled := &fakeBackend{
		name: "fallback", maxAttempts: 1, caps: Capabilities{SupportsWeights: true, SupportsSeed: true},
		behavior: func(int) (*CallResult, error) { return &CallResult{}, nil },
	}
	r := NewRouter(Config{BreakerFailureThreshold: 5, BreakerOpenTimeout: time.Second}, testLogger(), failing, neverCalled)

	_, err := r.Route(context.Background(), Request{Prompt: "a prompt"}, time.Now(), time.Minute, nil)
	if err == nil {
		t.Fatal("expected terminal error")
	}
	var ce *CallError
	if !errors.As(err, &ce) || ce.Code != ErrInvalidPrompt {
		t.Errorf("error = %v, want CallError{ErrInvalidPrompt}", err)
	}
	if neverCalled.calls.Load() != 0 {
		t.Error("fallback provider should never be called after a terminal error")
	}
}

func TestRouteFailedAttemptsContributeCost(t *testing.T) {
	failing := &fakeBackend{
		name: "primary", maxAttempts: 1, caps: Capabilities{SupportsWeights: true, SupportsSeed: true},
		costPerSecond: 10, // exaggerated so a sub-second sleep still yields a measurable cost
		behavior: func(int) (*CallResult, error) {
			time.Sleep(5 * time.Millisecond)
			return nil, &CallError{Code: ErrModelLoadFailed}
		},
	}
	r := NewRouter(Config{BreakerFailureThreshold: 5, BreakerOpenTimeout: time.Second}, testLogger(), failing)

	result, err := r.Route(context.Background(), Request{Prompt: "a prompt"}, time.Now(), time.Minute, nil)
	var allFailed *AllProvidersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("error = %v, want *AllProvidersFailedError", err)
	}
	if result == nil {
		t.Fatal("Route returned no result alongside AllProvidersFailedError")
	}
	if result.CostUSD <= 0 {
		t.Errorf("result.CostUSD = %v, want > 0 for a billed failed attempt", result.CostUSD)
	}
}

func TestCallWithRetryRecordsNonZeroCostOnFailure(t *testing.T) {
	failing := &fakeBackend{
		name: "primary", maxAttempts: 1, caps: Capabilities{SupportsWeights: true, SupportsSeed: true},
		costPerSecond: 10,
		behavior: func(int) (*CallResult, error) {
			time.Sleep(5 * time.Millisecond)
			return nil, &CallError{Code: ErrModelLoadFailed}
		},
	}
	r := NewRouter(Config{BreakerFailureThreshold: 5, BreakerOpenTimeout: time.Second}, testLogger(), failing)

	_, attempts, err := r.callWithRetry(context.Background(), r.chain[0], Request{Prompt: "x"}, time.Now(), time.Minute, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
	if attempts[0].CostUSD <= 0 {
		t.Errorf("CostUSD = %v, want > 0 for a failed attempt with non-zero per-second cost", attempts[0].CostUSD)
	}
}

func TestRouteAllProvidersFailedError(t *testing.T) {
	failA := &fakeBackend{
		name: "a", maxAttempts: 1, caps: Capabilities{SupportsWeights: true, SupportsSeed: true},
		behavior: func(int) (*CallResult, error) { return nil, &CallError{Code: ErrModelLoadFailed} },
	}
	failB := &fakeBackend{
		name: "b", maxAttempts: 1, caps: Capabilities{SupportsWeights: true, SupportsSeed: true},
		behavior: func(int) (*CallResult, error) { return nil, &CallError{Code: ErrModelLoadFailed} },
	}
	r := NewRouter(Config{BreakerFailureThreshold: 5, BreakerOpenTimeout: time.Second}, testLogger(), failA, failB)

	_, err := r.Route(context.Background(), Request{Prompt: "a prompt"}, time.Now(), time.Minute, nil)
	var allFailed *AllProvidersFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("error = %v, want *AllProvidersFailedError", err)
	}
	if len(allFailed.LastErrors) != 2 {
		t.Errorf("LastErrors has %d entries, want 2", len(allFailed.LastErrors))
	}
}

func TestRouteWithNoBackendsReturnsErrNoProviderAvailable(t *testing.T) {
	r := NewRouter(Config{}, testLogger())

	_, err := r.Route(context.Background(), Request{Prompt: "x"}, time.Now(), time.Minute, nil)
	if !errors.Is(err, ErrNoProviderAvailable) {
		t.Errorf("error = %v, want ErrNoProviderAvailable", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want Class
	}{
		{ErrLoraDownloadFailed, ClassRetrySameProvider},
		{ErrTimeout, ClassRetrySameProvider},
		{ErrLoraLoadFailed, ClassFatalProvider},
		{ErrModelLoadFailed, ClassFatalProvider},
		{ErrCUDAOOM, ClassFatalProvider},
		{ErrInvalidPrompt, ClassTerminal},
		{ErrUnclassified, ClassRetrySameProvider},
	}
	for _, tt := range tests {
		if got := Classify(tt.code); got != tt.want {
			t.Errorf("Classify(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}
