// Package backend implements concrete provider.Backend adapters.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wisbric/contentcore/pkg/provider"
)

// wireRequest is the outbound JSON body per spec §6.2.
type wireRequest struct {
	Prompt          string  `json:"prompt"`
	NegativePrompt  string  `json:"negative_prompt"`
	LoraURL         string  `json:"lora_url,omitempty"`
	LoraScale       float64 `json:"lora_scale,omitempty"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	Steps           int     `json:"steps"`
	CFG             float64 `json:"cfg"`
	Seed            *int64  `json:"seed,omitempty"`
	TimeoutSeconds  int     `json:"timeout_seconds"`
}

// wireSuccess is the inbound success body.
type wireSuccess struct {
	ImageBase64            string         `json:"image_base64"`
	ImageURL                string         `json:"image_url"`
	ImageSize               [2]int         `json:"image_size"`
	GenerationTimeSeconds   float64        `json:"generation_time_seconds"`
	ModelInfo                map[string]any `json:"model_info"`
}

// wireFailure is the inbound failure body.
type wireFailure struct {
	Error      string  `json:"error"`
	ErrorCode  string  `json:"error_code"`
	Details    string  `json:"details"`
	RetryAfter float64 `json:"retry_after"`
}

// HTTPBackend calls a remote image-generation backend honoring the §6.2
// wire contract over plain JSON/HTTP, in the style of the rest of this
// codebase's outbound integration clients.
type HTTPBackend struct {
	name         string
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	caps         provider.Capabilities
	maxAttempts  int
	backoffBaseMS int
	costPerImageUSD float64
	costPerSecondUSD float64
}

// Option configures an HTTPBackend at construction time.
type Option func(*HTTPBackend)

// WithCostPerImage sets a fixed per-successful-call cost.
func WithCostPerImage(usd float64) Option {
	return func(b *HTTPBackend) { b.costPerImageUSD = usd }
}

// WithCostPerSecond sets a duration-proportional cost, applied in addition
// to WithCostPerImage.
func WithCostPerSecond(usd float64) Option {
	return func(b *HTTPBackend) { b.costPerSecondUSD = usd }
}

// NewHTTPBackend creates a backend named name, calling baseURL, with the
// given retry budget and capability flags (spec §4.4).
func NewHTTPBackend(name, baseURL, apiKey string, caps provider.Capabilities, maxAttempts, backoffBaseMS int, opts ...Option) *HTTPBackend {
	b := &HTTPBackend{
		name:          name,
		baseURL:       baseURL,
		apiKey:        apiKey,
		httpClient:    &http.Client{},
		caps:          caps,
		maxAttempts:   maxAttempts,
		backoffBaseMS: backoffBaseMS,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *HTTPBackend) Name() string                        { return b.name }
func (b *HTTPBackend) Capabilities() provider.Capabilities  { return b.caps }
func (b *HTTPBackend) MaxAttempts() int                     { return b.maxAttempts }
func (b *HTTPBackend) BackoffBaseMS() int                   { return b.backoffBaseMS }
func (b *HTTPBackend) CostPerSecond() float64                { return b.costPerSecondUSD }

// Generate issues one attempt against the backend and classifies any
// reported failure per spec §4.4.
func (b *HTTPBackend) Generate(ctx context.Context, req provider.Request) (*provider.CallResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	wire := wireRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		LoraURL:        req.WeightsURL,
		LoraScale:      req.WeightsScale,
		Width:          req.Width,
		Height:         req.Height,
		Steps:          req.Steps,
		CFG:            req.CFG,
		Seed:           req.Seed,
		TimeoutSeconds: int(timeout.Seconds()),
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &provider.CallError{Code: provider.ErrGenerationFailed, Message: fmt.Sprintf("marshalling request: %v", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, b.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &provider.CallError{Code: provider.ErrGenerationFailed, Message: fmt.Sprintf("building request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	started := time.Now()
	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, &provider.CallError{Code: provider.ErrTimeout, Message: err.Error()}
		}
		return nil, &provider.CallError{Code: provider.ErrUnclassified, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 150<<20))
	if err != nil {
		return nil, &provider.CallError{Code: provider.ErrUnclassified, Message: fmt.Sprintf("reading response: %v", err)}
	}

	if resp.StatusCode != http.StatusOK {
		var failure wireFailure
		if jsonErr := json.Unmarshal(raw, &failure); jsonErr == nil && failure.ErrorCode != "" {
			return nil, &provider.CallError{
				Code:       provider.ErrorCode(failure.ErrorCode),
				Message:    failure.Error,
				Details:    failure.Details,
				RetryAfter: time.Duration(failure.RetryAfter * float64(time.Second)),
			}
		}
		return nil, &provider.CallError{Code: provider.ErrUnclassified, Message: fmt.Sprintf("backend returned HTTP %d", resp.StatusCode)}
	}

	var success wireSuccess
	if err := json.Unmarshal(raw, &success); err != nil {
		return nil, &provider.CallError{Code: provider.ErrGenerationFailed, Message: fmt.Sprintf("decoding response: %v", err)}
	}

	genMS := int64(success.GenerationTimeSeconds * 1000)
	if genMS == 0 {
		genMS = time.Since(started).Milliseconds()
	}
	cost := b.costPerImageUSD + b.costPerSecondUSD*float64(genMS)/1000

	imageBytes, err := decodeImage(success)
	if err != nil {
		// The backend reported a successful, billed generation; only the
		// image payload failed to decode, so the cost still applies.
		return nil, &provider.CallError{Code: provider.ErrGenerationFailed, Message: err.Error(), CostUSD: cost}
	}

	return &provider.CallResult{
		ImageBytes:   imageBytes,
		Width:        success.ImageSize[0],
		Height:       success.ImageSize[1],
		GenerationMS: genMS,
		ModelInfo:    success.ModelInfo,
		CostUSD:      cost,
	}, nil
}

// decodeImage resolves either an inline base64 payload or an image URL
// (fetched eagerly, capped per spec §4.4's 100 MB rejection rule).
func decodeImage(s wireSuccess) ([]byte, error) {
	switch {
	case s.ImageBase64 != "":
		if len(s.ImageBase64) > base64.StdEncoding.EncodedLen(100<<20) { // encoded size of 100 MB; cap before decode
			return nil, fmt.Errorf("inline image payload exceeds 100MB limit")
		}
		data, err := base64.StdEncoding.DecodeString(s.ImageBase64)
		if err != nil {
			return nil, fmt.Errorf("decoding base64 image: %w", err)
		}
		return data, nil
	case s.ImageURL != "":
		resp, err := http.Get(s.ImageURL)
		if err != nil {
			return nil, fmt.Errorf("fetching image URL: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 100<<20+1))
		if err != nil {
			return nil, fmt.Errorf("reading image URL: %w", err)
		}
		if len(data) > 100<<20 {
			return nil, fmt.Errorf("image payload exceeds 100MB limit")
		}
		return data, nil
	default:
		return nil, fmt.Errorf("response contains neither image_base64 nor image_url")
	}
}
