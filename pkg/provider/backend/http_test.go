package backend

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/contentcore/pkg/provider"
)

func TestHTTPBackendGenerateSuccess(t *testing.T) {
	imgData := []byte("fake-png-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing or wrong Authorization header: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"image_base64": "` + base64.StdEncoding.EncodeToString(imgData) + `",
			"image_size": [512, 768],
			"generation_time_seconds": 2.5
		}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend("test", srv.URL, "secret", provider.Capabilities{SupportsWeights: true, SupportsSeed: true}, 3, 100, WithCostPerImage(0.02))

	result, err := b.Generate(t.Context(), provider.Request{Prompt: "a prompt", Width: 512, Height: 768})
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	if string(result.ImageBytes) != string(imgData) {
		t.Errorf("ImageBytes mismatch")
	}
	if result.Width != 512 || result.Height != 768 {
		t.Errorf("dimensions = %dx%d, want 512x768", result.Width, result.Height)
	}
	if result.GenerationMS != 2500 {
		t.Errorf("GenerationMS = %d, want 2500", result.GenerationMS)
	}
	if result.CostUSD != 0.02 {
		t.Errorf("CostUSD = %v, want 0.02", result.CostUSD)
	}
}

func TestHTTPBackendGenerateFailureMapsErrorCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": "could not load lora", "error_code": "LORA_DOWNLOAD_FAILED", "retry_after": 1.5}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend("test", srv.URL, "", provider.Capabilities{SupportsWeights: true}, 1, 100)

	_, err := b.Generate(t.Context(), provider.Request{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	ce, ok := err.(*provider.CallError)
	if !ok {
		t.Fatalf("error type = %T, want *provider.CallError", err)
	}
	if ce.Code != provider.ErrLoraDownloadFailed {
		t.Errorf("Code = %v, want %v", ce.Code, provider.ErrLoraDownloadFailed)
	}
}

func TestHTTPBackendName(t *testing.T) {
	b := NewHTTPBackend("stablehorde", "http://example.invalid", "", provider.Capabilities{}, 3, 250)
	if b.Name() != "stablehorde" {
		t.Errorf("Name() = %q, want stablehorde", b.Name())
	}
	if b.MaxAttempts() != 3 {
		t.Errorf("MaxAttempts() = %d, want 3", b.MaxAttempts())
	}
	if b.BackoffBaseMS() != 250 {
		t.Errorf("BackoffBaseMS() = %d, want 250", b.BackoffBaseMS())
	}
}

func TestHTTPBackendCostPerSecond(t *testing.T) {
	b := NewHTTPBackend("test", "http://example.invalid", "", provider.Capabilities{}, 1, 100, WithCostPerSecond(0.05))
	if got := b.CostPerSecond(); got != 0.05 {
		t.Errorf("CostPerSecond() = %v, want 0.05", got)
	}
}

func TestHTTPBackendGenerateDecodeFailureStillCarriesCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"image_size": [512, 768], "generation_time_seconds": 2.0}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend("test", srv.URL, "", provider.Capabilities{}, 1, 100, WithCostPerSecond(0.1))

	_, err := b.Generate(t.Context(), provider.Request{Prompt: "x"})
	if err == nil {
		t.Fatal("expected error for a response with neither image_base64 nor image_url")
	}
	ce, ok := err.(*provider.CallError)
	if !ok {
		t.Fatalf("error type = %T, want *provider.CallError", err)
	}
	if ce.CostUSD <= 0 {
		t.Errorf("CostUSD = %v, want > 0 since the backend completed a billed generation before failing to decode", ce.CostUSD)
	}
}

func TestDecodeImageInlineBase64(t *testing.T) {
	raw := []byte("hello world")
	s := wireSuccess{ImageBase64: base64.StdEncoding.EncodeToString(raw)}

	got, err := decodeImage(s)
	if err != nil {
		t.Fatalf("decodeImage error: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("decodeImage = %q, want %q", got, raw)
	}
}

func TestDecodeImageMissingPayload(t *testing.T) {
	if _, err := decodeImage(wireSuccess{}); err == nil {
		t.Error("expected error when neither image_base64 nor image_url is set")
	}
}

func TestDecodeImageFetchesURL(t *testing.T) {
	raw := []byte("remote-image-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(raw)
	}))
	defer srv.Close()

	got, err := decodeImage(wireSuccess{ImageURL: srv.URL})
	if err != nil {
		t.Fatalf("decodeImage error: %v", err)
	}
	if string(got) != string(raw) {
		t.Errorf("decodeImage = %q, want %q", got, raw)
	}
}
