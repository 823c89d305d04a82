package blobstore

import (
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

func TestPublicURL(t *testing.T) {
	s := New(nil, "bucket", "https://cdn.example.com")

	got := s.PublicURL("avatars/a1/pieces/0.png")
	want := "https://cdn.example.com/avatars/a1/pieces/0.png"
	if got != want {
		t.Errorf("PublicURL() = %q, want %q", got, want)
	}
}

func TestClassifyNoSuchKey(t *testing.T) {
	err := classify(&types.NoSuchKey{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("classify(NoSuchKey) = %v, want ErrNotFound", err)
	}
}

func TestClassifyClientError(t *testing.T) {
	err := classify(&smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 403}}})

	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("classify returned %T, want *Error", err)
	}
	if be.Kind != KindFatal {
		t.Errorf("Kind = %v, want KindFatal for a 4xx response", be.Kind)
	}
}

func TestClassifyServerError(t *testing.T) {
	err := classify(&smithyhttp.ResponseError{Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 503}}})

	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("classify returned %T, want *Error", err)
	}
	if be.Kind != KindTransient {
		t.Errorf("Kind = %v, want KindTransient for a 5xx response", be.Kind)
	}
}

func TestClassifyUnknownErrorIsTransient(t *testing.T) {
	err := classify(errors.New("connection reset"))

	var be *Error
	if !errors.As(err, &be) {
		t.Fatalf("classify returned %T, want *Error", err)
	}
	if be.Kind != KindTransient {
		t.Errorf("Kind = %v, want KindTransient for an unclassified error", be.Kind)
	}
}
