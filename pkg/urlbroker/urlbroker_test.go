package urlbroker

import (
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func testClient() *s3.Client {
	cfg := aws.Config{
		Region:      "us-east-1",
		Credentials: credentials.NewStaticCredentialsProvider("AKIATEST", "secretkey", ""),
	}
	return s3.NewFromConfig(cfg)
}

func TestMintReadReturnsPresignedURL(t *testing.T) {
	b := New(testClient(), "contentcore-weights")

	minted, err := b.MintRead(t.Context(), "avatars/a1/weights.safetensors", 15*time.Minute)
	if err != nil {
		t.Fatalf("MintRead error: %v", err)
	}
	if !strings.Contains(minted.URL, "contentcore-weights") {
		t.Errorf("URL = %q, does not reference bucket", minted.URL)
	}
	if !strings.Contains(minted.URL, "avatars/a1/weights.safetensors") {
		t.Errorf("URL = %q, does not reference key", minted.URL)
	}
	if !minted.ExpiresAt.After(minted.IssuedAt) {
		t.Error("ExpiresAt should be after IssuedAt")
	}
	if got, want := minted.ExpiresAt.Sub(minted.IssuedAt), 15*time.Minute; got != want {
		t.Errorf("ttl = %v, want %v", got, want)
	}
}

func TestMintReadRejectsNonPositiveTTL(t *testing.T) {
	b := New(testClient(), "bucket")

	if _, err := b.MintRead(t.Context(), "key", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
	if _, err := b.MintRead(t.Context(), "key", -time.Second); err == nil {
		t.Error("expected error for negative ttl")
	}
}
