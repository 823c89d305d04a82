// Package urlbroker mints short-TTL, single-capability read URLs for
// objects in blob storage (C1), grounded on the AWS S3 presign pattern.
package urlbroker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrStorageUnavailable signals that storage credentials are missing or
// invalid; callers must not retry without a configuration change (spec
// §4.1).
var ErrStorageUnavailable = errors.New("urlbroker: storage unavailable")

// Broker mints presigned GET URLs scoped to exactly one object.
type Broker struct {
	presign *s3.PresignClient
	bucket  string
}

// New creates a Broker over bucket using client's credentials.
func New(client *s3.Client, bucket string) *Broker {
	return &Broker{
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
	}
}

// MintedURL is a presigned URL plus the wall-clock time it was issued,
// needed by the Provider Router to decide when a refresh is due (spec
// §4.4 "URL re-minting").
type MintedURL struct {
	URL      string
	IssuedAt time.Time
	ExpiresAt time.Time
}

// MintRead returns a presigned GET URL for path, valid for ttl. The URL
// grants only GET on exactly path and carries no other credentials.
func (b *Broker) MintRead(ctx context.Context, path string, ttl time.Duration) (MintedURL, error) {
	if ttl <= 0 {
		return MintedURL{}, fmt.Errorf("urlbroker: ttl must be positive, got %s", ttl)
	}

	issuedAt := time.Now()
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &path,
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return MintedURL{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	return MintedURL{
		URL:       req.URL,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(ttl),
	}, nil
}
