// Package blobstore implements the Blob Store Client (C2): idempotent
// object storage over AWS S3, fronted by a CDN for public URLs.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrNotFound is returned when Get or Copy targets a missing object.
var ErrNotFound = errors.New("blobstore: object not found")

// Kind distinguishes retryable infrastructure failures from configuration
// failures that must not be retried (spec §4.2).
type Kind int

const (
	KindTransient Kind = iota
	KindFatal
)

// Error wraps an underlying failure with its retry disposition.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Store puts/gets objects in one S3 bucket and resolves their CDN-fronted
// public URL.
type Store struct {
	client    *s3.Client
	bucket    string
	cdnPrefix string
}

// New creates a Store over bucket. cdnPrefix is prepended to object paths
// to form the public URL (e.g. "https://cdn.example.com").
func New(client *s3.Client, bucket, cdnPrefix string) *Store {
	return &Store{client: client, bucket: bucket, cdnPrefix: cdnPrefix}
}

// Put uploads bytes at path, idempotent by path: a retry that re-uploads
// identical bytes produces the same observable state (spec §4.2, §8
// invariant 6). Returns the CDN-fronted public URL.
func (s *Store) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", classify(err)
	}
	return s.PublicURL(path), nil
}

// Get downloads the object at path.
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("reading object body: %w", err)}
	}
	return data, nil
}

// Copy duplicates src to dst within the same bucket.
func (s *Store) Copy(ctx context.Context, src, dst string) error {
	source := fmt.Sprintf("%s/%s", s.bucket, src)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(source),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// Delete removes the object at path.
func (s *Store) Delete(ctx context.Context, path string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// PublicURL returns the CDN-fronted URL for path (spec §6.3), not a
// presigned URL — minting those is urlbroker's responsibility.
func (s *Store) PublicURL(path string) string {
	return fmt.Sprintf("%s/%s", s.cdnPrefix, path)
}

func classify(err error) error {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return ErrNotFound
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 400 && respErr.HTTPStatusCode() < 500 {
		return &Error{Kind: KindFatal, Err: err}
	}
	return &Error{Kind: KindTransient, Err: err}
}
