package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/octo-potato/internal/models"
)

// S3Store keeps chunk payloads in an S3-compatible bucket. The locator
// URL is the object key and the message id is the upload ETag, so the
// catalog schema is identical across backends.
type S3Store struct {
	client     *minio.Client
	bucketName string
}

// NewS3Store initializes the MinIO client and ensures the bucket exists.
func NewS3Store(endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*S3Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &S3Store{
		client:     client,
		bucketName: bucketName,
	}

	// Ensure bucket exists
	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		log.Printf("Creating bucket: %s", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return s, nil
}

// Upload puts the payload at the given object key.
func (s *S3Store) Upload(ctx context.Context, name string, payload io.Reader, size int64) (models.Locator, error) {
	ctx, span := tracer.Start(ctx, "s3.upload",
		trace.WithAttributes(
			attribute.String("object_key", name),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	info, err := s.client.PutObject(ctx, s.bucketName, name, payload, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		if isThrottle(err) {
			return models.Locator{}, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return models.Locator{}, fmt.Errorf("failed to upload chunk: %w", err)
	}

	span.SetAttributes(attribute.Bool("upload_success", true))
	return models.Locator{MessageID: info.ETag, URL: name}, nil
}

// Fetch streams the object a locator points at.
func (s *S3Store) Fetch(ctx context.Context, loc models.Locator) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "s3.fetch",
		trace.WithAttributes(
			attribute.String("object_key", loc.URL),
		),
	)
	defer span.End()

	object, err := s.client.GetObject(ctx, s.bucketName, loc.URL, minio.GetObjectOptions{})
	if err != nil {
		span.RecordError(err)
		if isThrottle(err) {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	return object, nil
}

// isThrottle reports whether the provider asked us to slow down, so the
// executor's rate-limit discipline applies across backends.
func isThrottle(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.Code == "SlowDown" ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusServiceUnavailable
	}
	return false
}
