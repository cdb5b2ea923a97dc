// Package remote implements the blob backends that hold chunk payloads:
// the attachment-hosting webhook endpoint (fetched back through a
// rewriting proxy) and an S3-compatible object store.
package remote

import (
	"context"
	"errors"
	"io"

	"go.opentelemetry.io/otel"

	"github.com/maneesh/octo-potato/internal/models"
)

var tracer = otel.Tracer("octo-potato-remote")

// ErrRateLimited signals a provider throttle response. The upload
// executor retries these indefinitely; they are never surfaced to the
// caller as a failure.
var ErrRateLimited = errors.New("rate limited by remote endpoint")

// ErrMalformedResponse signals a success response whose body is missing
// the expected identifier or attachment URL. Not retried.
var ErrMalformedResponse = errors.New("malformed response from remote endpoint")

// Store is a remote blob backend for chunk payloads.
type Store interface {
	// Upload delivers one chunk payload and returns its locator.
	Upload(ctx context.Context, name string, payload io.Reader, size int64) (models.Locator, error)

	// Fetch streams the payload a locator points at.
	Fetch(ctx context.Context, loc models.Locator) (io.ReadCloser, error)
}
