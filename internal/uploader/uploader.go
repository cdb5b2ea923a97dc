// Package uploader dispatches chunk uploads to a remote blob backend
// with bounded concurrency, per-chunk retry and rate-limit cooperation.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/octo-potato/internal/models"
	"github.com/maneesh/octo-potato/internal/remote"
)

var tracer = otel.Tracer("octo-potato-uploader")

// Config holds the executor's timing and concurrency knobs. The
// defaults follow the endpoint's observed tolerance; tests compress
// them.
type Config struct {
	// BatchSize caps global concurrency: chunks are grouped into
	// batches of this size, uploads within a batch run concurrently,
	// batches run sequentially.
	BatchSize int

	// ThrottleMin/ThrottleMax bound the randomized request-spacing
	// sleep taken by each worker slot after an upload completes,
	// success or not.
	ThrottleMin time.Duration
	ThrottleMax time.Duration

	// MaxAttempts is the total attempt budget for transport-level
	// failures per chunk.
	MaxAttempts int

	// BackoffBase is the unit of the exponential transport backoff:
	// the sleep after attempt n is BackoffBase << n.
	BackoffBase time.Duration

	// RateLimitMin/RateLimitMax bound the randomized backoff after a
	// throttle response. Rate-limit retries are unbounded in count and
	// do not consume transport attempts.
	RateLimitMin time.Duration
	RateLimitMax time.Duration

	// RateLimitBudget optionally caps the wall-clock time a single
	// chunk may spend waiting out throttle responses. Zero means no
	// cap; cancellation still applies.
	RateLimitBudget time.Duration
}

// DefaultConfig returns the production timing policy.
func DefaultConfig() Config {
	return Config{
		BatchSize:    3,
		ThrottleMin:  2 * time.Second,
		ThrottleMax:  6 * time.Second,
		MaxAttempts:  5,
		BackoffBase:  time.Second,
		RateLimitMin: 5 * time.Second,
		RateLimitMax: 15 * time.Second,
	}
}

// Source provides chunk payloads for upload. Open may be called more
// than once per index when an attempt is retried.
type Source interface {
	NumChunks() int
	ChunkName(index int) string
	ChunkSize(index int) int64
	Open(index int) (io.ReadCloser, error)
}

// Result is a successfully uploaded chunk.
type Result struct {
	Index   int
	Locator models.Locator
}

// ChunkError is a permanent per-chunk upload failure.
type ChunkError struct {
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed permanently: %v", e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Executor uploads chunks to a remote store under the configured
// policy.
type Executor struct {
	cfg   Config
	store remote.Store
	log   logrus.FieldLogger
}

// New creates an executor for the given store.
func New(store remote.Store, cfg Config) *Executor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Executor{
		cfg:   cfg,
		store: store,
		log:   logrus.StandardLogger(),
	}
}

type outcome struct {
	res Result
	err *ChunkError
}

// Upload delivers every chunk of the source and returns the collected
// locators sorted by index. Any permanent per-chunk failure aborts the
// run: no new batches start, the in-flight batch drains, every failure
// is logged, and the first one (by index) is returned as the error.
func (e *Executor) Upload(ctx context.Context, source Source) ([]Result, error) {
	numChunks := source.NumChunks()

	ctx, span := tracer.Start(ctx, "uploader.upload",
		trace.WithAttributes(
			attribute.Int("chunk_count", numChunks),
			attribute.Int("batch_size", e.cfg.BatchSize),
		),
	)
	defer span.End()

	if numChunks == 0 {
		return nil, nil
	}

	outcomes := make(chan outcome)
	collectorDone := make(chan struct{})
	var results []Result
	var failures []*ChunkError

	// Single collector; workers never touch shared state.
	go func() {
		defer close(collectorDone)
		for o := range outcomes {
			if o.err != nil {
				failures = append(failures, o.err)
				continue
			}
			results = append(results, o.res)
		}
	}()

	var failed atomic.Int32
	for start := 0; start < numChunks && ctx.Err() == nil; start += e.cfg.BatchSize {
		end := start + e.cfg.BatchSize
		if end > numChunks {
			end = numChunks
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(index int) {
				defer wg.Done()
				loc, err := e.uploadChunk(ctx, source, index)
				if err != nil {
					failed.Add(1)
					e.log.WithField("chunk", index).WithError(err).Error("chunk failed permanently")
					outcomes <- outcome{err: &ChunkError{Index: index, Err: err}}
				} else {
					outcomes <- outcome{res: Result{Index: index, Locator: loc}}
				}
				// Request-spacing throttle before this worker slot
				// frees, independent of batch boundaries.
				sleepContext(ctx, e.jitter(e.cfg.ThrottleMin, e.cfg.ThrottleMax))
			}(i)
		}
		wg.Wait()

		if failed.Load() > 0 {
			break
		}
	}
	close(outcomes)
	<-collectorDone

	if err := ctx.Err(); err != nil && failed.Load() == 0 {
		span.RecordError(err)
		return nil, fmt.Errorf("upload cancelled: %w", err)
	}

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
		span.RecordError(failures[0])
		span.SetAttributes(attribute.Int("failed_chunks", len(failures)))
		return nil, failures[0]
	}

	// Completion order is unconstrained; the sort is the only ordering
	// authority for the catalog.
	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })

	span.SetAttributes(attribute.Int("uploaded_chunks", len(results)))
	return results, nil
}

// uploadChunk runs the per-chunk retry loop. Transport failures and
// throttle responses keep independent counters; a malformed success
// body is permanent immediately.
func (e *Executor) uploadChunk(ctx context.Context, source Source, index int) (models.Locator, error) {
	logger := e.log.WithField("chunk", index)
	attempts := 0
	var throttledSince time.Time

	for {
		if err := ctx.Err(); err != nil {
			return models.Locator{}, err
		}

		payload, err := source.Open(index)
		if err != nil {
			return models.Locator{}, fmt.Errorf("failed to open chunk payload: %w", err)
		}
		loc, err := e.store.Upload(ctx, source.ChunkName(index), payload, source.ChunkSize(index))
		payload.Close()

		if err == nil {
			logger.WithFields(logrus.Fields{
				"message_id": loc.MessageID,
				"url":        loc.URL,
			}).Info("chunk uploaded")
			return loc, nil
		}

		switch {
		case errors.Is(err, remote.ErrRateLimited):
			if throttledSince.IsZero() {
				throttledSince = time.Now()
			}
			if e.cfg.RateLimitBudget > 0 && time.Since(throttledSince) > e.cfg.RateLimitBudget {
				return models.Locator{}, fmt.Errorf("rate limit budget exhausted: %w", err)
			}
			delay := e.jitter(e.cfg.RateLimitMin, e.cfg.RateLimitMax)
			logger.WithField("backoff", delay).Warn("rate limited, backing off")
			if err := sleepContext(ctx, delay); err != nil {
				return models.Locator{}, err
			}

		case errors.Is(err, remote.ErrMalformedResponse):
			return models.Locator{}, err

		default:
			attempts++
			if attempts >= e.cfg.MaxAttempts {
				return models.Locator{}, fmt.Errorf("upload failed after %d attempts: %w", attempts, err)
			}
			delay := e.cfg.BackoffBase << attempts
			logger.WithFields(logrus.Fields{
				"attempt": attempts,
				"backoff": delay,
			}).Warnf("upload failed: %v, retrying", err)
			if err := sleepContext(ctx, delay); err != nil {
				return models.Locator{}, err
			}
		}
	}
}

// jitter returns a uniformly random duration in [min, max].
func (e *Executor) jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// sleepContext sleeps for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
