// Package cache provides an optional Redis cache of chunk payloads for
// reconstruction. Cache errors degrade to a direct remote fetch; they
// never fail the operation.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("octo-potato-cache")

// ChunkTTL is the time-to-live for cached chunk payloads (5 minutes)
const ChunkTTL = 5 * time.Minute

// ChunkCache wraps Redis operations with tracing
type ChunkCache struct {
	client *redis.Client
}

// New initializes a new chunk cache
func New(addr, password string, db int) (*ChunkCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &ChunkCache{client: client}, nil
}

// Close closes the Redis connection
func (cc *ChunkCache) Close() error {
	return cc.client.Close()
}

func chunkKey(fileID int64, index int) string {
	return fmt.Sprintf("chunk:%d:%d", fileID, index)
}

// GetChunk retrieves a chunk payload from cache. A miss returns nil
// bytes and no error.
func (cc *ChunkCache) GetChunk(ctx context.Context, fileID int64, index int) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "redis.get_chunk",
		trace.WithAttributes(
			attribute.Int64("file_id", fileID),
			attribute.Int("chunk_index", index),
		),
	)
	defer span.End()

	data, err := cc.client.Get(ctx, chunkKey(fileID, index)).Bytes()

	if err == redis.Nil {
		span.SetAttributes(attribute.Bool("cache_hit", false))
		return nil, nil // Cache miss, not an error
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get from cache: %w", err)
	}

	span.SetAttributes(
		attribute.Bool("cache_hit", true),
		attribute.Int("size_bytes", len(data)),
	)
	return data, nil
}

// SetChunk stores a chunk payload in cache with the standard TTL.
func (cc *ChunkCache) SetChunk(ctx context.Context, fileID int64, index int, data []byte) error {
	ctx, span := tracer.Start(ctx, "redis.set_chunk",
		trace.WithAttributes(
			attribute.Int64("file_id", fileID),
			attribute.Int("chunk_index", index),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	if err := cc.client.Set(ctx, chunkKey(fileID, index), data, ChunkTTL).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(ChunkTTL.Seconds())))
	return nil
}

// InvalidateFile removes every cached chunk of a file.
func (cc *ChunkCache) InvalidateFile(ctx context.Context, fileID int64) error {
	ctx, span := tracer.Start(ctx, "redis.invalidate_file",
		trace.WithAttributes(
			attribute.Int64("file_id", fileID),
		),
	)
	defer span.End()

	iter := cc.client.Scan(ctx, 0, fmt.Sprintf("chunk:%d:*", fileID), 0).Iterator()
	for iter.Next(ctx) {
		if err := cc.client.Del(ctx, iter.Val()).Err(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to invalidate cache: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return nil
}
