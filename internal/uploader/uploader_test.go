package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maneesh/octo-potato/internal/models"
	"github.com/maneesh/octo-potato/internal/remote"
)

// testConfig compresses every wait so retry-heavy tests run fast.
func testConfig() Config {
	return Config{
		BatchSize:    3,
		ThrottleMin:  0,
		ThrottleMax:  0,
		MaxAttempts:  5,
		BackoffBase:  time.Microsecond,
		RateLimitMin: time.Microsecond,
		RateLimitMax: 2 * time.Microsecond,
	}
}

// memSource serves chunks straight from memory.
type memSource struct {
	payloads [][]byte
}

func (m *memSource) NumChunks() int { return len(m.payloads) }

func (m *memSource) ChunkName(index int) string { return fmt.Sprintf("%d.chunk", index) }

func (m *memSource) ChunkSize(index int) int64 { return int64(len(m.payloads[index])) }

func (m *memSource) Open(index int) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(m.payloads[index])), nil
}

func newMemSource(n int) *memSource {
	payloads := make([][]byte, n)
	for i := range payloads {
		payloads[i] = []byte(fmt.Sprintf("payload-%d", i))
	}
	return &memSource{payloads: payloads}
}

// fakeStore scripts per-chunk upload behavior and records attempts.
type fakeStore struct {
	mu       sync.Mutex
	attempts map[string]int
	behavior func(name string, attempt int) (models.Locator, error)
}

func newFakeStore(behavior func(name string, attempt int) (models.Locator, error)) *fakeStore {
	return &fakeStore{
		attempts: make(map[string]int),
		behavior: behavior,
	}
}

func (f *fakeStore) Upload(ctx context.Context, name string, payload io.Reader, size int64) (models.Locator, error) {
	f.mu.Lock()
	f.attempts[name]++
	attempt := f.attempts[name]
	f.mu.Unlock()
	return f.behavior(name, attempt)
}

func (f *fakeStore) Fetch(ctx context.Context, loc models.Locator) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStore) attemptCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[name]
}

func okLocator(name string) models.Locator {
	return models.Locator{MessageID: "msg-" + name, URL: "https://cdn.example/" + name}
}

func TestDefaultConfigTimings(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.ThrottleMin)
	assert.Equal(t, 6*time.Second, cfg.ThrottleMax)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 5*time.Second, cfg.RateLimitMin)
	assert.Equal(t, 15*time.Second, cfg.RateLimitMax)
	assert.Zero(t, cfg.RateLimitBudget)
}

func TestUploadEmptySource(t *testing.T) {
	store := newFakeStore(func(name string, attempt int) (models.Locator, error) {
		t.Fatal("store should not be called")
		return models.Locator{}, nil
	})

	results, err := New(store, testConfig()).Upload(context.Background(), newMemSource(0))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUploadSortsResultsByIndex(t *testing.T) {
	const n = 7

	store := newFakeStore(func(name string, attempt int) (models.Locator, error) {
		// Later chunks of a batch finish first, so completion order
		// differs from index order.
		var idx int
		fmt.Sscanf(name, "%d.chunk", &idx)
		time.Sleep(time.Duration(3-idx%3) * time.Millisecond)
		return okLocator(name), nil
	})

	results, err := New(store, testConfig()).Upload(context.Background(), newMemSource(n))
	require.NoError(t, err)
	require.Len(t, results, n)

	for i, res := range results {
		assert.Equal(t, i, res.Index)
		assert.Equal(t, okLocator(fmt.Sprintf("%d.chunk", i)), res.Locator)
	}
}

func TestRateLimitRetriedWithoutAttemptCap(t *testing.T) {
	const throttles = 7

	// MaxAttempts is far below the number of throttle responses: the
	// two retry counters must stay independent.
	cfg := testConfig()
	cfg.MaxAttempts = 2

	store := newFakeStore(func(name string, attempt int) (models.Locator, error) {
		if attempt <= throttles {
			return models.Locator{}, remote.ErrRateLimited
		}
		return okLocator(name), nil
	})

	results, err := New(store, cfg).Upload(context.Background(), newMemSource(1))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, throttles+1, store.attemptCount("0.chunk"))
}

func TestTransportFailureExhaustsAttemptBudget(t *testing.T) {
	store := newFakeStore(func(name string, attempt int) (models.Locator, error) {
		return models.Locator{}, errors.New("connection reset")
	})

	results, err := New(store, testConfig()).Upload(context.Background(), newMemSource(1))
	require.Error(t, err)
	assert.Nil(t, results)

	var chunkErr *ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 0, chunkErr.Index)
	assert.Equal(t, 5, store.attemptCount("0.chunk"))
}

func TestTransportRecoversWithinBudget(t *testing.T) {
	store := newFakeStore(func(name string, attempt int) (models.Locator, error) {
		if attempt < 5 {
			return models.Locator{}, errors.New("connection reset")
		}
		return okLocator(name), nil
	})

	results, err := New(store, testConfig()).Upload(context.Background(), newMemSource(1))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 5, store.attemptCount("0.chunk"))
}

func TestMalformedResponseIsPermanent(t *testing.T) {
	store := newFakeStore(func(name string, attempt int) (models.Locator, error) {
		return models.Locator{}, fmt.Errorf("%w: missing id", remote.ErrMalformedResponse)
	})

	_, err := New(store, testConfig()).Upload(context.Background(), newMemSource(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrMalformedResponse)
	assert.Equal(t, 1, store.attemptCount("0.chunk"))
}

func TestPermanentFailureStopsNewBatches(t *testing.T) {
	store := newFakeStore(func(name string, attempt int) (models.Locator, error) {
		if name == "1.chunk" {
			return models.Locator{}, remote.ErrMalformedResponse
		}
		return okLocator(name), nil
	})

	_, err := New(store, testConfig()).Upload(context.Background(), newMemSource(9))
	require.Error(t, err)

	// The failing batch drained, later batches never started.
	assert.Equal(t, 1, store.attemptCount("0.chunk"))
	assert.Equal(t, 1, store.attemptCount("2.chunk"))
	for i := 3; i < 9; i++ {
		assert.Zero(t, store.attemptCount(fmt.Sprintf("%d.chunk", i)))
	}
}

func TestRateLimitBudgetBoundsRetry(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitBudget = 5 * time.Millisecond
	cfg.RateLimitMin = time.Millisecond
	cfg.RateLimitMax = time.Millisecond

	store := newFakeStore(func(name string, attempt int) (models.Locator, error) {
		return models.Locator{}, remote.ErrRateLimited
	})

	_, err := New(store, cfg).Upload(context.Background(), newMemSource(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, remote.ErrRateLimited)
}

func TestUploadCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	store := newFakeStore(func(name string, attempt int) (models.Locator, error) {
		cancel()
		return models.Locator{}, remote.ErrRateLimited
	})

	_, err := New(store, testConfig()).Upload(ctx, newMemSource(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
