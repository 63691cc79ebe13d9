package backfill

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradepipe/internal/market"
	"tradepipe/internal/market/datastore"
	"tradepipe/pkg/exchange"

	"go.uber.org/zap"
)

// ErrCompleteFetchFailure marks a batch in which zero keys succeeded. The
// caller decides whether to continue with an empty cache or abort.
var ErrCompleteFetchFailure = errors.New("backfill: all fetches failed")

// degradedThreshold flags a batch as degraded without aborting it.
const degradedThreshold = 0.8

// Client issues one historical kline request. Implemented by
// exchange.RESTClient.
type Client interface {
	GetKlines(ctx context.Context, key market.SeriesKey, limit int) ([]market.Bar, error)
}

// KeyFailure records one key's exhausted fetch attempt.
type KeyFailure struct {
	Key     market.SeriesKey
	Err     error
	Retries int
}

// BatchResult summarizes one backfill batch. It covers successes and
// failures alike; a partial failure never aborts the batch.
type BatchResult struct {
	Bars          map[market.SeriesKey][]market.Bar
	Succeeded     []market.SeriesKey
	Failed        []KeyFailure
	TotalRequests int
	SuccessRate   float64
	Duration      time.Duration
}

// Fetcher backfills series history through the shared rate limiter and
// merges results into the store.
type Fetcher struct {
	client  Client
	limiter *Limiter
	store   *datastore.Store
	logger  *zap.Logger

	// PrimaryInterval keys fetch PrimaryLimit bars at high priority; all
	// other keys fetch SecondaryLimit bars.
	primaryInterval market.Interval
	primaryLimit    int
	secondaryLimit  int

	requestTimeout time.Duration
	maxRetries     int
}

type FetcherConfig struct {
	PrimaryInterval market.Interval
	PrimaryLimit    int
	SecondaryLimit  int
	RequestTimeout  time.Duration
	MaxRetries      int
}

func NewFetcher(client Client, limiter *Limiter, store *datastore.Store, cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if cfg.PrimaryLimit <= 0 {
		cfg.PrimaryLimit = 1000
	}
	if cfg.SecondaryLimit <= 0 {
		cfg.SecondaryLimit = 200
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Fetcher{
		client:          client,
		limiter:         limiter,
		store:           store,
		logger:          logger,
		primaryInterval: cfg.PrimaryInterval,
		primaryLimit:    cfg.PrimaryLimit,
		secondaryLimit:  cfg.SecondaryLimit,
		requestTimeout:  cfg.RequestTimeout,
		maxRetries:      cfg.MaxRetries,
	}
}

// FetchHistory backfills all keys in parallel through the rate limiter.
// Failures are collected per key; the error is non-nil only when every key
// failed.
func (f *Fetcher) FetchHistory(ctx context.Context, keys []market.SeriesKey) (*BatchResult, error) {
	started := time.Now()
	result := &BatchResult{
		Bars:          make(map[market.SeriesKey][]market.Bar, len(keys)),
		TotalRequests: len(keys),
	}
	if len(keys) == 0 {
		return result, nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, key := range keys {
		wg.Add(1)
		go func(key market.SeriesKey) {
			defer wg.Done()

			bars, retries, err := f.fetchOne(ctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, KeyFailure{Key: key, Err: err, Retries: retries})
				return
			}
			result.Bars[key] = bars
			result.Succeeded = append(result.Succeeded, key)
		}(key)
	}
	wg.Wait()

	result.Duration = time.Since(started)
	result.SuccessRate = float64(len(result.Succeeded)) / float64(result.TotalRequests)

	for _, key := range result.Succeeded {
		f.store.Merge(key, result.Bars[key])
	}

	switch {
	case len(result.Succeeded) == 0:
		return result, fmt.Errorf("%w: %d keys", ErrCompleteFetchFailure, len(keys))
	case result.SuccessRate < degradedThreshold:
		f.logger.Warn("backfill degraded",
			zap.Float64("success_rate", result.SuccessRate),
			zap.Int("failed", len(result.Failed)),
			zap.Duration("duration", result.Duration))
	default:
		f.logger.Info("backfill complete",
			zap.Int("keys", len(keys)),
			zap.Float64("success_rate", result.SuccessRate),
			zap.Duration("duration", result.Duration))
	}
	return result, nil
}

// Backfill is the narrow form used by the stream ingester when keys are
// added at runtime: it merges into the store and only reports complete
// failure.
func (f *Fetcher) Backfill(ctx context.Context, keys []market.SeriesKey) error {
	_, err := f.FetchHistory(ctx, keys)
	return err
}

// fetchOne runs one key's request with retries and exponential backoff
// (1s, 2s, 4s) on retryable failures.
func (f *Fetcher) fetchOne(ctx context.Context, key market.SeriesKey) ([]market.Bar, int, error) {
	pri, limit := PriorityNormal, f.secondaryLimit
	if key.Interval == f.primaryInterval {
		pri, limit = PriorityHigh, f.primaryLimit
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		res := <-f.limiter.Schedule(ctx, pri, func() (interface{}, error) {
			reqCtx, cancel := context.WithTimeout(ctx, f.requestTimeout)
			defer cancel()
			return f.client.GetKlines(reqCtx, key, limit)
		})
		if res.Err == nil {
			bars, _ := res.Value.([]market.Bar)
			return bars, attempt, nil
		}
		lastErr = res.Err

		if !exchange.IsRetryable(res.Err) || attempt >= f.maxRetries {
			return nil, attempt, lastErr
		}

		wait := time.Duration(1<<attempt) * time.Second
		f.logger.Warn("fetch retry",
			zap.String("key", key.String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(res.Err))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		}
	}
}
