package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tradepipe/config"
	"tradepipe/internal/bus"
	"tradepipe/internal/market"
	"tradepipe/internal/market/backfill"
	"tradepipe/internal/market/datastore"
	"tradepipe/internal/market/stream"
	"tradepipe/internal/strategy"
	"tradepipe/internal/trader"
	"tradepipe/pkg/exchange"
	"tradepipe/pkg/storage/postgres"
)

// rosterEntry is one configured trader resolved into runtime types.
type rosterEntry struct {
	spec trader.Spec
	cfg  config.StrategyConfig
}

// Run boots the full pipeline and blocks until ctx is cancelled, then shuts
// everything down in dependency order: traders first, then the stream, then
// the bus and storage.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	roster, keys, err := buildRoster(cfg.Traders)
	if err != nil {
		return fmt.Errorf("invalid trader roster: %w", err)
	}

	store := datastore.New(cfg.Market.Retention)
	eventBus := bus.New(cfg.Market.BusBuffer)

	restClient := exchange.NewRESTClient(cfg.Exchange.REST.BaseURL, cfg.Exchange.Category, cfg.Exchange.REST.Timeout)
	limiter := backfill.NewLimiter(cfg.Market.Rate.Capacity, cfg.Market.Rate.RefillPerSec)
	defer limiter.Close()

	primary, err := market.ParseInterval(cfg.Market.PrimaryInterval)
	if err != nil {
		return fmt.Errorf("invalid primary interval: %w", err)
	}
	fetcher := backfill.NewFetcher(restClient, limiter, store, backfill.FetcherConfig{
		PrimaryInterval: primary,
		PrimaryLimit:    cfg.Market.PrimaryLimit,
		SecondaryLimit:  cfg.Market.SecondaryLimit,
		RequestTimeout:  cfg.Exchange.REST.Timeout,
	}, logger)

	// Postgres setup and the initial history fetch are independent; run them
	// in parallel and fail boot if either breaks.
	var pgClient *postgres.PostgresClient
	g, bootCtx := errgroup.WithContext(ctx)
	if cfg.Postgres.Enabled {
		g.Go(func() error {
			client, err := postgres.InitializeAndMigrate(cfg.Postgres, cfg.Log.Environment, true)
			if err != nil {
				return fmt.Errorf("postgres init: %w", err)
			}
			pgClient = client
			return nil
		})
	}
	g.Go(func() error {
		result, err := fetcher.FetchHistory(bootCtx, keys)
		if err != nil {
			return fmt.Errorf("initial backfill: %w", err)
		}
		bars := 0
		for _, series := range result.Bars {
			bars += len(series)
		}
		logger.Info("initial backfill complete",
			zap.Int("bars", bars),
			zap.Int("succeeded", len(result.Succeeded)),
			zap.Int("failed", len(result.Failed)),
			zap.Duration("took", result.Duration))
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	wsClient := exchange.NewWSClient(cfg.Exchange.WS.URL, logger)
	ingester := stream.NewIngester(wsClient, store, eventBus, fetcher, logger)

	sink := trader.Sink(strategy.NewLogSink(logger))
	var archiver *postgres.Archiver
	if pgClient != nil {
		archiver = postgres.NewArchiver(pgClient, eventBus, logger)
		sink = strategy.NewMultiSink(sink, archiver)
		go archiver.Run(ctx)
	}

	provider := strategy.NewProvider()
	for _, entry := range roster {
		entry := entry
		watched := entry.spec.Keys[0]
		provider.Bind(entry.spec.ID, func() (trader.Strategy, error) {
			return strategy.NewSMACross(watched, entry.cfg.Fast, entry.cfg.Slow)
		})
	}

	manager := trader.NewManager(trader.ManagerConfig{
		GlobalLimit:   cfg.Scheduler.GlobalLimit,
		TierLimits:    tierLimits(cfg.Scheduler.TierLimits),
		StopTimeout:   cfg.Scheduler.StopTimeout,
		RetryCooldown: cfg.Scheduler.RetryCooldown,
		RetryBudget:   cfg.Scheduler.RetryBudget,
		GCGrace:       cfg.Scheduler.GCGrace,
		LoopTick:      cfg.Scheduler.LoopTick,
	}, store, eventBus, provider, sink, logger)

	if err := ingester.Start(keys); err != nil {
		return fmt.Errorf("stream start: %w", err)
	}

	for _, entry := range roster {
		if err := manager.Register(entry.spec); err != nil {
			logger.Error("register trader", zap.String("trader", entry.spec.ID), zap.Error(err))
			continue
		}
		if err := manager.Start(entry.spec.ID); err != nil {
			logger.Error("start trader", zap.String("trader", entry.spec.ID), zap.Error(err))
		}
	}

	// From here on the subscription follows the active roster. Installed
	// after boot so the initial key set is not reshaped trader by trader.
	manager.OnKeysChanged(func(ctx context.Context, keys []market.SeriesKey) error {
		return ingester.UpdateKeys(ctx, keys)
	})

	go manager.Run(ctx)
	go watchSeries(ctx, ingester, store, logger)

	<-ctx.Done()
	logger.Info("shutting down")

	manager.StopAll(cfg.Scheduler.StopTimeout)
	if err := ingester.Shutdown(); err != nil {
		logger.Warn("stream shutdown", zap.Error(err))
	}
	eventBus.Close()
	if archiver != nil {
		archiver.Wait()
	}
	if pgClient != nil {
		if err := pgClient.Close(); err != nil {
			logger.Warn("postgres close", zap.Error(err))
		}
	}
	return nil
}

// watchSeries periodically logs cache size and flags stale series.
func watchSeries(ctx context.Context, ingester *stream.Ingester, store *datastore.Store, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logger.Info("series cache", zap.Int("bars", store.CountAll()), zap.Int("series", len(store.Keys())))
			for _, key := range ingester.Keys() {
				ingester.ValidateBoundary(key)
			}
		}
	}
}

func buildRoster(configs []config.TraderConfig) ([]rosterEntry, []market.SeriesKey, error) {
	seen := make(map[market.SeriesKey]struct{})
	var keys []market.SeriesKey
	roster := make([]rosterEntry, 0, len(configs))

	for _, tc := range configs {
		if len(tc.Keys) == 0 {
			return nil, nil, fmt.Errorf("trader %s has no keys", tc.ID)
		}
		spec := trader.Spec{
			ID:    tc.ID,
			Owner: tc.Owner,
			Tier:  trader.TierCapped,
		}
		if tc.Tier != "" {
			spec.Tier = trader.Tier(tc.Tier)
		}
		for _, kc := range tc.Keys {
			interval, err := market.ParseInterval(kc.Interval)
			if err != nil {
				return nil, nil, fmt.Errorf("trader %s: %w", tc.ID, err)
			}
			key, err := market.NewSeriesKey(kc.Symbol, interval)
			if err != nil {
				return nil, nil, fmt.Errorf("trader %s: %w", tc.ID, err)
			}
			spec.Keys = append(spec.Keys, key)
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				keys = append(keys, key)
			}
		}
		roster = append(roster, rosterEntry{spec: spec, cfg: tc.Strategy})
	}
	return roster, keys, nil
}

func tierLimits(raw map[string]int) map[trader.Tier]int {
	if len(raw) == 0 {
		return nil
	}
	limits := make(map[trader.Tier]int, len(raw))
	for tier, limit := range raw {
		limits[trader.Tier(tier)] = limit
	}
	return limits
}
