package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"tradepipe/internal/bus"
	"tradepipe/internal/market"
	"tradepipe/internal/market/datastore"
	"tradepipe/pkg/exchange"

	"go.uber.org/zap"
)

// Feed is the transport under the ingester: one logical connection whose
// subscription set is replaced wholesale. Implemented by exchange.WSClient.
type Feed interface {
	SetHandler(func([]byte))
	Subscribe(topics []string) error
	Shutdown() error
}

// Backfiller pre-populates history for keys added at runtime. Implemented
// by backfill.Fetcher.
type Backfiller interface {
	Backfill(ctx context.Context, keys []market.SeriesKey) error
}

// UpdatePlan is the set diff driving a subscription change.
type UpdatePlan struct {
	Added     []market.SeriesKey
	Removed   []market.SeriesKey
	Unchanged []market.SeriesKey
}

// PlanUpdate diffs the old key set against the new one.
func PlanUpdate(oldKeys, newKeys []market.SeriesKey) UpdatePlan {
	oldSet := make(map[market.SeriesKey]struct{}, len(oldKeys))
	for _, k := range oldKeys {
		oldSet[k] = struct{}{}
	}
	newSet := make(map[market.SeriesKey]struct{}, len(newKeys))
	for _, k := range newKeys {
		newSet[k] = struct{}{}
	}

	var plan UpdatePlan
	for _, k := range newKeys {
		if _, ok := oldSet[k]; ok {
			plan.Unchanged = append(plan.Unchanged, k)
		} else {
			plan.Added = append(plan.Added, k)
		}
	}
	for _, k := range oldKeys {
		if _, ok := newSet[k]; !ok {
			plan.Removed = append(plan.Removed, k)
		}
	}
	return plan
}

// Ingester merges the streaming feed into the store and publishes a close
// event whenever a bar's interval completes.
type Ingester struct {
	feed     Feed
	store    *datastore.Store
	eventBus *bus.Bus
	backfill Backfiller
	logger   *zap.Logger

	// keyMu serializes UpdateKeys; the handler itself only touches the
	// store and bus, which are safe concurrently.
	keyMu chan struct{}
	keys  []market.SeriesKey
}

func NewIngester(feed Feed, store *datastore.Store, eventBus *bus.Bus, backfill Backfiller, logger *zap.Logger) *Ingester {
	ing := &Ingester{
		feed:     feed,
		store:    store,
		eventBus: eventBus,
		backfill: backfill,
		logger:   logger,
		keyMu:    make(chan struct{}, 1),
	}
	feed.SetHandler(ing.handleMessage)
	return ing
}

// Start subscribes the feed to the initial key set. History is expected to
// be backfilled by the caller beforehand.
func (ing *Ingester) Start(keys []market.SeriesKey) error {
	ing.keyMu <- struct{}{}
	defer func() { <-ing.keyMu }()

	ing.keys = append([]market.SeriesKey(nil), keys...)
	return ing.feed.Subscribe(market.Topics(keys))
}

// Keys returns the current subscription set.
func (ing *Ingester) Keys() []market.SeriesKey {
	ing.keyMu <- struct{}{}
	defer func() { <-ing.keyMu }()
	return append([]market.SeriesKey(nil), ing.keys...)
}

// Shutdown tears the feed down for good.
func (ing *Ingester) Shutdown() error {
	return ing.feed.Shutdown()
}

// UpdateKeys reshapes the subscription to newKeys without losing data for
// retained keys. Added keys are backfilled first; unchanged keys are
// snapshotted, the connection is rebuilt with the new set, removed keys are
// dropped, and the snapshot is merged back to repair any gap opened during
// the reconnect blackout.
func (ing *Ingester) UpdateKeys(ctx context.Context, newKeys []market.SeriesKey) error {
	ing.keyMu <- struct{}{}
	defer func() { <-ing.keyMu }()

	plan := PlanUpdate(ing.keys, newKeys)
	if len(plan.Added) == 0 && len(plan.Removed) == 0 {
		return nil
	}
	ing.logger.Info("updating stream keys",
		zap.Int("added", len(plan.Added)),
		zap.Int("removed", len(plan.Removed)),
		zap.Int("unchanged", len(plan.Unchanged)))

	if len(plan.Added) > 0 {
		// A complete backfill failure still proceeds: the added keys start
		// from an empty cache and fill from the stream.
		if err := ing.backfill.Backfill(ctx, plan.Added); err != nil {
			ing.logger.Warn("backfill for added keys failed, starting empty", zap.Error(err))
		}
	}

	snapshot := ing.store.Snapshot(plan.Unchanged)

	if err := ing.feed.Subscribe(market.Topics(newKeys)); err != nil {
		return err
	}
	ing.keys = append([]market.SeriesKey(nil), newKeys...)

	ing.store.Drop(plan.Removed)
	for key, bars := range snapshot {
		ing.store.Merge(key, bars)
	}
	return nil
}

// ValidateBoundary reports whether the series for key looks stale: no bar
// within twice the interval duration. Observability only; never blocks
// ingestion.
func (ing *Ingester) ValidateBoundary(key market.SeriesKey) bool {
	last, ok := ing.store.Last(key)
	if !ok {
		return false
	}
	gap := time.Since(last.OpenedAt())
	if gap > 2*key.Interval.Duration() {
		ing.logger.Warn("series gap detected",
			zap.String("key", key.String()),
			zap.Duration("gap", gap))
		return false
	}
	return true
}

// handleMessage routes one raw feed message: in-progress bars replace the
// series head, confirmed bars append (deduplicated) and publish a close
// event.
func (ing *Ingester) handleMessage(msg []byte) {
	// Extract the topic first for cheap filtering of non-kline messages
	// (subscription acks, pongs).
	var meta struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(msg, &meta); err != nil {
		ing.logger.Warn("failed to extract topic", zap.Error(err))
		return
	}
	if !strings.HasPrefix(meta.Topic, "kline.") {
		return
	}

	var parsed exchange.KlineMessage
	if err := json.Unmarshal(msg, &parsed); err != nil {
		ing.logger.Warn("failed to parse kline payload", zap.Error(err))
		return
	}
	key, err := market.KeyFromTopic(parsed.Topic)
	if err != nil {
		ing.logger.Warn("unparseable kline topic", zap.String("topic", parsed.Topic))
		return
	}

	for _, entry := range parsed.Data {
		b, ok := entry.Bar()
		if !ok {
			ing.logger.Warn("malformed stream bar discarded", zap.String("key", key.String()))
			continue
		}

		if !b.Confirmed {
			ing.store.ReplaceLast(key, b)
			continue
		}
		// Publish only when the close is newly final; a confirmed bar
		// replayed after a reconnect must not re-trigger subscribers.
		if ing.store.AppendClosed(key, b) {
			ing.eventBus.Publish(key.Topic(), bus.CloseEvent{
				Key:       key,
				Bar:       b,
				EmittedAt: time.Now(),
			})
		}
	}
}
