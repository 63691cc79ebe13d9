package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"tradepipe/internal/bus"
	"tradepipe/internal/market"
	"tradepipe/internal/market/datastore"
	"tradepipe/pkg/exchange"

	"go.uber.org/zap"
)

type fakeFeed struct {
	mu         sync.Mutex
	handler    func([]byte)
	topics     []string
	subscribes int
	shutdowns  int
}

func (f *fakeFeed) SetHandler(h func([]byte)) { f.handler = h }

func (f *fakeFeed) Subscribe(topics []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append([]string(nil), topics...)
	f.subscribes++
	return nil
}

func (f *fakeFeed) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return nil
}

// push injects a raw stream message as if read from the wire.
func (f *fakeFeed) push(t *testing.T, topic string, bars ...exchange.StreamBar) {
	t.Helper()
	msg, err := json.Marshal(exchange.KlineMessage{Topic: topic, Data: bars, Type: "snapshot"})
	if err != nil {
		t.Fatalf("marshal stream message: %v", err)
	}
	f.handler(msg)
}

type fakeBackfiller struct {
	mu     sync.Mutex
	bars   map[market.SeriesKey][]market.Bar
	store  *datastore.Store
	calls  [][]market.SeriesKey
	retErr error
}

func (b *fakeBackfiller) Backfill(ctx context.Context, keys []market.SeriesKey) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, append([]market.SeriesKey(nil), keys...))
	if b.retErr != nil {
		return b.retErr
	}
	for _, key := range keys {
		b.store.Merge(key, b.bars[key])
	}
	return nil
}

func streamBar(openMs int64, closePrice string, confirm bool) exchange.StreamBar {
	return exchange.StreamBar{
		Start: openMs, End: openMs + 60_000, Interval: "1",
		Open: "100", Close: closePrice, High: "110", Low: "90",
		Volume: "1", Turnover: "100",
		Confirm: confirm, Timestamp: openMs + 30_000,
	}
}

func newTestIngester(t *testing.T) (*Ingester, *fakeFeed, *datastore.Store, *bus.Bus, *fakeBackfiller) {
	t.Helper()
	feed := &fakeFeed{}
	store := datastore.New(100)
	b := bus.New(16)
	t.Cleanup(b.Close)
	bf := &fakeBackfiller{store: store, bars: make(map[market.SeriesKey][]market.Bar)}
	ing := NewIngester(feed, store, b, bf, zap.NewNop())
	return ing, feed, store, b, bf
}

func TestHandleMessageInProgressAndClose(t *testing.T) {
	ing, feed, store, eventBus, _ := newTestIngester(t)
	key := market.SeriesKey{Symbol: "BTCUSDT", Interval: market.Interval1Min}
	if err := ing.Start([]market.SeriesKey{key}); err != nil {
		t.Fatalf("start: %v", err)
	}

	sub := eventBus.Subscribe(key.Topic())

	// Two in-progress updates for the same open time: replaced, not appended.
	feed.push(t, key.Topic(), streamBar(60_000, "100.5", false))
	feed.push(t, key.Topic(), streamBar(60_000, "101.0", false))
	if got := store.Len(key); got != 1 {
		t.Fatalf("in-progress updates appended: len=%d", got)
	}
	if len(sub.C) != 0 {
		t.Fatal("in-progress update published a close event")
	}

	// The close finalizes the bar and publishes exactly once.
	feed.push(t, key.Topic(), streamBar(60_000, "101.5", true))
	if got := store.Len(key); got != 1 {
		t.Fatalf("close changed series length: %d", got)
	}
	ev := <-sub.C
	if ev.Key != key || ev.Bar.OpenTime != 60_000 || !ev.Bar.Confirmed {
		t.Errorf("unexpected close event: %+v", ev)
	}

	// A replayed close for the same bar must not publish again.
	feed.push(t, key.Topic(), streamBar(60_000, "101.5", true))
	if len(sub.C) != 0 {
		t.Error("duplicate close re-published")
	}
}

func TestHandleMessageDedupsBackfillBoundary(t *testing.T) {
	ing, feed, store, _, _ := newTestIngester(t)
	key := market.SeriesKey{Symbol: "BTCUSDT", Interval: market.Interval1Min}
	if err := ing.Start([]market.SeriesKey{key}); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Backfill already delivered this bar as confirmed history.
	store.Merge(key, []market.Bar{{OpenTime: 60_000, CloseTime: 120_000, Close: 101, Confirmed: true}})

	feed.push(t, key.Topic(), streamBar(60_000, "101", true))
	if got := store.Len(key); got != 1 {
		t.Errorf("boundary bar double-inserted: len=%d", got)
	}
}

func TestHandleMessageIgnoresNonKline(t *testing.T) {
	ing, feed, store, _, _ := newTestIngester(t)
	key := market.SeriesKey{Symbol: "BTCUSDT", Interval: market.Interval1Min}
	if err := ing.Start([]market.SeriesKey{key}); err != nil {
		t.Fatalf("start: %v", err)
	}

	feed.handler([]byte(`{"op":"subscribe","success":true}`))
	feed.handler([]byte(`not json`))
	feed.push(t, key.Topic(), exchange.StreamBar{Start: 60_000, Open: "bad", Confirm: true})

	if store.CountAll() != 0 {
		t.Errorf("junk messages reached the store: %d bars", store.CountAll())
	}
}

func TestUpdateKeysPreservesUnchangedData(t *testing.T) {
	ing, feed, store, _, bf := newTestIngester(t)

	kept := market.SeriesKey{Symbol: "BTCUSDT", Interval: market.Interval1Min}
	removed := market.SeriesKey{Symbol: "ETHUSDT", Interval: market.Interval1Min}
	added := market.SeriesKey{Symbol: "SOLUSDT", Interval: market.Interval1Min}

	if err := ing.Start([]market.SeriesKey{kept, removed}); err != nil {
		t.Fatalf("start: %v", err)
	}
	store.Merge(kept, []market.Bar{
		{OpenTime: 60_000, Confirmed: true},
		{OpenTime: 120_000, Confirmed: true},
	})
	store.Merge(removed, []market.Bar{{OpenTime: 60_000, Confirmed: true}})
	bf.bars[added] = []market.Bar{{OpenTime: 60_000, Confirmed: true}}

	before := store.Get(kept)

	if err := ing.UpdateKeys(context.Background(), []market.SeriesKey{kept, added}); err != nil {
		t.Fatalf("update keys: %v", err)
	}

	// Unchanged key keeps every bar it had before the call.
	after := store.Get(kept)
	got := make(map[int64]struct{}, len(after))
	for _, b := range after {
		got[b.OpenTime] = struct{}{}
	}
	for _, b := range before {
		if _, ok := got[b.OpenTime]; !ok {
			t.Errorf("bar %d lost across reconnect", b.OpenTime)
		}
	}

	if store.Len(removed) != 0 {
		t.Error("removed key still cached")
	}
	if store.Len(added) == 0 {
		t.Error("added key not backfilled")
	}
	if len(bf.calls) != 1 || bf.calls[0][0] != added {
		t.Errorf("expected one backfill for the added key, got %+v", bf.calls)
	}

	// The feed was resubscribed with exactly the new topic set.
	feed.mu.Lock()
	defer feed.mu.Unlock()
	if feed.subscribes != 2 {
		t.Errorf("expected reconnect on key change, subscribes=%d", feed.subscribes)
	}
	want := map[string]struct{}{kept.Topic(): {}, added.Topic(): {}}
	if len(feed.topics) != len(want) {
		t.Fatalf("unexpected topics: %v", feed.topics)
	}
	for _, topic := range feed.topics {
		if _, ok := want[topic]; !ok {
			t.Errorf("unexpected topic %s", topic)
		}
	}
}

func TestUpdateKeysNoChangeIsNoop(t *testing.T) {
	ing, feed, _, _, _ := newTestIngester(t)
	key := market.SeriesKey{Symbol: "BTCUSDT", Interval: market.Interval1Min}
	if err := ing.Start([]market.SeriesKey{key}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := ing.UpdateKeys(context.Background(), []market.SeriesKey{key}); err != nil {
		t.Fatalf("update keys: %v", err)
	}
	if feed.subscribes != 1 {
		t.Errorf("identical key set must not reconnect, subscribes=%d", feed.subscribes)
	}
}

func TestPlanUpdate(t *testing.T) {
	a := market.SeriesKey{Symbol: "A", Interval: market.Interval1Min}
	b := market.SeriesKey{Symbol: "B", Interval: market.Interval1Min}
	c := market.SeriesKey{Symbol: "C", Interval: market.Interval1Min}

	plan := PlanUpdate([]market.SeriesKey{a, b}, []market.SeriesKey{b, c})
	if len(plan.Added) != 1 || plan.Added[0] != c {
		t.Errorf("added: %+v", plan.Added)
	}
	if len(plan.Removed) != 1 || plan.Removed[0] != a {
		t.Errorf("removed: %+v", plan.Removed)
	}
	if len(plan.Unchanged) != 1 || plan.Unchanged[0] != b {
		t.Errorf("unchanged: %+v", plan.Unchanged)
	}
}

func TestValidateBoundary(t *testing.T) {
	ing, _, store, _, _ := newTestIngester(t)
	key := market.SeriesKey{Symbol: "BTCUSDT", Interval: market.Interval1Min}

	// No data yet: nothing to validate.
	if ing.ValidateBoundary(key) {
		t.Error("empty series reported healthy")
	}

	fresh := market.Bar{OpenTime: time.Now().Add(-30 * time.Second).UnixMilli(), Confirmed: true}
	store.Merge(key, []market.Bar{fresh})
	if !ing.ValidateBoundary(key) {
		t.Error("fresh series reported stale")
	}

	stale := market.Bar{OpenTime: time.Now().Add(-5 * time.Minute).UnixMilli(), Confirmed: true}
	store.Drop([]market.SeriesKey{key})
	store.Merge(key, []market.Bar{stale})
	if ing.ValidateBoundary(key) {
		t.Error("series with a 5m gap on a 1m interval reported healthy")
	}
}
