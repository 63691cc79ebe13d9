package strategy

import (
	"context"
	"testing"

	"tradepipe/internal/market"
	"tradepipe/internal/trader"
)

var key = market.SeriesKey{Symbol: "BTCUSDT", Interval: market.Interval1Min}

func barsFromCloses(closes ...float64) []market.Bar {
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{
			OpenTime:  int64(i) * 60_000,
			Close:     c,
			Confirmed: true,
		}
	}
	return bars
}

func evaluate(t *testing.T, s *SMACross, bars []market.Bar) []string {
	t.Helper()
	out, err := s.Evaluate(context.Background(), map[market.SeriesKey][]market.Bar{key: bars})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	actions := make([]string, len(out))
	for i, sig := range out {
		actions[i] = sig.Action
	}
	return actions
}

func TestSMACrossSignals(t *testing.T) {
	s, err := NewSMACross(key, 2, 4)
	if err != nil {
		t.Fatal(err)
	}

	// Not enough confirmed bars yet: silent.
	if got := evaluate(t, s, barsFromCloses(10, 10, 10)); len(got) != 0 {
		t.Fatalf("expected no signal on short window, got %v", got)
	}

	// First full window only primes the relation.
	flat := barsFromCloses(10, 10, 10, 10)
	if got := evaluate(t, s, flat); len(got) != 0 {
		t.Fatalf("expected priming pass to stay silent, got %v", got)
	}

	// Fast average pulls above the slow one: buy.
	up := barsFromCloses(10, 10, 12, 14)
	if got := evaluate(t, s, up); len(got) != 1 || got[0] != "buy" {
		t.Fatalf("expected buy on upward cross, got %v", got)
	}

	// Same relation again: no repeat signal.
	if got := evaluate(t, s, barsFromCloses(10, 12, 14, 16)); len(got) != 0 {
		t.Fatalf("expected no signal without a new cross, got %v", got)
	}

	// Fast average drops below: sell.
	down := barsFromCloses(14, 12, 8, 6)
	if got := evaluate(t, s, down); len(got) != 1 || got[0] != "sell" {
		t.Fatalf("expected sell on downward cross, got %v", got)
	}
}

func TestSMACrossIgnoresUnconfirmedBars(t *testing.T) {
	s, err := NewSMACross(key, 2, 4)
	if err != nil {
		t.Fatal(err)
	}

	bars := barsFromCloses(10, 10, 10)
	bars = append(bars, market.Bar{OpenTime: 180_000, Close: 99, Confirmed: false})
	if got := evaluate(t, s, bars); len(got) != 0 {
		t.Fatalf("in-progress bar must not complete the window, got %v", got)
	}
}

func TestSMACrossWindowValidation(t *testing.T) {
	for _, tc := range [][2]int{{0, 4}, {4, 4}, {5, 4}, {2, 0}} {
		if _, err := NewSMACross(key, tc[0], tc[1]); err == nil {
			t.Errorf("fast=%d slow=%d should be rejected", tc[0], tc[1])
		}
	}
}

func TestProviderIsolatesInstances(t *testing.T) {
	p := NewProvider()
	p.Bind("t1", func() (trader.Strategy, error) { return NewSMACross(key, 2, 4) })

	a, err := p.Strategy("t1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Strategy("t1")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("each resolution must return a fresh instance")
	}

	if _, err := p.Strategy("unknown"); err == nil {
		t.Fatal("unbound trader must not resolve")
	}
}
