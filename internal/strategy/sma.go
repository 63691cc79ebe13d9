package strategy

import (
	"context"
	"fmt"
	"time"

	"tradepipe/internal/market"
	"tradepipe/internal/trader"
)

// SMACross emits a buy when the fast moving average crosses above the slow
// one on the watched series, and a sell on the opposite cross. It keeps the
// previous relation between runs so only actual crossings produce signals.
type SMACross struct {
	Key  market.SeriesKey
	Fast int
	Slow int

	prevAbove bool
	primed    bool
}

func NewSMACross(key market.SeriesKey, fast, slow int) (*SMACross, error) {
	if fast <= 0 || slow <= 0 || fast >= slow {
		return nil, fmt.Errorf("sma windows must satisfy 0 < fast < slow, got %d/%d", fast, slow)
	}
	return &SMACross{Key: key, Fast: fast, Slow: slow}, nil
}

func (s *SMACross) Evaluate(ctx context.Context, window map[market.SeriesKey][]market.Bar) ([]trader.Signal, error) {
	bars := confirmed(window[s.Key])
	if len(bars) < s.Slow {
		return nil, nil
	}

	fast := sma(bars, s.Fast)
	slow := sma(bars, s.Slow)
	above := fast > slow

	if !s.primed {
		s.primed = true
		s.prevAbove = above
		return nil, nil
	}
	if above == s.prevAbove {
		return nil, nil
	}
	s.prevAbove = above

	action := "sell"
	if above {
		action = "buy"
	}
	last := bars[len(bars)-1]
	return []trader.Signal{{
		Key:    s.Key,
		Action: action,
		Price:  last.Close,
		At:     time.Now(),
	}}, nil
}

func confirmed(bars []market.Bar) []market.Bar {
	out := bars[:0:0]
	for _, b := range bars {
		if b.Confirmed {
			out = append(out, b)
		}
	}
	return out
}

// sma averages the closes of the trailing n bars.
func sma(bars []market.Bar, n int) float64 {
	var sum float64
	for _, b := range bars[len(bars)-n:] {
		sum += b.Close
	}
	return sum / float64(n)
}
