package market

import (
	"fmt"
	"strings"
)

// SeriesKey identifies one cached time series: a (symbol, interval) pair.
// It is the unit of subscription, fetch and caching.
type SeriesKey struct {
	Symbol   string
	Interval Interval
}

// NewSeriesKey builds a validated SeriesKey.
func NewSeriesKey(symbol string, interval Interval) (SeriesKey, error) {
	if symbol == "" {
		return SeriesKey{}, fmt.Errorf("empty symbol")
	}
	if !interval.IsValid() {
		return SeriesKey{}, fmt.Errorf("invalid interval: %s", interval)
	}
	return SeriesKey{Symbol: symbol, Interval: interval}, nil
}

// Topic returns the stream subscription topic, e.g. "kline.1.BTCUSDT".
func (k SeriesKey) Topic() string {
	return fmt.Sprintf("kline.%s.%s", k.Interval.APIValue(), k.Symbol)
}

// String returns a compact human-readable form, e.g. "BTCUSDT@1m".
func (k SeriesKey) String() string {
	return k.Symbol + "@" + string(k.Interval)
}

// KeyFromTopic parses a topic like "kline.1.BTCUSDT" back into a SeriesKey.
func KeyFromTopic(topic string) (SeriesKey, error) {
	parts := strings.Split(topic, ".")
	if len(parts) != 3 || parts[0] != "kline" {
		return SeriesKey{}, fmt.Errorf("not a kline topic: %s", topic)
	}
	iv, err := IntervalFromAPI(parts[1])
	if err != nil {
		return SeriesKey{}, err
	}
	return SeriesKey{Symbol: parts[2], Interval: iv}, nil
}

// Topics converts a key set to subscription topics.
func Topics(keys []SeriesKey) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.Topic())
	}
	return out
}
