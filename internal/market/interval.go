package market

import (
	"fmt"
	"time"
)

// Interval identifies the candlestick period of a series.
type Interval string

// IntervalMeta holds the exchange API value and duration for an interval.
type IntervalMeta struct {
	APIValue string
	Duration time.Duration
}

const (
	Interval1Min  Interval = "1m"
	Interval3Min  Interval = "3m"
	Interval5Min  Interval = "5m"
	Interval15Min Interval = "15m"
	Interval30Min Interval = "30m"
	Interval1Hour Interval = "1h"
	Interval2Hour Interval = "2h"
	Interval4Hour Interval = "4h"
	Interval1Day  Interval = "1d"
)

// validIntervals maps Interval to its API representation and duration.
var validIntervals = map[Interval]IntervalMeta{
	Interval1Min:  {APIValue: "1", Duration: time.Minute},
	Interval3Min:  {APIValue: "3", Duration: 3 * time.Minute},
	Interval5Min:  {APIValue: "5", Duration: 5 * time.Minute},
	Interval15Min: {APIValue: "15", Duration: 15 * time.Minute},
	Interval30Min: {APIValue: "30", Duration: 30 * time.Minute},
	Interval1Hour: {APIValue: "60", Duration: time.Hour},
	Interval2Hour: {APIValue: "120", Duration: 2 * time.Hour},
	Interval4Hour: {APIValue: "240", Duration: 4 * time.Hour},
	Interval1Day:  {APIValue: "D", Duration: 24 * time.Hour},
}

// apiToInterval is the reverse lookup used when parsing stream topics.
var apiToInterval = func() map[string]Interval {
	m := make(map[string]Interval, len(validIntervals))
	for iv, meta := range validIntervals {
		m[meta.APIValue] = iv
	}
	return m
}()

// IsValid checks if the Interval is a valid predefined interval.
func (i Interval) IsValid() bool {
	_, ok := validIntervals[i]
	return ok
}

// APIValue returns the exchange wire value (e.g., "1", "60", "D").
func (i Interval) APIValue() string {
	return validIntervals[i].APIValue
}

// Duration returns the interval length.
func (i Interval) Duration() time.Duration {
	return validIntervals[i].Duration
}

// ParseInterval parses a string like "1m" or "4h" into an Interval.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if !iv.IsValid() {
		return "", fmt.Errorf("invalid interval: %s", s)
	}
	return iv, nil
}

// IntervalFromAPI parses an exchange wire value (e.g., "60") into an Interval.
func IntervalFromAPI(s string) (Interval, error) {
	iv, ok := apiToInterval[s]
	if !ok {
		return "", fmt.Errorf("invalid interval api value: %s", s)
	}
	return iv, nil
}
