package market

import "time"

// Bar represents a single candlestick for one (symbol, interval) series.
// OpenTime/CloseTime are milliseconds since epoch. A bar is mutable only
// while it is the most recent, still-open entry of its series; once
// Confirmed it is final.
type Bar struct {
	OpenTime  int64   `json:"start"`     // Start time of the bar (ms since epoch)
	CloseTime int64   `json:"end"`       // End time of the bar (ms since epoch)
	Open      float64 `json:"open"`      // Opening price
	High      float64 `json:"high"`      // Highest price during the interval
	Low       float64 `json:"low"`       // Lowest price during the interval
	Close     float64 `json:"close"`     // Closing price
	Volume    float64 `json:"volume"`    // Trade volume (units traded)
	Turnover  float64 `json:"turnover"`  // Total traded value
	Confirmed bool    `json:"confirm"`   // True once the interval has closed
	Timestamp int64   `json:"timestamp"` // Ingestion time (ms since epoch)
}

// OpenedAt returns the bar's open time as time.Time.
func (b Bar) OpenedAt() time.Time {
	return time.UnixMilli(b.OpenTime)
}
