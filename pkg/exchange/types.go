package exchange

import "encoding/json"

// APIResponse represents the generic envelope of the exchange's V5-style
// REST API.
type APIResponse struct {
	RetCode int             `json:"retCode"` // 0 means success
	RetMsg  string          `json:"retMsg"`  // Human-readable result or error message
	Result  json.RawMessage `json:"result"`  // Delay decoding; payload varies per endpoint
	Time    int64           `json:"time"`    // Server timestamp (ms since epoch)
}

// KlinesResponse is the result payload of the kline endpoint. Rows are
// positional string tuples: [start, open, high, low, close, volume, turnover].
type KlinesResponse struct {
	Category string     `json:"category"`
	Symbol   string     `json:"symbol"`
	List     [][]string `json:"list"`
}

// StreamBar is one candlestick entry of a stream kline message.
type StreamBar struct {
	Start     int64  `json:"start"`     // Start time of the bar (ms since epoch)
	End       int64  `json:"end"`       // End time of the bar (ms since epoch)
	Interval  string `json:"interval"`  // Interval wire value (e.g., "1", "60", "D")
	Open      string `json:"open"`
	Close     string `json:"close"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Volume    string `json:"volume"`
	Turnover  string `json:"turnover"`
	Confirm   bool   `json:"confirm"`   // True when the interval has closed
	Timestamp int64  `json:"timestamp"` // Event generation time (ms since epoch)
}

// KlineMessage is a stream message carrying kline data for one topic.
type KlineMessage struct {
	Topic string      `json:"topic"` // e.g., "kline.1.BTCUSDT"
	Data  []StreamBar `json:"data"`
	Ts    int64       `json:"ts"`
	Type  string      `json:"type"` // "snapshot" or "delta"
}
