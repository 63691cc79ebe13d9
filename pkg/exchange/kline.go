package exchange

import (
	"sort"
	"strconv"
	"time"

	"tradepipe/internal/market"
)

// ParseKlineRows converts REST kline rows to bars, oldest first. The API
// returns rows newest-first; invalid rows are skipped. REST bars carry no
// confirm flag, so every row except a still-open head is treated as final
// by the caller.
func ParseKlineRows(interval market.Interval, raw [][]string) []market.Bar {
	out := make([]market.Bar, 0, len(raw))

	for _, row := range raw {
		if len(row) < 7 {
			continue // skip incomplete row
		}

		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		open, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			continue
		}
		high, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			continue
		}
		low, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			continue
		}
		closeVal, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			continue
		}
		volume, err := strconv.ParseFloat(row[5], 64)
		if err != nil {
			continue
		}
		turnover, err := strconv.ParseFloat(row[6], 64)
		if err != nil {
			continue
		}

		out = append(out, market.Bar{
			OpenTime:  start,
			CloseTime: time.UnixMilli(start).Add(interval.Duration()).UnixMilli(),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeVal,
			Volume:    volume,
			Turnover:  turnover,
			Confirmed: true,
			Timestamp: time.Now().UnixMilli(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}

// Bar converts a stream kline entry to the internal bar type. Price fields
// that fail to parse report ok=false and the entry should be discarded.
func (s StreamBar) Bar() (market.Bar, bool) {
	open, err := strconv.ParseFloat(s.Open, 64)
	if err != nil {
		return market.Bar{}, false
	}
	high, err := strconv.ParseFloat(s.High, 64)
	if err != nil {
		return market.Bar{}, false
	}
	low, err := strconv.ParseFloat(s.Low, 64)
	if err != nil {
		return market.Bar{}, false
	}
	closeVal, err := strconv.ParseFloat(s.Close, 64)
	if err != nil {
		return market.Bar{}, false
	}
	volume, err := strconv.ParseFloat(s.Volume, 64)
	if err != nil {
		return market.Bar{}, false
	}
	turnover, err := strconv.ParseFloat(s.Turnover, 64)
	if err != nil {
		return market.Bar{}, false
	}

	return market.Bar{
		OpenTime:  s.Start,
		CloseTime: s.End,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closeVal,
		Volume:    volume,
		Turnover:  turnover,
		Confirmed: s.Confirm,
		Timestamp: s.Timestamp,
	}, true
}
