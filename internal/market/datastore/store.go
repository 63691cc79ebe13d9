package datastore

import (
	"sort"
	"sync"

	"tradepipe/internal/market"
)

// DefaultRetention is the per-series cap when none is configured.
const DefaultRetention = 500

// Store is the merged, capped, per-key bar cache shared by the backfill and
// stream paths. Reads return defensive copies; writes are serialized per key.
type Store struct {
	retention int

	globalMu sync.RWMutex
	data     map[market.SeriesKey]*series
}

type series struct {
	mu   sync.Mutex
	bars []market.Bar
}

func New(retention int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		retention: retention,
		data:      make(map[market.SeriesKey]*series),
	}
}

// get returns the per-key series, creating it on first use.
func (s *Store) get(key market.SeriesKey) *series {
	// Fast path: read lock only
	s.globalMu.RLock()
	sr, ok := s.data[key]
	s.globalMu.RUnlock()

	if !ok {
		s.globalMu.Lock()
		if sr, ok = s.data[key]; !ok {
			sr = &series{}
			s.data[key] = sr
		}
		s.globalMu.Unlock()
	}
	return sr
}

// Get returns a copy of the cached bars for key, oldest first.
func (s *Store) Get(key market.SeriesKey) []market.Bar {
	s.globalMu.RLock()
	sr, ok := s.data[key]
	s.globalMu.RUnlock()
	if !ok {
		return nil
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	cp := make([]market.Bar, len(sr.bars))
	copy(cp, sr.bars)
	return cp
}

// Snapshot returns a point-in-time copy of the given keys' bars. Keys with
// no cached data are omitted.
func (s *Store) Snapshot(keys []market.SeriesKey) map[market.SeriesKey][]market.Bar {
	out := make(map[market.SeriesKey][]market.Bar, len(keys))
	for _, key := range keys {
		if bars := s.Get(key); len(bars) > 0 {
			out[key] = bars
		}
	}
	return out
}

// Merge folds bars into the series for key: dedup by open time (existing
// entries win), sort ascending, trim to retention.
func (s *Store) Merge(key market.SeriesKey, bars []market.Bar) {
	if len(bars) == 0 {
		return
	}
	sr := s.get(key)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	seen := make(map[int64]struct{}, len(sr.bars))
	for _, b := range sr.bars {
		seen[b.OpenTime] = struct{}{}
	}
	for _, b := range bars {
		if _, dup := seen[b.OpenTime]; dup {
			continue
		}
		seen[b.OpenTime] = struct{}{}
		sr.bars = append(sr.bars, b)
	}
	sort.Slice(sr.bars, func(i, j int) bool {
		return sr.bars[i].OpenTime < sr.bars[j].OpenTime
	})
	sr.trim(s.retention)
}

// AppendClosed appends a confirmed bar unless its open time is already
// present, then trims to retention. The membership check guards the
// backfill/stream boundary, where the bar that was still open at fetch time
// later closes and arrives again. It reports whether the close is newly
// final for this series: true for an append or for finalizing the
// in-progress head, false for a bar that was already confirmed.
func (s *Store) AppendClosed(key market.SeriesKey, bar market.Bar) bool {
	sr := s.get(key)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	for i := len(sr.bars) - 1; i >= 0; i-- {
		if sr.bars[i].OpenTime == bar.OpenTime {
			wasFinal := sr.bars[i].Confirmed
			sr.bars[i] = bar
			return !wasFinal
		}
		if sr.bars[i].OpenTime < bar.OpenTime {
			break
		}
	}

	sr.bars = append(sr.bars, bar)
	// Late bars can arrive behind the head after a reconnect.
	if n := len(sr.bars); n > 1 && sr.bars[n-2].OpenTime > bar.OpenTime {
		sort.Slice(sr.bars, func(i, j int) bool {
			return sr.bars[i].OpenTime < sr.bars[j].OpenTime
		})
	}
	sr.trim(s.retention)
	return true
}

// ReplaceLast updates the still-open head bar for key. If the bar opens a
// new interval it is appended instead; stale updates are ignored.
func (s *Store) ReplaceLast(key market.SeriesKey, bar market.Bar) {
	sr := s.get(key)

	sr.mu.Lock()
	defer sr.mu.Unlock()

	n := len(sr.bars)
	if n == 0 || sr.bars[n-1].OpenTime < bar.OpenTime {
		sr.bars = append(sr.bars, bar)
		sr.trim(s.retention)
		return
	}
	if sr.bars[n-1].OpenTime == bar.OpenTime {
		sr.bars[n-1] = bar
	}
}

// Last returns the most recent bar for key, if any.
func (s *Store) Last(key market.SeriesKey) (market.Bar, bool) {
	s.globalMu.RLock()
	sr, ok := s.data[key]
	s.globalMu.RUnlock()
	if !ok {
		return market.Bar{}, false
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	if len(sr.bars) == 0 {
		return market.Bar{}, false
	}
	return sr.bars[len(sr.bars)-1], true
}

// Drop removes the given keys and their bars entirely.
func (s *Store) Drop(keys []market.SeriesKey) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
}

// Len returns the number of cached bars for key.
func (s *Store) Len(key market.SeriesKey) int {
	s.globalMu.RLock()
	sr, ok := s.data[key]
	s.globalMu.RUnlock()
	if !ok {
		return 0
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return len(sr.bars)
}

// Keys returns all keys currently cached.
func (s *Store) Keys() []market.SeriesKey {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()
	out := make([]market.SeriesKey, 0, len(s.data))
	for key := range s.data {
		out = append(out, key)
	}
	return out
}

// CountAll returns the total number of bars stored across all keys.
func (s *Store) CountAll() int {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()

	total := 0
	for _, sr := range s.data {
		sr.mu.Lock()
		total += len(sr.bars)
		sr.mu.Unlock()
	}
	return total
}

// trim drops the oldest entries beyond the cap. Caller holds sr.mu.
func (sr *series) trim(cap int) {
	if len(sr.bars) > cap {
		sr.bars = append(sr.bars[:0:0], sr.bars[len(sr.bars)-cap:]...)
	}
}
