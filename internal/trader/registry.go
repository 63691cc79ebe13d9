package trader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradepipe/internal/market"
)

// Spec describes a trader as supplied by the control plane.
type Spec struct {
	ID    string
	Owner string
	Tier  Tier
	Keys  []market.SeriesKey
}

// Status is a point-in-time snapshot of a trader, safe to hand out.
type Status struct {
	ID             string
	Owner          string
	Tier           Tier
	Keys           []market.SeriesKey
	State          State
	LastError      string
	StartedAt      time.Time
	StoppedAt      time.Time
	ProcessedCount int64
	Retries        int
}

// Trader is one schedulable unit. It is owned by the Registry and mutated
// only through the locked state-machine transition.
type Trader struct {
	id    string
	owner string
	tier  Tier
	keys  []market.SeriesKey

	mu            sync.Mutex
	state         State
	lastErr       error
	startedAt     time.Time
	stoppedAt     time.Time
	transitionedAt time.Time
	retries       int

	// Execution plumbing, set by the Manager while starting.
	cancel context.CancelFunc
	done   chan struct{}

	processed atomic.Int64
}

func newTrader(spec Spec) *Trader {
	return &Trader{
		id:             spec.ID,
		owner:          spec.Owner,
		tier:           spec.Tier,
		keys:           append([]market.SeriesKey(nil), spec.Keys...),
		state:          StateStopped,
		transitionedAt: time.Now(),
	}
}

// ID returns the trader's identifier.
func (t *Trader) ID() string { return t.id }

// Keys returns the trader's required series keys.
func (t *Trader) Keys() []market.SeriesKey {
	return append([]market.SeriesKey(nil), t.keys...)
}

// State returns the current lifecycle state.
func (t *Trader) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// transition applies a state change if the fixed table allows it. Invalid
// transitions return an error and leave state unchanged.
func (t *Trader) transition(to State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(to)
}

func (t *Trader) transitionLocked(to State) error {
	if !canTransition(t.state, to) {
		return &InvalidTransitionError{ID: t.id, From: t.state, To: to}
	}
	t.state = to
	t.transitionedAt = time.Now()
	switch to {
	case StateRunning:
		t.startedAt = time.Now()
		t.lastErr = nil
		t.retries = 0
	case StateStopped:
		t.stoppedAt = time.Now()
	}
	return nil
}

// fail moves the trader into error state, recording the cause. It reports
// whether the transition happened; a trader already stopping keeps the
// cause for status but lets the Stop call own the cleanup.
func (t *Trader) fail(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastErr = err
	return t.transitionLocked(StateError) == nil
}

func (t *Trader) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Status{
		ID:             t.id,
		Owner:          t.owner,
		Tier:           t.tier,
		Keys:           append([]market.SeriesKey(nil), t.keys...),
		State:          t.state,
		StartedAt:      t.startedAt,
		StoppedAt:      t.stoppedAt,
		ProcessedCount: t.processed.Load(),
		Retries:        t.retries,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	return st
}

// Registry is the concurrent directory of trader state.
type Registry struct {
	mu      sync.RWMutex
	traders map[string]*Trader
}

func NewRegistry() *Registry {
	return &Registry{traders: make(map[string]*Trader)}
}

// Register adds a trader in stopped state. Re-registering an existing ID is
// an error.
func (r *Registry) Register(spec Spec) (*Trader, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("trader id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.traders[spec.ID]; exists {
		return nil, fmt.Errorf("trader %s already registered", spec.ID)
	}
	t := newTrader(spec)
	r.traders[spec.ID] = t
	return t, nil
}

// Get looks a trader up by ID.
func (r *Registry) Get(id string) (*Trader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.traders[id]
	return t, ok
}

// Remove deletes a trader from the directory.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.traders, id)
}

// List returns all registered traders.
func (r *Registry) List() []*Trader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Trader, 0, len(r.traders))
	for _, t := range r.traders {
		out = append(out, t)
	}
	return out
}

// CollectGarbage removes traders that have been stopped for longer than
// grace and returns the removed IDs.
func (r *Registry) CollectGarbage(grace time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	now := time.Now()
	for id, t := range r.traders {
		t.mu.Lock()
		expired := t.state == StateStopped && !t.stoppedAt.IsZero() &&
			now.Sub(t.stoppedAt) > grace
		t.mu.Unlock()
		if expired {
			delete(r.traders, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// RequiredKeys returns the union of series keys needed by traders that are
// not stopped.
func (r *Registry) RequiredKeys() []market.SeriesKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[market.SeriesKey]struct{})
	var out []market.SeriesKey
	for _, t := range r.traders {
		if st := t.State(); st == StateStopped {
			continue
		}
		for _, key := range t.keys {
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				out = append(out, key)
			}
		}
	}
	return out
}
