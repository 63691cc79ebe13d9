package trader

import "sync"

// Tier determines a tenant's concurrency allowance.
type Tier string

const (
	TierCapped    Tier = "capped"
	TierUnlimited Tier = "unlimited"
)

// QuotaError reports admission failure. Scope distinguishes global from
// per-tenant exhaustion so callers can produce different user-facing
// messages.
type QuotaError struct {
	Scope string // "global" or "owner"
	Owner string
	Limit int
}

func (e *QuotaError) Error() string {
	if e.Scope == "global" {
		return "quota exceeded: global concurrency limit reached"
	}
	return "quota exceeded: owner " + e.Owner + " at concurrency limit"
}

// DefaultTierLimits is the per-owner allowance per tier; 0 means unbounded.
var DefaultTierLimits = map[Tier]int{
	TierCapped:    10,
	TierUnlimited: 0,
}

// QuotaManager is the two-level admission control for running traders: a
// global ceiling and a per-owner, tier-derived cap. Both checks happen in
// one critical section, so a failed per-owner check can never leak a global
// slot.
type QuotaManager struct {
	mu          sync.Mutex
	globalLimit int
	global      int
	perOwner    map[string]int
	tierLimits  map[Tier]int
}

func NewQuotaManager(globalLimit int, tierLimits map[Tier]int) *QuotaManager {
	if globalLimit <= 0 {
		globalLimit = 1000
	}
	if tierLimits == nil {
		tierLimits = DefaultTierLimits
	}
	return &QuotaManager{
		globalLimit: globalLimit,
		perOwner:    make(map[string]int),
		tierLimits:  tierLimits,
	}
}

// Acquire atomically reserves one global slot and one owner slot, or
// returns a QuotaError naming which level is exhausted.
func (q *QuotaManager) Acquire(owner string, tier Tier) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.global >= q.globalLimit {
		return &QuotaError{Scope: "global", Limit: q.globalLimit}
	}
	if limit := q.tierLimits[tier]; limit > 0 && q.perOwner[owner] >= limit {
		return &QuotaError{Scope: "owner", Owner: owner, Limit: limit}
	}

	q.global++
	q.perOwner[owner]++
	return nil
}

// Release returns one slot at both levels.
func (q *QuotaManager) Release(owner string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.global > 0 {
		q.global--
	}
	if q.perOwner[owner] > 0 {
		q.perOwner[owner]--
		if q.perOwner[owner] == 0 {
			delete(q.perOwner, owner)
		}
	}
}

// InUse reports the current global and per-owner counts.
func (q *QuotaManager) InUse(owner string) (global, byOwner int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.global, q.perOwner[owner]
}
