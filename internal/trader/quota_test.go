package trader

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaGlobalCeiling(t *testing.T) {
	q := NewQuotaManager(1000, DefaultTierLimits)

	for i := 0; i < 1000; i++ {
		require.NoError(t, q.Acquire("owner", TierUnlimited))
	}

	err := q.Acquire("owner", TierUnlimited)
	require.Error(t, err)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "global", qe.Scope)

	// Releasing one slot re-opens admission.
	q.Release("owner")
	assert.NoError(t, q.Acquire("other", TierUnlimited))
}

func TestQuotaOwnerCeiling(t *testing.T) {
	q := NewQuotaManager(1000, map[Tier]int{TierCapped: 10, TierUnlimited: 0})

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Acquire("tenant-a", TierCapped))
	}

	err := q.Acquire("tenant-a", TierCapped)
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "owner", qe.Scope)
	assert.Equal(t, "tenant-a", qe.Owner)

	// Other tenants are unaffected, and the failed acquire must not have
	// consumed a global slot.
	global, _ := q.InUse("tenant-a")
	assert.Equal(t, 10, global)
	assert.NoError(t, q.Acquire("tenant-b", TierCapped))
}

func TestQuotaConcurrentAcquire(t *testing.T) {
	const (
		globalLimit = 50
		workers     = 20
		perWorker   = 100
	)
	q := NewQuotaManager(globalLimit, map[Tier]int{TierCapped: 7})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired = make(map[string]int)
		peak     int
	)
	for w := 0; w < workers; w++ {
		owner := string(rune('a' + w%5))
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := q.Acquire(owner, TierCapped); err != nil {
					continue
				}
				mu.Lock()
				acquired[owner]++
				total := 0
				for _, n := range acquired {
					total += n
				}
				if total > peak {
					peak = total
				}
				over := total > globalLimit || acquired[owner] > 7
				mu.Unlock()
				if over {
					t.Errorf("quota ceiling breached: total=%d owner[%s]=%d", total, owner, acquired[owner])
				}

				mu.Lock()
				acquired[owner]--
				mu.Unlock()
				q.Release(owner)
			}
		}(owner)
	}
	wg.Wait()

	global, _ := q.InUse("a")
	assert.Zero(t, global, "all slots must be returned")
	assert.LessOrEqual(t, peak, globalLimit)
}
