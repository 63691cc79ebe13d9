package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradepipe/internal/bus"
	"tradepipe/internal/market"
	"tradepipe/internal/market/datastore"

	"go.uber.org/zap"
)

// ManagerConfig tunes admission, shutdown and retry behavior.
type ManagerConfig struct {
	GlobalLimit   int
	TierLimits    map[Tier]int
	StopTimeout   time.Duration // per-trader cooperative stop bound
	RetryCooldown time.Duration // wait before an error trader retries
	RetryBudget   int           // automatic retries before parking in error
	GCGrace       time.Duration // how long stopped traders stay registered
	LoopTick      time.Duration // retry/GC loop period
}

func (c *ManagerConfig) applyDefaults() {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.RetryCooldown <= 0 {
		c.RetryCooldown = time.Minute
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 3
	}
	if c.GCGrace <= 0 {
		c.GCGrace = 10 * time.Minute
	}
	if c.LoopTick <= 0 {
		c.LoopTick = 5 * time.Second
	}
}

// KeysChangedFunc is notified when the union of required series keys
// changes, so the stream subscription can follow the roster.
type KeysChangedFunc func(ctx context.Context, keys []market.SeriesKey) error

// Manager orchestrates the registry, quota and executors. It is the only
// component that writes trader state.
type Manager struct {
	cfg      ManagerConfig
	registry *Registry
	quota    *QuotaManager
	store    *datastore.Store
	eventBus *bus.Bus
	provider StrategyProvider
	sink     Sink
	logger   *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	keysChangedMu sync.Mutex
	keysChanged   KeysChangedFunc
}

func NewManager(cfg ManagerConfig, store *datastore.Store, eventBus *bus.Bus, provider StrategyProvider, sink Sink, logger *zap.Logger) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		registry:   NewRegistry(),
		quota:      NewQuotaManager(cfg.GlobalLimit, cfg.TierLimits),
		store:      store,
		eventBus:   eventBus,
		provider:   provider,
		sink:       sink,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// OnKeysChanged installs the roster-change callback.
func (m *Manager) OnKeysChanged(fn KeysChangedFunc) {
	m.keysChangedMu.Lock()
	defer m.keysChangedMu.Unlock()
	m.keysChanged = fn
}

// RequiredKeys returns the union of keys needed by non-stopped traders.
func (m *Manager) RequiredKeys() []market.SeriesKey {
	return m.registry.RequiredKeys()
}

// Register adds a trader from the control plane, in stopped state.
func (m *Manager) Register(spec Spec) error {
	if _, err := m.registry.Register(spec); err != nil {
		return err
	}
	m.notifyKeysChanged()
	return nil
}

// Deregister stops (if needed) and removes a trader.
func (m *Manager) Deregister(id string) error {
	t, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("trader %s not found", id)
	}
	switch t.State() {
	case StateRunning, StateStarting:
		if err := m.Stop(id); err != nil {
			return err
		}
	}
	m.registry.Remove(id)
	m.notifyKeysChanged()
	return nil
}

// Start admits and launches a trader. On quota failure the trader keeps its
// state; on setup failure it moves to error and the quota slot is returned.
func (m *Manager) Start(id string) error {
	t, ok := m.registry.Get(id)
	if !ok {
		return fmt.Errorf("trader %s not found", id)
	}

	if err := m.quota.Acquire(t.owner, t.tier); err != nil {
		return err
	}
	if err := t.transition(StateStarting); err != nil {
		m.quota.Release(t.owner)
		return err
	}

	strategy, err := m.provider.Strategy(id)
	if err != nil {
		err = fmt.Errorf("resolve strategy: %w", err)
		t.fail(err)
		m.quota.Release(t.owner)
		return err
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	exec := NewExecutor(t, m.store, m.eventBus, strategy, m.sink, m.logger)
	ready := make(chan error, 1)
	go func() {
		defer close(done)
		m.onExit(t, exec.Run(ctx, ready))
	}()

	if err := <-ready; err != nil {
		<-done // onExit has moved the trader to error and released quota
		return err
	}
	if err := t.transition(StateRunning); err != nil {
		// Stopped while starting; the Stop call owns the cleanup.
		return err
	}
	m.logger.Info("trader running", zap.String("trader", id))
	m.notifyKeysChanged()
	return nil
}

// onExit settles a finished executor. A nil run error means cooperative
// cancellation, which Stop accounts for; a failure moves the trader to
// error and returns its quota slot.
func (m *Manager) onExit(t *Trader, runErr error) {
	if runErr == nil {
		return
	}
	m.logger.Error("trader failed", zap.String("trader", t.id), zap.Error(runErr))
	if t.fail(runErr) {
		m.quota.Release(t.owner)
	}
}

// Stop cancels a trader and waits up to the configured timeout for its
// executor to acknowledge. A trader that misses the deadline is
// force-abandoned: resources are released regardless.
func (m *Manager) Stop(id string) error {
	if _, ok := m.registry.Get(id); !ok {
		return fmt.Errorf("trader %s not found", id)
	}
	if err := m.stopWithTimeout(id, m.cfg.StopTimeout); err != nil {
		return err
	}
	m.logger.Info("trader stopped", zap.String("trader", id))
	m.notifyKeysChanged()
	return nil
}

// Status returns a snapshot of one trader.
func (m *Manager) Status(id string) (Status, error) {
	t, ok := m.registry.Get(id)
	if !ok {
		return Status{}, fmt.Errorf("trader %s not found", id)
	}
	return t.status(), nil
}

// StopAll concurrently stops every active trader and returns once all have
// settled or the timeout elapsed. Afterwards no trader is left running;
// stragglers are force-abandoned with their resources released.
func (m *Manager) StopAll(timeout time.Duration) {
	var wg sync.WaitGroup
	for _, t := range m.registry.List() {
		switch t.State() {
		case StateRunning, StateStarting:
		default:
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.stopWithTimeout(id, timeout); err != nil {
				m.logger.Warn("stop during shutdown", zap.String("trader", id), zap.Error(err))
			}
		}(t.id)
	}
	wg.Wait()
	m.baseCancel()
}

func (m *Manager) stopWithTimeout(id string, timeout time.Duration) error {
	t, ok := m.registry.Get(id)
	if !ok {
		return nil
	}
	if err := t.transition(StateStopping); err != nil {
		// An errored trader's executor has already exited and returned its
		// quota slot; stopping it is a plain reset to stopped.
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.state == StateError {
			return t.transitionLocked(StateStopped)
		}
		return err
	}

	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			m.logger.Warn("trader stop timed out, abandoning",
				zap.String("trader", id), zap.Duration("timeout", timeout))
		}
	}

	m.quota.Release(t.owner)
	return t.transition(StateStopped)
}

// Run drives the auto-retry and garbage-collection loop until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.LoopTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.retryErrored()
			if removed := m.registry.CollectGarbage(m.cfg.GCGrace); len(removed) > 0 {
				m.logger.Info("collected stopped traders", zap.Strings("traders", removed))
				m.notifyKeysChanged()
			}
		}
	}
}

// retryErrored re-attempts traders parked in error state once their
// cooldown has passed, up to the retry budget.
func (m *Manager) retryErrored() {
	for _, t := range m.registry.List() {
		t.mu.Lock()
		eligible := t.state == StateError &&
			time.Since(t.transitionedAt) >= m.cfg.RetryCooldown &&
			t.retries < m.cfg.RetryBudget
		if eligible {
			t.retries++
		}
		retries := t.retries
		t.mu.Unlock()

		if !eligible {
			continue
		}
		m.logger.Info("retrying errored trader",
			zap.String("trader", t.id), zap.Int("attempt", retries))
		if err := m.Start(t.id); err != nil {
			m.logger.Warn("trader retry failed", zap.String("trader", t.id), zap.Error(err))
		}
	}
}

func (m *Manager) notifyKeysChanged() {
	m.keysChangedMu.Lock()
	fn := m.keysChanged
	m.keysChangedMu.Unlock()
	if fn == nil {
		return
	}
	if err := fn(context.Background(), m.registry.RequiredKeys()); err != nil {
		m.logger.Warn("key update failed", zap.Error(err))
	}
}
