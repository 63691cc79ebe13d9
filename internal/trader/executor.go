package trader

import (
	"context"
	"fmt"
	"time"

	"tradepipe/internal/bus"
	"tradepipe/internal/market"
	"tradepipe/internal/market/datastore"

	"go.uber.org/zap"
)

// Signal is one output record produced by trader logic.
type Signal struct {
	TraderID string
	Key      market.SeriesKey
	Action   string // e.g., "buy", "sell"
	Price    float64
	At       time.Time
}

// Strategy is the external trader logic contract: given the current window
// per required key, return output records. It should stay short relative to
// the close-event interval; panics are contained by the executor.
type Strategy interface {
	Evaluate(ctx context.Context, window map[market.SeriesKey][]market.Bar) ([]Signal, error)
}

// StrategyProvider resolves a trader's logic at start time.
type StrategyProvider interface {
	Strategy(traderID string) (Strategy, error)
}

// Sink receives the signals a trader emits.
type Sink interface {
	Emit(ctx context.Context, signals []Signal) error
}

// Executor runs one trader against the data store, driven by close events
// for its required keys. Any failure is isolated to this trader.
type Executor struct {
	trader   *Trader
	store    *datastore.Store
	eventBus *bus.Bus
	strategy Strategy
	sink     Sink
	logger   *zap.Logger
}

func NewExecutor(t *Trader, store *datastore.Store, eventBus *bus.Bus, strategy Strategy, sink Sink, logger *zap.Logger) *Executor {
	return &Executor{
		trader:   t,
		store:    store,
		eventBus: eventBus,
		strategy: strategy,
		sink:     sink,
		logger:   logger.With(zap.String("trader", t.ID())),
	}
}

// Run subscribes to the trader's keys and evaluates on every relevant close
// event until cancelled. ready resolves once the subscription is live. A
// non-nil return means the trader failed and should move to error state.
func (e *Executor) Run(ctx context.Context, ready chan<- error) error {
	topics := market.Topics(e.trader.Keys())
	if len(topics) == 0 {
		err := fmt.Errorf("trader %s has no required series keys", e.trader.ID())
		ready <- err
		return err
	}

	sub := e.eventBus.Subscribe(topics...)
	defer e.eventBus.Unsubscribe(sub)
	ready <- nil

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return nil // bus shut down
			}
			if err := e.invoke(ctx, ev); err != nil {
				return err
			}
			e.trader.processed.Add(1)
		}
	}
}

// invoke runs one evaluation with a recover boundary: a panic in trader
// logic becomes an error for this trader only, never a process crash.
func (e *Executor) invoke(ctx context.Context, ev bus.CloseEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("trader logic panic on %s: %v", ev.Key.String(), r)
			e.logger.Error("recovered trader panic",
				zap.String("key", ev.Key.String()), zap.Any("panic", r))
		}
	}()

	window := make(map[market.SeriesKey][]market.Bar, len(e.trader.keys))
	for _, key := range e.trader.keys {
		window[key] = e.store.Get(key)
	}

	signals, err := e.strategy.Evaluate(ctx, window)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", ev.Key.String(), err)
	}
	if len(signals) == 0 {
		return nil
	}
	// Strategies do not know which trader runs them; attribution is stamped
	// here.
	for i := range signals {
		signals[i].TraderID = e.trader.ID()
	}

	if err := e.sink.Emit(ctx, signals); err != nil {
		// Losing a signal is not fatal for the trader.
		e.logger.Warn("signal sink failed", zap.Int("signals", len(signals)), zap.Error(err))
	}
	return nil
}
