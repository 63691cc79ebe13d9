package strategy

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"tradepipe/internal/trader"
)

// Provider hands out per-trader strategy instances from a fixed catalog.
// Each trader gets its own instance so crossing state is never shared.
type Provider struct {
	mu        sync.RWMutex
	factories map[string]func() (trader.Strategy, error)
}

func NewProvider() *Provider {
	return &Provider{factories: make(map[string]func() (trader.Strategy, error))}
}

// Bind associates a trader ID with a strategy factory.
func (p *Provider) Bind(traderID string, factory func() (trader.Strategy, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[traderID] = factory
}

func (p *Provider) Strategy(traderID string) (trader.Strategy, error) {
	p.mu.RLock()
	factory, ok := p.factories[traderID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no strategy bound for trader %s", traderID)
	}
	return factory()
}

// LogSink writes signals to the structured log. It is the default sink when
// no persistence backend is configured.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, signals []trader.Signal) error {
	for _, sig := range signals {
		s.logger.Info("signal",
			zap.String("trader", sig.TraderID),
			zap.String("key", sig.Key.String()),
			zap.String("action", sig.Action),
			zap.Float64("price", sig.Price),
			zap.Time("at", sig.At),
		)
	}
	return nil
}

// MultiSink fans signals out to several sinks; the first error wins but all
// sinks still receive the batch.
type MultiSink struct {
	sinks []trader.Sink
}

func NewMultiSink(sinks ...trader.Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Emit(ctx context.Context, signals []trader.Signal) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, signals); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
