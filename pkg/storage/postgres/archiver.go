package postgres

import (
	"context"

	"go.uber.org/zap"

	"tradepipe/internal/bus"
	"tradepipe/internal/trader"
)

// Archiver drains the event bus and persists every closed bar. It also acts
// as a signal sink, so one Postgres client serves both write paths. Archiving
// is best-effort: a failed insert is logged and the stream moves on.
type Archiver struct {
	client   *PostgresClient
	eventBus *bus.Bus
	logger   *zap.Logger

	done chan struct{}
}

func NewArchiver(client *PostgresClient, eventBus *bus.Bus, logger *zap.Logger) *Archiver {
	return &Archiver{
		client:   client,
		eventBus: eventBus,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run consumes close events until ctx is done or the bus shuts down.
func (a *Archiver) Run(ctx context.Context) {
	defer close(a.done)

	sub := a.eventBus.Subscribe(bus.TopicAll)
	defer a.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			record := ToBarRecord(ev.Key, ev.Bar)
			if err := a.client.InsertBar(ctx, record); err != nil {
				a.logger.Warn("archive bar failed",
					zap.String("key", ev.Key.String()),
					zap.Int64("start", ev.Bar.OpenTime),
					zap.Error(err))
			}
		}
	}
}

// Wait blocks until Run has returned.
func (a *Archiver) Wait() {
	<-a.done
}

// Emit implements trader.Sink by persisting the batch.
func (a *Archiver) Emit(ctx context.Context, signals []trader.Signal) error {
	return a.client.InsertSignals(ctx, ToSignalRecords(signals))
}
