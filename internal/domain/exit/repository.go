package exit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventSink consumes exit events in emission order: an execution layer in
// live mode, a ledger/equity accumulator in backtest mode. The engine
// treats an emitted event as final once produced; delivery retries belong
// to the sink, never to the engine.
type EventSink interface {
	OnEvent(ctx context.Context, positionID uuid.UUID, ev ExitEvent) error
}

// SinkFunc adapts a plain function to an EventSink.
type SinkFunc func(ctx context.Context, positionID uuid.UUID, ev ExitEvent) error

func (f SinkFunc) OnEvent(ctx context.Context, positionID uuid.UUID, ev ExitEvent) error {
	return f(ctx, positionID, ev)
}

// EventLogRepository persists per-position event logs so realized PnL can
// be recomputed independently of the engine.
type EventLogRepository interface {
	InsertEvent(ctx context.Context, ev *ExitEvent) error
	ListByPosition(ctx context.Context, positionID uuid.UUID) ([]*ExitEvent, error)
	ListSince(ctx context.Context, since time.Time) ([]*ExitEvent, error)
}
