package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Brokenbass90/by-bot/internal/domain/exit"
)

// ExitEventRepository implements exit.EventLogRepository on PostgreSQL.
// The trade.exit_events table is append-only: events are never updated or
// deleted, so realized PnL can be recomputed from the log at any time.
type ExitEventRepository struct {
	pool *pgxpool.Pool
}

// NewExitEventRepository creates a new ExitEventRepository
func NewExitEventRepository(pool *pgxpool.Pool) *ExitEventRepository {
	return &ExitEventRepository{
		pool: pool,
	}
}

// InsertEvent appends one exit event. A zero event ID is assigned here so
// the engine's decision output stays free of random identifiers.
func (r *ExitEventRepository) InsertEvent(ctx context.Context, ev *exit.ExitEvent) error {
	if ev.EventID == uuid.Nil {
		ev.EventID = uuid.New()
	}

	query := `
		INSERT INTO trade.exit_events (
			event_id,
			position_id,
			event_type,
			price,
			qty,
			reason,
			bar_time
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		ev.EventID,
		ev.PositionID,
		string(ev.Type),
		ev.Price,
		ev.Qty,
		ev.Reason,
		ev.BarTime,
	)
	if err != nil {
		return fmt.Errorf("insert exit event: %w", err)
	}

	return nil
}

// ListByPosition returns a position's full event log in emission order.
func (r *ExitEventRepository) ListByPosition(ctx context.Context, positionID uuid.UUID) ([]*exit.ExitEvent, error) {
	query := `
		SELECT
			event_id,
			position_id,
			event_type,
			price,
			qty,
			reason,
			bar_time
		FROM trade.exit_events
		WHERE position_id = $1
		ORDER BY bar_time ASC, event_id ASC
	`

	rows, err := r.pool.Query(ctx, query, positionID)
	if err != nil {
		return nil, fmt.Errorf("list exit events by position: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListSince returns every event with bar_time at or after since.
func (r *ExitEventRepository) ListSince(ctx context.Context, since time.Time) ([]*exit.ExitEvent, error) {
	query := `
		SELECT
			event_id,
			position_id,
			event_type,
			price,
			qty,
			reason,
			bar_time
		FROM trade.exit_events
		WHERE bar_time >= $1
		ORDER BY bar_time ASC
	`

	rows, err := r.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("list exit events since: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*exit.ExitEvent, error) {
	var events []*exit.ExitEvent
	for rows.Next() {
		ev := &exit.ExitEvent{}
		var eventType string
		err := rows.Scan(
			&ev.EventID,
			&ev.PositionID,
			&eventType,
			&ev.Price,
			&ev.Qty,
			&ev.Reason,
			&ev.BarTime,
		)
		if err != nil {
			return nil, fmt.Errorf("scan exit event: %w", err)
		}
		ev.Type = exit.EventType(eventType)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

// Sink adapts the repository to exit.EventSink so live engines persist
// every decision as it is made.
type Sink struct {
	repo *ExitEventRepository
}

// NewSink creates a persisting event sink.
func NewSink(repo *ExitEventRepository) *Sink {
	return &Sink{repo: repo}
}

// OnEvent implements exit.EventSink.
func (s *Sink) OnEvent(ctx context.Context, _ uuid.UUID, ev exit.ExitEvent) error {
	return s.repo.InsertEvent(ctx, &ev)
}

// ErrEventNotFound is returned by lookups that match nothing.
var ErrEventNotFound = errors.New("exit event not found")

// GetEvent retrieves one event by ID.
func (r *ExitEventRepository) GetEvent(ctx context.Context, eventID uuid.UUID) (*exit.ExitEvent, error) {
	query := `
		SELECT
			event_id,
			position_id,
			event_type,
			price,
			qty,
			reason,
			bar_time
		FROM trade.exit_events
		WHERE event_id = $1
	`

	ev := &exit.ExitEvent{}
	var eventType string
	err := r.pool.QueryRow(ctx, query, eventID).Scan(
		&ev.EventID,
		&ev.PositionID,
		&eventType,
		&ev.Price,
		&ev.Qty,
		&ev.Reason,
		&ev.BarTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if err != nil {
		return nil, fmt.Errorf("get exit event: %w", err)
	}
	ev.Type = exit.EventType(eventType)

	return ev, nil
}
