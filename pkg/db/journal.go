package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/http-transport/pkg/events"
)

const journalLogPrefix = "db:journal"

// DefaultRecentLimit caps Recent when no positive limit is given.
const DefaultRecentLimit = 100

// Journal records settled exchanges in Postgres. It implements events.EventPublisher.
type Journal struct {
	pool *pgxpool.Pool
}

var _ events.EventPublisher = (*Journal)(nil)

// NewJournal creates a journal backed by pool.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// PublishSettled inserts one row per settled exchange.
func (j *Journal) PublishSettled(ctx context.Context, event *events.ExchangeSettledEvent) error {
	if event == nil {
		return nil
	}
	settledAt := time.Now().UTC()
	if event.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, event.Timestamp); err == nil {
			settledAt = ts
		}
	}

	_, err := j.pool.Exec(ctx,
		`INSERT INTO http_transport_exchanges
			(request_id, correlation_id, action, direction, outcome, status, error, peer, duration_ms, settled_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.RequestID, event.CorrelationID, event.Action,
		event.Direction, event.Outcome, event.Status,
		nullable(event.Error), nullable(event.Peer), event.DurationMs, settledAt,
	)
	if err != nil {
		return fmt.Errorf("%s - insert failed: %w", journalLogPrefix, err)
	}
	return nil
}

// Recent returns the latest settled exchanges, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]ExchangeRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := j.pool.Query(ctx,
		`SELECT id, request_id, correlation_id, action, direction, outcome, status, error, peer, duration_ms, settled_at
		 FROM http_transport_exchanges
		 ORDER BY settled_at DESC, id DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - query failed: %w", journalLogPrefix, err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ExchangeRecord])
	if err != nil {
		return nil, fmt.Errorf("%s - scan failed: %w", journalLogPrefix, err)
	}
	return records, nil
}

// ByRequestID returns every recorded settlement of one request id, oldest first.
func (j *Journal) ByRequestID(ctx context.Context, requestID string) ([]ExchangeRecord, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT id, request_id, correlation_id, action, direction, outcome, status, error, peer, duration_ms, settled_at
		 FROM http_transport_exchanges
		 WHERE request_id = $1
		 ORDER BY id`, requestID)
	if err != nil {
		return nil, fmt.Errorf("%s - query failed: %w", journalLogPrefix, err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[ExchangeRecord])
	if err != nil {
		return nil, fmt.Errorf("%s - scan failed: %w", journalLogPrefix, err)
	}
	return records, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
