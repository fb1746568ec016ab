package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/rasd/surveillance-server/pkg/types"
)

const alertSchema = `
CREATE TABLE IF NOT EXISTS alert_events (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT        NOT NULL,
	run_kind    TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	x1 INT NOT NULL, y1 INT NOT NULL, x2 INT NOT NULL, y2 INT NOT NULL,
	path        TEXT        NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS alert_events_run_idx ON alert_events (run_id, captured_at);
`

// RunKind tells stream alerts from task alerts.
type RunKind string

const (
	RunStream RunKind = "stream"
	RunTask   RunKind = "task"
)

// OpenPostgres opens and pings a postgres connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// AlertRepository keeps a durable history of alert captures.
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository wraps db.
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{db: db, logger: logger}
}

// EnsureSchema creates the alert table if needed.
func (r *AlertRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, alertSchema); err != nil {
		return fmt.Errorf("create alert schema: %w", err)
	}
	return nil
}

// Insert stores one alert.
func (r *AlertRepository) Insert(ctx context.Context, runID string, kind RunKind, ev types.AlertEvent) error {
	const q = `INSERT INTO alert_events (run_id, run_kind, kind, confidence, x1, y1, x2, y2, path, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.ExecContext(ctx, q, runID, string(kind), ev.Kind, ev.Confidence,
		ev.Box.X1, ev.Box.Y1, ev.Box.X2, ev.Box.Y2, ev.Path, ev.Timestamp.UTC())
	if err != nil {
		r.logger.Error("Failed to insert alert", zap.String("run_id", runID), zap.String("kind", ev.Kind), zap.Error(err))
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// ListByRun returns the newest alerts of a run, newest first. An empty runID lists all runs.
func (r *AlertRepository) ListByRun(ctx context.Context, runID string, limit int) ([]types.AlertEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT run_id, kind, confidence, x1, y1, x2, y2, path, captured_at
		FROM alert_events
		WHERE ($1 = '' OR run_id = $1)
		ORDER BY captured_at DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []types.AlertEvent
	for rows.Next() {
		var ev types.AlertEvent
		var at time.Time
		if err := rows.Scan(&ev.RunID, &ev.Kind, &ev.Confidence,
			&ev.Box.X1, &ev.Box.Y1, &ev.Box.X2, &ev.Box.Y2, &ev.Path, &at); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		ev.Timestamp = at.Local()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}
