package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetalert/internal/domain"

	"github.com/lib/pq"
)

const (
	pgMaxOpenConns    = 10
	pgMaxIdleConns    = 5
	pgConnMaxLifetime = 30 * time.Minute
	pgUniqueViolation = "23505"
)

// schemaStatements creates storage tables when missing.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS alert_states (
		state_key            TEXT PRIMARY KEY,
		entity_id            TEXT NOT NULL,
		entity_name          TEXT NOT NULL DEFAULT '',
		metric_type          TEXT NOT NULL,
		consecutive_breaches INTEGER NOT NULL DEFAULT 0,
		current_severity     TEXT NOT NULL DEFAULT 'none',
		current_value        DOUBLE PRECISION NOT NULL DEFAULT 0,
		first_breach_at      TIMESTAMPTZ,
		last_notified_at     TIMESTAMPTZ,
		resolved_at          TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id              TEXT PRIMARY KEY,
		entity_id       TEXT NOT NULL,
		entity_name     TEXT NOT NULL DEFAULT '',
		metric_type     TEXT NOT NULL,
		severity        TEXT NOT NULL,
		status          TEXT NOT NULL,
		title           TEXT NOT NULL,
		message         TEXT NOT NULL,
		threshold_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		actual_value    DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL,
		acknowledged_at TIMESTAMPTZ,
		resolved_at     TIMESTAMPTZ,
		auto_resolved   BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_entity_metric ON alerts (entity_id, metric_type, status)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts (created_at DESC)`,
}

// PostgresStore persists alerts and evaluation state in PostgreSQL.
// Params: pooled connection handle.
// Returns: durable store for multi-restart deployments.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects, verifies, and migrates the PostgreSQL backend.
// Params: context and lib/pq DSN.
// Returns: ready store or connection/migration error.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(pgMaxOpenConns)
	db.SetMaxIdleConns(pgMaxIdleConns)
	db.SetConnMaxLifetime(pgConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate postgres schema: %w", err)
		}
	}
	return &PostgresStore{db: db}, nil
}

// postgresTx adapts one database transaction to the Tx contract.
type postgresTx struct {
	tx *sql.Tx
}

// WithinTx runs one mutation function in a database transaction.
// Params: context and mutation function.
// Returns: function error after rollback, or commit error.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&postgresTx{tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListAlerts returns alerts matching the filter, newest first.
// Params: context and listing filter.
// Returns: alert slice or query error.
func (s *PostgresStore) ListAlerts(ctx context.Context, filter ListFilter) ([]domain.Alert, error) {
	query := `SELECT id, entity_id, entity_name, metric_type, severity, status, title, message,
		threshold_value, actual_value, created_at, acknowledged_at, resolved_at, auto_resolved
		FROM alerts WHERE 1=1`
	args := make([]any, 0, 5)
	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		query += fmt.Sprintf(" AND entity_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		query += fmt.Sprintf(" AND severity = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var result []domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list alerts rows: %w", err)
	}
	return result, nil
}

// ListStates returns all evaluation state rows in key order.
// Params: context.
// Returns: state slice or query error.
func (s *PostgresStore) ListStates(ctx context.Context) ([]domain.AlertState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity_id, entity_name, metric_type,
		consecutive_breaches, current_severity, current_value, first_breach_at, last_notified_at, resolved_at
		FROM alert_states ORDER BY state_key`)
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	var result []domain.AlertState
	for rows.Next() {
		var st domain.AlertState
		var firstBreach, lastNotified, resolved sql.NullTime
		if err := rows.Scan(&st.EntityID, &st.EntityName, &st.Metric, &st.ConsecutiveBreaches,
			&st.CurrentSeverity, &st.CurrentValue, &firstBreach, &lastNotified, &resolved); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		st.FirstBreachAt = nullableTime(firstBreach)
		st.LastNotifiedAt = nullableTime(lastNotified)
		st.ResolvedAt = nullableTime(resolved)
		result = append(result, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list states rows: %w", err)
	}
	return result, nil
}

// Close closes the database pool.
// Params: none.
// Returns: close error.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// GetState loads evaluation state for one (entity, metric) key.
// Params: context, entity identifier, and metric type.
// Returns: stored state or ErrNotFound.
func (t *postgresTx) GetState(ctx context.Context, entityID string, metric domain.MetricType) (domain.AlertState, error) {
	var st domain.AlertState
	var firstBreach, lastNotified, resolved sql.NullTime
	err := t.tx.QueryRowContext(ctx, `SELECT entity_id, entity_name, metric_type,
		consecutive_breaches, current_severity, current_value, first_breach_at, last_notified_at, resolved_at
		FROM alert_states WHERE state_key = $1`, domain.StateKey(entityID, metric)).
		Scan(&st.EntityID, &st.EntityName, &st.Metric, &st.ConsecutiveBreaches,
			&st.CurrentSeverity, &st.CurrentValue, &firstBreach, &lastNotified, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AlertState{}, fmt.Errorf("state for %q: %w", domain.StateKey(entityID, metric), ErrNotFound)
	}
	if err != nil {
		return domain.AlertState{}, fmt.Errorf("get state: %w", err)
	}
	st.FirstBreachAt = nullableTime(firstBreach)
	st.LastNotifiedAt = nullableTime(lastNotified)
	st.ResolvedAt = nullableTime(resolved)
	return st, nil
}

// PutState upserts evaluation state for its (entity, metric) key.
// Params: context and full state row.
// Returns: write error.
func (t *postgresTx) PutState(ctx context.Context, st domain.AlertState) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO alert_states
		(state_key, entity_id, entity_name, metric_type, consecutive_breaches,
		 current_severity, current_value, first_breach_at, last_notified_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (state_key) DO UPDATE SET
			entity_name = EXCLUDED.entity_name,
			consecutive_breaches = EXCLUDED.consecutive_breaches,
			current_severity = EXCLUDED.current_severity,
			current_value = EXCLUDED.current_value,
			first_breach_at = EXCLUDED.first_breach_at,
			last_notified_at = EXCLUDED.last_notified_at,
			resolved_at = EXCLUDED.resolved_at`,
		st.StateKey(), st.EntityID, st.EntityName, string(st.Metric), st.ConsecutiveBreaches,
		string(st.CurrentSeverity), st.CurrentValue, st.FirstBreachAt, st.LastNotifiedAt, st.ResolvedAt)
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	return nil
}

// GetAlert loads one alert by identifier.
// Params: context and alert ID.
// Returns: stored alert or ErrNotFound.
func (t *postgresTx) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id, entity_id, entity_name, metric_type, severity, status,
		title, message, threshold_value, actual_value, created_at, acknowledged_at, resolved_at, auto_resolved
		FROM alerts WHERE id = $1`, id)
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alert{}, fmt.Errorf("alert %q: %w", id, ErrNotFound)
	}
	return alert, err
}

// GetOpenAlert loads the newest unresolved alert for one key.
// Params: context, entity identifier, and metric type.
// Returns: open or acknowledged alert, or ErrNotFound.
func (t *postgresTx) GetOpenAlert(ctx context.Context, entityID string, metric domain.MetricType) (domain.Alert, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT id, entity_id, entity_name, metric_type, severity, status,
		title, message, threshold_value, actual_value, created_at, acknowledged_at, resolved_at, auto_resolved
		FROM alerts WHERE entity_id = $1 AND metric_type = $2 AND status IN ($3, $4)
		ORDER BY created_at DESC LIMIT 1`,
		entityID, string(metric), string(domain.StatusOpen), string(domain.StatusAcknowledged))
	alert, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Alert{}, fmt.Errorf("open alert for %q: %w", domain.StateKey(entityID, metric), ErrNotFound)
	}
	return alert, err
}

// InsertAlert persists a new alert record.
// Params: context and alert with assigned ID.
// Returns: ErrConflict for duplicate IDs or write error.
func (t *postgresTx) InsertAlert(ctx context.Context, alert domain.Alert) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO alerts
		(id, entity_id, entity_name, metric_type, severity, status, title, message,
		 threshold_value, actual_value, created_at, acknowledged_at, resolved_at, auto_resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		alert.ID, alert.EntityID, alert.EntityName, string(alert.Metric), string(alert.Severity),
		string(alert.Status), alert.Title, alert.Message, alert.ThresholdValue, alert.ActualValue,
		alert.CreatedAt, alert.AcknowledgedAt, alert.ResolvedAt, alert.AutoResolved)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return fmt.Errorf("alert %q: %w", alert.ID, ErrConflict)
		}
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// UpdateAlert rewrites an existing alert record.
// Params: context and mutated alert.
// Returns: ErrNotFound for unknown IDs or write error.
func (t *postgresTx) UpdateAlert(ctx context.Context, alert domain.Alert) error {
	result, err := t.tx.ExecContext(ctx, `UPDATE alerts SET severity = $2, status = $3, title = $4,
		message = $5, threshold_value = $6, actual_value = $7, acknowledged_at = $8,
		resolved_at = $9, auto_resolved = $10 WHERE id = $1`,
		alert.ID, string(alert.Severity), string(alert.Status), alert.Title, alert.Message,
		alert.ThresholdValue, alert.ActualValue, alert.AcknowledgedAt, alert.ResolvedAt, alert.AutoResolved)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update alert affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("alert %q: %w", alert.ID, ErrNotFound)
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAlert reads one alert row into a domain record.
// Params: row scanner positioned on an alert row.
// Returns: decoded alert or scan error.
func scanAlert(row rowScanner) (domain.Alert, error) {
	var alert domain.Alert
	var acknowledged, resolved sql.NullTime
	err := row.Scan(&alert.ID, &alert.EntityID, &alert.EntityName, &alert.Metric, &alert.Severity,
		&alert.Status, &alert.Title, &alert.Message, &alert.ThresholdValue, &alert.ActualValue,
		&alert.CreatedAt, &acknowledged, &resolved, &alert.AutoResolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Alert{}, err
		}
		return domain.Alert{}, fmt.Errorf("scan alert: %w", err)
	}
	alert.AcknowledgedAt = nullableTime(acknowledged)
	alert.ResolvedAt = nullableTime(resolved)
	return alert, nil
}

// nullableTime converts sql.NullTime into an optional timestamp.
// Params: scanned nullable time.
// Returns: UTC pointer or nil.
func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
