package state

import (
	"context"
	"errors"

	"fleetalert/internal/domain"
)

// ErrNotFound indicates requested record does not exist.
var ErrNotFound = errors.New("state: not found")

// ErrConflict indicates a write raced with a conflicting record.
var ErrConflict = errors.New("state: conflict")

// ListFilter narrows alert listing queries.
// Params: optional entity/status/severity filters and limit/offset pagination.
// Returns: filter applied by ListAlerts implementations.
type ListFilter struct {
	EntityID string
	Status   domain.Status
	Severity domain.Severity
	Limit    int
	Offset   int
}

// Tx exposes transactional reads and writes for one evaluation step.
// Params: context-bound record operations.
// Returns: storage operations that commit or roll back atomically.
type Tx interface {
	// GetState loads evaluation state for one (entity, metric) key.
	// Params: context, entity identifier, and metric type.
	// Returns: stored state or ErrNotFound.
	GetState(ctx context.Context, entityID string, metric domain.MetricType) (domain.AlertState, error)
	// PutState upserts evaluation state for its (entity, metric) key.
	// Params: context and full state row.
	// Returns: storage error.
	PutState(ctx context.Context, st domain.AlertState) error
	// GetAlert loads one alert by identifier.
	// Params: context and alert ID.
	// Returns: stored alert or ErrNotFound.
	GetAlert(ctx context.Context, id string) (domain.Alert, error)
	// GetOpenAlert loads the newest unresolved alert for one key.
	// Params: context, entity identifier, and metric type.
	// Returns: open or acknowledged alert, or ErrNotFound.
	GetOpenAlert(ctx context.Context, entityID string, metric domain.MetricType) (domain.Alert, error)
	// InsertAlert persists a new alert record.
	// Params: context and alert with assigned ID.
	// Returns: ErrConflict for duplicate IDs or storage error.
	InsertAlert(ctx context.Context, alert domain.Alert) error
	// UpdateAlert rewrites an existing alert record.
	// Params: context and mutated alert.
	// Returns: ErrNotFound for unknown IDs or storage error.
	UpdateAlert(ctx context.Context, alert domain.Alert) error
}

// Store is the persistence boundary for alerts and evaluation state.
// Params: transactional mutation entry point and read queries.
// Returns: backend-agnostic storage used by the lifecycle manager.
type Store interface {
	// WithinTx runs one mutation function atomically.
	// Params: context and function receiving the transaction handle.
	// Returns: function error after rollback, or commit error.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// ListAlerts returns alerts matching the filter, newest first.
	// Params: context and listing filter.
	// Returns: alert slice or storage error.
	ListAlerts(ctx context.Context, filter ListFilter) ([]domain.Alert, error)
	// ListStates returns all evaluation state rows.
	// Params: context.
	// Returns: state slice or storage error.
	ListStates(ctx context.Context) ([]domain.AlertState, error)
	// Close releases backend resources.
	// Params: none.
	// Returns: close error.
	Close() error
}
