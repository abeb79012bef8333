package state

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"fleetalert/internal/domain"
)

// MemoryStore keeps alerts and evaluation state in process memory.
// Params: guarded maps keyed by state key and alert ID.
// Returns: store suitable for single-node deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]domain.AlertState
	alerts map[string]domain.Alert
	// order preserves insertion sequence so listings are stable when
	// several alerts share one creation timestamp.
	order []string
}

// NewMemoryStore creates an empty in-memory store.
// Params: none.
// Returns: initialized store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]domain.AlertState),
		alerts: make(map[string]domain.Alert),
	}
}

// memoryTx stages writes against a memory store snapshot.
// Params: parent store plus staged state/alert mutations.
// Returns: transaction view committed only on success.
type memoryTx struct {
	store        *MemoryStore
	stagedStates map[string]domain.AlertState
	stagedAlerts map[string]domain.Alert
	stagedOrder  []string
}

// WithinTx runs one mutation function under the store lock.
// Params: context and mutation function.
// Returns: function error with staged writes discarded, nil on commit.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:        s,
		stagedStates: make(map[string]domain.AlertState),
		stagedAlerts: make(map[string]domain.Alert),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for key, st := range tx.stagedStates {
		s.states[key] = st
	}
	for id, alert := range tx.stagedAlerts {
		s.alerts[id] = alert
	}
	s.order = append(s.order, tx.stagedOrder...)
	return nil
}

// ListAlerts returns alerts matching the filter, newest first.
// Params: context and listing filter.
// Returns: filtered copy of stored alerts, paginated by offset/limit.
func (s *MemoryStore) ListAlerts(ctx context.Context, filter ListFilter) ([]domain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]domain.Alert, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		alert, ok := s.alerts[s.order[i]]
		if !ok {
			continue
		}
		if filter.EntityID != "" && alert.EntityID != filter.EntityID {
			continue
		}
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		matched = append(matched, alert)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []domain.Alert{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// ListStates returns all evaluation state rows in key order.
// Params: context.
// Returns: copied state slice.
func (s *MemoryStore) ListStates(ctx context.Context) ([]domain.AlertState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.states))
	for key := range s.states {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]domain.AlertState, 0, len(keys))
	for _, key := range keys {
		result = append(result, s.states[key])
	}
	return result, nil
}

// Close releases store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

// GetState loads evaluation state, preferring staged writes.
// Params: context, entity identifier, and metric type.
// Returns: stored state or ErrNotFound.
func (t *memoryTx) GetState(ctx context.Context, entityID string, metric domain.MetricType) (domain.AlertState, error) {
	if err := ctx.Err(); err != nil {
		return domain.AlertState{}, err
	}
	key := domain.StateKey(entityID, metric)
	if st, ok := t.stagedStates[key]; ok {
		return st, nil
	}
	if st, ok := t.store.states[key]; ok {
		return st, nil
	}
	return domain.AlertState{}, fmt.Errorf("state for %q: %w", key, ErrNotFound)
}

// PutState stages one state upsert.
// Params: context and full state row.
// Returns: context error only.
func (t *memoryTx) PutState(ctx context.Context, st domain.AlertState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.stagedStates[st.StateKey()] = st
	return nil
}

// GetAlert loads one alert by ID, preferring staged writes.
// Params: context and alert ID.
// Returns: alert or ErrNotFound.
func (t *memoryTx) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return domain.Alert{}, err
	}
	if alert, ok := t.stagedAlerts[id]; ok {
		return alert, nil
	}
	if alert, ok := t.store.alerts[id]; ok {
		return alert, nil
	}
	return domain.Alert{}, fmt.Errorf("alert %q: %w", id, ErrNotFound)
}

// GetOpenAlert loads the newest unresolved alert for one key.
// Params: context, entity identifier, and metric type.
// Returns: open/acknowledged alert or ErrNotFound.
func (t *memoryTx) GetOpenAlert(ctx context.Context, entityID string, metric domain.MetricType) (domain.Alert, error) {
	if err := ctx.Err(); err != nil {
		return domain.Alert{}, err
	}

	var found domain.Alert
	var ok bool
	consider := func(alert domain.Alert) {
		if alert.EntityID != entityID || alert.Metric != metric || !alert.IsOpen() {
			return
		}
		if !ok || alert.CreatedAt.After(found.CreatedAt) {
			found = alert
			ok = true
		}
	}
	for _, alert := range t.store.alerts {
		if staged, overridden := t.stagedAlerts[alert.ID]; overridden {
			consider(staged)
			continue
		}
		consider(alert)
	}
	for id, alert := range t.stagedAlerts {
		if _, existed := t.store.alerts[id]; !existed {
			consider(alert)
		}
	}
	if !ok {
		return domain.Alert{}, fmt.Errorf("open alert for %q: %w", domain.StateKey(entityID, metric), ErrNotFound)
	}
	return found, nil
}

// InsertAlert stages one new alert record.
// Params: context and alert with assigned ID.
// Returns: ErrConflict for duplicate IDs.
func (t *memoryTx) InsertAlert(ctx context.Context, alert domain.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, exists := t.store.alerts[alert.ID]; exists {
		return fmt.Errorf("alert %q: %w", alert.ID, ErrConflict)
	}
	if _, staged := t.stagedAlerts[alert.ID]; staged {
		return fmt.Errorf("alert %q: %w", alert.ID, ErrConflict)
	}
	t.stagedAlerts[alert.ID] = alert
	t.stagedOrder = append(t.stagedOrder, alert.ID)
	return nil
}

// UpdateAlert stages one alert rewrite.
// Params: context and mutated alert.
// Returns: ErrNotFound for unknown IDs.
func (t *memoryTx) UpdateAlert(ctx context.Context, alert domain.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, existed := t.store.alerts[alert.ID]
	_, staged := t.stagedAlerts[alert.ID]
	if !existed && !staged {
		return fmt.Errorf("alert %q: %w", alert.ID, ErrNotFound)
	}
	t.stagedAlerts[alert.ID] = alert
	return nil
}
