package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/domain"
	"fleetalert/internal/engine"
	"fleetalert/internal/metrics"
	"fleetalert/internal/notify"
	"fleetalert/internal/state"

	"github.com/google/uuid"
)

// Publisher accepts rendered notification events for async delivery.
// Params: notification event.
// Returns: fire-and-forget enqueue side effect.
type Publisher interface {
	Publish(event notify.Event)
}

// policy is the reloadable evaluation policy snapshot.
// Params: thresholds, offline window, cooldowns, and remediation toggle.
// Returns: config subset the manager consults per sample.
type policy struct {
	thresholds    config.ThresholdConfig
	offline       config.OfflineConfig
	cooldown      config.CooldownConfig
	onRemediation bool
}

// entityTrack is per-entity liveness bookkeeping.
// Params: last known name, last heartbeat time, and offline flag.
// Returns: watchdog state held outside the store.
type entityTrack struct {
	name     string
	lastSeen time.Time
	offline  bool
}

// Manager owns the alert lifecycle for every (entity, metric) key.
// Params: store, clock, publisher, and reloadable policy.
// Returns: transactional evaluation entry point serialized per key.
type Manager struct {
	store     state.Store
	clk       clock.Clock
	publisher Publisher
	logger    *slog.Logger
	met       *metrics.Metrics

	policyMu sync.RWMutex
	policy   policy

	keyMu sync.Mutex
	keys  map[string]*sync.Mutex

	trackMu sync.Mutex
	tracked map[string]*entityTrack
}

// NewManager creates the lifecycle manager.
// Params: store, clock, publisher, logger, metrics, and initial config.
// Returns: initialized manager.
func NewManager(store state.Store, clk clock.Clock, publisher Publisher, logger *slog.Logger, met *metrics.Metrics, cfg config.Config) *Manager {
	m := &Manager{
		store:     store,
		clk:       clk,
		publisher: publisher,
		logger:    logger,
		met:       met,
		keys:      make(map[string]*sync.Mutex),
		tracked:   make(map[string]*entityTrack),
	}
	m.UpdatePolicy(cfg)
	return m
}

// UpdatePolicy swaps the evaluation policy from a config snapshot.
// Params: validated config snapshot.
// Returns: policy applied to subsequent evaluations only.
func (m *Manager) UpdatePolicy(cfg config.Config) {
	m.policyMu.Lock()
	defer m.policyMu.Unlock()
	m.policy = policy{
		thresholds:    cfg.Threshold,
		offline:       cfg.Offline,
		cooldown:      cfg.Cooldown,
		onRemediation: cfg.Notify.OnRemediation,
	}
}

// currentPolicy reads the active policy snapshot.
// Params: none.
// Returns: copied policy value.
func (m *Manager) currentPolicy() policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// keyLock returns the mutex serializing one (entity, metric) key.
// Params: composite state key.
// Returns: lazily created per-key mutex.
func (m *Manager) keyLock(key string) *sync.Mutex {
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	lock, ok := m.keys[key]
	if !ok {
		lock = &sync.Mutex{}
		m.keys[key] = lock
	}
	return lock
}

// EvaluateHeartbeat processes one heartbeat through the full lifecycle.
// Params: context and validated heartbeat.
// Returns: first evaluation error; liveness recovery runs before metrics.
func (m *Manager) EvaluateHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	now := m.clk.Now()
	m.met.HeartbeatsTotal.Inc()

	if recovered := m.markSeen(hb, now); recovered != nil {
		if err := m.evaluateSample(ctx, *recovered); err != nil {
			return err
		}
	}
	for _, sample := range hb.Samples(now) {
		if err := m.evaluateSample(ctx, sample); err != nil {
			return err
		}
	}
	return nil
}

// markSeen records liveness and synthesizes a recovery sample when needed.
// Params: heartbeat and receive time.
// Returns: offline recovery sample for previously offline entities, else nil.
func (m *Manager) markSeen(hb domain.Heartbeat, now time.Time) *domain.MetricSample {
	m.trackMu.Lock()
	defer m.trackMu.Unlock()

	track, ok := m.tracked[hb.EntityID]
	if !ok {
		track = &entityTrack{}
		m.tracked[hb.EntityID] = track
	}
	track.name = hb.EntityName
	track.lastSeen = now

	if !track.offline {
		return nil
	}
	track.offline = false
	return &domain.MetricSample{
		EntityID:   hb.EntityID,
		EntityName: hb.EntityName,
		Metric:     domain.MetricOffline,
		Value:      0,
		ObservedAt: now,
	}
}

// RestoreTracking seeds the liveness watchdog from persisted state.
// Params: context and restart time used as the initial last-seen mark.
// Returns: store error; known entities re-arm the offline timeout from now.
func (m *Manager) RestoreTracking(ctx context.Context, now time.Time) error {
	states, err := m.store.ListStates(ctx)
	if err != nil {
		return fmt.Errorf("restore tracking: %w", err)
	}

	m.trackMu.Lock()
	defer m.trackMu.Unlock()
	for _, st := range states {
		track, ok := m.tracked[st.EntityID]
		if !ok {
			track = &entityTrack{lastSeen: now}
			m.tracked[st.EntityID] = track
		}
		if track.name == "" {
			track.name = st.EntityName
		}
		// An entity that was offline before the restart stays flagged, so the
		// next heartbeat resolves the open alert instead of re-opening one.
		if st.Metric == domain.MetricOffline && st.CurrentSeverity != domain.SeverityNone {
			track.offline = true
		}
	}
	m.logger.Info("liveness tracking restored", "entities", len(m.tracked))
	return nil
}

// ScanOffline synthesizes offline transitions for silent entities.
// Params: context and scan time.
// Returns: first evaluation error across detected entities.
func (m *Manager) ScanOffline(ctx context.Context, now time.Time) error {
	timeout := m.currentPolicy().offline.Timeout()

	m.trackMu.Lock()
	var silent []domain.MetricSample
	for entityID, track := range m.tracked {
		if track.offline || now.Sub(track.lastSeen) < timeout {
			continue
		}
		track.offline = true
		silent = append(silent, domain.MetricSample{
			EntityID:   entityID,
			EntityName: track.name,
			Metric:     domain.MetricOffline,
			Value:      1,
			ObservedAt: now,
		})
	}
	m.trackMu.Unlock()

	for _, sample := range silent {
		if err := m.evaluateSample(ctx, sample); err != nil {
			return err
		}
	}
	return nil
}

// evaluateSample runs one sample through decision, persistence, and delivery.
// Params: context and metric sample.
// Returns: storage error; notification intents are recorded before publish.
func (m *Manager) evaluateSample(ctx context.Context, sample domain.MetricSample) error {
	key := domain.StateKey(sample.EntityID, sample.Metric)
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	active := m.currentPolicy()
	var events []notify.Event

	err := m.store.WithinTx(ctx, func(tx state.Tx) error {
		events = events[:0]

		st, err := tx.GetState(ctx, sample.EntityID, sample.Metric)
		if errors.Is(err, state.ErrNotFound) {
			st = domain.AlertState{EntityID: sample.EntityID, Metric: sample.Metric, CurrentSeverity: domain.SeverityNone}
			err = nil
		} else if err != nil {
			return err
		}
		st.EntityName = sample.EntityName
		st.CurrentValue = sample.Value

		decision := engine.Evaluate(sample, st, active.thresholds.For(sample.Metric))
		m.met.EvaluationsTotal.WithLabelValues(string(decision.Kind)).Inc()

		switch decision.Kind {
		case domain.DecisionReset:
			events, err = m.applyReset(ctx, tx, &st, sample, active, events)
		case domain.DecisionOpen:
			events, err = m.applyOpen(ctx, tx, &st, sample, decision, active, events)
		case domain.DecisionEscalate:
			events, err = m.applyEscalate(ctx, tx, &st, sample, decision, events)
		case domain.DecisionNoChange:
			events, err = m.applyNoChange(ctx, tx, &st, sample, decision, active, events)
		}
		if err != nil {
			return err
		}
		return tx.PutState(ctx, st)
	})
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", key, err)
	}

	for _, event := range events {
		m.publisher.Publish(event)
	}
	return nil
}

// applyReset clears breach state and auto-resolves any open alert.
// Params: tx, mutable state, sample, policy, and event accumulator.
// Returns: events extended with a resolved notification when one closed.
func (m *Manager) applyReset(ctx context.Context, tx state.Tx, st *domain.AlertState, sample domain.MetricSample, active policy, events []notify.Event) ([]notify.Event, error) {
	wasOpen := st.CurrentSeverity != domain.SeverityNone

	st.ConsecutiveBreaches = 0
	st.CurrentSeverity = domain.SeverityNone
	st.FirstBreachAt = nil
	st.LastNotifiedAt = nil
	if !wasOpen {
		return events, nil
	}

	now := sample.ObservedAt
	st.ResolvedAt = &now

	alert, err := tx.GetOpenAlert(ctx, sample.EntityID, sample.Metric)
	if errors.Is(err, state.ErrNotFound) {
		// State said open but no alert row survived; heal silently.
		m.logger.Warn("no open alert found during auto-resolve", "key", domain.StateKey(sample.EntityID, sample.Metric))
		return events, nil
	}
	if err != nil {
		return events, err
	}

	alert.Status = domain.StatusResolved
	alert.ResolvedAt = &now
	alert.AutoResolved = true
	alert.ActualValue = sample.Value
	if err := tx.UpdateAlert(ctx, alert); err != nil {
		return events, err
	}

	m.met.AlertsResolvedTotal.WithLabelValues(string(sample.Metric), "auto").Inc()
	m.met.OpenAlerts.Dec()
	m.logger.Info("alert auto-resolved",
		"alert", alert.ID, "entity", alert.EntityID, "metric", string(alert.Metric), "value", sample.Value)

	if active.onRemediation {
		events = append(events, notify.Event{Type: domain.EventResolved, Alert: alert, OccurredAt: now})
	}
	return events, nil
}

// applyOpen creates a new alert and records the notification intent.
// Params: tx, mutable state, sample, decision, policy, and event accumulator.
// Returns: events extended with the opened notification.
func (m *Manager) applyOpen(ctx context.Context, tx state.Tx, st *domain.AlertState, sample domain.MetricSample, decision domain.Decision, active policy, events []notify.Event) ([]notify.Event, error) {
	now := sample.ObservedAt
	if st.FirstBreachAt == nil {
		st.FirstBreachAt = &now
	}
	st.ConsecutiveBreaches = decision.Breaches
	st.CurrentSeverity = decision.Target
	st.ResolvedAt = nil
	st.LastNotifiedAt = &now

	spec := active.thresholds.For(sample.Metric)
	alert := domain.Alert{
		ID:             uuid.NewString(),
		EntityID:       sample.EntityID,
		EntityName:     sample.EntityName,
		Metric:         sample.Metric,
		Severity:       decision.Target,
		Status:         domain.StatusOpen,
		Title:          alertTitle(sample, decision.Target),
		Message:        alertMessage(sample, decision.Target, spec, active.offline),
		ThresholdValue: thresholdFor(decision.Target, spec),
		ActualValue:    sample.Value,
		CreatedAt:      now,
	}
	if err := tx.InsertAlert(ctx, alert); err != nil {
		return events, err
	}

	m.met.AlertsOpenedTotal.WithLabelValues(string(sample.Metric), string(decision.Target)).Inc()
	m.met.OpenAlerts.Inc()
	m.logger.Info("alert opened",
		"alert", alert.ID, "entity", alert.EntityID, "metric", string(alert.Metric),
		"severity", string(alert.Severity), "value", sample.Value, "breaches", decision.Breaches)

	return append(events, notify.Event{Type: domain.EventOpened, Alert: alert, OccurredAt: now}), nil
}

// applyEscalate raises the open alert severity in place.
// Params: tx, mutable state, sample, decision, and event accumulator.
// Returns: events extended with the escalated notification.
func (m *Manager) applyEscalate(ctx context.Context, tx state.Tx, st *domain.AlertState, sample domain.MetricSample, decision domain.Decision, events []notify.Event) ([]notify.Event, error) {
	now := sample.ObservedAt
	st.ConsecutiveBreaches = decision.Breaches
	st.CurrentSeverity = decision.Target
	st.LastNotifiedAt = &now

	alert, err := tx.GetOpenAlert(ctx, sample.EntityID, sample.Metric)
	if errors.Is(err, state.ErrNotFound) {
		m.logger.Warn("no open alert found during escalation", "key", domain.StateKey(sample.EntityID, sample.Metric))
		return events, nil
	}
	if err != nil {
		return events, err
	}

	active := m.currentPolicy()
	spec := active.thresholds.For(sample.Metric)
	alert.Severity = decision.Target
	alert.Title = alertTitle(sample, decision.Target)
	alert.Message = alertMessage(sample, decision.Target, spec, active.offline)
	alert.ThresholdValue = thresholdFor(decision.Target, spec)
	alert.ActualValue = sample.Value
	if err := tx.UpdateAlert(ctx, alert); err != nil {
		return events, err
	}

	m.logger.Info("alert escalated",
		"alert", alert.ID, "entity", alert.EntityID, "metric", string(alert.Metric), "value", sample.Value)

	return append(events, notify.Event{Type: domain.EventEscalated, Alert: alert, OccurredAt: now}), nil
}

// applyNoChange accumulates breaches and emits cooldown-gated reminders.
// Params: tx, mutable state, sample, decision, policy, and event accumulator.
// Returns: events extended with a reminder for the stored alert when the cooldown expired.
func (m *Manager) applyNoChange(ctx context.Context, tx state.Tx, st *domain.AlertState, sample domain.MetricSample, decision domain.Decision, active policy, events []notify.Event) ([]notify.Event, error) {
	now := sample.ObservedAt
	if st.FirstBreachAt == nil {
		st.FirstBreachAt = &now
	}
	st.ConsecutiveBreaches = decision.Breaches

	if st.CurrentSeverity == domain.SeverityNone || st.LastNotifiedAt == nil {
		return events, nil
	}
	interval := active.cooldown.For(st.CurrentSeverity)
	if interval <= 0 || now.Sub(*st.LastNotifiedAt) < interval {
		return events, nil
	}

	// The intent timestamp advances here, before delivery is attempted, so
	// a failing channel cannot turn reminders into a retry storm.
	st.LastNotifiedAt = &now
	m.met.RemindersTotal.Inc()

	alert, err := tx.GetOpenAlert(ctx, sample.EntityID, sample.Metric)
	if errors.Is(err, state.ErrNotFound) {
		m.logger.Warn("no open alert found for reminder", "key", domain.StateKey(sample.EntityID, sample.Metric))
		return events, nil
	}
	if err != nil {
		return events, err
	}
	alert.ActualValue = sample.Value

	return append(events, notify.Event{Type: domain.EventReminder, Alert: alert, OccurredAt: now}), nil
}

// Acknowledge marks one open alert as seen by an operator.
// Params: context and alert ID.
// Returns: updated alert, state.ErrNotFound, or state.ErrConflict for wrong status.
func (m *Manager) Acknowledge(ctx context.Context, id string) (domain.Alert, error) {
	var acked domain.Alert
	err := m.store.WithinTx(ctx, func(tx state.Tx) error {
		alert, err := tx.GetAlert(ctx, id)
		if err != nil {
			return err
		}
		if alert.Status != domain.StatusOpen {
			return fmt.Errorf("alert %q is %s: %w", id, alert.Status, state.ErrConflict)
		}
		now := m.clk.Now()
		alert.Status = domain.StatusAcknowledged
		alert.AcknowledgedAt = &now
		if err := tx.UpdateAlert(ctx, alert); err != nil {
			return err
		}
		acked = alert
		return nil
	})
	if err != nil {
		return domain.Alert{}, err
	}
	m.logger.Info("alert acknowledged", "alert", acked.ID, "entity", acked.EntityID, "metric", string(acked.Metric))
	return acked, nil
}

// Resolve closes one alert manually and resets its evaluation state.
// Params: context and alert ID.
// Returns: updated alert, state.ErrNotFound, or state.ErrConflict when already resolved.
func (m *Manager) Resolve(ctx context.Context, id string) (domain.Alert, error) {
	var resolved domain.Alert
	var events []notify.Event
	active := m.currentPolicy()

	err := m.store.WithinTx(ctx, func(tx state.Tx) error {
		events = events[:0]

		alert, err := tx.GetAlert(ctx, id)
		if err != nil {
			return err
		}
		if alert.Status == domain.StatusResolved {
			return fmt.Errorf("alert %q is already resolved: %w", id, state.ErrConflict)
		}
		now := m.clk.Now()
		alert.Status = domain.StatusResolved
		alert.ResolvedAt = &now
		alert.AutoResolved = false
		if err := tx.UpdateAlert(ctx, alert); err != nil {
			return err
		}

		// Manual resolution also resets the breach run: re-opening requires a
		// fresh sustained sequence, not a carry-over of the old counter.
		st, err := tx.GetState(ctx, alert.EntityID, alert.Metric)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return err
		}
		if err == nil {
			st.ConsecutiveBreaches = 0
			st.CurrentSeverity = domain.SeverityNone
			st.FirstBreachAt = nil
			st.LastNotifiedAt = nil
			st.ResolvedAt = &now
			if err := tx.PutState(ctx, st); err != nil {
				return err
			}
		}

		resolved = alert
		if active.onRemediation {
			events = append(events, notify.Event{Type: domain.EventResolved, Alert: alert, OccurredAt: now})
		}
		return nil
	})
	if err != nil {
		return domain.Alert{}, err
	}

	m.met.AlertsResolvedTotal.WithLabelValues(string(resolved.Metric), "manual").Inc()
	m.met.OpenAlerts.Dec()
	m.logger.Info("alert resolved manually", "alert", resolved.ID, "entity", resolved.EntityID, "metric", string(resolved.Metric))
	for _, event := range events {
		m.publisher.Publish(event)
	}
	return resolved, nil
}

// ListAlerts exposes filtered alert listing for the management API.
// Params: context and listing filter.
// Returns: alerts newest first.
func (m *Manager) ListAlerts(ctx context.Context, filter state.ListFilter) ([]domain.Alert, error) {
	return m.store.ListAlerts(ctx, filter)
}

// alertTitle builds the stored alert title for one breach.
// Params: sample and target severity.
// Returns: short operator-facing headline.
func alertTitle(sample domain.MetricSample, severity domain.Severity) string {
	entity := sample.EntityName
	if entity == "" {
		entity = sample.EntityID
	}
	if sample.Metric == domain.MetricOffline {
		return fmt.Sprintf("%s is offline", entity)
	}
	return fmt.Sprintf("%s usage %s on %s", sample.Metric, severity, entity)
}

// alertMessage builds the stored alert body for one breach.
// Params: sample, target severity, threshold spec, and offline policy.
// Returns: one-line description with value and breached threshold.
func alertMessage(sample domain.MetricSample, severity domain.Severity, spec config.ThresholdSpec, offline config.OfflineConfig) string {
	if sample.Metric == domain.MetricOffline {
		return fmt.Sprintf("no heartbeat received for at least %s", offline.Timeout())
	}
	return fmt.Sprintf("%s at %.1f%% is at or above the %s threshold (%.1f%%)",
		sample.Metric, sample.Value, severity, thresholdFor(severity, spec))
}

// thresholdFor selects the breached threshold value for one severity.
// Params: target severity and threshold spec.
// Returns: critical or high threshold percentage.
func thresholdFor(severity domain.Severity, spec config.ThresholdSpec) float64 {
	if severity == domain.SeverityCritical {
		return spec.Critical
	}
	return spec.High
}
