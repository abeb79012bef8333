package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fleetalert/internal/clock"
	"fleetalert/internal/config"
	"fleetalert/internal/domain"
	"fleetalert/internal/metrics"
	"fleetalert/internal/notify"
	"fleetalert/internal/state"

	"github.com/prometheus/client_golang/prometheus"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturePublisher) Publish(event notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturePublisher) drain() []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

func testConfig() config.Config {
	return config.Config{
		Threshold: config.ThresholdConfig{
			CPU:    config.ThresholdSpec{High: 85, Critical: 95, Sustained: 3},
			Memory: config.ThresholdSpec{High: 85, Critical: 95, Sustained: 3},
			Disk:   config.ThresholdSpec{High: 80, Critical: 95, Sustained: 0},
		},
		Offline:  config.OfflineConfig{TimeoutSec: 120},
		Cooldown: config.CooldownConfig{CriticalMin: 30, HighMin: 240},
		Notify:   config.NotifyConfig{OnRemediation: true},
	}
}

func newTestManager(t *testing.T, cfg config.Config) (*Manager, *capturePublisher, *clock.ManualClock, *state.MemoryStore) {
	t.Helper()
	store := state.NewMemoryStore()
	clk := clock.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	publisher := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	met := metrics.New(prometheus.NewRegistry())
	return NewManager(store, clk, publisher, logger, met, cfg), publisher, clk, store
}

func floatPtr(v float64) *float64 { return &v }

func heartbeat(entity string, cpu float64, at time.Time) domain.Heartbeat {
	return domain.Heartbeat{
		EntityID:   entity,
		EntityName: entity,
		CPU:        floatPtr(cpu),
		SentAt:     at.UnixMilli(),
	}
}

func sendCPU(t *testing.T, m *Manager, clk *clock.ManualClock, entity string, value float64) {
	t.Helper()
	if err := m.EvaluateHeartbeat(context.Background(), heartbeat(entity, value, clk.Now())); err != nil {
		t.Fatalf("evaluate heartbeat: %v", err)
	}
}

func TestManagerOpensAfterSustainedBreaches(t *testing.T) {
	t.Parallel()

	m, publisher, clk, store := newTestManager(t, testConfig())

	sendCPU(t, m, clk, "nas-01", 90)
	sendCPU(t, m, clk, "nas-01", 91)
	if events := publisher.drain(); len(events) != 0 {
		t.Fatalf("no notification expected before the run is sustained, got %d", len(events))
	}

	sendCPU(t, m, clk, "nas-01", 92)
	events := publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventOpened {
		t.Fatalf("expected one opened event, got %+v", events)
	}
	if events[0].Alert.Severity != domain.SeverityHigh {
		t.Fatalf("expected high severity, got %s", events[0].Alert.Severity)
	}

	alerts, err := store.ListAlerts(context.Background(), state.ListFilter{Status: domain.StatusOpen})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 || alerts[0].EntityID != "nas-01" || alerts[0].Metric != domain.MetricCPU {
		t.Fatalf("expected one open cpu alert, got %+v", alerts)
	}
}

func TestManagerEscalatesAndAutoResolves(t *testing.T) {
	t.Parallel()

	m, publisher, clk, _ := newTestManager(t, testConfig())

	sendCPU(t, m, clk, "nas-01", 90)
	sendCPU(t, m, clk, "nas-01", 90)
	sendCPU(t, m, clk, "nas-01", 90)
	publisher.drain()

	sendCPU(t, m, clk, "nas-01", 97)
	events := publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventEscalated {
		t.Fatalf("expected escalated event, got %+v", events)
	}
	if events[0].Alert.Severity != domain.SeverityCritical {
		t.Fatalf("expected critical after escalation, got %s", events[0].Alert.Severity)
	}

	clk.Advance(time.Minute)
	sendCPU(t, m, clk, "nas-01", 30)
	events = publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventResolved {
		t.Fatalf("expected resolved event, got %+v", events)
	}
	if !events[0].Alert.AutoResolved {
		t.Fatalf("recovery resolution must be marked automatic")
	}
}

func TestManagerRemediationNotificationsCanBeDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Notify.OnRemediation = false
	m, publisher, clk, store := newTestManager(t, cfg)

	sendCPU(t, m, clk, "nas-01", 96)
	sendCPU(t, m, clk, "nas-01", 96)
	sendCPU(t, m, clk, "nas-01", 96)
	publisher.drain()

	sendCPU(t, m, clk, "nas-01", 10)
	if events := publisher.drain(); len(events) != 0 {
		t.Fatalf("resolved notification must be suppressed, got %+v", events)
	}

	alerts, err := store.ListAlerts(context.Background(), state.ListFilter{Status: domain.StatusResolved})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alert must still resolve in storage, got %+v", alerts)
	}
}

func TestManagerReminderRespectsCooldown(t *testing.T) {
	t.Parallel()

	m, publisher, clk, _ := newTestManager(t, testConfig())

	sendCPU(t, m, clk, "nas-01", 97)
	sendCPU(t, m, clk, "nas-01", 97)
	sendCPU(t, m, clk, "nas-01", 97)
	opened := publisher.drain()
	if len(opened) != 1 {
		t.Fatalf("expected opened event, got %+v", opened)
	}
	id := opened[0].Alert.ID

	clk.Advance(10 * time.Minute)
	sendCPU(t, m, clk, "nas-01", 97)
	if events := publisher.drain(); len(events) != 0 {
		t.Fatalf("no reminder inside the cooldown window, got %+v", events)
	}

	clk.Advance(20 * time.Minute)
	sendCPU(t, m, clk, "nas-01", 98)
	events := publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventReminder {
		t.Fatalf("expected reminder after 30 minutes, got %+v", events)
	}
	if events[0].Alert.ID != id {
		t.Fatalf("reminder must carry the stored alert, got %+v", events[0].Alert)
	}
	if events[0].Alert.ActualValue != 98 {
		t.Fatalf("reminder must show the latest reading, got %+v", events[0].Alert)
	}

	// The intent timestamp advanced on the reminder, so the next window
	// starts from it even if delivery later failed.
	clk.Advance(10 * time.Minute)
	sendCPU(t, m, clk, "nas-01", 97)
	if events := publisher.drain(); len(events) != 0 {
		t.Fatalf("cooldown must restart from the reminder intent, got %+v", events)
	}
}

func TestManagerAcknowledgeAndResolveLifecycle(t *testing.T) {
	t.Parallel()

	m, publisher, clk, _ := newTestManager(t, testConfig())

	sendCPU(t, m, clk, "nas-01", 96)
	sendCPU(t, m, clk, "nas-01", 96)
	sendCPU(t, m, clk, "nas-01", 96)
	events := publisher.drain()
	if len(events) != 1 {
		t.Fatalf("expected opened event, got %+v", events)
	}
	id := events[0].Alert.ID

	acked, err := m.Acknowledge(context.Background(), id)
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if acked.Status != domain.StatusAcknowledged || acked.AcknowledgedAt == nil {
		t.Fatalf("unexpected acknowledged alert: %+v", acked)
	}

	if _, err := m.Acknowledge(context.Background(), id); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("second acknowledge must conflict, got %v", err)
	}
	if _, err := m.Acknowledge(context.Background(), "missing"); !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("unknown id must return not found, got %v", err)
	}

	resolved, err := m.Resolve(context.Background(), id)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.StatusResolved || resolved.AutoResolved {
		t.Fatalf("manual resolution must not be marked automatic: %+v", resolved)
	}
	if events := publisher.drain(); len(events) != 1 || events[0].Type != domain.EventResolved {
		t.Fatalf("expected resolved notification, got %+v", events)
	}

	if _, err := m.Resolve(context.Background(), id); !errors.Is(err, state.ErrConflict) {
		t.Fatalf("double resolve must conflict, got %v", err)
	}
}

func TestManagerManualResolveResetsBreachRun(t *testing.T) {
	t.Parallel()

	m, publisher, clk, _ := newTestManager(t, testConfig())

	sendCPU(t, m, clk, "nas-01", 96)
	sendCPU(t, m, clk, "nas-01", 96)
	sendCPU(t, m, clk, "nas-01", 96)
	events := publisher.drain()
	if _, err := m.Resolve(context.Background(), events[0].Alert.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	publisher.drain()

	// Re-opening needs a fresh sustained run, not the leftover counter.
	sendCPU(t, m, clk, "nas-01", 96)
	sendCPU(t, m, clk, "nas-01", 96)
	if events := publisher.drain(); len(events) != 0 {
		t.Fatalf("no re-open before a fresh sustained run, got %+v", events)
	}
	sendCPU(t, m, clk, "nas-01", 96)
	events = publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventOpened {
		t.Fatalf("expected fresh opened event, got %+v", events)
	}
}

func TestManagerOfflineWatchdogAndRecovery(t *testing.T) {
	t.Parallel()

	m, publisher, clk, _ := newTestManager(t, testConfig())

	sendCPU(t, m, clk, "pi-02", 10)
	publisher.drain()

	// Inside the silence window nothing happens.
	clk.Advance(60 * time.Second)
	if err := m.ScanOffline(context.Background(), clk.Now()); err != nil {
		t.Fatalf("scan offline: %v", err)
	}
	if events := publisher.drain(); len(events) != 0 {
		t.Fatalf("no offline alert before the timeout, got %+v", events)
	}

	clk.Advance(90 * time.Second)
	if err := m.ScanOffline(context.Background(), clk.Now()); err != nil {
		t.Fatalf("scan offline: %v", err)
	}
	events := publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventOpened {
		t.Fatalf("expected offline alert, got %+v", events)
	}
	if events[0].Alert.Metric != domain.MetricOffline || events[0].Alert.Severity != domain.SeverityCritical {
		t.Fatalf("offline alert must be critical, got %+v", events[0].Alert)
	}

	// A repeated scan must not open a second alert for the same outage.
	clk.Advance(30 * time.Second)
	if err := m.ScanOffline(context.Background(), clk.Now()); err != nil {
		t.Fatalf("scan offline: %v", err)
	}
	if events := publisher.drain(); len(events) != 0 {
		t.Fatalf("duplicate offline alert, got %+v", events)
	}

	// The next heartbeat resolves the outage before its metrics evaluate.
	sendCPU(t, m, clk, "pi-02", 12)
	events = publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventResolved {
		t.Fatalf("expected offline recovery, got %+v", events)
	}
	if events[0].Alert.Metric != domain.MetricOffline {
		t.Fatalf("recovery must close the offline alert, got %+v", events[0].Alert)
	}
}

func TestManagerReminderKeepsAcknowledgedStatus(t *testing.T) {
	t.Parallel()

	m, publisher, clk, _ := newTestManager(t, testConfig())

	sendCPU(t, m, clk, "nas-01", 97)
	sendCPU(t, m, clk, "nas-01", 97)
	sendCPU(t, m, clk, "nas-01", 97)
	opened := publisher.drain()
	if len(opened) != 1 {
		t.Fatalf("expected opened event, got %+v", opened)
	}
	if _, err := m.Acknowledge(context.Background(), opened[0].Alert.ID); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	clk.Advance(31 * time.Minute)
	sendCPU(t, m, clk, "nas-01", 97)
	events := publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventReminder {
		t.Fatalf("expected reminder, got %+v", events)
	}
	if events[0].Alert.Status != domain.StatusAcknowledged {
		t.Fatalf("reminder must keep the acknowledged status, got %+v", events[0].Alert)
	}
}

func TestManagerRestoreTrackingKeepsOfflineFlag(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	clk := clock.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx state.Tx) error {
		if err := tx.PutState(ctx, domain.AlertState{
			EntityID:        "pi-02",
			EntityName:      "pi",
			Metric:          domain.MetricOffline,
			CurrentSeverity: domain.SeverityCritical,
		}); err != nil {
			return err
		}
		return tx.InsertAlert(ctx, domain.Alert{
			ID:        "out-1",
			EntityID:  "pi-02",
			Metric:    domain.MetricOffline,
			Severity:  domain.SeverityCritical,
			Status:    domain.StatusOpen,
			CreatedAt: clk.Now().Add(-time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	publisher := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(store, clk, publisher, logger, metrics.New(prometheus.NewRegistry()), testConfig())
	if err := m.RestoreTracking(ctx, clk.Now()); err != nil {
		t.Fatalf("restore tracking: %v", err)
	}

	// The restored offline flag must not open a second alert for the outage.
	clk.Advance(130 * time.Second)
	if err := m.ScanOffline(ctx, clk.Now()); err != nil {
		t.Fatalf("scan offline: %v", err)
	}
	if events := publisher.drain(); len(events) != 0 {
		t.Fatalf("duplicate offline alert after restart, got %+v", events)
	}

	// The first heartbeat resolves the alert that was open before the restart.
	sendCPU(t, m, clk, "pi-02", 10)
	events := publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventResolved || events[0].Alert.ID != "out-1" {
		t.Fatalf("expected recovery of the persisted alert, got %+v", events)
	}
}

func TestManagerRestoreTrackingReArmsTimeout(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	clk := clock.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	err := store.WithinTx(ctx, func(tx state.Tx) error {
		return tx.PutState(ctx, domain.AlertState{
			EntityID:        "nas-01",
			EntityName:      "nas",
			Metric:          domain.MetricCPU,
			CurrentSeverity: domain.SeverityNone,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	publisher := &capturePublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(store, clk, publisher, logger, metrics.New(prometheus.NewRegistry()), testConfig())
	if err := m.RestoreTracking(ctx, clk.Now()); err != nil {
		t.Fatalf("restore tracking: %v", err)
	}

	// The timeout counts from the restart, not from the unknown last heartbeat.
	clk.Advance(60 * time.Second)
	if err := m.ScanOffline(ctx, clk.Now()); err != nil {
		t.Fatalf("scan offline: %v", err)
	}
	if events := publisher.drain(); len(events) != 0 {
		t.Fatalf("no offline alert before the re-armed timeout, got %+v", events)
	}

	clk.Advance(70 * time.Second)
	if err := m.ScanOffline(ctx, clk.Now()); err != nil {
		t.Fatalf("scan offline: %v", err)
	}
	events := publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventOpened {
		t.Fatalf("expected offline alert for the restored entity, got %+v", events)
	}
	if events[0].Alert.EntityID != "nas-01" || events[0].Alert.Metric != domain.MetricOffline {
		t.Fatalf("unexpected offline alert: %+v", events[0].Alert)
	}
}

func TestManagerPolicyReloadAffectsNextEvaluation(t *testing.T) {
	t.Parallel()

	m, publisher, clk, _ := newTestManager(t, testConfig())

	next := testConfig()
	next.Threshold.CPU = config.ThresholdSpec{High: 50, Critical: 95, Sustained: 1}
	m.UpdatePolicy(next)

	sendCPU(t, m, clk, "nas-01", 60)
	events := publisher.drain()
	if len(events) != 1 || events[0].Type != domain.EventOpened {
		t.Fatalf("reloaded thresholds must apply immediately, got %+v", events)
	}
}
