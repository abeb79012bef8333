package domain

import "time"

// MetricType identifies one monitored signal per entity.
// Params: cpu/memory/disk percentage metrics and offline liveness metric.
// Returns: normalized metric key used across evaluation and storage.
type MetricType string

const (
	// MetricCPU marks CPU usage percentage samples.
	MetricCPU MetricType = "cpu"
	// MetricMemory marks memory usage percentage samples.
	MetricMemory MetricType = "memory"
	// MetricDisk marks disk usage percentage samples.
	MetricDisk MetricType = "disk"
	// MetricOffline marks liveness transition samples (1 offline, 0 online).
	MetricOffline MetricType = "offline"
)

// Severity is the evaluated alert tier for one (entity, metric) key.
// Params: none/high/critical tier constants.
// Returns: tier used by state machine and notifications.
type Severity string

const (
	// SeverityNone indicates no active breach.
	SeverityNone Severity = "none"
	// SeverityHigh indicates value at or above the high threshold.
	SeverityHigh Severity = "high"
	// SeverityCritical indicates value at or above the critical threshold.
	SeverityCritical Severity = "critical"
)

// Rank orders severities for monotonic escalation checks.
// Params: none.
// Returns: 0 for none, 1 for high, 2 for critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// Status is the operator-visible alert lifecycle state.
// Params: open/acknowledged/resolved constants.
// Returns: lifecycle state for alert records.
type Status string

const (
	// StatusOpen indicates an active unacknowledged alert.
	StatusOpen Status = "open"
	// StatusAcknowledged indicates an operator has seen the alert.
	StatusAcknowledged Status = "acknowledged"
	// StatusResolved indicates the alert is closed.
	StatusResolved Status = "resolved"
)

// EventType identifies one notification-worthy alert transition.
// Params: opened/escalated/reminder/resolved constants.
// Returns: event kind consumed by the notification formatter.
type EventType string

const (
	// EventOpened marks a new alert creation.
	EventOpened EventType = "opened"
	// EventEscalated marks an in-place high-to-critical severity raise.
	EventEscalated EventType = "escalated"
	// EventReminder marks a cooldown-gated repeat notification.
	EventReminder EventType = "reminder"
	// EventResolved marks alert resolution (automatic or manual).
	EventResolved EventType = "resolved"
)

// AlertState is the persisted evaluation state for one (entity, metric) key.
// Params: breach counters, current tier, and notification markers.
// Returns: state mutated exclusively by the lifecycle manager.
type AlertState struct {
	EntityID            string     `json:"entity_id"`
	EntityName          string     `json:"entity_name,omitempty"`
	Metric              MetricType `json:"metric_type"`
	ConsecutiveBreaches int        `json:"consecutive_breaches"`
	CurrentSeverity     Severity   `json:"current_severity"`
	CurrentValue        float64    `json:"current_value"`
	FirstBreachAt       *time.Time `json:"first_breach_at,omitempty"`
	LastNotifiedAt      *time.Time `json:"last_notified_at,omitempty"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
}

// StateKey builds the unique evaluation key for one state row.
// Params: none.
// Returns: entity/metric composite key.
func (s AlertState) StateKey() string {
	return StateKey(s.EntityID, s.Metric)
}

// StateKey builds the unique evaluation key for one (entity, metric) pair.
// Params: entity identifier and metric type.
// Returns: composite key used for per-key serialization and storage.
func StateKey(entityID string, metric MetricType) string {
	return entityID + "/" + string(metric)
}

// Alert is one persisted alert record; append-mostly, never deleted.
// Params: identity, severity/status lifecycle, message fields, and timestamps.
// Returns: record exposed to operators and notification formatting.
type Alert struct {
	ID             string     `json:"id"`
	EntityID       string     `json:"entity_id"`
	EntityName     string     `json:"entity_name,omitempty"`
	Metric         MetricType `json:"metric_type"`
	Severity       Severity   `json:"severity"`
	Status         Status     `json:"status"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	ThresholdValue float64    `json:"threshold_value"`
	ActualValue    float64    `json:"actual_value"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	AutoResolved   bool       `json:"auto_resolved"`
}

// IsOpen reports whether the alert still needs attention.
// Params: none.
// Returns: true for open/acknowledged status.
func (a Alert) IsOpen() bool {
	return a.Status == StatusOpen || a.Status == StatusAcknowledged
}

// Duration computes how long the alert condition lasted.
// Params: none.
// Returns: resolved_at minus created_at, or zero while unresolved.
func (a Alert) Duration() time.Duration {
	if a.ResolvedAt == nil || a.ResolvedAt.Before(a.CreatedAt) {
		return 0
	}
	return a.ResolvedAt.Sub(a.CreatedAt)
}
