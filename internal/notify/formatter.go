package notify

import (
	"fmt"
	"strings"
	"time"

	"fleetalert/internal/domain"
)

const (
	colorCritical = "#E01E5A"
	colorHigh     = "#ECB22E"
	colorResolved = "#2EB67D"

	reminderPrefix = "[Reminder] "
)

// metricLabels maps metric types onto human-readable subject labels.
var metricLabels = map[domain.MetricType]string{
	domain.MetricCPU:     "CPU usage",
	domain.MetricMemory:  "Memory usage",
	domain.MetricDisk:    "Disk usage",
	domain.MetricOffline: "Host offline",
}

// metricSuggestions maps metric types onto canned remediation hints.
var metricSuggestions = map[domain.MetricType]string{
	domain.MetricCPU:     "Check top processes on the host and consider throttling or moving the heaviest workload.",
	domain.MetricMemory:  "Inspect memory-hungry services for leaks and restart the worst offender if growth does not level off.",
	domain.MetricDisk:    "Prune old logs, container images, and snapshots, or extend the volume.",
	domain.MetricOffline: "Verify host power and network path; check whether the agent service is still running.",
}

// FormatEvent renders one alert transition into a channel-agnostic message.
// Params: notification event with alert snapshot.
// Returns: rendered message with color, fields, and remediation suggestion.
func FormatEvent(event Event) Message {
	alert := event.Alert
	msg := Message{
		Color:      eventColor(event),
		Title:      eventTitle(event),
		Text:       alert.Message,
		Suggestion: metricSuggestions[alert.Metric],
	}

	switch event.Type {
	case domain.EventResolved:
		msg.Suggestion = ""
		msg.Fields = []Field{
			{Title: "Value", Value: formatValue(alert.Metric, alert.ActualValue), Short: true},
			{Title: "Duration", Value: formatDuration(alert.Duration()), Short: true},
		}
	default:
		msg.Fields = []Field{
			{Title: "Value", Value: formatValue(alert.Metric, alert.ActualValue), Short: true},
		}
		if alert.Metric != domain.MetricOffline {
			msg.Fields = append(msg.Fields, Field{
				Title: "Threshold",
				Value: formatValue(alert.Metric, alert.ThresholdValue),
				Short: true,
			})
		}
	}
	return msg
}

// eventColor selects the accent color for one event.
// Params: notification event.
// Returns: hex color keyed by resolution state and severity.
func eventColor(event Event) string {
	if event.Type == domain.EventResolved {
		return colorResolved
	}
	if event.Alert.Severity == domain.SeverityCritical {
		return colorCritical
	}
	return colorHigh
}

// eventTitle builds the headline for one event.
// Params: notification event.
// Returns: severity-labeled title with reminder prefix when applicable.
func eventTitle(event Event) string {
	alert := event.Alert
	subject := metricLabels[alert.Metric]
	if subject == "" {
		subject = string(alert.Metric)
	}
	entity := alert.EntityName
	if strings.TrimSpace(entity) == "" {
		entity = alert.EntityID
	}

	var title string
	switch {
	case event.Type == domain.EventResolved && alert.Metric == domain.MetricOffline:
		title = fmt.Sprintf("%s is back online", entity)
	case event.Type == domain.EventResolved:
		title = fmt.Sprintf("Resolved: %s on %s", strings.ToLower(subject), entity)
	case alert.Metric == domain.MetricOffline:
		title = fmt.Sprintf("%s is offline", entity)
	case event.Type == domain.EventEscalated:
		title = fmt.Sprintf("Escalated: %s %s on %s", subject, alert.Severity, entity)
	default:
		title = fmt.Sprintf("%s %s on %s", subject, alert.Severity, entity)
	}

	if event.Type == domain.EventReminder {
		title = reminderPrefix + title
	}
	return title
}

// formatValue renders one metric value for display.
// Params: metric type and raw value.
// Returns: percentage string, or liveness label for offline samples.
func formatValue(metric domain.MetricType, value float64) string {
	if metric == domain.MetricOffline {
		if value >= 1 {
			return "unreachable"
		}
		return "reachable"
	}
	return fmt.Sprintf("%.1f%%", value)
}

// formatDuration renders one alert duration for display.
// Params: elapsed duration.
// Returns: compact human-readable duration string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
