package engine

import (
	"fleetalert/internal/config"
	"fleetalert/internal/domain"
)

// TargetSeverity maps one sample value onto a severity tier.
// Params: evaluated sample and threshold spec for its metric type.
// Returns: critical/high/none by inclusive threshold comparison.
func TargetSeverity(sample domain.MetricSample, spec config.ThresholdSpec) domain.Severity {
	if sample.Metric == domain.MetricOffline {
		// Liveness is binary: any non-zero transition value is a critical breach.
		if sample.Value >= 1 {
			return domain.SeverityCritical
		}
		return domain.SeverityNone
	}
	switch {
	case sample.Value >= spec.Critical:
		return domain.SeverityCritical
	case sample.Value >= spec.High:
		return domain.SeverityHigh
	default:
		return domain.SeverityNone
	}
}

// Evaluate decides the state transition for one sample against prior state.
// Params: metric sample, persisted evaluation state, and threshold spec.
// Returns: pure decision; all persistence is left to the caller.
func Evaluate(sample domain.MetricSample, state domain.AlertState, spec config.ThresholdSpec) domain.Decision {
	target := TargetSeverity(sample, spec)
	if target == domain.SeverityNone {
		return domain.Decision{Kind: domain.DecisionReset, Target: domain.SeverityNone}
	}

	breaches := state.ConsecutiveBreaches + 1
	if breaches < spec.Sustained {
		return domain.Decision{Kind: domain.DecisionNoChange, Target: target, Breaches: breaches}
	}

	switch {
	case state.CurrentSeverity == domain.SeverityNone:
		return domain.Decision{Kind: domain.DecisionOpen, Target: target, Breaches: breaches}
	case target.Rank() > state.CurrentSeverity.Rank():
		// The counter survives tier changes: once sustained, escalation is
		// immediate on the next critical-tier reading.
		return domain.Decision{Kind: domain.DecisionEscalate, Target: target, Breaches: breaches}
	default:
		// Already open at the appropriate or higher tier. Re-notification is
		// governed by the cooldown policy, not by re-opening, and severity
		// never steps down except through full resolution.
		return domain.Decision{Kind: domain.DecisionNoChange, Target: target, Breaches: breaches}
	}
}
