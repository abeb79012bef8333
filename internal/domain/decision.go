package domain

// DecisionKind identifies one threshold evaluation outcome.
// Params: no-change/open/escalate/reset constants.
// Returns: deterministic evaluator verdict consumed by the lifecycle manager.
type DecisionKind string

const (
	// DecisionNoChange keeps current alert state (accumulating or already open).
	DecisionNoChange DecisionKind = "no_change"
	// DecisionOpen creates a new alert at the target severity.
	DecisionOpen DecisionKind = "open"
	// DecisionEscalate raises the open alert severity in place.
	DecisionEscalate DecisionKind = "escalate"
	// DecisionReset clears the breach counter and auto-resolves any open alert.
	DecisionReset DecisionKind = "reset"
)

// Decision is one threshold evaluation result for a single sample.
// Params: verdict kind, target severity, and updated breach counter.
// Returns: pure evaluator output with no side effects.
type Decision struct {
	Kind DecisionKind
	// Target is the severity the sample maps to; SeverityNone only for reset.
	Target Severity
	// Breaches is the consecutive breach count after this sample.
	Breaches int
}
