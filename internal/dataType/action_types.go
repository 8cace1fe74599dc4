package dataType

import "time"

// Severity grades a safety violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Violation type identifiers.
const (
	ViolationMetricOutOfRange  = "metric_out_of_range"
	ViolationCriticalInterface = "critical_interface"
	ViolationLargeMetricChange = "large_metric_change"
	ViolationRateLimited       = "rate_limited"
	ViolationRouteLimitReached = "route_limit_reached"
	ViolationApprovalRequired  = "approval_required"
	ViolationShutdownForbidden = "shutdown_forbidden"
)

// SafetyViolation explains why an action may not proceed autonomously.
// It is produced by a validation call and consumed immediately, never stored.
type SafetyViolation struct {
	ViolationType string
	Severity      Severity
	Message       string
	ActionBlocked bool
	Parameters    map[string]any
}

// ActionStatus is the executor's lifecycle state for one requested action.
type ActionStatus string

const (
	ActionPendingApproval ActionStatus = "PENDING_APPROVAL"
	ActionBlocked         ActionStatus = "BLOCKED"
	ActionApproved        ActionStatus = "APPROVED"
	ActionRejected        ActionStatus = "REJECTED"
	ActionExecuting       ActionStatus = "EXECUTING"
	ActionCompleted       ActionStatus = "COMPLETED"
	ActionFailed          ActionStatus = "FAILED"
)

// ActionResult is the audited outcome of one execute call. ActionID is a
// per-executor monotonic counter, not globally unique.
type ActionResult struct {
	ActionID        int64
	ActionType      string
	Status          ActionStatus
	Parameters      map[string]any
	Result          map[string]any
	Error           string
	Violation       *SafetyViolation
	Timestamp       time.Time
	ExecutionTimeMs int64
}
