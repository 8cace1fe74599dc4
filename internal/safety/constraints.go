package safety

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/automateyournetwork/neighbourd/internal/config"
	"github.com/automateyournetwork/neighbourd/internal/dataType"
	"github.com/automateyournetwork/neighbourd/internal/metrics"
	"go.uber.org/zap"
)

// historyCap bounds the action history used for rate-limit and count
// lookups. Oldest entries are evicted.
const historyCap = 1000

// counterShards shards the per-interface change counter.
const counterShards = 16

// readOnlyActions may always run without validation. Diagnostics are
// included: they touch no protocol configuration.
var readOnlyActions = map[string]struct{}{
	"get_neighbors":       {},
	"get_routes":          {},
	"get_protocol_status": {},
	"query_topology":      {},
	"ping_test":           {},
	"traceroute_test":     {},
}

// HistoryEntry is one recorded action attempt, success or failure.
type HistoryEntry struct {
	ActionType string
	Parameters map[string]any
	Timestamp  time.Time
}

// Constraints decides whether an action may run autonomously, must be
// hard-blocked, or needs approval. Validation is pure except for history
// reads; RecordAction is the only mutation and callers must invoke it after
// every attempted action for the rate-limit checks to function.
type Constraints struct {
	cfg             config.SafetyConfig
	criticalIfaces  map[string]struct{}
	requireApproval map[string]struct{}
	logger          *zap.Logger

	mu            sync.Mutex
	history       []HistoryEntry
	changeCounter *dataType.Counter
}

func NewConstraints(cfg config.SafetyConfig, logger *zap.Logger) *Constraints {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Constraints{
		cfg:             cfg,
		criticalIfaces:  make(map[string]struct{}),
		requireApproval: make(map[string]struct{}),
		logger:          logger,
		changeCounter:   dataType.NewCounter(counterShards, int64(cfg.MinChangeIntervalSeconds)+1),
	}
	for _, iface := range cfg.CriticalInterfaces {
		c.criticalIfaces[iface] = struct{}{}
	}
	for _, t := range cfg.RequireApprovalFor {
		c.requireApproval[t] = struct{}{}
	}
	return c
}

// ValidateMetricAdjustment applies the metric policy chain. First match
// wins; the order is load-bearing.
func (c *Constraints) ValidateMetricAdjustment(iface string, current, proposed float64) *dataType.SafetyViolation {
	params := map[string]any{"interface": iface, "current": current, "proposed": proposed}

	if proposed < float64(c.cfg.MetricMin) || proposed > float64(c.cfg.MetricMax) {
		return c.violation(&dataType.SafetyViolation{
			ViolationType: dataType.ViolationMetricOutOfRange,
			Severity:      dataType.SeverityCritical,
			Message:       fmt.Sprintf("proposed metric %v outside allowed range [%d, %d]", proposed, c.cfg.MetricMin, c.cfg.MetricMax),
			ActionBlocked: true,
			Parameters:    params,
		})
	}

	if _, ok := c.criticalIfaces[iface]; ok {
		return c.violation(&dataType.SafetyViolation{
			ViolationType: dataType.ViolationCriticalInterface,
			Severity:      dataType.SeverityWarning,
			Message:       fmt.Sprintf("interface %s is designated critical", iface),
			ActionBlocked: !c.cfg.AutonomousMode,
			Parameters:    params,
		})
	}

	// A change of exactly 50% is acceptable; only strictly greater is
	// flagged, and a zero current metric skips the check entirely.
	if current != 0 && math.Abs(proposed-current)/math.Abs(current) > 0.5 {
		return c.violation(&dataType.SafetyViolation{
			ViolationType: dataType.ViolationLargeMetricChange,
			Severity:      dataType.SeverityWarning,
			Message:       fmt.Sprintf("metric change from %v to %v exceeds 50%%", current, proposed),
			ActionBlocked: !c.cfg.AutonomousMode,
			Parameters:    params,
		})
	}

	// Rate limiting holds even in autonomous mode.
	if c.changeCounter.Query(changeKey(iface), int64(c.cfg.MinChangeIntervalSeconds)) > 0 {
		return c.violation(&dataType.SafetyViolation{
			ViolationType: dataType.ViolationRateLimited,
			Severity:      dataType.SeverityWarning,
			Message:       fmt.Sprintf("interface %s changed within the last %d seconds", iface, c.cfg.MinChangeIntervalSeconds),
			ActionBlocked: true,
			Parameters:    params,
		})
	}

	return nil
}

// ValidateRouteInjection enforces the injected-route budget and the
// approval list.
func (c *Constraints) ValidateRouteInjection(network, protocol string) *dataType.SafetyViolation {
	params := map[string]any{"network": network, "protocol": protocol}

	if c.countActions("route_injection") >= c.cfg.MaxRouteInjections {
		return c.violation(&dataType.SafetyViolation{
			ViolationType: dataType.ViolationRouteLimitReached,
			Severity:      dataType.SeverityCritical,
			Message:       fmt.Sprintf("route injection limit of %d reached", c.cfg.MaxRouteInjections),
			ActionBlocked: true,
			Parameters:    params,
		})
	}

	if _, ok := c.requireApproval["route_injection"]; ok {
		return c.violation(&dataType.SafetyViolation{
			ViolationType: dataType.ViolationApprovalRequired,
			Severity:      dataType.SeverityInfo,
			Message:       "route injection requires approval",
			ActionBlocked: !c.cfg.AutonomousMode,
			Parameters:    params,
		})
	}

	return nil
}

// ValidateGracefulShutdown always hard-blocks; this action class can never
// be approved by the autonomous-mode flag alone.
func (c *Constraints) ValidateGracefulShutdown(protocol, scope string) *dataType.SafetyViolation {
	return c.violation(&dataType.SafetyViolation{
		ViolationType: dataType.ViolationShutdownForbidden,
		Severity:      dataType.SeverityCritical,
		Message:       fmt.Sprintf("graceful shutdown of %s (%s) requires explicit operator approval", protocol, scope),
		ActionBlocked: true,
		Parameters:    map[string]any{"protocol": protocol, "scope": scope},
	})
}

// IsActionAllowed reports whether the action may run unattended right now.
// Read-only queries are always allowed; everything else requires autonomous
// mode plus a clean (or non-blocking) validation.
func (c *Constraints) IsActionAllowed(actionType string, params map[string]any) bool {
	if _, ok := readOnlyActions[actionType]; ok {
		return true
	}
	if !c.cfg.AutonomousMode {
		return false
	}
	v, known := c.ViolationFor(actionType, params)
	if !known {
		return false
	}
	return v == nil || !v.ActionBlocked
}

// ViolationFor runs the validator matching the action type and returns the
// resulting violation (nil when the action is clean). The second return is
// false for unknown action types.
func (c *Constraints) ViolationFor(actionType string, params map[string]any) (*dataType.SafetyViolation, bool) {
	switch actionType {
	case "metric_adjustment":
		iface, _ := params["interface"].(string)
		current := numeric(params["current"])
		proposed := numeric(params["proposed"])
		return c.ValidateMetricAdjustment(iface, current, proposed), true
	case "route_injection":
		network, _ := params["network"].(string)
		protocol, _ := params["protocol"].(string)
		return c.ValidateRouteInjection(network, protocol), true
	case "graceful_shutdown":
		protocol, _ := params["protocol"].(string)
		scope, _ := params["scope"].(string)
		return c.ValidateGracefulShutdown(protocol, scope), true
	default:
		if _, ok := readOnlyActions[actionType]; ok {
			return nil, true
		}
		return nil, false
	}
}

// Unconditional reports whether the violation blocks the action regardless
// of autonomous mode and approval. Such actions never enter the approval
// path.
func Unconditional(v *dataType.SafetyViolation) bool {
	if v == nil {
		return false
	}
	switch v.ViolationType {
	case dataType.ViolationMetricOutOfRange,
		dataType.ViolationRateLimited,
		dataType.ViolationRouteLimitReached,
		dataType.ViolationShutdownForbidden:
		return true
	}
	return false
}

// RecordAction appends a timestamped parameter snapshot to the bounded
// history. Callers must record every attempted action, successful or not.
func (c *Constraints) RecordAction(actionType string, params map[string]any) {
	snapshot := make(map[string]any, len(params))
	for k, v := range params {
		snapshot[k] = v
	}

	c.mu.Lock()
	c.history = append(c.history, HistoryEntry{
		ActionType: actionType,
		Parameters: snapshot,
		Timestamp:  time.Now(),
	})
	for len(c.history) > historyCap {
		c.history = c.history[1:]
	}
	c.mu.Unlock()

	if actionType == "metric_adjustment" {
		if iface, ok := params["interface"].(string); ok {
			c.changeCounter.Add(changeKey(iface), 1)
		}
	}
}

// HistoryLen reports the number of recorded actions.
func (c *Constraints) HistoryLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

func (c *Constraints) countActions(actionType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.history {
		if e.ActionType == actionType {
			n++
		}
	}
	return n
}

func (c *Constraints) violation(v *dataType.SafetyViolation) *dataType.SafetyViolation {
	metrics.SafetyViolations.WithLabelValues(string(v.Severity)).Inc()
	c.logger.Info("safety violation",
		zap.String("type", v.ViolationType),
		zap.String("severity", string(v.Severity)),
		zap.Bool("blocked", v.ActionBlocked),
		zap.String("message", v.Message))
	return v
}

func changeKey(iface string) string {
	return "metric_adjustment|" + iface
}

func numeric(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
