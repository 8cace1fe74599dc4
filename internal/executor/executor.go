package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/automateyournetwork/neighbourd/internal/config"
	"github.com/automateyournetwork/neighbourd/internal/dataType"
	"github.com/automateyournetwork/neighbourd/internal/metrics"
	"github.com/automateyournetwork/neighbourd/internal/safety"
	"go.uber.org/zap"
)

// Handler executes one action type against injected protocol state. Errors
// (and panics, which are recovered) surface as FAILED results; the executor
// performs no rollback.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// ApprovalCallback is the human-in-the-loop hook. It receives the full
// blocked result and returns true to approve. The executor bounds the wait
// with a hard timeout.
type ApprovalCallback func(result dataType.ActionResult) bool

// Proposer is the consensus surface used for fleet approval when no
// operator callback is configured.
type Proposer interface {
	CreateProposal(actionType, description string, params map[string]any, requiredVotes int) dataType.ConsensusProposal
	Watch(proposalID string) <-chan dataType.ProposalStatus
}

// Executor turns a requested action into an audited outcome: safety
// evaluation, optional operator or fleet approval, dispatch, and recording.
type Executor struct {
	constraints   *safety.Constraints
	consensus     Proposer
	approval      ApprovalCallback
	requiredVotes int

	approvalTimeout time.Duration
	historyCap      int
	logger          *zap.Logger

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]*dataType.ActionResult
	history  []dataType.ActionResult
	handlers map[string]Handler
}

type Option func(*Executor)

// WithApprovalCallback installs the operator approval hook.
func WithApprovalCallback(cb ApprovalCallback) Option {
	return func(e *Executor) { e.approval = cb }
}

// WithConsensus routes soft-blocked actions through fleet consensus when no
// operator callback is configured.
func WithConsensus(p Proposer, requiredVotes int) Option {
	return func(e *Executor) {
		e.consensus = p
		e.requiredVotes = requiredVotes
	}
}

func New(constraints *safety.Constraints, cfg config.ExecutorConfig, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		constraints:     constraints,
		approvalTimeout: time.Duration(cfg.ApprovalTimeoutSeconds) * time.Second,
		historyCap:      cfg.HistorySize,
		logger:          logger,
		pending:         make(map[int64]*dataType.ActionResult),
		handlers:        make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterHandler installs the handler for one action type.
func (e *Executor) RegisterHandler(actionType string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[actionType] = h
}

// Execute runs the full lifecycle for one requested action and always
// returns a result, never an error or panic.
func (e *Executor) Execute(ctx context.Context, actionType string, params map[string]any) dataType.ActionResult {
	return e.executeWith(ctx, actionType, params, false)
}

func (e *Executor) executeWith(ctx context.Context, actionType string, params map[string]any, skipSafety bool) dataType.ActionResult {
	// Snapshot the caller's map; pending entries and history are audit
	// records and must not change under a caller's later mutations.
	params = cloneParams(params)

	e.mu.Lock()
	e.nextID++
	result := dataType.ActionResult{
		ActionID:   e.nextID,
		ActionType: actionType,
		Status:     dataType.ActionPendingApproval,
		Parameters: params,
		Timestamp:  time.Now(),
	}
	handler := e.handlers[actionType]
	e.mu.Unlock()

	// Unknown action types are a hard failure, never a silent no-op.
	if handler == nil {
		result.Status = dataType.ActionFailed
		result.Error = fmt.Sprintf("unknown action type: %s", actionType)
		e.constraints.RecordAction(actionType, params)
		e.appendHistory(result)
		return result
	}

	if !skipSafety && !e.constraints.IsActionAllowed(actionType, params) {
		violation, _ := e.constraints.ViolationFor(actionType, params)
		if violation == nil {
			// Clean validation but autonomous mode is off.
			violation = &dataType.SafetyViolation{
				ViolationType: dataType.ViolationApprovalRequired,
				Severity:      dataType.SeverityInfo,
				Message:       "autonomous mode disabled; operator approval required",
				ActionBlocked: false,
				Parameters:    params,
			}
		}
		result.Status = dataType.ActionBlocked
		result.Violation = violation
		result.Error = violation.Message

		if !safety.Unconditional(violation) {
			if e.approval != nil {
				return e.awaitOperator(ctx, result, handler)
			}
			if e.consensus != nil {
				return e.awaitConsensus(ctx, result, handler)
			}
		}

		e.appendHistory(result)
		return result
	}

	return e.run(ctx, result, handler)
}

// awaitOperator parks the blocked result in the pending map and waits for
// the approval callback, bounded by the approval timeout. On timeout the
// result stays pending so the operator can still resolve it later through
// ApproveAction or RejectAction.
func (e *Executor) awaitOperator(ctx context.Context, result dataType.ActionResult, handler Handler) dataType.ActionResult {
	e.mu.Lock()
	parked := result
	e.pending[result.ActionID] = &parked
	e.mu.Unlock()

	decision := make(chan bool, 1)
	go func() {
		decision <- e.approval(result)
	}()

	timer := time.NewTimer(e.approvalTimeout)
	defer timer.Stop()

	select {
	case approved := <-decision:
		if !e.removePending(result.ActionID) {
			// Resolved externally while the callback was deciding; the
			// external resolution wins.
			return result
		}
		if !approved {
			result.Status = dataType.ActionRejected
			result.Error = "rejected by approval callback"
			e.appendHistory(result)
			return result
		}
		result.Status = dataType.ActionApproved
		return e.run(ctx, result, handler)
	case <-timer.C:
		result.Status = dataType.ActionBlocked
		result.Error = "timeout waiting for operator approval"
		e.logger.Warn("approval timed out",
			zap.Int64("action_id", result.ActionID),
			zap.String("type", result.ActionType))
		return result
	case <-ctx.Done():
		result.Status = dataType.ActionBlocked
		result.Error = "timeout waiting for operator approval: " + ctx.Err().Error()
		return result
	}
}

// awaitConsensus raises a fleet proposal for the blocked action and waits
// until it finalizes or its deadline passes. Only an approved proposal lets
// the action proceed; anything else fails closed to inaction.
func (e *Executor) awaitConsensus(ctx context.Context, result dataType.ActionResult, handler Handler) dataType.ActionResult {
	proposal := e.consensus.CreateProposal(
		result.ActionType,
		fmt.Sprintf("action %d blocked by safety: %s", result.ActionID, result.Error),
		result.Parameters,
		e.requiredVotes,
	)

	deadline := time.Until(proposal.ExpiresAt) + time.Second
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case status := <-e.consensus.Watch(proposal.ID):
		if status == dataType.ProposalApproved {
			result.Status = dataType.ActionApproved
			return e.run(ctx, result, handler)
		}
		result.Status = dataType.ActionBlocked
		result.Error = fmt.Sprintf("consensus %s: %s", status, result.Error)
	case <-timer.C:
		result.Status = dataType.ActionBlocked
		result.Error = "timeout waiting for consensus: " + result.Error
	case <-ctx.Done():
		result.Status = dataType.ActionBlocked
		result.Error = "timeout waiting for consensus: " + ctx.Err().Error()
	}

	e.appendHistory(result)
	return result
}

// run dispatches to the handler, maps errors and panics to FAILED, and
// records the attempt regardless of outcome.
func (e *Executor) run(ctx context.Context, result dataType.ActionResult, handler Handler) dataType.ActionResult {
	result.Status = dataType.ActionExecuting
	start := time.Now()

	out, err := e.dispatch(ctx, handler, result.Parameters)
	result.ExecutionTimeMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Status = dataType.ActionFailed
		result.Error = err.Error()
	} else {
		result.Status = dataType.ActionCompleted
		result.Result = out
	}

	e.constraints.RecordAction(result.ActionType, result.Parameters)
	e.appendHistory(result)

	e.logger.Info("action finished",
		zap.Int64("action_id", result.ActionID),
		zap.String("type", result.ActionType),
		zap.String("status", string(result.Status)),
		zap.Int64("duration_ms", result.ExecutionTimeMs))
	return result
}

func (e *Executor) dispatch(ctx context.Context, handler Handler, params map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, params)
}

// ApproveAction resolves a pending action and re-executes it with safety
// checks skipped. The re-execution runs fire-and-forget under a fresh
// action id; this call reports only whether the pending entry existed, not
// the eventual outcome.
func (e *Executor) ApproveAction(actionID int64) bool {
	e.mu.Lock()
	parked, ok := e.pending[actionID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.pending, actionID)
	parked.Status = dataType.ActionApproved
	actionType, params := parked.ActionType, parked.Parameters
	e.mu.Unlock()

	e.logger.Info("action approved by operator", zap.Int64("action_id", actionID))
	go e.executeWith(context.Background(), actionType, params, true)
	return true
}

// RejectAction resolves a pending action as rejected and records it.
func (e *Executor) RejectAction(actionID int64, reason string) bool {
	e.mu.Lock()
	parked, ok := e.pending[actionID]
	if !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.pending, actionID)
	rejected := *parked
	e.mu.Unlock()

	rejected.Status = dataType.ActionRejected
	rejected.Error = reason
	e.appendHistory(rejected)
	e.logger.Info("action rejected by operator",
		zap.Int64("action_id", actionID), zap.String("reason", reason))
	return true
}

// GetActionHistory returns the most recent limit completed records, newest
// last. limit <= 0 returns the whole bounded history.
func (e *Executor) GetActionHistory(limit int) []dataType.ActionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]dataType.ActionResult, limit)
	copy(out, e.history[n-limit:])
	return out
}

// PendingCount reports actions parked awaiting approval.
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Executor) removePending(actionID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[actionID]; !ok {
		return false
	}
	delete(e.pending, actionID)
	return true
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

func (e *Executor) appendHistory(result dataType.ActionResult) {
	metrics.ActionsCompleted.WithLabelValues(string(result.Status)).Inc()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, result)
	for len(e.history) > e.historyCap {
		e.history = e.history[1:]
	}
}
