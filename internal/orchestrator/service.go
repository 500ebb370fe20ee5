package orchestrator

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payfabric/backend/internal/actor"
	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/escrow"
	"github.com/payfabric/backend/internal/events"
	"github.com/payfabric/backend/internal/identity"
	"github.com/payfabric/backend/internal/oracle"
	"github.com/payfabric/backend/internal/registry"
	"github.com/payfabric/backend/internal/store"
	"github.com/payfabric/backend/internal/wallet"
)

// Config is the slice of platform configuration the orchestrator needs.
type Config struct {
	// PlatformFeePercent is applied to the payment amount (2.5 means 2.5%).
	PlatformFeePercent float64
	// FeeWalletID receives extracted platform fees.
	FeeWalletID string
	// BufferPercent pads oracle estimates when locking escrow.
	BufferPercent float64
	// DefaultTimeout bounds tasks that carry no timeout_ms; the escrow TTL
	// follows the same deadline.
	DefaultTimeout time.Duration
}

// Service is the transaction orchestrator. Its actor runtime serializes
// per task; escrow and wallet mutations run on their own runtimes, so the
// task -> escrow -> wallet call chain never blocks on itself.
type Service struct {
	cfg      Config
	store    store.Store
	txlog    store.TxLog
	actors   *actor.Runtime
	timers   *actor.TimerWheel
	agents   *identity.Service
	ledger   *wallet.Ledger
	escrows  *escrow.Engine
	registry *registry.Registry
	oracle   oracle.TokenCostOracle
	emitter  events.Emitter
	logger   *log.Logger
}

// NewService wires the orchestrator.
func NewService(cfg Config, s store.Store, txlog store.TxLog, actors *actor.Runtime,
	timers *actor.TimerWheel, agents *identity.Service, ledger *wallet.Ledger,
	escrows *escrow.Engine, reg *registry.Registry, orc oracle.TokenCostOracle,
	emitter events.Emitter) *Service {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Service{
		cfg:      cfg,
		store:    s,
		txlog:    txlog,
		actors:   actors,
		timers:   timers,
		agents:   agents,
		ledger:   ledger,
		escrows:  escrows,
		registry: reg,
		oracle:   orc,
		emitter:  emitter,
		logger:   log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags),
	}
}

// Create validates the request, locks escrow, and persists the task in
// pending. The escrow debit happens before the task exists; if anything
// later fails the escrow is cancelled so no money stays locked for a task
// that was never created.
func (s *Service) Create(ctx context.Context, payerAgentID string, req CreateRequest) (*Task, error) {
	if req.ToAgentID == "" {
		return nil, apierr.New(apierr.CodeValidation, "to_agent_id is required")
	}
	if req.ToolName == "" {
		return nil, apierr.New(apierr.CodeValidation, "tool_name is required")
	}

	if _, err := s.agents.RequireActive(ctx, payerAgentID); err != nil {
		return nil, err
	}
	if _, err := s.agents.RequireActive(ctx, req.ToAgentID); err != nil {
		return nil, err
	}

	tool, err := s.registry.GetTool(ctx, req.ToolName)
	if err != nil {
		return nil, err
	}
	if err := tool.ValidateInput(req.Parameters); err != nil {
		return nil, err
	}

	asset := req.Payment.Asset
	if asset == "" {
		asset = tool.Pricing.Asset
	}
	amount := req.Payment.Amount
	if amount.Sign() <= 0 {
		amount = tool.Pricing.Amount
	}
	if amount.Sign() <= 0 {
		return nil, apierr.New(apierr.CodeValidation, "payment amount must be positive")
	}

	bufferPct := s.cfg.BufferPercent
	if req.Options.EscrowBufferPercent > 0 {
		bufferPct = req.Options.EscrowBufferPercent
	}

	// With estimate_tokens the oracle sizes the lock; if the oracle is down
	// we fall back to the explicit amount without the buffer.
	if req.Options.EstimateTokens && s.oracle != nil {
		est, oerr := s.oracle.Estimate(ctx, string(req.Parameters), req.Options.Model)
		switch {
		case oerr == nil:
			amount = wallet.Quantize(asset, oracle.EscrowTotal(est, bufferPct/100))
		case apierr.CodeOf(oerr) == apierr.CodeUpstreamUnavailable:
			s.logger.Printf("oracle unavailable, falling back to explicit amount: %v", oerr)
		default:
			return nil, oerr
		}
	}

	amount = wallet.Quantize(asset, amount)
	fee := wallet.Quantize(asset, amount.Mul(decimal.NewFromFloat(s.cfg.PlatformFeePercent)).Div(decimal.NewFromInt(100)))

	payerWallet, err := s.ledger.WalletForAgent(ctx, payerAgentID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	timeout := req.Options.Timeout(s.cfg.DefaultTimeout)
	task := &Task{
		TaskID:      uuid.NewString(),
		FromAgentID: payerAgentID,
		ToAgentID:   req.ToAgentID,
		ToolName:    req.ToolName,
		Parameters:  req.Parameters,
		Payment:     Payment{Amount: amount, Asset: asset},
		Options:     req.Options,
		Status:      StatusPending,
		PlatformFee: fee,
		CreatedAt:   now,
		ExpiresAt:   now.Add(timeout),
	}

	esc, err := s.escrows.Create(ctx, task.TaskID, payerAgentID, payerWallet.WalletID, asset, amount, fee, timeout)
	if err != nil {
		return nil, err
	}
	task.EscrowID = esc.EscrowID

	// Write-ahead: the log entry commits before the task record.
	if _, err := s.txlog.Append(ctx, store.LogEntry{
		TaskID: task.TaskID,
		Action: store.ActionCreated,
		Amount: esc.Locked.String(),
		Asset:  asset,
		From:   payerAgentID,
		To:     req.ToAgentID,
	}); err != nil {
		s.abortCreate(ctx, esc.EscrowID)
		return nil, apierr.Wrap(apierr.CodeInternal, "append transaction log", err)
	}

	if err := store.PutJSON(ctx, s.store, store.KindTask, task.TaskID, task); err != nil {
		s.abortCreate(ctx, esc.EscrowID)
		return nil, apierr.Wrap(apierr.CodeInternal, "persist task", err)
	}

	s.armTimeout(task)
	s.emitter.Emit(events.TypeTaskCreated, task.TaskID, map[string]interface{}{
		"from":   payerAgentID,
		"to":     req.ToAgentID,
		"tool":   req.ToolName,
		"locked": esc.Locked.String(),
		"asset":  asset,
	})
	tasksCreated.Inc()
	s.logger.Printf("created task %s (%s -> %s, tool=%s, locked=%s %s)",
		task.TaskID, payerAgentID, req.ToAgentID, req.ToolName, esc.Locked, asset)
	return task, nil
}

// abortCreate unlocks escrow for a task that failed to materialize.
func (s *Service) abortCreate(ctx context.Context, escrowID string) {
	if _, err := s.escrows.Cancel(ctx, escrowID); err != nil {
		s.logger.Printf("CRITICAL: failed to unwind escrow %s for aborted create: %v", escrowID, err)
	}
}

// Get loads a task by id.
func (s *Service) Get(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := store.GetJSON(ctx, s.store, store.KindTask, taskID, &t)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Newf(apierr.CodeNotFound, "task %s not found", taskID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "load task", err)
	}
	return &t, nil
}

// Log returns the task's transaction log entries in append order.
func (s *Service) Log(ctx context.Context, taskID string) ([]store.LogEntry, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.txlog.ByTask(ctx, taskID)
}

// Accept moves a pending task to in_progress. Only the provider may accept,
// and only before the deadline.
func (s *Service) Accept(ctx context.Context, taskID, actorAgentID string) (*Task, error) {
	return s.transition(ctx, taskID, func(t *Task) error {
		if t.Status != StatusPending {
			return apierr.Newf(apierr.CodeConflict, "task %s is %s, not pending", taskID, t.Status)
		}
		if t.ToAgentID != actorAgentID {
			return apierr.New(apierr.CodeForbidden, "only the provider may accept")
		}
		if !time.Now().UTC().Before(t.ExpiresAt) {
			return apierr.Newf(apierr.CodeExpired, "task %s expired at %s", taskID, t.ExpiresAt.Format(time.RFC3339))
		}

		if _, err := s.txlog.Append(ctx, store.LogEntry{
			TaskID: taskID,
			Action: store.ActionAccepted,
			From:   t.FromAgentID,
			To:     t.ToAgentID,
		}); err != nil {
			return apierr.Wrap(apierr.CodeInternal, "append transaction log", err)
		}
		t.Status = StatusInProgress
		return nil
	}, events.TypeTaskAccepted)
}

// Complete settles an in_progress task. A result carrying tokenUsage with a
// plausible total_cost sets the provider's earnings; otherwise the nominal
// amount is paid. Any downstream failure leaves the task in_progress so the
// provider can retry.
func (s *Service) Complete(ctx context.Context, taskID, actorAgentID string, result []byte) (*Task, error) {
	return s.transition(ctx, taskID, func(t *Task) error {
		if t.Status != StatusInProgress {
			return apierr.Newf(apierr.CodeConflict, "task %s is %s, not in_progress", taskID, t.Status)
		}
		if t.ToAgentID != actorAgentID {
			return apierr.New(apierr.CodeForbidden, "only the provider may complete")
		}

		if reason := resultError(result); reason != "" {
			return s.failLocked(ctx, t, result, reason)
		}

		esc, err := s.escrows.Get(ctx, t.EscrowID)
		if err != nil {
			return err
		}
		actualCost := t.Payment.Amount
		if tu := extractTokenUsage(result); tu != nil && tu.TotalCost.Sign() > 0 && tu.TotalCost.LessThanOrEqual(esc.Locked) {
			actualCost = tu.TotalCost
		}

		providerWallet, err := s.ledger.WalletForAgent(ctx, t.ToAgentID)
		if err != nil {
			return err
		}

		released, err := s.escrows.Release(ctx, t.EscrowID, escrow.ReleaseRequest{
			ProviderWalletID: providerWallet.WalletID,
			FeeWalletID:      s.cfg.FeeWalletID,
			ActualCost:       actualCost,
		})
		if err != nil {
			return err
		}

		// Both settlement legs go to the audit log.
		if _, err := s.txlog.Append(ctx, store.LogEntry{
			TaskID: taskID,
			Action: store.ActionReleased,
			Amount: released.ReleasedAmount.String(),
			Asset:  released.Asset,
			From:   t.FromAgentID,
			To:     t.ToAgentID,
		}); err != nil {
			return apierr.Wrap(apierr.CodeInternal, "append transaction log", err)
		}
		if released.RefundedAmount.Sign() > 0 {
			if _, err := s.txlog.Append(ctx, store.LogEntry{
				TaskID:  taskID,
				Action:  store.ActionRefunded,
				Details: "surplus refund",
				Amount:  released.RefundedAmount.String(),
				Asset:   released.Asset,
				From:    t.ToAgentID,
				To:      t.FromAgentID,
			}); err != nil {
				return apierr.Wrap(apierr.CodeInternal, "append transaction log", err)
			}
		}
		if _, err := s.txlog.Append(ctx, store.LogEntry{
			TaskID: taskID,
			Action: store.ActionCompleted,
			Amount: released.ReleasedAmount.String(),
			Asset:  released.Asset,
			From:   t.FromAgentID,
			To:     t.ToAgentID,
		}); err != nil {
			return apierr.Wrap(apierr.CodeInternal, "append transaction log", err)
		}

		now := time.Now().UTC()
		t.Status = StatusCompleted
		t.Result = result
		t.CompletedAt = &now
		s.timers.Cancel("task:" + taskID)

		if _, err := s.agents.AdjustReputation(ctx, t.ToAgentID, 0.1); err != nil {
			s.logger.Printf("reputation bump for %s failed: %v", t.ToAgentID, err)
		}
		tasksCompleted.Inc()
		return nil
	}, events.TypeTaskCompleted)
}

// failLocked closes a task whose provider reported an error. The escrow is
// refunded in full; the provider earned nothing.
func (s *Service) failLocked(ctx context.Context, t *Task, result []byte, reason string) error {
	if _, err := s.escrows.Cancel(ctx, t.EscrowID); err != nil {
		return err
	}
	if _, err := s.txlog.Append(ctx, store.LogEntry{
		TaskID:  t.TaskID,
		Action:  store.ActionRefunded,
		Details: "task failed: " + reason,
		From:    t.ToAgentID,
		To:      t.FromAgentID,
	}); err != nil {
		return apierr.Wrap(apierr.CodeInternal, "append transaction log", err)
	}
	now := time.Now().UTC()
	t.Status = StatusFailed
	t.Result = result
	t.FailReason = reason
	t.CompletedAt = &now
	s.timers.Cancel("task:" + t.TaskID)
	return nil
}

// Cancel aborts a task. Only the payer may cancel, from pending or
// in_progress; the escrow refunds in full.
func (s *Service) Cancel(ctx context.Context, taskID, actorAgentID, reason string) (*Task, error) {
	return s.transition(ctx, taskID, func(t *Task) error {
		switch t.Status {
		case StatusPending, StatusInProgress:
		default:
			return apierr.Newf(apierr.CodeConflict, "task %s is %s", taskID, t.Status)
		}
		if t.FromAgentID != actorAgentID {
			return apierr.New(apierr.CodeForbidden, "only the payer may cancel")
		}

		cancelled, err := s.escrows.Cancel(ctx, t.EscrowID)
		if err != nil {
			return err
		}
		if _, err := s.txlog.Append(ctx, store.LogEntry{
			TaskID:  taskID,
			Action:  store.ActionCancelled,
			Details: reason,
			Amount:  cancelled.RefundedAmount.String(),
			Asset:   cancelled.Asset,
			From:    t.ToAgentID,
			To:      t.FromAgentID,
		}); err != nil {
			return apierr.Wrap(apierr.CodeInternal, "append transaction log", err)
		}
		t.Status = StatusCancelled
		s.timers.Cancel("task:" + taskID)
		return nil
	}, events.TypeTaskCancelled)
}

// armTimeout schedules the expiry wake-up on the task's actor.
func (s *Service) armTimeout(t *Task) {
	taskID := t.TaskID
	s.timers.Schedule("task:"+taskID, taskID, t.ExpiresAt, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.expireLocked(ctx, taskID)
	})
}

// expireLocked runs on the task actor via the timer wheel. It re-checks
// state, so a late wake-up on an already-terminal task is a no-op.
func (s *Service) expireLocked(ctx context.Context, taskID string) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		s.logger.Printf("timeout fired for unreadable task %s: %v", taskID, err)
		return
	}
	if t.Status.Terminal() {
		return
	}

	expired, err := s.escrows.Expire(ctx, t.EscrowID)
	if err != nil {
		s.logger.Printf("expire escrow %s for task %s failed: %v", t.EscrowID, taskID, err)
		return
	}
	if _, err := s.txlog.Append(ctx, store.LogEntry{
		TaskID:  taskID,
		Action:  store.ActionExpired,
		Details: "timeout",
		Amount:  expired.RefundedAmount.String(),
		Asset:   expired.Asset,
		From:    t.ToAgentID,
		To:      t.FromAgentID,
	}); err != nil {
		s.logger.Printf("append expired entry for task %s failed: %v", taskID, err)
		return
	}
	t.Status = StatusExpired
	if err := store.PutJSON(ctx, s.store, store.KindTask, taskID, t); err != nil {
		s.logger.Printf("persist expired task %s failed: %v", taskID, err)
		return
	}
	s.emitter.Emit(events.TypeTaskExpired, taskID, map[string]interface{}{
		"refunded": expired.RefundedAmount.String(),
	})
	tasksExpired.Inc()
	s.logger.Printf("task %s expired, refunded %s %s", taskID, expired.RefundedAmount, expired.Asset)
}

// transition loads the task, applies fn under the task actor, and persists
// on success. fn mutates the task in place; if it errors the task is left
// in its last durable state.
func (s *Service) transition(ctx context.Context, taskID string, fn func(*Task) error, eventType string) (*Task, error) {
	var (
		out   *Task
		opErr error
	)
	err := s.actors.Do(ctx, taskID, func() {
		t, err := s.Get(ctx, taskID)
		if err != nil {
			opErr = err
			return
		}
		if err := fn(t); err != nil {
			opErr = err
			return
		}
		if err := store.PutJSON(ctx, s.store, store.KindTask, taskID, t); err != nil {
			opErr = apierr.Wrap(apierr.CodeInternal, "persist task", err)
			return
		}
		out = t
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "actor submit failed", err)
	}
	if opErr != nil {
		return nil, opErr
	}
	s.emitter.Emit(eventType, taskID, map[string]interface{}{"status": string(out.Status)})
	return out, nil
}
