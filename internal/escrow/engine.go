// Package escrow implements conditional payment locks. Creating an escrow
// debits the payer immediately; the locked value is only ever split between
// the provider, the platform fee wallet, and a refund back to the payer.
// For every closed escrow: locked = released + fee + refunded.
package escrow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/payfabric/backend/internal/actor"
	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/events"
	"github.com/payfabric/backend/internal/store"
	"github.com/payfabric/backend/internal/wallet"
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusActive            Status = "active"
	StatusReleased          Status = "released"
	StatusRefunded          Status = "refunded"
	StatusPartiallyReleased Status = "partially_released"
	StatusExpired           Status = "expired"
)

// Escrow is one payment lock. Amount is the provider's ceiling, Fee the
// platform's cut, Locked their sum (what the payer was debited).
type Escrow struct {
	EscrowID      string          `json:"escrow_id"`
	TaskID        string          `json:"task_id"`
	PayerWalletID string          `json:"payer_wallet_id"`
	PayerAgentID  string          `json:"payer_agent_id"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Locked        decimal.Decimal `json:"locked"`
	Status        Status          `json:"status"`

	// Settlement outcome, filled in as legs complete.
	ReleasedAmount decimal.Decimal `json:"released_amount"`
	FeeAmount      decimal.Decimal `json:"fee_amount"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`

	// Fingerprint of the release call that closed this escrow. A repeat of
	// the same call is answered idempotently; a different one conflicts.
	Fingerprint string `json:"fingerprint,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Remaining is the still-locked value.
func (e *Escrow) Remaining() decimal.Decimal {
	return e.Locked.Sub(e.ReleasedAmount).Sub(e.FeeAmount).Sub(e.RefundedAmount)
}

// ReleaseRequest describes one settlement attempt against an active escrow.
type ReleaseRequest struct {
	ProviderWalletID string
	FeeWalletID      string
	// ActualCost is what the provider earned. It is capped at the escrow's
	// Amount; any surplus goes back to the payer.
	ActualCost decimal.Decimal
	// Partial pays ActualCost out now and keeps the rest locked instead of
	// settling the fee and refund legs.
	Partial bool
}

func (r ReleaseRequest) fingerprint() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%t",
		r.ProviderWalletID, r.FeeWalletID, r.ActualCost.String(), r.Partial)))
	return hex.EncodeToString(h[:8])
}

// Engine owns escrow state transitions. All mutations of one escrow run on
// its actor, so concurrent release/cancel calls serialize.
type Engine struct {
	store   store.Store
	ledger  *wallet.Ledger
	actors  *actor.Runtime
	emitter events.Emitter
	dead    *DeadLetterQueue
	logger  *log.Logger
}

// NewEngine wires the engine.
func NewEngine(s store.Store, ledger *wallet.Ledger, actors *actor.Runtime, emitter events.Emitter) *Engine {
	if emitter == nil {
		emitter = events.Nop{}
	}
	return &Engine{
		store:   s,
		ledger:  ledger,
		actors:  actors,
		emitter: emitter,
		dead:    NewDeadLetterQueue(),
		logger:  log.New(log.Writer(), "[Escrow] ", log.LstdFlags),
	}
}

// DeadLetters exposes the unresolved compensation queue.
func (eng *Engine) DeadLetters() *DeadLetterQueue { return eng.dead }

// Create locks amount+fee out of the payer's wallet. The debit and the
// escrow record commit together under the payer's wallet actor ordering;
// if persisting the record fails the debit is compensated.
func (eng *Engine) Create(ctx context.Context, taskID, payerAgentID, payerWalletID, asset string, amount, fee decimal.Decimal, ttl time.Duration) (*Escrow, error) {
	if amount.Sign() <= 0 {
		return nil, apierr.New(apierr.CodeValidation, "escrow amount must be positive")
	}
	if fee.IsNegative() {
		return nil, apierr.New(apierr.CodeValidation, "escrow fee must be non-negative")
	}
	amount = wallet.Quantize(asset, amount)
	fee = wallet.Quantize(asset, fee)
	locked := amount.Add(fee)

	now := time.Now().UTC()
	esc := &Escrow{
		EscrowID:      uuid.NewString(),
		TaskID:        taskID,
		PayerWalletID: payerWalletID,
		PayerAgentID:  payerAgentID,
		Asset:         asset,
		Amount:        amount,
		Fee:           fee,
		Locked:        locked,
		Status:        StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(ttl),
	}

	comp := NewCompensationStack(esc.EscrowID)

	if err := eng.ledger.Debit(ctx, payerWalletID, asset, locked, "escrow:"+esc.EscrowID); err != nil {
		return nil, err
	}
	comp.Push(Step{
		Name: "undo-lock-debit",
		Run: func(ctx context.Context) error {
			return eng.ledger.Credit(ctx, payerWalletID, asset, locked, "escrow-undo:"+esc.EscrowID)
		},
	})

	if err := store.PutJSON(ctx, eng.store, store.KindEscrow, esc.EscrowID, esc); err != nil {
		eng.unwind(ctx, comp)
		return nil, apierr.Wrap(apierr.CodeInternal, "persist escrow", err)
	}

	eng.emitter.Emit(events.TypeEscrowLocked, esc.EscrowID, map[string]interface{}{
		"task_id": taskID,
		"asset":   asset,
		"locked":  locked.String(),
		"fee":     fee.String(),
	})
	escrowsCreated.Inc()
	eng.logger.Printf("locked %s %s for task %s (escrow %s)", locked, asset, taskID, esc.EscrowID)
	return esc, nil
}

// Get loads an escrow by id.
func (eng *Engine) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	var esc Escrow
	err := store.GetJSON(ctx, eng.store, store.KindEscrow, escrowID, &esc)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Newf(apierr.CodeNotFound, "escrow %s not found", escrowID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "load escrow", err)
	}
	return &esc, nil
}

// Release settles an escrow: the provider receives min(actual_cost,
// amount), the fee wallet receives the fee, and any surplus returns to the
// payer. Replaying the same release is a no-op; a different release against
// a closed escrow is a CONFLICT.
func (eng *Engine) Release(ctx context.Context, escrowID string, req ReleaseRequest) (*Escrow, error) {
	if req.ProviderWalletID == "" {
		return nil, apierr.New(apierr.CodeValidation, "provider wallet is required")
	}
	if req.ActualCost.IsNegative() {
		return nil, apierr.New(apierr.CodeValidation, "actual cost must be non-negative")
	}

	var (
		out   *Escrow
		opErr error
		fp    = req.fingerprint()
		timer = prometheus.NewTimer(releaseDuration)
	)
	err := eng.actors.Do(ctx, escrowID, func() {
		defer timer.ObserveDuration()
		out, opErr = eng.releaseLocked(ctx, escrowID, req, fp)
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "actor submit failed", err)
	}
	return out, opErr
}

func (eng *Engine) releaseLocked(ctx context.Context, escrowID string, req ReleaseRequest, fp string) (*Escrow, error) {
	esc, err := eng.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	// A byte-identical replay of the call that produced the current state
	// is answered from the stored result before any leg runs. Partial and
	// refund-failure states carry fingerprints too.
	if esc.Fingerprint != "" && esc.Fingerprint == fp {
		return esc, nil
	}

	switch esc.Status {
	case StatusActive, StatusPartiallyReleased:
	case StatusReleased:
		return nil, apierr.Newf(apierr.CodeConflict, "escrow %s already released", escrowID)
	default:
		return nil, apierr.Newf(apierr.CodeConflict, "escrow %s is %s", escrowID, esc.Status)
	}

	remaining := esc.Remaining()
	providerCap := esc.Amount.Sub(esc.ReleasedAmount)
	providerShare := wallet.Quantize(esc.Asset, decimal.Min(req.ActualCost, providerCap))

	comp := NewCompensationStack(esc.EscrowID)

	if providerShare.Sign() > 0 {
		if err := eng.ledger.Credit(ctx, req.ProviderWalletID, esc.Asset, providerShare, "release:"+esc.EscrowID); err != nil {
			return nil, err
		}
		comp.Push(Step{
			Name: "undo-provider-credit",
			Run: func(ctx context.Context) error {
				return eng.ledger.Debit(ctx, req.ProviderWalletID, esc.Asset, providerShare, "release-undo:"+esc.EscrowID)
			},
		})
	}
	esc.ReleasedAmount = esc.ReleasedAmount.Add(providerShare)

	if req.Partial {
		esc.Status = StatusPartiallyReleased
		esc.Fingerprint = fp
		esc.UpdatedAt = time.Now().UTC()
		if err := store.PutJSON(ctx, eng.store, store.KindEscrow, esc.EscrowID, esc); err != nil {
			eng.unwind(ctx, comp)
			return nil, apierr.Wrap(apierr.CodeInternal, "persist escrow", err)
		}
		eng.emitter.Emit(events.TypeEscrowReleased, esc.EscrowID, map[string]interface{}{
			"task_id":  esc.TaskID,
			"partial":  true,
			"released": providerShare.String(),
		})
		escrowsReleased.WithLabelValues("partial").Inc()
		return esc, nil
	}

	// Final settlement: fee leg, then refund the remainder of the lock.
	// FeeAmount is non-zero when an earlier attempt already paid the fee.
	feePaid := decimal.Zero
	if esc.Fee.Sign() > 0 && esc.FeeAmount.IsZero() && req.FeeWalletID != "" {
		if err := eng.ledger.Credit(ctx, req.FeeWalletID, esc.Asset, esc.Fee, "fee:"+esc.EscrowID); err != nil {
			eng.unwind(ctx, comp)
			return nil, err
		}
		comp.Push(Step{
			Name: "undo-fee-credit",
			Run: func(ctx context.Context) error {
				return eng.ledger.Debit(ctx, req.FeeWalletID, esc.Asset, esc.Fee, "fee-undo:"+esc.EscrowID)
			},
		})
		esc.FeeAmount = esc.Fee
		feePaid = esc.Fee
	}

	refund := remaining.Sub(providerShare).Sub(feePaid)
	if refund.Sign() > 0 {
		if err := eng.ledger.Credit(ctx, esc.PayerWalletID, esc.Asset, refund, "surplus:"+esc.EscrowID); err != nil {
			// Provider and fee legs landed but the payer's surplus did not.
			// Leave the escrow partially released and let the reconciler or
			// an operator finish the refund; unwinding paid legs would claw
			// money back from agents that earned it.
			esc.Status = StatusPartiallyReleased
			esc.Fingerprint = fp
			esc.UpdatedAt = time.Now().UTC()
			if perr := store.PutJSON(ctx, eng.store, store.KindEscrow, esc.EscrowID, esc); perr != nil {
				eng.logger.Printf("CRITICAL: escrow %s refund failed and state not persisted: %v", esc.EscrowID, perr)
			}
			eng.dead.Add(DeadLetter{
				EscrowID: esc.EscrowID,
				Step:     "refund-surplus",
				Amount:   refund,
				Asset:    esc.Asset,
				WalletID: esc.PayerWalletID,
				Reason:   err.Error(),
				At:       time.Now().UTC(),
			})
			eng.emitter.Emit(events.TypeAlert, esc.EscrowID, map[string]interface{}{
				"task_id": esc.TaskID,
				"reason":  "refund leg failed",
				"amount":  refund.String(),
			})
			deadLetterDepth.Set(float64(eng.dead.Len()))
			return esc, nil
		}
		esc.RefundedAmount = esc.RefundedAmount.Add(refund)
	}

	esc.Status = StatusReleased
	esc.Fingerprint = fp
	esc.UpdatedAt = time.Now().UTC()
	if err := store.PutJSON(ctx, eng.store, store.KindEscrow, esc.EscrowID, esc); err != nil {
		eng.unwind(ctx, comp)
		return nil, apierr.Wrap(apierr.CodeInternal, "persist escrow", err)
	}

	eng.emitter.Emit(events.TypeEscrowReleased, esc.EscrowID, map[string]interface{}{
		"task_id":  esc.TaskID,
		"released": providerShare.String(),
		"fee":      esc.FeeAmount.String(),
		"refunded": refund.String(),
	})
	escrowsReleased.WithLabelValues("full").Inc()
	eng.logger.Printf("released escrow %s: provider=%s fee=%s refund=%s",
		esc.EscrowID, providerShare, esc.FeeAmount, refund)
	return esc, nil
}

// Cancel refunds the full remaining lock to the payer and closes the
// escrow. Cancelling a closed escrow is a CONFLICT.
func (eng *Engine) Cancel(ctx context.Context, escrowID string) (*Escrow, error) {
	return eng.refundAll(ctx, escrowID, StatusRefunded, events.TypeEscrowRefunded)
}

// Expire is Cancel triggered by the deadline timer; the escrow closes as
// expired so the audit trail distinguishes it from a voluntary cancel.
func (eng *Engine) Expire(ctx context.Context, escrowID string) (*Escrow, error) {
	return eng.refundAll(ctx, escrowID, StatusExpired, events.TypeEscrowExpired)
}

func (eng *Engine) refundAll(ctx context.Context, escrowID string, final Status, eventType string) (*Escrow, error) {
	var (
		out   *Escrow
		opErr error
	)
	err := eng.actors.Do(ctx, escrowID, func() {
		esc, err := eng.Get(ctx, escrowID)
		if err != nil {
			opErr = err
			return
		}
		switch esc.Status {
		case StatusActive, StatusPartiallyReleased:
		case final:
			out = esc // idempotent replay
			return
		default:
			opErr = apierr.Newf(apierr.CodeConflict, "escrow %s is %s", escrowID, esc.Status)
			return
		}

		refund := esc.Remaining()
		if refund.Sign() > 0 {
			if err := eng.ledger.Credit(ctx, esc.PayerWalletID, esc.Asset, refund, "refund:"+esc.EscrowID); err != nil {
				opErr = err
				return
			}
			esc.RefundedAmount = esc.RefundedAmount.Add(refund)
		}
		esc.Status = final
		esc.UpdatedAt = time.Now().UTC()
		if err := store.PutJSON(ctx, eng.store, store.KindEscrow, esc.EscrowID, esc); err != nil {
			opErr = apierr.Wrap(apierr.CodeInternal, "persist escrow", err)
			return
		}
		eng.emitter.Emit(eventType, esc.EscrowID, map[string]interface{}{
			"task_id":  esc.TaskID,
			"refunded": refund.String(),
		})
		escrowsReleased.WithLabelValues(string(final)).Inc()
		out = esc
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "actor submit failed", err)
	}
	return out, opErr
}

// unwind runs the compensation stack; anything it cannot undo lands on the
// dead letter queue.
func (eng *Engine) unwind(ctx context.Context, comp *CompensationStack) {
	for _, dl := range comp.Unwind(ctx) {
		eng.dead.Add(dl)
	}
	deadLetterDepth.Set(float64(eng.dead.Len()))
}
