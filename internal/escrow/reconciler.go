package escrow

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payfabric/backend/internal/store"
	"github.com/payfabric/backend/internal/wallet"
)

// Step is one undo action. Run must be idempotent; the unwinder retries it.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// CompensationStack collects undo steps for a multi-leg money movement and
// unwinds them LIFO when a later leg fails.
type CompensationStack struct {
	escrowID string
	steps    []Step
}

// NewCompensationStack creates an empty stack for one escrow.
func NewCompensationStack(escrowID string) *CompensationStack {
	return &CompensationStack{escrowID: escrowID}
}

// Push records an undo step for a leg that just committed.
func (c *CompensationStack) Push(s Step) {
	c.steps = append(c.steps, s)
}

const (
	unwindRetries = 3
	unwindDelay   = 100 * time.Millisecond
)

// Unwind runs the recorded steps newest-first, retrying each. Steps that
// still fail after the retry budget are returned as dead letters.
func (c *CompensationStack) Unwind(ctx context.Context) []DeadLetter {
	var dead []DeadLetter
	for i := len(c.steps) - 1; i >= 0; i-- {
		step := c.steps[i]
		var lastErr error
		for attempt := 0; attempt < unwindRetries; attempt++ {
			if attempt > 0 {
				time.Sleep(unwindDelay * time.Duration(attempt))
			}
			if lastErr = step.Run(ctx); lastErr == nil {
				break
			}
		}
		if lastErr != nil {
			dead = append(dead, DeadLetter{
				EscrowID: c.escrowID,
				Step:     step.Name,
				Reason:   lastErr.Error(),
				At:       time.Now().UTC(),
			})
		}
	}
	return dead
}

// DeadLetter is a money movement the engine could not complete or undo. It
// stays queued until the reconciler or an operator resolves it.
type DeadLetter struct {
	EscrowID string          `json:"escrow_id"`
	Step     string          `json:"step"`
	Amount   decimal.Decimal `json:"amount,omitempty"`
	Asset    string          `json:"asset,omitempty"`
	WalletID string          `json:"wallet_id,omitempty"`
	Reason   string          `json:"reason"`
	At       time.Time       `json:"at"`
	Retries  int             `json:"retries"`
}

// DeadLetterQueue is the in-process holding pen for unresolved legs.
type DeadLetterQueue struct {
	mu    sync.Mutex
	items []DeadLetter
}

// NewDeadLetterQueue creates an empty queue.
func NewDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{}
}

// Add enqueues one dead letter.
func (q *DeadLetterQueue) Add(dl DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, dl)
}

// Len reports the queue depth.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queue for the admin endpoint.
func (q *DeadLetterQueue) Snapshot() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetter, len(q.items))
	copy(out, q.items)
	return out
}

// drain removes and returns everything queued.
func (q *DeadLetterQueue) drain() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Reconciler periodically retries dead letters and audits closed escrows
// against the invariant locked = released + fee + refunded.
type Reconciler struct {
	engine   *Engine
	store    store.Store
	ledger   *wallet.Ledger
	interval time.Duration
	logger   *log.Logger
	quit     chan struct{}
	done     chan struct{}
}

// NewReconciler wires the reconciler; interval <= 0 defaults to a minute.
func NewReconciler(engine *Engine, s store.Store, ledger *wallet.Ledger, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		engine:   engine,
		store:    s,
		ledger:   ledger,
		interval: interval,
		logger:   log.New(log.Writer(), "[Reconciler] ", log.LstdFlags),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the reconcile loop until Stop.
func (r *Reconciler) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				r.RunOnce(ctx)
				cancel()
			case <-r.quit:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight pass.
func (r *Reconciler) Stop() {
	close(r.quit)
	<-r.done
}

// RunOnce retries every queued dead letter once and audits escrows.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.retryDeadLetters(ctx)
	r.audit(ctx)
}

func (r *Reconciler) retryDeadLetters(ctx context.Context) {
	letters := r.engine.DeadLetters().drain()
	for _, dl := range letters {
		if dl.WalletID == "" || dl.Amount.Sign() <= 0 {
			// Undo-step letters carry no transfer of their own; they need an
			// operator, not a retry.
			r.engine.DeadLetters().Add(dl)
			continue
		}
		err := r.ledger.Credit(ctx, dl.WalletID, dl.Asset, dl.Amount, "reconcile:"+dl.EscrowID)
		if err != nil {
			dl.Retries++
			dl.Reason = err.Error()
			r.engine.DeadLetters().Add(dl)
			continue
		}
		r.logger.Printf("resolved dead letter for escrow %s: %s %s -> %s",
			dl.EscrowID, dl.Amount, dl.Asset, dl.WalletID)
		// The pending refund is now paid; close out the escrow record.
		r.settleRefund(ctx, dl)
	}
	deadLetterDepth.Set(float64(r.engine.DeadLetters().Len()))
}

func (r *Reconciler) settleRefund(ctx context.Context, dl DeadLetter) {
	esc, err := r.engine.Get(ctx, dl.EscrowID)
	if err != nil {
		r.logger.Printf("dead letter paid but escrow %s unreadable: %v", dl.EscrowID, err)
		return
	}
	esc.RefundedAmount = esc.RefundedAmount.Add(dl.Amount)
	if esc.Remaining().IsZero() {
		esc.Status = StatusReleased
	}
	esc.UpdatedAt = time.Now().UTC()
	if err := store.PutJSON(ctx, r.store, store.KindEscrow, esc.EscrowID, esc); err != nil {
		r.logger.Printf("dead letter paid but escrow %s not persisted: %v", esc.EscrowID, err)
	}
}

// audit verifies closed escrows balance out. A violation is logged loudly;
// it means a bug, not an operational hiccup.
func (r *Reconciler) audit(ctx context.Context) {
	ids, err := r.store.List(ctx, store.KindEscrow)
	if err != nil {
		r.logger.Printf("audit list failed: %v", err)
		return
	}
	var violations int
	for _, id := range ids {
		esc, err := r.engine.Get(ctx, id)
		if err != nil {
			continue
		}
		switch esc.Status {
		case StatusReleased, StatusRefunded, StatusExpired:
			if !esc.Remaining().IsZero() {
				violations++
				r.logger.Printf("INVARIANT VIOLATION: escrow %s (%s) locked=%s released=%s fee=%s refunded=%s",
					esc.EscrowID, esc.Status, esc.Locked, esc.ReleasedAmount, esc.FeeAmount, esc.RefundedAmount)
			}
		}
	}
	reconcileViolations.Set(float64(violations))
}
