package wallet

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transfer is one ledger movement handed to the settlement network.
// Negative amounts are debits from the platform's view.
type Transfer struct {
	WalletID  string
	Address   string
	Asset     string
	Amount    decimal.Decimal
	Reference string
}

// TxHandle identifies a settlement submission on the external network.
type TxHandle struct {
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SettlementDriver wraps the external transfer mechanics. Submit must not
// block the caller; drivers queue internally and reconcile out of band.
type SettlementDriver interface {
	Submit(t Transfer) TxHandle
	// Flush waits for queued transfers to drain, bounded by ctx.
	Flush(ctx context.Context) error
}

// LoggingDriver is the default driver: it records transfers and logs them.
// Real settlement (on-chain or custodial API) plugs in behind the same
// interface without touching the ledger.
type LoggingDriver struct {
	mu      sync.Mutex
	pending int
	done    chan struct{}
	logger  *log.Logger
}

// NewLoggingDriver creates the driver.
func NewLoggingDriver() *LoggingDriver {
	return &LoggingDriver{
		done:   make(chan struct{}, 1),
		logger: log.New(log.Writer(), "[Settlement] ", log.LstdFlags),
	}
}

func (d *LoggingDriver) Submit(t Transfer) TxHandle {
	h := TxHandle{ID: "settle-" + uuid.NewString(), SubmittedAt: time.Now().UTC()}

	d.mu.Lock()
	d.pending++
	d.mu.Unlock()

	go func() {
		d.logger.Printf("transfer %s: wallet=%s asset=%s amount=%s ref=%s",
			h.ID, t.WalletID, t.Asset, t.Amount, t.Reference)
		d.mu.Lock()
		d.pending--
		idle := d.pending == 0
		d.mu.Unlock()
		if idle {
			select {
			case d.done <- struct{}{}:
			default:
			}
		}
	}()
	return h
}

func (d *LoggingDriver) Flush(ctx context.Context) error {
	for {
		d.mu.Lock()
		idle := d.pending == 0
		d.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
