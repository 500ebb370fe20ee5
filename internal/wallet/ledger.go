// Package wallet is the per-agent ledger of per-asset balances. Debit and
// credit are the only legal way to move balance; both run under the wallet
// actor so two moves on the same wallet are totally ordered. The in-ledger
// view is the source of truth for downstream authorization; settlement of
// the external network is asynchronous and advisory.
package wallet

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payfabric/backend/internal/actor"
	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/store"
)

// WalletType distinguishes custodial wallets from smart-contract ones.
type WalletType string

const (
	TypeCustodial WalletType = "custodial"
	TypeSmart     WalletType = "smart"
)

// AssetPrecision maps asset tags to their decimal places. Amounts are
// quantized to this precision at the ledger boundary.
var AssetPrecision = map[string]int32{
	"USDC": 6,
	"USDT": 6,
	"ETH":  18,
}

// Wallet is one agent's ledger. Balances never go negative; the debit
// primitive enforces that.
type Wallet struct {
	WalletID  string                     `json:"wallet_id"`
	AgentID   string                     `json:"agent_id"`
	Address   string                     `json:"address"`
	Type      WalletType                 `json:"type"`
	Balances  map[string]decimal.Decimal `json:"balances"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// Balance returns the quantized balance for an asset (zero when absent).
func (w *Wallet) Balance(asset string) decimal.Decimal {
	if b, ok := w.Balances[asset]; ok {
		return b
	}
	return decimal.Zero
}

// Ledger exposes the balance primitives.
type Ledger struct {
	store      store.Store
	actors     *actor.Runtime
	settlement SettlementDriver
	logger     *log.Logger
}

// NewLedger creates the ledger. driver may be nil (no settlement echo).
func NewLedger(s store.Store, actors *actor.Runtime, driver SettlementDriver) *Ledger {
	return &Ledger{
		store:      s,
		actors:     actors,
		settlement: driver,
		logger:     log.New(log.Writer(), "[Ledger] ", log.LstdFlags),
	}
}

// Quantize rounds an amount to the asset's precision (6 dp default).
func Quantize(asset string, amount decimal.Decimal) decimal.Decimal {
	places, ok := AssetPrecision[asset]
	if !ok {
		places = 6
	}
	return amount.Round(places)
}

// CreateWallet provisions the single wallet for an agent.
func (l *Ledger) CreateWallet(ctx context.Context, agentID string, typ WalletType) (*Wallet, error) {
	if typ == "" {
		typ = TypeCustodial
	}
	now := time.Now().UTC()
	w := &Wallet{
		WalletID:  uuid.NewString(),
		AgentID:   agentID,
		Address:   "0x" + uuid.NewString()[:8] + uuid.NewString()[:8],
		Type:      typ,
		Balances:  make(map[string]decimal.Decimal),
		CreatedAt: now,
		UpdatedAt: now,
	}

	var saveErr error
	err := l.actors.Do(ctx, w.WalletID, func() {
		if err := store.PutJSON(ctx, l.store, store.KindWallet, w.WalletID, w); err != nil {
			saveErr = err
			return
		}
		// agent -> wallet index; exactly one wallet per agent.
		saveErr = l.store.Put(ctx, store.KindWallet, "agent:"+agentID, []byte(w.WalletID))
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "actor submit failed", err)
	}
	if saveErr != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "persist wallet", saveErr)
	}
	return w, nil
}

// WalletForAgent resolves an agent's wallet.
func (l *Ledger) WalletForAgent(ctx context.Context, agentID string) (*Wallet, error) {
	idRaw, err := l.store.Get(ctx, store.KindWallet, "agent:"+agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Newf(apierr.CodeNotFound, "no wallet for agent %s", agentID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "wallet index lookup", err)
	}
	return l.GetWallet(ctx, string(idRaw))
}

// GetWallet loads a wallet by id. Reads never block on concurrent writes;
// the value is consistent as of some point during the call.
func (l *Ledger) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	var w Wallet
	err := store.GetJSON(ctx, l.store, store.KindWallet, walletID, &w)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Newf(apierr.CodeNotFound, "wallet %s not found", walletID)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInternal, "load wallet", err)
	}
	if w.Balances == nil {
		w.Balances = make(map[string]decimal.Decimal)
	}
	return &w, nil
}

// GetBalance returns the current balance of one asset.
func (l *Ledger) GetBalance(ctx context.Context, walletID, asset string) (decimal.Decimal, error) {
	w, err := l.GetWallet(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance(asset), nil
}

// Debit atomically removes amount from the wallet. Fails with
// INSUFFICIENT_BALANCE when the asset balance cannot cover it; the balance
// is left untouched in that case. ref lands in the audit trail.
func (l *Ledger) Debit(ctx context.Context, walletID, asset string, amount decimal.Decimal, ref string) error {
	return l.move(ctx, walletID, asset, amount.Neg(), ref)
}

// Credit atomically adds amount to the wallet. Always succeeds on a live
// wallet.
func (l *Ledger) Credit(ctx context.Context, walletID, asset string, amount decimal.Decimal, ref string) error {
	return l.move(ctx, walletID, asset, amount, ref)
}

// move applies a signed delta under the wallet actor.
func (l *Ledger) move(ctx context.Context, walletID, asset string, delta decimal.Decimal, ref string) error {
	if delta.IsZero() {
		return nil
	}
	if asset == "" {
		return apierr.New(apierr.CodeValidation, "asset is required")
	}
	delta = Quantize(asset, delta)

	var opErr error
	err := l.actors.Do(ctx, walletID, func() {
		var w Wallet
		if err := store.GetJSON(ctx, l.store, store.KindWallet, walletID, &w); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				opErr = apierr.Newf(apierr.CodeNotFound, "wallet %s not found", walletID)
			} else {
				opErr = apierr.Wrap(apierr.CodeInternal, "load wallet", err)
			}
			return
		}
		if w.Balances == nil {
			w.Balances = make(map[string]decimal.Decimal)
		}

		next := w.Balances[asset].Add(delta)
		if next.IsNegative() {
			opErr = apierr.Newf(apierr.CodeInsufficientBalance,
				"wallet %s has %s %s, needs %s", walletID, w.Balances[asset], asset, delta.Abs()).
				WithDetails(map[string]interface{}{
					"wallet_id": walletID,
					"asset":     asset,
					"balance":   w.Balances[asset].String(),
					"requested": delta.Abs().String(),
				})
			return
		}

		w.Balances[asset] = next
		w.UpdatedAt = time.Now().UTC()
		if err := store.PutJSON(ctx, l.store, store.KindWallet, walletID, &w); err != nil {
			opErr = apierr.Wrap(apierr.CodeInternal, "persist wallet", err)
			return
		}

		if l.settlement != nil {
			// Settlement is echoed outside the atomic section; the ledger
			// has already committed and is authoritative.
			l.settlement.Submit(Transfer{
				WalletID:  walletID,
				Address:   w.Address,
				Asset:     asset,
				Amount:    delta,
				Reference: ref,
			})
		}
	})
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, "actor submit failed", err)
	}
	return opErr
}
