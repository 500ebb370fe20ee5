package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payfabric/backend/internal/actor"
	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/store"
	"github.com/payfabric/backend/internal/wallet"
)

type escrowFixture struct {
	engine   *Engine
	ledger   *wallet.Ledger
	store    *store.MemoryStore
	payer    *wallet.Wallet
	provider *wallet.Wallet
	fees     *wallet.Wallet
}

func newFixture(t *testing.T) *escrowFixture {
	t.Helper()
	walletRT := actor.NewRuntime(4)
	escrowRT := actor.NewRuntime(4)
	t.Cleanup(func() {
		escrowRT.Shutdown(time.Second)
		walletRT.Shutdown(time.Second)
	})

	s := store.NewMemoryStore()
	ledger := wallet.NewLedger(s, walletRT, nil)
	engine := NewEngine(s, ledger, escrowRT, nil)

	ctx := context.Background()
	payer, err := ledger.CreateWallet(ctx, "payer", wallet.TypeCustodial)
	require.NoError(t, err)
	provider, err := ledger.CreateWallet(ctx, "provider", wallet.TypeCustodial)
	require.NoError(t, err)
	fees, err := ledger.CreateWallet(ctx, "platform", wallet.TypeCustodial)
	require.NoError(t, err)

	require.NoError(t, ledger.Credit(ctx, payer.WalletID, "USDC", decimal.NewFromInt(100), "seed"))
	return &escrowFixture{engine: engine, ledger: ledger, store: s, payer: payer, provider: provider, fees: fees}
}

func (f *escrowFixture) balance(t *testing.T, walletID string) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), walletID, "USDC")
	require.NoError(t, err)
	return b
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateLocksAmountPlusFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, esc.Status)
	assert.True(t, esc.Locked.Equal(dec("1.025")))
	assert.True(t, f.balance(t, f.payer.WalletID).Equal(dec("98.975")))
}

func TestCreateInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("200"), dec("5"), time.Hour)
	assert.Equal(t, apierr.CodeInsufficientBalance, apierr.CodeOf(err))
	assert.True(t, f.balance(t, f.payer.WalletID).Equal(dec("100")))
}

func TestReleaseSplitsProviderFeeAndSurplus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	out, err := f.engine.Release(ctx, esc.EscrowID, ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		FeeWalletID:      f.fees.WalletID,
		ActualCost:       dec("0.8"),
	})
	require.NoError(t, err)

	assert.Equal(t, StatusReleased, out.Status)
	assert.True(t, f.balance(t, f.provider.WalletID).Equal(dec("0.8")))
	assert.True(t, f.balance(t, f.fees.WalletID).Equal(dec("0.025")))
	// Surplus 0.2 back to the payer.
	assert.True(t, f.balance(t, f.payer.WalletID).Equal(dec("99.175")))
	// locked = released + fee + refunded
	assert.True(t, out.Remaining().IsZero())
}

func TestReleaseCapsActualCostAtAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	out, err := f.engine.Release(ctx, esc.EscrowID, ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		FeeWalletID:      f.fees.WalletID,
		ActualCost:       dec("1.10"),
	})
	require.NoError(t, err)

	// Provider never earns more than the escrowed amount.
	assert.True(t, f.balance(t, f.provider.WalletID).Equal(dec("1.0")))
	assert.True(t, f.balance(t, f.fees.WalletID).Equal(dec("0.025")))
	assert.True(t, out.RefundedAmount.IsZero())
	assert.True(t, out.Remaining().IsZero())
}

func TestReleaseIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	req := ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		FeeWalletID:      f.fees.WalletID,
		ActualCost:       dec("1.0"),
	}
	first, err := f.engine.Release(ctx, esc.EscrowID, req)
	require.NoError(t, err)

	second, err := f.engine.Release(ctx, esc.EscrowID, req)
	require.NoError(t, err)

	// Same terminal state, same net balances.
	assert.Equal(t, first.Status, second.Status)
	assert.True(t, f.balance(t, f.provider.WalletID).Equal(dec("1.0")))
	assert.True(t, f.balance(t, f.fees.WalletID).Equal(dec("0.025")))
}

func TestReleaseConflictOnDifferingReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, esc.EscrowID, ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		FeeWalletID:      f.fees.WalletID,
		ActualCost:       dec("1.0"),
	})
	require.NoError(t, err)

	_, err = f.engine.Release(ctx, esc.EscrowID, ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		FeeWalletID:      f.fees.WalletID,
		ActualCost:       dec("0.5"),
	})
	assert.Equal(t, apierr.CodeConflict, apierr.CodeOf(err))
}

func TestCancelRefundsInFull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	out, err := f.engine.Cancel(ctx, esc.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, out.Status)
	assert.True(t, f.balance(t, f.payer.WalletID).Equal(dec("100")))
	assert.True(t, out.Remaining().IsZero())
}

func TestExpireBehavesAsCancelWithDistinctStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	out, err := f.engine.Expire(ctx, esc.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, out.Status)
	assert.True(t, f.balance(t, f.payer.WalletID).Equal(dec("100")))

	// Expiring again is an idempotent no-op; cancelling after is a conflict.
	again, err := f.engine.Expire(ctx, esc.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, again.Status)
	_, err = f.engine.Cancel(ctx, esc.EscrowID)
	assert.Equal(t, apierr.CodeConflict, apierr.CodeOf(err))
}

func TestPartialReleaseKeepsRemainderLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	out, err := f.engine.Release(ctx, esc.EscrowID, ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		ActualCost:       dec("0.4"),
		Partial:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyReleased, out.Status)
	assert.True(t, f.balance(t, f.provider.WalletID).Equal(dec("0.4")))
	assert.True(t, out.Remaining().Equal(dec("0.625")))

	// Final release settles the rest.
	final, err := f.engine.Release(ctx, esc.EscrowID, ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		FeeWalletID:      f.fees.WalletID,
		ActualCost:       dec("0.6"),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, final.Status)
	assert.True(t, f.balance(t, f.provider.WalletID).Equal(dec("1.0")))
	assert.True(t, f.balance(t, f.fees.WalletID).Equal(dec("0.025")))
	assert.True(t, final.Remaining().IsZero())
}

func TestPartialReleaseIdenticalReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	req := ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		ActualCost:       dec("0.4"),
		Partial:          true,
	}
	first, err := f.engine.Release(ctx, esc.EscrowID, req)
	require.NoError(t, err)

	second, err := f.engine.Release(ctx, esc.EscrowID, req)
	require.NoError(t, err)

	// The replay answers from the stored result without paying again.
	assert.Equal(t, StatusPartiallyReleased, second.Status)
	assert.True(t, second.ReleasedAmount.Equal(first.ReleasedAmount))
	assert.True(t, f.balance(t, f.provider.WalletID).Equal(dec("0.4")))
	assert.True(t, second.Remaining().Equal(dec("0.625")))
}

func TestReplayAfterRefundFailureDoesNotRepayLegs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)

	// Losing the payer wallet makes the surplus refund leg fail.
	require.NoError(t, f.store.Delete(ctx, store.KindWallet, f.payer.WalletID))

	req := ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		FeeWalletID:      f.fees.WalletID,
		ActualCost:       dec("0.8"),
	}
	first, err := f.engine.Release(ctx, esc.EscrowID, req)
	require.NoError(t, err)
	require.Equal(t, StatusPartiallyReleased, first.Status)
	require.Equal(t, 1, f.engine.DeadLetters().Len())

	second, err := f.engine.Release(ctx, esc.EscrowID, req)
	require.NoError(t, err)

	// Provider and fee legs ran exactly once.
	assert.Equal(t, StatusPartiallyReleased, second.Status)
	assert.True(t, f.balance(t, f.provider.WalletID).Equal(dec("0.8")))
	assert.True(t, f.balance(t, f.fees.WalletID).Equal(dec("0.025")))
	assert.Equal(t, 1, f.engine.DeadLetters().Len())
}

func TestReconcilerAuditPassesOnCleanState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	esc, err := f.engine.Create(ctx, "task-1", "payer", f.payer.WalletID, "USDC", dec("1.0"), dec("0.025"), time.Hour)
	require.NoError(t, err)
	_, err = f.engine.Release(ctx, esc.EscrowID, ReleaseRequest{
		ProviderWalletID: f.provider.WalletID,
		FeeWalletID:      f.fees.WalletID,
		ActualCost:       dec("1.0"),
	})
	require.NoError(t, err)

	rec := NewReconciler(f.engine, f.store, f.ledger, time.Minute)
	rec.RunOnce(ctx)
	assert.Zero(t, f.engine.DeadLetters().Len())
}

func TestCompensationStackUnwindsLIFO(t *testing.T) {
	var order []string
	comp := NewCompensationStack("esc-1")
	comp.Push(Step{Name: "first", Run: func(context.Context) error { order = append(order, "first"); return nil }})
	comp.Push(Step{Name: "second", Run: func(context.Context) error { order = append(order, "second"); return nil }})

	dead := comp.Unwind(context.Background())
	assert.Empty(t, dead)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestCompensationStackDeadLettersFailedSteps(t *testing.T) {
	comp := NewCompensationStack("esc-1")
	comp.Push(Step{Name: "poison", Run: func(context.Context) error { return assert.AnError }})

	dead := comp.Unwind(context.Background())
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].Step)
	assert.Equal(t, "esc-1", dead[0].EscrowID)
}
