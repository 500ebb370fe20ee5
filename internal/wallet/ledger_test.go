package wallet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payfabric/backend/internal/actor"
	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, *actor.Runtime) {
	t.Helper()
	rt := actor.NewRuntime(4)
	t.Cleanup(func() { rt.Shutdown(time.Second) })
	return NewLedger(store.NewMemoryStore(), rt, nil), rt
}

func TestCreateWalletAndLookup(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	w, err := ledger.CreateWallet(ctx, "agent-1", TypeCustodial)
	require.NoError(t, err)
	assert.NotEmpty(t, w.WalletID)
	assert.Equal(t, "agent-1", w.AgentID)

	byAgent, err := ledger.WalletForAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, w.WalletID, byAgent.WalletID)

	_, err = ledger.WalletForAgent(ctx, "nobody")
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}

func TestCreditAndDebit(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	w, err := ledger.CreateWallet(ctx, "agent-1", TypeCustodial)
	require.NoError(t, err)

	require.NoError(t, ledger.Credit(ctx, w.WalletID, "USDC", decimal.NewFromFloat(100), "seed"))
	require.NoError(t, ledger.Debit(ctx, w.WalletID, "USDC", decimal.NewFromFloat(1.025), "lock"))

	bal, err := ledger.GetBalance(ctx, w.WalletID, "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromFloat(98.975)), "got %s", bal)
}

func TestDebitInsufficientBalance(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	w, err := ledger.CreateWallet(ctx, "agent-1", TypeCustodial)
	require.NoError(t, err)

	require.NoError(t, ledger.Credit(ctx, w.WalletID, "USDC", decimal.NewFromFloat(0.5), "seed"))

	err = ledger.Debit(ctx, w.WalletID, "USDC", decimal.NewFromFloat(1.025), "lock")
	assert.Equal(t, apierr.CodeInsufficientBalance, apierr.CodeOf(err))

	// The failed debit must leave the balance untouched.
	bal, err := ledger.GetBalance(ctx, w.WalletID, "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromFloat(0.5)), "got %s", bal)
}

func TestDebitUnknownWallet(t *testing.T) {
	ledger, _ := newTestLedger(t)
	err := ledger.Debit(context.Background(), "missing", "USDC", decimal.NewFromInt(1), "x")
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}

func TestConcurrentMovesNeverGoNegative(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	w, err := ledger.CreateWallet(ctx, "agent-1", TypeCustodial)
	require.NoError(t, err)
	require.NoError(t, ledger.Credit(ctx, w.WalletID, "USDC", decimal.NewFromInt(10), "seed"))

	// 50 concurrent unit debits against a balance of 10: exactly 10 may
	// succeed, the rest fail, and the balance ends at zero.
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ledger.Debit(ctx, w.WalletID, "USDC", decimal.NewFromInt(1), "spend"); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	bal, err := ledger.GetBalance(ctx, w.WalletID, "USDC")
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "got %s", bal)
}

func TestQuantize(t *testing.T) {
	got := Quantize("USDC", decimal.RequireFromString("1.23456789"))
	assert.Equal(t, "1.234568", got.String())

	eth := Quantize("ETH", decimal.RequireFromString("0.123456789012345678901"))
	assert.Equal(t, "0.123456789012345679", eth.String())
}
