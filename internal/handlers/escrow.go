package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/escrow"
	"github.com/payfabric/backend/internal/middleware"
	"github.com/payfabric/backend/internal/wallet"
)

// GetEscrow returns one escrow's state.
func GetEscrow(engine *escrow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		esc, err := engine.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, esc)
	}
}

type manualReleaseRequest struct {
	EscrowID    string          `json:"escrow_id"`
	ActualCost  decimal.Decimal `json:"actual_cost"`
	ToAgentID   string          `json:"to_agent_id"`
	Partial     bool            `json:"partial,omitempty"`
	FeeWalletID string          `json:"fee_wallet_id,omitempty"`
}

// ReleaseEscrow is the manual fallback path for operators and payers when
// the orchestrator's automatic settlement could not run. Only the payer may
// trigger it.
func ReleaseEscrow(engine *escrow.Engine, ledger *wallet.Ledger, feeWalletID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := middleware.AgentFrom(r.Context())
		if actor == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}

		var req manualReleaseRequest
		if err := decodeJSON(r, &req); err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		if req.EscrowID == "" || req.ToAgentID == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeValidation, "escrow_id and to_agent_id are required"))
			return
		}

		esc, err := engine.Get(r.Context(), req.EscrowID)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		if esc.PayerAgentID != actor {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeForbidden, "only the payer may release"))
			return
		}

		providerWallet, err := ledger.WalletForAgent(r.Context(), req.ToAgentID)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		feeWallet := req.FeeWalletID
		if feeWallet == "" {
			feeWallet = feeWalletID
		}

		out, err := engine.Release(r.Context(), req.EscrowID, escrow.ReleaseRequest{
			ProviderWalletID: providerWallet.WalletID,
			FeeWalletID:      feeWallet,
			ActualCost:       req.ActualCost,
			Partial:          req.Partial,
		})
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// EscrowDeadLetters exposes the unresolved compensation queue for
// operators.
func EscrowDeadLetters(engine *escrow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"dead_letters": engine.DeadLetters().Snapshot(),
		})
	}
}
