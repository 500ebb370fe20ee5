package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/identity"
	"github.com/payfabric/backend/internal/wallet"
)

type createAgentRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type createAgentResponse struct {
	Agent  *identity.Agent `json:"agent"`
	APIKey string          `json:"api_key"`
	Wallet *wallet.Wallet  `json:"wallet"`
}

// CreateAgent registers an agent and provisions its wallet. The raw API key
// appears in this response and nowhere else.
func CreateAgent(agents *identity.Service, ledger *wallet.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID := r.Header.Get("X-User-Id")
		if ownerID == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "missing X-User-Id header"))
			return
		}

		var req createAgentRequest
		if err := decodeJSON(r, &req); err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		if req.Name == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeValidation, "name is required"))
			return
		}

		agent, rawKey, err := agents.CreateAgent(r.Context(), req.Name, ownerID, req.Description, req.Tags)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		wlt, err := ledger.CreateWallet(r.Context(), agent.AgentID, wallet.TypeCustodial)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, createAgentResponse{Agent: agent, APIKey: rawKey, Wallet: wlt})
	}
}

// GetAgent returns one agent's public record.
func GetAgent(agents *identity.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := agents.GetAgent(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, agent)
	}
}

// GetAgentWallet returns the agent's balances.
func GetAgentWallet(ledger *wallet.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wlt, err := ledger.WalletForAgent(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"wallet_id": wlt.WalletID,
			"agent_id":  wlt.AgentID,
			"address":   wlt.Address,
			"type":      wlt.Type,
			"balances":  wlt.Balances,
		})
	}
}
