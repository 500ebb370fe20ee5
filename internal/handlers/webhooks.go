package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/middleware"
	"github.com/payfabric/backend/internal/webhooks"
)

// RegisterWebhook subscribes an endpoint owned by the authenticated agent.
func RegisterWebhook(reg *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := middleware.AgentFrom(r.Context())
		if agent == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}
		var sub webhooks.Subscription
		if err := decodeJSON(r, &sub); err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		sub.AgentID = agent

		out, err := reg.Register(&sub)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

// ListWebhooks returns the authenticated agent's subscriptions.
func ListWebhooks(reg *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := middleware.AgentFrom(r.Context())
		if agent == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"webhooks": reg.ListByAgent(agent)})
	}
}

// DeleteWebhook removes a subscription.
func DeleteWebhook(reg *webhooks.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := middleware.AgentFrom(r.Context())
		if agent == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}
		if err := reg.Remove(mux.Vars(r)["id"], agent); err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
