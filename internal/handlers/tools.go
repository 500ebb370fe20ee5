package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/middleware"
	"github.com/payfabric/backend/internal/registry"
)

// RegisterTool creates or replaces a tool manifest authored by the
// authenticated agent.
func RegisterTool(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		author := middleware.AgentFrom(r.Context())
		if author == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}

		var m registry.Manifest
		if err := decodeJSON(r, &m); err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		m.AuthorAgentID = author

		out, err := reg.Register(r.Context(), &m)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

// GetTool returns one active manifest.
func GetTool(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := reg.GetTool(r.Context(), mux.Vars(r)["name"])
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

// ListTools returns all active manifests.
func ListTools(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tools, err := reg.List(r.Context())
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tools": tools})
	}
}

// DeleteTool tombstones a manifest.
func DeleteTool(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := middleware.AgentFrom(r.Context())
		if actor == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}
		if err := reg.Delete(r.Context(), mux.Vars(r)["name"], actor); err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
