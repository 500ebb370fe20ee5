// Package handlers holds the HTTP surface. Each handler is a constructor
// taking its service dependencies and returning an http.HandlerFunc, wired
// onto the router in cmd/server.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/payfabric/backend/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON parses the request body, surfacing malformed payloads as
// VALIDATION_ERROR.
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Wrap(apierr.CodeValidation, "malformed JSON body", err)
	}
	return nil
}
