package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/middleware"
	"github.com/payfabric/backend/internal/orchestrator"
)

// CreateTask opens a task on behalf of the authenticated payer.
func CreateTask(orc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payer := middleware.AgentFrom(r.Context())
		if payer == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}

		var req orchestrator.CreateRequest
		if err := decodeJSON(r, &req); err != nil {
			apierr.WriteHTTP(w, err)
			return
		}

		task, err := orc.Create(r.Context(), payer, req)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, task)
	}
}

// GetTask returns current task state.
func GetTask(orc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := orc.Get(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// GetTaskLog returns the task's transaction log.
func GetTaskLog(orc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := orc.Log(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
	}
}

// AcceptTask lets the provider take a pending task.
func AcceptTask(orc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := middleware.AgentFrom(r.Context())
		if actor == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}
		task, err := orc.Accept(r.Context(), mux.Vars(r)["id"], actor)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

// CompleteTask settles an in-progress task with the provider's result. The
// body is stored verbatim as the task result.
func CompleteTask(orc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := middleware.AgentFrom(r.Context())
		if actor == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			apierr.WriteHTTP(w, apierr.Wrap(apierr.CodeValidation, "read body", err))
			return
		}
		if len(body) > 0 && !json.Valid(body) {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeValidation, "result must be valid JSON"))
			return
		}

		task, err := orc.Complete(r.Context(), mux.Vars(r)["id"], actor, body)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelTask lets the payer abort a task.
func CancelTask(orc *orchestrator.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor := middleware.AgentFrom(r.Context())
		if actor == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "authentication required"))
			return
		}
		var req cancelRequest
		// Body is optional on cancel.
		decodeJSON(r, &req)

		task, err := orc.Cancel(r.Context(), mux.Vars(r)["id"], actor, req.Reason)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}
