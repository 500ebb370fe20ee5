package middleware

import (
	"context"
	"log"
	"net/http"

	"github.com/payfabric/backend/internal/apierr"
	"github.com/payfabric/backend/internal/identity"
)

type contextKey string

const agentKey contextKey = "agent_id"

// AgentFrom returns the authenticated agent id, or "" when the request was
// anonymous.
func AgentFrom(ctx context.Context) string {
	if v, ok := ctx.Value(agentKey).(string); ok {
		return v
	}
	return ""
}

// WithAgent stamps an agent id into a context. Tests use it to fake auth.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey, agentID)
}

// Auth validates X-API-Key and stamps the agent into the request context.
type Auth struct {
	agents *identity.Service
	logger *log.Logger
}

// NewAuth creates the middleware.
func NewAuth(agents *identity.Service) *Auth {
	return &Auth{
		agents: agents,
		logger: log.New(log.Writer(), "[Auth] ", log.LstdFlags),
	}
}

// Require rejects requests without a valid key.
func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-API-Key")
		if raw == "" {
			apierr.WriteHTTP(w, apierr.New(apierr.CodeUnauthorized, "missing X-API-Key header"))
			return
		}
		agent, err := a.agents.ValidateAPIKey(r.Context(), raw)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent.AgentID)))
	})
}

// Optional stamps the agent when a valid key is present but lets anonymous
// requests through. Read-only endpoints use it so rate limiting can still
// key by agent.
func (a *Auth) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if raw := r.Header.Get("X-API-Key"); raw != "" {
			if agent, err := a.agents.ValidateAPIKey(r.Context(), raw); err == nil {
				r = r.WithContext(WithAgent(r.Context(), agent.AgentID))
			}
		}
		next.ServeHTTP(w, r)
	})
}
