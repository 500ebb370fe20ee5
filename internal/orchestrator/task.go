// Package orchestrator drives the per-task state machine that ties
// identity, escrow, the wallet ledger, and the tool registry together.
// Every mutation of one task runs on that task's actor, so transitions are
// totally ordered and terminal states are never left.
package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Terminal reports whether the state admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Payment is the task's payment declaration. Amount zero means "use the
// tool manifest's price".
type Payment struct {
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset,omitempty"`
}

// Options tunes one task.
type Options struct {
	TimeoutMS           int64   `json:"timeout_ms,omitempty"`
	RetryCount          int     `json:"retry_count,omitempty"`
	EstimateTokens      bool    `json:"estimate_tokens,omitempty"`
	EscrowBufferPercent float64 `json:"escrow_buffer_percent,omitempty"`
	Model               string  `json:"model,omitempty"`
}

// Task is one orchestrated operation.
type Task struct {
	TaskID      string          `json:"task_id"`
	FromAgentID string          `json:"from_agent_id"`
	ToAgentID   string          `json:"to_agent_id"`
	ToolName    string          `json:"tool_name"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Payment     Payment         `json:"payment"`
	Options     Options         `json:"options"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	EscrowID    string          `json:"escrow_id"`
	PlatformFee decimal.Decimal `json:"platform_fee"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailReason  string          `json:"fail_reason,omitempty"`
}

// CreateRequest is the payload for task creation.
type CreateRequest struct {
	ToAgentID  string          `json:"to_agent_id"`
	ToolName   string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Payment    Payment         `json:"payment"`
	Options    Options         `json:"options"`
}

// tokenUsage is the optional cost report a provider attaches to its result.
type tokenUsage struct {
	TotalTokens int64           `json:"total_tokens"`
	TotalCost   decimal.Decimal `json:"total_cost"`
}

// extractTokenUsage pulls result.tokenUsage when present.
func extractTokenUsage(result json.RawMessage) *tokenUsage {
	if len(result) == 0 {
		return nil
	}
	var envelope struct {
		TokenUsage *tokenUsage `json:"tokenUsage"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil
	}
	return envelope.TokenUsage
}

// resultError pulls a top-level error string out of a provider result.
func resultError(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return ""
	}
	return envelope.Error
}

// DefaultTaskTimeout is the last-resort deadline when neither the request
// nor the platform configuration carries one.
const DefaultTaskTimeout = 24 * time.Hour

// Timeout resolves the task's deadline duration. def is the platform
// default (ESCROW_TIMEOUT_MINUTES) and applies when the request carries no
// timeout_ms.
func (o Options) Timeout(def time.Duration) time.Duration {
	if o.TimeoutMS > 0 {
		return time.Duration(o.TimeoutMS) * time.Millisecond
	}
	if def > 0 {
		return def
	}
	return DefaultTaskTimeout
}
