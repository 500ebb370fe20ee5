package store

import (
	"context"
	"sync"
	"time"
)

// Action enumerates the transaction log verbs.
type Action string

const (
	ActionCreated   Action = "created"
	ActionAccepted  Action = "accepted"
	ActionCompleted Action = "completed"
	ActionCancelled Action = "cancelled"
	ActionExpired   Action = "expired"
	ActionRefunded  Action = "refunded"
	ActionReleased  Action = "released"
)

// LogEntry is one append-only transaction log record. Seq is assigned by
// the log and is strictly monotonic, so (TS, Seq) totally orders entries
// even when two appends share a timestamp.
type LogEntry struct {
	Seq     uint64    `json:"seq"`
	TS      time.Time `json:"ts"`
	TaskID  string    `json:"task_id"`
	Action  Action    `json:"action"`
	Details string    `json:"details,omitempty"`
	Amount  string    `json:"amount,omitempty"`
	Asset   string    `json:"asset,omitempty"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
}

// TxLog is the append-only transaction log. Append must be durable before
// the caller acknowledges the matching state mutation (write-ahead
// ordering); replay after a crash re-derives entity state from here.
type TxLog interface {
	Append(ctx context.Context, e LogEntry) (LogEntry, error)
	// ByTask returns all entries for one task in append order.
	ByTask(ctx context.Context, taskID string) ([]LogEntry, error)
	// ByAgent returns entries where the agent appears as either leg,
	// newest last, capped at limit (0 = no cap).
	ByAgent(ctx context.Context, agentID string, limit int) ([]LogEntry, error)
	// Replay invokes fn for every entry in global order; returning false
	// stops the scan.
	Replay(ctx context.Context, fn func(LogEntry) bool) error
}

// MemoryLog is the single-process log.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []LogEntry
	seq     uint64
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, e LogEntry) (LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e.Seq = l.seq
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *MemoryLog) ByTask(_ context.Context, taskID string) ([]LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []LogEntry
	for _, e := range l.entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *MemoryLog) ByAgent(_ context.Context, agentID string, limit int) ([]LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []LogEntry
	for _, e := range l.entries {
		if e.From == agentID || e.To == agentID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (l *MemoryLog) Replay(_ context.Context, fn func(LogEntry) bool) error {
	l.mu.RLock()
	snapshot := make([]LogEntry, len(l.entries))
	copy(snapshot, l.entries)
	l.mu.RUnlock()

	for _, e := range snapshot {
		if !fn(e) {
			return nil
		}
	}
	return nil
}
