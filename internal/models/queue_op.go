// Package models provides data model definitions for the Pokébrowser core.
package models

import "encoding/json"

// QueuedOp is a deferred remote operation captured while sync was not
// possible (offline or logged out). Drained by the scheduler once the
// auth gate opens again.
type QueuedOp struct {
	ID          string          `db:"id" json:"id"`
	Operation   string          `db:"operation" json:"operation"` // push, history_upsert, ledger_credit, ledger_debit
	Payload     json.RawMessage `db:"payload" json:"payload"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	Status      string          `db:"status" json:"status"` // pending, in_progress, failed, completed
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
}
