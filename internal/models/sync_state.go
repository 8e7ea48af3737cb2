// Package models provides data model definitions for the Pokébrowser core.
package models

// SyncStatus is the user-visible sync state. Raw error text stays in logs;
// the UI only ever sees one of these.
type SyncStatus string

const (
	SyncStatusLocalOnly SyncStatus = "local-only"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusError     SyncStatus = "error"
)

// SyncState is the process-wide sync bookkeeping, lifecycle = session.
type SyncState struct {
	LastPushedHash string
	SyncInFlight   bool
	PendingRetry   bool
}

// Reset returns the state to its initial values. Called on logout.
func (s *SyncState) Reset() {
	s.LastPushedHash = ""
	s.SyncInFlight = false
	s.PendingRetry = false
}
