// Package models provides data model definitions for the Pokébrowser core.
package models

import "time"

// HistoryEntry records that a species has been owned at least once,
// independent of current possession. At most one entry exists per
// (user, species); FirstCaughtAt is immutable after creation — the
// earliest catch wins and releases never remove the entry.
type HistoryEntry struct {
	UserID        string `db:"user_id" json:"user_id,omitempty"`
	SpeciesID     int    `db:"species_id" json:"species_id"`
	FirstCaughtAt int64  `db:"first_caught_at" json:"first_caught_at"` // epoch milliseconds, UTC
}

// TableName returns the remote table name for history entries.
func (HistoryEntry) TableName() string {
	return "pokedex_history"
}

// FirstCaughtAtTime returns FirstCaughtAt as time.Time.
func (h *HistoryEntry) FirstCaughtAtTime() time.Time {
	return time.UnixMilli(h.FirstCaughtAt).UTC()
}
