// Package models provides data model definitions for the Pokébrowser core.
package models

// LedgerEntry is a per-family candy balance row, stored remotely only.
// FamilyID is the evolutionary base of a species line (see ledger.FamilyOf),
// never a raw species id. Balance is mutated only through the ledger
// service's read-modify-write and never goes negative.
type LedgerEntry struct {
	UserID   string `db:"user_id" json:"user_id,omitempty"`
	FamilyID int    `db:"family_id" json:"family_id"`
	Balance  int    `db:"balance" json:"balance"`
}

// TableName returns the remote table name for candy balances.
func (LedgerEntry) TableName() string {
	return "candy_ledger"
}
