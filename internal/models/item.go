// Package models provides data model definitions for the Pokébrowser core.
package models

import (
	"fmt"
	"strconv"
	"time"
)

// Species ID bounds for the national dex range we accept.
const (
	MinSpeciesID = 1
	MaxSpeciesID = 1025
)

// Item represents a caught collectible currently in the user's possession.
//
// Identity for dedup purposes is the (SpeciesID, OriginSite, CaughtAt)
// triple, not a surrogate key: items caught while offline never receive a
// remote id until they are synced, so the triple is the only stable key
// both tiers agree on.
type Item struct {
	SpeciesID     int    `db:"species_id" json:"speciesId"`
	DisplayName   string `db:"display_name" json:"displayName"`
	CaughtAt      int64  `db:"caught_at" json:"caughtAt"` // epoch milliseconds, UTC
	OriginSite    string `db:"origin_site" json:"originSite"`
	IsRareVariant bool   `db:"is_rare_variant" json:"isRareVariant"`
	Level         int    `db:"level" json:"level,omitempty"` // 0 means unset
}

// NewItem constructs an Item and validates its fields.
func NewItem(speciesID int, displayName string, caughtAt time.Time, originSite string) (*Item, error) {
	item := &Item{
		SpeciesID:   speciesID,
		DisplayName: displayName,
		CaughtAt:    caughtAt.UTC().UnixMilli(),
		OriginSite:  originSite,
	}
	if err := item.Validate(); err != nil {
		return nil, err
	}
	return item, nil
}

// Validate checks structural invariants that hold regardless of where the
// item came from. Security bounds (length caps, future timestamps) are the
// validator's job; this only rejects items that cannot exist at all.
func (i *Item) Validate() error {
	if i.SpeciesID < MinSpeciesID || i.SpeciesID > MaxSpeciesID {
		return fmt.Errorf("species id %d out of range [%d, %d]", i.SpeciesID, MinSpeciesID, MaxSpeciesID)
	}
	if i.CaughtAt <= 0 {
		return fmt.Errorf("caught_at must be a positive epoch timestamp, got %d", i.CaughtAt)
	}
	if i.OriginSite == "" {
		return fmt.Errorf("origin_site is required")
	}
	if i.Level != 0 && (i.Level < 1 || i.Level > 100) {
		return fmt.Errorf("level %d out of range [1, 100]", i.Level)
	}
	return nil
}

// IdentityKey returns the dedup key string for the identity triple.
func (i *Item) IdentityKey() string {
	return strconv.Itoa(i.SpeciesID) + "-" + i.OriginSite + "-" + strconv.FormatInt(i.CaughtAt, 10)
}

// CaughtAtTime returns CaughtAt as time.Time.
func (i *Item) CaughtAtTime() time.Time {
	return time.UnixMilli(i.CaughtAt).UTC()
}

// TableName returns the remote table name for items.
func (Item) TableName() string {
	return "pokemon"
}

// ItemRow is the remote row shape for an Item. Column names follow the
// remote schema; UserID is filled in at push time from the session.
type ItemRow struct {
	UserID        string `json:"user_id"`
	SpeciesID     int    `json:"species_id"`
	DisplayName   string `json:"display_name"`
	CaughtAt      int64  `json:"caught_at"`
	OriginSite    string `json:"origin_site"`
	IsRareVariant bool   `json:"is_rare_variant"`
	Level         int    `json:"level,omitempty"`
}

// ToRow converts an Item to its remote row shape for the given user.
func (i *Item) ToRow(userID string) ItemRow {
	return ItemRow{
		UserID:        userID,
		SpeciesID:     i.SpeciesID,
		DisplayName:   i.DisplayName,
		CaughtAt:      i.CaughtAt,
		OriginSite:    i.OriginSite,
		IsRareVariant: i.IsRareVariant,
		Level:         i.Level,
	}
}

// ToItem converts a remote row back to the local Item shape.
func (r *ItemRow) ToItem() Item {
	return Item{
		SpeciesID:     r.SpeciesID,
		DisplayName:   r.DisplayName,
		CaughtAt:      r.CaughtAt,
		OriginSite:    r.OriginSite,
		IsRareVariant: r.IsRareVariant,
		Level:         r.Level,
	}
}
