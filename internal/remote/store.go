// Package remote provides the client for the hosted relational data
// service. The service exposes table-scoped CRUD with equality filters
// over HTTPS; row visibility is enforced server-side per session, so every
// call must carry either the session token or the anonymous key.
package remote

import (
	"context"

	"github.com/pokebrowser/core/internal/models"
)

// Remote table names.
const (
	TableItems   = "pokemon"
	TableHistory = "pokedex_history"
	TableLedger  = "candy_ledger"
)

// Query is a single table-scoped operation under construction. Builder
// methods return the query for chaining; exactly one terminal method
// (Get, Insert, Update, Upsert, Delete) executes it.
type Query interface {
	// Select restricts the columns returned by Get.
	Select(columns ...string) Query

	// Eq adds an equality filter.
	Eq(column string, value interface{}) Query

	// Get executes a read and decodes the row array into dest, which
	// must be a pointer to a slice.
	Get(ctx context.Context, dest interface{}) error

	// Insert writes the given rows (a slice or single struct).
	Insert(ctx context.Context, rows interface{}) error

	// Update applies a column patch to all rows matching the filters.
	Update(ctx context.Context, patch map[string]interface{}) error

	// Upsert writes rows with insert-or-no-op semantics on the given
	// comma-separated conflict columns. Existing rows are never
	// overwritten.
	Upsert(ctx context.Context, rows interface{}, onConflict string) error

	// Delete removes all rows matching the filters.
	Delete(ctx context.Context) error
}

// Store is the remote data service handle.
type Store interface {
	// From starts a query against the named table.
	From(table string) Query

	// SetSession installs or clears (nil) the current session token.
	SetSession(s *models.Session)

	// Ready reports whether the client is initialized with an endpoint.
	Ready() bool
}
