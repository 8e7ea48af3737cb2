// Package history maintains the set of species ever owned, independent of
// current possession. Releasing and re-catching never removes an entry.
package history

import (
	"context"
	"time"

	"github.com/pokebrowser/core/internal/auth"
	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/localstore"
	"github.com/pokebrowser/core/internal/logging"
	"github.com/pokebrowser/core/internal/models"
	"github.com/pokebrowser/core/internal/remote"
)

// Tracker owns ownership history across both storage tiers. The local
// write is the floor guarantee: it must succeed before any remote attempt,
// and remote failures never roll it back.
type Tracker struct {
	local  localstore.Store
	remote remote.Store
	gate   *auth.Gate
}

// NewTracker creates a Tracker.
func NewTracker(local localstore.Store, rs remote.Store, gate *auth.Gate) *Tracker {
	return &Tracker{local: local, remote: rs, gate: gate}
}

// RecordFirstCatch records that a species has been caught. Local history
// is written first and must succeed; the remote upsert is best-effort with
// conflict-ignore semantics, so an existing first-caught timestamp is
// never overwritten (earliest wins, immutable after creation).
func (t *Tracker) RecordFirstCatch(ctx context.Context, speciesID int, caughtAt time.Time) error {
	entries, err := t.loadLocal(ctx)
	if err != nil {
		return err
	}

	caughtMillis := caughtAt.UTC().UnixMilli()
	known := false
	for i := range entries {
		if entries[i].SpeciesID == speciesID {
			known = true
			// A re-catch never moves the first-caught timestamp; the
			// stored value is what any remote upsert must carry.
			caughtMillis = entries[i].FirstCaughtAt
			break
		}
	}

	if !known {
		entries = append(entries, models.HistoryEntry{
			SpeciesID:     speciesID,
			FirstCaughtAt: caughtMillis,
		})
		if err := localstore.SetJSON(ctx, t.local, localstore.KeyHistory, entries); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to write local history", err)
		}
	}

	if !t.gate.CanSync() {
		return nil
	}

	row := models.HistoryEntry{
		UserID:        t.gate.UserID(),
		SpeciesID:     speciesID,
		FirstCaughtAt: caughtMillis,
	}
	err = t.remote.From(remote.TableHistory).
		Upsert(ctx, []models.HistoryEntry{row}, "user_id,species_id")
	if err != nil {
		// Logged, not returned: the caller's catch already succeeded
		// locally and the migration path reconciles later.
		logging.Warn("remote history upsert failed", map[string]interface{}{
			"species_id": speciesID,
			"error":      err.Error(),
		})
	}
	return nil
}

// HistoryForUser returns the ownership history. When sync is possible the
// remote table is authoritative and is mirrored into the local blob;
// otherwise the local blob is returned as-is. Readiness is polled with the
// gate's bounded budget because session hydration can race the first read
// after startup.
func (t *Tracker) HistoryForUser(ctx context.Context) ([]models.HistoryEntry, error) {
	if err := t.gate.WaitReady(ctx); err != nil {
		// Expected while offline or logged out; local data is the answer.
		return t.loadLocal(ctx)
	}

	var rows []models.HistoryEntry
	err := t.remote.From(remote.TableHistory).
		Select().
		Eq("user_id", t.gate.UserID()).
		Get(ctx, &rows)
	if err != nil {
		logging.Warn("remote history read failed, falling back to local", map[string]interface{}{
			"error": err.Error(),
		})
		return t.loadLocal(ctx)
	}

	// Remote is authoritative once reachable: mirror it over local.
	mirror := make([]models.HistoryEntry, len(rows))
	for i, row := range rows {
		mirror[i] = models.HistoryEntry{SpeciesID: row.SpeciesID, FirstCaughtAt: row.FirstCaughtAt}
	}
	if err := localstore.SetJSON(ctx, t.local, localstore.KeyHistory, mirror); err != nil {
		logging.Warn("failed to mirror remote history locally", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return mirror, nil
}

// MigrateLocalToRemote drains local history into the remote table. Runs
// once on login: upserts only the local-only species (avoiding
// duplicate-key errors), then clears local history unconditionally — even
// when the local set was already fully represented remotely. That makes a
// second call a no-op and the operation idempotent.
func (t *Tracker) MigrateLocalToRemote(ctx context.Context) error {
	if !t.gate.CanSync() {
		return apperrors.New(apperrors.ErrSyncNotReady, "migration requires an active session")
	}

	local, err := t.loadLocal(ctx)
	if err != nil {
		return err
	}
	if len(local) == 0 {
		return nil
	}

	var remoteRows []models.HistoryEntry
	err = t.remote.From(remote.TableHistory).
		Select("species_id").
		Eq("user_id", t.gate.UserID()).
		Get(ctx, &remoteRows)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSyncFailed, "failed to read remote history", err)
	}

	remoteSpecies := make(map[int]struct{}, len(remoteRows))
	for i := range remoteRows {
		remoteSpecies[remoteRows[i].SpeciesID] = struct{}{}
	}

	userID := t.gate.UserID()
	toUpsert := make([]models.HistoryEntry, 0, len(local))
	for _, entry := range local {
		if _, present := remoteSpecies[entry.SpeciesID]; present {
			continue
		}
		entry.UserID = userID
		toUpsert = append(toUpsert, entry)
	}

	if len(toUpsert) > 0 {
		err = t.remote.From(remote.TableHistory).
			Upsert(ctx, toUpsert, "user_id,species_id")
		if err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "failed to migrate local history", err)
		}
	}

	// Clear local unconditionally: remote is authoritative from here on
	// and keeping a local copy invites dual-authority bugs.
	if err := localstore.SetJSON(ctx, t.local, localstore.KeyHistory, []models.HistoryEntry{}); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to clear local history", err)
	}

	logging.Info("history migration complete", map[string]interface{}{
		"migrated": len(toUpsert),
		"local":    len(local),
	})
	return nil
}

// FirstCaughtRecord returns the history entry for a species, or nil when
// authentication is unavailable or no row exists. "No history" is a
// normal state for callers, never an error.
func (t *Tracker) FirstCaughtRecord(ctx context.Context, speciesID int) (*models.HistoryEntry, error) {
	if !t.gate.CanSync() {
		return nil, nil
	}

	var rows []models.HistoryEntry
	err := t.remote.From(remote.TableHistory).
		Select().
		Eq("user_id", t.gate.UserID()).
		Eq("species_id", speciesID).
		Get(ctx, &rows)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "history lookup failed", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (t *Tracker) loadLocal(ctx context.Context) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	if _, err := localstore.GetJSON(ctx, t.local, localstore.KeyHistory, &entries); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read local history", err)
	}
	return entries, nil
}
