// Package sync reconciles the local item collection with the remote store.
package sync

import (
	"context"
	syncpkg "sync"
	"time"

	"github.com/pokebrowser/core/internal/auth"
	"github.com/pokebrowser/core/internal/collection"
	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/localstore"
	"github.com/pokebrowser/core/internal/logging"
	"github.com/pokebrowser/core/internal/models"
	"github.com/pokebrowser/core/internal/remote"
	"github.com/pokebrowser/core/internal/security"
)

// Rate-limiter operation name shared by push and pull.
const opSync = "sync"

// EngineConfig holds sync engine tuning.
type EngineConfig struct {
	BatchSize    int // rows per insert batch, default 20
	BatchCeiling int // hard cap, default 50
}

// Engine performs bidirectional reconciliation between the local
// collection blob and the remote item table.
//
// A single in-flight flag serializes push AND pull: the source design only
// coalesced push against push, which let a login-triggered pull interleave
// with a storage-triggered push and re-push freshly merged items. Guarding
// both directions with one flag closes that window.
type Engine struct {
	local     localstore.Store
	remote    remote.Store
	gate      *auth.Gate
	validator *security.Validator
	limiter   *security.RateLimiter
	batchSize int

	mu     syncpkg.Mutex
	state  models.SyncState
	status models.SyncStatus
}

// NewEngine creates a sync Engine.
func NewEngine(local localstore.Store, rs remote.Store, gate *auth.Gate, validator *security.Validator, limiter *security.RateLimiter, cfg EngineConfig) *Engine {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 20
	}
	ceiling := cfg.BatchCeiling
	if ceiling <= 0 || ceiling > 50 {
		ceiling = 50
	}
	if batch > ceiling {
		batch = ceiling
	}
	return &Engine{
		local:     local,
		remote:    rs,
		gate:      gate,
		validator: validator,
		limiter:   limiter,
		batchSize: batch,
		status:    models.SyncStatusLocalOnly,
	}
}

// PushResult reports what a push did.
type PushResult struct {
	Synced         int    // items inserted remotely
	Dropped        int    // items dropped by validation
	HistoryTouched int    // distinct species upserted into history
	Coalesced      bool   // queued behind an in-flight sync
	UpToDate       bool   // hash short-circuit hit
	Skipped        bool   // gate closed or rate limited, nothing attempted
	Reason         string // why Skipped
	RetryAfter     time.Duration
}

// PullResult reports what a pull did.
type PullResult struct {
	Merged   bool // local blob was rewritten
	NewCount int  // remote-only items introduced
	Skipped  bool
	Reason   string
}

// Status returns the user-visible sync status.
func (e *Engine) Status() models.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// State returns a snapshot of the sync bookkeeping.
func (e *Engine) State() models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reset returns the engine to its initial state. Called on logout.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Reset()
	e.status = models.SyncStatusLocalOnly
}

// PushLocalToRemote pushes items not yet present remotely. Skips entirely
// when the auth gate is closed. Skips when the collection hash equals the
// last pushed hash, unless force is set. A second call arriving while a
// sync is in flight is coalesced into a single pending retry executed
// after the in-flight sync completes — never run concurrently, never
// simply dropped.
func (e *Engine) PushLocalToRemote(ctx context.Context, items []models.Item, force bool) (*PushResult, error) {
	if !e.gate.CanSync() {
		e.setStatus(models.SyncStatusLocalOnly)
		return &PushResult{Skipped: true, Reason: "sync unavailable"}, nil
	}

	if ok, retryAfter := e.limiter.Allow(opSync, e.gate.UserID()); !ok {
		return &PushResult{Skipped: true, Reason: "rate limited", RetryAfter: retryAfter},
			apperrors.Newf(apperrors.ErrRateLimit, "sync rate limit exceeded, retry in %s", retryAfter)
	}

	if !e.acquire() {
		e.mu.Lock()
		e.state.PendingRetry = true
		e.mu.Unlock()
		return &PushResult{Coalesced: true}, nil
	}

	result, err := e.doPush(ctx, items, force)
	e.release()

	if retry := e.takePendingRetry(); retry {
		// Re-read the collection: the coalesced caller may have changed
		// it while the first push was on the wire.
		fresh, loadErr := e.loadLocalItems(ctx)
		if loadErr != nil {
			logging.Error("failed to reload collection for coalesced push", loadErr)
			return result, err
		}
		if e.acquire() {
			retryResult, retryErr := e.doPush(ctx, fresh, false)
			e.release()
			if retryErr == nil {
				if result == nil {
					// First push failed; the retry carried the sync.
					result, err = retryResult, nil
				} else {
					result.Synced += retryResult.Synced
					result.HistoryTouched += retryResult.HistoryTouched
				}
			}
		}
	}

	return result, err
}

// ForceSyncNow bypasses the unchanged-hash short-circuit. Used right after
// actions that are guaranteed to have changed the collection.
func (e *Engine) ForceSyncNow(ctx context.Context, items []models.Item) (*PushResult, error) {
	return e.PushLocalToRemote(ctx, items, true)
}

// PullRemoteToLocal fetches the user's remote items and merges them into
// the local blob with identity-triple dedup (local wins ties). The blob is
// rewritten only when the merged hash differs from the pre-merge local
// hash, so unchanged pulls cause no storage writes and no re-renders.
func (e *Engine) PullRemoteToLocal(ctx context.Context) (*PullResult, error) {
	if !e.gate.CanSync() {
		e.setStatus(models.SyncStatusLocalOnly)
		return &PullResult{Skipped: true, Reason: "sync unavailable"}, nil
	}

	if ok, retryAfter := e.limiter.Allow(opSync, e.gate.UserID()); !ok {
		return &PullResult{Skipped: true, Reason: "rate limited"},
			apperrors.Newf(apperrors.ErrRateLimit, "sync rate limit exceeded, retry in %s", retryAfter)
	}

	if !e.acquire() {
		return &PullResult{Skipped: true, Reason: "sync in flight"}, nil
	}
	defer e.release()

	e.setStatus(models.SyncStatusSyncing)

	var rows []models.ItemRow
	err := e.remote.From(remote.TableItems).
		Select().
		Eq("user_id", e.gate.UserID()).
		Get(ctx, &rows)
	if err != nil {
		e.setStatus(models.SyncStatusError)
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "pull failed", err)
	}

	remoteItems := make([]models.Item, 0, len(rows))
	for i := range rows {
		remoteItems = append(remoteItems, rows[i].ToItem())
	}

	local, err := e.loadLocalItems(ctx)
	if err != nil {
		e.setStatus(models.SyncStatusError)
		return nil, err
	}

	preHash := collection.Hash(local)
	merged := collection.Merge(local, remoteItems)
	mergedHash := collection.Hash(merged.Items)

	result := &PullResult{NewCount: merged.NewCount}
	if mergedHash != preHash {
		if err := localstore.SetJSON(ctx, e.local, localstore.KeyCollection, merged.Items); err != nil {
			e.setStatus(models.SyncStatusError)
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to write merged collection", err)
		}
		result.Merged = true
	}

	e.setStatus(models.SyncStatusSynced)
	logging.Info("pull complete", map[string]interface{}{
		"remote_items": len(remoteItems),
		"new_items":    merged.NewCount,
		"merged":       result.Merged,
	})
	return result, nil
}

// doPush runs one push. Caller holds the in-flight flag.
func (e *Engine) doPush(ctx context.Context, items []models.Item, force bool) (*PushResult, error) {
	hash := collection.Hash(items)

	e.mu.Lock()
	lastHash := e.state.LastPushedHash
	e.mu.Unlock()

	if !force && hash == lastHash {
		e.setStatus(models.SyncStatusSynced)
		return &PushResult{UpToDate: true}, nil
	}

	e.setStatus(models.SyncStatusSyncing)
	userID := e.gate.UserID()

	// Existing remote keys, for identity-triple dedup.
	var existing []models.ItemRow
	err := e.remote.From(remote.TableItems).
		Select("species_id", "origin_site", "caught_at").
		Eq("user_id", userID).
		Get(ctx, &existing)
	if err != nil {
		e.setStatus(models.SyncStatusError)
		return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to read remote keys", err)
	}

	remoteKeys := make(map[string]struct{}, len(existing))
	for i := range existing {
		item := existing[i].ToItem()
		remoteKeys[item.IdentityKey()] = struct{}{}
	}

	result := &PushResult{}
	toInsert := make([]models.ItemRow, 0, len(items))
	speciesEarliest := make(map[int]int64)

	for i := range items {
		item := items[i]
		if _, present := remoteKeys[item.IdentityKey()]; present {
			continue
		}
		if err := e.validator.ValidateItem(&item); err != nil {
			// Invalid items are dropped with a warning, not fatal to
			// the batch.
			logging.Warn("dropping invalid item from push", map[string]interface{}{
				"species_id": item.SpeciesID,
				"reason":     err.Error(),
			})
			result.Dropped++
			continue
		}
		item = e.validator.SanitizeItem(item)
		toInsert = append(toInsert, item.ToRow(userID))
		if first, ok := speciesEarliest[item.SpeciesID]; !ok || item.CaughtAt < first {
			speciesEarliest[item.SpeciesID] = item.CaughtAt
		}
	}

	if len(toInsert) == 0 {
		e.finishPush(hash)
		return result, nil
	}

	for start := 0; start < len(toInsert); start += e.batchSize {
		end := start + e.batchSize
		if end > len(toInsert) {
			end = len(toInsert)
		}
		batch := toInsert[start:end]
		if err := e.remote.From(remote.TableItems).Insert(ctx, batch); err != nil {
			// Abort remaining batches; no partial-retry-forward. The
			// next sync re-reads remote keys and picks up the rest.
			e.setStatus(models.SyncStatusError)
			result.Synced = start
			return result, apperrors.Wrap(apperrors.ErrSyncFailed, "insert batch failed", err)
		}
		result.Synced = end
	}

	historyRows := make([]models.HistoryEntry, 0, len(speciesEarliest))
	for speciesID, firstCaught := range speciesEarliest {
		historyRows = append(historyRows, models.HistoryEntry{
			UserID:        userID,
			SpeciesID:     speciesID,
			FirstCaughtAt: firstCaught,
		})
	}
	if len(historyRows) > 0 {
		err := e.remote.From(remote.TableHistory).
			Upsert(ctx, historyRows, "user_id,species_id")
		if err != nil {
			// History is best-effort here; the tracker's own write path
			// reconciles it on the next catch.
			logging.Warn("history upsert after push failed", map[string]interface{}{
				"species": len(historyRows),
				"error":   err.Error(),
			})
		} else {
			result.HistoryTouched = len(historyRows)
		}
	}

	e.finishPush(hash)
	logging.Info("push complete", map[string]interface{}{
		"synced":  result.Synced,
		"dropped": result.Dropped,
		"history": result.HistoryTouched,
	})
	return result, nil
}

func (e *Engine) finishPush(hash string) {
	e.mu.Lock()
	e.state.LastPushedHash = hash
	e.status = models.SyncStatusSynced
	e.mu.Unlock()
}

func (e *Engine) setStatus(status models.SyncStatus) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

// acquire takes the single sync-in-flight flag. Returns false if a sync
// is already running.
func (e *Engine) acquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.SyncInFlight {
		return false
	}
	e.state.SyncInFlight = true
	return true
}

func (e *Engine) release() {
	e.mu.Lock()
	e.state.SyncInFlight = false
	e.mu.Unlock()
}

func (e *Engine) takePendingRetry() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	retry := e.state.PendingRetry
	e.state.PendingRetry = false
	return retry
}

func (e *Engine) loadLocalItems(ctx context.Context) ([]models.Item, error) {
	var items []models.Item
	if _, err := localstore.GetJSON(ctx, e.local, localstore.KeyCollection, &items); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to read local collection", err)
	}
	return items, nil
}
