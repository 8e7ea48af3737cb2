package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pokebrowser/core/internal/auth"
	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/history"
	"github.com/pokebrowser/core/internal/ledger"
	"github.com/pokebrowser/core/internal/localstore"
	"github.com/pokebrowser/core/internal/logging"
	"github.com/pokebrowser/core/internal/models"
	"github.com/pokebrowser/core/internal/remote"
	"github.com/pokebrowser/core/internal/security"
	syncpkg "github.com/pokebrowser/core/internal/sync"
	"github.com/pokebrowser/core/internal/sync/queue"
)

// Candy rewards for collection mutations. Evolution cost arrives in the
// message because it varies per species line.
const (
	CatchCandyReward   = 3
	ReleaseCandyReward = 1
)

// Rate limiter operation names for surface-triggered mutations. The sync
// ceiling is enforced inside the engine.
const (
	opCatch   = "catch"
	opEvolve  = "evolve"
	opRelease = "release"
)

// Dispatcher maps inbound envelopes to service calls. It is the only
// caller of the ledger in the deployed extension; every surface mutation
// funnels through here so validation and rate limiting cannot be skipped.
type Dispatcher struct {
	local     localstore.Store
	remote    remote.Store
	engine    syncpkg.EngineInterface
	tracker   *history.Tracker
	ledger    *ledger.Service
	gate      *auth.Gate
	validator *security.Validator
	limiter   *security.RateLimiter
	queue     *queue.Queue

	hub *Hub
}

// NewDispatcher wires the dispatcher to the core services. The queue may
// be nil; deferred remote writes are then dropped with a warning.
func NewDispatcher(local localstore.Store, rs remote.Store, engine syncpkg.EngineInterface, tracker *history.Tracker, ledgerSvc *ledger.Service, gate *auth.Gate, validator *security.Validator, limiter *security.RateLimiter, q *queue.Queue) *Dispatcher {
	return &Dispatcher{
		local:     local,
		remote:    rs,
		engine:    engine,
		tracker:   tracker,
		ledger:    ledgerSvc,
		gate:      gate,
		validator: validator,
		limiter:   limiter,
		queue:     q,
	}
}

// AttachHub connects the dispatcher's outbound events to a hub.
func (d *Dispatcher) AttachHub(h *Hub) {
	d.hub = h
}

// Dispatch routes one inbound envelope. Sanitization covers payloads that
// end up in remote writes; the session envelope is exempt because access
// tokens legitimately exceed the sanitizer's string cap and never land in
// a table row.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	if env.Type == MsgAuthStateChanged {
		return d.handleAuthChanged(ctx, env.Data)
	}

	data := d.validator.SanitizeMap(env.Data)

	switch env.Type {
	case MsgPokemonCaught:
		return d.handleCaught(ctx, data)
	case MsgPokemonReleased:
		return d.handleReleased(ctx, data)
	case MsgPokemonEvolved:
		return d.handleEvolved(ctx, data)
	case MsgCollectionUpdated:
		// Pure fan-out so other surfaces re-read their views.
		if d.hub != nil {
			d.hub.Broadcast(EventCollectionUpdated, data)
		}
		return nil
	case MsgSyncNow:
		return d.handleSyncNow(ctx)
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown message type %q", env.Type)
	}
}

// handleAuthChanged applies a sign-in or sign-out. Sign-in runs the
// one-time history migration, an initial pull, and warms the candy cache.
func (d *Dispatcher) handleAuthChanged(ctx context.Context, data map[string]interface{}) error {
	raw, ok := data["session"]
	if !ok || raw == nil {
		d.signOut()
		return nil
	}

	var session models.Session
	if err := decodeField(data, "session", &session); err != nil {
		return err
	}
	if session.User.ID == "" || session.AccessToken == "" {
		return apperrors.New(apperrors.ErrInvalid, "session is missing user id or access token")
	}

	d.gate.SetSession(&session)
	logging.Info("session established", map[string]interface{}{"user_id": session.User.ID})

	if err := d.tracker.MigrateLocalToRemote(ctx); err != nil {
		logging.Warn("history migration failed, will retry on next sign-in", map[string]interface{}{"error": err.Error()})
	}
	if _, err := d.engine.PullRemoteToLocal(ctx); err != nil {
		logging.Warn("initial pull failed", map[string]interface{}{"error": err.Error()})
	}
	if _, err := d.ledger.BalanceMap(ctx); err != nil {
		logging.Warn("candy balance warm-up failed", map[string]interface{}{"error": err.Error()})
	}

	if d.hub != nil {
		d.hub.BroadcastAuthChanged(true)
	}
	return nil
}

func (d *Dispatcher) signOut() {
	userID := d.gate.UserID()
	d.gate.SetSession(nil)
	d.engine.Reset()
	d.ledger.Reset()
	if userID != "" {
		d.limiter.Reset(userID)
	}
	logging.Info("session cleared", nil)

	if d.hub != nil {
		d.hub.BroadcastAuthChanged(false)
	}
}

// handleCaught validates a new catch, persists it locally, records first
// ownership, credits candy, and triggers a push. The local write is the
// source of truth; everything past it is best-effort or deferred.
func (d *Dispatcher) handleCaught(ctx context.Context, data map[string]interface{}) error {
	if err := d.allow(opCatch); err != nil {
		return err
	}

	var item models.Item
	if err := decodeField(data, "item", &item); err != nil {
		return err
	}
	if err := d.validator.ValidateItem(&item); err != nil {
		return err
	}
	item = d.validator.SanitizeItem(item)

	var items []models.Item
	if _, err := localstore.GetJSON(ctx, d.local, localstore.KeyCollection, &items); err != nil {
		return err
	}
	if err := d.validator.ValidateCollectionSize(len(items) + 1); err != nil {
		return err
	}

	key := item.IdentityKey()
	for i := range items {
		if items[i].IdentityKey() == key {
			// Duplicate delivery of the same catch; nothing to do.
			return nil
		}
	}

	items = append(items, item)
	if err := localstore.SetJSON(ctx, d.local, localstore.KeyCollection, items); err != nil {
		return err
	}

	if err := d.tracker.RecordFirstCatch(ctx, item.SpeciesID, item.CaughtAtTime()); err != nil {
		return err
	}

	d.creditOrDefer(ctx, item.SpeciesID, CatchCandyReward)
	d.pushAfterMutation(ctx, items)

	if d.hub != nil {
		d.hub.BroadcastCollectionUpdated("catch", len(items))
	}
	return nil
}

// handleReleased removes one item of the given species from the local
// collection and credits the release candy.
func (d *Dispatcher) handleReleased(ctx context.Context, data map[string]interface{}) error {
	if err := d.allow(opRelease); err != nil {
		return err
	}

	speciesID, err := intField(data, "speciesId")
	if err != nil {
		return err
	}

	var items []models.Item
	if _, err := localstore.GetJSON(ctx, d.local, localstore.KeyCollection, &items); err != nil {
		return err
	}

	idx := -1
	for i := range items {
		if items[i].SpeciesID == speciesID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "no owned pokemon with species id %d", speciesID)
	}

	released := items[idx]
	items = append(items[:idx], items[idx+1:]...)
	if err := localstore.SetJSON(ctx, d.local, localstore.KeyCollection, items); err != nil {
		return err
	}

	// Without the remote delete the next pull would merge the released
	// row straight back in.
	d.deleteRemoteOrDefer(ctx, released)
	d.creditOrDefer(ctx, speciesID, ReleaseCandyReward)
	d.pushAfterMutation(ctx, items)

	if d.hub != nil {
		d.hub.BroadcastCollectionUpdated("release", len(items))
	}
	return nil
}

// handleEvolved debits the candy cost, then swaps the species of one owned
// item. The debit runs first and fails closed: an insufficient balance or
// a closed gate leaves the collection untouched.
func (d *Dispatcher) handleEvolved(ctx context.Context, data map[string]interface{}) error {
	if err := d.allow(opEvolve); err != nil {
		return err
	}

	speciesID, err := intField(data, "speciesId")
	if err != nil {
		return err
	}
	cost, err := intField(data, "cost")
	if err != nil {
		return err
	}
	if cost <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "evolution cost must be positive")
	}

	newBalance, err := d.ledger.Debit(ctx, speciesID, cost)
	if err != nil {
		return err
	}
	if d.hub != nil {
		d.hub.BroadcastLedgerUpdated(ledger.FamilyOf(speciesID), newBalance)
	}

	evolvedID, evolvedErr := intField(data, "evolvedSpeciesId")
	if evolvedErr != nil {
		// Debit-only message; the surface applies the species change itself.
		return nil
	}

	var items []models.Item
	if _, err := localstore.GetJSON(ctx, d.local, localstore.KeyCollection, &items); err != nil {
		return err
	}
	var preEvolution *models.Item
	for i := range items {
		if items[i].SpeciesID == speciesID {
			before := items[i]
			preEvolution = &before
			items[i].SpeciesID = evolvedID
			break
		}
	}
	if err := localstore.SetJSON(ctx, d.local, localstore.KeyCollection, items); err != nil {
		return err
	}

	// The pre-evolution row keeps its identity triple remotely and would
	// resurface on the next pull unless removed.
	if preEvolution != nil {
		d.deleteRemoteOrDefer(ctx, *preEvolution)
	}

	if err := d.tracker.RecordFirstCatch(ctx, evolvedID, time.Now().UTC()); err != nil {
		logging.Warn("failed to record evolved species ownership", map[string]interface{}{"error": err.Error()})
	}

	d.pushAfterMutation(ctx, items)

	if d.hub != nil {
		d.hub.BroadcastCollectionUpdated("evolve", len(items))
	}
	return nil
}

// handleSyncNow forces a push of the current local collection.
func (d *Dispatcher) handleSyncNow(ctx context.Context) error {
	var items []models.Item
	if _, err := localstore.GetJSON(ctx, d.local, localstore.KeyCollection, &items); err != nil {
		return err
	}

	if d.hub != nil {
		d.hub.BroadcastSyncStarted()
	}

	result, err := d.engine.ForceSyncNow(ctx, items)
	if err != nil {
		if d.hub != nil {
			retryAfter := time.Duration(0)
			if result != nil {
				retryAfter = result.RetryAfter
			}
			d.hub.BroadcastSyncFailed(apperrors.CodeOf(err), retryAfter)
		}
		return err
	}

	if d.hub != nil {
		d.hub.BroadcastSyncCompleted(result.Synced, 0)
	}
	return nil
}

func (d *Dispatcher) allow(operation string) error {
	userID := d.gate.UserID()
	if userID == "" {
		userID = "anonymous"
	}
	ok, retryAfter := d.limiter.Allow(operation, userID)
	if !ok {
		return apperrors.Newf(apperrors.ErrRateLimit, "%s rate limit exceeded, retry in %s", operation, retryAfter.Round(time.Second))
	}
	return nil
}

// creditOrDefer credits candy now when the gate is open, otherwise parks
// the credit on the retry queue. Credits are never lost to being offline.
func (d *Dispatcher) creditOrDefer(ctx context.Context, speciesID, amount int) {
	if d.gate.CanSync() {
		balance, err := d.ledger.Credit(ctx, speciesID, amount)
		if err == nil {
			if d.hub != nil {
				d.hub.BroadcastLedgerUpdated(ledger.FamilyOf(speciesID), balance)
			}
			return
		}
		logging.Warn("candy credit failed, deferring", map[string]interface{}{"species_id": speciesID, "error": err.Error()})
	}

	if d.queue == nil {
		logging.Warn("no retry queue, candy credit dropped", map[string]interface{}{"species_id": speciesID, "amount": amount})
		return
	}
	if _, err := d.queue.Enqueue(queue.OperationLedgerCredit, map[string]interface{}{
		"speciesId": speciesID,
		"amount":    amount,
	}); err != nil {
		logging.Error("failed to queue candy credit", err, map[string]interface{}{"species_id": speciesID})
	}
}

// deleteRemoteOrDefer removes the item's remote row by identity triple,
// parking the delete on the retry queue when the gate is closed or the
// call fails. Deletes are never lost to being offline.
func (d *Dispatcher) deleteRemoteOrDefer(ctx context.Context, item models.Item) {
	if d.gate.CanSync() {
		err := d.remote.From(remote.TableItems).
			Eq("user_id", d.gate.UserID()).
			Eq("species_id", item.SpeciesID).
			Eq("origin_site", item.OriginSite).
			Eq("caught_at", item.CaughtAt).
			Delete(ctx)
		if err == nil {
			return
		}
		logging.Warn("remote item delete failed, deferring", map[string]interface{}{
			"species_id": item.SpeciesID,
			"error":      err.Error(),
		})
	}

	if d.queue == nil {
		logging.Warn("no retry queue, remote item delete dropped", map[string]interface{}{"species_id": item.SpeciesID})
		return
	}
	if _, err := d.queue.Enqueue(queue.OperationItemDelete, map[string]interface{}{
		"speciesId":  item.SpeciesID,
		"originSite": item.OriginSite,
		"caughtAt":   item.CaughtAt,
	}); err != nil {
		logging.Error("failed to queue remote item delete", err, map[string]interface{}{"species_id": item.SpeciesID})
	}
}

// pushAfterMutation triggers a best-effort push; the engine coalesces
// bursts of these into a single follow-up sync.
func (d *Dispatcher) pushAfterMutation(ctx context.Context, items []models.Item) {
	if !d.gate.CanSync() {
		return
	}
	if _, err := d.engine.PushLocalToRemote(ctx, items, false); err != nil {
		logging.Warn("push after mutation failed", map[string]interface{}{"error": err.Error()})
	}
}

func decodeField(data map[string]interface{}, key string, dest interface{}) error {
	raw, ok := data[key]
	if !ok || raw == nil {
		return apperrors.Newf(apperrors.ErrInvalid, "missing %q field", key)
	}
	bytes, err := json.Marshal(raw)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "unencodable "+key+" field", err)
	}
	if err := json.Unmarshal(bytes, dest); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "malformed "+key+" field", err)
	}
	return nil
}

func intField(data map[string]interface{}, key string) (int, error) {
	raw, ok := data[key]
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "missing %q field", key)
	}
	switch v := raw.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, apperrors.Newf(apperrors.ErrInvalid, "field %q must be a number", key)
	}
}
