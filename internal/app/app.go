// Package app wires the core services into one explicit context object.
// Nothing in here holds package-level state; the binary owns one App and
// tears it down on shutdown.
package app

import (
	"context"

	"github.com/pokebrowser/core/internal/auth"
	"github.com/pokebrowser/core/internal/bus"
	"github.com/pokebrowser/core/internal/config"
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
	"github.com/pokebrowser/core/internal/sync/scheduler"
)

// retryQueueCapacity bounds how many deferred remote writes we hold while
// offline. Past this, new candy credits are rejected at enqueue time.
const retryQueueCapacity = 100

// App owns every core service and their wiring.
type App struct {
	Config     *config.Config
	Local      localstore.Store
	Remote     remote.Store
	Gate       *auth.Gate
	Validator  *security.Validator
	Limiter    *security.RateLimiter
	Engine     *syncpkg.Engine
	Tracker    *history.Tracker
	Ledger     *ledger.Service
	Queue      *queue.Queue
	Scheduler  *scheduler.Scheduler
	Dispatcher *bus.Dispatcher
	Hub        *bus.Hub
}

// New builds the service graph on top of the given stores. The caller
// owns the stores' lifecycles; App owns everything constructed here.
func New(cfg *config.Config, local localstore.Store, rs remote.Store) *App {
	gate := auth.NewGate(rs)
	gate.SetPolling(cfg.AuthPollInterval, cfg.AuthPollTimeout)

	validator := security.NewValidator(cfg.SyncBatchCeiling, cfg.MaxCollectionSize, security.RealClock{})
	limiter := security.NewRateLimiter(cfg.RateWindow, nil, security.RealClock{})

	engine := syncpkg.NewEngine(local, rs, gate, validator, limiter, syncpkg.EngineConfig{
		BatchSize:    cfg.SyncBatchSize,
		BatchCeiling: cfg.SyncBatchCeiling,
	})
	tracker := history.NewTracker(local, rs, gate)
	ledgerSvc := ledger.NewService(rs, gate)
	retryQueue := queue.New(retryQueueCapacity)

	dispatcher := bus.NewDispatcher(local, rs, engine, tracker, ledgerSvc, gate, validator, limiter, retryQueue)
	hub := bus.NewHub(dispatcher.Dispatch)
	dispatcher.AttachHub(hub)

	a := &App{
		Config:     cfg,
		Local:      local,
		Remote:     rs,
		Gate:       gate,
		Validator:  validator,
		Limiter:    limiter,
		Engine:     engine,
		Tracker:    tracker,
		Ledger:     ledgerSvc,
		Queue:      retryQueue,
		Dispatcher: dispatcher,
		Hub:        hub,
	}
	a.Scheduler = scheduler.New(engine, local, gate, retryQueue, a.executeQueued, nil)
	return a
}

// Start launches the background scheduler.
func (a *App) Start(ctx context.Context) {
	a.Scheduler.Start(ctx)
	logging.Info("core started", map[string]interface{}{
		"remote_configured": a.Config.RemoteConfigured(),
		"listen_addr":       a.Config.ListenAddr,
	})
}

// Stop shuts the background work down. Stores stay open; the caller
// closes them after Stop returns.
func (a *App) Stop() {
	a.Scheduler.Stop()
	a.Hub.Close()
	logging.Info("core stopped", nil)
}

// Reset clears all per-session state: session handle, sync bookkeeping,
// candy cache, rate-limit counters, and pending deferred writes. Local
// collection and history blobs are deliberately kept; they belong to the
// device, not the session.
func (a *App) Reset() {
	if userID := a.Gate.UserID(); userID != "" {
		a.Limiter.Reset(userID)
	}
	a.Gate.Reset()
	a.Engine.Reset()
	a.Ledger.Reset()
	a.Queue.Clear()
}

// executeQueued runs one deferred operation from the retry queue. Called
// by the scheduler only while the gate is open.
func (a *App) executeQueued(ctx context.Context, item *queue.Item) error {
	switch item.Operation {
	case queue.OperationPush:
		var items []models.Item
		if _, err := localstore.GetJSON(ctx, a.Local, localstore.KeyCollection, &items); err != nil {
			return err
		}
		_, err := a.Engine.PushLocalToRemote(ctx, items, false)
		return err

	case queue.OperationItemDelete:
		speciesID, err := payloadInt(item.Payload, "speciesId")
		if err != nil {
			return err
		}
		originSite, ok := item.Payload["originSite"].(string)
		if !ok {
			return apperrors.New(apperrors.ErrInvalid, `queued payload missing "originSite"`)
		}
		caughtAt, err := payloadInt64(item.Payload, "caughtAt")
		if err != nil {
			return err
		}
		return a.Remote.From(remote.TableItems).
			Eq("user_id", a.Gate.UserID()).
			Eq("species_id", speciesID).
			Eq("origin_site", originSite).
			Eq("caught_at", caughtAt).
			Delete(ctx)

	case queue.OperationHistoryUpsert:
		return a.Tracker.MigrateLocalToRemote(ctx)

	case queue.OperationLedgerCredit:
		speciesID, amount, err := ledgerPayload(item.Payload)
		if err != nil {
			return err
		}
		balance, err := a.Ledger.Credit(ctx, speciesID, amount)
		if err != nil {
			return err
		}
		a.Hub.BroadcastLedgerUpdated(ledger.FamilyOf(speciesID), balance)
		return nil

	case queue.OperationLedgerDebit:
		speciesID, amount, err := ledgerPayload(item.Payload)
		if err != nil {
			return err
		}
		balance, err := a.Ledger.Debit(ctx, speciesID, amount)
		if err != nil {
			return err
		}
		a.Hub.BroadcastLedgerUpdated(ledger.FamilyOf(speciesID), balance)
		return nil

	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unknown queued operation %q", item.Operation)
	}
}

func ledgerPayload(payload map[string]interface{}) (speciesID, amount int, err error) {
	speciesID, err = payloadInt(payload, "speciesId")
	if err != nil {
		return 0, 0, err
	}
	amount, err = payloadInt(payload, "amount")
	if err != nil {
		return 0, 0, err
	}
	return speciesID, amount, nil
}

func payloadInt(payload map[string]interface{}, key string) (int, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "queued payload missing %q", key)
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, apperrors.Newf(apperrors.ErrInvalid, "queued payload field %q must be a number", key)
	}
}

func payloadInt64(payload map[string]interface{}, key string) (int64, error) {
	raw, ok := payload[key]
	if !ok {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "queued payload missing %q", key)
	}
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, apperrors.Newf(apperrors.ErrInvalid, "queued payload field %q must be a number", key)
	}
}

// WaitForAuth blocks until the gate reports ready or the bounded poll
// times out. Surfaces call sync right after sign-in; this keeps them from
// racing the session propagation.
func (a *App) WaitForAuth(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, 2*a.Config.AuthPollTimeout)
	defer cancel()
	return a.Gate.WaitReady(deadline)
}
