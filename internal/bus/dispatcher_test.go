package bus

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pokebrowser/core/internal/auth"
	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/history"
	"github.com/pokebrowser/core/internal/ledger"
	"github.com/pokebrowser/core/internal/localstore"
	"github.com/pokebrowser/core/internal/models"
	"github.com/pokebrowser/core/internal/remote"
	"github.com/pokebrowser/core/internal/security"
	syncpkg "github.com/pokebrowser/core/internal/sync"
	"github.com/pokebrowser/core/internal/sync/queue"
)

const testUserID = "user-1"

type dispatcherFixture struct {
	dispatcher *Dispatcher
	local      *localstore.Memory
	fake       *remote.Fake
	gate       *auth.Gate
	queue      *queue.Queue
	limiter    *security.RateLimiter
	engine     syncpkg.EngineInterface
}

func newFixture(t *testing.T, signedIn bool, ceilings map[string]int) *dispatcherFixture {
	t.Helper()

	local := localstore.NewMemory()
	fake := remote.NewFake()
	gate := auth.NewGate(fake)
	gate.SetPolling(time.Millisecond, 5*time.Millisecond)
	if signedIn {
		gate.SetSession(&models.Session{
			User:        models.User{ID: testUserID, Email: "user@example.com"},
			AccessToken: "token",
		})
	}

	validator := security.NewValidator(0, 0, nil)
	limiter := security.NewRateLimiter(time.Minute, ceilings, nil)
	engine := syncpkg.NewEngine(local, fake, gate, validator, limiter, syncpkg.EngineConfig{})
	tracker := history.NewTracker(local, fake, gate)
	ledgerSvc := ledger.NewService(fake, gate)
	q := queue.New(10)

	return &dispatcherFixture{
		dispatcher: NewDispatcher(local, fake, engine, tracker, ledgerSvc, gate, validator, limiter, q),
		local:      local,
		fake:       fake,
		gate:       gate,
		queue:      q,
		limiter:    limiter,
		engine:     engine,
	}
}

// wireData round-trips a value through JSON so the payload carries the
// generic map shape real messages arrive in.
func wireData(t *testing.T, key string, value interface{}) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("Failed to encode payload: %v", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("Failed to decode payload: %v", err)
	}
	return map[string]interface{}{key: generic}
}

func caughtItem(speciesID int) models.Item {
	return models.Item{
		SpeciesID:   speciesID,
		DisplayName: "Sparky",
		CaughtAt:    time.Now().UTC().UnixMilli(),
		OriginSite:  "pokefarm.example",
	}
}

func localCollection(t *testing.T, local localstore.Store) []models.Item {
	t.Helper()
	var items []models.Item
	if _, err := localstore.GetJSON(context.Background(), local, localstore.KeyCollection, &items); err != nil {
		t.Fatalf("Failed to read collection: %v", err)
	}
	return items
}

func TestCatchPersistsHistoryAndCredits(t *testing.T) {
	fx := newFixture(t, true, nil)
	ctx := context.Background()

	item := caughtItem(25)
	err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgPokemonCaught, Data: wireData(t, "item", item)})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	items := localCollection(t, fx.local)
	if len(items) != 1 || items[0].SpeciesID != 25 {
		t.Fatalf("Expected one caught item with species 25, got %+v", items)
	}

	// First ownership goes straight to the remote history table.
	historyRows := fx.fake.Rows(remote.TableHistory)
	if len(historyRows) != 1 {
		t.Fatalf("Expected 1 remote history row, got %d", len(historyRows))
	}
	if historyRows[0]["user_id"] != testUserID {
		t.Errorf("Expected history row for %s, got %v", testUserID, historyRows[0]["user_id"])
	}

	// Catch candy lands on the pikachu family ledger row.
	ledgerRows := fx.fake.Rows(remote.TableLedger)
	if len(ledgerRows) != 1 {
		t.Fatalf("Expected 1 ledger row, got %d", len(ledgerRows))
	}
	if balance := ledgerRows[0]["balance"]; balance != float64(CatchCandyReward) {
		t.Errorf("Expected balance %d, got %v", CatchCandyReward, balance)
	}

	// The mutation also pushed the item to the remote collection.
	if fx.fake.Inserts == 0 {
		t.Error("Expected the catch to be pushed to the remote collection")
	}
}

func TestCatchDuplicateDeliveryIsIdempotent(t *testing.T) {
	fx := newFixture(t, true, nil)
	ctx := context.Background()

	data := wireData(t, "item", caughtItem(25))
	if err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgPokemonCaught, Data: data}); err != nil {
		t.Fatalf("First dispatch failed: %v", err)
	}
	if err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgPokemonCaught, Data: data}); err != nil {
		t.Fatalf("Duplicate dispatch failed: %v", err)
	}

	if items := localCollection(t, fx.local); len(items) != 1 {
		t.Errorf("Expected 1 item after duplicate delivery, got %d", len(items))
	}
}

func TestCatchRejectsInvalidItem(t *testing.T) {
	fx := newFixture(t, true, nil)
	ctx := context.Background()

	bad := caughtItem(25)
	bad.SpeciesID = 9999
	err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgPokemonCaught, Data: wireData(t, "item", bad)})
	if err == nil {
		t.Fatal("Expected validation error for out-of-range species")
	}
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", apperrors.CodeOf(err))
	}
	if items := localCollection(t, fx.local); len(items) != 0 {
		t.Errorf("Expected collection untouched, got %d items", len(items))
	}
}

func TestCatchRateLimited(t *testing.T) {
	fx := newFixture(t, true, map[string]int{opCatch: 1, "sync": 100})
	ctx := context.Background()

	first := wireData(t, "item", caughtItem(25))
	if err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgPokemonCaught, Data: first}); err != nil {
		t.Fatalf("First catch failed: %v", err)
	}

	second := caughtItem(4)
	err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgPokemonCaught, Data: wireData(t, "item", second)})
	if err == nil {
		t.Fatal("Expected rate limit rejection on second catch")
	}
	if !apperrors.Is(err, apperrors.ErrRateLimit) {
		t.Errorf("Expected ErrRateLimit, got %v", apperrors.CodeOf(err))
	}
	if items := localCollection(t, fx.local); len(items) != 1 {
		t.Errorf("Expected rejected catch not persisted, got %d items", len(items))
	}
}

func TestCatchWhileOfflineDefersCredit(t *testing.T) {
	fx := newFixture(t, false, nil)
	ctx := context.Background()

	err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgPokemonCaught, Data: wireData(t, "item", caughtItem(25))})
	if err != nil {
		t.Fatalf("Offline catch failed: %v", err)
	}

	// Local write happened, remote saw nothing.
	if items := localCollection(t, fx.local); len(items) != 1 {
		t.Fatalf("Expected offline catch stored locally, got %d items", len(items))
	}
	if fx.fake.Inserts != 0 || fx.fake.Upserts != 0 {
		t.Errorf("Expected no remote traffic while offline, got inserts=%d upserts=%d", fx.fake.Inserts, fx.fake.Upserts)
	}

	// The candy credit is parked on the retry queue instead of dropped.
	if fx.queue.Size() != 1 {
		t.Fatalf("Expected 1 queued credit, got %d", fx.queue.Size())
	}
	pending := fx.queue.Pending()
	if pending[0].Operation != queue.OperationLedgerCredit {
		t.Errorf("Expected queued ledger credit, got %s", pending[0].Operation)
	}
}

func TestReleaseRemovesItemAndCredits(t *testing.T) {
	fx := newFixture(t, true, nil)
	ctx := context.Background()

	seeded := []models.Item{caughtItem(25), caughtItem(4)}
	if err := localstore.SetJSON(ctx, fx.local, localstore.KeyCollection, seeded); err != nil {
		t.Fatalf("Failed to seed collection: %v", err)
	}

	err := fx.dispatcher.Dispatch(ctx, Envelope{
		Type: MsgPokemonReleased,
		Data: map[string]interface{}{"speciesId": float64(25)},
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	items := localCollection(t, fx.local)
	if len(items) != 1 || items[0].SpeciesID != 4 {
		t.Fatalf("Expected only species 4 to remain, got %+v", items)
	}

	ledgerRows := fx.fake.Rows(remote.TableLedger)
	if len(ledgerRows) != 1 {
		t.Fatalf("Expected 1 ledger row, got %d", len(ledgerRows))
	}
	if balance := ledgerRows[0]["balance"]; balance != float64(ReleaseCandyReward) {
		t.Errorf("Expected balance %d, got %v", ReleaseCandyReward, balance)
	}
}

func TestReleaseDeletesRemoteRowSoPullCannotResurrect(t *testing.T) {
	fx := newFixture(t, true, nil)
	ctx := context.Background()

	// A catch lands the row remotely.
	dispatchedItem := caughtItem(25)
	err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgPokemonCaught, Data: wireData(t, "item", dispatchedItem)})
	if err != nil {
		t.Fatalf("Catch dispatch failed: %v", err)
	}
	if rows := fx.fake.Rows(remote.TableItems); len(rows) != 1 {
		t.Fatalf("Expected 1 remote row after catch, got %d", len(rows))
	}

	err = fx.dispatcher.Dispatch(ctx, Envelope{
		Type: MsgPokemonReleased,
		Data: map[string]interface{}{"speciesId": float64(25)},
	})
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if rows := fx.fake.Rows(remote.TableItems); len(rows) != 0 {
		t.Fatalf("Expected remote row deleted on release, got %d rows", len(rows))
	}

	// The next pull must not bring the released item back.
	if _, err := fx.engine.PullRemoteToLocal(ctx); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if items := localCollection(t, fx.local); len(items) != 0 {
		t.Errorf("Expected released item to stay gone after pull, got %+v", items)
	}
}

func TestReleaseWhileOfflineDefersRemoteDelete(t *testing.T) {
	fx := newFixture(t, false, nil)
	ctx := context.Background()

	seeded := []models.Item{caughtItem(25)}
	if err := localstore.SetJSON(ctx, fx.local, localstore.KeyCollection, seeded); err != nil {
		t.Fatalf("Failed to seed collection: %v", err)
	}

	err := fx.dispatcher.Dispatch(ctx, Envelope{
		Type: MsgPokemonReleased,
		Data: map[string]interface{}{"speciesId": float64(25)},
	})
	if err != nil {
		t.Fatalf("Offline release failed: %v", err)
	}

	var foundDelete bool
	for _, op := range fx.queue.Pending() {
		if op.Operation == queue.OperationItemDelete {
			foundDelete = true
			if op.Payload["speciesId"] != seeded[0].SpeciesID {
				t.Errorf("Expected queued delete for species %d, got %v", seeded[0].SpeciesID, op.Payload["speciesId"])
			}
			if op.Payload["caughtAt"] != seeded[0].CaughtAt {
				t.Errorf("Expected queued delete to carry caught_at %d, got %v", seeded[0].CaughtAt, op.Payload["caughtAt"])
			}
		}
	}
	if !foundDelete {
		t.Error("Expected the remote delete parked on the retry queue")
	}
}

func TestReleaseUnknownSpecies(t *testing.T) {
	fx := newFixture(t, true, nil)

	err := fx.dispatcher.Dispatch(context.Background(), Envelope{
		Type: MsgPokemonReleased,
		Data: map[string]interface{}{"speciesId": float64(150)},
	})
	if err == nil {
		t.Fatal("Expected error releasing an unowned species")
	}
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", apperrors.CodeOf(err))
	}
}

func TestEvolveDebitsThenSwapsSpecies(t *testing.T) {
	fx := newFixture(t, true, nil)
	ctx := context.Background()

	if err := localstore.SetJSON(ctx, fx.local, localstore.KeyCollection, []models.Item{caughtItem(25)}); err != nil {
		t.Fatalf("Failed to seed collection: %v", err)
	}
	if err := fx.fake.Seed(remote.TableLedger, []models.LedgerEntry{
		{UserID: testUserID, FamilyID: 25, Balance: 10},
	}); err != nil {
		t.Fatalf("Failed to seed ledger: %v", err)
	}

	err := fx.dispatcher.Dispatch(ctx, Envelope{
		Type: MsgPokemonEvolved,
		Data: map[string]interface{}{
			"speciesId":        float64(25),
			"cost":             float64(4),
			"evolvedSpeciesId": float64(26),
		},
	})
	if err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}

	items := localCollection(t, fx.local)
	if len(items) != 1 || items[0].SpeciesID != 26 {
		t.Fatalf("Expected species swapped to 26, got %+v", items)
	}

	ledgerRows := fx.fake.Rows(remote.TableLedger)
	if balance := ledgerRows[0]["balance"]; balance != float64(6) {
		t.Errorf("Expected balance 6 after debit, got %v", balance)
	}

	// The evolved form counts as owned history.
	historyRows := fx.fake.Rows(remote.TableHistory)
	if len(historyRows) != 1 || historyRows[0]["species_id"] != float64(26) {
		t.Errorf("Expected history row for species 26, got %+v", historyRows)
	}
}

func TestEvolveReplacesRemoteRow(t *testing.T) {
	fx := newFixture(t, true, nil)
	ctx := context.Background()

	item := caughtItem(25)
	if err := localstore.SetJSON(ctx, fx.local, localstore.KeyCollection, []models.Item{item}); err != nil {
		t.Fatalf("Failed to seed collection: %v", err)
	}
	// The pre-evolution item is already synced.
	if err := fx.fake.Seed(remote.TableItems, []models.ItemRow{item.ToRow(testUserID)}); err != nil {
		t.Fatalf("Failed to seed remote items: %v", err)
	}
	if err := fx.fake.Seed(remote.TableLedger, []models.LedgerEntry{
		{UserID: testUserID, FamilyID: 25, Balance: 10},
	}); err != nil {
		t.Fatalf("Failed to seed ledger: %v", err)
	}

	err := fx.dispatcher.Dispatch(ctx, Envelope{
		Type: MsgPokemonEvolved,
		Data: map[string]interface{}{
			"speciesId":        float64(25),
			"cost":             float64(4),
			"evolvedSpeciesId": float64(26),
		},
	})
	if err != nil {
		t.Fatalf("Evolve failed: %v", err)
	}

	rows := fx.fake.Rows(remote.TableItems)
	if len(rows) != 1 {
		t.Fatalf("Expected exactly 1 remote row after evolve, got %d", len(rows))
	}
	if rows[0]["species_id"] != float64(26) {
		t.Errorf("Expected only the evolved row remotely, got species %v", rows[0]["species_id"])
	}

	// A pull right after must not bring the pre-evolution form back.
	if _, err := fx.engine.PullRemoteToLocal(ctx); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	items := localCollection(t, fx.local)
	if len(items) != 1 || items[0].SpeciesID != 26 {
		t.Errorf("Expected only species 26 after pull, got %+v", items)
	}
}

func TestEvolveInsufficientBalanceLeavesCollection(t *testing.T) {
	fx := newFixture(t, true, nil)
	ctx := context.Background()

	if err := localstore.SetJSON(ctx, fx.local, localstore.KeyCollection, []models.Item{caughtItem(25)}); err != nil {
		t.Fatalf("Failed to seed collection: %v", err)
	}
	if err := fx.fake.Seed(remote.TableLedger, []models.LedgerEntry{
		{UserID: testUserID, FamilyID: 25, Balance: 2},
	}); err != nil {
		t.Fatalf("Failed to seed ledger: %v", err)
	}

	err := fx.dispatcher.Dispatch(ctx, Envelope{
		Type: MsgPokemonEvolved,
		Data: map[string]interface{}{
			"speciesId":        float64(25),
			"cost":             float64(4),
			"evolvedSpeciesId": float64(26),
		},
	})
	if err == nil {
		t.Fatal("Expected insufficient balance rejection")
	}
	if !apperrors.Is(err, apperrors.ErrInsufficientBalance) {
		t.Errorf("Expected ErrInsufficientBalance, got %v", apperrors.CodeOf(err))
	}

	items := localCollection(t, fx.local)
	if len(items) != 1 || items[0].SpeciesID != 25 {
		t.Errorf("Expected collection untouched, got %+v", items)
	}
	if balance := fx.fake.Rows(remote.TableLedger)[0]["balance"]; balance != float64(2) {
		t.Errorf("Expected balance unchanged at 2, got %v", balance)
	}
}

func TestEvolveOfflineFailsClosed(t *testing.T) {
	fx := newFixture(t, false, nil)
	ctx := context.Background()

	if err := localstore.SetJSON(ctx, fx.local, localstore.KeyCollection, []models.Item{caughtItem(25)}); err != nil {
		t.Fatalf("Failed to seed collection: %v", err)
	}

	err := fx.dispatcher.Dispatch(ctx, Envelope{
		Type: MsgPokemonEvolved,
		Data: map[string]interface{}{"speciesId": float64(25), "cost": float64(4)},
	})
	if err == nil {
		t.Fatal("Expected offline evolve to be rejected")
	}
	if !apperrors.Is(err, apperrors.ErrSyncNotReady) {
		t.Errorf("Expected ErrSyncNotReady, got %v", apperrors.CodeOf(err))
	}
}

func TestAuthSignInMigratesAndPulls(t *testing.T) {
	fx := newFixture(t, false, nil)
	ctx := context.Background()

	// Local-only history from an offline session.
	offline := []models.HistoryEntry{{SpeciesID: 25, FirstCaughtAt: 1700000000000}}
	if err := localstore.SetJSON(ctx, fx.local, localstore.KeyHistory, offline); err != nil {
		t.Fatalf("Failed to seed local history: %v", err)
	}
	// Items from another device, waiting remotely.
	remoteRow := models.Item{SpeciesID: 4, DisplayName: "Char", CaughtAt: 1700000000000, OriginSite: "site-b"}
	if err := fx.fake.Seed(remote.TableItems, []models.ItemRow{remoteRow.ToRow(testUserID)}); err != nil {
		t.Fatalf("Failed to seed remote items: %v", err)
	}

	session := models.Session{
		User:        models.User{ID: testUserID, Email: "user@example.com"},
		AccessToken: "token",
	}
	err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgAuthStateChanged, Data: wireData(t, "session", session)})
	if err != nil {
		t.Fatalf("Sign-in dispatch failed: %v", err)
	}

	if !fx.gate.CanSync() {
		t.Error("Expected gate open after sign-in")
	}

	// Local history migrated to the remote table and cleared locally.
	historyRows := fx.fake.Rows(remote.TableHistory)
	if len(historyRows) != 1 || historyRows[0]["species_id"] != float64(25) {
		t.Errorf("Expected migrated history row for species 25, got %+v", historyRows)
	}
	var localHist []models.HistoryEntry
	if _, err := localstore.GetJSON(ctx, fx.local, localstore.KeyHistory, &localHist); err != nil {
		t.Fatalf("Failed to read local history: %v", err)
	}
	if len(localHist) != 0 {
		t.Errorf("Expected local history cleared after migration, got %d entries", len(localHist))
	}

	// The remote item was pulled into the local collection.
	items := localCollection(t, fx.local)
	if len(items) != 1 || items[0].SpeciesID != 4 {
		t.Errorf("Expected pulled remote item, got %+v", items)
	}
}

func TestAuthSignInRejectsMalformedSession(t *testing.T) {
	fx := newFixture(t, false, nil)

	err := fx.dispatcher.Dispatch(context.Background(), Envelope{
		Type: MsgAuthStateChanged,
		Data: wireData(t, "session", map[string]interface{}{"access_token": "token"}),
	})
	if err == nil {
		t.Fatal("Expected rejection of session without user id")
	}
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", apperrors.CodeOf(err))
	}
	if fx.gate.CanSync() {
		t.Error("Expected gate to stay closed")
	}
}

func TestSignInPreservesLongAccessToken(t *testing.T) {
	fx := newFixture(t, false, nil)

	// Hosted-auth JWTs routinely run to four digits of characters; the
	// sanitizer's string cap must not apply to them.
	token := strings.Repeat("a", 900)
	session := models.Session{
		User:        models.User{ID: testUserID},
		AccessToken: token,
	}
	err := fx.dispatcher.Dispatch(context.Background(), Envelope{
		Type: MsgAuthStateChanged,
		Data: wireData(t, "session", session),
	})
	if err != nil {
		t.Fatalf("Sign-in dispatch failed: %v", err)
	}

	got := fx.gate.Session()
	if got == nil {
		t.Fatal("Expected a session installed")
	}
	if len(got.AccessToken) != len(token) {
		t.Fatalf("Expected access token of %d chars, got %d", len(token), len(got.AccessToken))
	}
	if got.AccessToken != token {
		t.Error("Expected access token installed intact")
	}
}

func TestAuthSignOutClosesGate(t *testing.T) {
	fx := newFixture(t, true, nil)

	err := fx.dispatcher.Dispatch(context.Background(), Envelope{
		Type: MsgAuthStateChanged,
		Data: map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Sign-out dispatch failed: %v", err)
	}
	if fx.gate.CanSync() {
		t.Error("Expected gate closed after sign-out")
	}
	if fx.gate.UserID() != "" {
		t.Errorf("Expected no user after sign-out, got %q", fx.gate.UserID())
	}
}

func TestSyncNowPushesCollection(t *testing.T) {
	fx := newFixture(t, true, nil)
	ctx := context.Background()

	if err := localstore.SetJSON(ctx, fx.local, localstore.KeyCollection, []models.Item{caughtItem(25)}); err != nil {
		t.Fatalf("Failed to seed collection: %v", err)
	}

	if err := fx.dispatcher.Dispatch(ctx, Envelope{Type: MsgSyncNow}); err != nil {
		t.Fatalf("Sync-now dispatch failed: %v", err)
	}
	if fx.fake.Inserts != 1 {
		t.Errorf("Expected 1 pushed row, got %d", fx.fake.Inserts)
	}
}

func TestUnknownMessageType(t *testing.T) {
	fx := newFixture(t, true, nil)

	err := fx.dispatcher.Dispatch(context.Background(), Envelope{Type: "BOGUS"})
	if err == nil {
		t.Fatal("Expected error for unknown message type")
	}
	if !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", apperrors.CodeOf(err))
	}
}
