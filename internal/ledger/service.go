package ledger

import (
	"context"
	"sync"

	"github.com/pokebrowser/core/internal/auth"
	apperrors "github.com/pokebrowser/core/internal/errors"
	"github.com/pokebrowser/core/internal/logging"
	"github.com/pokebrowser/core/internal/models"
	"github.com/pokebrowser/core/internal/remote"
)

// Service mutates candy balances with read-modify-write against the
// remote store. There is no on-disk local ledger: the in-memory map is a
// session-lifetime read cache only, so losing it costs one bulk re-fetch.
//
// Known gap: two near-simultaneous operations on the same family can lose
// an update because the remote update is not conditioned on the
// previously-read value. The remote contract offers no optimistic
// concurrency token to condition on.
type Service struct {
	remote remote.Store
	gate   *auth.Gate

	mu    sync.RWMutex
	cache map[int]int // familyID -> balance
}

// NewService creates a ledger Service.
func NewService(rs remote.Store, gate *auth.Gate) *Service {
	return &Service{
		remote: rs,
		gate:   gate,
		cache:  make(map[int]int),
	}
}

// Credit adds amount candy for the species' family. Creates the ledger
// row if it does not exist yet.
func (s *Service) Credit(ctx context.Context, speciesID, amount int) (int, error) {
	if amount <= 0 {
		return 0, apperrors.Newf(apperrors.ErrValidation, "credit amount must be positive, got %d", amount)
	}
	familyID := FamilyOf(speciesID)

	if !s.gate.CanSync() {
		return 0, apperrors.New(apperrors.ErrSyncNotReady, "ledger requires an active session")
	}

	current, exists, err := s.fetchBalance(ctx, familyID)
	if err != nil {
		return 0, err
	}

	newBalance := current + amount
	if exists {
		err = s.remote.From(remote.TableLedger).
			Eq("user_id", s.gate.UserID()).
			Eq("family_id", familyID).
			Update(ctx, map[string]interface{}{"balance": newBalance})
	} else {
		row := models.LedgerEntry{
			UserID:   s.gate.UserID(),
			FamilyID: familyID,
			Balance:  newBalance,
		}
		err = s.remote.From(remote.TableLedger).Insert(ctx, []models.LedgerEntry{row})
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrRemote, "credit failed", err)
	}

	s.setCached(familyID, newBalance)
	logging.Debug("candy credited", map[string]interface{}{
		"family_id": familyID,
		"amount":    amount,
		"balance":   newBalance,
	})
	return newBalance, nil
}

// Debit removes amount candy for the species' family. Fails closed with
// an insufficient-balance rejection — no write happens — when the current
// balance does not cover the amount. Overdraft is structurally impossible
// here: this is the only debit path.
func (s *Service) Debit(ctx context.Context, speciesID, amount int) (int, error) {
	if amount <= 0 {
		return 0, apperrors.Newf(apperrors.ErrValidation, "debit amount must be positive, got %d", amount)
	}
	familyID := FamilyOf(speciesID)

	if !s.gate.CanSync() {
		return 0, apperrors.New(apperrors.ErrSyncNotReady, "ledger requires an active session")
	}

	current, exists, err := s.fetchBalance(ctx, familyID)
	if err != nil {
		return 0, err
	}
	if !exists || current < amount {
		return current, apperrors.Newf(apperrors.ErrInsufficientBalance,
			"insufficient: have %d, need %d", current, amount)
	}

	newBalance := current - amount
	err = s.remote.From(remote.TableLedger).
		Eq("user_id", s.gate.UserID()).
		Eq("family_id", familyID).
		Update(ctx, map[string]interface{}{"balance": newBalance})
	if err != nil {
		return current, apperrors.Wrap(apperrors.ErrRemote, "debit failed", err)
	}

	s.setCached(familyID, newBalance)
	logging.Debug("candy debited", map[string]interface{}{
		"family_id": familyID,
		"amount":    amount,
		"balance":   newBalance,
	})
	return newBalance, nil
}

// BalanceMap bulk-fetches all family balances for the user into the
// session cache and returns a copy. This is the only supported read path
// for rendering; per-item remote round-trips are not offered.
func (s *Service) BalanceMap(ctx context.Context) (map[int]int, error) {
	if !s.gate.CanSync() {
		return nil, apperrors.New(apperrors.ErrSyncNotReady, "ledger requires an active session")
	}

	var rows []models.LedgerEntry
	err := s.remote.From(remote.TableLedger).
		Select().
		Eq("user_id", s.gate.UserID()).
		Get(ctx, &rows)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "balance fetch failed", err)
	}

	fresh := make(map[int]int, len(rows))
	for i := range rows {
		fresh[rows[i].FamilyID] = rows[i].Balance
	}

	s.mu.Lock()
	s.cache = fresh
	s.mu.Unlock()

	out := make(map[int]int, len(fresh))
	for k, v := range fresh {
		out[k] = v
	}
	return out, nil
}

// CachedBalance returns the session-cached balance for a family, if known.
func (s *Service) CachedBalance(familyID int) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	balance, ok := s.cache[familyID]
	return balance, ok
}

// Reset clears the in-memory cache. Called on logout.
func (s *Service) Reset() {
	s.mu.Lock()
	s.cache = make(map[int]int)
	s.mu.Unlock()
}

// fetchBalance reads the current remote balance for a family.
func (s *Service) fetchBalance(ctx context.Context, familyID int) (int, bool, error) {
	var rows []models.LedgerEntry
	err := s.remote.From(remote.TableLedger).
		Select("family_id", "balance").
		Eq("user_id", s.gate.UserID()).
		Eq("family_id", familyID).
		Get(ctx, &rows)
	if err != nil {
		return 0, false, apperrors.Wrap(apperrors.ErrRemote, "balance read failed", err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].Balance, true, nil
}

func (s *Service) setCached(familyID, balance int) {
	s.mu.Lock()
	s.cache[familyID] = balance
	s.mu.Unlock()
}
