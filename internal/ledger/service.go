// Package ledger applies credit-based costs and refunds for paid actions.
// The remote profile record owns the balance; the local cache is a
// snapshot reconciled on every remote round trip.
package ledger

import (
	"context"
	"sync"

	"github.com/halation/darkroom/internal/db"
	apperrors "github.com/halation/darkroom/internal/errors"
	"github.com/halation/darkroom/internal/logging"
	"github.com/halation/darkroom/internal/models"
)

// Remote is the slice of the backend API the ledger needs.
type Remote interface {
	// AdjustCredits applies a signed delta to the remote balance and
	// returns the new balance. The remote side rejects an overdraft.
	AdjustCredits(ctx context.Context, userID string, delta int, reason string) (int, error)

	// FetchProfile reads the authoritative profile record.
	FetchProfile(ctx context.Context, userID string) (username string, credits int, err error)
}

// Service serializes all credit-affecting calls per user so concurrent
// UI triggers cannot double-spend.
type Service struct {
	repo   *db.Repository
	remote Remote

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a ledger Service.
func NewService(repo *db.Repository, remote Remote) *Service {
	return &Service{
		repo:   repo,
		remote: remote,
		locks:  make(map[string]*sync.Mutex),
	}
}

// userLock returns the per-user serialization lock, creating it on first
// use.
func (s *Service) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	return lock
}

// Balance returns the last-known credit balance from the profile cache.
// Callers check affordability against this snapshot; the remote is the
// final arbiter on the debit itself.
func (s *Service) Balance(userID string) (int, error) {
	profile, err := s.repo.GetProfile(userID)
	if err != nil {
		return 0, err
	}
	return profile.Credits, nil
}

// Debit charges the user. The remote balance is debited first; the local
// cache is only updated after the remote accepts, so local state never
// rests on speculative credit.
func (s *Service) Debit(ctx context.Context, userID string, amount int, reason string) error {
	if amount <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "debit amount must be positive")
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	balance, err := s.Balance(userID)
	if err != nil {
		return err
	}
	if balance < amount {
		return apperrors.New(apperrors.ErrInsufficientCredits, "not enough credits")
	}

	newBalance, err := s.remote.AdjustCredits(ctx, userID, -amount, reason)
	if err != nil {
		return err
	}

	if err := s.updateCachedBalance(userID, newBalance); err != nil {
		// The remote debit stands; the stale cache heals on the next
		// profile refresh.
		logging.Error("failed to update cached balance after debit", err,
			map[string]interface{}{"user_id": userID})
	}

	logging.Info("credits debited", map[string]interface{}{
		"user_id": userID, "amount": amount, "reason": reason, "balance": newBalance,
	})
	return nil
}

// Refund returns credits to the user, remote first.
func (s *Service) Refund(ctx context.Context, userID string, amount int, reason string) error {
	if amount <= 0 {
		return apperrors.New(apperrors.ErrInvalid, "refund amount must be positive")
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	newBalance, err := s.remote.AdjustCredits(ctx, userID, amount, reason)
	if err != nil {
		return err
	}

	if err := s.updateCachedBalance(userID, newBalance); err != nil {
		logging.Error("failed to update cached balance after refund", err,
			map[string]interface{}{"user_id": userID})
	}
	return nil
}

// RefreshProfile reconciles the local cache against the remote record.
func (s *Service) RefreshProfile(ctx context.Context, userID string) (*models.Profile, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	username, credits, err := s.remote.FetchProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	profile := &models.Profile{UserID: userID, Username: username, Credits: credits}
	if err := s.repo.UpsertProfile(profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// updateCachedBalance writes a new balance, preserving the cached
// username.
func (s *Service) updateCachedBalance(userID string, balance int) error {
	profile, err := s.repo.GetProfile(userID)
	if err != nil {
		profile = &models.Profile{UserID: userID}
	}
	profile.Credits = balance
	return s.repo.UpsertProfile(profile)
}
