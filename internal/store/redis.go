package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/trigon/triangle-engine/internal/formation"
	"github.com/trigon/triangle-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Formation and user
// read models are the hot path (status-polling clients), so those are the
// cached entities.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateFormation(ctx context.Context, f *model.Formation) error {
	if err := s.primary.CreateFormation(ctx, f); err != nil {
		return err
	}
	s.cacheFormation(ctx, f)
	return nil
}

func (s *CachedStore) UpdateFormation(ctx context.Context, f *model.Formation) error {
	if err := s.primary.UpdateFormation(ctx, f); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, formationKey(f.ID))
	return nil
}

func (s *CachedStore) ApplySplit(ctx context.Context, old *model.Formation, children [2]*model.Formation, moves []formation.Move, retired []string) error {
	if err := s.primary.ApplySplit(ctx, old, children, moves, retired); err != nil {
		return err
	}
	keys := []string{formationKey(old.ID)}
	for _, c := range children {
		keys = append(keys, formationKey(c.ID))
	}
	for _, m := range moves {
		keys = append(keys, userKey(m.UserID))
	}
	for _, id := range retired {
		keys = append(keys, userKey(id))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) ApplyPlacement(ctx context.Context, u *model.User, f *model.Formation, created bool, deposit *model.Transaction) error {
	if err := s.primary.ApplyPlacement(ctx, u, f, created, deposit); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	s.cacheTransaction(ctx, deposit)
	if created {
		s.cacheFormation(ctx, f)
	} else {
		s.rdb.Del(ctx, formationKey(f.ID))
	}
	return nil
}

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.cacheUser(ctx, u)
	return nil
}

func (s *CachedStore) CreditUser(ctx context.Context, id string, balance, totalEarned, planEarnings, referralBonus decimal.Decimal) error {
	if err := s.primary.CreditUser(ctx, id, balance, totalEarned, planEarnings, referralBonus); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(id))
	return nil
}

func (s *CachedStore) SetUserDeleted(ctx context.Context, id string, deleted bool) error {
	if err := s.primary.SetUserDeleted(ctx, id, deleted); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(id))
	return nil
}

func (s *CachedStore) SetUserPlacement(ctx context.Context, id, formationID, positionKey string) error {
	if err := s.primary.SetUserPlacement(ctx, id, formationID, positionKey); err != nil {
		return err
	}
	s.rdb.Del(ctx, userKey(id))
	return nil
}

func (s *CachedStore) CreateTransaction(ctx context.Context, tx *model.Transaction) error {
	if err := s.primary.CreateTransaction(ctx, tx); err != nil {
		return err
	}
	s.cacheTransaction(ctx, tx)
	return nil
}

func (s *CachedStore) UpdateTransactionStatus(ctx context.Context, tx *model.Transaction) error {
	if err := s.primary.UpdateTransactionStatus(ctx, tx); err != nil {
		return err
	}
	s.rdb.Del(ctx, transactionKey(tx.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetFormation(ctx context.Context, id string) (*model.Formation, error) {
	data, err := s.rdb.Get(ctx, formationKey(id)).Bytes()
	if err == nil {
		var f model.Formation
		if json.Unmarshal(data, &f) == nil {
			return &f, nil
		}
	}

	f, err := s.primary.GetFormation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheFormation(ctx, f)
	return f, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	return u, nil
}

func (s *CachedStore) GetUserByReferralCode(ctx context.Context, code string) (*model.User, error) {
	// Cache via code→userID mapping.
	userID, err := s.rdb.Get(ctx, referralKey(code)).Result()
	if err == nil {
		u, err := s.GetUser(ctx, userID)
		if err == nil && !u.Deleted && u.ReferralCode == code {
			return u, nil
		}
	}

	u, err := s.primary.GetUserByReferralCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.cacheUser(ctx, u)
	s.rdb.Set(ctx, referralKey(code), u.ID, s.ttl)
	return u, nil
}

func (s *CachedStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	data, err := s.rdb.Get(ctx, transactionKey(id)).Bytes()
	if err == nil {
		var t model.Transaction
		if json.Unmarshal(data, &t) == nil {
			return &t, nil
		}
	}

	t, err := s.primary.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheTransaction(ctx, t)
	return t, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListFormations(ctx context.Context, planType string) ([]model.Formation, error) {
	return s.primary.ListFormations(ctx, planType)
}

func (s *CachedStore) OldestOpenFormation(ctx context.Context, planType string) (*model.Formation, error) {
	return s.primary.OldestOpenFormation(ctx, planType)
}

func (s *CachedStore) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.primary.GetUserByUsername(ctx, username)
}

func (s *CachedStore) ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.primary.ListTransactionsByUser(ctx, userID)
}

func (s *CachedStore) StageRejoin(ctx context.Context, p *model.RejoinProfile) error {
	return s.primary.StageRejoin(ctx, p)
}

func (s *CachedStore) PeekRejoin(ctx context.Context, username string) (*model.RejoinProfile, error) {
	return s.primary.PeekRejoin(ctx, username)
}

func (s *CachedStore) TakeRejoin(ctx context.Context, username string) (*model.RejoinProfile, error) {
	return s.primary.TakeRejoin(ctx, username)
}

// --- Cache helpers ---

func (s *CachedStore) cacheFormation(ctx context.Context, f *model.Formation) {
	if data, err := json.Marshal(f); err == nil {
		s.rdb.Set(ctx, formationKey(f.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheUser(ctx context.Context, u *model.User) {
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(u.ID), data, s.ttl)
	}
}

func (s *CachedStore) cacheTransaction(ctx context.Context, t *model.Transaction) {
	if data, err := json.Marshal(t); err == nil {
		s.rdb.Set(ctx, transactionKey(t.ID), data, s.ttl)
	}
}

func formationKey(id string) string   { return fmt.Sprintf("formation:%s", id) }
func userKey(id string) string        { return fmt.Sprintf("user:%s", id) }
func referralKey(code string) string  { return fmt.Sprintf("referral:%s", code) }
func transactionKey(id string) string { return fmt.Sprintf("transaction:%s", id) }
