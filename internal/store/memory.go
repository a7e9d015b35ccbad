package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/trigon/triangle-engine/internal/formation"
	"github.com/trigon/triangle-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	formations   map[string]*model.Formation
	users        map[string]*model.User
	transactions map[string]*model.Transaction
	rejoins      map[string]*model.RejoinProfile // keyed by username
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		formations:   make(map[string]*model.Formation),
		users:        make(map[string]*model.User),
		transactions: make(map[string]*model.Transaction),
		rejoins:      make(map[string]*model.RejoinProfile),
	}
}

func copyFormation(f *model.Formation) *model.Formation {
	cp := *f
	cp.Positions = make([]model.Position, len(f.Positions))
	copy(cp.Positions, f.Positions)
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// --- Formations ---

func (s *MemoryStore) CreateFormation(_ context.Context, f *model.Formation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.formations[f.ID]; ok {
		return fmt.Errorf("%w: formation %s", ErrDuplicate, f.ID)
	}
	s.formations[f.ID] = copyFormation(f)
	return nil
}

func (s *MemoryStore) GetFormation(_ context.Context, id string) (*model.Formation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.formations[id]
	if !ok {
		return nil, fmt.Errorf("%w: formation %s", ErrNotFound, id)
	}
	return copyFormation(f), nil
}

func (s *MemoryStore) ListFormations(_ context.Context, planType string) ([]model.Formation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Formation
	for _, f := range s.formations {
		if planType != "" && f.PlanType != planType {
			continue
		}
		out = append(out, *copyFormation(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) OldestOpenFormation(_ context.Context, planType string) (*model.Formation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *model.Formation
	for _, f := range s.formations {
		if f.PlanType != planType || f.State != model.StateFilling {
			continue
		}
		if formation.OpenSlot(f) == "" {
			continue
		}
		if oldest == nil || f.CreatedAt.Before(oldest.CreatedAt) ||
			(f.CreatedAt.Equal(oldest.CreatedAt) && f.ID < oldest.ID) {
			oldest = f
		}
	}
	if oldest == nil {
		return nil, fmt.Errorf("%w: no open %s formation", ErrNotFound, planType)
	}
	return copyFormation(oldest), nil
}

func (s *MemoryStore) UpdateFormation(_ context.Context, f *model.Formation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.formations[f.ID]
	if !ok {
		return fmt.Errorf("%w: formation %s", ErrNotFound, f.ID)
	}
	if current.Version != f.Version {
		return fmt.Errorf("%w: formation %s at v%d, expected v%d",
			ErrVersionConflict, f.ID, current.Version, f.Version)
	}
	cp := copyFormation(f)
	cp.Version++
	s.formations[f.ID] = cp
	f.Version = cp.Version
	return nil
}

func (s *MemoryStore) ApplySplit(_ context.Context, old *model.Formation, children [2]*model.Formation, moves []formation.Move, retired []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.formations[old.ID]
	if !ok {
		return fmt.Errorf("%w: formation %s", ErrNotFound, old.ID)
	}
	if current.Version != old.Version {
		return fmt.Errorf("%w: formation %s at v%d, expected v%d",
			ErrVersionConflict, old.ID, current.Version, old.Version)
	}
	for _, c := range children {
		if _, ok := s.formations[c.ID]; ok {
			return fmt.Errorf("%w: formation %s", ErrDuplicate, c.ID)
		}
	}
	for _, m := range moves {
		if _, ok := s.users[m.UserID]; !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, m.UserID)
		}
	}
	for _, id := range retired {
		if _, ok := s.users[id]; !ok {
			return fmt.Errorf("%w: user %s", ErrNotFound, id)
		}
	}

	// All checks passed; apply everything. The single lock makes this
	// atomic: readers never observe a cycled parent without both
	// successors.
	cp := copyFormation(old)
	cp.Version++
	s.formations[old.ID] = cp
	old.Version = cp.Version

	for _, c := range children {
		s.formations[c.ID] = copyFormation(c)
	}
	for _, m := range moves {
		u := s.users[m.UserID]
		u.FormationID = m.FormationID
		u.PositionKey = m.ToKey
	}
	for _, id := range retired {
		u := s.users[id]
		u.FormationID = ""
		u.PositionKey = ""
	}
	return nil
}

func (s *MemoryStore) ApplyPlacement(_ context.Context, u *model.User, f *model.Formation, created bool, deposit *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrDuplicate, u.ID)
	}
	for _, existing := range s.users {
		if existing.Deleted {
			continue
		}
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username %s", ErrDuplicate, u.Username)
		}
		if existing.ReferralCode == u.ReferralCode {
			return fmt.Errorf("%w: referral code %s", ErrDuplicate, u.ReferralCode)
		}
	}
	if _, ok := s.transactions[deposit.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, deposit.ID)
	}
	if created {
		if _, ok := s.formations[f.ID]; ok {
			return fmt.Errorf("%w: formation %s", ErrDuplicate, f.ID)
		}
	} else {
		current, ok := s.formations[f.ID]
		if !ok {
			return fmt.Errorf("%w: formation %s", ErrNotFound, f.ID)
		}
		if current.Version != f.Version {
			return fmt.Errorf("%w: formation %s at v%d, expected v%d",
				ErrVersionConflict, f.ID, current.Version, f.Version)
		}
	}

	// All checks passed; apply under the one lock so a failure above
	// leaves no orphaned user and no claimed slot behind.
	ucp := *u
	s.users[u.ID] = &ucp
	fcp := copyFormation(f)
	if !created {
		fcp.Version++
		f.Version = fcp.Version
	}
	s.formations[f.ID] = fcp
	tcp := *deposit
	s.transactions[deposit.ID] = &tcp
	return nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s", ErrDuplicate, u.ID)
	}
	for _, existing := range s.users {
		if existing.Deleted {
			continue
		}
		if existing.Username == u.Username {
			return fmt.Errorf("%w: username %s", ErrDuplicate, u.Username)
		}
		if existing.ReferralCode == u.ReferralCode {
			return fmt.Errorf("%w: referral code %s", ErrDuplicate, u.ReferralCode)
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) GetUserByReferralCode(_ context.Context, code string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ReferralCode == code && !u.Deleted {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: referral code %s", ErrNotFound, code)
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Username == username && !u.Deleted {
			cp := *u
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: username %s", ErrNotFound, username)
}

func (s *MemoryStore) CreditUser(_ context.Context, id string, balance, totalEarned, planEarnings, referralBonus decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	u.Balance = u.Balance.Add(balance)
	u.TotalEarned = u.TotalEarned.Add(totalEarned)
	u.PlanEarnings = u.PlanEarnings.Add(planEarnings)
	u.ReferralBonus = u.ReferralBonus.Add(referralBonus)
	return nil
}

func (s *MemoryStore) SetUserDeleted(_ context.Context, id string, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	u.Deleted = deleted
	return nil
}

func (s *MemoryStore) SetUserPlacement(_ context.Context, id, formationID, positionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return fmt.Errorf("%w: user %s", ErrNotFound, id)
	}
	u.FormationID = formationID
	u.PositionKey = positionKey
	return nil
}

// --- Transactions ---

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, tx.ID)
	}
	cp := *tx
	s.transactions[tx.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) ListTransactionsByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpdateTransactionStatus(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transactions[tx.ID]
	if !ok {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, tx.ID)
	}
	current.Status = tx.Status
	current.RejectionReason = tx.RejectionReason
	if tx.DecidedAt != nil {
		t := *tx.DecidedAt
		current.DecidedAt = &t
	}
	return nil
}

// --- Rejoin staging ---

func (s *MemoryStore) StageRejoin(_ context.Context, p *model.RejoinProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.rejoins[p.Username] = &cp
	return nil
}

func (s *MemoryStore) PeekRejoin(_ context.Context, username string) (*model.RejoinProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.rejoins[username]
	if !ok {
		return nil, fmt.Errorf("%w: rejoin for %s", ErrNotFound, username)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) TakeRejoin(_ context.Context, username string) (*model.RejoinProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.rejoins[username]
	if !ok {
		return nil, fmt.Errorf("%w: rejoin for %s", ErrNotFound, username)
	}
	delete(s.rejoins, username)
	cp := *p
	return &cp, nil
}
