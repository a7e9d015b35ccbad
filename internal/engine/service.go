// Package engine provides the placement, completion, and payout engine:
// registration placement, admin-gated ledger decisions, completion
// detection, and the atomic split of cycled formations.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/trigon/triangle-engine/internal/formation"
	"github.com/trigon/triangle-engine/internal/ledger"
	"github.com/trigon/triangle-engine/internal/metrics"
	"github.com/trigon/triangle-engine/internal/model"
	"github.com/trigon/triangle-engine/internal/payout"
	"github.com/trigon/triangle-engine/internal/plan"
	"github.com/trigon/triangle-engine/internal/store"
)

// Service owns the engine's shared mutable aggregates. Mutations
// (placement, deposit decisions, payout decisions, splits) serialize on a
// mutex (single-instance). The store's version check on formations backs
// this up: a conflict under our own serialization means another writer is
// loose, and the aggregate is quarantined.
type Service struct {
	store   store.Store
	catalog *plan.Catalog
	hub     *Hub // optional; nil disables broadcasts

	mu     sync.Mutex
	halted map[string]bool // formation IDs frozen after a consistency violation
}

// NewService creates a new engine service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, catalog *plan.Catalog, hub *Hub) *Service {
	return &Service{
		store:   st,
		catalog: catalog,
		hub:     hub,
		halted:  make(map[string]bool),
	}
}

// RegisterParams is the input to Register.
type RegisterParams struct {
	Username     string
	Wallet       string
	PlanType     string
	ReferralCode string
}

// Registration is the outcome of a successful placement: the created
// user, their claimed position, and the pending deposit that must be
// confirmed before the slot counts toward completion.
type Registration struct {
	User        *model.User        `json:"user"`
	FormationID string             `json:"formation_id"`
	PositionKey string             `json:"position_key"`
	Deposit     *model.Transaction `json:"deposit"`
}

// Register places a new registrant: resolves the referrer (forcing the
// plan to the referrer's plan — a business rule, not a UI default),
// claims a slot in the referrer's formation, the globally oldest open
// formation of the plan type, or a brand-new formation, and opens the
// PENDING deposit sized to the plan price. The slot is provisionally
// reserved; the fill count moves only on deposit approval.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*Registration, error) {
	if params.Username == "" {
		return nil, fmt.Errorf("engine: username is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	if _, err := s.store.GetUserByUsername(ctx, params.Username); err == nil {
		return nil, fmt.Errorf("%w: username %q", store.ErrDuplicate, params.Username)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	// A banished user's staged profile pre-fills the gaps once.
	if rejoin, err := s.store.TakeRejoin(ctx, params.Username); err == nil {
		if params.Wallet == "" {
			params.Wallet = rejoin.Wallet
		}
		if params.PlanType == "" && params.ReferralCode == "" {
			params.PlanType = rejoin.PlanType
		}
	}

	// Referral locks plan selection.
	var referrer *model.User
	if params.ReferralCode != "" {
		u, err := s.store.GetUserByReferralCode(ctx, params.ReferralCode)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("%w: %q", ErrInvalidReferrer, params.ReferralCode)
			}
			return nil, err
		}
		referrer = u
		params.PlanType = u.PlanType
	}

	p, err := s.catalog.Get(params.PlanType)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		ID:            uuid.New().String(),
		Username:      params.Username,
		Wallet:        params.Wallet,
		PlanType:      p.Name,
		Balance:       decimal.Zero,
		TotalEarned:   decimal.Zero,
		PlanEarnings:  decimal.Zero,
		ReferralBonus: decimal.Zero,
		ReferralCode:  newReferralCode(),
		CreatedAt:     now,
	}
	if referrer != nil {
		user.ReferredBy = referrer.ID
	}

	f, key, created, err := s.resolvePlacement(ctx, p, referrer, now)
	if err != nil {
		return nil, err
	}
	if err := formation.Reserve(f, key, user.ID, now); err != nil {
		return nil, err
	}

	user.FormationID = f.ID
	user.PositionKey = key

	deposit := &model.Transaction{
		ID:          uuid.New().String(),
		UserID:      user.ID,
		Type:        model.TypeDeposit,
		Status:      model.StatusPending,
		Amount:      p.Price,
		FormationID: f.ID,
		PositionKey: key,
		CreatedAt:   now,
	}

	// The account, the slot claim, and the pending deposit persist
	// together. A failure applies none of them, so no orphaned user or
	// permanently blocked slot survives a partial write. A fresh
	// formation is created with the reservation baked in; an existing
	// one goes through the version check so a racing claim on the same
	// slot loses cleanly.
	if err := s.store.ApplyPlacement(ctx, user, f, created, deposit); err != nil {
		return nil, err
	}

	metrics.PlacementsTotal.WithLabelValues(p.Name, boolLabel(referrer != nil)).Inc()
	slog.Info("position assigned",
		"user", user.ID,
		"formation", f.ID,
		"position", key,
		"plan", p.Name,
		"referred", referrer != nil,
	)
	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:        EventPositionAssigned,
			FormationID: f.ID,
			PlanType:    p.Name,
			PositionKey: key,
			UserID:      user.ID,
		})
	}

	return &Registration{
		User:        user,
		FormationID: f.ID,
		PositionKey: key,
		Deposit:     deposit,
	}, nil
}

// resolvePlacement picks the formation and slot for a registrant:
// the referrer's formation first (BFS within the referrer's subtree, then
// the whole formation), then the globally oldest open formation of the
// plan type, then a brand-new formation.
func (s *Service) resolvePlacement(ctx context.Context, p plan.Plan, referrer *model.User, now time.Time) (f *model.Formation, key string, created bool, err error) {
	if referrer != nil && referrer.FormationID != "" && !s.halted[referrer.FormationID] {
		f, err := s.store.GetFormation(ctx, referrer.FormationID)
		if err == nil && f.State == model.StateFilling {
			if key := formation.OpenSlotUnder(f, referrer.PositionKey); key != "" {
				return f, key, false, nil
			}
		}
	}

	f, err = s.store.OldestOpenFormation(ctx, p.Name)
	if err == nil && !s.halted[f.ID] {
		if key := formation.OpenSlot(f); key != "" {
			return f, key, false, nil
		}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", false, err
	}

	fresh := formation.New(uuid.New().String(), p.Name, "", now)
	key = formation.OpenSlot(fresh)
	if key == "" {
		// A brand-new formation always has 15 vacancies; reaching this
		// is fatal.
		slog.Error("no eligible slot in a fresh formation", "plan", p.Name)
		return nil, "", false, ErrNoEligibleSlot
	}
	return fresh, key, true, nil
}

// ConfirmTransaction applies the admin decision PENDING → CONFIRMED and
// its effects: a confirmed deposit occupies its reserved position,
// credits the referral commission, and — when it is the 15th paid slot —
// fires completion and the tier earnings. A confirmed payout debits the
// balance, cycles the formation, and splits it. A decision on an
// already-terminal transaction fails with ledger.ErrAlreadyFinalized and
// has no effects.
func (s *Service) ConfirmTransaction(ctx context.Context, txID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.FormationID != "" && s.halted[tx.FormationID] {
		return nil, fmt.Errorf("%w: formation %s is quarantined", ErrConsistencyViolation, tx.FormationID)
	}

	now := time.Now().UTC()
	if err := ledger.Apply(tx, model.StatusConfirmed, now); err != nil {
		return nil, err
	}

	switch tx.Type {
	case model.TypeDeposit:
		if err := s.applyDepositConfirmed(ctx, tx, now); err != nil {
			return nil, err
		}
		metrics.DepositDecisionsTotal.WithLabelValues("confirmed").Inc()
	case model.TypePayout:
		if err := s.applyPayoutConfirmed(ctx, tx, now); err != nil {
			return nil, err
		}
		metrics.PayoutDecisionsTotal.WithLabelValues("confirmed").Inc()
	}

	if err := s.store.UpdateTransactionStatus(ctx, tx); err != nil {
		return nil, err
	}
	s.broadcastFinalized(tx)
	return tx, nil
}

// CompleteTransaction applies CONFIRMED → COMPLETED. The effects already
// ran at confirmation; this is a pure status close-out.
func (s *Service) CompleteTransaction(ctx context.Context, txID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := ledger.Apply(tx, model.StatusCompleted, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransactionStatus(ctx, tx); err != nil {
		return nil, err
	}
	s.broadcastFinalized(tx)
	return tx, nil
}

// RejectTransaction applies PENDING → REJECTED. A rejected deposit frees
// the reserved position and banishes the account (staging a one-time
// rejoin pre-fill); a rejected payout just attaches the reason — funds
// were never debited.
func (s *Service) RejectTransaction(ctx context.Context, txID, reason string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.FormationID != "" && s.halted[tx.FormationID] {
		return nil, fmt.Errorf("%w: formation %s is quarantined", ErrConsistencyViolation, tx.FormationID)
	}

	now := time.Now().UTC()
	if err := ledger.Apply(tx, model.StatusRejected, now); err != nil {
		return nil, err
	}
	tx.RejectionReason = reason

	if tx.Type == model.TypeDeposit {
		if err := s.applyDepositRejected(ctx, tx, now); err != nil {
			return nil, err
		}
		metrics.DepositDecisionsTotal.WithLabelValues("rejected").Inc()
	} else if tx.Type == model.TypePayout {
		metrics.PayoutDecisionsTotal.WithLabelValues("rejected").Inc()
	}

	if err := s.store.UpdateTransactionStatus(ctx, tx); err != nil {
		return nil, err
	}
	s.broadcastFinalized(tx)
	return tx, nil
}

// ExpireTransaction applies PENDING → EXPIRED. Only payout holds expire;
// deposits have no time limit and the ledger refuses them.
func (s *Service) ExpireTransaction(ctx context.Context, txID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if err := ledger.Apply(tx, model.StatusExpired, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTransactionStatus(ctx, tx); err != nil {
		return nil, err
	}
	s.broadcastFinalized(tx)
	return tx, nil
}

// CancelTransaction applies PENDING → CANCELLED on the requester's
// behalf. A cancelled deposit releases its reservation like a rejection,
// but without banishment.
func (s *Service) CancelTransaction(ctx context.Context, txID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.FormationID != "" && s.halted[tx.FormationID] {
		return nil, fmt.Errorf("%w: formation %s is quarantined", ErrConsistencyViolation, tx.FormationID)
	}
	if err := ledger.Apply(tx, model.StatusCancelled, time.Now().UTC()); err != nil {
		return nil, err
	}

	if tx.Type == model.TypeDeposit {
		if err := s.releaseReservation(ctx, tx); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateTransactionStatus(ctx, tx); err != nil {
		return nil, err
	}
	s.broadcastFinalized(tx)
	return tx, nil
}

// --- Deposit effects ---

func (s *Service) applyDepositConfirmed(ctx context.Context, tx *model.Transaction, now time.Time) error {
	f, err := s.store.GetFormation(ctx, tx.FormationID)
	if err != nil {
		return err
	}

	announce := false
	completed, err := formation.ConfirmFill(f, tx.PositionKey, tx.UserID, now)
	switch {
	case err == nil:
		if err := s.store.UpdateFormation(ctx, f); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				return s.quarantine(f.ID, err)
			}
			return err
		}
		announce = completed
	case errors.Is(err, formation.ErrFillMismatch):
		return s.quarantine(f.ID, err)
	case errors.Is(err, formation.ErrNotFilling) && slotPaidBy(f, tx):
		// Reprocessing a deposit whose fill persisted but whose status
		// write was lost: the formation already left FILLING. Skip the
		// formation write and re-run the credits — their records key on
		// IDs derived from the triggering event, so nothing lands twice.
		completed = f.IsComplete()
	default:
		return err
	}

	// Referral commission: 10% of the member's plan price, once, to the
	// direct referrer only.
	if err := s.creditReferrer(ctx, tx, now); err != nil {
		return err
	}

	if completed {
		if err := s.creditCompletion(ctx, f, now); err != nil {
			return err
		}
	}
	if announce {
		metrics.FormationsCompleted.WithLabelValues(f.PlanType).Inc()
		slog.Info("formation complete", "formation", f.ID, "plan", f.PlanType)
		if s.hub != nil {
			s.hub.Broadcast(Event{
				Type:        EventFormationCompleted,
				FormationID: f.ID,
				PlanType:    f.PlanType,
			})
		}
	}
	return nil
}

// slotPaidBy reports whether the deposit's slot is already paid by its
// own user, i.e. this deposit's fill has persisted.
func slotPaidBy(f *model.Formation, tx *model.Transaction) bool {
	pos, err := formation.PositionAt(f, tx.PositionKey)
	return err == nil && pos.Paid && pos.OccupantID == tx.UserID
}

func (s *Service) creditReferrer(ctx context.Context, tx *model.Transaction, now time.Time) error {
	user, err := s.store.GetUser(ctx, tx.UserID)
	if err != nil {
		return err
	}
	if user.ReferredBy == "" {
		return nil
	}
	referrer, err := s.store.GetUser(ctx, user.ReferredBy)
	if err != nil || referrer.Deleted {
		// Referrer banished since registration; the commission lapses.
		return nil
	}

	p, err := s.catalog.Get(user.PlanType)
	if err != nil {
		return err
	}
	commission := payout.ReferralCommission(p)

	decided := now
	record := &model.Transaction{
		ID:        derivedTxID("referral", tx.ID),
		UserID:    referrer.ID,
		Type:      model.TypeReferral,
		Status:    model.StatusCompleted,
		Amount:    commission,
		CreatedAt: now,
		DecidedAt: &decided,
	}
	// The record doubles as the idempotency marker: its ID derives from
	// the deposit, so reprocessing the same deposit collides here and
	// the credit is skipped.
	if err := s.store.CreateTransaction(ctx, record); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	}
	if err := s.store.CreditUser(ctx, referrer.ID, commission, commission, decimal.Zero, commission); err != nil {
		return err
	}
	slog.Info("referral commission credited",
		"referrer", referrer.ID,
		"member", user.ID,
		"amount", commission.String(),
	)
	return nil
}

// creditCompletion pays every occupant their tier earnings when the 15th
// deposit confirms: 4× plan price at the apex, 3× at level 1, 2× below.
func (s *Service) creditCompletion(ctx context.Context, f *model.Formation, now time.Time) error {
	p, err := s.catalog.Get(f.PlanType)
	if err != nil {
		return err
	}
	decided := now
	for i := range f.Positions {
		pos := &f.Positions[i]
		amount, err := payout.PlanEarnings(p, pos.Key)
		if err != nil {
			return err
		}
		record := &model.Transaction{
			ID:          derivedTxID("completion", f.ID+"/"+pos.Key),
			UserID:      pos.OccupantID,
			Type:        model.TypeBonus,
			Status:      model.StatusCompleted,
			Amount:      amount,
			FormationID: f.ID,
			PositionKey: pos.Key,
			CreatedAt:   now,
			DecidedAt:   &decided,
		}
		if err := s.store.CreateTransaction(ctx, record); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				continue
			}
			return err
		}
		if err := s.store.CreditUser(ctx, pos.OccupantID, amount, amount, amount, decimal.Zero); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyDepositRejected(ctx context.Context, tx *model.Transaction, now time.Time) error {
	if err := s.releaseReservation(ctx, tx); err != nil {
		return err
	}

	// Banishment: the account is deleted but may re-register; stage the
	// one-time rejoin pre-fill first.
	user, err := s.store.GetUser(ctx, tx.UserID)
	if err != nil {
		return err
	}
	if err := s.store.StageRejoin(ctx, &model.RejoinProfile{
		Username: user.Username,
		Wallet:   user.Wallet,
		PlanType: user.PlanType,
		StagedAt: now,
	}); err != nil {
		return err
	}
	if err := s.store.SetUserDeleted(ctx, user.ID, true); err != nil {
		return err
	}
	slog.Info("account banished after rejected deposit", "user", user.ID, "username", user.Username)
	return nil
}

func (s *Service) releaseReservation(ctx context.Context, tx *model.Transaction) error {
	if tx.FormationID == "" {
		return nil
	}
	f, err := s.store.GetFormation(ctx, tx.FormationID)
	if err != nil {
		return err
	}
	if err := formation.Release(f, tx.PositionKey, tx.UserID); err != nil {
		return err
	}
	if err := s.store.UpdateFormation(ctx, f); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return s.quarantine(f.ID, err)
		}
		return err
	}
	return s.store.SetUserPlacement(ctx, tx.UserID, "", "")
}

// --- Payout ---

// RequestPayout opens a PENDING payout hold. Only the apex of a complete
// formation is eligible; the amount must not exceed the available
// balance. The requester observes PENDING and polls or subscribes — the
// admin decision is asynchronous.
func (s *Service) RequestPayout(ctx context.Context, userID string, amount decimal.Decimal) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Deleted {
		return nil, ErrBanished
	}
	if user.PositionKey != "A" || user.FormationID == "" {
		return nil, fmt.Errorf("%w: position %q", ErrNotEligibleForPayout, user.PositionKey)
	}
	if s.halted[user.FormationID] {
		return nil, fmt.Errorf("%w: formation %s is quarantined", ErrConsistencyViolation, user.FormationID)
	}

	f, err := s.store.GetFormation(ctx, user.FormationID)
	if err != nil {
		return nil, err
	}
	if !f.IsComplete() {
		return nil, fmt.Errorf("%w: formation %s has %d of %d paid positions",
			ErrNotEligibleForPayout, f.ID, f.FilledCount, formation.Size)
	}
	if f.PayoutProcessed() {
		return nil, fmt.Errorf("%w: formation %s already cycled", ErrNotEligibleForPayout, f.ID)
	}

	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("engine: payout amount must be positive")
	}
	if amount.GreaterThan(user.Balance) {
		return nil, fmt.Errorf("%w: requested %s, available %s",
			ErrInsufficientBalance, amount.Round(payout.Scale), user.Balance.Round(payout.Scale))
	}

	now := time.Now().UTC()
	tx := &model.Transaction{
		ID:          uuid.New().String(),
		UserID:      userID,
		Type:        model.TypePayout,
		Status:      model.StatusPending,
		Amount:      amount.Round(payout.Scale),
		FormationID: f.ID,
		PositionKey: user.PositionKey,
		CreatedAt:   now,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	slog.Info("payout requested", "user", userID, "formation", f.ID, "amount", tx.Amount.String())
	return tx, nil
}

// applyPayoutConfirmed debits the balance, cycles the formation, and
// splits it into two successors in one store transaction.
func (s *Service) applyPayoutConfirmed(ctx context.Context, tx *model.Transaction, now time.Time) error {
	user, err := s.store.GetUser(ctx, tx.UserID)
	if err != nil {
		return err
	}
	if tx.Amount.GreaterThan(user.Balance) {
		return fmt.Errorf("%w: requested %s, available %s",
			ErrInsufficientBalance, tx.Amount, user.Balance.Round(payout.Scale))
	}

	f, err := s.store.GetFormation(ctx, tx.FormationID)
	if err != nil {
		return err
	}
	if err := formation.Cycle(f); err != nil {
		if errors.Is(err, formation.ErrAlreadyCycled) {
			// Idempotent: the cycle and split already ran.
			return nil
		}
		return err
	}

	if err := s.store.CreditUser(ctx, user.ID, tx.Amount.Neg(), decimal.Zero, decimal.Zero, decimal.Zero); err != nil {
		return err
	}

	return s.split(ctx, f, now)
}

// split retires the cycled formation and spawns its two successors.
// The store applies everything in a single transaction; any failure here
// after the debit quarantines the aggregate — readers must never observe
// a retired apex formation without both successors.
func (s *Service) split(ctx context.Context, f *model.Formation, now time.Time) error {
	p, err := s.catalog.Get(f.PlanType)
	if err != nil {
		return err
	}

	sp, err := formation.Split(f, p.SplitRoots, [2]string{uuid.New().String(), uuid.New().String()}, now)
	if err != nil {
		return s.quarantine(f.ID, err)
	}
	if err := s.store.ApplySplit(ctx, f, sp.Children, sp.Moves, sp.Retired); err != nil {
		return s.quarantine(f.ID, err)
	}

	metrics.SplitsTotal.WithLabelValues(f.PlanType).Inc()
	slog.Info("formation split",
		"formation", f.ID,
		"plan", f.PlanType,
		"children", []string{sp.Children[0].ID, sp.Children[1].ID},
	)
	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:        EventFormationSplit,
			FormationID: f.ID,
			PlanType:    f.PlanType,
			ChildIDs:    []string{sp.Children[0].ID, sp.Children[1].ID},
		})
	}
	return nil
}

// quarantine freezes an aggregate after a consistency violation and
// alerts operators. The violation is never surfaced to end users.
func (s *Service) quarantine(formationID string, cause error) error {
	s.halted[formationID] = true
	metrics.ConsistencyViolations.Inc()
	slog.Error("consistency violation, formation quarantined",
		"formation", formationID,
		"cause", cause,
	)
	return fmt.Errorf("%w: formation %s: %v", ErrConsistencyViolation, formationID, cause)
}

// Halted reports whether a formation is quarantined.
func (s *Service) Halted(formationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted[formationID]
}

// --- Read models ---

// GetFormation returns the formation read model.
func (s *Service) GetFormation(ctx context.Context, id string) (*model.Formation, error) {
	return s.store.GetFormation(ctx, id)
}

// TransactionStatus is the poll-friendly status projection.
type TransactionStatus struct {
	ID              string                  `json:"id"`
	Status          model.TransactionStatus `json:"status"`
	Closable        bool                    `json:"closable"`
	DeleteAccount   bool                    `json:"delete_account"`
	RejectionReason string                  `json:"rejection_reason,omitempty"`
}

// GetTransactionStatus projects a transaction for status polling.
func (s *Service) GetTransactionStatus(ctx context.Context, id string) (*TransactionStatus, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return &TransactionStatus{
		ID:              tx.ID,
		Status:          tx.Status,
		Closable:        ledger.Terminal(tx.Status),
		DeleteAccount:   tx.Type == model.TypeDeposit && tx.Status == model.StatusRejected,
		RejectionReason: tx.RejectionReason,
	}, nil
}

// Referrer is the pre-validation projection for a referral code: the
// plan is included because referral locks plan selection.
type Referrer struct {
	Username string `json:"username"`
	Plan     string `json:"plan"`
}

// ResolveReferrer validates a referral code before placement.
func (s *Service) ResolveReferrer(ctx context.Context, code string) (*Referrer, error) {
	u, err := s.store.GetUserByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidReferrer, code)
		}
		return nil, err
	}
	return &Referrer{Username: u.Username, Plan: u.PlanType}, nil
}

func (s *Service) broadcastFinalized(tx *model.Transaction) {
	if s.hub == nil || !ledger.Terminal(tx.Status) {
		return
	}
	s.hub.Broadcast(Event{
		Type:          EventTransactionFinalized,
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Status:        string(tx.Status),
	})
}

// derivedTxID names a side-effect transaction after the event that
// caused it, so reprocessing the event collides on the record's ID
// instead of crediting twice.
func derivedTxID(kind, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(kind+":"+key)).String()
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:10])
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
