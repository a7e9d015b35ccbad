// Package store defines the persistence interface for the triangle
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/trigon/triangle-engine/internal/formation"
	"github.com/trigon/triangle-engine/internal/model"
)

var (
	// ErrNotFound is returned when a lookup does not resolve.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned when a formation update loses an
	// optimistic concurrency check. The engine treats an unexpected
	// conflict under its own serialization as a consistency violation.
	ErrVersionConflict = errors.New("store: formation version conflict")

	// ErrDuplicate is returned when a uniqueness constraint would break
	// (username, wallet, referral code).
	ErrDuplicate = errors.New("store: duplicate record")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Formations ---

	// CreateFormation persists a new formation.
	CreateFormation(ctx context.Context, f *model.Formation) error

	// GetFormation retrieves a formation by ID.
	GetFormation(ctx context.Context, id string) (*model.Formation, error)

	// ListFormations returns formations, optionally filtered by plan
	// type, oldest first.
	ListFormations(ctx context.Context, planType string) ([]model.Formation, error)

	// OldestOpenFormation returns the oldest FILLING formation of the
	// plan type that still has a vacant slot, or ErrNotFound.
	OldestOpenFormation(ctx context.Context, planType string) (*model.Formation, error)

	// UpdateFormation persists positions, fill count, and state. The
	// update is guarded by the formation's Version and bumps it; a lost
	// check returns ErrVersionConflict.
	UpdateFormation(ctx context.Context, f *model.Formation) error

	// ApplySplit atomically retires the old (CYCLED) formation, creates
	// both successors, re-homes every moved member, and clears placement
	// for the retired top three. Partial application is a consistency
	// violation, so implementations must make this a single transaction.
	ApplySplit(ctx context.Context, old *model.Formation, children [2]*model.Formation, moves []formation.Move, retired []string) error

	// ApplyPlacement atomically creates the registrant, persists their
	// slot claim (creating the formation when fresh, otherwise a
	// version-checked update), and opens the pending deposit. A failure
	// applies none of it: no orphaned user, no permanently blocked slot.
	ApplyPlacement(ctx context.Context, u *model.User, f *model.Formation, created bool, deposit *model.Transaction) error

	// --- Users ---

	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	// CreditUser applies a monotonic balance increment together with the
	// matching earned-total deltas. Negative balance deltas are debits.
	CreditUser(ctx context.Context, id string, balance, totalEarned, planEarnings, referralBonus decimal.Decimal) error

	// SetUserDeleted flags or unflags a banished account.
	SetUserDeleted(ctx context.Context, id string, deleted bool) error

	// SetUserPlacement records the user's formation and position.
	SetUserPlacement(ctx context.Context, id, formationID, positionKey string) error

	// --- Transactions (immutable amounts, monotonic status) ---

	CreateTransaction(ctx context.Context, tx *model.Transaction) error
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// UpdateTransactionStatus persists the status, decision timestamp,
	// and rejection reason after a ledger transition.
	UpdateTransactionStatus(ctx context.Context, tx *model.Transaction) error

	// --- Rejoin staging ---

	// StageRejoin stores the one-time pre-fill for a banished user,
	// replacing any prior staging for the same username.
	StageRejoin(ctx context.Context, p *model.RejoinProfile) error

	// PeekRejoin returns the staged profile without consuming it.
	PeekRejoin(ctx context.Context, username string) (*model.RejoinProfile, error)

	// TakeRejoin returns and consumes the staged profile.
	TakeRejoin(ctx context.Context, username string) (*model.RejoinProfile, error)
}
