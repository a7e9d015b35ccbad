// Package model defines the core domain types shared across the triangle
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// FormationState is the lifecycle state of a triangle formation.
type FormationState string

const (
	// StateFilling — positions still open or awaiting confirmed deposits.
	StateFilling FormationState = "FILLING"
	// StateComplete — all 15 positions occupied and paid.
	StateComplete FormationState = "COMPLETE"
	// StateCycled — apex payout processed; terminal. The formation is
	// archived, its members re-homed into the two successor formations.
	StateCycled FormationState = "CYCLED"
)

// Position is one slot in a formation, keyed by the fixed path scheme
// (A; B,C; B1,B2,C1,C2; B11..C22). An occupant is provisional until its
// deposit is confirmed (Paid). A paid occupant is never vacated except by
// the split that retires the whole formation.
type Position struct {
	Key        string    `json:"key" db:"key"`
	OccupantID string    `json:"occupant_id,omitempty" db:"occupant_id"` // empty = vacant
	Paid       bool      `json:"paid" db:"paid"`
	ReservedAt time.Time `json:"reserved_at,omitempty" db:"reserved_at"`
}

// Formation is one 15-slot triangle instance.
// FilledCount counts paid occupants only — a reserved-but-unconfirmed slot
// never counts toward completion.
type Formation struct {
	ID          string         `json:"id" db:"id"`
	PlanType    string         `json:"plan_type" db:"plan_type"`
	Positions   []Position     `json:"positions"` // fixed length 15, BFS order
	FilledCount int            `json:"filled_count" db:"filled_count"`
	State       FormationState `json:"state" db:"state"`
	ParentID    string         `json:"parent_id,omitempty" db:"parent_id"` // formation this one split from
	Version     int64          `json:"version" db:"version"`               // optimistic concurrency check
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// IsComplete reports whether all 15 positions are occupied and paid.
func (f *Formation) IsComplete() bool {
	return f.State == StateComplete || f.State == StateCycled
}

// PayoutProcessed reports whether the formation has cycled (terminal).
func (f *Formation) PayoutProcessed() bool {
	return f.State == StateCycled
}

// TransactionType partitions ledger events.
type TransactionType string

const (
	TypeDeposit  TransactionType = "DEPOSIT"
	TypePayout   TransactionType = "PAYOUT"
	TypeReferral TransactionType = "REFERRAL"
	TypeBonus    TransactionType = "BONUS"
	TypeRefund   TransactionType = "REFUND"
)

// TransactionStatus is the ledger lifecycle state. Transitions are
// governed by the ledger package and are monotonic: once a terminal
// status is reached the transaction is immutable.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusConfirmed TransactionStatus = "CONFIRMED"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusRejected  TransactionStatus = "REJECTED"
	StatusExpired   TransactionStatus = "EXPIRED"
	StatusCancelled TransactionStatus = "CANCELLED"
)

// Transaction is one ledger event. Amount is immutable once created.
type Transaction struct {
	ID              string            `json:"id" db:"id"`
	UserID          string            `json:"user_id" db:"user_id"`
	Type            TransactionType   `json:"type" db:"type"`
	Status          TransactionStatus `json:"status" db:"status"`
	Amount          decimal.Decimal   `json:"amount" db:"amount"`
	FormationID     string            `json:"formation_id,omitempty" db:"formation_id"` // set for deposits tied to a slot claim
	PositionKey     string            `json:"position_key,omitempty" db:"position_key"`
	RejectionReason string            `json:"rejection_reason,omitempty" db:"rejection_reason"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
	DecidedAt       *time.Time        `json:"decided_at,omitempty" db:"decided_at"`
}

// User carries the engine-relevant member state. Balance and the earned
// totals are mutated only through ledger-approved transactions.
type User struct {
	ID            string          `json:"id" db:"id"`
	Username      string          `json:"username" db:"username"`
	Wallet        string          `json:"wallet" db:"wallet"`
	PlanType      string          `json:"plan_type" db:"plan_type"`
	FormationID   string          `json:"formation_id" db:"formation_id"`
	PositionKey   string          `json:"position_key" db:"position_key"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	TotalEarned   decimal.Decimal `json:"total_earned" db:"total_earned"`
	PlanEarnings  decimal.Decimal `json:"plan_earnings" db:"plan_earnings"`
	ReferralBonus decimal.Decimal `json:"referral_bonus" db:"referral_bonus"`
	ReferralCode  string          `json:"referral_code" db:"referral_code"`
	ReferredBy    string          `json:"referred_by,omitempty" db:"referred_by"` // back-reference, not an ownership link
	Deleted       bool            `json:"deleted" db:"deleted"`                   // banished by a rejected initial deposit
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// RejoinProfile is the one-time pre-fill staged for a banished user,
// consumed on their next registration attempt.
type RejoinProfile struct {
	Username string    `json:"username" db:"username"`
	Wallet   string    `json:"wallet" db:"wallet"`
	PlanType string    `json:"plan_type" db:"plan_type"`
	StagedAt time.Time `json:"staged_at" db:"staged_at"`
}
