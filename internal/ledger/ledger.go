// Package ledger implements the per-transaction status lifecycle.
// Transitions are monotonic: PENDING → {CONFIRMED, REJECTED, CANCELLED},
// CONFIRMED → COMPLETED, and PENDING → EXPIRED for payout holds only —
// deposits in this system are explicitly not time-limited. Every forward
// transition is driven by an external admin decision; the ledger encodes
// its legality, the engine applies its effects.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/trigon/triangle-engine/internal/model"
)

var (
	// ErrAlreadyFinalized is returned for a decision on a transaction
	// whose status is terminal. Callers treat it as a recoverable no-op.
	ErrAlreadyFinalized = errors.New("ledger: transaction already finalized")

	// ErrIllegalTransition is returned for any transition outside the
	// state machine.
	ErrIllegalTransition = errors.New("ledger: illegal status transition")

	// ErrDepositsDoNotExpire rejects EXPIRED on deposit transactions.
	ErrDepositsDoNotExpire = errors.New("ledger: deposits have no time limit")
)

var transitions = map[model.TransactionStatus][]model.TransactionStatus{
	model.StatusPending: {
		model.StatusConfirmed,
		model.StatusRejected,
		model.StatusExpired,
		model.StatusCancelled,
	},
	model.StatusConfirmed: {
		model.StatusCompleted,
	},
}

// Terminal reports whether a status admits no further transitions.
func Terminal(s model.TransactionStatus) bool {
	switch s {
	case model.StatusCompleted, model.StatusRejected, model.StatusExpired, model.StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal edge for the given
// transaction type, without applying it.
func CanTransition(txType model.TransactionType, from, to model.TransactionStatus) error {
	if Terminal(from) {
		return fmt.Errorf("%w: %s", ErrAlreadyFinalized, from)
	}
	if to == model.StatusExpired && txType != model.TypePayout {
		return ErrDepositsDoNotExpire
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrIllegalTransition, from, to)
}

// Apply performs the transition on the transaction, stamping DecidedAt
// when a terminal status is reached. The amount is never touched.
func Apply(tx *model.Transaction, to model.TransactionStatus, now time.Time) error {
	if err := CanTransition(tx.Type, tx.Status, to); err != nil {
		return err
	}
	tx.Status = to
	if Terminal(to) {
		t := now
		tx.DecidedAt = &t
	}
	return nil
}
