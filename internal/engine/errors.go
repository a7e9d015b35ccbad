package engine

import "errors"

// Error taxonomy surfaced by the engine. Placement and payout errors are
// returned synchronously with enough detail to render a message;
// consistency violations are never exposed to end users, only logged and
// counted.
var (
	// ErrInvalidReferrer — the supplied referral code does not resolve
	// to an existing user.
	ErrInvalidReferrer = errors.New("engine: referral code does not resolve")

	// ErrNoEligibleSlot — no open slot and formation creation failed.
	// Should not occur given the new-formation fallback; treated as
	// fatal and logged.
	ErrNoEligibleSlot = errors.New("engine: no eligible open slot")

	// ErrNotEligibleForPayout — requester is not the apex of a complete
	// formation. Recoverable, user-facing.
	ErrNotEligibleForPayout = errors.New("engine: payout requires the apex of a complete formation")

	// ErrInsufficientBalance — requested payout exceeds the available
	// balance.
	ErrInsufficientBalance = errors.New("engine: payout amount exceeds available balance")

	// ErrConsistencyViolation — a split partially applied or a fill
	// count mismatch. Fatal for the affected aggregate: further writes
	// to it are halted and operators alerted.
	ErrConsistencyViolation = errors.New("engine: consistency violation")

	// ErrBanished — the account was deleted after a rejected deposit.
	// Re-registration is permitted; see the rejoin staging.
	ErrBanished = errors.New("engine: account has been deleted")
)
