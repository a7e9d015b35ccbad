// Package payout computes plan earnings per position tier and the
// referral commission per referral edge. Everything here is a pure
// function of (level, plan) — crediting balances is the engine's job,
// gated on the ledger's terminal transitions.
//
// All amounts are shopspring/decimal rounded to two decimal places at
// the crediting boundary; decimal arithmetic is exact, so there is no
// floating-point drift to defend against internally.
package payout

import (
	"github.com/shopspring/decimal"

	"github.com/trigon/triangle-engine/internal/formation"
	"github.com/trigon/triangle-engine/internal/plan"
)

// Scale is the fixed-point display precision for credited amounts.
const Scale int32 = 2

// PlanEarnings returns the amount a member at the given position key
// earns when their formation completes: 4× plan price at the apex, 3× at
// level 1, 2× at levels 2 and 3 (the leaf multiplier is a catalog knob).
func PlanEarnings(p plan.Plan, positionKey string) (decimal.Decimal, error) {
	level, err := formation.Level(positionKey)
	if err != nil {
		return decimal.Decimal{}, err
	}
	mult, err := p.MultiplierForLevel(level)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return p.Price.Mul(mult).Round(Scale), nil
}

// ReferralCommission returns the commission owed to the direct referrer
// of a new member: 10% of the member's plan price, paid once, with no
// multi-level propagation.
func ReferralCommission(p plan.Plan) decimal.Decimal {
	return p.Price.Mul(p.ReferralBonusRate).Round(Scale)
}

// ApexEntitlement is the maximum single payout the apex can request from
// a completed formation.
func ApexEntitlement(p plan.Plan) decimal.Decimal {
	return p.Price.Mul(p.ApexMultiplier).Round(Scale)
}
