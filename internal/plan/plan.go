// Package plan defines the catalog of plan tiers: entry price, payout
// multipliers per formation level, and the referral bonus rate.
//
// The catalog is immutable per deployment. Exactly one plan exists per
// tier name.
package plan

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Tier names form a small closed set.
const (
	TierPawn   = "Pawn"
	TierKnight = "Knight"
	TierQueen  = "Queen"
	TierKing   = "King"
)

var (
	// ErrUnknownTier is returned when a plan lookup does not resolve.
	ErrUnknownTier = errors.New("plan: unknown tier")

	// ErrInvalidLeafMultiplier is returned when a catalog is configured
	// with a non-positive leaf multiplier.
	ErrInvalidLeafMultiplier = errors.New("plan: leaf multiplier must be positive")
)

// Plan is one pricing/payout tier.
type Plan struct {
	Name              string          `json:"name"`
	Price             decimal.Decimal `json:"price"`
	ReferralBonusRate decimal.Decimal `json:"referral_bonus_rate"` // fixed at 0.10

	// Multipliers of Price earned per formation level when a formation
	// completes: apex (level 0), level 1, level 2, level 3 leaves.
	// The leaf tier has been run at both 2x and 4x, so it is a
	// deployment knob rather than a constant.
	ApexMultiplier   decimal.Decimal `json:"apex_multiplier"`
	Level1Multiplier decimal.Decimal `json:"level1_multiplier"`
	Level2Multiplier decimal.Decimal `json:"level2_multiplier"`
	LeafMultiplier   decimal.Decimal `json:"leaf_multiplier"`

	// SplitRoots are the two position keys whose subtrees seed the
	// successor formations when this plan's formations cycle. The 15-slot
	// shape (1+2+4+8) only cleanly generalizes the binary case, so the
	// choice is fixed per plan instead of derived.
	SplitRoots [2]string `json:"split_roots"`
}

// Catalog is the closed set of plans, keyed by tier name.
type Catalog struct {
	plans map[string]Plan
	order []string
}

// Config tunes the per-deployment knobs.
type Config struct {
	// LeafMultiplier applies to the eight depth-3 positions.
	// Zero means the default of 2.
	LeafMultiplier decimal.Decimal
}

var referralRate = decimal.NewFromFloat(0.10)

// DefaultCatalog builds the four-tier catalog with the given config.
func DefaultCatalog(cfg Config) (*Catalog, error) {
	leaf := cfg.LeafMultiplier
	if leaf.IsZero() {
		leaf = decimal.NewFromInt(2)
	}
	if leaf.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLeafMultiplier
	}

	c := &Catalog{plans: make(map[string]Plan)}
	add := func(name string, price float64) {
		c.plans[name] = Plan{
			Name:              name,
			Price:             decimal.NewFromFloat(price),
			ReferralBonusRate: referralRate,
			ApexMultiplier:    decimal.NewFromInt(4),
			Level1Multiplier:  decimal.NewFromInt(3),
			Level2Multiplier:  decimal.NewFromInt(2),
			LeafMultiplier:    leaf,
			SplitRoots:        [2]string{"B", "C"},
		}
		c.order = append(c.order, name)
	}

	add(TierPawn, 0.25)
	add(TierKnight, 0.50)
	add(TierQueen, 0.75)
	add(TierKing, 1.00)

	return c, nil
}

// Get resolves a plan by tier name.
func (c *Catalog) Get(name string) (Plan, error) {
	p, ok := c.plans[name]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	return p, nil
}

// Has reports whether the tier name exists.
func (c *Catalog) Has(name string) bool {
	_, ok := c.plans[name]
	return ok
}

// List returns all plans in catalog order.
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.plans[name])
	}
	return out
}

// MultiplierForLevel returns the payout multiplier for a formation level.
// Levels outside 0–3 do not exist in the 15-slot scheme.
func (p Plan) MultiplierForLevel(level int) (decimal.Decimal, error) {
	switch level {
	case 0:
		return p.ApexMultiplier, nil
	case 1:
		return p.Level1Multiplier, nil
	case 2:
		return p.Level2Multiplier, nil
	case 3:
		return p.LeafMultiplier, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("plan: no multiplier for level %d", level)
	}
}
