package payout

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/trigon/triangle-engine/internal/plan"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func king(t *testing.T) plan.Plan {
	t.Helper()
	c, err := plan.DefaultCatalog(plan.Config{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	p, err := c.Get(plan.TierKing)
	if err != nil {
		t.Fatalf("get King: %v", err)
	}
	return p
}

func TestPlanEarnings_ByLevel(t *testing.T) {
	p := king(t)

	cases := []struct {
		key  string
		want decimal.Decimal
	}{
		{"A", d(4.00)},
		{"B", d(3.00)},
		{"C", d(3.00)},
		{"B1", d(2.00)},
		{"C2", d(2.00)},
		{"B11", d(2.00)},
		{"C22", d(2.00)},
	}
	for _, tc := range cases {
		got, err := PlanEarnings(p, tc.key)
		if err != nil {
			t.Fatalf("earnings at %s: %v", tc.key, err)
		}
		if !got.Equal(tc.want) {
			t.Errorf("earnings at %s = %s, want %s", tc.key, got, tc.want)
		}
	}
}

func TestPlanEarnings_UnknownPosition(t *testing.T) {
	p := king(t)
	if _, err := PlanEarnings(p, "D7"); err == nil {
		t.Error("expected error for unknown position key")
	}
}

func TestPlanEarnings_Rounding(t *testing.T) {
	c, err := plan.DefaultCatalog(plan.Config{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	p, _ := c.Get(plan.TierQueen) // 0.75

	got, err := PlanEarnings(p, "B")
	if err != nil {
		t.Fatalf("earnings: %v", err)
	}
	if !got.Equal(d(2.25)) {
		t.Errorf("Queen level-1 earnings = %s, want 2.25", got)
	}
	if got.Exponent() < -2 {
		t.Errorf("earnings not rounded to 2dp: %s", got)
	}
}

func TestReferralCommission(t *testing.T) {
	c, _ := plan.DefaultCatalog(plan.Config{})
	cases := map[string]decimal.Decimal{
		plan.TierPawn:   d(0.03), // 0.025 rounds half-up
		plan.TierKnight: d(0.05),
		plan.TierQueen:  d(0.08), // 0.075 rounds half-up
		plan.TierKing:   d(0.10),
	}
	for tier, want := range cases {
		p, _ := c.Get(tier)
		if got := ReferralCommission(p); !got.Equal(want) {
			t.Errorf("%s commission = %s, want %s", tier, got, want)
		}
	}
}

func TestApexEntitlement(t *testing.T) {
	p := king(t)
	if got := ApexEntitlement(p); !got.Equal(d(4.00)) {
		t.Errorf("apex entitlement = %s, want 4.00", got)
	}
}
