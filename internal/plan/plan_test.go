package plan

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestDefaultCatalog(t *testing.T) {
	c, err := DefaultCatalog(Config{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	wantPrices := map[string]decimal.Decimal{
		TierPawn:   d(0.25),
		TierKnight: d(0.50),
		TierQueen:  d(0.75),
		TierKing:   d(1.00),
	}
	for name, price := range wantPrices {
		p, err := c.Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if !p.Price.Equal(price) {
			t.Errorf("%s price = %s, want %s", name, p.Price, price)
		}
		if !p.ReferralBonusRate.Equal(d(0.10)) {
			t.Errorf("%s referral rate = %s, want 0.10", name, p.ReferralBonusRate)
		}
		if p.SplitRoots != [2]string{"B", "C"} {
			t.Errorf("%s split roots = %v", name, p.SplitRoots)
		}
	}

	if len(c.List()) != 4 {
		t.Errorf("catalog lists %d plans, want 4", len(c.List()))
	}
}

func TestGet_UnknownTier(t *testing.T) {
	c, _ := DefaultCatalog(Config{})
	if _, err := c.Get("Emperor"); !errors.Is(err, ErrUnknownTier) {
		t.Errorf("expected ErrUnknownTier, got %v", err)
	}
	if c.Has("Emperor") {
		t.Error("Has should be false for unknown tier")
	}
	if !c.Has(TierKing) {
		t.Error("Has should be true for King")
	}
}

func TestMultiplierForLevel(t *testing.T) {
	c, _ := DefaultCatalog(Config{})
	p, _ := c.Get(TierKing)

	want := map[int]decimal.Decimal{0: d(4), 1: d(3), 2: d(2), 3: d(2)}
	for level, mult := range want {
		got, err := p.MultiplierForLevel(level)
		if err != nil {
			t.Fatalf("level %d: %v", level, err)
		}
		if !got.Equal(mult) {
			t.Errorf("level %d multiplier = %s, want %s", level, got, mult)
		}
	}

	if _, err := p.MultiplierForLevel(4); err == nil {
		t.Error("expected error for level 4")
	}
}

func TestLeafMultiplierKnob(t *testing.T) {
	c, err := DefaultCatalog(Config{LeafMultiplier: d(4)})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	p, _ := c.Get(TierQueen)
	got, _ := p.MultiplierForLevel(3)
	if !got.Equal(d(4)) {
		t.Errorf("configured leaf multiplier = %s, want 4", got)
	}

	if _, err := DefaultCatalog(Config{LeafMultiplier: d(-1)}); !errors.Is(err, ErrInvalidLeafMultiplier) {
		t.Errorf("expected ErrInvalidLeafMultiplier, got %v", err)
	}
}
