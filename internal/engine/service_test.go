package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/trigon/triangle-engine/internal/engine"
	"github.com/trigon/triangle-engine/internal/formation"
	"github.com/trigon/triangle-engine/internal/ledger"
	"github.com/trigon/triangle-engine/internal/model"
	"github.com/trigon/triangle-engine/internal/plan"
	"github.com/trigon/triangle-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestService(t *testing.T) (*engine.Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	catalog, err := plan.DefaultCatalog(plan.Config{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return engine.NewService(st, catalog, nil), st
}

func register(t *testing.T, svc *engine.Service, username, planType, code string) *engine.Registration {
	t.Helper()
	reg, err := svc.Register(context.Background(), engine.RegisterParams{
		Username:     username,
		Wallet:       "0x" + username,
		PlanType:     planType,
		ReferralCode: code,
	})
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return reg
}

func confirm(t *testing.T, svc *engine.Service, txID string) *model.Transaction {
	t.Helper()
	tx, err := svc.ConfirmTransaction(context.Background(), txID)
	if err != nil {
		t.Fatalf("confirm %s: %v", txID, err)
	}
	return tx
}

// fillKingFormation registers 15 members and confirms every deposit, so
// the formation completes on the 15th confirmation. Returns the
// formation ID and the user ID occupying each position key.
func fillKingFormation(t *testing.T, svc *engine.Service, prefix string) (string, map[string]string) {
	t.Helper()
	byKey := make(map[string]string, formation.Size)
	var formationID string
	for i := 1; i <= formation.Size; i++ {
		reg := register(t, svc, fmt.Sprintf("%s%02d", prefix, i), plan.TierKing, "")
		if formationID == "" {
			formationID = reg.FormationID
		}
		if reg.FormationID != formationID {
			t.Fatalf("member %d placed in formation %s, want %s", i, reg.FormationID, formationID)
		}
		byKey[reg.PositionKey] = reg.User.ID
		confirm(t, svc, reg.Deposit.ID)
	}
	return formationID, byKey
}

func TestRegister_FreshFormation(t *testing.T) {
	svc, st := newTestService(t)

	reg := register(t, svc, "alice", plan.TierKing, "")
	if reg.PositionKey != "A" {
		t.Errorf("first registrant at %s, want apex", reg.PositionKey)
	}
	if !reg.Deposit.Amount.Equal(d(1.00)) {
		t.Errorf("deposit amount = %s, want 1.00", reg.Deposit.Amount)
	}
	if reg.Deposit.Status != model.StatusPending {
		t.Errorf("deposit status = %s, want PENDING", reg.Deposit.Status)
	}
	if reg.User.ReferralCode == "" {
		t.Error("registrant has no referral code")
	}

	f, err := st.GetFormation(context.Background(), reg.FormationID)
	if err != nil {
		t.Fatalf("get formation: %v", err)
	}
	if f.State != model.StateFilling || f.FilledCount != 0 {
		t.Errorf("formation %s/%d, want FILLING/0 before approval", f.State, f.FilledCount)
	}
}

func TestRegister_UnknownPlan(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Register(context.Background(), engine.RegisterParams{Username: "bob", PlanType: "Emperor"})
	if !errors.Is(err, plan.ErrUnknownTier) {
		t.Errorf("got %v, want ErrUnknownTier", err)
	}
}

func TestRegister_ReferralForcesPlan(t *testing.T) {
	svc, _ := newTestService(t)

	sponsor := register(t, svc, "sponsor", plan.TierKing, "")

	// The referred member asked for Pawn; the referral wins.
	reg := register(t, svc, "invitee", plan.TierPawn, sponsor.User.ReferralCode)
	if reg.User.PlanType != plan.TierKing {
		t.Errorf("referred plan = %s, want King", reg.User.PlanType)
	}
	if reg.User.ReferredBy != sponsor.User.ID {
		t.Errorf("referred_by = %s, want sponsor", reg.User.ReferredBy)
	}
	if reg.FormationID != sponsor.FormationID {
		t.Errorf("referred member placed outside sponsor's formation")
	}
	if reg.PositionKey != "B" {
		t.Errorf("referred member at %s, want B (first vacancy under sponsor)", reg.PositionKey)
	}
}

func TestRegister_DuplicateUsername(t *testing.T) {
	svc, _ := newTestService(t)
	register(t, svc, "alice", plan.TierKing, "")

	_, err := svc.Register(context.Background(), engine.RegisterParams{
		Username: "alice",
		PlanType: plan.TierKing,
	})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("got %v, want ErrDuplicate", err)
	}
}

func TestRegister_InvalidReferralCode(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Register(context.Background(), engine.RegisterParams{
		Username:     "carol",
		ReferralCode: "NOSUCHCODE",
	})
	if !errors.Is(err, engine.ErrInvalidReferrer) {
		t.Errorf("got %v, want ErrInvalidReferrer", err)
	}
}

func TestConfirmDeposit_OccupiesSlotAndPaysCommission(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sponsor := register(t, svc, "sponsor", plan.TierKing, "")
	confirm(t, svc, sponsor.Deposit.ID)

	invitee := register(t, svc, "invitee", "", sponsor.User.ReferralCode)
	confirm(t, svc, invitee.Deposit.ID)

	f, _ := st.GetFormation(ctx, sponsor.FormationID)
	if f.FilledCount != 2 {
		t.Errorf("filled count = %d, want 2", f.FilledCount)
	}

	// 10% of the King price, to the direct referrer only.
	u, _ := st.GetUser(ctx, sponsor.User.ID)
	if !u.Balance.Equal(d(0.10)) {
		t.Errorf("sponsor balance = %s, want 0.10", u.Balance)
	}
	if !u.ReferralBonus.Equal(d(0.10)) {
		t.Errorf("sponsor referral bonus = %s, want 0.10", u.ReferralBonus)
	}

	txs, _ := st.ListTransactionsByUser(ctx, sponsor.User.ID)
	var commissions int
	for _, tx := range txs {
		if tx.Type == model.TypeReferral {
			commissions++
			if tx.Status != model.StatusCompleted || !tx.Amount.Equal(d(0.10)) {
				t.Errorf("commission record %s/%s, want COMPLETED/0.10", tx.Status, tx.Amount)
			}
		}
	}
	if commissions != 1 {
		t.Errorf("%d commission records, want 1", commissions)
	}
}

func TestCompletion_CreditsEveryTier(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	formationID, byKey := fillKingFormation(t, svc, "m")

	f, _ := st.GetFormation(ctx, formationID)
	if f.State != model.StateComplete {
		t.Fatalf("state = %s, want COMPLETE", f.State)
	}
	if f.FilledCount != formation.Size {
		t.Fatalf("filled count = %d, want %d", f.FilledCount, formation.Size)
	}
	if f.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}

	wantBalance := map[string]decimal.Decimal{
		"A":   d(4.00),
		"B":   d(3.00),
		"C1":  d(2.00),
		"B22": d(2.00),
	}
	for key, want := range wantBalance {
		u, err := st.GetUser(ctx, byKey[key])
		if err != nil {
			t.Fatalf("get occupant of %s: %v", key, err)
		}
		if !u.Balance.Equal(want) {
			t.Errorf("occupant of %s balance = %s, want %s", key, u.Balance, want)
		}
		if !u.PlanEarnings.Equal(want) {
			t.Errorf("occupant of %s plan earnings = %s, want %s", key, u.PlanEarnings, want)
		}
	}

	// The apex's earnings arrive as a COMPLETED bonus record.
	txs, _ := st.ListTransactionsByUser(ctx, byKey["A"])
	var bonuses int
	for _, tx := range txs {
		if tx.Type == model.TypeBonus {
			bonuses++
			if !tx.Amount.Equal(d(4.00)) || tx.Status != model.StatusCompleted {
				t.Errorf("bonus record %s/%s, want COMPLETED/4.00", tx.Status, tx.Amount)
			}
		}
	}
	if bonuses != 1 {
		t.Errorf("%d bonus records for apex, want 1", bonuses)
	}
}

func TestRequestPayout_Eligibility(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	apex := register(t, svc, "apex", plan.TierKing, "")
	confirm(t, svc, apex.Deposit.ID)
	member := register(t, svc, "member", plan.TierKing, "")
	confirm(t, svc, member.Deposit.ID)

	// Not the apex.
	if _, err := svc.RequestPayout(ctx, member.User.ID, d(1)); !errors.Is(err, engine.ErrNotEligibleForPayout) {
		t.Errorf("non-apex: got %v, want ErrNotEligibleForPayout", err)
	}
	// Apex of an incomplete formation.
	if _, err := svc.RequestPayout(ctx, apex.User.ID, d(1)); !errors.Is(err, engine.ErrNotEligibleForPayout) {
		t.Errorf("incomplete: got %v, want ErrNotEligibleForPayout", err)
	}
}

func TestRequestPayout_BalanceCeiling(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, byKey := fillKingFormation(t, svc, "m")
	apexID := byKey["A"]

	if _, err := svc.RequestPayout(ctx, apexID, d(4.01)); !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Errorf("over balance: got %v, want ErrInsufficientBalance", err)
	}
	if _, err := svc.RequestPayout(ctx, apexID, decimal.Zero); err == nil {
		t.Error("zero amount accepted")
	}

	tx, err := svc.RequestPayout(ctx, apexID, d(4.00))
	if err != nil {
		t.Fatalf("payout request: %v", err)
	}
	if tx.Status != model.StatusPending || tx.Type != model.TypePayout {
		t.Errorf("payout hold %s/%s, want PENDING PAYOUT", tx.Type, tx.Status)
	}

	// Funds stay available until the admin decides.
	u, _ := st.GetUser(ctx, apexID)
	if !u.Balance.Equal(d(4.00)) {
		t.Errorf("balance = %s before decision, want 4.00", u.Balance)
	}
}

func TestPayoutConfirmed_CyclesAndSplits(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	formationID, byKey := fillKingFormation(t, svc, "m")
	apexID := byKey["A"]

	hold, err := svc.RequestPayout(ctx, apexID, d(4.00))
	if err != nil {
		t.Fatalf("payout request: %v", err)
	}
	confirm(t, svc, hold.ID)

	parent, _ := st.GetFormation(ctx, formationID)
	if parent.State != model.StateCycled {
		t.Fatalf("parent state = %s, want CYCLED", parent.State)
	}
	u, _ := st.GetUser(ctx, apexID)
	if !u.Balance.Equal(decimal.Zero) {
		t.Errorf("apex balance = %s after payout, want 0", u.Balance)
	}

	all, _ := st.ListFormations(ctx, plan.TierKing)
	var children []model.Formation
	for _, f := range all {
		if f.ParentID == formationID {
			children = append(children, f)
		}
	}
	if len(children) != 2 {
		t.Fatalf("%d successors, want 2", len(children))
	}
	for _, c := range children {
		if c.State != model.StateFilling || c.FilledCount != 6 {
			t.Errorf("successor %s: %s/%d, want FILLING/6", c.ID, c.State, c.FilledCount)
		}
	}

	// Former level-2 occupants become the new apexes.
	for _, key := range []string{"B1", "C1"} {
		u, _ := st.GetUser(ctx, byKey[key])
		if u.PositionKey != "A" {
			t.Errorf("former %s occupant now at %q, want A", key, u.PositionKey)
		}
	}
	// The top three are retired.
	for _, key := range []string{"A", "B", "C"} {
		u, _ := st.GetUser(ctx, byKey[key])
		if u.FormationID != "" || u.PositionKey != "" {
			t.Errorf("former %s occupant still placed at %s/%s", key, u.FormationID, u.PositionKey)
		}
	}
}

func TestPayoutConfirmed_IsIdempotentOnCycled(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	formationID, byKey := fillKingFormation(t, svc, "m")
	apexID := byKey["A"]

	// Two holds against the same completed formation; the second admin
	// confirmation finds the formation already cycled and applies no
	// effects, so only the first hold debits.
	first, err := svc.RequestPayout(ctx, apexID, d(2.00))
	if err != nil {
		t.Fatalf("first hold: %v", err)
	}
	second, err := svc.RequestPayout(ctx, apexID, d(2.00))
	if err != nil {
		t.Fatalf("second hold: %v", err)
	}

	confirm(t, svc, first.ID)
	confirm(t, svc, second.ID)

	parent, _ := st.GetFormation(ctx, formationID)
	if parent.State != model.StateCycled {
		t.Fatalf("parent state = %s, want CYCLED", parent.State)
	}
	all, _ := st.ListFormations(ctx, plan.TierKing)
	var successors int
	for _, f := range all {
		if f.ParentID == formationID {
			successors++
		}
	}
	if successors != 2 {
		t.Errorf("%d successors after double confirm, want 2", successors)
	}
	u, _ := st.GetUser(ctx, apexID)
	if !u.Balance.Equal(d(2.00)) {
		t.Errorf("apex balance = %s, want 2.00 (only the first hold debits)", u.Balance)
	}
}

func TestRejectDeposit_BanishesAndFreesSlot(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "mallory", plan.TierQueen, "")
	tx, err := svc.RejectTransaction(ctx, reg.Deposit.ID, "chargeback risk")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if tx.Status != model.StatusRejected || tx.RejectionReason != "chargeback risk" {
		t.Errorf("rejected tx = %s/%q", tx.Status, tx.RejectionReason)
	}

	u, _ := st.GetUser(ctx, reg.User.ID)
	if !u.Deleted {
		t.Error("rejected depositor not banished")
	}

	f, _ := st.GetFormation(ctx, reg.FormationID)
	pos, err := formation.PositionAt(f, reg.PositionKey)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.OccupantID != "" {
		t.Errorf("slot %s still reserved by %s", reg.PositionKey, pos.OccupantID)
	}

	// The one-time rejoin profile is staged.
	p, err := st.PeekRejoin(ctx, "mallory")
	if err != nil {
		t.Fatalf("peek rejoin: %v", err)
	}
	if p.PlanType != plan.TierQueen || p.Wallet != "0xmallory" {
		t.Errorf("rejoin profile = %s/%s", p.PlanType, p.Wallet)
	}
}

func TestRejoin_PrefillsAndIsConsumed(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	first := register(t, svc, "mallory", plan.TierQueen, "")
	if _, err := svc.RejectTransaction(ctx, first.Deposit.ID, "bad funds"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// Re-registration with nothing but the username picks up the staged
	// plan and gets a fresh placement.
	again, err := svc.Register(ctx, engine.RegisterParams{Username: "mallory"})
	if err != nil {
		t.Fatalf("rejoin register: %v", err)
	}
	if again.User.PlanType != plan.TierQueen {
		t.Errorf("rejoin plan = %s, want Queen", again.User.PlanType)
	}
	if again.User.ID == first.User.ID {
		t.Error("rejoin reused the banished account")
	}

	if _, err := st.PeekRejoin(ctx, "mallory"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("rejoin profile not consumed: %v", err)
	}
}

func TestCancelDeposit_FreesSlotWithoutBanishment(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "dave", plan.TierPawn, "")
	if _, err := svc.CancelTransaction(ctx, reg.Deposit.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	u, _ := st.GetUser(ctx, reg.User.ID)
	if u.Deleted {
		t.Error("cancellation must not banish")
	}
	f, _ := st.GetFormation(ctx, reg.FormationID)
	pos, _ := formation.PositionAt(f, reg.PositionKey)
	if pos.OccupantID != "" {
		t.Errorf("slot %s still reserved after cancel", reg.PositionKey)
	}
}

func TestDecisions_OnFinalizedTransaction(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "erin", plan.TierKnight, "")
	if _, err := svc.RejectTransaction(ctx, reg.Deposit.ID, "no"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if _, err := svc.ConfirmTransaction(ctx, reg.Deposit.ID); !errors.Is(err, ledger.ErrAlreadyFinalized) {
		t.Errorf("confirm after reject: got %v, want ErrAlreadyFinalized", err)
	}
	if _, err := svc.CancelTransaction(ctx, reg.Deposit.ID); !errors.Is(err, ledger.ErrAlreadyFinalized) {
		t.Errorf("cancel after reject: got %v, want ErrAlreadyFinalized", err)
	}

	// No effects ran twice: the user is banished exactly once, the slot
	// stays free.
	u, _ := st.GetUser(ctx, reg.User.ID)
	if !u.Deleted {
		t.Error("banishment lost")
	}
}

func TestExpire_DepositsHaveNoTimeLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "frank", plan.TierKing, "")
	if _, err := svc.ExpireTransaction(ctx, reg.Deposit.ID); !errors.Is(err, ledger.ErrDepositsDoNotExpire) {
		t.Errorf("deposit expiry: got %v, want ErrDepositsDoNotExpire", err)
	}
}

func TestExpire_PayoutHold(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, byKey := fillKingFormation(t, svc, "m")
	hold, err := svc.RequestPayout(ctx, byKey["A"], d(4.00))
	if err != nil {
		t.Fatalf("payout request: %v", err)
	}
	tx, err := svc.ExpireTransaction(ctx, hold.ID)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if tx.Status != model.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", tx.Status)
	}
}

func TestCompleteTransaction_ClosesConfirmed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "grace", plan.TierKing, "")
	confirm(t, svc, reg.Deposit.ID)

	tx, err := svc.CompleteTransaction(ctx, reg.Deposit.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if tx.Status != model.StatusCompleted || tx.DecidedAt == nil {
		t.Errorf("completed tx = %s, decided %v", tx.Status, tx.DecidedAt)
	}

	status, err := svc.GetTransactionStatus(ctx, reg.Deposit.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Closable || status.DeleteAccount {
		t.Errorf("projection closable=%v delete=%v, want true/false", status.Closable, status.DeleteAccount)
	}
}

func TestTransactionStatus_RejectedDepositSignalsDeletion(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	reg := register(t, svc, "heidi", plan.TierKing, "")
	if _, err := svc.RejectTransaction(ctx, reg.Deposit.ID, "fraud"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	status, err := svc.GetTransactionStatus(ctx, reg.Deposit.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Closable || !status.DeleteAccount || status.RejectionReason != "fraud" {
		t.Errorf("projection = %+v", status)
	}
}

func TestResolveReferrer(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sponsor := register(t, svc, "sponsor", plan.TierKnight, "")
	ref, err := svc.ResolveReferrer(ctx, sponsor.User.ReferralCode)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ref.Username != "sponsor" || ref.Plan != plan.TierKnight {
		t.Errorf("referrer = %+v", ref)
	}

	if _, err := svc.ResolveReferrer(ctx, "BOGUS"); !errors.Is(err, engine.ErrInvalidReferrer) {
		t.Errorf("got %v, want ErrInvalidReferrer", err)
	}
}

func TestRegister_Concurrent(t *testing.T) {
	svc, st := newTestService(t)

	const n = 30
	var wg sync.WaitGroup
	regs := make([]*engine.Registration, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			regs[i], errs[i] = svc.Register(context.Background(), engine.RegisterParams{
				Username: fmt.Sprintf("racer%02d", i),
				PlanType: plan.TierKing,
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d: %v", i, errs[i])
		}
		slot := regs[i].FormationID + "/" + regs[i].PositionKey
		seen[slot]++
		if seen[slot] > 1 {
			t.Errorf("slot %s assigned twice", slot)
		}
	}

	fs, _ := st.ListFormations(context.Background(), plan.TierKing)
	var reserved int
	for _, f := range fs {
		count := 0
		for _, pos := range f.Positions {
			if pos.OccupantID != "" {
				count++
			}
		}
		if count > formation.Size {
			t.Errorf("formation %s has %d occupants", f.ID, count)
		}
		reserved += count
	}
	if reserved != n {
		t.Errorf("%d reservations across formations, want %d", reserved, n)
	}
}

// conflictingStore simulates a second writer by failing the next
// formation update with a version conflict.
type conflictingStore struct {
	store.Store
	fail bool
}

func (c *conflictingStore) UpdateFormation(ctx context.Context, f *model.Formation) error {
	if c.fail {
		c.fail = false
		return fmt.Errorf("%w: simulated", store.ErrVersionConflict)
	}
	return c.Store.UpdateFormation(ctx, f)
}

func TestVersionConflict_QuarantinesFormation(t *testing.T) {
	st := store.NewMemoryStore()
	cs := &conflictingStore{Store: st}
	catalog, err := plan.DefaultCatalog(plan.Config{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	svc := engine.NewService(cs, catalog, nil)
	ctx := context.Background()

	reg := register(t, svc, "victim", plan.TierKing, "")

	cs.fail = true
	_, err = svc.ConfirmTransaction(ctx, reg.Deposit.ID)
	if !errors.Is(err, engine.ErrConsistencyViolation) {
		t.Fatalf("got %v, want ErrConsistencyViolation", err)
	}
	if !svc.Halted(reg.FormationID) {
		t.Error("formation not quarantined")
	}

	// Every further decision touching the aggregate is refused.
	if _, err := svc.ConfirmTransaction(ctx, reg.Deposit.ID); !errors.Is(err, engine.ErrConsistencyViolation) {
		t.Errorf("decision on quarantined formation: got %v", err)
	}
}

// flakyStatusStore loses transaction status writes while the flag is
// set, as if the process died between the effects and the persist.
type flakyStatusStore struct {
	store.Store
	drop bool
}

func (s *flakyStatusStore) UpdateTransactionStatus(ctx context.Context, tx *model.Transaction) error {
	if s.drop {
		return fmt.Errorf("store: connection lost")
	}
	return s.Store.UpdateTransactionStatus(ctx, tx)
}

func TestConfirmDeposit_ReprocessCreditsCommissionOnce(t *testing.T) {
	st := store.NewMemoryStore()
	fs := &flakyStatusStore{Store: st}
	catalog, err := plan.DefaultCatalog(plan.Config{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	svc := engine.NewService(fs, catalog, nil)
	ctx := context.Background()

	sponsor := register(t, svc, "sponsor", plan.TierKing, "")
	confirm(t, svc, sponsor.Deposit.ID)
	invitee := register(t, svc, "invitee", "", sponsor.User.ReferralCode)

	// The commission lands but the status write is lost; the deposit
	// stays PENDING, so the admin retries the decision.
	fs.drop = true
	if _, err := svc.ConfirmTransaction(ctx, invitee.Deposit.ID); err == nil {
		t.Fatal("expected the lost status write to surface")
	}
	fs.drop = false
	tx := confirm(t, svc, invitee.Deposit.ID)
	if tx.Status != model.StatusConfirmed {
		t.Errorf("deposit status = %s after retry, want CONFIRMED", tx.Status)
	}

	u, err := st.GetUser(ctx, sponsor.User.ID)
	if err != nil {
		t.Fatalf("get sponsor: %v", err)
	}
	if !u.ReferralBonus.Equal(d(0.10)) {
		t.Errorf("sponsor referral bonus = %s after reprocess, want 0.10 credited exactly once", u.ReferralBonus)
	}
	txs, err := st.ListTransactionsByUser(ctx, sponsor.User.ID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	commissions := 0
	for _, rec := range txs {
		if rec.Type == model.TypeReferral {
			commissions++
		}
	}
	if commissions != 1 {
		t.Errorf("%d commission records, want 1", commissions)
	}
}

func TestConfirmDeposit_ReprocessAfterCompletion(t *testing.T) {
	st := store.NewMemoryStore()
	fs := &flakyStatusStore{Store: st}
	catalog, err := plan.DefaultCatalog(plan.Config{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	svc := engine.NewService(fs, catalog, nil)
	ctx := context.Background()

	var regs []*engine.Registration
	for i := 1; i <= formation.Size; i++ {
		regs = append(regs, register(t, svc, fmt.Sprintf("m%02d", i), plan.TierKing, ""))
	}
	for _, reg := range regs[:formation.Size-1] {
		confirm(t, svc, reg.Deposit.ID)
	}

	// The 15th fill and the earnings persist, the status write does
	// not. The formation has left FILLING, so the retry must settle the
	// stranded deposit instead of rejecting it, without paying twice.
	last := regs[formation.Size-1]
	fs.drop = true
	if _, err := svc.ConfirmTransaction(ctx, last.Deposit.ID); err == nil {
		t.Fatal("expected the lost status write to surface")
	}
	fs.drop = false
	tx := confirm(t, svc, last.Deposit.ID)
	if tx.Status != model.StatusConfirmed {
		t.Errorf("deposit status = %s after retry, want CONFIRMED", tx.Status)
	}

	f, err := st.GetFormation(ctx, last.FormationID)
	if err != nil {
		t.Fatalf("get formation: %v", err)
	}
	if !f.IsComplete() {
		t.Errorf("formation %s/%d, want COMPLETE/15", f.State, f.FilledCount)
	}

	apex, err := st.GetUser(ctx, regs[0].User.ID)
	if err != nil {
		t.Fatalf("get apex: %v", err)
	}
	if !apex.Balance.Equal(d(4.00)) {
		t.Errorf("apex balance = %s after reprocess, want 4.00 credited exactly once", apex.Balance)
	}
	txs, err := st.ListTransactionsByUser(ctx, apex.ID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	bonuses := 0
	for _, rec := range txs {
		if rec.Type == model.TypeBonus {
			bonuses++
		}
	}
	if bonuses != 1 {
		t.Errorf("%d earnings records at the apex, want 1", bonuses)
	}
}

// brokenPlacementStore fails the next atomic placement outright.
type brokenPlacementStore struct {
	store.Store
	fail bool
}

func (s *brokenPlacementStore) ApplyPlacement(ctx context.Context, u *model.User, f *model.Formation, created bool, deposit *model.Transaction) error {
	if s.fail {
		s.fail = false
		return fmt.Errorf("store: connection lost")
	}
	return s.Store.ApplyPlacement(ctx, u, f, created, deposit)
}

func TestRegister_FailedPlacementLeavesNoTrace(t *testing.T) {
	st := store.NewMemoryStore()
	bs := &brokenPlacementStore{Store: st}
	catalog, err := plan.DefaultCatalog(plan.Config{})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	svc := engine.NewService(bs, catalog, nil)
	ctx := context.Background()

	sponsor := register(t, svc, "sponsor", plan.TierKing, "")
	confirm(t, svc, sponsor.Deposit.ID)

	bs.fail = true
	if _, err := svc.Register(ctx, engine.RegisterParams{Username: "ghost", PlanType: plan.TierKing}); err == nil {
		t.Fatal("expected placement failure")
	}

	// Neither an orphaned account nor a claimed slot survives: the same
	// username registers cleanly into the slot the failed attempt
	// targeted.
	reg := register(t, svc, "ghost", plan.TierKing, "")
	if reg.PositionKey != "B" {
		t.Errorf("retry placed at %s, want B", reg.PositionKey)
	}
	if reg.FormationID != sponsor.FormationID {
		t.Errorf("retry placed in formation %s, want %s", reg.FormationID, sponsor.FormationID)
	}
}
