package engine_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/trigon/triangle-engine/internal/engine"
	"github.com/trigon/triangle-engine/internal/plan"
)

func newTestRouter(t *testing.T) (*chi.Mux, *engine.Service) {
	t.Helper()
	svc, _ := newTestService(t)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/register", svc.HandleRegister)
		r.Get("/referrers/{code}", svc.HandleResolveReferrer)
		r.Get("/rejoin/{username}", svc.HandleGetRejoin)
		r.Get("/plans", svc.HandleListPlans)
		r.Get("/triangles", svc.HandleListFormations)
		r.Get("/triangles/{formationID}", svc.HandleGetFormation)
		r.Post("/payouts", svc.HandleRequestPayout)
		r.Get("/transactions/{transactionID}", svc.HandleGetTransaction)
		r.Post("/transactions/{transactionID}/confirm", svc.HandleConfirmTransaction)
		r.Post("/transactions/{transactionID}/complete", svc.HandleCompleteTransaction)
		r.Post("/transactions/{transactionID}/reject", svc.HandleRejectTransaction)
		r.Post("/transactions/{transactionID}/expire", svc.HandleExpireTransaction)
		r.Post("/transactions/{transactionID}/cancel", svc.HandleCancelTransaction)
		r.Get("/users/{userID}", svc.HandleGetUser)
		r.Get("/users/{userID}/transactions", svc.HandleListUserTransactions)
	})
	return r, svc
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func TestHandleRegister(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/register", engine.RegisterRequest{
		Username: "alice", Wallet: "0xalice", Plan: plan.TierKing,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	reg := decode[engine.Registration](t, w)
	if reg.PositionKey != "A" || reg.Deposit == nil {
		t.Errorf("registration = %+v", reg)
	}

	// Missing username.
	w = doJSON(t, r, http.MethodPost, "/api/v1/register", engine.RegisterRequest{Plan: plan.TierKing})
	if w.Code != http.StatusBadRequest {
		t.Errorf("blank username: status = %d, want 400", w.Code)
	}

	// Unknown plan.
	w = doJSON(t, r, http.MethodPost, "/api/v1/register", engine.RegisterRequest{Username: "bob", Plan: "Emperor"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown plan: status = %d, want 400", w.Code)
	}

	// Bad referral code.
	w = doJSON(t, r, http.MethodPost, "/api/v1/register", engine.RegisterRequest{Username: "bob", ReferralCode: "NOPE"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad referral: status = %d, want 400", w.Code)
	}
}

func TestHandleTransactionLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/register", engine.RegisterRequest{
		Username: "alice", Plan: plan.TierKing,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d", w.Code)
	}
	reg := decode[engine.Registration](t, w)

	confirmPath := fmt.Sprintf("/api/v1/transactions/%s/confirm", reg.Deposit.ID)
	if w := doJSON(t, r, http.MethodPost, confirmPath, nil); w.Code != http.StatusOK {
		t.Fatalf("confirm: %d, body %s", w.Code, w.Body.String())
	}

	// A second decision on the same transaction conflicts.
	if w := doJSON(t, r, http.MethodPost, confirmPath, nil); w.Code != http.StatusConflict {
		t.Errorf("double confirm: %d, want 409", w.Code)
	}
	rejectPath := fmt.Sprintf("/api/v1/transactions/%s/reject", reg.Deposit.ID)
	if w := doJSON(t, r, http.MethodPost, rejectPath, engine.RejectRequest{Reason: "late"}); w.Code != http.StatusConflict {
		t.Errorf("reject after confirm: %d, want 409", w.Code)
	}

	// Deposits never expire.
	expirePath := fmt.Sprintf("/api/v1/transactions/%s/expire", reg.Deposit.ID)
	if w := doJSON(t, r, http.MethodPost, expirePath, nil); w.Code != http.StatusConflict {
		t.Errorf("expire deposit: %d, want 409", w.Code)
	}

	// Status projection after close-out.
	completePath := fmt.Sprintf("/api/v1/transactions/%s/complete", reg.Deposit.ID)
	if w := doJSON(t, r, http.MethodPost, completePath, nil); w.Code != http.StatusOK {
		t.Fatalf("complete: %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/api/v1/transactions/"+reg.Deposit.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	status := decode[engine.TransactionStatus](t, w)
	if !status.Closable || status.DeleteAccount {
		t.Errorf("projection = %+v", status)
	}
}

func TestHandleRequestPayout_Errors(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/register", engine.RegisterRequest{
		Username: "alice", Plan: plan.TierKing,
	})
	reg := decode[engine.Registration](t, w)

	// Apex of an incomplete formation is not eligible.
	w = doJSON(t, r, http.MethodPost, "/api/v1/payouts", engine.PayoutRequest{
		UserID: reg.User.ID, Amount: d(1),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("ineligible payout: %d, want 409", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/payouts", engine.PayoutRequest{Amount: d(1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing user: %d, want 400", w.Code)
	}
}

func TestHandleGetFormation_NotFound(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/triangles/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleListPlans(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/api/v1/plans", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	plans := decode[[]plan.Plan](t, w)
	if len(plans) != 4 {
		t.Errorf("%d plans, want 4", len(plans))
	}
}

func TestHandleRejoin(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/register", engine.RegisterRequest{
		Username: "mallory", Wallet: "0xm", Plan: plan.TierQueen,
	})
	reg := decode[engine.Registration](t, w)

	rejectPath := fmt.Sprintf("/api/v1/transactions/%s/reject", reg.Deposit.ID)
	if w := doJSON(t, r, http.MethodPost, rejectPath, engine.RejectRequest{Reason: "fraud"}); w.Code != http.StatusOK {
		t.Fatalf("reject: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/rejoin/mallory", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("rejoin lookup: %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/rejoin/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown rejoin: %d, want 404", w.Code)
	}
}
