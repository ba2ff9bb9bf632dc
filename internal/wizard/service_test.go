package wizard_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/catalog"
	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/model"
	"github.com/jdai/vault-engine/internal/position"
	"github.com/jdai/vault-engine/internal/recovery"
	"github.com/jdai/vault-engine/internal/wizard"
)

// signerClient signs for a single account only.
type signerClient struct {
	*ledger.Memory
	sender string
}

func (c signerClient) Sender() string { return c.sender }

type errorBody struct {
	Error  string       `json:"error"`
	Kind   wizard.Kind  `json:"kind"`
	Wizard *wizard.View `json:"wizard"`
}

// newRouter mounts the service under /api/v1 the way the server does.
func (e *testEnv) newRouter(t *testing.T, client ledger.Client) chi.Router {
	t.Helper()
	reader := position.NewReader(e.ledger, ilk, decimal.RequireFromString("1.6"), nil)
	e.poller = position.NewPoller(reader, 0, nil)
	m := e.newManager(client)
	e.mgr = m
	rec := recovery.New(e.ledger, m, e.store, ilk, decimal.Zero)
	svc := wizard.NewService(m, e.poller, rec)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
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
	router.ServeHTTP(w, req)
	return w
}

func decodeView(t *testing.T, w *httptest.ResponseRecorder) wizard.View {
	t.Helper()
	var v wizard.View
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return v
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var e errorBody
	if err := json.NewDecoder(w.Body).Decode(&e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return e
}

func TestHTTP_ListOperations(t *testing.T) {
	env := newTestEnv(t)
	router := env.newRouter(t, env.ledger)

	w := do(t, router, "GET", "/api/v1/operations", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var ops []model.Operation
	if err := json.NewDecoder(w.Body).Decode(&ops); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ops) != 4 {
		t.Fatalf("expected 4 operations, got %d", len(ops))
	}
	if ops[0].ID != model.OpDepositCollateral {
		t.Errorf("expected deposit first, got %s", ops[0].ID)
	}
}

func TestHTTP_DepositFlow(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.Fund(alice, d("50"), decimal.Zero)
	router := env.newRouter(t, env.ledger)
	base := "/api/v1/wizard/" + alice

	w := do(t, router, "POST", base+"/select", wizard.SelectRequest{OperationID: model.OpDepositCollateral})
	if w.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if v := decodeView(t, w); v.Step.ID != catalog.StepInput {
		t.Fatalf("expected input step, got %s", v.Step.ID)
	}

	w = do(t, router, "POST", base+"/amount", wizard.AmountRequest{Amount: " 20 "})
	if w.Code != http.StatusOK {
		t.Fatalf("amount: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if v := decodeView(t, w); v.Session.Amount != "20" {
		t.Errorf("expected trimmed amount, got %q", v.Session.Amount)
	}

	if w = do(t, router, "POST", base+"/advance", nil); w.Code != http.StatusOK {
		t.Fatalf("advance: expected 200, got %d", w.Code)
	}

	w = do(t, router, "POST", base+"/execute", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("execute: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	v := decodeView(t, w)
	if v.Step.ID != catalog.StepLockCollateral {
		t.Errorf("expected lock step, got %s", v.Step.ID)
	}
	if v.Session.TxHashes[catalog.StepJoinCollateral] == "" {
		t.Error("expected the join transaction hash to be recorded")
	}

	w = do(t, router, "GET", base, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	if v := decodeView(t, w); v.State != wizard.StateActive {
		t.Errorf("expected active, got %s", v.State)
	}

	if w = do(t, router, "DELETE", base, nil); w.Code != http.StatusOK {
		t.Fatalf("reset: expected 200, got %d", w.Code)
	}
	if v := env.mgr.View(alice); v.State != wizard.StateIdle {
		t.Errorf("expected idle after reset, got %s", v.State)
	}
}

func TestHTTP_InvalidAddress(t *testing.T) {
	env := newTestEnv(t)
	router := env.newRouter(t, env.ledger)

	for _, path := range []string{
		"/api/v1/vaults/0x123",
		"/api/v1/wizard/not-an-address",
		"/api/v1/recovery/0xzz",
	} {
		w := do(t, router, "GET", path, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, w.Code)
		}
	}
}

func TestHTTP_ValidationError(t *testing.T) {
	env := newTestEnv(t)
	router := env.newRouter(t, env.ledger)
	base := "/api/v1/wizard/" + alice

	do(t, router, "POST", base+"/select", wizard.SelectRequest{OperationID: model.OpMintDebt})
	w := do(t, router, "POST", base+"/amount", wizard.AmountRequest{Amount: "-5"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	e := decodeError(t, w)
	if e.Kind != wizard.KindValidation {
		t.Errorf("expected validation kind, got %q", e.Kind)
	}
	if e.Wizard == nil || e.Wizard.Step == nil || e.Wizard.Step.ID != catalog.StepInput {
		t.Error("expected the unchanged wizard view alongside the error")
	}
}

func TestHTTP_UnknownOperation(t *testing.T) {
	env := newTestEnv(t)
	router := env.newRouter(t, env.ledger)

	w := do(t, router, "POST", "/api/v1/wizard/"+alice+"/select", wizard.SelectRequest{OperationID: "borrow"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHTTP_NoSession(t *testing.T) {
	env := newTestEnv(t)
	router := env.newRouter(t, env.ledger)

	w := do(t, router, "POST", "/api/v1/wizard/"+alice+"/execute", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if e := decodeError(t, w); e.Kind != wizard.KindState {
		t.Errorf("expected state kind, got %q", e.Kind)
	}
}

func TestHTTP_RevertedStep(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.Fund(alice, d("50"), decimal.Zero)
	router := env.newRouter(t, env.ledger)
	base := "/api/v1/wizard/" + alice

	do(t, router, "POST", base+"/select", wizard.SelectRequest{OperationID: model.OpDepositCollateral})
	do(t, router, "POST", base+"/amount", wizard.AmountRequest{Amount: "10"})
	do(t, router, "POST", base+"/advance", nil)

	env.ledger.FailNextWrite(ledger.ErrReverted)
	w := do(t, router, "POST", base+"/execute", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	e := decodeError(t, w)
	if e.Kind != wizard.KindReverted {
		t.Errorf("expected reverted kind, got %q", e.Kind)
	}
	if e.Wizard.Step.ID != catalog.StepJoinCollateral {
		t.Errorf("expected the failed step to stay current, got %s", e.Wizard.Step.ID)
	}
}

func TestHTTP_SignerMismatch(t *testing.T) {
	env := newTestEnv(t)
	bob := "0xb0b0000000000000000000000000000000000002"
	router := env.newRouter(t, signerClient{Memory: env.ledger, sender: bob})

	w := do(t, router, "POST", "/api/v1/wizard/"+alice+"/select", wizard.SelectRequest{OperationID: model.OpDepositCollateral})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	// Reads stay open for any address.
	if w = do(t, router, "GET", "/api/v1/vaults/"+alice, nil); w.Code != http.StatusOK {
		t.Errorf("expected 200 for a read, got %d", w.Code)
	}

	w = do(t, router, "POST", "/api/v1/wizard/"+bob+"/select", wizard.SelectRequest{OperationID: model.OpDepositCollateral})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 for the signer's own address, got %d", w.Code)
	}
}

func TestHTTP_GetVault(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetUrn(alice, ledger.Urn{Collateral: d("100"), NormalizedDebt: d("50")})
	router := env.newRouter(t, env.ledger)

	w := do(t, router, "GET", "/api/v1/vaults/"+alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var view model.PositionView
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != model.ViewOK || view.Snapshot == nil {
		t.Fatalf("expected a snapshot, got state %s", view.State)
	}
	if !view.Snapshot.Position.CollateralAmount.Equal(d("100")) {
		t.Errorf("expected 100 collateral, got %s", view.Snapshot.Position.CollateralAmount)
	}

	env.ledger.FailReads(ledger.ErrUnavailable)
	w = do(t, router, "GET", "/api/v1/vaults/"+alice, nil)
	view = model.PositionView{}
	if err := json.NewDecoder(w.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.State != model.ViewUnknown || view.Snapshot != nil {
		t.Errorf("expected an unknown view without a snapshot, got %s", view.State)
	}
}

func TestHTTP_RecoveryScanAndResolve(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.SetInternalBalances(alice, d("5"), decimal.Zero)
	router := env.newRouter(t, env.ledger)

	w := do(t, router, "GET", "/api/v1/recovery/"+alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("scan: expected 200, got %d", w.Code)
	}
	var scan model.ScanResult
	if err := json.NewDecoder(w.Body).Decode(&scan); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(scan.Stranded) != 1 || scan.Stranded[0].Asset != model.AssetCollateral {
		t.Fatalf("expected one stranded collateral finding, got %+v", scan.Stranded)
	}

	w = do(t, router, "POST", "/api/v1/recovery/"+alice+"/resolve", wizard.ResolveRequest{
		Asset:        model.AssetCollateral,
		ResolutionID: recovery.ResolveDepositToVault,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	v := decodeView(t, w)
	if v.Step.ID != catalog.StepLockCollateral {
		t.Errorf("expected session seeded at lock, got %s", v.Step.ID)
	}
	if v.Session.Amount != "5" {
		t.Errorf("expected amount 5, got %s", v.Session.Amount)
	}

	w = do(t, router, "POST", "/api/v1/recovery/"+alice+"/resolve", wizard.ResolveRequest{
		Asset:        model.AssetCollateral,
		ResolutionID: recovery.ResolveRepayDebt,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for a resolution of the other asset, got %d", w.Code)
	}
}

func TestHTTP_BusyConflict(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.Fund(alice, d("50"), decimal.Zero)
	blocking := blockingClient{Memory: env.ledger, entered: make(chan struct{}), release: make(chan struct{})}
	router := env.newRouter(t, blocking)
	base := "/api/v1/wizard/" + alice

	do(t, router, "POST", base+"/select", wizard.SelectRequest{OperationID: model.OpDepositCollateral})
	do(t, router, "POST", base+"/amount", wizard.AmountRequest{Amount: "10"})
	do(t, router, "POST", base+"/advance", nil)

	done := make(chan int)
	go func() {
		done <- do(t, router, "POST", base+"/execute", nil).Code
	}()
	<-blocking.entered

	if w := do(t, router, "POST", base+"/back", nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 while busy, got %d", w.Code)
	}
	close(blocking.release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("expected the in-flight execute to succeed, got %d", code)
	}
}

func TestHTTP_VaultReadsDoNotGrowPolling(t *testing.T) {
	env := newTestEnv(t)
	router := env.newRouter(t, env.ledger)

	for i := 0; i < 5; i++ {
		addr := fmt.Sprintf("0x%040x", i+1)
		if w := do(t, router, "GET", "/api/v1/vaults/"+addr, nil); w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}
	if got := env.poller.Tracked(); len(got) != 0 {
		t.Fatalf("plain vault reads should not be polled, got %v", got)
	}

	do(t, router, "POST", "/api/v1/wizard/"+alice+"/select", wizard.SelectRequest{OperationID: model.OpDepositCollateral})
	if got := env.poller.Tracked(); len(got) != 1 || got[0] != alice {
		t.Fatalf("expected alice polled during her session, got %v", got)
	}
	do(t, router, "DELETE", "/api/v1/wizard/"+alice, nil)
	if got := env.poller.Tracked(); len(got) != 0 {
		t.Errorf("expected polling to stop after reset, got %v", got)
	}
}
