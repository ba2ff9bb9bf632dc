package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"

	"github.com/jdai/vault-engine/internal/catalog"
	"github.com/jdai/vault-engine/internal/cli"
	"github.com/jdai/vault-engine/internal/config"
	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/model"
	"github.com/jdai/vault-engine/internal/wizard"
)

const alice = "0xa11ce00000000000000000000000000000000001"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type harness struct {
	ledger *ledger.Memory
	fs     afero.Fs
	cfg    config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	contracts := ledger.Contracts{
		Ledger:            "0x00000000000000000000000000000000000000aa",
		Spotter:           "0x00000000000000000000000000000000000000ab",
		CollateralAdapter: "0x00000000000000000000000000000000000000bb",
		DebtAdapter:       "0x00000000000000000000000000000000000000cc",
		Token:             "0x00000000000000000000000000000000000000dd",
	}
	l := ledger.NewMemory(contracts)
	l.SetOracle(d("2"), d("1"), d("1.5"))
	return &harness{
		ledger: l,
		fs:     afero.NewMemMapFs(),
		cfg: config.Config{
			Env:          "test",
			Ledger:       config.LedgerConfig{Ilk: "PLS-A", Contracts: contracts},
			PollInterval: config.Duration{Duration: time.Minute},
			SessionTTL:   config.Duration{Duration: time.Hour},
			SafetyRatio:  config.Decimal{Decimal: d("1.6")},
			DustAmount:   config.Decimal{Decimal: d("0.000001")},
			Epsilon:      config.Decimal{Decimal: d("0.0001")},
		},
	}
}

// run executes one vaultctl invocation, as a separate process would, with
// only the ledger and the state directory shared between calls.
func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := cli.NewRoot(cli.Deps{
		Config: &h.cfg,
		Client: h.ledger,
		Fs:     h.fs,
		In:     strings.NewReader(""),
	})
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--state-dir", "/state"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (h *harness) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := h.run(t, args...)
	if err != nil {
		t.Fatalf("vaultctl %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestWizard_DepositAcrossInvocations(t *testing.T) {
	h := newHarness(t)
	h.ledger.Fund(alice, d("100"), decimal.Zero)

	h.mustRun(t, "--address", alice, "wizard", "select", model.OpDepositCollateral)
	h.mustRun(t, "--address", alice, "wizard", "amount", "40")
	h.mustRun(t, "--address", alice, "wizard", "advance")

	out := h.mustRun(t, "--address", alice, "wizard", "execute")
	if !strings.Contains(out, "[>] 3.") {
		t.Errorf("expected the lock step to be current:\n%s", out)
	}
	ok, _ := afero.Exists(h.fs, "/state/sessions/"+alice+".json")
	if !ok {
		t.Fatal("expected the session file to be written")
	}

	out = h.mustRun(t, "--address", alice, "wizard", "execute")
	if !strings.Contains(out, "Complete.") {
		t.Errorf("expected a completed operation:\n%s", out)
	}
	urn, _ := h.ledger.Position(context.Background(), "PLS-A", alice)
	if !urn.Collateral.Equal(d("40")) {
		t.Errorf("expected 40 locked, got %s", urn.Collateral)
	}

	h.mustRun(t, "--address", alice, "wizard", "reset")
	out = h.mustRun(t, "--address", alice, "wizard", "status")
	if !strings.Contains(out, "No operation in progress") {
		t.Errorf("expected idle after reset:\n%s", out)
	}
}

func TestWizard_ValidationError(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "--address", alice, "wizard", "select", model.OpMintDebt)

	out, err := h.run(t, "--address", alice, "wizard", "amount", "0")
	if err == nil || !strings.Contains(err.Error(), "(validation)") {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if !strings.Contains(out, "[>] 1.") {
		t.Errorf("expected the unchanged view to be printed:\n%s", out)
	}
}

func TestWizard_StatusJSON(t *testing.T) {
	h := newHarness(t)
	h.mustRun(t, "--address", alice, "wizard", "select", model.OpRepayDebt)

	out := h.mustRun(t, "--address", alice, "--json", "wizard", "status")
	var v wizard.View
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if v.State != wizard.StateActive || v.Operation.ID != model.OpRepayDebt {
		t.Errorf("unexpected view %+v", v)
	}
}

func TestOperations(t *testing.T) {
	h := newHarness(t)
	out := h.mustRun(t, "--json", "operations")
	var ops []model.Operation
	if err := json.Unmarshal([]byte(out), &ops); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ops) != len(catalog.All()) {
		t.Errorf("expected %d operations, got %d", len(catalog.All()), len(ops))
	}
}

func TestPosition(t *testing.T) {
	h := newHarness(t)
	h.ledger.SetUrn(alice, ledger.Urn{Collateral: d("100"), NormalizedDebt: d("20")})

	out := h.mustRun(t, "--address", alice, "position")
	for _, want := range []string{"Collateral", "100", "Health ratio"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in:\n%s", want, out)
		}
	}

	h.ledger.FailReads(ledger.ErrUnavailable)
	out = h.mustRun(t, "--address", alice, "position")
	if !strings.Contains(out, "unavailable") {
		t.Errorf("expected an unavailable position:\n%s", out)
	}
}

func TestRecovery_ScanAndResolve(t *testing.T) {
	h := newHarness(t)
	h.ledger.SetInternalBalances(alice, d("5"), decimal.Zero)

	out := h.mustRun(t, "--address", alice, "recovery", "scan")
	if !strings.Contains(out, "deposit-to-vault") || !strings.Contains(out, "collateral-to-wallet") {
		t.Errorf("expected both resolutions:\n%s", out)
	}

	out = h.mustRun(t, "--address", alice, "--json", "recovery", "resolve", "collateral", "deposit-to-vault")
	var v wizard.View
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if v.Step == nil || v.Step.ID != catalog.StepLockCollateral {
		t.Fatalf("expected a session seeded at lock, got %+v", v.Step)
	}

	h.mustRun(t, "--address", alice, "wizard", "execute")
	out = h.mustRun(t, "--address", alice, "recovery", "scan")
	if !strings.Contains(out, "Nothing stranded.") {
		t.Errorf("expected a clean scan after recovery:\n%s", out)
	}
	ok, _ := afero.Exists(h.fs, "/state/recovered/"+alice+".json")
	if !ok {
		t.Error("expected a recovery record file")
	}
}

func TestRequiresAddress(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, "wizard", "status")
	if err == nil || !strings.Contains(err.Error(), "no address") {
		t.Fatalf("expected a missing address error, got %v", err)
	}
}
