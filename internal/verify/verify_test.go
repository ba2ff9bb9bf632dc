package verify

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/catalog"
	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/model"
)

const alice = "0xa11ce00000000000000000000000000000000001"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newLedger() *ledger.Memory {
	m := ledger.NewMemory(ledger.Contracts{
		Ledger:            "0x00000000000000000000000000000000000000aa",
		CollateralAdapter: "0x00000000000000000000000000000000000000bb",
		DebtAdapter:       "0x00000000000000000000000000000000000000cc",
		Token:             "0x00000000000000000000000000000000000000dd",
	})
	m.SetOracle(d("0.5"), d("1"), d("1.5"))
	return m
}

func mustOp(t *testing.T, id string) model.Operation {
	t.Helper()
	op, err := catalog.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return op
}

func TestVerify_TransferInNeedsFullHolding(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	v := New(l, "PLS-A", decimal.Zero)
	op := mustOp(t, model.OpDepositCollateral)
	join := op.Steps[1]

	l.SetInternalBalances(alice, d("999"), decimal.Zero)
	if ok, _ := v.Verify(ctx, alice, op, join, d("1000"), ""); ok {
		t.Error("999 in holding must not verify a 1000 transfer-in")
	}

	l.SetInternalBalances(alice, d("999.99995"), decimal.Zero)
	if ok, _ := v.Verify(ctx, alice, op, join, d("1000"), ""); !ok {
		t.Error("shortfall within epsilon should verify")
	}

	l.SetInternalBalances(alice, d("1000"), decimal.Zero)
	if ok, _ := v.Verify(ctx, alice, op, join, d("1000"), ""); !ok {
		t.Error("full holding should verify")
	}
}

func TestVerify_LedgerUpdateDirection(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	v := New(l, "PLS-A", decimal.Zero)

	deposit := mustOp(t, model.OpDepositCollateral)
	withdraw := mustOp(t, model.OpWithdrawCollateral)
	mint := mustOp(t, model.OpMintDebt)
	repay := mustOp(t, model.OpRepayDebt)

	l.SetInternalBalances(alice, d("10"), d("10"))
	cases := []struct {
		op   model.Operation
		step string
		want bool
	}{
		{deposit, catalog.StepLockCollateral, true},   // 10 < 100: consumed
		{withdraw, catalog.StepFreeCollateral, false}, // 10 < 100: not yet freed
		{mint, catalog.StepDrawDebt, false},
		{repay, catalog.StepWipeDebt, true},
		{withdraw, catalog.StepExitCollateral, true},
		{mint, catalog.StepExitDebt, true},
	}
	for _, tc := range cases {
		step := tc.op.Steps[tc.op.StepIndex(tc.step)]
		got, err := v.Verify(ctx, alice, tc.op, step, d("100"), "")
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.op.ID, tc.step, err)
		}
		if got != tc.want {
			t.Errorf("%s/%s: expected %v, got %v", tc.op.ID, tc.step, tc.want, got)
		}
	}
}

func TestVerify_Approve(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	v := New(l, "PLS-A", decimal.Zero)
	op := mustOp(t, model.OpRepayDebt)
	approve := op.Steps[op.StepIndex(catalog.StepApproveDebt)]

	if ok, _ := v.Verify(ctx, alice, op, approve, d("50"), ""); ok {
		t.Error("no allowance must not verify")
	}
	if _, err := l.TokenApprove(ctx, alice, l.Contracts().DebtAdapter, d("50")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := v.Verify(ctx, alice, op, approve, d("50"), ""); !ok {
		t.Error("allowance equal to amount should verify")
	}
}

func TestVerify_FailedTxOverridesBalances(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	v := New(l, "PLS-A", decimal.Zero)
	op := mustOp(t, model.OpDepositCollateral)

	l.SetInternalBalances(alice, d("1000"), decimal.Zero)
	// An unknown hash is not a failed receipt.
	if ok, _ := v.Verify(ctx, alice, op, op.Steps[1], d("1000"), "0xdead"); !ok {
		t.Error("unknown receipt should not override balances")
	}

	l.SetReceipt("0xdead", ledger.TxFailed)
	if ok, _ := v.Verify(ctx, alice, op, op.Steps[1], d("1000"), "0xdead"); ok {
		t.Error("failed receipt must override a satisfied balance check")
	}

	l.SetReceipt("0xdead", ledger.TxPending)
	if ok, _ := v.Verify(ctx, alice, op, op.Steps[1], d("1000"), "0xdead"); ok {
		t.Error("pending receipt must not verify")
	}
}

func TestVerify_SucceededTxSurvivesDrainedHolding(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	v := New(l, "PLS-A", decimal.Zero)
	op := mustOp(t, model.OpDepositCollateral)

	// join then lock: the holding is empty again, which alone would read as
	// "join not done".
	l.SetReceipt("0xj01n", ledger.TxSucceeded)
	if ok, _ := v.Verify(ctx, alice, op, op.Steps[1], d("1000"), ""); ok {
		t.Fatal("empty holding without a receipt must not verify")
	}
	if ok, _ := v.Verify(ctx, alice, op, op.Steps[1], d("1000"), "0xj01n"); !ok {
		t.Error("successful receipt should verify its step")
	}

	hashes := map[string]string{catalog.StepJoinCollateral: "0xj01n"}
	p, err := v.Sweep(ctx, alice, op, d("1000"), hashes, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.StepIndex != len(op.Steps)-1 {
		t.Errorf("expected a finished deposit to sweep to the terminal step, got %d", p.StepIndex)
	}
}

func TestVerify_ReadFailureIsNotAVerdict(t *testing.T) {
	l := newLedger()
	l.FailReads(errors.New("timeout"))
	v := New(l, "PLS-A", decimal.Zero)
	op := mustOp(t, model.OpMintDebt)

	ok, err := v.Verify(context.Background(), alice, op, op.Steps[1], d("10"), "")
	if err == nil || ok {
		t.Errorf("expected error and no verdict, got ok=%v err=%v", ok, err)
	}
	if _, err := v.Sweep(context.Background(), alice, op, d("10"), nil, 0); !ledger.IsUnavailable(err) {
		t.Errorf("sweep should surface the read failure, got %v", err)
	}
}

func TestSweep_StopsAtFirstGap(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	v := New(l, "PLS-A", decimal.Zero)
	op := mustOp(t, model.OpMintDebt)

	// Nothing drawn yet; exit-debt alone would verify (holding below amount)
	// but must not be reached past the gap.
	p, err := v.Sweep(ctx, alice, op, d("100"), nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.StepIndex != 1 || !reflect.DeepEqual(p.CompletedStepIDs, []string{catalog.StepInput}) {
		t.Errorf("expected stop at draw-debt, got %+v", p)
	}

	// Drawn but not exited: land on exit-debt.
	l.SetInternalBalances(alice, decimal.Zero, d("100"))
	p, _ = v.Sweep(ctx, alice, op, d("100"), nil, 0)
	if p.StepIndex != 2 {
		t.Errorf("expected step 2 after draw, got %d", p.StepIndex)
	}

	// Idempotent with no intervening writes.
	again, _ := v.Sweep(ctx, alice, op, d("100"), nil, 0)
	if !reflect.DeepEqual(p, again) {
		t.Errorf("sweep not idempotent: %+v vs %+v", p, again)
	}
}

func TestSweep_InvalidAmountStopsAtInput(t *testing.T) {
	v := New(newLedger(), "PLS-A", decimal.Zero)
	op := mustOp(t, model.OpDepositCollateral)
	p, err := v.Sweep(context.Background(), alice, op, decimal.Zero, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.StepIndex != 0 || len(p.CompletedStepIDs) != 0 {
		t.Errorf("expected nothing verified without an amount, got %+v", p)
	}
}

func TestSweep_SeedAndTerminal(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	v := New(l, "PLS-A", decimal.Zero)
	op := mustOp(t, model.OpRepayDebt)
	seed := op.StepIndex(catalog.StepWipeDebt)

	// Stranded 30 in the debt holding; approve and join are not re-checked.
	l.SetInternalBalances(alice, decimal.Zero, d("30"))
	p, _ := v.Sweep(ctx, alice, op, d("30"), nil, seed)
	if p.StepIndex != seed {
		t.Fatalf("expected to land on wipe-debt, got %d", p.StepIndex)
	}

	l.SetInternalBalances(alice, decimal.Zero, decimal.Zero)
	p, _ = v.Sweep(ctx, alice, op, d("30"), nil, seed)
	if p.StepIndex != len(op.Steps)-1 {
		t.Errorf("expected terminal index, got %d", p.StepIndex)
	}
	want := []string{catalog.StepInput, catalog.StepApproveDebt, catalog.StepJoinDebt, catalog.StepWipeDebt, catalog.StepComplete}
	if !reflect.DeepEqual(p.CompletedStepIDs, want) {
		t.Errorf("expected all steps completed, got %v", p.CompletedStepIDs)
	}
}
