package position

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestHealthRatio(t *testing.T) {
	// C=1000, P=0.5, D=200, T=1 → 500/200 = 2.5
	hr := HealthRatio(d("1000"), d("200"), d("0.5"), d("1"))
	if hr.Infinite || !hr.Value.Equal(d("2.5")) {
		t.Errorf("expected 2.5, got %s", hr)
	}

	if hr := HealthRatio(d("1000"), decimal.Zero, d("0.5"), d("1")); !hr.Infinite {
		t.Errorf("expected Infinity for zero debt, got %s", hr)
	}
	if hr.String() != "2.5" {
		t.Errorf("unexpected string form %q", hr.String())
	}
}

func TestLiquidationPrice(t *testing.T) {
	// D=200, T=1, mat=1.5, C=1000 → 0.3
	got := LiquidationPrice(d("1000"), d("200"), d("0.5"), d("1"), d("1.5"))
	if !got.Equal(d("0.3")) {
		t.Errorf("expected 0.3, got %s", got)
	}
	// At the liquidation price the health ratio equals the liquidation ratio.
	hr := HealthRatio(d("1000"), d("200"), got, d("1"))
	if !hr.Value.Equal(d("1.5")) {
		t.Errorf("expected ratio 1.5 at liquidation price, got %s", hr)
	}

	// Empty vault: break-even price.
	got = LiquidationPrice(decimal.Zero, decimal.Zero, d("0.6"), d("1"), d("1.5"))
	if !got.Equal(d("0.4")) {
		t.Errorf("expected break-even 0.4, got %s", got)
	}
}

func TestMaxMintable(t *testing.T) {
	maxDebt := MaxDebt(d("1500"), d("0.5"), d("1"), d("1.5")) // 500
	if !maxDebt.Equal(d("500")) {
		t.Fatalf("expected max debt 500, got %s", maxDebt)
	}
	if got := MaxMintable(maxDebt, d("100"), d("10000"), d("0")); !got.Equal(d("400")) {
		t.Errorf("collateral bound: expected 400, got %s", got)
	}
	if got := MaxMintable(maxDebt, d("100"), d("1000"), d("950")); !got.Equal(d("50")) {
		t.Errorf("ceiling bound: expected 50, got %s", got)
	}
	if got := MaxMintable(maxDebt, d("600"), d("10000"), d("0")); !got.IsZero() {
		t.Errorf("over-borrowed vault should mint nothing, got %s", got)
	}
}

func TestMaxSafeWithdrawal(t *testing.T) {
	// C=1000, D=200, T=1, P=0.5, safety 1.6 → required 640, W=360.
	w := MaxSafeWithdrawal(d("1000"), d("200"), d("0.5"), d("1"), d("1.6"))
	if !w.Equal(d("360")) {
		t.Fatalf("expected 360, got %s", w)
	}
	rest := HealthRatio(d("1000").Sub(w), d("200"), d("0.5"), d("1"))
	if !rest.Value.Equal(d("1.6")) {
		t.Errorf("expected ratio 1.6 after max withdrawal, got %s", rest)
	}

	if w := MaxSafeWithdrawal(d("1000"), decimal.Zero, d("0.5"), d("1"), d("1.6")); !w.Equal(d("1000")) {
		t.Errorf("debt-free vault should allow full withdrawal, got %s", w)
	}
	if w := MaxSafeWithdrawal(d("100"), d("200"), d("0.5"), d("1"), d("1.6")); !w.IsZero() {
		t.Errorf("under-collateralized vault should allow nothing, got %s", w)
	}
	if w := MaxSafeWithdrawal(d("1000"), d("200"), decimal.Zero, d("1"), d("1.6")); !w.IsZero() {
		t.Errorf("missing oracle price should allow nothing, got %s", w)
	}
}

func TestRepayCap(t *testing.T) {
	// Requested above outstanding debt caps at outstanding debt.
	if got := RepayCap(d("80"), d("50"), d("80"), d("1")); !got.Equal(d("50")) {
		t.Errorf("expected cap at 50, got %s", got)
	}
	// Internal balance is the binding constraint.
	if got := RepayCap(d("80"), d("100"), d("30"), d("1")); !got.Equal(d("30")) {
		t.Errorf("expected cap at 30, got %s", got)
	}
	// With a rate, the cap never settles more than the normalized debt.
	got := RepayCap(d("1000"), d("100"), d("1000"), d("1.05"))
	if !got.Equal(d("105")) {
		t.Errorf("expected 105, got %s", got)
	}
	if got.IsNegative() {
		t.Error("cap must never be negative")
	}
}
