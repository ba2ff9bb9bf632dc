// Package model defines the core domain types shared across the vault engine.
// All amounts and prices use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Position is the user's state in the external ledger. It is a read-only
// snapshot: local code may propose a future value but never assert one.
type Position struct {
	Owner            string          `json:"owner"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	NormalizedDebt   decimal.Decimal `json:"normalized_debt"`
	DebtAmount       decimal.Decimal `json:"debt_amount"` // normalized debt × rate
	HealthRatio      HealthRatio     `json:"health_ratio"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	MaxDebt          decimal.Decimal `json:"max_debt"`
	MaxMintable      decimal.Decimal `json:"max_mintable"`
	MaxWithdrawable  decimal.Decimal `json:"max_withdrawable"`
}

// SystemParameters are read from the ledger's oracle and configuration.
// They are immutable from the client's point of view.
type SystemParameters struct {
	ReferencePrice   decimal.Decimal `json:"reference_price"` // collateral oracle price: spot × mat × par
	TargetPrice      decimal.Decimal `json:"target_price"`    // par
	LiquidationRatio decimal.Decimal `json:"liquidation_ratio"`
	Rate             decimal.Decimal `json:"rate"`
	SpotPrice        decimal.Decimal `json:"spot_price"`
	DebtFloor        decimal.Decimal `json:"debt_floor"`
	DebtCeiling      decimal.Decimal `json:"debt_ceiling"`
	TotalDebt        decimal.Decimal `json:"total_debt"`
	AvailableDebt    decimal.Decimal `json:"available_debt"`
	MinCollateral    decimal.Decimal `json:"min_collateral"` // collateral needed to draw the debt floor

	// MarketPrice is a secondary-market quote shown for information only.
	// Nothing safety-relevant reads it.
	MarketPrice decimal.NullDecimal `json:"market_price"`
}

// Holdings are the intermediate ledger balances between wallet and position.
type Holdings struct {
	Collateral decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal `json:"debt"`
}

// WalletBalances are the user's balances outside the ledger.
type WalletBalances struct {
	Native decimal.Decimal `json:"native"`
	Token  decimal.Decimal `json:"token"`
}

// Snapshot is one consistent refresh of everything the reader observes.
type Snapshot struct {
	Position    Position         `json:"position"`
	System      SystemParameters `json:"system"`
	Holdings    Holdings         `json:"holdings"`
	Wallet      WalletBalances   `json:"wallet"`
	RefreshedAt time.Time        `json:"refreshed_at"`
}

// View states for data the reader could or could not establish.
const (
	ViewOK      = "ok"
	ViewUnknown = "unknown"
)

// PositionView is what callers render. When State is ViewUnknown the
// snapshot is withheld so no stale number is mistaken for ground truth.
type PositionView struct {
	Address   string    `json:"address"`
	State     string    `json:"state"`
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HealthRatio is collateral value over debt value at oracle prices.
// It is infinite when there is no debt.
type HealthRatio struct {
	Value    decimal.Decimal
	Infinite bool
}

// InfiniteHealth is the ratio of a debt-free position.
var InfiniteHealth = HealthRatio{Infinite: true}

// Below reports whether the ratio is strictly below threshold.
func (h HealthRatio) Below(threshold decimal.Decimal) bool {
	if h.Infinite {
		return false
	}
	return h.Value.LessThan(threshold)
}

func (h HealthRatio) String() string {
	if h.Infinite {
		return "Infinity"
	}
	return h.Value.String()
}

func (h HealthRatio) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *HealthRatio) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "Infinity" {
		*h = InfiniteHealth
		return nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*h = HealthRatio{Value: v}
	return nil
}
