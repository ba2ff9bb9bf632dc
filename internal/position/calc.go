package position

import (
	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/model"
)

// divPrecision is the number of decimal places kept by derived quotients.
const divPrecision = 18

// HealthRatio returns (collateral × referencePrice) / (debt × targetPrice),
// or an infinite ratio when there is no debt.
func HealthRatio(collateral, debt, referencePrice, targetPrice decimal.Decimal) model.HealthRatio {
	denom := debt.Mul(targetPrice)
	if !debt.IsPositive() || !denom.IsPositive() {
		return model.InfiniteHealth
	}
	return model.HealthRatio{Value: collateral.Mul(referencePrice).DivRound(denom, divPrecision)}
}

// LiquidationPrice returns the collateral price at which the health ratio
// falls to the liquidation ratio. For a vault holding no collateral or no
// debt it returns the break-even referencePrice / liquidationRatio.
func LiquidationPrice(collateral, debt, referencePrice, targetPrice, liquidationRatio decimal.Decimal) decimal.Decimal {
	if !liquidationRatio.IsPositive() || !targetPrice.IsPositive() {
		return decimal.Zero
	}
	if collateral.IsPositive() && debt.IsPositive() {
		return debt.Mul(targetPrice).Mul(liquidationRatio).DivRound(collateral, divPrecision)
	}
	return referencePrice.DivRound(liquidationRatio, divPrecision)
}

// MaxDebt is the total debt the collateral supports at the liquidation ratio.
func MaxDebt(collateral, referencePrice, targetPrice, liquidationRatio decimal.Decimal) decimal.Decimal {
	if !liquidationRatio.IsPositive() || !targetPrice.IsPositive() {
		return decimal.Zero
	}
	return collateral.Mul(referencePrice).DivRound(liquidationRatio.Mul(targetPrice), divPrecision)
}

// MaxMintable is the additional debt that can be drawn, bounded by both
// the vault's collateral and the collateral type's remaining ceiling.
func MaxMintable(maxDebt, debt, debtCeiling, totalDebt decimal.Decimal) decimal.Decimal {
	headroom := maxDebt.Sub(debt)
	available := debtCeiling.Sub(totalDebt)
	return floor(decimal.Min(headroom, available))
}

// MaxSafeWithdrawal is the collateral that can leave the vault while the
// health ratio stays at or above safetyRatio. It uses oracle prices only.
func MaxSafeWithdrawal(collateral, debt, referencePrice, targetPrice, safetyRatio decimal.Decimal) decimal.Decimal {
	if !debt.IsPositive() {
		return collateral
	}
	if !referencePrice.IsPositive() {
		return decimal.Zero
	}
	required := debt.Mul(targetPrice).Mul(safetyRatio).DivRound(referencePrice, divPrecision)
	return floor(collateral.Sub(required))
}

// RepayCap bounds a requested repayment by the vault's outstanding debt and
// the internal debt balance available to settle it. requested and
// internalDebt are token units, normalizedDebt is pre-rate; the result is in
// token units and never settles more than normalizedDebt.
func RepayCap(requested, normalizedDebt, internalDebt, rate decimal.Decimal) decimal.Decimal {
	if !rate.IsPositive() {
		return decimal.Zero
	}
	capped := decimal.Min(
		truncDiv(requested, rate),
		normalizedDebt,
		truncDiv(internalDebt, rate),
	)
	return floor(capped).Mul(rate)
}

// MinCollateral is the collateral needed to draw the debt floor.
func MinCollateral(debtFloor, spotPrice decimal.Decimal) decimal.Decimal {
	if !spotPrice.IsPositive() {
		return decimal.Zero
	}
	return debtFloor.DivRound(spotPrice, divPrecision)
}

func floor(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}

// truncDiv divides without ever rounding up, so the quotient times the
// divisor never exceeds the dividend.
func truncDiv(a, b decimal.Decimal) decimal.Decimal {
	q, _ := a.QuoRem(b, divPrecision)
	return q
}
