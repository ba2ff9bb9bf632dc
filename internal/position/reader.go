// Package position reads a user's vault and the collateral type's system
// parameters from the ledger and derives the safety metrics shown to the
// user. Every safety-relevant number is computed from oracle prices; a
// market price, when configured, is carried along for display only.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/model"
)

// ErrOracleUnavailable is returned when the ledger has no usable oracle
// price. The position is then unknown; no market price is substituted.
var ErrOracleUnavailable = errors.New("position: oracle price unavailable")

// PriceFeed supplies an informational secondary-market collateral price.
type PriceFeed interface {
	MarketPrice(ctx context.Context) (decimal.Decimal, error)
}

// Reader refreshes snapshots for one collateral type.
type Reader struct {
	client      ledger.Reader
	ilk         string
	safetyRatio decimal.Decimal
	feed        PriceFeed
	now         func() time.Time
}

// NewReader creates a reader. feed may be nil.
func NewReader(client ledger.Reader, ilk string, safetyRatio decimal.Decimal, feed PriceFeed) *Reader {
	return &Reader{
		client:      client,
		ilk:         ilk,
		safetyRatio: safetyRatio,
		feed:        feed,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Refresh reads, in order, the vault record, the collateral type's
// parameters, the target price and the liquidation ratio, then the
// intermediate and wallet balances. Any read failure fails the whole
// refresh: callers must treat the position as unknown.
func (r *Reader) Refresh(ctx context.Context, user string) (*model.Snapshot, error) {
	urn, err := r.client.Position(ctx, r.ilk, user)
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	ilk, err := r.client.IlkParams(ctx, r.ilk)
	if err != nil {
		return nil, fmt.Errorf("read ilk: %w", err)
	}
	target, err := r.client.TargetPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("read target price: %w", err)
	}
	mat, err := r.client.LiquidationRatio(ctx, r.ilk)
	if err != nil {
		return nil, fmt.Errorf("read liquidation ratio: %w", err)
	}
	if !ilk.SpotPrice.IsPositive() || !target.IsPositive() || !mat.IsPositive() {
		return nil, fmt.Errorf("%w: spot=%s par=%s mat=%s", ErrOracleUnavailable, ilk.SpotPrice, target, mat)
	}

	gem, err := r.client.InternalCollateralBalance(ctx, r.ilk, user)
	if err != nil {
		return nil, fmt.Errorf("read collateral holding: %w", err)
	}
	dai, err := r.client.InternalDebtBalance(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("read debt holding: %w", err)
	}
	native, token, err := r.client.WalletBalances(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}

	// spot is stored pre-divided at ray precision; round the product back.
	ref := ilk.SpotPrice.Mul(mat).Mul(target).Round(divPrecision)
	debt := urn.NormalizedDebt.Mul(ilk.Rate)
	totalDebt := ilk.TotalDebt.Mul(ilk.Rate)
	maxDebt := MaxDebt(urn.Collateral, ref, target, mat)

	system := model.SystemParameters{
		ReferencePrice:   ref,
		TargetPrice:      target,
		LiquidationRatio: mat,
		Rate:             ilk.Rate,
		SpotPrice:        ilk.SpotPrice,
		DebtFloor:        ilk.DebtFloor,
		DebtCeiling:      ilk.DebtCeiling,
		TotalDebt:        totalDebt,
		AvailableDebt:    floor(ilk.DebtCeiling.Sub(totalDebt)),
		MinCollateral:    MinCollateral(ilk.DebtFloor, ilk.SpotPrice),
	}
	if r.feed != nil {
		if p, err := r.feed.MarketPrice(ctx); err != nil {
			slog.Debug("market price unavailable", "err", err)
		} else {
			system.MarketPrice = decimal.NewNullDecimal(p)
		}
	}

	return &model.Snapshot{
		Position: model.Position{
			Owner:            user,
			CollateralAmount: urn.Collateral,
			NormalizedDebt:   urn.NormalizedDebt,
			DebtAmount:       debt,
			HealthRatio:      HealthRatio(urn.Collateral, debt, ref, target),
			LiquidationPrice: LiquidationPrice(urn.Collateral, debt, ref, target, mat),
			MaxDebt:          maxDebt,
			MaxMintable:      MaxMintable(maxDebt, debt, ilk.DebtCeiling, totalDebt),
			MaxWithdrawable:  MaxSafeWithdrawal(urn.Collateral, debt, ref, target, r.safetyRatio),
		},
		System:      system,
		Holdings:    model.Holdings{Collateral: gem, Debt: dai},
		Wallet:      model.WalletBalances{Native: native, Token: token},
		RefreshedAt: r.now(),
	}, nil
}
