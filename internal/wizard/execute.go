package wizard

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/catalog"
	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/model"
	"github.com/jdai/vault-engine/internal/position"
)

// normalizedPrecision matches the ledger's wad-denominated normalized debt.
const normalizedPrecision = 18

// submit invokes the ledger write that performs step. The returned Tx may
// carry a hash alongside an error when the transaction was sent but its
// outcome is not known.
func (m *Manager) submit(ctx context.Context, sess *model.Session, op model.Operation, step model.Step, amount decimal.Decimal) (ledger.Tx, error) {
	user := sess.Address
	switch step.ID {
	case catalog.StepJoinCollateral:
		return m.client.DepositCollateral(ctx, user, amount)

	case catalog.StepLockCollateral:
		return m.client.UpdatePosition(ctx, m.ilk, user, user, user, amount, decimal.Zero)

	case catalog.StepFreeCollateral:
		return m.client.UpdatePosition(ctx, m.ilk, user, user, user, amount.Neg(), decimal.Zero)

	case catalog.StepExitCollateral:
		return m.client.WithdrawCollateral(ctx, user, amount)

	case catalog.StepDrawDebt:
		ilk, err := m.client.IlkParams(ctx, m.ilk)
		if err != nil {
			return ledger.Tx{}, err
		}
		if !ilk.Rate.IsPositive() {
			return ledger.Tx{}, fmt.Errorf("%w: rate is zero", ledger.ErrUnavailable)
		}
		dart := amount.DivRound(ilk.Rate, normalizedPrecision)
		return m.client.UpdatePosition(ctx, m.ilk, user, user, user, decimal.Zero, dart)

	case catalog.StepExitDebt:
		adapter := m.client.Contracts().DebtAdapter
		ok, err := m.client.IsAuthorized(ctx, user, adapter)
		if err != nil {
			return ledger.Tx{}, err
		}
		if !ok {
			if _, err := m.client.Authorize(ctx, user, adapter); err != nil {
				return ledger.Tx{}, err
			}
		}
		return m.client.WithdrawDebtToken(ctx, user, amount)

	case catalog.StepApproveDebt:
		return m.client.TokenApprove(ctx, user, m.client.Contracts().DebtAdapter, amount)

	case catalog.StepJoinDebt:
		return m.client.DepositDebtToken(ctx, user, amount)

	case catalog.StepWipeDebt:
		capped, err := m.repayAmount(ctx, user, amount)
		if err != nil {
			return ledger.Tx{}, err
		}
		return m.client.ReduceDebt(ctx, m.ilk, user, capped)
	}
	return ledger.Tx{}, stateError(fmt.Sprintf("no ledger call for step %q of %s", step.ID, op.ID))
}

// repayAmount caps a repayment at the outstanding debt and the internal
// token balance so the vault never goes below zero debt.
func (m *Manager) repayAmount(ctx context.Context, user string, requested decimal.Decimal) (decimal.Decimal, error) {
	urn, err := m.client.Position(ctx, m.ilk, user)
	if err != nil {
		return decimal.Zero, err
	}
	ilk, err := m.client.IlkParams(ctx, m.ilk)
	if err != nil {
		return decimal.Zero, err
	}
	internal, err := m.client.InternalDebtBalance(ctx, user)
	if err != nil {
		return decimal.Zero, err
	}
	capped := position.RepayCap(requested, urn.NormalizedDebt, internal, ilk.Rate)
	if !capped.IsPositive() {
		if !urn.NormalizedDebt.IsPositive() {
			return decimal.Zero, validationError("The vault has no outstanding debt to repay")
		}
		return decimal.Zero, validationError("No deposited tokens are available to repay with")
	}
	return capped, nil
}
