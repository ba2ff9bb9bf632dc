// Package verify decides from fresh ledger reads whether a step's effect is
// already observable. It never consults local completion flags.
//
// Checks are amount- and direction-relative: the ledger's absolute position
// cannot be attributed to a single transaction, so a step is judged by how
// the relevant intermediate holding compares with the claimed amount.
// Unrelated activity on the same balances between check and action can
// fool these checks, so a recorded transaction hash takes precedence: a
// successful receipt verifies its step, a failed or pending one does not.
// Balances decide only when no receipt is known.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/metrics"
	"github.com/jdai/vault-engine/internal/model"
)

// DefaultEpsilon absorbs rounding noise in holding comparisons.
var DefaultEpsilon = decimal.New(1, -4)

// ErrUnknownStep is returned when a step's action has no verification rule.
var ErrUnknownStep = errors.New("verify: no rule for step")

// Verifier checks steps against one collateral type.
type Verifier struct {
	client  ledger.Reader
	ilk     string
	epsilon decimal.Decimal
}

// New creates a verifier. A non-positive epsilon selects DefaultEpsilon.
func New(client ledger.Reader, ilk string, epsilon decimal.Decimal) *Verifier {
	if !epsilon.IsPositive() {
		epsilon = DefaultEpsilon
	}
	return &Verifier{client: client, ilk: ilk, epsilon: epsilon}
}

// Verify reports whether step of op is complete for user at amount. txHash
// is the transaction recorded for the step, if any. A read failure returns
// an error and no verdict.
func (v *Verifier) Verify(ctx context.Context, user string, op model.Operation, step model.Step, amount decimal.Decimal, txHash string) (bool, error) {
	ok, err := v.verify(ctx, user, op, step, amount, txHash)
	result := "false"
	switch {
	case err != nil:
		result = "error"
	case ok:
		result = "true"
	}
	metrics.Verifications.WithLabelValues(string(step.Action), result).Inc()
	return ok, err
}

func (v *Verifier) verify(ctx context.Context, user string, op model.Operation, step model.Step, amount decimal.Decimal, txHash string) (bool, error) {
	switch step.Action {
	case model.ActionInput:
		return amount.IsPositive(), nil
	case model.ActionTerminal:
		// Complete only as the end of an unbroken sweep.
		return false, nil
	}

	if txHash != "" {
		status, err := v.client.TransactionStatus(ctx, txHash)
		if err != nil {
			return false, fmt.Errorf("check tx %s: %w", txHash, err)
		}
		switch status {
		case ledger.TxFailed:
			slog.Warn("recorded transaction failed", "user", user, "step", step.ID, "tx", txHash)
			return false, nil
		case ledger.TxPending:
			return false, nil
		case ledger.TxSucceeded:
			// The receipt is attributable to this step; later steps may
			// already have drained the holding the balance rule inspects.
			return true, nil
		}
	}

	switch step.Action {
	case model.ActionApprove:
		allowance, err := v.client.TokenAllowance(ctx, user, v.client.Contracts().DebtAdapter)
		if err != nil {
			return false, fmt.Errorf("read allowance: %w", err)
		}
		return allowance.GreaterThanOrEqual(amount), nil

	case model.ActionTransferIn:
		holding, err := v.holding(ctx, user, op.Asset)
		if err != nil {
			return false, err
		}
		return v.atLeast(holding, amount), nil

	case model.ActionLedgerUpdate:
		holding, err := v.holding(ctx, user, op.Asset)
		if err != nil {
			return false, err
		}
		switch op.ID {
		case model.OpDepositCollateral, model.OpRepayDebt:
			// Consumed from the holding into the position.
			return v.below(holding, amount), nil
		case model.OpWithdrawCollateral, model.OpMintDebt:
			// Pushed out of the position into the holding.
			return v.atLeast(holding, amount), nil
		}

	case model.ActionTransferOut:
		holding, err := v.holding(ctx, user, op.Asset)
		if err != nil {
			return false, err
		}
		return v.below(holding, amount), nil
	}
	return false, fmt.Errorf("%w: %s/%s (%s)", ErrUnknownStep, op.ID, step.ID, step.Action)
}

func (v *Verifier) holding(ctx context.Context, user string, asset model.Asset) (decimal.Decimal, error) {
	var (
		bal decimal.Decimal
		err error
	)
	if asset == model.AssetCollateral {
		bal, err = v.client.InternalCollateralBalance(ctx, v.ilk, user)
	} else {
		bal, err = v.client.InternalDebtBalance(ctx, user)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s holding: %w", asset, err)
	}
	return bal, nil
}

// atLeast tolerates epsilon of shortfall but never verifies an empty holding.
func (v *Verifier) atLeast(holding, amount decimal.Decimal) bool {
	return holding.IsPositive() && holding.Add(v.epsilon).GreaterThanOrEqual(amount)
}

func (v *Verifier) below(holding, amount decimal.Decimal) bool {
	return holding.LessThan(amount)
}

// Progress is the outcome of a left-to-right sweep.
type Progress struct {
	CompletedStepIDs []string
	StepIndex        int
}

// Sweep verifies the steps of op from the first, stopping at the first step
// that does not verify. Steps before seedIndex are treated as satisfied.
// The terminal step counts as complete once every step before it has
// verified. StepIndex is the first unverified step, or the last index.
func (v *Verifier) Sweep(ctx context.Context, user string, op model.Operation, amount decimal.Decimal, txHashes map[string]string, seedIndex int) (Progress, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	last := len(op.Steps) - 1
	progress := Progress{CompletedStepIDs: []string{}, StepIndex: last}
	for i, step := range op.Steps {
		ok := true
		switch {
		case i < seedIndex:
		case step.Action == model.ActionTerminal:
		default:
			var err error
			ok, err = v.Verify(ctx, user, op, step, amount, txHashes[step.ID])
			if err != nil {
				return Progress{}, err
			}
		}
		if !ok {
			progress.StepIndex = i
			break
		}
		progress.CompletedStepIDs = append(progress.CompletedStepIDs, step.ID)
	}

	slog.Debug("progress sweep",
		"user", user,
		"operation", op.ID,
		"completed", len(progress.CompletedStepIDs),
		"step_index", progress.StepIndex,
	)
	return progress, nil
}
