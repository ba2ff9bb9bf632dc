// Package catalog is the static description of the supported vault
// operations. Every operation starts with an input step and ends with a
// terminal step; the steps in between run in the listed order.
package catalog

import (
	"errors"
	"fmt"

	"github.com/jdai/vault-engine/internal/model"
)

// ErrUnknownOperation is returned for an id that is not in the catalog.
var ErrUnknownOperation = errors.New("catalog: unknown operation")

// Step ids. The input and terminal ids are shared by all operations.
const (
	StepInput          = "input-amount"
	StepJoinCollateral = "join-collateral"
	StepLockCollateral = "lock-collateral"
	StepFreeCollateral = "free-collateral"
	StepExitCollateral = "exit-collateral"
	StepDrawDebt       = "draw-debt"
	StepExitDebt       = "exit-debt"
	StepApproveDebt    = "approve-debt"
	StepJoinDebt       = "join-debt"
	StepWipeDebt       = "wipe-debt"
	StepComplete       = "complete"
)

var operations = []model.Operation{
	{
		ID:          model.OpDepositCollateral,
		Title:       "Deposit Collateral",
		Description: "Add collateral to your vault",
		Asset:       model.AssetCollateral,
		Steps: []model.Step{
			inputStep("How much collateral do you want to deposit?"),
			{
				ID:          StepJoinCollateral,
				Title:       "Deposit to Collateral Adapter",
				Action:      model.ActionTransferIn,
				Target:      model.TargetCollateralAdapter,
				Description: "Transfer collateral from your wallet to the collateral adapter",
			},
			{
				ID:          StepLockCollateral,
				Title:       "Add to Vault",
				Action:      model.ActionLedgerUpdate,
				Target:      model.TargetLedger,
				Description: "Move collateral from the adapter balance into your vault",
			},
			completeStep("Collateral successfully deposited"),
		},
	},
	{
		ID:          model.OpWithdrawCollateral,
		Title:       "Withdraw Collateral",
		Description: "Remove collateral from your vault",
		Asset:       model.AssetCollateral,
		Steps: []model.Step{
			inputStep("How much collateral do you want to withdraw?"),
			{
				ID:          StepFreeCollateral,
				Title:       "Remove from Vault",
				Action:      model.ActionLedgerUpdate,
				Target:      model.TargetLedger,
				Description: "Move collateral from your vault to the adapter balance",
			},
			{
				ID:          StepExitCollateral,
				Title:       "Exit to Wallet",
				Action:      model.ActionTransferOut,
				Target:      model.TargetCollateralAdapter,
				Description: "Transfer collateral from the adapter balance to your wallet",
			},
			completeStep("Collateral successfully withdrawn to your wallet"),
		},
	},
	{
		ID:          model.OpMintDebt,
		Title:       "Mint",
		Description: "Borrow the pegged token against your collateral",
		Asset:       model.AssetDebt,
		Steps: []model.Step{
			inputStep("How much do you want to mint?"),
			{
				ID:          StepDrawDebt,
				Title:       "Mint",
				Action:      model.ActionLedgerUpdate,
				Target:      model.TargetLedger,
				Description: "Create new debt in your vault",
			},
			{
				ID:          StepExitDebt,
				Title:       "Exit to Wallet",
				Action:      model.ActionTransferOut,
				Target:      model.TargetDebtAdapter,
				Description: "Transfer tokens from the internal balance to your wallet",
			},
			completeStep("Tokens successfully minted and transferred to your wallet"),
		},
	},
	{
		ID:          model.OpRepayDebt,
		Title:       "Repay Debt",
		Description: "Pay back tokens to reduce your vault debt",
		Asset:       model.AssetDebt,
		Steps: []model.Step{
			inputStep("How much do you want to repay?"),
			{
				ID:          StepApproveDebt,
				Title:       "Approve",
				Action:      model.ActionApprove,
				Target:      model.TargetToken,
				Description: "Allow the debt adapter to take your tokens",
			},
			{
				ID:          StepJoinDebt,
				Title:       "Deposit Tokens",
				Action:      model.ActionTransferIn,
				Target:      model.TargetDebtAdapter,
				Description: "Move tokens from your wallet to the internal balance",
			},
			{
				ID:          StepWipeDebt,
				Title:       "Repay Debt",
				Action:      model.ActionLedgerUpdate,
				Target:      model.TargetLedger,
				Description: "Use the deposited tokens to reduce your vault debt",
			},
			completeStep("Debt successfully repaid"),
		},
	},
}

func inputStep(prompt string) model.Step {
	return model.Step{
		ID:          StepInput,
		Title:       "Enter Amount",
		Action:      model.ActionInput,
		Description: prompt,
	}
}

func completeStep(msg string) model.Step {
	return model.Step{
		ID:          StepComplete,
		Title:       "Complete",
		Action:      model.ActionTerminal,
		Description: msg,
	}
}

// Get returns the operation with the given id. The returned value shares no
// memory with the catalog.
func Get(id string) (model.Operation, error) {
	for _, op := range operations {
		if op.ID == id {
			return clone(op), nil
		}
	}
	return model.Operation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
}

// Steps returns the ordered step list of an operation.
func Steps(id string) ([]model.Step, error) {
	op, err := Get(id)
	if err != nil {
		return nil, err
	}
	return op.Steps, nil
}

// All returns every operation in catalog order.
func All() []model.Operation {
	out := make([]model.Operation, len(operations))
	for i, op := range operations {
		out[i] = clone(op)
	}
	return out
}

func clone(op model.Operation) model.Operation {
	op.Steps = append([]model.Step(nil), op.Steps...)
	return op
}
