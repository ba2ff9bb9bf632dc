package wizard

import (
	"errors"
	"fmt"

	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/model"
)

var (
	// ErrNoSession is returned by operations that need an active session.
	ErrNoSession = errors.New("wizard: no active session")

	// ErrBusy is returned while a step of the same address is executing.
	ErrBusy = errors.New("wizard: step already in progress")
)

// Kind classifies a step failure.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindPreflight   Kind = "preflight"
	KindRejected    Kind = "rejected"
	KindReverted    Kind = "reverted"
	KindUnverified  Kind = "unverified"
	KindUnavailable Kind = "unavailable"
	KindState       Kind = "state"
)

// StepError is a failure surfaced to the user. Message is safe to show;
// Err keeps the underlying cause.
type StepError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StepError) Unwrap() error { return e.Err }

// KindOf returns the kind of a StepError in err's chain, or "".
func KindOf(err error) Kind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func validationError(msg string) *StepError {
	return &StepError{Kind: KindValidation, Message: msg}
}

func stateError(msg string) *StepError {
	return &StepError{Kind: KindState, Message: msg}
}

// translate maps a ledger failure for step of op onto the user-facing
// taxonomy. Pre-flight failures keep their own wording; reverts get an
// actionable message for the step.
func translate(op model.Operation, step model.Step, err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, ledger.ErrUserRejected):
		return &StepError{Kind: KindRejected, Message: "Transaction cancelled by user", Err: err}
	case errors.Is(err, ledger.ErrPaused):
		return &StepError{Kind: KindPreflight, Message: "The collateral adapter is paused", Err: err}
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return &StepError{Kind: KindPreflight, Message: "Insufficient wallet balance for this step", Err: err}
	case errors.Is(err, ledger.ErrZeroAmount):
		return &StepError{Kind: KindPreflight, Message: "Cannot transfer a zero amount", Err: err}
	case errors.Is(err, ledger.ErrNoContractCode):
		return &StepError{Kind: KindPreflight, Message: "No contract is deployed at the configured address", Err: err}
	case errors.Is(err, ledger.ErrNotSigner):
		return &StepError{Kind: KindPreflight, Message: "This account cannot be signed for", Err: err}
	case errors.Is(err, ledger.ErrReverted):
		return &StepError{Kind: KindReverted, Message: revertMessage(op, step), Err: err}
	case errors.Is(err, ledger.ErrUnavailable):
		return &StepError{Kind: KindUnavailable, Message: "The ledger could not be reached; verify progress before retrying", Err: err}
	}
	return &StepError{Kind: KindUnavailable, Message: fmt.Sprintf("Failed to %s", step.Title), Err: err}
}

func revertMessage(op model.Operation, step model.Step) string {
	if step.Action == model.ActionLedgerUpdate {
		switch op.ID {
		case model.OpRepayDebt:
			return "Failed to repay debt. The internal token balance may be too small, or a previous step is not complete."
		case model.OpWithdrawCollateral:
			return "Failed to withdraw collateral. Withdrawing this much would leave the vault unsafe, or outstanding debt prevents it."
		case model.OpDepositCollateral:
			return "Failed to deposit collateral. Verify the collateral is available in the adapter balance."
		case model.OpMintDebt:
			return "Failed to mint. The vault may not have enough collateral to mint this amount safely, or the debt ceiling or floor blocks it."
		}
	}
	switch step.Action {
	case model.ActionTransferIn:
		if op.Asset == model.AssetCollateral {
			return "Failed to move collateral into the adapter. Check your wallet balance and try again."
		}
		return "Failed to deposit tokens. Check your token balance and approval and try again."
	case model.ActionTransferOut:
		return "Failed to withdraw to your wallet. Verify the internal balance is sufficient."
	case model.ActionApprove:
		return "Failed to approve the debt adapter."
	}
	return fmt.Sprintf("Failed to %s", step.Title)
}
