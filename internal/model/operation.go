package model

// Operation ids of the four supported intents.
const (
	OpDepositCollateral  = "deposit-collateral"
	OpWithdrawCollateral = "withdraw-collateral"
	OpMintDebt           = "mint-debt"
	OpRepayDebt          = "repay-debt"
)

// Action is the kind of work a step performs.
type Action string

const (
	ActionInput        Action = "input"
	ActionApprove      Action = "approve"
	ActionTransferIn   Action = "transfer-in"
	ActionLedgerUpdate Action = "ledger-update"
	ActionTransferOut  Action = "transfer-out"
	ActionTerminal     Action = "terminal"
)

// Target identifies which external contract a step calls.
type Target string

const (
	TargetNone              Target = ""
	TargetLedger            Target = "ledger"
	TargetCollateralAdapter Target = "collateral-adapter"
	TargetDebtAdapter       Target = "debt-adapter"
	TargetToken             Target = "pegged-token"
)

// Asset names the two values that can sit in an intermediate holding.
type Asset string

const (
	AssetCollateral Asset = "collateral"
	AssetDebt       Asset = "debt"
)

// Step is one unit of work within an Operation.
type Step struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Action      Action `json:"action"`
	Target      Target `json:"target,omitempty"`
	Description string `json:"description"`
}

// Operation is a named user intent made of ordered steps.
type Operation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Asset       Asset  `json:"asset"`
	Steps       []Step `json:"steps"`
}

// StepIndex returns the index of the step with the given id, or -1.
func (o Operation) StepIndex(stepID string) int {
	for i, s := range o.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// Executable reports whether the step submits a ledger transaction.
func (s Step) Executable() bool {
	return s.Action != ActionInput && s.Action != ActionTerminal
}
