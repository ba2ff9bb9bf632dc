// Package ledger is the typed boundary to the external accounting ledger
// and its auxiliary contracts: the collateral adapter, the debt-token
// adapter and the pegged token. Nothing above this package knows about
// wire encodings or fixed-point units; every amount crossing the boundary
// is a decimal in whole asset units.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrUserRejected is returned when the signer declined the transaction.
	ErrUserRejected = errors.New("ledger: transaction rejected by user")

	// ErrPaused is returned when an adapter is not live.
	ErrPaused = errors.New("ledger: contract is paused")

	// ErrInsufficientBalance is returned by pre-flight balance checks.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrZeroAmount is returned for writes with a zero amount.
	ErrZeroAmount = errors.New("ledger: zero amount")

	// ErrNoContractCode is returned when no code is deployed at a contract address.
	ErrNoContractCode = errors.New("ledger: no contract code at address")

	// ErrReverted is returned when the ledger rejected a transaction, either
	// during gas estimation or in a mined receipt.
	ErrReverted = errors.New("ledger: execution reverted")

	// ErrUnavailable wraps read failures. Callers must treat the affected
	// data as unknown.
	ErrUnavailable = errors.New("ledger: unavailable")

	// ErrNotSigner is returned when a write is requested for an account the
	// client cannot sign for.
	ErrNotSigner = errors.New("ledger: account is not the configured signer")
)

// Urn is a raw vault record.
type Urn struct {
	Collateral     decimal.Decimal
	NormalizedDebt decimal.Decimal
}

// Ilk holds the global parameters of one collateral type.
type Ilk struct {
	TotalDebt   decimal.Decimal // normalized; multiply by Rate for token units
	Rate        decimal.Decimal
	SpotPrice   decimal.Decimal // price / (liquidation ratio × target price)
	DebtCeiling decimal.Decimal
	DebtFloor   decimal.Decimal
}

// Contracts are the addresses of the external contracts.
type Contracts struct {
	Ledger            string `json:"ledger" yaml:"ledger"`
	Spotter           string `json:"spotter" yaml:"spotter"`
	CollateralAdapter string `json:"collateral_adapter" yaml:"collateral_adapter"`
	DebtAdapter       string `json:"debt_adapter" yaml:"debt_adapter"`
	Token             string `json:"token" yaml:"token"`
}

// Tx is a mined, successful transaction.
type Tx struct {
	Hash  string `json:"hash"`
	Block uint64 `json:"block"`
}

// TxStatus is the observed state of a previously submitted transaction.
type TxStatus int

const (
	TxUnknown TxStatus = iota
	TxPending
	TxSucceeded
	TxFailed
)

func (s TxStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxSucceeded:
		return "succeeded"
	case TxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Reader is the read-only half of the boundary.
type Reader interface {
	// Position returns the user's raw vault record.
	Position(ctx context.Context, ilk, user string) (Urn, error)

	// IlkParams returns the collateral type's global parameters.
	IlkParams(ctx context.Context, ilk string) (Ilk, error)

	// TargetPrice returns the oracle target price of the pegged token.
	TargetPrice(ctx context.Context) (decimal.Decimal, error)

	// LiquidationRatio returns the collateral type's liquidation ratio.
	LiquidationRatio(ctx context.Context, ilk string) (decimal.Decimal, error)

	// IsAuthorized reports whether counterparty may move user's internal balances.
	IsAuthorized(ctx context.Context, user, counterparty string) (bool, error)

	// InternalCollateralBalance is collateral held by the ledger outside the vault.
	InternalCollateralBalance(ctx context.Context, ilk, user string) (decimal.Decimal, error)

	// InternalDebtBalance is pegged-token value held by the ledger outside the wallet.
	InternalDebtBalance(ctx context.Context, user string) (decimal.Decimal, error)

	// TokenAllowance returns the pegged-token allowance owner granted spender.
	TokenAllowance(ctx context.Context, owner, spender string) (decimal.Decimal, error)

	// WalletBalances returns the user's native and pegged-token wallet balances.
	WalletBalances(ctx context.Context, user string) (native, token decimal.Decimal, err error)

	// TransactionStatus returns what the ledger knows about a transaction hash.
	TransactionStatus(ctx context.Context, hash string) (TxStatus, error)

	// Contracts returns the configured contract addresses.
	Contracts() Contracts
}

// Client is the full boundary. Writes return only once the transaction is
// mined successfully; anything else is an error.
type Client interface {
	Reader

	// Sender is the account the client signs for, or "" when it may act
	// for any account.
	Sender() string

	Authorize(ctx context.Context, owner, counterparty string) (Tx, error)
	DepositCollateral(ctx context.Context, user string, amount decimal.Decimal) (Tx, error)
	WithdrawCollateral(ctx context.Context, user string, amount decimal.Decimal) (Tx, error)

	// UpdatePosition applies signed deltas: positive collateralDelta adds
	// collateral from collateralSrc, positive debtDelta adds debt credited
	// to debtDst.
	UpdatePosition(ctx context.Context, ilk, owner, collateralSrc, debtDst string, collateralDelta, debtDelta decimal.Decimal) (Tx, error)

	// ReduceDebt settles amount of owner's debt from owner's internal balance.
	ReduceDebt(ctx context.Context, ilk, owner string, amount decimal.Decimal) (Tx, error)

	DepositDebtToken(ctx context.Context, user string, amount decimal.Decimal) (Tx, error)
	WithdrawDebtToken(ctx context.Context, user string, amount decimal.Decimal) (Tx, error)
	TokenApprove(ctx context.Context, owner, spender string, amount decimal.Decimal) (Tx, error)
}

// IsUnavailable reports whether err is a read failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
