package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Backend is the subset of the Ethereum JSON-RPC API used by EthClient.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// EthConfig configures an EthClient.
type EthConfig struct {
	Ilk           string
	ChainID       *big.Int
	Contracts     Contracts
	Confirmations uint64
	PollInterval  time.Duration
	RequestsPerS  float64
	Burst         int
	Logger        *slog.Logger
}

// EthClient implements Client against a live EVM node.
type EthClient struct {
	backend Backend
	signer  Signer
	cfg     EthConfig
	abis    abis
	limiter *rate.Limiter
	logger  *slog.Logger
}

// DialEth connects to an RPC endpoint. signer may be nil for a read-only client.
func DialEth(ctx context.Context, endpoint string, signer Signer, cfg EthConfig) (*EthClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, errors.New("ledger: rpc endpoint required")
	}
	rpc, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", trimmed, err)
	}
	if cfg.ChainID == nil {
		id, err := rpc.ChainID(ctx)
		if err != nil {
			rpc.Close()
			return nil, fmt.Errorf("chain id: %w", err)
		}
		cfg.ChainID = id
	}
	return NewEthClient(rpc, signer, cfg)
}

// NewEthClient wraps an existing backend.
func NewEthClient(backend Backend, signer Signer, cfg EthConfig) (*EthClient, error) {
	parsed, err := parseABIs()
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	for name, addr := range map[string]string{
		"ledger":             cfg.Contracts.Ledger,
		"spotter":            cfg.Contracts.Spotter,
		"collateral_adapter": cfg.Contracts.CollateralAdapter,
		"debt_adapter":       cfg.Contracts.DebtAdapter,
		"token":              cfg.Contracts.Token,
	} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("ledger: invalid %s address %q", name, addr)
		}
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerS > 0 {
		limit = rate.Limit(cfg.RequestsPerS)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EthClient{
		backend: backend,
		signer:  signer,
		cfg:     cfg,
		abis:    parsed,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.With("component", "ledger"),
	}, nil
}

func (c *EthClient) Contracts() Contracts { return c.cfg.Contracts }

func (c *EthClient) Sender() string {
	if c.signer == nil {
		return ""
	}
	return strings.ToLower(c.signer.Address().Hex())
}

// --- reads ---

func (c *EthClient) Position(ctx context.Context, ilk, user string) (Urn, error) {
	out, err := c.call(ctx, c.cfg.Contracts.Ledger, c.abis.ledger, "urns", IlkID(ilk), common.HexToAddress(user))
	if err != nil {
		return Urn{}, err
	}
	return Urn{
		Collateral:     FromWad(out[0].(*big.Int)),
		NormalizedDebt: FromWad(out[1].(*big.Int)),
	}, nil
}

func (c *EthClient) IlkParams(ctx context.Context, ilk string) (Ilk, error) {
	out, err := c.call(ctx, c.cfg.Contracts.Ledger, c.abis.ledger, "ilks", IlkID(ilk))
	if err != nil {
		return Ilk{}, err
	}
	return Ilk{
		TotalDebt:   FromWad(out[0].(*big.Int)),
		Rate:        FromRay(out[1].(*big.Int)),
		SpotPrice:   FromRay(out[2].(*big.Int)),
		DebtCeiling: FromRad(out[3].(*big.Int)),
		DebtFloor:   FromRad(out[4].(*big.Int)),
	}, nil
}

func (c *EthClient) TargetPrice(ctx context.Context) (decimal.Decimal, error) {
	out, err := c.call(ctx, c.cfg.Contracts.Spotter, c.abis.spotter, "par")
	if err != nil {
		return decimal.Zero, err
	}
	return FromRay(out[0].(*big.Int)), nil
}

func (c *EthClient) LiquidationRatio(ctx context.Context, ilk string) (decimal.Decimal, error) {
	out, err := c.call(ctx, c.cfg.Contracts.Spotter, c.abis.spotter, "ilks", IlkID(ilk))
	if err != nil {
		return decimal.Zero, err
	}
	return FromRay(out[1].(*big.Int)), nil
}

func (c *EthClient) IsAuthorized(ctx context.Context, user, counterparty string) (bool, error) {
	out, err := c.call(ctx, c.cfg.Contracts.Ledger, c.abis.ledger, "can", common.HexToAddress(user), common.HexToAddress(counterparty))
	if err != nil {
		return false, err
	}
	return out[0].(*big.Int).Sign() != 0, nil
}

func (c *EthClient) InternalCollateralBalance(ctx context.Context, ilk, user string) (decimal.Decimal, error) {
	out, err := c.call(ctx, c.cfg.Contracts.Ledger, c.abis.ledger, "gem", IlkID(ilk), common.HexToAddress(user))
	if err != nil {
		return decimal.Zero, err
	}
	return FromWad(out[0].(*big.Int)), nil
}

func (c *EthClient) InternalDebtBalance(ctx context.Context, user string) (decimal.Decimal, error) {
	out, err := c.call(ctx, c.cfg.Contracts.Ledger, c.abis.ledger, "dai", common.HexToAddress(user))
	if err != nil {
		return decimal.Zero, err
	}
	return FromRad(out[0].(*big.Int)), nil
}

func (c *EthClient) TokenAllowance(ctx context.Context, owner, spender string) (decimal.Decimal, error) {
	out, err := c.call(ctx, c.cfg.Contracts.Token, c.abis.token, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return decimal.Zero, err
	}
	return FromWad(out[0].(*big.Int)), nil
}

func (c *EthClient) WalletBalances(ctx context.Context, user string) (decimal.Decimal, decimal.Decimal, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: balance: %w", ErrUnavailable, err)
	}
	native, err := c.backend.BalanceAt(ctx, common.HexToAddress(user), nil)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("%w: balance: %w", ErrUnavailable, err)
	}
	out, err := c.call(ctx, c.cfg.Contracts.Token, c.abis.token, "balanceOf", common.HexToAddress(user))
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return FromWad(native), FromWad(out[0].(*big.Int)), nil
}

func (c *EthClient) TransactionStatus(ctx context.Context, hash string) (TxStatus, error) {
	if len(strings.TrimPrefix(hash, "0x")) != 2*common.HashLength {
		return TxUnknown, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return TxUnknown, fmt.Errorf("%w: receipt: %w", ErrUnavailable, err)
	}
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(hash))
	switch {
	case errors.Is(err, ethereum.NotFound):
		return TxPending, nil
	case err != nil:
		return TxUnknown, fmt.Errorf("%w: receipt: %w", ErrUnavailable, err)
	case receipt.Status == types.ReceiptStatusSuccessful:
		return TxSucceeded, nil
	default:
		return TxFailed, nil
	}
}

func (c *EthClient) call(ctx context.Context, contract string, a abi.ABI, method string, args ...any) ([]any, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, method, err)
	}
	to := common.HexToAddress(contract)
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, method, err)
	}
	out, err := a.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", ErrUnavailable, method, err)
	}
	return out, nil
}

// --- writes ---

func (c *EthClient) Authorize(ctx context.Context, owner, counterparty string) (Tx, error) {
	if err := c.checkSigner(owner); err != nil {
		return Tx{}, err
	}
	return c.send(ctx, c.cfg.Contracts.Ledger, c.abis.ledger, nil, "hope", common.HexToAddress(counterparty))
}

func (c *EthClient) DepositCollateral(ctx context.Context, user string, amount decimal.Decimal) (Tx, error) {
	if err := c.checkSigner(user); err != nil {
		return Tx{}, err
	}
	if !amount.IsPositive() {
		return Tx{}, ErrZeroAmount
	}
	if err := c.preflightDeposit(ctx, user, amount); err != nil {
		return Tx{}, err
	}
	return c.send(ctx, c.cfg.Contracts.CollateralAdapter, c.abis.collateral, ToWad(amount), "join", common.HexToAddress(user))
}

func (c *EthClient) preflightDeposit(ctx context.Context, user string, amount decimal.Decimal) error {
	adapter := common.HexToAddress(c.cfg.Contracts.CollateralAdapter)
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: code: %w", ErrUnavailable, err)
	}
	code, err := c.backend.CodeAt(ctx, adapter, nil)
	if err != nil {
		return fmt.Errorf("%w: code: %w", ErrUnavailable, err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w: %s", ErrNoContractCode, adapter.Hex())
	}
	out, err := c.call(ctx, c.cfg.Contracts.CollateralAdapter, c.abis.collateral, "live")
	if err != nil {
		return err
	}
	if out[0].(*big.Int).Sign() == 0 {
		return ErrPaused
	}
	native, _, err := c.WalletBalances(ctx, user)
	if err != nil {
		return err
	}
	if native.LessThan(amount) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, native, amount)
	}
	return nil
}

func (c *EthClient) WithdrawCollateral(ctx context.Context, user string, amount decimal.Decimal) (Tx, error) {
	if err := c.checkSigner(user); err != nil {
		return Tx{}, err
	}
	return c.send(ctx, c.cfg.Contracts.CollateralAdapter, c.abis.collateral, nil, "exit", common.HexToAddress(user), ToWad(amount))
}

func (c *EthClient) UpdatePosition(ctx context.Context, ilk, owner, collateralSrc, debtDst string, collateralDelta, debtDelta decimal.Decimal) (Tx, error) {
	if err := c.checkSigner(owner); err != nil {
		return Tx{}, err
	}
	return c.send(ctx, c.cfg.Contracts.Ledger, c.abis.ledger, nil, "frob",
		IlkID(ilk),
		common.HexToAddress(owner),
		common.HexToAddress(collateralSrc),
		common.HexToAddress(debtDst),
		ToWad(collateralDelta),
		ToWad(debtDelta),
	)
}

func (c *EthClient) ReduceDebt(ctx context.Context, ilk, owner string, amount decimal.Decimal) (Tx, error) {
	if err := c.checkSigner(owner); err != nil {
		return Tx{}, err
	}
	if !amount.IsPositive() {
		return Tx{}, ErrZeroAmount
	}
	return c.send(ctx, c.cfg.Contracts.Ledger, c.abis.ledger, nil, "wipe", IlkID(ilk), common.HexToAddress(owner), ToRad(amount))
}

func (c *EthClient) DepositDebtToken(ctx context.Context, user string, amount decimal.Decimal) (Tx, error) {
	if err := c.checkSigner(user); err != nil {
		return Tx{}, err
	}
	if !amount.IsPositive() {
		return Tx{}, ErrZeroAmount
	}
	return c.send(ctx, c.cfg.Contracts.DebtAdapter, c.abis.debt, nil, "join", common.HexToAddress(user), ToWad(amount))
}

func (c *EthClient) WithdrawDebtToken(ctx context.Context, user string, amount decimal.Decimal) (Tx, error) {
	if err := c.checkSigner(user); err != nil {
		return Tx{}, err
	}
	return c.send(ctx, c.cfg.Contracts.DebtAdapter, c.abis.debt, nil, "exit", common.HexToAddress(user), ToWad(amount))
}

func (c *EthClient) TokenApprove(ctx context.Context, owner, spender string, amount decimal.Decimal) (Tx, error) {
	if err := c.checkSigner(owner); err != nil {
		return Tx{}, err
	}
	return c.send(ctx, c.cfg.Contracts.Token, c.abis.token, nil, "approve", common.HexToAddress(spender), ToWad(amount))
}

func (c *EthClient) checkSigner(account string) error {
	if c.signer == nil || !strings.EqualFold(c.signer.Address().Hex(), strings.TrimSpace(account)) {
		return fmt.Errorf("%w: %s", ErrNotSigner, account)
	}
	return nil
}

// send estimates, signs, submits and waits for the transaction to be mined
// with the configured number of confirmations. When the wait is cut short
// the returned Tx still carries the submitted hash.
func (c *EthClient) send(ctx context.Context, contract string, a abi.ABI, value *big.Int, method string, args ...any) (Tx, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return Tx{}, fmt.Errorf("pack %s: %w", method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	from := c.signer.Address()
	to := common.HexToAddress(contract)
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}

	if err := c.limiter.Wait(ctx); err != nil {
		return Tx{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, method, err)
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return Tx{}, classifyEstimate(method, err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return Tx{}, fmt.Errorf("%w: nonce: %w", ErrUnavailable, err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Tx{}, fmt.Errorf("%w: gas price: %w", ErrUnavailable, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas + gas/5,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(context.WithValue(ctx, methodKey{}, method), tx, c.cfg.ChainID)
	if err != nil {
		return Tx{}, err
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return Tx{}, classifyEstimate(method, err)
	}
	hash := signed.Hash()
	c.logger.Info("transaction submitted", "method", method, "to", to.Hex(), "hash", hash.Hex())

	receipt, err := c.waitMined(ctx, hash)
	if err != nil {
		return Tx{Hash: hash.Hex()}, err
	}
	c.logger.Info("transaction mined", "method", method, "hash", hash.Hex(), "block", receipt.BlockNumber)
	return Tx{Hash: hash.Hex(), Block: receipt.BlockNumber.Uint64()}, nil
}

func (c *EthClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: transaction %s failed", ErrReverted, hash.Hex())
			}
			ok, err := c.confirmed(ctx, receipt)
			if err != nil {
				c.logger.Warn("fetch head failed", "hash", hash.Hex(), "err", err)
			} else if ok {
				return receipt, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.Warn("fetch receipt failed", "hash", hash.Hex(), "err", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s: %w", ErrUnavailable, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *EthClient) confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if c.cfg.Confirmations <= 1 {
		return true, nil
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, err
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, errors.New("block metadata unavailable")
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(c.cfg.Confirmations)) >= 0, nil
}

// classifyEstimate maps node errors from estimation or submission to the
// boundary's sentinels.
func classifyEstimate(method string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %s: %v", ErrInsufficientBalance, method, err)
	case strings.Contains(msg, "revert"), strings.Contains(msg, "execution"):
		return fmt.Errorf("%w: %s: %v", ErrReverted, method, err)
	default:
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, method, err)
	}
}
