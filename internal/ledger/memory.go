package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Memory implements Client with in-memory accounting that mirrors the
// external ledger's rules closely enough to drive the wizard end to end.
// Used for testing and development. Not suitable for production.
type Memory struct {
	mu sync.Mutex

	contracts Contracts
	paused    bool

	native    map[string]decimal.Decimal
	token     map[string]decimal.Decimal
	allowance map[string]map[string]decimal.Decimal
	can       map[string]map[string]bool
	gem       map[string]decimal.Decimal
	dai       map[string]decimal.Decimal
	urns      map[string]Urn

	ilk         Ilk
	targetPrice decimal.Decimal
	liqRatio    decimal.Decimal

	txSeq    uint64
	receipts map[string]TxStatus

	readErr  error
	writeErr error
}

// NewMemory creates an in-memory ledger with rate 1, target price 1,
// liquidation ratio 1.5 and no oracle price.
func NewMemory(contracts Contracts) *Memory {
	return &Memory{
		contracts: contracts,
		native:    make(map[string]decimal.Decimal),
		token:     make(map[string]decimal.Decimal),
		allowance: make(map[string]map[string]decimal.Decimal),
		can:       make(map[string]map[string]bool),
		gem:       make(map[string]decimal.Decimal),
		dai:       make(map[string]decimal.Decimal),
		urns:      make(map[string]Urn),
		ilk: Ilk{
			Rate:        decimal.NewFromInt(1),
			DebtCeiling: decimal.NewFromInt(1_000_000_000),
		},
		targetPrice: decimal.NewFromInt(1),
		liqRatio:    decimal.NewFromFloat(1.5),
		receipts:    make(map[string]TxStatus),
	}
}

// --- Test and dev controls ---

// Fund credits native and token wallet balances.
func (m *Memory) Fund(user string, native, token decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := normalizeAddress(user)
	m.native[u] = m.native[u].Add(native)
	m.token[u] = m.token[u].Add(token)
}

// SetOracle sets the collateral reference price, target price and
// liquidation ratio, deriving the spot price the way the ledger does:
// spot = price / (ratio × target).
func (m *Memory) SetOracle(referencePrice, targetPrice, liquidationRatio decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targetPrice = targetPrice
	m.liqRatio = liquidationRatio
	if referencePrice.IsZero() || targetPrice.IsZero() || liquidationRatio.IsZero() {
		m.ilk.SpotPrice = decimal.Zero
		return
	}
	m.ilk.SpotPrice = referencePrice.DivRound(liquidationRatio.Mul(targetPrice), RayDecimals)
}

// SetRate sets the accumulated stability rate.
func (m *Memory) SetRate(rate decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ilk.Rate = rate
}

// SetLimits sets the debt ceiling and floor.
func (m *Memory) SetLimits(ceiling, floor decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ilk.DebtCeiling = ceiling
	m.ilk.DebtFloor = floor
}

// SetPaused pauses or resumes the collateral adapter.
func (m *Memory) SetPaused(paused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
}

// SetInternalBalances overwrites a user's intermediate holdings.
func (m *Memory) SetInternalBalances(user string, collateral, debt decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := normalizeAddress(user)
	m.gem[u] = collateral
	m.dai[u] = debt
}

// SetUrn overwrites a user's vault record.
func (m *Memory) SetUrn(user string, urn Urn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := normalizeAddress(user)
	m.ilk.TotalDebt = m.ilk.TotalDebt.Sub(m.urns[u].NormalizedDebt).Add(urn.NormalizedDebt)
	m.urns[u] = urn
}

// FailReads makes every read return err until cleared with nil.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailNextWrite makes the next write return err without side effects.
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// SetReceipt overrides the recorded status of a transaction hash.
func (m *Memory) SetReceipt(hash string, status TxStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[hash] = status
}

// --- Reader ---

func (m *Memory) Contracts() Contracts { return m.contracts }

func (m *Memory) Position(_ context.Context, _ string, user string) (Urn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("urns"); err != nil {
		return Urn{}, err
	}
	return m.urns[normalizeAddress(user)], nil
}

func (m *Memory) IlkParams(_ context.Context, _ string) (Ilk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("ilks"); err != nil {
		return Ilk{}, err
	}
	return m.ilk, nil
}

func (m *Memory) TargetPrice(context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("par"); err != nil {
		return decimal.Zero, err
	}
	return m.targetPrice, nil
}

func (m *Memory) LiquidationRatio(context.Context, string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("mat"); err != nil {
		return decimal.Zero, err
	}
	return m.liqRatio, nil
}

func (m *Memory) IsAuthorized(_ context.Context, user, counterparty string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("can"); err != nil {
		return false, err
	}
	return m.can[normalizeAddress(user)][normalizeAddress(counterparty)], nil
}

func (m *Memory) InternalCollateralBalance(_ context.Context, _ string, user string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("gem"); err != nil {
		return decimal.Zero, err
	}
	return m.gem[normalizeAddress(user)], nil
}

func (m *Memory) InternalDebtBalance(_ context.Context, user string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("dai"); err != nil {
		return decimal.Zero, err
	}
	return m.dai[normalizeAddress(user)], nil
}

func (m *Memory) TokenAllowance(_ context.Context, owner, spender string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("allowance"); err != nil {
		return decimal.Zero, err
	}
	return m.allowance[normalizeAddress(owner)][normalizeAddress(spender)], nil
}

func (m *Memory) WalletBalances(_ context.Context, user string) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("balance"); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	u := normalizeAddress(user)
	return m.native[u], m.token[u], nil
}

func (m *Memory) TransactionStatus(_ context.Context, hash string) (TxStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readFailure("receipt"); err != nil {
		return TxUnknown, err
	}
	return m.receipts[hash], nil
}

func (m *Memory) readFailure(method string) error {
	if m.readErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, method, m.readErr)
}

// --- Client ---

func (m *Memory) Sender() string { return "" }

func (m *Memory) Authorize(_ context.Context, owner, counterparty string) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return Tx{}, err
	}
	o := normalizeAddress(owner)
	if m.can[o] == nil {
		m.can[o] = make(map[string]bool)
	}
	m.can[o][normalizeAddress(counterparty)] = true
	return m.mine(), nil
}

func (m *Memory) DepositCollateral(_ context.Context, user string, amount decimal.Decimal) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return Tx{}, err
	}
	u := normalizeAddress(user)
	switch {
	case !amount.IsPositive():
		return Tx{}, ErrZeroAmount
	case m.paused:
		return Tx{}, ErrPaused
	case m.native[u].LessThan(amount):
		return Tx{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, m.native[u], amount)
	}
	m.native[u] = m.native[u].Sub(amount)
	m.gem[u] = m.gem[u].Add(amount)
	return m.mine(), nil
}

func (m *Memory) WithdrawCollateral(_ context.Context, user string, amount decimal.Decimal) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return Tx{}, err
	}
	u := normalizeAddress(user)
	if m.gem[u].LessThan(amount) {
		return Tx{}, fmt.Errorf("%w: gem underflow", ErrReverted)
	}
	m.gem[u] = m.gem[u].Sub(amount)
	m.native[u] = m.native[u].Add(amount)
	return m.mine(), nil
}

func (m *Memory) UpdatePosition(_ context.Context, _ string, owner, collateralSrc, debtDst string, dink, dart decimal.Decimal) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return Tx{}, err
	}
	o, src, dst := normalizeAddress(owner), normalizeAddress(collateralSrc), normalizeAddress(debtDst)
	urn := m.urns[o]

	ink := urn.Collateral.Add(dink)
	art := urn.NormalizedDebt.Add(dart)
	debtTokens := dart.Mul(m.ilk.Rate)

	switch {
	case ink.IsNegative() || art.IsNegative():
		return Tx{}, fmt.Errorf("%w: vault underflow", ErrReverted)
	case dink.IsPositive() && m.gem[src].LessThan(dink):
		return Tx{}, fmt.Errorf("%w: gem underflow", ErrReverted)
	case dart.IsNegative() && m.dai[dst].LessThan(debtTokens.Neg()):
		return Tx{}, fmt.Errorf("%w: dai underflow", ErrReverted)
	case dart.IsPositive() && m.ilk.TotalDebt.Add(dart).Mul(m.ilk.Rate).GreaterThan(m.ilk.DebtCeiling):
		return Tx{}, fmt.Errorf("%w: ceiling-exceeded", ErrReverted)
	case (dart.IsPositive() || dink.IsNegative()) && ink.Mul(m.ilk.SpotPrice).LessThan(art.Mul(m.ilk.Rate)):
		return Tx{}, fmt.Errorf("%w: not-safe", ErrReverted)
	case art.IsPositive() && art.Mul(m.ilk.Rate).LessThan(m.ilk.DebtFloor):
		return Tx{}, fmt.Errorf("%w: dust", ErrReverted)
	}

	m.gem[src] = m.gem[src].Sub(dink)
	m.dai[dst] = m.dai[dst].Add(debtTokens)
	m.urns[o] = Urn{Collateral: ink, NormalizedDebt: art}
	m.ilk.TotalDebt = m.ilk.TotalDebt.Add(dart)
	return m.mine(), nil
}

func (m *Memory) ReduceDebt(_ context.Context, _ string, owner string, amount decimal.Decimal) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return Tx{}, err
	}
	o := normalizeAddress(owner)
	urn := m.urns[o]
	dart := amount.DivRound(m.ilk.Rate, WadDecimals)

	switch {
	case !amount.IsPositive():
		return Tx{}, ErrZeroAmount
	case m.dai[o].LessThan(amount):
		return Tx{}, fmt.Errorf("%w: dai underflow", ErrReverted)
	case urn.NormalizedDebt.LessThan(dart):
		return Tx{}, fmt.Errorf("%w: art underflow", ErrReverted)
	}
	rest := urn.NormalizedDebt.Sub(dart)
	if rest.IsPositive() && rest.Mul(m.ilk.Rate).LessThan(m.ilk.DebtFloor) {
		return Tx{}, fmt.Errorf("%w: dust", ErrReverted)
	}

	m.dai[o] = m.dai[o].Sub(amount)
	m.urns[o] = Urn{Collateral: urn.Collateral, NormalizedDebt: rest}
	m.ilk.TotalDebt = m.ilk.TotalDebt.Sub(dart)
	return m.mine(), nil
}

func (m *Memory) DepositDebtToken(_ context.Context, user string, amount decimal.Decimal) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return Tx{}, err
	}
	u := normalizeAddress(user)
	spender := normalizeAddress(m.contracts.DebtAdapter)
	switch {
	case !amount.IsPositive():
		return Tx{}, ErrZeroAmount
	case m.token[u].LessThan(amount):
		return Tx{}, fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, m.token[u], amount)
	case m.allowance[u][spender].LessThan(amount):
		return Tx{}, fmt.Errorf("%w: insufficient-allowance", ErrReverted)
	}
	m.token[u] = m.token[u].Sub(amount)
	m.allowance[u][spender] = m.allowance[u][spender].Sub(amount)
	m.dai[u] = m.dai[u].Add(amount)
	return m.mine(), nil
}

func (m *Memory) WithdrawDebtToken(_ context.Context, user string, amount decimal.Decimal) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return Tx{}, err
	}
	u := normalizeAddress(user)
	switch {
	case !m.can[u][normalizeAddress(m.contracts.DebtAdapter)]:
		return Tx{}, fmt.Errorf("%w: not-allowed", ErrReverted)
	case m.dai[u].LessThan(amount):
		return Tx{}, fmt.Errorf("%w: dai underflow", ErrReverted)
	}
	m.dai[u] = m.dai[u].Sub(amount)
	m.token[u] = m.token[u].Add(amount)
	return m.mine(), nil
}

func (m *Memory) TokenApprove(_ context.Context, owner, spender string, amount decimal.Decimal) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFailure(); err != nil {
		return Tx{}, err
	}
	o := normalizeAddress(owner)
	if m.allowance[o] == nil {
		m.allowance[o] = make(map[string]decimal.Decimal)
	}
	m.allowance[o][normalizeAddress(spender)] = amount
	return m.mine(), nil
}

func (m *Memory) writeFailure() error {
	err := m.writeErr
	m.writeErr = nil
	return err
}

// mine records a successful transaction. Caller holds mu.
func (m *Memory) mine() Tx {
	m.txSeq++
	hash := fmt.Sprintf("0x%064x", m.txSeq)
	m.receipts[hash] = TxSucceeded
	return Tx{Hash: hash, Block: m.txSeq}
}
