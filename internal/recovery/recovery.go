// Package recovery finds value stranded in intermediate ledger holdings by
// an operation that was begun and never finished, and resolves it by
// seeding a wizard session at the step that completes the chosen path.
// It never submits transactions itself.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jdai/vault-engine/internal/catalog"
	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/metrics"
	"github.com/jdai/vault-engine/internal/model"
	"github.com/jdai/vault-engine/internal/store"
	"github.com/jdai/vault-engine/internal/wizard"
)

// DefaultDust is the holding size below which nothing is reported.
var DefaultDust = decimal.New(1, -6)

// Resolution ids.
const (
	ResolveDepositToVault     = "deposit-to-vault"
	ResolveCollateralToWallet = "collateral-to-wallet"
	ResolveTokensToWallet     = "tokens-to-wallet"
	ResolveRepayDebt          = "repay-debt"
)

var resolutions = map[model.Asset][]model.Resolution{
	model.AssetCollateral: {
		{
			ID:          ResolveDepositToVault,
			Title:       "Move into vault",
			OperationID: model.OpDepositCollateral,
			SeedStepID:  catalog.StepLockCollateral,
		},
		{
			ID:          ResolveCollateralToWallet,
			Title:       "Return to wallet",
			OperationID: model.OpWithdrawCollateral,
			SeedStepID:  catalog.StepExitCollateral,
		},
	},
	model.AssetDebt: {
		{
			ID:          ResolveTokensToWallet,
			Title:       "Withdraw tokens to wallet",
			OperationID: model.OpMintDebt,
			SeedStepID:  catalog.StepExitDebt,
		},
		{
			ID:          ResolveRepayDebt,
			Title:       "Use to repay vault debt",
			OperationID: model.OpRepayDebt,
			SeedStepID:  catalog.StepWipeDebt,
		},
	},
}

// Resolutions returns the two ways of dealing with a stranded asset.
func Resolutions(asset model.Asset) []model.Resolution {
	return append([]model.Resolution(nil), resolutions[asset]...)
}

// Sweeper scans one collateral type's intermediate holdings.
type Sweeper struct {
	client  ledger.Reader
	wizard  *wizard.Manager
	records store.RecoveredStore
	ilk     string
	dust    decimal.Decimal
	now     func() time.Time
}

// New creates a sweeper and subscribes it to the wizard's completions so
// finished recoveries are recorded. A non-positive dust selects DefaultDust.
func New(client ledger.Reader, m *wizard.Manager, records store.RecoveredStore, ilk string, dust decimal.Decimal) *Sweeper {
	if !dust.IsPositive() {
		dust = DefaultDust
	}
	s := &Sweeper{
		client:  client,
		wizard:  m,
		records: records,
		ilk:     ilk,
		dust:    dust,
		now:     func() time.Time { return time.Now().UTC() },
	}
	m.OnStepCompleted(s.Record)
	return s
}

// Scan reports stranded intermediate balances for address. It is
// independent of any active wizard session.
func (s *Sweeper) Scan(ctx context.Context, address string) (model.ScanResult, error) {
	gem, err := s.client.InternalCollateralBalance(ctx, s.ilk, address)
	if err != nil {
		return model.ScanResult{}, fmt.Errorf("read collateral holding: %w", err)
	}
	dai, err := s.client.InternalDebtBalance(ctx, address)
	if err != nil {
		return model.ScanResult{}, fmt.Errorf("read debt holding: %w", err)
	}
	urn, err := s.client.Position(ctx, s.ilk, address)
	if err != nil {
		return model.ScanResult{}, fmt.Errorf("read vault: %w", err)
	}
	_, token, err := s.client.WalletBalances(ctx, address)
	if err != nil {
		return model.ScanResult{}, fmt.Errorf("read wallet: %w", err)
	}
	records, err := s.records.ListRecovered(ctx, address)
	if err != nil {
		return model.ScanResult{}, fmt.Errorf("list recovered: %w", err)
	}

	if records == nil {
		records = []model.RecoveredRecord{}
	}

	// Past resolutions are reported alongside but never hide a balance:
	// the ledger is the only witness of what is stranded now.
	result := model.ScanResult{
		Address:   address,
		Stranded:  []model.StrandedBalance{},
		Recovered: records,
		StuckDebt: urn.NormalizedDebt.IsPositive() && !token.IsPositive(),
		ScannedAt: s.now(),
	}
	for _, f := range []struct {
		asset  model.Asset
		amount decimal.Decimal
	}{
		{model.AssetCollateral, gem},
		{model.AssetDebt, dai},
	} {
		if f.amount.LessThanOrEqual(s.dust) {
			continue
		}
		metrics.StrandedFound.WithLabelValues(string(f.asset)).Inc()
		result.Stranded = append(result.Stranded, model.StrandedBalance{
			Asset:       f.asset,
			Amount:      f.amount,
			Resolutions: Resolutions(f.asset),
		})
	}

	if len(result.Stranded) > 0 || result.StuckDebt {
		slog.Info("recovery scan",
			"user", address,
			"stranded", len(result.Stranded),
			"stuck_debt", result.StuckDebt,
		)
	}
	return result, nil
}

// Resolve starts a wizard session for the chosen resolution, seeded at the
// step that finishes it and sized to the current stranded balance.
func (s *Sweeper) Resolve(ctx context.Context, address string, asset model.Asset, resolutionID string) (wizard.View, error) {
	var res *model.Resolution
	for _, r := range resolutions[asset] {
		if r.ID == resolutionID {
			res = &r
			break
		}
	}
	if res == nil {
		return s.wizard.View(address), &wizard.StepError{
			Kind:    wizard.KindValidation,
			Message: fmt.Sprintf("unknown resolution %q for %s", resolutionID, asset),
		}
	}

	var (
		amount decimal.Decimal
		err    error
	)
	if asset == model.AssetCollateral {
		amount, err = s.client.InternalCollateralBalance(ctx, s.ilk, address)
	} else {
		amount, err = s.client.InternalDebtBalance(ctx, address)
	}
	if err != nil {
		return s.wizard.View(address), &wizard.StepError{
			Kind:    wizard.KindUnavailable,
			Message: "The stranded balance could not be read; try again",
			Err:     err,
		}
	}
	if amount.LessThanOrEqual(s.dust) {
		return s.wizard.View(address), &wizard.StepError{
			Kind:    wizard.KindValidation,
			Message: "Nothing is stranded in this holding",
		}
	}

	slog.Info("recovery resolution chosen",
		"user", address,
		"asset", asset,
		"resolution", res.ID,
		"amount", amount.String(),
	)
	return s.wizard.Seed(ctx, address, res.OperationID, res.SeedStepID, amount)
}

// Record appends a recovered-holding record when a recovery session
// completes its seeded step. It is registered as a wizard observer.
func (s *Sweeper) Record(ctx context.Context, c wizard.Completion) {
	sess := c.Session
	if sess.Origin != model.OriginRecovery || c.Operation.StepIndex(c.Step.ID) != sess.SeedIndex {
		return
	}
	if c.TxHash == "" {
		slog.Debug("recovery verified without a transaction hash", "user", sess.Address, "step", c.Step.ID)
		return
	}
	seen, err := s.records.IsRecovered(ctx, c.TxHash, sess.Address)
	if err != nil {
		slog.Error("check recovered record failed", "user", sess.Address, "tx", c.TxHash, "err", err)
		return
	}
	if seen {
		slog.Debug("recovery already recorded", "user", sess.Address, "tx", c.TxHash)
		return
	}
	amount, _ := sess.ParsedAmount()
	rec := model.RecoveredRecord{
		TxHash:     c.TxHash,
		Address:    sess.Address,
		Asset:      c.Operation.Asset,
		Amount:     amount,
		RecordedAt: s.now(),
	}
	if err := s.records.MarkRecovered(ctx, rec); err != nil {
		slog.Error("record recovery failed", "user", sess.Address, "tx", c.TxHash, "err", err)
		return
	}
	metrics.RecoveriesRecorded.WithLabelValues(string(rec.Asset)).Inc()
	slog.Info("recovery recorded", "user", sess.Address, "tx", c.TxHash, "asset", rec.Asset, "amount", amount.String())
}

// IsRecovered reports whether txHash has already been recorded for address.
func (s *Sweeper) IsRecovered(ctx context.Context, txHash, address string) (bool, error) {
	return s.records.IsRecovered(ctx, txHash, address)
}
