package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Session origins.
const (
	OriginUser     = "user"
	OriginRecovery = "recovery"
)

// Session is the mutable, persisted run state of one in-progress Operation
// for one user address. The persisted copy is a serialization, not a second
// writer.
type Session struct {
	ID               string            `json:"id"`
	Address          string            `json:"address"`
	OperationID      string            `json:"operation_id"`
	StepIndex        int               `json:"step_index"`
	Amount           string            `json:"amount"`
	CompletedStepIDs []string          `json:"completed_step_ids"`
	ApprovedAmounts  map[string]string `json:"approved_amounts"`
	TxHashes         map[string]string `json:"tx_hashes"`
	SeedIndex        int               `json:"seed_index,omitempty"`
	Origin           string            `json:"origin"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedStepIDs = append([]string(nil), s.CompletedStepIDs...)
	c.ApprovedAmounts = make(map[string]string, len(s.ApprovedAmounts))
	for k, v := range s.ApprovedAmounts {
		c.ApprovedAmounts[k] = v
	}
	c.TxHashes = make(map[string]string, len(s.TxHashes))
	for k, v := range s.TxHashes {
		c.TxHashes[k] = v
	}
	return &c
}

// IsCompleted reports whether stepID is in the completed set.
func (s *Session) IsCompleted(stepID string) bool {
	for _, id := range s.CompletedStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// ParsedAmount returns the amount as a decimal and whether it is a
// positive finite value.
func (s *Session) ParsedAmount() (decimal.Decimal, bool) {
	return ParseAmount(s.Amount)
}

// AmountDecimals is the precision the ledger keeps token and collateral
// amounts in (wad). Finer amounts cannot be represented on chain.
const AmountDecimals = 18

// maxAmountDigits bounds the integer part of an entered amount, far above
// any real supply.
const maxAmountDigits = 30

// ParseAmount parses a user-entered decimal string and reports whether it
// is strictly positive and representable on the ledger. decimal rejects
// NaN and Inf spellings.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	if raw == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(raw)
	if err != nil || !v.IsPositive() {
		return decimal.Zero, false
	}
	if v.Exponent() < -AmountDecimals {
		return decimal.Zero, false
	}
	// Checked on the coefficient so an exponent like 1e999999999 is never
	// expanded.
	if int64(v.NumDigits())+int64(v.Exponent()) > maxAmountDigits {
		return decimal.Zero, false
	}
	return v, true
}

// Resolution is one way of dealing with a stranded balance.
type Resolution struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	OperationID string `json:"operation_id"`
	SeedStepID  string `json:"seed_step_id"`
}

// StrandedBalance is value left in an intermediate holding by an
// operation that was begun but not finished.
type StrandedBalance struct {
	Asset       Asset           `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	Resolutions []Resolution    `json:"resolutions"`
}

// ScanResult is the output of one recovery sweep.
type ScanResult struct {
	Address   string            `json:"address"`
	Stranded  []StrandedBalance `json:"stranded"`
	Recovered []RecoveredRecord `json:"recovered"`  // earlier resolutions, for reference only
	StuckDebt bool              `json:"stuck_debt"` // vault debt with an empty token wallet
	ScannedAt time.Time         `json:"scanned_at"`
}

// RecoveredRecord marks a swept stranded balance as handled.
type RecoveredRecord struct {
	TxHash     string          `json:"tx_hash"`
	Address    string          `json:"address"`
	Asset      Asset           `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	RecordedAt time.Time       `json:"recorded_at"`
}
