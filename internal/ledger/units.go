package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses.
var ErrInvalidAddress = errors.New("ledger: invalid address")

// Fixed-point scales used by the ledger.
const (
	WadDecimals = 18 // token amounts, collateral, normalized debt
	RayDecimals = 27 // rates, prices, ratios
	RadDecimals = 45 // internal debt balances, ceilings, floors
)

// FromFixed converts a fixed-point integer to a decimal.
func FromFixed(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// ToFixed converts a decimal to a fixed-point integer, truncating digits
// beyond the scale.
func ToFixed(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).BigInt()
}

func FromWad(v *big.Int) decimal.Decimal { return FromFixed(v, WadDecimals) }
func FromRay(v *big.Int) decimal.Decimal { return FromFixed(v, RayDecimals) }
func FromRad(v *big.Int) decimal.Decimal { return FromFixed(v, RadDecimals) }
func ToWad(d decimal.Decimal) *big.Int   { return ToFixed(d, WadDecimals) }
func ToRad(d decimal.Decimal) *big.Int   { return ToFixed(d, RadDecimals) }

// IlkID encodes a collateral type name as the ledger's bytes32 key.
// Names longer than 32 bytes are truncated.
func IlkID(name string) [32]byte {
	var id [32]byte
	copy(id[:], name)
	return id
}

// CheckAddress validates a hex account address and returns its
// canonical lowercase form.
func CheckAddress(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

// normalizeAddress lowercases an address for use as a map key.
func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
