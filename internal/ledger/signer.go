package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions for one account.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// TxSummary is what a confirmation prompt shows before signing.
type TxSummary struct {
	Method string
	To     common.Address
	Value  *big.Int
	Gas    uint64
}

// ConfirmFunc is asked before every signature; returning false rejects the
// transaction with ErrUserRejected.
type ConfirmFunc func(ctx context.Context, summary TxSummary) bool

// KeySigner signs with an in-process private key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	confirm ConfirmFunc
}

// NewKeySigner wraps a private key. confirm may be nil.
func NewKeySigner(key *ecdsa.PrivateKey, confirm ConfirmFunc) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		confirm: confirm,
	}
}

// LoadKeystoreSigner decrypts an Ethereum v3 keystore file.
func LoadKeystoreSigner(path, passphrase string, confirm ConfirmFunc) (*KeySigner, error) {
	if path == "" {
		return nil, errors.New("ledger: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore: %w", err)
	}
	return NewKeySigner(decrypted.PrivateKey, confirm), nil
}

func (s *KeySigner) Address() common.Address { return s.address }

// SignTx asks for confirmation, then signs with the latest signer for chainID.
func (s *KeySigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if s.confirm != nil {
		summary := TxSummary{Value: tx.Value(), Gas: tx.Gas()}
		if to := tx.To(); to != nil {
			summary.To = *to
		}
		if m, ok := ctx.Value(methodKey{}).(string); ok {
			summary.Method = m
		}
		if !s.confirm(ctx, summary) {
			return nil, ErrUserRejected
		}
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
}

type methodKey struct{}
