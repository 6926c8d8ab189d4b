package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces signatures for ledger transactions. The coordinator holds
// one signer per acting party: the service's own operational key for
// arbiter actions, and external signers for user-held keys where the user's
// wallet approves (or rejects) each transaction out of band.
type Signer interface {
	Address() common.Address
	// SignTx signs tx for chainID. Implementations return
	// ErrSigningRejected (possibly wrapped) when the holder declines.
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// OwnedKey signs with a private key the process holds in memory.
type OwnedKey struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewOwnedKey parses a hex-encoded private key (with or without the 0x
// prefix).
func NewOwnedKey(hexKey string) (*OwnedKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &OwnedKey{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

func (o *OwnedKey) Address() common.Address { return o.addr }

func (o *OwnedKey) SignTx(_ context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), o.key)
}

// SignFunc asks an external holder to sign. It must honor ctx cancellation
// and return ErrSigningRejected when the holder declines.
type SignFunc func(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

// ExternalSigner defers signing to a callback, typically bridging to a
// user's wallet session. A nil sign func rejects everything, which is the
// correct default for a party that never connected a wallet.
type ExternalSigner struct {
	addr common.Address
	sign SignFunc
}

func NewExternalSigner(addr common.Address, sign SignFunc) *ExternalSigner {
	return &ExternalSigner{addr: addr, sign: sign}
}

func (e *ExternalSigner) Address() common.Address { return e.addr }

func (e *ExternalSigner) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if e.sign == nil {
		return nil, ErrSigningRejected
	}
	return e.sign(ctx, tx, chainID)
}
