package chain

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Seed prefixes for record address derivation. These must match the
// escrow program's own derivation exactly or lookups will miss.
const (
	seedTrade  = "trade"
	seedEscrow = "escrow"
	seedVault  = "vault"
)

// deriveAddress computes keccak256(seed || creator || tradeID) and takes
// the low 20 bytes, mirroring how the program derives its record
// addresses. The result is stable across retries, which is what makes
// create calls idempotent: a retried create lands on the same record.
func deriveAddress(seed string, creator common.Address, tradeID uint64) common.Address {
	var idBuf [8]byte
	binary.BigEndian.PutUint64(idBuf[:], tradeID)

	h := crypto.Keccak256([]byte(seed), creator.Bytes(), idBuf[:])
	return common.BytesToAddress(h[12:])
}

// DeriveTradeAddress returns the deterministic address of the trade
// record for (creator, tradeID).
func DeriveTradeAddress(creator common.Address, tradeID uint64) common.Address {
	return deriveAddress(seedTrade, creator, tradeID)
}

// DeriveEscrowAddress returns the deterministic address of the escrow
// record for (creator, tradeID).
func DeriveEscrowAddress(creator common.Address, tradeID uint64) common.Address {
	return deriveAddress(seedEscrow, creator, tradeID)
}

// DeriveVaultAddress returns the deterministic address of the token vault
// holding the escrowed funds for (creator, tradeID).
func DeriveVaultAddress(creator common.Address, tradeID uint64) common.Address {
	return deriveAddress(seedVault, creator, tradeID)
}
