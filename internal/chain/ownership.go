package chain

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrBadOwnershipProof means a personal-sign proof did not recover to the
// claimed wallet address.
var ErrBadOwnershipProof = errors.New("chain: signature does not prove wallet ownership")

// AcceptanceChallenge is the message a merchant's wallet signs to prove it
// controls the payout address it submits on acceptance. Bound to the order
// ID so a proof cannot be replayed against a different trade.
func AcceptanceChallenge(orderID string) string {
	return "fiatbridge accept order " + orderID
}

// VerifyOwnership checks an EIP-191 personal-sign signature over message
// and confirms it recovers to addr. Accepts the 65-byte r||s||v encoding
// with v as either 0/1 or the wallet-conventional 27/28.
func VerifyOwnership(addr common.Address, message, sigHex string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return fmt.Errorf("%w: malformed hex", ErrBadOwnershipProof)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature must be %d bytes, got %d", ErrBadOwnershipProof, crypto.SignatureLength, len(sig))
	}
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadOwnershipProof, err)
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return ErrBadOwnershipProof
	}
	return nil
}
