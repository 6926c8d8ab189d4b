// Package chain provides a typed client for the on-chain escrow program.
//
// The program is the authoritative settlement layer: it holds the locked
// funds and is the final word on whether a trade was released or refunded.
// This package never interprets raw account data outside the decode
// boundary; everything downstream works with the typed records below.
package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TradeStatus is the on-chain lifecycle state of a trade record.
type TradeStatus string

const (
	TradeCreated     TradeStatus = "created"
	TradeFunded      TradeStatus = "funded"
	TradeLocked      TradeStatus = "locked"
	TradePaymentSent TradeStatus = "payment_sent"
	TradeDisputed    TradeStatus = "disputed"
	TradeReleased    TradeStatus = "released"
	TradeRefunded    TradeStatus = "refunded"
)

// IsTerminal returns true once the escrowed funds have moved for good.
func (s TradeStatus) IsTerminal() bool {
	return s == TradeReleased || s == TradeRefunded
}

// tradeStatusFromWire decodes the contract's uint8 status encoding.
func tradeStatusFromWire(v uint8) (TradeStatus, error) {
	switch v {
	case 0:
		return TradeCreated, nil
	case 1:
		return TradeFunded, nil
	case 2:
		return TradeLocked, nil
	case 3:
		return TradePaymentSent, nil
	case 4:
		return TradeDisputed, nil
	case 5:
		return TradeReleased, nil
	case 6:
		return TradeRefunded, nil
	}
	return "", fmt.Errorf("unknown trade status %d", v)
}

// TradeSide is the creator's side of the trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

func (s TradeSide) wire() uint8 {
	if s == SideSell {
		return 1
	}
	return 0
}

func tradeSideFromWire(v uint8) TradeSide {
	if v == 1 {
		return SideSell
	}
	return SideBuy
}

// Trade is the typed view of an on-chain trade record.
type Trade struct {
	Creator      common.Address
	Counterparty common.Address
	TradeID      uint64
	Amount       *big.Int // smallest token units
	Side         TradeSide
	Status       TradeStatus
	CreatedAt    time.Time
}

// Escrow is the typed view of an on-chain escrow record.
type Escrow struct {
	Depositor common.Address
	Amount    *big.Int
	Vault     common.Address
}

// ProtocolConfig is the typed view of the program's global config account.
type ProtocolConfig struct {
	Arbiter  common.Address
	Treasury common.Address
	FeeBps   uint16
}

// Resolution is an arbiter decision applied on-chain.
type Resolution string

const (
	ResolutionRefundDepositor     Resolution = "refund_depositor"
	ResolutionReleaseCounterparty Resolution = "release_counterparty"
	ResolutionSplit               Resolution = "split"
)

func (r Resolution) wire() (uint8, error) {
	switch r {
	case ResolutionRefundDepositor:
		return 0, nil
	case ResolutionReleaseCounterparty:
		return 1, nil
	case ResolutionSplit:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown resolution %q", r)
}

// TradeRef identifies a trade on the ledger. The trade and escrow record
// addresses are pure functions of (creator, tradeID), so a ref can always
// be rebuilt from the local order record without any registry lookup.
type TradeRef struct {
	Creator    common.Address
	TradeID    uint64
	TradeAddr  common.Address
	EscrowAddr common.Address
}

// NewTradeRef derives the record addresses for (creator, tradeID).
func NewTradeRef(creator common.Address, tradeID uint64) TradeRef {
	return TradeRef{
		Creator:    creator,
		TradeID:    tradeID,
		TradeAddr:  DeriveTradeAddress(creator, tradeID),
		EscrowAddr: DeriveEscrowAddress(creator, tradeID),
	}
}
