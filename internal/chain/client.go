package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrTradeNotFound    = errors.New("chain: trade record not found")
	ErrEscrowNotFound   = errors.New("chain: escrow record not found")
	ErrInvalidAddress   = errors.New("chain: invalid address")
	ErrSigningRejected  = errors.New("chain: signing rejected")
	ErrRPCConnection    = errors.New("chain: RPC connection failed")
	ErrTransactionFail  = errors.New("chain: transaction reverted")
	ErrConfirmTimeout   = errors.New("chain: confirmation timed out")
	ErrInvalidAccount   = errors.New("chain: account data failed validation")
	ErrUnknownOutcome   = errors.New("chain: transaction outcome unknown")
)

// CallError wraps a failed program call with context. TxHash is set when
// the transaction was broadcast before the failure, which is exactly the
// case the caller must never blindly retry.
type CallError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if the tx was broadcast
	Err    error  // Underlying error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// CreateTradeParams are the inputs of a create-trade call.
type CreateTradeParams struct {
	TradeID uint64
	Amount  *big.Int
	Side    TradeSide
}

// Client is the typed contract consumed by the settlement coordinator and
// the reconciliation sweep. Five mutating operations, two reads.
//
// Mutating operations return the transaction hash once the transaction is
// confirmed. They are NOT idempotent at the ledger layer (except
// CreateTrade, whose deterministic addressing makes retries safe), so
// callers must check ledger truth before re-issuing any of them.
type Client interface {
	// CreateTrade initializes the trade record. Retries are safe: the
	// record address is deterministic, and an already-existing record
	// with the same identity is treated as success.
	CreateTrade(ctx context.Context, p CreateTradeParams) (TradeRef, error)

	// LockEscrow moves the depositor's funds into the trade's vault.
	LockEscrow(ctx context.Context, ref TradeRef, counterparty string) (txHash string, err error)

	// ReleaseEscrow pays the vault out to the counterparty, routing the
	// protocol fee to the treasury in the same transaction.
	ReleaseEscrow(ctx context.Context, ref TradeRef, counterparty string) (txHash string, err error)

	// RefundEscrow returns the vault to the depositor.
	RefundEscrow(ctx context.Context, ref TradeRef) (txHash string, err error)

	// ResolveDispute applies an arbiter decision. Only the configured
	// arbiter key can sign this.
	ResolveDispute(ctx context.Context, ref TradeRef, resolution Resolution) (txHash string, err error)

	// FetchTrade reads the trade record, or ErrTradeNotFound.
	FetchTrade(ctx context.Context, ref TradeRef) (*Trade, error)

	// FetchEscrow reads the escrow record, or ErrEscrowNotFound.
	FetchEscrow(ctx context.Context, ref TradeRef) (*Escrow, error)
}
