package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// Escrow program ABI, limited to the calls the coordinator issues
const escrowABI = `[
	{"inputs":[{"name":"tradeId","type":"uint64"},{"name":"amount","type":"uint256"},{"name":"side","type":"uint8"}],"name":"createTrade","outputs":[],"type":"function"},
	{"inputs":[{"name":"creator","type":"address"},{"name":"tradeId","type":"uint64"},{"name":"counterparty","type":"address"}],"name":"lockEscrow","outputs":[],"type":"function"},
	{"inputs":[{"name":"creator","type":"address"},{"name":"tradeId","type":"uint64"},{"name":"counterparty","type":"address"}],"name":"releaseEscrow","outputs":[],"type":"function"},
	{"inputs":[{"name":"creator","type":"address"},{"name":"tradeId","type":"uint64"}],"name":"refundEscrow","outputs":[],"type":"function"},
	{"inputs":[{"name":"creator","type":"address"},{"name":"tradeId","type":"uint64"},{"name":"resolution","type":"uint8"}],"name":"resolveDispute","outputs":[],"type":"function"},
	{"inputs":[{"name":"creator","type":"address"},{"name":"tradeId","type":"uint64"}],"name":"getTrade","outputs":[{"name":"creator","type":"address"},{"name":"counterparty","type":"address"},{"name":"tradeId","type":"uint64"},{"name":"amount","type":"uint256"},{"name":"side","type":"uint8"},{"name":"status","type":"uint8"},{"name":"createdAt","type":"uint64"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"creator","type":"address"},{"name":"tradeId","type":"uint64"}],"name":"getEscrow","outputs":[{"name":"depositor","type":"address"},{"name":"amount","type":"uint256"},{"name":"vault","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getConfig","outputs":[{"name":"arbiter","type":"address"},{"name":"treasury","type":"address"},{"name":"feeBps","type":"uint16"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"token","type":"address"}],"name":"hasTreasuryAccount","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"token","type":"address"}],"name":"createTreasuryAccount","outputs":[],"type":"function"},
	{"inputs":[{"name":"calls","type":"bytes[]"}],"name":"multicall","outputs":[],"type":"function"}
]`

const (
	// DefaultGasLimit when estimation fails
	DefaultGasLimit = uint64(300000)

	// DefaultConfirmTimeout for waiting on transactions
	DefaultConfirmTimeout = 30 * time.Second

	// confirmPollInterval between receipt checks
	confirmPollInterval = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating an EVM client
type Config struct {
	RPCURL         string
	ChainID        int64
	EscrowContract string
	TokenContract  string // settlement token (USDT)
	ConfirmTimeout time.Duration
}

// Option configures the client
type Option func(*EVMClient)

// WithEthClient sets a custom Ethereum client (useful for testing)
func WithEthClient(client EthClient) Option {
	return func(c *EVMClient) {
		c.client = client
	}
}

// EVMClient talks to the escrow program over JSON-RPC.
//
// The embedded signer is the service's operational key. Calls that a user
// must authorize go through WithSigner, which swaps in that party's signer
// without touching the shared connection.
type EVMClient struct {
	client         EthClient
	signer         Signer
	chainID        *big.Int
	contract       common.Address
	token          common.Address
	abi            abi.ABI
	confirmTimeout time.Duration
}

// Compile-time interface check
var _ Client = (*EVMClient)(nil)

// New creates an EVM client signing with the given operational key.
func New(cfg Config, signer Signer, opts ...Option) (*EVMClient, error) {
	if cfg.ChainID == 0 {
		return nil, errors.New("chain ID required")
	}
	if cfg.EscrowContract == "" {
		return nil, errors.New("escrow contract address required")
	}
	if signer == nil {
		return nil, errors.New("signer required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse escrow ABI: %w", err)
	}

	c := &EVMClient{
		signer:         signer,
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.EscrowContract),
		token:          common.HexToAddress(cfg.TokenContract),
		abi:            parsedABI,
		confirmTimeout: cfg.ConfirmTimeout,
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = DefaultConfirmTimeout
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// WithSigner returns a copy of the client that signs with s. The RPC
// connection and contract bindings are shared with the receiver.
func (c *EVMClient) WithSigner(s Signer) *EVMClient {
	cp := *c
	cp.signer = s
	return &cp
}

// Signer returns the client's current signing identity.
func (c *EVMClient) Signer() Signer { return c.signer }

// Close closes the underlying RPC connection.
func (c *EVMClient) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Mutating operations
// -----------------------------------------------------------------------------

// CreateTrade initializes the trade record for (signer, tradeID). The
// record address is deterministic, so a retry after an ambiguous failure
// either finds the record already initialized (success) or creates it.
func (c *EVMClient) CreateTrade(ctx context.Context, p CreateTradeParams) (TradeRef, error) {
	creator := c.signer.Address()
	ref := NewTradeRef(creator, p.TradeID)

	// A prior attempt may have landed. Record-first, then create.
	existing, err := c.FetchTrade(ctx, ref)
	if err == nil {
		if err := matchesCreate(existing, creator, p); err != nil {
			return TradeRef{}, &CallError{Op: "create_trade", Err: err}
		}
		return ref, nil
	}
	if !errors.Is(err, ErrTradeNotFound) {
		return TradeRef{}, err
	}

	data, err := c.abi.Pack("createTrade", p.TradeID, p.Amount, p.Side.wire())
	if err != nil {
		return TradeRef{}, &CallError{Op: "create_trade", Err: err}
	}

	if _, err := c.sendCall(ctx, "create_trade", data); err != nil {
		// Another retry path may have won the race. Re-read before
		// surfacing the failure.
		if existing, ferr := c.FetchTrade(ctx, ref); ferr == nil {
			if merr := matchesCreate(existing, creator, p); merr == nil {
				return ref, nil
			}
		}
		return TradeRef{}, err
	}

	return ref, nil
}

// matchesCreate verifies an existing record carries the identity we were
// about to create. A mismatch means a derivation collision or corrupted
// record, which must surface loudly rather than be treated as success.
func matchesCreate(t *Trade, creator common.Address, p CreateTradeParams) error {
	if t.Creator != creator || t.TradeID != p.TradeID {
		return fmt.Errorf("%w: record identity mismatch", ErrInvalidAccount)
	}
	if p.Amount != nil && t.Amount != nil && t.Amount.Cmp(p.Amount) != 0 {
		return fmt.Errorf("%w: record amount mismatch", ErrInvalidAccount)
	}
	return nil
}

// LockEscrow moves the depositor's funds into the trade vault.
func (c *EVMClient) LockEscrow(ctx context.Context, ref TradeRef, counterparty string) (string, error) {
	cp, err := parseAddress(counterparty)
	if err != nil {
		return "", &CallError{Op: "lock_escrow", Err: err}
	}
	data, err := c.abi.Pack("lockEscrow", ref.Creator, ref.TradeID, cp)
	if err != nil {
		return "", &CallError{Op: "lock_escrow", Err: err}
	}
	return c.sendCall(ctx, "lock_escrow", data)
}

// ReleaseEscrow pays the vault out to the counterparty. The protocol fee
// lands in the treasury's token account; if that account does not exist
// yet its creation is batched into the same transaction so the release
// can never half-apply.
func (c *EVMClient) ReleaseEscrow(ctx context.Context, ref TradeRef, counterparty string) (string, error) {
	cp, err := parseAddress(counterparty)
	if err != nil {
		return "", &CallError{Op: "release_escrow", Err: err}
	}
	data, err := c.abi.Pack("releaseEscrow", ref.Creator, ref.TradeID, cp)
	if err != nil {
		return "", &CallError{Op: "release_escrow", Err: err}
	}
	data, err = c.withTreasuryAccount(ctx, "release_escrow", data)
	if err != nil {
		return "", err
	}
	return c.sendCall(ctx, "release_escrow", data)
}

// RefundEscrow returns the vault to the depositor.
func (c *EVMClient) RefundEscrow(ctx context.Context, ref TradeRef) (string, error) {
	data, err := c.abi.Pack("refundEscrow", ref.Creator, ref.TradeID)
	if err != nil {
		return "", &CallError{Op: "refund_escrow", Err: err}
	}
	return c.sendCall(ctx, "refund_escrow", data)
}

// ResolveDispute applies an arbiter decision. Release-side resolutions
// route a fee, so they get the same treasury account batching as
// ReleaseEscrow.
func (c *EVMClient) ResolveDispute(ctx context.Context, ref TradeRef, resolution Resolution) (string, error) {
	wire, err := resolution.wire()
	if err != nil {
		return "", &CallError{Op: "resolve_dispute", Err: err}
	}
	data, err := c.abi.Pack("resolveDispute", ref.Creator, ref.TradeID, wire)
	if err != nil {
		return "", &CallError{Op: "resolve_dispute", Err: err}
	}
	if resolution != ResolutionRefundDepositor {
		data, err = c.withTreasuryAccount(ctx, "resolve_dispute", data)
		if err != nil {
			return "", err
		}
	}
	return c.sendCall(ctx, "resolve_dispute", data)
}

// withTreasuryAccount prepends a createTreasuryAccount call when the fee
// destination is missing, wrapping both calls in a multicall so the pair
// is atomic.
func (c *EVMClient) withTreasuryAccount(ctx context.Context, op string, call []byte) ([]byte, error) {
	exists, err := c.treasuryAccountExists(ctx)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}
	if exists {
		return call, nil
	}

	create, err := c.abi.Pack("createTreasuryAccount", c.token)
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}
	batched, err := c.abi.Pack("multicall", [][]byte{create, call})
	if err != nil {
		return nil, &CallError{Op: op, Err: err}
	}
	return batched, nil
}

func (c *EVMClient) treasuryAccountExists(ctx context.Context) (bool, error) {
	out, err := c.viewCall(ctx, "hasTreasuryAccount", c.token)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := c.abi.UnpackIntoInterface(&exists, "hasTreasuryAccount", out); err != nil {
		return false, fmt.Errorf("failed to decode hasTreasuryAccount: %w", err)
	}
	return exists, nil
}

// sendCall runs the full transaction pipeline against the escrow
// contract: nonce, gas price, gas estimate, sign, broadcast, confirm.
// Any error carrying a non-empty TxHash means the transaction may have
// landed; callers must consult ledger state before retrying.
func (c *EVMClient) sendCall(ctx context.Context, op string, data []byte) (string, error) {
	from := c.signer.Address()

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", &CallError{Op: op, Err: fmt.Errorf("nonce: %w", err)}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &CallError{Op: op, Err: fmt.Errorf("gas price: %w", err)}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := c.signer.SignTx(ctx, tx, c.chainID)
	if err != nil {
		if errors.Is(err, ErrSigningRejected) {
			return "", &CallError{Op: op, Err: err}
		}
		return "", &CallError{Op: op, Err: fmt.Errorf("%w: %v", ErrSigningRejected, err)}
	}

	txHash := signedTx.Hash().Hex()
	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &CallError{Op: op, TxHash: txHash, Err: err}
	}

	if err := c.waitMined(ctx, signedTx.Hash()); err != nil {
		return "", &CallError{Op: op, TxHash: txHash, Err: err}
	}

	return txHash, nil
}

// waitMined polls for the transaction receipt until the confirm timeout.
func (c *EVMClient) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %w", ErrUnknownOutcome, ErrConfirmTimeout)
			}
			return fmt.Errorf("%w: %w", ErrUnknownOutcome, ctx.Err())

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting
				continue
			}
			if receipt.Status == 0 {
				return ErrTransactionFail
			}
			return nil
		}
	}
}

// -----------------------------------------------------------------------------
// Reads
// -----------------------------------------------------------------------------

// FetchTrade reads and decodes the trade record.
func (c *EVMClient) FetchTrade(ctx context.Context, ref TradeRef) (*Trade, error) {
	out, err := c.viewCall(ctx, "getTrade", ref.Creator, ref.TradeID)
	if err != nil {
		return nil, err
	}

	vals, err := c.abi.Unpack("getTrade", out)
	if err != nil || len(vals) != 7 {
		return nil, fmt.Errorf("%w: cannot decode trade record: %v", ErrInvalidAccount, err)
	}

	creator, ok1 := vals[0].(common.Address)
	counterparty, ok2 := vals[1].(common.Address)
	tradeID, ok3 := vals[2].(uint64)
	amount, ok4 := vals[3].(*big.Int)
	side, ok5 := vals[4].(uint8)
	statusWire, ok6 := vals[5].(uint8)
	createdAt, ok7 := vals[6].(uint64)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 || !ok7 {
		return nil, fmt.Errorf("%w: unexpected trade field types", ErrInvalidAccount)
	}

	// Uninitialized record reads back as all zeroes
	if creator == (common.Address{}) {
		return nil, ErrTradeNotFound
	}

	status, err := tradeStatusFromWire(statusWire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}

	return &Trade{
		Creator:      creator,
		Counterparty: counterparty,
		TradeID:      tradeID,
		Amount:       amount,
		Side:         tradeSideFromWire(side),
		Status:       status,
		CreatedAt:    time.Unix(int64(createdAt), 0).UTC(),
	}, nil
}

// FetchEscrow reads and decodes the escrow record.
func (c *EVMClient) FetchEscrow(ctx context.Context, ref TradeRef) (*Escrow, error) {
	out, err := c.viewCall(ctx, "getEscrow", ref.Creator, ref.TradeID)
	if err != nil {
		return nil, err
	}

	vals, err := c.abi.Unpack("getEscrow", out)
	if err != nil || len(vals) != 3 {
		return nil, fmt.Errorf("%w: cannot decode escrow record: %v", ErrInvalidAccount, err)
	}

	depositor, ok1 := vals[0].(common.Address)
	amount, ok2 := vals[1].(*big.Int)
	vault, ok3 := vals[2].(common.Address)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("%w: unexpected escrow field types", ErrInvalidAccount)
	}

	if depositor == (common.Address{}) {
		return nil, ErrEscrowNotFound
	}

	return &Escrow{
		Depositor: depositor,
		Amount:    amount,
		Vault:     vault,
	}, nil
}

// FetchProtocolConfig reads the program's global config account.
func (c *EVMClient) FetchProtocolConfig(ctx context.Context) (*ProtocolConfig, error) {
	out, err := c.viewCall(ctx, "getConfig")
	if err != nil {
		return nil, err
	}

	vals, err := c.abi.Unpack("getConfig", out)
	if err != nil || len(vals) != 3 {
		return nil, fmt.Errorf("%w: cannot decode protocol config: %v", ErrInvalidAccount, err)
	}

	arbiter, ok1 := vals[0].(common.Address)
	treasury, ok2 := vals[1].(common.Address)
	feeBps, ok3 := vals[2].(uint16)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("%w: unexpected config field types", ErrInvalidAccount)
	}

	return &ProtocolConfig{
		Arbiter:  arbiter,
		Treasury: treasury,
		FeeBps:   feeBps,
	}, nil
}

func (c *EVMClient) viewCall(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrRPCConnection, method, err)
	}
	return out, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
