package settlement

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/order"
)

var (
	testCreator      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testCounterparty = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

// mockLedger is an in-memory stand-in for the escrow program. It records
// call counts so tests can assert the exactly-once discipline.
type mockLedger struct {
	mu     sync.Mutex
	trades map[uint64]*chain.Trade

	lockCalls    int
	releaseCalls int
	refundCalls  int
	resolveCalls int

	lockErr    error
	releaseErr error
	refundErr  error
	resolveErr error
}

func newMockLedger() *mockLedger {
	return &mockLedger{trades: make(map[uint64]*chain.Trade)}
}

// seed installs a trade record directly, as if a prior run created it.
func (m *mockLedger) seed(tradeID uint64, status chain.TradeStatus) {
	m.trades[tradeID] = &chain.Trade{
		Creator:      testCreator,
		Counterparty: testCounterparty,
		TradeID:      tradeID,
		Amount:       big.NewInt(500_000_000),
		Side:         chain.SideSell,
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
}

func (m *mockLedger) CreateTrade(_ context.Context, p chain.CreateTradeParams) (chain.TradeRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[p.TradeID]; !ok {
		m.trades[p.TradeID] = &chain.Trade{
			Creator:   testCreator,
			TradeID:   p.TradeID,
			Amount:    p.Amount,
			Side:      p.Side,
			Status:    chain.TradeCreated,
			CreatedAt: time.Now().UTC(),
		}
	}
	return chain.NewTradeRef(testCreator, p.TradeID), nil
}

func (m *mockLedger) LockEscrow(_ context.Context, ref chain.TradeRef, counterparty string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockCalls++
	if m.lockErr != nil {
		return "", m.lockErr
	}
	t := m.trades[ref.TradeID]
	t.Status = chain.TradeLocked
	t.Counterparty = common.HexToAddress(counterparty)
	return "0xlock", nil
}

func (m *mockLedger) ReleaseEscrow(_ context.Context, ref chain.TradeRef, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	if m.releaseErr != nil {
		return "", m.releaseErr
	}
	m.trades[ref.TradeID].Status = chain.TradeReleased
	return "0xrelease", nil
}

func (m *mockLedger) RefundEscrow(_ context.Context, ref chain.TradeRef) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refundCalls++
	if m.refundErr != nil {
		return "", m.refundErr
	}
	m.trades[ref.TradeID].Status = chain.TradeRefunded
	return "0xrefund", nil
}

func (m *mockLedger) ResolveDispute(_ context.Context, ref chain.TradeRef, resolution chain.Resolution) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveCalls++
	if m.resolveErr != nil {
		return "", m.resolveErr
	}
	if resolution == chain.ResolutionReleaseCounterparty {
		m.trades[ref.TradeID].Status = chain.TradeReleased
	} else {
		m.trades[ref.TradeID].Status = chain.TradeRefunded
	}
	return "0xresolve", nil
}

func (m *mockLedger) FetchTrade(_ context.Context, ref chain.TradeRef) (*chain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[ref.TradeID]
	if !ok {
		return nil, chain.ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockLedger) FetchEscrow(_ context.Context, ref chain.TradeRef) (*chain.Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[ref.TradeID]
	if !ok {
		return nil, chain.ErrEscrowNotFound
	}
	return &chain.Escrow{
		Depositor: t.Creator,
		Amount:    t.Amount,
		Vault:     chain.DeriveVaultAddress(t.Creator, t.TradeID),
	}, nil
}

var _ chain.Client = (*mockLedger)(nil)

// failingStore wraps a real store and fails RecordSettlementTx, modeling
// the confirmed-but-unrecorded divergence.
type failingStore struct {
	order.Store
	recordTxErr error
	flagged     []string
}

func (f *failingStore) RecordSettlementTx(ctx context.Context, id string, kind order.TxKind, hash string) error {
	if f.recordTxErr != nil {
		return f.recordTxErr
	}
	return f.Store.RecordSettlementTx(ctx, id, kind, hash)
}

func (f *failingStore) FlagReview(ctx context.Context, id, reason string) error {
	f.flagged = append(f.flagged, id)
	return f.Store.FlagReview(ctx, id, reason)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// seedOrder creates an order directly in the store at the given status.
func seedOrder(t *testing.T, store order.Store, id string, status order.Status, withRefs bool) *order.Order {
	t.Helper()
	now := time.Now().UTC()
	o := &order.Order{
		ID:             id,
		Side:           order.SideSell,
		Status:         status,
		CryptoAmount:   "500.000000",
		FiatCurrency:   "RUB",
		PaymentMethod:  order.PaymentBank,
		UserID:         "user-1",
		MerchantID:     "merchant-1",
		AcceptorWallet: testCounterparty.Hex(),
		MaxExtensions:  2,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(30 * time.Minute),
	}
	if withRefs {
		ref := chain.NewTradeRef(testCreator, TradeIDForOrder(id))
		o.EscrowTradeID = ref.TradeID
		o.EscrowTradeAddr = ref.TradeAddr.Hex()
		o.EscrowAddr = ref.EscrowAddr.Hex()
		o.EscrowCreatorWallet = ref.Creator.Hex()
	}
	if err := store.Create(context.Background(), o); err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return o
}

func TestLock_HappyPath(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	seedOrder(t, store, "ord_lock", order.StatusAccepted, false)

	got, err := coord.Lock(ctx, "ord_lock", "user-1")
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if got.Status != order.StatusEscrowed {
		t.Errorf("status = %s, want escrowed", got.Status)
	}
	if got.EscrowTxHash != "0xlock" {
		t.Errorf("EscrowTxHash = %q", got.EscrowTxHash)
	}
	if got.EscrowTradeID != TradeIDForOrder("ord_lock") {
		t.Errorf("EscrowTradeID = %d", got.EscrowTradeID)
	}
	if ledger.lockCalls != 1 {
		t.Errorf("lockCalls = %d, want 1", ledger.lockCalls)
	}
}

func TestLock_OnlyDepositorMayLock(t *testing.T) {
	store := order.NewMemoryStore()
	coord := NewCoordinator(store, newMockLedger(), testLogger())

	seedOrder(t, store, "ord_auth", order.StatusAccepted, false)

	// On a sell order the merchant is not the depositor
	if _, err := coord.Lock(context.Background(), "ord_auth", "merchant-1"); !errors.Is(err, order.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestLock_SigningRejectedIsRetryable(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	ledger.lockErr = &chain.CallError{Op: "lock_escrow", Err: chain.ErrSigningRejected}
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	seedOrder(t, store, "ord_rej", order.StatusAccepted, false)

	_, err := coord.Lock(ctx, "ord_rej", "user-1")
	if !errors.Is(err, chain.ErrSigningRejected) {
		t.Fatalf("err = %v, want ErrSigningRejected", err)
	}

	got, _ := store.Get(ctx, "ord_rej")
	if got.Status != order.StatusEscrowPending {
		t.Errorf("status = %s, want escrow_pending (intent kept for retry)", got.Status)
	}
	if got.EscrowTxHash != "" || got.NeedsReview {
		t.Error("rejection must not record a tx or flag review")
	}

	// Retry succeeds from escrow_pending
	ledger.lockErr = nil
	retried, err := coord.Lock(ctx, "ord_rej", "user-1")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.Status != order.StatusEscrowed {
		t.Errorf("retry status = %s, want escrowed", retried.Status)
	}
}

func TestLock_BroadcastFailureFlagsReview(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	ledger.lockErr = &chain.CallError{Op: "lock_escrow", TxHash: "0xmaybe", Err: chain.ErrConfirmTimeout}
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	seedOrder(t, store, "ord_amb", order.StatusAccepted, false)

	_, err := coord.Lock(ctx, "ord_amb", "user-1")
	if !errors.Is(err, ErrPendingReconciliation) {
		t.Fatalf("err = %v, want ErrPendingReconciliation", err)
	}

	got, _ := store.Get(ctx, "ord_amb")
	if !got.NeedsReview {
		t.Error("ambiguous broadcast must flag the order for the sweep")
	}
	if ledger.lockCalls != 1 {
		t.Errorf("lockCalls = %d, want 1 (no blind retry)", ledger.lockCalls)
	}
}

// Scenario: escrowed order, ledger Locked, 500 USDT. Fiat recipient
// confirms → completed, release hash set, exactly one release call.
func TestConfirmFiatReceived_ReleasesOnce(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	o := seedOrder(t, store, "ord_rel", order.StatusEscrowed, true)
	ledger.seed(o.EscrowTradeID, chain.TradeLocked)
	if _, err := store.TransitionStatus(ctx, o.ID, order.StatusEscrowed, order.StatusPaymentSent); err != nil {
		t.Fatalf("to payment_sent: %v", err)
	}

	got, err := coord.ConfirmFiatReceived(ctx, o.ID, "user-1")
	if err != nil {
		t.Fatalf("ConfirmFiatReceived failed: %v", err)
	}
	if got.Status != order.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.ReleaseTxHash != "0xrelease" {
		t.Errorf("ReleaseTxHash = %q", got.ReleaseTxHash)
	}
	if got.RefundTxHash != "" {
		t.Error("refund hash must stay empty on release")
	}
	if ledger.releaseCalls != 1 {
		t.Errorf("releaseCalls = %d, want 1", ledger.releaseCalls)
	}

	// Re-confirming is an idempotent acknowledgment, not a second call
	again, err := coord.ConfirmFiatReceived(ctx, o.ID, "user-1")
	if err != nil {
		t.Fatalf("re-confirm failed: %v", err)
	}
	if again.Status != order.StatusCompleted || ledger.releaseCalls != 1 {
		t.Errorf("re-confirm: status=%s releaseCalls=%d", again.Status, ledger.releaseCalls)
	}
}

func TestConfirmFiatReceived_OnlyRecipient(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	o := seedOrder(t, store, "ord_who", order.StatusPaymentSent, true)
	ledger.seed(o.EscrowTradeID, chain.TradeLocked)

	// On a sell order the merchant sent the fiat; only the user may confirm
	if _, err := coord.ConfirmFiatReceived(ctx, o.ID, "merchant-1"); !errors.Is(err, order.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if ledger.releaseCalls != 0 {
		t.Errorf("releaseCalls = %d, want 0", ledger.releaseCalls)
	}
}

func TestConfirmFiatReceived_AlreadySettledOnLedger(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	// A prior release confirmed on-chain but the hash was never recorded
	o := seedOrder(t, store, "ord_settled", order.StatusPaymentSent, true)
	ledger.seed(o.EscrowTradeID, chain.TradeReleased)

	got, err := coord.ConfirmFiatReceived(ctx, o.ID, "user-1")
	if err != nil {
		t.Fatalf("ConfirmFiatReceived failed: %v", err)
	}
	if got.Status != order.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if ledger.releaseCalls != 0 {
		t.Errorf("releaseCalls = %d, want 0 (never re-issue a settled release)", ledger.releaseCalls)
	}
}

func TestConfirmFiatReceived_LedgerAlreadyRefunded(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	// The sweep refunded this abandoned escrow but its local write was
	// lost; a late fiat confirmation must follow the ledger, not complete
	// an order whose funds went back to the depositor.
	o := seedOrder(t, store, "ord_refunded", order.StatusPaymentSent, true)
	ledger.seed(o.EscrowTradeID, chain.TradeRefunded)

	got, err := coord.ConfirmFiatReceived(ctx, o.ID, "user-1")
	if err != nil {
		t.Fatalf("ConfirmFiatReceived failed: %v", err)
	}
	if got.Status != order.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.ReleaseTxHash != "" {
		t.Errorf("ReleaseTxHash = %q, want empty", got.ReleaseTxHash)
	}
	if ledger.releaseCalls != 0 {
		t.Errorf("releaseCalls = %d, want 0", ledger.releaseCalls)
	}
}

func TestConfirmFiatReceived_WalletMismatch(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	o := seedOrder(t, store, "ord_mismatch", order.StatusPaymentSent, true)
	ledger.seed(o.EscrowTradeID, chain.TradeLocked)
	// Ledger locked to a different counterparty than the order recorded
	ledger.trades[o.EscrowTradeID].Counterparty = common.HexToAddress("0x3000000000000000000000000000000000000003")

	if _, err := coord.ConfirmFiatReceived(ctx, o.ID, "user-1"); !errors.Is(err, ErrWrongWallet) {
		t.Errorf("err = %v, want ErrWrongWallet", err)
	}
	if ledger.releaseCalls != 0 {
		t.Errorf("releaseCalls = %d, want 0", ledger.releaseCalls)
	}
}

func TestConfirmFiatReceived_ConfirmedButUnrecorded(t *testing.T) {
	base := order.NewMemoryStore()
	store := &failingStore{Store: base, recordTxErr: errors.New("db down")}
	ledger := newMockLedger()
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	o := seedOrder(t, base, "ord_diverge", order.StatusPaymentSent, true)
	ledger.seed(o.EscrowTradeID, chain.TradeLocked)

	_, err := coord.ConfirmFiatReceived(ctx, o.ID, "user-1")
	if !errors.Is(err, ErrPendingReconciliation) {
		t.Fatalf("err = %v, want ErrPendingReconciliation", err)
	}
	if ledger.releaseCalls != 1 {
		t.Errorf("releaseCalls = %d, want exactly 1 (funds moved, no retry)", ledger.releaseCalls)
	}
	if len(store.flagged) == 0 {
		t.Error("divergence must flag the order for the sweep")
	}
}

func TestRefund_Idempotent(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	o := seedOrder(t, store, "ord_refund", order.StatusEscrowed, true)
	ledger.seed(o.EscrowTradeID, chain.TradeLocked)

	got, err := coord.Refund(ctx, o.ID)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if got.Status != order.StatusCancelled || got.RefundTxHash != "0xrefund" {
		t.Errorf("status=%s refundTx=%q", got.Status, got.RefundTxHash)
	}

	// Second refund is acknowledged without a ledger call
	again, err := coord.Refund(ctx, o.ID)
	if err != nil {
		t.Fatalf("second Refund failed: %v", err)
	}
	if again.RefundTxHash != "0xrefund" || ledger.refundCalls != 1 {
		t.Errorf("refundCalls = %d, want 1", ledger.refundCalls)
	}
}

func TestRefund_ConflictsWithRelease(t *testing.T) {
	store := order.NewMemoryStore()
	ledger := newMockLedger()
	coord := NewCoordinator(store, ledger, testLogger())
	ctx := context.Background()

	o := seedOrder(t, store, "ord_conflict", order.StatusEscrowed, true)
	ledger.seed(o.EscrowTradeID, chain.TradeLocked)
	if err := store.RecordSettlementTx(ctx, o.ID, order.TxRelease, "0xrel"); err != nil {
		t.Fatalf("record release: %v", err)
	}

	if _, err := coord.Refund(ctx, o.ID); !errors.Is(err, order.ErrTxConflict) {
		t.Errorf("err = %v, want ErrTxConflict", err)
	}
	if ledger.refundCalls != 0 {
		t.Errorf("refundCalls = %d, want 0", ledger.refundCalls)
	}
}

func TestResolveOnLedger(t *testing.T) {
	tests := []struct {
		name       string
		resolution chain.Resolution
		wantStatus order.Status
		wantHash   func(*order.Order) string
	}{
		{
			name:       "refund depositor",
			resolution: chain.ResolutionRefundDepositor,
			wantStatus: order.StatusCancelled,
			wantHash:   func(o *order.Order) string { return o.RefundTxHash },
		},
		{
			name:       "release counterparty",
			resolution: chain.ResolutionReleaseCounterparty,
			wantStatus: order.StatusCompleted,
			wantHash:   func(o *order.Order) string { return o.ReleaseTxHash },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := order.NewMemoryStore()
			ledger := newMockLedger()
			coord := NewCoordinator(store, ledger, testLogger())
			ctx := context.Background()

			o := seedOrder(t, store, "ord_resolve", order.StatusEscrowed, true)
			ledger.seed(o.EscrowTradeID, chain.TradeDisputed)
			if _, err := store.TransitionStatus(ctx, o.ID, order.StatusEscrowed, order.StatusDisputed); err != nil {
				t.Fatalf("to disputed: %v", err)
			}

			got, err := coord.ResolveOnLedger(ctx, o.ID, tt.resolution)
			if err != nil {
				t.Fatalf("ResolveOnLedger failed: %v", err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if tt.wantHash(got) != "0xresolve" {
				t.Errorf("tx hash = %q, want 0xresolve", tt.wantHash(got))
			}
			if ledger.resolveCalls != 1 {
				t.Errorf("resolveCalls = %d, want 1", ledger.resolveCalls)
			}
		})
	}
}

func TestTradeIDForOrder_Deterministic(t *testing.T) {
	a := TradeIDForOrder("ord_x")
	b := TradeIDForOrder("ord_x")
	c := TradeIDForOrder("ord_y")
	if a != b {
		t.Error("trade ID must be deterministic per order")
	}
	if a == c {
		t.Error("distinct orders should map to distinct trade IDs")
	}
	if a == 0 {
		t.Error("trade ID zero is reserved for unset")
	}
}
