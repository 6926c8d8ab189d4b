package order

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/fiatbridge/fiatbridge/internal/chain"
	"github.com/fiatbridge/fiatbridge/internal/pagination"
)

func validCreateReq() CreateRequest {
	return CreateRequest{
		Side:          SideSell,
		CryptoAmount:  "500",
		FiatAmount:    "45000.00",
		FiatCurrency:  "RUB",
		Rate:          "90.00",
		PaymentMethod: PaymentBank,
		UserID:        "user-1",
		MerchantID:    "merchant-1",
	}
}

func mustCreate(t *testing.T, s *Service) *Order {
	t.Helper()
	o, err := s.Create(context.Background(), validCreateReq())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return o
}

const testWallet = "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B"

func TestTransitionGraph(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusAccepted, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusEscrowed, false},
		{StatusAccepted, StatusEscrowed, true},
		{StatusAccepted, StatusDisputed, true},
		{StatusEscrowed, StatusPaymentSent, true},
		{StatusEscrowed, StatusExpired, false}, // funded trades never silently expire
		{StatusPaymentSent, StatusPaymentConfirmed, true},
		{StatusPaymentSent, StatusEscrowed, false}, // no backward moves
		{StatusPaymentConfirmed, StatusReleasing, true},
		{StatusReleasing, StatusCompleted, true},
		{StatusDisputed, StatusCompleted, true},
		{StatusDisputed, StatusCancelled, true},
		{StatusCompleted, StatusCancelled, false}, // terminal
		{StatusCancelled, StatusPending, false},
		{StatusExpired, StatusAccepted, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		if len(transitions[s]) != 0 {
			t.Errorf("terminal status %s has outgoing transitions %v", s, transitions[s])
		}
	}
}

func TestCreateValidation(t *testing.T) {
	s := NewService(NewMemoryStore())

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"bad side", func(r *CreateRequest) { r.Side = "short" }},
		{"bad payment method", func(r *CreateRequest) { r.PaymentMethod = "crypto" }},
		{"zero crypto amount", func(r *CreateRequest) { r.CryptoAmount = "0" }},
		{"garbage crypto amount", func(r *CreateRequest) { r.CryptoAmount = "1.2.3" }},
		{"negative fiat", func(r *CreateRequest) { r.FiatAmount = "-5" }},
		{"sub-cent fiat", func(r *CreateRequest) { r.FiatAmount = "10.001" }},
		{"zero rate", func(r *CreateRequest) { r.Rate = "0" }},
		{"same participant", func(r *CreateRequest) { r.MerchantID = "user-1" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validCreateReq()
			tt.mutate(&req)
			if _, err := s.Create(context.Background(), req); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestCreateSetsDefaults(t *testing.T) {
	s := NewService(NewMemoryStore()).WithExpiry(15 * time.Minute).WithMaxExtensions(3)
	o := mustCreate(t, s)

	if o.Status != StatusPending {
		t.Errorf("new order status = %s, want pending", o.Status)
	}
	if o.MaxExtensions != 3 {
		t.Errorf("MaxExtensions = %d, want 3", o.MaxExtensions)
	}
	if o.CryptoAmount != "500.000000" {
		t.Errorf("CryptoAmount = %s, want normalized 500.000000", o.CryptoAmount)
	}
	wantExpiry := o.CreatedAt.Add(15 * time.Minute)
	if !o.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", o.ExpiresAt, wantExpiry)
	}
}

func TestAccept(t *testing.T) {
	s := NewService(NewMemoryStore())
	o := mustCreate(t, s)

	accepted, err := s.Accept(context.Background(), o.ID, "merchant-1", testWallet, "")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Errorf("status = %s, want accepted", accepted.Status)
	}
	if accepted.AcceptorWallet != testWallet {
		t.Errorf("AcceptorWallet = %s, want %s", accepted.AcceptorWallet, testWallet)
	}
	if accepted.AcceptedAt == nil {
		t.Error("AcceptedAt not stamped")
	}

	// Second accept hits the stale-status guard
	if _, err := s.Accept(context.Background(), o.ID, "merchant-1", testWallet, ""); err == nil {
		t.Error("expected error on double accept")
	}
}

func TestAcceptWalletProof(t *testing.T) {
	s := NewService(NewMemoryStore())
	o := mustCreate(t, s)

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	wallet := crypto.PubkeyToAddress(key.PublicKey).Hex()
	sig, err := crypto.Sign(accounts.TextHash([]byte(chain.AcceptanceChallenge(o.ID))), key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	// A proof signed by a different key than the claimed wallet fails
	if _, err := s.Accept(context.Background(), o.ID, "merchant-1", testWallet, hex.EncodeToString(sig)); !errors.Is(err, chain.ErrBadOwnershipProof) {
		t.Errorf("mismatched proof: err = %v, want ErrBadOwnershipProof", err)
	}

	accepted, err := s.Accept(context.Background(), o.ID, "merchant-1", wallet, hex.EncodeToString(sig))
	if err != nil {
		t.Fatalf("Accept with valid proof failed: %v", err)
	}
	if accepted.AcceptorWallet != wallet {
		t.Errorf("AcceptorWallet = %s, want %s", accepted.AcceptorWallet, wallet)
	}
}

func TestAcceptAuthorization(t *testing.T) {
	s := NewService(NewMemoryStore())
	o := mustCreate(t, s)

	if _, err := s.Accept(context.Background(), o.ID, "merchant-2", testWallet, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("wrong merchant: err = %v, want ErrUnauthorized", err)
	}
	if _, err := s.Accept(context.Background(), o.ID, "merchant-1", "not-a-wallet", ""); err == nil {
		t.Error("expected error for malformed wallet")
	}
}

func TestMarkPaymentSent(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store)
	o := mustCreate(t, s)

	ctx := context.Background()
	if _, err := s.Accept(ctx, o.ID, "merchant-1", testWallet, ""); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if _, err := store.TransitionStatus(ctx, o.ID, StatusAccepted, StatusEscrowed); err != nil {
		t.Fatalf("escrow transition failed: %v", err)
	}

	// On a sell order the merchant sends the fiat
	if _, err := s.MarkPaymentSent(ctx, o.ID, "user-1"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("fiat recipient marking payment sent: err = %v, want ErrUnauthorized", err)
	}

	updated, err := s.MarkPaymentSent(ctx, o.ID, "merchant-1")
	if err != nil {
		t.Fatalf("MarkPaymentSent failed: %v", err)
	}
	if updated.Status != StatusPaymentSent {
		t.Errorf("status = %s, want payment_sent", updated.Status)
	}
	if updated.PaymentSentAt == nil {
		t.Error("PaymentSentAt not stamped")
	}
}

func TestCancelOnlyPreEscrow(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store)
	ctx := context.Background()

	o := mustCreate(t, s)
	cancelled, err := s.Cancel(ctx, o.ID, "user-1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	// A funded order cannot be cancelled off-chain
	o2 := mustCreate(t, s)
	if _, err := s.Accept(ctx, o2.ID, "merchant-1", testWallet, ""); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if err := store.RecordEscrowRefs(ctx, o2.ID, EscrowRefs{TradeID: 1, TradeAddr: "0xaa", EscrowAddr: "0xbb"}); err != nil {
		t.Fatalf("RecordEscrowRefs failed: %v", err)
	}
	if _, err := s.Cancel(ctx, o2.ID, "user-1"); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("cancel after escrow refs: err = %v, want ErrNotCancellable", err)
	}

	if _, err := s.Cancel(ctx, o2.ID, "someone-else"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("cancel by stranger: err = %v, want ErrUnauthorized", err)
	}
}

func TestSettlementTxMutualExclusion(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store)
	ctx := context.Background()
	o := mustCreate(t, s)

	if err := store.RecordSettlementTx(ctx, o.ID, TxRelease, "0xrel"); err != nil {
		t.Fatalf("record release: %v", err)
	}
	// Same hash again is an idempotent no-op
	if err := store.RecordSettlementTx(ctx, o.ID, TxRelease, "0xrel"); err != nil {
		t.Errorf("idempotent re-record: %v", err)
	}
	// A different release hash is rejected
	if err := store.RecordSettlementTx(ctx, o.ID, TxRelease, "0xother"); !errors.Is(err, ErrTxAlreadyRecorded) {
		t.Errorf("second release hash: err = %v, want ErrTxAlreadyRecorded", err)
	}
	// Refund after release violates mutual exclusion
	if err := store.RecordSettlementTx(ctx, o.ID, TxRefund, "0xref"); !errors.Is(err, ErrTxConflict) {
		t.Errorf("refund after release: err = %v, want ErrTxConflict", err)
	}

	got, err := store.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ReleaseTxHash != "0xrel" || got.RefundTxHash != "" {
		t.Errorf("tx hashes = (%q, %q), want (0xrel, empty)", got.ReleaseTxHash, got.RefundTxHash)
	}
}

func TestEscrowRefsImmutable(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store)
	ctx := context.Background()
	o := mustCreate(t, s)

	refs := EscrowRefs{TradeID: 7, TradeAddr: "0xaa", EscrowAddr: "0xbb", CreatorWallet: testWallet}
	if err := store.RecordEscrowRefs(ctx, o.ID, refs); err != nil {
		t.Fatalf("record refs: %v", err)
	}
	// Re-recording the same identity is a no-op
	if err := store.RecordEscrowRefs(ctx, o.ID, refs); err != nil {
		t.Errorf("idempotent re-record: %v", err)
	}
	// A different identity is rejected
	other := EscrowRefs{TradeID: 8, TradeAddr: "0xcc"}
	if err := store.RecordEscrowRefs(ctx, o.ID, other); !errors.Is(err, ErrEscrowRefsSet) {
		t.Errorf("conflicting refs: err = %v, want ErrEscrowRefsSet", err)
	}
}

func TestExtensionCap(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store).WithMaxExtensions(1)
	ctx := context.Background()
	o := mustCreate(t, s)

	if err := store.SetExtensionPending(ctx, o.ID, "user-1"); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	// Only one pending request at a time
	if err := store.SetExtensionPending(ctx, o.ID, "merchant-1"); !errors.Is(err, ErrExtensionPending) {
		t.Errorf("second pending: err = %v, want ErrExtensionPending", err)
	}

	newExpiry := o.ExpiresAt.Add(15 * time.Minute)
	updated, err := store.ApplyExtension(ctx, o.ID, newExpiry)
	if err != nil {
		t.Fatalf("apply extension: %v", err)
	}
	if updated.ExtensionCount != 1 {
		t.Errorf("ExtensionCount = %d, want 1", updated.ExtensionCount)
	}
	if !updated.ExpiresAt.Equal(newExpiry) {
		t.Errorf("ExpiresAt = %v, want %v", updated.ExpiresAt, newExpiry)
	}
	if updated.ExtensionRequestedBy != "" {
		t.Error("pending marker not cleared")
	}

	// At the cap, a further request is rejected without mutating state
	if err := store.SetExtensionPending(ctx, o.ID, "user-1"); !errors.Is(err, ErrExtensionLimit) {
		t.Errorf("request at cap: err = %v, want ErrExtensionLimit", err)
	}
	got, _ := store.Get(ctx, o.ID)
	if got.ExtensionCount != 1 || got.ExtensionRequestedBy != "" {
		t.Errorf("state mutated by rejected request: count=%d pending=%q", got.ExtensionCount, got.ExtensionRequestedBy)
	}
}

func TestExpireSkipsFundedOrders(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store).WithExpiry(time.Minute)
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ctx := context.Background()

	o := mustCreate(t, s)
	if err := store.RecordEscrowRefs(ctx, o.ID, EscrowRefs{TradeID: 1, TradeAddr: "0xaa"}); err != nil {
		t.Fatalf("record refs: %v", err)
	}

	if err := s.Expire(ctx, o); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	got, _ := store.Get(ctx, o.ID)
	if got.Status != StatusPending {
		t.Errorf("funded order expired: status = %s", got.Status)
	}
}

func TestExpireLapsedOrder(t *testing.T) {
	store := NewMemoryStore()
	s := NewService(store).WithExpiry(time.Minute)
	ctx := context.Background()

	o := mustCreate(t, s)
	s.now = func() time.Time { return o.ExpiresAt.Add(time.Second) }

	if err := s.Expire(ctx, o); err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	got, _ := store.Get(ctx, o.ID)
	if got.Status != StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if got.CancelledAt == nil {
		t.Error("CancelledAt not stamped on expiry")
	}
}

func TestListStuckOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for i, id := range []string{"ord_c", "ord_a", "ord_b"} {
		o := &Order{
			ID:              id,
			Status:          StatusEscrowed,
			EscrowTradeAddr: "0xaa",
			CreatedAt:       now.Add(time.Duration(-i) * time.Hour),
			UpdatedAt:       now.Add(-24 * time.Hour),
		}
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	stuck, err := store.ListStuck(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListStuck failed: %v", err)
	}
	if len(stuck) != 3 {
		t.Fatalf("len = %d, want 3", len(stuck))
	}
	// Oldest first
	if stuck[0].ID != "ord_b" || stuck[2].ID != "ord_c" {
		t.Errorf("order = [%s %s %s], want oldest first", stuck[0].ID, stuck[1].ID, stuck[2].ID)
	}
}

func TestListStuckExcludesSettled(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	settled := &Order{
		ID:              "ord_settled",
		Status:          StatusEscrowed,
		EscrowTradeAddr: "0xaa",
		ReleaseTxHash:   "0xrel",
		CreatedAt:       now.Add(-48 * time.Hour),
		UpdatedAt:       now.Add(-48 * time.Hour),
	}
	noEscrow := &Order{
		ID:        "ord_pending",
		Status:    StatusPending,
		CreatedAt: now.Add(-48 * time.Hour),
		UpdatedAt: now.Add(-48 * time.Hour),
	}
	for _, o := range []*Order{settled, noEscrow} {
		if err := store.Create(ctx, o); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	stuck, err := store.ListStuck(ctx, now, 10)
	if err != nil {
		t.Fatalf("ListStuck failed: %v", err)
	}
	if len(stuck) != 0 {
		t.Errorf("len = %d, want 0 (settled and unfunded orders are never stuck)", len(stuck))
	}
}

func TestParticipantHelpers(t *testing.T) {
	sell := &Order{Side: SideSell, UserID: "u", MerchantID: "m"}
	if sell.Depositor() != "u" || sell.Counterparty() != "m" || sell.FiatRecipient() != "u" {
		t.Error("sell-side participant mapping wrong")
	}

	buy := &Order{Side: SideBuy, UserID: "u", MerchantID: "m"}
	if buy.Depositor() != "m" || buy.Counterparty() != "u" || buy.FiatRecipient() != "m" {
		t.Error("buy-side participant mapping wrong")
	}

	if !sell.IsParticipant("u") || sell.IsParticipant("x") || sell.IsParticipant("") {
		t.Error("IsParticipant wrong")
	}
	if sell.OtherParty("u") != "m" || sell.OtherParty("m") != "u" {
		t.Error("OtherParty wrong")
	}
}

func TestListByParticipantCursor(t *testing.T) {
	s := NewService(NewMemoryStore())
	ctx := context.Background()

	var created []string
	for i := 0; i < 5; i++ {
		o := mustCreate(t, s)
		created = append(created, o.ID)
		time.Sleep(time.Millisecond) // distinct created_at ordering
	}

	page1, err := s.ListByParticipant(ctx, "user-1", 3)
	if err != nil {
		t.Fatalf("ListByParticipant failed: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("page1 len = %d, want 3", len(page1))
	}
	if page1[0].ID != created[4] {
		t.Errorf("first item = %s, want newest %s", page1[0].ID, created[4])
	}

	last := page1[len(page1)-1]
	cursor := pagination.Encode(last.CreatedAt, last.ID)

	page2, err := s.ListByParticipant(ctx, "user-1", 3, WithCursor(cursor))
	if err != nil {
		t.Fatalf("ListByParticipant with cursor failed: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page2 len = %d, want 2", len(page2))
	}

	seen := map[string]bool{}
	for _, o := range append(page1, page2...) {
		if seen[o.ID] {
			t.Errorf("order %s returned twice across pages", o.ID)
		}
		seen[o.ID] = true
	}
	if len(seen) != 5 {
		t.Errorf("pages covered %d orders, want 5", len(seen))
	}
}
