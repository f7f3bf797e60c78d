package refund_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/meritmatch/meritmatch-api/internal/domain/ledger"
	"github.com/meritmatch/meritmatch-api/internal/domain/purchase"
	"github.com/meritmatch/meritmatch-api/internal/domain/refund"
	"github.com/meritmatch/meritmatch-api/internal/pkg/stripe"
	"github.com/meritmatch/meritmatch-api/internal/reliability"
)

/* =========================
   Strategy selection
   ========================= */

func TestFullRefundHappyPath(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-24*time.Hour))

	result, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull, Reason: "changed my mind",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.RefundType != refund.StrategyFullStripe {
		t.Fatalf("expected stripe_refund strategy, got %s", result.RefundType)
	}
	if result.Status != refund.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", result.Status)
	}
	if result.CashRefundAmount != 4500 {
		t.Fatalf("expected full price refunded, got %d cents", result.CashRefundAmount)
	}
	if result.CreditRefundAmount != -5_000_000 {
		t.Fatalf("expected all credits debited, got %d", result.CreditRefundAmount)
	}
	if result.ProcessorRefundID != "re_ok" {
		t.Fatalf("expected processor refund id, got %q", result.ProcessorRefundID)
	}

	if len(env.processor.calls) != 1 {
		t.Fatalf("expected one processor call, got %d", len(env.processor.calls))
	}
	call := env.processor.calls[0]
	if call.AmountCents != 4500 || call.PaymentIntent != "pi_test" {
		t.Fatalf("unexpected processor call: %+v", call)
	}
	if call.IdempotencyKey != result.RefundID {
		t.Fatalf("idempotency key %q must match refund id %q", call.IdempotencyKey, result.RefundID)
	}
	if call.Metadata[ledger.MetadataKeyPurchase] != p.ID.String() {
		t.Fatalf("processor metadata must carry the purchase id: %v", call.Metadata)
	}

	entry := env.ledger.lastEntry(t)
	if entry.Type != ledger.EntryTypeRefund || entry.AmountMillicredit != -5_000_000 {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
	if entry.ReferenceType != ledger.ReferenceStripe || entry.ReferenceID != "re_ok" {
		t.Fatalf("refund entry must reference the processor refund: %+v", entry)
	}
}

func TestRefundIdempotence(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-24*time.Hour))
	req := refund.Request{UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull}

	if _, err := env.service.ProcessRefund(context.Background(), req); err != nil {
		t.Fatalf("first refund must succeed: %v", err)
	}

	_, err := env.service.ProcessRefund(context.Background(), req)
	if !errors.Is(err, refund.ErrAlreadyRefunded) {
		t.Fatalf("second refund must hit the hard stop, got %v", err)
	}
	if len(env.processor.calls) != 1 {
		t.Fatalf("hard stop must not reach the processor, got %d calls", len(env.processor.calls))
	}
}

func TestMixedRefundArithmetic(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 500, time.Now().Add(-24*time.Hour))
	env.ledger.used = 2_000_000 // 2000 of 5000 credits consumed

	result, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypePartial,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.RefundType != refund.StrategyMixed {
		t.Fatalf("expected mixed strategy, got %s", result.RefundType)
	}
	if result.CashRefundAmount != 300 {
		t.Fatalf("expected floor(500 * 3000/5000) = 300 cents, got %d", result.CashRefundAmount)
	}
	if result.CreditRefundAmount != -3_000_000 {
		t.Fatalf("expected only unused credits debited, got %d", result.CreditRefundAmount)
	}
	if env.processor.calls[0].AmountCents != 300 {
		t.Fatalf("processor must receive the partial amount, got %d", env.processor.calls[0].AmountCents)
	}
}

func TestFullyUsedSelectsCreditOnly(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-24*time.Hour))
	env.ledger.used = 5_000_000

	result, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.RefundType != refund.StrategyCreditOnly {
		t.Fatalf("expected credit_only, got %s", result.RefundType)
	}
	if len(env.processor.calls) != 0 {
		t.Fatal("credit_only must never touch the processor")
	}
	if result.CreditRefundAmount != 5_000_000 {
		t.Fatalf("expected positive credit grant, got %d", result.CreditRefundAmount)
	}
	if !result.RequiresManualReview {
		t.Fatal("fully-used refund must be flagged for manual review")
	}

	entry := env.ledger.lastEntry(t)
	if entry.ReferenceType != ledger.ReferenceSystem {
		t.Fatalf("credit_only entry must be system-referenced, got %s", entry.ReferenceType)
	}
}

func TestOldPurchaseSelectsCreditOnly(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-95*24*time.Hour))

	result, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Age trumps full-refund eligibility even with zero consumption.
	if result.RefundType != refund.StrategyCreditOnly {
		t.Fatalf("expected credit_only, got %s", result.RefundType)
	}
	if result.CreditRefundAmount != 5_000_000 {
		t.Fatalf("expected +totalCredits in millicredits, got %d", result.CreditRefundAmount)
	}
	if len(env.processor.calls) != 0 {
		t.Fatal("no processor call allowed past the refund window")
	}
	if result.Status != refund.StatusSucceeded {
		t.Fatalf("credit_only is synchronous, expected succeeded, got %s", result.Status)
	}
}

func TestOldPurchaseBlocksPartialRefundToo(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-95*24*time.Hour))
	env.ledger.used = 2_000_000

	result, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypePartial,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.RefundType != refund.StrategyCreditOnly {
		t.Fatalf("window expiry must force credit_only for partial requests, got %s", result.RefundType)
	}
	if len(env.processor.calls) != 0 {
		t.Fatal("no processor call allowed past the refund window")
	}
}

/* =========================
   Degradation and unavailability
   ========================= */

func TestMissingPaymentReferenceDegradesToCredits(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-24*time.Hour))
	p.PaymentReference = sql.NullString{}

	result, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.RefundType != refund.StrategyCreditOnly {
		t.Fatalf("expected credit_only degradation, got %s", result.RefundType)
	}
	if result.EdgeCaseHandled == "" {
		t.Fatal("degradation must be captured in the result")
	}
	if len(env.processor.calls) != 0 {
		t.Fatal("precondition failure must not reach the processor")
	}
}

func TestProcessorUnavailableQueuesRefund(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-24*time.Hour))
	env.processor.err = &stripe.APIError{HTTPStatus: 503, Message: "service down"}

	_, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull,
	})
	if !errors.Is(err, refund.ErrQueued) {
		t.Fatalf("unavailable processor must queue, got %v", err)
	}

	// Never downgrade a cash refund to credits once the breaker path is
	// engaged, and never journal anything for a failed refund.
	if len(env.ledger.entries) != 0 {
		t.Fatalf("no ledger entries may be written, got %d", len(env.ledger.entries))
	}
}

func TestCircuitOpenQueuesRefund(t *testing.T) {
	env := newTestEnv(t)
	env.processor.err = &stripe.APIError{HTTPStatus: 503, Message: "service down"}

	// Trip the stripe breaker (threshold 3 in test settings).
	for i := 0; i < 3; i++ {
		p := env.addPaidPurchase(1000, 1000, time.Now().Add(-24*time.Hour))
		env.service.ProcessRefund(context.Background(), refund.Request{
			UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull,
		})
	}

	calls := len(env.processor.calls)
	p := env.addPaidPurchase(1000, 1000, time.Now().Add(-24*time.Hour))
	_, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull,
	})
	if !errors.Is(err, refund.ErrQueued) {
		t.Fatalf("open circuit must queue the refund, got %v", err)
	}
	if len(env.processor.calls) != calls {
		t.Fatal("open circuit must reject without reaching the processor")
	}
}

func TestProcessorBusinessErrorPropagates(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-24*time.Hour))
	env.processor.err = &stripe.APIError{HTTPStatus: 400, Code: "charge_already_refunded", Message: "already refunded"}

	_, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull,
	})
	if errors.Is(err, refund.ErrQueued) {
		t.Fatal("business rejection must not be queued")
	}
	var apiErr *stripe.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected processor error to propagate, got %v", err)
	}
	if len(env.ledger.entries) != 0 {
		t.Fatal("failed refund must not journal entries")
	}
}

/* =========================
   Validation, locking, admin
   ========================= */

func TestRefundRequiresPaidPurchase(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now())
	p.Status = purchase.StatusPending

	_, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull,
	})
	if !errors.Is(err, purchase.ErrNotPaid) {
		t.Fatalf("expected ErrNotPaid, got %v", err)
	}
}

func TestRefundUnknownPurchase(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: uuid.New(), PurchaseID: uuid.New(), Type: refund.TypeFull,
	})
	if !errors.Is(err, purchase.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentRefundBlockedByLock(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-24*time.Hour))
	env.locker.held = true

	_, err := env.service.ProcessRefund(context.Background(), refund.Request{
		UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull,
	})
	if !errors.Is(err, refund.ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
}

func TestAdminOverrideAlreadyRefunded(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-24*time.Hour))
	req := refund.Request{UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull}

	if _, err := env.service.ProcessRefund(context.Background(), req); err != nil {
		t.Fatalf("first refund must succeed: %v", err)
	}

	adminID := uuid.New()

	// Without the explicit flag the hard stop holds even for admins.
	_, err := env.service.ProcessAdminRefund(context.Background(), adminID, refund.AdminRequest{Request: req})
	if !errors.Is(err, refund.ErrAlreadyRefunded) {
		t.Fatalf("admin without override must hit the hard stop, got %v", err)
	}

	force := refund.StrategyCreditOnly
	result, err := env.service.ProcessAdminRefund(context.Background(), adminID, refund.AdminRequest{
		Request:                 req,
		ForceStrategy:           &force,
		OverrideAlreadyRefunded: true,
	})
	if err != nil {
		t.Fatalf("override must proceed: %v", err)
	}
	if result.RefundType != refund.StrategyCreditOnly {
		t.Fatalf("forced strategy must win, got %s", result.RefundType)
	}
}

func TestAdminForcedAmount(t *testing.T) {
	env := newTestEnv(t)
	p := env.addPaidPurchase(5000, 4500, time.Now().Add(-24*time.Hour))

	force := refund.StrategyFullStripe
	amount := int64(2000)
	result, err := env.service.ProcessAdminRefund(context.Background(), uuid.New(), refund.AdminRequest{
		Request:       refund.Request{UserID: p.UserID, PurchaseID: p.ID, Type: refund.TypeFull},
		ForceStrategy: &force,
		AmountCents:   &amount,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.CashRefundAmount != 2000 {
		t.Fatalf("expected admin amount to win, got %d", result.CashRefundAmount)
	}
	if env.processor.calls[0].AmountCents != 2000 {
		t.Fatalf("processor must receive the admin amount, got %d", env.processor.calls[0].AmountCents)
	}
}

/* =========================
   Test environment
   ========================= */

type testEnv struct {
	service   *refund.Service
	purchases *fakePurchases
	ledger    *fakeLedger
	processor *fakeProcessor
	locker    *fakeLocker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	manager := reliability.NewManager(zerolog.Nop(), nil)
	manager.Register(reliability.Settings{
		Breaker: reliability.BreakerConfig{
			Name:             reliability.ServiceStripe,
			FailureThreshold: 3,
			RecoveryTimeout:  time.Minute,
			Timeout:          time.Second,
		},
		Retry: reliability.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, ExponentialBase: 2},
	})

	env := &testEnv{
		purchases: &fakePurchases{byID: map[uuid.UUID]*purchase.Purchase{}},
		ledger:    &fakeLedger{},
		processor: &fakeProcessor{refund: &stripe.Refund{ID: "re_ok", Status: "succeeded"}},
		locker:    &fakeLocker{},
	}
	env.service = refund.NewService(env.purchases, env.ledger, env.processor, manager, env.locker, refund.Config{
		Window:  90 * 24 * time.Hour,
		LockTTL: time.Second,
	})

	return env
}

func (e *testEnv) addPaidPurchase(credits, priceCents int64, createdAt time.Time) *purchase.Purchase {
	p := &purchase.Purchase{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		PackageCode:      "basic",
		TotalCredits:     credits,
		PriceUSDCents:    priceCents,
		Status:           purchase.StatusPaid,
		PaymentReference: sql.NullString{String: "pi_test", Valid: true},
		CreatedAt:        createdAt,
	}
	e.purchases.byID[p.ID] = p
	return p
}

type fakePurchases struct {
	byID map[uuid.UUID]*purchase.Purchase
}

func (f *fakePurchases) FindForUser(_ context.Context, userID, id uuid.UUID) (*purchase.Purchase, error) {
	p, ok := f.byID[id]
	if !ok || p.UserID != userID {
		return nil, purchase.ErrNotFound
	}
	return p, nil
}

// fakeLedger keeps entries in memory with transactional rollback semantics:
// entries appended inside a failed WithinTransaction are discarded.
type fakeLedger struct {
	used    int64
	entries []ledger.Entry
}

func (f *fakeLedger) WithinTransaction(_ context.Context, fn func(tx *sqlx.Tx) error) error {
	snapshot := len(f.entries)
	if err := fn(nil); err != nil {
		f.entries = f.entries[:snapshot]
		return err
	}
	return nil
}

func (f *fakeLedger) ApplyEntry(ctx context.Context, userID uuid.UUID, amount int64, meta ledger.EntryMeta) (*ledger.Entry, error) {
	return f.ApplyEntryTx(ctx, nil, userID, amount, meta)
}

func (f *fakeLedger) ApplyEntryTx(_ context.Context, _ *sqlx.Tx, userID uuid.UUID, amount int64, meta ledger.EntryMeta) (*ledger.Entry, error) {
	e := ledger.Entry{
		ID:                uuid.New(),
		UserID:            userID,
		Type:              meta.Type,
		AmountMillicredit: amount,
		ReferenceType:     meta.ReferenceType,
		ReferenceID:       meta.ReferenceID,
		Metadata:          meta.Metadata,
		CreatedAt:         time.Now(),
	}
	f.entries = append(f.entries, e)
	return &e, nil
}

func (f *fakeLedger) SumDebitsSince(context.Context, uuid.UUID, time.Time) (int64, error) {
	return f.used, nil
}

func (f *fakeLedger) FindRefundsForPurchase(_ context.Context, purchaseID uuid.UUID) ([]ledger.Entry, error) {
	var refunds []ledger.Entry
	for _, e := range f.entries {
		if e.Type != ledger.EntryTypeRefund {
			continue
		}
		if e.Metadata[ledger.MetadataKeyPurchase] == purchaseID.String() {
			refunds = append(refunds, e)
		}
	}
	return refunds, nil
}

func (f *fakeLedger) ChargeForUsage(ctx context.Context, userID uuid.UUID, amount int64, referenceID string, metadata ledger.Metadata) (*ledger.Entry, error) {
	return f.ApplyEntry(ctx, userID, -amount, ledger.EntryMeta{Type: ledger.EntryTypeDebit, ReferenceType: ledger.ReferenceSystem, ReferenceID: referenceID, Metadata: metadata})
}

func (f *fakeLedger) Balance(context.Context, uuid.UUID) (int64, error) {
	var sum int64
	for _, e := range f.entries {
		sum += e.AmountMillicredit
	}
	return sum, nil
}

func (f *fakeLedger) ListEntries(context.Context, uuid.UUID, int, int) ([]ledger.Entry, error) {
	return f.entries, nil
}

func (f *fakeLedger) ListRefunds(context.Context, uuid.UUID, int) ([]ledger.Entry, error) {
	var refunds []ledger.Entry
	for _, e := range f.entries {
		if e.Type == ledger.EntryTypeRefund {
			refunds = append(refunds, e)
		}
	}
	return refunds, nil
}

func (f *fakeLedger) lastEntry(t *testing.T) ledger.Entry {
	t.Helper()
	if len(f.entries) == 0 {
		t.Fatal("expected at least one ledger entry")
	}
	return f.entries[len(f.entries)-1]
}

type fakeProcessor struct {
	refund *stripe.Refund
	err    error
	calls  []stripe.RefundRequest
}

func (f *fakeProcessor) CreateRefund(_ context.Context, req stripe.RefundRequest) (*stripe.Refund, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	out := *f.refund
	out.AmountCents = req.AmountCents
	return &out, nil
}

type fakeLocker struct {
	held bool
}

func (f *fakeLocker) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	if f.held {
		return nil, false, nil
	}
	return func() {}, true, nil
}
