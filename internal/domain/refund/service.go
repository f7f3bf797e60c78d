package refund

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/meritmatch/meritmatch-api/internal/domain/ledger"
	"github.com/meritmatch/meritmatch-api/internal/domain/purchase"
	"github.com/meritmatch/meritmatch-api/internal/pkg/lock"
	"github.com/meritmatch/meritmatch-api/internal/pkg/stripe"
	"github.com/meritmatch/meritmatch-api/internal/reliability"
)

// PurchaseStore is the purchase surface the engine reads. Refunds never
// mutate the purchase row.
type PurchaseStore interface {
	FindForUser(ctx context.Context, userID, id uuid.UUID) (*purchase.Purchase, error)
}

// ProcessorClient issues cash refunds.
type ProcessorClient interface {
	CreateRefund(ctx context.Context, req stripe.RefundRequest) (*stripe.Refund, error)
}

// Protector routes external calls through a named circuit breaker.
type Protector interface {
	ExecuteWithProtection(ctx context.Context, name string, op reliability.Operation, fallback reliability.Fallback) (any, error)
}

// Config tunes refund policy.
type Config struct {
	// Window is how long after purchase a processor refund is allowed.
	// Past it every refund degrades to credits, including partial requests.
	Window time.Duration
	// LockTTL bounds how long one refund may hold the per-purchase lock.
	LockTTL time.Duration
}

// DefaultConfig mirrors the processor's 90 day refund window.
func DefaultConfig() Config {
	return Config{Window: 90 * 24 * time.Hour, LockTTL: 30 * time.Second}
}

// Service is the refund decision engine. Given a request it classifies edge
// cases from ledger history, selects exactly one strategy, and executes it
// with all ledger writes in one transaction. The processor call happens
// before the ledger write so an ambiguous processor result never leaves an
// entry claiming a refund happened.
type Service struct {
	purchases PurchaseStore
	ledger    ledger.Service
	processor ProcessorClient
	protector Protector
	locker    lock.Locker
	config    Config
	now       func() time.Time
}

func NewService(purchases PurchaseStore, ledgerSvc ledger.Service, processor ProcessorClient, protector Protector, locker lock.Locker, cfg Config) *Service {
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}
	if locker == nil {
		locker = lock.NopLocker{}
	}

	return &Service{
		purchases: purchases,
		ledger:    ledgerSvc,
		processor: processor,
		protector: protector,
		locker:    locker,
		config:    cfg,
		now:       time.Now,
	}
}

// ProcessRefund resolves a user-initiated refund request.
func (s *Service) ProcessRefund(ctx context.Context, req Request) (*Result, error) {
	return s.process(ctx, req, nil, "user:"+req.UserID.String())
}

// ProcessAdminRefund resolves a privileged refund. A forced strategy skips
// edge-case-driven selection; the already-refunded hard stop is skipped only
// with the explicit override flag, which is audit-logged under the admin.
func (s *Service) ProcessAdminRefund(ctx context.Context, adminID uuid.UUID, req AdminRequest) (*Result, error) {
	return s.process(ctx, req.Request, &req, "admin:"+adminID.String())
}

// History returns the user's refund ledger entries.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int) ([]ledger.Entry, error) {
	return s.ledger.ListRefunds(ctx, userID, limit)
}

func (s *Service) process(ctx context.Context, req Request, admin *AdminRequest, actor string) (*Result, error) {
	p, err := s.purchases.FindForUser(ctx, req.UserID, req.PurchaseID)
	if err != nil {
		return nil, err
	}
	if p.Status != purchase.StatusPaid {
		return nil, purchase.ErrNotPaid
	}

	release, ok, err := s.locker.TryLock(ctx, "refund:purchase:"+p.ID.String(), s.config.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire refund lock: %w", err)
	}
	if !ok {
		return nil, ErrInProgress
	}
	defer release()

	usedMillicredits, edges, err := s.classify(ctx, p)
	if err != nil {
		return nil, err
	}

	strategy, err := s.selectStrategy(req, admin, edges)
	if err != nil {
		return nil, err
	}

	result, err := s.execute(ctx, p, req, admin, strategy, usedMillicredits, edges)
	if err != nil {
		return nil, err
	}

	s.audit(p, req, result, edges, actor, admin != nil && admin.OverrideAlreadyRefunded)

	return result, nil
}

// classify is a pure read over purchase + ledger history. Order matters for
// nothing here; precedence is applied during strategy selection.
func (s *Service) classify(ctx context.Context, p *purchase.Purchase) (int64, []EdgeCase, error) {
	used, err := s.ledger.SumDebitsSince(ctx, p.UserID, p.CreatedAt)
	if err != nil {
		return 0, nil, err
	}

	var edges []EdgeCase

	total := p.TotalMillicredits()
	switch {
	case used >= total:
		edges = append(edges, EdgeCase{
			Type:                 EdgeCreditsFullyUsed,
			Severity:             SeverityWarning,
			Description:          "all purchased credits have been used",
			RequiresManualReview: true,
		})
	case used > 0:
		edges = append(edges, EdgeCase{
			Type:        EdgeCreditsPartiallyUsed,
			Severity:    SeverityInfo,
			Description: fmt.Sprintf("%d of %d credits already used", used/ledger.MillicreditsPerCredit, p.TotalCredits),
		})
	}

	if s.now().Sub(p.CreatedAt) > s.config.Window {
		edges = append(edges, EdgeCase{
			Type:                 EdgePurchaseTooOld,
			Severity:             SeverityWarning,
			Description:          fmt.Sprintf("purchase is older than the %d-day refund window", int(s.config.Window.Hours()/24)),
			RequiresManualReview: true,
		})
	}

	prior, err := s.ledger.FindRefundsForPurchase(ctx, p.ID)
	if err != nil {
		return 0, nil, err
	}
	if len(prior) > 0 {
		edges = append(edges, EdgeCase{
			Type:                 EdgeAlreadyRefunded,
			Severity:             SeverityError,
			Description:          "a refund was already issued for this purchase",
			RequiresManualReview: true,
		})
	}

	return used, edges, nil
}

func (s *Service) selectStrategy(req Request, admin *AdminRequest, edges []EdgeCase) (Strategy, error) {
	if hasEdge(edges, EdgeAlreadyRefunded) {
		if admin == nil || !admin.OverrideAlreadyRefunded {
			return "", ErrAlreadyRefunded
		}
	}

	if admin != nil && admin.ForceStrategy != nil {
		switch *admin.ForceStrategy {
		case StrategyCreditOnly, StrategyFullStripe, StrategyMixed:
			return *admin.ForceStrategy, nil
		default:
			return "", ErrUnknownStrategy
		}
	}

	// Age and exhaustion trump cash eligibility: when cash cannot or should
	// not move, the user is made whole in credits instead.
	if hasEdge(edges, EdgeCreditsFullyUsed) || hasEdge(edges, EdgePurchaseTooOld) {
		return StrategyCreditOnly, nil
	}
	if req.Type == TypePartial {
		return StrategyMixed, nil
	}

	return StrategyFullStripe, nil
}

func (s *Service) execute(ctx context.Context, p *purchase.Purchase, req Request, admin *AdminRequest, strategy Strategy, usedMillicredits int64, edges []EdgeCase) (*Result, error) {
	// Generated here, not derived from any processor id, so it stays stable
	// if the processor call fails and a later record must be reconciled.
	refundID := uuid.New().String()

	var result *Result
	err := s.ledger.WithinTransaction(ctx, func(tx *sqlx.Tx) error {
		var err error
		switch strategy {
		case StrategyCreditOnly:
			result, err = s.executeCreditOnly(ctx, tx, p, refundID, "")
		case StrategyFullStripe:
			result, err = s.executeFullStripe(ctx, tx, p, req, admin, refundID)
		case StrategyMixed:
			result, err = s.executeMixed(ctx, tx, p, req, refundID, usedMillicredits)
		default:
			err = ErrUnknownStrategy
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	result.PurchaseID = p.ID
	result.EdgeCases = edges
	for _, e := range edges {
		if e.RequiresManualReview {
			result.RequiresManualReview = true
		}
	}

	return result, nil
}

// executeCreditOnly moves no cash. One positive refund entry makes the user
// whole in credits; referenceType system marks it as not processor-backed.
func (s *Service) executeCreditOnly(ctx context.Context, tx *sqlx.Tx, p *purchase.Purchase, refundID, note string) (*Result, error) {
	amount := p.TotalMillicredits()

	_, err := s.ledger.ApplyEntryTx(ctx, tx, p.UserID, amount, ledger.EntryMeta{
		Type:          ledger.EntryTypeRefund,
		ReferenceType: ledger.ReferenceSystem,
		ReferenceID:   refundID,
		Metadata:      ledger.Metadata{ledger.MetadataKeyPurchase: p.ID.String()},
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		RefundID:           refundID,
		Status:             StatusSucceeded,
		RefundType:         StrategyCreditOnly,
		CreditRefundAmount: amount,
		Message:            fmt.Sprintf("%d credits returned to your account", p.TotalCredits),
		EdgeCaseHandled:    note,
	}, nil
}

// executeFullStripe refunds the full price through the processor and debits
// every granted credit. A missing payment reference is a local precondition
// failure and degrades to credit_only before any processor attempt; breaker
// mediated failures never degrade, they surface as ErrQueued.
func (s *Service) executeFullStripe(ctx context.Context, tx *sqlx.Tx, p *purchase.Purchase, req Request, admin *AdminRequest, refundID string) (*Result, error) {
	if !p.PaymentReference.Valid || p.PaymentReference.String == "" {
		return s.executeCreditOnly(ctx, tx, p, refundID,
			"processor refund skipped: purchase has no payment reference; credits restored instead")
	}

	amountCents := p.PriceUSDCents
	if admin != nil && admin.AmountCents != nil {
		amountCents = *admin.AmountCents
	}

	processorRefund, err := s.createProcessorRefund(ctx, p, req, refundID, amountCents)
	if err != nil {
		return nil, err
	}

	debit := -p.TotalMillicredits()
	_, err = s.ledger.ApplyEntryTx(ctx, tx, p.UserID, debit, ledger.EntryMeta{
		Type:          ledger.EntryTypeRefund,
		ReferenceType: ledger.ReferenceStripe,
		ReferenceID:   processorRefund.ID,
		Metadata:      ledger.Metadata{ledger.MetadataKeyPurchase: p.ID.String(), "refundId": refundID},
		AllowNegative: true,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		RefundID:           refundID,
		Status:             processorStatus(processorRefund.Status),
		RefundType:         StrategyFullStripe,
		CreditRefundAmount: debit,
		CashRefundAmount:   amountCents,
		ProcessorRefundID:  processorRefund.ID,
		Message:            fmt.Sprintf("%s refunded to your payment method", formatUSD(amountCents)),
	}, nil
}

// executeMixed refunds cash for the unused fraction only and debits only the
// unused credits; the consumed portion is not reversed.
func (s *Service) executeMixed(ctx context.Context, tx *sqlx.Tx, p *purchase.Purchase, req Request, refundID string, usedMillicredits int64) (*Result, error) {
	if !p.PaymentReference.Valid || p.PaymentReference.String == "" {
		return s.executeCreditOnly(ctx, tx, p, refundID,
			"processor refund skipped: purchase has no payment reference; credits restored instead")
	}

	usedCredits := usedMillicredits / ledger.MillicreditsPerCredit
	unusedCredits := p.TotalCredits - usedCredits
	if unusedCredits < 0 {
		unusedCredits = 0
	}
	cashRefundCents := p.PriceUSDCents * unusedCredits / p.TotalCredits

	processorRefund, err := s.createProcessorRefund(ctx, p, req, refundID, cashRefundCents)
	if err != nil {
		return nil, err
	}

	debit := -unusedCredits * ledger.MillicreditsPerCredit
	_, err = s.ledger.ApplyEntryTx(ctx, tx, p.UserID, debit, ledger.EntryMeta{
		Type:          ledger.EntryTypeRefund,
		ReferenceType: ledger.ReferenceStripe,
		ReferenceID:   processorRefund.ID,
		Metadata:      ledger.Metadata{ledger.MetadataKeyPurchase: p.ID.String(), "refundId": refundID},
		AllowNegative: true,
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		RefundID:           refundID,
		Status:             processorStatus(processorRefund.Status),
		RefundType:         StrategyMixed,
		CreditRefundAmount: debit,
		CashRefundAmount:   cashRefundCents,
		ProcessorRefundID:  processorRefund.ID,
		Message:            fmt.Sprintf("%s refunded for %d unused credits", formatUSD(cashRefundCents), unusedCredits),
	}, nil
}

// createProcessorRefund routes the cash movement through the stripe breaker.
// Unavailability surfaces as ErrQueued; it is never converted into a credit
// refund because a duplicate cash refund might still land later.
func (s *Service) createProcessorRefund(ctx context.Context, p *purchase.Purchase, req Request, refundID string, amountCents int64) (*stripe.Refund, error) {
	metadata := map[string]string{
		"refundId": refundID,
		"userId":   p.UserID.String(),
		"reason":   req.Reason,
	}
	metadata[ledger.MetadataKeyPurchase] = p.ID.String()

	out, err := s.protector.ExecuteWithProtection(ctx, reliability.ServiceStripe, func(ctx context.Context) (any, error) {
		return s.processor.CreateRefund(ctx, stripe.RefundRequest{
			PaymentIntent:  p.PaymentReference.String,
			AmountCents:    amountCents,
			Reason:         "requested_by_customer",
			IdempotencyKey: refundID,
			Metadata:       metadata,
		})
	}, nil)
	if err != nil {
		if reliability.IsUnavailable(err) {
			return nil, fmt.Errorf("%w: %v", ErrQueued, err)
		}
		return nil, err
	}

	return out.(*stripe.Refund), nil
}

func (s *Service) audit(p *purchase.Purchase, req Request, result *Result, edges []EdgeCase, actor string, overrode bool) {
	edgeTypes := make([]string, 0, len(edges))
	for _, e := range edges {
		edgeTypes = append(edgeTypes, string(e.Type))
	}

	event := log.Info().
		Str("refund_id", result.RefundID).
		Str("user_id", p.UserID.String()).
		Str("purchase_id", p.ID.String()).
		Str("actor", actor).
		Str("strategy", string(result.RefundType)).
		Str("status", string(result.Status)).
		Int64("credit_millicredits", result.CreditRefundAmount).
		Int64("cash_cents", result.CashRefundAmount).
		Strs("edge_cases", edgeTypes).
		Str("reason", req.Reason)
	if result.ProcessorRefundID != "" {
		event = event.Str("processor_refund_id", result.ProcessorRefundID)
	}
	if overrode {
		event = event.Bool("already_refunded_overridden", true)
	}
	event.Msg("refund executed")
}

func hasEdge(edges []EdgeCase, t EdgeCaseType) bool {
	for _, e := range edges {
		if e.Type == t {
			return true
		}
	}
	return false
}

func processorStatus(status string) Status {
	if status == "succeeded" {
		return StatusSucceeded
	}
	return StatusProcessing
}

func formatUSD(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
