package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	accountdomain "github.com/smallbiznis/tally/internal/account/domain"
	"github.com/smallbiznis/tally/internal/accountlock"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/config"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/notification"
	domain "github.com/smallbiznis/tally/internal/payment/domain"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Repo        domain.Repository
	InvoiceRepo invoicedomain.Repository
	AccountRepo accountdomain.Repository
	AuditSvc    auditdomain.Service
	Queue       *notification.Queue
	Locker      *accountlock.Locker
	Processor   domain.Processor
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.Config
	repo        domain.Repository
	invoiceRepo invoicedomain.Repository
	accountRepo accountdomain.Repository
	auditSvc    auditdomain.Service
	queue       *notification.Queue
	locker      *accountlock.Locker
	processor   domain.Processor
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("payment.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Config,
		repo:        p.Repo,
		invoiceRepo: p.InvoiceRepo,
		accountRepo: p.AccountRepo,
		auditSvc:    p.AuditSvc,
		queue:       p.Queue,
		locker:      p.Locker,
		processor:   p.Processor,
	}
}

// submission carries the state prepared under the account lock across the
// processor call, which runs outside the critical section.
type submission struct {
	payment     *domain.Payment
	attempt     *domain.PaymentAttempt
	account     *accountdomain.Account
	amountCents int64
}

func (s *Service) TriggerPayment(ctx context.Context, invoiceID snowflake.ID) (*domain.Payment, error) {
	invoice, err := s.invoiceRepo.FindInvoice(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}

	var sub *submission
	err = s.locker.Do(invoice.AccountID, func() error {
		prepared, err := s.prepareSubmission(ctx, invoice.AccountID, invoiceID, 0, nil)
		if err != nil {
			return err
		}
		sub = prepared
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := s.submit(ctx, sub)

	err = s.locker.Do(invoice.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.applyResult(ctx, tx, sub.payment, sub.attempt, sub.amountCents, result)
		})
	})
	if err != nil {
		return nil, err
	}
	return s.GetPayment(ctx, sub.payment.ID)
}

// prepareSubmission validates the invoice, finds or creates the payment
// aggregate and records the in-flight attempt. It runs under the account
// lock. When scheduled is non-nil the call executes that retry attempt
// instead of opening a fresh one.
func (s *Service) prepareSubmission(
	ctx context.Context,
	accountID, invoiceID snowflake.ID,
	retryNumber int,
	scheduled *domain.PaymentAttempt,
) (*submission, error) {
	account, err := s.accountRepo.Find(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, accountdomain.ErrAccountNotFound
	}
	if account.IsDelegatedChild() {
		return nil, domain.ErrPaymentDelegated
	}

	invoice, err := s.invoiceRepo.FindInvoice(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if invoice.Status != invoicedomain.InvoiceStatusCommitted {
		return nil, invoicedomain.ErrInvoiceNotCommitted
	}

	balance, err := s.invoiceBalance(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	payment, err := s.repo.FindPaymentByInvoice(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}

	if balance <= 0 {
		// A retry whose balance cleared in the meantime aborts quietly.
		if scheduled != nil {
			if _, err := s.repo.UpdateAttemptState(ctx, s.db, scheduled.ID, domain.AttemptStateScheduled, domain.AttemptStateAborted, now); err != nil {
				return nil, err
			}
		}
		return nil, domain.ErrNothingToPay
	}

	if payment != nil {
		if err := s.ensureNoInFlight(ctx, payment); err != nil {
			return nil, err
		}
	} else {
		payment = &domain.Payment{
			ID:        s.genID.Generate(),
			AccountID: accountID,
			InvoiceID: invoiceID,
			Currency:  invoice.Currency,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.InsertPayment(ctx, s.db, payment); err != nil {
			return nil, err
		}
	}

	var attempt *domain.PaymentAttempt
	if scheduled != nil {
		moved, err := s.repo.UpdateAttemptState(ctx, s.db, scheduled.ID, domain.AttemptStateScheduled, domain.AttemptStateInit, now)
		if err != nil {
			return nil, err
		}
		if !moved {
			return nil, domain.ErrRetryNotDue
		}
		attempt = scheduled
		attempt.State = domain.AttemptStateInit
	} else {
		attempt = &domain.PaymentAttempt{
			ID:          s.genID.Generate(),
			PaymentID:   payment.ID,
			State:       domain.AttemptStateInit,
			RetryNumber: retryNumber,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.repo.InsertAttempt(ctx, s.db, attempt); err != nil {
			return nil, err
		}
	}

	return &submission{payment: payment, attempt: attempt, account: account, amountCents: balance}, nil
}

// ensureNoInFlight rejects a new submission while the outcome of an
// earlier one is still ambiguous. PENDING and UNKNOWN purchases must
// resolve before the invoice can be charged again.
func (s *Service) ensureNoInFlight(ctx context.Context, payment *domain.Payment) error {
	txns, err := s.repo.ListTransactions(ctx, s.db, payment.ID)
	if err != nil {
		return err
	}
	for _, txn := range txns {
		if txn.Type != domain.TransactionTypePurchase {
			continue
		}
		if txn.Status == domain.TransactionStatusPending || txn.Status == domain.TransactionStatusUnknown {
			return domain.ErrPaymentInFlight
		}
	}
	attempts, err := s.repo.ListAttempts(ctx, s.db, payment.ID)
	if err != nil {
		return err
	}
	for _, attempt := range attempts {
		if attempt.State == domain.AttemptStateInit {
			return domain.ErrPaymentInFlight
		}
	}
	return nil
}

// submit calls the processor outside the account lock. A transport error
// leaves the outcome ambiguous, so it maps to UNKNOWN and the janitor
// settles it later.
func (s *Service) submit(ctx context.Context, sub *submission) domain.ProcessorResult {
	reference := sub.attempt.ID.String()
	result, err := s.processor.Submit(ctx, domain.SubmitRequest{
		AccountKey:  sub.account.ExternalKey,
		AmountCents: sub.amountCents,
		Currency:    sub.payment.Currency,
		Reference:   reference,
	})
	if err != nil {
		s.log.Warn("processor submission outcome unknown",
			zap.String("payment_id", sub.payment.ID.String()),
			zap.String("reference", reference),
			zap.Error(err))
		return domain.ProcessorResult{
			Status:              domain.TransactionStatusUnknown,
			PluginTransactionID: reference,
		}
	}
	if result.PluginTransactionID == "" {
		result.PluginTransactionID = reference
	}
	return result
}

// applyResult records the submission outcome under the account lock:
// the transaction row, the attempt transition, settlement bookkeeping on
// success and a scheduled retry on failure.
func (s *Service) applyResult(
	ctx context.Context,
	tx *gorm.DB,
	payment *domain.Payment,
	attempt *domain.PaymentAttempt,
	requestedCents int64,
	result domain.ProcessorResult,
) error {
	now := s.clock.Now()
	processed := int64(0)
	if result.Status == domain.TransactionStatusSuccess {
		processed = result.ProcessedCents
		if processed == 0 {
			processed = requestedCents
		}
	}
	currency := result.ProcessedCurrency
	if currency == "" {
		currency = payment.Currency
	}

	txn := &domain.PaymentTransaction{
		ID:                  s.genID.Generate(),
		PaymentID:           payment.ID,
		Type:                domain.TransactionTypePurchase,
		Status:              result.Status,
		RequestedCents:      requestedCents,
		ProcessedCents:      processed,
		ProcessedCurrency:   currency,
		PluginTransactionID: result.PluginTransactionID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
		return err
	}
	if err := s.repo.LinkAttemptTransaction(ctx, tx, attempt.ID, txn.ID, now); err != nil {
		return err
	}

	switch result.Status {
	case domain.TransactionStatusSuccess:
		if _, err := s.repo.UpdateAttemptState(ctx, tx, attempt.ID, domain.AttemptStateInit, domain.AttemptStateSuccess, now); err != nil {
			return err
		}
		return s.recordSettlement(ctx, tx, payment, txn)
	case domain.TransactionStatusFailed:
		return s.handleFailure(ctx, tx, payment, attempt, now)
	case domain.TransactionStatusPending, domain.TransactionStatusUnknown:
		// The attempt stays in flight until the notification callback or
		// the janitor settles the transaction.
		return nil
	default:
		return domain.ErrInvalidStatus
	}
}

// handleFailure moves the attempt to RETRIED and opens the next scheduled
// attempt, or aborts once the retry budget is exhausted.
func (s *Service) handleFailure(
	ctx context.Context,
	tx *gorm.DB,
	payment *domain.Payment,
	attempt *domain.PaymentAttempt,
	now time.Time,
) error {
	next := attempt.RetryNumber + 1
	if next > len(s.cfg.PaymentRetryDays) {
		if _, err := s.repo.UpdateAttemptState(ctx, tx, attempt.ID, domain.AttemptStateInit, domain.AttemptStateAborted, now); err != nil {
			return err
		}
		s.log.Warn("payment retries exhausted",
			zap.String("payment_id", payment.ID.String()),
			zap.Int("attempts", attempt.RetryNumber+1))
		return s.auditSvc.Record(ctx, &payment.AccountID, auditdomain.ActorTypeSystem,
			"payment.aborted", "payment", strPtr(payment.ID.String()),
			map[string]any{"retry_number": attempt.RetryNumber})
	}

	if _, err := s.repo.UpdateAttemptState(ctx, tx, attempt.ID, domain.AttemptStateInit, domain.AttemptStateRetried, now); err != nil {
		return err
	}
	return s.scheduleRetry(ctx, tx, payment, next, now)
}

func (s *Service) scheduleRetry(ctx context.Context, tx *gorm.DB, payment *domain.Payment, retryNumber int, now time.Time) error {
	days := 1
	if len(s.cfg.PaymentRetryDays) > 0 {
		idx := retryNumber - 1
		if idx >= len(s.cfg.PaymentRetryDays) {
			idx = len(s.cfg.PaymentRetryDays) - 1
		}
		days = s.cfg.PaymentRetryDays[idx]
	}
	due := now.AddDate(0, 0, days)

	scheduled := &domain.PaymentAttempt{
		ID:          s.genID.Generate(),
		PaymentID:   payment.ID,
		State:       domain.AttemptStateScheduled,
		RetryNumber: retryNumber,
		ScheduledAt: &due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.InsertAttempt(ctx, tx, scheduled); err != nil {
		return err
	}

	_, err := s.queue.ScheduleTx(ctx, tx, notification.ScheduleRequest{
		AccountID:     payment.AccountID,
		Tag:           notification.TagPaymentRetry,
		EffectiveDate: due,
		Payload: map[string]any{
			"payment_id":   payment.ID.String(),
			"retry_number": retryNumber,
		},
		DedupeKey: fmt.Sprintf("payment:%s:retry:%d", payment.ID, retryNumber),
	})
	if err != nil && !errors.Is(err, notification.ErrDuplicateNotification) {
		return err
	}
	s.log.Info("payment retry scheduled",
		zap.String("payment_id", payment.ID.String()),
		zap.Int("retry_number", retryNumber),
		zap.Time("due", due))
	return nil
}

// recordSettlement writes the invoice_payments linkage for a confirmed
// movement, signed the same way the transaction contributes to the
// processed total, and queues a credit rebalance for the account: the
// paid amount just moved, so any credit spent while this transaction was
// in flight has to be re-checked against the new balance.
func (s *Service) recordSettlement(ctx context.Context, tx *gorm.DB, payment *domain.Payment, txn *domain.PaymentTransaction) error {
	amount := txn.ProcessedCents
	switch txn.Type {
	case domain.TransactionTypeRefund, domain.TransactionTypeChargeback:
		amount = -amount
	}
	now := s.clock.Now()
	link := &domain.InvoicePayment{
		ID:            s.genID.Generate(),
		InvoiceID:     payment.InvoiceID,
		PaymentID:     payment.ID,
		TransactionID: txn.ID,
		Type:          txn.Type,
		AmountCents:   amount,
		Currency:      payment.Currency,
		CreatedAt:     now,
	}
	if err := s.repo.InsertInvoicePayment(ctx, tx, link); err != nil {
		return err
	}
	_, err := s.queue.ScheduleTx(ctx, tx, notification.ScheduleRequest{
		AccountID:     payment.AccountID,
		Tag:           notification.TagCreditRebalance,
		EffectiveDate: now,
		Payload: map[string]any{
			"account_id": payment.AccountID.String(),
		},
		DedupeKey: fmt.Sprintf("rebalance:%s", txn.ID),
	})
	if err != nil && !errors.Is(err, notification.ErrDuplicateNotification) {
		return err
	}
	return nil
}

func (s *Service) ProcessRetry(ctx context.Context, paymentID snowflake.ID, retryNumber int) error {
	payment, err := s.repo.FindPayment(ctx, s.db, paymentID)
	if err != nil {
		return err
	}
	if payment == nil {
		return domain.ErrPaymentNotFound
	}

	var sub *submission
	err = s.locker.Do(payment.AccountID, func() error {
		attempts, err := s.repo.ListAttempts(ctx, s.db, paymentID)
		if err != nil {
			return err
		}
		var scheduled *domain.PaymentAttempt
		for i := range attempts {
			if attempts[i].RetryNumber == retryNumber && attempts[i].State == domain.AttemptStateScheduled {
				scheduled = &attempts[i]
				break
			}
		}
		if scheduled == nil {
			// Redelivered timer for an attempt that already ran, or a
			// retry that was never scheduled.
			return nil
		}
		prepared, err := s.prepareSubmission(ctx, payment.AccountID, payment.InvoiceID, retryNumber, scheduled)
		if err != nil {
			return err
		}
		sub = prepared
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrNothingToPay) {
			return nil
		}
		return err
	}
	if sub == nil {
		return nil
	}

	result := s.submit(ctx, sub)

	return s.locker.Do(payment.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.applyResult(ctx, tx, sub.payment, sub.attempt, sub.amountCents, result)
		})
	})
}

func (s *Service) NotifyPendingTransactionOfStateChanged(ctx context.Context, transactionID snowflake.ID, success bool) error {
	txn, err := s.repo.FindTransaction(ctx, s.db, transactionID)
	if err != nil {
		return err
	}
	if txn == nil {
		return domain.ErrTransactionNotFound
	}
	if txn.Status != domain.TransactionStatusPending {
		if txn.Status == domain.TransactionStatusUnknown {
			return domain.ErrTransactionNotPending
		}
		return domain.ErrAlreadyResolved
	}
	payment, err := s.repo.FindPayment(ctx, s.db, txn.PaymentID)
	if err != nil {
		return err
	}
	if payment == nil {
		return domain.ErrPaymentNotFound
	}

	return s.locker.Do(payment.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.resolvePending(ctx, tx, payment, txn, success)
		})
	})
}

// resolvePending settles a PENDING transaction from the processor's
// out-of-band notification. The conditional status update is the
// idempotence gate; a second resolution fails with ErrAlreadyResolved.
//
// The resolution is terminal. A failure confirmed here never enters the
// automatic retry path; the attempt aborts instead.
func (s *Service) resolvePending(
	ctx context.Context,
	tx *gorm.DB,
	payment *domain.Payment,
	txn *domain.PaymentTransaction,
	success bool,
) error {
	now := s.clock.Now()
	to := domain.TransactionStatusFailed
	processed := int64(0)
	if success {
		to = domain.TransactionStatusSuccess
		processed = txn.RequestedCents
	}

	moved, err := s.repo.ResolveTransactionStatus(ctx, tx, txn.ID, domain.TransactionStatusPending, to, processed, now)
	if err != nil {
		return err
	}
	if !moved {
		return domain.ErrAlreadyResolved
	}
	txn.Status = to
	txn.ProcessedCents = processed

	attempt, err := s.attemptForTransaction(ctx, tx, payment.ID, txn.ID)
	if err != nil {
		return err
	}
	if attempt != nil {
		final := domain.AttemptStateAborted
		if success {
			final = domain.AttemptStateSuccess
		}
		if _, err := s.repo.UpdateAttemptState(ctx, tx, attempt.ID, attempt.State, final, now); err != nil {
			return err
		}
	}

	if success {
		if err := s.recordSettlement(ctx, tx, payment, txn); err != nil {
			return err
		}
	}

	s.log.Info("pending transaction resolved",
		zap.String("payment_id", payment.ID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.String("status", string(to)))
	return s.auditSvc.Record(ctx, &payment.AccountID, auditdomain.ActorTypeSystem,
		"payment.transaction_resolved", "payment_transaction", strPtr(txn.ID.String()),
		map[string]any{"status": string(to), "processed_cents": processed})
}

func (s *Service) attemptForTransaction(ctx context.Context, db *gorm.DB, paymentID, transactionID snowflake.ID) (*domain.PaymentAttempt, error) {
	attempts, err := s.repo.ListAttempts(ctx, db, paymentID)
	if err != nil {
		return nil, err
	}
	for i := range attempts {
		if attempts[i].TransactionID != nil && *attempts[i].TransactionID == transactionID {
			return &attempts[i], nil
		}
	}
	return nil, nil
}

func (s *Service) ResolveStaleTransaction(ctx context.Context, transactionID snowflake.ID) (bool, error) {
	txn, err := s.repo.FindTransaction(ctx, s.db, transactionID)
	if err != nil {
		return false, err
	}
	if txn == nil {
		return false, domain.ErrTransactionNotFound
	}
	if txn.Status != domain.TransactionStatusPending && txn.Status != domain.TransactionStatusUnknown {
		return false, nil
	}
	payment, err := s.repo.FindPayment(ctx, s.db, txn.PaymentID)
	if err != nil {
		return false, err
	}
	if payment == nil {
		return false, domain.ErrPaymentNotFound
	}

	// Ground truth lookup happens outside the lock; only the state
	// application is serialized.
	result, err := s.processor.Query(ctx, txn.PluginTransactionID)
	if err != nil {
		return false, err
	}
	if result.Status != domain.TransactionStatusSuccess && result.Status != domain.TransactionStatusFailed {
		return false, nil
	}
	success := result.Status == domain.TransactionStatusSuccess
	processed := result.ProcessedCents
	if success && processed == 0 {
		processed = txn.RequestedCents
	}

	err = s.locker.Do(payment.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.resolveFromProcessor(ctx, tx, payment, txn, txn.Status, success, processed)
		})
	})
	if errors.Is(err, domain.ErrAlreadyResolved) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// errAdoptionLost aborts an adoption transaction when the original
// submission's bookkeeping won the race after all.
var errAdoptionLost = errors.New("adoption_lost")

// AdoptOrphanedAttempt repairs the bookkeeping gap left by a crash
// between submission and result recording: the attempt sits in INIT with
// no transaction row, blocking the invoice forever while nothing exists
// for the janitor to sweep. Adoption writes the UNKNOWN purchase the
// crashed process never recorded, under the attempt's submission
// reference, and hands it to the normal resolution path.
func (s *Service) AdoptOrphanedAttempt(ctx context.Context, attemptID snowflake.ID) (snowflake.ID, error) {
	attempt, err := s.repo.FindAttempt(ctx, s.db, attemptID)
	if err != nil {
		return 0, err
	}
	if attempt == nil {
		return 0, domain.ErrAttemptNotFound
	}
	if attempt.State != domain.AttemptStateInit || attempt.TransactionID != nil {
		return 0, nil
	}
	payment, err := s.repo.FindPayment(ctx, s.db, attempt.PaymentID)
	if err != nil {
		return 0, err
	}
	if payment == nil {
		return 0, domain.ErrPaymentNotFound
	}

	var adopted snowflake.ID
	err = s.locker.Do(payment.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			// The crashed submission charged the balance it saw; the
			// current open balance is the closest available stand-in.
			requested, err := s.invoiceBalance(ctx, tx, payment.InvoiceID)
			if err != nil {
				return err
			}
			if requested < 0 {
				requested = 0
			}
			txn := &domain.PaymentTransaction{
				ID:                  s.genID.Generate(),
				PaymentID:           payment.ID,
				Type:                domain.TransactionTypePurchase,
				Status:              domain.TransactionStatusUnknown,
				RequestedCents:      requested,
				PluginTransactionID: attempt.ID.String(),
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
				return err
			}
			claimed, err := s.repo.ClaimAttemptTransaction(ctx, tx, attempt.ID, txn.ID, now)
			if err != nil {
				return err
			}
			if !claimed {
				return errAdoptionLost
			}
			adopted = txn.ID
			return s.auditSvc.Record(ctx, &payment.AccountID, auditdomain.ActorTypeSystem,
				"payment.attempt_adopted", "payment_attempt", strPtr(attempt.ID.String()),
				map[string]any{"transaction_id": txn.ID.String()})
		})
	})
	if errors.Is(err, errAdoptionLost) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.log.Info("orphaned attempt adopted",
		zap.String("payment_id", payment.ID.String()),
		zap.String("attempt_id", attempt.ID.String()),
		zap.String("transaction_id", adopted.String()))
	return adopted, nil
}

// resolveFromProcessor applies a processor-confirmed outcome the same way
// a live transition would, including opening a retry after a confirmed
// failure. While ambiguous the transaction was never retried; a confirmed
// failure re-enters the normal retry path.
func (s *Service) resolveFromProcessor(
	ctx context.Context,
	tx *gorm.DB,
	payment *domain.Payment,
	txn *domain.PaymentTransaction,
	from domain.TransactionStatus,
	success bool,
	processedCents int64,
) error {
	now := s.clock.Now()
	to := domain.TransactionStatusFailed
	if success {
		to = domain.TransactionStatusSuccess
	} else {
		processedCents = 0
	}
	moved, err := s.repo.ResolveTransactionStatus(ctx, tx, txn.ID, from, to, processedCents, now)
	if err != nil {
		return err
	}
	if !moved {
		return domain.ErrAlreadyResolved
	}
	txn.Status = to
	txn.ProcessedCents = processedCents

	attempt, err := s.attemptForTransaction(ctx, tx, payment.ID, txn.ID)
	if err != nil {
		return err
	}

	if success {
		if attempt != nil {
			if _, err := s.repo.UpdateAttemptState(ctx, tx, attempt.ID, attempt.State, domain.AttemptStateSuccess, now); err != nil {
				return err
			}
		}
		if err := s.recordSettlement(ctx, tx, payment, txn); err != nil {
			return err
		}
	} else if attempt != nil {
		if err := s.handleFailure(ctx, tx, payment, attempt, now); err != nil {
			return err
		}
	}

	s.log.Info("stale transaction settled from processor state",
		zap.String("payment_id", payment.ID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return s.auditSvc.Record(ctx, &payment.AccountID, auditdomain.ActorTypeSystem,
		"payment.janitor_resolved", "payment_transaction", strPtr(txn.ID.String()),
		map[string]any{"from": string(from), "to": string(to), "processed_cents": processedCents})
}

func (s *Service) FixTransactionState(ctx context.Context, paymentID, transactionID snowflake.ID, newStatus domain.TransactionStatus, retry bool) error {
	if newStatus != domain.TransactionStatusSuccess && newStatus != domain.TransactionStatusFailed {
		return domain.ErrInvalidStatus
	}
	payment, err := s.repo.FindPayment(ctx, s.db, paymentID)
	if err != nil {
		return err
	}
	if payment == nil {
		return domain.ErrPaymentNotFound
	}
	txn, err := s.repo.FindTransaction(ctx, s.db, transactionID)
	if err != nil {
		return err
	}
	if txn == nil || txn.PaymentID != paymentID {
		return domain.ErrTransactionNotFound
	}
	if txn.Status == newStatus {
		return domain.ErrAlreadyResolved
	}

	return s.locker.Do(payment.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := s.clock.Now()
			processed := int64(0)
			if newStatus == domain.TransactionStatusSuccess {
				processed = txn.RequestedCents
			}
			moved, err := s.repo.ResolveTransactionStatus(ctx, tx, txn.ID, txn.Status, newStatus, processed, now)
			if err != nil {
				return err
			}
			if !moved {
				return domain.ErrAlreadyResolved
			}
			prior := txn.Status
			txn.Status = newStatus
			txn.ProcessedCents = processed

			// The override appends a new attempt; history stays untouched.
			attempts, err := s.repo.ListAttempts(ctx, tx, paymentID)
			if err != nil {
				return err
			}
			nextRetry := 0
			for _, a := range attempts {
				if a.RetryNumber >= nextRetry {
					nextRetry = a.RetryNumber + 1
				}
			}
			state := domain.AttemptStateAborted
			if newStatus == domain.TransactionStatusSuccess {
				state = domain.AttemptStateSuccess
			}
			fixAttempt := &domain.PaymentAttempt{
				ID:            s.genID.Generate(),
				PaymentID:     paymentID,
				TransactionID: &txn.ID,
				State:         state,
				RetryNumber:   nextRetry,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := s.repo.InsertAttempt(ctx, tx, fixAttempt); err != nil {
				return err
			}

			if newStatus == domain.TransactionStatusSuccess {
				if err := s.recordSettlement(ctx, tx, payment, txn); err != nil {
					return err
				}
			}
			if retry && newStatus == domain.TransactionStatusFailed {
				if err := s.scheduleRetry(ctx, tx, payment, nextRetry+1, now); err != nil {
					return err
				}
			}

			s.log.Warn("transaction state fixed by operator",
				zap.String("payment_id", paymentID.String()),
				zap.String("transaction_id", txn.ID.String()),
				zap.String("from", string(prior)),
				zap.String("to", string(newStatus)))
			return s.auditSvc.Record(ctx, &payment.AccountID, auditdomain.ActorTypeAdmin,
				"payment.transaction_fixed", "payment_transaction", strPtr(txn.ID.String()),
				map[string]any{"from": string(prior), "to": string(newStatus), "retry": retry})
		})
	})
}

func (s *Service) Chargeback(ctx context.Context, paymentID snowflake.ID, amountCents int64) (*domain.PaymentTransaction, error) {
	if amountCents <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	payment, err := s.repo.FindPayment(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}

	var out *domain.PaymentTransaction
	err = s.locker.Do(payment.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			txns, err := s.repo.ListTransactions(ctx, tx, paymentID)
			if err != nil {
				return err
			}
			target := chargeablePurchase(txns, amountCents)
			if target == nil {
				return domain.ErrNoChargeableSuccess
			}

			now := s.clock.Now()
			cb := &domain.PaymentTransaction{
				ID:                  s.genID.Generate(),
				PaymentID:           paymentID,
				Type:                domain.TransactionTypeChargeback,
				Status:              domain.TransactionStatusSuccess,
				RequestedCents:      amountCents,
				ProcessedCents:      amountCents,
				ProcessedCurrency:   payment.Currency,
				LinkedTransactionID: &target.ID,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, cb); err != nil {
				return err
			}
			if err := s.recordSettlement(ctx, tx, payment, cb); err != nil {
				return err
			}
			out = cb

			s.log.Info("chargeback recorded",
				zap.String("payment_id", paymentID.String()),
				zap.Int64("amount_cents", amountCents))
			return s.auditSvc.Record(ctx, &payment.AccountID, auditdomain.ActorTypeSystem,
				"payment.chargeback", "payment", strPtr(paymentID.String()),
				map[string]any{"amount_cents": amountCents})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// chargeablePurchase picks the successful purchase whose remaining
// settled amount covers the chargeback: processed amount minus prior
// chargebacks that were not reversed.
func chargeablePurchase(txns []domain.PaymentTransaction, amountCents int64) *domain.PaymentTransaction {
	outstanding := map[snowflake.ID]int64{}
	for _, txn := range txns {
		if txn.Status != domain.TransactionStatusSuccess || txn.LinkedTransactionID == nil {
			continue
		}
		switch txn.Type {
		case domain.TransactionTypeChargeback:
			outstanding[*txn.LinkedTransactionID] += txn.ProcessedCents
		case domain.TransactionTypeChargebackReversal:
			// Reversals link to the chargeback, which links to the purchase.
			for _, cb := range txns {
				if cb.ID == *txn.LinkedTransactionID && cb.LinkedTransactionID != nil {
					outstanding[*cb.LinkedTransactionID] -= txn.ProcessedCents
				}
			}
		}
	}
	for i := range txns {
		txn := &txns[i]
		if txn.Type != domain.TransactionTypePurchase || txn.Status != domain.TransactionStatusSuccess {
			continue
		}
		if txn.ProcessedCents-outstanding[txn.ID] >= amountCents {
			return txn
		}
	}
	return nil
}

func (s *Service) ChargebackReversal(ctx context.Context, paymentID, chargebackID snowflake.ID) (*domain.PaymentTransaction, error) {
	payment, err := s.repo.FindPayment(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}

	var out *domain.PaymentTransaction
	err = s.locker.Do(payment.AccountID, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			txns, err := s.repo.ListTransactions(ctx, tx, paymentID)
			if err != nil {
				return err
			}
			var chargeback *domain.PaymentTransaction
			for i := range txns {
				t := &txns[i]
				if t.ID == chargebackID && t.Type == domain.TransactionTypeChargeback && t.Status == domain.TransactionStatusSuccess {
					chargeback = t
					break
				}
			}
			if chargeback == nil {
				return domain.ErrChargebackNotFound
			}
			for _, t := range txns {
				if t.Type == domain.TransactionTypeChargebackReversal &&
					t.LinkedTransactionID != nil && *t.LinkedTransactionID == chargebackID {
					return domain.ErrAlreadyResolved
				}
			}

			now := s.clock.Now()
			rev := &domain.PaymentTransaction{
				ID:                  s.genID.Generate(),
				PaymentID:           paymentID,
				Type:                domain.TransactionTypeChargebackReversal,
				Status:              domain.TransactionStatusSuccess,
				RequestedCents:      chargeback.ProcessedCents,
				ProcessedCents:      chargeback.ProcessedCents,
				ProcessedCurrency:   payment.Currency,
				LinkedTransactionID: &chargeback.ID,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			if err := s.repo.InsertTransaction(ctx, tx, rev); err != nil {
				return err
			}
			if err := s.recordSettlement(ctx, tx, payment, rev); err != nil {
				return err
			}
			out = rev
			return s.auditSvc.Record(ctx, &payment.AccountID, auditdomain.ActorTypeSystem,
				"payment.chargeback_reversed", "payment", strPtr(paymentID.String()),
				map[string]any{"chargeback_id": chargeback.ID.String()})
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetPayment(ctx context.Context, paymentID snowflake.ID) (*domain.Payment, error) {
	payment, err := s.repo.FindPayment(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	payment.Transactions, err = s.repo.ListTransactions(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	payment.Attempts, err = s.repo.ListAttempts(ctx, s.db, paymentID)
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) invoiceBalance(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (int64, error) {
	items, err := s.invoiceRepo.ListItemsByInvoice(ctx, db, invoiceID)
	if err != nil {
		return 0, err
	}
	paid, err := s.invoiceRepo.PaidCents(ctx, db, invoiceID)
	if err != nil {
		return 0, err
	}
	return invoicedomain.BalanceCents(items, paid), nil
}

func strPtr(s string) *string { return &s }
