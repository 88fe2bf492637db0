package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fundihub/escrow-api/internal/gateway"
	"github.com/fundihub/escrow-api/internal/models"
	"github.com/fundihub/escrow-api/internal/realtime"
	"github.com/fundihub/escrow-api/internal/services/wallet"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrNotFound signals an unknown payment, job or correlation id.
	ErrNotFound = errors.New("payment not found")
	// ErrInvalidTransition rejects a genuinely illegal request, e.g.
	// releasing a payment that was never held.
	ErrInvalidTransition = errors.New("invalid payment transition")
	// ErrAlreadyInState reports an idempotent no-op: the payment already
	// passed through the requested transition. Callers treat it as success.
	ErrAlreadyInState = errors.New("payment already in requested state")
	// ErrAlreadyPaid blocks a re-initiation once money may have moved or a
	// push attempt is still live, to avoid double-charging the client.
	ErrAlreadyPaid = errors.New("payment already made for this job")
)

// pushRetryAfter is how long an unconfirmed push attempt owns the payment.
// Until it expires, a new Initiate for the same job is refused; the earlier
// push may still be in flight and must not be doubled.
const pushRetryAfter = 3 * time.Minute

// Service drives the escrow payment lifecycle:
//
//	pending -> processing -> held -> released
//	                  \-> failed      \-> refunded
//
// Every transition is an atomic check-and-set against the expected prior
// status, which makes the whole machine idempotent under retries and
// duplicate callback delivery.
type Service struct {
	DB       *gorm.DB
	Gateways *gateway.Registry
	Wallets  *wallet.Service
	Events   *realtime.Publisher
}

func NewService(db *gorm.DB, gateways *gateway.Registry, wallets *wallet.Service, events *realtime.Publisher) *Service {
	return &Service{DB: db, Gateways: gateways, Wallets: wallets, Events: events}
}

// InitiateParams describes one client payment attempt. RateBps is the
// commission rate in basis points, resolved by the caller and frozen on the
// payment record; it is never read from configuration again.
type InitiateParams struct {
	JobID        uuid.UUID
	ClientID     uuid.UUID
	TechnicianID uuid.UUID
	Amount       int64 // gross, cents
	RateBps      int64
	PhoneNumber  string
	Method       string
}

// Initiate creates (or resumes) the job's escrow payment and asks the
// gateway to collect the money. On gateway rejection the payment moves to
// failed; on a timeout it stays processing and gateway.ErrTimeout is
// returned so the caller can await the callback or a reconciliation pass.
func (s *Service) Initiate(ctx context.Context, p InitiateParams) (*models.EscrowPayment, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransition)
	}
	// The gateway collects whole shillings; a fractional amount would make
	// the ledger and the collected money disagree.
	if p.Amount%100 != 0 {
		return nil, fmt.Errorf("%w: amount must be in whole shillings", ErrInvalidTransition)
	}
	if p.RateBps < 0 || p.RateBps >= 10000 {
		return nil, fmt.Errorf("%w: commission rate out of range", ErrInvalidTransition)
	}
	gw, err := s.Gateways.For(p.Method)
	if err != nil {
		return nil, err
	}

	fee := p.Amount * p.RateBps / 10000
	pay := models.EscrowPayment{
		JobID:             p.JobID,
		ClientID:          p.ClientID,
		TechnicianID:      p.TechnicianID,
		AmountPaid:        p.Amount,
		PlatformFee:       fee,
		TechnicianAmount:  p.Amount - fee,
		CommissionRateBps: p.RateBps,
		PaymentMethod:     p.Method,
		PhoneNumber:       p.PhoneNumber,
		Status:            models.EscrowStatusPending,
	}
	// One payment per job; a re-attempt resumes the existing record with
	// its already-frozen amounts.
	if err := s.DB.Where(models.EscrowPayment{JobID: p.JobID}).FirstOrCreate(&pay).Error; err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}

	switch pay.Status {
	case models.EscrowStatusHeld, models.EscrowStatusReleased, models.EscrowStatusRefunded:
		return &pay, ErrAlreadyPaid
	case models.EscrowStatusProcessing:
		if pay.CorrelationID != "" {
			// A push attempt is still live; resolving it is the job of
			// the callback or the reconciler, not a second charge.
			return &pay, ErrAlreadyPaid
		}
	}

	// Claim the payment for exactly one push attempt. A correlation-less
	// processing row can be re-claimed only once its previous attempt has
	// gone stale; until then the earlier push may still be in flight.
	now := time.Now()
	res := s.DB.Model(&models.EscrowPayment{}).
		Where("id = ? AND (status IN ? OR (status = ? AND correlation_id = '' AND (push_attempted_at IS NULL OR push_attempted_at < ?)))",
			pay.ID,
			[]models.EscrowStatus{models.EscrowStatusPending, models.EscrowStatusFailed},
			models.EscrowStatusProcessing,
			now.Add(-pushRetryAfter)).
		Updates(map[string]interface{}{
			"status":            models.EscrowStatusProcessing,
			"phone_number":      p.PhoneNumber,
			"failure_reason":    "",
			"push_attempted_at": now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("mark processing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &pay, ErrAlreadyPaid
	}
	pay.Status = models.EscrowStatusProcessing
	pay.PhoneNumber = p.PhoneNumber

	push, err := gw.InitiatePush(ctx, p.PhoneNumber, pay.AmountPaid, pay.PaymentRef,
		"FundiHub job payment "+pay.PaymentRef)
	switch {
	case err == nil:
		if err := s.DB.Model(&models.EscrowPayment{}).
			Where("id = ? AND status = ?", pay.ID, models.EscrowStatusProcessing).
			Update("correlation_id", push.CorrelationID).Error; err != nil {
			return nil, fmt.Errorf("store correlation id: %w", err)
		}
		pay.CorrelationID = push.CorrelationID
		return &pay, nil
	case errors.Is(err, gateway.ErrTimeout):
		// Ambiguous: the push may have reached the network. Stay in
		// processing; the callback or reconciler settles it.
		slog.Warn("escrow: push timed out, awaiting reconciliation",
			"payment_ref", pay.PaymentRef)
		return &pay, gateway.ErrTimeout
	default:
		// Definite rejection, no money moved.
		if uerr := s.DB.Model(&models.EscrowPayment{}).
			Where("id = ? AND status = ?", pay.ID, models.EscrowStatusProcessing).
			Updates(map[string]interface{}{
				"status":         models.EscrowStatusFailed,
				"failure_reason": err.Error(),
			}).Error; uerr != nil {
			slog.Error("escrow: record push rejection",
				"payment_ref", pay.PaymentRef, "error", uerr)
		}
		pay.Status = models.EscrowStatusFailed
		pay.FailureReason = err.Error()
		return &pay, err
	}
}

// byCallback resolves the payment a gateway notification refers to. The
// correlation id is authoritative, but a push whose initiation response was
// lost to a timeout never stored one; such payments are matched by the
// payment reference the callback URL carries.
func (s *Service) byCallback(correlationID, paymentRef string) (*models.EscrowPayment, error) {
	pay, err := s.ByCorrelationID(correlationID)
	if errors.Is(err, ErrNotFound) && paymentRef != "" {
		return s.ByRef(paymentRef)
	}
	return pay, err
}

// MarkHeld confirms the collection: processing -> held. The money is now in
// platform custody; no wallet is credited until release. The platform
// earning row is created idempotently alongside. A payment resolved through
// the paymentRef fallback adopts the callback's correlation id, so duplicate
// deliveries and status queries match it from then on.
func (s *Service) MarkHeld(ctx context.Context, correlationID, paymentRef, receiptID string) error {
	pay, err := s.byCallback(correlationID, paymentRef)
	if err != nil {
		return err
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		updates := map[string]interface{}{
			"status":     models.EscrowStatusHeld,
			"receipt_id": receiptID,
			"paid_at":    now,
		}
		if correlationID != "" {
			updates["correlation_id"] = correlationID
		}
		res := tx.Model(&models.EscrowPayment{}).
			Where("id = ? AND status = ?", pay.ID, models.EscrowStatusProcessing).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("mark held: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyInState
		}

		earning := models.PlatformEarning{
			EscrowPaymentID: pay.ID,
			Amount:          pay.PlatformFee,
		}
		if err := tx.Where(models.PlatformEarning{EscrowPaymentID: pay.ID}).
			FirstOrCreate(&earning).Error; err != nil {
			return fmt.Errorf("record platform earning: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.Events.Publish(ctx, realtime.EventPaymentHeld, pay.PaymentRef, map[string]interface{}{
		"job_id":     pay.JobID,
		"receipt_id": receiptID,
	})
	slog.Info("escrow: payment held", "payment_ref", pay.PaymentRef, "receipt_id", receiptID)
	return nil
}

// MarkFailed records a confirmed collection failure: processing -> failed.
// No wallet mutation; the client may re-attempt.
func (s *Service) MarkFailed(ctx context.Context, correlationID, paymentRef, reason string) error {
	pay, err := s.byCallback(correlationID, paymentRef)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"status":         models.EscrowStatusFailed,
		"failure_reason": reason,
	}
	if correlationID != "" {
		updates["correlation_id"] = correlationID
	}
	res := s.DB.Model(&models.EscrowPayment{}).
		Where("id = ? AND status = ?", pay.ID, models.EscrowStatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("mark failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyInState
	}

	s.Events.Publish(ctx, realtime.EventPaymentFailed, pay.PaymentRef, map[string]interface{}{
		"job_id": pay.JobID,
		"reason": reason,
	})
	slog.Info("escrow: payment failed", "payment_ref", pay.PaymentRef, "reason", reason)
	return nil
}

// Release credits the technician with the frozen split and flips the
// payment to released, both inside one DB transaction. Only a payment that
// is exactly held can be released; a repeat call is a no-op that produces no
// second credit.
func (s *Service) Release(ctx context.Context, jobID uuid.UUID) (*models.EscrowPayment, error) {
	pay, err := s.ByJob(jobID)
	if err != nil {
		return nil, err
	}

	switch pay.Status {
	case models.EscrowStatusHeld:
	case models.EscrowStatusReleased:
		return pay, ErrAlreadyInState
	default:
		return pay, fmt.Errorf("%w: cannot release payment in status %s", ErrInvalidTransition, pay.Status)
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&models.EscrowPayment{}).
			Where("id = ? AND status = ?", pay.ID, models.EscrowStatusHeld).
			Updates(map[string]interface{}{
				"status":      models.EscrowStatusReleased,
				"released_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("mark released: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyInState
		}

		// If this credit fails the whole transaction rolls back and the
		// payment stays held, so the release can be retried safely.
		_, err := s.Wallets.Credit(tx, pay.TechnicianID, pay.TechnicianAmount,
			models.TrxEarning, pay.PaymentRef, datatypes.JSONMap{
				"job_id":       pay.JobID.String(),
				"amount_paid":  pay.AmountPaid,
				"platform_fee": pay.PlatformFee,
			})
		if err != nil {
			return fmt.Errorf("credit technician: %w", err)
		}
		return nil
	})
	if err != nil {
		return pay, err
	}

	s.Events.Publish(ctx, realtime.EventPaymentReleased, pay.PaymentRef, map[string]interface{}{
		"job_id":            pay.JobID,
		"technician_amount": pay.TechnicianAmount,
	})
	slog.Info("escrow: payment released",
		"payment_ref", pay.PaymentRef, "technician_amount", pay.TechnicianAmount)
	return s.ByJob(jobID)
}

// Refund is the administrative cancellation path: held -> refunded, with
// the full gross amount credited back to the client's wallet.
func (s *Service) Refund(ctx context.Context, jobID uuid.UUID) (*models.EscrowPayment, error) {
	pay, err := s.ByJob(jobID)
	if err != nil {
		return nil, err
	}

	switch pay.Status {
	case models.EscrowStatusHeld:
	case models.EscrowStatusRefunded:
		return pay, ErrAlreadyInState
	default:
		return pay, fmt.Errorf("%w: cannot refund payment in status %s", ErrInvalidTransition, pay.Status)
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.EscrowPayment{}).
			Where("id = ? AND status = ?", pay.ID, models.EscrowStatusHeld).
			Update("status", models.EscrowStatusRefunded)
		if res.Error != nil {
			return fmt.Errorf("mark refunded: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyInState
		}

		_, err := s.Wallets.Credit(tx, pay.ClientID, pay.AmountPaid,
			models.TrxRefund, pay.PaymentRef, datatypes.JSONMap{
				"job_id": pay.JobID.String(),
			})
		if err != nil {
			return fmt.Errorf("credit client: %w", err)
		}
		return nil
	})
	if err != nil {
		return pay, err
	}

	s.Events.Publish(ctx, realtime.EventPaymentRefunded, pay.PaymentRef, map[string]interface{}{
		"job_id": pay.JobID,
		"amount": pay.AmountPaid,
	})
	return s.ByJob(jobID)
}

// CheckStatus returns the current snapshot, first resolving a processing
// payment against the gateway when a correlation id is available.
func (s *Service) CheckStatus(ctx context.Context, paymentRef string) (*models.EscrowPayment, error) {
	pay, err := s.ByRef(paymentRef)
	if err != nil {
		return nil, err
	}
	if pay.Status != models.EscrowStatusProcessing || pay.CorrelationID == "" {
		return pay, nil
	}

	gw, err := s.Gateways.For(pay.PaymentMethod)
	if err != nil {
		return pay, nil
	}
	st, err := gw.QueryStatus(ctx, pay.CorrelationID)
	if err != nil {
		slog.Warn("escrow: status query failed", "payment_ref", pay.PaymentRef, "error", err)
		return pay, nil
	}

	switch st.State {
	case gateway.StateSucceeded:
		if err := s.MarkHeld(ctx, pay.CorrelationID, pay.PaymentRef, st.ReceiptID); err != nil && !errors.Is(err, ErrAlreadyInState) {
			return pay, err
		}
	case gateway.StateFailed:
		if err := s.MarkFailed(ctx, pay.CorrelationID, pay.PaymentRef, st.Reason); err != nil && !errors.Is(err, ErrAlreadyInState) {
			return pay, err
		}
	}
	return s.ByRef(paymentRef)
}

func (s *Service) ByRef(paymentRef string) (*models.EscrowPayment, error) {
	var pay models.EscrowPayment
	if err := s.DB.First(&pay, "payment_ref = ?", paymentRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pay, nil
}

func (s *Service) ByJob(jobID uuid.UUID) (*models.EscrowPayment, error) {
	var pay models.EscrowPayment
	if err := s.DB.First(&pay, "job_id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pay, nil
}

func (s *Service) ByCorrelationID(correlationID string) (*models.EscrowPayment, error) {
	if correlationID == "" {
		return nil, ErrNotFound
	}
	var pay models.EscrowPayment
	if err := s.DB.First(&pay, "correlation_id = ?", correlationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &pay, nil
}

// ClientPayments lists the client's payment history, newest first.
func (s *Service) ClientPayments(clientID uuid.UUID) ([]models.EscrowPayment, error) {
	var pays []models.EscrowPayment
	err := s.DB.Where("client_id = ?", clientID).
		Order("created_at DESC").Find(&pays).Error
	return pays, err
}

// Earnings summarizes a technician's escrow payments: released amounts are
// earned, held amounts are pending release.
type Earnings struct {
	TotalEarned    int64                  `json:"total_earned"`
	PendingRelease int64                  `json:"pending_release"`
	Payments       []models.EscrowPayment `json:"payments"`
}

func (s *Service) TechnicianEarnings(technicianID uuid.UUID) (*Earnings, error) {
	var pays []models.EscrowPayment
	err := s.DB.Where("technician_id = ? AND status IN ?", technicianID,
		[]models.EscrowStatus{models.EscrowStatusHeld, models.EscrowStatusReleased}).
		Order("created_at DESC").Find(&pays).Error
	if err != nil {
		return nil, err
	}

	out := &Earnings{Payments: pays}
	for _, p := range pays {
		switch p.Status {
		case models.EscrowStatusReleased:
			out.TotalEarned += p.TechnicianAmount
		case models.EscrowStatusHeld:
			out.PendingRelease += p.TechnicianAmount
		}
	}
	return out, nil
}
