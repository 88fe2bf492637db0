package payout

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
	// ErrBelowMinimum rejects withdrawal requests under the configured floor.
	ErrBelowMinimum = errors.New("payout below minimum amount")
	// ErrFractionalAmount rejects amounts the gateway cannot transfer
	// exactly; it moves whole shillings only.
	ErrFractionalAmount = errors.New("payout amount must be in whole shillings")
	// ErrNotFound signals an unknown payout reference or correlation id.
	ErrNotFound = errors.New("payout not found")
	// ErrAlreadyInState reports an idempotent no-op on duplicate callbacks.
	ErrAlreadyInState = errors.New("payout already in requested state")
)

// Service runs the withdrawal pipeline: pending -> processing -> completed,
// with failed reachable from both. The wallet debit happens before the
// gateway call, so two overlapping requests can never jointly overdraw the
// wallet; a failure after the debit is compensated with a refund credit,
// never by deleting the debit row.
type Service struct {
	DB        *gorm.DB
	Gateways  *gateway.Registry
	Wallets   *wallet.Service
	Events    *realtime.Publisher
	MinAmount int64 // cents
}

func NewService(db *gorm.DB, gateways *gateway.Registry, wallets *wallet.Service, events *realtime.Publisher, minAmount int64) *Service {
	return &Service{DB: db, Gateways: gateways, Wallets: wallets, Events: events, MinAmount: minAmount}
}

// Request debits the technician's wallet and initiates the outbound
// transfer. Non-M-Pesa methods stay pending for manual processing.
func (s *Service) Request(ctx context.Context, technicianID uuid.UUID, amount int64, destination, method string) (*models.Payout, error) {
	if amount < s.MinAmount {
		return nil, fmt.Errorf("%w: minimum is %d", ErrBelowMinimum, s.MinAmount)
	}
	if amount%100 != 0 {
		return nil, ErrFractionalAmount
	}

	po := &models.Payout{
		TechnicianID: technicianID,
		Amount:       amount,
		Method:       method,
		Destination:  destination,
		Status:       models.PayoutStatusPending,
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(po).Error; err != nil {
			return fmt.Errorf("create payout: %w", err)
		}
		// Debit first: a slow gateway call must not let a second request
		// spend the same balance.
		_, err := s.Wallets.Debit(tx, technicianID, amount, models.TrxPayout, po.PayoutRef,
			datatypes.JSONMap{"method": method})
		return err
	})
	if err != nil {
		return nil, err
	}

	if method != "mpesa" {
		// Bank transfers are settled manually by operations within 24-48h.
		return po, nil
	}

	gw, err := s.Gateways.For(method)
	if err != nil {
		if ferr := s.failFrom(ctx, po, models.PayoutStatusPending, err.Error()); ferr != nil && !errors.Is(ferr, ErrAlreadyInState) {
			return po, ferr
		}
		return po, err
	}

	res, err := gw.InitiatePayout(ctx, destination, amount, po.PayoutRef)
	switch {
	case err == nil:
		upd := s.DB.Model(&models.Payout{}).
			Where("id = ? AND status = ?", po.ID, models.PayoutStatusPending).
			Updates(map[string]interface{}{
				"status":         models.PayoutStatusProcessing,
				"correlation_id": res.CorrelationID,
			})
		if upd.Error != nil {
			return po, fmt.Errorf("mark processing: %w", upd.Error)
		}
		po.Status = models.PayoutStatusProcessing
		po.CorrelationID = res.CorrelationID
		return po, nil
	case errors.Is(err, gateway.ErrTimeout):
		// Ambiguous: the transfer may be in flight. Keep the debit and
		// leave the payout processing for manual or callback resolution.
		if uerr := s.DB.Model(&models.Payout{}).
			Where("id = ? AND status = ?", po.ID, models.PayoutStatusPending).
			Update("status", models.PayoutStatusProcessing).Error; uerr != nil {
			slog.Error("payout: record processing after timeout",
				"payout_ref", po.PayoutRef, "error", uerr)
		}
		po.Status = models.PayoutStatusProcessing
		slog.Warn("payout: initiation timed out, awaiting result callback",
			"payout_ref", po.PayoutRef)
		return po, gateway.ErrTimeout
	default:
		if ferr := s.failFrom(ctx, po, models.PayoutStatusPending, err.Error()); ferr != nil && !errors.Is(ferr, ErrAlreadyInState) {
			return po, ferr
		}
		return po, err
	}
}

// byCallback resolves the payout a gateway result refers to. The
// correlation id is authoritative; an initiation whose response was lost to
// a timeout never stored one, so fall back to the payout reference carried
// on the result URL.
func (s *Service) byCallback(correlationID, payoutRef string) (*models.Payout, error) {
	po, err := s.ByCorrelationID(correlationID)
	if errors.Is(err, ErrNotFound) && payoutRef != "" {
		return s.ByRef(payoutRef)
	}
	return po, err
}

// HandleResult applies the gateway's asynchronous outcome. Duplicate
// deliveries are no-ops; the failure path credits the compensating refund
// exactly once, inside the same transaction as the status flip. A payout
// resolved through the payoutRef fallback adopts the result's correlation
// id.
func (s *Service) HandleResult(ctx context.Context, correlationID, payoutRef string, resultCode int, externalTxID, resultDesc string) error {
	po, err := s.byCallback(correlationID, payoutRef)
	if err != nil {
		return err
	}

	if resultCode == 0 {
		now := time.Now()
		updates := map[string]interface{}{
			"status":         models.PayoutStatusCompleted,
			"external_tx_id": externalTxID,
			"completed_at":   now,
		}
		if correlationID != "" {
			updates["correlation_id"] = correlationID
		}
		res := s.DB.Model(&models.Payout{}).
			Where("id = ? AND status = ?", po.ID, models.PayoutStatusProcessing).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("mark completed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyInState
		}
		s.Events.Publish(ctx, realtime.EventPayoutCompleted, po.PayoutRef, map[string]interface{}{
			"technician_id": po.TechnicianID,
			"amount":        po.Amount,
		})
		slog.Info("payout: completed", "payout_ref", po.PayoutRef, "external_tx_id", externalTxID)
		return nil
	}

	return s.failFrom(ctx, po, models.PayoutStatusProcessing, resultDesc)
}

// HandleTimeout records the gateway's queue-timeout notification. The
// payout stays processing; the result callback or operations resolve it.
func (s *Service) HandleTimeout(correlationID string) {
	slog.Warn("payout: gateway queue timeout", "correlation_id", correlationID)
}

// TechnicianPayouts lists the technician's withdrawal history, newest first.
func (s *Service) TechnicianPayouts(technicianID uuid.UUID) ([]models.Payout, error) {
	var pos []models.Payout
	err := s.DB.Where("technician_id = ?", technicianID).
		Order("created_at DESC").Find(&pos).Error
	return pos, err
}

func (s *Service) ByRef(payoutRef string) (*models.Payout, error) {
	var po models.Payout
	if err := s.DB.First(&po, "payout_ref = ?", payoutRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &po, nil
}

func (s *Service) ByCorrelationID(correlationID string) (*models.Payout, error) {
	if correlationID == "" {
		return nil, ErrNotFound
	}
	var po models.Payout
	if err := s.DB.First(&po, "correlation_id = ?", correlationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &po, nil
}

// failFrom flips the payout to failed from the expected prior status and
// credits the compensating refund in the same transaction.
func (s *Service) failFrom(ctx context.Context, po *models.Payout, from models.PayoutStatus, reason string) error {
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Payout{}).
			Where("id = ? AND status = ?", po.ID, from).
			Updates(map[string]interface{}{
				"status":         models.PayoutStatusFailed,
				"failure_reason": reason,
			})
		if res.Error != nil {
			return fmt.Errorf("mark failed: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyInState
		}

		_, err := s.Wallets.Credit(tx, po.TechnicianID, po.Amount,
			models.TrxRefund, po.PayoutRef, datatypes.JSONMap{"reason": reason})
		if err != nil {
			return fmt.Errorf("compensating credit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	po.Status = models.PayoutStatusFailed
	po.FailureReason = reason
	s.Events.Publish(ctx, realtime.EventPayoutFailed, po.PayoutRef, map[string]interface{}{
		"technician_id": po.TechnicianID,
		"reason":        reason,
	})
	slog.Info("payout: failed and refunded", "payout_ref", po.PayoutRef, "reason", reason)
	return nil
}
