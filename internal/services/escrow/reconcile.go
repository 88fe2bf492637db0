package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fundihub/escrow-api/internal/gateway"
	"github.com/fundihub/escrow-api/internal/models"
)

const reconcileBatchLimit = 100

// ReconcileStuck resolves payments stuck in processing longer than
// olderThan by polling the gateway. Callback loss is expected under
// at-least-once delivery with an always-acknowledging receiver, so this
// sweep is the safety net that eventually settles every push.
func (s *Service) ReconcileStuck(ctx context.Context, olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	var stuck []models.EscrowPayment
	err := s.DB.
		Where("status = ? AND correlation_id <> '' AND updated_at < ?",
			models.EscrowStatusProcessing, cutoff).
		Order("updated_at ASC").Limit(reconcileBatchLimit).Find(&stuck).Error
	if err != nil {
		slog.Error("escrow reconcile: list stuck payments", "error", err)
		return 0
	}

	resolved := 0
	for _, pay := range stuck {
		gw, err := s.Gateways.For(pay.PaymentMethod)
		if err != nil {
			slog.Warn("escrow reconcile: no gateway for method",
				"payment_ref", pay.PaymentRef, "method", pay.PaymentMethod)
			continue
		}

		st, err := gw.QueryStatus(ctx, pay.CorrelationID)
		if err != nil {
			slog.Warn("escrow reconcile: status query failed",
				"payment_ref", pay.PaymentRef, "error", err)
			continue
		}

		switch st.State {
		case gateway.StateSucceeded:
			if err := s.MarkHeld(ctx, pay.CorrelationID, pay.PaymentRef, st.ReceiptID); err == nil || errors.Is(err, ErrAlreadyInState) {
				resolved++
			}
		case gateway.StateFailed:
			if err := s.MarkFailed(ctx, pay.CorrelationID, pay.PaymentRef, st.Reason); err == nil || errors.Is(err, ErrAlreadyInState) {
				resolved++
			}
		}
	}

	if resolved > 0 {
		slog.Info("escrow reconcile: settled stuck payments",
			"checked", len(stuck), "resolved", resolved)
	}
	return resolved
}

// RunReconciler sweeps on the given interval until the context is done.
func (s *Service) RunReconciler(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReconcileStuck(ctx, olderThan)
		}
	}
}
