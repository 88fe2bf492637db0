package handlers

import (
	"errors"
	"fmt"

	"github.com/fundihub/escrow-api/internal/gateway"
	"github.com/fundihub/escrow-api/internal/ledger"
	"github.com/fundihub/escrow-api/internal/services/payout"
	"github.com/gofiber/fiber/v2"
)

type PayoutHandler struct {
	Payouts *payout.Service
	Limiter *payout.RateLimiter
}

func NewPayoutHandler(payoutSvc *payout.Service, limiter *payout.RateLimiter) *PayoutHandler {
	return &PayoutHandler{Payouts: payoutSvc, Limiter: limiter}
}

type PayoutRequest struct {
	Amount      int64  `json:"amount"` // cents
	PhoneNumber string `json:"phone_number"`
	Method      string `json:"method"`
}

func (h *PayoutHandler) RequestPayout(c *fiber.Ctx) error {
	technicianID, err := userIDFromLocals(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
	}

	var req PayoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Invalid request"})
	}
	if req.Method == "" {
		req.Method = "mpesa"
	}
	if req.Method == "mpesa" && req.PhoneNumber == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Phone number required for M-Pesa"})
	}

	// Limiter outage fails open; the wallet debit still guards funds.
	allowed, retryAfter, _ := h.Limiter.Allow(c.Context(), technicianID.String())
	if !allowed {
		c.Set("Retry-After", fmt.Sprint(retryAfter))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"success": false, "message": "Too many payout requests, try again later"})
	}

	po, err := h.Payouts.Request(c.Context(), technicianID, req.Amount, req.PhoneNumber, req.Method)
	switch {
	case err == nil:
		msg := "Payout initiated. You will receive the money shortly."
		if po.Status == "pending" {
			msg = "Payout request submitted. Processed within 24-48 hours."
		}
		return c.JSON(fiber.Map{
			"success": true,
			"message": msg,
			"data":    fiber.Map{"payout_ref": po.PayoutRef, "amount": po.Amount, "status": po.Status},
		})
	case errors.Is(err, gateway.ErrTimeout):
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"success": true,
			"message": "Payout submitted, confirmation pending.",
			"data":    fiber.Map{"payout_ref": po.PayoutRef},
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Insufficient balance"})
	case errors.Is(err, payout.ErrBelowMinimum):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": err.Error()})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
}

func (h *PayoutHandler) MyPayouts(c *fiber.Ctx) error {
	technicianID, err := userIDFromLocals(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
	}
	pos, err := h.Payouts.TechnicianPayouts(technicianID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "data": pos})
}
