package handlers

import (
	"errors"

	"github.com/fundihub/escrow-api/internal/gateway"
	"github.com/fundihub/escrow-api/internal/services/escrow"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

type PaymentHandler struct {
	Escrow *escrow.Service

	// Commission rates (basis points) resolved here and frozen on the
	// payment; the technician account type comes from the accounts
	// service through the request.
	IndividualRateBps int64
	CompanyRateBps    int64
}

func NewPaymentHandler(escrowSvc *escrow.Service, individualBps, companyBps int64) *PaymentHandler {
	return &PaymentHandler{Escrow: escrowSvc, IndividualRateBps: individualBps, CompanyRateBps: companyBps}
}

type InitiatePaymentRequest struct {
	JobID             string `json:"job_id"`
	TechnicianID      string `json:"technician_id"`
	Amount            int64  `json:"amount"` // cents
	PhoneNumber       string `json:"phone_number"`
	PaymentMethod     string `json:"payment_method"`
	CompanyTechnician bool   `json:"company_technician"`
}

func (h *PaymentHandler) InitiatePayment(c *fiber.Ctx) error {
	clientID, err := userIDFromLocals(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
	}

	var req InitiatePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Invalid request"})
	}
	jobID, err := uuid.Parse(req.JobID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "job_id is required"})
	}
	technicianID, err := uuid.Parse(req.TechnicianID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "technician_id is required"})
	}
	if req.PhoneNumber == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Phone number is required"})
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = "mpesa"
	}

	rate := h.IndividualRateBps
	if req.CompanyTechnician {
		rate = h.CompanyRateBps
	}

	pay, err := h.Escrow.Initiate(c.Context(), escrow.InitiateParams{
		JobID:        jobID,
		ClientID:     clientID,
		TechnicianID: technicianID,
		Amount:       req.Amount,
		RateBps:      rate,
		PhoneNumber:  req.PhoneNumber,
		Method:       req.PaymentMethod,
	})
	switch {
	case err == nil:
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Payment request sent to your phone. Confirm to complete.",
			"data": fiber.Map{
				"payment_ref":       pay.PaymentRef,
				"amount":            pay.AmountPaid,
				"platform_fee":      pay.PlatformFee,
				"technician_amount": pay.TechnicianAmount,
			},
		})
	case errors.Is(err, gateway.ErrTimeout):
		// Nothing definite happened; the callback or reconciler settles it.
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"success": true,
			"message": "Payment confirmation pending. Check status shortly.",
			"data":    fiber.Map{"payment_ref": pay.PaymentRef},
		})
	case errors.Is(err, escrow.ErrAlreadyPaid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Payment already made for this job"})
	case errors.Is(err, escrow.ErrInvalidTransition):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": err.Error()})
	default:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"success": false, "message": "Payment gateway error: " + err.Error()})
	}
}

type PaymentStatusRequest struct {
	PaymentRef string `json:"payment_ref"`
}

func (h *PaymentHandler) CheckStatus(c *fiber.Ctx) error {
	var req PaymentStatusRequest
	if err := c.BodyParser(&req); err != nil || req.PaymentRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "payment_ref is required"})
	}

	pay, err := h.Escrow.CheckStatus(c.Context(), req.PaymentRef)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "Payment not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": err.Error()})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"payment_ref": pay.PaymentRef,
			"status":      pay.Status,
			"amount_paid": pay.AmountPaid,
			"receipt_id":  pay.ReceiptID,
			"paid_at":     pay.PaidAt,
		},
	})
}

type ReleasePaymentRequest struct {
	JobID string `json:"job_id"`
}

// ReleasePayment runs the held -> released transition after the job's
// completion approval. Releasing twice is a safe no-op.
func (h *PaymentHandler) ReleasePayment(c *fiber.Ctx) error {
	var req ReleasePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Invalid request"})
	}
	jobID, err := uuid.Parse(req.JobID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "job_id is required"})
	}

	pay, err := h.Escrow.Release(c.Context(), jobID)
	switch {
	case err == nil, errors.Is(err, escrow.ErrAlreadyInState):
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Payment released to technician",
			"data": fiber.Map{
				"payment_ref":       pay.PaymentRef,
				"technician_amount": pay.TechnicianAmount,
				"platform_fee":      pay.PlatformFee,
			},
		})
	case errors.Is(err, escrow.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "Payment not found"})
	case errors.Is(err, escrow.ErrInvalidTransition):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
}

// RefundPayment is the administrative cancellation path.
func (h *PaymentHandler) RefundPayment(c *fiber.Ctx) error {
	var req ReleasePaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "Invalid request"})
	}
	jobID, err := uuid.Parse(req.JobID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": "job_id is required"})
	}

	pay, err := h.Escrow.Refund(c.Context(), jobID)
	switch {
	case err == nil, errors.Is(err, escrow.ErrAlreadyInState):
		return c.JSON(fiber.Map{
			"success": true,
			"message": "Payment refunded to client",
			"data":    fiber.Map{"payment_ref": pay.PaymentRef, "amount": pay.AmountPaid},
		})
	case errors.Is(err, escrow.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "message": "Payment not found"})
	case errors.Is(err, escrow.ErrInvalidTransition):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "message": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
}

func (h *PaymentHandler) MyPayments(c *fiber.Ctx) error {
	clientID, err := userIDFromLocals(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
	}
	pays, err := h.Escrow.ClientPayments(clientID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "data": pays})
}

func (h *PaymentHandler) MyEarnings(c *fiber.Ctx) error {
	technicianID, err := userIDFromLocals(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
	}
	earnings, err := h.Escrow.TechnicianEarnings(technicianID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "data": earnings})
}

func userIDFromLocals(c *fiber.Ctx) (uuid.UUID, error) {
	raw, ok := c.Locals("userId").(string)
	if !ok {
		return uuid.Nil, fiber.ErrUnauthorized
	}
	return uuid.Parse(raw)
}
