package handlers

import (
	"errors"
	"log/slog"

	"github.com/fundihub/escrow-api/internal/services/escrow"
	"github.com/fundihub/escrow-api/internal/services/payout"
	"github.com/gofiber/fiber/v2"
)

// CallbackHandler ingests the gateway's asynchronous notifications. Every
// endpoint acknowledges with a fixed body no matter what happens inside:
// the gateway retries unacknowledged callbacks indefinitely, so internal
// failures are logged and left to the reconciliation sweep instead of being
// surfaced. Duplicate deliveries are no-ops through the state machine's
// check-and-set transitions.
type CallbackHandler struct {
	Escrow  *escrow.Service
	Payouts *payout.Service
}

func NewCallbackHandler(escrowSvc *escrow.Service, payoutSvc *payout.Service) *CallbackHandler {
	return &CallbackHandler{Escrow: escrowSvc, Payouts: payoutSvc}
}

func ack(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"ResultCode": 0, "ResultDesc": "Accepted"})
}

type stkCallbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

type stkCallbackBody struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []stkCallbackItem `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// HandlePushCallback processes the collection confirmation for an escrow
// payment.
func (h *CallbackHandler) HandlePushCallback(c *fiber.Ctx) error {
	var payload stkCallbackBody
	if err := c.BodyParser(&payload); err != nil {
		slog.Warn("callback: invalid push payload", "error", err)
		return ack(c)
	}

	// The push request put our payment reference on the callback URL; it
	// is the fallback key for pushes whose initiation response was lost.
	ref := c.Query("ref")
	cb := payload.Body.StkCallback
	if cb.CheckoutRequestID == "" && ref == "" {
		slog.Warn("callback: push payload carries no correlation id or reference")
		return ack(c)
	}

	var err error
	if cb.ResultCode == 0 {
		err = h.Escrow.MarkHeld(c.Context(), cb.CheckoutRequestID, ref, receiptFromItems(cb.CallbackMetadata.Item))
	} else {
		err = h.Escrow.MarkFailed(c.Context(), cb.CheckoutRequestID, ref, cb.ResultDesc)
	}

	switch {
	case err == nil, errors.Is(err, escrow.ErrAlreadyInState):
		// Applied, or a duplicate delivery already applied earlier.
	case errors.Is(err, escrow.ErrNotFound):
		slog.Warn("callback: unknown payment correlation id", "correlation_id", cb.CheckoutRequestID)
	default:
		slog.Error("callback: push processing failed", "correlation_id", cb.CheckoutRequestID, "error", err)
	}
	return ack(c)
}

func receiptFromItems(items []stkCallbackItem) string {
	for _, item := range items {
		if item.Name == "MpesaReceiptNumber" {
			if s, ok := item.Value.(string); ok {
				return s
			}
		}
	}
	return ""
}

type b2cResultBody struct {
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		ConversationID           string `json:"ConversationID"`
		TransactionID            string `json:"TransactionID"`
	} `json:"Result"`
}

// HandlePayoutResult processes the outbound transfer outcome for a payout.
func (h *CallbackHandler) HandlePayoutResult(c *fiber.Ctx) error {
	var payload b2cResultBody
	if err := c.BodyParser(&payload); err != nil {
		slog.Warn("callback: invalid payout result payload", "error", err)
		return ack(c)
	}

	ref := c.Query("ref")
	res := payload.Result
	if res.ConversationID == "" && ref == "" {
		slog.Warn("callback: payout result carries no conversation id or reference")
		return ack(c)
	}

	err := h.Payouts.HandleResult(c.Context(), res.ConversationID, ref, res.ResultCode, res.TransactionID, res.ResultDesc)
	switch {
	case err == nil, errors.Is(err, payout.ErrAlreadyInState):
	case errors.Is(err, payout.ErrNotFound):
		slog.Warn("callback: unknown payout conversation id", "conversation_id", res.ConversationID)
	default:
		slog.Error("callback: payout result processing failed", "conversation_id", res.ConversationID, "error", err)
	}
	return ack(c)
}

// HandlePayoutTimeout records the gateway's queue-timeout notice.
func (h *CallbackHandler) HandlePayoutTimeout(c *fiber.Ctx) error {
	var payload b2cResultBody
	if err := c.BodyParser(&payload); err == nil {
		h.Payouts.HandleTimeout(payload.Result.ConversationID)
	}
	return ack(c)
}
