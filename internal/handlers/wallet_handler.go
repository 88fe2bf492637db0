package handlers

import (
	"github.com/fundihub/escrow-api/internal/services/wallet"
	"github.com/gofiber/fiber/v2"
)

type WalletHandler struct {
	Wallets *wallet.Service
}

func NewWalletHandler(walletSvc *wallet.Service) *WalletHandler {
	return &WalletHandler{Wallets: walletSvc}
}

func (h *WalletHandler) GetBalance(c *fiber.Ctx) error {
	userID, err := userIDFromLocals(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
	}
	w, err := h.Wallets.Balance(userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"balance":      w.Balance,
			"held_balance": w.HeldBalance,
		},
	})
}

func (h *WalletHandler) GetTransactions(c *fiber.Ctx) error {
	userID, err := userIDFromLocals(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"success": false, "message": "Unauthorized"})
	}
	trxs, err := h.Wallets.Transactions(userID, c.QueryInt("limit", 50))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "message": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true, "data": trxs})
}
