package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"

	"github.com/fundihub/escrow-api/internal/config"
	"github.com/fundihub/escrow-api/internal/db"
	"github.com/fundihub/escrow-api/internal/gateway"
	"github.com/fundihub/escrow-api/internal/gateway/mpesa"
	"github.com/fundihub/escrow-api/internal/handlers"
	"github.com/fundihub/escrow-api/internal/middleware"
	"github.com/fundihub/escrow-api/internal/models"
	"github.com/fundihub/escrow-api/internal/realtime"
	"github.com/fundihub/escrow-api/internal/services/escrow"
	"github.com/fundihub/escrow-api/internal/services/payout"
	"github.com/fundihub/escrow-api/internal/services/wallet"
)

func main() {
	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg := config.Load()
	gdb, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatal(err)
	}

	if err := gdb.AutoMigrate(
		&models.Wallet{},
		&models.Transaction{},
		&models.EscrowPayment{},
		&models.PlatformEarning{},
		&models.Payout{},
	); err != nil {
		log.Fatal(err)
	}

	rdb := realtime.NewRedis()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Warn("redis unavailable, events and rate limiting disabled", "error", err)
		rdb = nil
	}
	events := realtime.NewPublisher(rdb)

	gateways := gateway.NewRegistry()
	gateways.Register("mpesa", mpesa.New(mpesa.Config{
		BaseURL:           cfg.Mpesa.BaseURL,
		ConsumerKey:       cfg.Mpesa.ConsumerKey,
		ConsumerSecret:    cfg.Mpesa.ConsumerSecret,
		Shortcode:         cfg.Mpesa.Shortcode,
		Passkey:           cfg.Mpesa.Passkey,
		InitiatorName:     cfg.Mpesa.InitiatorName,
		SecurityCred:      cfg.Mpesa.SecurityCred,
		PushCallbackURL:   cfg.Mpesa.CallbackBase + "/api/gateway/callback/push",
		PayoutCallbackURL: cfg.Mpesa.CallbackBase + "/api/gateway/callback",
		Timeout:           cfg.Mpesa.Timeout,
	}))

	wallets := wallet.NewService(gdb)
	escrowSvc := escrow.NewService(gdb, gateways, wallets, events)
	payoutSvc := payout.NewService(gdb, gateways, wallets, events, cfg.MinPayoutAmount)
	limiter := payout.NewRateLimiter(rdb, cfg.PayoutRateLimit, cfg.PayoutRateWindow)

	// Safety net for callbacks that never arrive: poll the gateway for
	// payments stuck in processing.
	reconcileCtx, stopReconciler := context.WithCancel(context.Background())
	defer stopReconciler()
	go escrowSvc.RunReconciler(reconcileCtx, cfg.ReconcileInterval, cfg.ReconcileAfter)

	paymentH := handlers.NewPaymentHandler(escrowSvc, cfg.CommissionIndividualBps, cfg.CommissionCompanyBps)
	callbackH := handlers.NewCallbackHandler(escrowSvc, payoutSvc)
	payoutH := handlers.NewPayoutHandler(payoutSvc, limiter)
	walletH := handlers.NewWalletHandler(wallets)

	app := fiber.New()

	app.Use(cors.New(cors.Config{
		AllowOrigins:     os.Getenv("CORS_ORIGINS"),
		AllowMethods:     "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
	}))

	api := app.Group("/api")

	// Gateway-facing callbacks: unauthenticated, always acknowledged.
	api.Post("/gateway/callback/push", callbackH.HandlePushCallback)
	api.Post("/gateway/callback/payout-result", callbackH.HandlePayoutResult)
	api.Post("/gateway/callback/payout-timeout", callbackH.HandlePayoutTimeout)

	protected := api.Group("/",
		middleware.JWTFromCookie(cfg.JWTSecret),
		middleware.AttachJWTLocals(),
	)

	protected.Post("/payments/initiate",
		middleware.RequireRoles("customer"),
		paymentH.InitiatePayment,
	)
	protected.Post("/payments/status", paymentH.CheckStatus)
	protected.Post("/payments/release",
		middleware.RequireRoles("customer"),
		paymentH.ReleasePayment,
	)
	protected.Post("/payments/refund",
		middleware.RequireRoles("admin"),
		paymentH.RefundPayment,
	)
	protected.Get("/payments/mine",
		middleware.RequireRoles("customer"),
		paymentH.MyPayments,
	)
	protected.Get("/payments/earnings",
		middleware.RequireRoles("technician"),
		paymentH.MyEarnings,
	)

	protected.Post("/payouts/request",
		middleware.RequireRoles("technician"),
		payoutH.RequestPayout,
	)
	protected.Get("/payouts/mine",
		middleware.RequireRoles("technician"),
		payoutH.MyPayouts,
	)

	protected.Get("/wallet/balance", walletH.GetBalance)
	protected.Get("/wallet/transactions", walletH.GetTransactions)

	log.Fatal(app.Listen(":" + cfg.AppPort))
}
