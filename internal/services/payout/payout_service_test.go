package payout

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/fundihub/escrow-api/internal/gateway"
	"github.com/fundihub/escrow-api/internal/ledger"
	"github.com/fundihub/escrow-api/internal/models"
	"github.com/fundihub/escrow-api/internal/services/wallet"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeGateway struct {
	payoutResult *gateway.PayoutResult
	payoutErr    error
	payoutCalls  int
}

func (f *fakeGateway) InitiatePush(ctx context.Context, destination string, amount int64, reference, description string) (*gateway.PushResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeGateway) QueryStatus(ctx context.Context, correlationID string) (*gateway.StatusResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeGateway) InitiatePayout(ctx context.Context, destination string, amount int64, reference string) (*gateway.PayoutResult, error) {
	f.payoutCalls++
	return f.payoutResult, f.payoutErr
}

func testService(t *testing.T, fg *fakeGateway) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	err = db.AutoMigrate(&models.Wallet{}, &models.Transaction{}, &models.Payout{})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := gateway.NewRegistry()
	reg.Register("mpesa", fg)
	return NewService(db, reg, wallet.NewService(db), nil, 10000)
}

func fund(t *testing.T, svc *Service, userID uuid.UUID, amount int64) {
	t.Helper()
	if _, err := svc.Wallets.Credit(nil, userID, amount, models.TrxEarning, "SEED", nil); err != nil {
		t.Fatalf("fund wallet: %v", err)
	}
}

func balance(t *testing.T, svc *Service, userID uuid.UUID) int64 {
	t.Helper()
	w, err := svc.Wallets.Balance(userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return w.Balance
}

func TestRequestBelowMinimum(t *testing.T) {
	svc := testService(t, &fakeGateway{})
	_, err := svc.Request(context.Background(), uuid.New(), 9999, "254708374149", "mpesa")
	if !errors.Is(err, ErrBelowMinimum) {
		t.Fatalf("err = %v, want ErrBelowMinimum", err)
	}
}

func TestRequestFractionalAmount(t *testing.T) {
	fg := &fakeGateway{}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 50000)

	_, err := svc.Request(context.Background(), techID, 10050, "254708374149", "mpesa")
	if !errors.Is(err, ErrFractionalAmount) {
		t.Fatalf("err = %v, want ErrFractionalAmount", err)
	}
	if fg.payoutCalls != 0 {
		t.Errorf("gateway called for a fractional amount")
	}
	if got := balance(t, svc, techID); got != 50000 {
		t.Errorf("balance = %d, want untouched 50000", got)
	}
}

func TestRequestDebitsThenInitiates(t *testing.T) {
	fg := &fakeGateway{payoutResult: &gateway.PayoutResult{CorrelationID: "AG_1"}}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 100000)

	po, err := svc.Request(context.Background(), techID, 60000, "254708374149", "mpesa")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if po.Status != models.PayoutStatusProcessing {
		t.Errorf("status = %s, want processing", po.Status)
	}
	if po.CorrelationID != "AG_1" {
		t.Errorf("correlation id = %q, want AG_1", po.CorrelationID)
	}
	if got := balance(t, svc, techID); got != 40000 {
		t.Errorf("balance = %d, want 40000 after debit", got)
	}
}

func TestRequestInsufficientFunds(t *testing.T) {
	fg := &fakeGateway{payoutResult: &gateway.PayoutResult{CorrelationID: "AG_2"}}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 30000)

	if _, err := svc.Request(context.Background(), techID, 20000, "254708374149", "mpesa"); err != nil {
		t.Fatalf("first request: %v", err)
	}

	// The first debit already claimed the balance; the second request
	// must be rejected rather than overdraw.
	_, err := svc.Request(context.Background(), techID, 20000, "254708374149", "mpesa")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if fg.payoutCalls != 1 {
		t.Errorf("gateway called %d times, want 1", fg.payoutCalls)
	}

	// The rejected request rolls back whole: no payout row, no debit.
	pos, err := svc.TechnicianPayouts(techID)
	if err != nil {
		t.Fatalf("payouts: %v", err)
	}
	if len(pos) != 1 {
		t.Errorf("payout rows = %d, want 1", len(pos))
	}
	if got := balance(t, svc, techID); got != 10000 {
		t.Errorf("balance = %d, want 10000", got)
	}
}

func TestConcurrentRequestsCannotOverdraw(t *testing.T) {
	fg := &fakeGateway{payoutResult: &gateway.PayoutResult{CorrelationID: "AG_C"}}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 30000)

	// Two simultaneous withdrawals of 20000 against 30000: exactly one
	// may win, the other must see the funds already claimed.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Request(context.Background(), techID, 20000, "254708374149", "mpesa")
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("got %d successes and %d rejections, want exactly 1 of each", ok, insufficient)
	}

	if got := balance(t, svc, techID); got != 10000 {
		t.Errorf("balance = %d, want 10000", got)
	}
	var payouts int64
	svc.DB.Model(&models.Payout{}).Count(&payouts)
	if payouts != 1 {
		t.Errorf("payout rows = %d, want 1; the loser must roll back whole", payouts)
	}

	// The ledger replays to the stored balance.
	trxs, err := svc.Wallets.Transactions(techID, 50)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	var sum int64
	for _, trx := range trxs {
		sum += trx.Amount
	}
	if sum != 10000 {
		t.Errorf("ledger replay = %d, want 10000", sum)
	}
}

func TestRequestRejectionRefunds(t *testing.T) {
	gwErr := &gateway.Error{Code: "2001", Message: "initiator credential invalid"}
	fg := &fakeGateway{payoutErr: gwErr}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 50000)

	_, err := svc.Request(context.Background(), techID, 20000, "254708374149", "mpesa")
	if !errors.Is(err, gwErr) {
		t.Fatalf("err = %v, want the gateway rejection", err)
	}

	pos, _ := svc.TechnicianPayouts(techID)
	if len(pos) != 1 || pos[0].Status != models.PayoutStatusFailed {
		t.Fatalf("payout not marked failed: %+v", pos)
	}
	if pos[0].FailureReason == "" {
		t.Error("failure reason not recorded")
	}

	// Debit and compensating credit both stay in the ledger.
	if got := balance(t, svc, techID); got != 50000 {
		t.Errorf("balance = %d, want 50000 after compensation", got)
	}
	trxs, err := svc.Wallets.Transactions(techID, 50)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(trxs) != 3 {
		t.Fatalf("ledger rows = %d, want seed + debit + refund", len(trxs))
	}
	if trxs[0].Type != models.TrxRefund || trxs[1].Type != models.TrxPayout {
		t.Errorf("entry types = %s,%s, want refund,payout", trxs[0].Type, trxs[1].Type)
	}
}

func TestRequestTimeoutKeepsDebit(t *testing.T) {
	fg := &fakeGateway{payoutErr: gateway.ErrTimeout}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 50000)

	po, err := svc.Request(context.Background(), techID, 20000, "254708374149", "mpesa")
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if po.Status != models.PayoutStatusProcessing {
		t.Errorf("status = %s, want processing; the transfer may be in flight", po.Status)
	}
	// The processing status must be persisted, not just returned; the
	// result callback matches against the stored row.
	stored, err := svc.ByRef(po.PayoutRef)
	if err != nil {
		t.Fatalf("by ref: %v", err)
	}
	if stored.Status != models.PayoutStatusProcessing {
		t.Errorf("stored status = %s, want processing", stored.Status)
	}
	// No compensation on an ambiguous outcome.
	if got := balance(t, svc, techID); got != 30000 {
		t.Errorf("balance = %d, want 30000", got)
	}
}

func TestHandleResultByReferenceAfterTimeout(t *testing.T) {
	fg := &fakeGateway{payoutErr: gateway.ErrTimeout}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 50000)

	po, err := svc.Request(context.Background(), techID, 20000, "254708374149", "mpesa")
	if !errors.Is(err, gateway.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if po.CorrelationID != "" {
		t.Fatalf("correlation id = %q after timeout, want empty", po.CorrelationID)
	}

	// The transfer went through; the result carries a correlation id this
	// side never stored, plus the payout reference from the result URL.
	if err := svc.HandleResult(context.Background(), "AG_T", po.PayoutRef, 0, "TX999", "success"); err != nil {
		t.Fatalf("handle result by reference: %v", err)
	}

	stored, err := svc.ByRef(po.PayoutRef)
	if err != nil {
		t.Fatalf("by ref: %v", err)
	}
	if stored.Status != models.PayoutStatusCompleted || stored.ExternalTxID != "TX999" {
		t.Errorf("status = %s tx = %s, want completed TX999", stored.Status, stored.ExternalTxID)
	}
	if stored.CorrelationID != "AG_T" {
		t.Errorf("correlation id = %q, want adopted AG_T", stored.CorrelationID)
	}
	if got := balance(t, svc, techID); got != 30000 {
		t.Errorf("balance = %d, want 30000; the debit stands", got)
	}
}

func TestRequestBankStaysPending(t *testing.T) {
	fg := &fakeGateway{}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 50000)

	po, err := svc.Request(context.Background(), techID, 20000, "1234567890", "bank")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if po.Status != models.PayoutStatusPending {
		t.Errorf("status = %s, want pending for manual settlement", po.Status)
	}
	if fg.payoutCalls != 0 {
		t.Errorf("gateway called for a bank payout")
	}
	if got := balance(t, svc, techID); got != 30000 {
		t.Errorf("balance = %d, want 30000; bank payouts still debit up front", got)
	}
}

func TestHandleResultCompleted(t *testing.T) {
	fg := &fakeGateway{payoutResult: &gateway.PayoutResult{CorrelationID: "AG_3"}}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 50000)

	if _, err := svc.Request(context.Background(), techID, 20000, "254708374149", "mpesa"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := svc.HandleResult(context.Background(), "AG_3", "", 0, "TX123", "success"); err != nil {
		t.Fatalf("handle result: %v", err)
	}
	err := svc.HandleResult(context.Background(), "AG_3", "", 0, "TX123", "success")
	if !errors.Is(err, ErrAlreadyInState) {
		t.Fatalf("duplicate: err = %v, want ErrAlreadyInState", err)
	}

	po, err := svc.ByCorrelationID("AG_3")
	if err != nil {
		t.Fatalf("by correlation: %v", err)
	}
	if po.Status != models.PayoutStatusCompleted || po.ExternalTxID != "TX123" {
		t.Errorf("status = %s tx = %s, want completed TX123", po.Status, po.ExternalTxID)
	}
	if po.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if got := balance(t, svc, techID); got != 30000 {
		t.Errorf("balance = %d, want 30000; completion must not touch the wallet", got)
	}
}

func TestHandleResultFailureRefundsOnce(t *testing.T) {
	fg := &fakeGateway{payoutResult: &gateway.PayoutResult{CorrelationID: "AG_4"}}
	svc := testService(t, fg)
	techID := uuid.New()
	fund(t, svc, techID, 50000)

	if _, err := svc.Request(context.Background(), techID, 20000, "254708374149", "mpesa"); err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := svc.HandleResult(context.Background(), "AG_4", "", 1, "", "receiver not reachable"); err != nil {
		t.Fatalf("handle result: %v", err)
	}
	err := svc.HandleResult(context.Background(), "AG_4", "", 1, "", "receiver not reachable")
	if !errors.Is(err, ErrAlreadyInState) {
		t.Fatalf("duplicate: err = %v, want ErrAlreadyInState", err)
	}

	if got := balance(t, svc, techID); got != 50000 {
		t.Errorf("balance = %d, want 50000 after one compensation", got)
	}

	var refunds int64
	svc.DB.Model(&models.Transaction{}).Where("type = ?", models.TrxRefund).Count(&refunds)
	if refunds != 1 {
		t.Errorf("refund rows = %d, want exactly 1", refunds)
	}
}

func TestHandleResultUnknownCorrelation(t *testing.T) {
	svc := testService(t, &fakeGateway{})
	err := svc.HandleResult(context.Background(), "bogus", "", 0, "TX", "ok")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRateLimiterAllowsWithoutRedis(t *testing.T) {
	var rl *RateLimiter
	allowed, retryAfter, err := rl.Allow(context.Background(), "tech-1")
	if !allowed || retryAfter != 0 || err != nil {
		t.Errorf("nil limiter: allowed=%v retry=%d err=%v, want fail open", allowed, retryAfter, err)
	}

	rl = NewRateLimiter(nil, 5, 0)
	allowed, _, _ = rl.Allow(context.Background(), "tech-1")
	if !allowed {
		t.Error("nil client limiter blocked a request")
	}
}
