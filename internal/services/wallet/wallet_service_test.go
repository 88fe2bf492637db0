package wallet

import (
	"errors"
	"testing"

	"github.com/fundihub/escrow-api/internal/ledger"
	"github.com/fundihub/escrow-api/internal/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testService(t *testing.T) *Service {
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

	if err := db.AutoMigrate(&models.Wallet{}, &models.Transaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewService(db)
}

func TestCreditDebitRoundTrip(t *testing.T) {
	svc := testService(t)
	userID := uuid.New()

	if _, err := svc.Credit(nil, userID, 50000, models.TrxTopUp, "TOP-1", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.Debit(nil, userID, 20000, models.TrxPayment, "PAY-1", nil); err != nil {
		t.Fatalf("debit: %v", err)
	}

	w, err := svc.Balance(userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if w.Balance != 30000 {
		t.Errorf("balance = %d, want 30000", w.Balance)
	}

	_, err = svc.Debit(nil, userID, 40000, models.TrxPayout, "PO-1", nil)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}

func TestAmountsMustBePositive(t *testing.T) {
	svc := testService(t)
	userID := uuid.New()

	if _, err := svc.Credit(nil, userID, 0, models.TrxTopUp, "", nil); err == nil {
		t.Error("credit of zero accepted")
	}
	if _, err := svc.Debit(nil, userID, -100, models.TrxPayment, "", nil); err == nil {
		t.Error("negative debit accepted")
	}
	if _, err := svc.Hold(nil, userID, 0, "", nil); err == nil {
		t.Error("hold of zero accepted")
	}
}

func TestHoldAndReleaseHold(t *testing.T) {
	svc := testService(t)
	userID := uuid.New()

	if _, err := svc.Credit(nil, userID, 100000, models.TrxTopUp, "TOP-1", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := svc.Hold(nil, userID, 25000, "PAY-2", nil); err != nil {
		t.Fatalf("hold: %v", err)
	}

	w, err := svc.Balance(userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if w.Balance != 100000 {
		t.Errorf("balance moved on hold: %d", w.Balance)
	}
	if w.HeldBalance != 25000 {
		t.Errorf("held balance = %d, want 25000", w.HeldBalance)
	}

	_, err = svc.ReleaseHold(nil, userID, 30000, "PAY-2", nil)
	if !errors.Is(err, ledger.ErrInsufficientHold) {
		t.Fatalf("err = %v, want ErrInsufficientHold", err)
	}
	if _, err := svc.ReleaseHold(nil, userID, 25000, "PAY-2", nil); err != nil {
		t.Fatalf("release hold: %v", err)
	}

	w, _ = svc.Balance(userID)
	if w.HeldBalance != 0 {
		t.Errorf("held balance = %d, want 0", w.HeldBalance)
	}

	// Two rows for the hold pair plus the initial credit.
	trxs, err := svc.Transactions(userID, 50)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(trxs) != 3 {
		t.Errorf("transaction count = %d, want 3", len(trxs))
	}
}

func TestTransactionsLimitCapped(t *testing.T) {
	svc := testService(t)
	userID := uuid.New()

	for i := 0; i < 55; i++ {
		if _, err := svc.Credit(nil, userID, 100, models.TrxTopUp, "", nil); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}

	trxs, err := svc.Transactions(userID, 1000)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(trxs) != 50 {
		t.Errorf("got %d entries, want cap of 50", len(trxs))
	}
}
