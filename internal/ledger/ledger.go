package ledger

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fundihub/escrow-api/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInsufficientFunds is returned when a debit would drive a wallet
	// balance below zero. The balance is never silently floored.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientHold is returned when a hold release exceeds the
	// currently held balance.
	ErrInsufficientHold = errors.New("held balance lower than release amount")
)

// Store performs the serialized read-modify-write of a wallet plus the
// append of its ledger Transaction as one atomic unit. Concurrent entries
// against the same wallet are serialized with a row-level lock, so no credit
// or debit can read a stale balance.
type Store struct {
	DB *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// ApplyEntry moves delta (signed, cents) on the user's wallet and appends
// the Transaction recording it. It runs in its own DB transaction unless db
// already is one; callers composing larger units pass their open tx.
func (s *Store) ApplyEntry(db *gorm.DB, userID uuid.UUID, delta int64, trxType models.TransactionType, reference string, metadata datatypes.JSONMap) (*models.Transaction, error) {
	var entry *models.Transaction
	err := db.Transaction(func(tx *gorm.DB) error {
		w, err := lockWallet(tx, userID)
		if err != nil {
			return err
		}
		if delta < 0 && w.Balance+delta < 0 {
			return ErrInsufficientFunds
		}

		warnDuplicate(tx, w.ID, reference, trxType)

		w.Balance += delta
		if err := tx.Model(&models.Wallet{}).Where("id = ?", w.ID).
			Update("balance", w.Balance).Error; err != nil {
			return fmt.Errorf("update balance: %w", err)
		}

		entry = &models.Transaction{
			WalletID:     w.ID,
			Type:         trxType,
			Amount:       delta,
			BalanceAfter: w.Balance,
			Reference:    reference,
			Success:      true,
			Metadata:     metadata,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ApplyHoldEntry adjusts the informational held_balance counter. The wallet
// balance does not move, so the appended Transaction carries a zero amount
// and an unchanged balance snapshot; the hold size lives in the metadata.
// This keeps the ledger replay invariant intact.
func (s *Store) ApplyHoldEntry(db *gorm.DB, userID uuid.UUID, holdDelta int64, trxType models.TransactionType, reference string, metadata datatypes.JSONMap) (*models.Transaction, error) {
	var entry *models.Transaction
	err := db.Transaction(func(tx *gorm.DB) error {
		w, err := lockWallet(tx, userID)
		if err != nil {
			return err
		}
		if holdDelta < 0 && w.HeldBalance+holdDelta < 0 {
			return ErrInsufficientHold
		}

		w.HeldBalance += holdDelta
		if err := tx.Model(&models.Wallet{}).Where("id = ?", w.ID).
			Update("held_balance", w.HeldBalance).Error; err != nil {
			return fmt.Errorf("update held balance: %w", err)
		}

		if metadata == nil {
			metadata = datatypes.JSONMap{}
		}
		metadata["hold_amount"] = holdDelta

		entry = &models.Transaction{
			WalletID:     w.ID,
			Type:         trxType,
			Amount:       0,
			BalanceAfter: w.Balance,
			Reference:    reference,
			Success:      true,
			Metadata:     metadata,
		}
		if err := tx.Create(entry).Error; err != nil {
			return fmt.Errorf("append transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Wallet returns the user's wallet, creating it on first use.
func (s *Store) Wallet(userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	err := s.DB.Where(models.Wallet{UserID: userID}).
		Attrs(models.Wallet{ID: uuid.New()}).
		FirstOrCreate(&w).Error
	if err != nil {
		return nil, fmt.Errorf("wallet lookup: %w", err)
	}
	return &w, nil
}

// Transactions returns the newest entries for the user's wallet.
func (s *Store) Transactions(userID uuid.UUID, limit int) ([]models.Transaction, error) {
	w, err := s.Wallet(userID)
	if err != nil {
		return nil, err
	}
	var trxs []models.Transaction
	err = s.DB.Where("wallet_id = ?", w.ID).
		Order("created_at DESC").Limit(limit).Find(&trxs).Error
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return trxs, nil
}

// lockWallet takes the row lock that serializes all entries against one
// wallet, creating the wallet row first if the user has none yet.
// SQLite (tests) serializes writes on its own and rejects FOR UPDATE.
func lockWallet(tx *gorm.DB, userID uuid.UUID) (*models.Wallet, error) {
	var w models.Wallet
	if err := tx.Where(models.Wallet{UserID: userID}).
		Attrs(models.Wallet{ID: uuid.New()}).
		FirstOrCreate(&w).Error; err != nil {
		return nil, fmt.Errorf("wallet lookup: %w", err)
	}

	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&w, "id = ?", w.ID).Error; err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}
	return &w, nil
}

// warnDuplicate flags a possible duplicate application of the same logical
// entry. The store does not dedupe; idempotency belongs to the callers.
func warnDuplicate(tx *gorm.DB, walletID uuid.UUID, reference string, trxType models.TransactionType) {
	if reference == "" {
		return
	}
	var n int64
	if err := tx.Model(&models.Transaction{}).
		Where("wallet_id = ? AND reference = ? AND type = ?", walletID, reference, trxType).
		Count(&n).Error; err != nil {
		return
	}
	if n > 0 {
		slog.Warn("ledger: duplicate entry signature",
			"wallet_id", walletID, "reference", reference, "type", trxType, "existing", n)
	}
}
