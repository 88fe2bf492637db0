package wallet

import (
	"errors"

	"github.com/fundihub/escrow-api/internal/ledger"
	"github.com/fundihub/escrow-api/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Service exposes the named wallet operations over the ledger store. It is
// pure ledger arithmetic: no gateway calls, no side effects beyond the store
// mutation. Every operation produces exactly one Transaction row.
type Service struct {
	DB    *gorm.DB
	Store *ledger.Store
}

func NewService(db *gorm.DB) *Service {
	return &Service{DB: db, Store: ledger.NewStore(db)}
}

// Credit adds funds to the user's balance and creates a ledger entry.
// Pass an open gorm transaction to compose with a larger atomic unit.
func (s *Service) Credit(tx *gorm.DB, userID uuid.UUID, amount int64, trxType models.TransactionType, reference string, metadata datatypes.JSONMap) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, errors.New("amount to credit must be greater than zero")
	}
	return s.Store.ApplyEntry(s.db(tx), userID, amount, trxType, reference, metadata)
}

// Debit removes funds from the user's balance and creates a ledger entry.
// Fails with ledger.ErrInsufficientFunds when balance < amount.
func (s *Service) Debit(tx *gorm.DB, userID uuid.UUID, amount int64, trxType models.TransactionType, reference string, metadata datatypes.JSONMap) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, errors.New("amount to debit must be greater than zero")
	}
	return s.Store.ApplyEntry(s.db(tx), userID, -amount, trxType, reference, metadata)
}

// Hold increments the informational held_balance counter. The withdrawable
// balance does not move.
func (s *Service) Hold(tx *gorm.DB, userID uuid.UUID, amount int64, reference string, metadata datatypes.JSONMap) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, errors.New("amount to hold must be greater than zero")
	}
	return s.Store.ApplyHoldEntry(s.db(tx), userID, amount, models.TrxEscrowHold, reference, metadata)
}

// ReleaseHold decrements held_balance. Fails with ledger.ErrInsufficientHold
// when held_balance < amount.
func (s *Service) ReleaseHold(tx *gorm.DB, userID uuid.UUID, amount int64, reference string, metadata datatypes.JSONMap) (*models.Transaction, error) {
	if amount <= 0 {
		return nil, errors.New("amount to release must be greater than zero")
	}
	return s.Store.ApplyHoldEntry(s.db(tx), userID, -amount, models.TrxEscrowRelease, reference, metadata)
}

// Balance returns the user's wallet, creating it on first use.
func (s *Service) Balance(userID uuid.UUID) (*models.Wallet, error) {
	return s.Store.Wallet(userID)
}

// Transactions returns the user's most recent ledger entries, newest first.
func (s *Service) Transactions(userID uuid.UUID, limit int) ([]models.Transaction, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	return s.Store.Transactions(userID, limit)
}

func (s *Service) db(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.DB
}
