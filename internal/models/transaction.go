package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type TransactionType string

const (
	TrxTopUp         TransactionType = "topup"
	TrxPayment       TransactionType = "payment"
	TrxPayout        TransactionType = "payout"
	TrxCommission    TransactionType = "commission"
	TrxRefund        TransactionType = "refund"
	TrxEarning       TransactionType = "earning"
	TrxEscrowHold    TransactionType = "escrow_hold"
	TrxEscrowRelease TransactionType = "escrow_release"
)

// Transaction is one append-only ledger entry. Rows are never updated or
// deleted: replaying a wallet's transactions in creation order and summing
// the signed amounts must reproduce every stored BalanceAfter exactly.
type Transaction struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	WalletID     uuid.UUID         `gorm:"type:uuid;index;not null" json:"wallet_id"`
	Type         TransactionType   `gorm:"type:varchar(20);not null" json:"type"`
	Amount       int64             `gorm:"not null" json:"amount"` // signed, cents
	BalanceAfter int64             `gorm:"not null" json:"balance_after"`
	Reference    string            `gorm:"type:varchar(100);index" json:"reference"`
	Success      bool              `gorm:"not null;default:true" json:"success"`
	Metadata     datatypes.JSONMap `json:"metadata"`
	CreatedAt    time.Time         `json:"created_at"`

	Wallet *Wallet `gorm:"foreignKey:WalletID" json:"-"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) (err error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return
}
