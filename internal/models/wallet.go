package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Wallet holds the withdrawable funds of one user. Balance is the single
// source of truth and is only ever mutated by the ledger store inside a
// transaction that also appends the matching Transaction row.
//
// HeldBalance is an informational counter for money reserved in escrow; the
// escrow flow keeps held funds off every wallet until release, so it never
// participates in balance arithmetic.
type Wallet struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID      uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Balance     int64     `gorm:"not null;default:0" json:"balance"`           // cents
	HeldBalance int64     `gorm:"not null;default:0" json:"held_balance"`      // cents, informational
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (w *Wallet) BeforeCreate(tx *gorm.DB) (err error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return
}
