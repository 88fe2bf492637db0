package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PlatformEarning records the commission retained from one successfully paid
// escrow payment. Created exactly once per payment (unique index enforces
// it), immutable, used only for revenue accounting.
type PlatformEarning struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EscrowPaymentID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"escrow_payment_id"`
	Amount          int64     `json:"amount"` // cents
	CreatedAt       time.Time `json:"created_at"`

	EscrowPayment *EscrowPayment `gorm:"foreignKey:EscrowPaymentID" json:"-"`
}

func (e *PlatformEarning) BeforeCreate(tx *gorm.DB) (err error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return
}
