package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// Payout is one technician withdrawal request. The wallet debit happens
// before the gateway call; a failed payout is compensated with a refund
// credit referencing PayoutRef, never by rewriting the debit row.
type Payout struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	PayoutRef    string       `gorm:"type:varchar(20);uniqueIndex;not null" json:"payout_ref"`
	TechnicianID uuid.UUID    `gorm:"type:uuid;index;not null" json:"technician_id"`
	Amount       int64        `json:"amount"` // cents
	Method       string       `gorm:"type:varchar(20)" json:"method"`
	Destination  string       `gorm:"type:varchar(20)" json:"destination"`
	Status       PayoutStatus `gorm:"type:varchar(20);default:'pending'" json:"status"`

	CorrelationID string `gorm:"type:varchar(100);index" json:"correlation_id"`
	ExternalTxID  string `gorm:"type:varchar(100)" json:"external_tx_id"`
	FailureReason string `gorm:"type:text" json:"failure_reason"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (p *Payout) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PayoutRef == "" {
		p.PayoutRef = GenerateRef("PO")
	}
	return
}
