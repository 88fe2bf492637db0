package models

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EscrowStatus string

const (
	EscrowStatusPending    EscrowStatus = "pending"    // created, gateway not yet engaged
	EscrowStatusProcessing EscrowStatus = "processing" // push initiated, awaiting confirmation
	EscrowStatusHeld       EscrowStatus = "held"       // paid, in escrow, no wallet credited
	EscrowStatusReleased   EscrowStatus = "released"   // technician credited
	EscrowStatusFailed     EscrowStatus = "failed"     // gateway rejected or confirmed failure
	EscrowStatusRefunded   EscrowStatus = "refunded"   // client credited back from escrow
)

// EscrowPayment is the aggregate root of the escrow protocol, one per job.
// PlatformFee and TechnicianAmount are computed once when the payment first
// moves to processing and never recomputed, so a commission-rate change can
// not drift money inside an open escrow. Rows are never deleted; the record
// is the permanent audit trail for that job's money movement.
type EscrowPayment struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentRef   string    `gorm:"type:varchar(20);uniqueIndex;not null" json:"payment_ref"`
	JobID        uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"job_id"`
	ClientID     uuid.UUID `gorm:"type:uuid;index;not null" json:"client_id"`
	TechnicianID uuid.UUID `gorm:"type:uuid;index;not null" json:"technician_id"`

	AmountPaid        int64 `json:"amount_paid"`        // gross, cents
	PlatformFee       int64 `json:"platform_fee"`       // cents, frozen at initiation
	TechnicianAmount  int64 `json:"technician_amount"`  // cents, frozen at initiation
	CommissionRateBps int64 `json:"commission_rate_bps"`

	PaymentMethod string       `gorm:"type:varchar(20)" json:"payment_method"`
	Status        EscrowStatus `gorm:"type:varchar(20);default:'pending'" json:"status"`

	// Gateway correlation: CorrelationID links asynchronous callbacks back to
	// the push we initiated, ReceiptID is the external receipt returned on
	// confirmation.
	CorrelationID string `gorm:"type:varchar(100);index" json:"correlation_id"`
	ReceiptID     string `gorm:"type:varchar(100)" json:"receipt_id"`
	PhoneNumber   string `gorm:"type:varchar(15)" json:"phone_number"`
	FailureReason string `gorm:"type:text" json:"failure_reason"`

	// PushAttemptedAt is stamped by the same update that claims the payment
	// for a push attempt, so only one push can be in flight per payment.
	PushAttemptedAt *time.Time `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	PaidAt     *time.Time `json:"paid_at"`
	ReleasedAt *time.Time `json:"released_at"`
}

func (p *EscrowPayment) BeforeCreate(tx *gorm.DB) (err error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PaymentRef == "" {
		p.PaymentRef = GenerateRef("PAY")
	}
	return
}

// GenerateRef builds a short human-readable reference like PAY-L9POKTVJ.
func GenerateRef(prefix string) string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 8)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return prefix + "-" + string(b)
}
