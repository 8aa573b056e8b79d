package model

import (
	"fmt"
	"time"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// Terminal reports whether no further status transition is permitted.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

const TicketPrefix = "BDC2025-"

// TicketNumber derives the attendee-facing ticket identifier from the
// registration ID. The same ID always yields the same ticket.
func TicketNumber(registrationID int64) string {
	return fmt.Sprintf("%s%06d", TicketPrefix, registrationID)
}

type Registration struct {
	ID                 int64         `db:"id" json:"id"`
	Name               string        `db:"name" json:"name"`
	Email              string        `db:"email" json:"email"`
	ResidentChurch     string        `db:"resident_church" json:"resident_church"`
	Contact            string        `db:"contact" json:"contact"`
	Position           string        `db:"position" json:"position"`
	AccommodationMode  string        `db:"accommodation_mode" json:"accommodation_mode"`
	Amount             int           `db:"amount" json:"amount"`
	PaymentStatus      PaymentStatus `db:"payment_status" json:"payment_status"`
	CheckoutRequestID  *string       `db:"checkout_request_id" json:"checkout_request_id,omitempty"`
	MerchantRequestID  *string       `db:"merchant_request_id" json:"merchant_request_id,omitempty"`
	MpesaReceiptNumber *string       `db:"mpesa_receipt_number" json:"mpesa_receipt_number,omitempty"`
	PaymentPhone       *string       `db:"payment_phone" json:"payment_phone,omitempty"`
	TransactionDate    *string       `db:"transaction_date" json:"transaction_date,omitempty"`
	TicketNumber       *string       `db:"ticket_number" json:"ticket_number,omitempty"`
	FailureReason      *string       `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}
