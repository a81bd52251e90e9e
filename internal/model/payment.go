package model

import (
	"github.com/google/uuid"
)

type PaymentStatus string

const (
	PaymentStatusInitiated PaymentStatus = "initiated"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment tracks a charge against the external gateway. GatewayReference is
// unique and acts as the idempotency key for webhook processing: a payment
// moves initiated -> {paid, failed} exactly once and paid -> refunded at most
// once.
type Payment struct {
	Base
	AppointmentID    uuid.UUID     `db:"appointment_id" json:"appointment_id"`
	Amount           int64         `db:"amount" json:"amount"`
	Currency         string        `db:"currency" json:"currency"`
	GatewayReference string        `db:"gateway_reference" json:"gateway_reference,omitempty"`
	Status           PaymentStatus `db:"status" json:"status"`
}

// WebhookPayload is the gateway's inbound notification shape.
type WebhookPayload struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
}

// Webhook payload statuses reported by the gateway.
const (
	WebhookStatusSuccess = "success"
	WebhookStatusFailed  = "failed"
)

type RefundRequest struct {
	TxRef  string `json:"tx_ref" binding:"required"`
	Amount int64  `json:"amount" binding:"required,min=1"`
	Reason string `json:"reason" binding:"required,max=500"`
}

type CheckoutResponse struct {
	PaymentID   uuid.UUID `json:"payment_id"`
	CheckoutURL string    `json:"checkout_url"`
	Reference   string    `json:"reference"`
}
