/**
 * @description
 * This file defines the core domain models for the escrow-service.
 * A Transfer is the escrow handoff record tied to exactly one marketplace Order. It is
 * created by the buyer, moves through a small state machine, and is never deleted.
 *
 * @notes
 * - Amounts use shopspring/decimal so arbitrary precision crypto/fiat quantities survive
 *   the round trip through JSON and the database unchanged.
 * - Orders and payment methods belong to the marketplace; the service only reads them,
 *   except for the order status write performed on release.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferStatus is the state of an escrow transfer.
type TransferStatus string

const (
	TransferStatusPending          TransferStatus = "pending"
	TransferStatusPaymentCompleted TransferStatus = "payment_completed"
	TransferStatusReleased         TransferStatus = "released"
	TransferStatusAppealed         TransferStatus = "appealed"
	TransferStatusCancelled        TransferStatus = "cancelled"
)

// IsActive reports whether a transfer in status s still blocks a new transfer for its order.
func (s TransferStatus) IsActive() bool {
	switch s {
	case TransferStatusPending, TransferStatusPaymentCompleted, TransferStatusAppealed:
		return true
	}
	return false
}

// Transfer maps directly to the `p2p_transfers` table.
type Transfer struct {
	ID                     uuid.UUID       `json:"id"`
	OrderID                int64           `json:"order_id"`
	TransferCode           string          `json:"transfer_code"`
	PartnerAddress         string          `json:"partner_address"`
	PartnerPaymentMethodID int64           `json:"partner_payment_method_id"`
	Amount                 decimal.Decimal `json:"amount"`
	SenderAddress          string          `json:"sender_address"`
	Network                string          `json:"network"`
	Status                 TransferStatus  `json:"status"`
	PaymentCompletedAt     *time.Time      `json:"payment_completed_at,omitempty"`
	ReleaseTimerStartedAt  *time.Time      `json:"release_timer_started_at,omitempty"`
	AutoReleaseAt          *time.Time      `json:"auto_release_at,omitempty"`
	AppealReason           *string         `json:"appeal_reason,omitempty"`
	AppealedAt             *time.Time      `json:"appealed_at,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// AutoReleaseDue reports whether the auto-release condition holds at now.
func (t *Transfer) AutoReleaseDue(now time.Time) bool {
	return t.Status == TransferStatusPaymentCompleted &&
		t.AutoReleaseAt != nil &&
		!now.Before(*t.AutoReleaseAt)
}

// OrderStatus is the marketplace order status. Only the values the escrow flow writes
// or compares against are declared here.
type OrderStatus string

const (
	OrderStatusPending OrderStatus = "pending"
	OrderStatusSent    OrderStatus = "sent"
)

// Order is the subset of the marketplace order the escrow flow needs.
type Order struct {
	ID     int64           `json:"id"`
	NftID  int64           `json:"nft_id"`
	Price  decimal.Decimal `json:"price"`
	Status OrderStatus     `json:"status"`
}

// PaymentMethod is the display data of a payment rail.
type PaymentMethod struct {
	ID   int64   `json:"id"`
	Name string  `json:"name"`
	Icon *string `json:"icon,omitempty"`
}

// AppealAction is the administrator's decision on an appealed transfer.
type AppealAction string

const (
	AppealActionRelease AppealAction = "release"
	AppealActionCancel  AppealAction = "cancel"
)

// CreateTransferRequest is the DTO for incoming transfer creation requests.
type CreateTransferRequest struct {
	OrderID                int64           `json:"order_id"`
	PartnerAddress         string          `json:"partner_address"`
	PartnerPaymentMethodID int64           `json:"partner_payment_method_id"`
	Amount                 decimal.Decimal `json:"amount"`
	SenderAddress          string          `json:"sender_address"`
	Network                string          `json:"network"`
}

// CreateTransferResult carries the stored transfer and its public link.
type CreateTransferResult struct {
	Transfer      *Transfer
	ShareableLink string
}

// TransferView is the read model served to the buyer page.
type TransferView struct {
	Transfer      *Transfer      `json:"transfer"`
	PaymentMethod *PaymentMethod `json:"payment_method,omitempty"`
	RemainingTime *int64         `json:"remaining_time"`
}

// TransferStatusView is the lightweight polling response.
type TransferStatusView struct {
	Status        TransferStatus `json:"status"`
	RemainingTime *int64         `json:"remaining_time"`
}

// TransferPage is one page of a transfer listing with the paging actually applied.
type TransferPage struct {
	Data   []Transfer `json:"data"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// AppealRequest is the body of an appeal.
type AppealRequest struct {
	Reason string `json:"reason"`
}

// ResolveAppealRequest is the body of an administrator resolution.
type ResolveAppealRequest struct {
	Action AppealAction `json:"action"`
}
