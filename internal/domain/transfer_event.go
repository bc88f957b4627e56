package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferTrigger names who caused a transition.
type TransferTrigger string

const (
	TriggerInitiator   TransferTrigger = "initiator"
	TriggerAutoRelease TransferTrigger = "auto_release"
	TriggerAdmin       TransferTrigger = "admin"
)

// TransferEvent is published to the message broker after every committed transition.
type TransferEvent struct {
	EventID        uuid.UUID       `json:"event_id"`
	EventType      string          `json:"event_type"`
	TransferID     uuid.UUID       `json:"transfer_id"`
	TransferCode   string          `json:"transfer_code"`
	OrderID        int64           `json:"order_id"`
	Status         TransferStatus  `json:"status"`
	PreviousStatus TransferStatus  `json:"previous_status,omitempty"`
	Trigger        TransferTrigger `json:"trigger"`
	Amount         decimal.Decimal `json:"amount"`
	Network        string          `json:"network"`
	OccurredAt     time.Time       `json:"occurred_at"`
}
