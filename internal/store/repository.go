/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the escrow-service. PostgreSQL is the production
 * implementation; SQLite backs local development and the integration tests.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/google/uuid: For transfer identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
)

var (
	ErrTransferNotFound      = errors.New("transfer not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	ErrTransferCodeTaken     = errors.New("transfer code already exists")
	ErrActiveTransferExists  = errors.New("order already has an active transfer")
	// ErrTransitionConflict means the row was no longer in the expected status when the
	// conditional update ran.
	ErrTransitionConflict = errors.New("transfer status changed concurrently")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Marketplace collaborators
	FindOrderByID(ctx context.Context, orderID int64) (*domain.Order, error)
	FindPaymentMethodByID(ctx context.Context, paymentMethodID int64) (*domain.PaymentMethod, error)

	// Transfer methods
	TransferCodeExists(ctx context.Context, code string) (bool, error)
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	FindTransferByCode(ctx context.Context, code string) (*domain.Transfer, error)
	FindActiveTransferByOrderID(ctx context.Context, orderID int64) (*domain.Transfer, error)
	ListTransfersByStatus(ctx context.Context, status domain.TransferStatus, limit int, offset int) ([]domain.Transfer, error)
	FindDueAutoReleases(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error)

	// TransitionTransfer moves a transfer from params.From to params.To and, when
	// params.OrderStatus is set, writes the linked order status in the same database
	// transaction. It returns ErrTransitionConflict when the row is not in params.From.
	TransitionTransfer(ctx context.Context, transferID uuid.UUID, params TransitionParams) (*domain.Transfer, error)
}

// TransitionParams describes one conditional status change. Nil timestamp/reason fields
// keep their stored value.
type TransitionParams struct {
	From                  domain.TransferStatus
	To                    domain.TransferStatus
	PaymentCompletedAt    *time.Time
	ReleaseTimerStartedAt *time.Time
	AutoReleaseAt         *time.Time
	AppealReason          *string
	AppealedAt            *time.Time
	OrderStatus           *domain.OrderStatus
	UpdatedAt             time.Time
}
