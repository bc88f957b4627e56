/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It owns the `p2p_transfers` table and reads the marketplace's `orders` and
 * `payment_methods` tables. Status changes are conditional updates guarded by the
 * expected current status, executed in the same database transaction as the coupled
 * order status write.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Amounts are read back as text and parsed exactly.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
)

const (
	pgUniqueViolation = "23505"

	transferCodeConstraint = "p2p_transfers_transfer_code_key"
	activeOrderConstraint  = "uq_p2p_transfers_active_order"
)

const pgTransferColumns = `
	id, order_id, transfer_code, partner_address, partner_payment_method_id,
	amount::text, sender_address, network, status, payment_completed_at,
	release_timer_started_at, auto_release_at, appeal_reason, appealed_at,
	created_at, updated_at`

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS p2p_transfers (
		id UUID PRIMARY KEY,
		order_id BIGINT NOT NULL,
		transfer_code VARCHAR(128) NOT NULL,
		partner_address VARCHAR(255) NOT NULL,
		partner_payment_method_id BIGINT NOT NULL,
		amount NUMERIC(36, 18) NOT NULL CHECK (amount > 0),
		sender_address VARCHAR(255) NOT NULL,
		network VARCHAR(64) NOT NULL,
		status VARCHAR(32) NOT NULL DEFAULT 'pending',
		payment_completed_at TIMESTAMPTZ,
		release_timer_started_at TIMESTAMPTZ,
		auto_release_at TIMESTAMPTZ,
		appeal_reason TEXT,
		appealed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT p2p_transfers_transfer_code_key UNIQUE (transfer_code)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_p2p_transfers_status_created ON p2p_transfers (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_p2p_transfers_auto_release ON p2p_transfers (auto_release_at) WHERE status = 'payment_completed'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_p2p_transfers_active_order ON p2p_transfers (order_id) WHERE status IN ('pending', 'payment_completed', 'appealed')`,
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the transfer table and its indexes when missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// FindOrderByID reads the marketplace order.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID int64) (*domain.Order, error) {
	var order domain.Order
	var price, status string
	query := `SELECT id, COALESCE(nft_id, 0), price::text, status FROM orders WHERE id = $1`
	err := r.db.QueryRow(ctx, query, orderID).Scan(&order.ID, &order.NftID, &price, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	order.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("invalid order price %q: %w", price, err)
	}
	order.Status = domain.OrderStatus(status)
	return &order, nil
}

// FindPaymentMethodByID reads payment method display data.
func (r *PostgresRepository) FindPaymentMethodByID(ctx context.Context, paymentMethodID int64) (*domain.PaymentMethod, error) {
	var method domain.PaymentMethod
	query := `SELECT id, name, icon FROM payment_methods WHERE id = $1`
	err := r.db.QueryRow(ctx, query, paymentMethodID).Scan(&method.ID, &method.Name, &method.Icon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentMethodNotFound
		}
		return nil, err
	}
	return &method, nil
}

// TransferCodeExists checks whether a code has ever been issued.
func (r *PostgresRepository) TransferCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM p2p_transfers WHERE transfer_code = $1)`, code).Scan(&exists)
	return exists, err
}

// CreateTransfer inserts a new transfer row.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	query := `
		INSERT INTO p2p_transfers (
			id, order_id, transfer_code, partner_address, partner_payment_method_id,
			amount, sender_address, network, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11)
	`
	_, err := r.db.Exec(ctx, query,
		transfer.ID, transfer.OrderID, transfer.TransferCode, transfer.PartnerAddress,
		transfer.PartnerPaymentMethodID, transfer.Amount.String(), transfer.SenderAddress,
		transfer.Network, string(transfer.Status), transfer.CreatedAt, transfer.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			switch pgErr.ConstraintName {
			case transferCodeConstraint:
				return ErrTransferCodeTaken
			case activeOrderConstraint:
				return ErrActiveTransferExists
			}
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

// FindTransferByID retrieves a transfer by its internal id.
func (r *PostgresRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + pgTransferColumns + ` FROM p2p_transfers WHERE id = $1`
	return scanPgTransfer(r.db.QueryRow(ctx, query, transferID))
}

// FindTransferByCode retrieves a transfer by its public code.
func (r *PostgresRepository) FindTransferByCode(ctx context.Context, code string) (*domain.Transfer, error) {
	query := `SELECT ` + pgTransferColumns + ` FROM p2p_transfers WHERE transfer_code = $1`
	return scanPgTransfer(r.db.QueryRow(ctx, query, code))
}

// FindActiveTransferByOrderID returns the non-terminal transfer of an order, if any.
func (r *PostgresRepository) FindActiveTransferByOrderID(ctx context.Context, orderID int64) (*domain.Transfer, error) {
	query := `
		SELECT ` + pgTransferColumns + `
		FROM p2p_transfers
		WHERE order_id = $1 AND status IN ('pending', 'payment_completed', 'appealed')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanPgTransfer(r.db.QueryRow(ctx, query, orderID))
}

// ListTransfersByStatus returns transfers in a status, newest first.
func (r *PostgresRepository) ListTransfersByStatus(ctx context.Context, status domain.TransferStatus, limit int, offset int) ([]domain.Transfer, error) {
	query := `
		SELECT ` + pgTransferColumns + `
		FROM p2p_transfers
		WHERE status = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectPgTransfers(rows)
}

// FindDueAutoReleases returns payment_completed transfers whose deadline is at or before now.
func (r *PostgresRepository) FindDueAutoReleases(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	query := `
		SELECT ` + pgTransferColumns + `
		FROM p2p_transfers
		WHERE status = 'payment_completed' AND auto_release_at IS NOT NULL AND auto_release_at <= $1
		ORDER BY auto_release_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	return collectPgTransfers(rows)
}

// TransitionTransfer performs the guarded status change and the optional order write atomically.
func (r *PostgresRepository) TransitionTransfer(ctx context.Context, transferID uuid.UUID, params TransitionParams) (*domain.Transfer, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE p2p_transfers
		SET status = $3,
		    payment_completed_at = COALESCE($4::timestamptz, payment_completed_at),
		    release_timer_started_at = COALESCE($5::timestamptz, release_timer_started_at),
		    auto_release_at = COALESCE($6::timestamptz, auto_release_at),
		    appeal_reason = COALESCE($7::text, appeal_reason),
		    appealed_at = COALESCE($8::timestamptz, appealed_at),
		    updated_at = $9
		WHERE id = $1 AND status = $2
		RETURNING ` + pgTransferColumns

	transfer, err := scanPgTransfer(tx.QueryRow(ctx, query,
		transferID, string(params.From), string(params.To),
		params.PaymentCompletedAt, params.ReleaseTimerStartedAt, params.AutoReleaseAt,
		params.AppealReason, params.AppealedAt, params.UpdatedAt,
	))
	if err != nil {
		if !errors.Is(err, ErrTransferNotFound) {
			return nil, fmt.Errorf("failed to update transfer status: %w", err)
		}
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM p2p_transfers WHERE id = $1)`, transferID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check transfer existence: %w", err)
		}
		if !exists {
			return nil, ErrTransferNotFound
		}
		return nil, ErrTransitionConflict
	}

	// Only the order status belongs to the escrow flow; the marketplace owns the rest of the row.
	if params.OrderStatus != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE orders SET status = $1 WHERE id = $2`,
			string(*params.OrderStatus), transfer.OrderID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update order status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrOrderNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transfer transition: %w", err)
	}
	return transfer, nil
}

func scanPgTransfer(row pgx.Row) (*domain.Transfer, error) {
	var transfer domain.Transfer
	var amount, status string
	err := row.Scan(
		&transfer.ID, &transfer.OrderID, &transfer.TransferCode, &transfer.PartnerAddress,
		&transfer.PartnerPaymentMethodID, &amount, &transfer.SenderAddress, &transfer.Network,
		&status, &transfer.PaymentCompletedAt, &transfer.ReleaseTimerStartedAt,
		&transfer.AutoReleaseAt, &transfer.AppealReason, &transfer.AppealedAt,
		&transfer.CreatedAt, &transfer.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	transfer.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid transfer amount %q: %w", amount, err)
	}
	transfer.Status = domain.TransferStatus(status)
	return &transfer, nil
}

func collectPgTransfers(rows pgx.Rows) ([]domain.Transfer, error) {
	defer rows.Close()
	transfers := make([]domain.Transfer, 0)
	for rows.Next() {
		transfer, err := scanPgTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, *transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transfers, nil
}
