package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"

	_ "modernc.org/sqlite"
)

// Timestamps are stored as unix nanoseconds so round trips are exact.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY,
		nft_id INTEGER NOT NULL DEFAULT 0,
		price TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS payment_methods (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		icon TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS p2p_transfers (
		id TEXT PRIMARY KEY,
		order_id INTEGER NOT NULL,
		transfer_code TEXT NOT NULL UNIQUE,
		partner_address TEXT NOT NULL,
		partner_payment_method_id INTEGER NOT NULL,
		amount TEXT NOT NULL,
		sender_address TEXT NOT NULL,
		network TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		payment_completed_at INTEGER,
		release_timer_started_at INTEGER,
		auto_release_at INTEGER,
		appeal_reason TEXT,
		appealed_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_p2p_transfers_status_created ON p2p_transfers (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_p2p_transfers_auto_release ON p2p_transfers (status, auto_release_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_p2p_transfers_active_order ON p2p_transfers (order_id) WHERE status IN ('pending', 'payment_completed', 'appealed')`,
}

const sqliteTransferColumns = `
	id, order_id, transfer_code, partner_address, partner_payment_method_id,
	amount, sender_address, network, status, payment_completed_at,
	release_timer_started_at, auto_release_at, appeal_reason, appealed_at,
	created_at, updated_at`

// SQLiteRepository implements Repository on an embedded SQLite database. It carries its
// own copies of the marketplace tables so the service can run without the marketplace.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path and applies the schema.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLiteRepository, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers; transactions must only use their tx handle.
	db.SetMaxOpenConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Migrate applies the schema.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// UpsertOrder stores a marketplace order. Used to seed local databases.
func (r *SQLiteRepository) UpsertOrder(ctx context.Context, order domain.Order) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, nft_id, price, status) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET nft_id = excluded.nft_id, price = excluded.price, status = excluded.status
	`, order.ID, order.NftID, order.Price.String(), string(order.Status))
	return err
}

// UpsertPaymentMethod stores a payment method. Used to seed local databases.
func (r *SQLiteRepository) UpsertPaymentMethod(ctx context.Context, method domain.PaymentMethod) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_methods (id, name, icon) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, icon = excluded.icon
	`, method.ID, method.Name, method.Icon)
	return err
}

func (r *SQLiteRepository) FindOrderByID(ctx context.Context, orderID int64) (*domain.Order, error) {
	var order domain.Order
	var price, status string
	err := r.db.QueryRowContext(ctx, `SELECT id, nft_id, price, status FROM orders WHERE id = ?`, orderID).
		Scan(&order.ID, &order.NftID, &price, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

func (r *SQLiteRepository) FindPaymentMethodByID(ctx context.Context, paymentMethodID int64) (*domain.PaymentMethod, error) {
	var method domain.PaymentMethod
	var icon sql.NullString
	err := r.db.QueryRowContext(ctx, `SELECT id, name, icon FROM payment_methods WHERE id = ?`, paymentMethodID).
		Scan(&method.ID, &method.Name, &icon)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentMethodNotFound
		}
		return nil, err
	}
	if icon.Valid {
		method.Icon = &icon.String
	}
	return &method, nil
}

func (r *SQLiteRepository) TransferCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM p2p_transfers WHERE transfer_code = ?)`, code).Scan(&exists)
	return exists, err
}

func (r *SQLiteRepository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO p2p_transfers (
			id, order_id, transfer_code, partner_address, partner_payment_method_id,
			amount, sender_address, network, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		transfer.ID.String(), transfer.OrderID, transfer.TransferCode, transfer.PartnerAddress,
		transfer.PartnerPaymentMethodID, transfer.Amount.String(), transfer.SenderAddress,
		transfer.Network, string(transfer.Status), transfer.CreatedAt.UnixNano(), transfer.UpdatedAt.UnixNano(),
	)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "UNIQUE constraint failed") {
			if strings.Contains(msg, "transfer_code") {
				return ErrTransferCodeTaken
			}
			if strings.Contains(msg, "order_id") {
				return ErrActiveTransferExists
			}
		}
		return fmt.Errorf("failed to insert transfer: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	query := `SELECT ` + sqliteTransferColumns + ` FROM p2p_transfers WHERE id = ?`
	return scanSQLiteTransfer(r.db.QueryRowContext(ctx, query, transferID.String()))
}

func (r *SQLiteRepository) FindTransferByCode(ctx context.Context, code string) (*domain.Transfer, error) {
	query := `SELECT ` + sqliteTransferColumns + ` FROM p2p_transfers WHERE transfer_code = ?`
	return scanSQLiteTransfer(r.db.QueryRowContext(ctx, query, code))
}

func (r *SQLiteRepository) FindActiveTransferByOrderID(ctx context.Context, orderID int64) (*domain.Transfer, error) {
	query := `
		SELECT ` + sqliteTransferColumns + `
		FROM p2p_transfers
		WHERE order_id = ? AND status IN ('pending', 'payment_completed', 'appealed')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanSQLiteTransfer(r.db.QueryRowContext(ctx, query, orderID))
}

func (r *SQLiteRepository) ListTransfersByStatus(ctx context.Context, status domain.TransferStatus, limit int, offset int) ([]domain.Transfer, error) {
	query := `
		SELECT ` + sqliteTransferColumns + `
		FROM p2p_transfers
		WHERE status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := r.db.QueryContext(ctx, query, string(status), limit, offset)
	if err != nil {
		return nil, err
	}
	return collectSQLiteTransfers(rows)
}

func (r *SQLiteRepository) FindDueAutoReleases(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	query := `
		SELECT ` + sqliteTransferColumns + `
		FROM p2p_transfers
		WHERE status = 'payment_completed' AND auto_release_at IS NOT NULL AND auto_release_at <= ?
		ORDER BY auto_release_at ASC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, now.UnixNano(), limit)
	if err != nil {
		return nil, err
	}
	return collectSQLiteTransfers(rows)
}

func (r *SQLiteRepository) TransitionTransfer(ctx context.Context, transferID uuid.UUID, params TransitionParams) (*domain.Transfer, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var appealReason sql.NullString
	if params.AppealReason != nil {
		appealReason = sql.NullString{String: *params.AppealReason, Valid: true}
	}

	query := `
		UPDATE p2p_transfers
		SET status = ?,
		    payment_completed_at = COALESCE(?, payment_completed_at),
		    release_timer_started_at = COALESCE(?, release_timer_started_at),
		    auto_release_at = COALESCE(?, auto_release_at),
		    appeal_reason = COALESCE(?, appeal_reason),
		    appealed_at = COALESCE(?, appealed_at),
		    updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING ` + sqliteTransferColumns

	transfer, err := scanSQLiteTransfer(tx.QueryRowContext(ctx, query,
		string(params.To),
		nullNanos(params.PaymentCompletedAt),
		nullNanos(params.ReleaseTimerStartedAt),
		nullNanos(params.AutoReleaseAt),
		appealReason,
		nullNanos(params.AppealedAt),
		params.UpdatedAt.UnixNano(),
		transferID.String(),
		string(params.From),
	))
	if err != nil {
		if !errors.Is(err, ErrTransferNotFound) {
			return nil, fmt.Errorf("failed to update transfer status: %w", err)
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM p2p_transfers WHERE id = ?)`, transferID.String()).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check transfer existence: %w", err)
		}
		if !exists {
			return nil, ErrTransferNotFound
		}
		return nil, ErrTransitionConflict
	}

	if params.OrderStatus != nil {
		result, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ? WHERE id = ?`,
			string(*params.OrderStatus), transfer.OrderID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to update order status: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, ErrOrderNotFound
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transfer transition: %w", err)
	}
	return transfer, nil
}

type sqlRow interface {
	Scan(dest ...any) error
}

func scanSQLiteTransfer(row sqlRow) (*domain.Transfer, error) {
	var (
		transfer                                                  domain.Transfer
		id, amount, status                                        string
		paymentCompletedAt, timerStartedAt, autoReleaseAt, appeal sql.NullInt64
		appealReason                                              sql.NullString
		createdAt, updatedAt                                      int64
	)
	err := row.Scan(
		&id, &transfer.OrderID, &transfer.TransferCode, &transfer.PartnerAddress,
		&transfer.PartnerPaymentMethodID, &amount, &transfer.SenderAddress, &transfer.Network,
		&status, &paymentCompletedAt, &timerStartedAt, &autoReleaseAt, &appealReason, &appeal,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}

	transfer.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid transfer id %q: %w", id, err)
	}
	transfer.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid transfer amount %q: %w", amount, err)
	}
	transfer.Status = domain.TransferStatus(status)
	transfer.PaymentCompletedAt = fromNanos(paymentCompletedAt)
	transfer.ReleaseTimerStartedAt = fromNanos(timerStartedAt)
	transfer.AutoReleaseAt = fromNanos(autoReleaseAt)
	transfer.AppealedAt = fromNanos(appeal)
	if appealReason.Valid {
		transfer.AppealReason = &appealReason.String
	}
	transfer.CreatedAt = time.Unix(0, createdAt).UTC()
	transfer.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &transfer, nil
}

func collectSQLiteTransfers(rows *sql.Rows) ([]domain.Transfer, error) {
	defer rows.Close()
	transfers := make([]domain.Transfer, 0)
	for rows.Next() {
		transfer, err := scanSQLiteTransfer(rows)
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

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
