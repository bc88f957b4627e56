package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transfa/escrow-service/internal/domain"
)

var storeTestStart = time.Date(2026, 5, 2, 12, 30, 15, 123456789, time.UTC)

func newTestSQLiteRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	repo, err := NewSQLiteRepository(ctx, filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	icon := "bank.svg"
	require.NoError(t, repo.UpsertOrder(ctx, domain.Order{ID: 1, NftID: 10, Price: decimal.RequireFromString("99.5"), Status: domain.OrderStatusPending}))
	require.NoError(t, repo.UpsertOrder(ctx, domain.Order{ID: 2, NftID: 11, Price: decimal.RequireFromString("12"), Status: domain.OrderStatusPending}))
	require.NoError(t, repo.UpsertPaymentMethod(ctx, domain.PaymentMethod{ID: 5, Name: "Bank", Icon: &icon}))
	return repo
}

func newStoredTransfer(orderID int64, code string) *domain.Transfer {
	return &domain.Transfer{
		ID:                     uuid.New(),
		OrderID:                orderID,
		TransferCode:           code,
		PartnerAddress:         "0xPartner",
		PartnerPaymentMethodID: 5,
		Amount:                 decimal.RequireFromString("0.000000000000000001"),
		SenderAddress:          "0xSender",
		Network:                "polygon",
		Status:                 domain.TransferStatusPending,
		CreatedAt:              storeTestStart,
		UpdatedAt:              storeTestStart,
	}
}

func TestSQLiteRepository_CreateAndFindTransfer(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	transfer := newStoredTransfer(1, "CODE-A")

	require.NoError(t, repo.CreateTransfer(ctx, transfer))

	byID, err := repo.FindTransferByID(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.TransferCode, byID.TransferCode)
	assert.True(t, transfer.Amount.Equal(byID.Amount), "amount %s", byID.Amount)
	assert.True(t, storeTestStart.Equal(byID.CreatedAt))
	assert.Nil(t, byID.AutoReleaseAt)
	assert.Nil(t, byID.AppealReason)

	byCode, err := repo.FindTransferByCode(ctx, "CODE-A")
	require.NoError(t, err)
	assert.Equal(t, transfer.ID, byCode.ID)

	exists, err := repo.TransferCodeExists(ctx, "CODE-A")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.TransferCodeExists(ctx, "CODE-B")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = repo.FindTransferByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestSQLiteRepository_FindsMarketplaceRecords(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()

	order, err := repo.FindOrderByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.True(t, decimal.RequireFromString("99.5").Equal(order.Price))

	method, err := repo.FindPaymentMethodByID(ctx, 5)
	require.NoError(t, err)
	require.NotNil(t, method.Icon)
	assert.Equal(t, "bank.svg", *method.Icon)

	_, err = repo.FindOrderByID(ctx, 404)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, err = repo.FindPaymentMethodByID(ctx, 404)
	assert.ErrorIs(t, err, ErrPaymentMethodNotFound)
}

func TestSQLiteRepository_UniqueConstraints(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateTransfer(ctx, newStoredTransfer(1, "CODE-A")))

	err := repo.CreateTransfer(ctx, newStoredTransfer(2, "CODE-A"))
	assert.ErrorIs(t, err, ErrTransferCodeTaken)

	err = repo.CreateTransfer(ctx, newStoredTransfer(1, "CODE-B"))
	assert.ErrorIs(t, err, ErrActiveTransferExists)
}

func TestSQLiteRepository_TransitionIsConditional(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	transfer := newStoredTransfer(1, "CODE-A")
	require.NoError(t, repo.CreateTransfer(ctx, transfer))

	paidAt := storeTestStart.Add(time.Minute)
	autoAt := paidAt.Add(5 * time.Minute)
	paid, err := repo.TransitionTransfer(ctx, transfer.ID, TransitionParams{
		From:                  domain.TransferStatusPending,
		To:                    domain.TransferStatusPaymentCompleted,
		PaymentCompletedAt:    &paidAt,
		ReleaseTimerStartedAt: &paidAt,
		AutoReleaseAt:         &autoAt,
		UpdatedAt:             paidAt,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusPaymentCompleted, paid.Status)
	require.NotNil(t, paid.AutoReleaseAt)
	assert.True(t, autoAt.Equal(*paid.AutoReleaseAt))

	// Same transition again: the row is no longer pending.
	_, err = repo.TransitionTransfer(ctx, transfer.ID, TransitionParams{
		From:      domain.TransferStatusPending,
		To:        domain.TransferStatusPaymentCompleted,
		UpdatedAt: paidAt,
	})
	assert.ErrorIs(t, err, ErrTransitionConflict)

	_, err = repo.TransitionTransfer(ctx, uuid.New(), TransitionParams{
		From:      domain.TransferStatusPending,
		To:        domain.TransferStatusPaymentCompleted,
		UpdatedAt: paidAt,
	})
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestSQLiteRepository_ReleaseWritesOrderStatusAtomically(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	transfer := newStoredTransfer(1, "CODE-A")
	require.NoError(t, repo.CreateTransfer(ctx, transfer))

	sent := domain.OrderStatusSent
	_, err := repo.TransitionTransfer(ctx, transfer.ID, TransitionParams{
		From:        domain.TransferStatusPaymentCompleted,
		To:          domain.TransferStatusReleased,
		OrderStatus: &sent,
		UpdatedAt:   storeTestStart,
	})
	assert.ErrorIs(t, err, ErrTransitionConflict)

	order, err := repo.FindOrderByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status, "failed transition must not touch the order")

	_, err = repo.TransitionTransfer(ctx, transfer.ID, TransitionParams{
		From:        domain.TransferStatusPending,
		To:          domain.TransferStatusReleased,
		OrderStatus: &sent,
		UpdatedAt:   storeTestStart,
	})
	require.NoError(t, err)

	order, err = repo.FindOrderByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusSent, order.Status)

	var orderUpdatedAt sql.NullInt64
	require.NoError(t, repo.db.QueryRowContext(ctx, `SELECT updated_at FROM orders WHERE id = 1`).Scan(&orderUpdatedAt))
	assert.False(t, orderUpdatedAt.Valid, "release writes the order status only")
}

func TestSQLiteRepository_MissingOrderRollsBackTransition(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	transfer := newStoredTransfer(77, "CODE-ORPHAN")
	require.NoError(t, repo.CreateTransfer(ctx, transfer))

	sent := domain.OrderStatusSent
	_, err := repo.TransitionTransfer(ctx, transfer.ID, TransitionParams{
		From:        domain.TransferStatusPending,
		To:          domain.TransferStatusReleased,
		OrderStatus: &sent,
		UpdatedAt:   storeTestStart,
	})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	stored, err := repo.FindTransferByID(ctx, transfer.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferStatusPending, stored.Status)
}

func TestSQLiteRepository_ConcurrentTransitionsSucceedOnce(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	transfer := newStoredTransfer(1, "CODE-A")
	require.NoError(t, repo.CreateTransfer(ctx, transfer))

	sent := domain.OrderStatusSent
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.TransitionTransfer(ctx, transfer.ID, TransitionParams{
				From:        domain.TransferStatusPending,
				To:          domain.TransferStatusReleased,
				OrderStatus: &sent,
				UpdatedAt:   storeTestStart,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrTransitionConflict)
	}
	assert.Equal(t, 1, succeeded)
}

func TestSQLiteRepository_ActiveTransferAndLists(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()

	first := newStoredTransfer(1, "CODE-A")
	require.NoError(t, repo.CreateTransfer(ctx, first))
	second := newStoredTransfer(2, "CODE-B")
	second.CreatedAt = storeTestStart.Add(time.Second)
	require.NoError(t, repo.CreateTransfer(ctx, second))

	active, err := repo.FindActiveTransferByOrderID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, active.ID)

	reason := "no payment received"
	for _, tr := range []*domain.Transfer{first, second} {
		_, err := repo.TransitionTransfer(ctx, tr.ID, TransitionParams{
			From:         domain.TransferStatusPending,
			To:           domain.TransferStatusAppealed,
			AppealReason: &reason,
			AppealedAt:   &storeTestStart,
			UpdatedAt:    storeTestStart,
		})
		require.NoError(t, err)
	}

	appeals, err := repo.ListTransfersByStatus(ctx, domain.TransferStatusAppealed, 10, 0)
	require.NoError(t, err)
	require.Len(t, appeals, 2)
	assert.Equal(t, second.ID, appeals[0].ID, "newest first")
	require.NotNil(t, appeals[0].AppealReason)
	assert.Equal(t, reason, *appeals[0].AppealReason)

	page, err := repo.ListTransfersByStatus(ctx, domain.TransferStatusAppealed, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)

	_, err = repo.TransitionTransfer(ctx, first.ID, TransitionParams{
		From:      domain.TransferStatusAppealed,
		To:        domain.TransferStatusCancelled,
		UpdatedAt: storeTestStart,
	})
	require.NoError(t, err)

	_, err = repo.FindActiveTransferByOrderID(ctx, 1)
	assert.ErrorIs(t, err, ErrTransferNotFound)
	require.NoError(t, repo.CreateTransfer(ctx, newStoredTransfer(1, "CODE-C")), "cancelled transfers free the order")
}

func TestSQLiteRepository_FindDueAutoReleases(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()

	due := newStoredTransfer(1, "CODE-DUE")
	later := newStoredTransfer(2, "CODE-LATER")
	require.NoError(t, repo.CreateTransfer(ctx, due))
	require.NoError(t, repo.CreateTransfer(ctx, later))

	dueAt := storeTestStart.Add(5 * time.Minute)
	laterAt := storeTestStart.Add(10 * time.Minute)
	for tr, at := range map[*domain.Transfer]time.Time{due: dueAt, later: laterAt} {
		at := at
		_, err := repo.TransitionTransfer(ctx, tr.ID, TransitionParams{
			From:          domain.TransferStatusPending,
			To:            domain.TransferStatusPaymentCompleted,
			AutoReleaseAt: &at,
			UpdatedAt:     storeTestStart,
		})
		require.NoError(t, err)
	}

	found, err := repo.FindDueAutoReleases(ctx, dueAt, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, due.ID, found[0].ID)

	found, err = repo.FindDueAutoReleases(ctx, laterAt.Add(time.Second), 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, due.ID, found[0].ID, "earliest deadline first")
}
