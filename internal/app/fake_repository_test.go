package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

// memoryRepo is an in-memory store.Repository with the same conditional-update
// semantics as the SQL implementations.
type memoryRepo struct {
	mu             sync.Mutex
	orders         map[int64]*domain.Order
	paymentMethods map[int64]*domain.PaymentMethod
	transfers      map[uuid.UUID]*domain.Transfer

	transitionCalls int
	// beforeTransition runs inside TransitionTransfer before the lock is taken.
	beforeTransition func()
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		orders:         make(map[int64]*domain.Order),
		paymentMethods: make(map[int64]*domain.PaymentMethod),
		transfers:      make(map[uuid.UUID]*domain.Transfer),
	}
}

func (r *memoryRepo) addOrder(o domain.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = &o
}

func (r *memoryRepo) addPaymentMethod(pm domain.PaymentMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paymentMethods[pm.ID] = &pm
}

func (r *memoryRepo) removeOrder(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, id)
}

func (r *memoryRepo) orderStatus(id int64) domain.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id].Status
}

func (r *memoryRepo) FindOrderByID(ctx context.Context, orderID int64) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	copied := *o
	return &copied, nil
}

func (r *memoryRepo) FindPaymentMethodByID(ctx context.Context, paymentMethodID int64) (*domain.PaymentMethod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pm, ok := r.paymentMethods[paymentMethodID]
	if !ok {
		return nil, store.ErrPaymentMethodNotFound
	}
	copied := *pm
	return &copied, nil
}

func (r *memoryRepo) TransferCodeExists(ctx context.Context, code string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.TransferCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.TransferCode == transfer.TransferCode {
			return store.ErrTransferCodeTaken
		}
		if t.OrderID == transfer.OrderID && t.Status.IsActive() {
			return store.ErrActiveTransferExists
		}
	}
	copied := *transfer
	r.transfers[transfer.ID] = &copied
	return nil
}

func (r *memoryRepo) FindTransferByID(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	copied := *t
	return &copied, nil
}

func (r *memoryRepo) FindTransferByCode(ctx context.Context, code string) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.TransferCode == code {
			copied := *t
			return &copied, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (r *memoryRepo) FindActiveTransferByOrderID(ctx context.Context, orderID int64) (*domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transfers {
		if t.OrderID == orderID && t.Status.IsActive() {
			copied := *t
			return &copied, nil
		}
	}
	return nil, store.ErrTransferNotFound
}

func (r *memoryRepo) ListTransfersByStatus(ctx context.Context, status domain.TransferStatus, limit int, offset int) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transfer
	for _, t := range r.transfers {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []domain.Transfer{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) FindDueAutoReleases(ctx context.Context, now time.Time, limit int) ([]domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Transfer
	for _, t := range r.transfers {
		if t.AutoReleaseDue(now) {
			out = append(out, *t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) TransitionTransfer(ctx context.Context, transferID uuid.UUID, params store.TransitionParams) (*domain.Transfer, error) {
	if r.beforeTransition != nil {
		r.beforeTransition()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitionCalls++

	t, ok := r.transfers[transferID]
	if !ok {
		return nil, store.ErrTransferNotFound
	}
	if t.Status != params.From {
		return nil, store.ErrTransitionConflict
	}
	if params.OrderStatus != nil {
		o, ok := r.orders[t.OrderID]
		if !ok {
			return nil, store.ErrOrderNotFound
		}
		o.Status = *params.OrderStatus
	}

	t.Status = params.To
	if params.PaymentCompletedAt != nil {
		t.PaymentCompletedAt = params.PaymentCompletedAt
	}
	if params.ReleaseTimerStartedAt != nil {
		t.ReleaseTimerStartedAt = params.ReleaseTimerStartedAt
	}
	if params.AutoReleaseAt != nil {
		t.AutoReleaseAt = params.AutoReleaseAt
	}
	if params.AppealReason != nil {
		t.AppealReason = params.AppealReason
	}
	if params.AppealedAt != nil {
		t.AppealedAt = params.AppealedAt
	}
	t.UpdatedAt = params.UpdatedAt

	copied := *t
	return &copied, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TransferEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event, ok := body.(domain.TransferEvent); ok {
		p.events = append(p.events, event)
	}
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}
