/**
 * @description
 * This file contains the escrow transfer engine. The `Service` struct owns the lifecycle
 * of a P2P transfer from creation to its terminal status, coordinating the repository,
 * the clock, the transfer code generator and the event publisher.
 *
 * Key features:
 * - pending -> payment_completed -> {released | appealed}; appealed -> {released | cancelled}.
 * - Every status change is a conditional update in the repository, so racing callers
 *   (manual release, auto-release, appeal) cannot both succeed.
 * - Every read path reconciles the auto-release deadline before returning state.
 * - Release couples the order status write (order -> sent) in the same transaction.
 *
 * @dependencies
 * - github.com/google/uuid: For transfer and event identifiers.
 * - github.com/raulk/clock: Wall clock in production, mock clock in tests.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"github.com/shopspring/decimal"
	"github.com/transfa/escrow-service/internal/domain"
	"github.com/transfa/escrow-service/internal/store"
)

const (
	DefaultAutoReleaseMinutes = 5
	MaxAppealReasonLength     = 1000

	// Amounts are stored as NUMERIC(36, 18).
	MaxAmountScale         = 18
	MaxAmountIntegerDigits = 18
	MaxNetworkLength       = 64
	MaxAddressLength       = 255

	defaultListLimit      = 50
	maxListLimit          = 200
	defaultSweepBatchSize = 100
	createAttempts        = 3
)

var maxAmountExclusive = decimal.New(1, MaxAmountIntegerDigits)

// Clock is the time source used for deadline math.
type Clock interface {
	Now() time.Time
}

// EventPublisher publishes transfer lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Settings carries the tunables of the engine.
type Settings struct {
	AutoReleaseAfter time.Duration
	// PaymentDeadline is informational: it only drives remaining_time on pending transfers.
	PaymentDeadline time.Duration
	ShareBaseURL    string
	EventsExchange  string
	SweepBatchSize  int
}

// Service provides the escrow transfer state machine.
type Service struct {
	repo      store.Repository
	publisher EventPublisher
	tokens    TokenGenerator
	clock     Clock
	metrics   *Metrics
	logger    *slog.Logger
	settings  Settings
}

// NewService creates a new escrow service instance.
func NewService(repo store.Repository, publisher EventPublisher, logger *slog.Logger, settings Settings) *Service {
	if settings.AutoReleaseAfter <= 0 {
		settings.AutoReleaseAfter = DefaultAutoReleaseMinutes * time.Minute
	}
	if settings.PaymentDeadline < 0 {
		settings.PaymentDeadline = 0
	}
	if settings.SweepBatchSize <= 0 {
		settings.SweepBatchSize = defaultSweepBatchSize
	}
	if settings.EventsExchange == "" {
		settings.EventsExchange = "escrow.events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		publisher: publisher,
		tokens:    NewUniqueCodeGenerator(DefaultTransferCodeLength, repo.TransferCodeExists),
		clock:     clock.New(),
		logger:    logger,
		settings:  settings,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(c Clock) {
	if c != nil {
		s.clock = c
	}
}

// SetTokenGenerator replaces the transfer code generator.
func (s *Service) SetTokenGenerator(g TokenGenerator) {
	if g != nil {
		s.tokens = g
	}
}

// SetMetrics enables Prometheus instrumentation.
func (s *Service) SetMetrics(m *Metrics) {
	s.metrics = m
}

// CreateTransfer validates the request and stores a new pending transfer.
func (s *Service) CreateTransfer(ctx context.Context, req domain.CreateTransferRequest) (*domain.CreateTransferResult, error) {
	req.PartnerAddress = strings.TrimSpace(req.PartnerAddress)
	req.SenderAddress = strings.TrimSpace(req.SenderAddress)
	req.Network = strings.TrimSpace(req.Network)

	if err := validateCreateTransfer(req); err != nil {
		return nil, err
	}

	order, err := s.repo.FindOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, translateStoreError(err, "failed to find order")
	}
	if _, err := s.repo.FindPaymentMethodByID(ctx, req.PartnerPaymentMethodID); err != nil {
		return nil, translateStoreError(err, "failed to find payment method")
	}

	existing, err := s.repo.FindActiveTransferByOrderID(ctx, order.ID)
	if err == nil {
		return nil, &StateError{Message: msgActiveTransfer, Current: existing.Status}
	}
	if !errors.Is(err, store.ErrTransferNotFound) {
		return nil, fmt.Errorf("failed to check active transfers: %w", err)
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		code, err := s.tokens.Generate(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to generate transfer code: %w", err)
		}

		now := s.now()
		transfer := &domain.Transfer{
			ID:                     uuid.New(),
			OrderID:                order.ID,
			TransferCode:           code,
			PartnerAddress:         req.PartnerAddress,
			PartnerPaymentMethodID: req.PartnerPaymentMethodID,
			Amount:                 req.Amount,
			SenderAddress:          req.SenderAddress,
			Network:                req.Network,
			Status:                 domain.TransferStatusPending,
			CreatedAt:              now,
			UpdatedAt:              now,
		}

		err = s.repo.CreateTransfer(ctx, transfer)
		if errors.Is(err, store.ErrTransferCodeTaken) {
			s.logger.Warn("transfer code collision; regenerating", "order_id", order.ID, "attempt", attempt+1)
			continue
		}
		if errors.Is(err, store.ErrActiveTransferExists) {
			return nil, &StateError{Message: msgActiveTransfer, Current: domain.TransferStatusPending}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create transfer: %w", err)
		}

		s.metrics.transferCreated()
		s.logger.Info("transfer created", "transfer_id", transfer.ID, "order_id", transfer.OrderID, "amount", transfer.Amount.String(), "network", transfer.Network)
		s.publish(ctx, transfer, "", domain.TriggerInitiator)

		return &domain.CreateTransferResult{
			Transfer:      transfer,
			ShareableLink: s.ShareableLink(transfer.TransferCode),
		}, nil
	}

	return nil, ErrCodeSpaceExhausted
}

// ShareableLink builds the public URL of a transfer code.
func (s *Service) ShareableLink(code string) string {
	return strings.TrimRight(s.settings.ShareBaseURL, "/") + "/p2p-transfer/" + code
}

// ViewTransfer resolves a transfer by its public code, applying a due auto-release first.
func (s *Service) ViewTransfer(ctx context.Context, code string) (*domain.TransferView, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, &InputError{Field: "code", Message: "Transfer code" + msgFieldIsRequired}
	}

	transfer, err := s.repo.FindTransferByCode(ctx, code)
	if err != nil {
		return nil, translateStoreError(err, "failed to find transfer")
	}
	transfer, _, err = s.reconcile(ctx, transfer)
	if err != nil {
		return nil, err
	}

	var method *domain.PaymentMethod
	method, err = s.repo.FindPaymentMethodByID(ctx, transfer.PartnerPaymentMethodID)
	if err != nil {
		if !errors.Is(err, store.ErrPaymentMethodNotFound) {
			return nil, fmt.Errorf("failed to find payment method: %w", err)
		}
		s.logger.Warn("payment method missing for transfer", "transfer_id", transfer.ID, "payment_method_id", transfer.PartnerPaymentMethodID)
	}

	return &domain.TransferView{
		Transfer:      transfer,
		PaymentMethod: method,
		RemainingTime: s.remainingTime(transfer, s.now()),
	}, nil
}

// GetStatus is the polling read: reconcile, then report status and remaining seconds.
func (s *Service) GetStatus(ctx context.Context, transferID uuid.UUID) (*domain.TransferStatusView, error) {
	transfer, err := s.findTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	transfer, _, err = s.reconcile(ctx, transfer)
	if err != nil {
		return nil, err
	}
	return &domain.TransferStatusView{
		Status:        transfer.Status,
		RemainingTime: s.remainingTime(transfer, s.now()),
	}, nil
}

// MarkPaymentCompleted records that the initiator sent the payment and starts the
// auto-release countdown.
func (s *Service) MarkPaymentCompleted(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.findTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.TransferStatusPending {
		return nil, &StateError{Message: msgNotPending, Current: transfer.Status}
	}

	now := s.now()
	autoReleaseAt := now.Add(s.settings.AutoReleaseAfter)
	updated, err := s.transition(ctx, transfer, store.TransitionParams{
		From:                  domain.TransferStatusPending,
		To:                    domain.TransferStatusPaymentCompleted,
		PaymentCompletedAt:    &now,
		ReleaseTimerStartedAt: &now,
		AutoReleaseAt:         &autoReleaseAt,
		UpdatedAt:             now,
	}, domain.TriggerInitiator)
	if err != nil {
		return nil, s.rejectAfterConflict(ctx, transferID, err, msgNotPending)
	}
	return updated, nil
}

// Release completes the escrow and marks the order as sent.
func (s *Service) Release(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.findTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.TransferStatusPaymentCompleted {
		return nil, &StateError{Message: msgCannotRelease, Current: transfer.Status}
	}

	updated, err := s.transition(ctx, transfer, s.releaseParams(domain.TransferStatusPaymentCompleted), domain.TriggerInitiator)
	if err != nil {
		return nil, s.rejectAfterConflict(ctx, transferID, err, msgCannotRelease)
	}
	return updated, nil
}

// EvaluateAutoRelease releases the transfer when its deadline has passed. It is
// idempotent and safe to race with Release and Appeal. The boolean reports whether this
// call performed the release.
func (s *Service) EvaluateAutoRelease(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, bool, error) {
	transfer, err := s.findTransfer(ctx, transferID)
	if err != nil {
		return nil, false, err
	}
	return s.reconcile(ctx, transfer)
}

// Appeal freezes a payment_completed transfer pending administrator arbitration.
func (s *Service) Appeal(ctx context.Context, transferID uuid.UUID, reason string) (*domain.Transfer, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &InputError{Field: "reason", Message: msgReasonRequired}
	}
	if utf8.RuneCountInString(reason) > MaxAppealReasonLength {
		return nil, &InputError{Field: "reason", Message: msgReasonTooLong}
	}

	transfer, err := s.findTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	// A deadline that already passed wins over a late appeal.
	transfer, _, err = s.reconcile(ctx, transfer)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.TransferStatusPaymentCompleted {
		return nil, &StateError{Message: msgCannotAppeal, Current: transfer.Status}
	}

	now := s.now()
	updated, err := s.transition(ctx, transfer, store.TransitionParams{
		From:         domain.TransferStatusPaymentCompleted,
		To:           domain.TransferStatusAppealed,
		AppealReason: &reason,
		AppealedAt:   &now,
		UpdatedAt:    now,
	}, domain.TriggerInitiator)
	if err != nil {
		return nil, s.rejectAfterConflict(ctx, transferID, err, msgCannotAppeal)
	}
	return updated, nil
}

// ResolveAppeal is the administrator's decision on an appealed transfer. Cancelling
// leaves the order status untouched.
func (s *Service) ResolveAppeal(ctx context.Context, transferID uuid.UUID, action domain.AppealAction) (*domain.Transfer, error) {
	var params store.TransitionParams
	switch action {
	case domain.AppealActionRelease:
		params = s.releaseParams(domain.TransferStatusAppealed)
	case domain.AppealActionCancel:
		params = store.TransitionParams{
			From:      domain.TransferStatusAppealed,
			To:        domain.TransferStatusCancelled,
			UpdatedAt: s.now(),
		}
	default:
		return nil, &InputError{Field: "action", Message: msgInvalidAction}
	}

	transfer, err := s.findTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	if transfer.Status != domain.TransferStatusAppealed {
		return nil, &StateError{Message: msgNotUnderAppeal, Current: transfer.Status}
	}

	updated, err := s.transition(ctx, transfer, params, domain.TriggerAdmin)
	if err != nil {
		return nil, s.rejectAfterConflict(ctx, transferID, err, msgNotUnderAppeal)
	}
	return updated, nil
}

// ListAppeals returns a page of appealed transfers, newest first. Out-of-range paging is
// clamped and the page reports the values used.
func (s *Service) ListAppeals(ctx context.Context, limit int, offset int) (*domain.TransferPage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	transfers, err := s.repo.ListTransfersByStatus(ctx, domain.TransferStatusAppealed, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list appeals: %w", err)
	}
	if transfers == nil {
		transfers = []domain.Transfer{}
	}
	return &domain.TransferPage{Data: transfers, Limit: limit, Offset: offset}, nil
}

// SweepAutoReleases releases every due transfer in one batch and returns how many this
// run released. Transfers nobody polls are picked up here.
func (s *Service) SweepAutoReleases(ctx context.Context) (int, error) {
	due, err := s.repo.FindDueAutoReleases(ctx, s.now(), s.settings.SweepBatchSize)
	if err != nil {
		s.metrics.sweep("error", 0)
		return 0, fmt.Errorf("failed to find due auto-releases: %w", err)
	}

	released := 0
	for i := range due {
		_, ok, err := s.reconcile(ctx, &due[i])
		if err != nil {
			s.logger.Error("auto-release failed", "transfer_id", due[i].ID, "error", err)
			continue
		}
		if ok {
			released++
		}
	}

	s.metrics.sweep("ok", released)
	return released, nil
}

// reconcile applies a due auto-release. When another writer wins the race the current
// row is returned unchanged.
func (s *Service) reconcile(ctx context.Context, transfer *domain.Transfer) (*domain.Transfer, bool, error) {
	if !transfer.AutoReleaseDue(s.now()) {
		return transfer, false, nil
	}

	updated, err := s.transition(ctx, transfer, s.releaseParams(domain.TransferStatusPaymentCompleted), domain.TriggerAutoRelease)
	if err == nil {
		return updated, true, nil
	}
	if errors.Is(err, store.ErrOrderNotFound) {
		// The release rolled back; serve the stored row until the order is restored.
		s.logger.Error("auto-release blocked: linked order is missing", "transfer_id", transfer.ID, "order_id", transfer.OrderID)
		return transfer, false, nil
	}
	if !errors.Is(err, store.ErrTransitionConflict) {
		return nil, false, translateStoreError(err, "failed to auto-release transfer")
	}

	current, err := s.findTransfer(ctx, transfer.ID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *Service) releaseParams(from domain.TransferStatus) store.TransitionParams {
	sent := domain.OrderStatusSent
	return store.TransitionParams{
		From:        from,
		To:          domain.TransferStatusReleased,
		OrderStatus: &sent,
		UpdatedAt:   s.now(),
	}
}

func (s *Service) transition(ctx context.Context, transfer *domain.Transfer, params store.TransitionParams, trigger domain.TransferTrigger) (*domain.Transfer, error) {
	updated, err := s.repo.TransitionTransfer(ctx, transfer.ID, params)
	if err != nil {
		return nil, err
	}

	s.metrics.transition(params.From, params.To, trigger)
	s.logger.Info("transfer status changed",
		"transfer_id", updated.ID,
		"order_id", updated.OrderID,
		"from", params.From,
		"to", params.To,
		"trigger", trigger,
	)
	s.publish(ctx, updated, params.From, trigger)
	return updated, nil
}

// rejectAfterConflict turns a lost conditional update into a StateError that carries
// the status the row actually has now.
func (s *Service) rejectAfterConflict(ctx context.Context, transferID uuid.UUID, err error, message string) error {
	if !errors.Is(err, store.ErrTransitionConflict) {
		return translateStoreError(err, "failed to update transfer")
	}
	current, findErr := s.findTransfer(ctx, transferID)
	if findErr != nil {
		return findErr
	}
	return &StateError{Message: message, Current: current.Status}
}

func (s *Service) findTransfer(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error) {
	transfer, err := s.repo.FindTransferByID(ctx, transferID)
	if err != nil {
		return nil, translateStoreError(err, "failed to find transfer")
	}
	return transfer, nil
}

func (s *Service) remainingTime(transfer *domain.Transfer, now time.Time) *int64 {
	var deadline time.Time
	switch transfer.Status {
	case domain.TransferStatusPaymentCompleted:
		if transfer.AutoReleaseAt == nil {
			return nil
		}
		deadline = *transfer.AutoReleaseAt
	case domain.TransferStatusPending:
		if s.settings.PaymentDeadline <= 0 {
			return nil
		}
		deadline = transfer.CreatedAt.Add(s.settings.PaymentDeadline)
	default:
		return nil
	}

	left := deadline.Sub(now)
	if left <= 0 {
		return nil
	}
	seconds := int64(math.Ceil(left.Seconds()))
	return &seconds
}

func (s *Service) publish(ctx context.Context, transfer *domain.Transfer, previous domain.TransferStatus, trigger domain.TransferTrigger) {
	if s.publisher == nil {
		return
	}
	eventType := "escrow.transfer." + string(transfer.Status)
	if previous == "" {
		eventType = "escrow.transfer.created"
	}
	event := domain.TransferEvent{
		EventID:        uuid.New(),
		EventType:      eventType,
		TransferID:     transfer.ID,
		TransferCode:   transfer.TransferCode,
		OrderID:        transfer.OrderID,
		Status:         transfer.Status,
		PreviousStatus: previous,
		Trigger:        trigger,
		Amount:         transfer.Amount,
		Network:        transfer.Network,
		OccurredAt:     s.now(),
	}
	if err := s.publisher.Publish(ctx, s.settings.EventsExchange, event.EventType, event); err != nil {
		s.logger.Warn("transfer event publish failed", "transfer_id", transfer.ID, "event_type", event.EventType, "error", err)
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func validateCreateTransfer(req domain.CreateTransferRequest) error {
	if req.OrderID <= 0 {
		return &InputError{Field: "order_id", Message: "Order id" + msgFieldIsRequired}
	}
	if req.PartnerPaymentMethodID <= 0 {
		return &InputError{Field: "partner_payment_method_id", Message: "Partner payment method" + msgFieldIsRequired}
	}
	if req.PartnerAddress == "" {
		return &InputError{Field: "partner_address", Message: "Partner address" + msgFieldIsRequired}
	}
	if utf8.RuneCountInString(req.PartnerAddress) > MaxAddressLength {
		return &InputError{Field: "partner_address", Message: msgAddressTooLong}
	}
	if req.SenderAddress == "" {
		return &InputError{Field: "sender_address", Message: "Sender address" + msgFieldIsRequired}
	}
	if utf8.RuneCountInString(req.SenderAddress) > MaxAddressLength {
		return &InputError{Field: "sender_address", Message: msgAddressTooLong}
	}
	if req.Network == "" {
		return &InputError{Field: "network", Message: "Network" + msgFieldIsRequired}
	}
	if utf8.RuneCountInString(req.Network) > MaxNetworkLength {
		return &InputError{Field: "network", Message: msgNetworkTooLong}
	}
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	// Trailing zeros past the scale are fine; digits that storage would round away are not.
	if !req.Amount.Equal(req.Amount.Round(MaxAmountScale)) {
		return &InputError{Field: "amount", Message: msgAmountTooPrecise}
	}
	if req.Amount.GreaterThanOrEqual(maxAmountExclusive) {
		return &InputError{Field: "amount", Message: msgAmountTooLarge}
	}
	return nil
}

func translateStoreError(err error, op string) error {
	switch {
	case errors.Is(err, store.ErrTransferNotFound):
		return &NotFoundError{Entity: "Transfer"}
	case errors.Is(err, store.ErrOrderNotFound):
		return &NotFoundError{Entity: "Order"}
	case errors.Is(err, store.ErrPaymentMethodNotFound):
		return &NotFoundError{Entity: "Payment method"}
	}
	return fmt.Errorf("%s: %w", op, err)
}
