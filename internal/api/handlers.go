/**
 * @description
 * This file contains the HTTP handlers for the escrow-service's API endpoints.
 * Handlers parse incoming requests, call the escrow service and translate its error
 * taxonomy into HTTP status codes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - internal/app, internal/domain: For service logic, models, and rejection types.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/domain"
)

const maxRequestBodyBytes = 64 << 10

// TransferService is the subset of app.Service the handlers call.
type TransferService interface {
	CreateTransfer(ctx context.Context, req domain.CreateTransferRequest) (*domain.CreateTransferResult, error)
	ViewTransfer(ctx context.Context, code string) (*domain.TransferView, error)
	MarkPaymentCompleted(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	Release(ctx context.Context, transferID uuid.UUID) (*domain.Transfer, error)
	Appeal(ctx context.Context, transferID uuid.UUID, reason string) (*domain.Transfer, error)
	ResolveAppeal(ctx context.Context, transferID uuid.UUID, action domain.AppealAction) (*domain.Transfer, error)
	GetStatus(ctx context.Context, transferID uuid.UUID) (*domain.TransferStatusView, error)
	ListAppeals(ctx context.Context, limit int, offset int) (*domain.TransferPage, error)
}

// EscrowHandlers holds the application service that handlers will use.
type EscrowHandlers struct {
	service TransferService
	logger  *slog.Logger
}

// NewEscrowHandlers creates a new instance of EscrowHandlers.
func NewEscrowHandlers(service TransferService, logger *slog.Logger) *EscrowHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &EscrowHandlers{service: service, logger: logger.With("component", "api")}
}

type createTransferResponse struct {
	TransferID    uuid.UUID        `json:"transfer_id"`
	TransferCode  string           `json:"transfer_code"`
	ShareableLink string           `json:"shareable_link"`
	Transfer      *domain.Transfer `json:"transfer"`
}

type stateErrorResponse struct {
	Error  string                `json:"error"`
	Status domain.TransferStatus `json:"status"`
}

type inputErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// CreateTransferHandler starts a new escrow transfer for an order.
func (h *EscrowHandlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateTransferRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	result, err := h.service.CreateTransfer(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, createTransferResponse{
		TransferID:    result.Transfer.ID,
		TransferCode:  result.Transfer.TransferCode,
		ShareableLink: result.ShareableLink,
		Transfer:      result.Transfer,
	})
}

// ViewTransferHandler resolves a transfer by its public code.
func (h *EscrowHandlers) ViewTransferHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.ViewTransfer(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// MarkPaymentCompletedHandler starts the auto-release countdown.
func (h *EscrowHandlers) MarkPaymentCompletedHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferID(w, r)
	if !ok {
		return
	}
	transfer, err := h.service.MarkPaymentCompleted(r.Context(), transferID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// ReleaseHandler completes the escrow.
func (h *EscrowHandlers) ReleaseHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferID(w, r)
	if !ok {
		return
	}
	transfer, err := h.service.Release(r.Context(), transferID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// AppealHandler freezes the transfer for administrator review.
func (h *EscrowHandlers) AppealHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferID(w, r)
	if !ok {
		return
	}
	var req domain.AppealRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	transfer, err := h.service.Appeal(r.Context(), transferID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// StatusHandler serves the polling endpoint.
func (h *EscrowHandlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferID(w, r)
	if !ok {
		return
	}
	status, err := h.service.GetStatus(r.Context(), transferID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, status)
}

// ListAppealsHandler lists appealed transfers for administrators.
func (h *EscrowHandlers) ListAppealsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.queryInt(w, r, "limit")
	if !ok {
		return
	}
	offset, ok := h.queryInt(w, r, "offset")
	if !ok {
		return
	}

	page, err := h.service.ListAppeals(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// ResolveAppealHandler applies an administrator decision.
func (h *EscrowHandlers) ResolveAppealHandler(w http.ResponseWriter, r *http.Request) {
	transferID, ok := h.transferID(w, r)
	if !ok {
		return
	}
	var req domain.ResolveAppealRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	transfer, err := h.service.ResolveAppeal(r.Context(), transferID, domain.AppealAction(strings.ToLower(strings.TrimSpace(string(req.Action)))))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if subject, ok := GetAdminSubject(r.Context()); ok {
		h.logger.Info("appeal resolved", "transfer_id", transferID, "action", req.Action, "admin", subject)
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// transferID parses the {id} path parameter. A malformed id cannot name a transfer, so it
// is reported as not found.
func (h *EscrowHandlers) transferID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusNotFound, "Transfer not found")
		return uuid.Nil, false
	}
	return id, true
}

func (h *EscrowHandlers) queryInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		h.writeJSON(w, http.StatusBadRequest, inputErrorResponse{Error: "Invalid " + name, Field: name})
		return 0, false
	}
	return value, true
}

func (h *EscrowHandlers) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func (h *EscrowHandlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var stateErr *app.StateError
	var inputErr *app.InputError

	switch {
	case errors.As(err, &stateErr):
		h.writeJSON(w, http.StatusConflict, stateErrorResponse{Error: stateErr.Message, Status: stateErr.Current})
	case errors.As(err, &inputErr):
		h.writeJSON(w, http.StatusBadRequest, inputErrorResponse{Error: inputErr.Message, Field: inputErr.Field})
	case errors.Is(err, app.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, data)
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
