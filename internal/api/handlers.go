/**
 * @description
 * This file contains the HTTP handlers for the transfer-service's API endpoints.
 * Handlers parse incoming requests, call the application services and write the
 * HTTP response.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/transfa/transfer-service/internal/domain"
	"github.com/transfa/transfer-service/internal/store"
	"go.uber.org/zap"
)

// TransferAPI is the transfer surface used by the handlers.
type TransferAPI interface {
	TransferNow(ctx context.Context, from, to int64, amount decimal.Decimal) (*domain.Transfer, error)
	Create(ctx context.Context, from, to int64, amount decimal.Decimal) (*domain.Transfer, error)
	ListTransfers(ctx context.Context, ownerID int64, limit, offset int) ([]domain.Transfer, error)
}

// AccountAPI is the account surface used by the handlers.
type AccountAPI interface {
	OpenAccount(ctx context.Context, initialDeposit decimal.Decimal) (*domain.Account, error)
	GetAccount(ctx context.Context, ownerID int64) (*domain.Account, error)
	GetBalance(ctx context.Context, ownerID int64) (decimal.Decimal, error)
}

// Handlers holds the application services that handlers will use.
type Handlers struct {
	transfers TransferAPI
	accounts  AccountAPI
	logger    *zap.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(transfers TransferAPI, accounts AccountAPI, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		transfers: transfers,
		accounts:  accounts,
		logger:    logger.With(zap.String("component", "api")),
	}
}

type errorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
}

type balanceResponse struct {
	OwnerID int64  `json:"owner_id"`
	Balance string `json:"balance"`
}

// OpenAccountHandler creates a user with a funded account.
func (h *Handlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.OpenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	account, err := h.accounts.OpenAccount(r.Context(), req.InitialDeposit)
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

// GetAccountHandler returns the account owned by the path owner.
func (h *Handlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.ownerFromPath(w, r, "ownerID")
	if !ok {
		return
	}
	account, err := h.accounts.GetAccount(r.Context(), ownerID)
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// GetBalanceHandler returns the owner's balance, possibly from the cache.
func (h *Handlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.ownerFromPath(w, r, "ownerID")
	if !ok {
		return
	}
	balance, err := h.accounts.GetBalance(r.Context(), ownerID)
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{OwnerID: ownerID, Balance: balance.StringFixed(domain.MoneyScale)})
}

// TransferNowHandler records and settles a transfer synchronously.
func (h *Handlers) TransferNowHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.TransferNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	transfer, err := h.transfers.TransferNow(r.Context(), req.FromOwnerID, req.ToOwnerID, req.Amount)
	if err != nil {
		transferID := ""
		if transfer != nil {
			transferID = transfer.ID.String()
		}
		h.writeDomainError(w, r, err, transferID)
		return
	}
	h.writeJSON(w, http.StatusOK, transfer)
}

// CreateTransferHandler records a PENDING transfer for the drainer.
func (h *Handlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	from, ok := h.ownerFromPath(w, r, "fromOwnerID")
	if !ok {
		return
	}
	var req domain.CreateTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	transfer, err := h.transfers.Create(r.Context(), from, req.ToOwnerID, req.Amount)
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusAccepted, transfer)
}

// ListTransfersHandler returns transfers sent or received by the owner, newest first.
func (h *Handlers) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.ownerFromPath(w, r, "ownerID")
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	transfers, err := h.transfers.ListTransfers(r.Context(), ownerID, limit, offset)
	if err != nil {
		h.writeDomainError(w, r, err, "")
		return
	}
	h.writeJSON(w, http.StatusOK, transfers)
}

func (h *Handlers) ownerFromPath(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	ownerID, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || ownerID <= 0 {
		h.writeError(w, http.StatusBadRequest, "Invalid owner ID")
		return 0, false
	}
	return ownerID, true
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// statusForKind maps transfer error kinds to HTTP statuses.
func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindInvalidAmount, domain.KindSelfTransfer, domain.KindInsufficientFunds:
		return http.StatusBadRequest
	case domain.KindAccountNotFound:
		return http.StatusNotFound
	case domain.KindLockContention:
		return http.StatusConflict
	case domain.KindTransientStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error, transferID string) {
	if kind, ok := domain.KindOf(err); ok {
		status := statusForKind(kind)
		message := err.Error()
		if status == http.StatusServiceUnavailable {
			h.logger.Error("transfer store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
			message = "Service temporarily unavailable"
		}
		h.writeJSON(w, status, errorResponse{Error: message, Code: string(kind), TransferID: transferID})
		return
	}
	if errors.Is(err, store.ErrAccountNotFound) {
		h.writeError(w, http.StatusNotFound, "Account not found")
		return
	}

	h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "Internal server error")
}

// writeJSON is a helper for writing JSON responses.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Warn("failed to encode response", zap.Error(err))
		}
	}
}

// writeError is a helper for writing JSON error responses.
func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}
