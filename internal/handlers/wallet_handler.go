package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinbox/backend/internal/middleware"
	"github.com/coinbox/backend/internal/models"
	"github.com/coinbox/backend/internal/services"
)

// WalletHandler exposes wallet balance, history and the payment-gateway
// deposit/withdraw entry points.
type WalletHandler struct {
	wallets   *services.WalletService
	validator *services.ValidationHelper
}

func NewWalletHandler(wallets *services.WalletService) *WalletHandler {
	return &WalletHandler{
		wallets:   wallets,
		validator: services.NewValidationHelper(),
	}
}

// GetBalance returns the caller's wallet
// @Summary Get wallet balance
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=string,locked_balance=string,available_balance=string}
// @Router /wallet/balance [get]
func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	wallet, err := h.wallets.GetWallet(r.Context(), userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusOK, map[string]any{
		"balance":           wallet.Balance,
		"locked_balance":    wallet.LockedBalance,
		"available_balance": wallet.AvailableBalance(),
		"total_deposited":   wallet.TotalDeposited,
		"total_withdrawn":   wallet.TotalWithdrawn,
	})
}

// GetTransactions returns the caller's ledger history
// @Summary List wallet transactions
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Max rows"
// @Param type query string false "Transaction type filter"
// @Success 200 {array} models.WalletTransaction
// @Router /wallet/transactions [get]
func (h *WalletHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	transactions, err := h.wallets.GetTransactionHistory(r.Context(), userID,
		queryInt(r, "limit"), r.URL.Query().Get("type"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, transactions)
}

type balanceMutationRequest struct {
	Amount      decimal.Decimal `json:"amount" validate:"required"`
	OperationID string          `json:"operation_id"`
}

// Deposit credits a verified gateway deposit
// @Summary Deposit funds
// @Description Called by the payment gateway once a deposit is verified
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body balanceMutationRequest true "Deposit request"
// @Success 200 {object} models.WalletTransaction
// @Failure 422 {object} services.ErrorResponse
// @Router /wallet/deposit [post]
func (h *WalletHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.mutateBalance(w, r, h.wallets.Deposit)
}

// Withdraw debits an approved withdrawal
// @Summary Withdraw funds
// @Description Called by the payment gateway after its payout succeeds
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body balanceMutationRequest true "Withdrawal request"
// @Success 200 {object} models.WalletTransaction
// @Failure 422 {object} services.ErrorResponse
// @Router /wallet/withdraw [post]
func (h *WalletHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.mutateBalance(w, r, h.wallets.Withdraw)
}

func (h *WalletHandler) mutateBalance(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID string, amount decimal.Decimal, operationID string) (*models.WalletTransaction, error)) {
	userID := middleware.UserIDFromContext(r.Context())

	var req balanceMutationRequest
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}

	record, err := op(r.Context(), userID, req.Amount, req.OperationID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, record)
}
