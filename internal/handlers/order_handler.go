package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinbox/backend/internal/middleware"
	"github.com/coinbox/backend/internal/services"
)

// OrderHandler exposes the escrow order lifecycle.
type OrderHandler struct {
	orders    *services.OrderService
	disputes  *services.DisputeService
	chat      *services.ChatService
	qr        *services.QRService
	validator *services.ValidationHelper
}

func NewOrderHandler(orders *services.OrderService, disputes *services.DisputeService, chat *services.ChatService, qr *services.QRService) *OrderHandler {
	return &OrderHandler{
		orders:    orders,
		disputes:  disputes,
		chat:      chat,
		qr:        qr,
		validator: services.NewValidationHelper(),
	}
}

type createOrderRequest struct {
	OfferID       string          `json:"offer_id" validate:"required,uuid4"`
	FiatAmount    decimal.Decimal `json:"fiat_amount" validate:"required"`
	PaymentMethod string          `json:"payment_method" validate:"required,min=1"`
}

// CreateOrder opens an order against an offer
// @Summary Create order
// @Description Opens an escrow order: reserves the offer amount and locks the seller's crypto
// @Tags orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createOrderRequest true "Order data"
// @Success 201 {object} models.Order
// @Failure 422 {object} services.ErrorResponse
// @Router /orders [post]
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req createOrderRequest
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), services.CreateOrderParams{
		OfferID:       req.OfferID,
		UserID:        userID,
		FiatAmount:    req.FiatAmount,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusCreated, order)
}

// MarkAsPaid records the buyer's payment claim
// @Summary Mark order as paid
// @Tags orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Param request body object{payment_proof_url=string} false "Optional payment proof"
// @Success 200 {object} object{success=bool}
// @Failure 409 {object} services.ErrorResponse
// @Router /orders/{orderId}/paid [post]
func (h *OrderHandler) MarkAsPaid(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID := chi.URLParam(r, "orderId")

	var req struct {
		PaymentProofURL string `json:"payment_proof_url" validate:"omitempty,url"`
	}
	if r.ContentLength > 0 {
		if err := services.DecodeJSONBody(w, r, &req); err != nil {
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
			return
		}
		if err := h.validator.ValidateStruct(&req); err != nil {
			services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
			return
		}
	}

	if err := h.orders.MarkAsPaid(r.Context(), orderID, userID, req.PaymentProofURL); err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// ReleaseCrypto completes the trade
// @Summary Release crypto
// @Description Seller releases the escrowed crypto to the buyer
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Success 200 {object} object{success=bool}
// @Failure 409 {object} services.ErrorResponse
// @Router /orders/{orderId}/release [post]
func (h *OrderHandler) ReleaseCrypto(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID := chi.URLParam(r, "orderId")

	if err := h.orders.ReleaseCrypto(r.Context(), orderID, userID); err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// CancelOrder aborts an open order
// @Summary Cancel order
// @Tags orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Param request body object{reason=string} true "Cancellation reason"
// @Success 200 {object} object{success=bool}
// @Failure 409 {object} services.ErrorResponse
// @Router /orders/{orderId}/cancel [post]
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID := chi.URLParam(r, "orderId")

	var req struct {
		Reason string `json:"reason" validate:"required,min=3,max=500"`
	}
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.orders.CancelOrder(r.Context(), orderID, userID, req.Reason); err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// OpenDispute freezes the order for arbitration
// @Summary Open dispute
// @Tags orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Param request body object{reason=string} true "Dispute reason"
// @Success 201 {object} models.Dispute
// @Failure 409 {object} services.ErrorResponse
// @Router /orders/{orderId}/dispute [post]
func (h *OrderHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID := chi.URLParam(r, "orderId")

	var req struct {
		Reason string `json:"reason" validate:"required,min=3,max=500"`
	}
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	dispute, err := h.disputes.OpenDispute(r.Context(), orderID, userID, req.Reason)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusCreated, dispute)
}

// GetUserOrders lists the caller's orders
// @Summary List orders
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param status query string false "Status filter"
// @Param limit query int false "Max rows"
// @Success 200 {array} models.Order
// @Router /orders [get]
func (h *OrderHandler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	orders, err := h.orders.GetUserOrders(r.Context(), userID,
		r.URL.Query().Get("status"), queryInt(r, "limit"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, orders)
}

// GetOrderDetails returns an order with its message trail
// @Summary Get order details
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Success 200 {object} object{order=models.Order,chat_messages=[]models.ChatMessage}
// @Failure 404 {object} services.ErrorResponse
// @Router /orders/{orderId} [get]
func (h *OrderHandler) GetOrderDetails(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID := chi.URLParam(r, "orderId")

	order, err := h.orders.GetOrder(r.Context(), orderID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	if !order.IsParticipant(userID) {
		services.SendServiceError(w, services.ErrNotParticipant)
		return
	}

	messages, err := h.chat.GetMessages(r.Context(), orderID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	services.SendJSONResponse(w, http.StatusOK, map[string]any{
		"order":         order,
		"chat_messages": messages,
	})
}

// SendChatMessage appends to the order's message trail
// @Summary Send chat message
// @Tags orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Param request body object{message=string,type=string,attachment_url=string} true "Message"
// @Success 201 {object} models.ChatMessage
// @Failure 403 {object} services.ErrorResponse
// @Router /orders/{orderId}/messages [post]
func (h *OrderHandler) SendChatMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID := chi.URLParam(r, "orderId")

	var req struct {
		Message       string `json:"message" validate:"required,min=1,max=2000"`
		Type          string `json:"type" validate:"omitempty,oneof=text payment-proof bank-details"`
		AttachmentURL string `json:"attachment_url" validate:"omitempty,url"`
	}
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	message, err := h.chat.SendMessage(r.Context(), orderID, userID, req.Message, req.Type, req.AttachmentURL)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusCreated, message)
}

// GetPaymentQR returns a scannable payment reference for the buyer
// @Summary Get payment QR
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Success 200 {object} object{code=string,image=string}
// @Failure 409 {object} services.ErrorResponse
// @Router /orders/{orderId}/payment-qr [get]
func (h *OrderHandler) GetPaymentQR(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID := chi.URLParam(r, "orderId")

	code, image, err := h.qr.GeneratePaymentQR(r.Context(), orderID, userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, map[string]string{
		"code":  code,
		"image": image,
	})
}
