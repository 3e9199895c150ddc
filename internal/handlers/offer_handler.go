package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinbox/backend/internal/middleware"
	"github.com/coinbox/backend/internal/services"
)

// OfferHandler exposes the offer registry.
type OfferHandler struct {
	offers    *services.OfferService
	validator *services.ValidationHelper
}

func NewOfferHandler(offers *services.OfferService) *OfferHandler {
	return &OfferHandler{
		offers:    offers,
		validator: services.NewValidationHelper(),
	}
}

type createOfferRequest struct {
	OfferType         string          `json:"offer_type" validate:"required,oneof=buy sell"`
	Asset             string          `json:"asset" validate:"required,alphanum,min=2,max=10"`
	FiatCurrency      string          `json:"fiat_currency" validate:"required,len=3"`
	PriceType         string          `json:"price_type" validate:"required,oneof=fixed floating"`
	Price             decimal.Decimal `json:"price" validate:"required"`
	MinLimit          decimal.Decimal `json:"min_limit" validate:"required"`
	MaxLimit          decimal.Decimal `json:"max_limit" validate:"required"`
	AvailableAmount   decimal.Decimal `json:"available_amount" validate:"required"`
	PaymentMethods    []string        `json:"payment_methods" validate:"required,min=1,dive,min=1"`
	PaymentTimeWindow int             `json:"payment_time_window" validate:"required,gt=0,lte=1440"`
	Terms             string          `json:"terms" validate:"max=2000"`
	AutoReply         string          `json:"auto_reply" validate:"max=500"`
}

// CreateOffer posts a new offer
// @Summary Create offer
// @Tags offers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body createOfferRequest true "Offer data"
// @Success 201 {object} models.Offer
// @Failure 400 {object} services.ErrorResponse
// @Failure 422 {object} services.ErrorResponse
// @Router /offers [post]
func (h *OfferHandler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req createOfferRequest
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	offer, err := h.offers.CreateOffer(r.Context(), services.CreateOfferParams{
		UserID:            userID,
		OfferType:         req.OfferType,
		Asset:             strings.ToUpper(req.Asset),
		FiatCurrency:      strings.ToUpper(req.FiatCurrency),
		PriceType:         req.PriceType,
		Price:             req.Price,
		MinLimit:          req.MinLimit,
		MaxLimit:          req.MaxLimit,
		AvailableAmount:   req.AvailableAmount,
		PaymentMethods:    req.PaymentMethods,
		PaymentTimeWindow: req.PaymentTimeWindow,
		Terms:             req.Terms,
		AutoReply:         req.AutoReply,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusCreated, offer)
}

type updateOfferRequest struct {
	Price             *decimal.Decimal `json:"price"`
	MinLimit          *decimal.Decimal `json:"min_limit"`
	MaxLimit          *decimal.Decimal `json:"max_limit"`
	AvailableAmount   *decimal.Decimal `json:"available_amount"`
	PaymentMethods    []string         `json:"payment_methods"`
	PaymentTimeWindow *int             `json:"payment_time_window"`
	Terms             *string          `json:"terms"`
	AutoReply         *string          `json:"auto_reply"`
}

// UpdateOffer edits an owned offer
// @Summary Update offer
// @Tags offers
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param offerId path string true "Offer ID"
// @Param request body updateOfferRequest true "Fields to update"
// @Success 200 {object} models.Offer
// @Failure 403 {object} services.ErrorResponse
// @Router /offers/{offerId} [put]
func (h *OfferHandler) UpdateOffer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	offerID := chi.URLParam(r, "offerId")

	var req updateOfferRequest
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}

	offer, err := h.offers.UpdateOffer(r.Context(), offerID, userID, services.UpdateOfferParams{
		Price:             req.Price,
		MinLimit:          req.MinLimit,
		MaxLimit:          req.MaxLimit,
		AvailableAmount:   req.AvailableAmount,
		PaymentMethods:    req.PaymentMethods,
		PaymentTimeWindow: req.PaymentTimeWindow,
		Terms:             req.Terms,
		AutoReply:         req.AutoReply,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, offer)
}

// ToggleOfferStatus pauses or resumes an owned offer
// @Summary Toggle offer status
// @Tags offers
// @Produce json
// @Security BearerAuth
// @Param offerId path string true "Offer ID"
// @Success 200 {object} object{status=string}
// @Router /offers/{offerId}/toggle [post]
func (h *OfferHandler) ToggleOfferStatus(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	offerID := chi.URLParam(r, "offerId")

	status, err := h.offers.ToggleOfferStatus(r.Context(), offerID, userID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, map[string]string{"status": status})
}

// DeleteOffer soft-deletes an owned offer
// @Summary Delete offer
// @Tags offers
// @Produce json
// @Security BearerAuth
// @Param offerId path string true "Offer ID"
// @Success 200 {object} object{success=bool}
// @Failure 409 {object} services.ErrorResponse
// @Router /offers/{offerId} [delete]
func (h *OfferHandler) DeleteOffer(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	offerID := chi.URLParam(r, "offerId")

	if err := h.offers.DeleteOffer(r.Context(), offerID, userID); err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// SearchOffers lists the marketplace
// @Summary Search offers
// @Tags offers
// @Produce json
// @Security BearerAuth
// @Param offer_type query string false "buy or sell"
// @Param asset query string false "Asset code"
// @Param fiat_currency query string false "Fiat currency code"
// @Param payment_methods query string false "Comma-separated payment methods"
// @Param min_amount query string false "Minimum fiat amount"
// @Param max_amount query string false "Maximum fiat amount"
// @Param limit query int false "Max rows"
// @Success 200 {array} models.Offer
// @Router /offers [get]
func (h *OfferHandler) SearchOffers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := services.SearchOffersParams{
		OfferType:    q.Get("offer_type"),
		Asset:        strings.ToUpper(q.Get("asset")),
		FiatCurrency: strings.ToUpper(q.Get("fiat_currency")),
		Limit:        queryInt(r, "limit"),
	}
	if methods := q.Get("payment_methods"); methods != "" {
		params.PaymentMethods = strings.Split(methods, ",")
	}
	if v := q.Get("min_amount"); v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			services.SendErrorResponse(w, "Invalid min_amount", http.StatusBadRequest, nil)
			return
		}
		params.MinAmount = amount
	}
	if v := q.Get("max_amount"); v != "" {
		amount, err := decimal.NewFromString(v)
		if err != nil {
			services.SendErrorResponse(w, "Invalid max_amount", http.StatusBadRequest, nil)
			return
		}
		params.MaxAmount = amount
	}

	offers, err := h.offers.SearchOffers(r.Context(), params)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, offers)
}

// GetUserOffers lists the caller's own offers
// @Summary List own offers
// @Tags offers
// @Produce json
// @Security BearerAuth
// @Param status query string false "Status filter"
// @Success 200 {array} models.Offer
// @Router /offers/mine [get]
func (h *OfferHandler) GetUserOffers(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	offers, err := h.offers.GetUserOffers(r.Context(), userID, r.URL.Query().Get("status"))
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, offers)
}

func queryInt(r *http.Request, key string) int {
	value, _ := strconv.Atoi(r.URL.Query().Get(key))
	return value
}
