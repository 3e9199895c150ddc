package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/coinbox/backend/internal/middleware"
	"github.com/coinbox/backend/internal/models"
	"github.com/coinbox/backend/internal/services"
)

// DisputeHandler exposes dispute evidence and the arbiter resolution path.
// The arbiter role check lives in the route middleware.
type DisputeHandler struct {
	disputes  *services.DisputeService
	validator *services.ValidationHelper
}

func NewDisputeHandler(disputes *services.DisputeService) *DisputeHandler {
	return &DisputeHandler{
		disputes:  disputes,
		validator: services.NewValidationHelper(),
	}
}

// GetDispute returns the dispute for an order
// @Summary Get dispute
// @Tags disputes
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Success 200 {object} models.Dispute
// @Failure 404 {object} services.ErrorResponse
// @Router /orders/{orderId}/dispute [get]
func (h *DisputeHandler) GetDispute(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")

	dispute, err := h.disputes.GetDisputeByOrder(r.Context(), orderID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, dispute)
}

// AddEvidence attaches evidence to an open dispute
// @Summary Add dispute evidence
// @Tags disputes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param disputeId path string true "Dispute ID"
// @Param request body object{type=string,url=string,description=string} true "Evidence"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Router /disputes/{disputeId}/evidence [post]
func (h *DisputeHandler) AddEvidence(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	disputeID := chi.URLParam(r, "disputeId")

	var req struct {
		Type        string `json:"type" validate:"required,oneof=image document text"`
		URL         string `json:"url" validate:"omitempty,url"`
		Description string `json:"description" validate:"required,min=3,max=2000"`
	}
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	err := h.disputes.AddEvidence(r.Context(), disputeID, userID, models.Evidence{
		Type:        req.Type,
		URL:         req.URL,
		Description: req.Description,
	})
	if err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// ResolveDispute applies an arbiter decision
// @Summary Resolve dispute
// @Description Arbiter-only: resolves a disputed order to buyer or seller
// @Tags disputes
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param orderId path string true "Order ID"
// @Param request body object{resolution=string,details=string} true "Resolution"
// @Success 200 {object} object{success=bool}
// @Failure 403 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /disputes/{orderId}/resolve [post]
func (h *DisputeHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	arbiterID := middleware.UserIDFromContext(r.Context())
	orderID := chi.URLParam(r, "orderId")

	var req struct {
		Resolution string `json:"resolution" validate:"required,oneof=buyer seller"`
		Details    string `json:"details" validate:"required,min=3,max=2000"`
	}
	if err := services.DecodeJSONBody(w, r, &req); err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if err := h.disputes.ResolveDispute(r.Context(), orderID, arbiterID, req.Resolution, req.Details); err != nil {
		services.SendServiceError(w, err)
		return
	}
	services.SendJSONResponse(w, http.StatusOK, map[string]bool{"success": true})
}
