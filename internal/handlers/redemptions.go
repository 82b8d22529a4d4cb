package handlers

import (
	"net/http"

	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/models"
)

// RedemptionHandler принимает погашения инструментов от checkout
type RedemptionHandler struct {
	gateway RedemptionGateway
	log     *logger.Logger
}

// NewRedemptionHandler создает обработчик погашений
func NewRedemptionHandler(gateway RedemptionGateway, log *logger.Logger) *RedemptionHandler {
	return &RedemptionHandler{
		gateway: gateway,
		log:     log,
	}
}

// Redeem применяет ваучер или подарочную карту к заказу
func (h *RedemptionHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req models.RedeemRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Order.RequestID == "" {
		req.Order.RequestID = r.Header.Get("Idempotency-Key")
	}

	result, err := h.gateway.Redeem(r.Context(), tenant, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to redeem instrument")
		return
	}

	writeJSONResponse(w, http.StatusOK, result)
}
