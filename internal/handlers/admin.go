package handlers

import (
	"net/http"

	"instrument-ledger/internal/logger"
)

// AdminHandler служебные операции: ручной запуск sweep и сброс кеша политик
type AdminHandler struct {
	sweeper  ExpirySweeper
	policies PolicyCacheInvalidator
	log      *logger.Logger
}

// NewAdminHandler создает AdminHandler. policies может быть nil, если кеш не используется.
func NewAdminHandler(sweeper ExpirySweeper, policies PolicyCacheInvalidator, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		sweeper:  sweeper,
		policies: policies,
		log:      log,
	}
}

// RunExpirySweep синхронно выполняет один проход фиксации истёкших инструментов
func (h *AdminHandler) RunExpirySweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	result, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeServiceError(w, h.log, err, "Expiry sweep failed")
		return
	}

	h.log.WithField("vouchers", result.Vouchers).WithField("gift_cards", result.GiftCards).Info("Manual expiry sweep completed")
	writeJSONResponse(w, http.StatusOK, result)
}

// InvalidatePolicies сбрасывает закешированные политики тенанта
func (h *AdminHandler) InvalidatePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	if h.policies == nil {
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{"invalidated": false})
		return
	}

	if err := h.policies.Invalidate(r.Context(), tenant); err != nil {
		h.log.WithError(err).WithField("tenant_id", tenant).Error("Failed to invalidate policy cache")
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to invalidate policy cache")
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]interface{}{"invalidated": true})
}
