package handlers

import (
	"net/http"

	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/models"
)

const giftCardsPathPrefix = "/api/gift-cards/"

// GiftCardHandler обрабатывает HTTP запросы для подарочных карт
type GiftCardHandler struct {
	giftCards GiftCardService
	log       *logger.Logger
}

// NewGiftCardHandler создает новый обработчик подарочных карт
func NewGiftCardHandler(giftCards GiftCardService, log *logger.Logger) *GiftCardHandler {
	return &GiftCardHandler{
		giftCards: giftCards,
		log:       log,
	}
}

// IssueGiftCard выпускает подарочную карту
func (h *GiftCardHandler) IssueGiftCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req models.IssueGiftCardRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	card, err := h.giftCards.Issue(r.Context(), tenant, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to issue gift card")
		return
	}

	writeJSONResponse(w, http.StatusCreated, card)
}

// GetGiftCard возвращает карту по ID
func (h *GiftCardHandler) GetGiftCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, giftCardsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid gift card ID")
		return
	}

	card, err := h.giftCards.Get(r.Context(), tenant, id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get gift card")
		return
	}

	writeJSONResponse(w, http.StatusOK, card)
}

// ListGiftCards возвращает карты тенанта
func (h *GiftCardHandler) ListGiftCards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := models.GiftCardFilter{
		Status:     models.GiftCardStatus(query.Get("status")),
		CustomerID: query.Get("customer_id"),
	}
	filter.Limit, filter.Offset = parsePagination(r)

	cards, err := h.giftCards.List(r.Context(), tenant, filter)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list gift cards")
		return
	}

	writeJSONResponse(w, http.StatusOK, cards)
}

// ApplyGiftCard списывает сумму с карты
func (h *GiftCardHandler) ApplyGiftCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, giftCardsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid gift card ID")
		return
	}

	var req models.ApplyGiftCardRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	application, err := h.giftCards.Apply(r.Context(), tenant, id, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to apply gift card")
		return
	}

	writeJSONResponse(w, http.StatusOK, application)
}

// DisableGiftCard отключает карту
func (h *GiftCardHandler) DisableGiftCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, giftCardsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid gift card ID")
		return
	}

	card, err := h.giftCards.Disable(r.Context(), tenant, id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to disable gift card")
		return
	}

	writeJSONResponse(w, http.StatusOK, card)
}

// GetTransactions возвращает историю списаний карты
func (h *GiftCardHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, giftCardsPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid gift card ID")
		return
	}

	limit, offset := parsePagination(r)
	txns, err := h.giftCards.Transactions(r.Context(), tenant, id, limit, offset)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get gift card transactions")
		return
	}

	writeJSONResponse(w, http.StatusOK, txns)
}
