package handlers

import (
	"net/http"

	"instrument-ledger/internal/logger"
	"instrument-ledger/internal/models"
)

const vouchersPathPrefix = "/api/vouchers/"

// VoucherHandler обрабатывает HTTP запросы для компенсационных ваучеров
type VoucherHandler struct {
	vouchers VoucherService
	log      *logger.Logger
}

// NewVoucherHandler создает новый обработчик ваучеров
func NewVoucherHandler(vouchers VoucherService, log *logger.Logger) *VoucherHandler {
	return &VoucherHandler{
		vouchers: vouchers,
		log:      log,
	}
}

// IssueVoucher выпускает ваучер по политике компенсации
func (h *VoucherHandler) IssueVoucher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	var req models.IssueVoucherRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	voucher, err := h.vouchers.Issue(r.Context(), tenant, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to issue voucher")
		return
	}

	writeJSONResponse(w, http.StatusCreated, voucher)
}

// GetVoucher возвращает ваучер по ID
func (h *VoucherHandler) GetVoucher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, vouchersPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid voucher ID")
		return
	}

	voucher, err := h.vouchers.Get(r.Context(), tenant, id)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to get voucher")
		return
	}

	writeJSONResponse(w, http.StatusOK, voucher)
}

// ListVouchers возвращает ваучеры тенанта с фильтрами status и customer_id
func (h *VoucherHandler) ListVouchers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := models.VoucherFilter{
		Status:     models.VoucherStatus(query.Get("status")),
		CustomerID: query.Get("customer_id"),
	}
	filter.Limit, filter.Offset = parsePagination(r)

	vouchers, err := h.vouchers.List(r.Context(), tenant, filter)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to list vouchers")
		return
	}

	writeJSONResponse(w, http.StatusOK, vouchers)
}

// ApproveVoucher одобряет ваучер, ожидающий согласования
func (h *VoucherHandler) ApproveVoucher(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, true)
}

// RejectVoucher отклоняет ваучер, ожидающий согласования
func (h *VoucherHandler) RejectVoucher(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, false)
}

func (h *VoucherHandler) review(w http.ResponseWriter, r *http.Request, approve bool) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, vouchersPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid voucher ID")
		return
	}

	var req models.ReviewVoucherRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var voucher *models.Voucher
	if approve {
		voucher, err = h.vouchers.Approve(r.Context(), tenant, id, &req)
	} else {
		voucher, err = h.vouchers.Reject(r.Context(), tenant, id, &req)
	}
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to review voucher")
		return
	}

	writeJSONResponse(w, http.StatusOK, voucher)
}

// RedeemVoucher погашает ваучер заказом
func (h *VoucherHandler) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	tenant, ok := tenantFromRequest(w, r)
	if !ok {
		return
	}

	id, err := extractUUIDFromPath(r.URL.Path, vouchersPathPrefix)
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid voucher ID")
		return
	}

	var req models.RedeemVoucherRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	redemption, err := h.vouchers.Redeem(r.Context(), tenant, id, &req)
	if err != nil {
		writeServiceError(w, h.log, err, "Failed to redeem voucher")
		return
	}

	writeJSONResponse(w, http.StatusOK, redemption)
}
