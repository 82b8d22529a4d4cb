package handlers

import (
	"net/http"

	"instrument-ledger/internal/apperror"
	"instrument-ledger/internal/logger"
)

var kindStatus = map[apperror.Kind]int{
	apperror.KindNotFound:          http.StatusNotFound,
	apperror.KindPolicyNotFound:    http.StatusNotFound,
	apperror.KindCustomerNotFound:  http.StatusNotFound,
	apperror.KindValidation:        http.StatusBadRequest,
	apperror.KindInvalidAmount:     http.StatusBadRequest,
	apperror.KindConflict:          http.StatusConflict,
	apperror.KindInvalidTransition: http.StatusConflict,
	apperror.KindAlreadyRedeemed:   http.StatusConflict,
	apperror.KindDuplicateCode:     http.StatusConflict,
	apperror.KindExpired:           http.StatusGone,
	apperror.KindInsufficient:      http.StatusUnprocessableEntity,
	apperror.KindDisabled:          http.StatusUnprocessableEntity,
}

func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error, internalMessage string) {
	kind := apperror.KindOf(err)

	if status, ok := kindStatus[kind]; ok {
		writeJSONResponse(w, status, ErrorResponse{
			Error:   http.StatusText(status),
			Code:    string(kind),
			Message: err.Error(),
			Data:    apperror.DataOf(err),
		})
		return
	}

	if log != nil {
		log.WithError(err).Error(internalMessage)
	}
	if kind == apperror.KindStorageUnavailable {
		writeJSONResponse(w, http.StatusServiceUnavailable, ErrorResponse{
			Error:   http.StatusText(http.StatusServiceUnavailable),
			Code:    string(kind),
			Message: internalMessage,
		})
		return
	}
	writeErrorResponse(w, http.StatusInternalServerError, internalMessage)
}
