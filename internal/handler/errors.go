package handler

import (
	"net/http"

	"pos-sync-server/internal/service"
	"pos-sync-server/pkg/response"
)

var kindStatus = map[service.ErrorKind]int{
	service.KindValidation:     http.StatusBadRequest,
	service.KindNotFound:       http.StatusNotFound,
	service.KindConflict:       http.StatusConflict,
	service.KindBusy:           http.StatusConflict,
	service.KindApply:          http.StatusUnprocessableEntity,
	service.KindTimeout:        http.StatusGatewayTimeout,
	service.KindInfrastructure: http.StatusInternalServerError,
}

// statusFor maps a service error kind onto an HTTP status code.
func statusFor(kind service.ErrorKind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	kind := service.KindOf(err)
	status := statusFor(kind)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	response.Problem(w, status, string(kind), msg, service.IsRetryable(err))
}
