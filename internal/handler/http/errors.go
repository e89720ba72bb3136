package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yohan020/my-bucket-editor/internal/service"
)

// loginStatus maps a login outcome to its HTTP status and a short metrics label.
func loginStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, "ok"
	case errors.Is(err, service.ErrApprovalRequested):
		return http.StatusCreated, "requested"
	case errors.Is(err, service.ErrAwaitingApproval):
		return http.StatusAccepted, "pending"
	case errors.Is(err, service.ErrBadCredentials):
		return http.StatusUnauthorized, "bad_credentials"
	case errors.Is(err, service.ErrRejected):
		return http.StatusForbidden, "rejected"
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "invalid"
	default:
		return http.StatusInternalServerError, "error"
	}
}

// HandleServiceError writes the error response for a host API call. The host API is
// loopback-only, so unexpected errors keep their message.
func HandleServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrPathOutsideRoot):
		ErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrProjectNotFound):
		ErrorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrUserExists):
		ErrorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, service.ErrInternalServer):
		logrus.WithError(err).Error("Host API: internal error")
		ErrorResponse(c, http.StatusInternalServerError, "An unexpected error occurred")
	default:
		logrus.WithError(err).Warn("Host API: operation failed")
		ErrorResponse(c, http.StatusBadGateway, err.Error())
	}
}
