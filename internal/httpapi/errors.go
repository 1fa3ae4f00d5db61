package httpapi

import (
	"context"
	"errors"
	"net/http"

	"pbx-controlplane/internal/ami"
	"pbx-controlplane/internal/ari"
	"pbx-controlplane/internal/status"
	"pbx-controlplane/internal/telephony"

	"github.com/gin-gonic/gin"
)

var (
	errInvalidJSON = errors.New("invalid json")
	errMissingID   = errors.New("id required")
	errDisabled    = errors.New("session disabled")
)

func isBadRequest(err error) bool {
	for _, target := range []error{
		errInvalidJSON,
		errMissingID,
		status.ErrInvalidUpdate,
		ami.ErrMissingChannel,
		ami.ErrMissingDestination,
		ami.ErrMissingInterface,
		ari.ErrMissingChannel,
		ari.ErrMissingBridge,
		ari.ErrMissingMedia,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// httpStatus maps the error taxonomy onto response codes.
func httpStatus(err error) int {
	var actionErr *ami.ActionError
	var apiErr *ari.APIError
	switch {
	case isBadRequest(err):
		return http.StatusBadRequest
	case errors.Is(err, telephony.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, status.ErrStaleUpdate):
		return http.StatusConflict
	case errors.Is(err, telephony.ErrActionTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, telephony.ErrConnection), errors.Is(err, status.ErrCacheUnavailable), errors.Is(err, errDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, telephony.ErrAuthentication):
		return http.StatusBadGateway
	case errors.As(err, &actionErr), errors.As(err, &apiErr):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := httpStatus(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
