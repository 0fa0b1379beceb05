package app

import (
	"errors"
	"fmt"
	"net/http"

	"niyya/api/internal/common"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *common.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, common.Code(err), validation.Message, nil
	}
	code = common.Code(err)
	switch {
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized, code, "Unauthorized", nil
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound, code, "Not found", nil
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict, code, "Conflict", nil
	case errors.Is(err, common.ErrRateLimited):
		return http.StatusTooManyRequests, code, "Rate limit exceeded. Try again later.", nil
	case errors.Is(err, common.ErrCapacity):
		return http.StatusServiceUnavailable, code, "Server at capacity", nil
	case errors.Is(err, common.ErrBackendUnavailable):
		return http.StatusBadGateway, code, "Storage backend unavailable", nil
	default:
		return http.StatusInternalServerError, code, "Server error", nil
	}
}
