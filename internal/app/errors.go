package app

import (
	"errors"
	"fmt"
	"net/http"

	"loupe/api/internal/curation"
	"loupe/api/internal/lifecycle"
	"loupe/api/internal/merge"
	"loupe/api/internal/session"
	"loupe/api/internal/store"
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
	switch {
	case lifecycle.ErrInvalidTransition.Has(err):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case merge.ErrSourceNotFound.Has(err):
		return http.StatusNotFound, "SOURCE_NOT_FOUND", err.Error(), nil
	case merge.ErrAnnotationConflict.Has(err):
		return http.StatusConflict, "ANNOTATION_CONFLICT", err.Error(), nil
	case merge.ErrUnresolved.Has(err):
		return http.StatusUnprocessableEntity, "UNRESOLVED", err.Error(), nil
	case merge.ErrBrokenReference.Has(err):
		return http.StatusUnprocessableEntity, "BROKEN_REFERENCE", err.Error(), nil
	case merge.ErrConfirmationRequired.Has(err):
		return http.StatusPreconditionRequired, "CONFIRMATION_REQUIRED", err.Error(), nil
	case merge.ErrCurationFinished.Has(err):
		return http.StatusConflict, "CURATION_FINISHED", err.Error(), nil
	case curation.ErrInvalidTarget.Has(err):
		return http.StatusUnprocessableEntity, "INVALID_TARGET", err.Error(), nil
	case curation.ErrInvalidRequest.Has(err):
		return http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil
	case session.ErrStorageFailure.Has(err):
		return http.StatusServiceUnavailable, "STORAGE_FAILURE", "Settings storage unavailable", nil
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
