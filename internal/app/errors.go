package app

import (
	"errors"
	"fmt"
	"net/http"

	"medxplorer/api/internal/answer"
	"medxplorer/api/internal/conversation"
	"medxplorer/api/internal/export"
	"medxplorer/api/internal/ingest"
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
	case conversation.IsValidation(err), errors.Is(err, ingest.ErrEmptyBatch):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Conversation not found", nil
	case errors.Is(err, conversation.ErrClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Service is shutting down", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'html', 'pdf' or 'docx'", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusNotImplemented, "EXPORT_UNAVAILABLE", err.Error(), nil
	}

	var answerStatus *answer.StatusError
	var ingestStatus *ingest.StatusError
	if errors.As(err, &answerStatus) || errors.As(err, &ingestStatus) {
		return http.StatusBadGateway, "UPSTREAM_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
