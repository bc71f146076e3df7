// Package handlers provides HTTP handlers for the coverage API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
	"github.com/vertical-pharmacy/rxcoverage/internal/domain/partner"
	"github.com/vertical-pharmacy/rxcoverage/internal/fhir/mapper"
	fhir "github.com/vertical-pharmacy/rxcoverage/internal/fhir/r5"
)

// ErrorResponse is the JSON body of every non-FHIR error
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFHIR(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// classify maps a domain error onto a status, a machine code and the offending field
func classify(err error) (int, string, string) {
	var verr *coverage.ValidationError
	var merr *mapper.MapError
	switch {
	case errors.Is(err, coverage.ErrDuplicatePolicy),
		errors.Is(err, partner.ErrDuplicateLicense),
		errors.Is(err, partner.ErrDuplicatePatientCode):
		field := ""
		if errors.As(err, &verr) {
			field = verr.Field
		}
		return http.StatusConflict, "duplicate", field
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity, "validation_failed", verr.Field
	case errors.Is(err, partner.ErrPartnerInUse):
		return http.StatusConflict, "in_use", ""
	case errors.Is(err, coverage.ErrPolicyNotFound),
		errors.Is(err, coverage.ErrPatientNotFound),
		errors.Is(err, coverage.ErrInsurerNotFound),
		errors.Is(err, partner.ErrPartnerNotFound):
		return http.StatusNotFound, "not_found", ""
	case errors.Is(err, coverage.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument", ""
	case errors.As(err, &merr):
		return http.StatusBadRequest, "invalid_resource", merr.Field
	}
	return http.StatusInternalServerError, "internal", ""
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, code, field := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		message = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Field: field})
}

func writeFHIRError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, code, field := classify(err)
	issue := fhir.IssueInvalid
	switch code {
	case "not_found":
		issue = fhir.IssueNotFound
	case "duplicate":
		issue = fhir.IssueDuplicate
	case "internal":
		issue = fhir.IssueException
		logger.Error("fhir request failed", zap.Error(err))
	}
	outcome := fhir.NewErrorOutcome(issue, err.Error())
	if field != "" {
		outcome.Issue[0].Expression = []string{field}
	}
	if status == http.StatusInternalServerError {
		outcome.Issue[0].Diagnostics = "internal server error"
	}
	writeFHIR(w, status, outcome)
}

// parseDate reads YYYY-MM-DD or RFC 3339. Empty input yields the zero time.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("dates must be YYYY-MM-DD or RFC 3339")
	}
	return t, nil
}
