package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vlab/internal/cloud"
	"github.com/jbweber/homelab/vlab/internal/ledger"
	"github.com/jbweber/homelab/vlab/internal/lifecycle"
	"github.com/jbweber/homelab/vlab/internal/router"
)

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON encodes v with the given status
func writeJSON(w http.ResponseWriter, logger zerolog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError replies with an ErrorResponse
func writeError(w http.ResponseWriter, logger zerolog.Logger, status int, code, msg string) {
	writeJSON(w, logger, status, ErrorResponse{Error: msg, Code: code})
}

// writeFailure maps a service error to a status and code and replies with it
func writeFailure(w http.ResponseWriter, logger zerolog.Logger, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeError(w, logger, status, code, err.Error())
}

// statusFor maps service errors to HTTP status and a stable error code
func statusFor(err error) (int, string) {
	var ce *lifecycle.ConvergenceError
	switch {
	case errors.Is(err, lifecycle.ErrAnotherLabActive):
		return http.StatusConflict, "another_lab_active"
	case errors.Is(err, lifecycle.ErrTooManyActiveInstancesInLab):
		return http.StatusConflict, "too_many_active_instances"
	case errors.Is(err, lifecycle.ErrTooManyLabs):
		return http.StatusConflict, "too_many_labs"
	case errors.Is(err, lifecycle.ErrInstanceAlreadyExists):
		return http.StatusConflict, "instance_exists"
	case errors.Is(err, lifecycle.ErrNotOwner):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, lifecycle.ErrInstanceNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, cloud.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, lifecycle.ErrUnsupportedState),
		errors.Is(err, router.ErrInvalidInput),
		errors.Is(err, cloud.ErrMalformed):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, cloud.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, cloud.ErrQuotaExceeded):
		return http.StatusConflict, "quota_exceeded"
	case errors.Is(err, cloud.ErrForbidden):
		return http.StatusBadGateway, "cloud_forbidden"
	case errors.Is(err, lifecycle.ErrUnknownFault):
		return http.StatusBadGateway, "instance_error"
	case errors.As(err, &ce):
		return http.StatusGatewayTimeout, "not_converged"
	case errors.Is(err, cloud.ErrTransient):
		return http.StatusServiceUnavailable, "unavailable"
	}
	return http.StatusInternalServerError, "internal"
}

// decode reads a JSON body into v, replying 400 on failure
func decode(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, logger, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return false
	}
	return true
}
