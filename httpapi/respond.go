package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"fundbridge/agreement"
	"fundbridge/blob"
	"fundbridge/disbursement"
	"fundbridge/logger"
	"fundbridge/party"
	"fundbridge/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeError renders the error envelope shared by every endpoint.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"request_id": logger.RequestID(r.Context()),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	})
}

// classify maps domain sentinels to a status and a stable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, agreement.ErrInvalidInput),
		errors.Is(err, party.ErrInvalid),
		errors.Is(err, blob.ErrBadLocator):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, blob.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "INVALID_INPUT"
	case errors.Is(err, session.ErrInvalidToken):
		return http.StatusUnauthorized, "UNAUTHENTICATED"
	case errors.Is(err, agreement.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, agreement.ErrNotFound),
		errors.Is(err, party.ErrNotFound),
		errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, agreement.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, agreement.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "PRECONDITION_FAILED"
	case errors.Is(err, disbursement.ErrLedger):
		return http.StatusBadGateway, "LEDGER_ERROR"
	case errors.Is(err, disbursement.ErrIndeterminate):
		return http.StatusGatewayTimeout, "INDETERMINATE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// fail writes err through classify. Internal errors are logged and their
// text is not returned to the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.WithContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeError(w, r, status, code, msg, nil)
}
