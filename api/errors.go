package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gatehouselabs/gatehouse/auth"
	"github.com/gatehouselabs/gatehouse/passkey"
	"github.com/gatehouselabs/gatehouse/store"
	"github.com/gatehouselabs/gatehouse/token"
)

// Request body ceilings. Credential and ceremony payloads are small; the
// WebAuthn attestation object is the largest thing we ever accept.
const (
	maxAuthBodySize     = 16 << 10
	maxWebAuthnBodySize = 64 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs the real error and sends a generic 500. Internal
// detail never reaches the client.
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

// mapError translates package sentinels into HTTP responses. Everything
// credential-shaped collapses to a generic 401 so a caller cannot probe
// which check failed; token theft in particular looks identical to an
// expired token from the outside.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, token.ErrTokenTheft):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, token.ErrTokenRevoked):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, token.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, passkey.ErrCeremonyExpired):
		writeError(w, http.StatusBadRequest, "ceremony expired; start again")
	case errors.Is(err, passkey.ErrNoCredentials):
		writeError(w, http.StatusBadRequest, "no passkeys registered")
	case errors.Is(err, passkey.ErrCounterRegression):
		writeError(w, http.StatusUnauthorized, "passkey rejected")
	case errors.Is(err, passkey.ErrVerificationFailed):
		writeError(w, http.StatusUnauthorized, "passkey rejected")
	case errors.Is(err, passkey.ErrNotOwner):
		// Cross-user access reads as absence; the audit log has the truth.
		writeError(w, http.StatusNotFound, "credential not found")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeInternalError(w, "internal error", err)
	}
}

// decodeJSON reads and decodes a JSON request body of at most maxBytes.
// On failure it writes the error response itself and returns ok=false.
// Unknown fields are rejected so typos fail loudly instead of silently
// defaulting.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		case errors.As(err, &maxBytesErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return v, false
	}
	return v, true
}

// decodeOptionalJSON is decodeJSON for endpoints where an empty body is
// legal (refresh and logout accept a cookie instead of a body). An absent
// body yields the zero value.
func decodeOptionalJSON[T any](w http.ResponseWriter, r *http.Request, maxBytes int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return v, true
		}
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return v, false
	}
	return v, true
}
