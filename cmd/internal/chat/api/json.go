package chatapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// errorResponse reuses the realtime error payload so both transports report
// failures with the same shape.
type errorResponse struct {
	Error v1.ErrorPayload `json:"error"`
}

const (
	codeInvalidJSON   = "invalid_json"
	codeBodyTooLarge  = "body_too_large"
	codeUnauthorized  = v1.CodeUnauthenticated
	codeRateLimited   = v1.CodeRateLimited
	codeInternalError = v1.CodeInternal
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: v1.ErrorPayload{Code: code, Message: msg}})
}

// readJSON decodes exactly one JSON object into dst. On failure it writes the
// error response and returns false.
func readJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	err := decodeJSON(w, r, maxBytes, dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, codeBodyTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, codeInvalidJSON, "invalid request body")
	return false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errors.New("extra data after JSON object")
	}
	return nil
}
