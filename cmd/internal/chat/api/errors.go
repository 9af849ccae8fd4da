package chatapi

import (
	"errors"
	"net/http"
	"strconv"

	"bazaar/cmd/internal/chat"
)

// statusFor maps a chat error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case "invalid_input", "self_conversation":
		return http.StatusBadRequest
	case "empty_content", "missing_media":
		return http.StatusUnprocessableEntity
	case "not_a_participant", "not_sender", "not_owner", "blocked":
		return http.StatusForbidden
	case "conversation_not_found", "message_not_found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "storage_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage is the operation's own detail when it has one, else the code.
func publicMessage(err error, code string) string {
	var oe chat.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return code
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := chat.Code(err)
	status := statusFor(code)

	switch status {
	case http.StatusInternalServerError:
		h.log.Error(op+".fail", "path", r.URL.Path, "err", err)
		writeError(w, status, codeInternalError, "internal error")
		return
	case http.StatusServiceUnavailable:
		h.log.Warn(op+".unavailable", "path", r.URL.Path, "err", err)
		secs := int(h.cfg.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, status, code, publicMessage(err, code))
}
