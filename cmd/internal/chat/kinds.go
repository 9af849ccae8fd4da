package chat

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to API status codes).
// The string form is also the wire error code.
var (
	ErrInvalidInput         = errors.New("invalid_input")
	ErrSelfConversation     = errors.New("self_conversation")
	ErrBlocked              = errors.New("blocked")
	ErrConversationNotFound = errors.New("conversation_not_found")
	ErrMessageNotFound      = errors.New("message_not_found")
	ErrNotAParticipant      = errors.New("not_a_participant")
	ErrNotSender            = errors.New("not_sender")
	ErrNotOwner             = errors.New("not_owner")
	ErrEmptyContent         = errors.New("empty_content")
	ErrMissingMedia         = errors.New("missing_media")
	ErrStorageUnavailable   = errors.New("storage_unavailable")

	// ErrConflict is internal to the stores: a lost insert race is always resolved by read-back.
	ErrConflict = errors.New("conflict")
)

var kinds = []error{
	ErrInvalidInput,
	ErrSelfConversation,
	ErrBlocked,
	ErrConversationNotFound,
	ErrMessageNotFound,
	ErrNotAParticipant,
	ErrNotSender,
	ErrNotOwner,
	ErrEmptyContent,
	ErrMissingMedia,
	ErrStorageUnavailable,
	ErrConflict,
}

// Code returns the stable error code for err, or "internal" for unclassified errors.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return "internal"
}

// IsRetryable reports whether err is transient and the operation may be retried.
func IsRetryable(err error) bool { return errors.Is(err, ErrStorageUnavailable) }
