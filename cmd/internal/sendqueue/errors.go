package sendqueue

import (
	"errors"
	"fmt"

	v1 "bazaar/shared/contracts/realtime/v1"
)

// RemoteError is an error answer from the server.
type RemoteError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("sendqueue: server rejected send (%d %s): %s", e.Status, e.Code, e.Message)
}

// definitiveCodes are rejections a resend cannot fix.
var definitiveCodes = map[string]bool{
	v1.CodeBlocked:              true,
	v1.CodeEmptyContent:         true,
	v1.CodeMissingMedia:         true,
	v1.CodeNotAParticipant:      true,
	v1.CodeConversationNotFound: true,
	v1.CodeSelfConversation:     true,
	v1.CodeInvalidInput:         true,
}

// IsDefinitive reports whether err is a server rejection that fails an entry
// immediately. Timeouts, transport errors, 5xx and rate limits are not.
func IsDefinitive(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	return definitiveCodes[re.Code]
}
