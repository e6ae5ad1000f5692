package conversation

import "errors"

var (
	ErrNotFound       = errors.New("thread not found")
	ErrNoActiveThread = errors.New("no active thread")
	ErrEmptyText      = errors.New("message text is empty")
	ErrClosed         = errors.New("conversation store closed")
	// ErrReplyDiscarded is returned by Pending.Wait when the originating
	// thread was deleted before the answer arrived.
	ErrReplyDiscarded = errors.New("reply discarded: thread deleted")
	ErrEmptyAnswer    = errors.New("answer service returned an empty answer")
)

// IsValidation reports whether err rejected a submission before any network call.
func IsValidation(err error) bool {
	return errors.Is(err, ErrEmptyText) || errors.Is(err, ErrNoActiveThread)
}

// FailureText is the assistant message recorded in a thread when the answer
// service fails.
func FailureText(err error) string {
	return "Error: " + err.Error()
}
