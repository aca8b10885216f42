package chat

import "errors"

// Notice returns the user-facing explanation for a Submit no-op, or "" when
// err is not one of the no-op sentinels.
func Notice(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return "message is required"
	case errors.Is(err, ErrRequestInFlight):
		return "a reply is still pending"
	case errors.Is(err, ErrClosed):
		return "conversation expired, reload to start again"
	default:
		return ""
	}
}
