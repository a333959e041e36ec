package session

import "fmt"

// NotConnectedError reports a send attempted while the session is not open.
// Recoverable: the caller decides whether to start a session first.
type NotConnectedError struct {
	State State
}

func (e *NotConnectedError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("session is %s, not open", e.State)
}
