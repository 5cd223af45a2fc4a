package session

import "fmt"

// CreationError reports a failed session-creation call. The message send that
// required the session is aborted; nothing streams.
type CreationError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *CreationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("session creation failed (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("session creation failed: %s", e.Message)
}

// IsAuthError reports whether the service rejected the credential.
func (e *CreationError) IsAuthError() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}
