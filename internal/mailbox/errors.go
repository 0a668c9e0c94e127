package mailbox

import (
	"errors"
	"fmt"
)

// ConnectionError indicates the mailbox could not be reached or read:
// dial, TLS, login, select, search or fetch failed. Auth is set when the
// server rejected the credentials.
type ConnectionError struct {
	Account string
	Op      string
	Auth    bool
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Auth {
		return fmt.Sprintf("mailbox %s: authentication failed: %v", e.Account, e.Err)
	}
	return fmt.Sprintf("mailbox %s: %s: %v", e.Account, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err (or any error in its chain) is a
// ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsAuthError reports whether err is a ConnectionError caused by rejected
// credentials.
func IsAuthError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr) && connErr.Auth
}

// ParseError indicates a single fetched message could not be parsed. It
// only ever affects that message.
type ParseError struct {
	UID uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parsing message UID %d: %v", e.UID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
