package sagex

import (
	"errors"
	"fmt"
)

// Sentinel errors for terminal and flow-control conditions.
var (
	// ErrSessionClosed is returned by operations on a session that has
	// reached the Closed state, and delivered to all pending requests when
	// the session terminates.
	ErrSessionClosed = errors.New("session closed")

	// ErrRequestTimeout is returned when an individual request's timeout
	// elapses before its response arrives. The session itself stays open.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrEndOfStream is returned by Transport.Receive when the underlying
	// channel has been closed by either side.
	ErrEndOfStream = errors.New("end of stream")
)

// TransportError reports a failure in the byte-level transport: opening a
// channel, sending a frame, or receiving one. The Op field names the failed
// operation ("open", "send", "receive").
type TransportError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unmatched protocol message. MsgID
// carries the correlation identifier of the offending message when one was
// present.
type ProtocolError struct {
	MsgID  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.MsgID == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error (msg %s): %s", e.MsgID, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError reports a missing, expired, or rejected credential. Auth errors
// are never retried automatically; callers must supply fresh credentials.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication error: %s", e.Reason) }

// CacheError reports a corrupt or unreadable cache entry. The caller is
// expected to degrade to a forced re-fetch rather than abort.
type CacheError struct {
	Key string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("cache error for %q: %v", e.Key, e.Err) }

func (e *CacheError) Unwrap() error { return e.Err }

// RuleError reports a condition-parse failure or a failed action for a single
// rule. It is scoped to that rule and recorded in the ResultSet instead of
// aborting the evaluation pass.
type RuleError struct {
	RuleID string
	Reason string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %q: %s", e.RuleID, e.Reason)
}

func (e *RuleError) Unwrap() error { return e.Err }

// StateError reports an operation attempted outside a valid connection state,
// such as issuing a request while disconnected.
type StateError struct {
	Op    string
	State ConnectionState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Op, e.State)
}

// Recoverable reports whether the client may retry after err without caller
// intervention. Authentication and state errors always require the caller to
// act; transport failures and timeouts are recoverable through the session's
// reconnection policy.
func Recoverable(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var stateErr *StateError
	if errors.As(err, &stateErr) {
		return false
	}
	if errors.Is(err, ErrSessionClosed) {
		return false
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	if errors.Is(err, ErrRequestTimeout) {
		return true
	}
	var cacheErr *CacheError
	return errors.As(err, &cacheErr)
}
