package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrShuttingDown    = errors.New("session manager is shutting down")
	ErrSuperseded      = errors.New("session start superseded by a newer operation")
	ErrTeardown        = errors.New("connector teardown failed")
)

// ReasonStuckAuthenticated is the disconnect reason used when a session is
// still authenticating after the watchdog fired twice.
const ReasonStuckAuthenticated = "STUCK_AUTHENTICATED"

// ConnectorInitError wraps a failure to build or initialize a connector.
type ConnectorInitError struct {
	TenantID string
	Err      error
}

func (e *ConnectorInitError) Error() string {
	return fmt.Sprintf("failed to initialize connector for %s: %v", e.TenantID, e.Err)
}

func (e *ConnectorInitError) Unwrap() error {
	return e.Err
}

// TerminalDisconnectError reports that a session ended for a reason that is
// never retried.
type TerminalDisconnectError struct {
	Reason string
}

func (e *TerminalDisconnectError) Error() string {
	return fmt.Sprintf("session terminated: %s", e.Reason)
}
