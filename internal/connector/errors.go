package connector

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed         = errors.New("connector is closed")
	ErrNotInitialized = errors.New("connector is not initialized")
	ErrAlreadyStarted = errors.New("connector already initialized")
)

// RemoteError is an error reported by the driver in a response.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("driver %s failed: %s", e.Method, e.Message)
}

// Markers the browser-automation layer leaves in errors when its persisted
// session can no longer be resumed.
var corruptionMarkers = []string{
	"Protocol error",
	"Session closed",
}

// IsProtocolCorruption reports whether err indicates that the tenant's
// persisted session is corrupt and must be wiped before retrying.
func IsProtocolCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range corruptionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
