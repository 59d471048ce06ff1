package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantExists   = errors.New("tenant already exists")
)
