package types

import "errors"

var (
	ErrInvalidTenantID    = errors.New("tenant ID must be 1-64 characters: letters, digits, underscore or hyphen")
	ErrInvalidDisplayName = errors.New("display name must be 1-200 characters")
	ErrInvalidDescription = errors.New("description must be at most 1000 characters")
	ErrInvalidStatus      = errors.New("invalid tenant status")
)
