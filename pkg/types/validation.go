package types

import "regexp"

var tenantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Validate checks the fields a caller supplies on registration.
func (r *TenantRecord) Validate() error {
	if !IsValidTenantID(r.TenantID) {
		return ErrInvalidTenantID
	}
	if len(r.DisplayName) < 1 || len(r.DisplayName) > 200 {
		return ErrInvalidDisplayName
	}
	if len(r.Description) > 1000 {
		return ErrInvalidDescription
	}
	if r.Status != "" && !IsValidStatus(r.Status) {
		return ErrInvalidStatus
	}
	return nil
}

// IsValidTenantID reports whether id is usable as a tenant key and as a path segment.
func IsValidTenantID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return tenantIDRegex.MatchString(id)
}

// IsValidStatus reports whether status is one of the persisted tenant statuses.
func IsValidStatus(status string) bool {
	switch status {
	case StatusCreated,
		StatusQR,
		StatusAuthenticated,
		StatusConnected,
		StatusDisconnected,
		StatusAuthError:
		return true
	default:
		return false
	}
}
