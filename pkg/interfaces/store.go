package interfaces

import (
	"context"

	"github.com/intelhome/envios/pkg/types"
)

// RecordStore handles all durable tenant state.
// Tenant records and the credential blobs a connector persists for a tenant
// live behind one interface so terminal cleanup can remove both.
type RecordStore interface {
	// CreateTenant inserts a new record; ErrTenantExists if the ID is taken.
	CreateTenant(ctx context.Context, record *types.TenantRecord) error

	// GetTenant returns ErrTenantNotFound when no record exists.
	GetTenant(ctx context.Context, tenantID string) (*types.TenantRecord, error)

	// ListTenants returns every record ordered by creation time.
	ListTenants(ctx context.Context) ([]*types.TenantRecord, error)

	// UpdateTenantStatus records a state transition; ErrTenantNotFound if absent.
	UpdateTenantStatus(ctx context.Context, tenantID, status string) error

	// DeleteTenant removes the record and its credential blobs. Deleting an
	// absent tenant is not an error.
	DeleteTenant(ctx context.Context, tenantID string) error

	// Credential blobs, keyed by tenant and blob name.
	SaveCredential(ctx context.Context, tenantID, name string, data []byte) error
	LoadCredentials(ctx context.Context, tenantID string) (map[string][]byte, error)
	DeleteCredentials(ctx context.Context, tenantID string) error

	HealthCheck(ctx context.Context) error
	Close() error
}
