package interfaces_test

import (
	"context"
	"errors"
	"testing"

	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

type mockSubscriber struct{}

func (m *mockSubscriber) WriteJSON(v interface{}) error { return nil }
func (m *mockSubscriber) Close() error                  { return nil }
func (m *mockSubscriber) ID() string                    { return "sub-1" }
func (m *mockSubscriber) TenantID() string              { return "tenant" }

type mockConnector struct {
	events chan types.ConnectorEvent
}

func (m *mockConnector) Initialize(ctx context.Context) error { return nil }
func (m *mockConnector) Events() <-chan types.ConnectorEvent  { return m.events }
func (m *mockConnector) LiveState(ctx context.Context) (string, error) {
	return types.LiveStateConnected, nil
}
func (m *mockConnector) Profile(ctx context.Context) (*types.Profile, error) {
	return &types.Profile{}, nil
}
func (m *mockConnector) ResolveRecipient(ctx context.Context, address string) (string, bool, error) {
	return address + "@c.us", true, nil
}
func (m *mockConnector) Send(ctx context.Context, recipientID string, payload types.Payload) (*types.SendReceipt, error) {
	return &types.SendReceipt{}, nil
}
func (m *mockConnector) DownloadMedia(ctx context.Context, messageID string) (*types.Attachment, error) {
	return nil, nil
}
func (m *mockConnector) Logout(ctx context.Context) error  { return nil }
func (m *mockConnector) Destroy(ctx context.Context) error { return nil }

type mockFactory struct{}

func (m *mockFactory) New(tenantID string) (interfaces.Connector, error) {
	return &mockConnector{events: make(chan types.ConnectorEvent)}, nil
}
func (m *mockFactory) WipeArtifacts(tenantID string) error { return nil }

type mockStore struct{}

func (m *mockStore) CreateTenant(ctx context.Context, record *types.TenantRecord) error { return nil }
func (m *mockStore) GetTenant(ctx context.Context, tenantID string) (*types.TenantRecord, error) {
	return nil, interfaces.ErrTenantNotFound
}
func (m *mockStore) ListTenants(ctx context.Context) ([]*types.TenantRecord, error) { return nil, nil }
func (m *mockStore) UpdateTenantStatus(ctx context.Context, tenantID, status string) error {
	return nil
}
func (m *mockStore) DeleteTenant(ctx context.Context, tenantID string) error { return nil }
func (m *mockStore) SaveCredential(ctx context.Context, tenantID, name string, data []byte) error {
	return nil
}
func (m *mockStore) LoadCredentials(ctx context.Context, tenantID string) (map[string][]byte, error) {
	return nil, nil
}
func (m *mockStore) DeleteCredentials(ctx context.Context, tenantID string) error { return nil }
func (m *mockStore) HealthCheck(ctx context.Context) error                        { return nil }
func (m *mockStore) Close() error                                                 { return nil }

func TestInterfaces_Compliance(t *testing.T) {
	var _ interfaces.Subscriber = &mockSubscriber{}
	var _ interfaces.Connector = &mockConnector{}
	var _ interfaces.ConnectorFactory = &mockFactory{}
	var _ interfaces.RecordStore = &mockStore{}
}

func TestConnectorFactory_Contract(t *testing.T) {
	var factory interfaces.ConnectorFactory = &mockFactory{}

	conn, err := factory.New("tenant")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if conn.Events() == nil {
		t.Error("Connector should expose an event channel")
	}

	state, err := conn.LiveState(context.Background())
	if err != nil || state != types.LiveStateConnected {
		t.Errorf("Expected CONNECTED, got %q (%v)", state, err)
	}
}

func TestRecordStore_NotFoundSentinel(t *testing.T) {
	var store interfaces.RecordStore = &mockStore{}

	_, err := store.GetTenant(context.Background(), "missing")
	if !errors.Is(err, interfaces.ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
}
