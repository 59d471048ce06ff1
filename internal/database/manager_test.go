package database

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	dbconfig "github.com/intelhome/envios/pkg/database"
	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()

	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	config.WriteRetryDelay = 10 * time.Millisecond

	manager, err := NewManager(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { _ = manager.Close() })

	migrator := dbconfig.NewMigrationManager(manager.GetDB(), dbconfig.EmbeddedMigrations())
	if err := migrator.ApplyMigrations(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return manager
}

func newRecord(id string) *types.TenantRecord {
	return &types.TenantRecord{
		TenantID:       id,
		DisplayName:    "Tenant " + id,
		Description:    "test tenant",
		ReceiveInbound: true,
	}
}

func TestManager_InterfaceCompliance(t *testing.T) {
	var _ interfaces.RecordStore = (*Manager)(nil)
}

func TestManager_CreateAndGetTenant(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	record := newRecord("acme")
	if err := manager.CreateTenant(ctx, record); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}
	if record.Status != types.StatusCreated {
		t.Errorf("Expected default status %q, got %q", types.StatusCreated, record.Status)
	}

	got, err := manager.GetTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("GetTenant failed: %v", err)
	}
	if got.DisplayName != record.DisplayName || got.Description != record.Description {
		t.Errorf("Stored record mismatch: %+v", got)
	}
	if !got.ReceiveInbound {
		t.Error("ReceiveInbound should round-trip as true")
	}
	if got.Status != types.StatusCreated {
		t.Errorf("Expected status %q, got %q", types.StatusCreated, got.Status)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("Timestamps should be populated")
	}
}

func TestManager_CreateDuplicateTenant(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.CreateTenant(ctx, newRecord("dup")); err != nil {
		t.Fatalf("First CreateTenant failed: %v", err)
	}
	err := manager.CreateTenant(ctx, newRecord("dup"))
	if !errors.Is(err, interfaces.ErrTenantExists) {
		t.Errorf("Expected ErrTenantExists, got %v", err)
	}
}

func TestManager_GetTenantNotFound(t *testing.T) {
	manager := setupTestDB(t)

	_, err := manager.GetTenant(context.Background(), "missing")
	if !errors.Is(err, interfaces.ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
}

func TestManager_UpdateTenantStatus(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.CreateTenant(ctx, newRecord("acme")); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}

	for _, status := range []string{types.StatusQR, types.StatusAuthenticated, types.StatusConnected, types.StatusDisconnected} {
		if err := manager.UpdateTenantStatus(ctx, "acme", status); err != nil {
			t.Fatalf("UpdateTenantStatus(%s) failed: %v", status, err)
		}
		got, err := manager.GetTenant(ctx, "acme")
		if err != nil {
			t.Fatalf("GetTenant failed: %v", err)
		}
		if got.Status != status {
			t.Errorf("Expected status %q, got %q", status, got.Status)
		}
	}

	if err := manager.UpdateTenantStatus(ctx, "acme", "paused"); !errors.Is(err, types.ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
	if err := manager.UpdateTenantStatus(ctx, "missing", types.StatusQR); !errors.Is(err, interfaces.ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
}

func TestManager_ListTenantsOrder(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"charlie", "alpha", "bravo"} {
		record := newRecord(id)
		record.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := manager.CreateTenant(ctx, record); err != nil {
			t.Fatalf("CreateTenant(%s) failed: %v", id, err)
		}
	}

	records, err := manager.ListTenants(ctx)
	if err != nil {
		t.Fatalf("ListTenants failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	want := []string{"charlie", "alpha", "bravo"}
	for i, record := range records {
		if record.TenantID != want[i] {
			t.Errorf("Position %d: expected %s, got %s", i, want[i], record.TenantID)
		}
	}
}

func TestManager_CredentialLifecycle(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.CreateTenant(ctx, newRecord("acme")); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}

	if err := manager.SaveCredential(ctx, "acme", "creds.json", []byte("v1")); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}
	if err := manager.SaveCredential(ctx, "acme", "creds.json", []byte("v2")); err != nil {
		t.Fatalf("SaveCredential overwrite failed: %v", err)
	}
	if err := manager.SaveCredential(ctx, "acme", "keys.bin", []byte{0x00, 0x01}); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}

	blobs, err := manager.LoadCredentials(ctx, "acme")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if len(blobs) != 2 {
		t.Fatalf("Expected 2 blobs, got %d", len(blobs))
	}
	if string(blobs["creds.json"]) != "v2" {
		t.Errorf("Expected overwritten blob v2, got %q", blobs["creds.json"])
	}
	if !bytes.Equal(blobs["keys.bin"], []byte{0x00, 0x01}) {
		t.Errorf("Binary blob mismatch: %v", blobs["keys.bin"])
	}

	if err := manager.DeleteCredentials(ctx, "acme"); err != nil {
		t.Fatalf("DeleteCredentials failed: %v", err)
	}
	blobs, err = manager.LoadCredentials(ctx, "acme")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("Expected no blobs after delete, got %d", len(blobs))
	}
	if _, err := manager.GetTenant(ctx, "acme"); err != nil {
		t.Errorf("Tenant record should survive credential wipe: %v", err)
	}
}

func TestManager_SaveCredentialUnknownTenant(t *testing.T) {
	manager := setupTestDB(t)

	err := manager.SaveCredential(context.Background(), "ghost", "creds.json", []byte("x"))
	if !errors.Is(err, interfaces.ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
}

func TestManager_DeleteTenantRemovesCredentials(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.CreateTenant(ctx, newRecord("acme")); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}
	if err := manager.SaveCredential(ctx, "acme", "creds.json", []byte("v1")); err != nil {
		t.Fatalf("SaveCredential failed: %v", err)
	}

	if err := manager.DeleteTenant(ctx, "acme"); err != nil {
		t.Fatalf("DeleteTenant failed: %v", err)
	}
	if _, err := manager.GetTenant(ctx, "acme"); !errors.Is(err, interfaces.ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound after delete, got %v", err)
	}
	blobs, err := manager.LoadCredentials(ctx, "acme")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("Credentials should be removed with the tenant, got %d", len(blobs))
	}

	// Deleting again is a no-op.
	if err := manager.DeleteTenant(ctx, "acme"); err != nil {
		t.Errorf("Second DeleteTenant should succeed: %v", err)
	}
}

func TestManager_InvalidConfig(t *testing.T) {
	config := dbconfig.DefaultConfig()
	config.DatabasePath = ""

	if _, err := NewManager(config, zerolog.Nop()); err == nil {
		t.Error("NewManager should fail with an empty database path")
	}
}

func TestManager_SingleWriterPattern(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	const numWrites = 20
	var wg sync.WaitGroup
	errs := make(chan error, numWrites)

	wg.Add(numWrites)
	for i := 0; i < numWrites; i++ {
		go func(id int) {
			defer wg.Done()
			if err := manager.CreateTenant(ctx, newRecord(fmt.Sprintf("tenant-%d", id))); err != nil {
				errs <- err
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent write failed: %v", err)
	}

	records, err := manager.ListTenants(ctx)
	if err != nil {
		t.Fatalf("ListTenants failed: %v", err)
	}
	if len(records) != numWrites {
		t.Errorf("Expected %d tenants, got %d", numWrites, len(records))
	}
}

func TestManager_HealthCheck(t *testing.T) {
	manager := setupTestDB(t)

	if err := manager.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck should succeed for healthy database: %v", err)
	}
}

func TestManager_CleanShutdown(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	if err := manager.CreateTenant(ctx, newRecord("acme")); err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}

	if err := manager.Close(); err != nil {
		t.Errorf("Close should succeed: %v", err)
	}
	if err := manager.Close(); err != nil {
		t.Errorf("Second Close should be a no-op: %v", err)
	}

	err := manager.UpdateTenantStatus(ctx, "acme", types.StatusQR)
	if !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Expected ErrManagerClosed after Close, got %v", err)
	}
}
