package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a database against the structure the store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure.
func (v *SchemaValidator) Validate() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"tenants":             "Tenant records",
		"session_credentials": "Connector credential blobs",
		"schema_migrations":   "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies column names and declared types.
func (v *SchemaValidator) ValidateTableStructure() error {
	tenantColumns := map[string]string{
		"tenant_id":       "TEXT",
		"display_name":    "TEXT",
		"description":     "TEXT",
		"receive_inbound": "INTEGER",
		"status":          "TEXT",
		"created_at":      "DATETIME",
		"updated_at":      "DATETIME",
	}
	if err := v.validateColumns("tenants", tenantColumns); err != nil {
		return fmt.Errorf("tenants table structure invalid: %w", err)
	}

	credentialColumns := map[string]string{
		"tenant_id":  "TEXT",
		"name":       "TEXT",
		"data":       "BLOB",
		"updated_at": "DATETIME",
	}
	if err := v.validateColumns("session_credentials", credentialColumns); err != nil {
		return fmt.Errorf("session_credentials table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_tenants_status":             "Restore by status",
		"idx_tenants_created_at":         "Listing order",
		"idx_session_credentials_tenant": "Credential wipe",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints probes the status check and the credential foreign key.
// Probe rows are written inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO tenants (tenant_id, display_name, status) VALUES ('__probe__', 'probe', 'paused')`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: tenants.status")
	}

	_, err = tx.Exec(`INSERT INTO session_credentials (tenant_id, name, data) VALUES ('__missing__', 'probe', x'00')`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: session_credentials.tenant_id")
	}

	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
