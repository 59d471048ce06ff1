package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	dbconfig "github.com/intelhome/envios/pkg/database"
	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

// Manager implements interfaces.RecordStore on SQLite.
// Reads go straight to the pool; every write is funneled through one goroutine.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          zerolog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // protects closed
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

var _ interfaces.RecordStore = (*Manager)(nil)

// NewManager opens the database and starts the writer goroutine.
// Migrations are applied separately by the caller.
func NewManager(config *dbconfig.Config, log zerolog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		log:          log.With().Str("component", "database").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine.
// A failed write is retried once after WriteRetryDelay unless the failure is
// a constraint violation, which a retry cannot fix.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil && isRetryable(err) {
				m.log.Warn().Err(err).Dur("delay", m.config.WriteRetryDelay).Msg("database write failed, retrying")
				select {
				case <-time.After(m.config.WriteRetryDelay):
					err = op.operation(m.db)
					if err != nil {
						m.log.Error().Err(err).Msg("database write failed after retry")
					}
				case <-m.shutdown:
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

func isRetryable(err error) bool {
	if errors.Is(err, interfaces.ErrTenantExists) || errors.Is(err, interfaces.ErrTenantNotFound) {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// CreateTenant inserts a new tenant record.
func (m *Manager) CreateTenant(ctx context.Context, record *types.TenantRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = types.StatusCreated
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO tenants (tenant_id, display_name, description, receive_inbound, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			record.TenantID,
			record.DisplayName,
			record.Description,
			record.ReceiveInbound,
			record.Status,
			record.CreatedAt,
			record.UpdatedAt,
		)
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
				return interfaces.ErrTenantExists
			}
			return fmt.Errorf("failed to insert tenant: %w", err)
		}
		return nil
	})
}

// GetTenant retrieves a tenant by ID
func (m *Manager) GetTenant(ctx context.Context, tenantID string) (*types.TenantRecord, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT tenant_id, display_name, description, receive_inbound, status, created_at, updated_at
		FROM tenants
		WHERE tenant_id = ?
	`, tenantID)

	record, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to query tenant: %w", err)
	}
	return record, nil
}

// ListTenants returns all tenants, oldest first, which is also restore order.
func (m *Manager) ListTenants(ctx context.Context) ([]*types.TenantRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT tenant_id, display_name, description, receive_inbound, status, created_at, updated_at
		FROM tenants
		ORDER BY created_at ASC, tenant_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.TenantRecord
	for rows.Next() {
		record, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}
	return records, nil
}

// UpdateTenantStatus stores a new status and bumps updated_at.
func (m *Manager) UpdateTenantStatus(ctx context.Context, tenantID, status string) error {
	if !types.IsValidStatus(status) {
		return types.ErrInvalidStatus
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, `
			UPDATE tenants SET status = ?, updated_at = ? WHERE tenant_id = ?
		`, status, time.Now().UTC(), tenantID)
		if err != nil {
			return fmt.Errorf("failed to update tenant status: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return interfaces.ErrTenantNotFound
		}
		return nil
	})
}

// DeleteTenant removes the tenant and its credential blobs atomically.
func (m *Manager) DeleteTenant(ctx context.Context, tenantID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `DELETE FROM session_credentials WHERE tenant_id = ?`, tenantID); err != nil {
			return fmt.Errorf("failed to delete credentials: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tenants WHERE tenant_id = ?`, tenantID); err != nil {
			return fmt.Errorf("failed to delete tenant: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit tenant deletion: %w", err)
		}
		return nil
	})
}

// SaveCredential upserts one named blob for a registered tenant.
func (m *Manager) SaveCredential(ctx context.Context, tenantID, name string, data []byte) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO session_credentials (tenant_id, name, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, name) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
		`, tenantID, name, data, time.Now().UTC())
		if err != nil {
			var sqliteErr sqlite3.Error
			if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey {
				return interfaces.ErrTenantNotFound
			}
			return fmt.Errorf("failed to save credential: %w", err)
		}
		return nil
	})
}

// LoadCredentials returns every blob stored for a tenant, keyed by name.
func (m *Manager) LoadCredentials(ctx context.Context, tenantID string) (map[string][]byte, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT name, data FROM session_credentials WHERE tenant_id = ?
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	blobs := make(map[string][]byte)
	for rows.Next() {
		var name string
		var data []byte
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("failed to scan credential row: %w", err)
		}
		blobs[name] = data
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credential rows: %w", err)
	}
	return blobs, nil
}

// DeleteCredentials wipes every blob for a tenant, keeping the tenant record.
func (m *Manager) DeleteCredentials(ctx context.Context, tenantID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM session_credentials WHERE tenant_id = ?`, tenantID); err != nil {
			return fmt.Errorf("failed to delete credentials: %w", err)
		}
		return nil
	})
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tenants").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTenant(row rowScanner) (*types.TenantRecord, error) {
	var record types.TenantRecord
	err := row.Scan(
		&record.TenantID,
		&record.DisplayName,
		&record.Description,
		&record.ReceiveInbound,
		&record.Status,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// applySQLiteOptimizations applies performance optimizations
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	return nil
}
