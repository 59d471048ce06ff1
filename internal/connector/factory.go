package connector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/intelhome/envios/internal/config"
	"github.com/intelhome/envios/pkg/interfaces"
	"github.com/intelhome/envios/pkg/types"
)

// Factory builds process connectors and owns their on-disk artifacts:
// <auth_dir>/session-<tenant> and <cache_dir>/<tenant>.
type Factory struct {
	cfg         *config.ConnectorConfig
	credentials CredentialStore
	log         zerolog.Logger
}

var _ interfaces.ConnectorFactory = (*Factory)(nil)

func NewFactory(cfg *config.ConnectorConfig, credentials CredentialStore, log zerolog.Logger) *Factory {
	return &Factory{
		cfg:         cfg,
		credentials: credentials,
		log:         log,
	}
}

// New returns an uninitialized connector for tenantID.
func (f *Factory) New(tenantID string) (interfaces.Connector, error) {
	if !types.IsValidTenantID(tenantID) {
		return nil, types.ErrInvalidTenantID
	}

	authDir := f.authDir(tenantID)
	cacheDir := f.cacheDir(tenantID)
	for _, dir := range []string{authDir, cacheDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return NewProcess(tenantID, ProcessOptions{
		Command:     f.cfg.Command,
		Args:        f.cfg.Args,
		AuthDir:     authDir,
		CacheDir:    cacheDir,
		Credentials: f.credentials,
		Logger:      f.log,
	}), nil
}

// WipeArtifacts removes the tenant's auth and cache directories. Missing
// directories are not an error.
func (f *Factory) WipeArtifacts(tenantID string) error {
	if !types.IsValidTenantID(tenantID) {
		return types.ErrInvalidTenantID
	}

	var errs []error
	for _, dir := range []string{f.authDir(tenantID), f.cacheDir(tenantID)} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", dir, err))
		}
	}
	if len(errs) == 0 {
		f.log.Debug().Str("tenant_id", tenantID).Msg("session artifacts removed")
	}
	return errors.Join(errs...)
}

func (f *Factory) authDir(tenantID string) string {
	return filepath.Join(f.cfg.AuthDir, "session-"+tenantID)
}

func (f *Factory) cacheDir(tenantID string) string {
	return filepath.Join(f.cfg.CacheDir, tenantID)
}
