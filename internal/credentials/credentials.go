// Package credentials resolves a company's mobile store credential and writes
// it into a materialized workspace.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
	"github.com/narvanalabs/appfactory/internal/models"
	"github.com/narvanalabs/appfactory/internal/secrets"
)

// Source resolves the credential blob for a company: the company's own stored
// credential first, then the operator-wide fallback file.
type Source struct {
	fallbackFile string
	sealer       *secrets.Sealer
	logger       *slog.Logger
}

// NewSource creates a Source. sealer may be nil when no stored credential is encrypted.
func NewSource(fallbackFile string, sealer *secrets.Sealer, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{fallbackFile: fallbackFile, sealer: sealer, logger: logger}
}

// Resolve returns the credential blob for company or a *CredentialMissingError.
func (s *Source) Resolve(ctx context.Context, company *models.Company) ([]byte, error) {
	if company.HasStoreCredential() {
		if !company.StoreCredentialEncrypted {
			return company.StoreCredential, nil
		}
		if !s.sealer.CanOpen() {
			return nil, fmt.Errorf("company %s credential is encrypted: %w", company.ID, secrets.ErrNoIdentity)
		}
		blob, err := s.sealer.Open(ctx, company.StoreCredential)
		if err != nil {
			return nil, fmt.Errorf("decrypting credential of company %s: %w", company.ID, err)
		}
		return blob, nil
	}

	if s.fallbackFile != "" {
		blob, err := os.ReadFile(s.fallbackFile)
		switch {
		case err == nil && len(blob) > 0:
			return blob, nil
		case err == nil, errors.Is(err, fs.ErrNotExist):
			s.logger.Warn("fallback credential file missing or empty", "path", s.fallbackFile)
		default:
			return nil, fmt.Errorf("reading fallback credential: %w", err)
		}
	}

	return nil, &builderrors.CredentialMissingError{CompanyID: company.ID}
}

// Injector writes credential blobs into workspaces.
type Injector struct {
	subDir   string
	fileName string
	logger   *slog.Logger
}

// NewInjector creates an Injector writing fileName under the workspace-relative
// directory subDir (slash separated).
func NewInjector(subDir, fileName string, logger *slog.Logger) *Injector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{subDir: subDir, fileName: fileName, logger: logger}
}

// RelPath returns the slash-separated workspace-relative path of the credential file.
func (i *Injector) RelPath() string {
	return path.Join(i.subDir, i.fileName)
}

// Inject writes blob verbatim to RelPath inside workspacePath, replacing any
// previous content. The sub-directory must already exist; otherwise a
// *WorkspaceLayoutError is returned and nothing is written.
func (i *Injector) Inject(workspacePath string, blob []byte) error {
	dir := filepath.Join(workspacePath, filepath.FromSlash(i.subDir))

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return &builderrors.WorkspaceLayoutError{Path: workspacePath, SubDir: i.subDir}
	}

	// write then rename so a failed write never leaves a partial credential
	tmp, err := os.CreateTemp(dir, "."+i.fileName+".*")
	if err != nil {
		return fmt.Errorf("creating credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credential file: %w", err)
	}

	target := filepath.Join(dir, i.fileName)
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("placing credential file: %w", err)
	}

	i.logger.Info("credential injected", "workspace", workspacePath, "path", i.RelPath())
	return nil
}
