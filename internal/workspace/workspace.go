// Package workspace materializes template repositories into per-company
// working directories.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
	"github.com/narvanalabs/appfactory/internal/slug"
)

// Target identifies the company and app a workspace is materialized for.
type Target struct {
	CompanyID   string
	CompanyName string
	AppKey      string
	BundleID    string
	PackageName string
}

// Tokens returns the per-build placeholder values.
func (t Target) Tokens() map[string]string {
	return map[string]string{
		TokenAppName:     t.CompanyName,
		TokenCompanyName: t.CompanyName,
		TokenAppSlug:     t.AppKey,
		TokenBundleID:    t.BundleID,
		TokenPackageName: t.PackageName,
	}
}

// CompanyDir returns the folder name of a company: "<id>-<slug(name)>".
// The same company always maps to the same folder.
func CompanyDir(companyID, companyName string) string {
	s := slug.Make(companyName)
	if s == "" {
		return companyID
	}
	return companyID + "-" + s
}

// Materializer clones templates into workspaces under a root directory.
type Materializer struct {
	root         string
	token        string
	placeholders *Placeholders
	logger       *slog.Logger
}

// NewMaterializer creates a Materializer rooted at root. token, when set, is
// used as HTTP basic auth for the clone. A nil placeholders uses the defaults.
func NewMaterializer(root, token string, placeholders *Placeholders, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	if placeholders == nil {
		placeholders = DefaultPlaceholders()
	}
	return &Materializer{
		root:         root,
		token:        token,
		placeholders: placeholders,
		logger:       logger,
	}
}

// Path returns the deterministic workspace path of target.
func (m *Materializer) Path(target Target) string {
	dir := filepath.Join(m.root, CompanyDir(target.CompanyID, target.CompanyName))
	if target.AppKey == "" {
		return dir
	}
	return filepath.Join(dir, target.AppKey)
}

// Materialize clones repoURL into the workspace of target and substitutes
// placeholders. Existing content is removed first. On failure nothing is left
// at the workspace path and a *WorkspaceError is returned.
func (m *Materializer) Materialize(ctx context.Context, repoURL string, target Target) (string, error) {
	path := m.Path(target)
	logger := m.logger.With("workspace", path, "repo_url", repoURL)

	if err := os.RemoveAll(path); err != nil {
		return "", &builderrors.WorkspaceError{Path: path, Err: fmt.Errorf("clearing workspace: %w", err)}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", &builderrors.WorkspaceError{Path: path, Err: fmt.Errorf("creating parent directory: %w", err)}
	}

	logger.Info("cloning template")
	_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:  repoURL,
		Auth: m.auth(),
		Tags: git.NoTags,
	})
	if err != nil {
		m.cleanup(path)
		return "", &builderrors.WorkspaceError{Path: path, Err: fmt.Errorf("cloning %s: %w", repoURL, err)}
	}

	changed, err := Substitute(path, m.placeholders.Files, m.tokens(target))
	if err != nil {
		m.cleanup(path)
		return "", &builderrors.WorkspaceError{Path: path, Err: fmt.Errorf("substituting placeholders: %w", err)}
	}

	logger.Info("workspace materialized", "substituted_files", len(changed))
	return path, nil
}

func (m *Materializer) tokens(target Target) map[string]string {
	tokens := make(map[string]string, len(m.placeholders.Tokens)+5)
	for k, v := range m.placeholders.Tokens {
		tokens[k] = v
	}
	for k, v := range target.Tokens() {
		if v != "" {
			tokens[k] = v
		}
	}
	return tokens
}

func (m *Materializer) auth() transport.AuthMethod {
	if m.token == "" {
		return nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: m.token}
}

func (m *Materializer) cleanup(path string) {
	if err := os.RemoveAll(path); err != nil {
		m.logger.Warn("failed to remove partial workspace", "workspace", path, "error", err)
	}
}
