// Package vcs commits materialized workspaces and pushes them to the remote
// observed by the CI provider.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	builderrors "github.com/narvanalabs/appfactory/internal/builder/errors"
)

// PublishRemoteName is the remote created when a dedicated publish URL is configured.
const PublishRemoteName = "publish"

// Config holds publisher settings.
type Config struct {
	AuthorName  string
	AuthorEmail string
	// Token is used as HTTP basic auth password. Optional.
	Token string
	// RemoteURL overrides the push target; empty pushes to origin.
	RemoteURL string
	// Branch is the remote integration branch.
	Branch string
	// Force replaces the remote branch head.
	Force bool
}

// Publisher stages, commits and pushes workspaces.
type Publisher struct {
	cfg        Config
	forcePaths []string
	logger     *slog.Logger
}

// NewPublisher creates a Publisher. forcePaths are workspace-relative paths
// staged explicitly on every publish so ignore rules cannot exclude them.
func NewPublisher(cfg Config, forcePaths []string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{cfg: cfg, forcePaths: forcePaths, logger: logger}
}

// Publish commits every change in workspacePath under the service identity
// and pushes it to the integration branch. It returns the pushed commit hash.
// Failures are returned as *PublishError; nothing is rolled back.
func (p *Publisher) Publish(ctx context.Context, workspacePath, message string) (string, error) {
	logger := p.logger.With("workspace", workspacePath, "branch", p.cfg.Branch)

	repo, err := git.PlainOpen(workspacePath)
	if err != nil {
		return "", &builderrors.PublishError{Op: "open", Err: err}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", &builderrors.PublishError{Op: "open", Err: err}
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", &builderrors.PublishError{Op: "stage", Err: err}
	}
	for _, rel := range p.forcePaths {
		// an explicit path bypasses .gitignore
		if err := wt.AddWithOptions(&git.AddOptions{Path: rel}); err != nil {
			return "", &builderrors.PublishError{Op: "stage", Err: fmt.Errorf("adding %s: %w", rel, err)}
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  p.cfg.AuthorName,
			Email: p.cfg.AuthorEmail,
			When:  time.Now(),
		},
	})
	switch {
	case errors.Is(err, git.ErrEmptyCommit):
		head, headErr := repo.Head()
		if headErr != nil {
			return "", &builderrors.PublishError{Op: "commit", Err: headErr}
		}
		hash = head.Hash()
		logger.Info("workspace unchanged, pushing existing head")
	case err != nil:
		return "", &builderrors.PublishError{Op: "commit", Err: err}
	}

	remoteName, err := p.remote(repo)
	if err != nil {
		return "", &builderrors.PublishError{Op: "push", Err: err}
	}

	localRef, err := p.localBranch(repo, hash)
	if err != nil {
		return "", &builderrors.PublishError{Op: "push", Err: err}
	}

	spec := fmt.Sprintf("%s:refs/heads/%s", localRef, p.cfg.Branch)
	if p.cfg.Force {
		spec = "+" + spec
	}

	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{config.RefSpec(spec)},
		Auth:       p.auth(),
		Force:      p.cfg.Force,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", &builderrors.PublishError{Op: "push", Err: err}
	}

	logger.Info("workspace published", "commit", hash.String(), "remote", remoteName)
	return hash.String(), nil
}

// remote returns the remote to push to, creating the publish remote when a
// dedicated URL is configured.
func (p *Publisher) remote(repo *git.Repository) (string, error) {
	if p.cfg.RemoteURL == "" {
		return git.DefaultRemoteName, nil
	}

	if err := repo.DeleteRemote(PublishRemoteName); err != nil && !errors.Is(err, git.ErrRemoteNotFound) {
		return "", fmt.Errorf("resetting publish remote: %w", err)
	}
	_, err := repo.CreateRemote(&config.RemoteConfig{
		Name: PublishRemoteName,
		URLs: []string{p.cfg.RemoteURL},
	})
	if err != nil {
		return "", fmt.Errorf("creating publish remote: %w", err)
	}
	return PublishRemoteName, nil
}

// localBranch returns the local branch holding hash. A detached HEAD gets a
// branch named after the integration branch.
func (p *Publisher) localBranch(repo *git.Repository, hash plumbing.Hash) (plumbing.ReferenceName, error) {
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolving HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name(), nil
	}

	name := plumbing.NewBranchReferenceName(p.cfg.Branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(name, hash)); err != nil {
		return "", fmt.Errorf("creating branch %s: %w", p.cfg.Branch, err)
	}
	return name, nil
}

func (p *Publisher) auth() transport.AuthMethod {
	if p.cfg.Token == "" {
		return nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: p.cfg.Token}
}
