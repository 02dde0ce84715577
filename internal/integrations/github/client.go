// Package github is a minimal GitHub Actions client: workflow dispatch, run
// listing and run status. It authenticates with a token or as a GitHub App
// installation.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Run statuses and conclusions reported by GitHub Actions.
const (
	RunStatusQueued     = "queued"
	RunStatusInProgress = "in_progress"
	RunStatusCompleted  = "completed"

	ConclusionSuccess = "success"
)

// ErrNoCredentials is returned when neither a token nor app credentials are configured.
var ErrNoCredentials = errors.New("github: no token or app credentials configured")

// StatusError is returned when GitHub answers with an unexpected status code.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("github %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Config holds client settings.
type Config struct {
	APIURL string
	Owner  string
	Repo   string
	// Token is a personal or fine-grained access token.
	Token string
	// GitHub App credentials, used when Token is empty.
	AppID          int64
	PrivateKeyPEM  []byte
	InstallationID int64
	Timeout        time.Duration
}

// Run is one GitHub Actions workflow run.
type Run struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadBranch string    `json:"head_branch"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsTerminal reports whether the run has finished.
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusCompleted
}

// Client is a minimal GitHub API client scoped to one repository.
type Client struct {
	cfg Config
	hc  *http.Client

	mu                 sync.Mutex
	installToken       string
	installTokenExpiry time.Time
}

// NewClient creates a new GitHub API client.
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.github.com"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// DispatchWorkflow triggers workflow on ref with inputs. GitHub answers 204
// No Content; 201 is accepted as well. Any other status is a *StatusError.
func (c *Client) DispatchWorkflow(ctx context.Context, workflow, ref string, inputs map[string]string) error {
	body, err := json.Marshal(map[string]any{
		"ref":    ref,
		"inputs": inputs,
	})
	if err != nil {
		return fmt.Errorf("marshaling dispatch body: %w", err)
	}

	path := fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches",
		url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), url.PathEscape(workflow))

	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated {
		return statusError("dispatch", resp)
	}
	return nil
}

// ListRuns lists the most recent workflow_dispatch runs on branch, newest first.
func (c *Client) ListRuns(ctx context.Context, branch string) ([]Run, error) {
	q := url.Values{}
	q.Set("branch", branch)
	q.Set("event", "workflow_dispatch")
	q.Set("per_page", "20")
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?%s",
		url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), q.Encode())

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list runs", resp)
	}

	var result struct {
		WorkflowRuns []Run `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding runs: %w", err)
	}
	return result.WorkflowRuns, nil
}

// GetRun fetches one run.
func (c *Client) GetRun(ctx context.Context, runID int64) (*Run, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d",
		url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), runID)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get run", resp)
	}

	var run Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github %s %s: %w", method, path, err)
	}
	return resp, nil
}

// token returns the static token or a cached installation token.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.cfg.Token != "" {
		return c.cfg.Token, nil
	}
	if c.cfg.AppID == 0 || len(c.cfg.PrivateKeyPEM) == 0 || c.cfg.InstallationID == 0 {
		return "", ErrNoCredentials
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.installToken != "" && time.Until(c.installTokenExpiry) > time.Minute {
		return c.installToken, nil
	}

	tok, expires, err := c.generateInstallationToken(ctx)
	if err != nil {
		return "", err
	}
	c.installToken, c.installTokenExpiry = tok, expires
	return tok, nil
}

// generateInstallationToken exchanges an app JWT for an installation access token.
func (c *Client) generateInstallationToken(ctx context.Context) (string, time.Time, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(c.cfg.PrivateKeyPEM)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("parsing private key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": fmt.Sprintf("%d", c.cfg.AppID),
	}

	signedToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing jwt: %w", err)
	}

	apiURL := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.cfg.APIURL, c.cfg.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}

	req.Header.Set("Authorization", "Bearer "+signedToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("requesting installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, statusError("installation token", resp)
	}

	var tokenResp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", time.Time{}, fmt.Errorf("decoding installation token: %w", err)
	}
	if tokenResp.ExpiresAt.IsZero() {
		tokenResp.ExpiresAt = now.Add(time.Hour)
	}

	return tokenResp.Token, tokenResp.ExpiresAt, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
