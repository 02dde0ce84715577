package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchWorkflow(t *testing.T) {
	var got struct {
		Ref    string            `json:"ref"`
		Inputs map[string]string `json:"inputs"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/repos/acme/apps/actions/workflows/build.yml/dispatches", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL, Owner: "acme", Repo: "apps", Token: "tok"})
	err := c.DispatchWorkflow(context.Background(), "build.yml", "main", map[string]string{"company_id": "7"})
	require.NoError(t, err)
	assert.Equal(t, "main", got.Ref)
	assert.Equal(t, "7", got.Inputs["company_id"])
}

func TestDispatchWorkflow_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"Workflow does not have 'workflow_dispatch' trigger"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL, Owner: "acme", Repo: "apps", Token: "tok"})
	err := c.DispatchWorkflow(context.Background(), "build.yml", "main", nil)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "workflow_dispatch")
}

func TestListRunsAndGetRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/apps/actions/runs":
			assert.Equal(t, "main", r.URL.Query().Get("branch"))
			w.Write([]byte(`{"total_count":1,"workflow_runs":[{"id":42,"name":"Build","head_branch":"main","status":"queued","conclusion":null,"created_at":"2026-01-01T00:00:00Z"}]}`))
		case "/repos/acme/apps/actions/runs/42":
			w.Write([]byte(`{"id":42,"name":"Build","head_branch":"main","status":"completed","conclusion":"success"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL + "/", Owner: "acme", Repo: "apps", Token: "tok"})

	runs, err := c.ListRuns(context.Background(), "main")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(42), runs[0].ID)
	assert.False(t, runs[0].IsTerminal())
	assert.Empty(t, runs[0].Conclusion)

	run, err := c.GetRun(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, run.IsTerminal())
	assert.Equal(t, ConclusionSuccess, run.Conclusion)
}

func TestAppInstallationToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	var exchanges atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/app/installations/99/access_tokens" {
			exchanges.Add(1)
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			claims := jwt.MapClaims{}
			_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return &key.PublicKey, nil })
			assert.NoError(t, err)
			assert.Equal(t, "12", claims["iss"])

			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"token":      "inst-token",
				"expires_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			})
			return
		}
		assert.Equal(t, "Bearer inst-token", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":1,"status":"in_progress"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIURL: srv.URL, Owner: "acme", Repo: "apps", AppID: 12, PrivateKeyPEM: keyPEM, InstallationID: 99})
	for i := 0; i < 3; i++ {
		_, err := c.GetRun(context.Background(), 1)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), exchanges.Load(), "installation token must be cached")
}

func TestNoCredentials(t *testing.T) {
	c := NewClient(Config{Owner: "acme", Repo: "apps"})
	_, err := c.GetRun(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoCredentials)
}
