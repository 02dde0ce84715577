package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := LoadWithDefaults()
	cfg.CI.Owner = "acme"
	cfg.CI.Repo = "mobile-builds"
	cfg.CI.Token = "ghp_test"
	return cfg
}

func TestLoadWithDefaults(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("CI_POLL_INTERVAL", "30s")
	t.Setenv("GIT_FORCE_PUSH", "false")
	t.Setenv("DATABASE_URL", "memory")

	cfg := LoadWithDefaults()

	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.CI.PollInterval)
	assert.False(t, cfg.Git.ForcePush)
	assert.True(t, cfg.UsesMemoryStore())
	assert.Equal(t, "main", cfg.Git.Branch)
	assert.Equal(t, "play-store-credentials.json", cfg.Credentials.FileName)
}

func TestLoadWithDefaults_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "lots")
	t.Setenv("CI_POLL_TIMEOUT", "forever")

	cfg := LoadWithDefaults()

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, time.Hour, cfg.CI.PollTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "short jwt secret", mutate: func(c *Config) { c.JWTSecret = "short" }, errMsg: "JWT_SECRET"},
		{name: "missing repo", mutate: func(c *Config) { c.CI.Repo = "" }, errMsg: "CI_OWNER"},
		{name: "no ci credentials", mutate: func(c *Config) { c.CI.Token = "" }, errMsg: "CI_TOKEN"},
		{
			name: "app credentials",
			mutate: func(c *Config) {
				c.CI.Token = ""
				c.CI.AppID = 1
				c.CI.InstallationID = 2
				c.CI.PrivateKeyPath = "/etc/appfactory/app.pem"
			},
		},
		{
			name: "unbounded poll",
			mutate: func(c *Config) {
				c.CI.MaxPollAttempts = 0
				c.CI.PollTimeout = 0
			},
			errMsg: "bound",
		},
		{
			name: "stale window within poll interval",
			mutate: func(c *Config) {
				c.CI.PollInterval = time.Minute
				c.Recovery.StaleAfter = time.Minute
			},
			errMsg: "RECOVERY_STALE_AFTER",
		},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, errMsg: "WORKER_CONCURRENCY"},
		{name: "nested file name", mutate: func(c *Config) { c.Credentials.FileName = "a/b.json" }, errMsg: "bare file name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.errMsg), err.Error())
		})
	}
}
