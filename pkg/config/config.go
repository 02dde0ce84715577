// Package config provides environment-based configuration for the app factory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the app factory.
type Config struct {
	// Database configuration. The special value "memory" selects the in-memory
	// store and queue, which is only suitable for a single process.
	DatabaseDSN string

	// RunMigrations applies the embedded schema migrations at startup.
	RunMigrations bool

	// Logging
	LogLevel  string
	LogFormat string

	// Authentication. When JWTSecret is empty the /v1 API is unauthenticated.
	JWTSecret string
	JWTExpiry time.Duration

	// Server configuration
	APIPort int
	APIHost string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	Worker      WorkerConfig
	Git         GitConfig
	CI          CIConfig
	Credentials CredentialsConfig
	Lock        LockConfig
	Recovery    RecoveryConfig

	// PlaceholdersFile is an optional YAML file overriding the placeholder
	// allow-list and tokens used during workspace materialization.
	PlaceholdersFile string
}

// WorkerConfig holds pipeline worker configuration.
type WorkerConfig struct {
	// WorkspaceRoot is the directory under which company workspaces are created.
	WorkspaceRoot string
	// Concurrency is the number of pipelines processed in parallel.
	Concurrency int
	// Embedded runs the worker pool inside the API process.
	Embedded bool
	// IdleBackoff is the wait between empty dequeue attempts.
	IdleBackoff time.Duration
	// HealthAddr is where the standalone worker serves /health and /metrics.
	HealthAddr string
}

// GitConfig holds version-control settings used to clone and publish workspaces.
type GitConfig struct {
	AuthorName  string
	AuthorEmail string
	// Token is used as HTTP basic auth password for clone and push. Optional.
	Token string
	// PublishRemoteURL overrides the push target. When empty the workspace is
	// pushed back to the template's origin.
	PublishRemoteURL string
	// Branch is the integration branch pushed to and dispatched against.
	Branch string
	// ForcePush replaces the remote branch head. Each build publishes a fresh
	// clone, so successive builds do not share history.
	ForcePush bool
}

// CIConfig holds CI provider (GitHub Actions) settings.
type CIConfig struct {
	APIURL       string
	Owner        string
	Repo         string
	WorkflowFile string
	// WorkflowName, when set, narrows run discovery to runs with this name.
	WorkflowName string
	Token        string

	// GitHub App authentication, used when Token is empty.
	AppID          int64
	PrivateKeyPath string
	InstallationID int64

	DiscoveryDelay  time.Duration
	PollInterval    time.Duration
	MaxPollAttempts int
	PollTimeout     time.Duration
	RequestTimeout  time.Duration
}

// CredentialsConfig holds store-credential injection settings.
type CredentialsConfig struct {
	// FallbackFile is the operator-wide credential used when a company has none.
	FallbackFile string
	// SubDir is the workspace sub-path that must exist before injection.
	SubDir string
	// FileName is the name of the credential file written under SubDir.
	FileName string
	// AgeRecipient encrypts company credentials at rest. Optional.
	AgeRecipient string
	// AgeIdentity decrypts company credentials at injection time. Optional.
	AgeIdentity string
}

// LockConfig holds per-company lock settings.
type LockConfig struct {
	// RedisURL selects the redis-backed lock. When empty an in-process lock is used.
	RedisURL string
	TTL      time.Duration
}

// RecoveryConfig holds startup recovery settings.
type RecoveryConfig struct {
	StaleAfter time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	cfg.JWTSecret = getEnv("JWT_SECRET", "")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate required fields, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:     getEnv("DATABASE_URL", "postgres://localhost:5432/appfactory?sslmode=disable"),
		RunMigrations:   getBoolEnv("RUN_MIGRATIONS", true),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		JWTExpiry:       getDurationEnv("JWT_EXPIRY", 24*time.Hour),
		APIPort:         getIntEnv("API_PORT", 8080),
		APIHost:         getEnv("API_HOST", "0.0.0.0"),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		Worker: WorkerConfig{
			WorkspaceRoot: getEnv("WORKSPACE_ROOT", "/var/lib/appfactory/empresas"),
			Concurrency:   getIntEnv("WORKER_CONCURRENCY", 4),
			Embedded:      getBoolEnv("WORKER_EMBEDDED", false),
			IdleBackoff:   getDurationEnv("WORKER_IDLE_BACKOFF", time.Second),
			HealthAddr:    getEnv("WORKER_HEALTH_ADDR", ":9090"),
		},
		Git: GitConfig{
			AuthorName:       getEnv("GIT_AUTHOR_NAME", "App Factory"),
			AuthorEmail:      getEnv("GIT_AUTHOR_EMAIL", "builds@appfactory.local"),
			Token:            getEnv("GIT_TOKEN", ""),
			PublishRemoteURL: getEnv("GIT_PUBLISH_REMOTE", ""),
			Branch:           getEnv("GIT_BRANCH", "main"),
			ForcePush:        getBoolEnv("GIT_FORCE_PUSH", true),
		},
		CI: CIConfig{
			APIURL:          getEnv("CI_API_URL", "https://api.github.com"),
			Owner:           getEnv("CI_OWNER", ""),
			Repo:            getEnv("CI_REPO", ""),
			WorkflowFile:    getEnv("CI_WORKFLOW", "build.yml"),
			WorkflowName:    getEnv("CI_WORKFLOW_NAME", ""),
			Token:           getEnv("CI_TOKEN", ""),
			AppID:           getInt64Env("CI_APP_ID", 0),
			PrivateKeyPath:  getEnv("CI_APP_PRIVATE_KEY_PATH", ""),
			InstallationID:  getInt64Env("CI_APP_INSTALLATION_ID", 0),
			DiscoveryDelay:  getDurationEnv("CI_DISCOVERY_DELAY", 5*time.Second),
			PollInterval:    getDurationEnv("CI_POLL_INTERVAL", 15*time.Second),
			MaxPollAttempts: getIntEnv("CI_MAX_POLL_ATTEMPTS", 240),
			PollTimeout:     getDurationEnv("CI_POLL_TIMEOUT", time.Hour),
			RequestTimeout:  getDurationEnv("CI_REQUEST_TIMEOUT", 30*time.Second),
		},
		Credentials: CredentialsConfig{
			FallbackFile: getEnv("CREDENTIALS_FALLBACK_FILE", ""),
			SubDir:       getEnv("CREDENTIALS_SUBDIR", "android"),
			FileName:     getEnv("CREDENTIALS_FILENAME", "play-store-credentials.json"),
			AgeRecipient: getEnv("CREDENTIALS_AGE_RECIPIENT", ""),
			AgeIdentity:  getEnv("CREDENTIALS_AGE_IDENTITY", ""),
		},
		Lock: LockConfig{
			RedisURL: getEnv("REDIS_URL", ""),
			TTL:      getDurationEnv("LOCK_TTL", 2*time.Hour),
		},
		Recovery: RecoveryConfig{
			StaleAfter: getDurationEnv("RECOVERY_STALE_AFTER", 15*time.Minute),
		},
		PlaceholdersFile: getEnv("PLACEHOLDERS_FILE", ""),
	}
}

// UsesMemoryStore reports whether the in-memory store was selected.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseDSN == "memory"
}

// Validate checks that required configuration values are set.
func (c *Config) Validate() error {
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}
	if c.Worker.WorkspaceRoot == "" {
		return fmt.Errorf("WORKSPACE_ROOT is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.Git.Branch == "" {
		return fmt.Errorf("GIT_BRANCH is required")
	}
	if c.CI.Owner == "" || c.CI.Repo == "" {
		return fmt.Errorf("CI_OWNER and CI_REPO are required")
	}
	if c.CI.Token == "" && (c.CI.AppID == 0 || c.CI.PrivateKeyPath == "" || c.CI.InstallationID == 0) {
		return fmt.Errorf("either CI_TOKEN or CI_APP_ID, CI_APP_PRIVATE_KEY_PATH and CI_APP_INSTALLATION_ID are required")
	}
	if c.CI.PollInterval <= 0 {
		return fmt.Errorf("CI_POLL_INTERVAL must be positive")
	}
	if c.Recovery.StaleAfter <= c.CI.PollInterval {
		return fmt.Errorf("RECOVERY_STALE_AFTER must be longer than CI_POLL_INTERVAL")
	}
	if c.CI.MaxPollAttempts < 1 && c.CI.PollTimeout <= 0 {
		return fmt.Errorf("CI_MAX_POLL_ATTEMPTS or CI_POLL_TIMEOUT must bound the poll loop")
	}
	if c.Credentials.SubDir == "" || c.Credentials.FileName == "" {
		return fmt.Errorf("CREDENTIALS_SUBDIR and CREDENTIALS_FILENAME are required")
	}
	if strings.ContainsAny(c.Credentials.FileName, `/\`) {
		return fmt.Errorf("CREDENTIALS_FILENAME must be a bare file name")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
