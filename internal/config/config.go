// Package config loads the service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full configuration surface consumed by the sync service.
type Config struct {
	// Required.
	DriveFolderID string
	GitRepoURL    string
	GitBranch     string

	// Git credentials: a literal token, or a Secret Manager resource name.
	// Exactly one of the two must be set.
	GitToken       string
	GitTokenSecret string

	// Optional, with defaults.
	ExcludePaths    []string
	SkipExtensions  []string
	MaxFileSizeMB   int
	AuthorName      string
	AuthorEmail     string
	DocsSubdir      string
	StateDSN        string
	StateNamespace  string
	LeaseTTL        time.Duration
	SharedSecret    string
	SelfURL         string
	VerificationTok string
	ListenAddr      string
	LogLevel        string
}

// FromEnv builds a Config from the process environment.
func FromEnv() (Config, error) {
	cfg := Config{
		DriveFolderID:   os.Getenv("DRIVE_FOLDER_ID"),
		GitRepoURL:      os.Getenv("GIT_REPO_URL"),
		GitBranch:       os.Getenv("GIT_BRANCH"),
		GitToken:        os.Getenv("GIT_TOKEN"),
		GitTokenSecret:  os.Getenv("GIT_TOKEN_SECRET"),
		ExcludePaths:    parseList(os.Getenv("EXCLUDE_PATHS")),
		SkipExtensions:  parseList(envDefault("SKIP_EXTENSIONS", ".zip,.exe,.dmg,.iso")),
		MaxFileSizeMB:   intEnv("MAX_FILE_SIZE_MB", 100),
		AuthorName:      envDefault("COMMIT_AUTHOR_NAME", "Drive Sync Bot"),
		AuthorEmail:     envDefault("COMMIT_AUTHOR_EMAIL", "sync@example.com"),
		DocsSubdir:      envDefault("DOCS_SUBDIR", "docs"),
		StateDSN:        os.Getenv("STATE_DSN"),
		StateNamespace:  envDefault("STATE_NAMESPACE", "drive_sync"),
		LeaseTTL:        durationEnv("SYNC_LEASE_TTL", 10*time.Minute),
		SharedSecret:    os.Getenv("TRIGGER_SHARED_SECRET"),
		SelfURL:         os.Getenv("SYNC_HANDLER_URL"),
		VerificationTok: os.Getenv("GOOGLE_VERIFICATION_TOKEN"),
		ListenAddr:      envDefault("LISTEN_ADDR", ":8080"),
		LogLevel:        envDefault("LOG_LEVEL", "info"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	for name, value := range map[string]string{
		"DRIVE_FOLDER_ID": c.DriveFolderID,
		"GIT_REPO_URL":    c.GitRepoURL,
		"GIT_BRANCH":      c.GitBranch,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("required environment variable %s is not set", name)
		}
	}
	if c.GitToken == "" && c.GitTokenSecret == "" {
		return fmt.Errorf("one of GIT_TOKEN or GIT_TOKEN_SECRET must be set")
	}
	if c.MaxFileSizeMB <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_MB must be positive")
	}
	return nil
}

// MaxFileSizeBytes returns the file size ceiling in bytes.
func (c Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func envDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
