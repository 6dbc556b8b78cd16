// Package config loads and validates the proxy configuration from
// environment variables. All settings have sensible defaults so the binary
// works out of the box for local development without any .env file.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config holds all runtime configuration for the proxy.
// Values are loaded once at startup via Load() and then treated as immutable.
type Config struct {
	// ListenAddr is the HTTP listen address for the proxy itself.
	ListenAddr string

	// APIKey is the credential for the LLM judge endpoint. Required for
	// hostname resolution; already-mapped hosts and CRUD work without it.
	APIKey string

	// APIURL is the OpenAI-compatible chat-completions endpoint.
	APIURL string

	// Model is the model name passed to the judge.
	Model string

	// CacheFile is the path to the persisted mapping store.
	CacheFile string

	// OwnProject, if set, filters the proxy's own containers out of the
	// container inventory handed to the judge.
	OwnProject string

	// DebugHost is the reserved hostname that serves the debug dashboard.
	DebugHost string

	// AdmissionSuffix is the accepted suffix for the TLS admission check.
	AdmissionSuffix string

	// ProcessSnapshotTTL bounds how long a cached process snapshot is
	// reused before a fresh probe is taken.
	ProcessSnapshotTTL time.Duration

	// ProbeTimeout bounds how long a single discovery probe may run.
	ProbeTimeout time.Duration

	// LLMTimeout bounds how long a single judge call may run.
	LLMTimeout time.Duration
}

// IsDebugHost reports whether host is the reserved dashboard hostname.
func (c *Config) IsDebugHost(host string) bool {
	return host == c.DebugHost
}

// Load reads configuration from environment variables.
// Missing variables fall back to defaults suitable for local development.
// An error is returned only if a duration variable is set but unparsable.
func Load() (*Config, error) {
	ttl, err := getDuration("LOCALPROXY_PROCESS_SNAPSHOT_TTL", 5*time.Second)
	if err != nil {
		return nil, err
	}
	probeTimeout, err := getDuration("LOCALPROXY_PROBE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	llmTimeout, err := getDuration("LOCALPROXY_LLM_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:         getEnv("LOCALPROXY_LISTEN_ADDR", ":80"),
		APIKey:             getEnv("LOCALPROXY_API_KEY", ""),
		APIURL:             getEnv("LOCALPROXY_API_URL", "https://openrouter.ai/api/v1/chat/completions"),
		Model:              getEnv("LOCALPROXY_MODEL", "anthropic/claude-haiku-4.5"),
		CacheFile:          getEnv("LOCALPROXY_CACHE_FILE", "/data/mappings.json"),
		OwnProject:         getEnv("LOCALPROXY_OWN_PROJECT", ""),
		DebugHost:          getEnv("LOCALPROXY_DEBUG_HOST", "proxy.localhost"),
		AdmissionSuffix:    getEnv("LOCALPROXY_ADMISSION_SUFFIX", ".localhost"),
		ProcessSnapshotTTL: ttl,
		ProbeTimeout:       probeTimeout,
		LLMTimeout:         llmTimeout,
	}
	return cfg, nil
}

// getEnv returns the value of the environment variable named by key,
// or fallback if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getDuration parses an env var as a duration, or returns fallback if unset.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return d, nil
}
