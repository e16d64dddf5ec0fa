package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	BaseURL    string

	// ServerName is the host part of cloud ids issued by this instance
	// (e.g. "alice@serverName"). Defaults to the BaseURL host.
	ServerName string

	DB struct {
		DSN string
	}

	Federation struct {
		Enabled bool
		// Scheme used for outbound federation calls. Only overridable to
		// "http" for test deployments.
		Scheme       string
		SyncInterval time.Duration
		HTTPTimeout  time.Duration
	}

	// LocalUsers maps local user ids to DAV passwords for the federated
	// calendar mount. A real deployment fronts this with its own identity
	// provider; the env-driven map keeps the binary self-contained.
	LocalUsers map[string]string

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = getenvDefault("APP_BASE_URL", "http://localhost:8080")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("APP_BASE_URL is not a valid URL: %w", err)
	}
	cfg.ServerName = getenvDefault("APP_SERVER_NAME", base.Host)

	cfg.Federation.Enabled = getenvBool("APP_FEDERATION_ENABLED", true)
	cfg.Federation.Scheme = getenvDefault("APP_FEDERATION_SCHEME", "https")
	cfg.Federation.SyncInterval = getenvDuration("APP_SYNC_INTERVAL", time.Hour)
	cfg.Federation.HTTPTimeout = getenvDuration("APP_HTTP_TIMEOUT", 30*time.Second)

	cfg.LocalUsers = getenvCredentialMap("APP_LOCAL_USERS")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.ServerName == "" {
		return nil, errors.New("APP_SERVER_NAME is required when APP_BASE_URL has no host")
	}
	if cfg.Federation.Scheme != "https" && cfg.Federation.Scheme != "http" {
		return nil, fmt.Errorf("APP_FEDERATION_SCHEME must be http or https (got %q)", cfg.Federation.Scheme)
	}
	if cfg.Federation.SyncInterval < time.Minute {
		return nil, fmt.Errorf("APP_SYNC_INTERVAL must be at least one minute (got %s)", cfg.Federation.SyncInterval)
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. CalFed will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

// FederationEnabled reports whether this instance accepts and emits
// federation traffic. Satisfies the provider's settings dependency.
func (c *Config) FederationEnabled() bool {
	return c.Federation.Enabled
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

// getenvCredentialMap parses "user:password" pairs separated by commas.
func getenvCredentialMap(key string) map[string]string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	result := make(map[string]string)
	for _, item := range strings.Split(v, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		user, password, ok := strings.Cut(item, ":")
		if !ok || user == "" {
			continue
		}
		result[user] = password
	}
	return result
}
