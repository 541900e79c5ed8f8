package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gitea.jw6.us/james/calsync/internal/vault"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	BaseURL    string `yaml:"base_url"`

	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`

	OAuth struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		IssuerURL    string `yaml:"issuer_url"`
		DiscoveryURL string `yaml:"discovery_url"`
		RedirectPath string `yaml:"redirect_path"`
	} `yaml:"oauth"`

	Session struct {
		Secret string `yaml:"secret"`
	} `yaml:"session"`

	Google struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectPath string `yaml:"redirect_path"`
		APIEndpoint  string `yaml:"api_endpoint"`
		TokenURL     string `yaml:"token_url"`
		WebhookPath  string `yaml:"webhook_path"`
	} `yaml:"google"`

	// Keys are decoded from APP_REFRESH_TOKEN_KEY and APP_PAYLOAD_KEY only.
	Keys struct {
		RefreshToken []byte `yaml:"-"`
		Payload      []byte `yaml:"-"`
	} `yaml:"-"`

	Sync struct {
		PollSchedule       string        `yaml:"poll_schedule"`
		WatchRenewSchedule string        `yaml:"watch_renew_schedule"`
		AccountTimeout     time.Duration `yaml:"account_timeout"`
		BatchTimeout       time.Duration `yaml:"batch_timeout"`
		MaxRetries         int           `yaml:"max_retries"`
		RetryBase          time.Duration `yaml:"retry_base"`
		Concurrency        int           `yaml:"concurrency"`
		WatchRenewBefore   time.Duration `yaml:"watch_renew_before"`
	} `yaml:"sync"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	// HouseholdUserIDs lists users allowed to view each other's events as members.
	HouseholdUserIDs []int64 `yaml:"household_user_ids"`

	PrometheusEnabled bool     `yaml:"prometheus_enabled"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
}

// GoogleRedirectURL is the absolute callback registered with Google.
func (c *Config) GoogleRedirectURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.Google.RedirectPath
}

// WebhookURL is the absolute address Google pushes channel notifications to.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.BaseURL, "/") + c.Google.WebhookPath
}

func Load() (*Config, error) {
	// A missing .env file is fine; the process environment is authoritative.
	_ = godotenv.Load()

	cfg := &Config{}
	if path := os.Getenv("APP_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", orDefault(cfg.ListenAddr, ":8080"))
	cfg.BaseURL = getenvDefault("APP_BASE_URL", orDefault(cfg.BaseURL, "http://localhost:8080"))
	cfg.DB.DSN = getenvDefault("APP_DB_DSN", cfg.DB.DSN)

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

	cfg.OAuth.ClientID = getenvDefault("APP_OAUTH_CLIENT_ID", cfg.OAuth.ClientID)
	cfg.OAuth.ClientSecret = getenvDefault("APP_OAUTH_CLIENT_SECRET", cfg.OAuth.ClientSecret)
	cfg.OAuth.IssuerURL = getenvDefault("APP_OAUTH_ISSUER_URL", cfg.OAuth.IssuerURL)
	cfg.OAuth.DiscoveryURL = getenvDefault("APP_OAUTH_DISCOVERY_URL", cfg.OAuth.DiscoveryURL)
	cfg.OAuth.RedirectPath = getenvDefault("APP_OAUTH_REDIRECT_PATH", orDefault(cfg.OAuth.RedirectPath, "/auth/callback"))
	cfg.Session.Secret = getenvDefault("APP_SESSION_SECRET", cfg.Session.Secret)

	cfg.Google.ClientID = getenvDefault("APP_GOOGLE_CLIENT_ID", cfg.Google.ClientID)
	cfg.Google.ClientSecret = getenvDefault("APP_GOOGLE_CLIENT_SECRET", cfg.Google.ClientSecret)
	cfg.Google.RedirectPath = getenvDefault("APP_GOOGLE_REDIRECT_PATH", orDefault(cfg.Google.RedirectPath, "/link/google/callback"))
	cfg.Google.APIEndpoint = getenvDefault("APP_GOOGLE_API_ENDPOINT", cfg.Google.APIEndpoint)
	cfg.Google.TokenURL = getenvDefault("APP_GOOGLE_TOKEN_URL", cfg.Google.TokenURL)
	cfg.Google.WebhookPath = getenvDefault("APP_GOOGLE_WEBHOOK_PATH", orDefault(cfg.Google.WebhookPath, "/webhooks/google"))

	cfg.Sync.PollSchedule = getenvDefault("APP_SYNC_POLL_SCHEDULE", orDefault(cfg.Sync.PollSchedule, "*/15 * * * *"))
	cfg.Sync.WatchRenewSchedule = getenvDefault("APP_SYNC_WATCH_RENEW_SCHEDULE", orDefault(cfg.Sync.WatchRenewSchedule, "0 * * * *"))
	cfg.Sync.AccountTimeout = getenvDuration("APP_SYNC_ACCOUNT_TIMEOUT", orDefaultDuration(cfg.Sync.AccountTimeout, 2*time.Minute))
	cfg.Sync.BatchTimeout = getenvDuration("APP_SYNC_BATCH_TIMEOUT", orDefaultDuration(cfg.Sync.BatchTimeout, 30*time.Minute))
	cfg.Sync.MaxRetries = getenvInt("APP_SYNC_MAX_RETRIES", orDefaultInt(cfg.Sync.MaxRetries, 4))
	cfg.Sync.RetryBase = getenvDuration("APP_SYNC_RETRY_BASE", orDefaultDuration(cfg.Sync.RetryBase, 500*time.Millisecond))
	cfg.Sync.Concurrency = getenvInt("APP_SYNC_CONCURRENCY", orDefaultInt(cfg.Sync.Concurrency, 4))
	cfg.Sync.WatchRenewBefore = getenvDuration("APP_SYNC_WATCH_RENEW_BEFORE", orDefaultDuration(cfg.Sync.WatchRenewBefore, 24*time.Hour))

	cfg.Log.Level = getenvDefault("APP_LOG_LEVEL", orDefault(cfg.Log.Level, "info"))
	cfg.Log.Format = getenvDefault("APP_LOG_FORMAT", orDefault(cfg.Log.Format, "json"))

	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", cfg.PrometheusEnabled)
	if proxies := getenvList("APP_TRUSTED_PROXIES"); proxies != nil {
		cfg.TrustedProxies = proxies
	}

	if ids := getenvList("APP_HOUSEHOLD_USER_IDS"); ids != nil {
		cfg.HouseholdUserIDs = cfg.HouseholdUserIDs[:0]
		for _, raw := range ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("APP_HOUSEHOLD_USER_IDS: invalid id %q", raw)
			}
			cfg.HouseholdUserIDs = append(cfg.HouseholdUserIDs, id)
		}
	}

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
		return nil, fmt.Errorf("oauth configuration is required: client id and secret")
	}
	if cfg.OAuth.DiscoveryURL == "" && cfg.OAuth.IssuerURL == "" {
		return nil, errors.New("APP_OAUTH_DISCOVERY_URL or APP_OAUTH_ISSUER_URL is required")
	}
	if cfg.Session.Secret == "" {
		return nil, errors.New("APP_SESSION_SECRET is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(cfg.Session.Secret))
	}
	if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
		return nil, errors.New("APP_GOOGLE_CLIENT_ID and APP_GOOGLE_CLIENT_SECRET are required")
	}
	if cfg.Sync.Concurrency < 1 {
		return nil, fmt.Errorf("APP_SYNC_CONCURRENCY must be positive (got %d)", cfg.Sync.Concurrency)
	}
	if cfg.Sync.MaxRetries < 0 {
		return nil, fmt.Errorf("APP_SYNC_MAX_RETRIES must not be negative (got %d)", cfg.Sync.MaxRetries)
	}
	if cfg.Sync.BatchTimeout < cfg.Sync.AccountTimeout {
		return nil, fmt.Errorf("APP_SYNC_BATCH_TIMEOUT (%s) must not be shorter than APP_SYNC_ACCOUNT_TIMEOUT (%s)", cfg.Sync.BatchTimeout, cfg.Sync.AccountTimeout)
	}

	var err error
	if cfg.Keys.RefreshToken, err = loadKey("APP_REFRESH_TOKEN_KEY"); err != nil {
		return nil, err
	}
	if cfg.Keys.Payload, err = loadKey("APP_PAYLOAD_KEY"); err != nil {
		return nil, err
	}
	if string(cfg.Keys.RefreshToken) == string(cfg.Keys.Payload) {
		return nil, errors.New("APP_REFRESH_TOKEN_KEY and APP_PAYLOAD_KEY must be different keys")
	}

	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. calsync will trust all proxies - Not recommended for public environments.")
	}

	return cfg, nil
}

// SameHousehold reports whether a may view b's events.
func (c *Config) SameHousehold(a, b int64) bool {
	if a == b {
		return true
	}
	var hasA, hasB bool
	for _, id := range c.HouseholdUserIDs {
		hasA = hasA || id == a
		hasB = hasB || id == b
	}
	return hasA && hasB
}

func loadKey(name string) ([]byte, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, fmt.Errorf("%s is required", name)
	}
	key, err := vault.DecodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return key, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orDefaultInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return def
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

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
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
