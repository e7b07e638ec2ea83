package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr    = ":8080"
	defaultMetricsAddr = "off"

	defaultSyncInterval  = 15 * time.Minute
	defaultTenantWorkers = 4

	defaultCacheTTL = 2 * time.Hour

	// SecretsBackendLocal decrypts tenant secrets stored in Postgres with the
	// configured passphrase. SecretsBackendVault reads them from Vault KV.
	SecretsBackendLocal = "local"
	SecretsBackendVault = "vault"
)

type Config struct {
	DatabaseURL      string
	HTTPAddr         string
	MetricsAddr      string
	AuthCookieSecure bool

	SyncInterval  time.Duration
	TenantWorkers int
	ResyncEnabled bool
	ResyncMode    string

	SecretsBackend       string
	EncryptionPassphrase string
	VaultAddr            string
	VaultNamespace       string
	VaultAuthType        string
	VaultToken           string
	VaultAppRoleMount    string
	VaultAppRoleRoleID   string
	VaultAppRoleSecretID string
	VaultSecretPath      string
	VaultTLSSkipVerify   bool
	VaultCACertPEM       string

	CacheURL string
	CacheTTL time.Duration
}

type LoadOptions struct {
	RequireDatabaseURL bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: true})
}

func LoadOptionalDB() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireDatabaseURL: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		HTTPAddr:         getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:      getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		AuthCookieSecure: getenvBoolDefault("AUTH_COOKIE_SECURE", false),

		SyncInterval:  defaultSyncInterval,
		TenantWorkers: getenvIntDefault("SYNC_TENANT_WORKERS", defaultTenantWorkers),
		ResyncEnabled: getenvBoolDefault("RESYNC_ENABLED", true),
		ResyncMode:    strings.ToLower(strings.TrimSpace(getenvDefault("RESYNC_MODE", "inline"))),

		SecretsBackend:       strings.ToLower(strings.TrimSpace(getenvDefault("SECRETS_BACKEND", SecretsBackendLocal))),
		EncryptionPassphrase: os.Getenv("ENCRYPTION_PASSPHRASE"),
		VaultAddr:            strings.TrimSpace(os.Getenv("VAULT_ADDR")),
		VaultNamespace:       strings.TrimSpace(os.Getenv("VAULT_NAMESPACE")),
		VaultAuthType:        strings.ToLower(strings.TrimSpace(getenvDefault("VAULT_AUTH_TYPE", "token"))),
		VaultToken:           strings.TrimSpace(os.Getenv("VAULT_TOKEN")),
		VaultAppRoleMount:    strings.TrimSpace(os.Getenv("VAULT_APPROLE_MOUNT")),
		VaultAppRoleRoleID:   strings.TrimSpace(os.Getenv("VAULT_APPROLE_ROLE_ID")),
		VaultAppRoleSecretID: strings.TrimSpace(os.Getenv("VAULT_APPROLE_SECRET_ID")),
		VaultSecretPath:      strings.Trim(strings.TrimSpace(getenvDefault("VAULT_SECRET_PATH", "secret/data/open-cnapp/tenants")), "/"),
		VaultTLSSkipVerify:   getenvBoolDefault("VAULT_TLS_SKIP_VERIFY", false),
		VaultCACertPEM:       os.Getenv("VAULT_CACERT_PEM"),

		CacheURL: strings.TrimSpace(os.Getenv("CACHE_URL")),
		CacheTTL: defaultCacheTTL,
	}

	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SyncInterval = d
		}
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.CacheTTL = d
		}
	}

	switch cfg.SecretsBackend {
	case SecretsBackendLocal, SecretsBackendVault:
	default:
		return cfg, fmt.Errorf("SECRETS_BACKEND must be %q or %q", SecretsBackendLocal, SecretsBackendVault)
	}
	switch cfg.ResyncMode {
	case "inline", "queue":
	default:
		return cfg, errors.New(`RESYNC_MODE must be "inline" or "queue"`)
	}

	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvBoolDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch v {
	case "1":
		return true
	case "0":
		return false
	default:
		return def
	}
}
