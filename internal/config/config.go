package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".webscan"
	DefaultConfigFile = "config.json"
	DefaultDBFile     = ".webscan/webscan.db"
)

// Load reads the config file (falling back to defaults if absent) and returns
// a populated Config. The configPath flag may override the default location.
// Environment variables override file values; see bindEnvs for the mapping.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)
	bindEnvs(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !isNotExist(err) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
		// No config yet; defaults and environment carry the run.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	return &cfg, nil
}

// Save writes the config to disk as JSON.
func Save(cfg *Config, configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("cannot determine home directory: %w", err)
	}

	if configPath == "" {
		configPath = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("serialising config: %w", err)
	}

	return os.WriteFile(configPath, data, 0o600)
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// setDefaults populates viper with the engine's out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	v.SetDefault("scan.global_hard_cap_seconds", 180)
	v.SetDefault("scan.per_scanner_cap_seconds", 90)
	v.SetDefault("scan.max_concurrent", 16)
	v.SetDefault("scan.per_host_max_concurrency", 6)
	v.SetDefault("scan.staged", true)
	v.SetDefault("scan.evidence_max_bytes", 8192)
	v.SetDefault("scan.memory_soft_limit_mb", 0)

	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base_seconds", 0.5)
	v.SetDefault("http.backoff_max_seconds", 10.0)
	v.SetDefault("http.per_host_min_interval_ms", 0)
	v.SetDefault("http.bucket_max_tokens", 10)
	v.SetDefault("http.per_host_initial_rps", 5.0)
	v.SetDefault("http.allowed_hosts", []string{})
	v.SetDefault("http.blocked_hosts", []string{})
	v.SetDefault("http.block_private_networks", true)
	v.SetDefault("http.private_host_allowlist", []string{})
	v.SetDefault("http.max_response_bytes", int64(2<<20))
	v.SetDefault("http.cache_ttl_seconds", 120)
	v.SetDefault("http.user_agent", "webscan/1.0")

	v.SetDefault("events.history_max", 200)
	v.SetDefault("events.subscriber_buffer", 1024)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.dsn", "")

	v.SetDefault("gateway.port", 6090)

	v.SetDefault("profiles.dir", filepath.Join(home, DefaultConfigDir, "profiles"))
}

// bindEnvs maps the engine's published environment variables onto config keys.
// AutomaticEnv covers the SECTION_KEY shape; these named variables predate it.
func bindEnvs(v *viper.Viper) {
	pairs := [][2]string{
		{"scan.global_hard_cap_seconds", "GLOBAL_SCAN_HARD_CAP_SECONDS"},
		{"scan.per_scanner_cap_seconds", "PER_SCANNER_CAP_SECONDS"},
		{"scan.max_concurrent", "MAX_CONCURRENT_SCANS"},
		{"scan.per_host_max_concurrency", "PER_HOST_MAX_CONCURRENCY"},
		{"scan.evidence_max_bytes", "EVIDENCE_MAX_BYTES"},
		{"http.max_retries", "HTTP_MAX_RETRIES"},
		{"http.backoff_base_seconds", "HTTP_BACKOFF_BASE_SECONDS"},
		{"http.backoff_max_seconds", "HTTP_BACKOFF_MAX_SECONDS"},
		{"http.per_host_min_interval_ms", "HTTP_PER_HOST_MIN_INTERVAL_MS"},
		{"http.bucket_max_tokens", "HTTP_BUCKET_MAX_TOKENS"},
		{"http.per_host_initial_rps", "HTTP_PER_HOST_INITIAL_RPS"},
		{"http.allowed_hosts", "HTTP_ALLOWED_HOSTS"},
		{"http.blocked_hosts", "HTTP_BLOCKED_HOSTS"},
		{"http.block_private_networks", "BLOCK_PRIVATE_NETWORKS"},
		{"http.max_response_bytes", "HTTP_MAX_RESPONSE_BYTES"},
		{"events.history_max", "EVENT_HISTORY_MAX"},
	}
	for _, p := range pairs {
		_ = v.BindEnv(p[0], p[1])
	}
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Profiles.Dir = expandHome(cfg.Profiles.Dir, home)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}

// SplitHostList parses a comma-separated host list from configuration or
// environment into trimmed, lowercased entries.
func SplitHostList(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, h := range strings.Split(item, ",") {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				out = append(out, h)
			}
		}
	}
	return out
}
