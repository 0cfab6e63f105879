package config

// Config is the root configuration structure for webscan.
// Serialised to ~/.webscan/config.json.
type Config struct {
	Scan     ScanConfig     `mapstructure:"scan"     json:"scan"`
	HTTP     HTTPConfig     `mapstructure:"http"     json:"http"`
	Events   EventsConfig   `mapstructure:"events"   json:"events"`
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Gateway  GatewayConfig  `mapstructure:"gateway"  json:"gateway"`
	Notify   NotifyConfig   `mapstructure:"notify"   json:"notify"`
	Profiles ProfilesConfig `mapstructure:"profiles" json:"profiles"`
}

// ScanConfig bounds scan execution.
type ScanConfig struct {
	// GlobalHardCapSeconds is the default whole-scan deadline.
	GlobalHardCapSeconds int `mapstructure:"global_hard_cap_seconds" json:"global_hard_cap_seconds"`
	// PerScannerCapSeconds is the default per-scanner timeout when no stage cap applies.
	PerScannerCapSeconds int `mapstructure:"per_scanner_cap_seconds" json:"per_scanner_cap_seconds"`
	// MaxConcurrent caps simultaneously running scanner tasks.
	MaxConcurrent int `mapstructure:"max_concurrent" json:"max_concurrent"`
	// PerHostMaxConcurrency caps simultaneous tasks against a single host.
	PerHostMaxConcurrency int `mapstructure:"per_host_max_concurrency" json:"per_host_max_concurrency"`
	// Staged enables stage-windowed admission (A/B/C/D). When false all
	// scanners run in a single priority class.
	Staged bool `mapstructure:"staged" json:"staged"`
	// EvidenceMaxBytes caps finding evidence before publication.
	EvidenceMaxBytes int `mapstructure:"evidence_max_bytes" json:"evidence_max_bytes"`
	// MemorySoftLimitMB shrinks the active cap by 25% while exceeded. 0 disables.
	MemorySoftLimitMB int `mapstructure:"memory_soft_limit_mb" json:"memory_soft_limit_mb"`
}

// HTTPConfig tunes the shared outbound HTTP client.
type HTTPConfig struct {
	MaxRetries         int     `mapstructure:"max_retries"           json:"max_retries"`
	BackoffBaseSeconds float64 `mapstructure:"backoff_base_seconds"  json:"backoff_base_seconds"`
	BackoffMaxSeconds  float64 `mapstructure:"backoff_max_seconds"   json:"backoff_max_seconds"`
	// PerHostMinIntervalMs floors the pacing interval per host; 0 means no floor.
	PerHostMinIntervalMs int `mapstructure:"per_host_min_interval_ms" json:"per_host_min_interval_ms"`
	// BucketMaxTokens is the per-host token bucket capacity.
	BucketMaxTokens int `mapstructure:"bucket_max_tokens" json:"bucket_max_tokens"`
	// PerHostInitialRPS is the starting refill rate per host.
	PerHostInitialRPS float64 `mapstructure:"per_host_initial_rps" json:"per_host_initial_rps"`
	// AllowedHosts, when non-empty, is the only set of hosts the client will
	// touch. BlockedHosts always wins over AllowedHosts.
	AllowedHosts []string `mapstructure:"allowed_hosts" json:"allowed_hosts"`
	BlockedHosts []string `mapstructure:"blocked_hosts" json:"blocked_hosts"`
	// BlockPrivateNetworks rejects targets whose resolved IP is loopback,
	// link-local, private, or unique-local.
	BlockPrivateNetworks bool `mapstructure:"block_private_networks" json:"block_private_networks"`
	// PrivateHostAllowlist exempts specific hosts from the private-network
	// block, for deliberately scanning an internal staging host.
	PrivateHostAllowlist []string `mapstructure:"private_host_allowlist" json:"private_host_allowlist"`
	// MaxResponseBytes caps response bodies; 0 disables the cap.
	MaxResponseBytes int64 `mapstructure:"max_response_bytes" json:"max_response_bytes"`
	// CacheTTLSeconds is the response cache lifetime.
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds" json:"cache_ttl_seconds"`
	// UserAgent sent on every outbound request.
	UserAgent string `mapstructure:"user_agent" json:"user_agent"`
}

// EventsConfig tunes the per-scan event bus.
type EventsConfig struct {
	// HistoryMax is how many recent events replay to late subscribers.
	HistoryMax int `mapstructure:"history_max" json:"history_max"`
	// SubscriberBuffer is each subscriber's bounded queue length.
	SubscriberBuffer int `mapstructure:"subscriber_buffer" json:"subscriber_buffer"`
}

// DatabaseConfig controls the scan archive backend.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string `mapstructure:"driver" json:"driver"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path"   json:"path"`
	// DSN is the MySQL data source name (used when Driver == "mysql").
	DSN string `mapstructure:"dsn"    json:"dsn"`
}

// GatewayConfig controls the persistent gateway daemon.
type GatewayConfig struct {
	// Port is the localhost HTTP port the gateway listens on (default: 6090).
	Port int `mapstructure:"port" json:"port"`
}

// NotifyConfig selects and filters notification channels.
type NotifyConfig struct {
	// MinSeverity suppresses finding notifications below this level.
	MinSeverity string `mapstructure:"min_severity" json:"min_severity"`
	// Events lists event types to send; empty uses the built-in defaults.
	Events   []string             `mapstructure:"events"   json:"events"`
	Slack    SlackNotifyConfig    `mapstructure:"slack"    json:"slack"`
	Telegram TelegramNotifyConfig `mapstructure:"telegram" json:"telegram"`
	Email    EmailNotifyConfig    `mapstructure:"email"    json:"email"`
	Webhook  WebhookNotifyConfig  `mapstructure:"webhook"  json:"webhook"`
	GitHub   GitHubNotifyConfig   `mapstructure:"github"   json:"github"`
	GitLab   GitLabNotifyConfig   `mapstructure:"gitlab"   json:"gitlab"`
}

// SlackNotifyConfig posts to a Slack incoming webhook.
type SlackNotifyConfig struct {
	WebhookURL string `mapstructure:"webhook_url" json:"webhook_url"`
}

// TelegramNotifyConfig posts via the Telegram bot API.
type TelegramNotifyConfig struct {
	BotToken string `mapstructure:"bot_token" json:"bot_token"`
	ChatID   string `mapstructure:"chat_id"   json:"chat_id"`
}

// EmailNotifyConfig sends over SMTP.
type EmailNotifyConfig struct {
	Host     string   `mapstructure:"host"     json:"host"`
	Port     int      `mapstructure:"port"     json:"port"`
	Username string   `mapstructure:"username" json:"username"`
	Password string   `mapstructure:"password" json:"password"`
	From     string   `mapstructure:"from"     json:"from"`
	To       []string `mapstructure:"to"       json:"to"`
}

// WebhookNotifyConfig posts to a generic endpoint with optional HMAC signing.
type WebhookNotifyConfig struct {
	URL    string `mapstructure:"url"    json:"url"`
	Secret string `mapstructure:"secret" json:"secret"`
}

// GitHubNotifyConfig opens issues in a repo for qualifying scans.
type GitHubNotifyConfig struct {
	Token string `mapstructure:"token" json:"token"`
	// Repo is "owner/name".
	Repo string `mapstructure:"repo" json:"repo"`
	// Host allows enterprise GitHub (e.g. github.mycompany.com).
	Host   string   `mapstructure:"host"   json:"host"`
	Labels []string `mapstructure:"labels" json:"labels"`
}

// GitLabNotifyConfig opens issues in a GitLab project.
type GitLabNotifyConfig struct {
	Token string `mapstructure:"token" json:"token"`
	Host  string `mapstructure:"host"  json:"host"`
	// ProjectID is the numeric or "group/project" identifier.
	ProjectID string `mapstructure:"project_id" json:"project_id"`
	Labels    string `mapstructure:"labels"     json:"labels"`
}

// ProfilesConfig locates user scan profiles.
type ProfilesConfig struct {
	// Dir is the user profile directory (default ~/.webscan/profiles).
	Dir string `mapstructure:"dir" json:"dir"`
}
