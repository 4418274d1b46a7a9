package config

import (
	"os"
	"strings"
)

// Config is the on-disk reminderd configuration (YAML or JSON).
//
// Durations are Go duration strings ("60s", "10m", "8760h"). Empty or zero
// durations fall back to the component default when the config is mapped.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Extract   ExtractConfig   `json:"extract"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Sweeper   SweeperConfig   `json:"sweeper"`
	Notifier  NotifierConfig  `json:"notifier"`
	Service   ServiceConfig   `json:"service"`
	Digest    DigestConfig    `json:"digest"`
	HTTP      HTTPConfig      `json:"http"`
	MCP       MCPConfig       `json:"mcp"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	// Format is "pretty" or "json".
	Format string            `json:"format,omitempty"`
	File   LoggingFileConfig `json:"file"`
	Alert  LoggingAlert      `json:"alert"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards log lines at or above MinLevel to Recipient through
// the notification dispatcher.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Recipient  string `json:"recipient,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the reminder store backend.
//
// Drivers: "file" (default), "sqlite", "postgres", "redis".
type StorageConfig struct {
	Driver string `json:"driver,omitempty"`
	// Path is the data directory (file) or database file (sqlite).
	Path string `json:"path,omitempty"`
	// DSN is the postgres connection string.
	DSN    string `json:"dsn,omitempty"`
	DSNEnv string `json:"dsn_env,omitempty"`

	BusyTimeout string `json:"busy_timeout,omitempty"`

	Redis RedisConfig `json:"redis"`
}

type RedisConfig struct {
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	PasswordEnv string `json:"password_env,omitempty"`
	DB          int    `json:"db,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
}

// ExtractConfig bounds what the time extractor accepts.
//
// Defaults: min_delay "30s", max_delay "8760h", timezone "UTC",
// parse_timeout "2s".
type ExtractConfig struct {
	MinDelay     string `json:"min_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	ParseTimeout string `json:"parse_timeout,omitempty"`
}

type SchedulerConfig struct {
	// Timezone used for housekeeping cron specs (digest). Defaults to extract.timezone.
	Timezone      string `json:"timezone,omitempty"`
	StartupJitter string `json:"startup_jitter,omitempty"`
}

// DeliveryConfig sizes the delivery worker pool.
//
// Defaults: workers 4, queue_size 1024, timeout "1m".
type DeliveryConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// SweeperConfig controls the reconciliation loop.
//
// stale_policy is one of "flag" (default), "revert", "error".
type SweeperConfig struct {
	Interval    string `json:"interval,omitempty"`
	StaleAfter  string `json:"stale_after,omitempty"`
	StalePolicy string `json:"stale_policy,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
}

type NotifierConfig struct {
	// DefaultTransport handles recipients whose address form names no
	// transport: "email", "telegram", "sms" or "log".
	DefaultTransport string `json:"default_transport,omitempty"`

	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	Burst         int    `json:"burst,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`

	// Signature closes every outgoing notification.
	Signature string `json:"signature,omitempty"`

	Email    EmailConfig    `json:"email"`
	Telegram TelegramConfig `json:"telegram"`
	SMS      SMSConfig      `json:"sms"`
}

type EmailConfig struct {
	Enabled     bool   `json:"enabled"`
	Host        string `json:"host,omitempty"`
	Port        int    `json:"port,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	PasswordEnv string `json:"password_env,omitempty"`
	From        string `json:"from,omitempty"`
	// StartTLS switches from implicit TLS (465) to STARTTLS (587).
	StartTLS bool `json:"starttls,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	TokenEnv string `json:"token_env,omitempty"`
}

type SMSConfig struct {
	Enabled      bool   `json:"enabled"`
	AccountSID   string `json:"account_sid,omitempty"`
	AuthToken    string `json:"auth_token,omitempty"`
	AuthTokenEnv string `json:"auth_token_env,omitempty"`
	From         string `json:"from,omitempty"`
}

type ServiceConfig struct {
	// Confirm sends an acknowledgement back to the sender of an inbound
	// message once its reminder is stored.
	Confirm      bool   `json:"confirm"`
	DefaultTitle string `json:"default_title,omitempty"`
}

type DigestConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron spec, default "0 9 * * MON".
	Schedule string `json:"schedule,omitempty"`
	// Recipient receives one combined digest. Empty sends one per requester.
	Recipient string `json:"recipient,omitempty"`
}

type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`
	JWTSecret    string `json:"jwt_secret,omitempty"`
	JWTSecretEnv string `json:"jwt_secret_env,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type MCPConfig struct {
	Name string `json:"name,omitempty"`
}

type MetricsConfig struct {
	Enabled      bool   `json:"enabled"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`
	Insecure     bool   `json:"insecure,omitempty"`
	Interval     string `json:"interval,omitempty"`
}

// Secret returns value, or the content of the environment variable envName
// when value is empty.
func Secret(value, envName string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	if envName = strings.TrimSpace(envName); envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}
