package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default returns the configuration used when a section is left empty.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true, Format: "pretty"},
		Storage: StorageConfig{Driver: "file", Path: "./data"},
		Extract: ExtractConfig{
			MinDelay:     "30s",
			MaxDelay:     "8760h",
			Timezone:     "UTC",
			ParseTimeout: "2s",
		},
		Delivery: DeliveryConfig{Workers: 4, QueueSize: 1024, Timeout: "1m"},
		Sweeper:  SweeperConfig{Interval: "60s", StaleAfter: "10m", StalePolicy: "flag", BatchSize: 500},
		Notifier: NotifierConfig{
			DefaultTransport: "email",
			RatePerSec:       5,
			Burst:            5,
			RetryMax:         3,
			RetryBase:        "1s",
			RetryMaxDelay:    "30s",
			SendTimeout:      "10s",
		},
		Service: ServiceConfig{DefaultTitle: "Follow-up requested"},
		Digest:  DigestConfig{Schedule: "0 9 * * MON"},
		HTTP:    HTTPConfig{Addr: "127.0.0.1:8089"},
		MCP:     MCPConfig{Name: "reminderd"},
	}
}

var (
	storageDrivers = []string{"", "file", "memory", "sqlite", "postgres", "redis"}
	stalePolicies  = []string{"", "flag", "revert", "error"}
	transports     = []string{"", "email", "telegram", "sms", "log"}
)

// Validate checks a decoded config for values the components would reject
// at startup. Every problem is reported, not just the first.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		add(err)
		return d
	}

	add(oneOf("storage.driver", cfg.Storage.Driver, storageDrivers))
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres":
		if Secret(cfg.Storage.DSN, cfg.Storage.DSNEnv) == "" {
			add(errors.New("storage.dsn: required for postgres"))
		}
	case "redis":
		if strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			add(errors.New("storage.redis.addr: required for redis"))
		}
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	minDelay := dur("extract.min_delay", cfg.Extract.MinDelay)
	maxDelay := dur("extract.max_delay", cfg.Extract.MaxDelay)
	if minDelay > 0 && maxDelay > 0 && minDelay >= maxDelay {
		add(fmt.Errorf("extract: min_delay (%s) must be below max_delay (%s)", minDelay, maxDelay))
	}
	dur("extract.parse_timeout", cfg.Extract.ParseTimeout)
	add(location("extract.timezone", cfg.Extract.Timezone))
	add(location("scheduler.timezone", cfg.Scheduler.Timezone))
	dur("scheduler.startup_jitter", cfg.Scheduler.StartupJitter)

	if cfg.Delivery.Workers < 0 || cfg.Delivery.QueueSize < 0 {
		add(errors.New("delivery: workers and queue_size must be >= 0"))
	}
	dur("delivery.timeout", cfg.Delivery.Timeout)

	interval := dur("sweeper.interval", cfg.Sweeper.Interval)
	staleAfter := dur("sweeper.stale_after", cfg.Sweeper.StaleAfter)
	if interval > 0 && staleAfter > 0 && staleAfter < 2*interval {
		add(fmt.Errorf("sweeper.stale_after (%s) must be at least twice sweeper.interval (%s)", staleAfter, interval))
	}
	add(oneOf("sweeper.stale_policy", cfg.Sweeper.StalePolicy, stalePolicies))

	add(oneOf("notifier.default_transport", cfg.Notifier.DefaultTransport, transports))
	if cfg.Notifier.RatePerSec < 0 || cfg.Notifier.Burst < 0 || cfg.Notifier.RetryMax < 0 {
		add(errors.New("notifier: rate_per_sec, burst and retry_max must be >= 0"))
	}
	dur("notifier.retry_base", cfg.Notifier.RetryBase)
	dur("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay)
	dur("notifier.send_timeout", cfg.Notifier.SendTimeout)
	if e := cfg.Notifier.Email; e.Enabled && (strings.TrimSpace(e.Host) == "" || strings.TrimSpace(e.From) == "") {
		add(errors.New("notifier.email: host and from are required when enabled"))
	}
	if t := cfg.Notifier.Telegram; t.Enabled && Secret(t.Token, t.TokenEnv) == "" {
		add(errors.New("notifier.telegram: token is required when enabled"))
	}
	if s := cfg.Notifier.SMS; s.Enabled && (strings.TrimSpace(s.AccountSID) == "" || strings.TrimSpace(s.From) == "") {
		add(errors.New("notifier.sms: account_sid and from are required when enabled"))
	}

	if cfg.HTTP.Enabled && strings.TrimSpace(cfg.HTTP.Addr) == "" {
		add(errors.New("http.addr: required when http is enabled"))
	}
	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("metrics.interval", cfg.Metrics.Interval)

	return errors.Join(errs...)
}

func oneOf(path, v string, allowed []string) error {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q", path, v)
}

func location(path, name string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	if _, err := time.LoadLocation(strings.TrimSpace(name)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
