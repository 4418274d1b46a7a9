package app

import (
	"fmt"
	"strings"
	"time"

	"reminderd/internal/api/httpapi"
	"reminderd/internal/config"
	"reminderd/internal/digest"
	"reminderd/internal/extract"
	"reminderd/internal/notifier"
	"reminderd/internal/observability/metrics"
	"reminderd/internal/service"
	"reminderd/internal/storage"
	"reminderd/internal/sweeper"
	"reminderd/internal/task/engine"
	"reminderd/internal/task/scheduler"
	"reminderd/internal/transport"
	"reminderd/internal/transport/email"
	"reminderd/internal/transport/logsender"
	"reminderd/internal/transport/sms"
	"reminderd/internal/transport/telegram"
	logx "reminderd/pkg/logx"
)

func mapLogConfig(cfg *config.Config, stderr bool) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		Stderr:  stderr,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			Recipient:  cfg.Logging.Alert.Recipient,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "file"
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		if path == "" {
			path = "./data"
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	case "postgres":
		return storage.Config{Driver: driver, DSN: config.Secret(sc.DSN, sc.DSNEnv)}, nil
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "redis":
		return storage.Config{Driver: driver, Redis: storage.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: config.Secret(sc.Redis.Password, sc.Redis.PasswordEnv),
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		}}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func mapExtractConfig(cfg *config.Config) (extract.Config, error) {
	var (
		out extract.Config
		err error
	)
	if out.MinDelay, err = config.ParseDurationOrDefault("extract.min_delay", cfg.Extract.MinDelay, extract.DefaultMinDelay); err != nil {
		return out, err
	}
	if out.MaxDelay, err = config.ParseDurationOrDefault("extract.max_delay", cfg.Extract.MaxDelay, extract.DefaultMaxDelay); err != nil {
		return out, err
	}
	if out.ParseTimeout, err = config.ParseDurationOrDefault("extract.parse_timeout", cfg.Extract.ParseTimeout, extract.DefaultParseTimeout); err != nil {
		return out, err
	}
	if out.Location, err = loadLocation(cfg.Extract.Timezone); err != nil {
		return out, fmt.Errorf("extract.timezone: %w", err)
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(cfg.Extract.Timezone)
	}
	jitter, err := config.ParseDurationField("scheduler.startup_jitter", cfg.Scheduler.StartupJitter)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Timezone: tz, StartupJitter: jitter}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	timeout, err := config.ParseDurationOrDefault("delivery.timeout", cfg.Delivery.Timeout, time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:    cfg.Delivery.Workers,
		QueueSize:  cfg.Delivery.QueueSize,
		JobTimeout: timeout,
	}, nil
}

func mapSweeperConfig(cfg *config.Config) (sweeper.Config, error) {
	var (
		out sweeper.Config
		err error
	)
	if out.Interval, err = config.ParseDurationOrDefault("sweeper.interval", cfg.Sweeper.Interval, sweeper.DefaultInterval); err != nil {
		return out, err
	}
	if out.StaleAfter, err = config.ParseDurationOrDefault("sweeper.stale_after", cfg.Sweeper.StaleAfter, sweeper.DefaultStaleAfter); err != nil {
		return out, err
	}
	if out.StalePolicy, err = sweeper.ParseStalePolicy(cfg.Sweeper.StalePolicy); err != nil {
		return out, err
	}
	out.BatchSize = cfg.Sweeper.BatchSize
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	out := notifier.Config{
		DefaultTransport: strings.ToLower(strings.TrimSpace(n.DefaultTransport)),
		RatePerSec:       n.RatePerSec,
		Burst:            n.Burst,
		RetryMax:         n.RetryMax,
		Signature:        n.Signature,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
		return out, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
		return out, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", n.SendTimeout); err != nil {
		return out, err
	}
	return out, nil
}

// buildSenders creates one sender per enabled transport. The log transport
// is always present so a dry-run config still delivers somewhere.
func buildSenders(cfg *config.Config, log logx.Logger) ([]transport.Sender, error) {
	n := cfg.Notifier
	timeout, err := config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}

	out := []transport.Sender{logsender.New(log.With(logx.String("transport", transport.Log)))}
	if n.Email.Enabled {
		s, err := email.New(email.Config{
			Host:     n.Email.Host,
			Port:     n.Email.Port,
			Username: n.Email.Username,
			Password: config.Secret(n.Email.Password, n.Email.PasswordEnv),
			From:     n.Email.From,
			StartTLS: n.Email.StartTLS,
			Timeout:  timeout,
		}, log.With(logx.String("transport", transport.Email)))
		if err != nil {
			return nil, fmt.Errorf("notifier.email: %w", err)
		}
		out = append(out, s)
	}
	if n.Telegram.Enabled {
		s, err := telegram.New(telegram.Config{
			Token:   config.Secret(n.Telegram.Token, n.Telegram.TokenEnv),
			Timeout: timeout,
		}, log.With(logx.String("transport", transport.Telegram)))
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		out = append(out, s)
	}
	if n.SMS.Enabled {
		s, err := sms.New(sms.Config{
			AccountSID: n.SMS.AccountSID,
			AuthToken:  config.Secret(n.SMS.AuthToken, n.SMS.AuthTokenEnv),
			From:       n.SMS.From,
		}, log.With(logx.String("transport", transport.SMS)))
		if err != nil {
			return nil, fmt.Errorf("notifier.sms: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func mapServiceConfig(cfg *config.Config) service.Config {
	return service.Config{Confirm: cfg.Service.Confirm, DefaultTitle: cfg.Service.DefaultTitle}
}

func mapDigestConfig(cfg *config.Config, loc *time.Location) digest.Config {
	return digest.Config{Schedule: cfg.Digest.Schedule, Recipient: cfg.Digest.Recipient, Location: loc}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{
		Addr:      h.Addr,
		JWTSecret: config.Secret(h.JWTSecret, h.JWTSecretEnv),
		Pprof:     h.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", h.ReadTimeout, 15*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", h.WriteTimeout, 30*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.Config, error) {
	m := cfg.Metrics
	interval, err := config.ParseDurationField("metrics.interval", m.Interval)
	if err != nil {
		return metrics.Config{}, err
	}
	endpoint := strings.TrimSpace(m.OTLPEndpoint)
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	return metrics.Config{
		Enabled:      m.Enabled,
		ServiceName:  "reminderd",
		OTLPEndpoint: endpoint,
		Insecure:     m.Insecure,
		Interval:     interval,
	}, nil
}
