package config

import (
	"reflect"

	logx "reminderd/pkg/logx"
)

// SummarizeConfigChange returns the names of changed sections and safe
// structured attrs for logging. Secrets are reported only as "set" flags.
//
// Sections that need a restart (see RestartRequired) are listed too so the
// caller can warn about them.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Extract, newCfg.Extract) {
		changed = append(changed, "extract")
		attrs = append(attrs,
			logx.String("extract.min_delay", newCfg.Extract.MinDelay),
			logx.String("extract.max_delay", newCfg.Extract.MaxDelay),
			logx.String("extract.timezone", newCfg.Extract.Timezone),
		)
	}
	if !reflect.DeepEqual(oldCfg.Sweeper, newCfg.Sweeper) {
		changed = append(changed, "sweeper")
		attrs = append(attrs,
			logx.String("sweeper.interval", newCfg.Sweeper.Interval),
			logx.String("sweeper.stale_after", newCfg.Sweeper.StaleAfter),
			logx.String("sweeper.stale_policy", newCfg.Sweeper.StalePolicy),
		)
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.String("notifier.default_transport", newCfg.Notifier.DefaultTransport),
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
			logx.Bool("notifier.email_password_set", Secret(newCfg.Notifier.Email.Password, newCfg.Notifier.Email.PasswordEnv) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Digest, newCfg.Digest) {
		changed = append(changed, "digest")
		attrs = append(attrs,
			logx.Bool("digest.enabled", newCfg.Digest.Enabled),
			logx.String("digest.schedule", newCfg.Digest.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Service, newCfg.Service) {
		changed = append(changed, "service")
	}

	for _, s := range []struct {
		name string
		a, b any
	}{
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"delivery", oldCfg.Delivery, newCfg.Delivery},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"http", oldCfg.HTTP, newCfg.HTTP},
		{"mcp", oldCfg.MCP, newCfg.MCP},
		{"metrics", oldCfg.Metrics, newCfg.Metrics},
	} {
		if !reflect.DeepEqual(s.a, s.b) {
			changed = append(changed, s.name)
		}
	}

	return changed, attrs
}

// RestartRequired reports which of the changed sections only take effect
// after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "storage", "delivery", "mcp", "metrics":
			out = append(out, c)
		}
	}
	return out
}
