package config

import (
	"errors"
	"fmt"
	"strings"

	"alertrelay/internal/alert"
	"alertrelay/internal/delivery"
	"alertrelay/internal/retention"
	kit "alertrelay/internal/transport"
	logx "alertrelay/pkg/logx"
)

// Validate checks everything that can be checked without opening
// connections. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required (or set %s)", EnvTelegramToken)
	}
	// Alert bodies are rendered as HTML.
	if m := strings.TrimSpace(cfg.Telegram.ParseMode); m != "" && !strings.EqualFold(m, "HTML") {
		add("telegram.parse_mode: only HTML is supported, got %q", cfg.Telegram.ParseMode)
	}
	dur("telegram.timeout", cfg.Telegram.Timeout)
	// telebot does not honor ctx, so its HTTP timeout is the real bound on a call.
	if tg, err := ParseDurationField("telegram.timeout", cfg.Telegram.Timeout); err == nil && tg > 0 {
		call, cerr := ParseDurationOrDefault("delivery.call_timeout", cfg.Delivery.CallTimeout, delivery.DefaultCallTimeout)
		if cerr == nil && tg > call {
			add("telegram.timeout (%s) must not exceed delivery.call_timeout (%s)", tg, call)
		}
	}
	if s := strings.TrimSpace(cfg.Telegram.LogChat); s != "" {
		if _, err := kit.ParseTarget(s); err != nil {
			add("telegram.log_chat: %v", err)
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.LogChat) == "" {
		add("logging.telegram.enabled requires telegram.log_chat")
	}

	dur("server.read_timeout", cfg.Server.ReadTimeout)
	dur("server.write_timeout", cfg.Server.WriteTimeout)
	dur("server.idle_timeout", cfg.Server.IdleTimeout)
	dur("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	if cfg.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes must be >= 0")
	}

	errs = append(errs, validateRouting(cfg.Routing)...)

	dur("delivery.call_timeout", cfg.Delivery.CallTimeout)
	dur("delivery.store_timeout", cfg.Delivery.StoreTimeout)
	dur("delivery.retry_base", cfg.Delivery.RetryBase)
	dur("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay)
	if cfg.Delivery.RetryMax < 0 || cfg.Delivery.PersistRetryMax < 0 {
		add("delivery retry counts must be >= 0")
	}

	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required for driver %q", d)
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required for driver %q", d)
		}
	case "dynamodb":
		if strings.TrimSpace(cfg.Storage.Table) == "" {
			add("storage.table is required for driver %q", d)
		}
	case "":
		add("storage.driver is required")
	default:
		add("storage.driver: unknown %q", cfg.Storage.Driver)
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	dur("retention.max_age", cfg.Retention.MaxAge)
	if cfg.Retention.Enabled {
		if _, err := retention.ParseSchedule(cfg.Retention.Schedule); err != nil {
			add("retention.schedule: %v", err)
		}
	}

	if lv := strings.TrimSpace(cfg.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		add("logging.level: unknown %q", lv)
	}
	if lv := strings.TrimSpace(cfg.Logging.Telegram.MinLevel); lv != "" && !logx.ValidLevel(lv) {
		add("logging.telegram.min_level: unknown %q", lv)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled")
	}

	return errors.Join(errs...)
}

// ValidateRouting checks only the routing section; it is what a hot reload may change.
func ValidateRouting(r RoutingConfig) error {
	return errors.Join(validateRouting(r)...)
}

func validateRouting(r RoutingConfig) []error {
	var errs []error
	check := func(path, dest string) {
		if _, err := kit.ParseTarget(dest); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	for i, d := range r.Destinations {
		check(fmt.Sprintf("routing.destinations[%d]", i), d)
	}
	for name, ds := range r.Routes {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("routing.routes: empty route name"))
		}
		for i, d := range ds {
			check(fmt.Sprintf("routing.routes.%s[%d]", name, i), d)
		}
	}
	if _, err := alert.ParseFingerprintMode(r.Fingerprint); err != nil {
		errs = append(errs, fmt.Errorf("routing.fingerprint: %w", err))
	}
	return errs
}
