package app

import (
	"fmt"
	"strings"

	"alertrelay/internal/alert"
	"alertrelay/internal/config"
	"alertrelay/internal/delivery"
	"alertrelay/internal/retention"
	"alertrelay/internal/server"
	"alertrelay/internal/storage"
	kit "alertrelay/internal/transport"
	telegram "alertrelay/internal/transport/telegram/adapter"
	logx "alertrelay/pkg/logx"
)

func mapRouting(rc config.RoutingConfig) (alert.Config, error) {
	mode, err := alert.ParseFingerprintMode(rc.Fingerprint)
	if err != nil {
		return alert.Config{}, fmt.Errorf("routing.fingerprint: %w", err)
	}
	label := strings.TrimSpace(rc.Label)
	if label == "" && hasNamedRoutes(rc.Routes) {
		label = alert.DefaultRouteLabel
	}
	routes := make(map[string][]alert.Destination, len(rc.Routes))
	for name, ds := range rc.Routes {
		routes[strings.TrimSpace(name)] = toDestinations(ds)
	}
	return alert.Config{
		Destinations: toDestinations(rc.Destinations),
		RouteLabel:   label,
		Routes:       routes,
		Fingerprint:  mode,
		UnnamedAlert: rc.UnnamedAlert,
		NoSummary:    rc.NoSummary,
	}, nil
}

// hasNamedRoutes ignores "default", which applies without any label.
func hasNamedRoutes(routes map[string][]string) bool {
	for name := range routes {
		if strings.TrimSpace(name) != alert.DefaultRouteName {
			return true
		}
	}
	return false
}

func toDestinations(in []string) []alert.Destination {
	out := make([]alert.Destination, 0, len(in))
	for _, d := range in {
		if d = strings.TrimSpace(d); d != "" {
			out = append(out, alert.Destination(d))
		}
	}
	return out
}

func mapDelivery(dc config.DeliveryConfig) (delivery.Options, delivery.MachineOptions, error) {
	callTimeout, err := config.ParseDurationField("delivery.call_timeout", dc.CallTimeout)
	if err != nil {
		return delivery.Options{}, delivery.MachineOptions{}, err
	}
	storeTimeout, err := config.ParseDurationField("delivery.store_timeout", dc.StoreTimeout)
	if err != nil {
		return delivery.Options{}, delivery.MachineOptions{}, err
	}
	base, err := config.ParseDurationField("delivery.retry_base", dc.RetryBase)
	if err != nil {
		return delivery.Options{}, delivery.MachineOptions{}, err
	}
	maxDelay, err := config.ParseDurationField("delivery.retry_max_delay", dc.RetryMaxDelay)
	if err != nil {
		return delivery.Options{}, delivery.MachineOptions{}, err
	}
	// Zero values pick the package defaults.
	opt := delivery.Options{
		CallTimeout:   callTimeout,
		RetryMax:      dc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}
	mopt := delivery.MachineOptions{
		StoreTimeout:    storeTimeout,
		PersistRetryMax: dc.PersistRetryMax,
	}
	return opt, mopt, nil
}

// MapStorage converts the storage section; the CLI uses it to open the store
// without starting the relay.
func MapStorage(sc config.StorageConfig) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		Table:       strings.TrimSpace(sc.Table),
		Region:      strings.TrimSpace(sc.Region),
		Endpoint:    strings.TrimSpace(sc.Endpoint),
		BusyTimeout: busy,
	}, nil
}

func mapServer(sc config.ServerConfig) (server.Config, error) {
	out := server.Config{Addr: sc.Addr, MaxBodyBytes: sc.MaxBodyBytes, Pprof: sc.Pprof}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("server.read_timeout", sc.ReadTimeout); err != nil {
		return server.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("server.write_timeout", sc.WriteTimeout); err != nil {
		return server.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("server.idle_timeout", sc.IdleTimeout); err != nil {
		return server.Config{}, err
	}
	if out.ShutdownTimeout, err = config.ParseDurationField("server.shutdown_timeout", sc.ShutdownTimeout); err != nil {
		return server.Config{}, err
	}
	return out, nil
}

func mapRetention(rc config.RetentionConfig) (retention.Config, error) {
	maxAge, err := config.ParseDurationOrDefault("retention.max_age", rc.MaxAge, retention.DefaultMaxAge)
	if err != nil {
		return retention.Config{}, err
	}
	sched := strings.TrimSpace(rc.Schedule)
	if sched == "" {
		sched = retention.DefaultSchedule
	}
	return retention.Config{Schedule: sched, MaxAge: maxAge}, nil
}

// mapTelegram defaults the Bot API HTTP timeout to delivery.call_timeout:
// telebot ignores ctx, so that timeout is what actually bounds a call.
func mapTelegram(cfg *config.Config) (telegram.Config, kit.SendOptions, error) {
	tc := cfg.Telegram
	callTimeout, err := config.ParseDurationOrDefault("delivery.call_timeout", cfg.Delivery.CallTimeout, delivery.DefaultCallTimeout)
	if err != nil {
		return telegram.Config{}, kit.SendOptions{}, err
	}
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", tc.Timeout, callTimeout)
	if err != nil {
		return telegram.Config{}, kit.SendOptions{}, err
	}
	if timeout > callTimeout {
		return telegram.Config{}, kit.SendOptions{}, fmt.Errorf("telegram.timeout (%s) must not exceed delivery.call_timeout (%s)", timeout, callTimeout)
	}
	return telegram.Config{Token: tc.Token, APIURL: tc.APIURL, Timeout: timeout},
		kit.SendOptions{ParseMode: "HTML", DisablePreview: tc.DisablePreview}, nil
}

// mapLogging builds the logx config. The Telegram sink target comes from
// telegram.log_chat, which Validate has already parsed once.
func mapLogging(cfg *config.Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if s := strings.TrimSpace(cfg.Telegram.LogChat); s != "" {
		if target, err := kit.ParseTarget(s); err == nil {
			lc.Telegram.Target = target
		}
	}
	if lc.Telegram.Target.ChatID == 0 {
		lc.Telegram.Enabled = false
	}
	return lc
}
