package config

// Config is the on-disk configuration. JSON or YAML, decoded strictly.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Server    ServerConfig    `json:"server"`
	Routing   RoutingConfig   `json:"routing"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Storage   StorageConfig   `json:"storage"`
	Retention RetentionConfig `json:"retention"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via ALERTRELAY_TELEGRAM_TOKEN.
	Token string `json:"token"`
	// APIURL overrides the Bot API base URL (local bot API server).
	APIURL         string `json:"api_url,omitempty"`
	ParseMode      string `json:"parse_mode,omitempty"` // only "HTML"
	DisablePreview bool   `json:"disable_preview,omitempty"`
	Timeout        string `json:"timeout,omitempty"` // HTTP round trip, default and max delivery.call_timeout
	// LogChat is a destination ("<chat_id>" or "<chat_id>:<thread_id>") that
	// receives log lines when logging.telegram.enabled is set.
	LogChat string `json:"log_chat,omitempty"`
}

// ServerConfig controls the webhook listener.
//
// Security note: the webhook has no authentication. Bind it to a private
// interface or put it behind a proxy.
type ServerConfig struct {
	Addr            string `json:"addr"` // default ":9087"
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
	MaxBodyBytes    int64  `json:"max_body_bytes,omitempty"` // default 1 MiB
	// Pprof mounts net/http/pprof under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

// RoutingConfig selects destinations and alert identity. It is the only
// section applied on hot reload.
//
// Example:
//
//	"routing": {
//	  "destinations": ["-1001234567890"],
//	  "label": "chat",
//	  "routes": { "ops": ["-1001111111111:42"], "default": ["-1002222222222"] },
//	  "fingerprint": "upstream"
//	}
type RoutingConfig struct {
	Destinations []string            `json:"destinations"`
	Label        string              `json:"label,omitempty"`
	Routes       map[string][]string `json:"routes,omitempty"`
	// Fingerprint is one of upstream (default), summary, labels, name.
	Fingerprint  string `json:"fingerprint,omitempty"`
	UnnamedAlert string `json:"unnamed_alert,omitempty"`
	NoSummary    string `json:"no_summary,omitempty"`
}

// DeliveryConfig tunes messenger and store calls.
//
// Defaults (when fields are omitted/zero):
//   - call_timeout: "10s"
//   - store_timeout: "5s"
//   - retry_max: 3 (total attempts per messenger call)
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - persist_retry_max: 3
type DeliveryConfig struct {
	CallTimeout     string `json:"call_timeout,omitempty"`
	StoreTimeout    string `json:"store_timeout,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	PersistRetryMax int    `json:"persist_retry_max,omitempty"`
}

// StorageConfig selects the delivery record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/alertrelay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | file | sqlite | postgres | dynamodb
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	Table       string `json:"table,omitempty"`
	Region      string `json:"region,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// RetentionConfig controls pruning of resolved records.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@hourly"
	MaxAge   string `json:"max_age,omitempty"`  // default "168h"
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
