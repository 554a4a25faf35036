package config

import (
	"reflect"
	"sort"
	"strings"

	logx "alertrelay/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns safe log
// fields describing the new values. Secrets (token, DSN) are reported only as
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.api_url", strings.TrimSpace(nt.APIURL)),
			logx.String("telegram.parse_mode", nt.ParseMode),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(nt.LogChat) != ""),
		)
	}

	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.pprof", newCfg.Server.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Routing, newCfg.Routing) {
		changed = append(changed, "routing")
		attrs = append(attrs,
			logx.Int("routing.destinations", len(newCfg.Routing.Destinations)),
			logx.String("routing.label", newCfg.Routing.Label),
			logx.Strings("routing.routes", routeNames(newCfg.Routing.Routes)),
			logx.String("routing.fingerprint", newCfg.Routing.Fingerprint),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.call_timeout", newCfg.Delivery.CallTimeout),
			logx.Int("delivery.retry_max", newCfg.Delivery.RetryMax),
		)
	}

	so, sn := oldCfg.Storage, newCfg.Storage
	if so != sn {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", sn.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(sn.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(sn.DSN) != ""),
			logx.String("storage.table", sn.Table),
		)
	}

	if oldCfg.Retention != newCfg.Retention {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.schedule", newCfg.Retention.Schedule),
			logx.String("retention.max_age", newCfg.Retention.MaxAge),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func routeNames(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
