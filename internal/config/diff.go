package config

import (
	"reflect"
	"sort"
	"strings"

	logx "adbot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns safe attrs for logging. Tokens are reported only as *_set flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)
	set := func(s string) bool { return strings.TrimSpace(s) != "" }

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.PollTimeout != nt.PollTimeout || ot.GroupLog != nt.GroupLog ||
		!reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) || ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", nt.PollTimeout),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", set(nt.GroupLog)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	or, nr := oldCfg.Remote, newCfg.Remote
	if or.BaseURL != nr.BaseURL || or.Timeout != nr.Timeout || or.Token != nr.Token {
		changed = append(changed, "remote")
		attrs = append(attrs,
			logx.String("remote.base_url", nr.BaseURL),
			logx.String("remote.timeout", nr.Timeout),
			logx.Bool("remote.token_set", set(nr.Token)),
		)
	}

	if oldCfg.Sync != newCfg.Sync {
		changed = append(changed, "sync")
		attrs = append(attrs,
			logx.String("sync.interval", newCfg.Sync.Interval),
			logx.String("sync.grace_period", newCfg.Sync.GracePeriod),
			logx.String("sync.group_delay", newCfg.Sync.GroupDelay),
		)
	}

	if oldCfg.Delivery != newCfg.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.String("delivery.timeout", newCfg.Delivery.Timeout),
			logx.Float64("delivery.rate_per_sec", newCfg.Delivery.RatePerSec),
			logx.Int("delivery.burst", newCfg.Delivery.Burst),
		)
	}

	op, np := oldCfg.Panel, newCfg.Panel
	if op != np {
		changed = append(changed, "panel")
		attrs = append(attrs,
			logx.Bool("panel.enabled", np.Enabled),
			logx.String("panel.addr", np.Addr),
			logx.Bool("panel.token_set", set(np.Token)),
			logx.Int("panel.confirm_attempts", np.ConfirmAttempts),
		)
	}

	var oldS, newS StorageConfig
	if oldCfg.Storage != nil {
		oldS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		newS = *newCfg.Storage
	}
	if oldS != newS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newS.Driver),
			logx.Bool("storage.path_set", set(newS.Path)),
		)
	}

	if oldCfg.Timezone != newCfg.Timezone {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports changed sections that only take effect after a
// restart. Owners and the log group are applied live, so a telegram change
// counts only when the token moved.
func RestartRequired(oldCfg, newCfg *Config, changed []string) []string {
	var out []string
	for _, c := range changed {
		switch c {
		case "telegram":
			if oldCfg != nil && newCfg != nil && oldCfg.Telegram.Token != newCfg.Telegram.Token {
				out = append(out, c)
			}
		case "remote", "panel", "storage", "timezone":
			out = append(out, c)
		}
	}
	return out
}
