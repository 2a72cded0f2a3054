package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "15s", "5m"). An omitted
// duration takes its default; "0s" explicitly disables where that makes sense.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Remote   RemoteConfig   `json:"remote"`
	Sync     SyncConfig     `json:"sync"`
	Delivery DeliveryConfig `json:"delivery"`
	Panel    PanelConfig    `json:"panel"`
	Storage  *StorageConfig `json:"storage,omitempty"`

	// Timezone used when listing last-sent times (IANA name, default local).
	Timezone string `json:"timezone,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	PollTimeout  string  `json:"poll_timeout"`
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

// RemoteConfig points at the job authority's REST API.
type RemoteConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`             // bearer token (never logged)
	Timeout string `json:"timeout,omitempty"` // default 15s
}

// SyncConfig controls reconciliation with the remote authority.
//
// Defaults: interval 5m, initial_delay 5s, grace_period 30s, group_delay 500ms.
type SyncConfig struct {
	Interval     string `json:"interval,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
	GracePeriod  string `json:"grace_period,omitempty"`
	GroupDelay   string `json:"group_delay,omitempty"`
}

// DeliveryConfig controls sending job content to groups.
type DeliveryConfig struct {
	Timeout    string  `json:"timeout,omitempty"` // per send, default 30s
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// PanelConfig controls the HTTP ingress used by the web panel.
//
// Security note: bind to a private address or set a token.
type PanelConfig struct {
	Enabled         bool   `json:"enabled"`
	Addr            string `json:"addr,omitempty"`  // default 0.0.0.0:3000
	Token           string `json:"token,omitempty"` // optional bearer token
	ConfirmAttempts int    `json:"confirm_attempts,omitempty"`
	ConfirmBackoff  string `json:"confirm_backoff,omitempty"` // per-attempt step, default 1s
	MembershipDays  int    `json:"membership_days,omitempty"`
	Pprof           bool   `json:"pprof,omitempty"` // mount /debug/pprof behind the token
}

// StorageConfig controls the optional audit/last-sent persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/adbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}
