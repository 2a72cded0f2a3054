package config

import (
	"net"
	"net/url"
	"strings"
	"time"

	"adbot/internal/errors"
)

// Defaults for omitted fields.
const (
	DefaultPollTimeout     = 10 * time.Second
	DefaultRemoteTimeout   = 15 * time.Second
	DefaultSyncInterval    = 5 * time.Minute
	DefaultInitialDelay    = 5 * time.Second
	DefaultGracePeriod     = 30 * time.Second
	DefaultGroupDelay      = 500 * time.Millisecond
	DefaultDeliveryTimeout = 30 * time.Second
	DefaultPanelAddr       = "0.0.0.0:3000"
	DefaultConfirmAttempts = 3
	DefaultConfirmBackoff  = time.Second
	DefaultMembershipDays  = 30
	DefaultBusyTimeout     = 5 * time.Second
)

// Settings is a Config with every duration parsed and every default applied.
type Settings struct {
	Token        string
	OwnerUserIDs []int64
	GroupLog     string
	PollTimeout  time.Duration

	RemoteBaseURL string
	RemoteToken   string
	RemoteTimeout time.Duration

	SyncInterval time.Duration
	InitialDelay time.Duration
	GracePeriod  time.Duration
	GroupDelay   time.Duration

	DeliveryTimeout time.Duration
	DeliveryRate    float64
	DeliveryBurst   int

	PanelEnabled    bool
	PanelAddr       string
	PanelToken      string
	ConfirmAttempts int
	ConfirmBackoff  time.Duration
	MembershipDays  int
	PanelPprof      bool

	StorageDriver string
	StoragePath   string
	BusyTimeout   time.Duration

	Location *time.Location
}

// IsOwner reports whether userID may run operator commands.
func (s Settings) IsOwner(userID int64) bool {
	for _, id := range s.OwnerUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Validate checks cfg without keeping the result.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

// Resolve validates cfg and returns its effective settings.
func Resolve(cfg *Config) (Settings, error) {
	if cfg == nil {
		return Settings{}, errors.Validationf("config is nil")
	}
	var (
		s    Settings
		errs []string
	)
	fail := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := ParseDurationOrDefault(path, raw, def)
		fail(err)
		return d
	}

	s.Token = strings.TrimSpace(cfg.Telegram.Token)
	if s.Token == "" {
		errs = append(errs, "telegram.token is required")
	}
	s.OwnerUserIDs = append([]int64(nil), cfg.Telegram.OwnerUserIDs...)
	s.GroupLog = strings.TrimSpace(cfg.Telegram.GroupLog)
	s.PollTimeout = dur("telegram.poll_timeout", cfg.Telegram.PollTimeout, DefaultPollTimeout)

	s.RemoteBaseURL = strings.TrimRight(strings.TrimSpace(cfg.Remote.BaseURL), "/")
	if s.RemoteBaseURL == "" {
		errs = append(errs, "remote.base_url is required")
	} else if u, err := url.Parse(s.RemoteBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "remote.base_url must be an http(s) URL")
	}
	s.RemoteToken = strings.TrimSpace(cfg.Remote.Token)
	s.RemoteTimeout = dur("remote.timeout", cfg.Remote.Timeout, DefaultRemoteTimeout)

	s.SyncInterval = dur("sync.interval", cfg.Sync.Interval, DefaultSyncInterval)
	var err error
	s.InitialDelay, err = parseDurationOmitted("sync.initial_delay", cfg.Sync.InitialDelay, DefaultInitialDelay)
	fail(err)
	s.GracePeriod = dur("sync.grace_period", cfg.Sync.GracePeriod, DefaultGracePeriod)
	s.GroupDelay, err = parseDurationOmitted("sync.group_delay", cfg.Sync.GroupDelay, DefaultGroupDelay)
	fail(err)

	s.DeliveryTimeout = dur("delivery.timeout", cfg.Delivery.Timeout, DefaultDeliveryTimeout)
	s.DeliveryRate = cfg.Delivery.RatePerSec
	s.DeliveryBurst = cfg.Delivery.Burst
	if s.DeliveryRate < 0 || s.DeliveryBurst < 0 {
		errs = append(errs, "delivery.rate_per_sec and delivery.burst must be >= 0")
	}

	p := cfg.Panel
	s.PanelEnabled = p.Enabled
	s.PanelAddr = strings.TrimSpace(p.Addr)
	if s.PanelAddr == "" {
		s.PanelAddr = DefaultPanelAddr
	}
	if p.Enabled {
		if _, _, err := net.SplitHostPort(s.PanelAddr); err != nil {
			errs = append(errs, "panel.addr: "+err.Error())
		}
	}
	s.PanelToken = strings.TrimSpace(p.Token)
	s.PanelPprof = p.Pprof
	s.ConfirmAttempts = p.ConfirmAttempts
	if s.ConfirmAttempts <= 0 {
		s.ConfirmAttempts = DefaultConfirmAttempts
	}
	s.ConfirmBackoff = dur("panel.confirm_backoff", p.ConfirmBackoff, DefaultConfirmBackoff)
	s.MembershipDays = p.MembershipDays
	if s.MembershipDays <= 0 {
		s.MembershipDays = DefaultMembershipDays
	}

	if st := cfg.Storage; st != nil {
		s.StorageDriver = strings.ToLower(strings.TrimSpace(st.Driver))
		s.StoragePath = strings.TrimSpace(st.Path)
		s.BusyTimeout = dur("storage.busy_timeout", st.BusyTimeout, DefaultBusyTimeout)
		switch s.StorageDriver {
		case "", "none":
		case "file", "sqlite":
			if s.StoragePath == "" {
				errs = append(errs, "storage.path is required for driver "+s.StorageDriver)
			}
		default:
			errs = append(errs, "storage.driver must be none, file or sqlite")
		}
	}

	s.Location = time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, "timezone: "+err.Error())
		} else {
			s.Location = loc
		}
	}

	if len(errs) > 0 {
		return Settings{}, errors.Validationf("invalid config: %s", strings.Join(errs, "; "))
	}
	return s, nil
}
