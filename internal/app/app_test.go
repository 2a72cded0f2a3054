package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"adbot/internal/config"
	"adbot/internal/eventbus"
	"adbot/internal/jobs"
	"adbot/internal/storage"
	logx "adbot/pkg/logx"
)

func TestForgetLastSentOnRemoval(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ledger")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.PutLastSent(ctx, "-100:1", time.Unix(1000, 0)); err != nil {
		t.Fatal(err)
	}
	a := &App{log: logx.Nop(), store: st}

	a.forgetLastSent(ctx, eventbus.Event{Type: jobs.EventJobRemoved, Data: "not a key"})
	if _, ok, _ := st.LastSent(ctx, "-100:1"); !ok {
		t.Fatal("entry forgotten for a malformed event")
	}

	a.forgetLastSent(ctx, eventbus.Event{Type: jobs.EventJobRemoved, Data: jobs.Key{GroupID: "-100", LocalID: "1"}})
	if _, ok, _ := st.LastSent(ctx, "-100:1"); ok {
		t.Fatal("entry kept after removal")
	}
}

func TestSettingsMapping(t *testing.T) {
	set := config.Settings{
		SyncInterval:    time.Minute,
		InitialDelay:    time.Second,
		GracePeriod:     30 * time.Second,
		GroupDelay:      500 * time.Millisecond,
		DeliveryTimeout: 10 * time.Second,
		DeliveryRate:    2.5,
		DeliveryBurst:   3,
	}
	sc := syncConfig(set)
	if sc.Interval != time.Minute || sc.InitialDelay != time.Second || sc.GracePeriod != 30*time.Second || sc.GroupDelay != 500*time.Millisecond {
		t.Fatalf("syncConfig = %+v", sc)
	}
	dc := deliveryConfig(set)
	if dc.Timeout != 10*time.Second || dc.RatePerSec != 2.5 || dc.Burst != 3 {
		t.Fatalf("deliveryConfig = %+v", dc)
	}

	cfg := &config.Config{}
	cfg.Logging.Level = "debug"
	cfg.Logging.Telegram.Enabled = true
	cfg.Logging.Telegram.MinLevel = "error"
	lc := loggingConfig(cfg)
	if lc.Level != "debug" || !lc.Chat.Enabled || lc.Chat.MinLevel != "error" {
		t.Fatalf("loggingConfig = %+v", lc)
	}
}
