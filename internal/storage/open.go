package storage

import (
	"context"
	"strings"
	"time"

	"adbot/internal/errors"
	logx "adbot/pkg/logx"
)

// Store is the persistence API used by delivery, commands and the panel.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	// RecentAudit returns up to limit entries, newest first.
	RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	PutLastSent(ctx context.Context, key string, at time.Time) error
	LastSent(ctx context.Context, key string) (at time.Time, ok bool, err error)
	ForgetLastSent(ctx context.Context, key string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Validationf("unknown storage driver: %s", driver)
	}
}
