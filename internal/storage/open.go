package storage

import (
	"context"
	"errors"
	"strings"

	logx "welcomebot/pkg/logx"
)

// Store is the persistence API used by the poll loop.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	MarkNotified(ctx context.Context, n Notified) error
	IsNotified(ctx context.Context, key string) (bool, error)
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

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
