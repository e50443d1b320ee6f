package storage

import (
	"context"
	"errors"
	"strings"

	logx "github.com/chjohnst/Tron/pkg/logx"
)

// Store is the persistence API used by the scheduler.
type Store interface {
	SaveJob(ctx context.Context, rec JobRecord) error
	SaveRun(ctx context.Context, rec RunRecord) error
	// DeleteJob removes the job record and its run history.
	DeleteJob(ctx context.Context, name string) error
	Load(ctx context.Context) (State, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
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
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
