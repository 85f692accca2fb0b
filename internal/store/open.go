package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "crossposter/pkg/logx"
)

// Store is the durable record of per-post, per-destination delivery state.
//
// Load/Append/Save operate on the delivery log; Backup rotates the log copy.
// LastPosted/SetLastPosted track the per-post "last successfully delivered"
// timestamps used to bound the repost window.
//
// A failed write is fatal to the invocation (state/reality divergence risk);
// callers must not swallow Append/Save errors.
type Store interface {
	Load(ctx context.Context) (map[string]Record, error)
	Append(ctx context.Context, id string, rec Record) error
	Save(ctx context.Context, all map[string]Record) error
	Backup(ctx context.Context) error

	LastPosted(id string) (time.Time, bool)
	SetLastPosted(id string, at time.Time) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
