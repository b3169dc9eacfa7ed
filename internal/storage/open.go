package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "gatebot/pkg/logx"
)

// Store is the persistence API used by the gate, the verification ledger,
// the broadcast coordinator and the admin commands.
type Store interface {
	GetUser(ctx context.Context, userID int64) (User, error)
	EnsureUser(ctx context.Context, p Profile) (User, error)
	SaveMembership(ctx context.Context, userID int64, isMember bool, at time.Time) error
	SaveToken(ctx context.Context, userID int64, token string, at time.Time) error
	CompleteVerification(ctx context.Context, userID int64, token string, until, now time.Time) (bool, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
	ListStale(ctx context.Context, before time.Time, afterID int64, limit int) ([]int64, error)
	CountStats(ctx context.Context, now time.Time) (Stats, error)

	PutContent(ctx context.Context, c Content) error
	GetContent(ctx context.Context, code string) (Content, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log.Component("storage"))
		if err != nil {
			return nil, err
		}
		return st, nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
