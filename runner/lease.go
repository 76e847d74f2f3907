/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package runner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-dbpatch"
	"github.com/acronis/go-dbpatch/distrlock"
)

// DBLease is a Locker that keeps a distrlock lock in the target database for the duration of a run.
type DBLease struct {
	db      *sql.DB
	manager *distrlock.DBManager
	cfg     LockConfig
	logger  log.FieldLogger
}

var _ Locker = (*DBLease)(nil)

// NewDBLease creates a new DBLease.
func NewDBLease(db *sql.DB, dialect dbpatch.Dialect, cfg LockConfig, logger log.FieldLogger) (*DBLease, error) {
	manager, err := distrlock.NewDBManager(dialect, distrlock.WithTableName(cfg.TableName))
	if err != nil {
		return nil, fmt.Errorf("create lock manager: %w", err)
	}
	if cfg.Key == "" {
		cfg.Key = DefaultLockKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = config.TimeDuration(DefaultLockTTL)
	}
	return &DBLease{db: db, manager: manager, cfg: cfg, logger: logger}, nil
}

// DoExclusively acquires the lease, calls fn and releases the lease.
// The context passed to fn is canceled if the lease is lost.
func (l *DBLease) DoExclusively(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.manager.EnsureTable(ctx, l.db); err != nil {
		return err
	}
	lock, err := l.manager.NewLock(ctx, l.db, l.cfg.Key)
	if err != nil {
		return err
	}
	l.logger.Info("acquiring run lease", log.String("key", l.cfg.Key))
	return lock.DoExclusively(ctx, l.db, func(ctx context.Context) error {
		l.logger.Info("run lease acquired", log.String("key", l.cfg.Key), log.String("token", lock.Token()))
		return fn(ctx)
	},
		distrlock.WithLockTTL(time.Duration(l.cfg.TTL)),
		distrlock.WithAcquireWait(time.Duration(l.cfg.Wait)),
		distrlock.WithLogger(lockLogger{l.logger}),
	)
}

type lockLogger struct {
	logger log.FieldLogger
}

func (l lockLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
