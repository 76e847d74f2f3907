/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package applier applies a single SQL patch atomically: the statements of the patch and its
// ledger record run in one transaction that either commits as a whole or is rolled back.
package applier

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"

	"github.com/acronis/go-dbpatch"
	"github.com/acronis/go-dbpatch/catalog"
	"github.com/acronis/go-dbpatch/ledger"
)

// Patch statuses reported to the metrics collector.
const (
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

// Ledger is the part of the ledger the applier needs.
type Ledger interface {
	Entry(ctx context.Context, version int64) (ledger.Entry, bool, error)
	Record(ctx context.Context, exec ledger.Execer, p catalog.Patch, appliedAt time.Time, appliedBy string) (ledger.Entry, error)
}

// Applier applies patches to a database.
type Applier struct {
	db          *sql.DB
	ledger      Ledger
	logger      log.FieldLogger
	txOpts      *sql.TxOptions
	retryPolicy retry.Policy
	actor       string
	now         func() time.Time
	metrics     dbpatch.MetricsCollector
}

// Option is a functional option for Applier.
type Option func(*Applier)

// WithTxOptions sets options (e.g. isolation level) of the patch transaction.
func WithTxOptions(opts *sql.TxOptions) Option {
	return func(a *Applier) {
		a.txOpts = opts
	}
}

// WithRetryPolicy re-runs the patch transaction when it fails with a transient error
// (deadlock, serialization failure) as classified by the registered driver packages.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(a *Applier) {
		a.retryPolicy = policy
	}
}

// WithActor sets the value recorded in the applied_by column. The host name is used by default.
func WithActor(actor string) Option {
	return func(a *Applier) {
		a.actor = actor
	}
}

// WithClock sets the function that returns the time recorded in the applied_at column.
func WithClock(now func() time.Time) Option {
	return func(a *Applier) {
		a.now = now
	}
}

// WithMetrics sets the collector that observes the duration of every applied or failed patch.
func WithMetrics(mc dbpatch.MetricsCollector) Option {
	return func(a *Applier) {
		a.metrics = mc
	}
}

// New creates a new Applier.
func New(db *sql.DB, led Ledger, logger log.FieldLogger, opts ...Option) (*Applier, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if led == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	a := &Applier{
		db:      db,
		ledger:  led,
		logger:  logger,
		now:     time.Now,
		metrics: dbpatch.DisabledMetrics{},
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.actor == "" {
		if hostname, err := os.Hostname(); err == nil {
			a.actor = hostname
		}
	}
	return a, nil
}

// Apply applies the patch and records it in the ledger.
//
// If the ledger already records the version, nothing is executed: ErrAlreadyApplied is returned
// when the checksums match and *ChecksumMismatchError otherwise.
// Once the transaction has begun it runs to commit or rollback even if ctx is canceled.
func (a *Applier) Apply(ctx context.Context, p catalog.Patch) (ledger.Entry, error) {
	entry, found, err := a.ledger.Entry(ctx, p.Version)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("check ledger for patch %d: %w", p.Version, err)
	}
	if found {
		if entry.Checksum != p.Checksum {
			return ledger.Entry{}, &ChecksumMismatchError{Version: p.Version, Recorded: entry.Checksum, Actual: p.Checksum}
		}
		return entry, ErrAlreadyApplied
	}

	logger := a.logger.With(log.Int64("version", p.Version), log.String("name", p.Name))
	logger.Info("applying patch", log.Int("statements", len(p.Statements)))

	startTime := time.Now()
	txCtx := context.WithoutCancel(ctx)
	if p.DisableTx {
		logger.Warn("patch is not transactional, a failure may leave it partially applied")
		entry, err = a.applyWithoutTx(txCtx, p)
	} else {
		entry, err = a.applyInTx(txCtx, p)
	}
	elapsed := time.Since(startTime)

	if err != nil {
		a.metrics.ObservePatch(StatusFailed, elapsed)
		logger.Error("patch failed", log.Error(err))
		return ledger.Entry{}, err
	}
	a.metrics.ObservePatch(StatusApplied, elapsed)
	logger.Info("patch applied", log.Int64("duration_ms", elapsed.Milliseconds()))
	return entry, nil
}

func (a *Applier) applyInTx(ctx context.Context, p catalog.Patch) (ledger.Entry, error) {
	var entry ledger.Entry
	txOpts := []dbpatch.TxOption{dbpatch.WithTxOptions(a.txOpts)}
	if a.retryPolicy != nil {
		txOpts = append(txOpts, dbpatch.WithRetryPolicy(a.retryPolicy))
	}
	err := dbpatch.DoInTx(ctx, a.db, func(tx *sql.Tx) error {
		if err := execStatements(ctx, tx, p); err != nil {
			return err
		}
		var recErr error
		entry, recErr = a.ledger.Record(ctx, tx, p, a.now(), a.actor)
		if recErr != nil {
			return fmt.Errorf("record patch %d: %w", p.Version, recErr)
		}
		return nil
	}, txOpts...)
	if err != nil {
		return ledger.Entry{}, err
	}
	return entry, nil
}

func (a *Applier) applyWithoutTx(ctx context.Context, p catalog.Patch) (ledger.Entry, error) {
	if err := execStatements(ctx, a.db, p); err != nil {
		return ledger.Entry{}, err
	}
	entry, err := a.ledger.Record(ctx, a.db, p, a.now(), a.actor)
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("record patch %d: %w", p.Version, err)
	}
	return entry, nil
}

func execStatements(ctx context.Context, exec ledger.Execer, p catalog.Patch) error {
	for i, stmt := range p.Statements {
		if stmt == "" {
			continue
		}
		if _, err := exec.ExecContext(ctx, stmt); err != nil {
			return &StatementFailedError{Version: p.Version, Statement: i + 1, SQL: stmt, Err: err}
		}
	}
	return nil
}
