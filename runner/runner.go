/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Package runner applies pending SQL patches to a database.
//
// A run goes through the states Idle, Scanning, Diffing and Applying and finishes either
// Completed or Halted. Patches are applied one at a time in ascending version order, each in
// its own transaction together with its ledger record. By default the first failure halts the run;
// re-running after the fix resumes from the failed patch.
package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-dbpatch"
	"github.com/acronis/go-dbpatch/applier"
	"github.com/acronis/go-dbpatch/catalog"
	"github.com/acronis/go-dbpatch/ledger"
)

// Catalog provides the patches available on disk.
type Catalog interface {
	Scan(ctx context.Context) ([]catalog.Patch, error)
}

// Ledger provides the patches already applied to the database.
type Ledger interface {
	Ensure(ctx context.Context) error
	Exists(ctx context.Context) (bool, error)
	Entries(ctx context.Context) ([]ledger.Entry, error)
}

// Applier applies a single patch.
type Applier interface {
	Apply(ctx context.Context, p catalog.Patch) (ledger.Entry, error)
}

// Locker serializes runs. DoExclusively must cancel the context passed to fn when exclusivity is lost.
type Locker interface {
	DoExclusively(ctx context.Context, fn func(ctx context.Context) error) error
}

// Runner orchestrates a patch run.
type Runner struct {
	cfg     *Config
	catalog Catalog
	ledger  Ledger
	applier Applier
	logger  log.FieldLogger
	locker  Locker
	metrics dbpatch.MetricsCollector
	state   State
}

// Option is a functional option for Runner.
type Option func(*options)

type options struct {
	locker      Locker
	metrics     dbpatch.MetricsCollector
	applierOpts []applier.Option
}

// WithLocker sets the locker that is held for the whole run. Dry runs do not take it.
func WithLocker(locker Locker) Option {
	return func(o *options) {
		o.locker = locker
	}
}

// WithMetrics sets the collector of run metrics. NewFromDB passes it to the applier as well.
func WithMetrics(mc dbpatch.MetricsCollector) Option {
	return func(o *options) {
		o.metrics = mc
	}
}

// WithApplierOptions sets options of the applier created by NewFromDB.
func WithApplierOptions(opts ...applier.Option) Option {
	return func(o *options) {
		o.applierOpts = append(o.applierOpts, opts...)
	}
}

func makeOptions(opts []Option) options {
	o := options{metrics: dbpatch.DisabledMetrics{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a new Runner from its collaborators.
func New(cfg *Config, cat Catalog, led Ledger, app Applier, logger log.FieldLogger, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cat == nil {
		return nil, fmt.Errorf("catalog cannot be nil")
	}
	if led == nil {
		return nil, fmt.Errorf("ledger cannot be nil")
	}
	if app == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	o := makeOptions(opts)
	return &Runner{
		cfg:     cfg,
		catalog: cat,
		ledger:  led,
		applier: app,
		logger:  logger,
		locker:  o.locker,
		metrics: o.metrics,
		state:   StateIdle,
	}, nil
}

// NewFromDB creates a Runner that reads patches from cfg.Directory and applies them to db.
// A DBLease is used as the locker when cfg.Lock.Enabled is set and no locker is passed explicitly.
func NewFromDB(db *sql.DB, dialect dbpatch.Dialect, cfg *Config, logger log.FieldLogger, opts ...Option) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Directory == "" {
		return nil, fmt.Errorf("patch directory is not configured")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	o := makeOptions(opts)

	led, err := ledger.New(db, dialect, ledger.WithTableName(cfg.TableName))
	if err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	app, err := applier.New(db, led, logger,
		append([]applier.Option{applier.WithMetrics(o.metrics)}, o.applierOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("create applier: %w", err)
	}
	if o.locker == nil && cfg.Lock.Enabled {
		lease, leaseErr := NewDBLease(db, dialect, cfg.Lock, logger)
		if leaseErr != nil {
			return nil, leaseErr
		}
		opts = append(opts, WithLocker(lease))
	}
	catOpts := []catalog.Option{catalog.WithLogger(logger)}
	if dialect == dbpatch.DialectMySQL {
		catOpts = append(catOpts, catalog.WithBackslashEscapes())
	}
	cat := catalog.NewDir(cfg.Directory, catOpts...)
	return New(cfg, cat, led, app, logger, opts...)
}

// State returns the current state of the runner.
func (r *Runner) State() State {
	return r.state
}

// Run applies pending patches.
//
// The returned error is a setup error (unreadable directory, unavailable ledger, lease not acquired):
// nothing was applied and no Result is returned. Patch failures are reported in the Result instead.
// If the run finished but the lease could not be released, both the Result and the release error are returned.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	if r.locker == nil || r.cfg.DryRun {
		return r.run(ctx)
	}

	var result *Result
	var runErr error
	started := false
	lockErr := r.locker.DoExclusively(ctx, func(ctx context.Context) error {
		started = true
		result, runErr = r.run(ctx)
		return runErr
	})
	if !started {
		return nil, fmt.Errorf("acquire run lease: %w", lockErr)
	}
	if runErr == nil && lockErr != nil {
		return result, fmt.Errorf("release run lease: %w", lockErr)
	}
	return result, runErr
}

func (r *Runner) setState(state State) {
	r.logger.Debug("patch runner state changed", log.String("from", string(r.state)), log.String("to", string(state)))
	r.state = state
}

func (r *Runner) run(ctx context.Context) (*Result, error) {
	r.setState(StateScanning)
	patches, err := r.catalog.Scan(ctx)
	if err != nil {
		r.setState(StateIdle)
		return nil, fmt.Errorf("scan patches: %w", err)
	}

	r.setState(StateDiffing)
	entries, err := r.appliedEntries(ctx)
	if err != nil {
		r.setState(StateIdle)
		return nil, err
	}
	d := diff(patches, entries)

	result := &Result{Unknown: d.unknown}
	for _, e := range d.unknown {
		r.logger.Warn("ledger records a version without a patch file",
			log.Int64("version", e.Version), log.String("name", e.Name))
	}

	haltErr := r.checkRecorded(result, d.recorded)
	if outOfOrderErr := r.checkOutOfOrder(result, d.outOfOrder, d.maxRecorded); haltErr == nil {
		haltErr = outOfOrderErr
	}
	if haltErr != nil {
		return r.finish(result, StateHalted, haltErr), nil
	}

	if len(d.pending) == 0 {
		r.logger.Info("database is up to date")
		return r.finish(result, StateCompleted, nil), nil
	}

	if r.cfg.DryRun {
		for _, p := range d.pending {
			r.logger.Info("patch would be applied", log.Int64("version", p.Version), log.String("name", p.Name))
			result.Outcomes = append(result.Outcomes, Outcome{Patch: p, Status: StatusPending})
		}
		return r.finish(result, StateCompleted, nil), nil
	}

	r.setState(StateApplying)
	for _, p := range d.pending {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.logger.Warn("patch run canceled", log.Error(ctxErr))
			return r.finish(result, StateHalted, ctxErr), nil
		}
		entry, applyErr := r.applier.Apply(ctx, p)
		switch {
		case applyErr == nil:
			result.Outcomes = append(result.Outcomes, Outcome{Patch: p, Status: StatusApplied, Entry: entry})
		case errors.Is(applyErr, applier.ErrAlreadyApplied):
			result.Outcomes = append(result.Outcomes, Outcome{Patch: p, Status: StatusSkipped, Entry: entry})
		default:
			result.Outcomes = append(result.Outcomes, Outcome{Patch: p, Status: StatusFailed, Err: applyErr})
			if r.cfg.HaltOnFailure {
				return r.finish(result, StateHalted, applyErr), nil
			}
			r.logger.Warn("continuing after failed patch", log.Int64("version", p.Version))
		}
	}
	return r.finish(result, StateCompleted, nil), nil
}

// checkRecorded reports recorded patches as skipped and applies the drift policy to edited ones.
// It returns the first checksum mismatch that must halt the run.
func (r *Runner) checkRecorded(result *Result, recorded []recordedPatch) error {
	var driftErr error
	for _, rec := range recorded {
		outcome := Outcome{Patch: rec.patch, Status: StatusSkipped, Entry: rec.entry}
		if rec.entry.Checksum != rec.patch.Checksum {
			mismatchErr := &applier.ChecksumMismatchError{
				Version: rec.patch.Version, Recorded: rec.entry.Checksum, Actual: rec.patch.Checksum,
			}
			outcome.Drift = true
			outcome.Err = mismatchErr
			if r.cfg.DriftPolicy == DriftPolicyWarn {
				r.logger.Warn("applied patch was modified", log.Int64("version", rec.patch.Version),
					log.String("path", rec.patch.Path), log.Error(mismatchErr))
			} else {
				outcome.Status = StatusFailed
				if driftErr == nil {
					driftErr = mismatchErr
				}
				r.logger.Error("applied patch was modified", log.Int64("version", rec.patch.Version),
					log.String("path", rec.patch.Path), log.Error(mismatchErr))
			}
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return driftErr
}

// checkOutOfOrder reports unapplied patches below the current version. They are never applied:
// either skipped (SkipOutOfOrder) or failed, in which case the first error halts the run.
func (r *Runner) checkOutOfOrder(result *Result, patches []catalog.Patch, currentVersion int64) error {
	var firstErr error
	for _, p := range patches {
		outOfOrderErr := &OutOfOrderError{Version: p.Version, CurrentVersion: currentVersion}
		fields := []log.Field{log.Int64("version", p.Version), log.Int64("current_version", currentVersion),
			log.String("path", p.Path)}
		if r.cfg.SkipOutOfOrder {
			r.logger.Warn("skipping patch below the current database version", fields...)
			result.Outcomes = append(result.Outcomes, Outcome{Patch: p, Status: StatusSkipped, Err: outOfOrderErr})
			continue
		}
		r.logger.Error("patch is below the current database version", fields...)
		result.Outcomes = append(result.Outcomes, Outcome{Patch: p, Status: StatusFailed, Err: outOfOrderErr})
		if firstErr == nil {
			firstErr = outOfOrderErr
		}
	}
	return firstErr
}

func (r *Runner) appliedEntries(ctx context.Context) ([]ledger.Entry, error) {
	if r.cfg.DryRun {
		exists, err := r.ledger.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("check ledger: %w", err)
		}
		if !exists {
			return nil, nil
		}
	} else if err := r.ledger.Ensure(ctx); err != nil {
		return nil, fmt.Errorf("ensure ledger: %w", err)
	}
	entries, err := r.ledger.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return entries, nil
}

func (r *Runner) finish(result *Result, state State, cause error) *Result {
	r.setState(state)
	result.State = state
	result.Cause = cause
	r.metrics.ObserveRun(string(state))

	fields := []log.Field{
		log.String("state", string(state)),
		log.Int("applied", result.Count(StatusApplied)),
		log.Int("skipped", result.Count(StatusSkipped)),
		log.Int("failed", result.Count(StatusFailed)),
	}
	if r.cfg.DryRun {
		fields = append(fields, log.Int("pending", result.Count(StatusPending)))
	}
	if cause != nil {
		fields = append(fields, log.Error(cause))
		r.logger.Error("patch run halted", fields...)
		return result
	}
	r.logger.Info("patch run finished", fields...)
	return result
}

type recordedPatch struct {
	patch catalog.Patch
	entry ledger.Entry
}

type diffResult struct {
	recorded    []recordedPatch
	pending     []catalog.Patch
	outOfOrder  []catalog.Patch
	unknown     []ledger.Entry
	maxRecorded int64
}

// diff splits catalog patches (ascending) into recorded ones, pending ones above the highest recorded
// version and unrecorded ones below it, and finds ledger entries without files.
func diff(patches []catalog.Patch, entries []ledger.Entry) diffResult {
	var d diffResult
	byVersion := make(map[int64]ledger.Entry, len(entries))
	for _, e := range entries {
		byVersion[e.Version] = e
		if e.Version > d.maxRecorded {
			d.maxRecorded = e.Version
		}
	}
	known := make(map[int64]struct{}, len(patches))
	for _, p := range patches {
		known[p.Version] = struct{}{}
		if e, ok := byVersion[p.Version]; ok {
			d.recorded = append(d.recorded, recordedPatch{patch: p, entry: e})
			continue
		}
		if p.Version < d.maxRecorded {
			d.outOfOrder = append(d.outOfOrder, p)
			continue
		}
		d.pending = append(d.pending, p)
	}
	for _, e := range entries {
		if _, ok := known[e.Version]; !ok {
			d.unknown = append(d.unknown, e)
		}
	}
	return d
}
