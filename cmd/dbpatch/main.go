/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

// Command dbpatch applies pending SQL patches from a directory to a database.
//
// Usage:
//
//	dbpatch -config dbpatch.yml [-dir patches] [-dry-run] [-continue-on-failure] [-drift warn|fail]
//
// The config file (YAML or JSON) has three sections: "db" (connection), "patches" (run settings) and "log".
// Every value can be overridden with an environment variable prefixed with DBPATCH_ (e.g. DBPATCH_DB_DIALECT).
//
// Exit codes: 0 when all pending patches were applied, 1 when the run halted or a patch failed
// (also when the run lease could not be released afterwards), 2 when the run could not start.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/acronis/go-appkit/config"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/acronis/go-dbpatch"
	"github.com/acronis/go-dbpatch/applier"
	"github.com/acronis/go-dbpatch/runner"

	// Drivers and their transient error classifiers.
	_ "github.com/acronis/go-dbpatch/mssql"
	_ "github.com/acronis/go-dbpatch/mysql"
	_ "github.com/acronis/go-dbpatch/pgx"
	_ "github.com/acronis/go-dbpatch/postgres"
	_ "github.com/acronis/go-dbpatch/sqlite"
)

const envVarsPrefix = "DBPATCH"

// Exit codes.
const (
	exitOK         = 0
	exitRunFailed  = 1
	exitSetupError = 2
)

const (
	txRetryInterval = 100 * time.Millisecond
	txMaxRetries    = 3
)

var supportedDialects = []dbpatch.Dialect{
	dbpatch.DialectSQLite,
	dbpatch.DialectMySQL,
	dbpatch.DialectPostgres,
	dbpatch.DialectPgx,
	dbpatch.DialectMSSQL,
}

type flags struct {
	configPath        string
	dir               string
	dryRun            bool
	continueOnFailure bool
	drift             string
	pushgatewayURL    string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitSetupError
	}

	dbCfg := dbpatch.NewDefaultConfig(supportedDialects)
	runCfg := runner.NewDefaultConfig()
	logCfg := log.NewConfig()
	if err = loadConfig(f.configPath, dbCfg, runCfg, logCfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitSetupError
	}
	if err = applyFlags(f, runCfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitSetupError
	}

	logger, loggerClose := log.NewLogger(logCfg)
	defer loggerClose()

	result, err := runPatches(ctx, dbCfg, runCfg, logger, f.pushgatewayURL)
	if result == nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitSetupError
	}
	printResult(stdout, result)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", err)
		return exitRunFailed
	}
	if resultErr := result.Err(); resultErr != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n", resultErr)
		return exitRunFailed
	}
	return exitOK
}

func parseFlags(args []string, output io.Writer) (flags, error) {
	var f flags
	fs := flag.NewFlagSet("dbpatch", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&f.configPath, "config", "", "path to the YAML or JSON config file")
	fs.StringVar(&f.dir, "dir", "", "patch directory, overrides patches.directory")
	fs.BoolVar(&f.dryRun, "dry-run", false, "report pending patches without applying them")
	fs.BoolVar(&f.continueOnFailure, "continue-on-failure", false, "keep applying later patches after a failure")
	fs.StringVar(&f.drift, "drift", "", "reaction to modified applied patches: warn or fail")
	fs.StringVar(&f.pushgatewayURL, "pushgateway", "", "Prometheus Pushgateway URL to push run metrics to")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	if fs.NArg() > 0 {
		_, _ = fmt.Fprintf(output, "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return flags{}, fmt.Errorf("unexpected arguments")
	}
	return f, nil
}

func loadConfig(path string, cfg config.Config, cfgs ...config.Config) error {
	loader := config.NewDefaultLoader(envVarsPrefix)
	if path == "" {
		return loader.LoadFromReader(bytes.NewReader(nil), config.DataTypeYAML, cfg, cfgs...)
	}
	dataType := config.DataTypeYAML
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dataType = config.DataTypeJSON
	}
	return loader.LoadFromFile(path, dataType, cfg, cfgs...)
}

func applyFlags(f flags, cfg *runner.Config) error {
	if f.dir != "" {
		cfg.Directory = f.dir
	}
	if f.dryRun {
		cfg.DryRun = true
	}
	if f.continueOnFailure {
		cfg.HaltOnFailure = false
	}
	switch runner.DriftPolicy(f.drift) {
	case "":
	case runner.DriftPolicyWarn, runner.DriftPolicyFail:
		cfg.DriftPolicy = runner.DriftPolicy(f.drift)
	default:
		return fmt.Errorf("invalid -drift value %q, must be %q or %q", f.drift, runner.DriftPolicyWarn, runner.DriftPolicyFail)
	}
	if cfg.Directory == "" {
		return fmt.Errorf("patch directory is not configured, use -dir or patches.directory")
	}
	return nil
}

func runPatches(
	ctx context.Context, dbCfg *dbpatch.Config, runCfg *runner.Config, logger log.FieldLogger, pushgatewayURL string,
) (*runner.Result, error) {
	dbConn, err := dbpatch.Open(dbCfg, true)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := dbConn.Close(); closeErr != nil {
			logger.Error("failed to close database connection", log.Error(closeErr))
		}
	}()

	metrics := dbpatch.NewPrometheusMetrics()
	r, err := runner.NewFromDB(dbConn, dbCfg.Dialect, runCfg, logger,
		runner.WithMetrics(metrics),
		runner.WithApplierOptions(
			applier.WithTxOptions(&sql.TxOptions{Isolation: dbCfg.TxIsolationLevel()}),
			applier.WithRetryPolicy(retry.NewConstantBackoffPolicy(txRetryInterval, txMaxRetries)),
		),
	)
	if err != nil {
		return nil, err
	}
	result, err := r.Run(ctx)
	if pushgatewayURL != "" {
		pushErr := push.New(pushgatewayURL, "dbpatch").
			Collector(metrics.PatchApplyDuration).
			Collector(metrics.RunsTotal).
			Push()
		if pushErr != nil {
			logger.Warn("failed to push metrics", log.String("url", pushgatewayURL), log.Error(pushErr))
		}
	}
	return result, err
}

func printResult(w io.Writer, result *runner.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, o := range result.Outcomes {
		status := string(o.Status)
		switch {
		case o.Drift:
			status += " (modified)"
		case errors.Is(o.Err, runner.ErrOutOfOrder):
			status += " (out of order)"
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", o.Patch.Version, o.Patch.Name, status)
	}
	for _, e := range result.Unknown {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", e.Version, e.Name, "unknown")
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "%s: %d applied, %d skipped, %d failed",
		result.State, result.Count(runner.StatusApplied), result.Count(runner.StatusSkipped),
		result.Count(runner.StatusFailed))
	if pending := result.Count(runner.StatusPending); pending > 0 {
		_, _ = fmt.Fprintf(w, ", %d pending", pending)
	}
	_, _ = fmt.Fprintln(w)
}
