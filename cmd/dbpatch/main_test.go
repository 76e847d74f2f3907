/*
Copyright © 2026 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	dir        string
	patchesDir string
	configPath string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := cliEnv{
		dir:        dir,
		patchesDir: filepath.Join(dir, "patches"),
		configPath: filepath.Join(dir, "dbpatch.yml"),
	}
	require.NoError(t, os.Mkdir(env.patchesDir, 0o700))
	cfgData := fmt.Sprintf(`
db:
  dialect: sqlite3
  maxOpenConns: 1
  maxIdleConns: 1
  sqlite3:
    path: %s
    busyTimeout: 5s
patches:
  directory: %s
log:
  level: error
  output: stderr
`, filepath.Join(dir, "test.db"), env.patchesDir)
	require.NoError(t, os.WriteFile(env.configPath, []byte(cfgData), 0o600))
	return env
}

func (e cliEnv) writePatch(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.patchesDir, name), []byte(content), 0o600))
}

func runCLI(args ...string) (code int, stdout, stderr string) {
	var outBuf, errBuf bytes.Buffer
	code = run(context.Background(), args, &outBuf, &errBuf)
	return code, outBuf.String(), errBuf.String()
}

func TestRun_AppliesAndReports(t *testing.T) {
	env := newCLIEnv(t)
	env.writePatch(t, "001_create_users.sql", "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);")
	env.writePatch(t, "002_add_email.sql", "ALTER TABLE users ADD COLUMN email TEXT;")

	code, stdout, stderr := runCLI("-config", env.configPath, "-dry-run")
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, stdout, "completed: 0 applied, 0 skipped, 0 failed, 2 pending")

	code, stdout, stderr = runCLI("-config", env.configPath)
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, stdout, "create_users")
	require.Contains(t, stdout, "completed: 2 applied, 0 skipped, 0 failed")

	code, stdout, _ = runCLI("-config", env.configPath)
	require.Equal(t, exitOK, code)
	require.Contains(t, stdout, "completed: 0 applied, 2 skipped, 0 failed")
}

func TestRun_FailedPatch(t *testing.T) {
	env := newCLIEnv(t)
	env.writePatch(t, "001_broken.sql", "INSERT INTO missing_table (id) VALUES (1);")
	env.writePatch(t, "002_create_users.sql", "CREATE TABLE users (id INTEGER);")

	code, stdout, stderr := runCLI("-config", env.configPath)
	require.Equal(t, exitRunFailed, code)
	require.Contains(t, stdout, "halted: 0 applied, 0 skipped, 1 failed")
	require.Contains(t, stderr, "patch run halted")

	code, stdout, _ = runCLI("-config", env.configPath, "-continue-on-failure")
	require.Equal(t, exitRunFailed, code)
	require.Contains(t, stdout, "completed: 1 applied, 0 skipped, 1 failed")
}

func TestRun_DirFlagOverridesConfig(t *testing.T) {
	env := newCLIEnv(t)
	otherDir := filepath.Join(env.dir, "other")
	require.NoError(t, os.Mkdir(otherDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(otherDir, "1_other.sql"), []byte("CREATE TABLE other (id INTEGER);"), 0o600))

	code, stdout, stderr := runCLI("-config", env.configPath, "-dir", otherDir)
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, stdout, "other")
	require.Contains(t, stdout, "1 applied")
}

func TestRun_SetupErrors(t *testing.T) {
	env := newCLIEnv(t)

	code, _, stderr := runCLI("-config", filepath.Join(env.dir, "missing.yml"))
	require.Equal(t, exitSetupError, code)
	require.Contains(t, stderr, "load config")

	code, _, stderr = runCLI("-config", env.configPath, "-drift", "ignore")
	require.Equal(t, exitSetupError, code)
	require.Contains(t, stderr, "invalid -drift value")

	code, _, stderr = runCLI("-config", env.configPath, "-dir", filepath.Join(env.dir, "missing"))
	require.Equal(t, exitSetupError, code)
	require.Contains(t, stderr, "patch directory unavailable")

	code, _, _ = runCLI("-unknown-flag")
	require.Equal(t, exitSetupError, code)

	code, _, _ = runCLI("-help")
	require.Equal(t, exitOK, code)
}

func TestRun_OutOfOrderPatch(t *testing.T) {
	env := newCLIEnv(t)
	env.writePatch(t, "001_create_users.sql", "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT);")
	env.writePatch(t, "003_create_posts.sql", "CREATE TABLE posts (id INTEGER);")
	code, _, stderr := runCLI("-config", env.configPath)
	require.Equal(t, exitOK, code, stderr)

	env.writePatch(t, "002_add_email.sql", "ALTER TABLE users ADD COLUMN email TEXT;")
	code, stdout, stderr := runCLI("-config", env.configPath)
	require.Equal(t, exitRunFailed, code)
	require.Contains(t, stdout, "failed (out of order)")
	require.Contains(t, stdout, "halted: 0 applied, 2 skipped, 1 failed")
	require.Contains(t, stderr, "patch version is below the current database version: patch 2, current version 3")

	jsonConfigPath := filepath.Join(env.dir, "dbpatch.json")
	cfgData := fmt.Sprintf(`{
  "db": {"dialect": "sqlite3", "maxOpenConns": 1, "maxIdleConns": 1, "sqlite3": {"path": %q}},
  "patches": {"directory": %q, "skipOutOfOrder": true},
  "log": {"level": "error", "output": "stderr"}
}`, filepath.Join(env.dir, "test.db"), env.patchesDir)
	require.NoError(t, os.WriteFile(jsonConfigPath, []byte(cfgData), 0o600))
	code, stdout, stderr = runCLI("-config", jsonConfigPath)
	require.Equal(t, exitOK, code, stderr)
	require.Contains(t, stdout, "completed: 0 applied, 3 skipped, 0 failed")
}
