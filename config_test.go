package main

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mudrockdev/mudrockmigrate/migrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrate.env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// fileEnvironment loads path without consulting the process environment.
func fileEnvironment(t *testing.T, content string) environment {
	t.Helper()
	env, err := loadEnvironment(writeEnvFile(t, content))
	require.NoError(t, err)
	env.getenv = nil
	return env
}

func defaultOptions() *cliOptions {
	return &cliOptions{workers: 1}
}

func TestResolveConfig_AliasKeys(t *testing.T) {
	env := fileEnvironment(t, `
# alternative spellings
SQLITE_DB_PATH=./data/webui.db
PG_HOST=db.internal
PG_PORT=6543
PG_DATABASE=openwebui
PG_USER=webui
PG_PASSWORD="s3cr=t"
PG_SSLMODE=require
MIGRATION_BATCH_SIZE=1000
`)

	cfg, err := resolveConfig(defaultOptions(), env, nil)
	require.NoError(t, err)

	assert.Equal(t, "./data/webui.db", cfg.SourcePath)
	assert.Equal(t, migrator.TargetConfig{
		Host: "db.internal", Port: 6543, Database: "openwebui", User: "webui",
		Password: "s3cr=t", SSLMode: "require", Schema: "public",
	}, cfg.Target)
	assert.Equal(t, 1000, cfg.BatchSize)
	assert.Equal(t, "./data/webui.db.checkpoint", cfg.CheckpointPath)
	assert.True(t, cfg.TruncateOnStart)
}

func TestResolveConfig_PostgresKeysWin(t *testing.T) {
	env := fileEnvironment(t, `
SQLITE_DB_PATH=webui.db
POSTGRES_HOST=primary
PG_HOST=secondary
POSTGRES_DATABASE=third
PG_DATABASE=second
POSTGRES_DB=first
`)

	cfg, err := resolveConfig(defaultOptions(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, "primary", cfg.Target.Host)
	assert.Equal(t, "first", cfg.Target.Database)
}

func TestResolveConfig_Defaults(t *testing.T) {
	env := fileEnvironment(t, "SQLITE_DB_PATH=webui.db\nPOSTGRES_HOST=localhost\n")

	cfg, err := resolveConfig(defaultOptions(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, 5432, cfg.Target.Port)
	assert.Equal(t, "postgres", cfg.Target.Database)
	assert.Equal(t, "postgres", cfg.Target.User)
	assert.Equal(t, "", cfg.Target.Password)
	assert.Equal(t, "disable", cfg.Target.SSLMode)
	assert.Equal(t, migrator.DefaultBatchSize, cfg.BatchSize)
}

func TestResolveConfig_FlagsOverrideEnvironment(t *testing.T) {
	env := fileEnvironment(t, "SQLITE_DB_PATH=webui.db\nPOSTGRES_HOST=localhost\nMIGRATION_BATCH_SIZE=1000\n")
	opts := defaultOptions()
	opts.batchSize = 250
	opts.workers = 3
	opts.noTruncate = true
	opts.checkpoint = "/tmp/run.checkpoint"
	opts.exclude = []string{"audit_log"}

	cfg, err := resolveConfig(opts, env, nil)
	require.NoError(t, err)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, 3, cfg.Workers)
	assert.False(t, cfg.TruncateOnStart)
	assert.Equal(t, "/tmp/run.checkpoint", cfg.CheckpointPath)
	assert.Equal(t, []string{"audit_log"}, cfg.ExcludeTables)
}

func TestResolveConfig_ProcessEnvironmentFallback(t *testing.T) {
	env := fileEnvironment(t, "SQLITE_DB_PATH=webui.db\n")
	process := map[string]string{"PG_HOST": "from-process", "POSTGRES_PASSWORD": "pw"}
	env.getenv = func(key string) string { return process[key] }

	cfg, err := resolveConfig(defaultOptions(), env, nil)
	require.NoError(t, err)
	assert.Equal(t, "from-process", cfg.Target.Host)
	assert.Equal(t, "pw", cfg.Target.Password)
}

func TestResolveConfig_NonInteractiveMissingSettings(t *testing.T) {
	_, err := resolveConfig(defaultOptions(), fileEnvironment(t, "POSTGRES_HOST=localhost\n"), nil)
	require.ErrorIs(t, err, migrator.ErrInvalidConfig)
	assert.ErrorContains(t, err, "source database path")

	_, err = resolveConfig(defaultOptions(), fileEnvironment(t, "SQLITE_DB_PATH=webui.db\n"), nil)
	require.ErrorIs(t, err, migrator.ErrInvalidConfig)
	assert.ErrorContains(t, err, "target host")
}

func TestResolveConfig_InvalidNumbers(t *testing.T) {
	_, err := resolveConfig(defaultOptions(), fileEnvironment(t, "SQLITE_DB_PATH=a.db\nPG_HOST=h\nPG_PORT=fifty\n"), nil)
	require.ErrorIs(t, err, migrator.ErrInvalidConfig)
	assert.ErrorContains(t, err, "POSTGRES_PORT")

	_, err = resolveConfig(defaultOptions(), fileEnvironment(t, "SQLITE_DB_PATH=a.db\nPG_HOST=h\nMIGRATION_BATCH_SIZE=-5\n"), nil)
	require.ErrorIs(t, err, migrator.ErrInvalidConfig)
	assert.ErrorContains(t, err, "batch size")
}

func TestLoadEnvironment_MissingFile(t *testing.T) {
	_, err := loadEnvironment(filepath.Join(t.TempDir(), "missing.env"))
	require.ErrorIs(t, err, migrator.ErrInvalidConfig)

	env, err := loadEnvironment("")
	require.NoError(t, err)
	assert.Empty(t, env.file)
}

func scriptedPrompter(input string, password string) *prompter {
	return &prompter{
		in:           bufio.NewReader(strings.NewReader(input)),
		out:          io.Discard,
		readPassword: func() (string, error) { return password, nil },
	}
}

func TestResolveConfig_Prompts(t *testing.T) {
	source := filepath.Join(t.TempDir(), "webui.db")
	require.NoError(t, os.WriteFile(source, nil, 0o600))

	input := strings.Join([]string{
		filepath.Join(t.TempDir(), "nope.db"), // does not exist
		"y",                                   // try a different path
		source,
		"db.example", // host
		"abc",        // not a port
		"6543",
		"",    // database name, default
		"app", // user
		"20000",
		"n", // refuse the large batch
		"800",
	}, "\n") + "\n"

	cfg, err := resolveConfig(defaultOptions(), environment{}, scriptedPrompter(input, "hunter2"))
	require.NoError(t, err)

	assert.Equal(t, source, cfg.SourcePath)
	assert.Equal(t, "db.example", cfg.Target.Host)
	assert.Equal(t, 6543, cfg.Target.Port)
	assert.Equal(t, "postgres", cfg.Target.Database)
	assert.Equal(t, "app", cfg.Target.User)
	assert.Equal(t, "hunter2", cfg.Target.Password)
	assert.Equal(t, 800, cfg.BatchSize)
}

func TestResolveConfig_PromptCancelled(t *testing.T) {
	input := filepath.Join(t.TempDir(), "nope.db") + "\nn\n"

	_, err := resolveConfig(defaultOptions(), environment{}, scriptedPrompter(input, ""))
	assert.ErrorIs(t, err, errCancelled)
}

func TestPrompter_EOF(t *testing.T) {
	p := scriptedPrompter("", "")
	_, err := p.ask("Host", "localhost")
	assert.ErrorIs(t, err, io.EOF)

	p = scriptedPrompter("last-line-without-newline", "")
	answer, err := p.ask("Host", "localhost")
	require.NoError(t, err)
	assert.Equal(t, "last-line-without-newline", answer)
}
