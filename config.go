package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mudrockdev/mudrockmigrate/migrator"
	"golang.org/x/term"
)

// Environment keys, in lookup order. The PG_ spellings are accepted aliases.
var (
	sqlitePathKeys = []string{"SQLITE_DB_PATH"}
	hostKeys       = []string{"POSTGRES_HOST", "PG_HOST"}
	portKeys       = []string{"POSTGRES_PORT", "PG_PORT"}
	databaseKeys   = []string{"POSTGRES_DB", "PG_DATABASE", "POSTGRES_DATABASE"}
	userKeys       = []string{"POSTGRES_USER", "PG_USER"}
	passwordKeys   = []string{"POSTGRES_PASSWORD", "PG_PASSWORD"}
	sslModeKeys    = []string{"POSTGRES_SSLMODE", "PG_SSLMODE"}
	schemaKeys     = []string{"POSTGRES_SCHEMA", "PG_SCHEMA"}
	batchSizeKeys  = []string{"MIGRATION_BATCH_SIZE"}
)

const (
	defaultSourcePath = "webui.db"
	defaultHost       = "localhost"
	defaultDatabase   = "postgres"
	defaultUser       = "postgres"
)

// environment resolves settings from an env file, falling back to the
// process environment.
type environment struct {
	file   map[string]string
	getenv func(string) string
}

func loadEnvironment(path string) (environment, error) {
	env := environment{file: map[string]string{}, getenv: os.Getenv}
	if path == "" {
		return env, nil
	}

	if _, err := os.Stat(path); err != nil {
		return env, fmt.Errorf("%w: environment file %s: %v", migrator.ErrInvalidConfig, path, err)
	}
	vars, err := godotenv.Read(path)
	if err != nil {
		return env, fmt.Errorf("%w: read environment file %s: %v", migrator.ErrInvalidConfig, path, err)
	}
	env.file = vars
	return env, nil
}

func (e environment) lookup(keys []string) (string, bool) {
	for _, key := range keys {
		if v, ok := e.file[key]; ok && v != "" {
			return v, true
		}
	}
	if e.getenv == nil {
		return "", false
	}
	for _, key := range keys {
		if v := e.getenv(key); v != "" {
			return v, true
		}
	}
	return "", false
}

func (e environment) int(keys []string) (int, bool, error) {
	raw, ok := e.lookup(keys)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s=%q is not a number", migrator.ErrInvalidConfig, keys[0], raw)
	}
	return n, true, nil
}

// prompter asks the operator for settings the environment did not provide.
type prompter struct {
	in           *bufio.Reader
	out          io.Writer
	readPassword func() (string, error)
}

func newTerminalPrompter() *prompter {
	fd := int(os.Stdin.Fd())
	return &prompter{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stderr,
		readPassword: func() (string, error) {
			b, err := term.ReadPassword(fd)
			return string(b), err
		},
	}
}

func stdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func (p *prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *prompter) ask(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	answer, err := p.readLine()
	if err != nil {
		return "", err
	}
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

func (p *prompter) askInt(label string, def int) (int, error) {
	for {
		answer, err := p.ask(label, strconv.Itoa(def))
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(answer)
		if err == nil {
			return n, nil
		}
		fmt.Fprintf(p.out, "Please enter a whole number.\n")
	}
}

func (p *prompter) askPassword(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)
	password, err := p.readPassword()
	fmt.Fprintln(p.out)
	return password, err
}

func (p *prompter) confirm(label string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}
	for {
		fmt.Fprintf(p.out, "%s [%s]: ", label, hint)
		answer, err := p.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
	}
}

// resolveConfig merges flags, the environment and, when p is not nil, answers
// to prompts into a validated migrator.Config.
func resolveConfig(opts *cliOptions, env environment, p *prompter) (migrator.Config, error) {
	raw := migrator.Config{
		EnvFilePath:     opts.envFile,
		CheckpointPath:  opts.checkpoint,
		Workers:         opts.workers,
		TruncateOnStart: !opts.noTruncate,
		JSONFallback:    opts.jsonFallback,
		MaxFailedRows:   opts.maxFailedRows,
		Retry:           migrator.RetryPolicy{MaxRetries: opts.maxRetries},
	}
	if len(opts.exclude) > 0 {
		raw.ExcludeTables = opts.exclude
	}

	var err error
	if raw.SourcePath, err = resolveSourcePath(env, p); err != nil {
		return migrator.Config{}, err
	}
	if raw.Target, err = resolveTarget(env, p); err != nil {
		return migrator.Config{}, err
	}
	if raw.BatchSize, err = resolveBatchSize(opts, env, p); err != nil {
		return migrator.Config{}, err
	}

	return migrator.NewConfig(raw)
}

func resolveSourcePath(env environment, p *prompter) (string, error) {
	if path, ok := env.lookup(sqlitePathKeys); ok {
		return path, nil
	}
	if p == nil {
		return "", nil
	}

	fmt.Fprintln(p.out, "\n=== SQLite Database Configuration ===")
	for {
		path, err := p.ask("SQLite database path", defaultSourcePath)
		if err != nil {
			return "", err
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return path, nil
		}
		fmt.Fprintf(p.out, "Error: file '%s' does not exist\n", path)
		retry, err := p.confirm("Would you like to try a different path?", true)
		if err != nil {
			return "", err
		}
		if !retry {
			return "", errCancelled
		}
	}
}

// resolveTarget takes the target from the environment when a host is set there
// and prompts for every field otherwise.
func resolveTarget(env environment, p *prompter) (migrator.TargetConfig, error) {
	target := migrator.TargetConfig{
		Port:     migrator.DefaultTargetPort,
		Database: defaultDatabase,
		User:     defaultUser,
	}
	target.SSLMode, _ = env.lookup(sslModeKeys)
	target.Schema, _ = env.lookup(schemaKeys)

	if host, ok := env.lookup(hostKeys); ok {
		target.Host = host
		port, ok, err := env.int(portKeys)
		if err != nil {
			return target, err
		}
		if ok {
			target.Port = port
		}
		if v, ok := env.lookup(databaseKeys); ok {
			target.Database = v
		}
		if v, ok := env.lookup(userKeys); ok {
			target.User = v
		}
		target.Password, _ = env.lookup(passwordKeys)
		return target, nil
	}
	if p == nil {
		return target, nil
	}

	fmt.Fprintln(p.out, "\n=== PostgreSQL Connection Configuration ===")
	var err error
	if target.Host, err = p.ask("PostgreSQL host", defaultHost); err != nil {
		return target, err
	}
	if target.Port, err = p.askInt("PostgreSQL port", migrator.DefaultTargetPort); err != nil {
		return target, err
	}
	if target.Database, err = p.ask("Database name", defaultDatabase); err != nil {
		return target, err
	}
	if target.User, err = p.ask("Username", defaultUser); err != nil {
		return target, err
	}
	if target.Password, err = p.askPassword("Password"); err != nil {
		return target, err
	}
	return target, nil
}

func resolveBatchSize(opts *cliOptions, env environment, p *prompter) (int, error) {
	if opts.batchSize > 0 {
		return opts.batchSize, nil
	}
	size, ok, err := env.int(batchSizeKeys)
	if err != nil || ok {
		return size, err
	}
	if p == nil {
		return migrator.DefaultBatchSize, nil
	}

	fmt.Fprintln(p.out, "\n=== Batch Size Configuration ===")
	fmt.Fprintln(p.out, "The batch size determines how many records are processed at once.")
	fmt.Fprintln(p.out, "A larger batch size may be faster but uses more memory.")
	fmt.Fprintln(p.out, "Recommended range: 100-5000")
	for {
		size, err := p.askInt("Batch size", migrator.DefaultBatchSize)
		if err != nil {
			return 0, err
		}
		if size < 1 {
			fmt.Fprintln(p.out, "Batch size must be at least 1")
			continue
		}
		if size > migrator.LargeBatchThreshold {
			ok, err := p.confirm("Large batch sizes may cause memory issues. Continue anyway?", false)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
		}
		return size, nil
	}
}

// retryTarget asks whether to re-enter the target settings after a failed
// connection attempt.
func (p *prompter) retryTarget(cause error) (bool, error) {
	fmt.Fprintf(p.out, "\nConnection Error: %v\n", cause)
	return p.confirm("Would you like to try again?", true)
}
