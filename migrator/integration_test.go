//go:build integration

package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

const integrationSource = `
CREATE TABLE user (id TEXT PRIMARY KEY, name TEXT, email TEXT NOT NULL, active BOOLEAN, settings TEXT, created_at DATETIME);
CREATE TABLE chat (id TEXT PRIMARY KEY, user_id TEXT REFERENCES user(id), title TEXT, archived INTEGER, avatar BLOB, balance NUMERIC);
INSERT INTO user VALUES
	('u1', 'alice', 'a@example.com', 1, '{"theme":"dark"}', '2024-01-02 03:04:05'),
	('u2', NULL, 'b@example.com', 0, NULL, '2024-02-03T04:05:06Z'),
	('u3', 'carol', 'c@example.com', 1, '{}', 1704164645);
INSERT INTO chat VALUES
	('c1', 'u1', 'café — 日本語', 0, x'00ff', '12.50'),
	('c2', 'u3', 'second', 1, NULL, NULL);
`

const integrationTarget = `
CREATE TABLE "user" (id text PRIMARY KEY, name text NOT NULL, email text NOT NULL, active boolean, settings jsonb, created_at timestamp);
CREATE TABLE chat (id text PRIMARY KEY, user_id text REFERENCES "user"(id), title text, archived boolean, avatar bytea, balance numeric(12,2));
`

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

type PostgresSuite struct {
	suite.Suite

	pool     *dockertest.Pool
	resource *dockertest.Resource
	target   TargetConfig
	db       *sql.DB
}

func TestPostgresSuite(t *testing.T) {
	suite.Run(t, new(PostgresSuite))
}

func (s *PostgresSuite) SetupSuite() {
	require := s.Require()

	pool, err := dockertest.NewPool("")
	require.NoError(err, "connect to docker")
	s.pool = pool

	resource, err := pool.Run("postgres", "16", []string{"POSTGRES_PASSWORD=postgres"})
	require.NoError(err, "start postgres")
	s.resource = resource

	port, err := strconv.Atoi(resource.GetPort("5432/tcp"))
	require.NoError(err)
	s.target = TargetConfig{
		Host:     getEnv("DOCKERTEST_HOST", "localhost"),
		Port:     port,
		Database: "postgres",
		User:     "postgres",
		Password: "postgres",
		SSLMode:  "disable",
		Schema:   "public",
	}

	// the container accepts connections a little after it reports running
	err = pool.Retry(func() error {
		db, err := sql.Open("postgres", s.target.DSN())
		if err != nil {
			return err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return err
		}
		s.db = db
		return nil
	})
	require.NoError(err, "wait for postgres connection")
}

func (s *PostgresSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.resource != nil {
		s.Require().NoError(s.pool.Purge(s.resource), "purge postgres")
	}
}

func (s *PostgresSuite) BeforeTest(suiteName, testName string) {
	_, err := s.db.Exec(`DROP SCHEMA public CASCADE; CREATE SCHEMA public;` + integrationTarget)
	s.Require().NoError(err, "bootstrap target schema")
}

func (s *PostgresSuite) migrate(sourcePath string) (MigrationReport, error) {
	cfg, err := NewConfig(Config{
		SourcePath:      sourcePath,
		Target:          s.target,
		BatchSize:       2,
		TruncateOnStart: true,
		CheckpointPath:  filepath.Join(filepath.Dir(sourcePath), "run.checkpoint"),
		Retry:           RetryPolicy{MaxRetries: 1, InitialInterval: 10 * time.Millisecond, MaxInterval: 20 * time.Millisecond},
	})
	s.Require().NoError(err)

	ctx := context.Background()
	src, err := OpenSQLiteSource(ctx, sourcePath, zap.NewNop())
	s.Require().NoError(err)
	defer src.Close()

	tgt, err := OpenPostgresTarget(cfg.Target, 2, zap.NewNop())
	s.Require().NoError(err)
	defer tgt.Close()

	store, err := OpenCheckpointStore(ctx, cfg.CheckpointPath, cfg.RunKey(), zap.NewNop())
	s.Require().NoError(err)
	defer store.Close()

	return NewEngine(cfg, src, tgt, store, zap.NewNop()).Migrate(ctx)
}

func (s *PostgresSuite) count(table string) int {
	var n int
	s.Require().NoError(s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteTarget("public", table))).Scan(&n))
	return n
}

func (s *PostgresSuite) TestMigrate() {
	require := s.Require()
	sourcePath := createSourceDB(s.T(), integrationSource)

	report, err := s.migrate(sourcePath)
	require.NoError(err)

	require.Len(report.Tables, 2)
	require.Equal("user", report.Tables[0].Table, "parents load first")
	require.Equal(int64(2), report.Tables[0].Committed)
	require.Equal(int64(1), report.Tables[0].Failed)
	require.Equal(int64(2), report.Tables[1].Committed)
	require.Len(report.FailedRows, 1)
	require.Equal("u2", report.FailedRows[0].Payload["id"])

	require.Equal(2, s.count("user"))
	require.Equal(2, s.count("chat"))

	var (
		title    string
		archived bool
		avatar   []byte
		balance  string
	)
	require.NoError(s.db.QueryRow(`SELECT title, archived, avatar, balance::text FROM chat WHERE id = 'c1'`).
		Scan(&title, &archived, &avatar, &balance))
	require.Equal("café — 日本語", title)
	require.False(archived)
	require.Equal([]byte{0x00, 0xff}, avatar)
	require.Equal("12.50", balance)

	var theme string
	var created time.Time
	require.NoError(s.db.QueryRow(`SELECT settings->>'theme', created_at FROM "user" WHERE id = 'u1'`).Scan(&theme, &created))
	require.Equal("dark", theme)
	require.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), created.UTC())

	// A second run against the same checkpoint writes nothing.
	report, err = s.migrate(sourcePath)
	require.NoError(err)
	require.Equal(2, s.count("user"))
	require.Equal(int64(2), report.Tables[0].Committed)
}

func (s *PostgresSuite) TestMigrateRefusesUnbootstrappedTarget() {
	require := s.Require()
	_, err := s.db.Exec(`DROP TABLE chat`)
	require.NoError(err)

	_, err = s.migrate(createSourceDB(s.T(), integrationSource))

	var notBootstrapped *TargetNotBootstrappedError
	require.ErrorAs(err, &notBootstrapped)
	require.Equal([]string{"chat"}, notBootstrapped.MissingTables)
	require.Equal(0, s.count("user"))
}
