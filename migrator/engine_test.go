package migrator

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTarget is an in-memory Target that enforces NOT NULL and single-column
// primary keys, and applies each WriteBatch atomically.
type fakeTarget struct {
	mu        sync.Mutex
	tables    map[string]*fakeTable
	pingErr   error
	failWrite func(table string, rows [][]any, opts WriteOptions) error
	attempts  int
	commits   int
	truncates int
}

type fakeTable struct {
	schema TargetTable
	rows   [][]any
}

func newFakeTarget(tables ...TargetTable) *fakeTarget {
	f := &fakeTarget{tables: make(map[string]*fakeTable)}
	for _, t := range tables {
		if t.Schema == "" {
			t.Schema = "public"
		}
		f.tables[t.Name] = &fakeTable{schema: t}
	}
	return f
}

func (f *fakeTarget) Address() string { return "fake:5432/app" }

func (f *fakeTarget) Close() error { return nil }

func (f *fakeTarget) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeTarget) GetTableSchema(ctx context.Context, name string) (TargetTable, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[name]; ok {
		return t.schema, true, nil
	}
	if t, ok := f.tables[foldIdentifier(name)]; ok {
		return t.schema, true, nil
	}
	return TargetTable{}, false, nil
}

func (f *fakeTarget) Truncate(ctx context.Context, table TargetTable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.truncates++
	f.tables[table.Name].rows = nil
	return nil
}

func (f *fakeTarget) CountRows(ctx context.Context, table TargetTable) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.tables[table.Name].rows)), nil
}

func (f *fakeTarget) WriteBatch(ctx context.Context, table TargetTable, columns []string, rows [][]any, opts WriteOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts++
	if f.failWrite != nil {
		if err := f.failWrite(table.Name, rows, opts); err != nil {
			return err
		}
	}

	t := f.tables[table.Name]
	pk := -1
	if len(t.schema.PrimaryKey) > 0 {
		for i, c := range columns {
			if c == t.schema.PrimaryKey[0] {
				pk = i
			}
		}
	}

	staged := make(map[any]bool)
	var insert [][]any
	for _, row := range rows {
		for i, c := range columns {
			col, _ := t.schema.Column(c)
			if row[i] == nil && !col.Nullable {
				return &pq.Error{Code: "23502", Message: "null value in column " + c}
			}
		}
		if pk >= 0 {
			key := row[pk]
			if t.has(pk, key) || staged[key] {
				if opts.SkipConflicts {
					continue
				}
				return &pq.Error{Code: "23505", Message: "duplicate key value"}
			}
			staged[key] = true
		}
		insert = append(insert, append([]any(nil), row...))
	}

	t.rows = append(t.rows, insert...)
	f.commits++
	return nil
}

func (t *fakeTable) has(pk int, key any) bool {
	for _, row := range t.rows {
		if row[pk] == key {
			return true
		}
	}
	return false
}

func (f *fakeTarget) ids(table string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []int64
	for _, row := range f.tables[table].rows {
		ids = append(ids, row[0].(int64))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func usersTargetTable() TargetTable {
	return TargetTable{
		Name: "users",
		Columns: []TargetColumn{
			{Name: "id", DataType: "integer", Kind: KindInteger},
			{Name: "name", DataType: "text", Kind: KindText},
			{Name: "email", DataType: "text", Kind: KindText, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func postsTargetTable() TargetTable {
	return TargetTable{
		Name: "posts",
		Columns: []TargetColumn{
			{Name: "id", DataType: "integer", Kind: KindInteger},
			{Name: "user_id", DataType: "integer", Kind: KindInteger, Nullable: true},
			{Name: "body", DataType: "text", Kind: KindText, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	}
}

const usersFixture = `
CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT);
INSERT INTO users (id, name, email) VALUES (1, 'alice', 'a@example.com'), (2, NULL, 'b@example.com'), (3, 'carol', NULL);
`

const usersAndPostsFixture = `
CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT);
CREATE TABLE posts (id INTEGER PRIMARY KEY, user_id INTEGER REFERENCES users(id), body TEXT);
INSERT INTO users (id, name, email) VALUES (1, 'alice', NULL), (2, 'bob', NULL), (3, 'carol', NULL), (4, 'dave', NULL), (5, 'erin', NULL);
INSERT INTO posts (id, user_id, body) VALUES (1, 1, 'first'), (2, 2, 'second');
`

type engineHarness struct {
	cfg     Config
	target  *fakeTarget
	metrics *Metrics
}

func newHarness(t *testing.T, fixture string, target *fakeTarget, mutate func(*Config)) *engineHarness {
	t.Helper()

	raw := Config{
		SourcePath:      createSourceDB(t, fixture),
		Target:          TargetConfig{Host: "fake", Database: "app", User: "postgres"},
		BatchSize:       2,
		TruncateOnStart: true,
		Retry:           fastRetry,
	}
	raw.CheckpointPath = filepath.Join(t.TempDir(), "run.checkpoint")
	if mutate != nil {
		mutate(&raw)
	}
	cfg, err := NewConfig(raw)
	require.NoError(t, err)

	return &engineHarness{cfg: cfg, target: target}
}

// run performs one full migration with a fresh source handle and store, as a
// new process would.
func (h *engineHarness) run(t *testing.T, ctx context.Context, opts ...Option) (MigrationReport, error) {
	t.Helper()

	src, err := OpenSQLiteSource(context.Background(), h.cfg.SourcePath, zap.NewNop())
	require.NoError(t, err)
	defer src.Close()

	store, err := OpenCheckpointStore(context.Background(), h.cfg.CheckpointPath, h.cfg.RunKey(), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	h.metrics = NewMetrics()
	opts = append(opts, WithMetrics(h.metrics))
	return NewEngine(h.cfg, src, h.target, store, zap.NewNop(), opts...).Migrate(ctx)
}

func tableReport(t *testing.T, report MigrationReport, name string) TableReport {
	t.Helper()
	for _, tr := range report.Tables {
		if tr.Table == name {
			return tr
		}
	}
	t.Fatalf("table %s not in report", name)
	return TableReport{}
}

func TestEngine_NullIntoNotNullFailsOnlyThatRow(t *testing.T) {
	target := newFakeTarget(usersTargetTable())
	h := newHarness(t, usersFixture, target, nil)

	report, err := h.run(t, context.Background())
	require.NoError(t, err)

	users := tableReport(t, report, "users")
	assert.Equal(t, StatusCompleted, users.Status)
	assert.Equal(t, int64(2), users.Committed)
	assert.Equal(t, int64(1), users.Failed)
	assert.Equal(t, int64(3), users.Attempted)

	require.Len(t, report.FailedRows, 1)
	assert.Equal(t, "2", report.FailedRows[0].RowID)
	assert.Equal(t, "NULL", report.FailedRows[0].Payload["name"])
	assert.Contains(t, report.FailedRows[0].Error, "not-null")

	assert.Equal(t, []int64{1, 3}, target.ids("users"))
	assert.False(t, report.Succeeded(0))
	assert.True(t, report.Succeeded(1))
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.RowsCommitted.WithLabelValues("users")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RowsFailed.WithLabelValues("users")))
}

func TestEngine_MissingTargetTableIsFatal(t *testing.T) {
	target := newFakeTarget(usersTargetTable())
	h := newHarness(t, usersAndPostsFixture, target, nil)

	report, err := h.run(t, context.Background())

	var notBootstrapped *TargetNotBootstrappedError
	require.ErrorAs(t, err, &notBootstrapped)
	assert.Equal(t, []string{"posts"}, notBootstrapped.MissingTables)
	assert.True(t, IsFatal(err))
	assert.Zero(t, target.attempts)
	assert.Zero(t, target.truncates)
	assert.NotEmpty(t, report.Fatal)
	assert.Empty(t, report.Tables)
	assert.False(t, report.Succeeded(0))
}

func TestEngine_MissingTargetColumnIsFatal(t *testing.T) {
	narrow := usersTargetTable()
	narrow.Columns = narrow.Columns[:2]
	target := newFakeTarget(narrow)
	h := newHarness(t, usersFixture, target, nil)

	_, err := h.run(t, context.Background())

	var notBootstrapped *TargetNotBootstrappedError
	require.ErrorAs(t, err, &notBootstrapped)
	assert.Equal(t, []string{"email"}, notBootstrapped.MissingColumns["users"])
	assert.Zero(t, target.attempts)
}

func TestEngine_UnreachableTargetIsFatal(t *testing.T) {
	target := newFakeTarget(usersTargetTable())
	target.pingErr = &TargetConnectError{Address: "fake", Err: errors.New("connection refused")}
	h := newHarness(t, usersFixture, target, nil)

	_, err := h.run(t, context.Background())

	var connectErr *TargetConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Zero(t, target.attempts)
}

func TestEngine_SecondRunIsIdempotent(t *testing.T) {
	target := newFakeTarget(usersTargetTable(), postsTargetTable())
	h := newHarness(t, usersAndPostsFixture, target, nil)

	first, err := h.run(t, context.Background())
	require.NoError(t, err)
	require.True(t, first.Succeeded(0))
	attempts, truncates := target.attempts, target.truncates

	second, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, attempts, target.attempts, "second run must not write")
	assert.Equal(t, truncates, target.truncates, "second run must not truncate")
	assert.True(t, second.Succeeded(0))
	assert.Equal(t, int64(5), tableReport(t, second, "users").Committed)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, target.ids("users"))
}

func TestEngine_LoadsParentsBeforeChildren(t *testing.T) {
	target := newFakeTarget(usersTargetTable(), postsTargetTable())
	var order []string
	target.failWrite = func(table string, rows [][]any, opts WriteOptions) error {
		if len(order) == 0 || order[len(order)-1] != table {
			order = append(order, table)
		}
		return nil
	}
	h := newHarness(t, usersAndPostsFixture, target, func(c *Config) { c.Workers = 4 })

	_, err := h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "posts"}, order)
}

func TestEngine_ResumesAfterTableFailure(t *testing.T) {
	target := newFakeTarget(usersTargetTable(), postsTargetTable())
	h := newHarness(t, usersAndPostsFixture, target, nil)

	// Lose write privileges on the third users batch.
	target.failWrite = func(table string, rows [][]any, opts WriteOptions) error {
		if table == "users" && rows[0][0] == int64(5) {
			return &pq.Error{Code: "42501", Message: "permission denied for table users"}
		}
		return nil
	}
	report, err := h.run(t, context.Background())

	var tableErr *TableFailedError
	require.ErrorAs(t, err, &tableErr)
	assert.Equal(t, "users", tableErr.Table)
	assert.False(t, IsFatal(err))
	assert.Equal(t, StatusFailed, tableReport(t, report, "users").Status)
	assert.Equal(t, StatusCompleted, tableReport(t, report, "posts").Status, "other tables keep going")
	assert.Equal(t, []int64{1, 2, 3, 4}, target.ids("users"))
	assert.False(t, report.Succeeded(0))

	target.failWrite = nil
	truncates := target.truncates
	report, err = h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, truncates, target.truncates, "resume must not truncate")
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, target.ids("users"))
	users := tableReport(t, report, "users")
	assert.Equal(t, StatusCompleted, users.Status)
	assert.Equal(t, int64(5), users.Committed)
	assert.True(t, report.Succeeded(0))
}

func TestEngine_ReplaysBatchCommittedBeforeCrash(t *testing.T) {
	target := newFakeTarget(usersTargetTable(), postsTargetTable())
	h := newHarness(t, usersAndPostsFixture, target, nil)

	// The previous run saved a checkpoint after rows 1-2, then committed rows
	// 3-4 and died before saving again.
	store, err := OpenCheckpointStore(context.Background(), h.cfg.CheckpointPath, h.cfg.RunKey(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Lock(context.Background(), time.Minute))
	require.NoError(t, store.Save(context.Background(), Checkpoint{
		Table: "users", Position: Position{Offset: 2, LastRowID: 2}, Status: StatusInProgress, RowsCommitted: 2,
	}, nil))
	require.NoError(t, store.Close())
	for id := int64(1); id <= 4; id++ {
		target.tables["users"].rows = append(target.tables["users"].rows, []any{id, "seed", nil})
	}

	report, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, target.ids("users"), "no row committed twice")
	users := tableReport(t, report, "users")
	assert.Equal(t, StatusCompleted, users.Status)
	assert.Equal(t, int64(5), users.Committed)
	assert.Zero(t, users.Failed)
}

func TestEngine_RetriesTransientErrors(t *testing.T) {
	target := newFakeTarget(usersTargetTable())
	failures := 2
	target.failWrite = func(table string, rows [][]any, opts WriteOptions) error {
		if failures > 0 {
			failures--
			return &pq.Error{Code: "40P01", Message: "deadlock detected"}
		}
		return nil
	}
	h := newHarness(t, usersFixture, target, nil)

	report, err := h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), tableReport(t, report, "users").Committed)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.BatchRetries.WithLabelValues("users")))
	assert.Zero(t, testutil.ToFloat64(h.metrics.RowFallbacks.WithLabelValues("users")))
}

func TestEngine_FallsBackToRowsOnDataError(t *testing.T) {
	target := newFakeTarget(usersTargetTable(), postsTargetTable())
	target.failWrite = func(table string, rows [][]any, opts WriteOptions) error {
		for _, row := range rows {
			if row[1] == "bob" {
				return &pq.Error{Code: "23514", Message: "violates check constraint"}
			}
		}
		return nil
	}
	h := newHarness(t, usersAndPostsFixture, target, func(c *Config) { c.BatchSize = 5 })

	report, err := h.run(t, context.Background())
	require.NoError(t, err)

	users := tableReport(t, report, "users")
	assert.Equal(t, int64(4), users.Committed, "one bad row never costs the others")
	assert.Equal(t, int64(1), users.Failed)
	require.Len(t, report.FailedRows, 1)
	assert.Equal(t, "2", report.FailedRows[0].RowID)
	assert.Equal(t, []int64{1, 3, 4, 5}, target.ids("users"))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RowFallbacks.WithLabelValues("users")))
}

func TestEngine_StopsBetweenBatchesOnCancel(t *testing.T) {
	target := newFakeTarget(usersTargetTable(), postsTargetTable())
	h := newHarness(t, usersAndPostsFixture, target, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelOnFirstBatch := ObserverFunc(func(ev ProgressEvent) {
		if ev.Kind == EventProgress {
			cancel()
		}
	})

	report, err := h.run(t, ctx, WithObserver(cancelOnFirstBatch))
	require.ErrorIs(t, err, ErrInterrupted)
	assert.Equal(t, []int64{1, 2}, target.ids("users"), "only whole batches are written")
	assert.Equal(t, StatusInProgress, tableReport(t, report, "users").Status)
	assert.False(t, report.Succeeded(0))

	report, err = h.run(t, context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, target.ids("users"))
	assert.True(t, report.Succeeded(0))
}

func TestEngine_ConcurrentRunRejected(t *testing.T) {
	target := newFakeTarget(usersTargetTable())
	h := newHarness(t, usersFixture, target, nil)

	holder, err := OpenCheckpointStore(context.Background(), h.cfg.CheckpointPath, h.cfg.RunKey(), zap.NewNop())
	require.NoError(t, err)
	defer holder.Close()
	require.NoError(t, holder.Lock(context.Background(), time.Minute))

	_, err = h.run(t, context.Background())

	var concurrent *ConcurrentMigrationError
	require.ErrorAs(t, err, &concurrent)
	assert.Zero(t, target.attempts)
}

func TestEngine_ReadsNonPositiveRowIDs(t *testing.T) {
	target := newFakeTarget(usersTargetTable())
	h := newHarness(t, `
CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT);
INSERT INTO users (id, name) VALUES (-1, 'minus'), (0, 'zero'), (1, 'one');
`, target, nil)

	report, err := h.run(t, context.Background())
	require.NoError(t, err)

	users := tableReport(t, report, "users")
	assert.Equal(t, StatusCompleted, users.Status)
	assert.Equal(t, int64(3), users.Committed)
	assert.Equal(t, []int64{-1, 0, 1}, target.ids("users"))
}

func TestEngine_TableFailureMidFallbackKeepsCommittedRows(t *testing.T) {
	// No primary key on the target, so nothing would catch a second insert.
	users := usersTargetTable()
	users.PrimaryKey = nil
	target := newFakeTarget(users)
	h := newHarness(t, `
CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, email TEXT);
INSERT INTO users (id, name) VALUES (1, 'alice'), (2, NULL), (3, 'carol'), (4, 'dave');
`, target, func(cfg *Config) { cfg.BatchSize = 4 })

	// The batch falls back to single rows; row 3 then hits a table-level error.
	target.failWrite = func(table string, rows [][]any, opts WriteOptions) error {
		if len(rows) > 1 {
			return &pq.Error{Code: "23514", Message: "check constraint violated"}
		}
		if rows[0][0] == int64(3) {
			return &pq.Error{Code: "42501", Message: "permission denied for table users"}
		}
		return nil
	}
	report, err := h.run(t, context.Background())

	var tableErr *TableFailedError
	require.ErrorAs(t, err, &tableErr)
	assert.Equal(t, StatusFailed, tableReport(t, report, "users").Status)
	assert.Equal(t, []int64{1}, target.ids("users"))

	target.failWrite = nil
	report, err = h.run(t, context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3, 4}, target.ids("users"), "no row is written twice")
	assert.Equal(t, StatusCompleted, tableReport(t, report, "users").Status)

	store, err := OpenCheckpointStore(context.Background(), h.cfg.CheckpointPath, h.cfg.RunKey(), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	cp, found, err := store.Load(context.Background(), "users")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(3), cp.RowsCommitted)
	assert.Equal(t, int64(1), cp.RowsFailed)

	failed, err := store.FailedRows(context.Background(), "users")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "2", failed[0].RowID)
}

func TestEngine_LostLockStopsRun(t *testing.T) {
	target := newFakeTarget(usersTargetTable(), postsTargetTable())
	h := newHarness(t, usersAndPostsFixture, target, nil)

	// Another process takes the lock over while the first users batch is written.
	var takeover sync.Once
	target.failWrite = func(table string, rows [][]any, opts WriteOptions) error {
		takeover.Do(func() {
			other, err := OpenCheckpointStore(context.Background(), h.cfg.CheckpointPath, h.cfg.RunKey(), zap.NewNop())
			if err != nil {
				panic(err)
			}
			other.now = func() time.Time { return time.Now().Add(time.Hour) }
			if err := other.Lock(context.Background(), time.Minute); err != nil {
				panic(err)
			}
			t.Cleanup(func() { other.Close() })
		})
		return nil
	}
	report, err := h.run(t, context.Background())

	var lost *ConcurrentMigrationError
	require.ErrorAs(t, err, &lost)
	assert.True(t, IsFatal(err))
	assert.False(t, report.Succeeded(0))
	assert.Equal(t, StatusFailed, tableReport(t, report, "users").Status)
	for _, tr := range report.Tables {
		assert.NotEqual(t, "posts", tr.Table, "no table starts after the lock is lost")
	}
}
