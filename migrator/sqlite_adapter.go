package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteAdapter implements Source for an SQLite database file opened read-only.
type SQLiteAdapter struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// OpenSQLiteSource opens path read-only and verifies it is an SQLite database.
func OpenSQLiteSource(ctx context.Context, path string, logger *zap.Logger) (*SQLiteAdapter, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &SchemaReadError{Err: fmt.Errorf("open %s: %w", path, err)}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=60000")
	if err != nil {
		return nil, &SchemaReadError{Err: err}
	}

	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err != nil {
		db.Close()
		return nil, &SchemaReadError{Err: fmt.Errorf("%s is not a valid SQLite database: %w", path, err)}
	}
	// A file that is not a database only fails once a page is read.
	var objects int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master").Scan(&objects); err != nil {
		db.Close()
		return nil, &SchemaReadError{Err: fmt.Errorf("%s is not a valid SQLite database: %w", path, err)}
	}

	logger = logger.With(zap.String("component", "sqlite_source"))
	logger.Info("opened source database", zap.String("path", path), zap.String("sqlite_version", version))

	return &SQLiteAdapter{db: db, path: path, logger: logger}, nil
}

func (a *SQLiteAdapter) Path() string { return a.path }

func (a *SQLiteAdapter) Close() error { return a.db.Close() }

// GetTableList returns user tables in creation order. Virtual tables and their
// shadow tables are skipped; they are rebuilt by the owning extension.
func (a *SQLiteAdapter) GetTableList(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT m.name
		FROM sqlite_master m
		JOIN pragma_table_list t ON t.name = m.name AND t.schema = 'main'
		WHERE m.type = 'table' AND t.type = 'table' AND m.name NOT LIKE 'sqlite_%'
		ORDER BY m.rowid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var tableName string
		if err := rows.Scan(&tableName); err != nil {
			return nil, err
		}
		tables = append(tables, tableName)
	}

	return tables, rows.Err()
}

func (a *SQLiteAdapter) GetTableSchema(ctx context.Context, tableName string) (TableDescriptor, error) {
	table := TableDescriptor{Name: tableName}

	// Get columns and schema
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteSQLite(tableName)))
	if err != nil {
		return table, err
	}
	defer rows.Close()

	type pkColumn struct {
		name string
		pos  int
	}
	var pkColumns []pkColumn

	for rows.Next() {
		var cid int
		var name, typeName string
		var notNull, pk int
		var dfltValue sql.NullString

		if err := rows.Scan(&cid, &name, &typeName, &notNull, &dfltValue, &pk); err != nil {
			return table, err
		}

		col := ColumnDescriptor{
			Name:         name,
			DeclaredType: typeName,
			Tag:          ResolveTypeTag(typeName),
			Nullable:     notNull == 0,
			Default:      dfltValue,
			PrimaryKey:   pk,
		}
		if pk > 0 {
			pkColumns = append(pkColumns, pkColumn{name: name, pos: pk})
		}

		table.Columns = append(table.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return table, err
	}
	if len(table.Columns) == 0 {
		return table, fmt.Errorf("table %s has no columns or does not exist", tableName)
	}

	table.PrimaryKey = make([]string, len(pkColumns))
	for _, pk := range pkColumns {
		table.PrimaryKey[pk.pos-1] = pk.name
	}

	var withoutRowID bool
	err = a.db.QueryRowContext(ctx,
		"SELECT wr FROM pragma_table_list WHERE schema = 'main' AND name = ?", tableName).Scan(&withoutRowID)
	if err != nil {
		return table, fmt.Errorf("read table kind: %w", err)
	}
	if !withoutRowID {
		table.RowIDAlias = rowIDAlias(table)
	}
	table.HasRowID = table.RowIDAlias != ""

	count, err := a.CountRows(ctx, tableName)
	if err != nil {
		return table, err
	}
	table.EstimatedRowCount = count

	parents, err := a.GetForeignKeyParents(ctx, tableName)
	if err != nil {
		return table, fmt.Errorf("read foreign keys: %w", err)
	}
	table.Parents = parents

	return table, nil
}

// GetForeignKeyParents returns the tables referenced by tableName's foreign keys.
func (a *SQLiteAdapter) GetForeignKeyParents(ctx context.Context, tableName string) ([]string, error) {
	fkeys, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteSQLite(tableName)))
	if err != nil {
		return nil, err
	}
	defer fkeys.Close()

	var parents []string
	for fkeys.Next() {
		var id, seq int
		var table, from string
		var to sql.NullString
		var onUpdate, onDelete, match string

		if err := fkeys.Scan(&id, &seq, &table, &from, &to, &onUpdate, &onDelete, &match); err != nil {
			return nil, err
		}
		if table != tableName && !contains(parents, table) {
			parents = append(parents, table)
		}
	}

	return parents, fkeys.Err()
}

func (a *SQLiteAdapter) CountRows(ctx context.Context, tableName string) (int64, error) {
	var count int64
	row := a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteSQLite(tableName)))
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CheckIntegrity runs SQLite's built-in consistency checks.
func (a *SQLiteAdapter) CheckIntegrity(ctx context.Context) error {
	checks := []struct {
		name  string
		query string
	}{
		{"integrity check", "PRAGMA integrity_check"},
		{"quick check", "PRAGMA quick_check"},
	}

	for _, check := range checks {
		problems, err := a.collectStrings(ctx, check.query)
		if err != nil {
			return &SourceCorruptError{Path: a.path, Check: check.name, Err: err}
		}
		if len(problems) != 1 || problems[0] != "ok" {
			return &SourceCorruptError{Path: a.path, Check: check.name, Detail: problems}
		}
		a.logger.Debug("source check passed", zap.String("check", check.name))
	}

	violations, err := a.foreignKeyViolations(ctx)
	if err != nil {
		return &SourceCorruptError{Path: a.path, Check: "foreign key check", Err: err}
	}
	if len(violations) > 0 {
		return &SourceCorruptError{Path: a.path, Check: "foreign key check", Detail: violations}
	}

	var objects int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master").Scan(&objects); err != nil {
		return &SourceCorruptError{Path: a.path, Check: "schema read", Err: err}
	}

	return nil
}

func (a *SQLiteAdapter) collectStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const maxReportedViolations = 20

func (a *SQLiteAdapter) foreignKeyViolations(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []string
	total := 0
	for rows.Next() {
		var table, parent string
		var rowID sql.NullInt64
		var fkID int
		if err := rows.Scan(&table, &rowID, &parent, &fkID); err != nil {
			return nil, err
		}
		total++
		if len(violations) < maxReportedViolations {
			violations = append(violations, fmt.Sprintf("%s rowid %d references missing row in %s", table, rowID.Int64, parent))
		}
	}
	if total > len(violations) {
		violations = append(violations, fmt.Sprintf("and %d more violations", total-len(violations)))
	}
	return violations, rows.Err()
}

// ReadBatch reads up to limit rows after from, in rowid order when the table
// has one and in primary key order otherwise.
func (a *SQLiteAdapter) ReadBatch(ctx context.Context, table TableDescriptor, from Position, limit int) (RowBatch, error) {
	batch := RowBatch{Table: table.Name, Next: from}

	cols := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		cols[i] = quoteSQLite(col.Name)
		// The driver turns date-typed columns into time.Time and yields the
		// zero time for text it cannot parse; an expression has no declared
		// type, so the stored value comes through untouched.
		if col.Tag == TagDateTime {
			cols[i] = "+" + cols[i]
		}
	}
	colList := strings.Join(cols, ", ")

	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case table.HasRowID && from.Offset == 0:
		// rowids may be zero or negative, so the first batch has no lower bound
		query := fmt.Sprintf("SELECT %[1]s, %[2]s FROM %[3]s ORDER BY %[1]s LIMIT ?",
			table.RowIDAlias, colList, quoteSQLite(table.Name))
		rows, err = a.db.QueryContext(ctx, query, limit)
	case table.HasRowID:
		query := fmt.Sprintf("SELECT %[1]s, %[2]s FROM %[3]s WHERE %[1]s > ? ORDER BY %[1]s LIMIT ?",
			table.RowIDAlias, colList, quoteSQLite(table.Name))
		rows, err = a.db.QueryContext(ctx, query, from.LastRowID, limit)
	default:
		query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s LIMIT ? OFFSET ?",
			colList, quoteSQLite(table.Name), getOrderByClause(table))
		rows, err = a.db.QueryContext(ctx, query, limit, from.Offset)
	}
	if err != nil {
		return batch, err
	}
	defer rows.Close()

	colCount := len(table.Columns)
	scanCount := colCount
	if table.HasRowID {
		scanCount++
	}
	scanArgs := make([]any, scanCount)
	for i := range scanArgs {
		scanArgs[i] = new(any)
	}

	offset := from.Offset
	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			return batch, err
		}

		values := scanArgs
		row := SourceRow{Offset: offset}
		if table.HasRowID {
			rowID, err := toInt64(*(scanArgs[0].(*any)))
			if err != nil {
				return batch, fmt.Errorf("read rowid: %w", err)
			}
			row.ID = strconv.FormatInt(rowID, 10)
			batch.Next.LastRowID = rowID
			values = scanArgs[1:]
		}

		// Copy out of the reused scan targets.
		row.Values = make([]any, colCount)
		for i, ptr := range values {
			row.Values[i] = cloneValue(*(ptr.(*any)))
		}
		if !table.HasRowID {
			row.ID = offsetRowID(table, row.Values, offset)
		}

		offset++
		row.Next = Position{Offset: offset, LastRowID: batch.Next.LastRowID}
		batch.Rows = append(batch.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return batch, err
	}

	batch.Next.Offset = offset
	return batch, nil
}

// GetDatabaseInfo reports the size of the source file as SQLite sees it.
func (a *SQLiteAdapter) GetDatabaseInfo(ctx context.Context) (DatabaseInfo, error) {
	info := DatabaseInfo{Host: "local", DatabaseName: a.path}

	tables, err := a.GetTableList(ctx)
	if err != nil {
		return info, err
	}
	info.TableCount = len(tables)

	var size int64
	err = a.db.QueryRowContext(ctx, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&size)
	if err == nil {
		info.TotalSize = size
	}

	return info, nil
}

func hasColumn(table TableDescriptor, name string) bool {
	for _, col := range table.Columns {
		if strings.EqualFold(col.Name, name) {
			return true
		}
	}
	return false
}

// rowIDAlias returns the first rowid alias not shadowed by a declared column.
func rowIDAlias(table TableDescriptor) string {
	for _, alias := range []string{"rowid", "_rowid_", "oid"} {
		if !hasColumn(table, alias) {
			return alias
		}
	}
	return ""
}

// offsetRowID identifies a row of a WITHOUT ROWID table by its primary key,
// falling back to its position.
func offsetRowID(table TableDescriptor, values []any, offset int64) string {
	if len(table.PrimaryKey) == 0 {
		return "#" + strconv.FormatInt(offset, 10)
	}
	parts := make([]string, 0, len(table.PrimaryKey))
	for _, pk := range table.PrimaryKey {
		for i, col := range table.Columns {
			if col.Name == pk {
				parts = append(parts, pk+"="+formatValue(values[i]))
			}
		}
	}
	return strings.Join(parts, ",")
}

func cloneValue(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case nil:
		return 0, errors.New("unexpected NULL")
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
