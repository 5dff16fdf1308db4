package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgreSQLAdapter implements Target for a PostgreSQL database.
type PostgreSQLAdapter struct {
	db      *sql.DB
	schema  string
	address string
	logger  *zap.Logger
}

// OpenPostgresTarget prepares a connection pool for cfg. It does not connect;
// call Ping to check reachability and credentials.
func OpenPostgresTarget(cfg TargetConfig, maxConns int, logger *zap.Logger) (*PostgreSQLAdapter, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, &TargetConnectError{Address: cfg.Address(), Err: err}
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	return NewPostgresTarget(db, cfg.Schema, cfg.Address(), logger), nil
}

// NewPostgresTarget wraps an existing pool.
func NewPostgresTarget(db *sql.DB, schema, address string, logger *zap.Logger) *PostgreSQLAdapter {
	if schema == "" {
		schema = DefaultTargetSchema
	}
	return &PostgreSQLAdapter{
		db:      db,
		schema:  schema,
		address: address,
		logger:  logger.With(zap.String("component", "postgres_target")),
	}
}

func (a *PostgreSQLAdapter) Address() string { return a.address }

func (a *PostgreSQLAdapter) Close() error { return a.db.Close() }

func (a *PostgreSQLAdapter) Ping(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return &TargetConnectError{Address: a.address, Err: err}
	}
	return nil
}

// GetTableSchema resolves tableName on the target, first by exact name and then
// by its folded form, and describes its columns and primary key.
func (a *PostgreSQLAdapter) GetTableSchema(ctx context.Context, tableName string) (TargetTable, bool, error) {
	table := TargetTable{Schema: a.schema}

	rows, err := a.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE' AND table_name = ANY($2)
	`, a.schema, pq.Array([]string{tableName, foldIdentifier(tableName)}))
	if err != nil {
		return table, false, &TargetSchemaError{Table: tableName, Err: err}
	}
	var found []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return table, false, &TargetSchemaError{Table: tableName, Err: err}
		}
		found = append(found, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return table, false, &TargetSchemaError{Table: tableName, Err: err}
	}

	switch {
	case contains(found, tableName):
		table.Name = tableName
	case contains(found, foldIdentifier(tableName)):
		table.Name = foldIdentifier(tableName)
	default:
		return table, false, nil
	}

	// Get columns
	columns, err := a.db.QueryContext(ctx, `
		SELECT
			column_name,
			data_type,
			udt_name,
			is_nullable,
			column_default
		FROM
			information_schema.columns
		WHERE
			table_schema = $1 AND
			table_name = $2
		ORDER BY
			ordinal_position
	`, a.schema, table.Name)
	if err != nil {
		return table, true, &TargetSchemaError{Table: tableName, Err: err}
	}
	defer columns.Close()

	for columns.Next() {
		var col TargetColumn
		var nullable string

		if err := columns.Scan(&col.Name, &col.DataType, &col.UDTName, &nullable, &col.Default); err != nil {
			return table, true, &TargetSchemaError{Table: tableName, Err: err}
		}
		col.Nullable = nullable == "YES"
		col.Kind = targetKind(col.DataType, col.UDTName)

		table.Columns = append(table.Columns, col)
	}
	if err := columns.Err(); err != nil {
		return table, true, &TargetSchemaError{Table: tableName, Err: err}
	}

	// Get primary keys
	primaryKeys, err := a.db.QueryContext(ctx, `
		SELECT a.attname
		FROM   pg_index i
		JOIN   pg_attribute a ON a.attrelid = i.indrelid
								AND a.attnum = ANY(i.indkey)
		WHERE  i.indrelid = $1::regclass
		AND    i.indisprimary
		ORDER BY array_position(i.indkey::int2[], a.attnum)
	`, quoteTarget(a.schema, table.Name))
	if err != nil {
		return table, true, &TargetSchemaError{Table: tableName, Err: err}
	}
	defer primaryKeys.Close()

	for primaryKeys.Next() {
		var pkColumn string
		if err := primaryKeys.Scan(&pkColumn); err != nil {
			return table, true, &TargetSchemaError{Table: tableName, Err: err}
		}
		table.PrimaryKey = append(table.PrimaryKey, pkColumn)
	}
	if err := primaryKeys.Err(); err != nil {
		return table, true, &TargetSchemaError{Table: tableName, Err: err}
	}

	return table, true, nil
}

// Truncate empties table and everything that references it.
func (a *PostgreSQLAdapter) Truncate(ctx context.Context, table TargetTable) error {
	_, err := a.db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", quoteTarget(table.Schema, table.Name)))
	if err != nil {
		return fmt.Errorf("truncate %s: %w", table.Name, err)
	}
	a.logger.Info("truncated target table", zap.String("table", table.Name))
	return nil
}

// WriteBatch writes rows in a single transaction. Plain batches go through
// COPY; conflict-tolerant batches use INSERT ... ON CONFLICT DO NOTHING, which
// COPY cannot express.
func (a *PostgreSQLAdapter) WriteBatch(ctx context.Context, table TargetTable, columns []string, rows [][]any, opts WriteOptions) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if opts.SkipConflicts || len(rows) == 1 {
		err = a.insertRows(ctx, tx, table, columns, rows, opts.SkipConflicts)
	} else {
		err = a.copyRows(ctx, tx, table, columns, rows)
	}
	if err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (a *PostgreSQLAdapter) copyRows(ctx context.Context, tx *sql.Tx, table TargetTable, columns []string, rows [][]any) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyInSchema(table.Schema, table.Name, columns...))
	if err != nil {
		return fmt.Errorf("prepare copy: %w", err)
	}

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			stmt.Close()
			return fmt.Errorf("copy row: %w", err)
		}
	}

	// Flush the COPY buffer
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close copy: %w", err)
	}
	return nil
}

func (a *PostgreSQLAdapter) insertRows(ctx context.Context, tx *sql.Tx, table TargetTable, columns []string, rows [][]any, skipConflicts bool) error {
	stmt, err := tx.PrepareContext(ctx, insertStatement(table, columns, skipConflicts))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert row: %w", err)
		}
	}
	return nil
}

// CountRows returns the number of rows currently in table.
func (a *PostgreSQLAdapter) CountRows(ctx context.Context, table TargetTable) (int64, error) {
	var count int64
	row := a.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteTarget(table.Schema, table.Name)))
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func insertStatement(table TargetTable, columns []string, skipConflicts bool) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = pq.QuoteIdentifier(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteTarget(table.Schema, table.Name), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if skipConflicts {
		query += " ON CONFLICT DO NOTHING"
	}
	return query
}

// targetKind classifies an information_schema column type.
func targetKind(dataType, udtName string) TargetKind {
	switch dataType {
	case "smallint", "integer", "bigint":
		return KindInteger
	case "boolean":
		return KindBoolean
	case "real", "double precision":
		return KindFloat
	case "numeric":
		return KindNumeric
	case "text", "character varying", "character", "uuid", "name":
		return KindText
	case "json", "jsonb":
		return KindJSON
	case "bytea":
		return KindBytes
	case "timestamp without time zone", "timestamp with time zone":
		return KindTimestamp
	case "date":
		return KindDate
	case "USER-DEFINED":
		if udtName == "citext" {
			return KindText
		}
	}
	return KindOther
}
