package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

const batchSize = 1000 // rows per insert transaction

type ColumnType int

const (
	TypeID ColumnType = iota // TEXT primary key holding a uuid-like string
	TypeInteger
	TypeReal
	TypeText
	TypeBlob
	TypeDateTime
	TypeEpoch
	TypeBoolean
	TypeJSON
	TypeReference
)

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	Refs     string // referenced table for TypeReference
}

type Table struct {
	Name         string
	Columns      []Column
	AutoID       bool // INTEGER PRIMARY KEY AUTOINCREMENT id
	WithoutRowID bool
}

// schema resembles a chat application's database: parents before children,
// one WITHOUT ROWID table and a migration bookkeeping table.
var schema = []Table{
	{Name: "user", Columns: []Column{
		{Name: "id", Type: TypeID},
		{Name: "name", Type: TypeText},
		{Name: "email", Type: TypeText},
		{Name: "role", Type: TypeText},
		{Name: "settings", Type: TypeJSON, Nullable: true},
		{Name: "active", Type: TypeBoolean},
		{Name: "created_at", Type: TypeDateTime},
	}},
	{Name: "chat", Columns: []Column{
		{Name: "id", Type: TypeID},
		{Name: "user_id", Type: TypeReference, Refs: "user"},
		{Name: "title", Type: TypeText},
		{Name: "chat", Type: TypeJSON},
		{Name: "archived", Type: TypeBoolean},
		{Name: "created_at", Type: TypeEpoch},
	}},
	{Name: "message", AutoID: true, Columns: []Column{
		{Name: "chat_id", Type: TypeReference, Refs: "chat"},
		{Name: "content", Type: TypeText},
		{Name: "score", Type: TypeReal, Nullable: true},
		{Name: "attachment", Type: TypeBlob, Nullable: true},
		{Name: "created_at", Type: TypeDateTime},
	}},
	{Name: "tag", WithoutRowID: true, Columns: []Column{
		{Name: "name", Type: TypeText},
		{Name: "user_id", Type: TypeText},
		{Name: "meta", Type: TypeJSON, Nullable: true},
	}},
	{Name: "migratehistory", AutoID: true, Columns: []Column{
		{Name: "name", Type: TypeText},
		{Name: "migrated_at", Type: TypeDateTime},
	}},
}

type options struct {
	path      string
	size      string
	seed      int64
	dirtyRate float64
	ddlPath   string
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "populator",
		Short: "Generate an SQLite database to rehearse a migration against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := humanize.ParseBytes(opts.size)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", opts.size, err)
			}
			if opts.seed == 0 {
				opts.seed = time.Now().UnixNano()
			}
			if opts.ddlPath != "" {
				if err := os.WriteFile(opts.ddlPath, []byte(targetDDL(schema)), 0o644); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote PostgreSQL schema to %s\n", opts.ddlPath)
			}
			return populate(cmd.Context(), opts.path, int64(target), opts.seed, opts.dirtyRate, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.path, "path", "test_data.db", "Database file to create (replaced if it exists)")
	cmd.Flags().StringVar(&opts.size, "size", "64MiB", "Approximate size to grow the database to")
	cmd.Flags().Int64Var(&opts.seed, "seed", 0, "Random seed (default: current time)")
	cmd.Flags().Float64Var(&opts.dirtyRate, "dirty-rate", 0.01, "Fraction of rows carrying values the target will reject or repair")
	cmd.Flags().StringVar(&opts.ddlPath, "ddl", "", "Also write matching PostgreSQL CREATE TABLE statements to this file")
	return cmd
}

func populate(ctx context.Context, path string, targetSize int64, seed int64, dirtyRate float64, out io.Writer) error {
	// Remove existing database if it exists
	os.Remove(path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, pragma := range []string{
		"PRAGMA synchronous = OFF",
		"PRAGMA journal_mode = MEMORY",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "Creating %d tables...\n", len(schema))
	for _, table := range schema {
		if _, err := db.ExecContext(ctx, createTableSQL(table)); err != nil {
			return fmt.Errorf("create table %s: %w", table.Name, err)
		}
	}

	g := newGenerator(seed, dirtyRate)
	if err := g.insertMigrations(ctx, db); err != nil {
		return err
	}

	fmt.Fprintf(out, "Generating data until database reaches approximately %s...\n", humanize.IBytes(uint64(targetSize)))
	rowCount := 0
	startTime := time.Now()
	lastReportTime := startTime

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := g.insertRound(ctx, db)
		if err != nil {
			return err
		}
		rowCount += n

		dbSize, err := databaseSize(ctx, db)
		if err != nil {
			return err
		}
		if time.Since(lastReportTime) > 5*time.Second {
			speed := float64(rowCount) / time.Since(startTime).Seconds()
			fmt.Fprintf(out, "Inserted %d rows. Database size: %s (%.2f%% of target). Speed: %.0f rows/sec\n",
				rowCount, humanize.IBytes(uint64(dbSize)), float64(dbSize)/float64(targetSize)*100, speed)
			lastReportTime = time.Now()
		}
		if dbSize >= targetSize {
			break
		}
	}

	dbSize, _ := databaseSize(ctx, db)
	fmt.Fprintf(out, "Final database size: %s with %d rows across %d tables (%d dirty)\n",
		humanize.IBytes(uint64(dbSize)), rowCount, len(schema), g.dirty)
	fmt.Fprintf(out, "Elapsed time: %s\n", time.Since(startTime))
	return nil
}

// createTableSQL returns the SQLite CREATE TABLE statement for table.
func createTableSQL(table Table) string {
	var defs []string
	if table.AutoID {
		defs = append(defs, "    id INTEGER PRIMARY KEY AUTOINCREMENT")
	}
	for i, col := range table.Columns {
		def := fmt.Sprintf("    %s %s", quote(col.Name), sqliteType(col.Type))
		if i == 0 && !table.AutoID {
			def += " PRIMARY KEY"
		} else if col.Type == TypeReference {
			def += fmt.Sprintf(" REFERENCES %s(id)", quote(col.Refs))
		}
		defs = append(defs, def)
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (\n%s\n)", quote(table.Name), strings.Join(defs, ",\n"))
	if table.WithoutRowID {
		stmt += " WITHOUT ROWID"
	}
	return stmt
}

func sqliteType(t ColumnType) string {
	switch t {
	case TypeInteger, TypeEpoch:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	case TypeBlob:
		return "BLOB"
	case TypeDateTime:
		return "DATETIME"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeJSON:
		return "JSON"
	default:
		return "TEXT"
	}
}

func postgresType(t ColumnType) string {
	switch t {
	case TypeInteger, TypeEpoch:
		return "bigint"
	case TypeReal:
		return "double precision"
	case TypeBlob:
		return "bytea"
	case TypeDateTime:
		return "timestamp"
	case TypeBoolean:
		return "boolean"
	case TypeJSON:
		return "jsonb"
	default:
		return "text"
	}
}

// targetDDL returns the PostgreSQL tables an application would have
// bootstrapped for schema. Non-nullable source columns stay NOT NULL so dirty
// rows are rejected by the target.
func targetDDL(tables []Table) string {
	var b strings.Builder
	for _, table := range tables {
		var defs []string
		if table.AutoID {
			defs = append(defs, "    id bigint PRIMARY KEY")
		}
		for i, col := range table.Columns {
			def := fmt.Sprintf("    %s %s", quote(col.Name), postgresType(col.Type))
			switch {
			case i == 0 && !table.AutoID:
				def += " PRIMARY KEY"
			case col.Type == TypeReference:
				def += fmt.Sprintf(" REFERENCES %s(id)", quote(col.Refs))
			case !col.Nullable:
				def += " NOT NULL"
			}
			defs = append(defs, def)
		}
		fmt.Fprintf(&b, "CREATE TABLE %s (\n%s\n);\n\n", quote(table.Name), strings.Join(defs, ",\n"))
	}
	return b.String()
}

// Generate insert statement for a specific table
func insertStatement(table Table) string {
	names := make([]string, len(table.Columns))
	placeholders := make([]string, len(table.Columns))
	for i, col := range table.Columns {
		names[i] = quote(col.Name)
		placeholders[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quote(table.Name), strings.Join(names, ", "), strings.Join(placeholders, ", "))
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func databaseSize(ctx context.Context, db *sql.DB) (int64, error) {
	var size int64
	err := db.QueryRowContext(ctx, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()").Scan(&size)
	return size, err
}
