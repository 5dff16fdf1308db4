package migrator

import (
	"context"
)

// Source defines the read-only operations the engine needs from the source store.
type Source interface {
	Path() string
	GetTableList(ctx context.Context) ([]string, error)
	GetTableSchema(ctx context.Context, tableName string) (TableDescriptor, error)
	CheckIntegrity(ctx context.Context) error
	ReadBatch(ctx context.Context, table TableDescriptor, from Position, limit int) (RowBatch, error)
	GetDatabaseInfo(ctx context.Context) (DatabaseInfo, error)
	Close() error
}

// WriteOptions tune a single target write.
type WriteOptions struct {
	// SkipConflicts turns the insert into INSERT ... ON CONFLICT DO NOTHING.
	// Used for the replay window right after a resume.
	SkipConflicts bool
}

// Target defines the operations the engine needs from the target store.
type Target interface {
	Address() string
	Ping(ctx context.Context) error
	GetTableSchema(ctx context.Context, tableName string) (TargetTable, bool, error)
	Truncate(ctx context.Context, table TargetTable) error
	CountRows(ctx context.Context, table TargetTable) (int64, error)
	// WriteBatch inserts rows inside one transaction: either every row commits
	// or none does.
	WriteBatch(ctx context.Context, table TargetTable, columns []string, rows [][]any, opts WriteOptions) error
	Close() error
}
