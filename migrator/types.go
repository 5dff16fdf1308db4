package migrator

import (
	"database/sql"
	"time"
)

// TypeTag is the closed set of source column kinds. A tag is resolved once per
// column when the schema is inspected and never re-inferred per value.
type TypeTag string

const (
	TagInteger  TypeTag = "integer"
	TagBoolean  TypeTag = "boolean"
	TagReal     TypeTag = "real"
	TagNumeric  TypeTag = "numeric"
	TagText     TypeTag = "text"
	TagBlob     TypeTag = "blob"
	TagDateTime TypeTag = "datetime"
)

// TargetKind classifies a PostgreSQL column type for conversion purposes.
type TargetKind string

const (
	KindInteger   TargetKind = "integer"
	KindBoolean   TargetKind = "boolean"
	KindFloat     TargetKind = "float"
	KindNumeric   TargetKind = "numeric"
	KindText      TargetKind = "text"
	KindJSON      TargetKind = "json"
	KindBytes     TargetKind = "bytea"
	KindTimestamp TargetKind = "timestamp"
	KindDate      TargetKind = "date"
	KindOther     TargetKind = "other"
)

type TableDescriptor struct {
	Name              string
	Columns           []ColumnDescriptor
	PrimaryKey        []string
	HasRowID          bool
	RowIDAlias        string // rowid, _rowid_ or oid, whichever no column shadows
	EstimatedRowCount int64
	Parents           []string // tables referenced by foreign keys
}

type ColumnDescriptor struct {
	Name         string
	DeclaredType string
	Tag          TypeTag
	Nullable     bool
	Default      sql.NullString
	PrimaryKey   int // 1-based position in the primary key, 0 if not part of it
}

// ColumnNames returns the column names in declaration order.
func (t TableDescriptor) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

type TargetTable struct {
	Schema     string
	Name       string
	Columns    []TargetColumn
	PrimaryKey []string
}

type TargetColumn struct {
	Name     string
	DataType string // information_schema data_type, e.g. "integer", "jsonb"
	UDTName  string
	Kind     TargetKind
	Nullable bool
	Default  sql.NullString
}

// Column looks a column up by exact name, then by its lower-cased form.
func (t TargetTable) Column(name string) (TargetColumn, bool) {
	for _, col := range t.Columns {
		if col.Name == name {
			return col, true
		}
	}
	folded := foldIdentifier(name)
	for _, col := range t.Columns {
		if col.Name == folded {
			return col, true
		}
	}
	return TargetColumn{}, false
}

// ColumnPlan pairs a source column with the target column it is written to.
type ColumnPlan struct {
	Source ColumnDescriptor
	Target TargetColumn
}

// TablePlan is the resolved source/target pairing for one table.
type TablePlan struct {
	Source  TableDescriptor
	Target  TargetTable
	Columns []ColumnPlan
}

// TargetColumnNames returns the target column names in source column order.
func (p TablePlan) TargetColumnNames() []string {
	names := make([]string, len(p.Columns))
	for i, col := range p.Columns {
		names[i] = col.Target.Name
	}
	return names
}

// Position is a resumable cursor into a source table. A zero Offset means
// nothing was consumed yet and LastRowID is not a bound.
type Position struct {
	Offset    int64 // rows consumed so far
	LastRowID int64 // last rowid consumed, keyset tables only
}

type SourceRow struct {
	ID     string
	Offset int64
	Next   Position // cursor just past this row
	Values []any
}

type RowBatch struct {
	Table string
	Rows  []SourceRow
	Next  Position
}

type TableStatus string

const (
	StatusPending    TableStatus = "pending"
	StatusInProgress TableStatus = "in_progress"
	StatusCompleted  TableStatus = "completed"
	StatusFailed     TableStatus = "failed"
)

type Checkpoint struct {
	Table         string
	Position      Position
	Status        TableStatus
	RowsCommitted int64
	RowsFailed    int64
	UpdatedAt     time.Time
}

type FailedRow struct {
	Table   string            `json:"table"`
	RowID   string            `json:"row_id"`
	Payload map[string]string `json:"payload"`
	Error   string            `json:"error"`
}

type EventKind string

const (
	EventTableStarted  EventKind = "table_started"
	EventProgress      EventKind = "progress"
	EventRowFailed     EventKind = "row_failed"
	EventWarning       EventKind = "warning"
	EventTableFinished EventKind = "table_finished"
)

// ProgressEvent is emitted by the engine while a run is in flight. Counts are
// cumulative for the table, including rows handled by earlier interrupted runs.
type ProgressEvent struct {
	Kind          EventKind
	Table         string
	RowsDone      int64
	RowsTotal     int64
	RowsCommitted int64
	FailedSoFar   int64
	Status        TableStatus
	Message       string
	FailedRow     *FailedRow
	Time          time.Time
}

// Observer receives engine events. Implementations must be safe for
// concurrent use when the engine runs more than one worker.
type Observer interface {
	Observe(ProgressEvent)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ProgressEvent)

func (f ObserverFunc) Observe(ev ProgressEvent) { f(ev) }

type DatabaseInfo struct {
	Host         string
	DatabaseName string
	TableCount   int
	TotalSize    int64 // in bytes
}
