package migrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidConfig is wrapped by every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid migration config")

	// ErrInterrupted is returned when the run was cancelled between batches.
	ErrInterrupted = errors.New("migration interrupted")

	// ErrNotReady is returned when verification completed but the run may not start.
	ErrNotReady = errors.New("migration preconditions not met")
)

// SourceCorruptError reports a source database that failed its consistency checks.
type SourceCorruptError struct {
	Path   string
	Check  string
	Detail []string
	Err    error
}

func (e *SourceCorruptError) Error() string {
	msg := fmt.Sprintf("source database %s failed %s", e.Path, e.Check)
	if len(e.Detail) > 0 {
		msg += ": " + strings.Join(e.Detail, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SourceCorruptError) Unwrap() error { return e.Err }

// SchemaReadError reports a failure to read source metadata.
type SchemaReadError struct {
	Table string
	Err   error
}

func (e *SchemaReadError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("read source schema for table %q: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("read source schema: %v", e.Err)
}

func (e *SchemaReadError) Unwrap() error { return e.Err }

// TargetConnectError reports that the target database could not be reached or
// rejected the supplied credentials.
type TargetConnectError struct {
	Address string
	Err     error
}

func (e *TargetConnectError) Error() string {
	return fmt.Sprintf("connect to target %s: %v", e.Address, e.Err)
}

func (e *TargetConnectError) Unwrap() error { return e.Err }

// TargetSchemaError reports a failure to read target metadata.
type TargetSchemaError struct {
	Table string
	Err   error
}

func (e *TargetSchemaError) Error() string {
	return fmt.Sprintf("read target schema for table %q: %v", e.Table, e.Err)
}

func (e *TargetSchemaError) Unwrap() error { return e.Err }

// TargetNotBootstrappedError reports tables or columns the application under
// migration has not created on the target yet.
type TargetNotBootstrappedError struct {
	MissingTables  []string
	MissingColumns map[string][]string
}

func (e *TargetNotBootstrappedError) Error() string {
	var parts []string
	if len(e.MissingTables) > 0 {
		parts = append(parts, fmt.Sprintf("missing tables: %s", strings.Join(e.MissingTables, ", ")))
	}
	for _, table := range sortedKeys(e.MissingColumns) {
		parts = append(parts, fmt.Sprintf("table %s missing columns: %s", table, strings.Join(e.MissingColumns[table], ", ")))
	}
	return "target schema is not bootstrapped (run the application against the target first): " + strings.Join(parts, "; ")
}

// ConcurrentMigrationError reports that another run holds the lock for the same
// source/target pair.
type ConcurrentMigrationError struct {
	RunKey string
	Owner  string
	Host   string
	PID    int
}

func (e *ConcurrentMigrationError) Error() string {
	return fmt.Sprintf("another migration (owner %s, pid %d on %s) is running against the same source and target (run key %s)",
		e.Owner, e.PID, e.Host, e.RunKey)
}

// NotNullViolation reports a NULL destined for a non-nullable target column.
type NotNullViolation struct {
	Column string
}

func (e *NotNullViolation) Error() string {
	return fmt.Sprintf("null value in column %q violates not-null constraint", e.Column)
}

// ConversionError reports a value that has no representation in the target column.
type ConversionError struct {
	Column string
	Tag    TypeTag
	Kind   TargetKind
	Value  string
	Err    error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("column %q: cannot convert %s value %s to %s", e.Column, e.Tag, e.Value, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

// TableFailedError reports a table that stopped on a non-recoverable error.
type TableFailedError struct {
	Table string
	Err   error
}

func (e *TableFailedError) Error() string {
	return fmt.Sprintf("table %s failed: %v", e.Table, e.Err)
}

func (e *TableFailedError) Unwrap() error { return e.Err }

// IsFatal reports whether err belongs to the pre-flight taxonomy that aborts a
// run before any writes.
func IsFatal(err error) bool {
	var (
		corrupt    *SourceCorruptError
		schema     *SchemaReadError
		connect    *TargetConnectError
		target     *TargetSchemaError
		bootstrap  *TargetNotBootstrappedError
		concurrent *ConcurrentMigrationError
	)
	return errors.As(err, &corrupt) ||
		errors.As(err, &schema) ||
		errors.As(err, &connect) ||
		errors.As(err, &target) ||
		errors.As(err, &bootstrap) ||
		errors.As(err, &concurrent) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrNotReady)
}
