package migrator

import (
	"context"
	"errors"
)

// InspectSource describes every user table of src that is not excluded, in
// load order: a table comes after the tables its foreign keys reference.
func InspectSource(ctx context.Context, src Source, exclude []string) ([]TableDescriptor, error) {
	names, err := src.GetTableList(ctx)
	if err != nil {
		return nil, &SchemaReadError{Err: err}
	}

	var tables []TableDescriptor
	for _, name := range names {
		if contains(exclude, name) {
			continue
		}
		table, err := src.GetTableSchema(ctx, name)
		if err != nil {
			return nil, &SchemaReadError{Table: name, Err: err}
		}
		tables = append(tables, table)
	}

	var ordered []TableDescriptor
	for _, level := range loadLevels(tables) {
		ordered = append(ordered, level...)
	}
	return ordered, nil
}

// InspectTarget reports whether name exists on tgt and describes it.
func InspectTarget(ctx context.Context, tgt Target, name string) (TargetTable, bool, error) {
	table, exists, err := tgt.GetTableSchema(ctx, name)
	if err != nil {
		var schemaErr *TargetSchemaError
		if !errors.As(err, &schemaErr) {
			err = &TargetSchemaError{Table: name, Err: err}
		}
		return table, false, err
	}
	return table, exists, nil
}

// loadLevels groups tables so that every table sits in a later level than the
// tables it references. Tables within a level are independent of each other.
// Reference cycles are broken by placing the remaining tables in one level.
func loadLevels(tables []TableDescriptor) [][]TableDescriptor {
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t.Name] = true
	}

	placed := make(map[string]bool, len(tables))
	remaining := tables
	var levels [][]TableDescriptor
	for len(remaining) > 0 {
		var level, next []TableDescriptor
		for _, t := range remaining {
			ready := true
			for _, parent := range t.Parents {
				if known[parent] && !placed[parent] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, t)
			} else {
				next = append(next, t)
			}
		}
		if len(level) == 0 {
			// cycle
			level, next = next, nil
		}
		for _, t := range level {
			placed[t.Name] = true
		}
		levels = append(levels, level)
		remaining = next
	}
	return levels
}
