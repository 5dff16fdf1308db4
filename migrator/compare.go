package migrator

import (
	"fmt"
)

// compareTableSchema pairs every source column with its target column. It
// returns the source columns the target lacks and human-readable differences
// that do not block the transfer but may cost rows.
func compareTableSchema(source TableDescriptor, target TargetTable) (TablePlan, []string, []string) {
	plan := TablePlan{Source: source, Target: target}
	missing := []string{}
	differences := []string{}

	mapped := make(map[string]bool)
	for _, sourceCol := range source.Columns {
		targetCol, exists := target.Column(sourceCol.Name)
		if !exists {
			missing = append(missing, sourceCol.Name)
			continue
		}
		mapped[targetCol.Name] = true
		plan.Columns = append(plan.Columns, ColumnPlan{Source: sourceCol, Target: targetCol})

		// Compare column properties
		if !Compatible(sourceCol.Tag, targetCol.Kind) {
			differences = append(differences, fmt.Sprintf("Column '%s.%s' has no conversion path: source='%s' (%s), target='%s'",
				source.Name, sourceCol.Name, sourceCol.DeclaredType, sourceCol.Tag, targetCol.DataType))
		}
		if sourceCol.Nullable && !targetCol.Nullable {
			differences = append(differences, fmt.Sprintf("Column '%s.%s' is nullable in source but NOT NULL in target; NULL values will fail their rows",
				source.Name, sourceCol.Name))
		}
	}

	// Check for columns in target but not in source
	for _, targetCol := range target.Columns {
		if mapped[targetCol.Name] {
			continue
		}
		if !targetCol.Nullable && !targetCol.Default.Valid {
			differences = append(differences, fmt.Sprintf("Column '%s.%s' exists only in target and is NOT NULL without a default; every row will fail",
				target.Name, targetCol.Name))
		}
	}

	// Compare primary keys
	if len(target.PrimaryKey) == 0 {
		differences = append(differences, fmt.Sprintf("Table '%s' has no primary key in target; rows replayed after an interrupted run cannot be deduplicated",
			target.Name))
	} else if !compareStringSlices(foldAll(source.PrimaryKey), foldAll(target.PrimaryKey)) && len(source.PrimaryKey) > 0 {
		differences = append(differences, fmt.Sprintf("Table '%s' has different primary keys: source=%v, target=%v",
			source.Name, source.PrimaryKey, target.PrimaryKey))
	}

	return plan, missing, differences
}

func compareStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func foldAll(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = foldIdentifier(name)
	}
	return out
}
