package migrator

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

func contains(slice []string, item string) bool {
	for _, a := range slice {
		if a == item {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// foldIdentifier mirrors PostgreSQL's folding of unquoted identifiers.
func foldIdentifier(name string) string {
	return strings.ToLower(name)
}

func quoteSQLite(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func quoteTarget(schema, table string) string {
	if schema == "" {
		return pq.QuoteIdentifier(table)
	}
	return pq.QuoteIdentifier(schema) + "." + pq.QuoteIdentifier(table)
}

// formatValue renders a raw source value for failed-row payloads.
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return `\x` + hex.EncodeToString(val)
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func rowPayload(columns []string, values []any) map[string]string {
	payload := make(map[string]string, len(columns))
	for i, col := range columns {
		if i < len(values) {
			payload[col] = formatValue(values[i])
		}
	}
	return payload
}

// getOrderByClause orders by primary key columns, falling back to all columns.
func getOrderByClause(table TableDescriptor) string {
	cols := table.PrimaryKey
	if len(cols) == 0 {
		cols = table.ColumnNames()
	}
	orderCols := make([]string, len(cols))
	for i, col := range cols {
		orderCols[i] = quoteSQLite(col)
	}
	return strings.Join(orderCols, ", ")
}
