package sqlstore

import (
	"fmt"
	"strings"
)

type queries struct {
	insert        string
	selectByID    string
	selectByCorr  string
	update        string
	selectVersion string
	delete        string
	existsByID    string
	existsByCorr  string
}

const stateColumns = "saga_name, id, correlation_id, version, completed, state, created_at, updated_at"

func newQueries(table string, dialect Dialect) queries {
	ph := placeholders(dialect)

	return queries{
		insert: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s)",
			table, stateColumns, ph(8),
		),
		selectByID: fmt.Sprintf(
			"SELECT %s FROM %s WHERE saga_name = %s AND id = %s",
			stateColumns, table, nth(dialect, 1), nth(dialect, 2),
		),
		selectByCorr: fmt.Sprintf(
			"SELECT %s FROM %s WHERE saga_name = %s AND correlation_id = %s",
			stateColumns, table, nth(dialect, 1), nth(dialect, 2),
		),
		update: fmt.Sprintf(
			"UPDATE %s SET version = %s, completed = %s, state = %s, updated_at = %s "+
				"WHERE saga_name = %s AND id = %s AND version = %s",
			table, nth(dialect, 1), nth(dialect, 2), nth(dialect, 3), nth(dialect, 4),
			nth(dialect, 5), nth(dialect, 6), nth(dialect, 7),
		),
		selectVersion: fmt.Sprintf(
			"SELECT version FROM %s WHERE saga_name = %s AND id = %s",
			table, nth(dialect, 1), nth(dialect, 2),
		),
		delete: fmt.Sprintf(
			"DELETE FROM %s WHERE saga_name = %s AND id = %s",
			table, nth(dialect, 1), nth(dialect, 2),
		),
		existsByID: fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE saga_name = %s AND id = %s",
			table, nth(dialect, 1), nth(dialect, 2),
		),
		existsByCorr: fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE saga_name = %s AND correlation_id = %s",
			table, nth(dialect, 1), nth(dialect, 2),
		),
	}
}

// placeholders returns a comma list of n placeholders for the dialect.
func placeholders(dialect Dialect) func(n int) string {
	return func(n int) string {
		out := make([]string, n)
		for i := 0; i < n; i++ {
			out[i] = nth(dialect, i+1)
		}
		return strings.Join(out, ", ")
	}
}

// nth returns the i-th (1-based) placeholder for the dialect.
func nth(dialect Dialect, i int) string {
	if dialect == DialectPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}
