package sqlstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewQueries_Postgres(t *testing.T) {
	q := newQueries("saga_state", DialectPostgres)

	assert.Equal(t,
		"INSERT INTO saga_state (saga_name, id, correlation_id, version, completed, state, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		q.insert)
	assert.Equal(t,
		"UPDATE saga_state SET version = $1, completed = $2, state = $3, updated_at = $4 "+
			"WHERE saga_name = $5 AND id = $6 AND version = $7",
		q.update)
	assert.Contains(t, q.selectByID, "WHERE saga_name = $1 AND id = $2")
	assert.Contains(t, q.selectByCorr, "WHERE saga_name = $1 AND correlation_id = $2")
	assert.Contains(t, q.selectVersion, "SELECT version FROM saga_state")
	assert.Contains(t, q.delete, "DELETE FROM saga_state")
	assert.Contains(t, q.existsByID, "SELECT COUNT(*)")
	assert.Contains(t, q.existsByCorr, "correlation_id = $2")
}

func TestNewQueries_MySQL(t *testing.T) {
	q := newQueries("saga_state", DialectMySQL)

	assert.NotContains(t, q.insert, "$")
	assert.Equal(t, 8, strings.Count(q.insert, "?"))
	assert.Equal(t, 7, strings.Count(q.update, "?"))
	assert.Contains(t, q.update, "AND version = ?")
}

func TestNewQueries_TableName(t *testing.T) {
	q := newQueries("orders_saga", DialectPostgres)
	assert.Contains(t, q.insert, "INSERT INTO orders_saga ")
	assert.Contains(t, q.update, "UPDATE orders_saga ")
}
