package sqlstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchema_Postgres(t *testing.T) {
	ddl, err := Schema("saga_state", DialectPostgres)
	require.NoError(t, err)

	assert.Contains(t, ddl, "CREATE TABLE IF NOT EXISTS saga_state")
	assert.Contains(t, ddl, "PRIMARY KEY (saga_name, id)")
	assert.Contains(t, ddl, "CONSTRAINT uq_correlation UNIQUE (saga_name, correlation_id)")
	assert.Contains(t, ddl, "WHERE NOT completed")
	assert.Contains(t, ddl, "BYTEA")
}

func TestSchema_MySQL(t *testing.T) {
	ddl, err := Schema("saga_state", DialectMySQL)
	require.NoError(t, err)

	assert.Contains(t, ddl, "PRIMARY KEY (saga_name, id)")
	assert.Contains(t, ddl, "UNIQUE KEY uq_correlation (saga_name, correlation_id)")
	assert.Contains(t, ddl, "LONGBLOB")
}

func TestSchema_Validation(t *testing.T) {
	_, err := Schema("", DialectPostgres)
	assert.ErrorIs(t, err, ErrTableNameRequired)

	_, err = Schema("bad;name", DialectPostgres)
	assert.ErrorIs(t, err, ErrInvalidTableName)

	_, err = Schema("saga_state", Dialect("oracle"))
	assert.ErrorIs(t, err, ErrUnknownDialect)
}

func TestSanitizeTableName(t *testing.T) {
	for _, name := range []string{"saga_state", "Orders", "_x", "t1"} {
		got, err := sanitizeTableName(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, got)
	}
	for _, name := range []string{"", "1table", "drop table", "a-b", `a"b`} {
		_, err := sanitizeTableName(name)
		assert.Error(t, err, name)
	}
}
