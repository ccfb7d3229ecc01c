package sqlstore

import "fmt"

const mysqlSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	saga_name VARCHAR(128) NOT NULL,
	id VARCHAR(64) NOT NULL,
	correlation_id VARCHAR(128) NOT NULL,
	version BIGINT NOT NULL,
	completed BOOLEAN NOT NULL DEFAULT FALSE,
	state LONGBLOB NOT NULL,
	created_at TIMESTAMP(6) NOT NULL,
	updated_at TIMESTAMP(6) NOT NULL,
	PRIMARY KEY (saga_name, id),
	UNIQUE KEY uq_correlation (saga_name, correlation_id),
	INDEX idx_active (saga_name, completed)
);`

const postgresSchemaTemplate = `CREATE TABLE IF NOT EXISTS %s (
	saga_name VARCHAR(128) NOT NULL,
	id VARCHAR(64) NOT NULL,
	correlation_id VARCHAR(128) NOT NULL,
	version BIGINT NOT NULL,
	completed BOOLEAN NOT NULL DEFAULT FALSE,
	state BYTEA NOT NULL,
	created_at TIMESTAMP(6) NOT NULL,
	updated_at TIMESTAMP(6) NOT NULL,
	PRIMARY KEY (saga_name, id),
	CONSTRAINT uq_correlation UNIQUE (saga_name, correlation_id)
);
CREATE INDEX IF NOT EXISTS idx_%s_active ON %s (saga_name, correlation_id) WHERE NOT completed;`

// Schema returns the DDL for the saga state table: uniqueness constraints on
// both (saga_name, id) and (saga_name, correlation_id), and, on postgres, a
// partial index over incomplete instances for active-saga scans.
func Schema(table string, dialect Dialect) (string, error) {
	table, err := sanitizeTableName(table)
	if err != nil {
		return "", err
	}
	switch dialect {
	case DialectMySQL:
		return fmt.Sprintf(mysqlSchemaTemplate, table), nil
	case DialectPostgres:
		return fmt.Sprintf(postgresSchemaTemplate, table, table, table), nil
	default:
		return "", ErrUnknownDialect
	}
}
