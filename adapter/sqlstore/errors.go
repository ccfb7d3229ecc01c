package sqlstore

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("xsaga sqlstore: db is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("xsaga sqlstore: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("xsaga sqlstore: invalid table name")
	// ErrUnknownDialect is returned for an unsupported SQL dialect.
	ErrUnknownDialect = errors.New("xsaga sqlstore: unknown dialect")
)
