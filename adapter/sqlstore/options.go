package sqlstore

import "regexp"

// Dialect selects the SQL flavor used for placeholders and DDL.
type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

const defaultTable = "saga_state"

// Config defines the sqlstore behavior.
type Config struct {
	Table   string
	Dialect Dialect
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.Dialect == "" {
		c.Dialect = DialectPostgres
	}
	return c
}

// Option configures the store.
type Option func(*Config)

// WithTable overrides the table name (default "saga_state").
func WithTable(table string) Option {
	return func(c *Config) { c.Table = table }
}

// WithDialect selects the SQL dialect (default postgres).
func WithDialect(d Dialect) Option {
	return func(c *Config) { c.Dialect = d }
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func sanitizeTableName(name string) (string, error) {
	if name == "" {
		return "", ErrTableNameRequired
	}
	if !tableNameRe.MatchString(name) {
		return "", ErrInvalidTableName
	}
	return name, nil
}
