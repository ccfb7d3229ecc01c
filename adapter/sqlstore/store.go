package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/trickstertwo/xsaga"
)

// Store implements the xsaga state store over database/sql. It is
// driver-agnostic: the caller supplies a connected *sql.DB and picks the
// dialect. The table's unique constraints plus the version-conditioned
// UPDATE make the database the serialization point for conflicting writers.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries queries
}

var _ xsaga.Store = (*Store)(nil)

// NewStore constructs a SQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	if cfg.Dialect != DialectMySQL && cfg.Dialect != DialectPostgres {
		return nil, ErrUnknownDialect
	}
	cfg.Table = table

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table, cfg.Dialect),
	}, nil
}

// MustNewStore constructs a SQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}
	return store
}

// EnsureSchema creates the saga state table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl, err := Schema(s.cfg.Table, s.cfg.Dialect)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) GetByID(ctx context.Context, name, id string) (*xsaga.State, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, s.queries.selectByID, name, id))
}

func (s *Store) GetByCorrelationID(ctx context.Context, name, correlationID string) (*xsaga.State, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, s.queries.selectByCorr, name, correlationID))
}

func (s *Store) scanOne(row *sql.Row) (*xsaga.State, error) {
	var st xsaga.State
	err := row.Scan(
		&st.Name,
		&st.ID,
		&st.CorrelationID,
		&st.Version,
		&st.Completed,
		&st.Data,
		&st.CreatedAt,
		&st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, xsaga.ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

// Insert persists a new instance. A failed insert is classified as
// *xsaga.DuplicateError when either uniqueness constraint already holds a
// row; driver-specific error codes are deliberately not inspected.
func (s *Store) Insert(ctx context.Context, state *xsaga.State) error {
	_, err := s.db.ExecContext(ctx, s.queries.insert,
		state.Name,
		state.ID,
		state.CorrelationID,
		state.Version,
		state.Completed,
		state.Data,
		state.CreatedAt,
		state.UpdatedAt,
	)
	if err == nil {
		return nil
	}

	if s.exists(ctx, s.queries.existsByID, state.Name, state.ID) ||
		s.exists(ctx, s.queries.existsByCorr, state.Name, state.CorrelationID) {
		return &xsaga.DuplicateError{
			SagaName:      state.Name,
			SagaID:        state.ID,
			CorrelationID: state.CorrelationID,
		}
	}
	return err
}

// Update performs the conditional write: the WHERE clause pins the expected
// version, so zero affected rows means either a conflict or a missing row.
func (s *Store) Update(ctx context.Context, state *xsaga.State, expectedVersion int64) error {
	if state.Version != expectedVersion+1 {
		return &xsaga.ConcurrencyError{
			SagaName: state.Name,
			SagaID:   state.ID,
			Expected: expectedVersion,
			Actual:   state.Version - 1,
		}
	}

	res, err := s.db.ExecContext(ctx, s.queries.update,
		state.Version,
		state.Completed,
		state.Data,
		state.UpdatedAt,
		state.Name,
		state.ID,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var current int64
	err = s.db.QueryRowContext(ctx, s.queries.selectVersion, state.Name, state.ID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return xsaga.ErrNotFound
		}
		return err
	}
	return &xsaga.ConcurrencyError{
		SagaName: state.Name,
		SagaID:   state.ID,
		Expected: expectedVersion,
		Actual:   current,
	}
}

func (s *Store) Delete(ctx context.Context, name, id string) error {
	_, err := s.db.ExecContext(ctx, s.queries.delete, name, id)
	return err
}

// Close implements xsaga.Store. The *sql.DB is owned by the caller and is
// not closed here.
func (s *Store) Close(_ context.Context) error {
	return nil
}

func (s *Store) exists(ctx context.Context, query string, args ...any) bool {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false
	}
	return n > 0
}
