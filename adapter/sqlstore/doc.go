// Package sqlstore provides a database/sql implementation of the xsaga
// state store. It is driver-agnostic: the caller opens the *sql.DB with
// whatever driver they prefer and selects the dialect explicitly.
//
// Supported dialects: postgres (default) and mysql. The difference is
// confined to placeholder syntax and DDL types; all queries are generated
// once at construction.
//
// Layout:
//
//	<table> (saga_name, id, correlation_id, version, completed, state,
//	         created_at, updated_at)
//	  PRIMARY KEY (saga_name, id)
//	  UNIQUE     (saga_name, correlation_id)
//
// Optimistic concurrency rides on the version column: Update pins the
// expected version in the WHERE clause, so at most one of any set of
// racing writers observes an affected row.
//
// Example:
//
//	db, err := sql.Open("pgx", dsn)
//	if err != nil { ... }
//	store, err := sqlstore.NewStore(db,
//		sqlstore.WithTable("saga_state"),
//		sqlstore.WithDialect(sqlstore.DialectPostgres),
//	)
//	if err != nil { ... }
//	if err := store.EnsureSchema(ctx); err != nil { ... }
//
//	bus, err := xsaga.NewBusBuilder().
//		WithTransport("memory", nil).
//		WithStoreInstance(store).
//		WithDefinition(orderSaga).
//		Build()
package sqlstore
