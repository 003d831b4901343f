package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/odorie/api-gestion-poc/common/db"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

// A unique violation on this constraint means another writer recorded the version
const snapshotSequenceKey = "snapshot_sequence_key"

var (
	_ versioning.Store = (*Store)(nil)
	_ versioning.Tx    = (*pgTx)(nil)
)

// Store is the Postgres implementation of versioning.Store
type Store struct {
	db *db.DB
}

// NewStore creates a store over the connection pool
func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

// Update runs fn in a read-write transaction
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx versioning.Tx) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

// View runs fn in a read-only transaction
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx versioning.Tx) error) error {
	return s.db.WithReadOnlyTx(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

// pgTx implements versioning.Tx on a pgx transaction
type pgTx struct {
	tx pgx.Tx
}

// mapError translates Postgres errors into versioning sentinels
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return versioning.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		if pgErr.ConstraintName == snapshotSequenceKey {
			return fmt.Errorf("%w: %s", versioning.ErrVersionConflict, pgErr.Detail)
		}
		return fmt.Errorf("%w: %s", versioning.ErrDuplicate, pgErr.Detail)
	case "23P01": // exclusion_violation
		return fmt.Errorf("%w: %s %s", versioning.ErrVersionConflict, pgErr.ConstraintName, pgErr.Detail)
	case "23503": // foreign_key_violation
		return fmt.Errorf("%w: %s", versioning.ErrReferentialConflict, pgErr.Detail)
	case "25006": // read_only_sql_transaction
		return versioning.ErrReadOnly
	}
	return err
}
