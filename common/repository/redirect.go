package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/odorie/api-gestion-poc/common/models"
)

// AddRedirect inserts an entry; an existing entry is left as is
func (t *pgTx) AddRedirect(ctx context.Context, e models.RedirectEntry) error {
	query := `
		INSERT INTO redirect (entity_type, identifier, value, entity_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`

	if _, err := t.tx.Exec(ctx, query, e.EntityType, e.Identifier, e.Value, e.EntityID); err != nil {
		return fmt.Errorf("failed to add redirect: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) RemoveRedirect(ctx context.Context, e models.RedirectEntry) error {
	query := `
		DELETE FROM redirect
		WHERE entity_type = $1 AND identifier = $2 AND value = $3 AND entity_id = $4
	`

	if _, err := t.tx.Exec(ctx, query, e.EntityType, e.Identifier, e.Value, e.EntityID); err != nil {
		return fmt.Errorf("failed to remove redirect: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) ClearRedirects(ctx context.Context, entityType string, entityID int64) error {
	query := `DELETE FROM redirect WHERE entity_type = $1 AND entity_id = $2`

	if _, err := t.tx.Exec(ctx, query, entityType, entityID); err != nil {
		return fmt.Errorf("failed to clear redirects: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) FollowRedirects(ctx context.Context, entityType, identifier, value string) ([]int64, error) {
	query := `
		SELECT entity_id
		FROM redirect
		WHERE entity_type = $1 AND identifier = $2 AND value = $3
		ORDER BY entity_id
	`

	rows, err := t.tx.Query(ctx, query, entityType, identifier, value)
	if err != nil {
		return nil, fmt.Errorf("failed to follow redirects: %w", mapError(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan redirects: %w", mapError(err))
	}
	return ids, nil
}

func (t *pgTx) ListRedirects(ctx context.Context, entityType string, entityID int64) ([]models.RedirectEntry, error) {
	query := `
		SELECT entity_type, identifier, value, entity_id
		FROM redirect
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY identifier, value
	`

	rows, err := t.tx.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list redirects: %w", mapError(err))
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByName[models.RedirectEntry])
	if err != nil {
		return nil, fmt.Errorf("failed to scan redirects: %w", mapError(err))
	}
	return entries, nil
}

// RetargetRedirects moves every entry of from to to.
// Entries to already holds are dropped instead of duplicated.
func (t *pgTx) RetargetRedirects(ctx context.Context, entityType string, from, to int64) error {
	query := `
		WITH moved AS (
			DELETE FROM redirect
			WHERE entity_type = $1::text AND entity_id = $2::bigint
			RETURNING identifier, value
		)
		INSERT INTO redirect (entity_type, identifier, value, entity_id)
		SELECT $1::text, identifier, value, $3::bigint FROM moved
		ON CONFLICT DO NOTHING
	`

	if _, err := t.tx.Exec(ctx, query, entityType, from, to); err != nil {
		return fmt.Errorf("failed to retarget redirects: %w", mapError(err))
	}
	return nil
}

// ReclaimRedirects points entries for identifier:value at to
func (t *pgTx) ReclaimRedirects(ctx context.Context, entityType, identifier, value string, to int64) error {
	query := `
		WITH moved AS (
			DELETE FROM redirect
			WHERE entity_type = $1::text AND identifier = $2::text AND value = $3::text AND entity_id <> $4::bigint
			RETURNING 1
		)
		INSERT INTO redirect (entity_type, identifier, value, entity_id)
		SELECT $1::text, $2::text, $3::text, $4::bigint
		WHERE EXISTS (SELECT 1 FROM moved)
		ON CONFLICT DO NOTHING
	`

	if _, err := t.tx.Exec(ctx, query, entityType, identifier, value, to); err != nil {
		return fmt.Errorf("failed to reclaim redirects: %w", mapError(err))
	}
	return nil
}
