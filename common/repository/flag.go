package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/odorie/api-gestion-poc/common/models"
)

// AddFlag inserts a flag; false when the client already flagged the snapshot
func (t *pgTx) AddFlag(ctx context.Context, f *models.FlagRecord) (bool, error) {
	query := `
		INSERT INTO flag (snapshot_id, client_id, session_id, contributor_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (snapshot_id, client_id) DO NOTHING
		RETURNING id
	`

	err := t.tx.QueryRow(ctx, query,
		f.SnapshotID,
		f.ClientID,
		f.SessionID,
		f.ContributorType,
		f.CreatedAt,
	).Scan(&f.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to add flag: %w", mapError(err))
	}
	return true, nil
}

func (t *pgTx) RemoveFlag(ctx context.Context, snapshotID int64, clientID string) error {
	query := `DELETE FROM flag WHERE snapshot_id = $1 AND client_id = $2`

	if _, err := t.tx.Exec(ctx, query, snapshotID, clientID); err != nil {
		return fmt.Errorf("failed to remove flag: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) ListFlags(ctx context.Context, snapshotID int64) ([]*models.FlagRecord, error) {
	query := `
		SELECT id, snapshot_id, client_id, session_id, contributor_type, created_at
		FROM flag
		WHERE snapshot_id = $1
		ORDER BY id
	`

	rows, err := t.tx.Query(ctx, query, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", mapError(err))
	}
	flags, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.FlagRecord])
	if err != nil {
		return nil, fmt.Errorf("failed to scan flags: %w", mapError(err))
	}
	return flags, nil
}
