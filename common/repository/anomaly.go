package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

func (t *pgTx) InsertAnomaly(ctx context.Context, a *models.Anomaly) error {
	query := `
		INSERT INTO anomaly (kind, snapshot_ids, locality, legitimate, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	err := t.tx.QueryRow(ctx, query, a.Kind, a.SnapshotIDs, a.Locality, a.Legitimate, a.CreatedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) ListAnomalies(ctx context.Context, filter versioning.AnomalyFilter) ([]*models.Anomaly, error) {
	query := `
		SELECT id, kind, snapshot_ids, locality, legitimate, created_at
		FROM anomaly
		WHERE ($1::text = '' OR kind = $1)
		  AND ($2::text = '' OR locality = $2)
		ORDER BY id
		LIMIT NULLIF($3::int, 0)
	`

	rows, err := t.tx.Query(ctx, query, filter.Kind, filter.Locality, filter.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", mapError(err))
	}
	anomalies, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.Anomaly])
	if err != nil {
		return nil, fmt.Errorf("failed to scan anomalies: %w", mapError(err))
	}
	return anomalies, nil
}
