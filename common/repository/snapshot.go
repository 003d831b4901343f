package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

const snapshotColumns = `id, entity_type, entity_id, sequence, data, valid_from, valid_to`

// RecordSnapshot inserts an open snapshot and sets its ID
func (t *pgTx) RecordSnapshot(ctx context.Context, s *models.Snapshot) error {
	data, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot data: %w", err)
	}

	query := `
		INSERT INTO snapshot (entity_type, entity_id, sequence, data, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err = t.tx.QueryRow(ctx, query,
		s.EntityType,
		s.EntityID,
		s.Sequence,
		string(data),
		s.ValidFrom,
		s.ValidTo,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to record %s %d version %d: %w", s.EntityType, s.EntityID, s.Sequence, mapError(err))
	}
	return nil
}

// ClosePeriod sets the upper bound of an open snapshot in one statement
func (t *pgTx) ClosePeriod(ctx context.Context, s *models.Snapshot, bound time.Time) (*models.Snapshot, error) {
	if _, err := s.WithUpper(bound); err != nil {
		return nil, err
	}

	query := `
		UPDATE snapshot
		SET valid_to = $2
		WHERE id = $1 AND valid_to IS NULL
		RETURNING ` + snapshotColumns

	closed, err := scanSnapshot(t.tx.QueryRow(ctx, query, s.ID, bound))
	if err == nil {
		return closed, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to close snapshot %d: %w", s.ID, mapError(err))
	}

	// Either the snapshot is gone or another writer closed it first
	if _, err := t.SnapshotByID(ctx, s.ID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s %d version %d is already closed", versioning.ErrVersionConflict, s.EntityType, s.EntityID, s.Sequence)
}

// History returns snapshots in ascending sequence
func (t *pgTx) History(ctx context.Context, entityType string, entityID int64) ([]*models.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM snapshot
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY sequence
	`

	rows, err := t.tx.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", mapError(err))
	}
	defer rows.Close()

	history := make([]*models.Snapshot, 0)
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		history = append(history, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", mapError(err))
	}
	return history, nil
}

func (t *pgTx) SnapshotBySequence(ctx context.Context, entityType string, entityID int64, sequence int) (*models.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM snapshot
		WHERE entity_type = $1 AND entity_id = $2 AND sequence = $3
	`

	s, err := scanSnapshot(t.tx.QueryRow(ctx, query, entityType, entityID, sequence))
	if err != nil {
		return nil, fmt.Errorf("%s %d version %d: %w", entityType, entityID, sequence, mapError(err))
	}
	return s, nil
}

func (t *pgTx) SnapshotAt(ctx context.Context, entityType string, entityID int64, at time.Time) (*models.Snapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM snapshot
		WHERE entity_type = $1 AND entity_id = $2
		  AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)
		LIMIT 1
	`

	s, err := scanSnapshot(t.tx.QueryRow(ctx, query, entityType, entityID, at))
	if err != nil {
		return nil, fmt.Errorf("%s %d at %s: %w", entityType, entityID, at.Format(time.RFC3339), mapError(err))
	}
	return s, nil
}

func (t *pgTx) SnapshotByID(ctx context.Context, id int64) (*models.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshot WHERE id = $1`

	s, err := scanSnapshot(t.tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", id, mapError(err))
	}
	return s, nil
}

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var (
		s    models.Snapshot
		data []byte
	)
	err := row.Scan(
		&s.ID,
		&s.EntityType,
		&s.EntityID,
		&s.Sequence,
		&data,
		&s.ValidFrom,
		&s.ValidTo,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.Data); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %d data: %w", s.ID, err)
	}
	s.ValidFrom = s.ValidFrom.UTC()
	if s.ValidTo != nil {
		upper := s.ValidTo.UTC()
		s.ValidTo = &upper
	}
	return &s, nil
}
