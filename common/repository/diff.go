package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

const diffSelect = `
	SELECT d.id, d.entity_type, d.entity_id, d.old_id, d.new_id, d.changes, d.locality, d.created_at,
	       o.sequence, o.data, o.valid_from, o.valid_to,
	       n.sequence, n.data, n.valid_from, n.valid_to
	FROM diff d
	LEFT JOIN snapshot o ON o.id = d.old_id
	LEFT JOIN snapshot n ON n.id = d.new_id
`

// InsertDiff stores a diff record and sets its increment
func (t *pgTx) InsertDiff(ctx context.Context, d *models.DiffRecord) error {
	changes, err := json.Marshal(d.Changes)
	if err != nil {
		return fmt.Errorf("failed to encode changes: %w", err)
	}

	query := `
		INSERT INTO diff (entity_type, entity_id, old_id, new_id, changes, locality, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err = t.tx.QueryRow(ctx, query,
		d.EntityType,
		d.EntityID,
		d.OldID,
		d.NewID,
		string(changes),
		d.Locality,
		d.CreatedAt,
	).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to insert diff: %w", mapError(err))
	}
	return nil
}

// ListDiffs returns the diff feed in increment order
func (t *pgTx) ListDiffs(ctx context.Context, filter versioning.DiffFilter) ([]*models.DiffRecord, error) {
	query := diffSelect + `
		WHERE d.id > $1
		  AND ($2::text = '' OR d.entity_type = $2)
		  AND ($3::bigint = 0 OR d.entity_id = $3)
		  AND ($4::text = '' OR d.locality = $4)
		ORDER BY d.id
		LIMIT NULLIF($5::int, 0)
	`

	rows, err := t.tx.Query(ctx, query,
		filter.Since,
		filter.EntityType,
		filter.EntityID,
		filter.Locality,
		filter.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query diffs: %w", mapError(err))
	}
	defer rows.Close()

	diffs := make([]*models.DiffRecord, 0)
	for rows.Next() {
		d, err := scanDiff(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan diff: %w", err)
		}
		diffs = append(diffs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diffs: %w", mapError(err))
	}
	return diffs, nil
}

// DiffBySnapshot returns the diff that produced a snapshot
func (t *pgTx) DiffBySnapshot(ctx context.Context, snapshotID int64) (*models.DiffRecord, error) {
	query := diffSelect + `
		WHERE d.new_id = $1
		ORDER BY d.id
		LIMIT 1
	`

	d, err := scanDiff(t.tx.QueryRow(ctx, query, snapshotID))
	if err != nil {
		return nil, fmt.Errorf("diff of snapshot %d: %w", snapshotID, mapError(err))
	}
	return d, nil
}

// joinedSnapshot receives the nullable columns of a LEFT JOINed snapshot
type joinedSnapshot struct {
	sequence  *int
	data      []byte
	validFrom *time.Time
	validTo   *time.Time
}

func (j *joinedSnapshot) targets() []any {
	return []any{&j.sequence, &j.data, &j.validFrom, &j.validTo}
}

func (j *joinedSnapshot) snapshot(id *int64, d *models.DiffRecord) (*models.Snapshot, error) {
	if id == nil || j.sequence == nil {
		return nil, nil
	}

	s := &models.Snapshot{
		ID:         *id,
		EntityType: d.EntityType,
		EntityID:   d.EntityID,
		Sequence:   *j.sequence,
	}
	if err := json.Unmarshal(j.data, &s.Data); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %d data: %w", *id, err)
	}
	if j.validFrom != nil {
		s.ValidFrom = j.validFrom.UTC()
	}
	if j.validTo != nil {
		upper := j.validTo.UTC()
		s.ValidTo = &upper
	}
	return s, nil
}

func scanDiff(row pgx.Row) (*models.DiffRecord, error) {
	var (
		d       models.DiffRecord
		changes []byte
		old     joinedSnapshot
		next    joinedSnapshot
	)

	targets := []any{
		&d.ID,
		&d.EntityType,
		&d.EntityID,
		&d.OldID,
		&d.NewID,
		&changes,
		&d.Locality,
		&d.CreatedAt,
	}
	targets = append(targets, old.targets()...)
	targets = append(targets, next.targets()...)

	if err := row.Scan(targets...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(changes, &d.Changes); err != nil {
		return nil, fmt.Errorf("failed to decode diff %d changes: %w", d.ID, err)
	}
	d.CreatedAt = d.CreatedAt.UTC()

	var err error
	if d.Old, err = old.snapshot(d.OldID, &d); err != nil {
		return nil, err
	}
	if d.New, err = next.snapshot(d.NewID, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
