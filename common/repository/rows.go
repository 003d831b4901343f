package repository

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

var metaColumns = []string{"id", "version", "created_at", "created_by", "modified_at", "modified_by"}

// InsertRow stores a new live row and returns the generated id
func (t *pgTx) InsertRow(ctx context.Context, kind *versioning.Kind, meta models.Meta, fields models.Fields) (int64, error) {
	columns := []string{"version", "created_at", "created_by", "modified_at", "modified_by"}
	args := []any{meta.Version, meta.CreatedAt, meta.CreatedBy, meta.ModifiedAt, meta.ModifiedBy}
	for _, name := range kind.Fields {
		value, _ := fields.Get(name)
		columns = append(columns, name)
		args = append(args, value)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		pgx.Identifier{kind.Table}.Sanitize(),
		identifiers(columns),
		placeholders(1, len(columns)),
	)

	var id int64
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert %s: %w", kind.Name, mapError(err))
	}
	return id, nil
}

// UpdateRow overwrites a live row if it is still at meta.Version-1
func (t *pgTx) UpdateRow(ctx context.Context, kind *versioning.Kind, meta models.Meta, fields models.Fields) error {
	columns := []string{"version", "created_at", "created_by", "modified_at", "modified_by"}
	args := []any{meta.Version, meta.CreatedAt, meta.CreatedBy, meta.ModifiedAt, meta.ModifiedBy}
	for _, name := range kind.Fields {
		value, _ := fields.Get(name)
		columns = append(columns, name)
		args = append(args, value)
	}

	set := make([]string, len(columns))
	for i, column := range columns {
		set[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{column}.Sanitize(), i+1)
	}
	args = append(args, meta.ID, meta.Version-1)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE id = $%d AND version = $%d",
		pgx.Identifier{kind.Table}.Sanitize(),
		strings.Join(set, ", "),
		len(columns)+1,
		len(columns)+2,
	)

	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %d: %w", kind.Name, meta.ID, mapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s %d is not at version %d", versioning.ErrVersionConflict, kind.Name, meta.ID, meta.Version-1)
	}
	return nil
}

// DeleteRow removes a live row if it is still at version
func (t *pgTx) DeleteRow(ctx context.Context, kind *versioning.Kind, id int64, version int) error {
	table := pgx.Identifier{kind.Table}.Sanitize()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1 AND version = $2", table)

	tag, err := t.tx.Exec(ctx, query, id, version)
	if err != nil {
		return fmt.Errorf("failed to delete %s %d: %w", kind.Name, id, mapError(err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table), id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check %s %d: %w", kind.Name, id, mapError(err))
	}
	if exists {
		return fmt.Errorf("%w: %s %d is not at version %d", versioning.ErrVersionConflict, kind.Name, id, version)
	}
	return fmt.Errorf("%s %d: %w", kind.Name, id, versioning.ErrNotFound)
}

// FindRow looks a live row up by id or by one of the kind's columns
func (t *pgTx) FindRow(ctx context.Context, kind *versioning.Kind, column string, value any) (*models.Row, error) {
	if column != "id" && !slices.Contains(kind.Fields, column) {
		return nil, fmt.Errorf("%w: %s has no column %q", versioning.ErrInvalidIdentifier, kind.Name, column)
	}

	columns := append(slices.Clone(metaColumns), kind.Fields...)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = $1 LIMIT 1",
		identifiers(columns),
		pgx.Identifier{kind.Table}.Sanitize(),
		pgx.Identifier{column}.Sanitize(),
	)

	rows, err := t.tx.Query(ctx, query, value)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", kind.Name, mapError(err))
	}
	values, err := pgx.CollectOneRow(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("%s %s=%v: %w", kind.Name, column, value, mapError(err))
	}

	row := &models.Row{Fields: make(models.Fields, 0, len(kind.Fields))}
	if err := scanMeta(values, &row.Meta); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", kind.Name, err)
	}
	for _, name := range kind.Fields {
		row.Fields = row.Fields.Set(name, values[name])
	}
	return row, nil
}

func scanMeta(values map[string]any, meta *models.Meta) error {
	var ok bool
	if meta.ID, ok = values["id"].(int64); !ok {
		return fmt.Errorf("unexpected id %T", values["id"])
	}
	version, ok := values["version"].(int32)
	if !ok {
		return fmt.Errorf("unexpected version %T", values["version"])
	}
	meta.Version = int(version)

	meta.CreatedAt, _ = values["created_at"].(time.Time)
	meta.ModifiedAt, _ = values["modified_at"].(time.Time)
	meta.CreatedAt = meta.CreatedAt.UTC()
	meta.ModifiedAt = meta.ModifiedAt.UTC()
	meta.CreatedBy, _ = values["created_by"].(string)
	meta.ModifiedBy, _ = values["modified_by"].(string)
	return nil
}

func identifiers(columns []string) string {
	quoted := make([]string, len(columns))
	for i, column := range columns {
		quoted[i] = pgx.Identifier{column}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}

func placeholders(from, n int) string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(out, ", ")
}
