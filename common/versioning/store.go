package versioning

import (
	"context"
	"time"

	"github.com/odorie/api-gestion-poc/common/models"
)

// RowStore persists live entity rows
type RowStore interface {
	// InsertRow stores a new row and returns its id
	InsertRow(ctx context.Context, kind *Kind, meta models.Meta, fields models.Fields) (int64, error)

	// UpdateRow overwrites a row if its stored version is meta.Version-1,
	// otherwise it fails with ErrVersionConflict
	UpdateRow(ctx context.Context, kind *Kind, meta models.Meta, fields models.Fields) error

	// DeleteRow removes a row still at version; ErrVersionConflict when it moved on,
	// ErrReferentialConflict when other rows reference it
	DeleteRow(ctx context.Context, kind *Kind, id int64, version int) error

	// FindRow looks a row up by column value
	FindRow(ctx context.Context, kind *Kind, column string, value any) (*models.Row, error)
}

// SnapshotStore is the append-only history of entity states
type SnapshotStore interface {
	// RecordSnapshot inserts an open snapshot and sets its ID.
	// A duplicate (type, id, sequence) or an overlapping period fails with ErrVersionConflict.
	RecordSnapshot(ctx context.Context, s *models.Snapshot) error

	// ClosePeriod bounds an open snapshot and returns the updated copy.
	// An already closed snapshot fails with ErrVersionConflict.
	ClosePeriod(ctx context.Context, s *models.Snapshot, bound time.Time) (*models.Snapshot, error)

	// History returns snapshots in ascending sequence
	History(ctx context.Context, entityType string, entityID int64) ([]*models.Snapshot, error)

	SnapshotBySequence(ctx context.Context, entityType string, entityID int64, sequence int) (*models.Snapshot, error)
	SnapshotAt(ctx context.Context, entityType string, entityID int64, t time.Time) (*models.Snapshot, error)
	SnapshotByID(ctx context.Context, id int64) (*models.Snapshot, error)
}

// DiffFilter selects diffs from the feed
type DiffFilter struct {
	EntityType string
	EntityID   int64
	Locality   string

	// Only diffs with an increment greater than Since
	Since int64
	Limit int
}

// DiffStore persists diff records
type DiffStore interface {
	InsertDiff(ctx context.Context, d *models.DiffRecord) error

	// ListDiffs returns diffs in increment order with Old and New loaded
	ListDiffs(ctx context.Context, filter DiffFilter) ([]*models.DiffRecord, error)

	// DiffBySnapshot returns the diff that produced a snapshot
	DiffBySnapshot(ctx context.Context, snapshotID int64) (*models.DiffRecord, error)
}

// RedirectStore persists redirect entries
type RedirectStore interface {
	// AddRedirect inserts an entry; inserting an existing entry is a no-op
	AddRedirect(ctx context.Context, e models.RedirectEntry) error
	RemoveRedirect(ctx context.Context, e models.RedirectEntry) error
	ClearRedirects(ctx context.Context, entityType string, entityID int64) error
	FollowRedirects(ctx context.Context, entityType, identifier, value string) ([]int64, error)
	ListRedirects(ctx context.Context, entityType string, entityID int64) ([]models.RedirectEntry, error)

	// RetargetRedirects points every entry targeting from at to
	RetargetRedirects(ctx context.Context, entityType string, from, to int64) error

	// ReclaimRedirects points entries for (identifier, value) at to
	ReclaimRedirects(ctx context.Context, entityType, identifier, value string, to int64) error
}

// FlagStore persists moderation flags
type FlagStore interface {
	// AddFlag inserts a flag; false when the client already flagged the snapshot
	AddFlag(ctx context.Context, f *models.FlagRecord) (bool, error)
	RemoveFlag(ctx context.Context, snapshotID int64, clientID string) error
	ListFlags(ctx context.Context, snapshotID int64) ([]*models.FlagRecord, error)
}

// AnomalyFilter selects anomalies
type AnomalyFilter struct {
	Kind     string
	Locality string
	Limit    int
}

// AnomalyStore persists detected anomalies
type AnomalyStore interface {
	InsertAnomaly(ctx context.Context, a *models.Anomaly) error
	ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]*models.Anomaly, error)
}

// Tx is the set of operations available inside a store transaction
type Tx interface {
	RowStore
	SnapshotStore
	DiffStore
	RedirectStore
	FlagStore
	AnomalyStore
}

// Store runs functions against a transactional view of the data.
// Update commits when fn returns nil and rolls back otherwise.
type Store interface {
	Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// DiffHook runs inside the save transaction after a diff is stored
type DiffHook func(ctx context.Context, tx Tx, kind *Kind, diff *models.DiffRecord) error

// Publisher announces committed diffs
type Publisher interface {
	PublishDiff(ctx context.Context, diff *models.DiffRecord) error
}
