package versioning

import (
	"context"
	"fmt"
	"time"

	"github.com/odorie/api-gestion-poc/common/models"
)

// History returns every snapshot of an entity in ascending sequence
func (c *Controller) History(ctx context.Context, kind string, id int64) ([]*models.Snapshot, error) {
	var history []*models.Snapshot
	err := c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		history, err = tx.History(ctx, kind, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load history of %s %d: %w", kind, id, err)
	}
	return history, nil
}

// AtSequence returns the snapshot recorded at a given version
func (c *Controller) AtSequence(ctx context.Context, kind string, id int64, sequence int) (*models.Snapshot, error) {
	var snapshot *models.Snapshot
	err := c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		snapshot, err = tx.SnapshotBySequence(ctx, kind, id, sequence)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %d version %d: %w", kind, id, sequence, err)
	}
	return snapshot, nil
}

// AtTime returns the snapshot whose period contains t
func (c *Controller) AtTime(ctx context.Context, kind string, id int64, t time.Time) (*models.Snapshot, error) {
	var snapshot *models.Snapshot
	err := c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		snapshot, err = tx.SnapshotAt(ctx, kind, id, t)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %d at %s: %w", kind, id, t.Format(time.RFC3339), err)
	}
	return snapshot, nil
}

// Snapshot returns a snapshot by its id
func (c *Controller) Snapshot(ctx context.Context, snapshotID int64) (*models.Snapshot, error) {
	var snapshot *models.Snapshot
	err := c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		snapshot, err = tx.SnapshotByID(ctx, snapshotID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %d: %w", snapshotID, err)
	}
	return snapshot, nil
}

// Restore rebuilds a live-shaped entity from a snapshot.
// The result is detached: its baseline is not locked.
func (c *Controller) Restore(s *models.Snapshot) (Entity, error) {
	kind, err := c.registry.Kind(s.EntityType)
	if err != nil {
		return nil, err
	}
	e, err := kind.Decode(s.Data)
	if err != nil {
		return nil, err
	}
	v := e.Versioning()
	v.ID = s.EntityID
	v.Version = s.Sequence
	v.ModifiedAt = s.ValidFrom
	return e, nil
}

// DiffOf returns the diff that produced a snapshot
func (c *Controller) DiffOf(ctx context.Context, snapshotID int64) (*models.DiffRecord, error) {
	var diff *models.DiffRecord
	err := c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		diff, err = tx.DiffBySnapshot(ctx, snapshotID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load diff of snapshot %d: %w", snapshotID, err)
	}
	return diff, nil
}

// Diffs returns the diff feed
func (c *Controller) Diffs(ctx context.Context, filter DiffFilter) ([]*models.DiffRecord, error) {
	var diffs []*models.DiffRecord
	err := c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		diffs, err = tx.ListDiffs(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list diffs: %w", err)
	}
	return diffs, nil
}

// Anomalies returns recorded anomalies
func (c *Controller) Anomalies(ctx context.Context, filter AnomalyFilter) ([]*models.Anomaly, error) {
	var anomalies []*models.Anomaly
	err := c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		anomalies, err = tx.ListAnomalies(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	return anomalies, nil
}

// AddRedirect registers a manual redirect to entity
func (c *Controller) AddRedirect(ctx context.Context, e Entity, identifier, value string) error {
	err := c.store.Update(ctx, func(ctx context.Context, tx Tx) error {
		return c.redirects.Add(ctx, tx, e, identifier, value)
	})
	if err != nil {
		return fmt.Errorf("failed to add redirect %s:%s: %w", identifier, value, err)
	}
	c.log.Info("added redirect", "kind", e.KindName(), "id", e.Versioning().ID, "identifier", identifier, "value", value)
	return nil
}

// RemoveRedirect deletes a redirect to entity
func (c *Controller) RemoveRedirect(ctx context.Context, e Entity, identifier, value string) error {
	err := c.store.Update(ctx, func(ctx context.Context, tx Tx) error {
		return c.redirects.Remove(ctx, tx, e, identifier, value)
	})
	if err != nil {
		return fmt.Errorf("failed to remove redirect %s:%s: %w", identifier, value, err)
	}
	return nil
}

// Redirects lists the redirects targeting entity
func (c *Controller) Redirects(ctx context.Context, e Entity) ([]models.RedirectEntry, error) {
	var entries []models.RedirectEntry
	err := c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		entries, err = c.redirects.List(ctx, tx, e.KindName(), e.Versioning().ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list redirects: %w", err)
	}
	return entries, nil
}
