package versioning

import (
	"context"
	"fmt"

	"github.com/odorie/api-gestion-poc/common/models"
)

// Flag marks a snapshot on behalf of the session's client.
// Flagging twice is a no-op.
func (c *Controller) Flag(ctx context.Context, snapshotID int64, session *Session) error {
	if err := RequireContributor(session); err != nil {
		return err
	}

	var added bool
	err := c.store.Update(ctx, func(ctx context.Context, tx Tx) error {
		if _, err := tx.SnapshotByID(ctx, snapshotID); err != nil {
			return err
		}

		var err error
		added, err = tx.AddFlag(ctx, &models.FlagRecord{
			SnapshotID:      snapshotID,
			ClientID:        session.ClientID,
			SessionID:       session.ID,
			ContributorType: session.ContributorType,
			CreatedAt:       c.timestamp(),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to flag snapshot %d: %w", snapshotID, err)
	}

	if added {
		c.metrics.IncrementFlag("flag")
		c.log.Info("flagged snapshot", "snapshot_id", snapshotID, "client_id", session.ClientID)
	}
	return nil
}

// Unflag removes the flag the session's client placed on a snapshot.
// Other clients' flags are untouched; a missing flag is not an error.
func (c *Controller) Unflag(ctx context.Context, snapshotID int64, session *Session) error {
	if err := RequireContributor(session); err != nil {
		return err
	}

	err := c.store.Update(ctx, func(ctx context.Context, tx Tx) error {
		return tx.RemoveFlag(ctx, snapshotID, session.ClientID)
	})
	if err != nil {
		return fmt.Errorf("failed to unflag snapshot %d: %w", snapshotID, err)
	}

	c.metrics.IncrementFlag("unflag")
	c.log.Info("unflagged snapshot", "snapshot_id", snapshotID, "client_id", session.ClientID)
	return nil
}

// Flags lists the flags on a snapshot
func (c *Controller) Flags(ctx context.Context, snapshotID int64) ([]*models.FlagRecord, error) {
	var flags []*models.FlagRecord
	err := c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		flags, err = tx.ListFlags(ctx, snapshotID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	return flags, nil
}
