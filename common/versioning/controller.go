package versioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/metrics"
	"github.com/odorie/api-gestion-poc/common/models"
)

// Controller runs optimistic-concurrency saves and deletes of versioned
// entities and keeps their history, diffs and redirects in step
type Controller struct {
	store     Store
	registry  *Registry
	redirects *Redirects
	log       *logger.Logger
	metrics   *metrics.Versioning
	publisher Publisher
	hooks     []DiffHook
	diffs     bool
	now       func() time.Time
}

// Option configures a Controller
type Option func(*Controller)

// WithoutDiffs skips diff computation, for bulk imports
func WithoutDiffs() Option {
	return func(c *Controller) {
		c.diffs = false
	}
}

// WithDiffs sets whether diffs are computed and stored
func WithDiffs(enabled bool) Option {
	return func(c *Controller) {
		c.diffs = enabled
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithMetrics records controller activity
func WithMetrics(m *metrics.Versioning) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithPublisher announces each committed diff
func WithPublisher(p Publisher) Option {
	return func(c *Controller) {
		c.publisher = p
	}
}

// WithDiffHook runs hook inside the transaction of every stored diff
func WithDiffHook(hook DiffHook) Option {
	return func(c *Controller) {
		c.hooks = append(c.hooks, hook)
	}
}

// NewController creates a controller over store for the kinds in registry
func NewController(store Store, registry *Registry, log *logger.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:     store,
		registry:  registry,
		redirects: NewRedirects(registry),
		log:       log,
		diffs:     true,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the kind registry
func (c *Controller) Registry() *Registry {
	return c.registry
}

// DiffsEnabled reports whether saves store diffs
func (c *Controller) DiffsEnabled() bool {
	return c.diffs
}

// Load fetches an entity by id or declared identifier and locks its version.
// Redirects are not followed; use Coerce for external references.
func (c *Controller) Load(ctx context.Context, kindName, identifier string, value any) (Entity, error) {
	kind, err := c.registry.Kind(kindName)
	if err != nil {
		return nil, err
	}
	column, err := kind.Column(identifier)
	if err != nil {
		return nil, err
	}
	if s, ok := value.(string); ok {
		if value, err = lookupValue(column, s); err != nil {
			return nil, err
		}
	}

	var row *models.Row
	err = c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		row, err = tx.FindRow(ctx, kind, column, value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s=%v: %w", kind.Name, identifier, value, err)
	}

	return kind.FromRow(row)
}

// Coerce resolves an external reference to an entity.
// On a direct miss the redirect registry is consulted: one match fails with
// a *RedirectError carrying the target, several with *AmbiguousRedirectError,
// none with the original ErrNotFound.
func (c *Controller) Coerce(ctx context.Context, kindName, identifier, value string) (Entity, error) {
	kind, err := c.registry.Kind(kindName)
	if err != nil {
		return nil, err
	}
	column, err := kind.Column(identifier)
	if err != nil {
		return nil, err
	}

	var (
		row     *models.Row
		targets []int64
		missErr error
	)
	err = c.store.View(ctx, func(ctx context.Context, tx Tx) error {
		lookup, err := lookupValue(column, value)
		if err == nil {
			row, err = tx.FindRow(ctx, kind, column, lookup)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		missErr = err

		targets, err = c.redirects.Follow(ctx, tx, kind.Name, identifier, value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s %s:%s: %w", kind.Name, identifier, value, err)
	}
	if row != nil {
		return kind.FromRow(row)
	}

	switch len(targets) {
	case 0:
		c.metrics.IncrementRedirect(kind.Name, "not_found")
		return nil, fmt.Errorf("%s %s:%s: %w", kind.Name, identifier, value, missErr)
	case 1:
		c.metrics.IncrementRedirect(kind.Name, "redirected")
		return nil, &RedirectError{Kind: kind.Name, Identifier: identifier, Value: value, Target: targets[0]}
	default:
		c.metrics.IncrementRedirect(kind.Name, "ambiguous")
		c.log.Warn("ambiguous redirect", "kind", kind.Name, "identifier", identifier, "value", value, "targets", targets)
		return nil, &AmbiguousRedirectError{Kind: kind.Name, Identifier: identifier, Value: value, Targets: targets}
	}
}

// Save persists the entity and records its new version in one transaction.
// The version must be exactly one past the locked baseline. On success the
// entity carries the stamped metadata and its baseline moves to the saved version.
func (c *Controller) Save(ctx context.Context, e Entity, session *Session) error {
	start := time.Now()
	defer c.metrics.ObserveSave(start)

	kind, err := c.registry.Kind(e.KindName())
	if err != nil {
		return err
	}

	v := e.Versioning()
	if !v.IsLocked() {
		v.lockVersion()
	}
	if err := v.CheckVersion(); err != nil {
		c.metrics.IncrementConflict(kind.Name)
		c.log.Warn("rejected save", "kind", kind.Name, "id", v.ID, "version", v.Version, "locked", v.LockedVersion())
		return err
	}

	meta := v.Meta
	now := c.timestamp()
	// The previous period starts at the loaded ModifiedAt; a clock running
	// behind it must not produce an inverted period.
	if now.Before(meta.ModifiedAt) {
		now = meta.ModifiedAt
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.ModifiedAt = now
	if session != nil {
		if meta.CreatedBy == "" {
			meta.CreatedBy = session.ID
		}
		meta.ModifiedBy = session.ID
	}

	fields := e.Fields()
	created := meta.ID == 0

	var diff *models.DiffRecord
	err = c.store.Update(ctx, func(ctx context.Context, tx Tx) error {
		if created {
			id, err := tx.InsertRow(ctx, kind, meta, fields)
			if err != nil {
				return fmt.Errorf("failed to insert row: %w", err)
			}
			meta.ID = id
		} else if err := tx.UpdateRow(ctx, kind, meta, fields); err != nil {
			return fmt.Errorf("failed to update row: %w", err)
		}

		var err error
		diff, err = c.storeVersion(ctx, tx, kind, meta, fields)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			c.metrics.IncrementConflict(kind.Name)
			c.log.Warn("version conflict", "kind", kind.Name, "id", meta.ID, "version", meta.Version)
		}
		return fmt.Errorf("failed to save %s: %w", kind.Name, err)
	}

	v.Meta = meta
	v.lockVersion()

	c.metrics.IncrementSave(kind.Name, created)
	c.log.WithContext(ctx).WithEntity(kind.Name, meta.ID).Info("saved entity",
		"version", meta.Version,
		"modified_by", meta.ModifiedBy,
	)

	c.publish(ctx, diff)
	return nil
}

// Delete removes the entity and every redirect targeting it in one transaction.
// The row must still be at the version the entity was loaded at, otherwise
// ErrVersionConflict.
// When diffs are enabled the last snapshot's period is closed and a
// deletion diff is stored. Deletions never propagate redirects.
func (c *Controller) Delete(ctx context.Context, e Entity, session *Session) error {
	kind, err := c.registry.Kind(e.KindName())
	if err != nil {
		return err
	}

	v := e.Versioning()
	if v.ID == 0 {
		return fmt.Errorf("failed to delete %s: %w", kind.Name, ErrNotFound)
	}

	// A loaded entity deletes the version it was read at
	version := v.Version
	if v.IsLocked() {
		version = v.LockedVersion()
	}

	var diff *models.DiffRecord
	err = c.store.Update(ctx, func(ctx context.Context, tx Tx) error {
		if err := c.redirects.Clear(ctx, tx, kind.Name, v.ID); err != nil {
			return fmt.Errorf("failed to clear redirects: %w", err)
		}
		if err := tx.DeleteRow(ctx, kind, v.ID, version); err != nil {
			return fmt.Errorf("failed to delete row: %w", err)
		}
		if !c.diffs {
			return nil
		}

		last, err := tx.SnapshotBySequence(ctx, kind.Name, v.ID, version)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load last version: %w", err)
		}

		now := c.timestamp()
		if now.Before(last.ValidFrom) {
			now = last.ValidFrom
		}
		if last.IsOpen() {
			if last, err = tx.ClosePeriod(ctx, last, now); err != nil {
				return fmt.Errorf("failed to close last version: %w", err)
			}
		}

		diff, err = c.storeDiff(ctx, tx, kind, last, nil, now)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			c.metrics.IncrementConflict(kind.Name)
			c.log.Warn("version conflict on delete", "kind", kind.Name, "id", v.ID, "version", version)
		}
		return fmt.Errorf("failed to delete %s %d: %w", kind.Name, v.ID, err)
	}

	c.metrics.IncrementDelete(kind.Name)
	deletedBy := ""
	if session != nil {
		deletedBy = session.ID
	}
	c.log.WithContext(ctx).WithEntity(kind.Name, v.ID).Info("deleted entity", "deleted_by", deletedBy)

	c.publish(ctx, diff)
	return nil
}

// storeVersion closes the previous snapshot, records the new one and stores the diff
func (c *Controller) storeVersion(ctx context.Context, tx Tx, kind *Kind, meta models.Meta, fields models.Fields) (*models.DiffRecord, error) {
	var old *models.Snapshot
	if meta.Version > 1 {
		prev, err := tx.SnapshotBySequence(ctx, kind.Name, meta.ID, meta.Version-1)
		if err != nil {
			return nil, fmt.Errorf("failed to load version %d: %w", meta.Version-1, err)
		}
		old, err = tx.ClosePeriod(ctx, prev, meta.ModifiedAt)
		if errors.Is(err, ErrInvalidPeriod) {
			return nil, fmt.Errorf("%w: version %d starts after %s: %v", ErrVersionConflict, prev.Sequence, meta.ModifiedAt, err)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to close version %d: %w", prev.Sequence, err)
		}
	}

	snapshot := &models.Snapshot{
		EntityType: kind.Name,
		EntityID:   meta.ID,
		Sequence:   meta.Version,
		Data:       fields.Clone(),
		Period:     models.OpenPeriod(meta.ModifiedAt),
	}
	if err := tx.RecordSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to record version %d: %w", meta.Version, err)
	}

	if !c.diffs {
		return nil, nil
	}
	return c.storeDiff(ctx, tx, kind, old, snapshot, meta.ModifiedAt)
}

// storeDiff stores the delta from prev to next, then runs redirect propagation and hooks
func (c *Controller) storeDiff(ctx context.Context, tx Tx, kind *Kind, prev, next *models.Snapshot, at time.Time) (*models.DiffRecord, error) {
	diff := &models.DiffRecord{Old: prev, New: next, CreatedAt: at}

	var oldData, newData, current models.Fields
	if prev != nil {
		id := prev.ID
		diff.OldID = &id
		diff.EntityType, diff.EntityID = prev.EntityType, prev.EntityID
		oldData, current = prev.Data, prev.Data
	}
	if next != nil {
		id := next.ID
		diff.NewID = &id
		diff.EntityType, diff.EntityID = next.EntityType, next.EntityID
		newData, current = next.Data, next.Data
	}

	changes, err := ComputeDiff(oldData, newData)
	if err != nil {
		return nil, err
	}
	diff.Changes = changes

	if kind.Locality != nil {
		if diff.Locality, err = kind.Locality(ctx, tx, current); err != nil {
			return nil, fmt.Errorf("failed to resolve locality: %w", err)
		}
	}

	if err := tx.InsertDiff(ctx, diff); err != nil {
		return nil, fmt.Errorf("failed to store diff: %w", err)
	}
	if err := c.redirects.FromDiff(ctx, tx, kind, diff); err != nil {
		return nil, err
	}
	if err := c.redirects.Reclaim(ctx, tx, kind, diff); err != nil {
		return nil, err
	}
	for _, hook := range c.hooks {
		if err := hook(ctx, tx, kind, diff); err != nil {
			return nil, err
		}
	}

	c.metrics.IncrementDiff(kind.Name)
	return diff, nil
}

// publish announces a committed diff; failures are logged only
func (c *Controller) publish(ctx context.Context, diff *models.DiffRecord) {
	if diff == nil || c.publisher == nil {
		return
	}
	if err := c.publisher.PublishDiff(ctx, diff); err != nil {
		c.metrics.IncrementPublishFailure()
		c.log.Warn("failed to publish diff", "increment", diff.ID, "kind", diff.EntityType, "error", err)
	}
}

// timestamp returns now at the store's precision
func (c *Controller) timestamp() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}
