package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/odorie/api-gestion-poc/common/cache"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

// ErrInvalidInput is returned for request bodies that cannot be applied
var ErrInvalidInput = errors.New("invalid input")

// SnapshotView is a snapshot with the flags placed on it
type SnapshotView struct {
	*models.Snapshot
	Flags []*models.FlagRecord `json:"flags"`
}

// EntityService exposes the versioning controller to the HTTP layer.
// Closed snapshots never change, so they are cached.
type EntityService struct {
	controller *versioning.Controller
	cache      cache.Cache
	ttl        time.Duration
	log        *logger.Logger
}

// NewEntityService creates the service. snapshotCache may be nil.
func NewEntityService(controller *versioning.Controller, snapshotCache cache.Cache, ttl time.Duration, log *logger.Logger) *EntityService {
	return &EntityService{
		controller: controller,
		cache:      snapshotCache,
		ttl:        ttl,
		log:        log,
	}
}

// Resolve coerces an external reference ("42" or "insee:77316") to an entity
func (s *EntityService) Resolve(ctx context.Context, kind, ref string) (versioning.Entity, error) {
	identifier, value := versioning.ParseRef(ref)
	return s.controller.Coerce(ctx, kind, identifier, value)
}

// Create saves a new entity built from body
func (s *EntityService) Create(ctx context.Context, kindName string, body models.Fields, session *versioning.Session) (versioning.Entity, error) {
	kind, err := s.controller.Registry().Kind(kindName)
	if err != nil {
		return nil, err
	}

	fields, err := domainFields(kind, body)
	if err != nil {
		return nil, err
	}
	e, err := kind.Decode(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if err := s.controller.Save(ctx, e, session); err != nil {
		return nil, err
	}
	return e, nil
}

// Update applies the fields of body to the entity at ref.
// body must carry the version the caller last read.
func (s *EntityService) Update(ctx context.Context, kindName, ref string, body models.Fields, session *versioning.Session) (versioning.Entity, error) {
	kind, err := s.controller.Registry().Kind(kindName)
	if err != nil {
		return nil, err
	}

	version, ok := body.Int64("version")
	if !ok {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidInput)
	}
	changes, err := domainFields(kind, body)
	if err != nil {
		return nil, err
	}

	e, err := s.Resolve(ctx, kindName, ref)
	if err != nil {
		return nil, err
	}

	v := e.Versioning()
	if int(version) != v.Version {
		return nil, fmt.Errorf("%w: %s %d is at version %d, got %d", versioning.ErrVersionConflict, kind.Name, v.ID, v.Version, version)
	}

	merged := e.Fields()
	for _, f := range changes {
		merged = merged.Set(f.Name, f.Value)
	}
	if err := e.SetFields(merged); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	v.IncrementVersion()
	if err := s.controller.Save(ctx, e, session); err != nil {
		return nil, err
	}
	return e, nil
}

// Delete removes the entity at ref
func (s *EntityService) Delete(ctx context.Context, kind, ref string, session *versioning.Session) error {
	e, err := s.Resolve(ctx, kind, ref)
	if err != nil {
		return err
	}
	return s.controller.Delete(ctx, e, session)
}

// Versions returns every snapshot of the entity at ref, oldest first
func (s *EntityService) Versions(ctx context.Context, kind, ref string) ([]*SnapshotView, error) {
	e, err := s.Resolve(ctx, kind, ref)
	if err != nil {
		return nil, err
	}

	history, err := s.controller.History(ctx, kind, e.Versioning().ID)
	if err != nil {
		return nil, err
	}

	views := make([]*SnapshotView, 0, len(history))
	for _, snapshot := range history {
		view, err := s.view(ctx, snapshot)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Version returns snapshot sequence of the entity at ref
func (s *EntityService) Version(ctx context.Context, kind, ref string, sequence int) (*SnapshotView, error) {
	snapshot, err := s.snapshot(ctx, kind, ref, sequence)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, snapshot)
}

// At returns the snapshot of the entity at ref valid at t
func (s *EntityService) At(ctx context.Context, kind, ref string, t time.Time) (*SnapshotView, error) {
	e, err := s.Resolve(ctx, kind, ref)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.controller.AtTime(ctx, kind, e.Versioning().ID, t)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, snapshot)
}

// Flag flags snapshot sequence of the entity at ref
func (s *EntityService) Flag(ctx context.Context, kind, ref string, sequence int, session *versioning.Session) (*SnapshotView, error) {
	if err := versioning.RequireContributor(session); err != nil {
		return nil, err
	}
	snapshot, err := s.snapshot(ctx, kind, ref, sequence)
	if err != nil {
		return nil, err
	}
	if err := s.controller.Flag(ctx, snapshot.ID, session); err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).WithSession(session.ID).Info("snapshot flagged",
		"kind", kind, "snapshot_id", snapshot.ID, "client_id", session.ClientID)
	return s.view(ctx, snapshot)
}

// Unflag removes the session client's flag from snapshot sequence of the entity at ref
func (s *EntityService) Unflag(ctx context.Context, kind, ref string, sequence int, session *versioning.Session) (*SnapshotView, error) {
	if err := versioning.RequireContributor(session); err != nil {
		return nil, err
	}
	snapshot, err := s.snapshot(ctx, kind, ref, sequence)
	if err != nil {
		return nil, err
	}
	if err := s.controller.Unflag(ctx, snapshot.ID, session); err != nil {
		return nil, err
	}
	s.log.WithContext(ctx).WithSession(session.ID).Info("snapshot unflagged",
		"kind", kind, "snapshot_id", snapshot.ID, "client_id", session.ClientID)
	return s.view(ctx, snapshot)
}

// Redirects lists the redirects targeting the entity at ref
func (s *EntityService) Redirects(ctx context.Context, kind, ref string) ([]models.RedirectEntry, error) {
	e, err := s.Resolve(ctx, kind, ref)
	if err != nil {
		return nil, err
	}
	return s.controller.Redirects(ctx, e)
}

// AddRedirect points identifier:value at the entity at ref
func (s *EntityService) AddRedirect(ctx context.Context, kind, ref, identifier, value string) error {
	e, err := s.Resolve(ctx, kind, ref)
	if err != nil {
		return err
	}
	return s.controller.AddRedirect(ctx, e, identifier, value)
}

// RemoveRedirect deletes the redirect identifier:value to the entity at ref
func (s *EntityService) RemoveRedirect(ctx context.Context, kind, ref, identifier, value string) error {
	e, err := s.Resolve(ctx, kind, ref)
	if err != nil {
		return err
	}
	return s.controller.RemoveRedirect(ctx, e, identifier, value)
}

// Diffs returns the diff feed
func (s *EntityService) Diffs(ctx context.Context, filter versioning.DiffFilter) ([]*models.DiffRecord, error) {
	return s.controller.Diffs(ctx, filter)
}

// Anomalies returns detected anomalies
func (s *EntityService) Anomalies(ctx context.Context, filter versioning.AnomalyFilter) ([]*models.Anomaly, error) {
	return s.controller.Anomalies(ctx, filter)
}

// snapshot loads one snapshot, from cache when it is closed
func (s *EntityService) snapshot(ctx context.Context, kind, ref string, sequence int) (*models.Snapshot, error) {
	e, err := s.Resolve(ctx, kind, ref)
	if err != nil {
		return nil, err
	}
	id := e.Versioning().ID
	key := snapshotKey(kind, id, sequence)

	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var cached models.Snapshot
			if err := json.Unmarshal(data, &cached); err == nil {
				return &cached, nil
			}
			s.log.Warn("dropping unreadable cached snapshot", "key", key)
			_ = s.cache.Delete(ctx, key)
		}
	}

	snapshot, err := s.controller.AtSequence(ctx, kind, id, sequence)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && !snapshot.IsOpen() {
		if data, err := json.Marshal(snapshot); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				s.log.Warn("failed to cache snapshot", "key", key, "error", err)
			}
		}
	}
	return snapshot, nil
}

func (s *EntityService) view(ctx context.Context, snapshot *models.Snapshot) (*SnapshotView, error) {
	flags, err := s.controller.Flags(ctx, snapshot.ID)
	if err != nil {
		return nil, err
	}
	if flags == nil {
		flags = []*models.FlagRecord{}
	}
	return &SnapshotView{Snapshot: snapshot, Flags: flags}, nil
}

// domainFields keeps the fields of body declared by kind, in kind order.
// Unknown fields are rejected; versioning columns are ignored.
func domainFields(kind *versioning.Kind, body models.Fields) (models.Fields, error) {
	out := models.Fields{}
	for _, f := range body {
		switch {
		case slices.Contains(kind.Fields, f.Name):
		case isMetaField(f.Name):
			continue
		default:
			return nil, fmt.Errorf("%w: %s has no field %q", ErrInvalidInput, kind.Name, f.Name)
		}
	}
	for _, name := range kind.Fields {
		if value, ok := body.Get(name); ok {
			out = append(out, models.Field{Name: name, Value: value})
		}
	}
	return out, nil
}

func isMetaField(name string) bool {
	switch name {
	case "id", "version", "created_at", "created_by", "modified_at", "modified_by":
		return true
	}
	return false
}

func snapshotKey(kind string, id int64, sequence int) string {
	return fmt.Sprintf("snapshot:%s:%d:%d", kind, id, sequence)
}
