package versioning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/odorie/api-gestion-poc/common/models"
)

// Redirects maintains the redirect registry inside the caller's transaction
type Redirects struct {
	registry *Registry
}

// NewRedirects creates a redirect registry bound to the kind registry
func NewRedirects(registry *Registry) *Redirects {
	return &Redirects{registry: registry}
}

// Add registers identifier:value as a retired identifier of entity.
// The identifier must be declared on the kind, and value must differ from
// the entity's current value.
func (r *Redirects) Add(ctx context.Context, tx Tx, entity Entity, identifier, value string) error {
	kind, err := r.registry.Kind(entity.KindName())
	if err != nil {
		return err
	}
	if !kind.IsIdentifier(identifier) {
		return fmt.Errorf("%w: %s has no identifier %q", ErrInvalidIdentifier, kind.Name, identifier)
	}
	if currentValue(entity, identifier) == value {
		return fmt.Errorf("%w: %s %s:%s", ErrSelfRedirect, kind.Name, identifier, value)
	}

	return r.addTarget(ctx, tx, kind, entity.Versioning().ID, identifier, value)
}

// Remove deletes one redirect of entity
func (r *Redirects) Remove(ctx context.Context, tx Tx, entity Entity, identifier, value string) error {
	return tx.RemoveRedirect(ctx, models.RedirectEntry{
		EntityType: entity.KindName(),
		Identifier: identifier,
		Value:      value,
		EntityID:   entity.Versioning().ID,
	})
}

// Clear deletes every redirect targeting the entity
func (r *Redirects) Clear(ctx context.Context, tx Tx, kind string, id int64) error {
	return tx.ClearRedirects(ctx, kind, id)
}

// Follow returns the ids an identifier value redirects to
func (r *Redirects) Follow(ctx context.Context, tx Tx, kind, identifier, value string) ([]int64, error) {
	return tx.FollowRedirects(ctx, kind, identifier, value)
}

// List returns the redirects targeting an entity
func (r *Redirects) List(ctx context.Context, tx Tx, kind string, id int64) ([]models.RedirectEntry, error) {
	return tx.ListRedirects(ctx, kind, id)
}

// FromDiff registers the old values of changed identifiers.
// Only updates produce redirects, never creations or deletions.
func (r *Redirects) FromDiff(ctx context.Context, tx Tx, kind *Kind, diff *models.DiffRecord) error {
	if diff.OldID == nil || diff.NewID == nil {
		return nil
	}

	for _, identifier := range kind.Identifiers {
		change, ok := diff.Changes.Get(identifier)
		if !ok {
			continue
		}
		oldValue, newValue := valueString(change.Old), valueString(change.New)
		if oldValue == "" || newValue == "" {
			continue
		}
		if err := r.addTarget(ctx, tx, kind, diff.EntityID, identifier, oldValue); err != nil {
			return err
		}
	}
	return nil
}

// Reclaim points redirects for a newly adopted identifier value at the entity
// that now holds it, so a recycled value never resolves to its former owner.
// The entity's own entry for that value is then dropped: a value an entity
// currently holds resolves directly.
func (r *Redirects) Reclaim(ctx context.Context, tx Tx, kind *Kind, diff *models.DiffRecord) error {
	if diff.NewID == nil {
		return nil
	}

	for _, identifier := range kind.Identifiers {
		change, ok := diff.Changes.Get(identifier)
		if !ok {
			continue
		}
		newValue := valueString(change.New)
		if newValue == "" {
			continue
		}
		if err := tx.ReclaimRedirects(ctx, kind.Name, identifier, newValue, diff.EntityID); err != nil {
			return fmt.Errorf("failed to reclaim redirects: %w", err)
		}
		own := models.RedirectEntry{
			EntityType: kind.Name,
			Identifier: identifier,
			Value:      newValue,
			EntityID:   diff.EntityID,
		}
		if err := tx.RemoveRedirect(ctx, own); err != nil {
			return fmt.Errorf("failed to remove redirect %s: %w", own, err)
		}
	}
	return nil
}

// addTarget stores the redirect then collapses chains through propagate
func (r *Redirects) addTarget(ctx context.Context, tx Tx, kind *Kind, target int64, identifier, value string) error {
	entry := models.RedirectEntry{
		EntityType: kind.Name,
		Identifier: identifier,
		Value:      value,
		EntityID:   target,
	}
	if err := tx.AddRedirect(ctx, entry); err != nil {
		return fmt.Errorf("failed to add redirect %s: %w", entry, err)
	}
	return r.propagate(ctx, tx, kind, identifier, value, target)
}

// propagate handles an identifier that was a target becoming itself a redirect:
// when another entity still holds identifier:value, everything redirecting to
// it now redirects to target.
func (r *Redirects) propagate(ctx context.Context, tx Tx, kind *Kind, identifier, value string, target int64) error {
	column, err := kind.Column(identifier)
	if err != nil {
		return err
	}
	lookup, err := lookupValue(column, value)
	if err != nil {
		return nil
	}

	row, err := tx.FindRow(ctx, kind, column, lookup)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to propagate redirect: %w", err)
	}
	if row.ID == target {
		return nil
	}
	return tx.RetargetRedirects(ctx, kind.Name, row.ID, target)
}

// ParseRef splits an external reference into identifier and value.
// "insee:77316" gives (insee, 77316); a bare value is an id.
func ParseRef(ref string) (identifier, value string) {
	parts := strings.Split(ref, ":")
	if len(parts) == 1 {
		return "id", ref
	}
	return parts[0], parts[len(parts)-1]
}

// lookupValue converts a string value to the column's lookup type
func lookupValue(column, value string) (any, error) {
	if column != "id" {
		return value, nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: id %q is not an integer", ErrNotFound, value)
	}
	return id, nil
}

func currentValue(entity Entity, identifier string) string {
	if identifier == "id" || identifier == "pk" {
		return strconv.FormatInt(entity.Versioning().ID, 10)
	}
	return entity.Fields().String(identifier)
}

func valueString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return fmt.Sprint(value)
	}
}
