package versioning

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/odorie/api-gestion-poc/common/models"
)

// Kind describes one versioned entity type
type Kind struct {
	// Stable type name, stored on snapshots, diffs and redirects
	Name string

	// Table holding the live rows
	Table string

	// Domain columns in serialization order
	Fields []string

	// Alternate identifier fields, eligible for lookup and redirects
	Identifiers []string

	// Columns with a unique constraint (enforced by the memory store)
	Unique []string

	// Foreign keys: field name to referenced kind name (enforced by the memory store)
	References map[string]string

	// New returns an empty entity of this kind
	New func() Entity

	// Locality returns the reporting partition key of an entity's fields.
	// Optional; diffs carry "" when nil.
	Locality func(ctx context.Context, tx Tx, fields models.Fields) (string, error)
}

// Decode builds a live-shaped entity from serialized fields
func (k *Kind) Decode(fields models.Fields) (Entity, error) {
	e := k.New()
	if err := e.SetFields(fields.Clone()); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", k.Name, err)
	}
	return e, nil
}

// FromRow builds an entity from a stored row and locks its version
func (k *Kind) FromRow(row *models.Row) (Entity, error) {
	e, err := k.Decode(row.Fields)
	if err != nil {
		return nil, err
	}
	v := e.Versioning()
	v.Meta = row.Meta
	v.lockVersion()
	return e, nil
}

// IsIdentifier reports whether name can be used for lookups and redirects
func (k *Kind) IsIdentifier(name string) bool {
	return name == "id" || name == "pk" || slices.Contains(k.Identifiers, name)
}

// Column returns the column backing an identifier
func (k *Kind) Column(identifier string) (string, error) {
	if !k.IsIdentifier(identifier) {
		return "", fmt.Errorf("%w: %s has no identifier %q", ErrInvalidIdentifier, k.Name, identifier)
	}
	if identifier == "pk" {
		return "id", nil
	}
	return identifier, nil
}

// Registry maps kind names to their descriptors.
// It is built at startup and passed to the components that need it.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]*Kind
	order []string
}

// NewRegistry creates a registry holding the given kinds
func NewRegistry(kinds ...*Kind) (*Registry, error) {
	r := &Registry{kinds: make(map[string]*Kind)}
	for _, k := range kinds {
		if err := r.Register(k); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a kind
func (r *Registry) Register(k *Kind) error {
	if k.Name == "" || k.New == nil {
		return fmt.Errorf("kind requires a name and a constructor")
	}
	if k.Table == "" {
		k.Table = k.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[k.Name]; exists {
		return fmt.Errorf("kind already registered: %s", k.Name)
	}
	r.kinds[k.Name] = k
	r.order = append(r.order, k.Name)
	return nil
}

// Kind returns the descriptor registered under name
func (r *Registry) Kind(name string) (*Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kinds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, name)
	}
	return k, nil
}

// Kinds returns all kinds in registration order
func (r *Registry) Kinds() []*Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Kind, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.kinds[name])
	}
	return out
}
