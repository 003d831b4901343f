package versioning

import (
	"fmt"

	"github.com/odorie/api-gestion-poc/common/models"
)

// Entity is a versioned record handled by the Controller
type Entity interface {
	// Versioning returns the embedded versioning state
	Versioning() *Versioned

	// KindName returns the registered kind name
	KindName() string

	// Fields serializes the domain fields, in kind order
	Fields() models.Fields

	// SetFields loads domain fields, the reverse of Fields
	SetFields(models.Fields) error
}

// Versioned carries the versioning columns and the locked baseline.
// Embed it in domain entities.
type Versioned struct {
	models.Meta

	locked   int
	isLocked bool
}

// Versioning implements Entity
func (v *Versioned) Versioning() *Versioned {
	return v
}

// LockedVersion returns the baseline captured at load (0 for new entities)
func (v *Versioned) LockedVersion() int {
	return v.locked
}

// IsLocked reports whether the baseline has been captured
func (v *Versioned) IsLocked() bool {
	return v.isLocked
}

// SetLockedVersion sets the baseline of an entity built outside Load.
// The baseline can be set only once.
func (v *Versioned) SetLockedVersion(n int) {
	if v.isLocked {
		panic(fmt.Sprintf("locked version is read only (locked at %d)", v.locked))
	}
	v.locked = n
	v.isLocked = true
}

// IncrementVersion bumps the version before a save
func (v *Versioned) IncrementVersion() {
	v.Version++
}

// CheckVersion verifies the version is exactly one past the baseline
func (v *Versioned) CheckVersion() error {
	if v.Version != v.locked+1 {
		return fmt.Errorf("%w: wrong version number %d (locked at %d)", ErrVersionConflict, v.Version, v.locked)
	}
	return nil
}

// lockVersion captures the current version as baseline.
// Unsaved entities restart at version 1 with baseline 0.
func (v *Versioned) lockVersion() {
	if v.ID == 0 {
		v.Version = 1
		v.locked = 0
	} else {
		v.locked = v.Version
	}
	v.isLocked = true
}
