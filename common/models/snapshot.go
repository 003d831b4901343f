package models

import "time"

// Meta holds the versioning columns shared by every versioned table
type Meta struct {
	// Primary key, assigned by the store on first save
	ID int64 `db:"id" json:"id"`

	// Optimistic locking version, starts at 1
	Version int `db:"version" json:"version"`

	// Audit fields (session ids)
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	CreatedBy  string    `db:"created_by" json:"created_by,omitempty"`
	ModifiedAt time.Time `db:"modified_at" json:"modified_at"`
	ModifiedBy string    `db:"modified_by" json:"modified_by,omitempty"`
}

// Row is a live entity row as stored: versioning columns plus domain fields
type Row struct {
	Meta
	Fields Fields
}

// Snapshot is the recorded state of an entity at one version
// Maps to: snapshot table
type Snapshot struct {
	ID int64 `db:"id" json:"id"`

	// Owning entity
	EntityType string `db:"entity_type" json:"resource"`
	EntityID   int64  `db:"entity_id" json:"resource_id"`

	// Equals the entity version at the time of the save
	Sequence int `db:"sequence" json:"sequence"`

	// Serialized entity fields (no versioning columns)
	Data Fields `db:"data" json:"data"`

	Period
}

// WithPeriod returns a copy of the snapshot carrying period p
func (s *Snapshot) WithPeriod(p Period) *Snapshot {
	out := *s
	out.Period = p
	return &out
}
