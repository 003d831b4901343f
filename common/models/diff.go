package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Change is the old and new value of one field. A nil side means absent.
type Change struct {
	Field string `json:"-"`
	Old   any    `json:"old"`
	New   any    `json:"new"`
}

// Changes is the ordered field-level delta between two snapshots.
// It marshals as {"field": {"old": ..., "new": ...}}.
type Changes []Change

// Get returns the change for a field
func (c Changes) Get(field string) (Change, bool) {
	for _, change := range c {
		if change.Field == field {
			return change, true
		}
	}
	return Change{}, false
}

// Fields returns the changed field names in order
func (c Changes) Fields() []string {
	names := make([]string, len(c))
	for i, change := range c {
		names[i] = change.Field
	}
	return names
}

// MarshalJSON writes the changes as an ordered JSON object
func (c Changes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, change := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(change.Field)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(change)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal change %s: %w", change.Field, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads an ordered JSON object of changes
func (c *Changes) UnmarshalJSON(data []byte) error {
	var raw Fields
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := make(Changes, 0, len(raw))
	for _, field := range raw {
		pair, ok := field.Value.(map[string]any)
		if !ok {
			return fmt.Errorf("change %s is not an object", field.Name)
		}
		out = append(out, Change{Field: field.Name, Old: pair["old"], New: pair["new"]})
	}
	*c = out
	return nil
}

// DiffRecord is the stored delta between two consecutive snapshots
// Maps to: diff table
type DiffRecord struct {
	// Incremental id, used as the feed cursor
	ID int64 `db:"id" json:"increment"`

	EntityType string `db:"entity_type" json:"resource"`
	EntityID   int64  `db:"entity_id" json:"resource_id"`

	// Snapshot references: OldID is nil on creation, NewID is nil on deletion
	OldID *int64 `db:"old_id" json:"-"`
	NewID *int64 `db:"new_id" json:"-"`

	// Loaded snapshots, for reporting
	Old *Snapshot `db:"-" json:"-"`
	New *Snapshot `db:"-" json:"-"`

	Changes Changes `db:"changes" json:"changes"`

	// Partition key for reporting (municipality code)
	Locality string `db:"locality" json:"locality"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsCreation reports whether the diff records an entity creation
func (d *DiffRecord) IsCreation() bool {
	return d.OldID == nil && d.NewID != nil
}

// IsDeletion reports whether the diff records an entity deletion
func (d *DiffRecord) IsDeletion() bool {
	return d.NewID == nil
}

// MarshalJSON adds the old and new snapshot data to the feed form
func (d *DiffRecord) MarshalJSON() ([]byte, error) {
	type alias DiffRecord
	out := struct {
		*alias
		OldData any `json:"old"`
		NewData any `json:"new"`
	}{alias: (*alias)(d)}
	if d.Old != nil {
		out.OldData = d.Old.Data
	}
	if d.New != nil {
		out.NewData = d.New.Data
	}
	return json.Marshal(out)
}
