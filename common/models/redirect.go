package models

import (
	"encoding/json"
	"time"
)

// RedirectEntry maps a retired identifier value to the entity that now owns it.
// All four fields together form the identity.
// Maps to: redirect table
type RedirectEntry struct {
	EntityType string `db:"entity_type"`
	Identifier string `db:"identifier"`
	Value      string `db:"value"`
	EntityID   int64  `db:"entity_id"`
}

// String returns the "identifier:value" form
func (r RedirectEntry) String() string {
	return r.Identifier + ":" + r.Value
}

// MarshalJSON serializes the entry as "identifier:value"
func (r RedirectEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// FlagRecord is a moderation flag placed by a client on a snapshot.
// Unique per (SnapshotID, ClientID).
// Maps to: flag table
type FlagRecord struct {
	ID         int64  `db:"id" json:"-"`
	SnapshotID int64  `db:"snapshot_id" json:"-"`
	ClientID   string `db:"client_id" json:"-"`
	SessionID  string `db:"session_id" json:"-"`

	// Contributor type of the flagging session
	ContributorType string `db:"contributor_type" json:"by"`

	CreatedAt time.Time `db:"created_at" json:"at"`
}

// Anomaly is a suspicious change detected on one or more snapshots
// Maps to: anomaly table
type Anomaly struct {
	ID int64 `db:"id" json:"id"`

	// Name of the rule that matched
	Kind string `db:"kind" json:"kind"`

	// Snapshots involved in the change
	SnapshotIDs []int64 `db:"snapshot_ids" json:"versions"`

	Locality   string    `db:"locality" json:"locality"`
	Legitimate bool      `db:"legitimate" json:"legitimate"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
