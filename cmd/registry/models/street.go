package models

import (
	"context"
	"errors"
	"fmt"

	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

// Street is a named way inside a municipality
// Maps to: street table
type Street struct {
	versioning.Versioned

	Name string `json:"name"`

	// FANTOIR code of the way, when known
	Fantoir string `json:"fantoir,omitempty"`

	MunicipalityID int64 `json:"municipality_id"`
}

func (s *Street) KindName() string { return KindStreet }

func (s *Street) Fields() models.Fields {
	return models.NewFields(
		"name", s.Name,
		"fantoir", nullable(s.Fantoir),
		"municipality_id", s.MunicipalityID,
	)
}

func (s *Street) SetFields(f models.Fields) error {
	s.Name = f.String("name")
	s.Fantoir = f.String("fantoir")
	if v, ok := f.Get("municipality_id"); ok && v != nil {
		id, ok := f.Int64("municipality_id")
		if !ok {
			return fmt.Errorf("municipality_id must be an integer, got %T", v)
		}
		s.MunicipalityID = id
	}
	return nil
}

// StreetKind describes streets to the versioning core.
// Diffs are partitioned by the INSEE code of the parent municipality.
func StreetKind(municipality *versioning.Kind) *versioning.Kind {
	return &versioning.Kind{
		Name:        KindStreet,
		Table:       "street",
		Fields:      []string{"name", "fantoir", "municipality_id"},
		Identifiers: []string{"fantoir"},
		Unique:      []string{"fantoir"},
		References:  map[string]string{"municipality_id": KindMunicipality},
		New:         func() versioning.Entity { return &Street{} },
		Locality: func(ctx context.Context, tx versioning.Tx, fields models.Fields) (string, error) {
			id, ok := fields.Int64("municipality_id")
			if !ok {
				return "", nil
			}
			row, err := tx.FindRow(ctx, municipality, "id", id)
			if errors.Is(err, versioning.ErrNotFound) {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			return row.Fields.String("insee"), nil
		},
	}
}
