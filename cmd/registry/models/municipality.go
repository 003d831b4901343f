package models

import (
	"context"

	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/versioning"
)

// Municipality is a commune
// Maps to: municipality table
type Municipality struct {
	versioning.Versioned

	Name string `json:"name"`

	// INSEE code, five characters (77316)
	Insee string `json:"insee,omitempty"`

	// SIREN number of the local authority
	Siren string `json:"siren,omitempty"`
}

func (m *Municipality) KindName() string { return KindMunicipality }

func (m *Municipality) Fields() models.Fields {
	return models.NewFields(
		"name", m.Name,
		"insee", nullable(m.Insee),
		"siren", nullable(m.Siren),
	)
}

func (m *Municipality) SetFields(f models.Fields) error {
	m.Name = f.String("name")
	m.Insee = f.String("insee")
	m.Siren = f.String("siren")
	return nil
}

// MunicipalityKind describes municipalities to the versioning core
func MunicipalityKind() *versioning.Kind {
	return &versioning.Kind{
		Name:        KindMunicipality,
		Table:       "municipality",
		Fields:      []string{"name", "insee", "siren"},
		Identifiers: []string{"insee", "siren"},
		Unique:      []string{"insee", "siren"},
		New:         func() versioning.Entity { return &Municipality{} },
		Locality: func(ctx context.Context, tx versioning.Tx, fields models.Fields) (string, error) {
			return fields.String("insee"), nil
		},
	}
}

// nullable stores empty strings as NULL so unique columns accept several blanks
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
