package models

import "github.com/odorie/api-gestion-poc/common/versioning"

// Kind names, used in URLs and stored on snapshots, diffs and redirects
const (
	KindMunicipality = "municipality"
	KindStreet       = "street"
)

// NewRegistry registers every kind served by the registry
func NewRegistry() (*versioning.Registry, error) {
	municipality := MunicipalityKind()
	return versioning.NewRegistry(municipality, StreetKind(municipality))
}
