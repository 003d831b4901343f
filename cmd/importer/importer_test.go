package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	registry "github.com/odorie/api-gestion-poc/cmd/registry/models"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/versioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T) *versioning.Controller {
	t.Helper()

	kinds, err := registry.NewRegistry()
	require.NoError(t, err)
	return versioning.NewController(versioning.NewMemoryStore(kinds), kinds, logger.Discard(), versioning.WithoutDiffs())
}

func newTestImporter(t *testing.T, controller *versioning.Controller, kind string) *Importer {
	t.Helper()

	im, err := NewImporter(controller, kind, &versioning.Session{ID: "importer"}, 4, logger.Discard())
	require.NoError(t, err)
	return im
}

func TestImporter_Run(t *testing.T) {
	ctx := context.Background()
	controller := newTestController(t)

	records, err := ReadCSV(strings.NewReader(municipalitiesCSV))
	require.NoError(t, err)

	result, err := newTestImporter(t, controller, registry.KindMunicipality).Run(ctx, records)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 3, result.Imported)
	assert.Empty(t, result.Failed)

	e, err := controller.Load(ctx, registry.KindMunicipality, "insee", "77288")
	require.NoError(t, err)
	m := e.(*registry.Municipality)
	assert.Equal(t, "Melun", m.Name)
	assert.Equal(t, 1, m.Version)
	assert.Equal(t, "importer", m.CreatedBy)

	history, err := controller.History(ctx, registry.KindMunicipality, m.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "imports store versions")

	diffs, err := controller.Diffs(ctx, versioning.DiffFilter{})
	require.NoError(t, err)
	assert.Empty(t, diffs, "imports store no diffs")
}

func TestImporter_Departement(t *testing.T) {
	ctx := context.Background()
	controller := newTestController(t)

	records, err := ReadCSV(strings.NewReader(municipalitiesCSV))
	require.NoError(t, err)

	im := newTestImporter(t, controller, registry.KindMunicipality)
	im.Departement = "33"
	result, err := im.Run(ctx, records)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Imported)
	assert.Equal(t, 2, result.Filtered)

	_, err = controller.Load(ctx, registry.KindMunicipality, "insee", "77288")
	assert.True(t, errors.Is(err, versioning.ErrNotFound))
}

func TestImporter_ReportsFailedRecords(t *testing.T) {
	ctx := context.Background()
	controller := newTestController(t)

	records, err := ReadCSV(strings.NewReader("name,insee,mayor\nMelun,77288,\nDammarie,77152,Dupont\nMelun bis,77288,\n"))
	require.NoError(t, err)

	// one worker so the first Melun wins
	im := newTestImporter(t, controller, registry.KindMunicipality)
	im.workers = 1
	result, err := im.Run(ctx, records)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Imported)
	require.Len(t, result.Failed, 2)
	assert.Equal(t, 3, result.Failed[0].Line)
	assert.ErrorContains(t, result.Failed[0].Err, `no field "mayor"`)
	assert.Equal(t, 4, result.Failed[1].Line)
	assert.True(t, errors.Is(result.Failed[1].Err, versioning.ErrDuplicate))
}

func TestImporter_Streets(t *testing.T) {
	ctx := context.Background()
	controller := newTestController(t)

	municipalities, err := ReadCSV(strings.NewReader("name,insee\nMelun,77288\n"))
	require.NoError(t, err)
	_, err = newTestImporter(t, controller, registry.KindMunicipality).Run(ctx, municipalities)
	require.NoError(t, err)

	melun, err := controller.Load(ctx, registry.KindMunicipality, "insee", "77288")
	require.NoError(t, err)
	require.Equal(t, int64(1), melun.Versioning().ID)

	streets, err := ReadCSV(strings.NewReader("name,fantoir,municipality_id\nRue de la Gare,772880001,1\nRue Perdue,772880002,999\nRue Sans Nom,772880003,abc\n"))
	require.NoError(t, err)

	result, err := newTestImporter(t, controller, registry.KindStreet).Run(ctx, streets)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Imported)
	require.Len(t, result.Failed, 2)
	assert.True(t, errors.Is(result.Failed[0].Err, versioning.ErrReferentialConflict))
	assert.ErrorContains(t, result.Failed[1].Err, "must be an integer")

	e, err := controller.Load(ctx, registry.KindStreet, "fantoir", "772880001")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.(*registry.Street).MunicipalityID)
}

func TestImporter_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records, err := ReadCSV(strings.NewReader(municipalitiesCSV))
	require.NoError(t, err)

	result, err := newTestImporter(t, newTestController(t), registry.KindMunicipality).Run(ctx, records)
	require.Error(t, err)
	assert.Zero(t, result.Imported)
}

func TestNewImporter_UnknownKind(t *testing.T) {
	_, err := NewImporter(newTestController(t), "address", nil, 1, logger.Discard())
	assert.True(t, errors.Is(err, versioning.ErrUnknownKind))
}
