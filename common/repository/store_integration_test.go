//go:build integration

package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	registry "github.com/odorie/api-gestion-poc/cmd/registry/models"
	"github.com/odorie/api-gestion-poc/common/db"
	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/odorie/api-gestion-poc/common/testutil/containers"
	"github.com/odorie/api-gestion-poc/common/versioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	ctx        context.Context
	store      *Store
	controller *versioning.Controller
	session    *versioning.Session
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	ctx := context.Background()
	log := logger.Discard()
	pg := containers.NewPostgresContainer(t)

	require.NoError(t, db.Migrate(pg.URL, log))

	poolConfig, err := pgxpool.ParseConfig(pg.URL)
	require.NoError(t, err)
	database, err := db.Connect(ctx, poolConfig, log)
	require.NoError(t, err)
	t.Cleanup(database.Close)

	kinds, err := registry.NewRegistry()
	require.NoError(t, err)

	store := NewStore(database)
	return &testEnv{
		ctx:        ctx,
		store:      store,
		controller: versioning.NewController(store, kinds, log),
		session:    &versioning.Session{ID: "session-1", ClientID: "client-1", ContributorType: versioning.ContributorAdmin},
	}
}

func (env *testEnv) load(t *testing.T, id int64) *registry.Municipality {
	t.Helper()
	e, err := env.controller.Load(env.ctx, registry.KindMunicipality, "id", id)
	require.NoError(t, err)
	return e.(*registry.Municipality)
}

func TestStore_VersionLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	m := &registry.Municipality{Name: "Moret-sur-Loing", Insee: "77316"}
	require.NoError(t, env.controller.Save(env.ctx, m, env.session))
	assert.Equal(t, 1, m.Version)

	loaded := env.load(t, m.ID)
	assert.Equal(t, "Moret-sur-Loing", loaded.Name)
	assert.True(t, loaded.CreatedAt.Equal(m.CreatedAt))

	loaded.Name = "Orvanne"
	loaded.IncrementVersion()
	require.NoError(t, env.controller.Save(env.ctx, loaded, env.session))

	history, err := env.controller.History(env.ctx, registry.KindMunicipality, m.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Moret-sur-Loing", history[0].Data.String("name"))
	assert.Equal(t, []string{"name", "insee", "siren"}, history[0].Data.Keys(), "json column keeps field order")
	require.NotNil(t, history[0].ValidTo)
	assert.True(t, history[0].ValidTo.Equal(history[1].ValidFrom))
	assert.True(t, history[1].IsOpen())

	diff, err := env.controller.DiffOf(env.ctx, history[1].ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, diff.Changes.Fields())
	assert.Equal(t, "77316", diff.Locality)
	require.NotNil(t, diff.Old)
	assert.Equal(t, history[0].ID, diff.Old.ID)

	at, err := env.controller.AtTime(env.ctx, registry.KindMunicipality, m.ID, m.ModifiedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, at.Sequence)
}

func TestStore_ConcurrentSaveConflicts(t *testing.T) {
	env := setupTestEnv(t)

	m := &registry.Municipality{Name: "Melun", Insee: "77288"}
	require.NoError(t, env.controller.Save(env.ctx, m, env.session))

	a := env.load(t, m.ID)
	b := env.load(t, m.ID)

	a.Name = "A"
	a.IncrementVersion()
	require.NoError(t, env.controller.Save(env.ctx, a, env.session))

	b.Name = "B"
	b.IncrementVersion()
	require.ErrorIs(t, env.controller.Save(env.ctx, b, env.session), versioning.ErrVersionConflict)
	require.ErrorIs(t, env.controller.Delete(env.ctx, b, env.session), versioning.ErrVersionConflict)
	assert.Equal(t, "A", env.load(t, m.ID).Name)

	history, err := env.controller.History(env.ctx, registry.KindMunicipality, m.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestStore_SnapshotConstraints(t *testing.T) {
	env := setupTestEnv(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	err := env.store.Update(env.ctx, func(ctx context.Context, tx versioning.Tx) error {
		first := &models.Snapshot{EntityType: "municipality", EntityID: 99, Sequence: 1, Period: models.OpenPeriod(now)}
		if err := tx.RecordSnapshot(ctx, first); err != nil {
			return err
		}
		second := &models.Snapshot{EntityType: "municipality", EntityID: 99, Sequence: 2, Period: models.OpenPeriod(now.Add(time.Second))}
		return tx.RecordSnapshot(ctx, second)
	})
	require.ErrorIs(t, err, versioning.ErrVersionConflict, "two open periods overlap")

	err = env.store.Update(env.ctx, func(ctx context.Context, tx versioning.Tx) error {
		first := &models.Snapshot{EntityType: "municipality", EntityID: 99, Sequence: 1, Period: models.OpenPeriod(now)}
		if err := tx.RecordSnapshot(ctx, first); err != nil {
			return err
		}
		if _, err := tx.ClosePeriod(ctx, first, now.Add(time.Second)); err != nil {
			return err
		}
		_, err := tx.ClosePeriod(ctx, first, now.Add(2*time.Second))
		return err
	})
	require.ErrorIs(t, err, versioning.ErrVersionConflict, "closing twice")

	err = env.store.Update(env.ctx, func(ctx context.Context, tx versioning.Tx) error {
		first := &models.Snapshot{EntityType: "municipality", EntityID: 99, Sequence: 1, Period: models.OpenPeriod(now)}
		if err := tx.RecordSnapshot(ctx, first); err != nil {
			return err
		}
		dup := &models.Snapshot{EntityType: "municipality", EntityID: 99, Sequence: 1, Period: models.OpenPeriod(now)}
		return tx.RecordSnapshot(ctx, dup)
	})
	require.ErrorIs(t, err, versioning.ErrVersionConflict, "duplicate sequence")
}

func TestStore_RedirectsAndCoerce(t *testing.T) {
	env := setupTestEnv(t)

	a := &registry.Municipality{Name: "Old", Insee: "77001"}
	b := &registry.Municipality{Name: "New", Insee: "77002"}
	require.NoError(t, env.controller.Save(env.ctx, a, env.session))
	require.NoError(t, env.controller.Save(env.ctx, b, env.session))

	require.NoError(t, env.controller.AddRedirect(env.ctx, env.load(t, a.ID), "insee", "77000"))
	require.NoError(t, env.controller.AddRedirect(env.ctx, env.load(t, b.ID), "insee", "77001"))

	_, err := env.controller.Coerce(env.ctx, registry.KindMunicipality, "insee", "77000")
	var redirect *versioning.RedirectError
	require.True(t, errors.As(err, &redirect))
	assert.Equal(t, b.ID, redirect.Target)

	// b renames: the freed value redirects to b
	renamed := env.load(t, b.ID)
	renamed.Insee = "77003"
	renamed.IncrementVersion()
	require.NoError(t, env.controller.Save(env.ctx, renamed, env.session))

	_, err = env.controller.Coerce(env.ctx, registry.KindMunicipality, "insee", "77002")
	require.True(t, errors.As(err, &redirect))
	assert.Equal(t, b.ID, redirect.Target)

	require.NoError(t, env.controller.AddRedirect(env.ctx, env.load(t, a.ID), "insee", "77777"))
	require.NoError(t, env.controller.AddRedirect(env.ctx, env.load(t, b.ID), "insee", "77777"))
	_, err = env.controller.Coerce(env.ctx, registry.KindMunicipality, "insee", "77777")
	require.ErrorIs(t, err, versioning.ErrAmbiguousRedirect)
}

func TestStore_DeleteAndReferences(t *testing.T) {
	env := setupTestEnv(t)

	m := &registry.Municipality{Name: "Melun", Insee: "77288"}
	require.NoError(t, env.controller.Save(env.ctx, m, env.session))

	s := &registry.Street{Name: "Rue de la Paix", MunicipalityID: m.ID}
	require.NoError(t, env.controller.Save(env.ctx, s, env.session))

	diffs, err := env.controller.Diffs(env.ctx, versioning.DiffFilter{EntityType: registry.KindStreet})
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "77288", diffs[0].Locality)

	err = env.controller.Delete(env.ctx, env.load(t, m.ID), env.session)
	require.ErrorIs(t, err, versioning.ErrReferentialConflict)

	street, err := env.controller.Load(env.ctx, registry.KindStreet, "id", s.ID)
	require.NoError(t, err)
	require.NoError(t, env.controller.Delete(env.ctx, street, env.session))
	require.NoError(t, env.controller.Delete(env.ctx, env.load(t, m.ID), env.session))

	_, err = env.controller.Load(env.ctx, registry.KindMunicipality, "id", m.ID)
	require.ErrorIs(t, err, versioning.ErrNotFound)

	diffs, err = env.controller.Diffs(env.ctx, versioning.DiffFilter{EntityType: registry.KindMunicipality, EntityID: m.ID})
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.True(t, diffs[1].IsDeletion())
}

func TestStore_FlagsAndAnomalies(t *testing.T) {
	env := setupTestEnv(t)

	m := &registry.Municipality{Name: "Melun", Insee: "77288"}
	require.NoError(t, env.controller.Save(env.ctx, m, env.session))
	snapshot, err := env.controller.AtSequence(env.ctx, registry.KindMunicipality, m.ID, 1)
	require.NoError(t, err)

	require.NoError(t, env.controller.Flag(env.ctx, snapshot.ID, env.session))
	require.NoError(t, env.controller.Flag(env.ctx, snapshot.ID, env.session))
	flags, err := env.controller.Flags(env.ctx, snapshot.ID)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, versioning.ContributorAdmin, flags[0].ContributorType)

	require.NoError(t, env.controller.Unflag(env.ctx, snapshot.ID, env.session))
	flags, err = env.controller.Flags(env.ctx, snapshot.ID)
	require.NoError(t, err)
	assert.Empty(t, flags)

	err = env.store.Update(env.ctx, func(ctx context.Context, tx versioning.Tx) error {
		return tx.InsertAnomaly(ctx, &models.Anomaly{
			Kind:        "insee_change",
			SnapshotIDs: []int64{snapshot.ID},
			Locality:    "77288",
			CreatedAt:   time.Now().UTC(),
		})
	})
	require.NoError(t, err)

	anomalies, err := env.controller.Anomalies(env.ctx, versioning.AnomalyFilter{Locality: "77288"})
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, []int64{snapshot.ID}, anomalies[0].SnapshotIDs)
}

func TestStore_ViewIsReadOnly(t *testing.T) {
	env := setupTestEnv(t)

	err := env.store.View(env.ctx, func(ctx context.Context, tx versioning.Tx) error {
		return tx.AddRedirect(ctx, models.RedirectEntry{EntityType: "municipality", Identifier: "insee", Value: "1", EntityID: 1})
	})
	require.ErrorIs(t, err, versioning.ErrReadOnly)
}
