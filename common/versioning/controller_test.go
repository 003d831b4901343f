package versioning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSave_CreateRecordsFirstVersion(t *testing.T) {
	env := setupTestEnv(t)

	tw := env.createTown(t, "Melun", "77288", "")

	assert.NotZero(t, tw.ID)
	assert.Equal(t, 1, tw.Version)
	assert.Equal(t, 1, tw.LockedVersion())
	assert.Equal(t, "session-1", tw.CreatedBy)
	assert.Equal(t, "session-1", tw.ModifiedBy)
	assert.Equal(t, tw.CreatedAt, tw.ModifiedAt)

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Sequence)
	assert.True(t, history[0].IsOpen())
	assert.Equal(t, tw.ModifiedAt, history[0].ValidFrom)
	assert.Equal(t, "Melun", history[0].Data.String("name"))

	diffs, err := env.controller.Diffs(env.ctx, DiffFilter{EntityType: "town", EntityID: tw.ID})
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.True(t, diffs[0].IsCreation())
	assert.Equal(t, []string{"name", "insee"}, diffs[0].Changes.Fields())
	assert.Equal(t, "77288", diffs[0].Locality)

	require.Len(t, env.publisher.diffs, 1)
	assert.Equal(t, diffs[0].ID, env.publisher.diffs[0].ID)
}

func TestSave_UpdateClosesPreviousPeriod(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")

	updated := env.update(t, tw.ID, func(tw *town) { tw.Name = "Melun-sur-Seine" })

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, 2, updated.LockedVersion())
	assert.Equal(t, tw.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.ModifiedAt.After(updated.CreatedAt))

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	first, second := history[0], history[1]
	require.False(t, first.IsOpen())
	assert.Equal(t, updated.ModifiedAt, *first.ValidTo)
	assert.Equal(t, updated.ModifiedAt, second.ValidFrom)
	assert.True(t, second.IsOpen())
	assert.False(t, first.Overlaps(second.Period))

	diff, err := env.controller.DiffOf(env.ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, diff.Changes, 1)
	change, ok := diff.Changes.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Melun", change.Old)
	assert.Equal(t, "Melun-sur-Seine", change.New)
	require.NotNil(t, diff.Old)
	assert.Equal(t, first.ID, diff.Old.ID)
}

func TestSave_ConcurrentWritersOnlyOneWins(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")

	a := env.loadTown(t, tw.ID)
	b := env.loadTown(t, tw.ID)

	a.Name = "A"
	a.IncrementVersion()
	require.NoError(t, env.controller.Save(env.ctx, a, env.session))

	b.Name = "B"
	b.IncrementVersion()
	err := env.controller.Save(env.ctx, b, env.session)
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, 1, b.LockedVersion())

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	current := env.loadTown(t, tw.ID)
	assert.Equal(t, "A", current.Name)
	assert.Equal(t, 2, current.Version)
}

func TestSave_RejectsWrongVersion(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")

	loaded := env.loadTown(t, tw.ID)
	loaded.Name = "not incremented"
	require.ErrorIs(t, env.controller.Save(env.ctx, loaded, env.session), ErrVersionConflict)

	loaded.Version += 2
	require.ErrorIs(t, env.controller.Save(env.ctx, loaded, env.session), ErrVersionConflict)

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSave_ClosedPeriodIsConflict(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")

	// Another writer already recorded version 2 without touching the row
	err := env.store.Update(env.ctx, func(ctx context.Context, tx Tx) error {
		first, err := tx.SnapshotBySequence(ctx, "town", tw.ID, 1)
		if err != nil {
			return err
		}
		bound := env.clock.Now()
		if _, err := tx.ClosePeriod(ctx, first, bound); err != nil {
			return err
		}
		return tx.RecordSnapshot(ctx, &models.Snapshot{
			EntityType: "town",
			EntityID:   tw.ID,
			Sequence:   2,
			Data:       models.NewFields("name", "other"),
			Period:     models.OpenPeriod(bound),
		})
	})
	require.NoError(t, err)

	loaded := env.loadTown(t, tw.ID)
	loaded.Name = "mine"
	loaded.IncrementVersion()
	err = env.controller.Save(env.ctx, loaded, env.session)
	require.ErrorIs(t, err, ErrVersionConflict)

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	current := env.loadTown(t, tw.ID)
	assert.Equal(t, 1, current.Version)
	assert.Equal(t, "Melun", current.Name)
}

func TestSave_DuplicateIdentifier(t *testing.T) {
	env := setupTestEnv(t)
	env.createTown(t, "Melun", "77288", "")

	err := env.controller.Save(env.ctx, &town{Name: "Copy", Insee: "77288"}, env.session)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestSetLockedVersion(t *testing.T) {
	t.Run("sets baseline once", func(t *testing.T) {
		tw := &town{Name: "Melun"}
		tw.SetLockedVersion(3)
		assert.Equal(t, 3, tw.LockedVersion())
		assert.Panics(t, func() { tw.SetLockedVersion(4) })
	})

	t.Run("loaded entities are locked", func(t *testing.T) {
		env := setupTestEnv(t)
		tw := env.createTown(t, "Melun", "77288", "")
		loaded := env.loadTown(t, tw.ID)
		assert.Panics(t, func() { loaded.SetLockedVersion(1) })
	})

	t.Run("saved entities are locked", func(t *testing.T) {
		env := setupTestEnv(t)
		tw := env.createTown(t, "Melun", "77288", "")
		assert.Panics(t, func() { tw.SetLockedVersion(1) })
	})
}

func TestSave_DetachedEntityWithBaseline(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")

	detached := &town{Name: "Detached", Insee: "77288"}
	detached.ID = tw.ID
	detached.Version = 2
	detached.CreatedAt = tw.CreatedAt
	detached.SetLockedVersion(1)

	require.NoError(t, env.controller.Save(env.ctx, detached, env.session))
	assert.Equal(t, 2, detached.LockedVersion())
	assert.Equal(t, "Detached", env.loadTown(t, tw.ID).Name)
}

func TestAtTimeAndRestore(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")
	updated := env.update(t, tw.ID, func(tw *town) { tw.Name = "Renamed" })

	s, err := env.controller.AtTime(env.ctx, "town", tw.ID, tw.ModifiedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Sequence)

	s, err = env.controller.AtTime(env.ctx, "town", tw.ID, updated.ModifiedAt)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Sequence)

	_, err = env.controller.AtTime(env.ctx, "town", tw.ID, tw.CreatedAt.Add(-1))
	require.ErrorIs(t, err, ErrNotFound)

	first, err := env.controller.AtSequence(env.ctx, "town", tw.ID, 1)
	require.NoError(t, err)
	restored, err := env.controller.Restore(first)
	require.NoError(t, err)

	old := restored.(*town)
	assert.Equal(t, "Melun", old.Name)
	assert.Equal(t, tw.ID, old.ID)
	assert.Equal(t, 1, old.Version)
	assert.False(t, old.IsLocked())
}

func TestDelete(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")
	other := env.createTown(t, "Dammarie", "77152", "")

	loaded := env.loadTown(t, tw.ID)
	require.NoError(t, env.controller.AddRedirect(env.ctx, loaded, "insee", "77999"))

	require.NoError(t, env.controller.Delete(env.ctx, loaded, env.session))

	_, err := env.controller.Load(env.ctx, "town", "id", tw.ID)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = env.controller.Coerce(env.ctx, "town", "insee", "77999")
	require.ErrorIs(t, err, ErrNotFound)

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].IsOpen())

	diffs, err := env.controller.Diffs(env.ctx, DiffFilter{EntityType: "town", EntityID: tw.ID})
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	deletion := diffs[1]
	assert.True(t, deletion.IsDeletion())
	assert.Nil(t, deletion.New)
	assert.Equal(t, []string{"name", "insee"}, deletion.Changes.Fields())
	change, _ := deletion.Changes.Get("name")
	assert.Equal(t, "Melun", change.Old)
	assert.Nil(t, change.New)

	// Other rows are untouched
	assert.Equal(t, "Dammarie", env.loadTown(t, other.ID).Name)
}

func TestDelete_ReferencedEntityFails(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")

	rd := &road{Name: "Rue de la Paix", TownID: tw.ID}
	require.NoError(t, env.controller.Save(env.ctx, rd, env.session))

	loaded := env.loadTown(t, tw.ID)
	require.NoError(t, env.controller.AddRedirect(env.ctx, loaded, "insee", "77999"))

	err := env.controller.Delete(env.ctx, loaded, env.session)
	require.ErrorIs(t, err, ErrReferentialConflict)

	// Nothing was committed, redirects included
	assert.Equal(t, "Melun", env.loadTown(t, tw.ID).Name)
	_, err = env.controller.Coerce(env.ctx, "town", "insee", "77999")
	require.ErrorIs(t, err, ErrRedirected)
}

func TestDelete_StaleEntityConflicts(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")

	stale := env.loadTown(t, tw.ID)
	env.update(t, tw.ID, func(tw *town) { tw.Name = "Melun-sur-Seine" })

	err := env.controller.Delete(env.ctx, stale, env.session)
	require.ErrorIs(t, err, ErrVersionConflict)

	// Bumping the stale copy does not move its baseline
	stale.IncrementVersion()
	err = env.controller.Delete(env.ctx, stale, env.session)
	require.ErrorIs(t, err, ErrVersionConflict)

	// The row and its history are untouched
	assert.Equal(t, "Melun-sur-Seine", env.loadTown(t, tw.ID).Name)
	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsOpen())
	assert.True(t, history[1].IsOpen())

	diffs, err := env.controller.Diffs(env.ctx, DiffFilter{EntityType: "town", EntityID: tw.ID})
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.False(t, diffs[1].IsDeletion())

	// A fresh copy deletes and closes the latest version
	require.NoError(t, env.controller.Delete(env.ctx, env.loadTown(t, tw.ID), env.session))

	history, err = env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.False(t, history[1].IsOpen())

	diffs, err = env.controller.Diffs(env.ctx, DiffFilter{EntityType: "town", EntityID: tw.ID})
	require.NoError(t, err)
	require.Len(t, diffs, 3)
	deletion := diffs[2]
	require.True(t, deletion.IsDeletion())
	require.NotNil(t, deletion.Old)
	assert.Equal(t, 2, deletion.Old.Sequence)
	change, ok := deletion.Changes.Get("name")
	require.True(t, ok)
	assert.Equal(t, "Melun-sur-Seine", change.Old)
}

func TestHistory_ContiguousPeriods(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")
	for _, name := range []string{"Melun 2", "Melun 3", "Melun 4", "Melun 5"} {
		env.update(t, tw.ID, func(tw *town) { tw.Name = name })
	}

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	require.Len(t, history, 5)

	open := 0
	for i, s := range history {
		assert.Equal(t, i+1, s.Sequence)
		if s.IsOpen() {
			open++
		}
		if i+1 < len(history) {
			require.False(t, s.IsOpen(), "version %d", s.Sequence)
			assert.Equal(t, history[i+1].ValidFrom, *s.ValidTo, "version %d", s.Sequence)
		}

		at, err := env.controller.AtTime(env.ctx, "town", tw.ID, s.ValidFrom)
		require.NoError(t, err)
		assert.Equal(t, s.Sequence, at.Sequence)
	}
	assert.Equal(t, 1, open)
	assert.True(t, history[len(history)-1].IsOpen())
	assert.Equal(t, "Melun 5", history[len(history)-1].Data.String("name"))
}

func TestSave_ClockRunningBackwards(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	backwards := func() time.Time {
		calls++
		return start.Add(-time.Duration(calls) * time.Second)
	}
	env := setupTestEnv(t, WithClock(backwards))

	tw := env.createTown(t, "Melun", "77288", "")
	updated := env.update(t, tw.ID, func(tw *town) { tw.Name = "Renamed" })

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, tw.ModifiedAt, updated.ModifiedAt)

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	first, second := history[0], history[1]
	require.False(t, first.IsOpen())
	assert.Equal(t, second.ValidFrom, *first.ValidTo)
	assert.True(t, second.IsOpen())
	assert.False(t, first.Overlaps(second.Period))

	// The clamped update still reads back as the current version
	s, err := env.controller.AtTime(env.ctx, "town", tw.ID, updated.ModifiedAt)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Sequence)
}

func TestDiffLocalityFromReference(t *testing.T) {
	env := setupTestEnv(t)
	tw := env.createTown(t, "Melun", "77288", "")

	rd := &road{Name: "Rue de la Paix", TownID: tw.ID}
	require.NoError(t, env.controller.Save(env.ctx, rd, env.session))

	diffs, err := env.controller.Diffs(env.ctx, DiffFilter{Locality: "77288"})
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, "road", diffs[1].EntityType)
}

func TestSave_UnknownReferenceFails(t *testing.T) {
	env := setupTestEnv(t)

	err := env.controller.Save(env.ctx, &road{Name: "Nowhere", TownID: 42}, env.session)
	require.ErrorIs(t, err, ErrReferentialConflict)
}

func TestWithoutDiffs(t *testing.T) {
	env := setupTestEnv(t, WithoutDiffs())
	assert.False(t, env.controller.DiffsEnabled())

	tw := env.createTown(t, "Melun", "77288", "")
	env.update(t, tw.ID, func(tw *town) { tw.Insee = "77999" })

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	diffs, err := env.controller.Diffs(env.ctx, DiffFilter{})
	require.NoError(t, err)
	assert.Empty(t, diffs)
	assert.Empty(t, env.publisher.diffs)

	// No diff means no redirect for the retired value
	_, err = env.controller.Coerce(env.ctx, "town", "insee", "77288")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, env.controller.Delete(env.ctx, env.loadTown(t, tw.ID), env.session))
	history, err = env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	assert.True(t, history[1].IsOpen())
}

func TestDiffHookRollsBack(t *testing.T) {
	hookErr := errors.New("rejected by hook")
	env := setupTestEnv(t, WithDiffHook(func(ctx context.Context, tx Tx, kind *Kind, diff *models.DiffRecord) error {
		if c, ok := diff.Changes.Get("name"); ok && c.New == "forbidden" {
			return hookErr
		}
		return nil
	}))

	tw := env.createTown(t, "Melun", "77288", "")

	loaded := env.loadTown(t, tw.ID)
	loaded.Name = "forbidden"
	loaded.IncrementVersion()
	require.ErrorIs(t, env.controller.Save(env.ctx, loaded, env.session), hookErr)

	history, err := env.controller.History(env.ctx, "town", tw.ID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, "Melun", env.loadTown(t, tw.ID).Name)
}

func TestPublishFailureDoesNotFailSave(t *testing.T) {
	env := setupTestEnv(t)
	env.publisher.err = errors.New("queue closed")

	tw := env.createTown(t, "Melun", "77288", "")
	assert.Equal(t, 1, tw.Version)
	assert.Len(t, env.publisher.diffs, 1)
}

func TestMemoryStore_ViewIsReadOnly(t *testing.T) {
	env := setupTestEnv(t)

	err := env.store.View(env.ctx, func(ctx context.Context, tx Tx) error {
		return tx.AddRedirect(ctx, models.RedirectEntry{EntityType: "town", Identifier: "insee", Value: "1", EntityID: 1})
	})
	require.ErrorIs(t, err, ErrReadOnly)
}
