package versioning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/odorie/api-gestion-poc/common/logger"
	"github.com/odorie/api-gestion-poc/common/models"
	"github.com/stretchr/testify/require"
)

// town is a test entity with two alternate identifiers
type town struct {
	Versioned
	Name  string
	Insee string
	Siren string
}

func (t *town) KindName() string { return "town" }

func (t *town) Fields() models.Fields {
	return models.NewFields(
		"name", t.Name,
		"insee", optional(t.Insee),
		"siren", optional(t.Siren),
	)
}

func (t *town) SetFields(f models.Fields) error {
	t.Name = f.String("name")
	t.Insee = f.String("insee")
	t.Siren = f.String("siren")
	return nil
}

// road references a town
type road struct {
	Versioned
	Name   string
	TownID int64
}

func (r *road) KindName() string { return "road" }

func (r *road) Fields() models.Fields {
	return models.NewFields("name", r.Name, "town_id", r.TownID)
}

func (r *road) SetFields(f models.Fields) error {
	r.Name = f.String("name")
	r.TownID, _ = f.Int64("town_id")
	return nil
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func testKinds() []*Kind {
	townKind := &Kind{
		Name:        "town",
		Fields:      []string{"name", "insee", "siren"},
		Identifiers: []string{"insee", "siren"},
		Unique:      []string{"insee", "siren"},
		New:         func() Entity { return &town{} },
		Locality: func(ctx context.Context, tx Tx, fields models.Fields) (string, error) {
			return fields.String("insee"), nil
		},
	}
	roadKind := &Kind{
		Name:       "road",
		Fields:     []string{"name", "town_id"},
		References: map[string]string{"town_id": "town"},
		New:        func() Entity { return &road{} },
		Locality: func(ctx context.Context, tx Tx, fields models.Fields) (string, error) {
			id, ok := fields.Int64("town_id")
			if !ok {
				return "", nil
			}
			row, err := tx.FindRow(ctx, townKind, "id", id)
			if err != nil {
				return "", nil
			}
			return row.Fields.String("insee"), nil
		},
	}
	return []*Kind{townKind, roadKind}
}

// clock advances one second per call
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingPublisher struct {
	mu    sync.Mutex
	diffs []*models.DiffRecord
	err   error
}

func (p *recordingPublisher) PublishDiff(ctx context.Context, diff *models.DiffRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.diffs = append(p.diffs, diff)
	return p.err
}

// testEnv holds a controller over a fresh memory store
type testEnv struct {
	ctx        context.Context
	store      *MemoryStore
	registry   *Registry
	controller *Controller
	clock      *clock
	publisher  *recordingPublisher
	session    *Session
}

func setupTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	registry, err := NewRegistry(testKinds()...)
	require.NoError(t, err)

	env := &testEnv{
		ctx:       context.Background(),
		store:     NewMemoryStore(registry),
		registry:  registry,
		clock:     newClock(),
		publisher: &recordingPublisher{},
		session:   &Session{ID: "session-1", ClientID: "client-1", ContributorType: ContributorAdmin},
	}

	opts = append([]Option{WithClock(env.clock.Now), WithPublisher(env.publisher)}, opts...)
	env.controller = NewController(env.store, registry, logger.Discard(), opts...)
	return env
}

// createTown saves a new town
func (env *testEnv) createTown(t *testing.T, name, insee, siren string) *town {
	t.Helper()
	tw := &town{Name: name, Insee: insee, Siren: siren}
	require.NoError(t, env.controller.Save(env.ctx, tw, env.session))
	return tw
}

// loadTown reloads a town by id with a fresh baseline
func (env *testEnv) loadTown(t *testing.T, id int64) *town {
	t.Helper()
	e, err := env.controller.Load(env.ctx, "town", "id", id)
	require.NoError(t, err)
	return e.(*town)
}

// update applies mutate to a freshly loaded town and saves it
func (env *testEnv) update(t *testing.T, id int64, mutate func(*town)) *town {
	t.Helper()
	tw := env.loadTown(t, id)
	mutate(tw)
	tw.IncrementVersion()
	require.NoError(t, env.controller.Save(env.ctx, tw, env.session))
	return tw
}
