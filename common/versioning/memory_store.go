package versioning

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/odorie/api-gestion-poc/common/models"
)

// MemoryStore is an in-memory Store for tests and dry runs.
// Writers are serialized and every Update runs on a copy of the state that
// replaces the current one only when the function succeeds.
type MemoryStore struct {
	mu       sync.RWMutex
	registry *Registry
	state    *memoryState
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memoryTx)(nil)
)

type memoryState struct {
	rows      map[string]map[int64]*models.Row
	snapshots map[int64]*models.Snapshot
	diffs     []*models.DiffRecord
	redirects map[models.RedirectEntry]struct{}
	flags     map[int64]*models.FlagRecord
	anomalies []*models.Anomaly
	sequences map[string]int64
}

// NewMemoryStore creates an empty store for the kinds in registry
func NewMemoryStore(registry *Registry) *MemoryStore {
	return &MemoryStore{
		registry: registry,
		state: &memoryState{
			rows:      make(map[string]map[int64]*models.Row),
			snapshots: make(map[int64]*models.Snapshot),
			redirects: make(map[models.RedirectEntry]struct{}),
			flags:     make(map[int64]*models.FlagRecord),
			sequences: make(map[string]int64),
		},
	}
}

// Update runs fn in a write transaction
func (m *MemoryStore) Update(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{registry: m.registry, state: m.state.clone(), writable: true}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

// View runs fn against the committed state; writes fail with ErrReadOnly
func (m *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &memoryTx{registry: m.registry, state: m.state})
}

// clone copies the containers. Stored values are replaced, never mutated,
// so they can be shared between states.
func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		rows:      make(map[string]map[int64]*models.Row, len(s.rows)),
		snapshots: make(map[int64]*models.Snapshot, len(s.snapshots)),
		diffs:     append([]*models.DiffRecord(nil), s.diffs...),
		redirects: make(map[models.RedirectEntry]struct{}, len(s.redirects)),
		flags:     make(map[int64]*models.FlagRecord, len(s.flags)),
		anomalies: append([]*models.Anomaly(nil), s.anomalies...),
		sequences: make(map[string]int64, len(s.sequences)),
	}
	for kind, rows := range s.rows {
		cp := make(map[int64]*models.Row, len(rows))
		for id, row := range rows {
			cp[id] = row
		}
		out.rows[kind] = cp
	}
	for id, snapshot := range s.snapshots {
		out.snapshots[id] = snapshot
	}
	for entry := range s.redirects {
		out.redirects[entry] = struct{}{}
	}
	for id, flag := range s.flags {
		out.flags[id] = flag
	}
	for name, n := range s.sequences {
		out.sequences[name] = n
	}
	return out
}

func (s *memoryState) nextID(sequence string) int64 {
	s.sequences[sequence]++
	return s.sequences[sequence]
}

type memoryTx struct {
	registry *Registry
	state    *memoryState
	writable bool
}

func (t *memoryTx) checkWritable() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

// ---------------------------------------------------------------------------
// Rows

func (t *memoryTx) InsertRow(ctx context.Context, kind *Kind, meta models.Meta, fields models.Fields) (int64, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	if err := t.checkConstraints(kind, 0, fields); err != nil {
		return 0, err
	}

	meta.ID = t.state.nextID("row:" + kind.Name)
	rows := t.state.rows[kind.Name]
	if rows == nil {
		rows = make(map[int64]*models.Row)
		t.state.rows[kind.Name] = rows
	}
	rows[meta.ID] = &models.Row{Meta: meta, Fields: fields.Clone()}
	return meta.ID, nil
}

func (t *memoryTx) UpdateRow(ctx context.Context, kind *Kind, meta models.Meta, fields models.Fields) error {
	if err := t.checkWritable(); err != nil {
		return err
	}

	current, ok := t.state.rows[kind.Name][meta.ID]
	if !ok || current.Version != meta.Version-1 {
		return fmt.Errorf("%w: %s %d is not at version %d", ErrVersionConflict, kind.Name, meta.ID, meta.Version-1)
	}
	if err := t.checkConstraints(kind, meta.ID, fields); err != nil {
		return err
	}

	t.state.rows[kind.Name][meta.ID] = &models.Row{Meta: meta, Fields: fields.Clone()}
	return nil
}

func (t *memoryTx) DeleteRow(ctx context.Context, kind *Kind, id int64, version int) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	current, ok := t.state.rows[kind.Name][id]
	if !ok {
		return fmt.Errorf("%s %d: %w", kind.Name, id, ErrNotFound)
	}
	if current.Version != version {
		return fmt.Errorf("%w: %s %d is at version %d, not %d", ErrVersionConflict, kind.Name, id, current.Version, version)
	}

	for _, other := range t.registry.Kinds() {
		for field, target := range other.References {
			if target != kind.Name {
				continue
			}
			for _, row := range t.state.rows[other.Name] {
				if ref, ok := row.Fields.Int64(field); ok && ref == id {
					return fmt.Errorf("%w: %s %d is referenced by %s %d", ErrReferentialConflict, kind.Name, id, other.Name, row.ID)
				}
			}
		}
	}

	delete(t.state.rows[kind.Name], id)
	return nil
}

func (t *memoryTx) FindRow(ctx context.Context, kind *Kind, column string, value any) (*models.Row, error) {
	for _, row := range t.sortedRows(kind.Name) {
		var current any
		if column == "id" {
			current = row.ID
		} else {
			current, _ = row.Fields.Get(column)
		}
		if sameValue(current, value) {
			return &models.Row{Meta: row.Meta, Fields: row.Fields.Clone()}, nil
		}
	}
	return nil, fmt.Errorf("%s %s=%v: %w", kind.Name, column, value, ErrNotFound)
}

// checkConstraints emulates unique and foreign key constraints
func (t *memoryTx) checkConstraints(kind *Kind, id int64, fields models.Fields) error {
	for _, column := range kind.Unique {
		value, ok := fields.Get(column)
		if !ok || value == nil {
			continue
		}
		for _, row := range t.state.rows[kind.Name] {
			if row.ID == id {
				continue
			}
			if existing, _ := row.Fields.Get(column); sameValue(existing, value) {
				return fmt.Errorf("%w: %s %s=%v", ErrDuplicate, kind.Name, column, value)
			}
		}
	}

	for field, target := range kind.References {
		ref, ok := fields.Int64(field)
		if !ok {
			continue
		}
		if _, exists := t.state.rows[target][ref]; !exists {
			return fmt.Errorf("%w: %s %d does not exist", ErrReferentialConflict, target, ref)
		}
	}
	return nil
}

func (t *memoryTx) sortedRows(kind string) []*models.Row {
	rows := make([]*models.Row, 0, len(t.state.rows[kind]))
	for _, row := range t.state.rows[kind] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows
}

// ---------------------------------------------------------------------------
// Snapshots

func (t *memoryTx) RecordSnapshot(ctx context.Context, s *models.Snapshot) error {
	if err := t.checkWritable(); err != nil {
		return err
	}

	for _, existing := range t.state.snapshots {
		if existing.EntityType != s.EntityType || existing.EntityID != s.EntityID {
			continue
		}
		if existing.Sequence == s.Sequence {
			return fmt.Errorf("%w: %s %d already has version %d", ErrVersionConflict, s.EntityType, s.EntityID, s.Sequence)
		}
		if existing.Overlaps(s.Period) {
			return fmt.Errorf("%w: %s %d version %d overlaps version %d", ErrVersionConflict, s.EntityType, s.EntityID, s.Sequence, existing.Sequence)
		}
	}

	data, err := roundTrip(s.Data)
	if err != nil {
		return err
	}

	s.ID = t.state.nextID("snapshot")
	stored := *s
	stored.Data = data
	t.state.snapshots[s.ID] = &stored
	return nil
}

func (t *memoryTx) ClosePeriod(ctx context.Context, s *models.Snapshot, bound time.Time) (*models.Snapshot, error) {
	if err := t.checkWritable(); err != nil {
		return nil, err
	}

	current, ok := t.state.snapshots[s.ID]
	if !ok {
		return nil, fmt.Errorf("snapshot %d: %w", s.ID, ErrNotFound)
	}
	if !current.IsOpen() {
		return nil, fmt.Errorf("%w: %s %d version %d is already closed", ErrVersionConflict, current.EntityType, current.EntityID, current.Sequence)
	}

	period, err := current.WithUpper(bound)
	if err != nil {
		return nil, err
	}
	closed := current.WithPeriod(period)
	t.state.snapshots[s.ID] = closed
	return copySnapshot(closed), nil
}

func (t *memoryTx) History(ctx context.Context, entityType string, entityID int64) ([]*models.Snapshot, error) {
	history := make([]*models.Snapshot, 0)
	for _, s := range t.state.snapshots {
		if s.EntityType == entityType && s.EntityID == entityID {
			history = append(history, copySnapshot(s))
		}
	}
	sort.Slice(history, func(i, j int) bool { return history[i].Sequence < history[j].Sequence })
	return history, nil
}

func (t *memoryTx) SnapshotBySequence(ctx context.Context, entityType string, entityID int64, sequence int) (*models.Snapshot, error) {
	for _, s := range t.state.snapshots {
		if s.EntityType == entityType && s.EntityID == entityID && s.Sequence == sequence {
			return copySnapshot(s), nil
		}
	}
	return nil, fmt.Errorf("%s %d version %d: %w", entityType, entityID, sequence, ErrNotFound)
}

func (t *memoryTx) SnapshotAt(ctx context.Context, entityType string, entityID int64, at time.Time) (*models.Snapshot, error) {
	history, _ := t.History(ctx, entityType, entityID)
	for _, s := range history {
		if s.Contains(at) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%s %d at %s: %w", entityType, entityID, at.Format(time.RFC3339), ErrNotFound)
}

func (t *memoryTx) SnapshotByID(ctx context.Context, id int64) (*models.Snapshot, error) {
	s, ok := t.state.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %d: %w", id, ErrNotFound)
	}
	return copySnapshot(s), nil
}

// ---------------------------------------------------------------------------
// Diffs

func (t *memoryTx) InsertDiff(ctx context.Context, d *models.DiffRecord) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	for _, ref := range []*int64{d.OldID, d.NewID} {
		if ref == nil {
			continue
		}
		if _, ok := t.state.snapshots[*ref]; !ok {
			return fmt.Errorf("%w: snapshot %d does not exist", ErrReferentialConflict, *ref)
		}
	}

	d.ID = t.state.nextID("diff")
	stored := *d
	stored.Old, stored.New = nil, nil
	t.state.diffs = append(t.state.diffs, &stored)
	return nil
}

func (t *memoryTx) ListDiffs(ctx context.Context, filter DiffFilter) ([]*models.DiffRecord, error) {
	out := make([]*models.DiffRecord, 0)
	for _, d := range t.state.diffs {
		if d.ID <= filter.Since {
			continue
		}
		if filter.EntityType != "" && d.EntityType != filter.EntityType {
			continue
		}
		if filter.EntityID != 0 && d.EntityID != filter.EntityID {
			continue
		}
		if filter.Locality != "" && d.Locality != filter.Locality {
			continue
		}
		out = append(out, t.loadDiff(d))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (t *memoryTx) DiffBySnapshot(ctx context.Context, snapshotID int64) (*models.DiffRecord, error) {
	for _, d := range t.state.diffs {
		if d.NewID != nil && *d.NewID == snapshotID {
			return t.loadDiff(d), nil
		}
	}
	return nil, fmt.Errorf("diff of snapshot %d: %w", snapshotID, ErrNotFound)
}

func (t *memoryTx) loadDiff(d *models.DiffRecord) *models.DiffRecord {
	out := *d
	if d.OldID != nil {
		if s, ok := t.state.snapshots[*d.OldID]; ok {
			out.Old = copySnapshot(s)
		}
	}
	if d.NewID != nil {
		if s, ok := t.state.snapshots[*d.NewID]; ok {
			out.New = copySnapshot(s)
		}
	}
	return &out
}

// ---------------------------------------------------------------------------
// Redirects

func (t *memoryTx) AddRedirect(ctx context.Context, e models.RedirectEntry) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	t.state.redirects[e] = struct{}{}
	return nil
}

func (t *memoryTx) RemoveRedirect(ctx context.Context, e models.RedirectEntry) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	delete(t.state.redirects, e)
	return nil
}

func (t *memoryTx) ClearRedirects(ctx context.Context, entityType string, entityID int64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	for e := range t.state.redirects {
		if e.EntityType == entityType && e.EntityID == entityID {
			delete(t.state.redirects, e)
		}
	}
	return nil
}

func (t *memoryTx) FollowRedirects(ctx context.Context, entityType, identifier, value string) ([]int64, error) {
	ids := make([]int64, 0)
	for e := range t.state.redirects {
		if e.EntityType == entityType && e.Identifier == identifier && e.Value == value {
			ids = append(ids, e.EntityID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (t *memoryTx) ListRedirects(ctx context.Context, entityType string, entityID int64) ([]models.RedirectEntry, error) {
	out := make([]models.RedirectEntry, 0)
	for e := range t.state.redirects {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (t *memoryTx) RetargetRedirects(ctx context.Context, entityType string, from, to int64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	for e := range t.state.redirects {
		if e.EntityType != entityType || e.EntityID != from {
			continue
		}
		delete(t.state.redirects, e)
		e.EntityID = to
		t.state.redirects[e] = struct{}{}
	}
	return nil
}

func (t *memoryTx) ReclaimRedirects(ctx context.Context, entityType, identifier, value string, to int64) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	for e := range t.state.redirects {
		if e.EntityType != entityType || e.Identifier != identifier || e.Value != value || e.EntityID == to {
			continue
		}
		delete(t.state.redirects, e)
		e.EntityID = to
		t.state.redirects[e] = struct{}{}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Flags

func (t *memoryTx) AddFlag(ctx context.Context, f *models.FlagRecord) (bool, error) {
	if err := t.checkWritable(); err != nil {
		return false, err
	}
	if _, ok := t.state.snapshots[f.SnapshotID]; !ok {
		return false, fmt.Errorf("snapshot %d: %w", f.SnapshotID, ErrNotFound)
	}
	for _, existing := range t.state.flags {
		if existing.SnapshotID == f.SnapshotID && existing.ClientID == f.ClientID {
			return false, nil
		}
	}

	f.ID = t.state.nextID("flag")
	stored := *f
	t.state.flags[f.ID] = &stored
	return true, nil
}

func (t *memoryTx) RemoveFlag(ctx context.Context, snapshotID int64, clientID string) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	for id, f := range t.state.flags {
		if f.SnapshotID == snapshotID && f.ClientID == clientID {
			delete(t.state.flags, id)
		}
	}
	return nil
}

func (t *memoryTx) ListFlags(ctx context.Context, snapshotID int64) ([]*models.FlagRecord, error) {
	out := make([]*models.FlagRecord, 0)
	for _, f := range t.state.flags {
		if f.SnapshotID == snapshotID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// Anomalies

func (t *memoryTx) InsertAnomaly(ctx context.Context, a *models.Anomaly) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	a.ID = t.state.nextID("anomaly")
	stored := *a
	stored.SnapshotIDs = append([]int64(nil), a.SnapshotIDs...)
	t.state.anomalies = append(t.state.anomalies, &stored)
	return nil
}

func (t *memoryTx) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]*models.Anomaly, error) {
	out := make([]*models.Anomaly, 0)
	for _, a := range t.state.anomalies {
		if filter.Kind != "" && a.Kind != filter.Kind {
			continue
		}
		if filter.Locality != "" && a.Locality != filter.Locality {
			continue
		}
		cp := *a
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// helpers

func copySnapshot(s *models.Snapshot) *models.Snapshot {
	cp := *s
	cp.Data = s.Data.Clone()
	return &cp
}

// roundTrip stores data the way a JSON column would return it
func roundTrip(data models.Fields) (models.Fields, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot data: %w", err)
	}
	var out models.Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot data: %w", err)
	}
	return out, nil
}

// sameValue compares stored and lookup values, treating numbers by value
func sameValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
