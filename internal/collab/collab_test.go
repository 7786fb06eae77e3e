package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/axonstream/axonpulse/internal/models"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/axonstream/axonpulse/internal/streams"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(i int) *int { return &i }

// fakeStore is a minimal in-memory store.Store, following the package's
// sibling test fakes (connmgr, router) over a mocking framework.
type fakeStore struct {
	store.Store
	rooms     map[string]*models.Room
	snapshots map[string]*models.Snapshot
	branches  map[string]*models.Branch
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:     make(map[string]*models.Room),
		snapshots: make(map[string]*models.Snapshot),
		branches:  make(map[string]*models.Branch),
	}
}

func (f *fakeStore) GetRoom(ctx context.Context, orgID, roomID string) (*models.Room, error) {
	r, ok := f.rooms[roomID]
	if !ok {
		return nil, assertNotFound
	}
	return r, nil
}

func (f *fakeStore) UpsertRoom(ctx context.Context, orgID string, room *models.Room) error {
	f.rooms[room.ID] = room
	return nil
}

func (f *fakeStore) CreateSnapshot(ctx context.Context, orgID string, snap *models.Snapshot) error {
	f.snapshots[snap.ID] = snap
	return nil
}

func (f *fakeStore) GetSnapshot(ctx context.Context, orgID, snapshotID string) (*models.Snapshot, error) {
	s, ok := f.snapshots[snapshotID]
	if !ok {
		return nil, assertNotFound
	}
	return s, nil
}

func (f *fakeStore) ListSnapshots(ctx context.Context, orgID, roomID, branch string) ([]models.Snapshot, error) {
	var out []models.Snapshot
	for _, s := range f.snapshots {
		if s.RoomID == roomID && s.BranchName == branch {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertBranch(ctx context.Context, orgID string, branch *models.Branch) error {
	f.branches[branch.RoomID+"/"+branch.Name] = branch
	return nil
}

func (f *fakeStore) GetBranch(ctx context.Context, orgID, roomID, name string) (*models.Branch, error) {
	b, ok := f.branches[roomID+"/"+name]
	if !ok {
		return nil, assertNotFound
	}
	return b, nil
}

var assertNotFound = &notFoundErr{}

type notFoundErr struct{}

func (e *notFoundErr) Error() string { return "not found" }

func TestTransformPair_ConcurrentSet_LaterTimestampWins(t *testing.T) {
	now := time.Now()
	op := models.Operation{Type: models.OpSet, Path: []string{"title"}, Timestamp: now.Add(time.Second), ClientID: "a"}
	other := models.Operation{Type: models.OpSet, Path: []string{"title"}, Timestamp: now, ClientID: "b"}

	result, conflict, err := transformPair(op, other)
	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.Equal(t, op, result)
}

func TestTransformPair_ConcurrentSet_SameTimestampConflicts(t *testing.T) {
	now := time.Now()
	op := models.Operation{Type: models.OpSet, Path: []string{"title"}, Timestamp: now, ClientID: "a"}
	other := models.Operation{Type: models.OpSet, Path: []string{"title"}, Timestamp: now, ClientID: "b"}

	_, conflict, err := transformPair(op, other)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, []string{"title"}, conflict.Path)
}

func TestTransformPair_ArrayInsertVsInsert_ShiftsIndex(t *testing.T) {
	op := models.Operation{Type: models.OpArrayInsert, Path: []string{"items"}, Index: intp(2)}
	other := models.Operation{Type: models.OpArrayInsert, Path: []string{"items"}, Index: intp(1)}

	result, conflict, err := transformPair(op, other)
	require.NoError(t, err)
	assert.Nil(t, conflict)
	require.NotNil(t, result.Index)
	assert.Equal(t, 3, *result.Index)
}

func TestTransformPair_ArrayDeleteVsDelete_SameIndexConflicts(t *testing.T) {
	op := models.Operation{Type: models.OpArrayDelete, Path: []string{"items"}, Index: intp(2)}
	other := models.Operation{Type: models.OpArrayDelete, Path: []string{"items"}, Index: intp(2)}

	_, conflict, err := transformPair(op, other)
	require.NoError(t, err)
	require.NotNil(t, conflict)
}

func TestTransformPair_ArrayDeleteVsDelete_EarlierIndexShifts(t *testing.T) {
	op := models.Operation{Type: models.OpArrayDelete, Path: []string{"items"}, Index: intp(3)}
	other := models.Operation{Type: models.OpArrayDelete, Path: []string{"items"}, Index: intp(1)}

	result, conflict, err := transformPair(op, other)
	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.Equal(t, 2, *result.Index)
}

func TestTransformAgainst_MultipleIntervening(t *testing.T) {
	op := models.Operation{Type: models.OpArrayInsert, Path: []string{"items"}, Index: intp(0), BaseVersion: 1}
	intervening := []models.Operation{
		{Type: models.OpArrayInsert, Path: []string{"items"}, Index: intp(0), BaseVersion: 1},
		{Type: models.OpArrayInsert, Path: []string{"items"}, Index: intp(0), BaseVersion: 2},
	}

	result, conflict, err := transformAgainst(op, intervening)
	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.Equal(t, 2, *result.Index)
}

func TestApplyOperation_Set(t *testing.T) {
	state := json.RawMessage(`{"title":"old"}`)
	op := models.Operation{Type: models.OpSet, Path: []string{"title"}, Value: "new"}

	out, err := applyOperation(state, op)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &doc))
	assert.Equal(t, "new", doc["title"])
}

func TestApplyOperation_ArrayInsertAndDelete(t *testing.T) {
	state := json.RawMessage(`{"items":["a","c"]}`)
	insertOp := models.Operation{Type: models.OpArrayInsert, Path: []string{"items"}, Index: intp(1), Value: "b"}

	out, err := applyOperation(state, insertOp)
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &doc))
	items := doc["items"].([]interface{})
	assert.Equal(t, []interface{}{"a", "b", "c"}, items)

	deleteOp := models.Operation{Type: models.OpArrayDelete, Path: []string{"items"}, Index: intp(0)}
	out2, err := applyOperation(out, deleteOp)
	require.NoError(t, err)
	var doc2 map[string]interface{}
	require.NoError(t, json.Unmarshal(out2, &doc2))
	items2 := doc2["items"].([]interface{})
	assert.Equal(t, []interface{}{"b", "c"}, items2)
}

func TestApplyOperation_UnknownType(t *testing.T) {
	_, err := applyOperation(json.RawMessage(`{}`), models.Operation{Type: "bogus"})
	assert.Error(t, err)
}

func TestEngine_ApplyOperation_NoConflict(t *testing.T) {
	fs := newFakeStore()
	fs.rooms["room1"] = &models.Room{ID: "room1", Name: "magic:room1", State: json.RawMessage(`{}`), Version: 0}
	e := New(fs, nil, nil, 0, "")

	op := models.Operation{Type: models.OpSet, Path: []string{"title"}, Value: "hello", BaseVersion: 0, Timestamp: time.Now()}
	room, conflict, err := e.ApplyOperation(context.Background(), "acme", "room1", op)

	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.Equal(t, int64(1), room.Version)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(room.State, &doc))
	assert.Equal(t, "hello", doc["title"])
}

// TestEngine_ApplyOperation_TransformsAgainstRealInterveningOp exercises
// OT through the real ApplyOperation/opsSince path (backed by a real
// streams.Log) rather than calling transformAgainst directly, so a
// regression that breaks the op-log wiring shows up here even though
// TestTransformAgainst_MultipleIntervening would still pass in isolation.
func TestEngine_ApplyOperation_TransformsAgainstRealInterveningOp(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	logComp := streams.New(client, streams.Config{}, nil)

	fs := newFakeStore()
	fs.rooms["room1"] = &models.Room{ID: "room1", Name: "magic:room1", State: json.RawMessage(`{"items":["a","b"]}`), Version: 0}
	e := New(fs, nil, logComp, 0, "")

	// Client A inserts at index 0, based on version 0.
	opA := models.Operation{Type: models.OpArrayInsert, Path: []string{"items"}, Index: intp(0), Value: "x", BaseVersion: 0, Timestamp: time.Now()}
	_, conflict, err := e.ApplyOperation(context.Background(), "acme", "room1", opA)
	require.NoError(t, err)
	assert.Nil(t, conflict)

	// Client B also inserts at index 2, still based on version 0 (it
	// never saw A's op). Without reading A back from the op log, B's
	// insert would land verbatim at index 2 instead of shifting to 3.
	opB := models.Operation{Type: models.OpArrayInsert, Path: []string{"items"}, Index: intp(2), Value: "y", BaseVersion: 0, Timestamp: time.Now()}
	room, conflict, err := e.ApplyOperation(context.Background(), "acme", "room1", opB)
	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.Equal(t, int64(2), room.Version)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(room.State, &doc))
	items := doc["items"].([]interface{})
	assert.Equal(t, []interface{}{"x", "a", "b", "y"}, items)
}

func TestEngine_CreateAndRevertSnapshot(t *testing.T) {
	fs := newFakeStore()
	fs.rooms["room1"] = &models.Room{ID: "room1", Name: "magic:room1", State: json.RawMessage(`{"v":1}`), Version: 5}
	e := New(fs, nil, nil, 0, "")

	snap, err := e.CreateSnapshot(context.Background(), "acme", "room1", "", "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, models.MainBranch, snap.BranchName)
	assert.Equal(t, int64(5), snap.Version)

	// Three more operations land after the snapshot (version 5 -> 8)
	// before the revert; the post-revert version must keep climbing
	// from the room's current version, never from the snapshot's.
	fs.rooms["room1"].State = json.RawMessage(`{"v":2}`)
	fs.rooms["room1"].Version = 8

	reverted, err := e.RevertToSnapshot(context.Background(), "acme", "room1", snap.ID, RevertForce)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(reverted.State))
	assert.Equal(t, int64(9), reverted.Version)
}

func TestEngine_MergeBranches_AutoConflict(t *testing.T) {
	fs := newFakeStore()
	srcSnap := &models.Snapshot{ID: "snap-src", RoomID: "room1", State: json.RawMessage(`{"title":"from-source"}`), Version: 2}
	tgtSnap := &models.Snapshot{ID: "snap-tgt", RoomID: "room1", State: json.RawMessage(`{"title":"from-target"}`), Version: 2}
	fs.snapshots[srcSnap.ID] = srcSnap
	fs.snapshots[tgtSnap.ID] = tgtSnap
	fs.branches["room1/feature"] = &models.Branch{Name: "feature", RoomID: "room1", HeadSnapshotID: srcSnap.ID}
	fs.branches["room1/main"] = &models.Branch{Name: "main", RoomID: "room1", HeadSnapshotID: tgtSnap.ID}

	e := New(fs, nil, nil, 0, "")
	_, conflicts, err := e.MergeBranches(context.Background(), "acme", "room1", "feature", "main", MergeAuto)

	require.Error(t, err)
	assert.NotEmpty(t, conflicts)
}

func TestEngine_MergeBranches_Theirs(t *testing.T) {
	fs := newFakeStore()
	srcSnap := &models.Snapshot{ID: "snap-src", RoomID: "room1", State: json.RawMessage(`{"title":"from-source"}`), Version: 2}
	tgtSnap := &models.Snapshot{ID: "snap-tgt", RoomID: "room1", State: json.RawMessage(`{"title":"from-target"}`), Version: 2}
	fs.snapshots[srcSnap.ID] = srcSnap
	fs.snapshots[tgtSnap.ID] = tgtSnap
	fs.branches["room1/feature"] = &models.Branch{Name: "feature", RoomID: "room1", HeadSnapshotID: srcSnap.ID}
	fs.branches["room1/main"] = &models.Branch{Name: "main", RoomID: "room1", HeadSnapshotID: tgtSnap.ID}

	e := New(fs, nil, nil, 0, "")
	merged, conflicts, err := e.MergeBranches(context.Background(), "acme", "room1", "feature", "main", MergeTheirs)

	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.JSONEq(t, `{"title":"from-source"}`, string(merged.State))
}

func TestDiffStates(t *testing.T) {
	a := json.RawMessage(`{"x":1,"y":2}`)
	b := json.RawMessage(`{"x":1,"z":3}`)

	diffs := diffStates(a, b)

	var types []string
	for _, d := range diffs {
		types = append(types, d.Type)
	}
	assert.ElementsMatch(t, []string{"removed", "added"}, types)
}
