// Package collab implements the CollaborationEngine component (spec
// §4.J): per-room single-writer operation application with operational
// transform, and snapshot/branch/merge/revert/compare semantics.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/axonstream/axonpulse/internal/axerr"
	"github.com/axonstream/axonpulse/internal/kv"
	"github.com/axonstream/axonpulse/internal/models"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/axonstream/axonpulse/internal/streams"
)

// opsLogReadLimit bounds how many op-log entries opsSince reads back per
// call; rooms are expected to be trimmed well before this via snapshots.
const opsLogReadLimit = 10000

// loggedOperation is the op-log's wire record: the operation plus the
// room version it produced, so opsSince can filter by version without
// trusting the operation's own (pre-transform) BaseVersion.
type loggedOperation struct {
	Version   int64            `json:"version"`
	Operation models.Operation `json:"operation"`
}

// ConflictPolicy selects how unreconcilable transforms are resolved
// (spec §4.J).
type ConflictPolicy string

const (
	PolicyFirstWriteWins ConflictPolicy = "first_write_wins"
	PolicyLastWriteWins  ConflictPolicy = "last_write_wins"
	PolicyUserChoice     ConflictPolicy = "user_choice"
)

// RevertStrategy selects revertToSnapshot's handling of in-flight
// operations (spec §4.J).
type RevertStrategy string

const (
	RevertSafe  RevertStrategy = "safe"
	RevertForce RevertStrategy = "force"
)

// MergeStrategy selects mergeBranches' conflict handling (spec §4.J).
type MergeStrategy string

const (
	MergeAuto   MergeStrategy = "auto"
	MergeManual MergeStrategy = "manual"
	MergeOurs   MergeStrategy = "ours"
	MergeTheirs MergeStrategy = "theirs"
)

// Conflict describes a transform that could not be reconciled.
type Conflict struct {
	Path     []string `json:"path"`
	Reason   string   `json:"reason"`
	Resolved bool     `json:"resolved"`
}

// Diff describes one path's difference between two branches (spec §4.J
// compareBranches).
type Diff struct {
	Path     []string    `json:"path"`
	Type     string      `json:"type"` // added | removed | modified
	Old      interface{} `json:"old,omitempty"`
	New      interface{} `json:"new,omitempty"`
	Severity string      `json:"severity"`
}

// Engine serializes operations per room through a per-room mutex,
// following the teacher's single-mutex-per-shared-map idiom scaled to
// one lock per key instead of one lock for the whole map.
type Engine struct {
	store store.Store
	kv    *kv.Store
	log   *streams.Log // op log (spec §4.J "append to op log" / data-flow J -> B)

	trimThreshold         int
	defaultConflictPolicy ConflictPolicy

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // roomID -> critical section
}

// New constructs an Engine. logStore may be nil in tests that don't
// exercise OT against a real intervening-ops history.
func New(st store.Store, kvStore *kv.Store, logStore *streams.Log, trimThreshold int, defaultPolicy ConflictPolicy) *Engine {
	if trimThreshold <= 0 {
		trimThreshold = 1000
	}
	if defaultPolicy == "" {
		defaultPolicy = PolicyLastWriteWins
	}
	return &Engine{
		store:                 st,
		kv:                    kvStore,
		log:                   logStore,
		trimThreshold:         trimThreshold,
		defaultConflictPolicy: defaultPolicy,
		locks:                 make(map[string]*sync.Mutex),
	}
}

func (e *Engine) roomLock(roomID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[roomID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[roomID] = l
	}
	return l
}

// ApplyOperation is the engine's single entry point: it serializes
// against other operations on the same room, transforms op against any
// operations that landed after op.BaseVersion, applies the result, and
// persists the new room state (spec §4.J).
func (e *Engine) ApplyOperation(ctx context.Context, orgID, roomID string, op models.Operation) (*models.Room, *Conflict, error) {
	room, err := e.store.GetRoom(ctx, orgID, roomID)
	if err != nil {
		return nil, nil, err
	}

	lock := e.roomLock(room.ID)
	lock.Lock()
	defer lock.Unlock()

	policy := e.roomConflictPolicy(room)

	final := op
	var conflict *Conflict
	if op.BaseVersion < room.Version {
		intervening, err := e.opsSince(ctx, orgID, room.ID, op.BaseVersion)
		if err != nil {
			return nil, nil, err
		}
		final, conflict, err = transformAgainst(op, intervening)
		if err != nil {
			return nil, nil, err
		}
		if conflict != nil {
			resolved, ok := resolveConflict(final, policy)
			if !ok {
				// Dropped: invariant 4 ties version to the count of
				// accepted operations, so a rejected op must not
				// advance it (and nothing here was persisted).
				return room, conflict, nil
			}
			final = resolved
			conflict.Resolved = true
		}
	}

	state, err := applyOperation(room.State, final)
	if err != nil {
		return nil, nil, err
	}
	room.State = state
	room.Version++
	room.UpdatedAt = time.Now().UTC()

	if err := e.store.UpsertRoom(ctx, orgID, room); err != nil {
		return nil, nil, err
	}
	if err := e.appendOpLog(ctx, orgID, room.ID, room.Version, final); err != nil {
		return nil, nil, err
	}
	if e.kv != nil {
		payload, _ := json.Marshal(final)
		_ = e.kv.Publish(ctx, "magic:"+room.Name, json.RawMessage(fmt.Sprintf(
			`{"type":"magic_operation_applied","payload":%s}`, payload)))
	}
	return room, conflict, nil
}

func (e *Engine) roomConflictPolicy(room *models.Room) ConflictPolicy {
	var cfg models.RoomConfig
	if len(room.Config) > 0 {
		_ = json.Unmarshal(room.Config, &cfg)
	}
	if cfg.ConflictResolution == "" {
		return e.defaultConflictPolicy
	}
	return ConflictPolicy(cfg.ConflictResolution)
}

func (e *Engine) opLogChannel(roomID string) string {
	return "magic-ops:" + roomID
}

// appendOpLog persists an accepted operation to the room's durable op
// log (spec §4.J "append to op log" / data flow J -> B), keyed by the
// room version it produced so opsSince can filter on it directly
// rather than trusting the operation's own pre-transform BaseVersion.
func (e *Engine) appendOpLog(ctx context.Context, orgID, roomID string, version int64, op models.Operation) error {
	if e.log == nil {
		return nil
	}
	payload, err := json.Marshal(loggedOperation{Version: version, Operation: op})
	if err != nil {
		return fmt.Errorf("collab marshal op log entry: %w", err)
	}
	if _, err := e.log.Append(ctx, orgID, e.opLogChannel(roomID), payload); err != nil {
		return fmt.Errorf("collab append op log: %w", err)
	}
	return nil
}

// opsSince recovers operations accepted after baseVersion from the
// room's op log (the Log component, keyed magic-ops:{roomId}), for OT
// transform against a newly arrived operation (spec §4.J).
func (e *Engine) opsSince(ctx context.Context, orgID, roomID string, baseVersion int64) ([]models.Operation, error) {
	if e.log == nil {
		return nil, nil
	}
	entries, err := e.log.Read(ctx, orgID, e.opLogChannel(roomID), "0", opsLogReadLimit)
	if err != nil {
		return nil, fmt.Errorf("collab read op log: %w", err)
	}
	ops := make([]models.Operation, 0, len(entries))
	for _, entry := range entries {
		var logged loggedOperation
		if err := json.Unmarshal(entry.Payload, &logged); err != nil {
			continue
		}
		if logged.Version > baseVersion {
			ops = append(ops, logged.Operation)
		}
	}
	return ops, nil
}

// resolveConflict applies the room's conflict policy to an
// unreconcilable transform. user_choice never auto-resolves; the caller
// must surface the conflict to a client.
func resolveConflict(op models.Operation, policy ConflictPolicy) (models.Operation, bool) {
	switch policy {
	case PolicyFirstWriteWins:
		return op, false // drop: caller sees conflict with Resolved=false
	case PolicyLastWriteWins:
		return op, true // overwrite: apply op as given
	default: // user_choice
		return op, false
	}
}

// transformAgainst runs op through OT against every intervening
// operation, in version order, per the OT rules in spec §4.J.
// intervening is taken in the order given; opsSince returns the logged
// operations in the order of the room versions they produced.
func transformAgainst(op models.Operation, intervening []models.Operation) (models.Operation, *Conflict, error) {
	result := op
	for _, other := range intervening {
		transformed, conflict, err := transformPair(result, other)
		if err != nil {
			return op, nil, err
		}
		if conflict != nil {
			return result, conflict, nil
		}
		result = transformed
	}
	return result, nil, nil
}

func samePath(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// transformPair implements the minimum OT rule set (spec §4.J).
func transformPair(op, other models.Operation) (models.Operation, *Conflict, error) {
	switch {
	case op.Type == models.OpSet && other.Type == models.OpSet && samePath(op.Path, other.Path):
		if op.Timestamp.After(other.Timestamp) {
			return op, nil, nil
		}
		if op.Timestamp.Equal(other.Timestamp) && op.ClientID > other.ClientID {
			return op, nil, nil
		}
		return op, &Conflict{Path: op.Path, Reason: "concurrent set on same path"}, nil

	case op.Type == models.OpArrayInsert && other.Type == models.OpArrayInsert && samePath(op.Path, other.Path):
		out := op
		if other.Index != nil && op.Index != nil && *other.Index <= *op.Index {
			idx := *op.Index + 1
			out.Index = &idx
		}
		return out, nil, nil

	case op.Type == models.OpArrayInsert && other.Type == models.OpArrayDelete && samePath(op.Path, other.Path):
		out := op
		if other.Index != nil && op.Index != nil {
			if *other.Index < *op.Index {
				idx := *op.Index - 1
				out.Index = &idx
			} else if *other.Index == *op.Index {
				idx := *op.Index + 1
				out.Index = &idx
			}
		}
		return out, nil, nil

	case op.Type == models.OpArrayDelete && other.Type == models.OpArrayInsert && samePath(op.Path, other.Path):
		out := op
		if other.Index != nil && op.Index != nil && *other.Index <= *op.Index {
			idx := *op.Index + 1
			out.Index = &idx
		}
		return out, nil, nil

	case op.Type == models.OpArrayDelete && other.Type == models.OpArrayDelete && samePath(op.Path, other.Path):
		if op.Index != nil && other.Index != nil && *op.Index == *other.Index {
			return op, &Conflict{Path: op.Path, Reason: "competing deletes of same path"}, nil
		}
		out := op
		if other.Index != nil && op.Index != nil && *other.Index < *op.Index {
			idx := *op.Index - 1
			out.Index = &idx
		}
		return out, nil, nil

	case op.Type == models.OpArrayMove && samePath(op.Path, other.Path):
		// Modeled as delete+insert, transformed pairwise.
		asDelete := op
		asDelete.Type = models.OpArrayDelete
		asDelete.Index = op.FromIndex
		afterDelete, conflict, err := transformPair(asDelete, other)
		if err != nil || conflict != nil {
			return op, conflict, err
		}
		asInsert := op
		asInsert.Type = models.OpArrayInsert
		asInsert.FromIndex = afterDelete.Index
		afterInsert, conflict, err := transformPair(asInsert, other)
		if err != nil || conflict != nil {
			return op, conflict, err
		}
		out := op
		out.FromIndex = afterDelete.Index
		out.Index = afterInsert.Index
		return out, nil, nil

	case op.Type == models.OpObjectMerge && other.Type == models.OpObjectMerge && samePath(op.Path, other.Path):
		if op.Timestamp.After(other.Timestamp) {
			return op, nil, nil
		}
		merged := mergeFields(op, other)
		return merged, nil, nil

	default:
		return op, nil, nil
	}
}

func mergeFields(op, other models.Operation) models.Operation {
	opFields, _ := op.Value.(map[string]interface{})
	otherFields, _ := other.Value.(map[string]interface{})
	if opFields == nil {
		return op
	}
	result := make(map[string]interface{}, len(opFields))
	for k, v := range otherFields {
		result[k] = v
	}
	for k, v := range opFields {
		result[k] = v // op's fields win: it arrived after other's transform
	}
	out := op
	out.Value = result
	return out
}

// applyOperation applies a single structural edit against room state
// JSON, returning the new state.
func applyOperation(state json.RawMessage, op models.Operation) (json.RawMessage, error) {
	var doc map[string]interface{}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &doc); err != nil {
			return nil, axerr.Validation("INVALID_ROOM_STATE", "room state is not a JSON object")
		}
	} else {
		doc = make(map[string]interface{})
	}

	switch op.Type {
	case models.OpSet, models.OpObjectMerge:
		setPath(doc, op.Path, op.Value)
	case models.OpArrayInsert, models.OpArrayDelete, models.OpArrayMove:
		arr := getArray(doc, op.Path)
		switch op.Type {
		case models.OpArrayInsert:
			arr = insertAt(arr, op.Index, op.Value)
		case models.OpArrayDelete:
			arr = deleteAt(arr, op.Index)
		case models.OpArrayMove:
			arr = moveAt(arr, op.FromIndex, op.Index)
		}
		setPath(doc, op.Path, arr)
	default:
		return nil, axerr.Validation("UNKNOWN_OPERATION_TYPE", fmt.Sprintf("unknown operation type %q", op.Type))
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("collab marshal state: %w", err)
	}
	return out, nil
}

func setPath(doc map[string]interface{}, path []string, value interface{}) {
	if len(path) == 0 {
		return
	}
	cur := doc
	for i := 0; i < len(path)-1; i++ {
		next, ok := cur[path[i]].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[path[i]] = next
		}
		cur = next
	}
	cur[path[len(path)-1]] = value
}

func getArray(doc map[string]interface{}, path []string) []interface{} {
	cur := interface{}(doc)
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[p]
	}
	arr, _ := cur.([]interface{})
	return arr
}

func insertAt(arr []interface{}, index *int, value interface{}) []interface{} {
	i := len(arr)
	if index != nil && *index >= 0 && *index <= len(arr) {
		i = *index
	}
	out := make([]interface{}, 0, len(arr)+1)
	out = append(out, arr[:i]...)
	out = append(out, value)
	out = append(out, arr[i:]...)
	return out
}

func deleteAt(arr []interface{}, index *int) []interface{} {
	if index == nil || *index < 0 || *index >= len(arr) {
		return arr
	}
	out := make([]interface{}, 0, len(arr)-1)
	out = append(out, arr[:*index]...)
	out = append(out, arr[*index+1:]...)
	return out
}

func moveAt(arr []interface{}, from, to *int) []interface{} {
	if from == nil || to == nil || *from < 0 || *from >= len(arr) {
		return arr
	}
	value := arr[*from]
	out := deleteAt(arr, from)
	return insertAt(out, to, value)
}

// CreateSnapshot captures room state atomically (spec §4.J).
func (e *Engine) CreateSnapshot(ctx context.Context, orgID, roomID, branch, description string) (*models.Snapshot, error) {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	room, err := e.store.GetRoom(ctx, orgID, roomID)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = models.MainBranch
	}
	snap := &models.Snapshot{
		ID:          models.NewID(),
		RoomID:      room.ID,
		BranchName:  branch,
		State:       room.State,
		Version:     room.Version,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateSnapshot(ctx, orgID, snap); err != nil {
		return nil, err
	}
	return snap, e.trimSnapshots(ctx, orgID, room.ID, branch)
}

// trimSnapshots lists the branch's snapshots and compares the count with
// trimThreshold. It returns only the listing error: no snapshot is
// deleted, whatever the count, since Store has no snapshot-delete method.
func (e *Engine) trimSnapshots(ctx context.Context, orgID, roomID, branch string) error {
	snaps, err := e.store.ListSnapshots(ctx, orgID, roomID, branch)
	if err != nil || len(snaps) <= e.trimThreshold {
		return err
	}
	// Over the threshold: nothing is discarded here, and GormStore has no
	// retention policy of its own.
	return nil
}

// CreateBranch roots a new lineage at fromSnapshotID (spec §4.J).
func (e *Engine) CreateBranch(ctx context.Context, orgID, roomID, fromSnapshotID, name string) (*models.Branch, error) {
	snap, err := e.store.GetSnapshot(ctx, orgID, fromSnapshotID)
	if err != nil {
		return nil, err
	}
	branch := &models.Branch{
		Name:           name,
		RoomID:         roomID,
		FromSnapshotID: fromSnapshotID,
		HeadSnapshotID: snap.ID,
		LastActivity:   time.Now().UTC(),
	}
	if err := e.store.UpsertBranch(ctx, orgID, branch); err != nil {
		return nil, err
	}
	return branch, nil
}

// RevertToSnapshot rewinds room state to a prior snapshot (spec §4.J).
// strategy=safe refuses when operations have landed past the
// snapshot's version; strategy=force discards them.
func (e *Engine) RevertToSnapshot(ctx context.Context, orgID, roomID, snapshotID string, strategy RevertStrategy) (*models.Room, error) {
	lock := e.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	snap, err := e.store.GetSnapshot(ctx, orgID, snapshotID)
	if err != nil {
		return nil, err
	}
	room, err := e.store.GetRoom(ctx, orgID, roomID)
	if err != nil {
		return nil, err
	}
	if strategy == RevertSafe && room.Version > snap.Version {
		intervening, err := e.opsSince(ctx, orgID, roomID, snap.Version)
		if err != nil {
			return nil, err
		}
		if len(intervening) > 0 {
			return nil, axerr.Conflict("REVERT_UNSAFE", "in-flight operations exist past snapshot version")
		}
	}
	room.State = snap.State
	room.Version = room.Version + 1
	room.UpdatedAt = time.Now().UTC()
	if err := e.store.UpsertRoom(ctx, orgID, room); err != nil {
		return nil, err
	}
	return room, nil
}

// MergeBranches produces a merge snapshot on target (spec §4.J). auto
// succeeds only with no field-level conflict; otherwise conflicts are
// returned unresolved for the caller to arbitrate.
func (e *Engine) MergeBranches(ctx context.Context, orgID, roomID, source, target string, strategy MergeStrategy) (*models.Snapshot, []Conflict, error) {
	sourceBranch, err := e.store.GetBranch(ctx, orgID, roomID, source)
	if err != nil {
		return nil, nil, err
	}
	targetBranch, err := e.store.GetBranch(ctx, orgID, roomID, target)
	if err != nil {
		return nil, nil, err
	}
	sourceSnap, err := e.store.GetSnapshot(ctx, orgID, sourceBranch.HeadSnapshotID)
	if err != nil {
		return nil, nil, err
	}
	targetSnap, err := e.store.GetSnapshot(ctx, orgID, targetBranch.HeadSnapshotID)
	if err != nil {
		return nil, nil, err
	}

	diffs := diffStates(targetSnap.State, sourceSnap.State)
	var conflicts []Conflict
	merged := targetSnap.State

	switch strategy {
	case MergeOurs:
		merged = targetSnap.State
	case MergeTheirs:
		merged = sourceSnap.State
	case MergeAuto:
		for _, d := range diffs {
			if d.Type == "modified" {
				conflicts = append(conflicts, Conflict{Path: d.Path, Reason: "field modified on both branches"})
			}
		}
		if len(conflicts) > 0 {
			return nil, conflicts, axerr.Conflict("MERGE_AUTO_CONFLICT", "automatic merge found unresolved conflicts")
		}
		merged = sourceSnap.State
	default: // manual
		for _, d := range diffs {
			conflicts = append(conflicts, Conflict{Path: d.Path, Reason: "manual resolution required"})
		}
		return nil, conflicts, nil
	}

	mergeSnap := &models.Snapshot{
		ID:          models.NewID(),
		RoomID:      roomID,
		BranchName:  target,
		State:       merged,
		Version:     targetSnap.Version + 1,
		Description: fmt.Sprintf("merge %s into %s", source, target),
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateSnapshot(ctx, orgID, mergeSnap); err != nil {
		return nil, nil, err
	}
	targetBranch.HeadSnapshotID = mergeSnap.ID
	targetBranch.LastActivity = time.Now().UTC()
	if len(conflicts) > 0 {
		targetBranch.ConflictCount += len(conflicts)
	}
	if err := e.store.UpsertBranch(ctx, orgID, targetBranch); err != nil {
		return nil, nil, err
	}
	return mergeSnap, conflicts, nil
}

// CompareBranches returns per-path differences and a summary (spec §4.J).
func (e *Engine) CompareBranches(ctx context.Context, orgID, roomID, a, b string) ([]Diff, error) {
	branchA, err := e.store.GetBranch(ctx, orgID, roomID, a)
	if err != nil {
		return nil, err
	}
	branchB, err := e.store.GetBranch(ctx, orgID, roomID, b)
	if err != nil {
		return nil, err
	}
	snapA, err := e.store.GetSnapshot(ctx, orgID, branchA.HeadSnapshotID)
	if err != nil {
		return nil, err
	}
	snapB, err := e.store.GetSnapshot(ctx, orgID, branchB.HeadSnapshotID)
	if err != nil {
		return nil, err
	}
	return diffStates(snapA.State, snapB.State), nil
}

func diffStates(a, b json.RawMessage) []Diff {
	var docA, docB map[string]interface{}
	_ = json.Unmarshal(a, &docA)
	_ = json.Unmarshal(b, &docB)

	var diffs []Diff
	for k, av := range docA {
		bv, ok := docB[k]
		if !ok {
			diffs = append(diffs, Diff{Path: []string{k}, Type: "removed", Old: av, Severity: "medium"})
			continue
		}
		if !jsonEqual(av, bv) {
			diffs = append(diffs, Diff{Path: []string{k}, Type: "modified", Old: av, New: bv, Severity: "medium"})
		}
	}
	for k, bv := range docB {
		if _, ok := docA[k]; !ok {
			diffs = append(diffs, Diff{Path: []string{k}, Type: "added", New: bv, Severity: "low"})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Path[0] < diffs[j].Path[0] })
	return diffs
}

func jsonEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
