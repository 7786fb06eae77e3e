package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/axonstream/axonpulse/internal/kv"
	"github.com/axonstream/axonpulse/internal/models"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T) (*kv.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return kv.New(client, "axonpuls:", nil), mr
}

func newNode(id string, conns, max int, status models.ServerNodeStatus) models.ServerNode {
	return models.ServerNode{
		ID:             id,
		Status:         status,
		Connections:    conns,
		MaxConnections: max,
		LastHeartbeat:  time.Now().UTC(),
	}
}

func TestNewNodeID_Unique(t *testing.T) {
	a := NewNodeID()
	b := NewNodeID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestRegistry_HeartbeatAndDeregister(t *testing.T) {
	store, _ := newTestKV(t)
	ctx := context.Background()
	self := models.ServerNode{ID: "node1", Status: models.NodeActive, MaxConnections: 100}
	r := New(Config{}, store, nil, self, func() int { return 5 }, nil)

	require.NoError(t, r.Heartbeat(ctx))

	members, err := store.SMembers(ctx, activeSetKey)
	require.NoError(t, err)
	assert.Contains(t, members, "node1")

	require.NoError(t, r.Deregister(ctx))
	members, err = store.SMembers(ctx, activeSetKey)
	require.NoError(t, err)
	assert.NotContains(t, members, "node1")
}

func TestRegistry_Reap_EvictsStaleNode(t *testing.T) {
	store, mr := newTestKV(t)
	ctx := context.Background()

	stale := newNode("stale-node", 1, 100, models.NodeActive)
	stale.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	data, _ := json.Marshal(stale)
	require.NoError(t, store.HSet(ctx, registryHashKey, map[string]interface{}{"stale-node": data}))
	require.NoError(t, store.SAdd(ctx, activeSetKey, "stale-node"))

	self := models.ServerNode{ID: "self", Status: models.NodeActive}
	r := New(Config{NodeTTL: time.Minute}, store, nil, self, nil, nil)

	require.NoError(t, r.Reap(ctx))

	all, err := store.HGetAll(ctx, registryHashKey)
	require.NoError(t, err)
	assert.NotContains(t, all, "stale-node")

	members, err := store.SMembers(ctx, activeSetKey)
	require.NoError(t, err)
	assert.NotContains(t, members, "stale-node")

	_ = mr
}

func TestRegistry_BestNode_PrefersUnderWatermark(t *testing.T) {
	store, _ := newTestKV(t)
	ctx := context.Background()

	full := newNode("full-node", 95, 100, models.NodeActive)
	light := newNode("light-node", 10, 100, models.NodeActive)
	dataFull, _ := json.Marshal(full)
	dataLight, _ := json.Marshal(light)
	require.NoError(t, store.HSet(ctx, registryHashKey, map[string]interface{}{
		"full-node":  dataFull,
		"light-node": dataLight,
	}))

	self := models.ServerNode{ID: "self"}
	r := New(Config{LoadHighWaterMark: 0.9}, store, nil, self, nil, nil)

	best, err := r.BestNode(ctx)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "light-node", best.ID)
}

func TestRegistry_BestNode_FallsBackWhenAllSaturated(t *testing.T) {
	store, _ := newTestKV(t)
	ctx := context.Background()

	a := newNode("node-a", 99, 100, models.NodeActive)
	b := newNode("node-b", 98, 100, models.NodeActive)
	dataA, _ := json.Marshal(a)
	dataB, _ := json.Marshal(b)
	require.NoError(t, store.HSet(ctx, registryHashKey, map[string]interface{}{
		"node-a": dataA,
		"node-b": dataB,
	}))

	self := models.ServerNode{ID: "self"}
	r := New(Config{LoadHighWaterMark: 0.9}, store, nil, self, nil, nil)

	best, err := r.BestNode(ctx)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "node-b", best.ID)
}

func TestRegistry_BestNode_IgnoresInactiveNodes(t *testing.T) {
	store, _ := newTestKV(t)
	ctx := context.Background()

	draining := newNode("draining-node", 5, 100, models.NodeDraining)
	data, _ := json.Marshal(draining)
	require.NoError(t, store.HSet(ctx, registryHashKey, map[string]interface{}{"draining-node": data}))

	self := models.ServerNode{ID: "self"}
	r := New(Config{}, store, nil, self, nil, nil)

	best, err := r.BestNode(ctx)
	require.NoError(t, err)
	assert.Nil(t, best)
}

func TestRegistry_Drain_SetsStatus(t *testing.T) {
	store, _ := newTestKV(t)
	ctx := context.Background()
	self := models.ServerNode{ID: "node1", Status: models.NodeActive}
	r := New(Config{}, store, nil, self, nil, nil)

	require.NoError(t, r.Drain(ctx))
	assert.Equal(t, models.NodeDraining, r.self.Status)
}
