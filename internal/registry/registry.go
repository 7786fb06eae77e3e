// Package registry implements the ServerRegistry component (spec §4.I):
// node heartbeat/reaping via the Redis hash/set pair at
// axonpuls:servers:registry / axonpuls:servers:active, and a
// cross-node "server_died" notification carried on NATS core pub/sub
// (not JetStream — notifications are fire-and-forget, at-most-once).
// Connection options follow the teacher's production NATS client.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/axonstream/axonpulse/internal/kv"
	"github.com/axonstream/axonpulse/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const (
	registryHashKey = "servers:registry"
	activeSetKey    = "servers:active"
	serverEventsSubject = "axonpuls.server.events"
)

// Config tunes heartbeat/reap cadence and placement thresholds.
type Config struct {
	HeartbeatInterval time.Duration
	ReapInterval      time.Duration
	NodeTTL           time.Duration
	LoadHighWaterMark float64 // fraction of maxConnections considered "full", default 0.9
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 60 * time.Second
	}
	if c.NodeTTL <= 0 {
		c.NodeTTL = 90 * time.Second
	}
	if c.LoadHighWaterMark <= 0 {
		c.LoadHighWaterMark = 0.9
	}
	return c
}

// ServerDiedEvent is published on serverEventsSubject when the reaper
// evicts a stale node.
type ServerDiedEvent struct {
	NodeID string    `json:"nodeId"`
	At     time.Time `json:"at"`
}

// Registry tracks every node in the cluster and elects placement
// targets for new connections.
type Registry struct {
	cfg   Config
	kv    *kv.Store
	nc    *nats.Conn
	log   *logrus.Entry
	self  models.ServerNode

	connections func() int // live connection counter, supplied by the gateway
}

// New constructs a Registry for the local node. connCounter reports the
// node's current live connection count on each heartbeat.
func New(cfg Config, kvStore *kv.Store, nc *nats.Conn, self models.ServerNode, connCounter func() int, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if connCounter == nil {
		connCounter = func() int { return 0 }
	}
	return &Registry{
		cfg:         cfg.withDefaults(),
		kv:          kvStore,
		nc:          nc,
		self:        self,
		connections: connCounter,
		log:         log.WithField("component", "registry"),
	}
}

// NewNodeID computes a unique node identifier, "hostname-pid-<rand>"
// (spec §4.I).
func NewNodeID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%d-%04x", host, os.Getpid(), rand.Intn(0x10000))
}

// Heartbeat refreshes this node's registry record and active-set
// membership.
func (r *Registry) Heartbeat(ctx context.Context) error {
	r.self.Connections = r.connections()
	r.self.LastHeartbeat = time.Now().UTC()

	payload, err := json.Marshal(r.self)
	if err != nil {
		return fmt.Errorf("registry marshal node: %w", err)
	}
	if err := r.kv.HSet(ctx, registryHashKey, map[string]interface{}{r.self.ID: payload}); err != nil {
		return fmt.Errorf("registry heartbeat hset: %w", err)
	}
	if err := r.kv.SAdd(ctx, activeSetKey, r.self.ID); err != nil {
		return fmt.Errorf("registry heartbeat sadd: %w", err)
	}
	return nil
}

// RunHeartbeat blocks calling Heartbeat on cfg.HeartbeatInterval until
// ctx is cancelled.
func (r *Registry) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				r.log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

// Reap evicts nodes whose LastHeartbeat is older than NodeTTL, removing
// them from both the hash and the active set and publishing
// server_died for each (spec §4.I).
func (r *Registry) Reap(ctx context.Context) error {
	raw, err := r.kv.HGetAll(ctx, registryHashKey)
	if err != nil {
		return fmt.Errorf("registry reap hgetall: %w", err)
	}

	now := time.Now().UTC()
	for id, data := range raw {
		var node models.ServerNode
		if err := json.Unmarshal([]byte(data), &node); err != nil {
			continue
		}
		if now.Sub(node.LastHeartbeat) <= r.cfg.NodeTTL {
			continue
		}
		if err := r.kv.HDel(ctx, registryHashKey, id); err != nil {
			r.log.WithError(err).WithField("node", id).Warn("failed to remove dead node")
		}
		if err := r.kv.SRem(ctx, activeSetKey, id); err != nil {
			r.log.WithError(err).WithField("node", id).Warn("failed to remove dead node from active set")
		}
		r.notifyServerDied(id, now)
	}
	return nil
}

// RunReap blocks calling Reap on cfg.ReapInterval until ctx is
// cancelled.
func (r *Registry) RunReap(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reap(ctx); err != nil {
				r.log.WithError(err).Warn("reap failed")
			}
		}
	}
}

func (r *Registry) notifyServerDied(nodeID string, at time.Time) {
	if r.nc == nil {
		return
	}
	payload, err := json.Marshal(ServerDiedEvent{NodeID: nodeID, At: at})
	if err != nil {
		return
	}
	if err := r.nc.Publish(serverEventsSubject, payload); err != nil {
		r.log.WithError(err).Warn("failed to publish server_died")
	}
}

// OnServerDied subscribes to cross-node death notifications. The
// subscription lives for the process lifetime; callers typically use
// it to evict cached placement info for the dead node.
func (r *Registry) OnServerDied(handler func(ServerDiedEvent)) (*nats.Subscription, error) {
	if r.nc == nil {
		return nil, fmt.Errorf("registry: no NATS connection configured")
	}
	return r.nc.Subscribe(serverEventsSubject, func(msg *nats.Msg) {
		var ev ServerDiedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			r.log.WithError(err).Warn("failed to decode server_died event")
			return
		}
		handler(ev)
	})
}

// BestNode returns the least-loaded active node whose connection count
// is below the high-water mark, falling back to the least-loaded node
// overall when every active node is saturated (spec §4.I
// getBestNode).
func (r *Registry) BestNode(ctx context.Context) (*models.ServerNode, error) {
	raw, err := r.kv.HGetAll(ctx, registryHashKey)
	if err != nil {
		return nil, fmt.Errorf("registry best node hgetall: %w", err)
	}

	var underWatermark, any *models.ServerNode
	for _, data := range raw {
		var node models.ServerNode
		if err := json.Unmarshal([]byte(data), &node); err != nil {
			continue
		}
		if node.Status != models.NodeActive {
			continue
		}
		n := node
		if any == nil || n.Connections < any.Connections {
			any = &n
		}
		watermark := float64(n.MaxConnections) * r.cfg.LoadHighWaterMark
		if float64(n.Connections) < watermark {
			if underWatermark == nil || n.Connections < underWatermark.Connections {
				underWatermark = &n
			}
		}
	}
	if underWatermark != nil {
		return underWatermark, nil
	}
	return any, nil
}

// Drain marks this node draining and publishes that status with a
// heartbeat, ahead of a graceful shutdown (spec §5). BestNode then skips
// the node for new placements; Drain does not close this node's own
// admission path, and upgrades that still reach it are admitted.
func (r *Registry) Drain(ctx context.Context) error {
	r.self.Status = models.NodeDraining
	return r.Heartbeat(ctx)
}

// Deregister removes this node's record entirely, the final step of
// graceful shutdown (spec §5).
func (r *Registry) Deregister(ctx context.Context) error {
	if err := r.kv.HDel(ctx, registryHashKey, r.self.ID); err != nil {
		return fmt.Errorf("registry deregister: %w", err)
	}
	return r.kv.SRem(ctx, activeSetKey, r.self.ID)
}
