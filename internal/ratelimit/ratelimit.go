// Package ratelimit implements the RateLimiter component (spec §4.E):
// an in-process token bucket per connection for socket message rate,
// and a Redis-backed sliding window for per-action limits shared across
// nodes.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/axonstream/axonpulse/internal/axerr"
	"github.com/axonstream/axonpulse/internal/kv"
	"golang.org/x/time/rate"
)

// Config mirrors config.RateLimitConfig without importing it, keeping
// this package dependency-free of the top-level config shape.
type Config struct {
	SocketMessagesPerWindow int
	SocketWindow            time.Duration
	ActionSteadyRate        int // actions allowed per ActionWindow
	ActionWindow            time.Duration
	BurstMultiplier         float64
}

// Limiter enforces both limit classes (spec §4.E). Socket-level limiting
// is purely in-process (the token bucket belongs to the node holding the
// connection); action-level limiting is cluster-wide via kv.Store so the
// same user hitting different nodes shares one budget.
type Limiter struct {
	cfg Config
	kv  *kv.Store

	mu       sync.Mutex
	sockets  map[string]*rate.Limiter // sessionID -> bucket
}

// New constructs a Limiter. kvStore may be nil to disable action-level
// limiting (e.g. in unit tests exercising only socket limits).
func New(cfg Config, kvStore *kv.Store) *Limiter {
	if cfg.SocketWindow <= 0 {
		cfg.SocketWindow = time.Minute
	}
	if cfg.BurstMultiplier <= 0 {
		cfg.BurstMultiplier = 1.5
	}
	return &Limiter{cfg: cfg, kv: kvStore, sockets: make(map[string]*rate.Limiter)}
}

// AllowSocketMessage enforces the per-connection inbound message rate,
// following the streamspace pack's per-key rate.Limiter map pattern.
// Returns axerr.RateLimited when the bucket is exhausted.
func (l *Limiter) AllowSocketMessage(sessionID string) error {
	limiter := l.socketBucket(sessionID)
	if !limiter.Allow() {
		return axerr.RateLimited("SOCKET_RATE_LIMITED", "message rate exceeded for connection")
	}
	return nil
}

func (l *Limiter) socketBucket(sessionID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.sockets[sessionID]; ok {
		return b
	}
	perSecond := float64(l.cfg.SocketMessagesPerWindow) / l.cfg.SocketWindow.Seconds()
	burst := int(float64(l.cfg.SocketMessagesPerWindow) * l.cfg.BurstMultiplier)
	if burst < 1 {
		burst = 1
	}
	b := rate.NewLimiter(rate.Limit(perSecond), burst)
	l.sockets[sessionID] = b
	return b
}

// ReleaseSocket drops a connection's bucket on disconnect, preventing
// unbounded growth of the sockets map.
func (l *Limiter) ReleaseSocket(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sockets, sessionID)
}

// AllowAction enforces the cluster-wide per-org-per-action budget as a
// sliding window: each call is recorded in a Redis sorted set
// (kv.Store.ZAddWindow) and only calls within the last ActionWindow are
// counted.
func (l *Limiter) AllowAction(ctx context.Context, orgID, action string) error {
	if l.kv == nil {
		return nil
	}
	key := fmt.Sprintf("ratelimit:action:%s:%s", orgID, action)
	now := time.Now()
	member := fmt.Sprintf("%d", now.UnixNano())
	count, err := l.kv.ZAddWindow(ctx, key, member, now, now.Add(-l.cfg.ActionWindow), l.cfg.ActionWindow)
	if err != nil {
		return err
	}
	limit := int64(float64(l.cfg.ActionSteadyRate) * l.cfg.BurstMultiplier)
	if count > limit {
		return axerr.RateLimited("ACTION_RATE_LIMITED", fmt.Sprintf("action %q rate exceeded for organization", action))
	}
	return nil
}
