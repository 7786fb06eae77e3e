// Package connmgr implements the ConnectionManager component (spec
// §4.F): the per-session state machine, adaptive heartbeat, reconnect
// backoff, and batched DB-sync policy. It owns the hot path and
// mirrors the teacher's websocket.Hub shape — a single owning goroutine
// plus maps guarded by one mutex — generalized from a fixed
// tenant/conversation/user nesting to the spec's flat session model.
package connmgr

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/axonstream/axonpulse/internal/kv"
	"github.com/axonstream/axonpulse/internal/models"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/sirupsen/logrus"
)

// BackoffStrategy selects the reconnect-delay algorithm (spec §4.F).
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffAdaptive    BackoffStrategy = "adaptive"
)

// Config tunes heartbeat cadence, reconnect backoff, and cleanup
// intervals. Field names and defaults follow spec §4.F exactly.
type Config struct {
	HeartbeatInterval    time.Duration
	MaxMissedHeartbeats  int
	StaleAfter           time.Duration
	CleanupInterval      time.Duration
	MetricsInterval      time.Duration
	Strategy             BackoffStrategy
	ReconnectBase        time.Duration
	ReconnectFactor      float64
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
	ReconnectResetAfter  time.Duration
	ReconnectJitter      bool
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxMissedHeartbeats <= 0 {
		c.MaxMissedHeartbeats = 3
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = 60 * time.Second
	}
	if c.Strategy == "" {
		c.Strategy = BackoffExponential
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectFactor <= 0 {
		c.ReconnectFactor = 2.0
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = 5
	}
	if c.ReconnectResetAfter <= 0 {
		c.ReconnectResetAfter = 300 * time.Second
	}
	return c
}

// session is the in-process shadow of a models.Connection, holding the
// mutable hot-path fields the DB copy lags behind.
type session struct {
	conn           models.Connection
	connectedSince time.Time
	lastSyncedAt   time.Time
	systemLoad     float64 // [0,1] load for ADAPTIVE backoff; nothing assigns it, so it stays 0
}

// Manager owns every live session on this node (spec §3 "owned exclusively
// by the node that accepted it"). One mutex guards the map, matching the
// teacher Hub's single sync.RWMutex over nested client maps.
type Manager struct {
	cfg   Config
	store store.Store
	kv    *kv.Store
	log   *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*session // sessionID -> session

	shutdown chan struct{}
}

// New constructs a Manager. kvStore may be nil in tests that don't
// exercise batched DB sync.
func New(cfg Config, st store.Store, kvStore *kv.Store, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		store:    st,
		kv:       kvStore,
		log:      log.WithField("component", "connmgr"),
		sessions: make(map[string]*session),
		shutdown: make(chan struct{}),
	}
}

// Register admits a new CONNECTED session, the ConnectionManager.register
// operation invoked by the Gateway on successful admission (spec §4.H).
func (m *Manager) Register(ctx context.Context, conn models.Connection) error {
	now := time.Now().UTC()
	conn.Status = models.StatusConnected
	conn.ConnectedAt = now
	conn.LastHeartbeat = now
	conn.Quality = models.QualityExcellent
	conn.MissedHeartbeats = 0

	m.mu.Lock()
	m.sessions[conn.SessionID] = &session{conn: conn, connectedSince: now, lastSyncedAt: now}
	m.mu.Unlock()

	if err := m.store.UpsertConnection(ctx, conn.OrganizationID, &conn); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"session": conn.SessionID, "org": conn.OrganizationID}).Info("connection registered")
	return nil
}

// Unregister removes a session on disconnect.
func (m *Manager) Unregister(ctx context.Context, orgID, sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if err := m.store.DeleteConnection(ctx, orgID, sessionID); err != nil {
		m.log.WithError(err).WithField("session", sessionID).Warn("failed to delete connection record")
	}
}

// Get returns a snapshot of a session's Connection, or false if unknown.
func (m *Manager) Get(sessionID string) (models.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return models.Connection{}, false
	}
	return s.conn, true
}

// Heartbeat records a liveness ping with measured latency, reclassifies
// quality, recomputes the adaptive heartbeat interval, and applies the
// DB-sync policy. Returns the interval to use for the next heartbeat
// timer, and the error from the sync if one was attempted and failed
// (spec §4.F).
func (m *Manager) Heartbeat(ctx context.Context, sessionID string, latency time.Duration) (nextInterval time.Duration, err error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return 0, nil
	}

	prevQuality := s.conn.Quality
	s.conn.LastHeartbeat = time.Now().UTC()
	s.conn.LatencyMs = float64(latency.Milliseconds())
	s.conn.MissedHeartbeats = 0
	s.conn.Quality = classifyQuality(0, s.conn.LatencyMs)
	interval := m.adaptiveInterval(s.conn.Quality, m.cfg.HeartbeatInterval)

	shouldSync, emergency := m.syncPolicy(s, prevQuality)
	conn := s.conn
	m.mu.Unlock()

	if shouldSync {
		if emergency {
			err = m.store.UpsertConnection(ctx, conn.OrganizationID, &conn)
		} else {
			err = m.queueBatchSync(ctx, conn)
		}
		if err == nil {
			m.mu.Lock()
			if s2, ok := m.sessions[sessionID]; ok {
				s2.lastSyncedAt = time.Now().UTC()
			}
			m.mu.Unlock()
		}
	}
	return interval, err
}

// MissHeartbeat increments the missed-heartbeat counter and transitions
// to RECONNECTING once maxMissed is reached.
func (m *Manager) MissHeartbeat(sessionID string) (transitioned bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	s.conn.MissedHeartbeats++
	s.conn.Quality = classifyQuality(s.conn.MissedHeartbeats, s.conn.LatencyMs)
	if s.conn.MissedHeartbeats >= m.cfg.MaxMissedHeartbeats && s.conn.Status == models.StatusConnected {
		s.conn.Status = models.StatusReconnecting
		return true
	}
	return false
}

// classifyQuality implements the deterministic quality table (spec §4.F).
func classifyQuality(missedHeartbeats int, latencyMs float64) models.Quality {
	switch {
	case missedHeartbeats > 2:
		return models.QualityCritical
	case missedHeartbeats > 1:
		return models.QualityPoor
	case latencyMs > 1000:
		return models.QualityPoor
	case latencyMs > 500:
		return models.QualityGood
	default:
		return models.QualityExcellent
	}
}

// adaptiveInterval scales the base heartbeat interval by quality,
// clamped to [5s, 60s], applying 5s hysteresis against the current value
// to avoid thrashing the timer (spec §4.F).
func (m *Manager) adaptiveInterval(q models.Quality, base time.Duration) time.Duration {
	var factor float64
	switch q {
	case models.QualityCritical:
		factor = 0.5
	case models.QualityPoor:
		factor = 0.75
	case models.QualityExcellent:
		factor = 1.5
	default:
		factor = 1.0
	}
	next := time.Duration(float64(base) * factor)
	if next < 5*time.Second {
		next = 5 * time.Second
	}
	if next > 60*time.Second {
		next = 60 * time.Second
	}
	if diff := next - base; diff < 5*time.Second && diff > -5*time.Second {
		return base
	}
	return next
}

// syncPolicy decides whether a heartbeat triggers an immediate
// (emergency) sync, a batched sync, or none (spec §4.F).
func (m *Manager) syncPolicy(s *session, prevQuality models.Quality) (shouldSync, emergency bool) {
	if s.conn.Quality == models.QualityCritical || s.conn.MissedHeartbeats > 0 {
		return true, s.conn.Quality == models.QualityCritical
	}
	if s.conn.Quality != prevQuality {
		return true, false
	}
	threshold := qualityLatencyThreshold(s.conn.Quality)
	if s.conn.LatencyMs > 2*threshold {
		return true, false
	}
	interval := adaptiveSyncInterval(s.conn.Quality)
	return time.Since(s.lastSyncedAt) >= interval, false
}

func qualityLatencyThreshold(q models.Quality) float64 {
	switch q {
	case models.QualityGood:
		return 500
	case models.QualityPoor, models.QualityCritical:
		return 1000
	default:
		return 250
	}
}

func adaptiveSyncInterval(q models.Quality) time.Duration {
	switch q {
	case models.QualityExcellent:
		return 90 * time.Second
	case models.QualityGood:
		return 60 * time.Second
	case models.QualityPoor:
		return 15 * time.Second
	default:
		return 30 * time.Second
	}
}

// queueBatchSync writes conn into the 30-second batch bucket in KV
// rather than hitting the Store synchronously, per the "non-urgent
// syncs are queued" policy (spec §4.F, Redis key
// connection_sync_batch:{30sBucket}).
func (m *Manager) queueBatchSync(ctx context.Context, conn models.Connection) error {
	if m.kv == nil {
		return m.store.UpsertConnection(ctx, conn.OrganizationID, &conn)
	}
	bucket := time.Now().Unix() / 30
	key := "connection_sync_batch:" + strconv.FormatInt(bucket, 10)
	return m.kv.HSet(ctx, key, map[string]interface{}{conn.SessionID: conn.OrganizationID})
}

// NextReconnectDelay computes the delay before reconnect attempt N
// (1-indexed), per the configured BackoffStrategy (spec §4.F).
func (m *Manager) NextReconnectDelay(attempt int, quality models.Quality, systemLoad float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch m.cfg.Strategy {
	case BackoffLinear:
		delay = m.cfg.ReconnectBase + time.Duration(attempt-1)*m.cfg.ReconnectBase
	case BackoffFixed:
		delay = m.cfg.ReconnectBase
	case BackoffAdaptive:
		loadFactor := 1 + clamp01(systemLoad)
		qualityFactor := networkQualityFactor(quality)
		base := float64(m.cfg.ReconnectBase) * loadFactor * qualityFactor
		if base > float64(m.cfg.ReconnectBase)*3 {
			base = float64(m.cfg.ReconnectBase) * 3
		}
		delay = time.Duration(base)
	default: // exponential
		delay = time.Duration(float64(m.cfg.ReconnectBase) * math.Pow(m.cfg.ReconnectFactor, float64(attempt-1)))
	}

	if delay > m.cfg.ReconnectMaxDelay {
		delay = m.cfg.ReconnectMaxDelay
	}
	if m.cfg.ReconnectJitter {
		jitter := (rand.Float64()*0.4 - 0.2) * float64(delay) // ±20%
		delay = time.Duration(float64(delay) + jitter)
	}
	if delay < 100*time.Millisecond {
		delay = 100 * time.Millisecond
	}
	return delay
}

func networkQualityFactor(q models.Quality) float64 {
	switch q {
	case models.QualityCritical:
		return 2
	case models.QualityPoor:
		return 1.5
	case models.QualityGood:
		return 1.2
	default:
		return 1
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ShouldResetAttempts reports whether a session has been CONNECTED long
// enough to zero its reconnect counter (spec §4.F, default 300s).
func (m *Manager) ShouldResetAttempts(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	return s.conn.Status == models.StatusConnected && time.Since(s.connectedSince) >= m.cfg.ReconnectResetAfter
}

// Fail transitions a session to the terminal FAILED state after
// exhausting reconnect attempts.
func (m *Manager) Fail(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.conn.Status = models.StatusFailed
	}
}

// Suspend transitions a session to SUSPENDED (policy: rate limit, admin,
// or repeated backpressure overflow per spec §5).
func (m *Manager) Suspend(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.conn.Status = models.StatusSuspended
	}
}

// Resume exits SUSPENDED back to CONNECTED on explicit resume.
func (m *Manager) Resume(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.conn.Status == models.StatusSuspended {
		s.conn.Status = models.StatusConnected
	}
}

// RunCleanup blocks marking stale sessions DISCONNECTED every
// CleanupInterval until ctx is cancelled (spec §4.F). Intended to run
// as its own goroutine, the third of the gateway's per-connection-class
// tasks described in spec §5.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.shutdown:
			return
		case <-ticker.C:
			m.reapStale(ctx)
		}
	}
}

func (m *Manager) reapStale(ctx context.Context) {
	now := time.Now()
	var stale []string

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.conn.LastHeartbeat) > m.cfg.StaleAfter {
			s.conn.Status = models.StatusDisconnected
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.log.WithField("session", id).Info("reaped stale connection")
	}
}

// Count returns the number of live sessions, used by
// checkResourceLimits (spec §4.H).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Stats summarizes the current session population for the HealthMonitor
// (spec §4.K): mean heartbeat latency and the fraction of sessions at
// POOR or CRITICAL quality.
type Stats struct {
	AvgLatencyMs    float64
	LowQualityRatio float64
	ReconnectingN   int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sessions) == 0 {
		return Stats{}
	}
	var totalLatency float64
	var lowQuality, reconnecting int
	for _, s := range m.sessions {
		totalLatency += s.conn.LatencyMs
		if s.conn.Quality == models.QualityPoor || s.conn.Quality == models.QualityCritical {
			lowQuality++
		}
		if s.conn.Status == models.StatusReconnecting {
			reconnecting++
		}
	}
	n := float64(len(m.sessions))
	return Stats{
		AvgLatencyMs:    totalLatency / n,
		LowQualityRatio: float64(lowQuality) / n,
		ReconnectingN:   reconnecting,
	}
}

// Shutdown stops background tasks owned by the Manager.
func (m *Manager) Shutdown() {
	close(m.shutdown)
}
