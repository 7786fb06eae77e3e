package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/axonstream/axonpulse/internal/audit"
	"github.com/axonstream/axonpulse/internal/axerr"
	"github.com/axonstream/axonpulse/internal/collab"
	"github.com/axonstream/axonpulse/internal/connmgr"
	"github.com/axonstream/axonpulse/internal/metrics"
	"github.com/axonstream/axonpulse/internal/models"
	"github.com/axonstream/axonpulse/internal/ratelimit"
	"github.com/axonstream/axonpulse/internal/router"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/axonstream/axonpulse/internal/streams"
	"github.com/axonstream/axonpulse/internal/tenant"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	maxPayloadBytes     = 1 << 20 // 1 MiB (spec §4.H, §6)
	maxSubscriptionsDef = 200
)

// Config tunes admission limits and pump timings.
type Config struct {
	MaxMessageSize      int64
	MaxSubscriptions    int
	OutboundQueueSize   int
	PingInterval        time.Duration
	PongWait            time.Duration
	WriteWait           time.Duration
	MaxConnectionsPerOrg int64
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = maxPayloadBytes
	}
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = maxSubscriptionsDef
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = 1024
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxConnectionsPerOrg <= 0 {
		c.MaxConnectionsPerOrg = 10000
	}
	return c
}

// Gateway wires together every collaborating component admission and
// dispatch touch: ConnectionManager, Router, RateLimiter, the Log, the
// CollaborationEngine, the Store, and the audit Recorder (spec §4.H).
type Gateway struct {
	cfg Config

	conns   *connmgr.Manager
	rooms   *router.Router
	limiter *ratelimit.Limiter
	log     *streams.Log
	store   store.Store
	audit   *audit.Recorder
	collab  *collab.Engine
	logger  *logrus.Entry

	socketsMu sync.RWMutex
	sockets   map[string]*Socket // sessionID -> Socket, for fan-out delivery
}

// New constructs a Gateway.
func New(cfg Config, conns *connmgr.Manager, rooms *router.Router, limiter *ratelimit.Limiter, logComp *streams.Log, st store.Store, auditRecorder *audit.Recorder, collabEngine *collab.Engine, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gateway{
		cfg:     cfg.withDefaults(),
		conns:   conns,
		rooms:   rooms,
		limiter: limiter,
		log:     logComp,
		store:   st,
		audit:   auditRecorder,
		collab:  collabEngine,
		logger:  logger.WithField("component", "gateway"),
		sockets: make(map[string]*Socket),
	}
}

// Socket is one admitted connection, owning a bounded outbound queue and
// its own read/write pump goroutines (spec §5 "one logical
// goroutine/task reads inbound frames, a second writes outbound
// frames").
type Socket struct {
	SessionID  string
	ClientType string
	Context    tenant.Context
	Conn       *websocket.Conn

	gw *Gateway

	mu            sync.Mutex
	subscriptions map[string]struct{}
	send          chan []byte
	overflowCount int
	closed        bool
}

// Admit runs the full admission sequence (spec §4.H steps 1-3):
// credential already resolved by the caller into tc, limit checks,
// ConnectionManager registration, room join, and audit.
func (gw *Gateway) Admit(ctx context.Context, conn *websocket.Conn, tc tenant.Context, clientType string) (*Socket, error) {
	count, err := gw.store.Count(ctx, tc.OrganizationID, "connections", store.Filter{})
	if err != nil {
		return nil, err
	}
	if count >= gw.cfg.MaxConnectionsPerOrg {
		gw.audit.Record(ctx, tc.OrganizationID, tc.UserID, "WEBSOCKET_CONNECT_DENIED", "connection limit exceeded")
		return nil, axerr.Forbidden("CONNECTION_LIMIT", "organization connection limit exceeded")
	}
	if err := gw.limiter.AllowAction(ctx, tc.OrganizationID, "connect"); err != nil {
		gw.audit.Record(ctx, tc.OrganizationID, tc.UserID, "WEBSOCKET_CONNECT_DENIED", "rate limited")
		return nil, err
	}

	sessionID := uuid.New().String()
	nodeID, _ := ctx.Value(nodeIDKey{}).(string)

	var userID *string
	if !tc.IsAnonymous() {
		uid := tc.UserID
		userID = &uid
	}
	connRecord := models.Connection{
		SessionID:            sessionID,
		OrganizationID:        tc.OrganizationID,
		UserID:                userID,
		ClientType:            clientType,
		MaxReconnectAttempts:  5,
		NodeID:                nodeID,
	}
	if err := gw.conns.Register(ctx, connRecord); err != nil {
		return nil, err
	}

	socket := &Socket{
		SessionID:     sessionID,
		ClientType:    clientType,
		Context:       tc,
		Conn:          conn,
		gw:            gw,
		subscriptions: make(map[string]struct{}),
		send:          make(chan []byte, gw.cfg.OutboundQueueSize),
	}
	gw.rooms.AdmitRooms(sessionID, tc)
	gw.socketsMu.Lock()
	gw.sockets[sessionID] = socket
	gw.socketsMu.Unlock()
	gw.audit.Record(ctx, tc.OrganizationID, tc.UserID, "WEBSOCKET_CONNECT", "")
	metrics.WSConnections.Inc()
	return socket, nil
}

type nodeIDKey struct{}

// WithNodeID attaches this process's node id to ctx, read by Admit when
// stamping the Connection record.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey{}, nodeID)
}

// Close tears down a socket: leaves every room, unregisters from
// ConnectionManager, releases its rate-limit bucket, and closes the
// outbound queue.
func (gw *Gateway) Close(ctx context.Context, s *Socket) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()

	gw.rooms.LeaveAll(s.SessionID)
	gw.conns.Unregister(ctx, s.Context.OrganizationID, s.SessionID)
	gw.limiter.ReleaseSocket(s.SessionID)
	gw.socketsMu.Lock()
	delete(gw.sockets, s.SessionID)
	gw.socketsMu.Unlock()
	metrics.WSConnections.Dec()
}

// Drain implements the graceful shutdown sequence (spec §5): every
// admitted socket is sent a CLOSE_GOING_AWAY close frame, then given
// grace to finish in-flight work before the caller proceeds to force
// the HTTP server closed.
func (gw *Gateway) Drain(ctx context.Context, grace time.Duration) {
	gw.socketsMu.RLock()
	sockets := make([]*Socket, 0, len(gw.sockets))
	for _, s := range gw.sockets {
		sockets = append(sockets, s)
	}
	gw.socketsMu.RUnlock()

	for _, s := range sockets {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			continue
		}
		s.Conn.SetWriteDeadline(time.Now().Add(gw.cfg.WriteWait))
		_ = s.Conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server draining"))
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	<-timer.C

	gw.socketsMu.RLock()
	remaining := make([]*Socket, 0, len(gw.sockets))
	for _, s := range gw.sockets {
		remaining = append(remaining, s)
	}
	gw.socketsMu.RUnlock()
	for _, s := range remaining {
		gw.Close(ctx, s)
	}
}

// ReadPump reads and dispatches inbound frames until the connection
// errors or closes, following the teacher Client.ReadPump shape.
func (s *Socket) ReadPump(ctx context.Context) {
	gw := s.gw
	defer gw.Close(ctx, s)

	s.Conn.SetReadLimit(gw.cfg.MaxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(gw.cfg.PongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(gw.cfg.PongWait))
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				gw.logger.WithError(err).WithField("session", s.SessionID).Debug("websocket read error")
			}
			return
		}
		gw.handleFrame(ctx, s, raw)
	}
}

// WritePump drains the outbound queue to the socket, batching queued
// messages into a single websocket frame the way the teacher's
// WritePump does, and drives the ping ticker.
func (s *Socket) WritePump() {
	gw := s.gw
	ticker := time.NewTicker(gw.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-s.send:
			s.Conn.SetWriteDeadline(time.Now().Add(gw.cfg.WriteWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := s.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			n := len(s.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-s.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			start := time.Now()
			s.Conn.SetWriteDeadline(time.Now().Add(gw.cfg.WriteWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			if interval, err := gw.conns.Heartbeat(context.Background(), s.SessionID, time.Since(start)); err == nil && interval > 0 {
				ticker.Reset(interval)
			}
		}
	}
}

// enqueue pushes a frame onto the outbound queue, applying the
// backpressure policy. When the queue is full, a non-critical frame is
// itself dropped and the queued frames are kept; a critical frame evicts
// the oldest queued frame, whatever its kind, to make room. Every
// overflow is counted, and the third and each later overflow suspends
// the session.
func (s *Socket) enqueue(data []byte, critical bool) {
	select {
	case s.send <- data:
		return
	default:
	}

	s.mu.Lock()
	s.overflowCount++
	overflowed := s.overflowCount
	s.mu.Unlock()

	s.gw.logger.WithFields(logrus.Fields{"session": s.SessionID, "overflow": overflowed}).Warn("SLOW_CONSUMER: outbound queue full")

	if critical {
		select {
		case <-s.send: // evict oldest to make room for a critical frame
		default:
		}
		select {
		case s.send <- data:
		default:
		}
	}

	if overflowed >= 3 {
		s.gw.conns.Suspend(s.SessionID)
	}
}

func (s *Socket) sendFrame(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.gw.logger.WithError(err).Warn("failed to marshal outbound frame")
		return
	}
	critical := frame.Type == FrameError || frame.Type == FrameAck
	s.enqueue(data, critical)
}

func (s *Socket) sendError(code, message, correlationID string) {
	payload, _ := json.Marshal(ErrorPayload{Error: ErrorDetail{Code: code, Message: message}, CorrelationID: correlationID})
	s.sendFrame(Frame{ID: uuid.New().String(), Type: FrameError, Payload: payload, Timestamp: nowMs()})
}

func (s *Socket) sendAck(correlationID string) {
	payload, _ := json.Marshal(AckPayload{CorrelationID: correlationID})
	s.sendFrame(Frame{ID: uuid.New().String(), Type: FrameAck, Payload: payload, Timestamp: nowMs()})
}

func nowMs() int64 { return time.Now().UnixMilli() }

// handleFrame implements the per-frame dispatch pipeline (spec §4.H
// step 4): shape validation, size/subscription limits, permission
// enforcement, channel org-prefix check, then dispatch.
func (gw *Gateway) handleFrame(ctx context.Context, s *Socket, raw []byte) {
	if int64(len(raw)) > gw.cfg.MaxMessageSize {
		s.sendError("PAYLOAD_TOO_LARGE", "frame exceeds maximum payload size", "")
		return
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError("INVALID_FRAME", "malformed frame", "")
		return
	}

	if err := gw.limiter.AllowSocketMessage(s.SessionID); err != nil {
		s.sendError(axerr.KindOf(err).String(), err.Error(), frame.ID)
		return
	}

	if perm, required := PermissionFor(frame.Type); required && !s.Context.HasPermission(perm) {
		gw.audit.Record(ctx, s.Context.OrganizationID, s.Context.UserID, "PERMISSION_DENIED", string(frame.Type))
		s.sendError("FORBIDDEN", fmt.Sprintf("missing permission %q", perm), frame.ID)
		return
	}

	switch frame.Type {
	case FramePing:
		gw.handlePing(s, frame)
	case FrameSubscribe:
		gw.handleSubscribe(ctx, s, frame)
	case FrameUnsubscribe:
		gw.handleUnsubscribe(s, frame)
	case FramePublish:
		gw.handlePublish(ctx, s, frame)
	default:
		s.sendError("UNKNOWN_TYPE", fmt.Sprintf("unknown frame type %q", frame.Type), frame.ID)
	}
}

func (gw *Gateway) handlePing(s *Socket, frame Frame) {
	latency := time.Duration(nowMs()-frame.Timestamp) * time.Millisecond
	if _, err := gw.conns.Heartbeat(context.Background(), s.SessionID, latency); err != nil {
		gw.logger.WithError(err).WithField("session", s.SessionID).Warn("heartbeat update failed")
	}
	s.sendFrame(Frame{ID: uuid.New().String(), Type: FramePong, Timestamp: nowMs()})
}

func (gw *Gateway) handleSubscribe(ctx context.Context, s *Socket, frame Frame) {
	var payload SubscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError("INVALID_PAYLOAD", "malformed subscribe payload", frame.ID)
		return
	}

	s.mu.Lock()
	newCount := len(s.subscriptions) + len(payload.Channels)
	s.mu.Unlock()
	if newCount > gw.cfg.MaxSubscriptions {
		s.sendError("SUBSCRIPTION_LIMIT", "subscription count would exceed the limit", frame.ID)
		return
	}

	for _, channel := range payload.Channels {
		if !ValidChannelName(channel) {
			s.sendError("INVALID_CHANNEL", fmt.Sprintf("channel %q does not match the required grammar", channel), frame.ID)
			continue
		}
		if err := router.CheckChannelAccess(s.Context, channel); err != nil {
			gw.audit.Record(ctx, s.Context.OrganizationID, s.Context.UserID, "CHANNEL_ACCESS_DENIED", channel)
			s.sendError(axerr.KindOf(err).String(), err.Error(), frame.ID)
			continue
		}
		gw.rooms.Join(s.SessionID, channel)
		s.mu.Lock()
		s.subscriptions[channel] = struct{}{}
		s.mu.Unlock()

		if payload.Options != nil && payload.Options.ReplayFrom != "" {
			gw.replayChannel(ctx, s, channel, payload.Options)
		}
	}
	s.sendAck(frame.ID)
}

func (gw *Gateway) replayChannel(ctx context.Context, s *Socket, channel string, opts *SubscribeOptions) {
	count := int64(opts.ReplayCount)
	if count <= 0 {
		count = 100
	}
	entries, err := gw.log.Read(ctx, s.Context.OrganizationID, channel, opts.ReplayFrom, count)
	if err != nil {
		gw.logger.WithError(err).WithField("channel", channel).Warn("replay failed")
		return
	}
	for _, entry := range entries {
		gw.deliver(s, channel, entry)
	}
}

func (gw *Gateway) handleUnsubscribe(s *Socket, frame Frame) {
	var payload UnsubscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError("INVALID_PAYLOAD", "malformed unsubscribe payload", frame.ID)
		return
	}
	for _, channel := range payload.Channels {
		gw.rooms.Leave(s.SessionID, channel)
		s.mu.Lock()
		delete(s.subscriptions, channel)
		s.mu.Unlock()
	}
	s.sendAck(frame.ID)
}

func (gw *Gateway) handlePublish(ctx context.Context, s *Socket, frame Frame) {
	var payload PublishPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		s.sendError("INVALID_PAYLOAD", "malformed publish payload", frame.ID)
		return
	}
	if !ValidChannelName(payload.Channel) {
		s.sendError("INVALID_CHANNEL", "channel does not match the required grammar", frame.ID)
		return
	}
	if err := router.CheckChannelAccess(s.Context, payload.Channel); err != nil {
		gw.audit.Record(ctx, s.Context.OrganizationID, s.Context.UserID, "CHANNEL_ACCESS_DENIED", payload.Channel)
		s.sendError(axerr.KindOf(err).String(), err.Error(), frame.ID)
		return
	}

	eventPayload, err := json.Marshal(payload.Event)
	if err != nil {
		s.sendError("INTERNAL_ERROR", "failed to encode event", frame.ID)
		return
	}
	entryID, err := gw.log.Append(ctx, s.Context.OrganizationID, payload.Channel, eventPayload)
	if err != nil {
		s.sendError("PUBLISH_FAILED", "failed to append event", frame.ID)
		return
	}

	event := &models.Event{
		ID:             uuid.New().String(),
		Type:           payload.Event.Type,
		Channel:        payload.Channel,
		OrganizationID: s.Context.OrganizationID,
		Payload:        eventPayload,
		CreatedAt:      time.Now().UTC(),
		StreamEntryID:  entryID,
	}
	if !s.Context.IsAnonymous() {
		event.UserID = &s.Context.UserID
	}
	if err := gw.store.AppendEvent(ctx, s.Context.OrganizationID, event); err != nil {
		gw.logger.WithError(err).Warn("failed to persist event")
	}

	gw.fanOut(s.Context.OrganizationID, payload.Channel, streams.Entry{ID: entryID, Payload: eventPayload})
	metrics.EventsPublished.WithLabelValues(s.Context.OrganizationID).Inc()
	s.sendAck(frame.ID)
}

// fanOut delivers a freshly-appended entry to every socket currently
// subscribed to channel. It reads the channel's current Members from the
// Router at call time, and deliver re-checks each recipient's membership,
// so the Gateway never fans out on a stale member list (spec §4.G).
func (gw *Gateway) fanOut(orgID, channel string, entry streams.Entry) {
	gw.socketsMu.RLock()
	defer gw.socketsMu.RUnlock()
	for _, sessionID := range gw.rooms.Members(channel) {
		if s, ok := gw.sockets[sessionID]; ok {
			gw.deliver(s, channel, entry)
		}
	}
}

func (gw *Gateway) deliver(s *Socket, channel string, entry streams.Entry) {
	if !gw.rooms.IsMember(s.SessionID, channel) {
		return
	}
	var event PublishEvent
	if err := json.Unmarshal(entry.Payload, &event); err != nil {
		return
	}
	filtered, ok, err := router.FilterOutbound(s.Context, s.Context.OrganizationID, event.Payload)
	if err != nil || !ok {
		return
	}
	event.Payload = filtered

	payload, err := json.Marshal(EventPayload{
		Type:    event.Type,
		Payload: event.Payload,
		Metadata: EventMetadata{
			OrgID:         s.Context.OrganizationID,
			Channel:       channel,
			StreamEntryID: entry.ID,
		},
	})
	if err != nil {
		return
	}
	s.sendFrame(Frame{ID: uuid.New().String(), Type: FrameEvent, Payload: payload, Timestamp: nowMs()})
}
