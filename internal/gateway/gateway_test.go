package gateway

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/axonstream/axonpulse/internal/audit"
	"github.com/axonstream/axonpulse/internal/connmgr"
	"github.com/axonstream/axonpulse/internal/models"
	"github.com/axonstream/axonpulse/internal/ratelimit"
	"github.com/axonstream/axonpulse/internal/router"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/axonstream/axonpulse/internal/streams"
	"github.com/axonstream/axonpulse/internal/tenant"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	store.Store
	connections map[string]models.Connection
	events      []*models.Event
}

func newFakeStore() *fakeStore {
	return &fakeStore{connections: make(map[string]models.Connection)}
}

func (f *fakeStore) Count(ctx context.Context, orgID, entity string, filter store.Filter) (int64, error) {
	return int64(len(f.connections)), nil
}

func (f *fakeStore) UpsertConnection(ctx context.Context, orgID string, conn *models.Connection) error {
	f.connections[conn.SessionID] = *conn
	return nil
}

func (f *fakeStore) DeleteConnection(ctx context.Context, orgID, sessionID string) error {
	delete(f.connections, sessionID)
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, orgID string, ev *models.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) RecordAudit(ctx context.Context, orgID string, entry *models.AuditLog) error {
	return nil
}

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestGateway(t *testing.T) (*Gateway, *fakeStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fs := newFakeStore()
	conns := connmgr.New(connmgr.Config{}, fs, nil, discardLogger())
	rooms := router.New()
	limiter := ratelimit.New(ratelimit.Config{SocketMessagesPerWindow: 1000, SocketWindow: time.Minute}, nil)
	logComp := streams.New(client, streams.Config{}, nil)
	auditRecorder := audit.New(fs, nil)

	gw := New(Config{}, conns, rooms, limiter, logComp, fs, auditRecorder, nil, discardLogger())
	return gw, fs
}

func newTestSocket(gw *Gateway, tc tenant.Context) *Socket {
	s := &Socket{
		SessionID:     "sess-" + tc.UserID,
		Context:       tc,
		gw:            gw,
		subscriptions: make(map[string]struct{}),
		send:          make(chan []byte, 16),
	}
	gw.socketsMu.Lock()
	gw.sockets[s.SessionID] = s
	gw.socketsMu.Unlock()
	gw.rooms.AdmitRooms(s.SessionID, tc)
	return s
}

func drainFrame(t *testing.T, s *Socket) Frame {
	t.Helper()
	select {
	case data := <-s.send:
		var f Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	default:
		t.Fatal("no frame enqueued")
		return Frame{}
	}
}

func TestHandleFrame_Ping_RepliesWithPong(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1"}
	s := newTestSocket(gw, tc)

	raw, _ := json.Marshal(Frame{ID: "f1", Type: FramePing, Timestamp: nowMs()})
	gw.handleFrame(context.Background(), s, raw)

	frame := drainFrame(t, s)
	assert.Equal(t, FramePong, frame.Type)
}

func TestHandleFrame_Subscribe_ValidChannelAcksAndJoinsRoom(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1", Permissions: []string{"channel:read"}}
	s := newTestSocket(gw, tc)

	payload, _ := json.Marshal(SubscribePayload{Channels: []string{"org:acme:chat"}})
	raw, _ := json.Marshal(Frame{ID: "f1", Type: FrameSubscribe, Payload: payload})
	gw.handleFrame(context.Background(), s, raw)

	frame := drainFrame(t, s)
	assert.Equal(t, FrameAck, frame.Type)
	assert.True(t, gw.rooms.IsMember(s.SessionID, "org:acme:chat"))
}

func TestHandleFrame_Subscribe_CrossTenantChannelRejected(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1", Permissions: []string{"channel:read"}}
	s := newTestSocket(gw, tc)

	payload, _ := json.Marshal(SubscribePayload{Channels: []string{"org:other-org:chat"}})
	raw, _ := json.Marshal(Frame{ID: "f1", Type: FrameSubscribe, Payload: payload})
	gw.handleFrame(context.Background(), s, raw)

	frame := drainFrame(t, s)
	assert.Equal(t, FrameError, frame.Type)
	assert.False(t, gw.rooms.IsMember(s.SessionID, "org:other-org:chat"))
}

func TestHandleFrame_Subscribe_WithoutPermissionIsForbidden(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1"}
	s := newTestSocket(gw, tc)

	payload, _ := json.Marshal(SubscribePayload{Channels: []string{"org:acme:chat"}})
	raw, _ := json.Marshal(Frame{ID: "f1", Type: FrameSubscribe, Payload: payload})
	gw.handleFrame(context.Background(), s, raw)

	frame := drainFrame(t, s)
	assert.Equal(t, FrameError, frame.Type)
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &errPayload))
	assert.Equal(t, "FORBIDDEN", errPayload.Error.Code)
}

func TestHandleFrame_Unsubscribe_RemovesMembership(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1", Permissions: []string{"channel:read"}}
	s := newTestSocket(gw, tc)
	gw.rooms.Join(s.SessionID, "org:acme:chat")
	s.subscriptions["org:acme:chat"] = struct{}{}

	payload, _ := json.Marshal(UnsubscribePayload{Channels: []string{"org:acme:chat"}})
	raw, _ := json.Marshal(Frame{ID: "f1", Type: FrameUnsubscribe, Payload: payload})
	gw.handleFrame(context.Background(), s, raw)

	drainFrame(t, s) // ack
	assert.False(t, gw.rooms.IsMember(s.SessionID, "org:acme:chat"))
}

func TestHandleFrame_Publish_AppendsEventAndAcks(t *testing.T) {
	gw, fs := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1", Permissions: []string{"event:create"}}
	s := newTestSocket(gw, tc)

	payload, _ := json.Marshal(PublishPayload{
		Channel: "org:acme:chat",
		Event:   PublishEvent{Type: "message", Payload: []byte(`{"msg":"hi"}`)},
	})
	raw, _ := json.Marshal(Frame{ID: "f1", Type: FramePublish, Payload: payload})
	gw.handleFrame(context.Background(), s, raw)

	frame := drainFrame(t, s)
	assert.Equal(t, FrameAck, frame.Type)
	require.Len(t, fs.events, 1)
	assert.Equal(t, "org:acme:chat", fs.events[0].Channel)
}

func TestHandleFrame_Publish_WithoutPermissionIsForbidden(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1"}
	s := newTestSocket(gw, tc)

	payload, _ := json.Marshal(PublishPayload{
		Channel: "org:acme:chat",
		Event:   PublishEvent{Type: "message", Payload: []byte(`{}`)},
	})
	raw, _ := json.Marshal(Frame{ID: "f1", Type: FramePublish, Payload: payload})
	gw.handleFrame(context.Background(), s, raw)

	frame := drainFrame(t, s)
	assert.Equal(t, FrameError, frame.Type)
}

func TestHandleFrame_UnknownType_SendsError(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1"}
	s := newTestSocket(gw, tc)

	raw, _ := json.Marshal(Frame{ID: "f1", Type: FrameType("bogus")})
	gw.handleFrame(context.Background(), s, raw)

	frame := drainFrame(t, s)
	assert.Equal(t, FrameError, frame.Type)
}

func TestHandleFrame_PayloadTooLarge(t *testing.T) {
	gw, _ := newTestGateway(t)
	gw.cfg.MaxMessageSize = 10
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1"}
	s := newTestSocket(gw, tc)

	raw, _ := json.Marshal(Frame{ID: "f1", Type: FramePing, Timestamp: nowMs()})
	require.True(t, len(raw) > 10)
	gw.handleFrame(context.Background(), s, raw)

	frame := drainFrame(t, s)
	assert.Equal(t, FrameError, frame.Type)
	var errPayload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &errPayload))
	assert.Equal(t, "PAYLOAD_TOO_LARGE", errPayload.Error.Code)
}

func TestEnqueue_OverflowSuspendsAfterThreeDrops(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1"}
	s := &Socket{SessionID: "overflow-sess", Context: tc, gw: gw, subscriptions: make(map[string]struct{}), send: make(chan []byte, 1)}
	require.NoError(t, gw.conns.Register(context.Background(), models.Connection{SessionID: "overflow-sess", OrganizationID: "acme"}))

	s.send <- []byte("filler")
	for i := 0; i < 3; i++ {
		s.enqueue([]byte("dropped"), false)
	}
	assert.Equal(t, 3, s.overflowCount)
	conn, ok := gw.conns.Get("overflow-sess")
	require.True(t, ok)
	assert.Equal(t, models.StatusSuspended, conn.Status)
}

func TestEnqueue_CriticalFrameEvictsOldest(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc := tenant.Context{OrganizationID: "acme", UserID: "u1"}
	s := &Socket{SessionID: "evict-sess", Context: tc, gw: gw, subscriptions: make(map[string]struct{}), send: make(chan []byte, 1)}

	s.send <- []byte("stale")
	s.enqueue([]byte("critical"), true)

	select {
	case data := <-s.send:
		assert.Equal(t, "critical", string(data))
	default:
		t.Fatal("expected the critical frame to have evicted the stale one")
	}
}

func TestFanOut_DeliversOnlyToSubscribedSockets(t *testing.T) {
	gw, _ := newTestGateway(t)
	tc1 := tenant.Context{OrganizationID: "acme", UserID: "u1", Permissions: []string{"channel:read"}}
	tc2 := tenant.Context{OrganizationID: "acme", UserID: "u2", Permissions: []string{"channel:read"}}
	subscribed := newTestSocket(gw, tc1)
	unsubscribed := newTestSocket(gw, tc2)

	gw.rooms.Join(subscribed.SessionID, "org:acme:chat")

	eventPayload, _ := json.Marshal(PublishEvent{Type: "message", Payload: []byte(`{"msg":"hi"}`)})
	gw.fanOut("acme", "org:acme:chat", streams.Entry{ID: "1-0", Payload: eventPayload})

	frame := drainFrame(t, subscribed)
	assert.Equal(t, FrameEvent, frame.Type)

	select {
	case <-unsubscribed.send:
		t.Fatal("unsubscribed socket should not have received the event")
	default:
	}
}
