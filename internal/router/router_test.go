package router

import (
	"testing"

	"github.com/axonstream/axonpulse/internal/axerr"
	"github.com/axonstream/axonpulse/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomNameConstructors(t *testing.T) {
	assert.Equal(t, "org:acme", OrgRoom("acme"))
	assert.Equal(t, "user:u1", UserRoom("u1"))
	assert.Equal(t, "role:acme:admin", RoleRoom("acme", "admin"))
	assert.Equal(t, "feature:acme:collab", FeatureRoom("acme", "collab"))
}

func TestRouter_AdmitRooms(t *testing.T) {
	r := New()
	tc := tenant.Context{
		OrganizationID: "acme",
		UserID:         "u1",
		Roles:          []string{"admin", "editor"},
	}

	rooms := r.AdmitRooms("sess1", tc)

	assert.Contains(t, rooms, "org:acme")
	assert.Contains(t, rooms, "user:u1")
	assert.Contains(t, rooms, "role:acme:admin")
	assert.Contains(t, rooms, "role:acme:editor")
	assert.True(t, r.IsMember("sess1", "org:acme"))
	assert.True(t, r.IsMember("sess1", "user:u1"))
}

func TestRouter_AdmitRooms_Anonymous(t *testing.T) {
	r := New()
	tc := tenant.Context{OrganizationID: "acme"}

	rooms := r.AdmitRooms("sess1", tc)

	assert.Contains(t, rooms, "org:acme")
	for _, room := range rooms {
		assert.NotContains(t, room, "user:")
	}
}

func TestRouter_JoinLeave(t *testing.T) {
	r := New()
	r.Join("sess1", "magic:room1")
	r.Join("sess2", "magic:room1")

	members := r.Members("magic:room1")
	assert.ElementsMatch(t, []string{"sess1", "sess2"}, members)

	r.Leave("sess1", "magic:room1")
	assert.False(t, r.IsMember("sess1", "magic:room1"))
	assert.True(t, r.IsMember("sess2", "magic:room1"))
}

func TestRouter_LeaveAll(t *testing.T) {
	r := New()
	r.Join("sess1", "room-a")
	r.Join("sess1", "room-b")
	r.Join("sess2", "room-a")

	r.LeaveAll("sess1")

	assert.False(t, r.IsMember("sess1", "room-a"))
	assert.False(t, r.IsMember("sess1", "room-b"))
	assert.True(t, r.IsMember("sess2", "room-a"))
	assert.Empty(t, r.Members("room-b"))
}

func TestCheckChannelAccess(t *testing.T) {
	tc := tenant.Context{OrganizationID: "acme"}

	err := CheckChannelAccess(tc, "org:acme:notifications")
	assert.NoError(t, err)

	err = CheckChannelAccess(tc, "org:other:notifications")
	require.Error(t, err)
	assert.True(t, axerr.Is(err, axerr.KindForbidden))
}

func TestFilterOutbound_CrossTenantDropped(t *testing.T) {
	tc := tenant.Context{OrganizationID: "acme", UserRole: "member"}

	payload, deliver, err := FilterOutbound(tc, "other-org", []byte(`{"foo":"bar"}`))
	require.NoError(t, err)
	assert.False(t, deliver)
	assert.Nil(t, payload)
}

func TestFilterOutbound_AdminSeesEverything(t *testing.T) {
	tc := tenant.Context{OrganizationID: "acme", UserRole: "admin"}

	payload, deliver, err := FilterOutbound(tc, "acme", []byte(`{"internalMetadata":{"x":1},"foo":"bar"}`))
	require.NoError(t, err)
	assert.True(t, deliver)
	assert.Contains(t, string(payload), "internalMetadata")
}

func TestFilterOutbound_RedactsSensitiveFields(t *testing.T) {
	tc := tenant.Context{OrganizationID: "acme", UserRole: "member"}

	payload, deliver, err := FilterOutbound(tc, "acme", []byte(`{"internalMetadata":{"x":1},"foo":"bar"}`))
	require.NoError(t, err)
	assert.True(t, deliver)
	assert.NotContains(t, string(payload), "internalMetadata")
	assert.Contains(t, string(payload), "foo")
}

func TestFilterOutbound_NonObjectPayloadPassesThrough(t *testing.T) {
	tc := tenant.Context{OrganizationID: "acme", UserRole: "member"}

	payload, deliver, err := FilterOutbound(tc, "acme", []byte(`[1,2,3]`))
	require.NoError(t, err)
	assert.True(t, deliver)
	assert.Equal(t, `[1,2,3]`, string(payload))
}
