// Package router implements the Router/RoomService component (spec
// §4.G): the room naming convention, join/leave bookkeeping, channel
// access checks, and outbound filtering/redaction. Grounded on the
// teacher Hub's nested-map room membership, generalized from
// tenant/conversation/user triples to the spec's four room-name
// prefixes.
package router

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/axonstream/axonpulse/internal/axerr"
	"github.com/axonstream/axonpulse/internal/tenant"
)

// Room name prefixes (spec §4.G) — the only permitted room names.
const (
	PrefixOrg     = "org"
	PrefixUser    = "user"
	PrefixRole    = "role"
	PrefixFeature = "feature"
)

// OrgRoom, UserRoom, RoleRoom, and FeatureRoom construct the canonical
// room name for each prefix.
func OrgRoom(orgID string) string              { return fmt.Sprintf("org:%s", orgID) }
func UserRoom(userID string) string            { return fmt.Sprintf("user:%s", userID) }
func RoleRoom(orgID, role string) string       { return fmt.Sprintf("role:%s:%s", orgID, role) }
func FeatureRoom(orgID, feature string) string { return fmt.Sprintf("feature:%s:%s", orgID, feature) }

// Router tracks which sockets belong to which rooms, mirroring the
// teacher Hub's clients map but flattened to room name -> session set.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{} // room -> sessionID set
	membership map[string]map[string]struct{} // sessionID -> room set, for fast leave-all
}

// New constructs an empty Router.
func New() *Router {
	return &Router{
		rooms:      make(map[string]map[string]struct{}),
		membership: make(map[string]map[string]struct{}),
	}
}

// AdmitRooms joins a socket to every room its Context is entitled to on
// connect (spec §4.H step 3): org (always), user (if not anonymous),
// role rooms for each of its roles, and feature rooms for each of its
// features.
func (r *Router) AdmitRooms(sessionID string, tc tenant.Context) []string {
	rooms := []string{OrgRoom(tc.OrganizationID)}
	if !tc.IsAnonymous() {
		rooms = append(rooms, UserRoom(tc.UserID))
	}
	for _, role := range tc.Roles {
		rooms = append(rooms, RoleRoom(tc.OrganizationID, role))
	}
	for _, feature := range tc.Features {
		rooms = append(rooms, FeatureRoom(tc.OrganizationID, feature))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range rooms {
		r.joinLocked(sessionID, room)
	}
	return rooms
}

// Join adds a socket to an arbitrary room (e.g. a "magic:{roomName}"
// collaboration channel), after the caller has validated access.
func (r *Router) Join(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinLocked(sessionID, room)
}

func (r *Router) joinLocked(sessionID, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]struct{})
	}
	r.rooms[room][sessionID] = struct{}{}
	if r.membership[sessionID] == nil {
		r.membership[sessionID] = make(map[string]struct{})
	}
	r.membership[sessionID][room] = struct{}{}
}

// Leave removes a socket from a single room.
func (r *Router) Leave(sessionID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sessionID, room)
}

func (r *Router) leaveLocked(sessionID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rs, ok := r.membership[sessionID]; ok {
		delete(rs, room)
	}
}

// LeaveAll mirrors joining: removes the socket from every room it
// belongs to, used on disconnect.
func (r *Router) LeaveAll(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.membership[sessionID] {
		if members, ok := r.rooms[room]; ok {
			delete(members, sessionID)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.membership, sessionID)
}

// Members returns a snapshot of the session ids currently in room. The
// caller MUST treat this as the re-check required before any outbound
// fan-out (spec §4.G "A validator MUST re-check room membership").
func (r *Router) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	return out
}

// IsMember reports whether sessionID currently belongs to room — the
// per-recipient re-check before delivering a single event.
func (r *Router) IsMember(sessionID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][sessionID]
	return ok
}

// CheckChannelAccess enforces the org-prefix rule: a channel is
// accessible to ctx iff it begins with "org:{ctx.organizationId}:"
// (spec §4.G). Mismatches are Forbidden and must be audited by the
// caller.
func CheckChannelAccess(tc tenant.Context, channel string) error {
	prefix := fmt.Sprintf("org:%s:", tc.OrganizationID)
	if !strings.HasPrefix(channel, prefix) {
		return axerr.Forbidden("CHANNEL_ACCESS_DENIED", fmt.Sprintf("channel %q is not accessible to this organization", channel))
	}
	return nil
}

// redactedFields are stripped from outbound events for non-admin
// receivers (spec §4.G).
var redactedFields = []string{"internalMetadata", "systemData", "debugInfo"}

// FilterOutbound decides whether event should be delivered to a socket
// in tc's tenant, and returns the (possibly redacted) payload to send.
// It drops cross-tenant events outright, matching the organizationId
// mismatch rule.
func FilterOutbound(tc tenant.Context, eventOrgID string, payload json.RawMessage) (json.RawMessage, bool, error) {
	if eventOrgID != tc.OrganizationID {
		return nil, false, nil
	}
	if tc.UserRole == "admin" {
		return payload, true, nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(payload, &generic); err != nil {
		// Non-object payloads (arrays, scalars) carry nothing to redact.
		return payload, true, nil
	}
	changed := false
	for _, field := range redactedFields {
		if _, ok := generic[field]; ok {
			delete(generic, field)
			changed = true
		}
	}
	if !changed {
		return payload, true, nil
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, false, fmt.Errorf("router redact marshal: %w", err)
	}
	return out, true, nil
}
