// Package presence implements per-room presence rosters (SPEC_FULL.md
// "Supplemented Features"): a {userID, sessionID, joinedAt} entry per
// occupant, kept in the KV store's hash primitive and mirrored to
// subscribers as UpdateEvent messages over KV pub/sub (not the Log),
// following the KV hash/pubsub shapes already established by kv.Store.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/axonstream/axonpulse/internal/kv"
)

// Entry is one occupant of a room's presence roster.
type Entry struct {
	UserID    string    `json:"userId"`
	SessionID string    `json:"sessionId"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// UpdateEvent is published on org:{orgId}:presence:{room} whenever the
// roster changes; the roster hash itself lives at presence:{orgId}:{room}.
type UpdateEvent struct {
	Room   string  `json:"room"`
	Action string  `json:"action"` // joined | left
	Entry  Entry   `json:"entry"`
	Roster []Entry `json:"roster"`
}

// Roster manages room presence via the KV store.
type Roster struct {
	kv *kv.Store
}

// New constructs a Roster.
func New(kvStore *kv.Store) *Roster {
	return &Roster{kv: kvStore}
}

func rosterKey(orgID, room string) string {
	return "presence:" + orgID + ":" + room
}

func channel(orgID, room string) string {
	return "org:" + orgID + ":presence:" + room
}

// Join adds sessionID/userID to room's roster and publishes the update.
func (r *Roster) Join(ctx context.Context, orgID, room, userID, sessionID string) ([]Entry, error) {
	entry := Entry{UserID: userID, SessionID: sessionID, JoinedAt: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if err := r.kv.HSet(ctx, rosterKey(orgID, room), map[string]interface{}{sessionID: string(data)}); err != nil {
		return nil, err
	}
	roster, err := r.list(ctx, orgID, room)
	if err != nil {
		return nil, err
	}
	r.publish(ctx, orgID, room, "joined", entry, roster)
	return roster, nil
}

// Leave removes sessionID from room's roster and publishes the update.
func (r *Roster) Leave(ctx context.Context, orgID, room, sessionID string) error {
	raw, err := r.kv.HGetAll(ctx, rosterKey(orgID, room))
	if err != nil {
		return err
	}
	entryData, ok := raw[sessionID]
	if !ok {
		return nil
	}
	var entry Entry
	_ = json.Unmarshal([]byte(entryData), &entry)
	if err := r.kv.HDel(ctx, rosterKey(orgID, room), sessionID); err != nil {
		return err
	}
	roster, err := r.list(ctx, orgID, room)
	if err != nil {
		return err
	}
	r.publish(ctx, orgID, room, "left", entry, roster)
	return nil
}

// List returns the current roster for room.
func (r *Roster) List(ctx context.Context, orgID, room string) ([]Entry, error) {
	return r.list(ctx, orgID, room)
}

func (r *Roster) list(ctx context.Context, orgID, room string) ([]Entry, error) {
	raw, err := r.kv.HGetAll(ctx, rosterKey(orgID, room))
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, v := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(v), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *Roster) publish(ctx context.Context, orgID, room, action string, entry Entry, roster []Entry) {
	_ = r.kv.Publish(ctx, channel(orgID, room), UpdateEvent{Room: room, Action: action, Entry: entry, Roster: roster})
}
