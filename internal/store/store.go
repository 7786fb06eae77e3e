// Package store defines the opaque Store interface (spec §4.A): durable
// state for Organizations, Connections, Channels, Events, Rooms,
// Snapshots, Branches, and AuditLog entries. Every call takes an
// orgID and the implementation MUST include it in every predicate.
package store

import (
	"context"
	"time"

	"github.com/axonstream/axonpulse/internal/models"
)

// Filter describes a bulk query's time-range and equality constraints.
type Filter struct {
	Equals map[string]interface{}
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// Store is the durable persistence boundary. Implementations MUST
// scope every predicate by organizationID (spec §3 "Ownership").
type Store interface {
	// Organization
	UpsertOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, orgID string) (*models.Organization, error)

	// Connection
	UpsertConnection(ctx context.Context, orgID string, conn *models.Connection) error
	GetConnection(ctx context.Context, orgID, sessionID string) (*models.Connection, error)
	ListConnections(ctx context.Context, orgID string, f Filter) ([]models.Connection, error)
	DeleteConnection(ctx context.Context, orgID, sessionID string) error

	// Channel
	UpsertChannel(ctx context.Context, orgID string, ch *models.Channel) error
	GetChannel(ctx context.Context, orgID, name string) (*models.Channel, error)

	// Event
	AppendEvent(ctx context.Context, orgID string, ev *models.Event) error
	ListEvents(ctx context.Context, orgID string, f Filter) ([]models.Event, error)

	// Room
	UpsertRoom(ctx context.Context, orgID string, room *models.Room) error
	GetRoom(ctx context.Context, orgID, roomID string) (*models.Room, error)
	ListRooms(ctx context.Context, orgID string, f Filter) ([]models.Room, error)

	// Snapshot
	CreateSnapshot(ctx context.Context, orgID string, snap *models.Snapshot) error
	GetSnapshot(ctx context.Context, orgID, snapshotID string) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, orgID, roomID, branch string) ([]models.Snapshot, error)

	// Branch
	UpsertBranch(ctx context.Context, orgID string, branch *models.Branch) error
	GetBranch(ctx context.Context, orgID, roomID, name string) (*models.Branch, error)
	ListBranches(ctx context.Context, orgID, roomID string) ([]models.Branch, error)

	// AuditLog
	RecordAudit(ctx context.Context, orgID string, entry *models.AuditLog) error

	// Count returns the number of entities matching a predicate, used by
	// checkResourceLimits (spec §4.H).
	Count(ctx context.Context, orgID, entity string, f Filter) (int64, error)

	// DistinctField returns the distinct values of a field for an entity,
	// scoped to the organization (spec §4.A "distinct-field query").
	DistinctField(ctx context.Context, orgID, entity, field string) ([]string, error)
}
