// Package models defines the AxonPulse data model entities (spec §3):
// Organization, TenantContext, Connection, Channel, Event, Room,
// Operation, Snapshot, Branch, ServerNode, and AuditLog. GORM tags
// back the Store's Postgres implementation; the types are otherwise
// storage-agnostic.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Organization is the tenant boundary. Every other entity references
// exactly one Organization by id.
type Organization struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Slug      string    `gorm:"uniqueIndex;type:varchar(128)" json:"slug"`
	Limits    datatypes.JSON `json:"limits"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConnectionStatus is the Connection state machine's current state (spec §4.F).
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "CONNECTED"
	StatusDisconnected ConnectionStatus = "DISCONNECTED"
	StatusReconnecting ConnectionStatus = "RECONNECTING"
	StatusSuspended    ConnectionStatus = "SUSPENDED"
	StatusFailed       ConnectionStatus = "FAILED"
)

// Quality classifies a session's network condition (spec §4.F).
type Quality string

const (
	QualityExcellent Quality = "EXCELLENT"
	QualityGood      Quality = "GOOD"
	QualityPoor      Quality = "POOR"
	QualityCritical  Quality = "CRITICAL"
)

// Connection is a socket session owned exclusively by the node that
// accepted it (spec §3).
type Connection struct {
	SessionID           string           `gorm:"primaryKey;type:varchar(64)" json:"sessionId"`
	OrganizationID       string           `gorm:"index;type:varchar(64)" json:"organizationId"`
	UserID               *string          `gorm:"type:varchar(64)" json:"userId,omitempty"`
	ClientType           string           `json:"clientType"`
	Status               ConnectionStatus `gorm:"type:varchar(20)" json:"status"`
	ConnectedAt          time.Time        `json:"connectedAt"`
	LastHeartbeat        time.Time        `json:"lastHeartbeat"`
	DisconnectedAt       *time.Time       `json:"disconnectedAt,omitempty"`
	ReconnectAttempts    int              `json:"reconnectAttempts"`
	MaxReconnectAttempts int              `json:"maxReconnectAttempts"`
	NextReconnectAt      *time.Time       `json:"nextReconnectAt,omitempty"`
	Quality              Quality          `gorm:"type:varchar(20)" json:"quality"`
	LatencyMs            float64          `json:"latencyMs"`
	MissedHeartbeats     int              `json:"missedHeartbeats"`
	TotalDisconnections  int              `json:"totalDisconnections"`
	Metadata             datatypes.JSON   `json:"metadata"`
	LastDbSync           *time.Time       `json:"lastDbSync,omitempty"`
	NodeID               string           `gorm:"index;type:varchar(128)" json:"nodeId"`
}

// Channel is a tenant-scoped message topic. Name MUST be of the form
// org:<orgId>:<rest> (spec §3).
type Channel struct {
	Name           string    `gorm:"primaryKey;type:varchar(256)" json:"name"`
	OrganizationID string    `gorm:"index;type:varchar(64)" json:"organizationId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Event is ordered per channel by StreamEntryID (spec §3). Payload ≤ 1 MiB,
// enforced at the Gateway.
type Event struct {
	ID             string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Type           string         `gorm:"index;type:varchar(128)" json:"type"`
	Channel        string         `gorm:"index;type:varchar(256)" json:"channel"`
	OrganizationID string         `gorm:"index;type:varchar(64)" json:"organizationId"`
	UserID         *string        `gorm:"type:varchar(64)" json:"userId,omitempty"`
	Payload        datatypes.JSON `json:"payload"`
	Ack            bool           `json:"ack"`
	CreatedAt      time.Time      `json:"createdAt"`
	StreamEntryID  string         `gorm:"index;type:varchar(64)" json:"streamEntryId"`
	CorrelationID  *string        `gorm:"type:varchar(64)" json:"correlationId,omitempty"`
}

// RoomConfig holds collaboration policy flags for a Room (spec §3).
type RoomConfig struct {
	TimeTravel         bool   `json:"timeTravel"`
	Presence           bool   `json:"presence"`
	ConflictResolution string `json:"conflictResolution"` // first_write_wins | last_write_wins | user_choice | manual
}

// Room is a collaboration document with versioned state (spec §3).
type Room struct {
	ID             string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name           string         `gorm:"index;type:varchar(256)" json:"name"`
	OrganizationID string         `gorm:"index;type:varchar(64)" json:"organizationId"`
	State          datatypes.JSON `json:"state"`
	Version        int64          `json:"version"`
	Config         datatypes.JSON `json:"config"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// OperationType enumerates the OT operation kinds (spec §3, §4.J).
type OperationType string

const (
	OpSet         OperationType = "set"
	OpArrayInsert OperationType = "arrayInsert"
	OpArrayDelete OperationType = "arrayDelete"
	OpArrayMove   OperationType = "arrayMove"
	OpObjectMerge OperationType = "objectMerge"
)

// Operation is a structural edit against room state, subject to OT
// (spec §3).
type Operation struct {
	ID          string        `json:"id"`
	Type        OperationType `json:"type"`
	Path        []string      `json:"path"`
	Value       interface{}   `json:"value,omitempty"`
	Index       *int          `json:"index,omitempty"`
	FromIndex   *int          `json:"fromIndex,omitempty"`
	ClientID    string        `json:"clientId"`
	BaseVersion int64         `json:"baseVersion"`
	Timestamp   time.Time     `json:"timestamp"`
	Causality   []string      `json:"causality,omitempty"`
}

// Snapshot is an immutable room state at a given version on a branch
// (spec §3).
type Snapshot struct {
	ID          string         `gorm:"primaryKey;type:varchar(64)" json:"id"`
	RoomID      string         `gorm:"index;type:varchar(64)" json:"roomId"`
	BranchName  string         `gorm:"index;type:varchar(128)" json:"branchName"`
	State       datatypes.JSON `json:"state"`
	Version     int64          `json:"version"`
	Description string         `json:"description,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Branch is a lineage of snapshots; "main" is the reserved default
// (spec §3).
type Branch struct {
	Name          string    `gorm:"primaryKey;type:varchar(128)" json:"name"`
	RoomID        string    `gorm:"primaryKey;type:varchar(64)" json:"roomId"`
	FromSnapshotID string   `json:"fromSnapshotId"`
	HeadSnapshotID string   `json:"headSnapshotId"`
	ConflictCount int       `json:"conflictCount"`
	LastActivity  time.Time `json:"lastActivity"`
}

// MainBranch is the reserved, auto-created default branch name.
const MainBranch = "main"

// ServerNodeStatus is the ServerRegistry lifecycle state (spec §3, §4.I).
type ServerNodeStatus string

const (
	NodeActive   ServerNodeStatus = "active"
	NodeDraining ServerNodeStatus = "draining"
	NodeInactive ServerNodeStatus = "inactive"
)

// ServerNode describes a single node in the cluster (spec §3).
type ServerNode struct {
	ID             string           `json:"id"`
	Host           string           `json:"host"`
	Port           int              `json:"port"`
	WSPort         int              `json:"wsPort"`
	Status         ServerNodeStatus `json:"status"`
	Capabilities   []string         `json:"capabilities"`
	Connections    int              `json:"connections"`
	MaxConnections int              `json:"maxConnections"`
	LastHeartbeat  time.Time        `json:"lastHeartbeat"`
	StartedAt      time.Time        `json:"startedAt"`
	Version        string           `json:"version"`
	Region         string           `json:"region,omitempty"`
	Zone           string           `json:"zone,omitempty"`
}

// AuditLog records every Auth/Forbidden/RateLimited failure (spec §7,
// SPEC_FULL "Supplemented Features").
type AuditLog struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	OrganizationID string    `gorm:"index;type:varchar(64)" json:"organizationId"`
	Subject        string    `json:"subject"`
	Action         string    `json:"action"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `gorm:"index" json:"createdAt"`
}

// NewID generates a fresh opaque entity identifier.
func NewID() string {
	return uuid.New().String()
}
