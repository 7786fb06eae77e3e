package store

import (
	"context"
	"fmt"
	"time"

	"github.com/axonstream/axonpulse/internal/axerr"
	"github.com/axonstream/axonpulse/internal/models"
	"gorm.io/gorm"
)

// GormStore is the Postgres-backed Store implementation, following the
// WithContext/fmt.Errorf wrapping convention used across the
// Tesseract-Nexus repository layer.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a Store backed by an open *gorm.DB.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate auto-migrates every Store-owned model.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(
		&models.Organization{},
		&models.Connection{},
		&models.Channel{},
		&models.Event{},
		&models.Room{},
		&models.Snapshot{},
		&models.Branch{},
		&models.AuditLog{},
	)
}

func wrapErr(action string, err error) error {
	if err == nil {
		return nil
	}
	if err == gorm.ErrRecordNotFound {
		return axerr.NotFound("NOT_FOUND", action)
	}
	return axerr.Transient("STORE_ERROR", action, err)
}

func (s *GormStore) UpsertOrganization(ctx context.Context, org *models.Organization) error {
	err := s.db.WithContext(ctx).Save(org).Error
	if err != nil {
		return fmt.Errorf("upsert organization: %w", wrapErr("upsert organization", err))
	}
	return nil
}

func (s *GormStore) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.WithContext(ctx).Where("id = ?", orgID).First(&org).Error
	if err == gorm.ErrRecordNotFound {
		return nil, axerr.NotFound("ORG_NOT_FOUND", "organization not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", wrapErr("get organization", err))
	}
	return &org, nil
}

func (s *GormStore) UpsertConnection(ctx context.Context, orgID string, conn *models.Connection) error {
	if conn.OrganizationID != orgID {
		return axerr.Forbidden("TENANT_MISMATCH", "connection organizationId mismatch")
	}
	err := s.db.WithContext(ctx).Save(conn).Error
	if err != nil {
		return fmt.Errorf("upsert connection: %w", wrapErr("upsert connection", err))
	}
	return nil
}

func (s *GormStore) GetConnection(ctx context.Context, orgID, sessionID string) (*models.Connection, error) {
	var conn models.Connection
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND organization_id = ?", sessionID, orgID).
		First(&conn).Error
	if err == gorm.ErrRecordNotFound {
		return nil, axerr.NotFound("CONNECTION_NOT_FOUND", "connection not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", wrapErr("get connection", err))
	}
	return &conn, nil
}

func (s *GormStore) ListConnections(ctx context.Context, orgID string, f Filter) ([]models.Connection, error) {
	var conns []models.Connection
	q := s.db.WithContext(ctx).Where("organization_id = ?", orgID)
	q = applyFilter(q, f)
	if err := q.Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("list connections: %w", wrapErr("list connections", err))
	}
	return conns, nil
}

func (s *GormStore) DeleteConnection(ctx context.Context, orgID, sessionID string) error {
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND organization_id = ?", sessionID, orgID).
		Delete(&models.Connection{}).Error
	if err != nil {
		return fmt.Errorf("delete connection: %w", wrapErr("delete connection", err))
	}
	return nil
}

func (s *GormStore) UpsertChannel(ctx context.Context, orgID string, ch *models.Channel) error {
	if ch.OrganizationID != orgID {
		return axerr.Forbidden("TENANT_MISMATCH", "channel organizationId mismatch")
	}
	err := s.db.WithContext(ctx).Save(ch).Error
	if err != nil {
		return fmt.Errorf("upsert channel: %w", wrapErr("upsert channel", err))
	}
	return nil
}

func (s *GormStore) GetChannel(ctx context.Context, orgID, name string) (*models.Channel, error) {
	var ch models.Channel
	err := s.db.WithContext(ctx).
		Where("name = ? AND organization_id = ?", name, orgID).
		First(&ch).Error
	if err == gorm.ErrRecordNotFound {
		return nil, axerr.NotFound("CHANNEL_NOT_FOUND", "channel not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get channel: %w", wrapErr("get channel", err))
	}
	return &ch, nil
}

func (s *GormStore) AppendEvent(ctx context.Context, orgID string, ev *models.Event) error {
	if ev.OrganizationID != orgID {
		return axerr.Forbidden("TENANT_MISMATCH", "event organizationId mismatch")
	}
	err := s.db.WithContext(ctx).Create(ev).Error
	if err != nil {
		return fmt.Errorf("append event: %w", wrapErr("append event", err))
	}
	return nil
}

func (s *GormStore) ListEvents(ctx context.Context, orgID string, f Filter) ([]models.Event, error) {
	var events []models.Event
	q := s.db.WithContext(ctx).Where("organization_id = ?", orgID)
	q = applyFilter(q, f)
	if err := q.Order("created_at ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", wrapErr("list events", err))
	}
	return events, nil
}

func (s *GormStore) UpsertRoom(ctx context.Context, orgID string, room *models.Room) error {
	if room.OrganizationID != orgID {
		return axerr.Forbidden("TENANT_MISMATCH", "room organizationId mismatch")
	}
	err := s.db.WithContext(ctx).Save(room).Error
	if err != nil {
		return fmt.Errorf("upsert room: %w", wrapErr("upsert room", err))
	}
	return nil
}

func (s *GormStore) GetRoom(ctx context.Context, orgID, roomID string) (*models.Room, error) {
	var room models.Room
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", roomID, orgID).
		First(&room).Error
	if err == gorm.ErrRecordNotFound {
		return nil, axerr.NotFound("ROOM_NOT_FOUND", "room not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get room: %w", wrapErr("get room", err))
	}
	return &room, nil
}

func (s *GormStore) ListRooms(ctx context.Context, orgID string, f Filter) ([]models.Room, error) {
	var rooms []models.Room
	q := s.db.WithContext(ctx).Where("organization_id = ?", orgID)
	q = applyFilter(q, f)
	if err := q.Find(&rooms).Error; err != nil {
		return nil, fmt.Errorf("list rooms: %w", wrapErr("list rooms", err))
	}
	return rooms, nil
}

func (s *GormStore) CreateSnapshot(ctx context.Context, orgID string, snap *models.Snapshot) error {
	err := s.db.WithContext(ctx).Create(snap).Error
	if err != nil {
		return fmt.Errorf("create snapshot: %w", wrapErr("create snapshot", err))
	}
	return nil
}

func (s *GormStore) GetSnapshot(ctx context.Context, orgID, snapshotID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.db.WithContext(ctx).Where("id = ?", snapshotID).First(&snap).Error
	if err == gorm.ErrRecordNotFound {
		return nil, axerr.NotFound("SNAPSHOT_NOT_FOUND", "snapshot not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", wrapErr("get snapshot", err))
	}
	return &snap, nil
}

func (s *GormStore) ListSnapshots(ctx context.Context, orgID, roomID, branch string) ([]models.Snapshot, error) {
	var snaps []models.Snapshot
	q := s.db.WithContext(ctx).Where("room_id = ?", roomID)
	if branch != "" {
		q = q.Where("branch_name = ?", branch)
	}
	if err := q.Order("version ASC").Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("list snapshots: %w", wrapErr("list snapshots", err))
	}
	return snaps, nil
}

func (s *GormStore) UpsertBranch(ctx context.Context, orgID string, branch *models.Branch) error {
	err := s.db.WithContext(ctx).Save(branch).Error
	if err != nil {
		return fmt.Errorf("upsert branch: %w", wrapErr("upsert branch", err))
	}
	return nil
}

func (s *GormStore) GetBranch(ctx context.Context, orgID, roomID, name string) (*models.Branch, error) {
	var branch models.Branch
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND name = ?", roomID, name).
		First(&branch).Error
	if err == gorm.ErrRecordNotFound {
		return nil, axerr.NotFound("BRANCH_NOT_FOUND", "branch not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get branch: %w", wrapErr("get branch", err))
	}
	return &branch, nil
}

func (s *GormStore) ListBranches(ctx context.Context, orgID, roomID string) ([]models.Branch, error) {
	var branches []models.Branch
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Find(&branches).Error
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", wrapErr("list branches", err))
	}
	return branches, nil
}

func (s *GormStore) RecordAudit(ctx context.Context, orgID string, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = models.NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.OrganizationID = orgID
	err := s.db.WithContext(ctx).Create(entry).Error
	if err != nil {
		return fmt.Errorf("record audit: %w", wrapErr("record audit", err))
	}
	return nil
}

func (s *GormStore) Count(ctx context.Context, orgID, entity string, f Filter) (int64, error) {
	var count int64
	q := s.db.WithContext(ctx).Table(entity).Where("organization_id = ?", orgID)
	q = applyFilter(q, f)
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", entity, wrapErr("count", err))
	}
	return count, nil
}

func (s *GormStore) DistinctField(ctx context.Context, orgID, entity, field string) ([]string, error) {
	var values []string
	err := s.db.WithContext(ctx).
		Table(entity).
		Where("organization_id = ?", orgID).
		Distinct().
		Pluck(field, &values).Error
	if err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", entity, field, wrapErr("distinct", err))
	}
	return values, nil
}

func applyFilter(q *gorm.DB, f Filter) *gorm.DB {
	for k, v := range f.Equals {
		q = q.Where(fmt.Sprintf("%s = ?", k), v)
	}
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	return q
}
