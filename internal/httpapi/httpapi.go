// Package httpapi implements the collaboration HTTP surface (spec §6):
// /magic/* room operations, /channels/{name}/replay, and the /events
// HTTP publish fallback. Handler shape follows the teacher's gin
// handlers package.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/axonstream/axonpulse/internal/axerr"
	"github.com/axonstream/axonpulse/internal/collab"
	"github.com/axonstream/axonpulse/internal/kv"
	"github.com/axonstream/axonpulse/internal/metrics"
	"github.com/axonstream/axonpulse/internal/models"
	"github.com/axonstream/axonpulse/internal/presence"
	"github.com/axonstream/axonpulse/internal/router"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/axonstream/axonpulse/internal/streams"
	"github.com/axonstream/axonpulse/internal/tenant"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler groups every collaboration HTTP endpoint behind the same
// dependency set the Gateway uses, so HTTP and WebSocket admission
// enforce identical tenancy rules.
type Handler struct {
	store    store.Store
	engine   *collab.Engine
	log      *streams.Log
	kv       *kv.Store
	presence *presence.Roster
}

// New constructs a Handler.
func New(st store.Store, engine *collab.Engine, logComp *streams.Log, kvStore *kv.Store) *Handler {
	return &Handler{store: st, engine: engine, log: logComp, kv: kvStore, presence: presence.New(kvStore)}
}

// Register mounts every route under group, which callers protect with
// the tenant-auth middleware beforehand.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.POST("/magic/rooms", h.createRoom)
	group.POST("/magic/:room/join", h.joinRoom)
	group.POST("/magic/:room/leave", h.leaveRoom)
	group.GET("/magic/rooms/:room/state", h.roomState)
	group.POST("/magic/rooms/:room/operation", h.applyOperation)
	group.POST("/magic/rooms/:room/snapshots", h.createSnapshot)
	group.POST("/magic/rooms/:room/revert/:snapshotId", h.revertSnapshot)
	group.POST("/magic/rooms/:room/branches", h.createBranch)
	group.GET("/magic/rooms/:room/branches", h.listBranches)
	group.POST("/magic/rooms/:room/merge", h.mergeBranches)
	group.GET("/magic/rooms/:room/timeline", h.timeline)
	group.GET("/channels/:name/replay", h.replayChannel)
	group.POST("/events", h.publishEvent)
}

func tenantContext(c *gin.Context) (tenant.Context, bool) {
	val, ok := c.Get("tenantContext")
	if !ok {
		return tenant.Context{}, false
	}
	tc, ok := val.(tenant.Context)
	return tc, ok
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch axerr.KindOf(err) {
	case axerr.KindValidation:
		status = http.StatusBadRequest
	case axerr.KindAuth:
		status = http.StatusUnauthorized
	case axerr.KindForbidden:
		status = http.StatusForbidden
	case axerr.KindRateLimit:
		status = http.StatusTooManyRequests
	case axerr.KindConflict:
		status = http.StatusConflict
	case axerr.KindNotFound:
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": gin.H{"code": string(axerr.KindOf(err)), "message": err.Error()}})
}

// idempotencyGuard enforces the "idempotency keys on mutating POSTs"
// requirement (spec §6) via a KV SETNX, returning false (with the
// response already written) if the key was already seen.
func (h *Handler) idempotencyGuard(c *gin.Context, ttl time.Duration) bool {
	key := c.GetHeader("Idempotency-Key")
	if key == "" || h.kv == nil {
		return true
	}
	ok, err := h.kv.SetNX(c.Request.Context(), "idempotency:"+key, "1", ttl)
	if err != nil {
		writeError(c, err)
		return false
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": gin.H{"code": "DUPLICATE_REQUEST", "message": "idempotency key already used"}})
		return false
	}
	return true
}

type createRoomRequest struct {
	Name   string            `json:"name" binding:"required"`
	Config models.RoomConfig `json:"config"`
}

func (h *Handler) createRoom(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	if !h.idempotencyGuard(c, 10*time.Minute) {
		return
	}
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, axerr.Validation("INVALID_BODY", err.Error()))
		return
	}
	cfg, _ := json.Marshal(req.Config)
	room := &models.Room{
		ID:             uuid.New().String(),
		Name:           req.Name,
		OrganizationID: tc.OrganizationID,
		State:          []byte("{}"),
		Config:         cfg,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := h.store.UpsertRoom(c.Request.Context(), tc.OrganizationID, room); err != nil {
		writeError(c, err)
		return
	}
	branch := &models.Branch{Name: models.MainBranch, RoomID: room.ID, LastActivity: time.Now().UTC()}
	if err := h.store.UpsertBranch(c.Request.Context(), tc.OrganizationID, branch); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

type presenceRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

func (h *Handler) joinRoom(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	room, err := h.store.GetRoom(c.Request.Context(), tc.OrganizationID, c.Param("room"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, axerr.Validation("INVALID_BODY", err.Error()))
		return
	}
	roster, err := h.presence.Join(c.Request.Context(), tc.OrganizationID, room.Name, tc.UserID, req.SessionID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room.ID, "joined": true, "roster": roster})
}

func (h *Handler) leaveRoom(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	room, err := h.store.GetRoom(c.Request.Context(), tc.OrganizationID, c.Param("room"))
	if err != nil {
		writeError(c, err)
		return
	}
	var req presenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, axerr.Validation("INVALID_BODY", err.Error()))
		return
	}
	if err := h.presence.Leave(c.Request.Context(), tc.OrganizationID, room.Name, req.SessionID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

func (h *Handler) roomState(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	room, err := h.store.GetRoom(c.Request.Context(), tc.OrganizationID, c.Param("room"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

type operationRequest struct {
	Type        models.OperationType `json:"type" binding:"required"`
	Path        []string             `json:"path" binding:"required"`
	Value       interface{}          `json:"value,omitempty"`
	Index       *int                 `json:"index,omitempty"`
	FromIndex   *int                 `json:"fromIndex,omitempty"`
	ClientID    string               `json:"clientId" binding:"required"`
	BaseVersion int64                `json:"baseVersion"`
}

func (h *Handler) applyOperation(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	if !tc.HasPermission("room:write") {
		writeError(c, axerr.Forbidden("FORBIDDEN", "missing room:write permission"))
		return
	}
	if !h.idempotencyGuard(c, time.Minute) {
		return
	}
	var req operationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, axerr.Validation("INVALID_BODY", err.Error()))
		return
	}
	op := models.Operation{
		ID:          uuid.New().String(),
		Type:        req.Type,
		Path:        req.Path,
		Value:       req.Value,
		Index:       req.Index,
		FromIndex:   req.FromIndex,
		ClientID:    req.ClientID,
		BaseVersion: req.BaseVersion,
		Timestamp:   time.Now().UTC(),
	}
	room, conflict, err := h.engine.ApplyOperation(c.Request.Context(), tc.OrganizationID, c.Param("room"), op)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "conflict": conflict})
}

type snapshotRequest struct {
	Branch      string `json:"branch"`
	Description string `json:"description"`
}

func (h *Handler) createSnapshot(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	var req snapshotRequest
	_ = c.ShouldBindJSON(&req)
	snap, err := h.engine.CreateSnapshot(c.Request.Context(), tc.OrganizationID, c.Param("room"), req.Branch, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *Handler) revertSnapshot(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	strategy := collab.RevertStrategy(c.DefaultQuery("strategy", string(collab.RevertSafe)))
	room, err := h.engine.RevertToSnapshot(c.Request.Context(), tc.OrganizationID, c.Param("room"), c.Param("snapshotId"), strategy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

type branchRequest struct {
	FromSnapshotID string `json:"fromSnapshotId" binding:"required"`
	Name           string `json:"name" binding:"required"`
}

func (h *Handler) createBranch(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	var req branchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, axerr.Validation("INVALID_BODY", err.Error()))
		return
	}
	branch, err := h.engine.CreateBranch(c.Request.Context(), tc.OrganizationID, c.Param("room"), req.FromSnapshotID, req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, branch)
}

func (h *Handler) listBranches(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	branches, err := h.store.ListBranches(c.Request.Context(), tc.OrganizationID, c.Param("room"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, branches)
}

type mergeRequest struct {
	Source   string               `json:"source" binding:"required"`
	Target   string               `json:"target" binding:"required"`
	Strategy collab.MergeStrategy `json:"strategy"`
}

func (h *Handler) mergeBranches(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, axerr.Validation("INVALID_BODY", err.Error()))
		return
	}
	if req.Strategy == "" {
		req.Strategy = collab.MergeAuto
	}
	snap, conflicts, err := h.engine.MergeBranches(c.Request.Context(), tc.OrganizationID, c.Param("room"), req.Source, req.Target, req.Strategy)
	if err != nil && len(conflicts) == 0 {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap, "conflicts": conflicts})
}

func (h *Handler) timeline(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	snaps, err := h.store.ListSnapshots(c.Request.Context(), tc.OrganizationID, c.Param("room"), c.Query("branch"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snaps)
}

func (h *Handler) replayChannel(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	channel := c.Param("name")
	if err := router.CheckChannelAccess(tc, channel); err != nil {
		writeError(c, err)
		return
	}
	after := c.DefaultQuery("after", "0")
	count := int64(100)
	if v := c.Query("count"); v != "" {
		if n, err := parseCount(v); err == nil {
			count = n
		}
	}
	entries, err := h.log.Read(c.Request.Context(), tc.OrganizationID, channel, after, count)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func parseCount(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, axerr.Validation("INVALID_COUNT", "count must be numeric")
	}
	return n, nil
}

type publishEventRequest struct {
	Channel string          `json:"channel" binding:"required"`
	Type    string          `json:"type" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}

// publishEvent is the HTTP publish fallback for clients without an open
// WebSocket (spec §6 "POST /events").
func (h *Handler) publishEvent(c *gin.Context) {
	tc, ok := tenantContext(c)
	if !ok {
		writeError(c, axerr.Auth("AUTH_REQUIRED", "tenant context required"))
		return
	}
	if !tc.HasPermission("event:create") {
		writeError(c, axerr.Forbidden("FORBIDDEN", "missing event:create permission"))
		return
	}
	if !h.idempotencyGuard(c, time.Minute) {
		return
	}
	var req publishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, axerr.Validation("INVALID_BODY", err.Error()))
		return
	}
	if err := router.CheckChannelAccess(tc, req.Channel); err != nil {
		writeError(c, err)
		return
	}
	entryID, err := h.log.Append(c.Request.Context(), tc.OrganizationID, req.Channel, req.Payload)
	if err != nil {
		writeError(c, err)
		return
	}
	event := &models.Event{
		ID:             uuid.New().String(),
		Type:           req.Type,
		Channel:        req.Channel,
		OrganizationID: tc.OrganizationID,
		Payload:        req.Payload,
		CreatedAt:      time.Now().UTC(),
		StreamEntryID:  entryID,
	}
	if !tc.IsAnonymous() {
		event.UserID = &tc.UserID
	}
	if err := h.store.AppendEvent(c.Request.Context(), tc.OrganizationID, event); err != nil {
		writeError(c, err)
		return
	}
	metrics.EventsPublished.WithLabelValues(tc.OrganizationID).Inc()
	c.JSON(http.StatusAccepted, gin.H{"streamEntryId": entryID})
}
