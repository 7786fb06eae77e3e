package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/axonstream/axonpulse/internal/audit"
	"github.com/axonstream/axonpulse/internal/collab"
	"github.com/axonstream/axonpulse/internal/config"
	"github.com/axonstream/axonpulse/internal/connmgr"
	"github.com/axonstream/axonpulse/internal/gateway"
	"github.com/axonstream/axonpulse/internal/health"
	"github.com/axonstream/axonpulse/internal/httpapi"
	"github.com/axonstream/axonpulse/internal/kv"
	"github.com/axonstream/axonpulse/internal/metrics"
	"github.com/axonstream/axonpulse/internal/middleware"
	"github.com/axonstream/axonpulse/internal/models"
	"github.com/axonstream/axonpulse/internal/natsconn"
	"github.com/axonstream/axonpulse/internal/ratelimit"
	"github.com/axonstream/axonpulse/internal/registry"
	"github.com/axonstream/axonpulse/internal/router"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/axonstream/axonpulse/internal/streams"
	"github.com/axonstream/axonpulse/internal/tenant"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.App.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
	entry := logger.WithField("service", "axonpulse-gateway")

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := initDatabase(&cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	gormStore := store.NewGormStore(db)
	if err := gormStore.Migrate(); err != nil {
		log.Fatalf("failed to migrate schema: %v", err)
	}
	entry.Info("database migration completed")

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("invalid redis url: %v", err)
	}
	redisOpts.DialTimeout = cfg.Redis.DialTimeout
	cmdRedis := goredis.NewClient(redisOpts)
	if err := cmdRedis.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}

	kvStore := kv.New(cmdRedis, cfg.Redis.KeyPrefix, logger)
	logStore := streams.New(cmdRedis, streams.Config{KeyPrefix: cfg.Redis.KeyPrefix}, logger)

	natsConn, err := natsconn.Connect(cfg.NATS, entry)
	if err != nil {
		entry.WithError(err).Warn("failed to connect to nats; server_died notifications disabled")
	}

	authr := &tenant.Authenticator{
		Store:           gormStore,
		JWTPublicKey:    []byte(cfg.Auth.JWTPublicKey),
		ClockDriftMax:   cfg.Auth.ClockDriftMax,
		DemoModeEnabled: cfg.Auth.DemoModeEnabled,
		APIKeyOrgs:      loadAPIKeyOrgs(),
	}

	limiter := ratelimit.New(ratelimit.Config{
		SocketMessagesPerWindow: cfg.RateLimit.SocketMessagesPerWindow,
		SocketWindow:            cfg.RateLimit.SocketWindow,
		ActionSteadyRate:        cfg.RateLimit.ActionSteadyRate,
		ActionWindow:            cfg.RateLimit.ActionWindow,
		BurstMultiplier:         cfg.RateLimit.BurstMultiplier,
	}, kvStore)

	connManager := connmgr.New(connmgr.Config{
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		MaxMissedHeartbeats:  cfg.Connection.MaxMissedHeartbeats,
		StaleAfter:           cfg.Connection.StaleAfter,
		ReconnectBase:        cfg.Connection.ReconnectBase,
		ReconnectFactor:      cfg.Connection.ReconnectFactor,
		ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
		ReconnectMaxAttempts: cfg.Connection.ReconnectMaxAttempts,
		ReconnectResetAfter:  cfg.Connection.ReconnectResetAfter,
		ReconnectJitter:      cfg.Connection.ReconnectJitter,
	}, gormStore, kvStore, logger)
	go connManager.RunCleanup(context.Background())

	rooms := router.New()
	auditRecorder := audit.New(gormStore, logger)
	collabEngine := collab.New(gormStore, kvStore, logStore, cfg.Collab.SnapshotTrimThreshold, collab.ConflictPolicy(cfg.Collab.DefaultConflictPolicy))

	gw := gateway.New(gateway.Config{
		MaxMessageSize:       cfg.WebSocket.MaxMessageSize,
		MaxSubscriptions:     cfg.WebSocket.MaxSubscriptions,
		OutboundQueueSize:    cfg.WebSocket.OutboundQueueSize,
		PingInterval:         cfg.WebSocket.PingInterval,
		PongWait:             cfg.WebSocket.PongWait,
		WriteWait:            cfg.WebSocket.WriteWait,
		MaxConnectionsPerOrg: 10000,
	}, connManager, rooms, limiter, logStore, gormStore, auditRecorder, collabEngine, logger)

	nodeID := registry.NewNodeID()
	self := models.ServerNode{
		ID:             nodeID,
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		WSPort:         cfg.Server.WSPort,
		Status:         models.NodeActive,
		Capabilities:   []string{"websocket", "magic-collaboration"},
		MaxConnections: 10000,
		StartedAt:      time.Now().UTC(),
		Version:        "axonpulse",
	}

	var serverRegistry *registry.Registry
	if natsConn != nil {
		serverRegistry = registry.New(registry.Config{
			HeartbeatInterval: cfg.Registry.HeartbeatInterval,
			ReapInterval:      cfg.Registry.ReapInterval,
			NodeTTL:           cfg.Registry.NodeTTL,
			LoadHighWaterMark: cfg.Registry.LoadHighWaterMark,
		}, kvStore, natsConn, self, connManager.Count, logger)
		go serverRegistry.RunHeartbeat(context.Background())
		go serverRegistry.RunReap(context.Background())
		if _, err := serverRegistry.OnServerDied(func(ev registry.ServerDiedEvent) {
			entry.WithField("node", ev.NodeID).Warn("peer server died")
		}); err != nil {
			entry.WithError(err).Warn("failed to subscribe to server_died events")
		}
	}

	healthMonitor := health.New(health.Config{
		SampleInterval:     cfg.Monitoring.SampleInterval,
		EMAAlpha:           cfg.Monitoring.EMAAlpha,
		AlertCooldown:      cfg.Monitoring.AlertCooldown,
		LatencyThresholdMs: cfg.Monitoring.LatencyThresholdMs,
		ErrorRateThreshold: cfg.Monitoring.ErrorRateThreshold,
	}, func() health.Snapshot {
		stats := connManager.Stats()
		reconnectRate := 0.0
		if n := connManager.Count(); n > 0 {
			reconnectRate = float64(stats.ReconnectingN) / float64(n)
		}
		return health.Snapshot{
			LatencyMs:       stats.AvgLatencyMs,
			ReconnectRate:   reconnectRate,
			LowQualityRatio: stats.LowQualityRatio,
		}
	}, func(a health.Alert) {
		entry.WithFields(logrus.Fields{"type": a.Type, "severity": a.Severity}).Warn(a.Message)
	}, logger)
	healthDone := make(chan struct{})
	go healthMonitor.Run(healthDone)

	httpHandler := httpapi.New(gormStore, collabEngine, logStore, kvStore)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	engine := gin.New()
	engine.Use(middleware.Recovery(entry))
	engine.Use(middleware.CORS())
	engine.Use(middleware.Logger(entry))
	engine.Use(metrics.Middleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": nodeID})
	})
	engine.GET("/metrics", metrics.Handler())
	engine.GET("/readyz", func(c *gin.Context) {
		if err := cmdRedis.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	api := engine.Group("/api/v1")
	api.Use(middleware.TenantAuth(authr))
	httpHandler.Register(api)
	api.GET("/ws", func(c *gin.Context) {
		handleUpgrade(c, gw, upgrader, nodeID)
	})
	if serverRegistry != nil {
		engine.GET("/placement", func(c *gin.Context) {
			node, err := serverRegistry.BestNode(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"code": "NO_NODE_AVAILABLE", "message": err.Error()}})
				return
			}
			c.JSON(http.StatusOK, node)
		})
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()
	entry.WithField("addr", srv.Addr).Info("axonpulse gateway started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	entry.Info("shutting down")

	if serverRegistry != nil {
		_ = serverRegistry.Drain(context.Background())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gw.Drain(shutdownCtx, 5*time.Second)

	if serverRegistry != nil {
		_ = serverRegistry.Deregister(shutdownCtx)
	}
	close(healthDone)
	connManager.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Error("server forced to shutdown")
	}
	if natsConn != nil {
		natsConn.Drain()
	}
	_ = cmdRedis.Close()
	entry.Info("axonpulse gateway stopped")
}

// handleUpgrade authenticates, upgrades, and admits one WebSocket
// connection, then runs its read/write pumps until it closes.
func handleUpgrade(c *gin.Context, gw *gateway.Gateway, upgrader websocket.Upgrader, nodeID string) {
	tcVal, ok := c.Get("tenantContext")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": "AUTH_REQUIRED", "message": "tenant context required"}})
		return
	}
	tc := tcVal.(tenant.Context)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ctx := gateway.WithNodeID(context.Background(), nodeID)
	clientType := c.DefaultQuery("clientType", "web")
	socket, err := gw.Admit(ctx, conn, tc, clientType)
	if err != nil {
		conn.Close()
		return
	}

	go socket.WritePump()
	socket.ReadPump(ctx)
}

func initDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	gormLog := gormlogger.Default.LogMode(gormlogger.Silent)
	if os.Getenv("DB_LOG_LEVEL") == "info" {
		gormLog = gormlogger.Default.LogMode(gormlogger.Info)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// loadAPIKeyOrgs reads the AXONPULSE_API_KEYS env var, a comma-separated
// list of apiKey=organizationId pairs, into the Authenticator's lookup
// table.
func loadAPIKeyOrgs() map[string]string {
	out := map[string]string{}
	raw := os.Getenv("AXONPULSE_API_KEYS")
	if raw == "" {
		return out
	}
	for _, p := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(p), "=", 2)
		if len(parts) == 2 {
			out[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return out
}
