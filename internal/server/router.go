package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/connectivity"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/notifications"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	"github.com/MarcoPoloResearchLab/calendarsync/internal/requestcache"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingRealtime      = errors.New("realtime source dependency required")
	errMissingDispatcher    = errors.New("event dispatcher dependency required")
	errMissingNotifications = errors.New("notification feed dependency required")
	errMissingConnectivity  = errors.New("connectivity dependency required")
)

// RealtimeSource exposes the connection manager's read side.
type RealtimeSource interface {
	Status() realtime.Status
	State() *realtime.State
}

// NotificationFeed exposes the notification aggregator.
type NotificationFeed interface {
	Entries() []notifications.Entry
	MarkRead(id string) bool
	MarkAllRead() int
	UnreadCount() int
	Localizer() *notifications.Localizer
}

// Connectivity accepts the secondary network signal.
type Connectivity interface {
	ReportNetwork(online bool)
	Snapshot() connectivity.Snapshot
}

// QueryReader serves cached REST reads.
type QueryReader interface {
	Get(ctx context.Context, key string) (any, error)
}

type Dependencies struct {
	Realtime          RealtimeSource
	Queries           QueryReader
	Dispatcher        *realtime.Dispatcher
	Notifications     NotificationFeed
	Connectivity      Connectivity
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Connectivity == nil {
		return nil, errMissingConnectivity
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		realtime:      deps.Realtime,
		dispatcher:    deps.Dispatcher,
		notifications: deps.Notifications,
		connectivity:  deps.Connectivity,
		queries:       deps.Queries,
		heartbeat:     heartbeat,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/status", handler.handleStatus)
	router.GET("/state", handler.handleState)
	router.GET("/notifications", handler.handleNotifications)
	router.POST("/notifications/read-all", handler.handleMarkAllRead)
	router.POST("/notifications/:id/read", handler.handleMarkRead)
	router.POST("/connectivity", handler.handleConnectivity)
	router.GET("/events", handler.handleEvents)
	if deps.Queries != nil {
		router.GET("/queries/:key", handler.handleQuery)
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	realtime      RealtimeSource
	dispatcher    *realtime.Dispatcher
	notifications NotificationFeed
	connectivity  Connectivity
	queries       QueryReader
	heartbeat     time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type statusResponsePayload struct {
	Connection   realtime.Status       `json:"connection"`
	Connectivity connectivity.Snapshot `json:"connectivity"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponsePayload{
		Connection:   h.realtime.Status(),
		Connectivity: h.connectivity.Snapshot(),
	})
}

func (h *httpHandler) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.realtime.State())
}

type notificationEntryPayload struct {
	notifications.Entry
	RelativeTime string `json:"relativeTime"`
}

type notificationsResponsePayload struct {
	Entries     []notificationEntryPayload `json:"entries"`
	UnreadCount int                        `json:"unreadCount"`
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	now := h.clock()
	if raw := strings.TrimSpace(c.Query("now")); raw != "" {
		parsed, err := realtime.ParseTimestamp(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_now"})
			return
		}
		now = parsed
	}

	localizer := h.notifications.Localizer()
	entries := h.notifications.Entries()
	response := notificationsResponsePayload{
		Entries:     make([]notificationEntryPayload, 0, len(entries)),
		UnreadCount: h.notifications.UnreadCount(),
	}
	for _, entry := range entries {
		latest := time.UnixMilli(entry.Latest().Timestamp)
		response.Entries = append(response.Entries, notificationEntryPayload{
			Entry:        entry,
			RelativeTime: localizer.RelativeTime(latest, now),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if !h.notifications.MarkRead(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unreadCount": h.notifications.UnreadCount()})
}

func (h *httpHandler) handleMarkAllRead(c *gin.Context) {
	marked := h.notifications.MarkAllRead()
	c.JSON(http.StatusOK, gin.H{"marked": marked, "unreadCount": h.notifications.UnreadCount()})
}

type connectivityRequestPayload struct {
	Online *bool `json:"online"`
}

func (h *httpHandler) handleConnectivity(c *gin.Context) {
	var request connectivityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.connectivity.ReportNetwork(*request.Online)
	c.JSON(http.StatusOK, h.connectivity.Snapshot())
}

func (h *httpHandler) handleQuery(c *gin.Context) {
	key := c.Param("key")
	value, err := h.queries.Get(c.Request.Context(), key)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, value)
	case errors.Is(err, requestcache.ErrUnknownQuery):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_query"})
	case errors.Is(err, requestcache.ErrOffline):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "offline"})
	default:
		h.logger.Warn("query fetch failed", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "fetch_failed"})
	}
}
