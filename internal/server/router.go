package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/collab"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "collab_user_id"
	claimsContextKey    = "collab_session_claims"
	requestIDContextKey = "collab_request_id"
	requestIDHeader     = "X-Request-ID"
	adminRole           = "admin"
	documentIDParam     = "id"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUserResolver     = errors.New("user resolver dependency required")
	errMissingCollabService    = errors.New("collab service dependency required")
)

// SessionValidator validates session tokens carried by a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserResolver maps session claims onto canonical user identifiers.
type UserResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// Dependencies wires the HTTP surface to its collaborators.
type Dependencies struct {
	Sessions          SessionValidator
	Users             UserResolver
	CollabService     *collab.Service
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
	// AllowedOrigins lists browser origins that may call the API with
	// credentials. Empty or "*" allows any origin without credentials.
	AllowedOrigins []string
}

// NewHTTPHandler builds the gin router for the sync and awareness API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserResolver
	}
	if deps.CollabService == nil {
		return nil, errMissingCollabService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		users:     deps.Users,
		collab:    deps.CollabService,
		realtime:  realtime,
		logger:    logger,
		heartbeat: heartbeat,
	}
	router.Use(handler.requestContext)

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	documentRoutes := protected.Group("/documents/:" + documentIDParam)
	documentRoutes.GET("/sync", handler.handleGetDocumentState)
	documentRoutes.POST("/sync/updates", handler.handleApplyUpdates)
	documentRoutes.POST("/sync/state-vector", handler.handleUpdateStateVector)
	documentRoutes.POST("/sync/compact", handler.handleCompactUpdates)
	documentRoutes.PUT("/awareness", handler.handleUpdateAwareness)
	documentRoutes.GET("/awareness", handler.handleGetAwareness)
	documentRoutes.DELETE("/awareness", handler.handleRemoveAwareness)
	documentRoutes.GET("/events", handler.handleDocumentEvents)

	admin := protected.Group("/admin")
	admin.Use(handler.requireRole(adminRole))
	admin.POST("/awareness/cleanup", handler.handleCleanupStaleAwareness)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", requestIDHeader, "Last-Event-ID"},
		ExposeHeaders: []string{requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			origins = nil
			break
		}
		origins = append(origins, trimmed)
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
		return cors.New(config)
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return cors.New(config)
}

type httpHandler struct {
	sessions  SessionValidator
	users     UserResolver
	collab    *collab.Service
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

// requestContext assigns a request id and logs the completed request.
func (h *httpHandler) requestContext(c *gin.Context) {
	requestID := c.GetHeader(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	c.Header(requestIDHeader, requestID)

	started := time.Now()
	c.Next()

	h.logger.Debug("request completed",
		zap.String("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(started)))
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		case errors.Is(err, auth.ErrMissingSessionToken):
			h.logger.Debug("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
	if err != nil || userID == "" {
		h.logger.Warn("identity resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	c.Set(userIDContextKey, userID)
	c.Set(claimsContextKey, claims)
	c.Next()
}

func (h *httpHandler) requireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := c.Get(claimsContextKey)
		sessionClaims, ok := claims.(auth.SessionClaims)
		if !ok || !sessionClaims.HasRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not_authorized"})
			return
		}
		c.Next()
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// respondError maps the collab error taxonomy onto HTTP statuses.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, collab.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, collab.ErrNotAuthorized):
		status, code = http.StatusForbidden, "not_authorized"
	case errors.Is(err, collab.ErrSyncStateNotFound):
		status, code = http.StatusNotFound, "sync_state_not_found"
	case errors.Is(err, collab.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, collab.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_request"
	}

	serviceCode := ""
	var serviceErr *collab.ServiceError
	if errors.As(err, &serviceErr) {
		serviceCode = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("request_id", c.GetString(requestIDContextKey)),
			zap.String("code", serviceCode),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "code": serviceCode})
}

func (h *httpHandler) respondInvalidRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}

// callerAndDocument extracts the validated caller and document identifiers.
func (h *httpHandler) callerAndDocument(c *gin.Context) (collab.UserID, collab.DocumentID, bool) {
	caller, err := collab.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return "", "", false
	}
	documentID, err := collab.NewDocumentID(c.Param(documentIDParam))
	if err != nil {
		h.respondError(c, err)
		return "", "", false
	}
	return caller, documentID, true
}
