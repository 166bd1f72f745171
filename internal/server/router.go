package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coeditlabs/coedit/backend/internal/auth"
	"github.com/coeditlabs/coedit/backend/internal/locks"
	"github.com/coeditlabs/coedit/backend/internal/presence"
	"github.com/coeditlabs/coedit/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const identityContextKey = "coedit_identity"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingCoordinator    = errors.New("coordinator dependency required")
	errMissingLockManager    = errors.New("lock manager dependency required")
	errMissingPresence       = errors.New("presence registry dependency required")
)

// TokenValidator authenticates bearer tokens for both surfaces.
type TokenValidator interface {
	Validate(token string) (auth.Identity, error)
}

// Dependencies wires the HTTP surface to the collaboration services.
type Dependencies struct {
	Tokens      TokenValidator
	Coordinator *realtime.Coordinator
	Locks       *locks.Manager
	Presence    *presence.Registry
	Access      realtime.AccessChecker
	Logger      *zap.Logger
}

// NewHTTPHandler builds the router: the websocket upgrade route plus the
// REST lock and presence surface for non-realtime clients.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}
	if deps.Locks == nil {
		return nil, errMissingLockManager
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.Tokens,
		coordinator: deps.Coordinator,
		locks:       deps.Locks,
		presence:    deps.Presence,
		access:      deps.Access,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The REST surface already allows any origin; the upgrade
			// matches it and relies on bearer tokens instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/ws", handler.handleWebsocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/projects/:projectId/locks", handler.handleListLocks)
	protected.POST("/projects/:projectId/locks", handler.handleAcquireLock)
	protected.POST("/projects/:projectId/locks/refresh", handler.handleRefreshLock)
	protected.DELETE("/projects/:projectId/locks", handler.handleReleaseLock)
	protected.GET("/projects/:projectId/presence", handler.handleListPresence)

	return router, nil
}

type httpHandler struct {
	tokens      TokenValidator
	coordinator *realtime.Coordinator
	locks       *locks.Manager
	presence    *presence.Registry
	access      realtime.AccessChecker
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	identity, err := h.tokens.Validate(auth.TokenFromRequest(c.Request))
	if err != nil {
		h.logger.Warn("websocket token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	session := realtime.NewSession(identity.UserID, identity.DisplayName, identity.AvatarURL)
	h.logger.Info("websocket connected",
		zap.String("session_id", session.ID),
		zap.String("user_id", identity.UserID))
	h.coordinator.ServeConnection(c.Request.Context(), conn, session)
}

type lockRequestPayload struct {
	FilePath string `json:"filePath"`
}

func (h *httpHandler) handleListLocks(c *gin.Context) {
	projectID, ok := h.authorizedProject(c)
	if !ok {
		return
	}

	held, err := h.locks.ListForProject(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to list locks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": held})
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	projectID, ok := h.authorizedProject(c)
	if !ok {
		return
	}
	path, ok := h.lockPathFromBody(c)
	if !ok {
		return
	}
	identity := h.requestIdentity(c)

	lock, err := h.locks.Acquire(c.Request.Context(), projectID, path, identity.UserID, identity.DisplayName)
	if err != nil {
		h.logger.Error("failed to acquire lock", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_unavailable"})
		return
	}
	if lock == nil {
		holder, err := h.locks.Get(c.Request.Context(), projectID, path)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "file_locked"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": "file_locked", "holder": holder})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lock": lock})
}

func (h *httpHandler) handleRefreshLock(c *gin.Context) {
	projectID, ok := h.authorizedProject(c)
	if !ok {
		return
	}
	path, ok := h.lockPathFromBody(c)
	if !ok {
		return
	}
	identity := h.requestIdentity(c)

	refreshed, err := h.locks.Refresh(c.Request.Context(), projectID, path, identity.UserID)
	if err != nil {
		h.logger.Error("failed to refresh lock", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_unavailable"})
		return
	}
	if !refreshed {
		c.JSON(http.StatusNotFound, gin.H{"error": "lock_not_held"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": true})
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	projectID, ok := h.authorizedProject(c)
	if !ok {
		return
	}
	path, ok := h.lockPathFromQuery(c)
	if !ok {
		return
	}
	identity := h.requestIdentity(c)

	released, err := h.locks.Release(c.Request.Context(), projectID, path, identity.UserID)
	if err != nil {
		h.logger.Error("failed to release lock", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_unavailable"})
		return
	}
	if !released {
		c.JSON(http.StatusNotFound, gin.H{"error": "lock_not_held"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

func (h *httpHandler) handleListPresence(c *gin.Context) {
	projectID, ok := h.authorizedProject(c)
	if !ok {
		return
	}

	records, err := h.presence.ListForProject(c.Request.Context(), projectID.String())
	if err != nil {
		h.logger.Error("failed to list presence", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": records})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := auth.TokenFromRequest(c.Request)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization header missing or invalid"})
		return
	}
	identity, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

// authorizedProject resolves the project path parameter and enforces
// membership for the authenticated identity.
func (h *httpHandler) authorizedProject(c *gin.Context) (locks.ProjectID, bool) {
	projectID, err := locks.NewProjectID(strings.TrimSpace(c.Param("projectId")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project"})
		return "", false
	}

	if h.access != nil {
		identity := h.requestIdentity(c)
		allowed, err := h.access.HasAccess(c.Request.Context(), identity.UserID, projectID.String())
		if err != nil {
			h.logger.Error("access check failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed"})
			return "", false
		}
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
			return "", false
		}
	}
	return projectID, true
}

func (h *httpHandler) lockPathFromBody(c *gin.Context) (locks.FilePath, bool) {
	var request lockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", false
	}
	path, err := locks.NewFilePath(strings.TrimSpace(request.FilePath))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_path"})
		return "", false
	}
	return path, true
}

func (h *httpHandler) lockPathFromQuery(c *gin.Context) (locks.FilePath, bool) {
	path, err := locks.NewFilePath(strings.TrimSpace(c.Query("path")))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_path"})
		return "", false
	}
	return path, true
}

func (h *httpHandler) requestIdentity(c *gin.Context) auth.Identity {
	value, exists := c.Get(identityContextKey)
	if !exists {
		return auth.Identity{}
	}
	identity, ok := value.(auth.Identity)
	if !ok {
		return auth.Identity{}
	}
	return identity
}
