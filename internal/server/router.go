package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/The777Bot/visitor-garden/internal/garden"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// VisitorIDHeader carries the caller's visitor identifier on /plant.
const VisitorIDHeader = "X-Visitor-ID"

var (
	errMissingStore    = errors.New("garden store dependency required")
	errMissingGate     = errors.New("admission gate dependency required")
	errMissingRealtime = errors.New("realtime dispatcher dependency required")
)

type Dependencies struct {
	Store       garden.Store
	Gate        *garden.Gate
	Realtime    *RealtimeDispatcher
	Field       garden.Field
	RecentLimit int
	RateLimit   RateLimitConfig
	// NewVisitorID mints identifiers for /plant callers without one.
	NewVisitorID func() (string, error)
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Gate == nil {
		return nil, errMissingGate
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	field := deps.Field
	if field == (garden.Field{}) {
		field = garden.DefaultField()
	}
	recentLimit := deps.RecentLimit
	if recentLimit <= 0 {
		recentLimit = garden.DefaultRecentLimit
	}
	newVisitorID := deps.NewVisitorID
	if newVisitorID == nil {
		newVisitorID = newRandomVisitorID
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", VisitorIDHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		store:        deps.Store,
		gate:         deps.Gate,
		realtime:     deps.Realtime,
		field:        field,
		recentLimit:  recentLimit,
		newVisitorID: newVisitorID,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/field", handler.handleField)
	router.GET("/plantings", handler.handleListPlantings)
	router.GET("/plantings/stream", handler.handlePlantingStream)
	router.GET("/plantings/ws", handler.handlePlantingSocket)
	router.GET("/visitors/:visitorId", handler.handleGetVisitor)
	router.GET("/stats", handler.handleStats)

	writes := router.Group("/")
	writes.Use(rateLimitMiddleware(deps.RateLimit))
	writes.POST("/plantings", handler.handleCreatePlanting)
	writes.PUT("/visitors/:visitorId", handler.handleUpsertVisitor)
	writes.POST("/visitors/:visitorId/claim", handler.handleClaimVisitor)
	writes.POST("/visitors/:visitorId/release", handler.handleReleaseVisitor)
	writes.POST("/plant", handler.handlePlant)

	return router, nil
}

type httpHandler struct {
	store        garden.Store
	gate         *garden.Gate
	realtime     *RealtimeDispatcher
	field        garden.Field
	recentLimit  int
	newVisitorID func() (string, error)
	logger       *zap.Logger
}

type fieldResponsePayload struct {
	Width   int `json:"width"`
	Height  int `json:"height"`
	Padding int `json:"padding"`
}

type snapshotResponsePayload struct {
	Plantings []garden.PlantingDocument `json:"plantings"`
}

type plantingRequestPayload struct {
	X           *int   `json:"x"`
	Y           *int   `json:"y"`
	Type        *int   `json:"type"`
	VisitorID   string `json:"visitorId"`
	CountryCode string `json:"countryCode"`
}

type visitorUpdatePayload struct {
	HasPlanted  *bool  `json:"hasPlanted"`
	CountryCode string `json:"countryCode"`
}

type claimRequestPayload struct {
	CountryCode string `json:"countryCode"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleField(c *gin.Context) {
	c.JSON(http.StatusOK, fieldResponsePayload{
		Width:   h.field.Width,
		Height:  h.field.Height,
		Padding: h.field.Padding,
	})
}

func (h *httpHandler) handleListPlantings(c *gin.Context) {
	plantings, err := h.store.ListPlantings(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, snapshotResponsePayload{Plantings: garden.PlantingDocuments(plantings)})
}

func (h *httpHandler) handleCreatePlanting(c *gin.Context) {
	var request plantingRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.X == nil || request.Y == nil || request.Type == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_planting"})
		return
	}

	planting, err := h.store.CreatePlanting(c.Request.Context(), garden.PlantingDraft{
		X:           *request.X,
		Y:           *request.Y,
		Kind:        garden.Kind(*request.Type),
		VisitorID:   request.VisitorID,
		CountryCode: request.CountryCode,
	})
	if errors.Is(err, garden.ErrInvalidPlanting) || errors.Is(err, garden.ErrInvalidVisitorID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_planting"})
		return
	}
	if err != nil {
		h.respondServiceError(c, "create_failed", err)
		return
	}
	c.JSON(http.StatusCreated, planting.Document())
}

func (h *httpHandler) handleGetVisitor(c *gin.Context) {
	visitor, err := h.store.GetVisitor(c.Request.Context(), c.Param("visitorId"))
	switch {
	case errors.Is(err, garden.ErrVisitorNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "visitor_not_found"})
	case errors.Is(err, garden.ErrInvalidVisitorID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visitor_id"})
	case err != nil:
		h.respondServiceError(c, "visitor_lookup_failed", err)
	default:
		c.JSON(http.StatusOK, visitor.Document())
	}
}

func (h *httpHandler) handleUpsertVisitor(c *gin.Context) {
	var request visitorUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	visitor, err := h.store.UpsertVisitor(c.Request.Context(), garden.VisitorUpdate{
		VisitorID:   c.Param("visitorId"),
		HasPlanted:  request.HasPlanted,
		CountryCode: request.CountryCode,
	})
	if errors.Is(err, garden.ErrInvalidVisitorID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visitor_id"})
		return
	}
	if err != nil {
		h.respondServiceError(c, "visitor_upsert_failed", err)
		return
	}
	c.JSON(http.StatusOK, visitor.Document())
}

func (h *httpHandler) handleClaimVisitor(c *gin.Context) {
	var request claimRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	visitor, err := h.store.ClaimVisitor(c.Request.Context(), c.Param("visitorId"), request.CountryCode)
	switch {
	case errors.Is(err, garden.ErrAlreadyPlanted):
		c.JSON(http.StatusConflict, gin.H{"error": "already_planted"})
	case errors.Is(err, garden.ErrInvalidVisitorID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visitor_id"})
	case err != nil:
		h.respondServiceError(c, "claim_failed", err)
	default:
		c.JSON(http.StatusOK, visitor.Document())
	}
}

func (h *httpHandler) handleReleaseVisitor(c *gin.Context) {
	err := h.store.ReleaseVisitor(c.Request.Context(), c.Param("visitorId"))
	if errors.Is(err, garden.ErrInvalidVisitorID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visitor_id"})
		return
	}
	if err != nil {
		h.respondServiceError(c, "release_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	limit := h.recentLimit
	if raw := strings.TrimSpace(c.Query("recent")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_recent"})
			return
		}
		limit = parsed
	}
	plantings, err := h.store.ListPlantings(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "stats_failed", err)
		return
	}
	c.JSON(http.StatusOK, garden.Summarize(plantings, limit).Document())
}

// respondServiceError maps a store failure to 500 with its service code.
func (h *httpHandler) respondServiceError(c *gin.Context, reason string, err error) {
	payload := gin.H{"error": reason}
	var serviceErr *garden.ServiceError
	if errors.As(err, &serviceErr) {
		payload["code"] = serviceErr.Code()
	}
	h.logger.Error("request failed",
		zap.String("path", c.FullPath()),
		zap.String("reason", reason),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, payload)
}
