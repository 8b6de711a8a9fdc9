package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/The777Bot/visitor-garden/internal/garden"
	"github.com/The777Bot/visitor-garden/internal/geo"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	visitorCookieName   = "visitor_id"
	visitorCookieMaxAge = 365 * 24 * 60 * 60
)

type plantResponsePayload struct {
	Outcome   garden.Outcome           `json:"outcome"`
	VisitorID string                   `json:"visitorId"`
	Planting  *garden.PlantingDocument `json:"planting,omitempty"`
}

// handlePlant runs the admission gate for the calling visitor.
func (h *httpHandler) handlePlant(c *gin.Context) {
	visitorID, err := h.resolveVisitorID(c)
	if err != nil {
		h.logger.Error("failed to mint visitor id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "plant_failed"})
		return
	}

	ctx := geo.WithRequestHeaders(c.Request.Context(), c.Request.Header)
	result, err := h.gate.Plant(ctx, garden.PlantRequest{
		VisitorID: visitorID,
		ClientIP:  c.ClientIP(),
	})
	if errors.Is(err, garden.ErrInvalidVisitorID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_visitor_id"})
		return
	}
	if err != nil {
		payload := gin.H{"error": "plant_failed"}
		var serviceErr *garden.ServiceError
		if errors.As(err, &serviceErr) {
			payload["code"] = serviceErr.Code()
		}
		c.JSON(http.StatusInternalServerError, payload)
		return
	}

	if result.Outcome == garden.OutcomeAlreadyPlanted {
		c.JSON(http.StatusOK, plantResponsePayload{Outcome: result.Outcome, VisitorID: visitorID})
		return
	}
	document := result.Planting.Document()
	c.JSON(http.StatusCreated, plantResponsePayload{
		Outcome:   result.Outcome,
		VisitorID: visitorID,
		Planting:  &document,
	})
}

// resolveVisitorID prefers the header, then the cookie, and otherwise mints
// an identifier and hands it back as a cookie.
func (h *httpHandler) resolveVisitorID(c *gin.Context) (string, error) {
	if value := strings.TrimSpace(c.GetHeader(VisitorIDHeader)); value != "" {
		return value, nil
	}
	if value, err := c.Cookie(visitorCookieName); err == nil && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), nil
	}
	visitorID, err := h.newVisitorID()
	if err != nil {
		return "", err
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(visitorCookieName, visitorID, visitorCookieMaxAge, "/", "", false, true)
	return visitorID, nil
}

func newRandomVisitorID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
