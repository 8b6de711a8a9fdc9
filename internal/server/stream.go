package server

import (
	"context"
	"net/http"
	"time"

	"github.com/The777Bot/visitor-garden/internal/garden"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteTimeout = 5 * time.Second
	socketReadLimit    = 4 * 1024
)

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:    4 * 1024,
	WriteBufferSize:   64 * 1024,
	EnableCompression: true,
	CheckOrigin:       func(*http.Request) bool { return true },
}

type heartbeatPayload struct {
	Timestamp string `json:"timestamp"`
}

// handlePlantingStream serves snapshots as server-sent events: one on connect,
// one after every change notice.
func (h *httpHandler) handlePlantingStream(c *gin.Context) {
	ctx := c.Request.Context()
	notices, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if !h.writeSnapshotEvent(c) {
		return
	}

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-notices:
			if !ok {
				return
			}
			drainNotices(notices)
			if !h.writeSnapshotEvent(c) {
				return
			}
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Timestamp: tick.UTC().Format(time.RFC3339)})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) writeSnapshotEvent(c *gin.Context) bool {
	plantings, err := h.store.ListPlantings(c.Request.Context())
	if err != nil {
		h.logger.Warn("snapshot read failed, closing stream", zap.Error(err))
		return false
	}
	c.SSEvent(realtimeEventSnapshot, snapshotResponsePayload{Plantings: garden.PlantingDocuments(plantings)})
	c.Writer.Flush()
	return true
}

// handlePlantingSocket serves the same snapshot stream over a websocket.
func (h *httpHandler) handlePlantingSocket(c *gin.Context) {
	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	notices, cleanup := h.realtime.Subscribe(ctx)
	defer cleanup()

	conn.SetReadLimit(socketReadLimit)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := h.writeSnapshotMessage(ctx, conn); err != nil {
		h.logger.Debug("websocket snapshot write failed", zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(time.Second))
			select {
			case <-readerDone:
			case <-time.After(500 * time.Millisecond):
			}
			return
		case _, ok := <-notices:
			if !ok {
				return
			}
			drainNotices(notices)
			if err := h.writeSnapshotMessage(ctx, conn); err != nil {
				h.logger.Debug("websocket snapshot write failed", zap.Error(err))
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(socketWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) writeSnapshotMessage(ctx context.Context, conn *websocket.Conn) error {
	plantings, err := h.store.ListPlantings(ctx)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	return conn.WriteJSON(garden.SnapshotMessage{
		Type:      garden.SnapshotMessageType,
		Plantings: garden.PlantingDocuments(plantings),
	})
}

// drainNotices collapses queued notices into the snapshot about to be sent.
func drainNotices(notices <-chan RealtimeMessage) {
	for {
		select {
		case <-notices:
		default:
			return
		}
	}
}
