package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"newsletter/pkg/outbox"
)

// FailedEventReplayer 查看并重新置为待发送失败的集成事件
type FailedEventReplayer interface {
	ListFailedEvents(ctx context.Context, limit int) ([]*outbox.Event, error)
	ReplayFailedEvents(ctx context.Context, limit int) (int64, error)
}

type AdminHandler struct {
	replayer FailedEventReplayer
	logger   *zap.Logger
}

func NewAdminHandler(replayer FailedEventReplayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		replayer: replayer,
		logger:   logger,
	}
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}

// ListFailedEvents GET /admin/outbox/failed?limit=100
func (h *AdminHandler) ListFailedEvents(c *gin.Context) {
	limit := queryLimit(c)

	events, err := h.replayer.ListFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list failed events"})
		return
	}
	if events == nil {
		events = []*outbox.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// ReplayFailedEvents 重放所有失败的事件
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	limit := queryLimit(c)

	n, err := h.replayer.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay failed events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"rearmed_count": n,
		"limit":         limit,
	})
}
