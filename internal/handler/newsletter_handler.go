package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"newsletter/internal/idempotency"
	"newsletter/internal/repository"
	"newsletter/internal/service/newsletter"
	"newsletter/pkg/logger"
)

// NewsletterService 发布与查询期刊
type NewsletterService interface {
	Publish(ctx context.Context, userID uuid.UUID, cmd newsletter.PublishCommand) (idempotency.Response, error)
	GetIssueStatus(ctx context.Context, id uuid.UUID) (*newsletter.IssueStatus, error)
}

type NewsletterHandler struct {
	service    NewsletterService
	retryAfter time.Duration
	logger     *zap.Logger
}

// NewNewsletterHandler retryAfter 是并发同键请求收到 409 时建议的等待时间
func NewNewsletterHandler(service NewsletterService, retryAfter time.Duration, logger *zap.Logger) *NewsletterHandler {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	return &NewsletterHandler{
		service:    service,
		retryAfter: retryAfter,
		logger:     logger,
	}
}

type publishRequest struct {
	Title          string `json:"title" form:"title" binding:"required"`
	Text           string `json:"text" form:"text" binding:"required"`
	HTML           string `json:"html" form:"html" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" form:"idempotency_key" binding:"required"`
}

// PublishIssue handles POST /admin/newsletters
func (h *NewsletterHandler) PublishIssue(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	key, err := idempotency.ParseKey(req.IdempotencyKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	resp, err := h.service.Publish(c.Request.Context(), userID, newsletter.PublishCommand{
		Title:          req.Title,
		Text:           req.Text,
		HTML:           req.HTML,
		IdempotencyKey: key,
	})
	if errors.Is(err, idempotency.ErrReservationInProgress) {
		c.Header("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to publish newsletter issue",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish newsletter issue"})
		return
	}

	if err := resp.Write(c.Writer); err != nil {
		h.logger.Warn("Failed to write publish response", zap.Error(err))
	}
}

// GetIssue handles GET /admin/newsletters/:id
func (h *NewsletterHandler) GetIssue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid issue id"})
		return
	}

	status, err := h.service.GetIssueStatus(c.Request.Context(), id)
	if errors.Is(err, repository.ErrIssueNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to load newsletter issue",
			zap.String("newsletter_issue_id", id.String()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch newsletter issue"})
		return
	}

	c.JSON(http.StatusOK, status)
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	userID, ok := v.(uuid.UUID)
	return userID, ok
}
