package mq

import (
	"time"

	"github.com/google/uuid"
)

// RoutingKeyIssuePublished 期刊发布并完成入队后发出
const RoutingKeyIssuePublished = "newsletter.issue.published"

// IssuePublishedPayload newsletter.issue.published 事件的 payload
type IssuePublishedPayload struct {
	IssueID     uuid.UUID `json:"issue_id"`
	Title       string    `json:"title"`
	Recipients  int64     `json:"recipients"`
	PublishedBy uuid.UUID `json:"published_by"`
	PublishedAt time.Time `json:"published_at"`
	TraceID     string    `json:"trace_id,omitempty"`
}
