package model

import (
	"time"

	"github.com/google/uuid"
)

type NewsletterIssue struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	TextContent string    `json:"text_content"`
	HTMLContent string    `json:"html_content"`
	PublishedAt time.Time `json:"published_at"`
}

// DeliveryTask 一封待投递的邮件：(期号, 收件人)
type DeliveryTask struct {
	NewsletterIssueID uuid.UUID
	SubscriberEmail   string
}
