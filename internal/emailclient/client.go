package emailclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"newsletter/internal/domain"
	"newsletter/pkg/circuitbreaker"
	"newsletter/pkg/config"
	"newsletter/pkg/metrics"
)

// ErrUnavailable 熔断器打开，本次没有真正调用邮件 API
var ErrUnavailable = errors.New("email service unavailable")

const tokenHeader = "X-Postmark-Server-Token"

type Client struct {
	baseURL    string
	sender     domain.SubscriberEmail
	authToken  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

type sendEmailRequest struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
}

func New(cfg config.EmailClientConfig, breakerCfg circuitbreaker.Config, logger *zap.Logger) (*Client, error) {
	sender, err := domain.ParseSubscriberEmail(cfg.SenderEmail)
	if err != nil {
		return nil, fmt.Errorf("invalid sender email: %w", err)
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("email client base_url is required")
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		sender:    sender,
		authToken: cfg.AuthorizationToken,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(), // 超时后放弃，避免 worker 长时间持有任务锁
		},
		breaker: circuitbreaker.New("email-api", breakerCfg, logger),
		logger:  logger,
	}, nil
}

// SendEmail 调用一次邮件 API；传输错误、超时和非 2xx 都视为失败
func (c *Client) SendEmail(ctx context.Context, recipient domain.SubscriberEmail, subject, htmlBody, textBody string) error {
	body, err := json.Marshal(sendEmailRequest{
		From:     c.sender.String(),
		To:       recipient.String(),
		Subject:  subject,
		HTMLBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return fmt.Errorf("failed to encode email request: %w", err)
	}

	start := time.Now()
	status := 0
	result, err := c.breaker.Execute(func() (interface{}, error) {
		code, err := c.post(ctx, body)
		if err != nil {
			return nil, err
		}
		// 5xx 计入熔断，4xx 只算这一封信失败
		if code >= http.StatusInternalServerError {
			return code, fmt.Errorf("email service returned %d", code)
		}
		return code, nil
	})
	if code, ok := result.(int); ok {
		status = code
	}
	metrics.RecordEmailSendLatency(statusLabel(status, err), time.Since(start))

	if err != nil {
		if circuitbreaker.IsRejected(err) {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("failed to send email to %s: %w", recipient, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("failed to send email to %s: email service returned %d", recipient, status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(tokenHeader, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func statusLabel(status int, err error) string {
	switch {
	case err != nil && status == 0:
		return "error"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
