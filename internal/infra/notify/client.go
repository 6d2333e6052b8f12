package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"settlement/internal/domain/apperr"

	"golang.org/x/time/rate"
)

// 通知サービス（メール・SMS）のHTTPクライアント。
// 4xxは送っても直らないのでValidationError、それ以外はリトライ対象。
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

type message struct {
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Params    map[string]string `json:"params"`
}

func NewClient(baseURL, apiKey string, timeout time.Duration, ratePerSecond float64, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse notify url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("notify url must be absolute")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	return &Client{
		baseURL:    parsed,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}, nil
}

func (c *Client) SendEmail(ctx context.Context, template, recipient string, params map[string]string) error {
	return c.send(ctx, "/v1/email", message{Template: template, Recipient: recipient, Params: params})
}

func (c *Client) SendSMS(ctx context.Context, template, recipient string, params map[string]string) error {
	return c.send(ctx, "/v1/sms", message{Template: template, Recipient: recipient, Params: params})
}

func (c *Client) send(ctx context.Context, p string, msg message) error {
	if msg.Recipient == "" {
		return apperr.Validation("recipient", "required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	endpoint := *c.baseURL
	endpoint.Path = path.Join(endpoint.Path, p)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify %s: %w", p, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.logger.Warn("notify request failed",
		slog.String("path", p),
		slog.String("template", msg.Template),
		slog.Int("status", resp.StatusCode),
		slog.String("body", string(body)),
	)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return apperr.Validation("notification", resp.Status)
	}
	return fmt.Errorf("notify %s: %s", p, resp.Status)
}
