package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"settlement/internal/domain/apperr"
	"settlement/internal/metrics"

	"golang.org/x/time/rate"
)

// Razorpay互換のREST APIクライアント。金額は最小単位（paise）。
type Config struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	Currency      string
	Timeout       time.Duration
	RatePerSecond float64
}

type Client struct {
	baseURL    *url.URL
	keyID      string
	keySecret  string
	currency   string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewClient(cfg Config, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("gateway url must be absolute")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		baseURL:   parsed,
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		currency:  cfg.Currency,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  logger,
	}, nil
}

type RemoteOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

// POST /v1/orders
func (c *Client) CreateOrder(ctx context.Context, amount int64, receipt string, notes map[string]string) (RemoteOrder, error) {
	body := map[string]any{
		"amount":   amount,
		"currency": c.currency,
		"receipt":  receipt,
		"notes":    notes,
	}
	var out RemoteOrder
	if err := c.do(ctx, "create_order", http.MethodPost, "/v1/orders", body, &out); err != nil {
		return RemoteOrder{}, err
	}
	return out, nil
}

type SubscriptionRequest struct {
	Plan          string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Notes         map[string]string
}

type RemoteSubscription struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	TokenID    string `json:"token_id"`
	Status     string `json:"status"`
}

type remoteCustomer struct {
	ID string `json:"id"`
}

// 顧客を作って（既存なら再利用）から定期契約を作る
func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (RemoteSubscription, error) {
	var cust remoteCustomer
	if err := c.do(ctx, "create_customer", http.MethodPost, "/v1/customers", map[string]any{
		"name":          req.CustomerName,
		"email":         req.CustomerEmail,
		"contact":       req.CustomerPhone,
		"fail_existing": "0",
	}, &cust); err != nil {
		return RemoteSubscription{}, err
	}

	var out RemoteSubscription
	if err := c.do(ctx, "create_subscription", http.MethodPost, "/v1/subscriptions", map[string]any{
		"plan_id":     req.Plan,
		"customer_id": cust.ID,
		"notes":       req.Notes,
	}, &out); err != nil {
		return RemoteSubscription{}, err
	}
	if out.CustomerID == "" {
		out.CustomerID = cust.ID
	}
	return out, nil
}

type RecurringCharge struct {
	GatewayOrderID string
	CustomerID     string
	TokenID        string
	Amount         int64
	Email          string
	Phone          string
	Description    string
}

// Status: captured / failed / created（結果はwebhook待ち）
type Charge struct {
	PaymentID string `json:"razorpay_payment_id"`
	OrderID   string `json:"razorpay_order_id"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	Reason    string `json:"error_description,omitempty"`
}

// POST /v1/payments/create/recurring
func (c *Client) ChargeRecurring(ctx context.Context, req RecurringCharge) (Charge, error) {
	body := map[string]any{
		"email":       req.Email,
		"contact":     req.Phone,
		"amount":      req.Amount,
		"currency":    c.currency,
		"order_id":    req.GatewayOrderID,
		"customer_id": req.CustomerID,
		"token":       req.TokenID,
		"recurring":   "1",
		"description": req.Description,
	}
	var out Charge
	if err := c.do(ctx, "charge_recurring", http.MethodPost, "/v1/payments/create/recurring", body, &out); err != nil {
		return Charge{}, err
	}
	if out.OrderID == "" {
		out.OrderID = req.GatewayOrderID
	}
	return out, nil
}

type RefundResult struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// POST /v1/payments/{id}/refund
func (c *Client) Refund(ctx context.Context, paymentID string, amount int64) (RefundResult, error) {
	var out RefundResult
	p := "/v1/payments/" + url.PathEscape(paymentID) + "/refund"
	if err := c.do(ctx, "refund", http.MethodPost, p, map[string]any{"amount": amount}, &out); err != nil {
		return RefundResult{}, err
	}
	return out, nil
}

// POST /v1/subscriptions/{id}/cancel
func (c *Client) CancelSubscription(ctx context.Context, gatewaySubscriptionID string) error {
	p := "/v1/subscriptions/" + url.PathEscape(gatewaySubscriptionID) + "/cancel"
	return c.do(ctx, "cancel_subscription", http.MethodPost, p, map[string]any{"cancel_at_cycle_end": 0}, nil)
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Field       string `json:"field"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, p string, in any, out any) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.GatewayCall(op, time.Since(start), errorKind(err))
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return &apperr.GatewayTimeoutError{Op: op, Err: err}
	}

	endpoint := *c.baseURL
	endpoint.Path = path.Join(endpoint.Path, p)

	var reader io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &apperr.GatewayTimeoutError{Op: op, Err: err}
		}
		return &apperr.GatewayUnavailableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return &apperr.GatewayTimeoutError{Op: op, Err: err}
		}
		return &apperr.GatewayUnavailableError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode gateway %s response: %w", op, err)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.logger.Warn("gateway unavailable",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
		)
		return &apperr.GatewayUnavailableError{Op: op, StatusCode: resp.StatusCode}
	default:
		//4xxはリクエスト側の問題。リトライしない
		var er errorResponse
		_ = json.Unmarshal(body, &er)
		reason := er.Error.Description
		if reason == "" {
			reason = resp.Status
		}
		c.logger.Error("gateway rejected request",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("code", er.Error.Code),
			slog.String("reason", reason),
		)
		field := er.Error.Field
		if field == "" {
			field = "gateway"
		}
		return apperr.Validation(field, reason)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	var te *apperr.GatewayTimeoutError
	var ue *apperr.GatewayUnavailableError
	var ve *apperr.ValidationError
	switch {
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ue):
		return "unavailable"
	case errors.As(err, &ve):
		return "rejected"
	}
	return "other"
}
