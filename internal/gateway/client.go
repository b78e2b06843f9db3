package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketplace-payments/internal/util"

	"go.uber.org/zap"
)

// Client calls the payment gateway's REST API
type Client struct {
	baseURL    string
	authHeader string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a gateway client authenticated with the server-held secret key
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	token := base64.StdEncoding.EncodeToString([]byte(secretKey + ":"))

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: "Basic " + token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.GetLogger(),
	}
}

// GetPayment fetches the live state of a payment
func (c *Client) GetPayment(ctx context.Context, paymentKey string) (*Payment, error) {
	ctx, span := util.StartSpan(ctx, "GatewayClient.GetPayment")
	defer span.End()

	var payment Payment
	path := "/payments/" + url.PathEscape(paymentKey)
	if err := c.do(ctx, "get_payment", http.MethodGet, path, nil, nil, &payment); err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return &payment, nil
}

// CancelPayment refunds cancelAmount of the payment
func (c *Client) CancelPayment(ctx context.Context, paymentKey string, req CancelRequest) (*Payment, error) {
	ctx, span := util.StartSpan(ctx, "GatewayClient.CancelPayment")
	defer span.End()

	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["Idempotency-Key"] = req.IdempotencyKey
	}

	var payment Payment
	path := "/payments/" + url.PathEscape(paymentKey) + "/cancel"
	if err := c.do(ctx, "cancel_payment", http.MethodPost, path, req, headers, &payment); err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	c.logger.Info("Gateway cancel executed",
		zap.String("payment_key", paymentKey),
		zap.Int64("cancel_amount", req.CancelAmount),
		zap.String("status", payment.Status))

	return &payment, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	start := time.Now()
	defer func() {
		util.GatewayRequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal gateway request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			util.GatewayErrorsTotal.WithLabelValues(op, "timeout").Inc()
			return fmt.Errorf("%w: %s %s: %v", ErrOutcomeUnknown, method, path, err)
		}
		util.GatewayErrorsTotal.WithLabelValues(op, "transport").Inc()
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		util.GatewayErrorsTotal.WithLabelValues(op, "read").Inc()
		return fmt.Errorf("%w: reading response: %v", ErrOutcomeUnknown, err)
	}

	switch {
	case resp.StatusCode >= 500:
		util.GatewayErrorsTotal.WithLabelValues(op, "server").Inc()
		return fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		util.GatewayErrorsTotal.WithLabelValues(op, "client").Inc()
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
