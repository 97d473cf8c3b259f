package smsgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Gateway delivers SMS messages. The health monitor uses it to text alert
// reports to an operator MSISDN.
type Gateway interface {
	SendSMS(ctx context.Context, msisdn, message string) error
}

// HTTPGateway sends messages through a JSON-over-HTTP SMS provider
type HTTPGateway struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewHTTPGateway creates a new HTTP SMS gateway
func NewHTTPGateway(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		BaseURL: baseURL,
		APIKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SendSMS posts a single message to the provider
func (g *HTTPGateway) SendSMS(ctx context.Context, msisdn, message string) error {
	payload, err := json.Marshal(map[string]string{
		"to":      msisdn,
		"message": message,
	})
	if err != nil {
		return fmt.Errorf("encoding SMS payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building SMS request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending SMS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("SMS gateway returned HTTP %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// MockGateway logs messages instead of sending them. Used in development and
// when no SMS provider is configured.
type MockGateway struct {
	logger *slog.Logger
}

// NewMockGateway creates a new mock SMS gateway
func NewMockGateway(logger *slog.Logger) *MockGateway {
	return &MockGateway{logger: logger.With("component", "mock_sms_gateway")}
}

// SendSMS logs the message and succeeds
func (g *MockGateway) SendSMS(ctx context.Context, msisdn, message string) error {
	g.logger.InfoContext(ctx, "Mock SMS", "msisdn", msisdn, "message", message)
	return nil
}
