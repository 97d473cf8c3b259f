package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"

	tokenPath    = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath  = "/mpesa/stkpush/v1/processrequest"
	stkQueryPath = "/mpesa/stkpushquery/v1/query"

	// Tokens are valid for an hour; expire the cache a few minutes early so
	// an in-flight call never races the provider-side expiry.
	tokenSafetyMargin = 3 * time.Minute

	timestampLayout = "20060102150405"
)

// Config holds the credentials and endpoints for a Daraja API client
type Config struct {
	ConsumerKey    string
	ConsumerSecret string
	Environment    string // "sandbox" or "production"
	Shortcode      string
	Passkey        string
	CallbackURL    string
	HTTPTimeout    time.Duration
}

// Client is a thin client for the Safaricom Daraja STK push API. It owns the
// OAuth token cache; it performs no automatic retries.
type Client struct {
	cfg     Config
	baseURL string
	client  *http.Client

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
	refresh     singleflight.Group
}

// NewClient creates a new Daraja API client
func NewClient(cfg Config) *Client {
	baseURL := sandboxBaseURL
	if cfg.Environment == "production" {
		baseURL = productionBaseURL
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the environment-selected API base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetAccessToken returns a cached bearer token, refreshing it through a
// single-flight guard when expired. Concurrent callers share one refresh.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.RUnlock()
	if token != "" && time.Now().Before(expiry) {
		return token, nil
	}

	v, err, _ := c.refresh.Do("token", func() (interface{}, error) {
		// A caller that queued behind the winning refresh sees the fresh
		// token here and skips the network round trip.
		c.mu.RLock()
		token, expiry := c.token, c.tokenExpiry
		c.mu.RUnlock()
		if token != "" && time.Now().Before(expiry) {
			return token, nil
		}
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading token response: %v", ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d: %s", ErrAuthFailed, resp.StatusCode, string(body))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tokenResp); err != nil || tokenResp.AccessToken == "" {
		return "", fmt.Errorf("%w: %s", ErrMalformedResponse, string(body))
	}

	lifetime := time.Hour
	if secs, err := strconv.Atoi(tokenResp.ExpiresIn); err == nil && secs > 0 {
		lifetime = time.Duration(secs) * time.Second
	}
	expiry := time.Now().Add(lifetime - tokenSafetyMargin)

	c.mu.Lock()
	c.token = tokenResp.AccessToken
	c.tokenExpiry = expiry
	c.mu.Unlock()

	return tokenResp.AccessToken, nil
}

// password computes the time-windowed request password:
// base64(shortcode + passkey + timestamp).
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.cfg.Shortcode + c.cfg.Passkey + timestamp))
}

// STKPush initiates a charge by pushing an authorisation prompt to the payer's
// phone. The returned CheckoutRequestID correlates the eventual callback and
// any status queries with this initiation.
func (c *Client) STKPush(ctx context.Context, phoneNumber string, amount float64, accountReference, description string) (*STKPushResponse, error) {
	timestamp := time.Now().Format(timestampLayout)
	payload := map[string]interface{}{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            int(math.Round(amount)),
		"PartyA":            phoneNumber,
		"PartyB":            c.cfg.Shortcode,
		"PhoneNumber":       phoneNumber,
		"CallBackURL":       c.cfg.CallbackURL,
		"AccountReference":  accountReference,
		"TransactionDesc":   description,
	}

	var result STKPushResponse
	if err := c.post(ctx, stkPushPath, payload, &result); err != nil {
		return nil, err
	}
	if result.ResponseCode != "0" {
		return nil, &RejectedError{Code: result.ResponseCode, Message: result.ResponseDescription}
	}
	if result.CheckoutRequestID == "" {
		return nil, fmt.Errorf("%w: accepted initiation without CheckoutRequestID", ErrMalformedResponse)
	}
	return &result, nil
}

// QueryStatus asks the provider for the current state of a checkout request
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	timestamp := time.Now().Format(timestampLayout)
	payload := map[string]interface{}{
		"BusinessShortCode": c.cfg.Shortcode,
		"Password":          c.password(timestamp),
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	var result QueryResponse
	if err := c.post(ctx, stkQueryPath, payload, &result); err != nil {
		return nil, err
	}
	if result.ResultCode == "" {
		return nil, fmt.Errorf("%w: query response missing ResultCode", ErrMalformedResponse)
	}
	return &result, nil
}

// post performs an authenticated POST and decodes the response. Non-200
// responses carrying a provider errorCode come back as RejectedError.
func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	token, err := c.GetAccessToken(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			RequestID    string `json:"requestId"`
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.ErrorCode != "" {
			return &RejectedError{Code: apiErr.ErrorCode, Message: apiErr.ErrorMessage}
		}
		return fmt.Errorf("%w: HTTP %d: %s", ErrMalformedResponse, resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
