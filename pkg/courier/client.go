package courier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Client is an HTTP client for the courier notification provider. It performs
// exactly one delivery attempt per call; retry and fallback policy belong to
// the caller.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logrus.Logger
}

// Interface defines the courier operations used by the engine.
type Interface interface {
	Send(ctx context.Context, req *SendRequest) (*SendResult, error)
	PlaceCall(ctx context.Context, req *CallRequest) (*SendResult, error)
	HealthCheck(ctx context.Context) error
}

// NewClient creates a courier client.
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
	}
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	url := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", "Shepherd-Courier-Client/1.0")

	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("Courier API request: %s %s", req.Method, req.URL.String())
	c.logger.Debugf("Courier API response: %d %s", resp.StatusCode, string(body))

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("courier error [%d]: %s (code: %s)", resp.StatusCode, errResp.Error, errResp.ErrorCode)
		}
		return fmt.Errorf("courier error [%d]: %s", resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Send submits one message on the requested channel.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	httpReq, err := c.createRequest(ctx, http.MethodPost, "/v1/messages", req)
	if err != nil {
		return nil, err
	}

	var result SendResult
	if err := c.doRequest(httpReq, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return &result, fmt.Errorf("courier rejected message: %s", result.Error)
	}
	return &result, nil
}

// PlaceCall creates an outbound voice callout task.
func (c *Client) PlaceCall(ctx context.Context, req *CallRequest) (*SendResult, error) {
	httpReq, err := c.createRequest(ctx, http.MethodPost, "/v1/calls", req)
	if err != nil {
		return nil, err
	}

	var result SendResult
	if err := c.doRequest(httpReq, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		return &result, fmt.Errorf("courier rejected call: %s", result.Error)
	}
	return &result, nil
}

// HealthCheck verifies the provider is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.createRequest(ctx, http.MethodGet, "/v1/health", nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}
