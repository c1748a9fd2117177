package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"iotc-bridge/internal/config"
	"iotc-bridge/internal/types"
)

// maxResponseBody caps how much of a response body is read
const maxResponseBody = 1 << 20

// HTTPClient talks JSON to the device provisioning service
type HTTPClient struct {
	httpClient   *http.Client
	baseURL      string
	apiVersion   string
	logger       *logrus.Logger
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

// ClientConfig holds configuration for the HTTP client
type ClientConfig struct {
	BaseURL      string
	APIVersion   string
	Timeout      time.Duration
	MaxRetries   int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
}

// DefaultClientConfig returns a client configuration with sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:      "https://global.azure-devices-provisioning.net",
		APIVersion:   "2018-11-01",
		Timeout:      30 * time.Second,
		MaxRetries:   0,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

// NewHTTPClient creates a provisioning client from the bridge configuration
func NewHTTPClient(cfg *config.Config, logger *logrus.Logger) (*HTTPClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	clientCfg := DefaultClientConfig()
	clientCfg.BaseURL = cfg.ProvisioningEndpoint
	clientCfg.APIVersion = cfg.APIVersion
	clientCfg.Timeout = cfg.RequestTimeoutDuration()
	clientCfg.MaxRetries = cfg.HTTPRetries

	return NewHTTPClientWithConfig(clientCfg, logger)
}

// NewHTTPClientWithConfig creates a provisioning client from an explicit
// client configuration
func NewHTTPClientWithConfig(clientCfg *ClientConfig, logger *logrus.Logger) (*HTTPClient, error) {
	if clientCfg == nil {
		return nil, fmt.Errorf("client config is required")
	}
	if clientCfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	httpClient := &http.Client{
		Timeout: clientCfg.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	return &HTTPClient{
		httpClient:   httpClient,
		baseURL:      strings.TrimSuffix(clientCfg.BaseURL, "/"),
		apiVersion:   clientCfg.APIVersion,
		logger:       logger,
		maxRetries:   clientCfg.MaxRetries,
		baseDelay:    clientCfg.BaseDelay,
		maxDelay:     clientCfg.MaxDelay,
		jitterFactor: clientCfg.JitterFactor,
	}, nil
}

// Request represents an HTTP request to be made
type Request struct {
	Method        string
	Path          string
	Body          interface{}
	Authorization string
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Do executes an HTTP request with retry logic. Non-2xx responses are
// returned together with a *types.StatusError.
func (c *HTTPClient) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}

	var lastResp *Response
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateDelay(attempt)
			c.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-ctx.Done():
				return lastResp, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.doRequest(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastResp, lastErr = resp, err
		if !c.shouldRetry(err, resp) {
			return resp, err
		}

		c.logger.WithError(err).WithField("attempt", attempt+1).Warn("Request failed, will retry")
	}

	if c.maxRetries == 0 {
		return lastResp, lastErr
	}
	return lastResp, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// doRequest performs a single HTTP request
func (c *HTTPClient) doRequest(ctx context.Context, req *Request) (*Response, error) {
	fullURL := c.baseURL + req.Path

	var bodyReader io.Reader
	if req.Body != nil {
		bodyBytes, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if req.Authorization != "" {
		httpReq.Header.Set("Authorization", req.Authorization)
	}

	c.logger.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    fullURL,
	}).Debug("Making HTTP request")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Body:       respBody,
		Headers:    httpResp.Header,
	}

	c.logger.WithFields(logrus.Fields{
		"status_code": httpResp.StatusCode,
		"body_length": len(respBody),
	}).Debug("HTTP response received")

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return resp, &types.StatusError{StatusCode: httpResp.StatusCode, Body: string(respBody)}
	}

	return resp, nil
}

// shouldRetry determines if a request should be retried based on the error and response
func (c *HTTPClient) shouldRetry(err error, resp *Response) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if resp != nil {
		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			return true
		case http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	return isNetworkError(err)
}

// calculateDelay calculates the delay for exponential backoff with jitter
func (c *HTTPClient) calculateDelay(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))

	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}

	// Random between -jitterFactor and +jitterFactor
	jitter := delay * c.jitterFactor * (rand.Float64()*2 - 1)
	delay += jitter

	if delay < float64(c.baseDelay) {
		delay = float64(c.baseDelay)
	}

	return time.Duration(delay)
}

// Close closes the HTTP client and cleans up resources
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// isNetworkError checks if an error is a network-related error that should be retried
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"no such host",
		"network is unreachable",
		"i/o timeout",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// parseJSONResponse parses a JSON response into the provided interface
func parseJSONResponse(resp *Response, v interface{}) error {
	if resp == nil {
		return fmt.Errorf("response is nil")
	}

	if len(resp.Body) == 0 {
		return fmt.Errorf("response body is empty")
	}

	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON response: %w", err)
	}

	return nil
}
