// Package api implements the pull-mode client for the vendor REST API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ambientlog/ambientlog/internal/models"
)

const (
	// minRequestInterval is the floor between consecutive outbound calls,
	// shared across all callers of one client.
	minRequestInterval = time.Second

	requestTimeout = 10 * time.Second

	// failureAlertThreshold is the consecutive-failure count at which the
	// client raises the log severity. It keeps retrying regardless.
	failureAlertThreshold = 5
)

// ErrNoData is returned when the vendor has no measurements for a device.
var ErrNoData = errors.New("no data available for device")

// APIError describes a failed vendor API call. Retryable errors (timeouts,
// 5xx, 429) are expected to be retried on the caller's own schedule;
// non-retryable errors (bad credentials) are fatal at startup.
type APIError struct {
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("vendor API error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("vendor API error: %v", e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is a non-retryable credential failure.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && !apiErr.Retryable &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// IsRetryable reports whether err is a transient vendor API failure.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// RateLimitedClient is an authenticated vendor API client that enforces a
// 1000ms floor between outbound requests. Concurrent callers block on the
// shared limiter until the floor elapses.
type RateLimitedClient struct {
	baseURL        string
	apiKey         string
	applicationKey string

	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger

	consecutiveFailures atomic.Int64
}

// NewRateLimitedClient creates a client for the given vendor API base URL.
func NewRateLimitedClient(baseURL, apiKey, applicationKey string, logger *logrus.Logger) *RateLimitedClient {
	return &RateLimitedClient{
		baseURL:        baseURL,
		apiKey:         apiKey,
		applicationKey: applicationKey,
		httpClient:     &http.Client{Timeout: requestTimeout},
		limiter:        rate.NewLimiter(rate.Every(minRequestInterval), 1),
		logger:         logger,
	}
}

// FetchLatest returns the most recent measurement for a device, or
// ErrNoData when the vendor has nothing for it.
func (c *RateLimitedClient) FetchLatest(ctx context.Context, deviceID string) (*models.Measurement, error) {
	body, err := c.get(ctx, "/devices/"+url.PathEscape(deviceID), url.Values{"limit": {"1"}})
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode device data: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoData
	}

	m, err := models.ParseMeasurement(records[0], deviceID)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListDevices returns the device identifiers registered to the account.
// Used as the startup credential probe: an auth failure here is fatal.
func (c *RateLimitedClient) ListDevices(ctx context.Context) ([]string, error) {
	body, err := c.get(ctx, "/devices", nil)
	if err != nil {
		return nil, err
	}

	var devices []struct {
		MACAddress string `json:"macAddress"`
	}
	if err := json.Unmarshal(body, &devices); err != nil {
		return nil, fmt.Errorf("failed to decode device list: %w", err)
	}

	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.MACAddress)
	}
	return ids, nil
}

// ConsecutiveFailures returns the current failure streak length.
func (c *RateLimitedClient) ConsecutiveFailures() int64 {
	return c.consecutiveFailures.Load()
}

func (c *RateLimitedClient) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	if params == nil {
		params = url.Values{}
	}
	params.Set("applicationKey", c.applicationKey)
	params.Set("apiKey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection errors are transient.
		return nil, c.fail(&APIError{Retryable: true, Err: err})
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, c.fail(&APIError{Retryable: true, Err: err})
		}
		c.consecutiveFailures.Store(0)
		return body, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Retryable:  false,
			Err:        errors.New("authentication failed, check API key and application key"),
		}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, c.fail(&APIError{
			StatusCode: resp.StatusCode,
			Retryable:  true,
			Err:        fmt.Errorf("request failed with status %d", resp.StatusCode),
		})

	default:
		return nil, c.fail(&APIError{
			StatusCode: resp.StatusCode,
			Retryable:  true,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		})
	}
}

// fail records a transient failure and escalates log severity once the
// streak crosses the alert threshold.
func (c *RateLimitedClient) fail(apiErr *APIError) error {
	n := c.consecutiveFailures.Add(1)
	if n == failureAlertThreshold {
		c.logger.WithFields(logrus.Fields{
			"consecutive_failures": n,
		}).Error("Vendor API failing repeatedly, will keep retrying")
	} else {
		c.logger.WithError(apiErr).Warn("Vendor API request failed")
	}
	return apiErr
}
