// Package blocklist screens addresses against the configured risk endpoint.
// An absent endpoint means screening is disabled and every address passes.
package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/contexthelper"
	"github.com/stacks-network/sbtc-signer/internal/logging"
)

// Checker is the screening interface the request decider consumes.
type Checker interface {
	// CanAccept reports whether the address passes screening. Errors are
	// treated as a failed screen by the caller, not as acceptance.
	CanAccept(ctx context.Context, address string) (bool, error)
}

// Client is the HTTP blocklist client.
type Client struct {
	endpoint   string
	retryDelay time.Duration
	httpClient http.Client
	logger     *logrus.Entry
}

// New returns nil when no endpoint is configured; callers treat a nil
// checker as allow all.
func New(endpoint string, retryDelay time.Duration) *Client {
	if endpoint == "" {
		return nil
	}
	return &Client{
		endpoint:   endpoint,
		retryDelay: retryDelay,
		httpClient: http.Client{Timeout: 5 * time.Second},
		logger:     logging.Logger.WithField("service", "blocklist"),
	}
}

type screenResponse struct {
	Accept bool `json:"accept"`
}

func (c *Client) CanAccept(ctx context.Context, address string) (bool, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			if err := contexthelper.Sleep(ctx, c.retryDelay); err != nil {
				return false, err
			}
		}
		accept, err := c.screen(ctx, address)
		if err == nil {
			return accept, nil
		}
		lastErr = err
		c.logger.WithError(err).WithField("attempt", attempt).Warn("blocklist screen failed")
	}
	return false, lastErr
}

func (c *Client) screen(ctx context.Context, address string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"/screen/"+url.PathEscape(address), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("fail to reach blocklist endpoint: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("fail to close body, err:", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("blocklist endpoint returned %s", resp.Status)
	}
	var out screenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("fail to decode blocklist response: %w", err)
	}
	return out.Accept, nil
}
