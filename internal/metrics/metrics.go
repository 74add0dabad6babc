// Package metrics wraps the statsd client. A nil client is valid and drops
// every emission, so an unset endpoint disables metrics without branching at
// call sites.
package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/statsd"
)

// Client emits signer metrics.
type Client struct {
	sd *statsd.Client
}

// New connects to the statsd endpoint; an empty address returns a disabled
// client.
func New(addr string) (*Client, error) {
	if addr == "" {
		return nil, nil
	}
	sd, err := statsd.New(addr, statsd.WithNamespace("sbtc_signer."))
	if err != nil {
		return nil, err
	}
	return &Client{sd: sd}, nil
}

func (c *Client) Incr(name string, tags ...string) {
	if c == nil || c.sd == nil {
		return
	}
	_ = c.sd.Incr(name, tags, 1)
}

func (c *Client) Timing(name string, d time.Duration, tags ...string) {
	if c == nil || c.sd == nil {
		return
	}
	_ = c.sd.Timing(name, d, tags, 1)
}

func (c *Client) Close() {
	if c == nil || c.sd == nil {
		return
	}
	_ = c.sd.Close()
}
