// Package stacksclient is the narrow stacks node surface the signer
// consumes: account reads and transaction broadcast. The heavy lifting of
// observing stacks state happens through the event observer, not here.
package stacksclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
)

// Interact is the stacks node interface.
type Interact interface {
	GetAccountNonce(ctx context.Context, principal string) (uint64, error)
	// BroadcastContractCall submits a signed contract call and returns
	// the stacks txid.
	BroadcastContractCall(ctx context.Context, call *stacks.ContractCall, nonce, fee uint64, signature [64]byte) (string, error)
}

// Client talks JSON-RPC to the configured stacks endpoints in order.
type Client struct {
	endpoints []string
	client    http.Client
	logger    *logrus.Entry
}

func New(endpoints []string) *Client {
	return &Client{
		endpoints: endpoints,
		client:    http.Client{Timeout: 10 * time.Second},
		logger:    logging.Logger.WithField("service", "stacks-rpc"),
	}
}

func (c *Client) GetAccountNonce(ctx context.Context, principal string) (uint64, error) {
	var out struct {
		Nonce uint64 `json:"nonce"`
	}
	path := "/v2/accounts/" + principal + "?proof=0"
	if err := c.get(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.Nonce, nil
}

type broadcastRequest struct {
	ContractCall string `json:"contract_call"`
	Nonce        uint64 `json:"nonce"`
	Fee          uint64 `json:"fee"`
	Signature    string `json:"signature"`
}

func (c *Client) BroadcastContractCall(ctx context.Context, call *stacks.ContractCall, nonce, fee uint64, signature [64]byte) (string, error) {
	body, err := json.Marshal(broadcastRequest{
		ContractCall: fmt.Sprintf("%x", call.Encode()),
		Nonce:        nonce,
		Fee:          fee,
		Signature:    fmt.Sprintf("%x", signature[:]),
	})
	if err != nil {
		return "", err
	}

	var lastErr error
	for _, endpoint := range c.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			endpoint+"/v2/transactions", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		var out struct {
			Txid string `json:"txid"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Error("fail to close body, err:", closeErr)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			lastErr = fmt.Errorf("stacks node returned %s", resp.Status)
			continue
		}
		if err != nil {
			lastErr = fmt.Errorf("fail to decode broadcast response: %w", err)
			continue
		}
		return out.Txid, nil
	}
	return "", fmt.Errorf("all stacks endpoints failed: %w", lastErr)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	var lastErr error
	for _, endpoint := range c.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+path, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		err = json.NewDecoder(resp.Body).Decode(out)
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Error("fail to close body, err:", closeErr)
		}
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all stacks endpoints failed: %w", lastErr)
}

var _ Interact = (*Client)(nil)
