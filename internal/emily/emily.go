// Package emily talks to the Emily REST sidecar, the read side API where
// deposit requests are discovered and request statuses are surfaced to
// operators. Endpoints are tried round robin.
package emily

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/logging"
)

// Deposit is a pending deposit as Emily reports it.
type Deposit struct {
	Txid               string `json:"bitcoinTxid"`
	OutputIndex        uint32 `json:"bitcoinTxOutputIndex"`
	Amount             uint64 `json:"amount"`
	DepositScript      string `json:"depositScript"`
	ReclaimScript      string `json:"reclaimScript"`
	ConfirmationHash   string `json:"bitcoinBlockHash"`
	ConfirmationHeight int64  `json:"bitcoinBlockHeight"`
}

// Outpoint decodes the deposit's bitcoin outpoint.
func (d *Deposit) Outpoint() (*chainhash.Hash, uint32, error) {
	txid, err := chainhash.NewHashFromStr(d.Txid)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid deposit txid: %w", err)
	}
	return txid, d.OutputIndex, nil
}

// Scripts decodes the deposit and reclaim scripts.
func (d *Deposit) Scripts() (depositScript, reclaimScript []byte, err error) {
	if depositScript, err = hex.DecodeString(d.DepositScript); err != nil {
		return nil, nil, fmt.Errorf("invalid deposit script hex: %w", err)
	}
	if reclaimScript, err = hex.DecodeString(d.ReclaimScript); err != nil {
		return nil, nil, fmt.Errorf("invalid reclaim script hex: %w", err)
	}
	return depositScript, reclaimScript, nil
}

// StatusUpdate moves a request to a terminal status on Emily's read side.
type StatusUpdate struct {
	Txid        string `json:"bitcoinTxid,omitempty"`
	OutputIndex uint32 `json:"bitcoinTxOutputIndex,omitempty"`
	RequestID   uint64 `json:"requestId,omitempty"`
	Status      string `json:"status"`
	FulfillTxid string `json:"fulfillmentTxid,omitempty"`
}

// Interact is the Emily surface the signer consumes.
type Interact interface {
	GetPendingDeposits(ctx context.Context) ([]Deposit, error)
	UpdateDepositStatus(ctx context.Context, update StatusUpdate) error
	UpdateWithdrawalStatus(ctx context.Context, update StatusUpdate) error
}

// Client is the HTTP Emily client.
type Client struct {
	endpoints []string
	cursor    atomic.Uint64
	client    http.Client
	logger    *logrus.Entry
}

func NewClient(endpoints []string) *Client {
	return &Client{
		endpoints: endpoints,
		client:    http.Client{Timeout: 10 * time.Second},
		logger:    logging.Logger.WithField("service", "emily"),
	}
}

// next picks the next endpoint round robin.
func (c *Client) next() string {
	if len(c.endpoints) == 0 {
		return ""
	}
	n := c.cursor.Add(1)
	return c.endpoints[(n-1)%uint64(len(c.endpoints))]
}

func (c *Client) GetPendingDeposits(ctx context.Context) ([]Deposit, error) {
	var out struct {
		Deposits []Deposit `json:"deposits"`
	}
	if err := c.do(ctx, http.MethodGet, "/deposit?status=pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Deposits, nil
}

func (c *Client) UpdateDepositStatus(ctx context.Context, update StatusUpdate) error {
	return c.do(ctx, http.MethodPut, "/deposit", update, nil)
}

func (c *Client) UpdateWithdrawalStatus(ctx context.Context, update StatusUpdate) error {
	return c.do(ctx, http.MethodPut, "/withdrawal", update, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for range c.endpoints {
		endpoint := c.next()
		if err := c.doOne(ctx, endpoint, method, path, body, out); err != nil {
			c.logger.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"error":    err,
			}).Warn("emily endpoint failed, trying next")
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all emily endpoints failed: %w", lastErr)
}

func (c *Client) doOne(ctx context.Context, endpoint, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("fail to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Error("fail to close body, err:", err)
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("emily returned %s", resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("fail to decode emily response: %w", err)
		}
	}
	return nil
}

var _ Interact = (*Client)(nil)
