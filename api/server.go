// Package api exposes the signer's HTTP surface: the stacks event observer
// endpoint the stacks node POSTs block and contract events to, plus health.
package api

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/storage"
)

// Server receives stacks node events.
type Server struct {
	addr   string
	store  storage.Store
	echo   *echo.Echo
	logger *logrus.Entry
}

// NewServer wires the event observer routes.
func NewServer(addr string, store storage.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(log.INFO)
	e.Use(middleware.Recover())

	s := &Server{
		addr:   addr,
		store:  store,
		echo:   e,
		logger: logging.Logger.WithField("service", "api"),
	}

	e.GET("/health", s.Health)
	e.POST("/new_block", s.NewBlock)
	return s
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.echo.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Error("fail to shut down event observer")
		}
	}()
	s.logger.WithField("addr", s.addr).Info("starting stacks event observer")
	if err := s.echo.Start(s.addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Health(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// stacksEvent is one contract event inside a posted block.
type stacksEvent struct {
	Type            string `json:"type"`
	RequestID       uint64 `json:"request_id,omitempty"`
	Sender          string `json:"sender,omitempty"`
	RecipientScript string `json:"recipient_script,omitempty"`
	Amount          uint64 `json:"amount,omitempty"`
	MaxFee          uint64 `json:"max_fee,omitempty"`
	Txid            string `json:"txid,omitempty"`
	OutputIndex     uint32 `json:"output_index,omitempty"`
	Accepted        bool   `json:"accepted,omitempty"`
}

// newBlockRequest is the posted stacks block with its sBTC contract events.
type newBlockRequest struct {
	BlockID       string        `json:"block_id"`
	BlockHeight   int64         `json:"block_height"`
	ParentBlockID string        `json:"parent_block_id"`
	BurnBlockHash string        `json:"burn_block_hash"`
	BurnHeight    int64         `json:"burn_block_height"`
	StacksTxid    string        `json:"index_block_txid,omitempty"`
	Events        []stacksEvent `json:"events"`
}

// NewBlock ingests one stacks block. Writes are idempotent so the node can
// replay its event stream after a restart.
func (s *Server) NewBlock(c echo.Context) error {
	var req newBlockRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	block := &storage.StacksBlock{BlockHeight: req.BlockHeight}
	if err := decode32(req.BlockID, &block.BlockID); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid block id: %v", err)})
	}
	if err := decode32(req.ParentBlockID, &block.ParentBlockID); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid parent block id: %v", err)})
	}
	if err := block.BitcoinAnchor.SetBytes(mustHex(req.BurnBlockHash)); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid burn block hash: %v", err)})
	}

	ctx := c.Request().Context()
	if err := s.store.WriteStacksBlock(ctx, block); err != nil {
		s.logger.WithError(err).Error("fail to persist stacks block")
		return c.NoContent(http.StatusInternalServerError)
	}

	for _, event := range req.Events {
		if err := s.handleEvent(ctx, block, req, event); err != nil {
			s.logger.WithFields(logrus.Fields{
				"type":  event.Type,
				"error": err,
			}).Error("fail to handle stacks event")
			return c.NoContent(http.StatusInternalServerError)
		}
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleEvent(ctx context.Context, block *storage.StacksBlock, req newBlockRequest, event stacksEvent) error {
	switch event.Type {
	case "withdrawal-create":
		script, err := hex.DecodeString(event.RecipientScript)
		if err != nil {
			return fmt.Errorf("invalid recipient script: %w", err)
		}
		request := &storage.WithdrawalRequest{
			RequestID:       event.RequestID,
			StacksBlockID:   block.BlockID,
			Sender:          event.Sender,
			RecipientScript: script,
			Amount:          event.Amount,
			MaxFee:          event.MaxFee,
			BitcoinAnchor:   block.BitcoinAnchor,
			CreatedHeight:   req.BurnHeight,
		}
		if err := decode32(event.Txid, &request.StacksTxid); err != nil {
			return fmt.Errorf("invalid withdrawal txid: %w", err)
		}
		return s.store.WriteWithdrawalRequest(ctx, request)

	case "withdrawal-accept", "withdrawal-reject":
		return s.store.WriteWithdrawalEvent(ctx, &storage.WithdrawalEvent{
			RequestID:     event.RequestID,
			StacksBlockID: block.BlockID,
			Accepted:      event.Type == "withdrawal-accept",
		})

	case "completed-deposit":
		completed := &storage.CompletedDepositEvent{
			OutputIndex:   event.OutputIndex,
			StacksBlockID: block.BlockID,
		}
		if err := completed.Txid.SetBytes(mustHex(event.Txid)); err != nil {
			return fmt.Errorf("invalid deposit txid: %w", err)
		}
		return s.store.WriteCompletedDepositEvent(ctx, completed)

	default:
		// Unknown event types are forward compatible noise.
		return nil
	}
}

func decode32(s string, out *[32]byte) error {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return nil
}

func mustHex(s string) []byte {
	raw, _ := hex.DecodeString(s)
	return raw
}
