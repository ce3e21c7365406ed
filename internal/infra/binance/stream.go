package binance

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"orderflow/internal/domain"
	"orderflow/pkg/quant"
)

const (
	readTimeout       = 90 * time.Second
	keepAliveInterval = 15 * time.Minute
)

// FillStream consumes the Binance user data stream and forwards order
// updates. One stream covers every symbol the account trades.
type FillStream struct {
	client   *Client
	wsURL    string
	onUpdate func(domain.ExecutionUpdate)

	mu     sync.RWMutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFillStream builds a stream worker. wsURL is the exchange websocket base,
// e.g. wss://stream.binance.com:9443. onUpdate is called from the read
// goroutine and must not block.
func NewFillStream(client *Client, wsURL string, onUpdate func(domain.ExecutionUpdate)) *FillStream {
	return &FillStream{
		client:   client,
		wsURL:    strings.TrimRight(wsURL, "/"),
		onUpdate: onUpdate,
	}
}

// Start launches the connection loop. Reconnects with exponential backoff
// until the context is cancelled.
func (s *FillStream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.runLoop(ctx)
}

// Stop terminates the stream and waits for the worker to exit.
func (s *FillStream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.close()
	s.wg.Wait()
}

func (s *FillStream) runLoop(ctx context.Context) {
	defer s.wg.Done()
	retry := backoff.NewExponentialBackOff()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		listenKey, err := s.client.CreateListenKey(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("listen key request failed", "exchange", s.client.Name(), "err", err)
			if !s.sleep(ctx, retry.NextBackOff()) {
				return
			}
			continue
		}

		if err := s.connect(ctx, listenKey); err != nil {
			slog.Warn("fill stream connect failed", "exchange", s.client.Name(), "err", err)
			if !s.sleep(ctx, retry.NextBackOff()) {
				return
			}
			continue
		}

		retry.Reset()
		s.consume(ctx, listenKey)
	}
}

func (s *FillStream) connect(ctx context.Context, listenKey string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL+"/ws/"+listenKey, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	slog.Info("fill stream connected", "exchange", s.client.Name())
	return nil
}

// consume reads until the connection drops, keeping the listen key alive in
// the background.
func (s *FillStream) consume(ctx context.Context, listenKey string) {
	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	go s.keepAliveLoop(keepCtx, listenKey)

	for {
		s.mu.RLock()
		c := s.conn
		s.mu.RUnlock()
		if c == nil {
			return
		}

		c.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("fill stream read error", "exchange", s.client.Name(), "err", err)
			}
			s.close()
			return
		}

		s.handleMessage(msg)
	}
}

func (s *FillStream) keepAliveLoop(ctx context.Context, listenKey string) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
				slog.Warn("listen key keepalive failed", "exchange", s.client.Name(), "err", err)
			}
		}
	}
}

func (s *FillStream) handleMessage(msg []byte) {
	update, ok, err := parseExecutionReport(s.client.Name(), msg)
	if err != nil {
		slog.Warn("fill stream decode error", "exchange", s.client.Name(), "err", err)
		return
	}
	if ok {
		s.onUpdate(update)
	}
}

func (s *FillStream) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *FillStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// parseExecutionReport decodes one stream message. Non-order events return
// ok=false and are skipped.
func parseExecutionReport(exchange string, msg []byte) (domain.ExecutionUpdate, bool, error) {
	var event executionReportEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		return domain.ExecutionUpdate{}, false, err
	}
	if event.EventType != "executionReport" {
		return domain.ExecutionUpdate{}, false, nil
	}

	executed, err := quant.ParseQty(event.CumulativeQuantity)
	if err != nil {
		return domain.ExecutionUpdate{}, false, err
	}
	avg, err := averagePrice(event.CumulativeQuoteQty, event.CumulativeQuantity)
	if err != nil {
		return domain.ExecutionUpdate{}, false, err
	}

	symbol, err := domain.ParseWireSymbol(event.Symbol)
	if err != nil {
		return domain.ExecutionUpdate{}, false, err
	}

	ts := event.TransactionTime
	if ts == 0 {
		ts = event.EventTime
	}

	return domain.ExecutionUpdate{
		Exchange:        exchange,
		ExchangeOrderID: strconv.FormatInt(event.OrderID, 10),
		Symbol:          symbol,
		Status:          mapStatus(event.OrderStatus),
		ExecutedQtySats: executed,
		AvgPriceMicros:  avg,
		Ts:              quant.TimeStamp(ts * 1000),
	}, true, nil
}
