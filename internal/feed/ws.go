// Package feed streams real-time tick prices over a websocket into the price
// cache, so exit evaluation between snapshot refreshes sees current prices.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stockpilot/stockpilot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// tick is the wire format of one price update.
type tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	TS     int64   `json:"ts"` // unix milliseconds
}

// subscribeCmd is the wire format of a subscription request.
type subscribeCmd struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// Client maintains a websocket subscription to the tick feed and writes each
// update into the price cache. It reconnects with exponential backoff and
// restores its subscriptions after every reconnect.
type Client struct {
	url          string
	prices       domain.PriceCache
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	symbols []string
}

// NewClient creates a feed client writing into prices.
func NewClient(url string, prices domain.PriceCache, reconnectMin, reconnectMax time.Duration, logger *slog.Logger) *Client {
	if reconnectMin <= 0 {
		reconnectMin = 2 * time.Second
	}
	if reconnectMax < reconnectMin {
		reconnectMax = 60 * time.Second
	}
	return &Client{
		url:          url,
		prices:       prices,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
		logger:       logger.With(slog.String("component", "tick_feed")),
	}
}

// Subscribe sets the symbols to stream. Takes effect on the current
// connection immediately and is restored after reconnects.
func (c *Client) Subscribe(symbols []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = append([]string(nil), symbols...)
	if c.conn == nil {
		return nil
	}
	return c.sendSubscribe(c.conn)
}

// Run connects and pumps ticks into the cache until the context is
// cancelled. Connection failures back off exponentially up to the configured
// ceiling.
func (c *Client) Run(ctx context.Context) error {
	delay := c.reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.reconnectMax {
			delay = c.reconnectMax
		}
	}
}

func (c *Client) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", c.url, err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	err = c.sendSubscribe(conn)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.logger.Info("feed connected", slog.String("url", c.url))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)
	go func() {
		// Unblocks the read loop on shutdown; ReadMessage has no context.
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}

		var t tick
		if err := json.Unmarshal(data, &t); err != nil {
			c.logger.Debug("unparseable feed message", slog.String("error", err.Error()))
			continue
		}
		if t.Symbol == "" || t.Price <= 0 {
			continue
		}

		ts := time.UnixMilli(t.TS)
		if t.TS == 0 {
			ts = time.Now()
		}
		if err := c.prices.SetPrice(ctx, t.Symbol, t.Price, ts); err != nil {
			c.logger.Warn("price cache write failed",
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendSubscribe writes the subscription command. Caller must hold c.mu.
func (c *Client) sendSubscribe(conn *websocket.Conn) error {
	if len(c.symbols) == 0 {
		return nil
	}
	data, err := json.Marshal(subscribeCmd{Type: "subscribe", Symbols: c.symbols})
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
