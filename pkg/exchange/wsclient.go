package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSClient maintains the WebSocket connection to the exchange and routes
// raw messages to a handler. Subscribe replaces the full subscription set:
// the connection is torn down and rebuilt, which is how the exchange's
// protocol changes topics.
type WSClient struct {
	url     string
	logger  *zap.Logger
	handler func([]byte)

	mu     sync.Mutex
	conn   *websocket.Conn
	topics []string
	gen    uint64 // connection generation; stale read loops exit
	closed bool
}

func NewWSClient(url string, logger *zap.Logger) *WSClient {
	return &WSClient{
		url:    url,
		logger: logger,
	}
}

// SetHandler sets the function invoked for every incoming message. Must be
// called before Subscribe.
func (c *WSClient) SetHandler(h func([]byte)) {
	c.handler = h
}

// Subscribe (re)establishes the connection subscribed to exactly the given
// topics and starts a read loop for it. An existing connection is closed
// first; buffered data for retained topics survives in the caller's cache,
// not here.
func (c *WSClient) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("websocket client closed")
	}

	c.topics = append([]string(nil), topics...)
	c.gen++
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	conn, err := c.dialAndSubscribe(c.topics)
	if err != nil {
		return err
	}
	c.conn = conn

	go c.readLoop(conn, c.gen)
	return nil
}

// Shutdown closes the connection for good; no reconnects follow.
func (c *WSClient) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.gen++
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *WSClient) dialAndSubscribe(topics []string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": topics,
	}
	if err := conn.WriteJSON(subMsg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("websocket subscribe failed: %w", err)
	}

	c.logger.Info("websocket subscribed",
		zap.String("url", c.url), zap.Int("topics", len(topics)))
	return conn, nil
}

// readLoop reads until the connection fails, then reconnects with backoff
// as long as its generation is still current.
func (c *WSClient) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !c.current(gen) {
				return // superseded by Subscribe or Shutdown
			}
			c.logger.Error("websocket read error", zap.Error(err))

			conn = c.reconnect(gen)
			if conn == nil {
				return
			}
			continue
		}

		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// reconnect retries until a connection is re-established or the generation
// goes stale. Backoff doubles from 1s up to 30s.
func (c *WSClient) reconnect(gen uint64) *websocket.Conn {
	wait := time.Second
	for {
		time.Sleep(wait)
		if wait < 30*time.Second {
			wait *= 2
		}

		c.mu.Lock()
		if c.closed || c.gen != gen {
			c.mu.Unlock()
			return nil
		}
		conn, err := c.dialAndSubscribe(c.topics)
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("websocket reconnect failed, retrying", zap.Error(err))
			continue
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("websocket reconnected")
		return conn
	}
}

func (c *WSClient) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.gen == gen
}
