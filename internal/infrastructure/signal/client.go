package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandshakeError is returned when the relay answers the upgrade with an HTTP error.
type HandshakeError struct {
	StatusCode int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("signal handshake rejected: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

type ClientConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
}

// Client is one participant's connection to the relay. Incoming messages are
// delivered on Messages, which is closed when the connection ends.
type Client struct {
	cfg      ClientConfig
	conn     *websocket.Conn
	incoming chan Message
	closed   chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
	writeMu   sync.Mutex
	errMu     sync.Mutex
	err       error

	logger *zap.SugaredLogger
}

// Dial connects to the relay with token as bearer credential.
func Dial(ctx context.Context, cfg ClientConfig, token string, logger *zap.SugaredLogger) (*Client, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, &HandshakeError{StatusCode: resp.StatusCode}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		conn:     conn,
		incoming: make(chan Message, 32),
		closed:   make(chan struct{}),
		logger:   logger.Named("signal_client"),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Client) Messages() <-chan Message {
	return c.incoming
}

// Done is closed once the connection has ended for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Err reports why the connection ended; nil after a local Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send encodes payload and writes it as one message.
func (c *Client) Send(msgType string, payload interface{}) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return fmt.Errorf("signal connection closed")
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// Close says bye to the relay and closes the connection.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	c.closing.Store(true)
	c.Send(TypeBye, nil)

	c.writeMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()

	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.closed)
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.incoming)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.closing.Load() {
				c.shutdown(nil)
				return
			}
			c.logger.Debugw("read failed", "error", err)
			c.shutdown(fmt.Errorf("signal connection lost: %w", err))
			return
		}

		select {
		case c.incoming <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(fmt.Errorf("signal ping failed: %w", err))
				return
			}
		}
	}
}
