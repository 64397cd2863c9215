// File: internal/bidi/client.go

// Package bidi implements the WebDriver BiDi wire transport: a WebSocket
// connection carrying JSON command/response pairs correlated by id, plus
// out-of-band event frames.
package bidi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrConnectionClosed is returned by Send when the connection has been torn
// down, locally or by the peer, before the response arrived.
var ErrConnectionClosed = errors.New("bidi: connection closed")

// EventHandler receives out-of-band event frames. It is invoked from the read
// loop and must not block.
type EventHandler func(method string, params json.RawMessage)

// RawHandler receives complete frames that do not correlate with a command
// issued through this client. The proxy uses it to relay passthrough traffic.
type RawHandler func(raw []byte)

// Client is an id-correlating BiDi command client over a single WebSocket
// connection. It is safe for concurrent use.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *message

	closed    chan struct{}
	closeOnce sync.Once

	onEvent     EventHandler
	onUnmatched RawHandler

	// done is closed when the read loop exits.
	done chan struct{}
}

// Option configures a Client.
type Option func(*Client)

// WithEventHandler registers a handler for event frames.
func WithEventHandler(fn EventHandler) Option {
	return func(c *Client) { c.onEvent = fn }
}

// WithRawHandler registers a handler for frames that belong to neither a
// pending command nor the event stream of this client.
func WithRawHandler(fn RawHandler) Option {
	return func(c *Client) { c.onUnmatched = fn }
}

// WithIDBase offsets the command id sequence. A relay sharing a connection
// with passthrough traffic uses a high base so its ids stay clear of the ids
// chosen by the end client.
func WithIDBase(base int64) Option {
	return func(c *Client) { c.nextID.Store(base) }
}

// Dial connects to a BiDi WebSocket endpoint and starts the read loop.
func Dial(ctx context.Context, url string, logger *zap.Logger, opts ...Option) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	return NewClient(conn, logger, opts...), nil
}

// NewClient wraps an established WebSocket connection. The client owns the
// connection from this point on.
func NewClient(conn *websocket.Conn, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		logger:  logger.Named("bidi"),
		pending: make(map[int64]chan *message),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Send issues a command and suspends until the correlated response arrives,
// the context is done, or the connection closes. A nil params value is sent
// as an empty object, as the protocol requires a params mapping. Error
// responses are returned as *ProtocolError.
func (c *Client) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}

	id := c.nextID.Add(1)
	ch := make(chan *message, 1)

	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	default:
	}
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := jsonAPI.Marshal(command{ID: id, Method: method, Params: params})
	if err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("failed to marshal %s command: %w", method, err)
	}

	c.logger.Debug("Sending command", zap.Int64("id", id), zap.String("method", method))

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("failed to send %s command: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	case <-c.closed:
		c.unregister(id)
		return nil, ErrConnectionClosed
	case msg := <-ch:
		if msg.Type == typeError {
			return nil, &ProtocolError{Code: msg.Error, Message: msg.Message}
		}
		return msg.Result, nil
	}
}

// SendRaw writes a pre-encoded frame without registering a pending command.
// Passthrough relaying uses it for traffic the client does not own.
func (c *Client) SendRaw(raw []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close tears down the connection. Idempotent; pending sends fail with
// ErrConnectionClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)

		c.writeMu.Lock()
		// Best effort; the peer may already be gone.
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	<-c.done
	return err
}

// readLoop dispatches incoming frames until the connection dies.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Debug("Connection read failed", zap.Error(err))
				c.closeOnce.Do(func() {
					close(c.closed)
					_ = c.conn.Close()
				})
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.dispatch(raw)
	}
}

func (c *Client) dispatch(raw []byte) {
	var msg message
	if err := jsonAPI.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("Discarding undecodable frame", zap.Error(err))
		return
	}

	if msg.ID != nil {
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &msg
			return
		}
		// A response for a command this client never issued.
		if c.onUnmatched != nil {
			c.onUnmatched(raw)
		} else {
			c.logger.Debug("Dropping response with unknown id", zap.Int64("id", *msg.ID))
		}
		return
	}

	if msg.Type == typeEvent || msg.Method != "" {
		if c.onEvent != nil {
			c.onEvent(msg.Method, msg.Params)
			return
		}
		if c.onUnmatched != nil {
			c.onUnmatched(raw)
			return
		}
		c.logger.Debug("Dropping event", zap.String("method", msg.Method))
		return
	}

	if c.onUnmatched != nil {
		c.onUnmatched(raw)
	}
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
