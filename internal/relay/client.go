package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/inkd/internal/sequencer"
)

// ErrClientClosed is returned after Close or once the connection is lost.
var ErrClientClosed = errors.New("relay client closed")

// Client is a sequencer.Sequencer backed by a relay Server.
//
// Submit only queues a frame; it never waits for the round trip. Committed
// operations are handed to the subscriber from a single reader goroutine,
// in the order the server sent them.
type Client struct {
	ws     *websocket.Conn
	out    *frameQueue
	logger *slog.Logger

	mu         sync.Mutex
	handler    sequencer.Handler
	subscribed bool
	lastErr    error

	readDone  chan struct{}
	writeDone chan struct{}
	closeOnce sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger. Default: slog.Default().
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Dial connects to a relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Client{
		ws:        ws,
		out:       newFrameQueue(),
		logger:    slog.Default(),
		readDone:  make(chan struct{}),
		writeDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// Submit implements sequencer.Sequencer.
func (c *Client) Submit(ctx context.Context, env sequencer.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	data, err := submitFrame(env)
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if !c.out.Enqueue(data) {
		return ErrClientClosed
	}
	return nil
}

// Subscribe implements sequencer.Sequencer. A Client carries a single
// subscription.
func (c *Client) Subscribe(ctx context.Context, after sequencer.Position, fn sequencer.Handler) (sequencer.Subscription, error) {
	if fn == nil {
		return nil, errors.New("subscribe: nil handler")
	}

	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return nil, errors.New("subscribe: relay client already subscribed")
	}
	c.subscribed = true
	c.handler = fn
	c.mu.Unlock()

	data, err := subscribeFrame(after)
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if !c.out.Enqueue(data) {
		return nil, ErrClientClosed
	}

	sub := &clientSub{c: c}
	context.AfterFunc(ctx, sub.Cancel)
	return sub, nil
}

type clientSub struct {
	c *Client
}

// Cancel implements sequencer.Subscription. Frames still in flight are
// dropped.
func (s *clientSub) Cancel() {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.handler = nil
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer c.out.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("relay connection lost", "error", err)
				c.setErr(err)
			}
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("undecodable frame from relay", "error", err)
			continue
		}

		switch f.Type {
		case FrameOp:
			c.mu.Lock()
			fn := c.handler
			c.mu.Unlock()
			if fn != nil {
				fn(f.sequenced())
			}

		case FrameError:
			c.logger.Warn("relay rejected frame",
				"client_seq", f.ClientSeq,
				"message", f.Message,
			)
			c.setErr(errors.New(f.Message))

		default:
			c.logger.Warn("unexpected frame from relay", "type", f.Type)
		}
	}
}

func (c *Client) writeLoop() {
	defer close(c.writeDone)

	for {
		for {
			data, ok := c.out.TryDequeue()
			if !ok {
				break
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.setErr(err)
				return
			}
		}
		if _, open := <-c.out.Wait(); !open {
			for {
				data, ok := c.out.TryDequeue()
				if !ok {
					return
				}
				if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// Err returns the last error reported by the relay or the connection.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.readDone
}

// Close flushes queued frames and closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.out.Close()
		<-c.writeDone

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

		select {
		case <-c.readDone:
		case <-time.After(time.Second):
		}
		c.ws.Close()
		<-c.readDone
	})
	return nil
}
