package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roach88/inkd/internal/sequencer"
)

// DefaultMaxBacklog is the number of undelivered frames after which a
// subscriber is considered too slow and disconnected.
const DefaultMaxBacklog = 4096

// Server exposes a sequencer to websocket clients.
//
// Each connection gets a reader (the ServeHTTP goroutine) and a writer
// goroutine. Committed operations are queued per connection without
// blocking the sequencer; a connection whose queue exceeds the backlog
// limit is closed.
type Server struct {
	seq        sequencer.Sequencer
	schema     *Schema
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	maxBacklog int

	mu     sync.Mutex
	conns  map[*serverConn]struct{}
	closed bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the logger. Default: slog.Default().
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMaxBacklog sets the per-connection queue limit.
func WithMaxBacklog(n int) ServerOption {
	return func(s *Server) {
		s.maxBacklog = n
	}
}

// NewServer creates a relay for seq.
func NewServer(seq sequencer.Sequencer, opts ...ServerOption) (*Server, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, fmt.Errorf("new relay server: %w", err)
	}

	s := &Server{
		seq:        seq,
		schema:     schema,
		logger:     slog.Default(),
		maxBacklog: DefaultMaxBacklog,
		conns:      make(map[*serverConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Relay peers are replicas, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type serverConn struct {
	ws     *websocket.Conn
	out    *frameQueue
	sub    sequencer.Subscription
	remote string
}

// ServeHTTP upgrades the request and serves frames until the peer leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &serverConn{ws: ws, out: newFrameQueue(), remote: r.RemoteAddr}
	if !s.track(c) {
		ws.Close()
		return
	}
	defer s.untrack(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.logger.Info("relay peer connected", "remote", c.remote)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(c)
	}()

	s.readLoop(ctx, c)

	cancel()
	if c.sub != nil {
		c.sub.Cancel()
	}
	c.out.Close()
	<-writerDone
	ws.Close()

	s.logger.Info("relay peer disconnected", "remote", c.remote)
}

func (s *Server) readLoop(ctx context.Context, c *serverConn) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("relay read failed", "remote", c.remote, "error", err)
			}
			return
		}
		s.handleFrame(ctx, c, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *serverConn, data []byte) {
	if err := s.schema.Validate(data); err != nil {
		s.logger.Debug("frame rejected", "remote", c.remote, "error", err)
		c.out.Enqueue(errorFrame(0, err))
		return
	}

	f, err := decodeFrame(data)
	if err != nil {
		c.out.Enqueue(errorFrame(0, err))
		return
	}

	switch f.Type {
	case FrameSubmit:
		env := f.envelope()
		if err := s.seq.Submit(ctx, env); err != nil {
			s.logger.Warn("submit failed",
				"remote", c.remote,
				"client", env.ClientID,
				"client_seq", env.ClientSeq,
				"error", err,
			)
			c.out.Enqueue(errorFrame(env.ClientSeq, err))
		}

	case FrameSubscribe:
		if c.sub != nil {
			c.out.Enqueue(errorFrame(0, errors.New("already subscribed")))
			return
		}
		sub, err := s.seq.Subscribe(ctx, sequencer.Position(*f.After), func(op sequencer.Sequenced) {
			s.deliver(c, op)
		})
		if err != nil {
			c.out.Enqueue(errorFrame(0, err))
			return
		}
		c.sub = sub

	default:
		c.out.Enqueue(errorFrame(0, fmt.Errorf("unexpected frame type %q", f.Type)))
	}
}

// deliver runs on the sequencer's delivery path and must not block.
func (s *Server) deliver(c *serverConn, op sequencer.Sequenced) {
	data, err := opFrame(op)
	if err != nil {
		s.logger.Error("encode op frame", "position", op.Position, "error", err)
		return
	}
	if !c.out.Enqueue(data) {
		return
	}
	if s.maxBacklog > 0 && c.out.Len() > s.maxBacklog {
		s.logger.Warn("relay peer too slow; disconnecting",
			"remote", c.remote,
			"backlog", c.out.Len(),
		)
		c.ws.Close()
	}
}

func (s *Server) writeLoop(c *serverConn) {
	for {
		for {
			data, ok := c.out.TryDequeue()
			if !ok {
				break
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.ws.Close()
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

func (s *Server) track(c *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Peers returns the number of connected peers.
func (s *Server) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every peer and rejects new ones.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for c := range s.conns {
		c.ws.Close()
	}
}
