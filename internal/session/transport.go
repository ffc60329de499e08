// Package session multiplexes MCP protocol sessions over a single HTTP
// endpoint. Each session owns one Transport bridging HTTP requests to a
// dedicated protocol server instance.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned when a message is delivered to a closed transport.
	ErrClosed = errors.New("session transport closed")

	// ErrTimeout is returned when the protocol server does not answer a
	// request within the response timeout.
	ErrTimeout = errors.New("timed out waiting for response")
)

// responseTimeout bounds every request/response round trip. Applied
// uniformly; there is no per-call override.
const responseTimeout = 120 * time.Second

// streamBuffer bounds server-initiated messages queued for an SSE reader.
const streamBuffer = 64

// Transport bridges HTTP traffic to one protocol server connection. It
// implements mcp.Transport: the server side reads client messages from an
// internal queue and writes responses back to the HTTP handler that is
// waiting on the matching JSON-RPC id. Server-initiated messages without a
// pending waiter go to the stream channel, drained by a hanging GET.
//
// The session ID is minted at construction; the owning multiplexer commits
// it to the session table only after a successful initialize exchange.
type Transport struct {
	sessionID string
	logger    *zap.Logger

	incoming chan jsonrpc.Message
	stream   chan jsonrpc.Message
	done     chan struct{}

	mu      sync.Mutex
	pending map[string]chan jsonrpc.Message
	onClose func()
	closed  bool
}

// NewTransport creates a transport for one session.
func NewTransport(sessionID string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		sessionID: sessionID,
		logger:    logger,
		incoming:  make(chan jsonrpc.Message),
		stream:    make(chan jsonrpc.Message, streamBuffer),
		done:      make(chan struct{}),
		pending:   make(map[string]chan jsonrpc.Message),
	}
}

// SessionID returns the minted session identifier.
func (t *Transport) SessionID() string {
	return t.sessionID
}

// OnClose registers a callback fired exactly once when the transport closes.
// Must be set before the transport is connected.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// Connect implements mcp.Transport.
func (t *Transport) Connect(ctx context.Context) (mcp.Connection, error) {
	return &connection{t: t}, nil
}

// Deliver hands a decoded client message to the protocol server. For requests
// carrying an id it blocks until the matching response arrives or the
// response timeout elapses. Notifications return (nil, nil) immediately after
// being queued.
func (t *Transport) Deliver(ctx context.Context, msg jsonrpc.Message) (jsonrpc.Message, error) {
	var waiter chan jsonrpc.Message
	var key string

	if req, ok := msg.(*jsonrpc.Request); ok && req.ID.IsValid() {
		key = idKey(req.ID)
		waiter = make(chan jsonrpc.Message, 1)
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		t.pending[key] = waiter
		t.mu.Unlock()
	}

	select {
	case t.incoming <- msg:
	case <-t.done:
		t.dropPending(key)
		return nil, ErrClosed
	case <-ctx.Done():
		t.dropPending(key)
		return nil, ctx.Err()
	}

	if waiter == nil {
		return nil, nil
	}

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		return resp, nil
	case <-timer.C:
		t.dropPending(key)
		return nil, ErrTimeout
	case <-t.done:
		return nil, ErrClosed
	case <-ctx.Done():
		t.dropPending(key)
		return nil, ctx.Err()
	}
}

// Stream exposes server-initiated messages for a hanging GET reader.
func (t *Transport) Stream() <-chan jsonrpc.Message {
	return t.stream
}

// Done is closed when the transport closes.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Close shuts the transport down. Idempotent; the onClose callback fires on
// the first call only.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	onClose := t.onClose
	close(t.done)
	t.mu.Unlock()

	if onClose != nil {
		onClose()
	}
	return nil
}

func (t *Transport) dropPending(key string) {
	if key == "" {
		return
	}
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

// connection is the protocol server's view of the transport.
type connection struct {
	t *Transport
}

func (c *connection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case msg := <-c.t.incoming:
		return msg, nil
	case <-c.t.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *connection) Write(ctx context.Context, msg jsonrpc.Message) error {
	// Responses are routed to the HTTP handler waiting on the matching id.
	if resp, ok := msg.(*jsonrpc.Response); ok && resp.ID.IsValid() {
		key := idKey(resp.ID)
		c.t.mu.Lock()
		waiter := c.t.pending[key]
		delete(c.t.pending, key)
		c.t.mu.Unlock()
		if waiter != nil {
			waiter <- msg
			return nil
		}
		// No waiter left (timed out); fall through to the stream so the
		// message is not silently lost.
	}

	select {
	case c.t.stream <- msg:
		return nil
	case <-c.t.done:
		return ErrClosed
	default:
		// Stream full and nobody reading. Drop rather than wedge the server.
		c.t.logger.Warn("dropping server message, stream backlog full",
			zap.String("session_id", c.t.sessionID))
		return nil
	}
}

func (c *connection) Close() error {
	return c.t.Close()
}

func (c *connection) SessionID() string {
	return c.t.sessionID
}

func idKey(id jsonrpc.ID) string {
	return fmt.Sprint(id.Raw())
}
