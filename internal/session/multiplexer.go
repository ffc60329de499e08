package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/deepgraphlabs/graphd/internal/config"
)

// SessionHeader carries the session identifier on the protocol endpoint.
const SessionHeader = "Mcp-Session-Id"

// maxBodyBytes bounds a single protocol message.
const maxBodyBytes = 4 << 20

const methodInitialize = "initialize"

// errorResponse is the JSON error envelope on the protocol endpoint.
type errorResponse struct {
	Error string `json:"error"`
}

var (
	errMissingCredential = errorResponse{Error: "API key required. Provide it via CODEGPT_API_KEY env var or config.apiKey query parameter"}
	errInvalidSession    = errorResponse{Error: "Invalid or missing session ID"}
	errMethodNotAllowed  = errorResponse{Error: "Method not allowed"}
)

// Connector is a protocol server that can attach to a session transport.
// Satisfied by the internal MCP server wrapper.
type Connector interface {
	Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error)
}

// ServerFactory builds a fresh protocol server bound to one effective
// configuration. Called once per new session.
type ServerFactory func(cfg *config.Config) (Connector, error)

// Multiplexer owns the session table and routes inbound HTTP traffic on the
// protocol endpoint to the right transport, creating sessions on demand.
type Multiplexer struct {
	factory ServerFactory
	logger  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Transport
}

// NewMultiplexer creates a multiplexer with an empty session table.
func NewMultiplexer(factory ServerFactory, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{
		factory:  factory,
		logger:   logger,
		sessions: make(map[string]*Transport),
	}
}

// Handle routes one request on the protocol endpoint. cfg is the effective
// configuration for this request, query overrides already applied.
func (m *Multiplexer) Handle(c echo.Context, cfg *config.Config) error {
	if !cfg.APIKey.IsSet() {
		return c.JSON(http.StatusBadRequest, errMissingCredential)
	}

	sessionID := c.Request().Header.Get(SessionHeader)

	switch c.Request().Method {
	case http.MethodGet:
		return m.handleStream(c, sessionID)
	case http.MethodPost:
		return m.handlePost(c, cfg, sessionID)
	case http.MethodDelete:
		return m.handleDelete(c, sessionID)
	default:
		return c.JSON(http.StatusMethodNotAllowed, errMethodNotAllowed)
	}
}

// Len reports the number of live sessions.
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll shuts every live session down. Used at server shutdown.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	transports := make([]*Transport, 0, len(m.sessions))
	for _, t := range m.sessions {
		transports = append(transports, t)
	}
	m.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
}

func (m *Multiplexer) lookup(sessionID string) (*Transport, bool) {
	if sessionID == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[sessionID]
	return t, ok
}

func (m *Multiplexer) commit(t *Transport) {
	m.mu.Lock()
	m.sessions[t.SessionID()] = t
	m.mu.Unlock()
}

func (m *Multiplexer) remove(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

func (m *Multiplexer) handlePost(c echo.Context, cfg *config.Config, sessionID string) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Failed to read request body"})
	}
	msg, err := jsonrpc.DecodeMessage(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "Invalid JSON-RPC message"})
	}

	if t, ok := m.lookup(sessionID); ok {
		return m.deliver(c, t, msg)
	}
	if sessionID != "" {
		// Unrecognized id: never implicitly resurrect a session.
		return c.JSON(http.StatusBadRequest, errInvalidSession)
	}
	return m.createSession(c, cfg, msg)
}

// createSession allocates a transport and protocol server for an initialize
// request. The session table entry is committed only after the initialize
// exchange succeeds; a failed handshake leaves no trace.
func (m *Multiplexer) createSession(c echo.Context, cfg *config.Config, msg jsonrpc.Message) error {
	req, ok := msg.(*jsonrpc.Request)
	if !ok || req.Method != methodInitialize {
		return c.JSON(http.StatusBadRequest, errInvalidSession)
	}

	srv, err := m.factory(cfg)
	if err != nil {
		m.logger.Error("failed to build protocol server", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to initialize server"})
	}

	t := NewTransport(uuid.NewString(), m.logger)
	t.OnClose(func() { m.remove(t.SessionID()) })

	// The session outlives this request; the server connection must not be
	// tied to the request context.
	if _, err := srv.Connect(context.Background(), t); err != nil {
		_ = t.Close()
		m.logger.Error("failed to connect protocol server", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to initialize server"})
	}

	resp, err := t.Deliver(c.Request().Context(), msg)
	if err != nil {
		_ = t.Close()
		m.logger.Error("initialize exchange failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to initialize server"})
	}

	if r, ok := resp.(*jsonrpc.Response); ok && r.Error != nil {
		_ = t.Close()
		return writeMessage(c, "", resp)
	}

	m.commit(t)
	m.logger.Info("session created", zap.String("session_id", t.SessionID()))
	return writeMessage(c, t.SessionID(), resp)
}

// deliver routes a message to an established session.
func (m *Multiplexer) deliver(c echo.Context, t *Transport, msg jsonrpc.Message) error {
	resp, err := t.Deliver(c.Request().Context(), msg)
	switch {
	case err == ErrClosed:
		return c.JSON(http.StatusBadRequest, errInvalidSession)
	case err == ErrTimeout:
		return c.JSON(http.StatusGatewayTimeout, errorResponse{Error: "Request timed out"})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
	if resp == nil {
		// Notification: accepted, nothing to return.
		return c.NoContent(http.StatusAccepted)
	}
	return writeMessage(c, t.SessionID(), resp)
}

// handleStream serves server-initiated messages over SSE on a hanging GET.
func (m *Multiplexer) handleStream(c echo.Context, sessionID string) error {
	t, ok := m.lookup(sessionID)
	if !ok {
		return c.JSON(http.StatusBadRequest, errInvalidSession)
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set(SessionHeader, t.SessionID())
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	ctx := c.Request().Context()
	for {
		select {
		case msg := <-t.Stream():
			data, err := jsonrpc.EncodeMessage(msg)
			if err != nil {
				m.logger.Error("failed to encode stream message", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(c.Response(), "event: message\ndata: %s\n\n", data); err != nil {
				return nil
			}
			c.Response().Flush()
		case <-t.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Multiplexer) handleDelete(c echo.Context, sessionID string) error {
	t, ok := m.lookup(sessionID)
	if !ok {
		return c.JSON(http.StatusBadRequest, errInvalidSession)
	}

	// Close fires onClose, which removes the entry. Remove again regardless
	// in case the callback was replaced.
	_ = t.Close()
	m.remove(sessionID)
	m.logger.Info("session terminated", zap.String("session_id", sessionID))
	return c.NoContent(http.StatusOK)
}

func writeMessage(c echo.Context, sessionID string, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to encode response"})
	}
	if sessionID != "" {
		c.Response().Header().Set(SessionHeader, sessionID)
	}
	return c.JSONBlob(http.StatusOK, data)
}
