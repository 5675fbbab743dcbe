package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kubegram/kubegram/runtime/telemetry"
)

// DefaultPath is the path the MCP websocket endpoint listens on.
const DefaultPath = "/operator"

const (
	writeTimeout = 10 * time.Second

	// maxFrameSize bounds one incoming frame. Graph payloads are JSON and
	// stay well under this.
	maxFrameSize = 4 << 20
)

type (
	// ServerOptions configures the websocket Server.
	ServerOptions struct {
		// Processor runs the MCP state machine. Required.
		Processor *Processor

		// Path defaults to "/operator".
		Path string

		// CheckOrigin overrides the upgrader's origin check. Defaults to
		// allowing all origins; the session layer authenticates callers.
		CheckOrigin func(r *http.Request) bool

		// Logger defaults to a no-op.
		Logger telemetry.Logger
	}

	// Server upgrades HTTP requests to websocket connections and pumps each
	// connection's messages through the processor sequentially.
	Server struct {
		processor *Processor
		path      string
		upgrader  websocket.Upgrader
		logger    telemetry.Logger
	}
)

// NewServer constructs a websocket MCP server.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Processor == nil {
		return nil, errors.New("processor is required")
	}
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		processor: opts.Processor,
		path:      path,
		upgrader:  websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:    logger,
	}, nil
}

// Path returns the endpoint path.
func (s *Server) Path() string { return s.path }

// ServeHTTP upgrades the request and serves the connection until it closes.
// Messages are read, processed, and answered strictly in arrival order;
// different connections proceed independently.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade failed", "err", err.Error())
		return
	}
	defer func() { _ = ws.Close() }()
	ws.SetReadLimit(maxFrameSize)

	// The connection outlives the upgrade request's context.
	ctx := context.WithoutCancel(r.Context())

	conn, hello := s.processor.Open(ctx)
	defer s.processor.Close(ctx, conn)
	if err := s.send(ws, hello); err != nil {
		s.logger.Warn(ctx, "websocket hello failed", "conn", conn.ID, "err", err.Error())
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn(ctx, "websocket read failed", "conn", conn.ID, "err", err.Error())
			}
			return
		}
		out := s.processor.HandleMessage(ctx, conn, data)
		if err := s.send(ws, out); err != nil {
			s.logger.Warn(ctx, "websocket write failed", "conn", conn.ID, "err", err.Error())
			return
		}
	}
}

// send serializes and writes a batch in order.
func (s *Server) send(ws *websocket.Conn, batch []*Message) error {
	for _, msg := range batch {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return err
		}
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}
