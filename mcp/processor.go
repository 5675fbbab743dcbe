package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubegram/kubegram/runtime/telemetry"
)

// ConnState is the per-message processing state of a connection.
type ConnState string

const (
	StateIdle              ConnState = "IDLE"
	StateProcessingRequest ConnState = "PROCESSING_REQUEST"
	StateHandlingToolCall  ConnState = "HANDLING_TOOL_CALL"
	StateSendingResponse   ConnState = "SENDING_RESPONSE"
	StateCompleted         ConnState = "COMPLETED"
	StateError             ConnState = "ERROR"
)

type (
	// ClientInfo is the client identification sent with initialize.
	ClientInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	// ServerInfo identifies this server in the initialize result.
	ServerInfo struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}

	// Conn is one MCP connection. Thread doubles as the default workflow
	// thread for tool calls that omit one; it equals the connection id.
	// Messages on one connection are processed sequentially, so the mutable
	// fields need no lock beyond the connection's read loop.
	Conn struct {
		ID          string
		Thread      string
		ConnectedAt time.Time

		IsInitialized bool
		ClientInfo    ClientInfo

		state ConnState
	}

	// Registry tracks live connections. Register and Deregister are brief
	// writes; Get and All are frequent reads.
	Registry struct {
		mu    sync.RWMutex
		conns map[string]*Conn
	}

	// ProcessorOptions configures a Processor.
	ProcessorOptions struct {
		// Tools is the tool catalogue. Required.
		Tools *Toolset

		// Registry tracks connections. Required; inject one shared instance.
		Registry *Registry

		// ServerInfo identifies the server in initialize results.
		ServerInfo ServerInfo

		// Logger and Metrics default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Processor runs the MCP state machine for every connection. One
	// Processor serves many connections; per-connection ordering comes from
	// each connection's sequential read loop.
	Processor struct {
		tools    *Toolset
		registry *Registry
		server   ServerInfo
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	initializeParams struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ClientInfo      ClientInfo `json:"clientInfo"`
	}

	initializeResult struct {
		ProtocolVersion string             `json:"protocolVersion"`
		Capabilities    serverCapabilities `json:"capabilities"`
		ServerInfo      ServerInfo         `json:"serverInfo"`
	}

	serverCapabilities struct {
		Tools toolCapabilities `json:"tools"`
	}

	toolCapabilities struct {
		ListChanged bool `json:"listChanged"`
	}

	toolCallParams struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	// toolResult is the MCP tool call result envelope.
	toolResult struct {
		Content []contentItem `json:"content"`
		IsError bool          `json:"isError"`
	}

	contentItem struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
)

// NewRegistry constructs an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register adds a connection.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

// Deregister removes a connection.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get returns a connection by id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// All returns the live connections.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// NewProcessor constructs a Processor.
func NewProcessor(opts ProcessorOptions) (*Processor, error) {
	if opts.Tools == nil {
		return nil, fmt.Errorf("toolset is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	server := opts.ServerInfo
	if server.Name == "" {
		server.Name = "kubegram"
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Processor{
		tools:    opts.Tools,
		registry: opts.Registry,
		server:   server,
		logger:   logger,
		metrics:  metrics,
	}, nil
}

// Open registers a new connection and returns it together with the initial
// outgoing batch (a ping notification).
func (p *Processor) Open(ctx context.Context) (*Conn, []*Message) {
	id := uuid.NewString()
	c := &Conn{
		ID:          id,
		Thread:      id,
		ConnectedAt: time.Now(),
		state:       StateIdle,
	}
	p.registry.Register(c)
	p.logger.Info(ctx, "mcp connection opened", "conn", c.ID)
	return c, []*Message{newNotification("notifications/ping", nil)}
}

// Close deregisters a connection.
func (p *Processor) Close(ctx context.Context, c *Conn) {
	p.registry.Deregister(c.ID)
	p.logger.Info(ctx, "mcp connection closed", "conn", c.ID)
}

// HandleMessage runs one incoming frame through the state machine and returns
// the outgoing batch, in send order. Protocol errors produce JSON-RPC error
// responses; the connection stays open.
func (p *Processor) HandleMessage(ctx context.Context, c *Conn, data []byte) []*Message {
	msg, errResp := parseMessage(data)
	if errResp != nil {
		c.state = StateError
		return []*Message{errResp}
	}
	if !msg.IsRequest() && !msg.IsNotification() {
		// Responses from the client have nothing to dispatch to.
		c.state = StateCompleted
		return nil
	}

	c.state = StateProcessingRequest
	p.metrics.IncCounter("mcp_requests", 1, "method", msg.Method)

	var out []*Message
	switch msg.Method {
	case "initialize":
		out = p.initialize(c, msg)
		c.state = StateCompleted
	case "tools/list":
		out = p.listTools(msg)
		c.state = StateCompleted
	case "tools/call":
		c.state = StateHandlingToolCall
		out = p.callTool(ctx, c, msg)
		c.state = StateCompleted
	case "ping":
		out = []*Message{newNotification("notifications/pong", nil)}
		c.state = StateCompleted
	default:
		out = []*Message{newError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", msg.Method))}
		c.state = StateError
	}
	return out
}

// initialize records the client info and answers with the server handshake.
func (p *Processor) initialize(c *Conn, msg *Message) []*Message {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return []*Message{newError(msg.ID, CodeInvalidParams, "decode initialize params: "+err.Error())}
		}
	}
	c.ClientInfo = params.ClientInfo
	c.IsInitialized = true
	return []*Message{newResult(msg.ID, initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    serverCapabilities{Tools: toolCapabilities{ListChanged: true}},
		ServerInfo:      p.server,
	})}
}

// listTools enumerates the catalogue.
func (p *Processor) listTools(msg *Message) []*Message {
	return []*Message{newResult(msg.ID, map[string]any{"tools": p.tools.List()})}
}

// callTool validates the arguments and invokes the handler. Handler errors
// become internal_error responses; the result payload is JSON-stringified
// into a single text content item.
func (p *Processor) callTool(ctx context.Context, c *Conn, msg *Message) []*Message {
	var params toolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return []*Message{newError(msg.ID, CodeInvalidParams, "decode tool call params: "+err.Error())}
	}
	tool, ok := p.tools.Lookup(params.Name)
	if !ok {
		return []*Message{newError(msg.ID, CodeMethodNotFound, fmt.Sprintf("tool %q not found", params.Name))}
	}
	if err := tool.validate(params.Arguments); err != nil {
		return []*Message{newError(msg.ID, CodeInvalidParams, fmt.Sprintf("tool %q arguments: %s", params.Name, err))}
	}

	started := time.Now()
	result, err := tool.handler(ctx, params.Arguments, c)
	p.metrics.RecordTimer("mcp_tool_duration", time.Since(started), "tool", params.Name)
	if err != nil {
		p.logger.Warn(ctx, "mcp tool call failed", "conn", c.ID, "tool", params.Name, "err", err.Error())
		p.metrics.IncCounter("mcp_tool_errors", 1, "tool", params.Name)
		return []*Message{newError(msg.ID, CodeInternalError, err.Error())}
	}

	text, err := json.Marshal(result)
	if err != nil {
		return []*Message{newError(msg.ID, CodeInternalError, "encode tool result: "+err.Error())}
	}
	return []*Message{newResult(msg.ID, toolResult{
		Content: []contentItem{{Type: "text", Text: string(text)}},
	})}
}
