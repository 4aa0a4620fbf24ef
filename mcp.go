package agentbridge

import (
	"context"
	"encoding/json"
	"fmt"
)

// MCPServer is an in-process MCP server.
//
// Unlike the external servers configured via MCPServerConfig, which the CLI
// spawns itself, an in-process server lives inside the bridge: the CLI
// routes its JSONRPC traffic over the control channel as mcp_message
// requests, and the engine dispatches them here.
type MCPServer struct {
	name    string
	version string
	tools   map[string]*mcpToolEntry
}

type mcpToolEntry struct {
	def     MCPToolDef
	handler func(ctx context.Context, args json.RawMessage) (MCPToolResult, error)
}

// MCPToolDef defines a tool without its handler.
type MCPToolDef struct {
	Name        string
	Description string
	InputSchema any // JSON Schema; optional
}

// MCPToolResult is the outcome of a tool invocation.
type MCPToolResult struct {
	Content []MCPToolContent `json:"content"`
	IsError bool             `json:"isError,omitempty"`
}

// MCPToolContent is one content item of a tool result.
type MCPToolContent struct {
	Type string `json:"type"` // "text"
	Text string `json:"text,omitempty"`
}

// NewMCPServer creates an in-process server. Register tools with AddMCPTool.
func NewMCPServer(name, version string) *MCPServer {
	if version == "" {
		version = "1.0.0"
	}
	return &MCPServer{
		name:    name,
		version: version,
		tools:   make(map[string]*mcpToolEntry),
	}
}

// AddMCPTool registers a typed tool handler. Arguments are unmarshaled into
// Args before the handler runs; malformed arguments produce an error result
// rather than a Go error so the CLI sees a tool failure, not a dead server.
func AddMCPTool[Args any](
	server *MCPServer,
	def MCPToolDef,
	handler func(ctx context.Context, args Args) (MCPToolResult, error),
) {
	server.tools[def.Name] = &mcpToolEntry{
		def: def,
		handler: func(ctx context.Context, raw json.RawMessage) (MCPToolResult, error) {
			var args Args
			if err := json.Unmarshal(raw, &args); err != nil {
				return MCPErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			return handler(ctx, args)
		},
	}
}

// Name returns the server name.
func (s *MCPServer) Name() string { return s.name }

// Version returns the server version.
func (s *MCPServer) Version() string { return s.version }

// ToolDefs returns the registered tool definitions.
func (s *MCPServer) ToolDefs() []MCPToolDef {
	defs := make([]MCPToolDef, 0, len(s.tools))
	for _, entry := range s.tools {
		defs = append(defs, entry.def)
	}
	return defs
}

// CallTool invokes a tool by name. An unknown tool is a Go error; tool
// execution failures are reported via MCPToolResult.IsError.
func (s *MCPServer) CallTool(ctx context.Context, name string, args json.RawMessage) (MCPToolResult, error) {
	entry, ok := s.tools[name]
	if !ok {
		return MCPToolResult{}, fmt.Errorf("tool not found: %s", name)
	}
	return entry.handler(ctx, args)
}

// MCPTextResult creates a successful text result.
func MCPTextResult(text string) MCPToolResult {
	return MCPToolResult{Content: []MCPToolContent{{Type: "text", Text: text}}}
}

// MCPErrorResult creates an error result with text content.
func MCPErrorResult(text string) MCPToolResult {
	return MCPToolResult{
		Content: []MCPToolContent{{Type: "text", Text: text}},
		IsError: true,
	}
}

// handleMCPMessage routes an mcp_message control request to the named
// in-process server and wraps its JSONRPC reply in mcp_response.
func (e *Engine) handleMCPMessage(ctx context.Context, req ControlRequest) ControlResponse {
	server, ok := e.mcpServers[req.Request.ServerName]
	if !ok {
		return errorResponse(req.RequestID,
			fmt.Sprintf("unknown MCP server: %s", req.Request.ServerName))
	}

	message := req.Request.Message
	method, _ := message["method"].(string)
	params, _ := message["params"].(map[string]any)
	messageID := message["id"]

	var result map[string]any

	switch method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2025-11-25",
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{
				"name":    server.Name(),
				"version": server.Version(),
			},
		}

	case "notifications/initialized", "notifications/cancelled":
		result = map[string]any{}

	case "tools/list":
		tools := make([]map[string]any, 0, len(server.tools))
		for _, def := range server.ToolDefs() {
			tool := map[string]any{
				"name":        def.Name,
				"description": def.Description,
			}
			if def.InputSchema != nil {
				tool["inputSchema"] = def.InputSchema
			}
			tools = append(tools, tool)
		}
		result = map[string]any{"tools": tools}

	case "tools/call":
		toolName, _ := params["name"].(string)
		argsJSON, err := json.Marshal(params["arguments"])
		if err != nil {
			return errorResponse(req.RequestID, fmt.Sprintf("marshal arguments: %v", err))
		}
		toolResult, err := server.CallTool(ctx, toolName, argsJSON)
		if err != nil {
			return errorResponse(req.RequestID, err.Error())
		}
		result = map[string]any{
			"content": toolResult.Content,
			"isError": toolResult.IsError,
		}

	default:
		return errorResponse(req.RequestID, fmt.Sprintf("unknown MCP method: %s", method))
	}

	return successResponse(req.RequestID, map[string]any{
		"mcp_response": map[string]any{
			"jsonrpc": "2.0",
			"id":      messageID,
			"result":  result,
		},
	})
}
