// Package bridge exposes assistant CLI sessions to WebSocket peers.
//
// Each connection owns one CLI subprocess end to end: the handler performs
// the init handshake, the session actor drives turns and permission
// round-trips, and the peer adapter translates between the external
// WebSocket schema and the internal protocol types.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	agentbridge "github.com/agentwire/agentbridge"
)

// Peer message type discriminators.
const (
	// Inbound from the peer.
	TypeUserSessionInit   = "user_session_init"
	TypeWorkspaceInit     = "workspace_init"
	TypeUserMessage       = "user_message"
	TypeQuery             = "query"
	TypePermissionRespond = "permission_response"
	TypeControlRequest    = "control_request"
	TypeCancel            = "cancel"
	TypeSetPermissionMode = "set_permission_mode"

	// Outbound to the peer.
	TypeSessionInit         = "session_init"
	TypeWorkspaceInitOutput = "workspace_init_output"
	TypeMessage             = "message"
	TypePermissionRequest   = "permission_request"
	TypeError               = "error"
)

// Permission decisions accepted from the peer.
const (
	DecisionAllow       = "allow"
	DecisionAllowAlways = "allow_always"
	DecisionDeny        = "deny"
)

// agentType tags every wrapped envelope sent to the peer.
const agentType = "claude"

// PeerInbound is the decoded form of one peer text frame. Fields are
// populated according to Type; unknown keys are ignored.
type PeerInbound struct {
	Type string `json:"type"`

	// user_session_init / workspace_init
	Cwd                        string   `json:"cwd,omitempty"`
	Model                      string   `json:"model,omitempty"`
	PermissionMode             string   `json:"permission_mode,omitempty"`
	MaxTurns                   *int     `json:"max_turns,omitempty"`
	MaxThinkingTokens          *int     `json:"max_thinking_tokens,omitempty"`
	DisallowedTools            []string `json:"disallowed_tools,omitempty"`
	Resume                     string   `json:"resume,omitempty"`
	DangerouslySkipPermissions bool     `json:"dangerously_skip_permissions,omitempty"`
	SessionID                  string   `json:"session_id,omitempty"`

	// user_message
	Content         string  `json:"content,omitempty"`
	ParentToolUseID *string `json:"parent_tool_use_id,omitempty"`

	// query
	Prompt string `json:"prompt,omitempty"`

	// permission_response
	Decision string `json:"decision,omitempty"`
	Message  string `json:"message,omitempty"`

	// control_request
	Subtype string `json:"subtype,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`
}

// ParsePeerMessage decodes one peer text frame.
func ParsePeerMessage(data []byte) (PeerInbound, error) {
	var msg PeerInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("parse peer message: %w", err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("peer message missing type")
	}
	return msg, nil
}

// IsInit reports whether the message is a session bootstrap.
func (m PeerInbound) IsInit() bool {
	return m.Type == TypeUserSessionInit || m.Type == TypeWorkspaceInit
}

// MessageEnvelope wraps one raw CLI protocol message for the peer.
type MessageEnvelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"` // "message"
	AgentType string          `json:"agentType"`
	Data      json.RawMessage `json:"data"`
}

// WrapMessage envelopes a CLI protocol message for peer delivery.
func WrapMessage(msg agentbridge.Message) (MessageEnvelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return MessageEnvelope{}, fmt.Errorf("wrap message: %w", err)
	}
	return MessageEnvelope{
		ID:        uuid.NewString(),
		Type:      TypeMessage,
		AgentType: agentType,
		Data:      data,
	}, nil
}

// ErrorEnvelope reports a protocol error to the peer.
type ErrorEnvelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"` // "error"
	AgentType string `json:"agentType"`
	Error     string `json:"error"`
}

// WrapError envelopes an error message for peer delivery.
func WrapError(errMsg string) ErrorEnvelope {
	return ErrorEnvelope{
		ID:        uuid.NewString(),
		Type:      TypeError,
		AgentType: agentType,
		Error:     errMsg,
	}
}

// PermissionRequestEvent asks the peer for a tool permission decision. It
// is emitted unwrapped, as a first-class event.
type PermissionRequestEvent struct {
	Type     string            `json:"type"` // "permission_request"
	ID       string            `json:"id"`   // session ID
	ToolName string            `json:"toolName"`
	Input    map[string]any    `json:"input"`
	Context  PermissionContext `json:"context"`
}

// PermissionContext gives the peer a human-readable framing of the request.
type PermissionContext struct {
	Description string    `json:"description"`
	RiskLevel   RiskLevel `json:"risk_level"`
}

// InitReply answers a session bootstrap request. Its Type mirrors the
// request: session_init for user_session_init, workspace_init_output for
// workspace_init.
type InitReply struct {
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	SessionID string    `json:"session_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Data      *InitData `json:"data,omitempty"`
}

// InitData is the capability snapshot captured from the CLI's init message.
type InitData struct {
	Tools             []string `json:"tools,omitempty"`
	MCPServers        []any    `json:"mcp_servers,omitempty"`
	SlashCommands     []string `json:"slash_commands,omitempty"`
	Agents            []any    `json:"agents,omitempty"`
	Skills            []any    `json:"skills,omitempty"`
	Plugins           []any    `json:"plugins,omitempty"`
	Model             string   `json:"model,omitempty"`
	Cwd               string   `json:"cwd,omitempty"`
	ClaudeCodeVersion string   `json:"claude_code_version,omitempty"`
	OutputStyle       string   `json:"output_style,omitempty"`
	PermissionMode    string   `json:"permissionMode,omitempty"`
	APIKeySource      string   `json:"apiKeySource,omitempty"`
}

// InitDataFromExtra extracts the capability snapshot from a System{init}
// extra map. Missing or mistyped fields are left zero.
func InitDataFromExtra(extra map[string]any) InitData {
	return InitData{
		Tools:             stringSlice(extra["tools"]),
		MCPServers:        anySlice(extra["mcp_servers"]),
		SlashCommands:     stringSlice(extra["slash_commands"]),
		Agents:            anySlice(extra["agents"]),
		Skills:            anySlice(extra["skills"]),
		Plugins:           anySlice(extra["plugins"]),
		Model:             stringOr(extra["model"]),
		Cwd:               stringOr(extra["cwd"]),
		ClaudeCodeVersion: stringOr(extra["claude_code_version"]),
		OutputStyle:       stringOr(extra["output_style"]),
		PermissionMode:    stringOr(extra["permissionMode"]),
		APIKeySource:      stringOr(extra["apiKeySource"]),
	}
}

func stringOr(v any) string {
	s, _ := v.(string)
	return s
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func anySlice(v any) []any {
	items, _ := v.([]any)
	return items
}
