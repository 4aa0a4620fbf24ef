package agentbridge

import (
	"encoding/json"
	"fmt"
)

// Message is the base interface for all messages exchanged with the
// assistant CLI over its line-delimited JSON streams.
//
// Messages are user prompts, assistant responses, system notifications,
// streaming events, turn results, or control protocol frames. The
// MessageType method returns the wire discriminator used for routing.
type Message interface {
	MessageType() string
}

// MessageContent is either a plain string or an ordered sequence of content
// blocks. The CLI accepts and emits both forms for user message content.
type MessageContent struct {
	text   string
	blocks []ContentBlock
	isText bool
}

// TextContent wraps a plain string as message content.
func TextContent(text string) MessageContent {
	return MessageContent{text: text, isText: true}
}

// BlocksContent wraps a sequence of content blocks as message content.
func BlocksContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{blocks: blocks}
}

// IsText reports whether the content is the string form.
func (c MessageContent) IsText() bool { return c.isText }

// Text returns the string form, or "" for the block form.
func (c MessageContent) Text() string { return c.text }

// Blocks returns the block form, or nil for the string form.
func (c MessageContent) Blocks() []ContentBlock { return c.blocks }

// MarshalJSON emits a string when the content is the string form, otherwise
// an array of blocks.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.text)
	}
	if c.blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.blocks)
}

// UnmarshalJSON accepts either a JSON string or an array of blocks.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent{text: s, isText: true}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = MessageContent{blocks: blocks}
	return nil
}

// ContentBlock is a single content element, discriminated by Type:
// "text", "thinking", "tool_use", or "tool_result".
type ContentBlock struct {
	Type string `json:"type"`

	// Text content ("text").
	Text string `json:"text,omitempty"`

	// Reasoning content ("thinking").
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Tool invocation ("tool_use").
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// Tool outcome ("tool_result"). Content is a string or an array; the
	// raw form is preserved so round-trips are lossless.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`
}

// UnmarshalJSON decodes a content block and rejects unknown block types.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Type {
	case "text", "thinking", "tool_use", "tool_result":
	default:
		return fmt.Errorf("unknown content block type: %q", a.Type)
	}
	*b = ContentBlock(a)
	return nil
}

// ResultContentText extracts the tool result content as text. Array content
// is returned as its JSON encoding.
func (b ContentBlock) ResultContentText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	return string(b.Content)
}

// UserMessage is a user prompt bound for (or replayed by) the CLI.
type UserMessage struct {
	Type            string      `json:"type"` // "user"
	UUID            string      `json:"uuid,omitempty"`
	SessionID       string      `json:"session_id"`
	Message         UserContent `json:"message"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
}

// UserContent is the nested message body in API format.
type UserContent struct {
	Role    string         `json:"role"` // "user"
	Content MessageContent `json:"content"`
}

// MessageType implements Message.
func (m UserMessage) MessageType() string { return "user" }

// NewUserMessage builds a text user message for the given session.
func NewUserMessage(content, sessionID string, parentToolUseID *string) UserMessage {
	return UserMessage{
		Type:            "user",
		SessionID:       sessionID,
		Message:         UserContent{Role: "user", Content: TextContent(content)},
		ParentToolUseID: parentToolUseID,
	}
}

// AssistantMessage is a response from the assistant. Content blocks can be
// text, thinking, or tool use requests.
type AssistantMessage struct {
	Type            string           `json:"type"` // "assistant"
	UUID            string           `json:"uuid,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	Message         AssistantContent `json:"message"`
	ParentToolUseID *string          `json:"parent_tool_use_id,omitempty"`
}

// AssistantContent is the nested body: the producing model and its blocks.
type AssistantContent struct {
	Model   string         `json:"model"`
	Content []ContentBlock `json:"content"`
}

// MessageType implements Message.
func (m AssistantMessage) MessageType() string { return "assistant" }

// ContentText returns the concatenated text of all text blocks.
func (m AssistantMessage) ContentText() string {
	var text string
	for _, block := range m.Message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

// HasToolUse reports whether any block requests a tool invocation.
func (m AssistantMessage) HasToolUse() bool {
	for _, block := range m.Message.Content {
		if block.Type == "tool_use" {
			return true
		}
	}
	return false
}

// SystemMessage is a CLI notification discriminated by Subtype. The "init"
// subtype carries the session bootstrap data. All keys other than type and
// subtype are preserved in Extra so unknown fields survive round-trips.
type SystemMessage struct {
	Type    string
	Subtype string
	Extra   map[string]any
}

// MessageType implements Message.
func (m SystemMessage) MessageType() string { return "system" }

// MarshalJSON merges Extra with the type and subtype discriminators.
func (m SystemMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+2)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["type"] = "system"
	out["subtype"] = m.Subtype
	return json.Marshal(out)
}

// UnmarshalJSON captures subtype and stashes every other key in Extra.
func (m *SystemMessage) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	subtype, ok := raw["subtype"].(string)
	if !ok || subtype == "" {
		return fmt.Errorf("system message missing subtype")
	}
	delete(raw, "type")
	delete(raw, "subtype")
	m.Type = "system"
	m.Subtype = subtype
	m.Extra = raw
	return nil
}

// ExtraString returns a string field from Extra, or "" when absent.
func (m SystemMessage) ExtraString(key string) string {
	s, _ := m.Extra[key].(string)
	return s
}

// ResultMessage signals the end of a turn, with timing, usage, and outcome.
type ResultMessage struct {
	Type             string         `json:"type"`    // "result"
	Subtype          string         `json:"subtype"` // "success", "interrupted", "error_*"
	UUID             string         `json:"uuid,omitempty"`
	SessionID        string         `json:"session_id"`
	DurationMs       int64          `json:"duration_ms"`
	DurationAPIMs    int64          `json:"duration_api_ms"`
	IsError          bool           `json:"is_error"`
	NumTurns         int            `json:"num_turns"`
	TotalCostUSD     *float64       `json:"total_cost_usd,omitempty"`
	Usage            map[string]any `json:"usage,omitempty"`
	Errors           []string       `json:"errors,omitempty"`
	Result           *string        `json:"result,omitempty"`
	StructuredOutput any            `json:"structured_output,omitempty"`
}

// MessageType implements Message.
func (m ResultMessage) MessageType() string { return "result" }

// ErrorText returns the error description. Older CLIs populate only the
// result field; the errors array wins when non-empty.
func (m ResultMessage) ErrorText() string {
	if len(m.Errors) > 0 {
		text := m.Errors[0]
		for _, e := range m.Errors[1:] {
			text += "; " + e
		}
		return text
	}
	if m.Result != nil {
		return *m.Result
	}
	return ""
}

// StreamEvent wraps a progressive delta emitted during streaming. The inner
// event is an open map; the bridge forwards it without interpretation.
type StreamEvent struct {
	Type            string         `json:"type"` // "stream_event"
	UUID            string         `json:"uuid"`
	SessionID       string         `json:"session_id"`
	Event           map[string]any `json:"event"`
	ParentToolUseID *string        `json:"parent_tool_use_id,omitempty"`
}

// MessageType implements Message.
func (m StreamEvent) MessageType() string { return "stream_event" }

// ControlRequest is a control-protocol request. Outbound requests originate
// in the engine; inbound ones are server-initiated (can_use_tool,
// hook_callback, mcp_message).
type ControlRequest struct {
	Type      string             `json:"type"` // "control_request"
	RequestID string             `json:"request_id"`
	Request   ControlRequestBody `json:"request"`
}

// ControlRequestBody is the union of per-subtype request payloads. Fields
// are populated according to Subtype.
type ControlRequestBody struct {
	Subtype string `json:"subtype"`

	// initialize
	Hooks map[string][]HookRegistration `json:"hooks,omitempty"`

	// can_use_tool
	ToolName              string           `json:"tool_name,omitempty"`
	Input                 map[string]any   `json:"input,omitempty"`
	PermissionSuggestions []map[string]any `json:"permission_suggestions,omitempty"`
	BlockedPath           string           `json:"blocked_path,omitempty"`
	ToolUseID             string           `json:"tool_use_id,omitempty"`

	// hook_callback
	CallbackID string `json:"callback_id,omitempty"`

	// set_permission_mode
	Mode string `json:"mode,omitempty"`

	// set_model; nil clears the override. Outbound set_model requests use
	// setModelRequest so the null is emitted explicitly.
	Model *string `json:"model,omitempty"`

	// rewind_files
	UserMessageID string `json:"user_message_id,omitempty"`

	// mcp_message
	ServerName string         `json:"server_name,omitempty"`
	Message    map[string]any `json:"message,omitempty"`
}

// HookRegistration maps a hook matcher to its registered callback IDs.
type HookRegistration struct {
	Matcher         string   `json:"matcher,omitempty"`
	HookCallbackIDs []string `json:"hookCallbackIds"`
	Timeout         int      `json:"timeout,omitempty"`
}

// MessageType implements Message.
func (m ControlRequest) MessageType() string { return "control_request" }

// setModelRequest is the outbound set_model body; Model is always present so
// a nil value serializes as an explicit null.
type setModelRequest struct {
	Subtype string  `json:"subtype"` // "set_model"
	Model   *string `json:"model"`
}

// ControlResponse correlates to a control request via RequestID and carries
// either a result payload or an error string.
type ControlResponse struct {
	Type     string              `json:"type"` // "control_response"
	Response ControlResponseBody `json:"response"`
}

// ControlResponseBody is the nested response payload.
type ControlResponseBody struct {
	Subtype   string         `json:"subtype"` // "success" or "error"
	RequestID string         `json:"request_id"`
	Response  map[string]any `json:"response,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// MessageType implements Message.
func (m ControlResponse) MessageType() string { return "control_response" }

// successResponse builds a success control response for a request.
func successResponse(requestID string, response map[string]any) ControlResponse {
	return ControlResponse{
		Type: "control_response",
		Response: ControlResponseBody{
			Subtype:   "success",
			RequestID: requestID,
			Response:  response,
		},
	}
}

// errorResponse builds an error control response for a request.
func errorResponse(requestID, errMsg string) ControlResponse {
	return ControlResponse{
		Type: "control_response",
		Response: ControlResponseBody{
			Subtype:   "error",
			RequestID: requestID,
			Error:     errMsg,
		},
	}
}

// KeepAliveMessage is a no-op heartbeat from the CLI.
type KeepAliveMessage struct {
	Type string `json:"type"` // "keep_alive"
}

// MessageType implements Message.
func (m KeepAliveMessage) MessageType() string { return "keep_alive" }

// ToolProgressMessage is a heartbeat during long tool executions. It flows
// to subscribers like any other unsolicited event.
type ToolProgressMessage struct {
	Type               string  `json:"type"` // "tool_progress"
	ToolUseID          string  `json:"tool_use_id"`
	ToolName           string  `json:"tool_name"`
	ParentToolUseID    *string `json:"parent_tool_use_id"`
	ElapsedTimeSeconds float64 `json:"elapsed_time_seconds"`
	UUID               string  `json:"uuid"`
	SessionID          string  `json:"session_id"`
}

// MessageType implements Message.
func (m ToolProgressMessage) MessageType() string { return "tool_progress" }

// ParseMessage decodes one inbound line into the matching Message variant.
//
// Parsing is structural, not schema-strict: unknown object keys are
// tolerated everywhere, and the System variant preserves them. An unknown
// top-level type or a malformed required field yields ErrMessageParse; the
// caller logs and skips the line.
func ParseMessage(data []byte) (Message, error) {
	var typeOnly struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &typeOnly); err != nil {
		return nil, &ErrMessageParse{Line: string(data), Cause: err}
	}

	switch typeOnly.Type {
	case "user":
		var msg UserMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ErrMessageParse{Line: string(data), Cause: err}
		}
		return msg, nil

	case "assistant":
		var msg AssistantMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ErrMessageParse{Line: string(data), Cause: err}
		}
		if msg.Message.Model == "" || msg.Message.Content == nil {
			return nil, &ErrMessageParse{
				Line:  string(data),
				Cause: fmt.Errorf("assistant message missing model or content"),
			}
		}
		return msg, nil

	case "system":
		var msg SystemMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ErrMessageParse{Line: string(data), Cause: err}
		}
		return msg, nil

	case "result":
		var msg ResultMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ErrMessageParse{Line: string(data), Cause: err}
		}
		if msg.Subtype == "" {
			return nil, &ErrMessageParse{
				Line:  string(data),
				Cause: fmt.Errorf("result message missing subtype"),
			}
		}
		return msg, nil

	case "stream_event":
		var msg StreamEvent
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ErrMessageParse{Line: string(data), Cause: err}
		}
		return msg, nil

	case "control_request":
		var msg ControlRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ErrMessageParse{Line: string(data), Cause: err}
		}
		if msg.RequestID == "" || msg.Request.Subtype == "" {
			return nil, &ErrMessageParse{
				Line:  string(data),
				Cause: fmt.Errorf("control request missing request_id or subtype"),
			}
		}
		return msg, nil

	case "control_response":
		var msg ControlResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ErrMessageParse{Line: string(data), Cause: err}
		}
		if msg.Response.RequestID == "" {
			return nil, &ErrMessageParse{
				Line:  string(data),
				Cause: fmt.Errorf("control response missing request_id"),
			}
		}
		return msg, nil

	case "keep_alive":
		return KeepAliveMessage{Type: "keep_alive"}, nil

	case "tool_progress":
		var msg ToolProgressMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ErrMessageParse{Line: string(data), Cause: err}
		}
		return msg, nil

	default:
		return nil, &ErrMessageParse{
			Line:  string(data),
			Cause: &ErrUnknownMessageType{Type: typeOnly.Type},
		}
	}
}
