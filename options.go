package agentbridge

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// PermissionMode controls how the CLI gates tool execution.
type PermissionMode string

const (
	// PermissionModeDefault prompts for dangerous operations.
	PermissionModeDefault PermissionMode = "default"

	// PermissionModeAcceptEdits auto-approves file edits.
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"

	// PermissionModeBypassPermissions auto-approves everything. Requires
	// DangerouslySkipPermissions.
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"

	// PermissionModePlan only allows planning, no execution.
	PermissionModePlan PermissionMode = "plan"

	// PermissionModeDelegate defers decisions to the parent process.
	PermissionModeDelegate PermissionMode = "delegate"

	// PermissionModeDontAsk denies without prompting.
	PermissionModeDontAsk PermissionMode = "dontAsk"
)

var validPermissionModes = map[PermissionMode]bool{
	PermissionModeDefault:           true,
	PermissionModeAcceptEdits:       true,
	PermissionModeBypassPermissions: true,
	PermissionModePlan:              true,
	PermissionModeDelegate:          true,
	PermissionModeDontAsk:           true,
}

// ToolPermissionRequest describes a server-initiated can_use_tool query.
type ToolPermissionRequest struct {
	ToolName    string
	Input       map[string]any
	Suggestions []map[string]any
	BlockedPath string
	ToolUseID   string
}

// PermissionRule is one entry of updatedPermissions in an allow reply. With
// destination "session" the CLI stops re-prompting for the tool for the rest
// of the session.
type PermissionRule struct {
	ToolName    string `json:"tool_name"`
	Behavior    string `json:"behavior"`
	Destination string `json:"destination"`
}

// PermissionResult is the decision returned by a CanUseToolFunc.
type PermissionResult struct {
	Behavior           string // "allow" or "deny"
	UpdatedInput       map[string]any
	UpdatedPermissions []PermissionRule
	Message            string
	Interrupt          bool
}

// Allowed reports whether the decision permits the tool.
func (r PermissionResult) Allowed() bool { return r.Behavior == "allow" }

// AllowResult permits the tool with its input passed through unchanged.
func AllowResult(input map[string]any) PermissionResult {
	return PermissionResult{
		Behavior:           "allow",
		UpdatedInput:       input,
		UpdatedPermissions: []PermissionRule{},
	}
}

// AllowAlwaysResult permits the tool and registers a session-scoped rule so
// the CLI will not re-prompt for it.
func AllowAlwaysResult(toolName string, input map[string]any) PermissionResult {
	return PermissionResult{
		Behavior:     "allow",
		UpdatedInput: input,
		UpdatedPermissions: []PermissionRule{
			{ToolName: toolName, Behavior: "allow", Destination: "session"},
		},
	}
}

// DenyResult blocks the tool with an explanation.
func DenyResult(message string) PermissionResult {
	return PermissionResult{Behavior: "deny", Message: message}
}

// responseMap renders the decision in the canonical control-response shape.
func (r PermissionResult) responseMap() map[string]any {
	if r.Allowed() {
		updated := r.UpdatedPermissions
		if updated == nil {
			updated = []PermissionRule{}
		}
		return map[string]any{
			"behavior":           "allow",
			"updatedInput":       r.UpdatedInput,
			"updatedPermissions": updated,
		}
	}
	return map[string]any{
		"behavior":  "deny",
		"message":   r.Message,
		"interrupt": r.Interrupt,
	}
}

// CanUseToolFunc decides a server-initiated tool permission query. It may
// block (for example on a round-trip to a remote peer); the engine runs it
// concurrently with message delivery.
type CanUseToolFunc func(ctx context.Context, req ToolPermissionRequest) (PermissionResult, error)

// HookCallback handles a hook_callback control request. The input map and
// the structured return value are passed through verbatim.
type HookCallback func(ctx context.Context, input map[string]any, toolUseID string) (map[string]any, error)

// HookEvent names a CLI lifecycle event hooks can attach to.
type HookEvent string

// HookConfig binds a matcher pattern to a callback for one hook event.
type HookConfig struct {
	Matcher  string
	Callback HookCallback
	Timeout  int // seconds; 0 uses the CLI default
}

// ToolsConfig selects the tool set: a named preset or an explicit list.
type ToolsConfig struct {
	Preset string   // e.g. "default"; empty when List is used
	List   []string // explicit allow-list; nil when Preset is used
}

// MCPServerConfig describes an external MCP server the CLI should spawn.
type MCPServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// PluginConfig loads a plugin from a local path.
type PluginConfig struct {
	Path string
}

// SystemPromptPreset selects a named preset with an optional appended
// suffix, instead of a literal system prompt.
type SystemPromptPreset struct {
	Preset string
	Append string
}

// Options configures the CLI subprocess and the control engine built on it.
//
// All fields have usable zero values. Prompt selects the input mode: a
// non-nil Prompt runs one-shot print mode; nil keeps stdin open for
// streaming input (required by the bridge).
type Options struct {
	// CLIPath overrides CLI discovery.
	CLIPath string

	// Cwd is the child working directory.
	Cwd string

	// AddDirs are additional directories the CLI may access.
	AddDirs []string

	// Env is an overlay applied on top of the parent environment.
	Env map[string]string

	// Prompt, when non-nil, is passed as --print -- <prompt> and stdin
	// carries no input. When nil the transport runs in streaming mode.
	Prompt *string

	// SystemPrompt is a literal system prompt. Mutually exclusive with
	// SystemPromptPreset.
	SystemPrompt string

	// SystemPromptPreset selects a preset prompt with optional append.
	SystemPromptPreset *SystemPromptPreset

	Model         string
	FallbackModel string

	PermissionMode             PermissionMode
	DangerouslySkipPermissions bool

	// PermissionPromptToolName routes permission prompts to a named tool.
	// Mutually exclusive with CanUseTool, which forces "stdio".
	PermissionPromptToolName string

	// CanUseTool handles server-initiated tool permission queries.
	// Requires streaming input mode.
	CanUseTool CanUseToolFunc

	// Hooks registers lifecycle callbacks. An empty map is permitted.
	Hooks map[HookEvent][]HookConfig

	MaxTurns          *int
	MaxThinkingTokens *int
	MaxBudgetUSD      *float64

	AllowedTools    []string
	DisallowedTools []string
	Tools           *ToolsConfig

	// Resume reattaches to an existing CLI session by ID.
	Resume string

	// ForkSession forks to a new session ID when resuming.
	ForkSession bool

	// Continue resumes the most recent conversation.
	Continue bool

	// Settings is a settings file path or inline JSON forwarded verbatim.
	Settings string

	SettingSources []string

	// MCPServers are external servers the CLI spawns itself.
	MCPServers map[string]MCPServerConfig

	// SDKMCPServers run in-process; tool calls arrive over the control
	// channel as mcp_message requests.
	SDKMCPServers map[string]*MCPServer

	// Agents defines subagents, forwarded as JSON.
	Agents map[string]any

	Plugins []PluginConfig
	Betas   []string

	IncludePartialMessages bool

	// JSONSchema constrains the structured output of the final result.
	JSONSchema map[string]any

	// EnableFileCheckpointing turns on file change tracking for rewinds.
	EnableFileCheckpointing bool

	Verbose bool

	// ExtraArgs are passed through as --<flag> [value]; a nil value emits
	// a bare flag.
	ExtraArgs map[string]*string

	// Logger receives transport and engine diagnostics. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Option mutates Options.
type Option func(*Options)

// NewOptions builds Options from functional options.
func NewOptions(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithCLIPath pins the CLI executable path, skipping discovery.
func WithCLIPath(path string) Option {
	return func(o *Options) { o.CLIPath = path }
}

// WithCwd sets the child working directory.
func WithCwd(cwd string) Option {
	return func(o *Options) { o.Cwd = cwd }
}

// WithModel selects the model.
func WithModel(model string) Option {
	return func(o *Options) { o.Model = model }
}

// WithSystemPrompt sets a literal system prompt.
func WithSystemPrompt(prompt string) Option {
	return func(o *Options) { o.SystemPrompt = prompt }
}

// WithPermissionMode sets the permission mode.
func WithPermissionMode(mode PermissionMode) Option {
	return func(o *Options) { o.PermissionMode = mode }
}

// WithCanUseTool registers the permission handler and routes prompts over
// the control channel.
func WithCanUseTool(fn CanUseToolFunc) Option {
	return func(o *Options) { o.CanUseTool = fn }
}

// WithHooks registers hook callbacks.
func WithHooks(hooks map[HookEvent][]HookConfig) Option {
	return func(o *Options) { o.Hooks = hooks }
}

// WithResume reattaches to a prior session.
func WithResume(sessionID string) Option {
	return func(o *Options) { o.Resume = sessionID }
}

// WithMaxTurns caps the number of turns.
func WithMaxTurns(n int) Option {
	return func(o *Options) { o.MaxTurns = &n }
}

// WithMaxThinkingTokens caps the thinking-token budget.
func WithMaxThinkingTokens(n int) Option {
	return func(o *Options) { o.MaxThinkingTokens = &n }
}

// WithDisallowedTools blocks the named tools.
func WithDisallowedTools(tools ...string) Option {
	return func(o *Options) { o.DisallowedTools = tools }
}

// WithSDKMCPServer registers an in-process MCP server.
func WithSDKMCPServer(name string, server *MCPServer) Option {
	return func(o *Options) {
		if o.SDKMCPServers == nil {
			o.SDKMCPServers = make(map[string]*MCPServer)
		}
		o.SDKMCPServers[name] = server
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithDangerouslySkipPermissions bypasses all permission checks.
func WithDangerouslySkipPermissions() Option {
	return func(o *Options) { o.DangerouslySkipPermissions = true }
}

// logger returns the configured logger or the process default.
func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// streaming reports whether stdin carries stream-json input.
func (o *Options) streaming() bool { return o.Prompt == nil }

// Validate checks option consistency. It is called by Connect; a failure
// refuses to start the subprocess.
func (o *Options) Validate() error {
	if o.PermissionMode != "" && !validPermissionModes[o.PermissionMode] {
		return &ErrInvalidConfiguration{
			Field:  "PermissionMode",
			Reason: "unknown mode: " + string(o.PermissionMode),
		}
	}
	if o.CanUseTool != nil {
		if o.PermissionPromptToolName != "" {
			return &ErrInvalidConfiguration{
				Field:  "CanUseTool",
				Reason: "mutually exclusive with PermissionPromptToolName",
			}
		}
		if !o.streaming() {
			return &ErrInvalidConfiguration{
				Field:  "CanUseTool",
				Reason: "requires streaming input mode",
			}
		}
	}
	if o.SystemPrompt != "" && o.SystemPromptPreset != nil {
		return &ErrInvalidConfiguration{
			Field:  "SystemPrompt",
			Reason: "mutually exclusive with SystemPromptPreset",
		}
	}
	if o.Resume != "" && o.Continue {
		return &ErrInvalidConfiguration{
			Field:  "Resume",
			Reason: "mutually exclusive with Continue",
		}
	}
	return nil
}

// DiscoverCLIPath locates the assistant CLI executable.
//
// Search order: explicit override, PATH, then the well-known install
// locations used by npm, yarn, and the CLI's own installer. The first
// executable file wins.
func DiscoverCLIPath(options *Options) (string, error) {
	if options != nil && options.CLIPath != "" {
		return options.CLIPath, nil
	}

	if path, err := exec.LookPath("claude"); err == nil {
		return path, nil
	}

	home, _ := os.UserHomeDir()
	candidates := []string{
		filepath.Join(home, ".npm-global", "bin", "claude"),
		"/usr/local/bin/claude",
		filepath.Join(home, ".local", "bin", "claude"),
		filepath.Join(home, "node_modules", ".bin", "claude"),
		filepath.Join(home, ".yarn", "bin", "claude"),
		filepath.Join(home, ".claude", "local", "claude"),
	}

	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
			return p, nil
		}
	}

	return "", &ErrCLINotFound{Searched: append([]string{"$PATH"}, candidates...)}
}
