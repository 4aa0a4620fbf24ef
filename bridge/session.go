package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	agentbridge "github.com/agentwire/agentbridge"
)

const (
	// permissionTimeout bounds the peer's permission round-trip.
	permissionTimeout = 300 * time.Second

	// interruptResultTimeout bounds the wait for the interrupted result
	// after the CLI acknowledges an interrupt.
	interruptResultTimeout = 60 * time.Second

	// commandQueueSize bounds the actor's inbound command channel.
	commandQueueSize = 16
)

// Status is the session actor's peer-facing state.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusThinking          Status = "thinking"
	StatusExecutingTool     Status = "executing_tool"
	StatusWaitingPermission Status = "waiting_permission"
	StatusInterrupting      Status = "interrupting"
	StatusClosed            Status = "closed"
)

// SessionConfig carries the bootstrap parameters supplied by the peer's
// init message.
type SessionConfig struct {
	SessionID                  string
	Cwd                        string
	Model                      string
	PermissionMode             agentbridge.PermissionMode
	MaxTurns                   *int
	MaxThinkingTokens          *int
	DisallowedTools            []string
	Resume                     string
	DangerouslySkipPermissions bool
}

// command is a message on the actor's command channel.
type command interface{ isCommand() }

type cmdUserMessage struct {
	content         string
	parentToolUseID *string
}

type cmdInterrupt struct{}

type cmdPermissionRequest struct {
	req   agentbridge.ToolPermissionRequest
	reply chan permissionDecision
}

type cmdPermissionDecision struct {
	decision string
	message  string
}

type cmdPermissionExpired struct {
	reply chan permissionDecision
}

type cmdSetPermissionMode struct{ mode string }

type cmdInterruptTimeout struct{}

type cmdClose struct{}

func (cmdUserMessage) isCommand()        {}
func (cmdInterrupt) isCommand()          {}
func (cmdPermissionRequest) isCommand()  {}
func (cmdPermissionDecision) isCommand() {}
func (cmdPermissionExpired) isCommand()  {}
func (cmdSetPermissionMode) isCommand()  {}
func (cmdInterruptTimeout) isCommand()   {}
func (cmdClose) isCommand()              {}

// permissionDecision is the actor's reply to a pending permission handler.
// A non-empty err aborts the round-trip with an error control response.
type permissionDecision struct {
	decision string
	message  string
	err      string
}

// Session is the per-connection actor. It owns the session state machine,
// sequences turns, and mediates permission round-trips between the engine
// and the peer.
//
// All state is owned by the Run goroutine; other goroutines interact only
// through the command channel.
type Session struct {
	cfg    SessionConfig
	engine *agentbridge.Engine
	events *agentbridge.Subscription
	out    *peerWriter
	logger *slog.Logger

	cmds   chan command
	closed chan struct{}

	// Actor-owned state. The mutex guards the snapshots read from outside
	// the actor (Status, EffectiveID, InitData); the actor is the sole writer.
	mu          sync.Mutex
	status      Status
	prevStatus  Status
	effectiveID string
	initData    InitData

	turnCancel    context.CancelFunc
	pendingPerm   chan permissionDecision
	interruptDone chan struct{}
}

// NewSession creates the actor for one peer connection. The engine is
// attached afterwards via Attach, because the permission handler closure
// must exist before the engine is constructed.
func NewSession(cfg SessionConfig, out *peerWriter, logger *slog.Logger) *Session {
	effectiveID := cfg.SessionID
	if cfg.Resume != "" {
		effectiveID = cfg.Resume
	}
	return &Session{
		cfg:         cfg,
		out:         out,
		logger:      logger,
		cmds:        make(chan command, commandQueueSize),
		closed:      make(chan struct{}),
		status:      StatusIdle,
		effectiveID: effectiveID,
	}
}

// Attach wires the started engine and its event subscription, plus the
// captured init snapshot, into the actor.
func (s *Session) Attach(engine *agentbridge.Engine, events *agentbridge.Subscription, initData InitData, effectiveID string) {
	s.engine = engine
	s.events = events
	s.initData = initData
	if effectiveID != "" {
		s.setEffectiveID(effectiveID)
	}
}

// Status returns the current actor state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// EffectiveID returns the CLI-assigned session identifier.
func (s *Session) EffectiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveID
}

// InitData returns the captured capability snapshot.
func (s *Session) InitData() InitData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initData
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Session) setEffectiveID(id string) {
	s.mu.Lock()
	s.effectiveID = id
	s.mu.Unlock()
}

// Enqueue places a command on the actor's queue. It returns false once the
// actor has exited.
func (s *Session) Enqueue(cmd command) bool {
	select {
	case s.cmds <- cmd:
		return true
	case <-s.closed:
		return false
	}
}

// HandlePermission is the engine-side can_use_tool handler. It round-trips
// the request to the peer through the actor and converts the decision to
// the canonical reply. The engine runs it concurrently, so writes,
// interrupts, and event delivery stay live while the peer decides.
func (s *Session) HandlePermission(ctx context.Context, req agentbridge.ToolPermissionRequest) (agentbridge.PermissionResult, error) {
	reply := make(chan permissionDecision, 1)

	select {
	case s.cmds <- cmdPermissionRequest{req: req, reply: reply}:
	case <-s.closed:
		return agentbridge.DenyResult("session closed"), nil
	case <-ctx.Done():
		return agentbridge.DenyResult("session closed"), nil
	}

	timer := time.NewTimer(permissionTimeout)
	defer timer.Stop()

	select {
	case d := <-reply:
		if d.err != "" {
			return agentbridge.PermissionResult{}, &agentbridge.ErrControlProtocol{Reason: d.err}
		}
		switch d.decision {
		case DecisionAllow:
			return agentbridge.AllowResult(req.Input), nil
		case DecisionAllowAlways:
			return agentbridge.AllowAlwaysResult(req.ToolName, req.Input), nil
		default:
			msg := d.message
			if msg == "" {
				msg = "denied by user"
			}
			return agentbridge.DenyResult(msg), nil
		}

	case <-timer.C:
		// Unblock the actor; it clears the pending slot if still ours.
		select {
		case s.cmds <- cmdPermissionExpired{reply: reply}:
		case <-s.closed:
		}
		return agentbridge.DenyResult("permission request timed out"), nil

	case <-s.closed:
		return agentbridge.DenyResult("session closed"), nil
	case <-ctx.Done():
		return agentbridge.DenyResult("session closed"), nil
	}
}

// Run drives the actor until the peer disconnects, the transport ends, or
// ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer func() {
		s.setStatus(StatusClosed)
		if s.turnCancel != nil {
			s.turnCancel()
			s.turnCancel = nil
		}
		close(s.closed)
		s.engine.Disconnect()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case cmd := <-s.cmds:
			if _, ok := cmd.(cmdClose); ok {
				return
			}
			s.handleCommand(ctx, cmd)

		case msg, ok := <-s.events.C():
			if !ok {
				// Transport EOF: the CLI died mid-session.
				s.out.Send(WrapError("assistant process terminated unexpectedly"))
				return
			}
			if n := s.events.TakeLag(); n > 0 {
				s.logger.Warn("event subscriber lagged", "dropped", n)
			}
			s.handleEvent(msg)
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, cmd command) {
	switch c := cmd.(type) {
	case cmdUserMessage:
		s.startTurn(ctx, c)

	case cmdInterrupt:
		s.interrupt(ctx)

	case cmdPermissionRequest:
		s.beginPermission(c)

	case cmdPermissionDecision:
		s.resolvePermission(permissionDecision{decision: c.decision, message: c.message})

	case cmdPermissionExpired:
		if s.pendingPerm != nil && s.pendingPerm == c.reply {
			s.pendingPerm = nil
			s.restoreAfterPermission()
		}

	case cmdInterruptTimeout:
		if s.Status() == StatusInterrupting {
			s.endTurn()
		}

	case cmdSetPermissionMode:
		mode := agentbridge.PermissionMode(c.mode)
		go func() {
			if err := s.engine.SetPermissionMode(ctx, mode); err != nil {
				s.out.Send(WrapError("set_permission_mode failed: " + err.Error()))
			}
		}()
	}
}

// startTurn begins a new user turn. A message arriving while a turn is in
// flight is rejected with a peer-visible error rather than queued.
func (s *Session) startTurn(ctx context.Context, c cmdUserMessage) {
	if s.Status() != StatusIdle {
		s.out.Send(WrapError("a turn is already in flight; message rejected"))
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	s.turnCancel = cancel
	s.setStatus(StatusThinking)

	if err := s.engine.SendUserMessage(turnCtx, c.content, s.EffectiveID(), c.parentToolUseID); err != nil {
		s.out.Send(WrapError("failed to send user message: " + err.Error()))
		cancel()
		s.turnCancel = nil
		s.setStatus(StatusIdle)
	}
}

// interrupt cancels the live turn locally and asks the CLI to stop. The
// turn ends when the interrupted result arrives; a missing result within
// the timeout is a protocol error.
func (s *Session) interrupt(ctx context.Context) {
	if s.Status() == StatusInterrupting {
		return
	}
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.setStatus(StatusInterrupting)

	done := make(chan struct{})
	s.interruptDone = done

	go func() {
		if err := s.engine.Interrupt(ctx); err != nil {
			s.out.Send(WrapError("interrupt failed: " + err.Error()))
			return
		}
		select {
		case <-done:
		case <-s.closed:
		case <-time.After(interruptResultTimeout):
			s.out.Send(WrapError("interrupt acknowledged but no interrupted result arrived"))
			s.Enqueue(cmdInterruptTimeout{})
		}
	}()
}

// beginPermission registers the pending round-trip and prompts the peer.
// At most one permission round-trip may be in flight.
func (s *Session) beginPermission(c cmdPermissionRequest) {
	if s.pendingPerm != nil {
		c.reply <- permissionDecision{err: "another permission request is already pending"}
		return
	}

	s.pendingPerm = c.reply
	s.mu.Lock()
	s.prevStatus = s.status
	s.status = StatusWaitingPermission
	s.mu.Unlock()

	s.out.Send(PermissionRequestEvent{
		Type:     TypePermissionRequest,
		ID:       s.EffectiveID(),
		ToolName: c.req.ToolName,
		Input:    c.req.Input,
		Context: PermissionContext{
			Description: DescribeRequest(c.req.ToolName, c.req.Input),
			RiskLevel:   ClassifyRisk(c.req.ToolName, c.req.Input),
		},
	})
}

func (s *Session) resolvePermission(d permissionDecision) {
	if s.pendingPerm == nil {
		s.logger.Warn("permission decision with no pending request")
		return
	}
	s.pendingPerm <- d
	s.pendingPerm = nil
	s.restoreAfterPermission()
}

func (s *Session) restoreAfterPermission() {
	s.mu.Lock()
	if s.status == StatusWaitingPermission {
		s.status = s.prevStatus
	}
	s.mu.Unlock()
}

// handleEvent forwards a broadcast message to the peer and advances the
// state machine.
func (s *Session) handleEvent(msg agentbridge.Message) {
	switch m := msg.(type) {
	case agentbridge.SystemMessage:
		if m.Subtype == "init" {
			if id := m.ExtraString("session_id"); id != "" {
				s.setEffectiveID(id)
			}
			s.mu.Lock()
			s.initData = InitDataFromExtra(m.Extra)
			s.mu.Unlock()
		}
		s.forward(msg)

	case agentbridge.AssistantMessage:
		s.forward(msg)
		switch s.Status() {
		case StatusThinking, StatusExecutingTool:
			if m.HasToolUse() {
				s.setStatus(StatusExecutingTool)
			} else {
				s.setStatus(StatusThinking)
			}
		}

	case agentbridge.ResultMessage:
		s.forward(msg)
		s.endTurn()

	case agentbridge.KeepAliveMessage:
		// Heartbeat only; not forwarded.

	default:
		s.forward(msg)
	}
}

func (s *Session) endTurn() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	if s.interruptDone != nil {
		close(s.interruptDone)
		s.interruptDone = nil
	}
	s.setStatus(StatusIdle)
}

func (s *Session) forward(msg agentbridge.Message) {
	envelope, err := WrapMessage(msg)
	if err != nil {
		s.logger.Warn("failed to wrap message for peer", "err", err)
		return
	}
	s.out.Send(envelope)
}
