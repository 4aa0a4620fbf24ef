package agentbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// controlRequestTimeout bounds every control request round-trip,
	// including initialize.
	controlRequestTimeout = 60 * time.Second

	// commandQueueSize bounds the engine's outbound write queue.
	commandQueueSize = 10
)

// shutdownGrace is how long a child gets to exit on stdin EOF before it is
// killed. A variable so tests can shorten the wait.
var shutdownGrace = 5 * time.Second

// controlEnvelope is the outbound control_request framing. Request is typed
// per subtype so nullable fields serialize correctly.
type controlEnvelope struct {
	Type      string `json:"type"` // "control_request"
	RequestID string `json:"request_id"`
	Request   any    `json:"request"`
}

// outboundFrame is one queued write plus its completion notification.
type outboundFrame struct {
	msg   any
	errCh chan error
}

// Engine is the control-protocol layer above the transport halves.
//
// The engine is the sole owner of the write half: all outbound lines pass
// through its write queue, which gives strict write ordering by command
// arrival. Inbound messages are demultiplexed three ways: control responses
// complete their pending request, server-initiated control requests are
// dispatched to registered handlers, and everything else is published on
// the broadcast bus.
type Engine struct {
	write  *WriteHalf
	read   *ReadHalf
	stderr *StderrHalf
	proc   *ProcessHandle
	logger *slog.Logger

	events   *Broadcast
	outbound chan outboundFrame

	// pending maps request ID -> chan ControlResponseBody (capacity 1).
	// An entry exists iff the originating caller is still waiting; it is
	// removed exactly once, on response, timeout, or shutdown.
	pending    sync.Map
	requestSeq atomic.Uint64

	canUseTool        CanUseToolFunc
	hookCallbacks     map[string]HookCallback
	hookRegistrations map[string][]HookRegistration
	mcpServers        map[string]*MCPServer

	initMu   sync.Mutex
	initResp map[string]any

	started  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	cancel   context.CancelFunc
}

// NewEngine builds an engine over split transport halves. Handlers for
// can_use_tool, hook_callback, and mcp_message are taken from options and
// fixed at construction.
func NewEngine(
	write *WriteHalf,
	read *ReadHalf,
	stderr *StderrHalf,
	proc *ProcessHandle,
	options *Options,
) *Engine {
	e := &Engine{
		write:         write,
		read:          read,
		stderr:        stderr,
		proc:          proc,
		logger:        options.logger(),
		events:        NewBroadcast(broadcastCapacity),
		outbound:      make(chan outboundFrame, commandQueueSize),
		canUseTool:    options.CanUseTool,
		hookCallbacks: make(map[string]HookCallback),
		mcpServers:    options.SDKMCPServers,
		done:          make(chan struct{}),
	}

	// Assign stable callback IDs and build the registration table handed
	// to the CLI in the initialize request.
	if len(options.Hooks) > 0 {
		e.hookRegistrations = make(map[string][]HookRegistration)
		hookID := 0
		for event, configs := range options.Hooks {
			matchers := make([]HookRegistration, 0, len(configs))
			for _, cfg := range configs {
				id := fmt.Sprintf("hook_%d", hookID)
				hookID++
				e.hookCallbacks[id] = cfg.Callback
				matchers = append(matchers, HookRegistration{
					Matcher:         cfg.Matcher,
					HookCallbackIDs: []string{id},
					Timeout:         cfg.Timeout,
				})
			}
			e.hookRegistrations[string(event)] = matchers
		}
	}

	return e
}

// Start launches the engine's write, read, and stderr tasks. It returns
// immediately; the engine runs until Disconnect, transport EOF, or ctx
// cancellation.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	inbound, err := e.read.Start(ctx)
	if err != nil {
		cancel()
		return err
	}

	go e.writeLoop(ctx)
	go e.readLoop(inbound)
	go e.stderrLoop(ctx)

	return nil
}

// writeLoop is the single writer. Frames are written in queue order; each
// enqueueing caller is notified of its own write result.
func (e *Engine) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-e.outbound:
			err := e.write.WriteJSON(frame.msg)
			frame.errCh <- err
			if err != nil {
				e.logger.Warn("outbound write failed", "err", err)
			}
		}
	}
}

// readLoop demultiplexes inbound messages until the queue closes (EOF).
func (e *Engine) readLoop(inbound <-chan Message) {
	for msg := range inbound {
		switch m := msg.(type) {
		case ControlResponse:
			e.completePending(m.Response)
		case ControlRequest:
			// Handlers may block (peer round-trips); run concurrently
			// so event delivery and further requests stay live.
			go e.handleControlRequest(m)
		default:
			e.events.Publish(msg)
		}
	}

	// EOF: the child is gone or its stdout broke. Tear the session down.
	e.shutdown()
}

// stderrLoop drains CLI diagnostics into the logger.
func (e *Engine) stderrLoop(ctx context.Context) {
	for line := range e.stderr.Start(ctx) {
		e.logger.Debug("cli stderr", "line", line)
	}
}

// completePending fulfills the sink registered for a control response. An
// unknown request ID is logged and dropped.
func (e *Engine) completePending(body ControlResponseBody) {
	val, ok := e.pending.LoadAndDelete(body.RequestID)
	if !ok {
		e.logger.Warn("control response for unknown request", "request_id", body.RequestID)
		return
	}
	sink := val.(chan ControlResponseBody)
	sink <- body
}

// nextRequestID allocates a process-unique control request ID.
func (e *Engine) nextRequestID() string {
	return fmt.Sprintf("req_%d_%s", e.requestSeq.Add(1), uuid.NewString())
}

// enqueueWrite places one frame on the write queue and waits for its write
// to complete, preserving command-arrival order.
func (e *Engine) enqueueWrite(ctx context.Context, msg any) error {
	frame := outboundFrame{msg: msg, errCh: make(chan error, 1)}

	select {
	case e.outbound <- frame:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return &ErrTransportClosed{}
	}

	select {
	case err := <-frame.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return &ErrTransportClosed{}
	}
}

// SendControlRequest issues one control request and awaits its correlated
// response within the protocol timeout.
func (e *Engine) SendControlRequest(ctx context.Context, subtype string, request any) (map[string]any, error) {
	requestID := e.nextRequestID()
	sink := make(chan ControlResponseBody, 1)
	e.pending.Store(requestID, sink)

	envelope := controlEnvelope{
		Type:      "control_request",
		RequestID: requestID,
		Request:   request,
	}
	if err := e.enqueueWrite(ctx, envelope); err != nil {
		e.pending.Delete(requestID)
		return nil, err
	}

	timer := time.NewTimer(controlRequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-sink:
		if resp.Subtype == "error" {
			return nil, &ErrControlProtocol{Reason: resp.Error}
		}
		return resp.Response, nil
	case <-timer.C:
		e.pending.Delete(requestID)
		return nil, &ErrTimeout{Subtype: subtype}
	case <-ctx.Done():
		e.pending.Delete(requestID)
		return nil, ctx.Err()
	case <-e.done:
		e.pending.Delete(requestID)
		return nil, &ErrTransportClosed{}
	}
}

// SendInputMessage writes one input message to the CLI as a framed line.
func (e *Engine) SendInputMessage(ctx context.Context, msg Message) error {
	return e.enqueueWrite(ctx, msg)
}

// SendUserMessage writes a text user message for the given session.
func (e *Engine) SendUserMessage(ctx context.Context, content, sessionID string, parentToolUseID *string) error {
	return e.enqueueWrite(ctx, NewUserMessage(content, sessionID, parentToolUseID))
}

// Interrupt asks the CLI to stop the current generation. The CLI follows up
// with a Result{subtype: "interrupted"} on the event bus.
func (e *Engine) Interrupt(ctx context.Context) error {
	_, err := e.SendControlRequest(ctx, "interrupt", ControlRequestBody{Subtype: "interrupt"})
	return err
}

// SetPermissionMode changes the permission mode for the live session.
func (e *Engine) SetPermissionMode(ctx context.Context, mode PermissionMode) error {
	_, err := e.SendControlRequest(ctx, "set_permission_mode", ControlRequestBody{
		Subtype: "set_permission_mode",
		Mode:    string(mode),
	})
	return err
}

// SetModel changes the model for the live session. A nil model clears the
// override; the null is sent explicitly.
func (e *Engine) SetModel(ctx context.Context, model *string) error {
	_, err := e.SendControlRequest(ctx, "set_model", setModelRequest{
		Subtype: "set_model",
		Model:   model,
	})
	return err
}

// RewindFiles restores tracked files to their state at a prior user
// message. Requires file checkpointing.
func (e *Engine) RewindFiles(ctx context.Context, userMessageID string) error {
	_, err := e.SendControlRequest(ctx, "rewind_files", ControlRequestBody{
		Subtype:       "rewind_files",
		UserMessageID: userMessageID,
	})
	return err
}

// GetServerInfo returns the CLI's capability snapshot, issuing the
// initialize control request lazily on first use and caching the response.
func (e *Engine) GetServerInfo(ctx context.Context) (map[string]any, error) {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.initResp != nil {
		return e.initResp, nil
	}

	resp, err := e.SendControlRequest(ctx, "initialize", ControlRequestBody{
		Subtype: "initialize",
		Hooks:   e.hookRegistrations,
	})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		resp = map[string]any{}
	}
	e.initResp = resp
	return resp, nil
}

// Subscribe attaches a new subscriber to the unsolicited-message bus.
func (e *Engine) Subscribe() *Subscription {
	return e.events.Subscribe()
}

// Done closes when the engine has shut down.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Disconnect closes the child's stdin, kills the child if it has not exited
// within shutdownGrace, and stops all engine tasks. Idempotent; safe from
// any goroutine.
func (e *Engine) Disconnect() {
	e.shutdown()
}

func (e *Engine) shutdown() {
	e.stopOnce.Do(func() {
		close(e.done)
		if e.cancel != nil {
			e.cancel()
		}
		e.events.Close()

		// Close stdin first: a healthy CLI exits on EOF. Kill only a
		// child that is still around after the grace period.
		if err := e.write.Close(); err != nil {
			e.logger.Debug("stdin close", "err", err)
		}

		exited := make(chan struct{})
		go func() {
			_, _ = e.proc.Wait()
			close(exited)
		}()

		select {
		case <-exited:
		case <-time.After(shutdownGrace):
			if err := e.proc.Kill(); err != nil {
				e.logger.Debug("child kill", "err", err)
			}
		}
	})
}

// handleControlRequest dispatches a server-initiated control request to the
// registered handler and writes the reply back as a control response.
func (e *Engine) handleControlRequest(req ControlRequest) {
	ctx := context.Background()

	var resp ControlResponse
	switch req.Request.Subtype {
	case "can_use_tool":
		resp = e.handlePermissionRequest(ctx, req)
	case "hook_callback":
		resp = e.handleHookCallback(ctx, req)
	case "mcp_message":
		resp = e.handleMCPMessage(ctx, req)
	default:
		resp = errorResponse(req.RequestID,
			fmt.Sprintf("unknown control request subtype: %s", req.Request.Subtype))
	}

	if err := e.enqueueWrite(ctx, resp); err != nil {
		e.logger.Warn("control response write failed",
			"request_id", req.RequestID, "err", err)
	}
}

// handlePermissionRequest routes a can_use_tool query to the permission
// handler and converts the decision to the canonical reply shape.
func (e *Engine) handlePermissionRequest(ctx context.Context, req ControlRequest) ControlResponse {
	if e.canUseTool == nil {
		return errorResponse(req.RequestID, "can_use_tool handler not registered")
	}

	permReq := ToolPermissionRequest{
		ToolName:    req.Request.ToolName,
		Input:       req.Request.Input,
		Suggestions: req.Request.PermissionSuggestions,
		BlockedPath: req.Request.BlockedPath,
		ToolUseID:   req.Request.ToolUseID,
	}

	result, err := e.canUseTool(ctx, permReq)
	if err != nil {
		return errorResponse(req.RequestID, err.Error())
	}
	if result.Allowed() && result.UpdatedInput == nil {
		result.UpdatedInput = permReq.Input
	}

	return successResponse(req.RequestID, result.responseMap())
}

// handleHookCallback invokes the registered hook callback by ID.
func (e *Engine) handleHookCallback(ctx context.Context, req ControlRequest) ControlResponse {
	callback, ok := e.hookCallbacks[req.Request.CallbackID]
	if !ok {
		return errorResponse(req.RequestID,
			fmt.Sprintf("unknown hook callback ID: %s", req.Request.CallbackID))
	}

	output, err := callback(ctx, req.Request.Input, req.Request.ToolUseID)
	if err != nil {
		return errorResponse(req.RequestID, err.Error())
	}
	return successResponse(req.RequestID, output)
}
