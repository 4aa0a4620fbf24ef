package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	agentbridge "github.com/agentwire/agentbridge"
)

const (
	// initDeadline bounds the wait for the peer's first message.
	initDeadline = 30 * time.Second

	// cliInitTimeout bounds the wait for the CLI's System{init} after the
	// subprocess starts.
	cliInitTimeout = 30 * time.Second

	// peerReadLimit caps a single inbound frame.
	peerReadLimit = 4 * 1024 * 1024
)

// Server accepts WebSocket peers and binds each one to its own CLI
// subprocess session.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// runnerFactory, when set, supplies the subprocess runner for each
	// session instead of spawning the discovered CLI binary. Used for
	// alternative execution environments and tests.
	runnerFactory func() agentbridge.SubprocessRunner
}

// NewServer creates a bridge server.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetRunnerFactory overrides how session subprocesses are started.
func (s *Server) SetRunnerFactory(factory func() agentbridge.SubprocessRunner) {
	s.runnerFactory = factory
}

// Router returns the HTTP handler: /ws for sessions, /healthz for probes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// handleWS upgrades the connection and runs the session to completion.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(peerReadLimit)

	s.runConnection(r.Context(), conn)
}

// runConnection performs the init handshake, spawns the CLI, and drives the
// session until either side disconnects.
func (s *Server) runConnection(ctx context.Context, conn *websocket.Conn) {
	logger := s.logger.With("remote", conn.RemoteAddr().String())
	writer := newPeerWriter(conn, logger)
	writerStarted := false
	defer func() { writer.Shutdown(writerStarted) }()

	init, err := s.readInitMessage(conn)
	if err != nil {
		logger.Warn("init handshake failed", "err", err)
		_ = writer.SendSync(WrapError(err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "init required"),
			time.Now().Add(peerWriteTimeout))
		return
	}

	replyType := TypeSessionInit
	if init.Type == TypeWorkspaceInit {
		replyType = TypeWorkspaceInitOutput
	}

	cfg := sessionConfigFromInit(init, s.cfg)
	logger = logger.With("session_id", cfg.SessionID)

	session := NewSession(cfg, writer, logger)

	engine, events, err := s.startEngine(ctx, cfg, session)
	if err != nil {
		logger.Warn("session startup failed", "err", err)
		_ = writer.SendSync(InitReply{Type: replyType, Success: false, Error: err.Error()})
		return
	}

	// Capture the CLI's init snapshot, unless resuming, in which case the
	// CLI replays history instead of re-initializing.
	initData := InitData{}
	effectiveID := cfg.Resume
	if cfg.Resume == "" {
		initData, effectiveID, err = awaitCLIInit(events)
		if err != nil {
			logger.Warn("cli init failed", "err", err)
			_ = writer.SendSync(InitReply{Type: replyType, Success: false, Error: err.Error()})
			engine.Disconnect()
			return
		}
	}

	session.Attach(engine, events, initData, effectiveID)

	reply := InitReply{
		Type:      replyType,
		Success:   true,
		SessionID: session.EffectiveID(),
	}
	if cfg.Resume == "" {
		data := session.InitData()
		reply.Data = &data
	}
	if err := writer.SendSync(reply); err != nil {
		engine.Disconnect()
		return
	}

	adapter := newPeerAdapter(conn, session, writer, logger)

	writerStarted = true
	go writer.Run()
	go adapter.ReadLoop()

	session.Run(ctx)
	logger.Info("session ended")
}

// readInitMessage enforces the handshake: the first frame must arrive
// within the deadline and must be an init message.
func (s *Server) readInitMessage(conn *websocket.Conn) (PeerInbound, error) {
	_ = conn.SetReadDeadline(time.Now().Add(initDeadline))
	defer conn.SetReadDeadline(time.Time{})

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return PeerInbound{}, &agentbridge.ErrTimeout{Subtype: "session init"}
	}
	if messageType != websocket.TextMessage {
		return PeerInbound{}, &agentbridge.ErrControlProtocol{Reason: "binary frames are not supported"}
	}

	msg, err := ParsePeerMessage(data)
	if err != nil {
		return PeerInbound{}, err
	}
	if !msg.IsInit() {
		return PeerInbound{}, &agentbridge.ErrControlProtocol{
			Reason: "first message must be user_session_init or workspace_init",
		}
	}
	if msg.Cwd == "" && s.cfg.DefaultCwd == "" {
		return PeerInbound{}, &agentbridge.ErrInvalidConfiguration{
			Field:  "cwd",
			Reason: "working directory is required",
		}
	}
	return msg, nil
}

// sessionConfigFromInit merges the peer's bootstrap parameters with server
// defaults.
func sessionConfigFromInit(init PeerInbound, server Config) SessionConfig {
	cfg := SessionConfig{
		SessionID:                  init.SessionID,
		Cwd:                        init.Cwd,
		Model:                      init.Model,
		PermissionMode:             agentbridge.PermissionMode(init.PermissionMode),
		MaxTurns:                   init.MaxTurns,
		MaxThinkingTokens:          init.MaxThinkingTokens,
		DisallowedTools:            init.DisallowedTools,
		Resume:                     init.Resume,
		DangerouslySkipPermissions: init.DangerouslySkipPermissions,
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.Cwd == "" {
		cfg.Cwd = server.DefaultCwd
	}
	if cfg.Model == "" {
		cfg.Model = server.DefaultModel
	}
	if cfg.PermissionMode == "" && server.DefaultPermissionMode != "" {
		cfg.PermissionMode = agentbridge.PermissionMode(server.DefaultPermissionMode)
	}
	return cfg
}

// startEngine spawns the CLI subprocess and brings up the control engine
// with the session's permission handler registered.
func (s *Server) startEngine(ctx context.Context, cfg SessionConfig, session *Session) (*agentbridge.Engine, *agentbridge.Subscription, error) {
	opts := &agentbridge.Options{
		CLIPath:                    s.cfg.CLIPath,
		Cwd:                        cfg.Cwd,
		Model:                      cfg.Model,
		PermissionMode:             cfg.PermissionMode,
		MaxTurns:                   cfg.MaxTurns,
		MaxThinkingTokens:          cfg.MaxThinkingTokens,
		DisallowedTools:            cfg.DisallowedTools,
		Resume:                     cfg.Resume,
		DangerouslySkipPermissions: cfg.DangerouslySkipPermissions,
		IncludePartialMessages:     true,
		Hooks:                      map[agentbridge.HookEvent][]agentbridge.HookConfig{},
		Logger:                     s.logger,
	}
	if !cfg.DangerouslySkipPermissions {
		opts.CanUseTool = session.HandlePermission
	}

	var transport *agentbridge.SubprocessTransport
	if s.runnerFactory != nil {
		transport = agentbridge.NewSubprocessTransportWithRunner(s.runnerFactory(), opts)
	} else {
		var err error
		transport, err = agentbridge.NewSubprocessTransport(opts)
		if err != nil {
			return nil, nil, err
		}
	}
	if err := transport.Connect(ctx); err != nil {
		return nil, nil, err
	}

	read, write, stderr, proc, err := transport.Split()
	if err != nil {
		return nil, nil, err
	}

	engine := agentbridge.NewEngine(write, read, stderr, proc, opts)
	events := engine.Subscribe()
	if err := engine.Start(ctx); err != nil {
		engine.Disconnect()
		return nil, nil, err
	}
	return engine, events, nil
}

// awaitCLIInit blocks until the first System{init} arrives on the event bus
// and extracts the capability snapshot.
func awaitCLIInit(events *agentbridge.Subscription) (InitData, string, error) {
	timer := time.NewTimer(cliInitTimeout)
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-events.C():
			if !ok {
				return InitData{}, "", &agentbridge.ErrControlProtocol{
					Reason: "assistant process exited before init",
				}
			}
			sys, isSystem := msg.(agentbridge.SystemMessage)
			if !isSystem || sys.Subtype != "init" {
				continue
			}
			return InitDataFromExtra(sys.Extra), sys.ExtraString("session_id"), nil

		case <-timer.C:
			return InitData{}, "", &agentbridge.ErrTimeout{Subtype: "system init"}
		}
	}
}
