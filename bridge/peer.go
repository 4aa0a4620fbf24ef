package bridge

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// outboundQueueSize bounds the peer write queue.
	outboundQueueSize = 100

	// peerWriteTimeout bounds each socket write.
	peerWriteTimeout = 5 * time.Second
)

// peerWriter owns all writes to the peer socket. Sends go through a bounded
// queue drained by a dedicated task; each socket write carries a deadline.
// A write timeout or error closes the connection, which in turn ends the
// session.
type peerWriter struct {
	conn   *websocket.Conn
	out    chan any
	logger *slog.Logger

	once sync.Once
	quit chan struct{}
	done chan struct{}
}

func newPeerWriter(conn *websocket.Conn, logger *slog.Logger) *peerWriter {
	return &peerWriter{
		conn:   conn,
		out:    make(chan any, outboundQueueSize),
		logger: logger,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run drains the queue until Close is signalled or a write fails. On Close
// it flushes whatever is already queued, so terminal error envelopes reach
// the peer, then closes the socket.
func (w *peerWriter) Run() {
	defer close(w.done)
	defer w.conn.Close()

	for {
		select {
		case msg := <-w.out:
			if !w.writeOne(msg) {
				return
			}
		case <-w.quit:
			for {
				select {
				case msg := <-w.out:
					if !w.writeOne(msg) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (w *peerWriter) writeOne(msg any) bool {
	_ = w.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	if err := w.conn.WriteJSON(msg); err != nil {
		w.logger.Warn("peer write failed", "err", err)
		w.Close()
		return false
	}
	return true
}

// Send queues one message for the peer. It blocks when the queue is full —
// a stalled peer propagates backpressure rather than dropping output — and
// returns false once the writer has been told to stop.
func (w *peerWriter) Send(msg any) bool {
	select {
	case w.out <- msg:
		return true
	case <-w.quit:
		return false
	}
}

// SendSync writes one message directly, bypassing the queue. Used for the
// handshake reply before the writer task starts.
func (w *peerWriter) SendSync(msg any) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(peerWriteTimeout))
	return w.conn.WriteJSON(msg)
}

// Close signals the writer to flush and stop. Safe from any goroutine.
func (w *peerWriter) Close() {
	w.once.Do(func() { close(w.quit) })
}

// Shutdown signals Close and waits for the flush, bounded by the write
// timeout. If Run was never started the socket is closed directly.
func (w *peerWriter) Shutdown(started bool) {
	w.Close()
	if !started {
		_ = w.conn.Close()
		return
	}
	select {
	case <-w.done:
	case <-time.After(peerWriteTimeout):
		_ = w.conn.Close()
	}
}

// PeerAdapter translates peer frames into session commands. The read task
// runs until the socket closes, then signals the actor to exit.
type PeerAdapter struct {
	conn    *websocket.Conn
	session *Session
	writer  *peerWriter
	logger  *slog.Logger
}

func newPeerAdapter(conn *websocket.Conn, session *Session, writer *peerWriter, logger *slog.Logger) *PeerAdapter {
	return &PeerAdapter{
		conn:    conn,
		session: session,
		writer:  writer,
		logger:  logger,
	}
}

// ReadLoop consumes peer frames and dispatches them as actor commands.
func (a *PeerAdapter) ReadLoop() {
	defer a.session.Enqueue(cmdClose{})

	for {
		messageType, data, err := a.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			a.writer.Send(WrapError("binary frames are not supported"))
			a.writer.Close()
			return
		}

		msg, err := ParsePeerMessage(data)
		if err != nil {
			a.writer.Send(WrapError(err.Error()))
			continue
		}
		a.dispatch(msg)
	}
}

// dispatch maps one peer message to its actor command. Unknown types are
// ignored with a logged warning.
func (a *PeerAdapter) dispatch(msg PeerInbound) {
	switch msg.Type {
	case TypeUserMessage:
		a.session.Enqueue(cmdUserMessage{
			content:         msg.Content,
			parentToolUseID: msg.ParentToolUseID,
		})

	case TypeQuery:
		a.session.Enqueue(cmdUserMessage{content: msg.Prompt})

	case TypePermissionRespond:
		a.session.Enqueue(cmdPermissionDecision{
			decision: msg.Decision,
			message:  msg.Message,
		})

	case TypeControlRequest:
		if msg.Subtype == "interrupt" {
			a.session.Enqueue(cmdInterrupt{})
			return
		}
		a.logger.Warn("ignoring peer control request", "subtype", msg.Subtype)

	case TypeCancel:
		a.session.Enqueue(cmdInterrupt{})

	case TypeSetPermissionMode:
		a.session.Enqueue(cmdSetPermissionMode{mode: msg.Mode})

	case TypeUserSessionInit, TypeWorkspaceInit:
		// The bootstrap already happened; a repeat is a peer bug.
		a.logger.Warn("ignoring duplicate init message", "type", msg.Type)

	default:
		a.logger.Warn("ignoring unknown peer message", "type", msg.Type)
	}
}
