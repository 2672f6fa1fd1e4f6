package ws

import (
	"log/slog"

	"github.com/lobby/chatroom/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinMsg, protocol.MessageSendMsg, etc.).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It answers the application-level ping itself.
// Malformed or unsupported frames are logged and dropped; no error payload is
// ever sent back.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	logger   *slog.Logger
	onReject func(reason string)
}

// NewMessageDispatcher creates a MessageDispatcher. The server may be nil and
// set later with SetServer, since NewServer needs Dispatch as its callback.
func NewMessageDispatcher(server *Server, logger *slog.Logger) *MessageDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		logger:   logger.With("component", "dispatcher"),
	}
}

// SetServer assigns the Server reference on the dispatcher.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// OnReject registers a callback for frames dropped before routing, with the
// reason "malformed" or "unsupported".
func (d *MessageDispatcher) OnReject(fn func(reason string)) {
	d.onReject = fn
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("dropping malformed frame", "conn", conn.ID, "error", err)
		d.reject("malformed")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("dropping unsupported frame", "conn", conn.ID, "type", msgType)
		d.reject("unsupported")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) reject(reason string) {
	if d.onReject != nil {
		d.onReject(reason)
	}
}

// sendPong answers a client ping through the connection's outbound queue.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		d.logger.Error("failed to build pong", "conn", conn.ID, "error", err)
		return
	}

	if err := conn.Enqueue(data); err != nil {
		d.logger.Debug("failed to queue pong", "conn", conn.ID, "error", err)
	}
}
