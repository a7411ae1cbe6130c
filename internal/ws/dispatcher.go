package ws

import (
	"context"
	"log"
	"time"

	"github.com/sparkdate/video-app/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (protocol.StartSearchingMsg,
// protocol.ProduceMsg, and so on).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers by
// message type. The ping/pong keepalive is handled internally; malformed or
// unsupported messages get a structured error response.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a dispatcher. The server reference may be
// set later via SetServer, since NewServer needs the Dispatch callback.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with a message type. Re-registering a type
// silently replaces the previous handler.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses raw bytes
// into a typed message, answers ping internally, and routes everything else
// to the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error participant=%s: %v", conn.ID, err)
		d.SendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q participant=%s", msgType, conn.ID)
		d.SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// SendError sends a structured error message to the client. Failures are
// logged, not propagated.
func (d *MessageDispatcher) SendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message participant=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message participant=%s: %v", conn.ID, err)
	}
}

// sendPong answers a client ping and refreshes the connection's liveness
// timestamp. The participant's Redis session TTL is bumped too, so an idle
// but pinging client never has its session expire under it.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.LastSeen = time.Now()

	if d.server != nil && d.server.Participants() != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := d.server.Participants().RefreshTTL(ctx, conn.ID); err != nil {
			log.Printf("ws: failed to refresh session ttl participant=%s: %v", conn.ID, err)
		}
		cancel()
	}

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong participant=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong participant=%s: %v", conn.ID, err)
	}
}
