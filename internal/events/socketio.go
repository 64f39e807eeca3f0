package events

import (
	"context"

	socketio "github.com/googollee/go-socket.io"
)

// Broadcaster is the part of a Socket.IO server the sink uses.
type Broadcaster interface {
	BroadcastToNamespace(namespace string, event string, args ...interface{}) bool
}

// SocketIOSink pushes the live decision pulse to dashboard clients.
type SocketIOSink struct {
	server    Broadcaster
	namespace string
}

// NewSocketIOSink wraps an existing broadcaster.
func NewSocketIOSink(server Broadcaster) *SocketIOSink {
	return &SocketIOSink{server: server, namespace: "/"}
}

func (s *SocketIOSink) Name() string { return "socketio" }

// Send broadcasts the event data under an event name derived from its type.
func (s *SocketIOSink) Send(_ context.Context, ev *CloudEvent) error {
	name := "traffic_event"
	switch ev.Type {
	case TypeEscrow:
		name = "escrow_event"
	case TypeLifecycle:
		name = "lifecycle_event"
	}
	s.server.BroadcastToNamespace(s.namespace, name, ev.Data)
	return nil
}

// NewSocketIOServer starts a Socket.IO server. The caller mounts it (it is
// an http.Handler) at /socket.io/ and closes it on shutdown.
func NewSocketIOServer() *socketio.Server {
	server := socketio.NewServer(nil)
	server.OnConnect("/", func(c socketio.Conn) error {
		c.SetContext("")
		return nil
	})
	server.OnDisconnect("/", func(socketio.Conn, string) {})

	go server.Serve()
	return server
}

var _ Sink = (*SocketIOSink)(nil)
