package room

import (
	"context"

	"github.com/coder/websocket"
)

// Conn is one live viewer. Write must be safe to call from multiple goroutines.
type Conn interface {
	Write(ctx context.Context, msg []byte) error
	Close(reason string) error
}

// Pinger is implemented by connections that support keepalive probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// WSConn adapts a coder/websocket connection to Conn.
type WSConn struct {
	ws *websocket.Conn
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) Write(ctx context.Context, msg []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, msg)
}

func (c *WSConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusGoingAway, reason)
}

// Ping requires a concurrent reader, which Room.Serve provides.
func (c *WSConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

// read blocks for the next client frame.
func (c *WSConn) read(ctx context.Context) (websocket.MessageType, []byte, error) {
	return c.ws.Read(ctx)
}
