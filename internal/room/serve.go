package room

import (
	"context"
	"errors"

	"github.com/coder/websocket"
)

// Serve runs the lifecycle of a freshly upgraded websocket: it joins the room,
// reads and discards client frames until the peer goes away, then leaves.
// Serve returns when the connection closes or ctx is done.
func (r *Room) Serve(ctx context.Context, ws *websocket.Conn) {
	conn := NewWSConn(ws)
	r.Join(ctx, conn)
	defer func() {
		r.Leave(ctx, conn)
		_ = ws.CloseNow()
	}()

	for {
		typ, data, err := conn.read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				r.logger.Debug("room: peer closed", "room", r.name, "status", status)
			} else {
				r.logger.Debug("room: read ended", "room", r.name, "error", err)
			}
			return
		}
		// Viewers never send anything meaningful.
		r.logger.Debug("room: discarded client frame", "room", r.name, "type", typ.String(), "bytes", len(data))
	}
}
